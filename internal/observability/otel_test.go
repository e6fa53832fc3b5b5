package observability

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/stickerhub/internal/config"
)

// stubClient stands in for the OTLP gRPC client. Uploads are not expected;
// the embedded nil Client panics if one happens.
type stubClient struct {
	otlptrace.Client
	stopErr error
	started bool
	stopped bool
}

func (c *stubClient) Start(context.Context) error { c.started = true; return nil }

func (c *stubClient) Stop(context.Context) error { c.stopped = true; return c.stopErr }

func keepGlobals(t *testing.T) {
	t.Helper()
	tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func withStubExporter(t *testing.T, client *stubClient) {
	t.Helper()
	orig := newOTLPExporterFn
	t.Cleanup(func() { newOTLPExporterFn = orig })
	newOTLPExporterFn = func(ctx context.Context, _ otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}
}

func enabledConfig() config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "otel-collector:4317",
		ServiceName: "stickerhub",
		SampleRatio: 0.25,
	}
}

var (
	lowTraceID  = trace.TraceID{0x01}
	highTraceID = trace.TraceID{8: 0xff, 9: 0xff, 10: 0xff, 11: 0xff, 12: 0xff, 13: 0xff, 14: 0xff, 15: 0xff}
)

func decide(s sdktrace.Sampler, ctx context.Context, id trace.TraceID) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{ParentContext: ctx, TraceID: id, Name: "relay"}).Decision
}

func TestSamplerFor_RootDecisions(t *testing.T) {
	cases := []struct {
		ratio    float64
		low      sdktrace.SamplingDecision
		high     sdktrace.SamplingDecision
		describe string
	}{
		{-0.5, sdktrace.Drop, sdktrace.Drop, "AlwaysOffSampler"},
		{0, sdktrace.Drop, sdktrace.Drop, "AlwaysOffSampler"},
		{0.25, sdktrace.RecordAndSample, sdktrace.Drop, "TraceIDRatioBased{0.25}"},
		{1, sdktrace.RecordAndSample, sdktrace.RecordAndSample, "AlwaysOnSampler"},
		{3, sdktrace.RecordAndSample, sdktrace.RecordAndSample, "AlwaysOnSampler"},
	}
	for _, tc := range cases {
		s := samplerFor(tc.ratio)
		ctx := context.Background()
		if got := decide(s, ctx, lowTraceID); got != tc.low {
			t.Fatalf("ratio %v low trace id: decision %v want %v", tc.ratio, got, tc.low)
		}
		if got := decide(s, ctx, highTraceID); got != tc.high {
			t.Fatalf("ratio %v high trace id: decision %v want %v", tc.ratio, got, tc.high)
		}
		if d := s.Description(); !strings.Contains(d, tc.describe) {
			t.Fatalf("ratio %v description %q lacks %q", tc.ratio, d, tc.describe)
		}
	}
}

func TestSamplerFor_FollowsRemoteParent(t *testing.T) {
	parent := func(flags trace.TraceFlags) context.Context {
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    highTraceID,
			SpanID:     trace.SpanID{0x02},
			TraceFlags: flags,
			Remote:     true,
		})
		return trace.ContextWithRemoteSpanContext(context.Background(), sc)
	}

	// A sampled caller is traced even when local sampling is off.
	if got := decide(samplerFor(0), parent(trace.FlagsSampled), highTraceID); got != sdktrace.RecordAndSample {
		t.Fatalf("sampled parent at ratio 0: %v", got)
	}
	// An unsampled caller stays unsampled even at ratio 1.
	if got := decide(samplerFor(1), parent(0), lowTraceID); got != sdktrace.Drop {
		t.Fatalf("unsampled parent at ratio 1: %v", got)
	}
}

func TestSetupOTel_DisabledLeavesGlobals(t *testing.T) {
	keepGlobals(t)
	tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()

	cfg := enabledConfig()
	cfg.Enabled = false
	shutdown, err := SetupOTel(context.Background(), cfg, "dev")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
	if otel.GetTracerProvider() != tp || otel.GetTextMapPropagator() != prop {
		t.Fatalf("disabled tracing replaced the globals")
	}
}

func TestSetupOTel_InstallsProviderAndPropagator(t *testing.T) {
	keepGlobals(t)
	client := &stubClient{}
	withStubExporter(t, client)

	shutdown, err := SetupOTel(context.Background(), enabledConfig(), "1.4.0")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !client.started {
		t.Fatalf("exporter client was not started")
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("tracer provider = %T", otel.GetTracerProvider())
	}

	// W3C trace context and baggage both travel.
	carrier := propagation.MapCarrier{}
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: lowTraceID, SpanID: trace.SpanID{0x03}, TraceFlags: trace.FlagsSampled})
	otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(context.Background(), sc), carrier)
	if carrier.Get("traceparent") == "" {
		t.Fatalf("traceparent not injected: %v", carrier)
	}
	fields := otel.GetTextMapPropagator().Fields()
	if !slices.Contains(fields, "baggage") {
		t.Fatalf("propagator fields %v lack baggage", fields)
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !client.stopped {
		t.Fatalf("shutdown did not stop the exporter client")
	}
}

func TestSetupOTel_ShutdownReportsExporterError(t *testing.T) {
	keepGlobals(t)
	stopErr := errors.New("collector unreachable")
	withStubExporter(t, &stubClient{stopErr: stopErr})

	shutdown, err := SetupOTel(context.Background(), enabledConfig(), "1.4.0")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := shutdown(context.Background()); !errors.Is(err, stopErr) {
		t.Fatalf("shutdown err = %v; want %v", err, stopErr)
	}
}

func TestSetupOTel_ResourceErrorStopsExporter(t *testing.T) {
	keepGlobals(t)
	stopErr := errors.New("stop failed")
	client := &stubClient{stopErr: stopErr}
	withStubExporter(t, client)

	resErr := errors.New("bad resource")
	orig := newServiceResourceFn
	t.Cleanup(func() { newServiceResourceFn = orig })
	newServiceResourceFn = func(context.Context, string, string) (*resource.Resource, error) {
		return nil, resErr
	}

	tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	_, err := SetupOTel(context.Background(), enabledConfig(), "1.4.0")
	if !errors.Is(err, resErr) || !errors.Is(err, stopErr) {
		t.Fatalf("err = %v; want both resource and stop errors", err)
	}
	if !client.stopped {
		t.Fatalf("exporter left running after resource failure")
	}
	if otel.GetTracerProvider() != tp || otel.GetTextMapPropagator() != prop {
		t.Fatalf("globals changed on failure")
	}
}

func TestSetupOTel_ExporterErrorLeavesGlobals(t *testing.T) {
	keepGlobals(t)
	orig := newOTLPExporterFn
	t.Cleanup(func() { newOTLPExporterFn = orig })
	expErr := errors.New("dial failed")
	newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, expErr
	}

	tp := otel.GetTracerProvider()
	if _, err := SetupOTel(context.Background(), enabledConfig(), "1.4.0"); !errors.Is(err, expErr) {
		t.Fatalf("err = %v; want %v", err, expErr)
	}
	if otel.GetTracerProvider() != tp {
		t.Fatalf("tracer provider changed on failure")
	}
}

func TestNewServiceResource_CarriesServiceAndVersion(t *testing.T) {
	res, err := newServiceResourceFn(context.Background(), "stickerhub", "1.4.0")
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	if got["service.name"] != "stickerhub" || got["service.version"] != "1.4.0" {
		t.Fatalf("resource attributes = %v", got)
	}
}
