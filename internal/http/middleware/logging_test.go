package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

func TestRequestID_MintsOrReusesAndExposesToHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var seen []string
	r := gin.New()
	r.Use(RequestID())
	r.POST("/api/v1/assets", func(c *gin.Context) {
		seen = append(seen, c.GetString(requestIDKey))
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/assets", nil))
	minted := w.Header().Get(requestIDHeader)
	if len(minted) != 36 || seen[0] != minted {
		t.Fatalf("minted id %q, handler saw %q", minted, seen[0])
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/assets", nil)
	req.Header.Set("x-request-id", "gateway-91")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "gateway-91" || seen[1] != "gateway-91" {
		t.Fatalf("gateway id not reused: header %q handler %q", got, seen[1])
	}
}

func TestContextLogger_ScopedFieldsReachRequestContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Identity(""), ContextLogger())
	r.GET("/targets", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("from gin")
		zerolog.Ctx(c.Request.Context()).Info().Msg("from service")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/targets", nil)
	req.Header.Set(requestIDHeader, "rid-7")
	req.Header.Set(HeaderUserID, "t1")
	req.Header.Set(HeaderPlatform, "Feishu")
	r.ServeHTTP(httptest.NewRecorder(), req)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two log lines, got:\n%s", buf.String())
	}
	for _, line := range lines {
		for _, want := range []string{`"request_id":"rid-7"`, `"platform":"feishu"`, `"account":"t1"`, `"path":"/targets"`} {
			if !strings.Contains(line, want) {
				t.Fatalf("line %s lacks %s", line, want)
			}
		}
	}
}

func TestLoggerFrom_WithoutContextLoggerUsesGlobal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Identity(""))
	r.GET("/health", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("probe")
		c.Status(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderUserID, "t1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	if !strings.Contains(out, `"message":"probe"`) || strings.Contains(out, `"request_id"`) || strings.Contains(out, `"account"`) {
		t.Fatalf("expected a bare global line, got %s", out)
	}
}

func TestRecovery_PanickingRelayAnswersEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Identity(""), ContextLogger(), Recovery())
	r.POST("/api/v1/assets", func(c *gin.Context) {
		panic("feishu sender not configured")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/assets", nil)
	req.Header.Set(requestIDHeader, "rid-relay")
	req.Header.Set(HeaderUserID, "t1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] != "rid-relay" || body["message"] != "internal server error" {
		t.Fatalf("body = %v", body)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log line: %v (%s)", err, buf.String())
	}
	if entry["message"] != "panic recovered" || entry["account"] != "t1" || entry["stack"] == nil {
		t.Fatalf("log entry = %v", entry)
	}
}

func TestRecovery_PanicMidDownloadKeepsPartialBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/api/v1/archives/:name", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/zip", []byte("PK\x03\x04"))
		panic("disk read failed")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/archives/a.zip", nil))

	if w.Body.String() != "PK\x03\x04" {
		t.Fatalf("body = %q; want only the streamed bytes", w.Body.String())
	}
	if !strings.Contains(buf.String(), "disk read failed") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"page=1", 2048, "page=1"},
		{"code=AB12CD&x=1", 9, "code=AB12…"},
		{"anything", 0, "anything"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q; want %q", tc.in, tc.max, got, tc.want)
		}
	}
}
