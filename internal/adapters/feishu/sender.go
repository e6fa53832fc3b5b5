// Package feishu delivers relayed assets and marker text to Feishu (Lark).
//
// Direct delivery authenticates as the app with a tenant access token,
// uploads the image and posts an image message to the bound open_id.
// Webhook delivery posts to a custom-bot hook URL; images still need the
// app credentials for the upload step, text does not.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/stickerhub/internal/domain"
	"github.com/tbourn/stickerhub/internal/services"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultBaseURL is the Feishu Open API root.
const DefaultBaseURL = "https://open.feishu.cn/open-apis"

// tokenSkew refreshes the cached tenant token this long before it expires.
const tokenSkew = time.Minute

// Sender implements services.Sender and services.TextSender.
type Sender struct {
	AppID     string
	AppSecret string
	BaseURL   string
	HTTP      *http.Client
	Now       func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

var (
	_ services.Sender     = (*Sender)(nil)
	_ services.TextSender = (*Sender)(nil)
)

// NewSender returns a Sender for the given app credentials.
func NewSender(appID, appSecret, baseURL string, timeout time.Duration) *Sender {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Sender{
		AppID:     appID,
		AppSecret: appSecret,
		BaseURL:   strings.TrimRight(baseURL, "/"),
		HTTP:      &http.Client{Timeout: timeout},
	}
}

// apiResponse is the envelope shared by Open API and custom-bot replies.
// Older hook endpoints report StatusCode instead of code.
type apiResponse struct {
	Code       int             `json:"code"`
	Msg        string          `json:"msg"`
	StatusCode int             `json:"StatusCode"`
	Data       json.RawMessage `json:"data"`

	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

func (s *Sender) client() *http.Client {
	if s.HTTP == nil {
		return http.DefaultClient
	}
	return s.HTTP
}

func (s *Sender) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Send delivers an image asset to target.
func (s *Sender) Send(ctx context.Context, a domain.Asset, target domain.DeliveryTarget) error {
	ctx, span := otel.Tracer("adapters/feishu").Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("delivery.mode", string(target.Mode)),
			attribute.String("media.mime", a.MimeType),
			attribute.Int("media.bytes", len(a.Content)),
		),
	)
	defer span.End()

	err := s.send(ctx, a, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Sender) send(ctx context.Context, a domain.Asset, target domain.DeliveryTarget) error {
	token, err := s.tenantToken(ctx)
	if err != nil {
		return err
	}
	imageKey, err := s.uploadImage(ctx, token, a)
	if err != nil {
		return err
	}
	content, _ := json.Marshal(map[string]string{"image_key": imageKey})

	switch target.Mode {
	case domain.DeliveryDirect:
		if err := s.postMessage(ctx, token, target.Target, "image", string(content)); err != nil {
			return err
		}
	case domain.DeliveryWebhook:
		body := map[string]any{"msg_type": "image", "content": map[string]string{"image_key": imageKey}}
		if err := s.postHook(ctx, target.Target, body); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown delivery mode %q", services.ErrDeliveryFailed, target.Mode)
	}
	log.Info().Str("mode", string(target.Mode)).Str("file", a.FileName).Msg("asset sent to feishu")
	return nil
}

// SendText delivers plain text to target.
func (s *Sender) SendText(ctx context.Context, text string, target domain.DeliveryTarget) error {
	ctx, span := otel.Tracer("adapters/feishu").Start(ctx, "SendText",
		trace.WithAttributes(attribute.String("delivery.mode", string(target.Mode))),
	)
	defer span.End()

	switch target.Mode {
	case domain.DeliveryDirect:
		token, err := s.tenantToken(ctx)
		if err != nil {
			return err
		}
		content, _ := json.Marshal(map[string]string{"text": text})
		return s.postMessage(ctx, token, target.Target, "text", string(content))
	case domain.DeliveryWebhook:
		body := map[string]any{"msg_type": "text", "content": map[string]string{"text": text}}
		return s.postHook(ctx, target.Target, body)
	}
	return fmt.Errorf("%w: unknown delivery mode %q", services.ErrDeliveryFailed, target.Mode)
}

func (s *Sender) tenantToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.tokenExp) {
		return s.token, nil
	}
	if s.AppID == "" || s.AppSecret == "" {
		return "", fmt.Errorf("%w: feishu app credentials are not configured", services.ErrDeliveryFailed)
	}

	body, _ := json.Marshal(map[string]string{"app_id": s.AppID, "app_secret": s.AppSecret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := s.do(req, "tenant token")
	if err != nil {
		return "", err
	}
	if resp.TenantAccessToken == "" {
		return "", fmt.Errorf("%w: feishu tenant token: empty token", services.ErrDeliveryFailed)
	}
	ttl := time.Duration(resp.Expire) * time.Second
	s.token = resp.TenantAccessToken
	s.tokenExp = s.now().Add(ttl - tokenSkew)
	log.Debug().Int("expire_s", resp.Expire).Msg("feishu tenant token refreshed")
	return s.token, nil
}

func (s *Sender) uploadImage(ctx context.Context, token string, a domain.Asset) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("image_type", "message"); err != nil {
		return "", err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, a.FileName))
	h.Set("Content-Type", a.MimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(a.Content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/im/v1/images", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := s.do(req, "image upload")
	if err != nil {
		return "", err
	}
	var data struct {
		ImageKey string `json:"image_key"`
	}
	_ = json.Unmarshal(resp.Data, &data)
	if data.ImageKey == "" {
		return "", fmt.Errorf("%w: feishu image upload: empty image_key", services.ErrDeliveryFailed)
	}
	return data.ImageKey, nil
}

func (s *Sender) postMessage(ctx context.Context, token, openID, msgType, content string) error {
	body, _ := json.Marshal(map[string]string{
		"receive_id": openID,
		"msg_type":   msgType,
		"content":    content,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/im/v1/messages?receive_id_type=open_id", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	_, err = s.do(req, "send message")
	return err
}

func (s *Sender) postHook(ctx context.Context, hookURL string, payload map[string]any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: webhook %s: %v", services.ErrDeliveryFailed, services.MaskURL(hookURL), err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if _, err := s.do(req, "webhook "+services.MaskURL(hookURL)); err != nil {
		return err
	}
	return nil
}

// do executes req and decodes the envelope. Transport failures, non-2xx
// statuses and non-zero codes all wrap services.ErrDeliveryFailed.
func (s *Sender) do(req *http.Request, op string) (*apiResponse, error) {
	res, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: feishu %s: %v", services.ErrDeliveryFailed, op, redactErr(err, req))
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: feishu %s: read body: %v", services.ErrDeliveryFailed, op, err)
	}
	var out apiResponse
	if jerr := json.Unmarshal(raw, &out); jerr != nil && res.StatusCode/100 == 2 {
		return nil, fmt.Errorf("%w: feishu %s: decode body: %v", services.ErrDeliveryFailed, op, jerr)
	}
	if res.StatusCode/100 != 2 || out.Code != 0 || out.StatusCode != 0 {
		code := out.Code
		if code == 0 {
			code = out.StatusCode
		}
		return nil, fmt.Errorf("%w: feishu %s: http %d code %d: %s", services.ErrDeliveryFailed, op, res.StatusCode, code, out.Msg)
	}
	return &out, nil
}

// redactErr keeps hook tokens out of transport errors, which embed the URL.
func redactErr(err error, req *http.Request) string {
	msg := err.Error()
	if req.URL != nil {
		full := req.URL.String()
		msg = strings.ReplaceAll(msg, full, services.MaskURL(full))
	}
	return msg
}
