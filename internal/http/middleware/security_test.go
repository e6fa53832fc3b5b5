package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// securedAPI mounts the routes whose caching behaviour differs: polled task
// status and archive downloads are private, targets are not.
func securedAPI(opt SecurityOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), SecurityHeaders(opt))
	okh := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/api/v1/status/:ref", okh)
	r.GET("/api/v1/archives", okh)
	r.GET("/api/v1/archives/:name", okh)
	r.GET("/api/v1/targets", okh)
	r.GET("/api/v1/statuses", okh)
	return r
}

func TestSecurityHeaders_NoStoreForPrivateRoutes(t *testing.T) {
	r := securedAPI(SecurityOptions{NoStorePrefixes: []string{"", "/api/v1/status/", "/api/v1/archives"}})

	cases := []struct {
		path    string
		noStore bool
	}{
		{"/api/v1/status/telegram-t1-s1", true},
		{"/api/v1/archives", true},
		{"/api/v1/archives/dGVsZWdyYW06dDE.42_cats.zip", true},
		{"/api/v1/targets", false},
		{"/api/v1/statuses", false},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		h := w.Header()
		got := h.Get("Cache-Control") == "no-store" && h.Get("Pragma") == "no-cache" && h.Get("Expires") == "0"
		if got != tc.noStore {
			t.Fatalf("%s: no-store=%v want %v (headers %v)", tc.path, got, tc.noStore, h)
		}
		if h.Get("X-Content-Type-Options") != "nosniff" || h.Get("X-Frame-Options") != "DENY" {
			t.Fatalf("%s: baseline headers missing: %v", tc.path, h)
		}
	}
}

func TestSecurityHeaders_GlobalNoStore(t *testing.T) {
	r := securedAPI(SecurityOptions{NoStore: true})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil))
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}
}

func TestSecurityHeaders_HSTSOnlyOverHTTPS(t *testing.T) {
	cases := []struct {
		name   string
		opt    SecurityOptions
		setup  func(*http.Request)
		expect string
	}{
		{"disabled", SecurityOptions{}, func(r *http.Request) { r.TLS = &tls.ConnectionState{} }, ""},
		{"plain http", SecurityOptions{EnableHSTS: true}, func(*http.Request) {}, ""},
		{"direct tls, default age", SecurityOptions{EnableHSTS: true}, func(r *http.Request) { r.TLS = &tls.ConnectionState{} }, "max-age=15552000; includeSubDomains; preload"},
		{"behind proxy", SecurityOptions{EnableHSTS: true, HSTSMaxAge: 24 * time.Hour}, func(r *http.Request) { r.Header.Set("X-Forwarded-Proto", "HTTPS") }, "max-age=86400; includeSubDomains; preload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := securedAPI(tc.opt)
			req := httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil)
			tc.setup(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if got := w.Header().Get("Strict-Transport-Security"); got != tc.expect {
				t.Fatalf("HSTS = %q; want %q", got, tc.expect)
			}
		})
	}
}

func TestSecurityHeaders_PolicyAndRequestIDExposure(t *testing.T) {
	r := securedAPI(SecurityOptions{EnablePolicy: true})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil)
	req.Header.Set("X-Request-ID", "relay-7")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	h := w.Header()
	if h.Get("X-Request-ID") != "relay-7" {
		t.Fatalf("request id not echoed: %v", h)
	}
	if h.Get("Access-Control-Expose-Headers") != "X-Request-ID" {
		t.Fatalf("expose header = %q", h.Get("Access-Control-Expose-Headers"))
	}
	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("policy headers missing: %v", h)
	}

	// An existing expose list is extended once.
	r = gin.New()
	r.Use(RequestID(), func(c *gin.Context) {
		c.Header("Access-Control-Expose-Headers", "ETag, Idempotency-Replayed")
		c.Next()
	}, SecurityHeaders(SecurityOptions{}))
	r.GET("/api/v1/targets", func(c *gin.Context) { c.Status(http.StatusOK) })
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil))
	if got := w.Header().Get("Access-Control-Expose-Headers"); got != "ETag, Idempotency-Replayed, X-Request-ID" {
		t.Fatalf("expose header = %q", got)
	}
}
