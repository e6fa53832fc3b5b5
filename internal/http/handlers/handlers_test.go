package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/stickerhub/internal/batch"
	"github.com/tbourn/stickerhub/internal/domain"
	"github.com/tbourn/stickerhub/internal/http/middleware"
	"github.com/tbourn/stickerhub/internal/repo"
	"github.com/tbourn/stickerhub/internal/services"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:handlers_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeRelay records relayed assets and returns a fixed result.
type fakeRelay struct {
	mu      sync.Mutex
	assets  []domain.Asset
	outcome services.RelayOutcome
	err     error
}

func (f *fakeRelay) Relay(_ context.Context, a domain.Asset) (services.RelayOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets = append(f.assets, a)
	if f.err != nil {
		return "", f.err
	}
	if f.outcome == "" {
		return services.RelaySent, nil
	}
	return f.outcome, nil
}

func (f *fakeRelay) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assets)
}

// fakeEngine captures engine calls and returns canned results.
type fakeEngine struct {
	offerErr   error
	confirmErr error
	cancelErr  error
	tasks      []batch.TaskInfo

	gotRequester string
	gotSource    batch.Identity
	gotMode      batch.Mode
	gotToken     string
	gotRef       string
	gotTotal     int
}

func (f *fakeEngine) OfferBatch(_ context.Context, requesterID string, source batch.Identity, collectionID, anchorItemID string, totalCount int) (string, error) {
	f.gotRequester, f.gotSource, f.gotTotal = requesterID, source, totalCount
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return "tok-" + collectionID, nil
}

func (f *fakeEngine) ConfirmBatch(_ context.Context, token, requesterID string, mode batch.Mode, statusRef string) (*batch.Handle, error) {
	f.gotToken, f.gotRequester, f.gotMode, f.gotRef = token, requesterID, mode, statusRef
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &batch.Handle{TaskID: "task-1", StatusRef: statusRef, Cancel: &batch.CancelAffordance{TaskID: "task-1", Label: "Stop"}}, nil
}

func (f *fakeEngine) RequestCancel(taskID, requesterID string) error {
	f.gotToken, f.gotRequester = taskID, requesterID
	return f.cancelErr
}

func (f *fakeEngine) RunningTasks() []batch.TaskInfo { return f.tasks }

// newTestRouter mounts every handler behind the identity and idempotency
// middleware they depend on.
func newTestRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Identity(middleware.DefaultPlatform))
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))

	h := New(d)
	r.POST("/bind", h.Bind)
	r.POST("/bind/webhook", h.BindWebhook)
	r.GET("/targets", h.Targets)
	r.POST("/assets", h.UploadAsset)
	r.POST("/batches/offers", h.CreateOffer)
	r.POST("/batches/offers/:token/confirm", h.ConfirmOffer)
	r.POST("/batches/tasks/:id/cancel", h.CancelTask)
	r.GET("/batches/tasks", h.ListTasks)
	r.GET("/status/:ref", h.GetStatus)
	r.GET("/archives", h.ListArchives)
	r.GET("/archives/:name", h.DownloadArchive)
	return r
}

type call struct {
	method, path string
	user         string
	platform     string
	body         io.Reader
	contentType  string
	headers      map[string]string
}

func do(r http.Handler, c call) *httptest.ResponseRecorder {
	req := httptest.NewRequest(c.method, c.path, c.body)
	if c.contentType != "" {
		req.Header.Set("Content-Type", c.contentType)
	} else if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set(middleware.HeaderUserID, c.user)
	}
	if c.platform != "" {
		req.Header.Set(middleware.HeaderPlatform, c.platform)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v (body=%s)", err, w.Body.String())
	}
	return v
}

func wantError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status=%d want %d body=%s", w.Code, status, w.Body.String())
	}
	er := decode[ErrorResponse](t, w)
	if er.Code != code {
		t.Fatalf("code=%q want %q", er.Code, code)
	}
}

func TestNew_Defaults(t *testing.T) {
	h := New(Deps{})
	if h.maxUpload != 20<<20 {
		t.Fatalf("maxUpload=%d", h.maxUpload)
	}
	if h.idemTTL != 24*time.Hour {
		t.Fatalf("idemTTL=%v", h.idemTTL)
	}
}

func TestCaller_RequiresIdentity(t *testing.T) {
	r := newTestRouter(Deps{})
	for _, path := range []string{"/bind", "/bind/webhook", "/assets", "/batches/offers"} {
		w := do(r, call{method: http.MethodPost, path: path})
		wantError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)
	}
}
