// Package handlers exposes the control surface of the relay over HTTP:
// identity binding, single-asset relay and batch tasks.
//
// Handlers are transport-thin. They read the caller identity stored by
// middleware.Identity, validate input, call the services and translate
// results and sentinel errors into responses.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/stickerhub/internal/batch"
	"github.com/tbourn/stickerhub/internal/domain"
	"github.com/tbourn/stickerhub/internal/http/middleware"
	"github.com/tbourn/stickerhub/internal/services"
)

//
// Service contracts (context-aware)
//

// BindingService pairs platform accounts and resolves delivery targets.
type BindingService interface {
	RequestPairingCode(ctx context.Context, platform, accountID string) (string, error)
	ConsumeCode(ctx context.Context, platform, accountID, code string) (string, error)
	RegisterWebhookOverride(ctx context.Context, platform, accountID, rawURL string) (string, error)
	ResolveDeliveryTarget(ctx context.Context, platform, accountID string) (*domain.DeliveryTarget, error)
	HubID(ctx context.Context, platform, accountID string) (string, error)
}

// RelayService delivers one asset to the caller's target.
type RelayService interface {
	Relay(ctx context.Context, a domain.Asset) (services.RelayOutcome, error)
}

// BatchEngine runs collection-wide tasks.
type BatchEngine interface {
	OfferBatch(ctx context.Context, requesterID string, source batch.Identity, collectionID, anchorItemID string, totalCount int) (string, error)
	ConfirmBatch(ctx context.Context, token, requesterID string, mode batch.Mode, statusRef string) (*batch.Handle, error)
	RequestCancel(taskID, requesterID string) error
	RunningTasks() []batch.TaskInfo
}

// StatusReader serves status messages written by batch tasks.
type StatusReader interface {
	Get(ref string) (batch.Status, bool)
}

// ArchiveStore serves archives produced by archive-mode tasks.
type ArchiveStore interface {
	List(requesterID string) ([]string, error)
	Open(name string) (string, error)
	Owner(name, requesterID string) bool
}

//
// Handler wiring
//

// Deps collects the collaborators of Handlers. DB backs idempotency records
// and ETag statistics; Batches, Statuses and Archives may be nil, in which
// case the batch endpoints answer 503.
type Deps struct {
	Binding  BindingService
	Relay    RelayService
	Batches  BatchEngine
	Statuses StatusReader
	Archives ArchiveStore
	DB       *gorm.DB

	MaxUploadBytes int64
	IdempotencyTTL time.Duration
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	binding  BindingService
	relay    RelayService
	batches  BatchEngine
	statuses StatusReader
	archives ArchiveStore
	db       *gorm.DB

	maxUpload int64
	idemTTL   time.Duration
}

// New returns Handlers bound to d. Non-positive limits select 20 MiB uploads
// and a 24h idempotency window.
func New(d Deps) *Handlers {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 20 << 20
	}
	if d.IdempotencyTTL <= 0 {
		d.IdempotencyTTL = 24 * time.Hour
	}
	return &Handlers{
		binding:   d.Binding,
		relay:     d.Relay,
		batches:   d.Batches,
		statuses:  d.Statuses,
		archives:  d.Archives,
		db:        d.DB,
		maxUpload: d.MaxUploadBytes,
		idemTTL:   d.IdempotencyTTL,
	}
}

// caller returns the identity set by middleware.Identity or answers 401.
func caller(c *gin.Context) (platform, accountID string, found bool) {
	platform, accountID, found = middleware.AccountFrom(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
	}
	return platform, accountID, found
}
