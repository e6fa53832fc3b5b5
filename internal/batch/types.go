package batch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tbourn/stickerhub/internal/domain"
	"github.com/tbourn/stickerhub/internal/services"
)

// Identity is a platform account.
type Identity struct {
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
}

// Item describes one member of a collection as reported by the catalog.
type Item struct {
	UniqueID string `json:"unique_id"`
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type,omitempty"`
	Animated bool   `json:"animated"`
	Video    bool   `json:"video"`
	URL      string `json:"url,omitempty"`
}

// Offer is a proposed batch operation awaiting confirmation.
type Offer struct {
	Token        string    `json:"token"`
	RequesterID  string    `json:"requester_id"`
	Source       Identity  `json:"source"`
	CollectionID string    `json:"collection_id"`
	AnchorItemID string    `json:"anchor_item_id,omitempty"`
	TotalCount   int       `json:"total_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Task is a confirmed, running batch operation.
type Task struct {
	ID           string
	RequesterID  string
	Source       Identity
	CollectionID string
	AnchorItemID string
	Mode         Mode
	StatusRef    string
	StartedAt    time.Time

	cancel atomic.Bool
	done   chan struct{}
}

// RequestCancel flags the task for a stop at the next batch boundary.
func (t *Task) RequestCancel() { t.cancel.Store(true) }

// CancelRequested reports whether a stop was requested.
func (t *Task) CancelRequested() bool { return t.cancel.Load() }

// Done is closed once the task has exited and left the task store.
func (t *Task) Done() <-chan struct{} { return t.done }

// Info returns a read-only snapshot.
func (t *Task) Info() TaskInfo {
	return TaskInfo{
		ID:              t.ID,
		RequesterID:     t.RequesterID,
		CollectionID:    t.CollectionID,
		Mode:            t.Mode,
		StatusRef:       t.StatusRef,
		CancelRequested: t.CancelRequested(),
		StartedAt:       t.StartedAt,
	}
}

// TaskInfo is a snapshot of a running task.
type TaskInfo struct {
	ID              string    `json:"id"`
	RequesterID     string    `json:"requester_id"`
	CollectionID    string    `json:"collection_id"`
	Mode            Mode      `json:"mode"`
	StatusRef       string    `json:"status_ref"`
	CancelRequested bool      `json:"cancel_requested"`
	StartedAt       time.Time `json:"started_at"`
}

// CancelAffordance is the "stop" control rendered next to a status message.
type CancelAffordance struct {
	TaskID string `json:"task_id"`
	Label  string `json:"label"`
}

// Handle is returned by ConfirmBatch.
type Handle struct {
	TaskID    string            `json:"task_id"`
	StatusRef string            `json:"status_ref"`
	Cancel    *CancelAffordance `json:"cancel"`

	done <-chan struct{}
}

// Done is closed when the task exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Catalog enumerates collections and downloads their items.
type Catalog interface {
	EnumerateCollection(ctx context.Context, collectionID string) ([]Item, error)
	FetchItemContent(ctx context.Context, item Item) ([]byte, error)
}

// StatusEditor replaces the text of a status message. A nil affordance
// removes the stop control.
type StatusEditor interface {
	EditStatus(ctx context.Context, ref, text string, cancel *CancelAffordance) error
}

// Forwarder relays one raw asset to the source account's delivery target,
// normalizing it on the way.
type Forwarder interface {
	Relay(ctx context.Context, a domain.Asset) (services.RelayOutcome, error)
}

// Marker sends batch-boundary marker text to the source account's target.
type Marker interface {
	MarkBatch(ctx context.Context, platform, accountID, text string) error
}

// GroupSender sends normalized assets as one group.
type GroupSender interface {
	SendGroup(ctx context.Context, platform, accountID string, assets []domain.Asset) (sent, failed int)
}

// ArchiveDeliverer hands a finished archive to the requester and returns a
// reference to it.
type ArchiveDeliverer interface {
	DeliverArchive(ctx context.Context, requesterID, name string, data []byte, caption string) (string, error)
}
