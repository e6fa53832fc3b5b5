package batch

import (
	"context"
	"sync"
	"time"
)

// Status is the current content of a status message.
type Status struct {
	Ref       string            `json:"ref"`
	Text      string            `json:"text"`
	Cancel    *CancelAffordance `json:"cancel,omitempty"`
	Version   int               `json:"version"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StatusBoard is an in-memory StatusEditor whose messages can be polled. It
// is the status surface for clients that cannot receive pushed edits.
type StatusBoard struct {
	mu       sync.RWMutex
	statuses map[string]Status
	now      func() time.Time
}

// NewStatusBoard returns an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{statuses: make(map[string]Status), now: time.Now}
}

// EditStatus replaces the message stored under ref.
func (b *StatusBoard) EditStatus(_ context.Context, ref, text string, cancel *CancelAffordance) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.statuses[ref]
	var c *CancelAffordance
	if cancel != nil {
		cp := *cancel
		c = &cp
	}
	b.statuses[ref] = Status{
		Ref:       ref,
		Text:      text,
		Cancel:    c,
		Version:   prev.Version + 1,
		UpdatedAt: b.now().UTC(),
	}
	return nil
}

// Get returns the message stored under ref.
func (b *StatusBoard) Get(ref string) (Status, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.statuses[ref]
	return s, ok
}

// Prune drops messages not updated since cutoff.
func (b *StatusBoard) Prune(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for ref, s := range b.statuses {
		if s.UpdatedAt.Before(cutoff) {
			delete(b.statuses, ref)
			n++
		}
	}
	return n
}
