package batch

import (
	"sort"
	"sync"
	"time"
)

// OfferStore keeps pending offers keyed by token.
type OfferStore interface {
	Put(o Offer)
	Get(token string) (Offer, bool)
	Delete(token string)
	// DeleteOlderThan drops offers created before cutoff and returns how
	// many were dropped.
	DeleteOlderThan(cutoff time.Time) int
}

// TaskStore keeps running tasks keyed by id.
type TaskStore interface {
	// InsertIfIdle stores t unless its requester already has a task. The
	// check and the insert are one atomic step.
	InsertIfIdle(t *Task) bool
	Get(id string) (*Task, bool)
	Delete(id string)
	List() []*Task
}

// MemoryOfferStore is an in-process OfferStore.
type MemoryOfferStore struct {
	mu     sync.Mutex
	offers map[string]Offer
}

// NewMemoryOfferStore returns an empty store.
func NewMemoryOfferStore() *MemoryOfferStore {
	return &MemoryOfferStore{offers: make(map[string]Offer)}
}

func (s *MemoryOfferStore) Put(o Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[o.Token] = o
}

func (s *MemoryOfferStore) Get(token string) (Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[token]
	return o, ok
}

func (s *MemoryOfferStore) Delete(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offers, token)
}

func (s *MemoryOfferStore) DeleteOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for tok, o := range s.offers {
		if o.CreatedAt.Before(cutoff) {
			delete(s.offers, tok)
			n++
		}
	}
	return n
}

// Len reports the number of stored offers.
func (s *MemoryOfferStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers)
}

// MemoryTaskStore is an in-process TaskStore.
type MemoryTaskStore struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	byRequester map[string]string
}

// NewMemoryTaskStore returns an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks:       make(map[string]*Task),
		byRequester: make(map[string]string),
	}
}

func (s *MemoryTaskStore) InsertIfIdle(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.byRequester[t.RequesterID]; busy {
		return false
	}
	s.tasks[t.ID] = t
	s.byRequester[t.RequesterID] = t.ID
	return true
}

func (s *MemoryTaskStore) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

func (s *MemoryTaskStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	delete(s.tasks, id)
	if s.byRequester[t.RequesterID] == id {
		delete(s.byRequester, t.RequesterID)
	}
}

// List returns the tasks ordered by start time.
func (s *MemoryTaskStore) List() []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
