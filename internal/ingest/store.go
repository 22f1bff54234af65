// Package ingest implements the violation ingestion endpoint: request
// validation, the in-memory per-form store, the live violation feed and the
// optional archive.
package ingest

import (
	"sync"
	"time"

	"github.com/formsuite/proctoring/pkg/types"
	"github.com/google/uuid"
)

// Record is one stored violation.
type Record struct {
	ID         string          `json:"id"`
	FormID     string          `json:"formId"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Violation  types.Violation `json:"violation"`
}

// Store keeps violations per form for the lifetime of the process.
type Store struct {
	mu     sync.RWMutex
	forms  map[string][]Record
	subs   map[int]subscriber
	nextID int
	closed bool
	now    func() time.Time
}

type subscriber struct {
	formID string
	ch     chan Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		forms: make(map[string][]Record),
		subs:  make(map[int]subscriber),
		now:   time.Now,
	}
}

// Add stores v for formID and returns the record and the form's running
// total including it.
func (s *Store) Add(formID string, v types.Violation) (Record, int) {
	rec := Record{
		ID:         uuid.NewString(),
		FormID:     formID,
		ReceivedAt: s.now().UTC(),
		Violation:  v,
	}

	s.mu.Lock()
	s.forms[formID] = append(s.forms[formID], rec)
	total := len(s.forms[formID])
	for _, sub := range s.subs {
		if sub.formID != "" && sub.formID != formID {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			// Slow feed client; the list endpoint is authoritative.
		}
	}
	s.mu.Unlock()

	return rec, total
}

// List returns a copy of the violations stored for formID in arrival order.
func (s *Store) List(formID string) []types.Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.forms[formID]
	out := make([]types.Violation, len(recs))
	for i, r := range recs {
		out[i] = r.Violation
	}
	return out
}

// Subscribe returns a channel of newly stored records for formID, or for
// every form when formID is empty. After Close the channel is already closed.
func (s *Store) Subscribe(formID string) (int, <-chan Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Record, 16)
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subs[id] = subscriber{formID: formID, ch: ch}
	return id, ch
}

// Unsubscribe closes and removes a feed subscription.
func (s *Store) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subs[id]; ok {
		close(sub.ch)
		delete(s.subs, id)
	}
}

// Close ends every feed subscription so streaming handlers return. Stored
// violations stay readable.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}
