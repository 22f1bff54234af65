package proctor

import (
	"sync"

	"github.com/formsuite/proctoring/internal/logger"
)

// Visibility is the page visibility state reported by the overlay.
type Visibility int

const (
	Visible Visibility = iota
	Hidden
)

func (v Visibility) String() string {
	if v == Hidden {
		return "hidden"
	}
	return "visible"
}

// VisibilitySource delivers visibility changes. The returned function
// unsubscribes and may be called more than once.
type VisibilitySource interface {
	Subscribe(fn func(Visibility)) (unsubscribe func())
}

// VisibilityHub fans visibility events from the overlay page out to
// subscribers. Events are delivered synchronously on the publishing goroutine.
type VisibilityHub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(Visibility)
}

// NewVisibilityHub creates an empty hub.
func NewVisibilityHub() *VisibilityHub {
	return &VisibilityHub{subs: make(map[uint64]func(Visibility))}
}

// Subscribe registers fn for future events.
func (h *VisibilityHub) Subscribe(fn func(Visibility)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers v to every subscriber.
func (h *VisibilityHub) Publish(v Visibility) {
	h.mu.Lock()
	fns := make([]func(Visibility), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	logger.Debug("Visibility", "Page %s (%d subscribers)", v, len(fns))
	for _, fn := range fns {
		fn(v)
	}
}

// SetHidden is a convenience wrapper for boolean sources.
func (h *VisibilityHub) SetHidden(hidden bool) {
	if hidden {
		h.Publish(Hidden)
		return
	}
	h.Publish(Visible)
}

// visibilityWatcher detects visible-to-hidden transitions.
type visibilityWatcher struct {
	last Visibility
}

// observe records v and reports whether it is a new hide.
func (w *visibilityWatcher) observe(v Visibility) bool {
	hide := v == Hidden && w.last != Hidden
	w.last = v
	return hide
}
