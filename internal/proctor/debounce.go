package proctor

import (
	"time"

	"github.com/formsuite/proctoring/pkg/types"
)

// DefaultCooldown is the per-kind suppression window.
const DefaultCooldown = 5 * time.Second

// Debouncer is a per-kind cooldown gate. It is not safe for concurrent use;
// the session serializes access.
type Debouncer struct {
	cooldown time.Duration
	last     [types.ViolationKindCount]time.Time
	seen     [types.ViolationKindCount]bool
}

// NewDebouncer returns a gate with the given window.
func NewDebouncer(cooldown time.Duration) *Debouncer {
	return &Debouncer{cooldown: cooldown}
}

// Allow reports whether a candidate of kind at now is accepted, recording the
// acceptance when it is. Unknown kinds are never accepted.
func (d *Debouncer) Allow(kind types.ViolationKind, now time.Time) bool {
	i := kind.Index()
	if i < 0 {
		return false
	}
	if d.seen[i] && now.Sub(d.last[i]) < d.cooldown {
		return false
	}
	d.seen[i] = true
	d.last[i] = now
	return true
}

