// Package gate provides the single-flight discipline for purchase-order
// resolution: at most one resolution runs end-to-end at a time, with an
// observable ProcessingStatus for monitoring.
package gate

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/po-intake/internal/model"
)

// ErrNotHeld is returned when Update is called while the gate is not held.
// This is a programming error in the caller, never retried.
var ErrNotHeld = eris.New("gate: status update without holding the processing gate")

// Update carries partial status fields to merge. Empty strings leave the
// corresponding field untouched; counters use pointers so zero is settable.
type Update struct {
	Step      string
	Email     string
	PO        string
	ItemIndex *int
	ItemTotal *int
}

// Int returns a pointer for counter fields in an Update.
func Int(v int) *int { return &v }

// Gate is the process-wide mutual-exclusion token over ProcessingStatus.
// Construct one at process start and pass it by handle; the status it guards
// lives for the process lifetime.
type Gate struct {
	mu      sync.Mutex
	status  model.ProcessingStatus
	nowFunc func() time.Time
}

// New creates an idle gate.
func New() *Gate {
	return &Gate{
		status:  model.ProcessingStatus{CurrentStep: "idle"},
		nowFunc: time.Now,
	}
}

// TryAcquire atomically claims the gate. If a resolution is already in
// flight it returns false without mutating state; callers should treat that
// as "try again later", not as an error.
func (g *Gate) TryAcquire(initial Update) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status.IsProcessing {
		return false
	}

	now := g.nowFunc()
	g.status.IsProcessing = true
	g.status.StartedAt = now
	g.apply(initial, now)
	return true
}

// Update merges fields into the status. It fails with ErrNotHeld if the gate
// is not currently held, which guards against callers mutating status state
// outside an acquired resolution.
func (g *Gate) Update(u Update) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.status.IsProcessing {
		return ErrNotHeld
	}
	g.apply(u, g.nowFunc())
	return nil
}

// Release clears the in-progress flag, resets the progress counters and the
// email/PO identifiers, and merges any final status (typically an "idle"
// step label). Safe to call even if not held.
func (g *Gate) Release(final *Update) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	g.status.IsProcessing = false
	g.status.ItemIndex = 0
	g.status.ItemTotal = 0
	g.status.CurrentEmail = ""
	g.status.CurrentPO = ""
	g.status.CurrentStep = "idle"
	g.status.UpdatedAt = now
	if final != nil {
		g.apply(*final, now)
	}
}

// Status returns a read-only snapshot. Safe to call without holding the gate.
func (g *Gate) Status() model.ProcessingStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// apply merges u into the status. Caller holds g.mu.
func (g *Gate) apply(u Update, now time.Time) {
	if u.Step != "" {
		g.status.CurrentStep = u.Step
	}
	if u.Email != "" {
		g.status.CurrentEmail = u.Email
	}
	if u.PO != "" {
		g.status.CurrentPO = u.PO
	}
	if u.ItemIndex != nil {
		g.status.ItemIndex = *u.ItemIndex
	}
	if u.ItemTotal != nil {
		g.status.ItemTotal = *u.ItemTotal
	}
	g.status.UpdatedAt = now
}
