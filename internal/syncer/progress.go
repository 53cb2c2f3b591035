package syncer

import (
	"sync"

	"github.com/pinhawk/pinhawk/pkg/models"
)

// progressTracker is the live progress state for one running job. Only the
// worker owning the job writes to it; the scheduler reads snapshots for the
// status channel. Percentage is clamped monotonic: it never decreases and
// never exceeds 100 within a job.
type progressTracker struct {
	mu       sync.Mutex
	progress models.JobProgress
}

func newProgressTracker() *progressTracker {
	return &progressTracker{}
}

func (t *progressTracker) SetPhase(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.CurrentItem = label
}

func (t *progressTracker) SetTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.progress.Total {
		t.progress.Total = n
	}
}

func (t *progressTracker) SetProcessed(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.progress.Processed {
		t.progress.Processed = n
	}
}

// Advance raises the percentage to pct. Lower or out-of-range values are
// ignored, which is what keeps progress monotonic across phases.
func (t *progressTracker) Advance(pct int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pct > 100 {
		pct = 100
	}
	if pct > t.progress.Percentage {
		t.progress.Percentage = pct
	}
}

func (t *progressTracker) AddError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress.Errors = append(t.progress.Errors, msg)
}

// Snapshot returns a copy safe to hand to other goroutines.
func (t *progressTracker) Snapshot() models.JobProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.progress
	p.Errors = append([]string(nil), t.progress.Errors...)
	return p
}
