package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressTracker_MonotonicPercentage(t *testing.T) {
	tr := newProgressTracker()

	tr.Advance(10)
	assert.Equal(t, 10, tr.Snapshot().Percentage)

	// Lower values never regress the bar.
	tr.Advance(5)
	assert.Equal(t, 10, tr.Snapshot().Percentage)

	tr.Advance(50)
	assert.Equal(t, 50, tr.Snapshot().Percentage)

	// Capped at 100.
	tr.Advance(250)
	assert.Equal(t, 100, tr.Snapshot().Percentage)
	tr.Advance(99)
	assert.Equal(t, 100, tr.Snapshot().Percentage)
}

func TestProgressTracker_TotalsOnlyGrow(t *testing.T) {
	tr := newProgressTracker()

	tr.SetTotal(100)
	tr.SetProcessed(40)
	tr.SetTotal(90)
	tr.SetProcessed(30)

	p := tr.Snapshot()
	assert.Equal(t, 100, p.Total)
	assert.Equal(t, 40, p.Processed)
}

func TestProgressTracker_SnapshotIsACopy(t *testing.T) {
	tr := newProgressTracker()
	tr.AddError("first")

	snap := tr.Snapshot()
	tr.AddError("second")

	assert.Len(t, snap.Errors, 1)
	assert.Len(t, tr.Snapshot().Errors, 2)
}

func TestProgressTracker_PhaseLabel(t *testing.T) {
	tr := newProgressTracker()
	tr.SetPhase("fetching page 3")
	assert.Equal(t, "fetching page 3", tr.Snapshot().CurrentItem)
}
