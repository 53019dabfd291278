package liveclient

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestVersionTracker(t *testing.T) {
	tracker := NewVersionTracker()

	_, seen := tracker.Baseline()
	assert.Equal(t, false, seen)

	// first observation adopts whatever the server sends
	assert.Equal(t, VersionAccepted, tracker.Observe(5, false))
	baseline, seen := tracker.Baseline()
	assert.Equal(t, true, seen)
	assert.Equal(t, 5, baseline)

	// only the immediate successor advances
	assert.Equal(t, VersionAccepted, tracker.Observe(6, false))

	// a repeat of the current generation is a mismatch
	assert.Equal(t, VersionMismatch, tracker.Observe(6, false))

	// a gap is a mismatch and does not advance the baseline
	assert.Equal(t, VersionMismatch, tracker.Observe(9, false))
	baseline, _ = tracker.Baseline()
	assert.Equal(t, 6, baseline)

	// the successor of the unchanged baseline still lands
	assert.Equal(t, VersionAccepted, tracker.Observe(7, false))
}

func TestVersionTrackerHotReload(t *testing.T) {
	tracker := NewVersionTracker()
	tracker.Adopt(5)

	// a development reload resets the counter without a mismatch
	assert.Equal(t, VersionAccepted, tracker.Observe(1, true))
	baseline, _ := tracker.Baseline()
	assert.Equal(t, 1, baseline)

	assert.Equal(t, VersionAccepted, tracker.Observe(2, false))
}

func TestVersionTrackerAdopt(t *testing.T) {
	tracker := NewVersionTracker()
	tracker.Adopt(3)
	tracker.Observe(4, false)

	// full replacement resets to whatever the document carried
	tracker.Adopt(9)
	assert.Equal(t, VersionAccepted, tracker.Observe(10, false))
}
