package liveclient

import (
	"github.com/golang/glog"
)

// tracks the last applied server tree generation. a generation is a
// monotonic counter attached to every patch batch; under normal
// operation it advances by exactly one per applied batch.

type VersionResult int

const (
	VersionAccepted VersionResult = iota
	VersionMismatch
)

type VersionTracker struct {
	baseline int
	seen     bool
}

func NewVersionTracker() *VersionTracker {
	return &VersionTracker{}
}

// Observe validates an incoming generation. The first observation adopts
// the incoming value as the baseline. hotReload bypasses the check for
// development-time reloads. A mismatch does not advance the baseline;
// the caller must recover with a full replacement and then Adopt.
func (self *VersionTracker) Observe(version int, hotReload bool) VersionResult {
	if !self.seen || hotReload {
		self.baseline = version
		self.seen = true
		return VersionAccepted
	}
	if version == self.baseline+1 {
		self.baseline = version
		return VersionAccepted
	}
	glog.Infof("[ver]mismatch have=%d incoming=%d\n", self.baseline, version)
	return VersionMismatch
}

// Adopt resets the baseline after a full-document replacement.
func (self *VersionTracker) Adopt(version int) {
	self.baseline = version
	self.seen = true
}

func (self *VersionTracker) Baseline() (int, bool) {
	return self.baseline, self.seen
}
