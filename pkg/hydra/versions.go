package hydra

import (
	"sync"

	"metastate/pkg/types"
)

// versionTracker holds the logged and applied versions. Reads are allowed
// from any goroutine; writes come from the automaton context.
type versionTracker struct {
	mu      sync.Mutex
	logged  types.Version
	applied types.Version
}

func (t *versionTracker) Logged() types.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logged
}

func (t *versionTracker) Applied() types.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applied
}

func (t *versionTracker) advanceLogged() types.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logged = t.logged.Advance()
	return t.logged
}

func (t *versionTracker) advanceApplied() types.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	invariant(t.applied.Less(t.logged), "applying %v beyond logged %v", t.applied, t.logged)
	t.applied = t.applied.Advance()
	return t.applied
}

func (t *versionTracker) rotateLogged() types.Version {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logged = t.logged.Rotate()
	return t.logged
}

func (t *versionTracker) rotateApplied(segment types.SegmentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	invariant(segment > t.applied.Segment, "rotating applied version %v to segment %d", t.applied, segment)
	t.applied = types.NewVersion(segment, 0)
}

func (t *versionTracker) setLogged(v types.Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logged = v
}

// setApplied moves the applied version and drags the logged version along
// when it would fall behind.
func (t *versionTracker) setApplied(v types.Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = v
	if t.logged.Less(v) {
		t.logged = v
	}
}
