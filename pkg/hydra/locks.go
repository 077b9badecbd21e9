package hydra

import (
	"runtime"
	"sync/atomic"
	"time"
)

const (
	defaultSpinThreshold = 1000
	defaultSpinBackoff   = 50 * time.Microsecond
)

// lockManager separates user callbacks from system operations. User locks
// never block: they fail while a system lock is announced. A system lock
// announces itself first and then waits for user locks to drain.
type lockManager struct {
	user   atomic.Int64
	system atomic.Int64

	spinThreshold int
	backoff       time.Duration
}

func newLockManager(spinThreshold int, backoff time.Duration) *lockManager {
	if spinThreshold <= 0 {
		spinThreshold = defaultSpinThreshold
	}
	if backoff <= 0 {
		backoff = defaultSpinBackoff
	}
	return &lockManager{spinThreshold: spinThreshold, backoff: backoff}
}

func (l *lockManager) tryAcquireUser() bool {
	if l.system.Load() != 0 {
		return false
	}
	l.user.Add(1)
	if l.system.Load() != 0 {
		l.releaseUser()
		return false
	}
	return true
}

func (l *lockManager) releaseUser() {
	invariant(l.user.Add(-1) >= 0, "user lock released more times than acquired")
}

// acquireSystem announces and drains; it returns the time spent draining.
func (l *lockManager) acquireSystem() time.Duration {
	l.announceSystem()
	return l.drainUser()
}

func (l *lockManager) announceSystem() {
	l.system.Add(1)
}

// drainUser waits until no user lock is held. It yields for spinThreshold
// rounds and sleeps for backoff between checks afterwards.
func (l *lockManager) drainUser() time.Duration {
	start := time.Now()
	for spins := 0; l.user.Load() != 0; spins++ {
		if spins < l.spinThreshold {
			runtime.Gosched()
		} else {
			time.Sleep(l.backoff)
		}
	}
	return time.Since(start)
}

func (l *lockManager) releaseSystem() {
	invariant(l.system.Add(-1) >= 0, "system lock released more times than acquired")
}

func (l *lockManager) systemLocked() bool {
	return l.system.Load() != 0
}

func (l *lockManager) userLocks() int64 {
	return l.user.Load()
}
