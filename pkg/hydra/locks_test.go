package hydra

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUserLockFailsUnderSystemLock(t *testing.T) {
	l := newLockManager(0, 0)

	require.True(t, l.tryAcquireUser())
	l.releaseUser()

	l.acquireSystem()
	require.False(t, l.tryAcquireUser())
	require.Zero(t, l.userLocks())
	l.releaseSystem()

	require.True(t, l.tryAcquireUser())
	l.releaseUser()
}

func TestSystemLockDrainsUserLocks(t *testing.T) {
	l := newLockManager(1, time.Millisecond)
	require.True(t, l.tryAcquireUser())
	require.True(t, l.tryAcquireUser())

	acquired := make(chan struct{})
	go func() {
		l.acquireSystem()
		close(acquired)
	}()

	require.Eventually(t, l.systemLocked, time.Second, time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("system lock acquired while user locks are held")
	case <-time.After(20 * time.Millisecond):
	}

	l.releaseUser()
	l.releaseUser()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("system lock not acquired after user locks drained")
	}
	l.releaseSystem()
}

func TestLocksExcludeEachOther(t *testing.T) {
	l := newLockManager(10, 10*time.Microsecond)
	var inSystem atomic.Bool
	var violations atomic.Int64
	stop := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if !l.tryAcquireUser() {
					continue
				}
				if inSystem.Load() {
					violations.Add(1)
				}
				l.releaseUser()
			}
		}()
	}

	for i := 0; i < 200; i++ {
		l.acquireSystem()
		inSystem.Store(true)
		time.Sleep(10 * time.Microsecond)
		inSystem.Store(false)
		l.releaseSystem()
	}
	close(stop)
	wg.Wait()

	require.Zero(t, violations.Load())
	require.Zero(t, l.userLocks())
}

func TestUnbalancedReleasePanics(t *testing.T) {
	l := newLockManager(0, 0)
	require.Panics(t, l.releaseUser)
	require.Panics(t, l.releaseSystem)
}
