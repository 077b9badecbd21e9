package hydra

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
	"weak"

	"github.com/stretchr/testify/require"

	"metastate/pkg/dberrors"
	"metastate/pkg/future"
)

func readSnapshotEntries(t *testing.T, env *testEnv, id uint64) []appliedEntry {
	t.Helper()
	r, err := env.snapshots.CreateReader(id)
	require.NoError(t, err)
	defer r.Close()

	var entries []appliedEntry
	require.NoError(t, json.NewDecoder(r).Decode(&entries))
	return entries
}

func TestSnapshotWaitsForTargetVersion(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)
	env.logN(t, 3)

	snap := env.d.BuildSnapshot()
	require.True(t, env.d.CommitMutations(v(0, 2)))
	_, _, ok := snap.TryGet()
	require.False(t, ok, "snapshot must not start before the target is applied")
	require.False(t, env.d.locks.systemLocked())

	require.True(t, env.d.CommitMutations(v(0, 3)))
	res, err := waitFuture(t, snap)
	require.NoError(t, err)
	require.EqualValues(t, 7, res.PeerID)
	require.EqualValues(t, 1, res.SnapshotID)
	require.EqualValues(t, 3, res.PrevRecordCount)
	require.NotZero(t, res.Checksum)
	require.Equal(t, res.CompressedLength, res.UncompressedLength)

	require.Equal(t, env.automaton.Entries(), readSnapshotEntries(t, env, 1))
	require.False(t, env.d.LastSnapshotTime().IsZero())
}

func TestSnapshotStartsImmediatelyWhenCaughtUp(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)
	env.logN(t, 2)
	require.True(t, env.d.CommitMutations(v(0, 2)))

	res, err := waitFuture(t, env.d.BuildSnapshot())
	require.NoError(t, err)
	require.EqualValues(t, 2, res.PrevRecordCount)
	require.Len(t, readSnapshotEntries(t, env, 1), 2)
}

func TestSnapshotCutsCommitBatch(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)
	env.logN(t, 3)
	snap := env.d.BuildSnapshot()
	env.logN(t, 2)

	require.False(t, env.d.CommitMutations(v(0, 5)))
	require.Equal(t, v(0, 3), env.d.AutomatonVersion())

	_, err := waitFuture(t, snap)
	require.NoError(t, err)
	require.Len(t, readSnapshotEntries(t, env, 1), 3)

	require.True(t, env.d.CommitMutations(v(0, 5)))
	require.Equal(t, v(0, 5), env.d.AutomatonVersion())
}

func TestSnapshotAfterRotation(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)
	env.logN(t, 4)
	require.True(t, env.d.CommitMutations(v(0, 4)))
	require.NoError(t, env.rotate(t))

	res, err := waitFuture(t, env.d.BuildSnapshot())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.SnapshotID, "the empty head is already preceded by the snapshot")
	require.EqualValues(t, 4, res.PrevRecordCount)

	env.logN(t, 2)
	require.True(t, env.d.CommitMutations(v(1, 2)))
	require.Equal(t, v(1, 2), env.d.AutomatonVersion())

	recovered, err := recoverInto(t, env.changelogs, env.snapshots)
	require.NoError(t, err)
	require.Equal(t, v(1, 2), recovered.d.LoggedVersion())
	require.Equal(t, v(1, 2), recovered.d.AutomatonVersion())
	require.Equal(t, env.automaton.Entries(), recovered.automaton.Entries())
	require.Len(t, recovered.automaton.Entries(), 6)
}

func TestSnapshotAfterBackToBackRotations(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)
	env.logN(t, 3)
	require.True(t, env.d.CommitMutations(v(0, 3)))
	require.NoError(t, env.rotate(t))
	require.NoError(t, env.rotate(t))
	require.Equal(t, v(2, 0), env.d.LoggedVersion())
	require.Equal(t, v(0, 3), env.d.AutomatonVersion())

	res, err := waitFuture(t, env.d.BuildSnapshot())
	require.NoError(t, err)
	require.EqualValues(t, 2, res.SnapshotID)
	require.Zero(t, res.PrevRecordCount, "segment 1 stayed empty")
	require.Len(t, readSnapshotEntries(t, env, 2), 3)

	muts := env.logN(t, 2)
	require.Equal(t, v(2, 0), muts[0].Version)
	require.True(t, env.d.CommitMutations(v(2, 2)))
	require.Equal(t, v(2, 2), env.d.AutomatonVersion())

	recovered, err := recoverInto(t, env.changelogs, env.snapshots)
	require.NoError(t, err)
	require.Equal(t, v(2, 2), recovered.d.AutomatonVersion())
	require.Equal(t, env.automaton.Entries(), recovered.automaton.Entries())
}

func TestReplaySkipsEmptySegments(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)
	env.logN(t, 3)
	require.True(t, env.d.CommitMutations(v(0, 3)))
	require.NoError(t, env.rotate(t))
	require.NoError(t, env.rotate(t))
	env.logN(t, 2)
	require.True(t, env.d.CommitMutations(v(2, 2)))

	recovered, err := recoverInto(t, env.changelogs, env.snapshots)
	require.NoError(t, err)
	require.Equal(t, v(2, 2), recovered.d.LoggedVersion())
	require.Equal(t, v(2, 2), recovered.d.AutomatonVersion())
	require.Len(t, recovered.automaton.Entries(), 5)
}

// blockingAutomaton holds SaveSnapshot until release is closed.
type blockingAutomaton struct {
	*logAutomaton
	release chan struct{}
}

func (a *blockingAutomaton) SaveSnapshot(w io.Writer) error {
	<-a.release
	return a.logAutomaton.SaveSnapshot(w)
}

func TestSnapshotBuildTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)
	env.logN(t, 1)
	require.True(t, env.d.CommitMutations(v(0, 1)))

	blocked := &blockingAutomaton{logAutomaton: env.automaton, release: make(chan struct{})}
	env.d.automaton = blocked
	env.d.snapshotBuildTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := waitFuture(t, env.d.BuildSnapshot())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
	require.True(t, env.d.LastSnapshotTime().IsZero())

	// The dump is still running, so user callbacks stay out.
	require.True(t, env.d.locks.systemLocked())
	require.False(t, env.d.locks.tryAcquireUser())

	close(blocked.release)
	require.Eventually(t, func() bool { return !env.d.locks.systemLocked() }, time.Second, time.Millisecond)
}

func TestSnapshotConfirmFailure(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)
	boom := errors.New("quorum lost")
	env.snapshots.FailConfirm(boom)

	_, err := waitFuture(t, env.d.BuildSnapshot())
	require.ErrorIs(t, err, boom)
	require.False(t, env.d.locks.systemLocked())
	require.True(t, env.d.LastSnapshotTime().IsZero())
}

func TestSecondSnapshotRequestPanics(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)
	env.logN(t, 1)

	env.d.BuildSnapshot()
	require.Panics(t, func() { env.d.BuildSnapshot() })
}

func TestSnapshotBuilderToleratesMissingOwner(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)

	promise := future.NewPromise[RemoteSnapshotParams]()
	b := newSnapshotBuilder(env.d, env.d.AutomatonVersion(), 1, 0, promise)
	b.owner = weak.Pointer[DecoratedAutomaton]{}
	b.start()

	_, err := waitFuture(t, promise.Future())
	require.ErrorIs(t, err, dberrors.ErrAutomatonGone)
	require.False(t, env.d.locks.systemLocked())
}

func TestSnapshotBlocksUserLocks(t *testing.T) {
	env := newTestEnv(t)
	env.lead(t)
	env.logN(t, 1)

	// Hold a user lock so the builder cannot dump yet.
	require.True(t, env.d.locks.tryAcquireUser())
	snap := env.d.BuildSnapshot()
	require.True(t, env.d.CommitMutations(v(0, 1)))

	require.False(t, env.d.locks.tryAcquireUser())
	_, _, ok := snap.TryGet()
	require.False(t, ok)

	env.d.locks.releaseUser()
	res, err := waitFuture(t, snap)
	require.NoError(t, err)

	require.EqualValues(t, 1, res.PrevRecordCount)
	require.True(t, env.d.locks.tryAcquireUser())
	env.d.locks.releaseUser()
}
