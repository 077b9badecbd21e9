package hydra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metastate/pkg/changelog"
	"metastate/pkg/clock"
	"metastate/pkg/future"
	"metastate/pkg/record"
	"metastate/pkg/snapshot"
	"metastate/pkg/types"
)

type testCell struct {
	id types.PeerID
}

func (c testCell) SelfPeerID() types.PeerID { return c.id }

type appliedEntry struct {
	Version   types.Version `json:"version"`
	Type      string        `json:"type"`
	Data      string        `json:"data"`
	Timestamp int64         `json:"timestamp"`
	Seed      uint64        `json:"seed"`
	Draw      uint64        `json:"draw"`
}

// logAutomaton remembers everything it applied.
type logAutomaton struct {
	mu      sync.Mutex
	entries []appliedEntry
}

func (a *logAutomaton) ApplyMutation(mc *MutationContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := appliedEntry{
		Version:   mc.Version(),
		Type:      mc.Request().Type,
		Data:      string(mc.Request().Data),
		Timestamp: mc.Timestamp().UnixMicro(),
		Seed:      mc.RandomSeed(),
		Draw:      mc.Rand().Uint64(),
	}
	a.entries = append(a.entries, e)
	mc.SetResponse(MutationResponse{Data: []byte(fmt.Sprintf("%s@%v#%d", e.Data, e.Version, e.Draw))})
}

func (a *logAutomaton) SaveSnapshot(w io.Writer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.NewEncoder(w).Encode(a.entries)
}

func (a *logAutomaton) LoadSnapshot(r io.Reader) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return json.NewDecoder(r).Decode(&a.entries)
}

func (a *logAutomaton) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
}

func (a *logAutomaton) Entries() []appliedEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]appliedEntry(nil), a.entries...)
}

type testEnv struct {
	d          *DecoratedAutomaton
	automaton  *logAutomaton
	store      changelog.Store
	changelogs *changelog.MemoryStore
	snapshots  *snapshot.MemoryStore
	clock      *clock.Manual
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStores(t, changelog.NewMemoryStore(), snapshot.NewMemoryStore())
}

func newTestEnvWithStores(t *testing.T, cls changelog.Store, snaps snapshot.Store) *testEnv {
	t.Helper()
	env := &testEnv{
		automaton: &logAutomaton{},
		clock:     clock.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)),
	}
	env.store = cls
	env.changelogs, _ = cls.(*changelog.MemoryStore)
	env.snapshots, _ = snaps.(*snapshot.MemoryStore)

	d, err := New(Options{
		Automaton:            env.automaton,
		Cell:                 testCell{id: 7},
		ChangelogStore:       cls,
		SnapshotStore:        snaps,
		Clock:                env.clock,
		Logger:               slog.Default(),
		SnapshotBuildTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	env.d = d
	return env
}

// lead brings a fresh coordinator to Leading with changelog 0 open.
func (e *testEnv) lead(t *testing.T) {
	t.Helper()
	e.openInitialChangelog(t)
	e.d.OnStartLeading()
	e.d.OnLeaderRecoveryComplete()
}

// follow brings a fresh coordinator to Following with changelog 0 open.
func (e *testEnv) follow(t *testing.T) {
	t.Helper()
	e.openInitialChangelog(t)
	e.d.OnStartFollowing()
	e.d.OnFollowerRecoveryComplete()
}

func (e *testEnv) openInitialChangelog(t *testing.T) {
	t.Helper()
	cl, err := e.store.CreateChangelog(context.Background(), 0, record.SegmentMeta{}.Marshal())
	require.NoError(t, err)
	e.d.SetChangelog(cl)
}

func (e *testEnv) logN(t *testing.T, n int) []LeaderMutation {
	t.Helper()
	out := make([]LeaderMutation, 0, n)
	for i := 0; i < n; i++ {
		m, err := e.d.LogLeaderMutation(MutationRequest{Type: "test.op", Data: []byte(fmt.Sprintf("m%d", i))})
		require.NoError(t, err)
		out = append(out, m)
		e.clock.Advance(time.Millisecond)
	}
	return out
}

// rotate runs RotateChangelog under the system lock, like a system callback.
func (e *testEnv) rotate(t *testing.T) error {
	t.Helper()
	e.d.locks.acquireSystem()
	defer e.d.locks.releaseSystem()
	return e.d.RotateChangelog(context.Background())
}

func v(segment, rec uint64) types.Version {
	return types.NewVersion(segment, rec)
}

func waitFuture[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}
