package hydra

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"metastate/pkg/changelog"
	"metastate/pkg/clock"
	"metastate/pkg/dberrors"
	"metastate/pkg/future"
	"metastate/pkg/metrics"
	"metastate/pkg/record"
	"metastate/pkg/snapshot"
	"metastate/pkg/types"
)

const defaultSnapshotBuildTimeout = 5 * time.Minute

type Options struct {
	Automaton      Automaton
	Cell           CellManager
	ChangelogStore changelog.Store
	SnapshotStore  snapshot.Store

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Hydra

	SnapshotBuildTimeout    time.Duration
	SystemLockSpinThreshold int
	SystemLockBackoff       time.Duration
}

// RemoteSnapshotParams is the result of a snapshot build.
type RemoteSnapshotParams struct {
	PeerID     types.PeerID     `json:"peer_id"`
	SnapshotID types.SnapshotID `json:"snapshot_id"`
	snapshot.Params
}

// LeaderMutation is what LogLeaderMutation hands back to the replication
// layer.
type LeaderMutation struct {
	Version types.Version
	// Record is the serialized mutation to ship to followers.
	Record []byte
	// LocalFlush is set once the record is durable in the local changelog.
	LocalFlush *future.Future[struct{}]
	// Commit is set with the response once the mutation is applied.
	Commit *future.Future[MutationResponse]
}

// DecoratedAutomaton wraps an Automaton with versioning, changelog writes,
// commit promises, snapshots and the user/system lock protocol. Unless noted
// otherwise methods must be called from the automaton context, i.e. from a
// callback passed to UserInvoker or SystemInvoker.
type DecoratedAutomaton struct {
	automaton      Automaton
	cell           CellManager
	changelogStore changelog.Store
	snapshotStore  snapshot.Store
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *metrics.Hydra

	snapshotBuildTimeout time.Duration

	state    atomic.Int32
	versions versionTracker
	locks    *lockManager

	invoker       *serialInvoker
	userInvoker   *GuardedInvoker
	systemInvoker *GuardedInvoker

	changelogMu sync.RWMutex
	changelog   changelog.Changelog

	pending         pendingQueue
	mutationContext *MutationContext
	snapshotVersion types.Version
	snapshotPromise *future.Promise[RemoteSnapshotParams]

	snapshotID              types.SnapshotID
	snapshotPrevRecordCount uint64

	lastSnapshotTime atomic.Int64
}

func New(opts Options) (*DecoratedAutomaton, error) {
	switch {
	case opts.Automaton == nil:
		return nil, fmt.Errorf("%w: automaton is required", dberrors.ErrInvalidArgument)
	case opts.Cell == nil:
		return nil, fmt.Errorf("%w: cell manager is required", dberrors.ErrInvalidArgument)
	case opts.ChangelogStore == nil:
		return nil, fmt.Errorf("%w: changelog store is required", dberrors.ErrInvalidArgument)
	case opts.SnapshotStore == nil:
		return nil, fmt.Errorf("%w: snapshot store is required", dberrors.ErrInvalidArgument)
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.SnapshotBuildTimeout <= 0 {
		opts.SnapshotBuildTimeout = defaultSnapshotBuildTimeout
	}

	d := &DecoratedAutomaton{
		automaton:            opts.Automaton,
		cell:                 opts.Cell,
		changelogStore:       opts.ChangelogStore,
		snapshotStore:        opts.SnapshotStore,
		clock:                opts.Clock,
		logger:               opts.Logger.With("component", "hydra"),
		metrics:              opts.Metrics,
		snapshotBuildTimeout: opts.SnapshotBuildTimeout,
		locks:                newLockManager(opts.SystemLockSpinThreshold, opts.SystemLockBackoff),
		invoker:              newSerialInvoker(),
	}
	d.userInvoker = &GuardedInvoker{owner: d, policy: userPolicy{}}
	d.systemInvoker = &GuardedInvoker{owner: d, policy: systemPolicy{}}
	return d, nil
}

// Start launches the automaton context. Cancelling ctx has the effect of
// Stop: queued callbacks still run and release their locks, later ones are
// rejected with ErrInvokerStopped.
func (d *DecoratedAutomaton) Start(ctx context.Context) {
	d.invoker.Start(context.Background())
	context.AfterFunc(ctx, d.invoker.stop)
}

// Stop runs the callbacks already queued and shuts the automaton context down.
func (d *DecoratedAutomaton) Stop() {
	d.invoker.stop()
}

// UserInvoker admits callbacks only while the peer is leading or following
// and no system operation is in progress. Safe for concurrent use.
func (d *DecoratedAutomaton) UserInvoker() *GuardedInvoker {
	return d.userInvoker
}

// SystemInvoker runs callbacks exclusively with respect to user callbacks.
// It must not be used from the automaton context itself. Safe for
// concurrent use.
func (d *DecoratedAutomaton) SystemInvoker() *GuardedInvoker {
	return d.systemInvoker
}

func (d *DecoratedAutomaton) Automaton() Automaton {
	return d.automaton
}

// State may be called from any goroutine.
func (d *DecoratedAutomaton) State() PeerState {
	return PeerState(d.state.Load())
}

// LoggedVersion may be called from any goroutine.
func (d *DecoratedAutomaton) LoggedVersion() types.Version {
	return d.versions.Logged()
}

// AutomatonVersion may be called from any goroutine.
func (d *DecoratedAutomaton) AutomatonVersion() types.Version {
	return d.versions.Applied()
}

// SetLoggedVersion overrides the logged version after the log position has
// been resynchronised.
func (d *DecoratedAutomaton) SetLoggedVersion(v types.Version) {
	d.versions.setLogged(v)
}

func (d *DecoratedAutomaton) SetChangelog(cl changelog.Changelog) {
	d.changelogMu.Lock()
	d.changelog = cl
	d.changelogMu.Unlock()
}

func (d *DecoratedAutomaton) currentChangelog() changelog.Changelog {
	d.changelogMu.RLock()
	defer d.changelogMu.RUnlock()
	return d.changelog
}

// LoggedDataSize is the payload size of the current changelog. It may be
// called from any goroutine.
func (d *DecoratedAutomaton) LoggedDataSize() int64 {
	if cl := d.currentChangelog(); cl != nil {
		return cl.DataSize()
	}
	return 0
}

// LastSnapshotTime is when the last snapshot build was confirmed by the
// store. Requests that fail or time out leave it unchanged, so it is zero
// until the first successful build. Safe for concurrent use.
func (d *DecoratedAutomaton) LastSnapshotTime() time.Time {
	ns := d.lastSnapshotTime.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MutationContext is the context of the mutation being applied, or nil.
func (d *DecoratedAutomaton) MutationContext() *MutationContext {
	return d.mutationContext
}

// PendingMutationCount reports the number of logged but unapplied mutations.
func (d *DecoratedAutomaton) PendingMutationCount() int {
	return d.pending.len()
}

func (d *DecoratedAutomaton) setState(s PeerState) {
	prev := PeerState(d.state.Swap(int32(s)))
	d.metrics.PeerState.Set(float64(s))
	d.logger.Info("peer state changed", "from", prev, "to", s)
}

func (d *DecoratedAutomaton) OnStartLeading() {
	invariant(d.State() == StateStopped, "start leading in state %v", d.State())
	d.setState(StateLeaderRecovery)
}

func (d *DecoratedAutomaton) OnLeaderRecoveryComplete() {
	invariant(d.State() == StateLeaderRecovery, "leader recovery complete in state %v", d.State())
	d.setState(StateLeading)
}

// OnStopLeading settles every outstanding commit promise with
// ErrNoLongerLeading and resets the automaton.
func (d *DecoratedAutomaton) OnStopLeading() {
	invariant(d.State().IsLeader(), "stop leading in state %v", d.State())
	d.CancelPendingLeaderMutations(dberrors.ErrNoLongerLeading)
	d.setState(StateStopped)
	d.reset()
}

func (d *DecoratedAutomaton) OnStartFollowing() {
	invariant(d.State() == StateStopped, "start following in state %v", d.State())
	d.setState(StateFollowerRecovery)
}

func (d *DecoratedAutomaton) OnFollowerRecoveryComplete() {
	invariant(d.State() == StateFollowerRecovery, "follower recovery complete in state %v", d.State())
	d.setState(StateFollowing)
}

func (d *DecoratedAutomaton) OnStopFollowing() {
	invariant(d.State().IsFollower(), "stop following in state %v", d.State())
	d.setState(StateStopped)
	d.reset()
}

// reset drops everything tied to the current epoch. Lock counters are left
// alone: their holders release them when they finish.
func (d *DecoratedAutomaton) reset() {
	d.pending.drain(func(m pendingMutation) {
		if m.promise != nil {
			m.promise.Fail(dberrors.ErrNotActive)
		}
	})
	d.metrics.PendingMutations.Set(0)
	d.SetChangelog(nil)
	if d.snapshotPromise != nil {
		d.snapshotPromise.Fail(dberrors.ErrNotActive)
	}
	d.clearSnapshotRequest()
}

// Clear wipes the automaton state and rewinds both versions to zero.
func (d *DecoratedAutomaton) Clear() {
	d.automaton.Clear()
	d.reset()
	d.versions.setLogged(types.Version{})
	d.versions.setApplied(types.Version{})
}

// LoadSnapshot replaces the automaton state with the snapshot read from r,
// taken at version.
func (d *DecoratedAutomaton) LoadSnapshot(version types.Version, r io.Reader) error {
	d.logger.Info("loading snapshot", "version", version)
	d.Clear()
	if err := d.automaton.LoadSnapshot(r); err != nil {
		return fmt.Errorf("failed to load snapshot at %v: %w", version, err)
	}
	d.versions.setApplied(version)
	return nil
}

// LogLeaderMutation queues req for application at the next logged version
// and appends it to the changelog.
func (d *DecoratedAutomaton) LogLeaderMutation(req MutationRequest) (LeaderMutation, error) {
	invariant(d.State().IsLeader(), "leader mutation logged in state %v", d.State())
	cl := d.currentChangelog()
	invariant(cl != nil, "leader mutation logged without a changelog")

	version := d.versions.Logged()
	timestamp := time.UnixMicro(d.clock.Now().UnixMicro())
	seed := fastrand.Uint64()

	rec, err := record.Encode(record.Header{
		MutationType: req.Type,
		Timestamp:    timestamp,
		RandomSeed:   seed,
		SegmentID:    version.Segment,
		RecordID:     version.Record,
	}, req.Data)
	if err != nil {
		return LeaderMutation{}, fmt.Errorf("failed to serialize mutation: %w", err)
	}

	promise := future.NewPromise[MutationResponse]()
	d.pending.push(pendingMutation{
		version:    version,
		request:    req,
		timestamp:  timestamp,
		randomSeed: seed,
		promise:    promise,
	})
	flush := cl.Append(rec)
	d.versions.advanceLogged()

	d.metrics.MutationsLogged.WithLabelValues("leader").Inc()
	d.metrics.PendingMutations.Set(float64(d.pending.len()))

	return LeaderMutation{
		Version:    version,
		Record:     rec,
		LocalFlush: flush,
		Commit:     promise.Future(),
	}, nil
}

// LogFollowerMutation queues a record received from the leader. The header
// must carry the current logged version.
func (d *DecoratedAutomaton) LogFollowerMutation(rec []byte) (*future.Future[struct{}], error) {
	invariant(d.State().IsFollower(), "follower mutation logged in state %v", d.State())
	cl := d.currentChangelog()
	invariant(cl != nil, "follower mutation logged without a changelog")

	header, data, err := record.Decode(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mutation record: %w", err)
	}

	version := d.versions.Logged()
	invariant(header.Version() == version, "follower received record %v at logged version %v", header.Version(), version)

	d.pending.push(pendingMutation{
		version:    version,
		request:    MutationRequest{Type: header.MutationType, Data: data},
		timestamp:  header.Timestamp,
		randomSeed: header.RandomSeed,
	})
	flush := cl.Append(rec)
	d.versions.advanceLogged()

	d.metrics.MutationsLogged.WithLabelValues("follower").Inc()
	d.metrics.PendingMutations.Set(float64(d.pending.len()))
	return flush, nil
}

// CancelPendingLeaderMutations fails every queued commit promise with err and
// empties the queue.
func (d *DecoratedAutomaton) CancelPendingLeaderMutations(err error) {
	n := d.pending.len()
	d.pending.drain(func(m pendingMutation) {
		if m.promise != nil {
			m.promise.Fail(err)
		}
	})
	d.metrics.PendingMutations.Set(0)
	if n > 0 {
		d.logger.Info("pending leader mutations canceled", "count", n, "error", err)
	}
}

// CommitMutations applies queued mutations with versions below upTo. It
// reports whether every such mutation has been applied: a snapshot build
// started by this call, or still running from an earlier one, stops the
// loop and the caller is expected to retry later.
func (d *DecoratedAutomaton) CommitMutations(upTo types.Version) bool {
	if d.locks.systemLocked() {
		return !d.hasPendingBefore(upTo)
	}
	if d.hasPendingBefore(upTo) {
		d.logger.Debug("applying mutations", "up_to", upTo)
	}

	for d.hasPendingBefore(upTo) {
		m := d.pending.pop()
		d.rotateAppliedIfNeeded(m.version)

		mc := newMutationContext(m.version, &m.request, m.timestamp, m.randomSeed)
		d.applyMutation(mc, "commit")
		if m.promise != nil {
			m.promise.Set(mc.Response())
		}

		if d.maybeStartSnapshotBuilder() {
			break
		}
	}
	d.metrics.PendingMutations.Set(float64(d.pending.len()))
	return !d.hasPendingBefore(upTo)
}

func (d *DecoratedAutomaton) hasPendingBefore(upTo types.Version) bool {
	m, ok := d.pending.front()
	return ok && m.version.Less(upTo)
}

// rotateAppliedIfNeeded checks that a live mutation directly follows the
// applied version. The applied version moves to a later segment only with
// the first mutation of that segment; segments left empty by back-to-back
// rotations are skipped.
func (d *DecoratedAutomaton) rotateAppliedIfNeeded(version types.Version) {
	applied := d.versions.Applied()
	if version.Segment == applied.Segment {
		invariant(version.Record == applied.Record, "mutation %v applied at version %v", version, applied)
		return
	}
	invariant(version.Segment > applied.Segment && version.Record == 0,
		"mutation %v does not start a segment after %v", version, applied)
	d.versions.rotateApplied(version.Segment)
}

func (d *DecoratedAutomaton) applyMutation(mc *MutationContext, path string) {
	if cur := d.mutationContext; cur != nil {
		invariant(false, "mutation %v applied while %v is in progress", mc.Version(), cur.Version())
	}

	start := time.Now()
	d.mutationContext = mc
	if action := mc.Request().Action; action != nil {
		action(mc)
	} else {
		d.automaton.ApplyMutation(mc)
	}
	d.mutationContext = nil
	d.versions.advanceApplied()

	d.metrics.ApplyLatency.Observe(time.Since(start).Seconds())
	d.metrics.MutationsApplied.WithLabelValues(path).Inc()
}

// BuildSnapshot requests a snapshot of everything logged so far. The build
// starts as soon as the applied version catches up. Only one request may be
// outstanding.
//
// The snapshot is named after the segment it precedes: at logged version
// (s, n) it gets id s+1 and is expected to be followed by a rotation. When
// the head segment s is still empty the snapshot already precedes it, so it
// gets id s and the record count stored in the head changelog's meta.
func (d *DecoratedAutomaton) BuildSnapshot() *future.Future[RemoteSnapshotParams] {
	invariant(d.snapshotPromise == nil, "snapshot already requested at %v", d.snapshotVersion)

	target := d.versions.Logged()
	id, prevRecordCount := target.Segment+1, target.Record
	if target.Record == 0 && target.Segment > 0 {
		cl := d.currentChangelog()
		invariant(cl != nil && cl.ID() == target.Segment, "snapshot requested at %v without its head changelog", target)
		meta, err := record.UnmarshalSegmentMeta(cl.Meta())
		if err != nil {
			return future.Failed[RemoteSnapshotParams](fmt.Errorf("failed to parse changelog %d meta: %w", cl.ID(), err))
		}
		id, prevRecordCount = target.Segment, meta.PrevRecordCount
	}

	d.snapshotVersion = target
	d.snapshotID = id
	d.snapshotPrevRecordCount = prevRecordCount
	d.snapshotPromise = future.NewPromise[RemoteSnapshotParams]()
	f := d.snapshotPromise.Future()

	d.logger.Info("snapshot requested", "version", target, "snapshot_id", id)
	d.maybeStartSnapshotBuilder()
	return f
}

// SnapshotRequested reports whether a BuildSnapshot request is waiting for
// the applied version to catch up.
func (d *DecoratedAutomaton) SnapshotRequested() bool {
	return d.snapshotPromise != nil
}

// maybeStartSnapshotBuilder starts the requested build once every mutation
// logged before the target has been applied. It reports whether a build was
// started.
func (d *DecoratedAutomaton) maybeStartSnapshotBuilder() bool {
	if d.snapshotPromise == nil || !d.caughtUp(d.snapshotVersion) {
		return false
	}

	promise, version := d.snapshotPromise, d.snapshotVersion
	id, prevRecordCount := d.snapshotID, d.snapshotPrevRecordCount
	d.clearSnapshotRequest()

	newSnapshotBuilder(d, version, id, prevRecordCount, promise).start()
	return true
}

// caughtUp reports whether the applied version has reached target. A target
// at the start of a segment is reached as soon as nothing before it is
// pending, since the applied version stays in the previous segment until a
// mutation of the new one is applied.
func (d *DecoratedAutomaton) caughtUp(target types.Version) bool {
	applied := d.versions.Applied()
	if applied == target {
		return true
	}
	return target.Record == 0 && applied.Less(target) && !d.hasPendingBefore(target)
}

func (d *DecoratedAutomaton) clearSnapshotRequest() {
	d.snapshotPromise = nil
	d.snapshotVersion = types.Version{}
	d.snapshotID = 0
	d.snapshotPrevRecordCount = 0
}

// RotateChangelog seals the current changelog and opens the next segment.
// The caller must hold the system lock. The logged version moves to the new
// segment only after it has been created.
func (d *DecoratedAutomaton) RotateChangelog(ctx context.Context) error {
	invariant(d.locks.systemLocked(), "changelog rotated without the system lock")
	cl := d.currentChangelog()
	invariant(cl != nil, "changelog rotated without a changelog")

	logged := d.versions.Logged()
	d.logger.Info("rotating changelog", "version", logged)

	err := d.rotateChangelog(ctx, cl, logged)
	if err != nil {
		d.metrics.ChangelogRotations.WithLabelValues("error").Inc()
		return err
	}
	d.metrics.ChangelogRotations.WithLabelValues("ok").Inc()
	d.logger.Info("changelog rotated", "version", d.versions.Logged())
	return nil
}

func (d *DecoratedAutomaton) rotateChangelog(ctx context.Context, cl changelog.Changelog, logged types.Version) error {
	if _, err := cl.Flush().Wait(ctx); err != nil {
		return fmt.Errorf("failed to flush changelog %d: %w", cl.ID(), err)
	}

	if cl.IsSealed() {
		d.logger.Warn("changelog is already sealed", "segment_id", cl.ID())
	} else if _, err := cl.Seal(logged.Record).Wait(ctx); err != nil {
		return fmt.Errorf("failed to seal changelog %d: %w", cl.ID(), err)
	}

	meta := record.SegmentMeta{PrevRecordCount: logged.Record}.Marshal()
	next, err := d.changelogStore.CreateChangelog(ctx, logged.Segment+1, meta)
	if err != nil {
		return fmt.Errorf("failed to create changelog %d: %w", logged.Segment+1, err)
	}

	d.SetChangelog(next)
	d.versions.rotateLogged()
	return nil
}

// ApplyMutationDuringRecovery applies a historical record directly, without
// queueing or commit promises.
func (d *DecoratedAutomaton) ApplyMutationDuringRecovery(rec []byte) error {
	header, data, err := record.Decode(rec)
	if err != nil {
		return fmt.Errorf("failed to parse recovered record: %w", err)
	}

	version := header.Version()
	applied := d.versions.Applied()
	if version.Segment != applied.Segment {
		invariant(version.Segment > applied.Segment && version.Record == 0,
			"recovered record %v does not start a segment after %v", version, applied)
		d.versions.rotateApplied(version.Segment)
	} else {
		invariant(version.Record == applied.Record, "recovered record %v at applied version %v", version, applied)
	}
	if logged := d.versions.Logged(); !version.Less(logged) {
		d.versions.setLogged(version.Advance())
	}

	req := MutationRequest{Type: header.MutationType, Data: data}
	d.applyMutation(newMutationContext(version, &req, header.Timestamp, header.RandomSeed), "recovery")
	return nil
}
