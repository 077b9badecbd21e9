package raftadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"metastate/pkg/changelog"
	"metastate/pkg/config"
	"metastate/pkg/dberrors"
	"metastate/pkg/future"
	"metastate/pkg/hydra"
	"metastate/pkg/listener"
	"metastate/pkg/metrics"
	"metastate/pkg/record"
	"metastate/pkg/types"
)

const (
	applyQueueSize   = 256
	resyncRetryDelay = 100 * time.Millisecond
)

var (
	errRotationPending = fmt.Errorf("%w: changelog rotation in progress", dberrors.ErrSystemLocked)
	errChangelogGap    = errors.New("changelog gap")
	errRotationAborted = errors.New("changelog rotation aborted")
)

// Peers is the cell membership the node replicates to.
type Peers interface {
	AddressBook
	SelfPeerID() types.PeerID
	Peers() []types.PeerID
}

type Options struct {
	Raft       config.RaftConfig
	Hydra      *hydra.DecoratedAutomaton
	Cell       Peers
	Changelogs changelog.Store
	// Transport defaults to HTTPTransport over Cell addresses.
	Transport Transport
	Logger    *slog.Logger
	Metrics   *metrics.Hydra

	// Rotation triggers; zero disables the corresponding limit.
	MaxChangelogRecordCount uint64
	MaxChangelogDataSize    int64
}

type applyEvent struct {
	entries  []raftpb.Entry
	stepDown bool
}

type rotationResult struct {
	snapshot *future.Future[hydra.RemoteSnapshotParams]
	err      error
}

// Node replicates the mutations of a DecoratedAutomaton through etcd raft.
//
// The leader logs a mutation locally, proposes its record and commits it
// once raft reports the entry committed. Followers log and commit records
// only when they are committed, so they never hold uncommitted data. A
// leader that steps down truncates its changelog to the last committed
// version and recovers as a follower.
type Node struct {
	id         types.PeerID
	raft       raft.Node
	storage    *raft.MemoryStorage
	hydra      *hydra.DecoratedAutomaton
	cell       Peers
	changelogs changelog.Store
	transport  Transport
	logger     *slog.Logger
	metrics    *metrics.Hydra

	tickInterval   time.Duration
	proposeTimeout time.Duration
	retryBackoff   time.Duration
	maxRecords     uint64
	maxDataSize    int64

	// term is owned by the Ready loop.
	term       uint64
	leaderTerm atomic.Uint64
	leading    atomic.Bool
	rotating   atomic.Bool
	resyncing  atomic.Bool
	failed     atomic.Bool

	applyCh      chan applyEvent
	applier      *listener.Listener[applyEvent]
	appliedIndex atomic.Uint64

	// committed and committedKnown are owned by the applier.
	committed      types.Version
	committedKnown bool

	snapshotMu   sync.Mutex
	lastSnapshot *future.Future[hydra.RemoteSnapshotParams]
	waiters      map[types.SegmentID][]chan rotationResult

	fatal    chan error
	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
}

func NewNode(opts Options) (*Node, error) {
	switch {
	case opts.Hydra == nil:
		return nil, fmt.Errorf("%w: automaton is required", dberrors.ErrInvalidArgument)
	case opts.Cell == nil:
		return nil, fmt.Errorf("%w: cell is required", dberrors.ErrInvalidArgument)
	case opts.Changelogs == nil:
		return nil, fmt.Errorf("%w: changelog store is required", dberrors.ErrInvalidArgument)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	logger := opts.Logger.With("component", "raft", "peer_id", opts.Cell.SelfPeerID())
	if opts.Transport == nil {
		opts.Transport = NewHTTPTransport(opts.Cell, opts.Logger)
	}

	self := opts.Cell.SelfPeerID()
	cfg := toRaftConfig(&opts.Raft, uint64(self), opts.Logger)
	storage := raft.NewMemoryStorage()
	cfg.Storage = storage

	var raftPeers []raft.Peer
	for _, p := range opts.Cell.Peers() {
		addr, _ := opts.Cell.PeerAddress(p)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      uint64(p),
			Context: []byte(addr),
		})
	}

	tick := opts.Raft.TickInterval
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	proposeTimeout := opts.Raft.ProposeTimeout
	if proposeTimeout <= 0 {
		proposeTimeout = 5 * time.Second
	}
	backoff := opts.Raft.CommitRetryBackoff
	if backoff <= 0 {
		backoff = 5 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:             self,
		storage:        storage,
		hydra:          opts.Hydra,
		cell:           opts.Cell,
		changelogs:     opts.Changelogs,
		transport:      opts.Transport,
		logger:         logger,
		metrics:        opts.Metrics,
		tickInterval:   tick,
		proposeTimeout: proposeTimeout,
		retryBackoff:   backoff,
		maxRecords:     opts.MaxChangelogRecordCount,
		maxDataSize:    opts.MaxChangelogDataSize,
		applyCh:        make(chan applyEvent, applyQueueSize),
		waiters:        make(map[types.SegmentID][]chan rotationResult),
		fatal:          make(chan error, 1),
		ctx:            ctx,
		stop:           cancel,
	}
	n.applier = listener.New(n.applyCh, n.handleApply)
	n.raft = raft.StartNode(cfg, raftPeers)
	return n, nil
}

// Run recovers the automaton as a follower and drives raft until ctx is done
// or applying an entry fails. The automaton context must already be started.
func (n *Node) Run(ctx context.Context) error {
	if err := n.activate(ctx, false); err != nil {
		n.Stop()
		return fmt.Errorf("initial recovery: %w", err)
	}
	n.applier.Start(n.ctx)

	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			n.Stop()
			return ctx.Err()
		case err := <-n.fatal:
			n.logger.Error("critical: failed to apply committed entries", "error", err)
			n.Stop()
			return err
		case <-ticker.C:
			n.raft.Tick()
		case rd := <-n.raft.Ready():
			if err := n.handleReady(rd); err != nil {
				n.Stop()
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.storage.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
		n.term = rd.HardState.Term
	}
	if err := n.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}
	if rd.SoftState != nil {
		n.observeSoftState(*rd.SoftState)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if entry.Type != raftpb.EntryConfChange {
			continue
		}
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err != nil {
			return fmt.Errorf("unmarshal conf change: %w", err)
		}
		n.raft.ApplyConfChange(cc)
	}
	if len(rd.CommittedEntries) > 0 {
		if !n.enqueue(applyEvent{entries: rd.CommittedEntries}) {
			return n.ctx.Err()
		}
	}

	n.raft.Advance()
	return nil
}

func (n *Node) enqueue(ev applyEvent) bool {
	select {
	case n.applyCh <- ev:
		return true
	case <-n.ctx.Done():
		return false
	}
}

func (n *Node) observeSoftState(ss raft.SoftState) {
	if ss.RaftState == raft.StateLeader {
		if n.leaderTerm.Load() == 0 {
			n.leaderTerm.Store(n.term)
			n.metrics.LeadershipChanges.Inc()
			n.logger.Info("raft leadership acquired", "term", n.term)
		}
		return
	}
	if n.leaderTerm.Swap(0) != 0 {
		n.leading.Store(false)
		n.logger.Info("raft leadership lost", "lead", ss.Lead, "term", n.term)
		n.enqueue(applyEvent{stepDown: true})
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == uint64(n.id) {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				n.raft.ReportUnreachable(m.To)
				n.logger.Debug("failed to send raft message",
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) handleApply(ev applyEvent) error {
	if n.failed.Load() || n.ctx.Err() != nil {
		return nil
	}
	if err := n.apply(ev); err != nil {
		if n.ctx.Err() != nil {
			return nil
		}
		n.failed.Store(true)
		select {
		case n.fatal <- err:
		default:
		}
	}
	return nil
}

func (n *Node) apply(ev applyEvent) error {
	if ev.stepDown {
		if !n.hydra.State().IsLeader() {
			return nil
		}
		return n.activate(n.ctx, false)
	}

	for _, e := range ev.entries {
		if err := n.applyEntry(e); err != nil {
			return fmt.Errorf("apply entry %d: %w", e.Index, err)
		}
		n.appliedIndex.Store(e.Index)
	}
	return nil
}

func (n *Node) applyEntry(e raftpb.Entry) error {
	if e.Type != raftpb.EntryNormal {
		return nil
	}
	ownTerm := e.Term == n.leaderTerm.Load()

	// Every entry before the first one of our own term is committed once it
	// commits, so that is where leadership takes effect.
	if len(e.Data) == 0 {
		if ownTerm && !n.hydra.State().IsLeader() {
			return n.activate(n.ctx, true)
		}
		return nil
	}

	cmd, err := UnmarshalCmd(e.Data)
	if err != nil {
		return err
	}
	switch cmd.Kind {
	case CmdMutation:
		return n.applyMutation(cmd.Record)
	case CmdRotate:
		return n.applyRotation(cmd.Segment)
	case CmdBarrier:
		if ownTerm && n.resyncing.Load() {
			return n.activate(n.ctx, true)
		}
		return nil
	}
	return nil
}

func (n *Node) applyMutation(rec []byte) error {
	header, _, err := record.Decode(rec)
	if err != nil {
		return err
	}
	version := header.Version()
	next := version.Advance()
	if n.committed.Less(next) {
		n.committed = next
	}

	switch s := n.hydra.State(); {
	case s.IsLeader():
		if logged := n.hydra.LoggedVersion(); !version.Less(logged) {
			return fmt.Errorf("%w: leader committed %v beyond logged version %v", errChangelogGap, version, logged)
		}
		return n.commitUpTo(next)

	case s.IsFollower():
		if err := n.logFollowerMutation(version, rec); err != nil {
			return err
		}
		return n.commitUpTo(next)
	}
	return nil
}

func (n *Node) logFollowerMutation(version types.Version, rec []byte) error {
	return n.retryUser(func() error {
		logged := n.hydra.LoggedVersion()
		switch {
		case version.Less(logged):
			// Replayed by a leader whose raft log starts before our changelog ends.
			return nil
		case version != logged:
			return fmt.Errorf("%w: record %v arrived at logged version %v", errChangelogGap, version, logged)
		}
		_, err := n.hydra.LogFollowerMutation(rec)
		return err
	})
}

// commitUpTo applies every pending mutation below upTo, waiting out snapshot
// builds that hold the system lock.
func (n *Node) commitUpTo(upTo types.Version) error {
	for {
		var done bool
		err := n.retryUser(func() error {
			done = n.hydra.CommitMutations(upTo)
			return nil
		})
		if err != nil {
			return err
		}
		if done {
			break
		}
		if !n.sleep(n.retryBackoff) {
			return n.ctx.Err()
		}
	}

	n.maybeRotate()
	return nil
}

// retryUser runs fn through the user invoker, retrying while a system
// operation keeps user work out.
func (n *Node) retryUser(fn func() error) error {
	for {
		err := n.hydra.UserInvoker().Invoke(n.ctx, fn)
		if !errors.Is(err, dberrors.ErrSystemLocked) {
			return err
		}
		if !n.sleep(n.retryBackoff) {
			return n.ctx.Err()
		}
	}
}

func (n *Node) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-n.ctx.Done():
		return false
	}
}

func (n *Node) applyRotation(target types.SegmentID) error {
	if n.committed.Segment < target {
		n.committed = types.NewVersion(target, 0)
	}
	if !n.hydra.State().IsActive() {
		return nil
	}

	var (
		snap    *future.Future[hydra.RemoteSnapshotParams]
		rotated bool
	)
	err := n.hydra.SystemInvoker().Invoke(n.ctx, func() error {
		logged := n.hydra.LoggedVersion()
		if logged.Segment >= target {
			return nil
		}
		if logged.Segment+1 != target {
			return fmt.Errorf("%w: rotation to segment %d at logged version %v", errChangelogGap, target, logged)
		}
		if !n.hydra.SnapshotRequested() {
			snap = n.hydra.BuildSnapshot()
		}
		if err := n.hydra.RotateChangelog(n.ctx); err != nil {
			return err
		}
		rotated = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("rotate to segment %d: %w", target, err)
	}
	n.rotating.Store(false)
	if rotated {
		n.trackSnapshot(target, snap)
	}
	return nil
}

func (n *Node) trackSnapshot(target types.SegmentID, snap *future.Future[hydra.RemoteSnapshotParams]) {
	res := rotationResult{snapshot: snap}
	if snap == nil {
		res.err = fmt.Errorf("%w: previous snapshot is still pending", dberrors.ErrSystemLocked)
	}

	n.snapshotMu.Lock()
	if snap != nil {
		n.lastSnapshot = snap
	}
	waiters := n.waiters[target]
	delete(n.waiters, target)
	n.snapshotMu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
	if snap == nil {
		return
	}

	go func() {
		params, err := snap.Wait(context.Background())
		if err != nil {
			n.logger.Error("snapshot build failed", "snapshot_id", target, "error", err)
			return
		}
		n.logger.Info("snapshot ready",
			"snapshot_id", params.SnapshotID,
			"checksum", params.Checksum,
			"compressed_length", params.CompressedLength)
	}()
}

// waitSnapshot blocks until the last snapshot build settles so that the
// automaton is not reset under a running dump.
func (n *Node) waitSnapshot(ctx context.Context) {
	n.snapshotMu.Lock()
	snap := n.lastSnapshot
	n.snapshotMu.Unlock()
	if snap != nil {
		_, _ = snap.Wait(ctx)
	}
}

func (n *Node) abortWaiters(err error) {
	n.snapshotMu.Lock()
	waiters := n.waiters
	n.waiters = make(map[types.SegmentID][]chan rotationResult)
	n.snapshotMu.Unlock()

	for _, chs := range waiters {
		for _, ch := range chs {
			ch <- rotationResult{err: err}
		}
	}
}

// activate restarts the automaton in the given role: it drops the current
// role, truncates records past the last committed version and recovers from
// local storage.
func (n *Node) activate(ctx context.Context, leader bool) error {
	role := "follower"
	if leader {
		role = "leader"
	}
	n.leading.Store(false)
	n.waitSnapshot(ctx)
	n.abortWaiters(errRotationAborted)

	start := time.Now()
	err := n.hydra.SystemInvoker().Invoke(ctx, func() error {
		d := n.hydra
		switch s := d.State(); {
		case s.IsLeader():
			d.OnStopLeading()
		case s.IsFollower():
			d.OnStopFollowing()
		}

		if err := n.truncateUncommitted(ctx); err != nil {
			return err
		}

		if leader {
			d.OnStartLeading()
		} else {
			d.OnStartFollowing()
		}
		if err := d.Recover(ctx); err != nil {
			return err
		}
		if leader {
			d.OnLeaderRecoveryComplete()
		} else {
			d.OnFollowerRecoveryComplete()
		}

		n.committed = d.LoggedVersion()
		n.committedKnown = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("activate as %s: %w", role, err)
	}

	n.rotating.Store(false)
	n.resyncing.Store(false)
	if leader {
		n.leading.Store(n.leaderTerm.Load() != 0)
	}
	n.logger.Info("automaton activated",
		"role", role,
		"version", n.hydra.LoggedVersion(),
		"elapsed", time.Since(start))
	return nil
}

// truncateUncommitted drops records logged by this peer as leader that raft
// never committed.
func (n *Node) truncateUncommitted(ctx context.Context) error {
	if !n.committedKnown {
		return nil
	}
	latest, ok, err := n.changelogs.LatestChangelogID(ctx)
	if err != nil || !ok {
		return err
	}
	if latest != n.committed.Segment {
		n.logger.Warn("head changelog does not hold the committed version",
			"segment_id", latest,
			"committed", n.committed)
		return nil
	}

	cl, err := n.changelogs.OpenChangelog(ctx, latest)
	if err != nil {
		return fmt.Errorf("open changelog %d: %w", latest, err)
	}
	if _, err := cl.Flush().Wait(ctx); err != nil {
		return fmt.Errorf("flush changelog %d: %w", latest, err)
	}
	if count := cl.RecordCount(); count > n.committed.Record {
		n.logger.Warn("truncating uncommitted records",
			"segment_id", latest,
			"record_count", count,
			"committed", n.committed)
		return cl.Truncate(n.committed.Record)
	}
	return nil
}

func (n *Node) propose(cmd Cmd) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.proposeTimeout)
	defer cancel()
	if err := n.raft.Propose(ctx, cmd.Marshal()); err != nil {
		return fmt.Errorf("propose %s %s: %w", cmd.Kind, cmd.ID, err)
	}
	return nil
}

// requestResync stops accepting writes after a failed proposal. The leader
// resumes once a barrier entry of its term is applied, at which point every
// record raft may still commit has been seen.
func (n *Node) requestResync(cause error) {
	if !n.resyncing.CompareAndSwap(false, true) {
		return
	}
	n.leading.Store(false)
	n.logger.Error("proposal failed, resyncing leader", "error", cause)

	go func() {
		for n.ctx.Err() == nil && n.leaderTerm.Load() != 0 {
			if err := n.propose(NewBarrierCmd()); err == nil {
				return
			}
			if !n.sleep(resyncRetryDelay) {
				return
			}
		}
	}()
}

// Execute logs req on the leader, replicates it and returns the automaton
// response once it is committed.
func (n *Node) Execute(ctx context.Context, req hydra.MutationRequest) (hydra.MutationResponse, error) {
	if !n.leading.Load() {
		n.metrics.Proposals.WithLabelValues("not_leader").Inc()
		return hydra.MutationResponse{}, dberrors.ErrNotLeader
	}

	var lm hydra.LeaderMutation
	err := n.hydra.UserInvoker().Invoke(ctx, func() error {
		switch {
		case !n.leading.Load() || n.hydra.State() != hydra.StateLeading:
			return dberrors.ErrNotLeader
		case n.rotating.Load():
			return errRotationPending
		}

		var err error
		if lm, err = n.hydra.LogLeaderMutation(req); err != nil {
			return err
		}
		if err := n.propose(NewMutationCmd(lm.Record)); err != nil {
			n.requestResync(err)
			return err
		}
		return nil
	})
	if err != nil {
		n.metrics.Proposals.WithLabelValues(proposalResult(err)).Inc()
		return hydra.MutationResponse{}, err
	}

	if _, err := lm.LocalFlush.Wait(ctx); err != nil {
		n.metrics.Proposals.WithLabelValues("error").Inc()
		return hydra.MutationResponse{}, fmt.Errorf("local flush of %v: %w", lm.Version, err)
	}
	resp, err := lm.Commit.Wait(ctx)
	if err != nil {
		n.metrics.Proposals.WithLabelValues(proposalResult(err)).Inc()
		return hydra.MutationResponse{}, err
	}
	n.metrics.Proposals.WithLabelValues("ok").Inc()
	return resp, nil
}

func proposalResult(err error) string {
	switch {
	case errors.Is(err, dberrors.ErrNotLeader), errors.Is(err, dberrors.ErrNoLongerLeading):
		return "not_leader"
	case errors.Is(err, dberrors.ErrSystemLocked):
		return "locked"
	default:
		return "error"
	}
}

func (n *Node) maybeRotate() {
	if !n.leading.Load() || n.rotating.Load() || n.resyncing.Load() {
		return
	}
	logged := n.hydra.LoggedVersion()
	full := (n.maxRecords > 0 && logged.Record >= n.maxRecords) ||
		(n.maxDataSize > 0 && n.hydra.LoggedDataSize() >= n.maxDataSize)
	if !full {
		return
	}

	go func() {
		if _, err := n.proposeRotation(); err != nil && !errors.Is(err, dberrors.ErrSystemLocked) {
			n.logger.Warn("changelog rotation not proposed", "error", err)
		}
	}()
}

// proposeRotation asks every peer to seal the current changelog and build a
// snapshot. The returned channel yields the local snapshot once the rotation
// entry is applied here.
func (n *Node) proposeRotation() (<-chan rotationResult, error) {
	if !n.rotating.CompareAndSwap(false, true) {
		return nil, errRotationPending
	}

	ch := make(chan rotationResult, 1)
	err := n.hydra.SystemInvoker().Invoke(n.ctx, func() error {
		if !n.leading.Load() || n.hydra.State() != hydra.StateLeading {
			n.rotating.Store(false)
			return dberrors.ErrNotLeader
		}

		target := n.hydra.LoggedVersion().Segment + 1
		n.snapshotMu.Lock()
		n.waiters[target] = append(n.waiters[target], ch)
		n.snapshotMu.Unlock()

		if err := n.propose(NewRotateCmd(target)); err != nil {
			n.requestResync(err)
			return err
		}
		n.logger.Info("changelog rotation proposed", "segment_id", target)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// BuildSnapshot rotates the changelog through raft and waits for the local
// snapshot taken at the rotation point.
func (n *Node) BuildSnapshot(ctx context.Context) (hydra.RemoteSnapshotParams, error) {
	if !n.leading.Load() {
		return hydra.RemoteSnapshotParams{}, dberrors.ErrNotLeader
	}
	ch, err := n.proposeRotation()
	if err != nil {
		return hydra.RemoteSnapshotParams{}, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return hydra.RemoteSnapshotParams{}, res.err
		}
		return res.snapshot.Wait(ctx)
	case <-ctx.Done():
		return hydra.RemoteSnapshotParams{}, ctx.Err()
	}
}

// Handle steps a raft message received from another peer.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.raft.Step(ctx, msg)
}

// IsLeader reports whether the node currently accepts mutations.
func (n *Node) IsLeader() bool {
	return n.leading.Load()
}

func (n *Node) LeaderID() types.PeerID {
	return types.PeerID(n.raft.Status().Lead)
}

func (n *Node) LeaderAddr() string {
	addr, _ := n.cell.PeerAddress(n.LeaderID())
	return addr
}

// Status is a point-in-time view of replication and automaton state.
type Status struct {
	PeerID           types.PeerID    `json:"peer_id"`
	LeaderID         types.PeerID    `json:"leader_id"`
	Term             uint64          `json:"term"`
	Leading          bool            `json:"leading"`
	CommitIndex      uint64          `json:"commit_index"`
	AppliedIndex     uint64          `json:"applied_index"`
	State            hydra.PeerState `json:"state"`
	LoggedVersion    types.Version   `json:"logged_version"`
	AutomatonVersion types.Version   `json:"automaton_version"`
	LoggedDataSize   int64           `json:"logged_data_size"`
	LastSnapshotTime *time.Time      `json:"last_snapshot_time,omitempty"`
}

func (n *Node) Status() Status {
	rs := n.raft.Status()
	st := Status{
		PeerID:           n.id,
		LeaderID:         types.PeerID(rs.Lead),
		Term:             rs.Term,
		Leading:          n.leading.Load(),
		CommitIndex:      rs.Commit,
		AppliedIndex:     n.appliedIndex.Load(),
		State:            n.hydra.State(),
		LoggedVersion:    n.hydra.LoggedVersion(),
		AutomatonVersion: n.hydra.AutomatonVersion(),
		LoggedDataSize:   n.hydra.LoggedDataSize(),
	}
	if ts := n.hydra.LastSnapshotTime(); !ts.IsZero() {
		st.LastSnapshotTime = &ts
	}
	return st
}

func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.logger.Info("stopping raft node")
		n.stop()
		n.raft.Stop()
		n.applier.Stop()
		n.abortWaiters(dberrors.ErrClosed)
		n.leading.Store(false)
		n.logger.Info("raft node stopped")
	})
}
