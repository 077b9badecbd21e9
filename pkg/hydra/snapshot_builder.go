package hydra

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"weak"

	"metastate/pkg/dberrors"
	"metastate/pkg/future"
	"metastate/pkg/metrics"
	"metastate/pkg/record"
	"metastate/pkg/snapshot"
	"metastate/pkg/types"
)

// snapshotBuilder dumps the automaton on a background goroutine. It keeps
// only a weak reference to its owner so an abandoned DecoratedAutomaton can
// be collected while a build is finishing.
type snapshotBuilder struct {
	owner   weak.Pointer[DecoratedAutomaton]
	locks   *lockManager
	store   snapshot.Store
	peerID  types.PeerID
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Hydra

	snapshotID      types.SnapshotID
	prevRecordCount uint64
	promise         *future.Promise[RemoteSnapshotParams]
}

func newSnapshotBuilder(d *DecoratedAutomaton, version types.Version, id types.SnapshotID, prevRecordCount uint64, promise *future.Promise[RemoteSnapshotParams]) *snapshotBuilder {
	return &snapshotBuilder{
		owner:           weak.Make(d),
		locks:           d.locks,
		store:           d.snapshotStore,
		peerID:          d.cell.SelfPeerID(),
		timeout:         d.snapshotBuildTimeout,
		logger:          d.logger.With("snapshot_id", id, "version", version),
		metrics:         d.metrics,
		snapshotID:      id,
		prevRecordCount: prevRecordCount,
		promise:         promise,
	}
}

// start announces the system lock on the calling (automaton) goroutine so
// that no user callback is admitted past this point, then hands the rest of
// the build to a background goroutine.
func (b *snapshotBuilder) start() {
	b.locks.announceSystem()
	b.logger.Info("snapshot build started")
	go b.run()
}

func (b *snapshotBuilder) run() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	params, err := b.build(ctx)
	if err != nil {
		b.metrics.SnapshotBuilds.WithLabelValues("error").Inc()
		b.logger.Error("snapshot build failed", "error", err)
		b.promise.Fail(err)
		return
	}

	if owner := b.owner.Value(); owner != nil {
		owner.lastSnapshotTime.Store(time.Now().UnixNano())
	}
	b.metrics.SnapshotBuilds.WithLabelValues("ok").Inc()
	b.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	b.logger.Info("snapshot built",
		"checksum", params.Checksum,
		"compressed_length", params.CompressedLength,
		"uncompressed_length", params.UncompressedLength)

	b.promise.Set(RemoteSnapshotParams{
		PeerID:     b.peerID,
		SnapshotID: b.snapshotID,
		Params:     params,
	})
}

func (b *snapshotBuilder) build(ctx context.Context) (snapshot.Params, error) {
	if err := b.dump(ctx); err != nil {
		return snapshot.Params{}, err
	}
	params, err := b.store.ConfirmSnapshot(ctx, b.snapshotID)
	if err != nil {
		return snapshot.Params{}, fmt.Errorf("failed to confirm snapshot %d: %w", b.snapshotID, err)
	}
	return params, nil
}

// dump waits for the automaton state to be saved, giving up when ctx is
// done. The system lock stays held until save actually returns, so a dump
// that outlives its deadline keeps user callbacks out but no longer holds
// the promise back.
func (b *snapshotBuilder) dump(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- b.save()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("snapshot dump exceeded %v: %w", b.timeout, ctx.Err())
	}
}

// save writes the automaton state while holding the system lock.
func (b *snapshotBuilder) save() error {
	defer b.locks.releaseSystem()

	wait := b.locks.drainUser()
	b.metrics.SystemLockWait.Observe(wait.Seconds())

	owner := b.owner.Value()
	if owner == nil {
		return dberrors.ErrAutomatonGone
	}
	automaton := owner.automaton

	meta := record.SegmentMeta{PrevRecordCount: b.prevRecordCount}.Marshal()
	w, err := b.store.CreateWriter(b.snapshotID, meta)
	if err != nil {
		return fmt.Errorf("failed to create snapshot writer: %w", err)
	}
	if err := automaton.SaveSnapshot(w); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to save automaton state: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot writer: %w", err)
	}
	return nil
}
