package hydra

import (
	"context"
	"fmt"
	"time"

	"metastate/pkg/changelog"
	"metastate/pkg/dberrors"
	"metastate/pkg/record"
	"metastate/pkg/types"
)

const recoveryBatchSize = 1024

// Recover rebuilds the automaton from the latest snapshot and the changelogs
// written after it, then reopens the head changelog for writing. It must run
// on the automaton context in a recovery state.
func (d *DecoratedAutomaton) Recover(ctx context.Context) error {
	invariant(d.State().IsRecovery(), "recovery in state %v", d.State())
	start := time.Now()

	latest, ok, err := d.changelogStore.LatestChangelogID(ctx)
	if err != nil {
		return fmt.Errorf("failed to find latest changelog: %w", err)
	}
	if !ok {
		return d.recoverEmpty(ctx)
	}

	first, snapshotMeta, err := d.recoverSnapshot(ctx, latest+1)
	if err != nil {
		return err
	}

	for id := first; id <= latest; id++ {
		cl, err := d.changelogStore.OpenChangelog(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to open changelog %d: %w", id, err)
		}
		if id == first && snapshotMeta != nil {
			if err := checkSegmentMeta(cl, *snapshotMeta); err != nil {
				return err
			}
		}
		if err := d.replayChangelog(ctx, cl); err != nil {
			return err
		}
	}

	head, err := d.openHead(ctx, first, latest, snapshotMeta)
	if err != nil {
		return err
	}
	d.SetChangelog(head)
	logged := types.NewVersion(head.ID(), head.RecordCount())
	d.SetLoggedVersion(logged)

	// Trailing empty segments leave the applied version behind the head until
	// the first mutation of the head is applied.
	if applied := d.versions.Applied(); applied != logged {
		invariant(logged.Record == 0 && applied.Less(logged),
			"recovered applied version %v is not behind empty head %v", applied, logged)
	}

	d.logger.Info("recovery complete",
		"version", logged,
		"elapsed", time.Since(start))
	d.maybeStartSnapshotBuilder()
	return nil
}

func (d *DecoratedAutomaton) recoverEmpty(ctx context.Context) error {
	d.logger.Info("no changelogs found, starting from scratch")
	d.Clear()
	cl, err := d.changelogStore.CreateChangelog(ctx, 0, record.SegmentMeta{}.Marshal())
	if err != nil {
		return fmt.Errorf("failed to create initial changelog: %w", err)
	}
	d.SetChangelog(cl)
	d.SetLoggedVersion(types.Version{})
	return nil
}

// recoverSnapshot loads the latest snapshot not newer than maxID and returns
// the first changelog to replay.
func (d *DecoratedAutomaton) recoverSnapshot(ctx context.Context, maxID types.SnapshotID) (types.SegmentID, *record.SegmentMeta, error) {
	id, ok, err := d.snapshotStore.LatestSnapshotID(ctx, maxID)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to find latest snapshot: %w", err)
	}
	if !ok {
		d.Clear()
		return 0, nil, nil
	}

	r, err := d.snapshotStore.CreateReader(id)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open snapshot %d: %w", id, err)
	}
	defer r.Close()

	meta, err := record.UnmarshalSegmentMeta(r.Meta())
	if err != nil {
		return 0, nil, fmt.Errorf("failed to parse snapshot %d meta: %w", id, err)
	}
	if err := d.LoadSnapshot(types.NewVersion(id, 0), r); err != nil {
		return 0, nil, err
	}
	return id, &meta, nil
}

func checkSegmentMeta(cl changelog.Changelog, snapshotMeta record.SegmentMeta) error {
	meta, err := record.UnmarshalSegmentMeta(cl.Meta())
	if err != nil {
		return fmt.Errorf("failed to parse changelog %d meta: %w", cl.ID(), err)
	}
	if meta.PrevRecordCount != snapshotMeta.PrevRecordCount {
		return fmt.Errorf("%w: changelog %d follows %d records, snapshot follows %d",
			dberrors.ErrCorruptRecord, cl.ID(), meta.PrevRecordCount, snapshotMeta.PrevRecordCount)
	}
	return nil
}

func (d *DecoratedAutomaton) replayChangelog(ctx context.Context, cl changelog.Changelog) error {
	count := cl.RecordCount()
	d.logger.Info("replaying changelog", "segment_id", cl.ID(), "record_count", count)

	for next := uint64(0); next < count; {
		if err := ctx.Err(); err != nil {
			return err
		}
		records, err := cl.Read(next, recoveryBatchSize)
		if err != nil {
			return fmt.Errorf("failed to read changelog %d at %d: %w", cl.ID(), next, err)
		}
		if len(records) == 0 {
			return fmt.Errorf("%w: changelog %d ended at %d of %d records",
				dberrors.ErrCorruptRecord, cl.ID(), next, count)
		}
		for _, rec := range records {
			if err := d.ApplyMutationDuringRecovery(rec); err != nil {
				return fmt.Errorf("changelog %d record %d: %w", cl.ID(), next, err)
			}
			next++
		}
	}
	return nil
}

// openHead returns the changelog new records go to. A snapshot newer than
// every changelog, or a sealed latest changelog, means a rotation was cut
// short and the next segment still has to be created.
func (d *DecoratedAutomaton) openHead(ctx context.Context, first, latest types.SegmentID, snapshotMeta *record.SegmentMeta) (changelog.Changelog, error) {
	if first > latest {
		meta := record.SegmentMeta{PrevRecordCount: snapshotMeta.PrevRecordCount}
		return d.createHead(ctx, first, meta)
	}

	cl, err := d.changelogStore.OpenChangelog(ctx, latest)
	if err != nil {
		return nil, fmt.Errorf("failed to open head changelog %d: %w", latest, err)
	}
	if !cl.IsSealed() {
		return cl, nil
	}
	return d.createHead(ctx, latest+1, record.SegmentMeta{PrevRecordCount: cl.RecordCount()})
}

func (d *DecoratedAutomaton) createHead(ctx context.Context, id types.SegmentID, meta record.SegmentMeta) (changelog.Changelog, error) {
	d.logger.Warn("completing interrupted changelog rotation", "segment_id", id)
	cl, err := d.changelogStore.CreateChangelog(ctx, id, meta.Marshal())
	if err != nil {
		return nil, fmt.Errorf("failed to create changelog %d: %w", id, err)
	}
	return cl, nil
}
