package changelog

import (
	"context"

	"metastate/pkg/future"
	"metastate/pkg/types"
)

// Changelog is one append-only segment of the mutation log.
type Changelog interface {
	ID() types.SegmentID
	Meta() []byte

	// Append schedules rec for writing; the future is set once it is durable.
	Append(rec []byte) *future.Future[struct{}]
	// Flush is set once every previously appended record is durable.
	Flush() *future.Future[struct{}]
	// Seal trims the changelog to recordCount records and forbids appends.
	Seal(recordCount uint64) *future.Future[struct{}]
	// Truncate drops every record at position >= recordCount.
	Truncate(recordCount uint64) error
	// Read returns up to max records starting at position first.
	Read(first, max uint64) ([][]byte, error)

	RecordCount() uint64
	DataSize() int64
	IsSealed() bool
}

// Store creates and opens changelog segments.
type Store interface {
	CreateChangelog(ctx context.Context, id types.SegmentID, meta []byte) (Changelog, error)
	OpenChangelog(ctx context.Context, id types.SegmentID) (Changelog, error)
	// LatestChangelogID reports the largest existing segment id; ok is false
	// when the store is empty.
	LatestChangelogID(ctx context.Context) (id types.SegmentID, ok bool, err error)
	Close() error
}
