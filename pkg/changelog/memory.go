package changelog

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"metastate/pkg/dberrors"
	"metastate/pkg/future"
	"metastate/pkg/types"
)

// MemoryStore keeps changelogs in memory. Writes complete synchronously.
type MemoryStore struct {
	mu        sync.Mutex
	logs      map[types.SegmentID]*MemoryChangelog
	createErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[types.SegmentID]*MemoryChangelog)}
}

// FailCreate makes subsequent CreateChangelog calls return err; nil clears it.
func (s *MemoryStore) FailCreate(err error) {
	s.mu.Lock()
	s.createErr = err
	s.mu.Unlock()
}

func (s *MemoryStore) CreateChangelog(ctx context.Context, id types.SegmentID, meta []byte) (Changelog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	if _, ok := s.logs[id]; ok {
		return nil, fmt.Errorf("%w: changelog %d already exists", dberrors.ErrInvalidArgument, id)
	}
	c := &MemoryChangelog{id: id, meta: slices.Clone(meta)}
	s.logs[id] = c
	return c, nil
}

func (s *MemoryStore) OpenChangelog(ctx context.Context, id types.SegmentID) (Changelog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.logs[id]
	if !ok {
		return nil, fmt.Errorf("%w: segment %d", dberrors.ErrChangelogNotFound, id)
	}
	return c, nil
}

func (s *MemoryStore) LatestChangelogID(ctx context.Context) (types.SegmentID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		latest types.SegmentID
		found  bool
	)
	for id := range s.logs {
		if !found || id > latest {
			latest, found = id, true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) Close() error { return nil }

type MemoryChangelog struct {
	id   types.SegmentID
	meta []byte

	mu       sync.Mutex
	records  [][]byte
	dataSize int64
	sealed   bool
	flushErr error
}

// FailFlush makes subsequent Flush calls fail with err; nil clears it.
func (c *MemoryChangelog) FailFlush(err error) {
	c.mu.Lock()
	c.flushErr = err
	c.mu.Unlock()
}

func (c *MemoryChangelog) ID() types.SegmentID { return c.id }

func (c *MemoryChangelog) Meta() []byte { return c.meta }

func (c *MemoryChangelog) Append(rec []byte) *future.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return future.Failed[struct{}](fmt.Errorf("%w: segment %d", dberrors.ErrChangelogSealed, c.id))
	}
	c.records = append(c.records, slices.Clone(rec))
	c.dataSize += int64(len(rec))
	return future.Ready(struct{}{})
}

func (c *MemoryChangelog) Flush() *future.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushErr != nil {
		return future.Failed[struct{}](c.flushErr)
	}
	return future.Ready(struct{}{})
}

func (c *MemoryChangelog) Seal(recordCount uint64) *future.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return future.Ready(struct{}{})
	}
	if recordCount > uint64(len(c.records)) {
		return future.Failed[struct{}](fmt.Errorf("%w: cannot seal changelog %d at %d records, it has %d",
			dberrors.ErrInvalidArgument, c.id, recordCount, len(c.records)))
	}
	c.truncateLocked(recordCount)
	c.sealed = true
	return future.Ready(struct{}{})
}

func (c *MemoryChangelog) Truncate(recordCount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return fmt.Errorf("%w: segment %d", dberrors.ErrChangelogSealed, c.id)
	}
	c.truncateLocked(recordCount)
	return nil
}

func (c *MemoryChangelog) truncateLocked(recordCount uint64) {
	if recordCount >= uint64(len(c.records)) {
		return
	}
	for _, rec := range c.records[recordCount:] {
		c.dataSize -= int64(len(rec))
	}
	c.records = c.records[:recordCount]
}

func (c *MemoryChangelog) Read(first, max uint64) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := uint64(len(c.records))
	if first >= count {
		return nil, nil
	}
	last := min(count, first+max)
	out := make([][]byte, 0, last-first)
	for _, rec := range c.records[first:last] {
		out = append(out, slices.Clone(rec))
	}
	return out, nil
}

func (c *MemoryChangelog) RecordCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.records))
}

func (c *MemoryChangelog) DataSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataSize
}

func (c *MemoryChangelog) IsSealed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed
}
