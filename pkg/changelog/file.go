package changelog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"

	"metastate/pkg/dberrors"
	"metastate/pkg/future"
	"metastate/pkg/listener"
	"metastate/pkg/types"
)

const (
	fileMagic = "MSCLOG01"
	// uint32 payload length + uint64 xxhash of the payload
	recordOverhead = 12
	inputBuffer    = 256
)

type opKind int

const (
	opAppend opKind = iota
	opFlush
	opSeal
	opTruncate
)

type op struct {
	kind    opKind
	data    []byte
	count   uint64
	promise *future.Promise[struct{}]
}

// FileChangelog stores a segment in a single file. Writes are performed by a
// listener goroutine which syncs the file whenever its input queue runs dry,
// so a burst of appends shares one fsync.
type FileChangelog struct {
	*listener.Listener[op]

	id     types.SegmentID
	meta   []byte
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	offsets   []int64
	dataStart int64
	end       int64
	sealed    bool
	unsynced  []*future.Promise[struct{}]

	stateMu sync.RWMutex
	closed  bool
	inputCh chan op
}

func segmentPath(dir string, id types.SegmentID) string {
	return filepath.Join(dir, fmt.Sprintf("%09d.log", id))
}

func sealPath(dir string, id types.SegmentID) string {
	return filepath.Join(dir, fmt.Sprintf("%09d.sealed", id))
}

func createFileChangelog(dir string, id types.SegmentID, meta []byte, logger *slog.Logger) (*FileChangelog, error) {
	path := segmentPath(dir, id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create changelog %d: %w", id, err)
	}
	if len(meta) > math.MaxUint32 {
		_ = file.Close()
		return nil, fmt.Errorf("changelog meta too large: %d", len(meta))
	}

	header := make([]byte, 0, len(fileMagic)+4+len(meta))
	header = append(header, fileMagic...)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(meta)))
	header = append(header, meta...)
	if _, err := file.Write(header); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to write changelog header: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to sync changelog header: %w", err)
	}

	c := newFileChangelog(id, meta, path, file, int64(len(header)), logger)
	return c, nil
}

func openFileChangelog(dir string, id types.SegmentID, logger *slog.Logger) (*FileChangelog, error) {
	path := segmentPath(dir, id)
	file, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: segment %d", dberrors.ErrChangelogNotFound, id)
		}
		return nil, fmt.Errorf("failed to open changelog %d: %w", id, err)
	}

	reader := bufio.NewReader(file)
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(reader, magic); err != nil || string(magic) != fileMagic {
		_ = file.Close()
		return nil, fmt.Errorf("%w: changelog %d has bad magic", dberrors.ErrCorruptRecord, id)
	}
	var metaLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &metaLen); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to read changelog meta length: %w", err)
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(reader, meta); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to read changelog meta: %w", err)
	}

	dataStart := int64(len(fileMagic)) + 4 + int64(metaLen)
	c := newFileChangelog(id, meta, path, file, dataStart, logger)

	pos := dataStart
	for {
		size, err := skipRecord(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("truncating torn changelog tail",
					"segment_id", id, "offset", pos, "error", err)
			}
			break
		}
		c.offsets = append(c.offsets, pos)
		pos += size
	}
	c.end = pos

	if err := file.Truncate(pos); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to truncate changelog tail: %w", err)
	}
	if _, err := file.Seek(pos, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek changelog: %w", err)
	}

	if count, ok, err := readSealMarker(filepath.Dir(path), id); err != nil {
		_ = file.Close()
		return nil, err
	} else if ok {
		if count != uint64(len(c.offsets)) {
			_ = file.Close()
			return nil, fmt.Errorf("%w: sealed changelog %d has %d records, marker says %d",
				dberrors.ErrCorruptRecord, id, len(c.offsets), count)
		}
		c.sealed = true
	}

	return c, nil
}

func newFileChangelog(id types.SegmentID, meta []byte, path string, file *os.File, dataStart int64, logger *slog.Logger) *FileChangelog {
	c := &FileChangelog{
		id:        id,
		meta:      meta,
		path:      path,
		logger:    logger,
		file:      file,
		writer:    bufio.NewWriter(file),
		dataStart: dataStart,
		end:       dataStart,
		inputCh:   make(chan op, inputBuffer),
	}
	c.Listener = listener.New(c.inputCh, c.handle, c.stop)
	return c
}

// skipRecord validates the next record and returns its on-disk size.
func skipRecord(r *bufio.Reader) (int64, error) {
	payload, err := readRecord(r)
	if err != nil {
		return 0, err
	}
	return int64(recordOverhead + len(payload)), nil
}

func readRecord(r io.Reader) ([]byte, error) {
	var hdr [recordOverhead]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("short record header: %w", err)
		}
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint64(hdr[4:12])

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short record payload: %w", err)
	}
	if xxhash.Sum64(payload) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", dberrors.ErrCorruptRecord)
	}
	return payload, nil
}

func (c *FileChangelog) ID() types.SegmentID { return c.id }

func (c *FileChangelog) Meta() []byte { return c.meta }

func (c *FileChangelog) Append(rec []byte) *future.Future[struct{}] {
	return c.enqueue(op{kind: opAppend, data: rec})
}

func (c *FileChangelog) Flush() *future.Future[struct{}] {
	return c.enqueue(op{kind: opFlush})
}

func (c *FileChangelog) Seal(recordCount uint64) *future.Future[struct{}] {
	return c.enqueue(op{kind: opSeal, count: recordCount})
}

func (c *FileChangelog) Truncate(recordCount uint64) error {
	_, err := c.enqueue(op{kind: opTruncate, count: recordCount}).Wait(context.Background())
	return err
}

func (c *FileChangelog) Read(first, max uint64) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writer == nil {
		return nil, dberrors.ErrClosed
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush changelog before read: %w", err)
	}

	count := uint64(len(c.offsets))
	if first >= count {
		return nil, nil
	}
	last := min(count, first+max)

	start := c.offsets[first]
	stop := c.end
	if last < count {
		stop = c.offsets[last]
	}
	reader := bufio.NewReader(io.NewSectionReader(c.file, start, stop-start))

	records := make([][]byte, 0, last-first)
	for i := first; i < last; i++ {
		payload, err := readRecord(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d of changelog %d: %w", i, c.id, err)
		}
		records = append(records, payload)
	}
	return records, nil
}

func (c *FileChangelog) RecordCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.offsets))
}

func (c *FileChangelog) DataSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.end - c.dataStart - int64(len(c.offsets))*recordOverhead
}

func (c *FileChangelog) IsSealed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sealed
}

// Close drains queued operations and closes the file.
func (c *FileChangelog) Close() error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	c.stateMu.Unlock()

	c.Stop()
	return nil
}

func (c *FileChangelog) enqueue(o op) *future.Future[struct{}] {
	o.promise = future.NewPromise[struct{}]()

	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.closed {
		return future.Failed[struct{}](dberrors.ErrClosed)
	}
	c.inputCh <- o
	return o.promise.Future()
}

// handle runs on the listener goroutine. I/O failures are delivered through
// the operation's promise, never returned to the listener.
func (c *FileChangelog) handle(o op) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch o.kind {
	case opAppend:
		if err := c.writeRecord(o.data); err != nil {
			o.promise.Fail(err)
		} else {
			c.unsynced = append(c.unsynced, o.promise)
		}
	case opFlush:
		c.unsynced = append(c.unsynced, o.promise)
		c.sync()
	case opSeal:
		c.sync()
		if err := c.seal(o.count); err != nil {
			o.promise.Fail(err)
		} else {
			o.promise.Set(struct{}{})
		}
	case opTruncate:
		c.sync()
		if err := c.truncate(o.count); err != nil {
			o.promise.Fail(err)
		} else {
			o.promise.Set(struct{}{})
		}
	}

	if len(c.inputCh) == 0 {
		c.sync()
	}
	return nil
}

func (c *FileChangelog) writeRecord(data []byte) error {
	if c.sealed {
		return fmt.Errorf("%w: segment %d", dberrors.ErrChangelogSealed, c.id)
	}
	if len(data) > math.MaxUint32 {
		return fmt.Errorf("record too large: %d", len(data))
	}

	var hdr [recordOverhead]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint64(hdr[4:12], xxhash.Sum64(data))
	if _, err := c.writer.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	c.offsets = append(c.offsets, c.end)
	c.end += int64(recordOverhead + len(data))
	return nil
}

// sync makes every buffered record durable and settles their promises.
func (c *FileChangelog) sync() {
	if len(c.unsynced) == 0 && c.writer.Buffered() == 0 {
		return
	}

	err := c.writer.Flush()
	if err == nil {
		err = c.file.Sync()
	}
	for _, p := range c.unsynced {
		if err != nil {
			p.Fail(fmt.Errorf("failed to sync changelog %d: %w", c.id, err))
		} else {
			p.Set(struct{}{})
		}
	}
	c.unsynced = c.unsynced[:0]
}

func (c *FileChangelog) seal(recordCount uint64) error {
	if c.sealed {
		return nil
	}
	count := uint64(len(c.offsets))
	if recordCount > count {
		return fmt.Errorf("%w: cannot seal changelog %d at %d records, it has %d",
			dberrors.ErrInvalidArgument, c.id, recordCount, count)
	}
	if recordCount < count {
		if err := c.truncate(recordCount); err != nil {
			return err
		}
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], recordCount)
	if err := os.WriteFile(sealPath(filepath.Dir(c.path), c.id), buf[:], 0600); err != nil {
		return fmt.Errorf("failed to write seal marker: %w", err)
	}
	c.sealed = true
	return nil
}

func (c *FileChangelog) truncate(recordCount uint64) error {
	if c.sealed {
		return fmt.Errorf("%w: segment %d", dberrors.ErrChangelogSealed, c.id)
	}
	count := uint64(len(c.offsets))
	if recordCount >= count {
		return nil
	}

	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush before truncate: %w", err)
	}
	off := c.offsets[recordCount]
	if err := c.file.Truncate(off); err != nil {
		return fmt.Errorf("failed to truncate changelog %d: %w", c.id, err)
	}
	if _, err := c.file.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek changelog %d: %w", c.id, err)
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync changelog %d: %w", c.id, err)
	}
	c.writer.Reset(c.file)
	c.offsets = c.offsets[:recordCount]
	c.end = off

	c.logger.Info("changelog truncated", "segment_id", c.id, "record_count", recordCount)
	return nil
}

// stop is called by the listener after queued operations are drained.
func (c *FileChangelog) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sync()
	if err := c.file.Close(); err != nil {
		c.logger.Warn("failed to close changelog file", "segment_id", c.id, "error", err)
	}
	c.writer = nil
}

func readSealMarker(dir string, id types.SegmentID) (uint64, bool, error) {
	buf, err := os.ReadFile(sealPath(dir, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read seal marker: %w", err)
	}
	if len(buf) != 8 {
		return 0, false, fmt.Errorf("%w: seal marker of segment %d", dberrors.ErrCorruptRecord, id)
	}
	return binary.LittleEndian.Uint64(buf), true, nil
}
