package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"metastate/pkg/compression"
	"metastate/pkg/dberrors"
	"metastate/pkg/types"
)

// Params describe a confirmed snapshot.
type Params struct {
	PrevRecordCount    uint64 `json:"prev_record_count"`
	Checksum           uint64 `json:"checksum"`
	CompressedLength   int64  `json:"compressed_length"`
	UncompressedLength int64  `json:"uncompressed_length"`
}

// Writer receives the automaton state. Close stages the snapshot; it becomes
// visible to readers only after ConfirmSnapshot.
type Writer interface {
	io.Writer
	Close() error
}

type Reader interface {
	io.Reader
	Close() error
	Meta() []byte
	Params() Params
}

type Store interface {
	CreateWriter(id types.SnapshotID, meta []byte) (Writer, error)
	CreateReader(id types.SnapshotID) (Reader, error)
	ConfirmSnapshot(ctx context.Context, id types.SnapshotID) (Params, error)
	// LatestSnapshotID returns the largest confirmed id not exceeding maxID.
	LatestSnapshotID(ctx context.Context, maxID types.SnapshotID) (types.SnapshotID, bool, error)
}

// blob is the staged or confirmed form of a snapshot.
type blob struct {
	codec  compression.Codec
	meta   []byte
	data   []byte
	params Params
}

// payloadWriter compresses the automaton output into memory and hands the
// result to commit on Close.
type payloadWriter struct {
	codec      compression.Codec
	meta       []byte
	buf        bytes.Buffer
	compressed *compression.CountingWriter
	enc        io.WriteCloser
	digest     *xxhash.Digest
	written    int64
	closed     bool
	commit     func(blob) error
}

func newPayloadWriter(codec compression.Codec, meta []byte, commit func(blob) error) (*payloadWriter, error) {
	w := &payloadWriter{
		codec:  codec,
		meta:   bytes.Clone(meta),
		digest: xxhash.New(),
		commit: commit,
	}
	w.compressed = &compression.CountingWriter{W: &w.buf}
	enc, err := compression.NewWriter(codec, w.compressed)
	if err != nil {
		return nil, err
	}
	w.enc = enc
	return w, nil
}

func (w *payloadWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, dberrors.ErrClosed
	}
	n, err := w.enc.Write(p)
	_, _ = w.digest.Write(p[:n])
	w.written += int64(n)
	return n, err
}

func (w *payloadWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.enc.Close(); err != nil {
		return fmt.Errorf("failed to finish snapshot compression: %w", err)
	}

	meta, err := prevRecordCount(w.meta)
	if err != nil {
		return err
	}
	return w.commit(blob{
		codec: w.codec,
		meta:  w.meta,
		data:  w.buf.Bytes(),
		params: Params{
			PrevRecordCount:    meta,
			Checksum:           w.digest.Sum64(),
			CompressedLength:   w.compressed.N,
			UncompressedLength: w.written,
		},
	})
}

// payloadReader decompresses a blob and verifies its checksum at EOF.
type payloadReader struct {
	io.ReadCloser
	meta   []byte
	params Params
	digest *xxhash.Digest
}

func newPayloadReader(b blob) (*payloadReader, error) {
	dec, err := compression.NewReader(b.codec, bytes.NewReader(b.data))
	if err != nil {
		return nil, err
	}
	return &payloadReader{ReadCloser: dec, meta: b.meta, params: b.params, digest: xxhash.New()}, nil
}

func (r *payloadReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	_, _ = r.digest.Write(p[:n])
	if err == io.EOF && r.digest.Sum64() != r.params.Checksum {
		return n, fmt.Errorf("%w: snapshot checksum mismatch", dberrors.ErrCorruptRecord)
	}
	return n, err
}

func (r *payloadReader) Meta() []byte { return r.meta }

func (r *payloadReader) Params() Params { return r.params }

func encodeParams(p Params) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], p.PrevRecordCount)
	binary.LittleEndian.PutUint64(buf[8:16], p.Checksum)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(p.CompressedLength))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(p.UncompressedLength))
	return buf
}

func decodeParams(buf []byte) (Params, error) {
	if len(buf) != 32 {
		return Params{}, fmt.Errorf("%w: snapshot params of %d bytes", dberrors.ErrCorruptRecord, len(buf))
	}
	return Params{
		PrevRecordCount:    binary.LittleEndian.Uint64(buf[0:8]),
		Checksum:           binary.LittleEndian.Uint64(buf[8:16]),
		CompressedLength:   int64(binary.LittleEndian.Uint64(buf[16:24])),
		UncompressedLength: int64(binary.LittleEndian.Uint64(buf[24:32])),
	}, nil
}
