package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"

	"metastate/pkg/compression"
	"metastate/pkg/dberrors"
	"metastate/pkg/types"
)

var (
	stagedBucket    = []byte("staged")
	confirmedBucket = []byte("confirmed")

	dataKey   = []byte("data")
	metaKey   = []byte("meta")
	paramsKey = []byte("params")
	codecKey  = []byte("codec")
)

// BoltStore keeps snapshots in a bbolt file. Each snapshot is a nested
// bucket keyed by its big-endian id, first under "staged", then moved to
// "confirmed".
type BoltStore struct {
	db     *bolt.DB
	codec  compression.Codec
	logger *slog.Logger
}

func OpenBoltStore(path string, codec compression.Codec, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{stagedBucket, confirmedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init snapshot buckets: %w", err)
	}

	return &BoltStore{db: db, codec: codec, logger: logger.With("component", "snapshot")}, nil
}

func idKey(id types.SnapshotID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

func (s *BoltStore) CreateWriter(id types.SnapshotID, meta []byte) (Writer, error) {
	return newPayloadWriter(s.codec, meta, func(b blob) error {
		return s.db.Update(func(tx *bolt.Tx) error {
			staged := tx.Bucket(stagedBucket)
			if staged.Bucket(idKey(id)) != nil {
				if err := staged.DeleteBucket(idKey(id)); err != nil {
					return err
				}
			}
			return putBlob(staged, id, b)
		})
	})
}

func (s *BoltStore) ConfirmSnapshot(ctx context.Context, id types.SnapshotID) (Params, error) {
	if err := ctx.Err(); err != nil {
		return Params{}, err
	}

	var params Params
	err := s.db.Update(func(tx *bolt.Tx) error {
		staged := tx.Bucket(stagedBucket)
		b, err := getBlob(staged, id)
		if err != nil {
			return err
		}
		if err := staged.DeleteBucket(idKey(id)); err != nil {
			return err
		}

		confirmed := tx.Bucket(confirmedBucket)
		if confirmed.Bucket(idKey(id)) != nil {
			if err := confirmed.DeleteBucket(idKey(id)); err != nil {
				return err
			}
		}
		params = b.params
		return putBlob(confirmed, id, b)
	})
	if err != nil {
		return Params{}, fmt.Errorf("failed to confirm snapshot %d: %w", id, err)
	}

	s.logger.Info("snapshot confirmed",
		"snapshot_id", id,
		"checksum", params.Checksum,
		"compressed_length", params.CompressedLength,
		"uncompressed_length", params.UncompressedLength)
	return params, nil
}

func (s *BoltStore) CreateReader(id types.SnapshotID) (Reader, error) {
	var b blob
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		b, err = getBlob(tx.Bucket(confirmedBucket), id)
		if err != nil {
			return err
		}
		// bbolt memory is only valid inside the transaction.
		b.data = bytes.Clone(b.data)
		b.meta = bytes.Clone(b.meta)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newPayloadReader(b)
}

func (s *BoltStore) LatestSnapshotID(ctx context.Context, maxID types.SnapshotID) (types.SnapshotID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	var (
		id    types.SnapshotID
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(confirmedBucket).Cursor()
		var k []byte
		if maxID == math.MaxUint64 {
			k, _ = c.Last()
		} else {
			k, _ = c.Seek(idKey(maxID + 1))
			if k == nil {
				k, _ = c.Last()
			} else {
				k, _ = c.Prev()
			}
		}
		if k != nil {
			id, found = binary.BigEndian.Uint64(k), true
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to scan snapshots: %w", err)
	}
	return id, found, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putBlob(parent *bolt.Bucket, id types.SnapshotID, b blob) error {
	bucket, err := parent.CreateBucket(idKey(id))
	if err != nil {
		return err
	}
	for _, kv := range []struct{ k, v []byte }{
		{dataKey, b.data},
		{metaKey, b.meta},
		{paramsKey, encodeParams(b.params)},
		{codecKey, []byte(b.codec)},
	} {
		if err := bucket.Put(kv.k, kv.v); err != nil {
			return err
		}
	}
	return nil
}

func getBlob(parent *bolt.Bucket, id types.SnapshotID) (blob, error) {
	bucket := parent.Bucket(idKey(id))
	if bucket == nil {
		return blob{}, fmt.Errorf("%w: %d", dberrors.ErrSnapshotNotFound, id)
	}
	params, err := decodeParams(bucket.Get(paramsKey))
	if err != nil {
		return blob{}, err
	}
	codec, err := compression.ParseCodec(string(bucket.Get(codecKey)))
	if err != nil {
		return blob{}, err
	}
	return blob{
		codec:  codec,
		meta:   bucket.Get(metaKey),
		data:   bucket.Get(dataKey),
		params: params,
	}, nil
}
