package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"metastate/pkg/dberrors"
	"metastate/pkg/types"
)

// fixedHeaderSize covers the two little-endian uint32 length prefixes.
const fixedHeaderSize = 8

const (
	fieldMutationType protowire.Number = 1
	fieldTimestamp    protowire.Number = 2
	fieldRandomSeed   protowire.Number = 3
	fieldSegmentID    protowire.Number = 4
	fieldRecordID     protowire.Number = 5
)

// Header is the replicated part of a mutation record. Followers rebuild the
// mutation context from it, so the leader's timestamp and seed travel here.
type Header struct {
	MutationType string
	Timestamp    time.Time
	RandomSeed   uint64
	SegmentID    types.SegmentID
	RecordID     types.RecordID
}

func (h Header) Version() types.Version {
	return types.NewVersion(h.SegmentID, h.RecordID)
}

// Encode serializes a record:
//
//	uint32 header size | uint32 data size | header | data
func Encode(h Header, data []byte) ([]byte, error) {
	header := marshalHeader(h)
	if len(header) > math.MaxUint32 || len(data) > math.MaxUint32 {
		return nil, fmt.Errorf("record too large: header=%d data=%d", len(header), len(data))
	}

	buf := make([]byte, fixedHeaderSize, fixedHeaderSize+len(header)+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(header)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	buf = append(buf, header...)
	buf = append(buf, data...)
	return buf, nil
}

// Decode splits a record into its header and payload. The payload aliases rec.
func Decode(rec []byte) (Header, []byte, error) {
	if len(rec) < fixedHeaderSize {
		return Header{}, nil, fmt.Errorf("%w: record of %d bytes", dberrors.ErrCorruptRecord, len(rec))
	}
	headerSize := uint64(binary.LittleEndian.Uint32(rec[0:4]))
	dataSize := uint64(binary.LittleEndian.Uint32(rec[4:8]))
	if uint64(len(rec)) != fixedHeaderSize+headerSize+dataSize {
		return Header{}, nil, fmt.Errorf("%w: size mismatch: have %d, header %d, data %d",
			dberrors.ErrCorruptRecord, len(rec), headerSize, dataSize)
	}

	h, err := unmarshalHeader(rec[fixedHeaderSize : fixedHeaderSize+headerSize])
	if err != nil {
		return Header{}, nil, err
	}
	return h, rec[fixedHeaderSize+headerSize:], nil
}

func marshalHeader(h Header) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMutationType, protowire.BytesType)
	b = protowire.AppendString(b, h.MutationType)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Timestamp.UnixMicro()))
	b = protowire.AppendTag(b, fieldRandomSeed, protowire.VarintType)
	b = protowire.AppendVarint(b, h.RandomSeed)
	b = protowire.AppendTag(b, fieldSegmentID, protowire.VarintType)
	b = protowire.AppendVarint(b, h.SegmentID)
	b = protowire.AppendTag(b, fieldRecordID, protowire.VarintType)
	b = protowire.AppendVarint(b, h.RecordID)
	return b
}

func unmarshalHeader(b []byte) (Header, error) {
	var h Header
	h.Timestamp = time.UnixMicro(0)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Header{}, fmt.Errorf("%w: %w", dberrors.ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldMutationType && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return Header{}, fmt.Errorf("%w: mutation type: %w", dberrors.ErrCorruptRecord, protowire.ParseError(m))
			}
			h.MutationType = s
			n = m
		case typ == protowire.VarintType && num >= fieldTimestamp && num <= fieldRecordID:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return Header{}, fmt.Errorf("%w: field %d: %w", dberrors.ErrCorruptRecord, num, protowire.ParseError(m))
			}
			switch num {
			case fieldTimestamp:
				h.Timestamp = time.UnixMicro(int64(v))
			case fieldRandomSeed:
				h.RandomSeed = v
			case fieldSegmentID:
				h.SegmentID = v
			case fieldRecordID:
				h.RecordID = v
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Header{}, fmt.Errorf("%w: field %d: %w", dberrors.ErrCorruptRecord, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return h, nil
}
