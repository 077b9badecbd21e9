package record

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"metastate/pkg/dberrors"
)

const fieldPrevRecordCount protowire.Number = 1

// SegmentMeta is attached to every changelog and snapshot. PrevRecordCount is
// the number of records in the segment preceding it, which lets recovery
// check that a snapshot and the changelog after it line up.
type SegmentMeta struct {
	PrevRecordCount uint64
}

func (m SegmentMeta) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPrevRecordCount, protowire.VarintType)
	return protowire.AppendVarint(b, m.PrevRecordCount)
}

func UnmarshalSegmentMeta(b []byte) (SegmentMeta, error) {
	var m SegmentMeta
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: meta: %w", dberrors.ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldPrevRecordCount && typ == protowire.VarintType {
			v, m2 := protowire.ConsumeVarint(b)
			if m2 < 0 {
				return m, fmt.Errorf("%w: meta: %w", dberrors.ErrCorruptRecord, protowire.ParseError(m2))
			}
			m.PrevRecordCount = v
			b = b[m2:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return m, fmt.Errorf("%w: meta: %w", dberrors.ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return m, nil
}
