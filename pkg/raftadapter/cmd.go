package raftadapter

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"metastate/pkg/dberrors"
	"metastate/pkg/types"
)

type CmdKind uint8

const (
	// CmdMutation carries a serialized mutation record.
	CmdMutation CmdKind = iota + 1
	// CmdRotate tells every peer to seal its changelog and open Segment.
	CmdRotate
	// CmdBarrier marks the point after which a resyncing leader may take
	// writes again.
	CmdBarrier
)

func (k CmdKind) String() string {
	switch k {
	case CmdMutation:
		return "mutation"
	case CmdRotate:
		return "rotate"
	case CmdBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("CmdKind(%d)", uint8(k))
	}
}

// Cmd is the payload of a raft log entry.
type Cmd struct {
	Kind    CmdKind
	ID      uuid.UUID
	Record  []byte
	Segment types.SegmentID
}

func NewMutationCmd(rec []byte) Cmd {
	return Cmd{Kind: CmdMutation, ID: uuid.New(), Record: rec}
}

func NewRotateCmd(segment types.SegmentID) Cmd {
	return Cmd{Kind: CmdRotate, ID: uuid.New(), Segment: segment}
}

func NewBarrierCmd() Cmd {
	return Cmd{Kind: CmdBarrier, ID: uuid.New()}
}

const (
	cmdFieldKind    protowire.Number = 1
	cmdFieldID      protowire.Number = 2
	cmdFieldRecord  protowire.Number = 3
	cmdFieldSegment protowire.Number = 4
)

func (c Cmd) Marshal() []byte {
	b := make([]byte, 0, len(c.Record)+32)
	b = protowire.AppendTag(b, cmdFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Kind))
	b = protowire.AppendTag(b, cmdFieldID, protowire.BytesType)
	b = protowire.AppendBytes(b, c.ID[:])
	if len(c.Record) > 0 {
		b = protowire.AppendTag(b, cmdFieldRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Record)
	}
	if c.Segment != 0 {
		b = protowire.AppendTag(b, cmdFieldSegment, protowire.VarintType)
		b = protowire.AppendVarint(b, c.Segment)
	}
	return b
}

func UnmarshalCmd(data []byte) (Cmd, error) {
	var c Cmd
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Cmd{}, fmt.Errorf("%w: cmd tag: %v", dberrors.ErrCorruptRecord, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == cmdFieldKind && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Cmd{}, fmt.Errorf("%w: cmd kind: %v", dberrors.ErrCorruptRecord, protowire.ParseError(m))
			}
			c.Kind, n = CmdKind(v), m
		case num == cmdFieldID && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Cmd{}, fmt.Errorf("%w: cmd id: %v", dberrors.ErrCorruptRecord, protowire.ParseError(m))
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return Cmd{}, fmt.Errorf("%w: cmd id: %v", dberrors.ErrCorruptRecord, err)
			}
			c.ID, n = id, m
		case num == cmdFieldRecord && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Cmd{}, fmt.Errorf("%w: cmd record: %v", dberrors.ErrCorruptRecord, protowire.ParseError(m))
			}
			c.Record, n = v, m
		case num == cmdFieldSegment && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Cmd{}, fmt.Errorf("%w: cmd segment: %v", dberrors.ErrCorruptRecord, protowire.ParseError(m))
			}
			c.Segment, n = v, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Cmd{}, fmt.Errorf("%w: cmd field %d: %v", dberrors.ErrCorruptRecord, num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}

	switch c.Kind {
	case CmdMutation, CmdRotate, CmdBarrier:
		return c, nil
	default:
		return Cmd{}, fmt.Errorf("%w: unknown cmd kind %d", dberrors.ErrCorruptRecord, c.Kind)
	}
}
