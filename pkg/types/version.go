package types

import (
	"cmp"
	"fmt"
)

// Version points at a record inside the changelog: Record mutations of
// segment Segment precede it.
type Version struct {
	Segment SegmentID `json:"segment"`
	Record  RecordID  `json:"record"`
}

func NewVersion(segment SegmentID, record RecordID) Version {
	return Version{Segment: segment, Record: record}
}

// Compare orders versions by segment, then by record.
func (v Version) Compare(other Version) int {
	if c := cmp.Compare(v.Segment, other.Segment); c != 0 {
		return c
	}
	return cmp.Compare(v.Record, other.Record)
}

func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

// Advance returns the version of the next record in the same segment.
func (v Version) Advance() Version {
	return Version{Segment: v.Segment, Record: v.Record + 1}
}

// Rotate returns the first version of the next segment.
func (v Version) Rotate() Version {
	return Version{Segment: v.Segment + 1}
}

func (v Version) IsZero() bool {
	return v == Version{}
}

func (v Version) String() string {
	return fmt.Sprintf("%d:%d", v.Segment, v.Record)
}
