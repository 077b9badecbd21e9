package types

// SegmentID identifies a changelog segment. Segments are numbered from zero and
// a new one is started on every rotation.
type SegmentID = uint64

// RecordID is the position of a mutation inside a segment.
type RecordID = uint64

// SnapshotID identifies a snapshot. A snapshot with id N holds the state
// produced by every record of segments 0..N-1.
type SnapshotID = uint64

// PeerID identifies a peer inside a cell.
type PeerID uint64

// NodeID is the transport-level name of a peer (host:port or similar).
type NodeID string
