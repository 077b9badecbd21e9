package hydra

import "fmt"

// PeerState is the role of the local peer in the cell.
type PeerState int32

const (
	StateStopped PeerState = iota
	StateLeaderRecovery
	StateLeading
	StateFollowerRecovery
	StateFollowing
)

func (s PeerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateLeaderRecovery:
		return "leader_recovery"
	case StateLeading:
		return "leading"
	case StateFollowerRecovery:
		return "follower_recovery"
	case StateFollowing:
		return "following"
	default:
		return fmt.Sprintf("peer_state(%d)", int32(s))
	}
}

func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsActive reports whether user callbacks may run in this state.
func (s PeerState) IsActive() bool {
	return s == StateLeading || s == StateFollowing
}

func (s PeerState) IsLeader() bool {
	return s == StateLeaderRecovery || s == StateLeading
}

func (s PeerState) IsFollower() bool {
	return s == StateFollowerRecovery || s == StateFollowing
}

func (s PeerState) IsRecovery() bool {
	return s == StateLeaderRecovery || s == StateFollowerRecovery
}
