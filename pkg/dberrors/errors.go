package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("metastate: not found")
	ErrClosed          = errors.New("metastate: closed")
	ErrInvalidArgument = errors.New("metastate: invalid argument")

	// ErrNoLongerLeading settles commit promises of a leader that stepped down.
	ErrNoLongerLeading = errors.New("metastate: no longer leading")
	// ErrNotActive settles promises dropped by a reset of the automaton.
	ErrNotActive       = errors.New("metastate: peer is not active")
	ErrSystemLocked    = errors.New("metastate: automaton is system locked")
	ErrInvokerStopped  = errors.New("metastate: automaton invoker stopped")
	ErrAutomatonGone   = errors.New("metastate: decorated automaton destroyed")
	ErrNotLeader       = errors.New("metastate: not a leader")
	ErrCorruptRecord   = errors.New("metastate: corrupt record")
	ErrChangelogSealed = errors.New("metastate: changelog is sealed")

	ErrChangelogNotFound = errors.New("metastate: changelog not found")
	ErrSnapshotNotFound  = errors.New("metastate: snapshot not found")
)
