package hydra

import (
	"io"
	"math/rand/v2"
	"time"

	"metastate/pkg/types"
)

// Automaton is the deterministic state machine driven by DecoratedAutomaton.
// Every method is called from the automaton context only.
type Automaton interface {
	ApplyMutation(ctx *MutationContext)
	SaveSnapshot(w io.Writer) error
	LoadSnapshot(r io.Reader) error
	Clear()
}

// CellManager tells which peer we are.
type CellManager interface {
	SelfPeerID() types.PeerID
}

// MutationRequest is what gets logged. Action, when set, runs instead of
// Automaton.ApplyMutation on the peer that created the request; it is not
// replicated, so followers fall back to the automaton.
type MutationRequest struct {
	Type   string
	Data   []byte
	Action func(ctx *MutationContext)
}

type MutationResponse struct {
	Data []byte
}

// MutationContext describes the mutation being applied. Everything an
// automaton reads from it is identical on every replica.
type MutationContext struct {
	version    types.Version
	request    *MutationRequest
	timestamp  time.Time
	randomSeed uint64
	response   MutationResponse
	rng        *rand.Rand
}

func newMutationContext(version types.Version, request *MutationRequest, timestamp time.Time, randomSeed uint64) *MutationContext {
	return &MutationContext{
		version:    version,
		request:    request,
		timestamp:  timestamp,
		randomSeed: randomSeed,
	}
}

func (c *MutationContext) Version() types.Version { return c.version }

func (c *MutationContext) Request() *MutationRequest { return c.request }

// Timestamp is the leader's clock at logging time, in microseconds.
func (c *MutationContext) Timestamp() time.Time { return c.timestamp }

func (c *MutationContext) RandomSeed() uint64 { return c.randomSeed }

// Rand returns a generator seeded from RandomSeed.
func (c *MutationContext) Rand() *rand.Rand {
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(c.randomSeed, c.version.Segment<<32|c.version.Record))
	}
	return c.rng
}

func (c *MutationContext) SetResponse(resp MutationResponse) { c.response = resp }

func (c *MutationContext) Response() MutationResponse { return c.response }
