package cell

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"metastate/pkg/types"
)

// Manager describes the cell a peer belongs to: its identity, the peer
// set and the quorum size. The peer set may change when the directory
// reports new addresses.
type Manager struct {
	cellID uuid.UUID
	self   types.PeerID

	mu    sync.RWMutex
	peers map[types.PeerID]string
}

// NewManager builds a manager. An empty cellID generates a fresh one.
func NewManager(cellID string, self types.PeerID, peers map[types.PeerID]string) (*Manager, error) {
	id := uuid.New()
	if cellID != "" {
		parsed, err := uuid.Parse(cellID)
		if err != nil {
			return nil, fmt.Errorf("parse cell id %q: %w", cellID, err)
		}
		id = parsed
	}
	if _, ok := peers[self]; !ok {
		return nil, fmt.Errorf("self peer %d is not a cell member", self)
	}

	m := &Manager{
		cellID: id,
		self:   self,
		peers:  make(map[types.PeerID]string, len(peers)),
	}
	for p, addr := range peers {
		m.peers[p] = addr
	}
	return m, nil
}

func (m *Manager) CellID() uuid.UUID { return m.cellID }

func (m *Manager) SelfPeerID() types.PeerID { return m.self }

// Peers returns member ids in ascending order.
func (m *Manager) Peers() []types.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.PeerID, 0, len(m.peers))
	for p := range m.peers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (m *Manager) PeerAddress(id types.PeerID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.peers[id]
	return addr, ok
}

// Quorum is the majority size of the current peer set.
func (m *Manager) Quorum() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)/2 + 1
}

// UpdateAddresses refreshes addresses of known peers. Unknown ids are
// ignored: membership itself is fixed by configuration.
func (m *Manager) UpdateAddresses(addrs map[types.PeerID]string) (changed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p, addr := range addrs {
		old, ok := m.peers[p]
		if !ok || addr == "" || old == addr {
			continue
		}
		m.peers[p] = addr
		changed++
	}
	return changed
}
