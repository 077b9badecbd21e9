package raftadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"metastate/pkg/cell"
	"metastate/pkg/changelog"
	"metastate/pkg/config"
	"metastate/pkg/dberrors"
	"metastate/pkg/hydra"
	"metastate/pkg/metamap"
	"metastate/pkg/snapshot"
	"metastate/pkg/types"
)

const testCellID = "0b8c3a52-77a4-4f7e-9c55-1d7e2f0a9b31"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// inprocTransport routes raft messages between nodes in memory.
type inprocTransport struct {
	nodesMu sync.RWMutex
	nodes   map[uint64]*Node
}

func newInprocTransport() *inprocTransport {
	return &inprocTransport{nodes: make(map[uint64]*Node)}
}

func (t *inprocTransport) add(n *Node) {
	t.nodesMu.Lock()
	defer t.nodesMu.Unlock()
	t.nodes[uint64(n.id)] = n
}

func (t *inprocTransport) Send(msg raftpb.Message) error {
	t.nodesMu.RLock()
	target, ok := t.nodes[msg.To]
	t.nodesMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer %d", msg.To)
	}
	go func() {
		_ = target.Handle(context.Background(), msg)
	}()
	return nil
}

type testPeer struct {
	node       *Node
	hydra      *hydra.DecoratedAutomaton
	state      *metamap.Map
	changelogs *changelog.MemoryStore
	snapshots  *snapshot.MemoryStore
}

func testRaftConfig() config.RaftConfig {
	cfg := config.Default().Raft
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ProposeTimeout = 2 * time.Second
	cfg.CommitRetryBackoff = time.Millisecond
	return cfg
}

func startCluster(t *testing.T, size int, maxRecords uint64) []*testPeer {
	t.Helper()

	addrs := make(map[types.PeerID]string, size)
	for i := 1; i <= size; i++ {
		addrs[types.PeerID(i)] = fmt.Sprintf("inproc-%d", i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	transport := newInprocTransport()
	peers := make([]*testPeer, 0, size)
	for i := 1; i <= size; i++ {
		mgr, err := cell.NewManager(testCellID, types.PeerID(i), addrs)
		require.NoError(t, err)

		p := &testPeer{
			state:      metamap.New(discard),
			changelogs: changelog.NewMemoryStore(),
			snapshots:  snapshot.NewMemoryStore(),
		}
		p.hydra, err = hydra.New(hydra.Options{
			Automaton:      p.state,
			Cell:           mgr,
			ChangelogStore: p.changelogs,
			SnapshotStore:  p.snapshots,
			Logger:         discard,
		})
		require.NoError(t, err)
		p.hydra.Start(ctx)

		p.node, err = NewNode(Options{
			Raft:                    testRaftConfig(),
			Hydra:                   p.hydra,
			Cell:                    mgr,
			Changelogs:              p.changelogs,
			Transport:               transport,
			Logger:                  discard,
			MaxChangelogRecordCount: maxRecords,
		})
		require.NoError(t, err)
		transport.add(p.node)
		peers = append(peers, p)
	}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			_ = n.Run(ctx)
		}(p.node)
	}

	t.Cleanup(func() {
		cancel()
		for _, p := range peers {
			p.node.Stop()
		}
		wg.Wait()
		for _, p := range peers {
			p.hydra.Stop()
		}
	})
	return peers
}

func waitForLeader(t *testing.T, peers []*testPeer) *testPeer {
	t.Helper()

	var leader *testPeer
	require.Eventually(t, func() bool {
		var leaders []*testPeer
		for _, p := range peers {
			if p.node.IsLeader() {
				leaders = append(leaders, p)
			}
		}
		if len(leaders) != 1 {
			return false
		}
		leader = leaders[0]
		return true
	}, 10*time.Second, 20*time.Millisecond, "leader not elected")
	return leader
}

// set writes key through the leader, retrying while a rotation keeps
// writes out.
func set(t *testing.T, leader *testPeer, key, value string) metamap.Result {
	t.Helper()

	req := hydra.MutationRequest{Type: metamap.TypeSet, Data: metamap.EncodeSet(key, []byte(value))}
	deadline := time.Now().Add(10 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		resp, err := leader.node.Execute(ctx, req)
		cancel()
		if errors.Is(err, dberrors.ErrSystemLocked) && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		require.NoError(t, err)

		res, err := metamap.DecodeResult(resp.Data)
		require.NoError(t, err)
		require.Empty(t, res.Error)
		return res
	}
}
