package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"metastate/pkg/changelog"
	"metastate/pkg/config"
	"metastate/pkg/future"
	"metastate/pkg/hydra"
	"metastate/pkg/metamap"
	"metastate/pkg/metrics"
	"metastate/pkg/raftadapter"
	"metastate/pkg/snapshot"
	"metastate/pkg/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type selfCell struct{}

func (selfCell) SelfPeerID() types.PeerID { return 1 }

// fakeRaftNode commits mutations on a local automaton without replication.
type fakeRaftNode struct {
	d          *hydra.DecoratedAutomaton
	leader     bool
	leaderAddr string

	mu      sync.Mutex
	handled []raftpb.Message
}

func newFakeRaftNode(t *testing.T, m *metamap.Map, reg prometheus.Registerer) *fakeRaftNode {
	t.Helper()

	hm, err := metrics.NewHydra(reg)
	require.NoError(t, err)
	d, err := hydra.New(hydra.Options{
		Automaton:      m,
		Cell:           selfCell{},
		ChangelogStore: changelog.NewMemoryStore(),
		SnapshotStore:  snapshot.NewMemoryStore(),
		Logger:         discard,
		Metrics:        hm,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})

	err = d.SystemInvoker().Invoke(ctx, func() error {
		d.OnStartLeading()
		if err := d.Recover(ctx); err != nil {
			return err
		}
		d.OnLeaderRecoveryComplete()
		return nil
	})
	require.NoError(t, err)

	return &fakeRaftNode{d: d, leader: true}
}

func (n *fakeRaftNode) IsLeader() bool { return n.leader }

func (n *fakeRaftNode) LeaderID() types.PeerID {
	if n.leader {
		return 1
	}
	if n.leaderAddr != "" {
		return 2
	}
	return 0
}

func (n *fakeRaftNode) LeaderAddr() string { return n.leaderAddr }

func (n *fakeRaftNode) Execute(ctx context.Context, req hydra.MutationRequest) (hydra.MutationResponse, error) {
	var lm hydra.LeaderMutation
	err := n.d.UserInvoker().Invoke(ctx, func() error {
		var err error
		if lm, err = n.d.LogLeaderMutation(req); err != nil {
			return err
		}
		n.d.CommitMutations(lm.Version.Advance())
		return nil
	})
	if err != nil {
		return hydra.MutationResponse{}, err
	}
	return lm.Commit.Wait(ctx)
}

func (n *fakeRaftNode) BuildSnapshot(ctx context.Context) (hydra.RemoteSnapshotParams, error) {
	var f *future.Future[hydra.RemoteSnapshotParams]
	err := n.d.SystemInvoker().Invoke(ctx, func() error {
		f = n.d.BuildSnapshot()
		return n.d.RotateChangelog(ctx)
	})
	if err != nil {
		return hydra.RemoteSnapshotParams{}, err
	}
	return f.Wait(ctx)
}

func (n *fakeRaftNode) Handle(_ context.Context, message raftpb.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handled = append(n.handled, message)
	return nil
}

func (n *fakeRaftNode) Status() raftadapter.Status {
	return raftadapter.Status{
		PeerID:           1,
		LeaderID:         n.LeaderID(),
		Leading:          n.leader,
		State:            n.d.State(),
		LoggedVersion:    n.d.LoggedVersion(),
		AutomatonVersion: n.d.AutomatonVersion(),
	}
}

type testServer struct {
	*Server
	node  *fakeRaftNode
	state *metamap.Map
}

func newTestServer(t *testing.T) testServer {
	t.Helper()

	reg := prometheus.NewRegistry()
	state := metamap.New(discard)
	node := newFakeRaftNode(t, state, reg)
	cfg := config.Default().Server
	return testServer{
		Server: NewServer(cfg, node, state, reg, discard),
		node:   node,
		state:  state,
	}
}

func (s testServer) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body=%s", rr.Body.String())
	return resp
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, StatusOK, decodeResp(t, rr).Status)
}

func TestPutGetDeleteFlow(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPut, "/api/nodes?key=foo", strings.NewReader("bar"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeResp(t, rr)
	require.Equal(t, StatusSuccess, resp.Status)
	require.NotNil(t, resp.Result)
	require.EqualValues(t, 1, resp.Result.Revision)
	require.False(t, resp.Result.Existed)

	rr = s.do(t, http.MethodGet, "/api/nodes?key=foo", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp = decodeResp(t, rr)
	require.Equal(t, "bar", resp.Value)
	require.NotNil(t, resp.Node)
	require.EqualValues(t, 1, resp.Node.Revision)

	rr = s.do(t, http.MethodDelete, "/api/nodes?key=foo", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp = decodeResp(t, rr)
	require.True(t, resp.Result.Existed)

	rr = s.do(t, http.MethodGet, "/api/nodes?key=foo", nil)
	require.Equal(t, http.StatusNotFound, rr.Code, rr.Body.String())

	require.Equal(t, types.NewVersion(0, 2), s.node.d.AutomatonVersion())
}

func TestListByPrefix(t *testing.T) {
	s := newTestServer(t)

	for _, key := range []string{"/a/1", "/a/2", "/b/1"} {
		rr := s.do(t, http.MethodPut, "/api/nodes?key="+key, strings.NewReader("v"))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	}

	rr := s.do(t, http.MethodGet, "/api/nodes?prefix=/a/", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeResp(t, rr)
	require.Len(t, resp.Nodes, 2)
	require.Equal(t, "/a/1", resp.Nodes[0].Key)
	require.Equal(t, "/a/2", resp.Nodes[1].Key)

	rr = s.do(t, http.MethodGet, "/api/nodes?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMissingParamsAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPut, "/api/nodes", strings.NewReader("v"))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodDelete, "/api/nodes", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodPost, "/health", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestFollowerRedirectsWrites(t *testing.T) {
	s := newTestServer(t)
	s.node.leader = false
	s.node.leaderAddr = "http://peer2:8080"

	rr := s.do(t, http.MethodPut, "/api/nodes?key=foo", strings.NewReader("bar"))
	require.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	require.Equal(t, "http://peer2:8080/api/nodes?key=foo", rr.Header().Get("Location"))

	s.node.leaderAddr = ""
	rr = s.do(t, http.MethodDelete, "/api/nodes?key=foo", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/nodes?key=foo", nil)
	require.Equal(t, http.StatusNotFound, rr.Code, "reads are served locally")
}

func TestStatusAndSnapshot(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPut, "/api/nodes?key=foo", strings.NewReader("bar"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/snapshot", nil).WithContext(ctx)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var params hydra.RemoteSnapshotParams
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &params))
	require.EqualValues(t, 1, params.SnapshotID)
	require.EqualValues(t, 1, params.PrevRecordCount)

	rr = s.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Equal(t, "leading", st["state"])
	require.Equal(t, true, st["leading"])
	require.Equal(t, map[string]any{"segment": float64(1), "record": float64(0)}, st["logged_version"])
}

func TestRaftEndpoint(t *testing.T) {
	s := newTestServer(t)

	msg := raftpb.Message{Type: raftpb.MsgHeartbeat, From: 2, To: 1, Term: 3}
	body, err := msg.Marshal()
	require.NoError(t, err)

	rr := s.do(t, http.MethodPost, "/api/internal/raft", bytes.NewReader(body))
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	require.Len(t, s.node.handled, 1)
	require.Equal(t, msg, s.node.handled[0])

	rr = s.do(t, http.MethodPost, "/api/internal/raft", strings.NewReader("not protobuf"))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPut, "/api/nodes?key=foo", strings.NewReader("bar"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "metastate_pending_mutations")
	require.Contains(t, rr.Body.String(), "metastate_mutations_applied_total")
}
