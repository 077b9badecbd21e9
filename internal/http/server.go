package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"metastate/pkg/config"
	"metastate/pkg/dberrors"
	"metastate/pkg/hydra"
	"metastate/pkg/metamap"
	"metastate/pkg/raftadapter"
	"metastate/pkg/types"
)

const (
	contentTypeJSON = "application/json"
	timeFormat      = time.RFC3339Nano
	maxValueSize    = 1 << 20
	maxRaftMsgSize  = 64 << 20
	defaultListSize = 100
)

type iRaftNode interface {
	IsLeader() bool
	LeaderID() types.PeerID
	LeaderAddr() string
	Execute(ctx context.Context, req hydra.MutationRequest) (hydra.MutationResponse, error)
	BuildSnapshot(ctx context.Context) (hydra.RemoteSnapshotParams, error)
	Handle(ctx context.Context, message raftpb.Message) error
	Status() raftadapter.Status
}

type iStateReader interface {
	Get(key string) (metamap.Entry, bool)
	List(prefix string, limit int) []metamap.Entry
}

// Server exposes the metamap API, peer status and the raft transport
// endpoint.
type Server struct {
	node    iRaftNode
	state   iStateReader
	metrics http.Handler
	logger  *slog.Logger

	httpServer      *http.Server
	URL             string
	addr            string
	shutdownTimeout time.Duration
}

func NewServer(cfg config.ServerConfig, node iRaftNode, state iStateReader, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		node:            node,
		state:           state,
		metrics:         promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		logger:          logger.With("component", "http"),
		URL:             "http://localhost" + cfg.Addr,
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server started", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Put("/nodes", s.handlePut)
		r.Get("/nodes", s.handleGet)
		r.Delete("/nodes", s.handleDelete)
		r.Post("/snapshot", s.handleSnapshot)
		r.Post("/internal/raft", s.handleRaft)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding response", "error", err)
	}
}

func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) bool {
	if s.node.IsLeader() {
		return false
	}

	leaderAddr := s.node.LeaderAddr()
	if leaderAddr == "" || leaderAddr == s.URL {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(dberrors.ErrNotLeader.Error()))
		return true
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.logger.Error("failed to join leader path", "leader", leaderAddr, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("failed to build leader URL"))
		return true
	}
	if r.URL.RawQuery != "" {
		leaderURL += "?" + r.URL.RawQuery
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrSystemLocked):
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrNotLeader),
		errors.Is(err, dberrors.ErrNoLongerLeading),
		errors.Is(err, dberrors.ErrNotActive):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	resp := NewErrorResponse(err.Error())
	resp.LeaderID = uint64(s.node.LeaderID())
	s.writeJSON(w, status, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, req hydra.MutationRequest) {
	if s.redirectLeader(w, r) {
		return
	}

	resp, err := s.node.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := metamap.DecodeResult(resp.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Error != "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(res.Error))
		return
	}
	s.writeJSON(w, http.StatusOK, NewResultResponse(res))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}

	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("failed to read body"))
		return
	}
	if len(value) > maxValueSize {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse("value too large"))
		return
	}

	s.execute(w, r, hydra.MutationRequest{
		Type: metamap.TypeSet,
		Data: metamap.EncodeSet(key, value),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("missing key"))
		return
	}

	s.execute(w, r, hydra.MutationRequest{
		Type: metamap.TypeRemove,
		Data: metamap.EncodeRemove(key),
	})
}

// handleGet reads from the local replica. Without a key it lists entries
// under the prefix query parameter.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if key := q.Get("key"); key != "" {
		e, ok := s.state.Get(key)
		if !ok {
			s.writeJSON(w, http.StatusNotFound, NewErrorResponse("key not found"))
			return
		}
		s.writeJSON(w, http.StatusOK, NewNodeResponse(e))
		return
	}

	limit := defaultListSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("bad limit"))
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, NewNodesResponse(s.state.List(q.Get("prefix"), limit)))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.redirectLeader(w, r) {
		return
	}

	params, err := s.node.BuildSnapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, params)
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRaftMsgSize))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	var msg raftpb.Message
	if err := msg.Unmarshal(body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
