package raftadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"metastate/pkg/types"
)

const (
	RaftEndpoint     = "/api/internal/raft"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// Transport delivers raft messages to other peers.
type Transport interface {
	Send(msg raftpb.Message) error
}

// AddressBook resolves peer ids to base URLs.
type AddressBook interface {
	PeerAddress(id types.PeerID) (string, bool)
}

// HTTPTransport posts protobuf encoded raft messages to RaftEndpoint of the
// target peer.
type HTTPTransport struct {
	peers      AddressBook
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPTransport(peers AddressBook, logger *slog.Logger) *HTTPTransport {
	return &HTTPTransport{
		peers: peers,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
		logger: logger.With("component", "raft-transport"),
	}
}

func (t *HTTPTransport) Send(msg raftpb.Message) error {
	targetAddr, ok := t.peers.PeerAddress(types.PeerID(msg.To))
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	url := targetAddr + RaftEndpoint

	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := t.sendHTTP(url, body); err != nil {
			lastErr = err
			t.logger.Debug("failed to send raft message, retrying",
				"attempt", attempt+1,
				"to", msg.To,
				"type", msg.Type,
				"error", err)
			time.Sleep(retryDelay * time.Duration(attempt+1))
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to send after %d retries: %w", maxRetries, lastErr)
}

func (t *HTTPTransport) sendHTTP(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-protobuf")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}
