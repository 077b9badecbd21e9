package cell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"metastate/pkg/types"
)

// Directory publishes peer addresses of a cell in ZooKeeper under
// <root>/cells/<cell id>/peers/<peer id> as ephemeral nodes.
type Directory struct {
	conn   *zk.Conn
	root   string
	logger *slog.Logger
}

func NewDirectory(servers []string, root string, sessionTimeout time.Duration, logger *slog.Logger) (*Directory, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &Directory{
		conn:   conn,
		root:   root,
		logger: logger.With("component", "cell-directory"),
	}, nil
}

func (d *Directory) Close() error {
	d.conn.Close()
	return nil
}

func peersPath(root string, m *Manager) string {
	return path.Join(root, "cells", m.CellID().String(), "peers")
}

func parsePeerNode(name string) (types.PeerID, error) {
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("bad peer node %q", name)
	}
	return types.PeerID(id), nil
}

func (d *Directory) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := d.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = d.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register creates the ephemeral node of the local peer with its address.
func (d *Directory) Register(ctx context.Context, m *Manager) error {
	if err := d.waitConnected(ctx); err != nil {
		return err
	}

	dir := peersPath(d.root, m)
	if err := d.ensurePath(dir); err != nil {
		return fmt.Errorf("ensure peers path: %w", err)
	}

	addr, _ := m.PeerAddress(m.SelfPeerID())
	node := path.Join(dir, strconv.FormatUint(uint64(m.SelfPeerID()), 10))
	_, err := d.conn.Create(node, []byte(addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	d.logger.Info("registered peer", "node", node, "address", addr)
	return nil
}

func (d *Directory) readPeers(dir string, children []string) map[types.PeerID]string {
	out := make(map[types.PeerID]string, len(children))
	for _, name := range children {
		id, err := parsePeerNode(name)
		if err != nil {
			d.logger.Warn("skipping peer node", "name", name, "error", err)
			continue
		}
		data, _, err := d.conn.Get(path.Join(dir, name))
		if err != nil {
			d.logger.Warn("read peer node", "name", name, "error", err)
			continue
		}
		out[id] = string(data)
	}
	return out
}

// Watch keeps m's peer addresses in sync with the directory until ctx ends.
func (d *Directory) Watch(ctx context.Context, m *Manager) error {
	dir := peersPath(d.root, m)
	for {
		children, _, ch, err := d.conn.ChildrenW(dir)
		if err != nil {
			d.logger.Warn("watch peers", "error", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		if n := m.UpdateAddresses(d.readPeers(dir, children)); n > 0 {
			d.logger.Info("peer addresses updated", "changed", n)
		}

		select {
		case ev := <-ch:
			d.logger.Debug("peers changed", "event", ev.Type.String())
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Directory) waitConnected(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := d.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		case <-ticker.C:
		}
	}
}
