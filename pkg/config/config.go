package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration of a metastate peer.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	Cell      CellConfig      `yaml:"cell" validate:"required"`
	Raft      RaftConfig      `yaml:"raft" validate:"required"`
	Hydra     HydraConfig     `yaml:"hydra" validate:"required"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"required"`
}

type CellConfig struct {
	// ID is a UUID shared by every peer of the cell; empty means generate.
	ID     string `yaml:"id"`
	PeerID uint64 `yaml:"peer_id" validate:"required,min=1"`
}

type RaftConfig struct {
	ID                        uint64           `yaml:"-"`
	TickInterval              time.Duration    `yaml:"tick_interval" validate:"required"`
	ElectionTick              int              `yaml:"election_tick" validate:"required,min=1"`
	HeartbeatTick             int              `yaml:"heartbeat_tick" validate:"required,min=1"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs" validate:"required,min=1"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	ProposeTimeout            time.Duration    `yaml:"propose_timeout" validate:"required"`
	CommitRetryBackoff        time.Duration    `yaml:"commit_retry_backoff" validate:"required"`
	Peers                     []RaftPeerConfig `yaml:"peers" validate:"required,min=1"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required,min=1"`
	Address string `yaml:"address" validate:"required"`
}

type HydraConfig struct {
	DataDir                 string        `yaml:"data_dir" validate:"required"`
	SnapshotCodec           string        `yaml:"snapshot_codec" validate:"oneof=none gzip zstd"`
	SnapshotBuildTimeout    time.Duration `yaml:"snapshot_build_timeout" validate:"required"`
	MaxChangelogRecordCount uint64        `yaml:"max_changelog_record_count"`
	MaxChangelogDataSize    int64         `yaml:"max_changelog_data_size"`
	SystemLockSpinThreshold int           `yaml:"system_lock_spin_threshold"`
	SystemLockBackoff       time.Duration `yaml:"system_lock_backoff"`
}

// ZooKeeperConfig enables peer registration when Servers is not empty.
type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

func (z ZooKeeperConfig) Enabled() bool {
	return len(z.Servers) > 0
}

// Default returns a baseline single-peer development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Cell: CellConfig{
			PeerID: 1,
		},
		Raft: RaftConfig{
			TickInterval:              100 * time.Millisecond,
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1 << 20,
			MaxCommittedSizePerReady:  64 << 20,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			ProposeTimeout:            5 * time.Second,
			CommitRetryBackoff:        5 * time.Millisecond,
			Peers: []RaftPeerConfig{
				{ID: 1, Address: "http://127.0.0.1:8080"},
			},
		},
		Hydra: HydraConfig{
			DataDir:                 "./data",
			SnapshotCodec:           "zstd",
			SnapshotBuildTimeout:    5 * time.Minute,
			MaxChangelogRecordCount: 100_000,
			MaxChangelogDataSize:    256 << 20,
			SystemLockSpinThreshold: 1000,
			SystemLockBackoff:       50 * time.Microsecond,
		},
		ZooKeeper: ZooKeeperConfig{
			Root:           "/metastate",
			SessionTimeout: 5 * time.Second,
		},
	}
}

// Load reads a YAML file over Default(). A missing file yields the defaults.
func Load(path string) (Config, bool, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, true, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level: unknown level %q", c.Logger.Level))
	}
	check(c.Server.Addr != "", "http-server.addr is required")
	check(c.Cell.PeerID != 0, "cell.peer_id is required")
	check(c.Raft.TickInterval > 0, "raft.tick_interval must be positive")
	check(c.Raft.ElectionTick > c.Raft.HeartbeatTick, "raft.election_tick must exceed raft.heartbeat_tick")
	check(c.Raft.HeartbeatTick > 0, "raft.heartbeat_tick must be positive")
	check(c.Raft.MaxInflightMsgs > 0, "raft.max_inflight_msgs must be positive")
	check(c.Raft.ProposeTimeout > 0, "raft.propose_timeout must be positive")
	check(len(c.Raft.Peers) > 0, "raft.peers must not be empty")

	self := false
	seen := make(map[uint64]bool, len(c.Raft.Peers))
	for _, p := range c.Raft.Peers {
		check(p.ID != 0, "raft.peers: peer id is required")
		check(p.Address != "", "raft.peers: peer %d has no address", p.ID)
		check(!seen[p.ID], "raft.peers: duplicate peer %d", p.ID)
		seen[p.ID] = true
		self = self || p.ID == c.Cell.PeerID
	}
	check(self, "raft.peers must include cell.peer_id %d", c.Cell.PeerID)

	check(c.Hydra.DataDir != "", "hydra.data_dir is required")
	switch c.Hydra.SnapshotCodec {
	case "", "none", "gzip", "zstd":
	default:
		errs = append(errs, fmt.Errorf("hydra.snapshot_codec: unknown codec %q", c.Hydra.SnapshotCodec))
	}
	check(c.Hydra.SnapshotBuildTimeout > 0, "hydra.snapshot_build_timeout must be positive")

	return errors.Join(errs...)
}
