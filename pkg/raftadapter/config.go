package raftadapter

import (
	"fmt"
	"log/slog"
	"os"

	"go.etcd.io/etcd/raft/v3"

	"metastate/pkg/config"
)

func toRaftConfig(c *config.RaftConfig, id uint64, logger *slog.Logger) *raft.Config {
	return &raft.Config{
		ID:                        id,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
		// Entries are numbered by the leader's automaton before they are
		// proposed, so a follower must never propose on its behalf.
		DisableProposalForwarding: true,
		Logger:                    raftLogger{logger: logger.With("component", "etcd-raft")},
	}
}

// raftLogger routes etcd raft logging to slog.
type raftLogger struct {
	logger *slog.Logger
}

func (l raftLogger) Debug(v ...any)                 { l.logger.Debug(fmt.Sprint(v...)) }
func (l raftLogger) Debugf(format string, v ...any) { l.logger.Debug(fmt.Sprintf(format, v...)) }
func (l raftLogger) Info(v ...any)                  { l.logger.Info(fmt.Sprint(v...)) }
func (l raftLogger) Infof(format string, v ...any)  { l.logger.Info(fmt.Sprintf(format, v...)) }
func (l raftLogger) Warning(v ...any)               { l.logger.Warn(fmt.Sprint(v...)) }
func (l raftLogger) Warningf(format string, v ...any) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}
func (l raftLogger) Error(v ...any)                 { l.logger.Error(fmt.Sprint(v...)) }
func (l raftLogger) Errorf(format string, v ...any) { l.logger.Error(fmt.Sprintf(format, v...)) }

func (l raftLogger) Fatal(v ...any) {
	l.logger.Error(fmt.Sprint(v...))
	os.Exit(1)
}

func (l raftLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (l raftLogger) Panic(v ...any) {
	msg := fmt.Sprint(v...)
	l.logger.Error(msg)
	panic(msg)
}

func (l raftLogger) Panicf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	l.logger.Error(msg)
	panic(msg)
}
