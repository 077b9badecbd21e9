package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"metastate/internal/http"
	"metastate/pkg/cell"
	"metastate/pkg/changelog"
	"metastate/pkg/compression"
	"metastate/pkg/config"
	"metastate/pkg/hydra"
	"metastate/pkg/metamap"
	"metastate/pkg/metrics"
	"metastate/pkg/raftadapter"
	"metastate/pkg/record"
	"metastate/pkg/snapshot"
	"metastate/pkg/types"
)

func main() {
	root := &cobra.Command{
		Use:           "metastate",
		Short:         "Replicated metadata state machine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newChangelogCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a peer of the cell",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := initConfig(configPath)
			if err != nil {
				return err
			}
			logger := initLogger(&cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config (env METASTATE_CONFIG)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	changelogs, err := changelog.NewFileStore(filepath.Join(cfg.Hydra.DataDir, "changelogs"), logger)
	if err != nil {
		return err
	}
	defer changelogs.Close()

	codec, err := compression.ParseCodec(cfg.Hydra.SnapshotCodec)
	if err != nil {
		return err
	}
	snapshots, err := snapshot.OpenBoltStore(filepath.Join(cfg.Hydra.DataDir, "snapshots.db"), codec, logger)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hm, err := metrics.NewHydra(reg)
	if err != nil {
		return err
	}

	peers := make(map[types.PeerID]string, len(cfg.Raft.Peers))
	for _, p := range cfg.Raft.Peers {
		peers[types.PeerID(p.ID)] = p.Address
	}
	cells, err := cell.NewManager(cfg.Cell.ID, types.PeerID(cfg.Cell.PeerID), peers)
	if err != nil {
		return err
	}
	logger = logger.With("cell", cells.CellID().String(), "peer", cfg.Cell.PeerID)

	var directory *cell.Directory
	if cfg.ZooKeeper.Enabled() {
		directory, err = cell.NewDirectory(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, cfg.ZooKeeper.SessionTimeout, logger)
		if err != nil {
			return err
		}
		defer directory.Close()
		if err := directory.Register(ctx, cells); err != nil {
			return err
		}
	}

	state := metamap.New(logger)
	automaton, err := hydra.New(hydra.Options{
		Automaton:               state,
		Cell:                    cells,
		ChangelogStore:          changelogs,
		SnapshotStore:           snapshots,
		Logger:                  logger,
		Metrics:                 hm,
		SnapshotBuildTimeout:    cfg.Hydra.SnapshotBuildTimeout,
		SystemLockSpinThreshold: cfg.Hydra.SystemLockSpinThreshold,
		SystemLockBackoff:       cfg.Hydra.SystemLockBackoff,
	})
	if err != nil {
		return err
	}
	automaton.Start(ctx)
	defer automaton.Stop()

	node, err := raftadapter.NewNode(raftadapter.Options{
		Raft:                    cfg.Raft,
		Hydra:                   automaton,
		Cell:                    cells,
		Changelogs:              changelogs,
		Logger:                  logger,
		Metrics:                 hm,
		MaxChangelogRecordCount: cfg.Hydra.MaxChangelogRecordCount,
		MaxChangelogDataSize:    cfg.Hydra.MaxChangelogDataSize,
	})
	if err != nil {
		return err
	}
	defer node.Stop()

	server := http.NewServer(cfg.Server, node, state, reg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if directory != nil {
		g.Go(func() error { return directory.Watch(gctx, cells) })
	}

	logger.Info("metastate started", "addr", cfg.Server.Addr, "data_dir", cfg.Hydra.DataDir)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("metastate stopped")
	return err
}

func newChangelogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Inspect changelog segments",
	}

	var (
		dir     string
		segment uint64
	)
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the records of a changelog segment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return dumpChangelog(cmd.Context(), cmd, dir, types.SegmentID(segment))
		},
	}
	dump.Flags().StringVar(&dir, "dir", "./data/changelogs", "changelog directory")
	dump.Flags().Uint64Var(&segment, "segment", 0, "segment id")

	cmd.AddCommand(dump)
	return cmd
}

func dumpChangelog(ctx context.Context, cmd *cobra.Command, dir string, id types.SegmentID) error {
	store, err := changelog.NewFileStore(dir, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer store.Close()

	cl, err := store.OpenChangelog(ctx, id)
	if err != nil {
		return err
	}
	meta, err := record.UnmarshalSegmentMeta(cl.Meta())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "segment=%d records=%d size=%d sealed=%t prev_record_count=%d\n",
		cl.ID(), cl.RecordCount(), cl.DataSize(), cl.IsSealed(), meta.PrevRecordCount)

	recs, err := cl.Read(0, cl.RecordCount())
	if err != nil {
		return err
	}
	for _, rec := range recs {
		h, data, err := record.Decode(rec)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%v type=%s ts=%s seed=%d bytes=%d\n",
			h.Version(), h.MutationType, h.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"), h.RandomSeed, len(data))
	}
	return nil
}
