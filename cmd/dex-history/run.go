package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/dex-history/internal/alert"
	"github.com/devblac/dex-history/internal/api"
	"github.com/devblac/dex-history/internal/config"
	"github.com/devblac/dex-history/internal/engine"
	"github.com/devblac/dex-history/internal/health"
	"github.com/devblac/dex-history/internal/ledger"
	"github.com/devblac/dex-history/internal/metrics"
	"github.com/devblac/dex-history/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagListen  string
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Synchronize once and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Evaluate alerts without sending to sinks")
	runCmd.Flags().StringVar(&flagListen, "listen", ":8080", "Presentation API address (empty disables)")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8081)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep the event history in sync and serve it",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		client, closeLedger, err := openLedger(cfg, log)
		if err != nil {
			return err
		}
		defer closeLedger()

		eng := engine.New(client, engineConfig(cfg), log, mtr)

		var store *storage.Store
		if cfg.Global.ArchivePath != "" {
			store, err = storage.Open(cfg.Global.ArchivePath)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer store.Close()
			eng.OnMerged(func(ctx context.Context, events []ledger.Event) {
				n, err := store.SaveEvents(ctx, events)
				if err != nil {
					log.Error("archive events", "error", err)
					return
				}
				log.Debug("events archived", "count", n)
			})
		}

		if len(cfg.Alerts) > 0 {
			sinks, err := alert.BuildSinks(cfg.Sinks)
			if err != nil {
				return err
			}
			opts := alert.Options{
				Decimals: cfg.Ledger.TokenDecimals,
				DryRun:   flagDryRun,
				Logger:   log,
				Metrics:  mtr,
			}
			if store != nil {
				opts.Journal = store
			}
			dispatcher, err := alert.NewDispatcher(cfg.Alerts, sinks, opts)
			if err != nil {
				return err
			}
			eng.OnMerged(dispatcher.Listener())
		}

		if flagOnce {
			eng.Synchronize(ctx, cfg.Sync.MinResultCount, true)
			return reportStatus(cmd, eng.Status())
		}

		var shutdowns []func(context.Context) error

		if flagListen != "" {
			srv := api.NewServer(flagListen, eng, api.Options{
				Account:  cfg.Ledger.Account,
				Decimals: cfg.Ledger.TokenDecimals,
				Logger:   log,
			})
			eng.OnMerged(srv.Listener())
			go func() {
				if err := srv.Start(); err != nil {
					log.Error("api server error", "error", err)
				}
			}()
			shutdowns = append(shutdowns, srv.Shutdown)
			log.Info("api listening", "addr", flagListen)
		}

		if flagHealth != "" {
			checker := health.Checker{
				RPCPing: health.LedgerPing(client),
				Sync: func() error {
					if st := eng.Status(); st.Error != nil {
						return st.Error
					}
					return nil
				},
			}
			if store != nil {
				checker.DBPing = store.Ping
			}
			healthSrv := health.Serve(flagHealth, checker)
			shutdowns = append(shutdowns, func(ctx context.Context) error {
				return health.Shutdown(ctx, healthSrv)
			})
			log.Info("health check enabled", "addr", flagHealth)
		}

		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			metricsSrv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			shutdowns = append(shutdowns, metricsSrv.Shutdown)
		}

		eng.Start(ctx)
		log.Info("sync engine started",
			"dex", cfg.Ledger.DEXAddress,
			"poll_interval", time.Duration(cfg.Sync.PollInterval),
			"dry_run", flagDryRun,
		)

		<-ctx.Done()
		log.Info("shutting down")
		eng.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, fn := range shutdowns {
			if err := fn(shutdownCtx); err != nil {
				log.Warn("shutdown", "error", err)
			}
		}
		return nil
	},
}

func reportStatus(cmd *cobra.Command, st engine.Status) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "synced to block %d, %d events cached\n", st.LastSyncedBlock, st.CachedEvents)
	if st.Error != nil {
		return fmt.Errorf("sync: %w", st.Error)
	}
	return nil
}
