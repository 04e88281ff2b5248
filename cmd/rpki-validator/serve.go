package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/relyingparty/rpki-validator/internal/config"
	"github.com/relyingparty/rpki-validator/internal/daemon"
	"github.com/relyingparty/rpki-validator/internal/logging"
	"github.com/relyingparty/rpki-validator/internal/metrics"
	"github.com/relyingparty/rpki-validator/internal/publish"
	"github.com/relyingparty/rpki-validator/internal/runner"
	"github.com/relyingparty/rpki-validator/internal/vrp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the validation cycle daemon, publishing VRP table deltas",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log := logging.NewProductionAtLevel(cfg.LogLevel)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, log)

	runnerCfg, err := buildRunnerConfig(cfg)
	if err != nil {
		return err
	}

	collectors := metrics.New()
	reg := prometheus.NewRegistry()
	collectors.MustRegister(reg)

	pub := publish.New()
	runCycle := func(ctx context.Context, table *vrp.Table) error {
		err := runner.RunAll(ctx, runnerCfg, table)
		collectors.VRPCount.Set(float64(table.Len()))
		collectors.RouterKeyCount.Set(float64(len(table.RouterKeys())))
		return err
	}
	d := daemon.New(runCycle, pub, cfg.ValidationInterval)
	d.FallbackToLocalCache = cfg.FallbackToLocalCache

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close() //nolint:errcheck

		log.Infow("metrics endpoint listening", "addr", cfg.MetricsAddr)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "serving validation cycles from %s every %s\n", cfg.TALDir, cfg.ValidationInterval)
	d.Run(ctx)
	return nil
}
