package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradeforge/klinefeed/internal/engine"
	"github.com/tradeforge/klinefeed/internal/infrastructure/db"
	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/ops"
	"github.com/tradeforge/klinefeed/internal/persistence"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops server and background cache sweeper",
		Long: `Starts the operational HTTP server (health, stats, cache inventory,
Prometheus metrics) and the periodic cache janitor. Optionally prefetches
recent history for a set of symbols so first queries land on disk.`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (overrides ops.addr from config)")
	cmd.Flags().StringSlice("warm", nil, "Symbols to prefetch on startup")
	cmd.Flags().String("warm-interval", "1h", "Interval for startup prefetch")
	cmd.Flags().Int("warm-days", 7, "Days of history to prefetch per symbol")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Ops.Addr = addr
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Ops.SweepIntervalMins > 0 {
		rt.store.StartSweeper(ctx, time.Duration(cfg.Ops.SweepIntervalMins)*time.Minute)
	}

	// The sink is advisory here: serve keeps running when Postgres is down,
	// the health endpoint just reports degraded or omits it.
	var sink persistence.HealthChecker
	if cfg.Sink.DSN != "" {
		dbCfg := db.DefaultConfig()
		dbCfg.DSN = cfg.Sink.DSN
		if cfg.Sink.TimeoutMS > 0 {
			dbCfg.QueryTimeout = time.Duration(cfg.Sink.TimeoutMS) * time.Millisecond
		}
		mgr, err := db.NewManager(dbCfg)
		if err != nil {
			log.Warn().Err(err).Msg("Sink unreachable, serving without it")
		} else {
			sink = mgr.Health()
			defer mgr.Close()
		}
	}

	srvCfg := ops.DefaultServerConfig()
	if cfg.Ops.Addr != "" {
		srvCfg.Addr = cfg.Ops.Addr
	}
	srv := ops.NewServer(srvCfg, rt.eng, rt.store, rt.reg, sink)

	if warm, _ := cmd.Flags().GetStringSlice("warm"); len(warm) > 0 {
		go warmCache(ctx, rt, cmd, warm)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("ops server failed: %w", err)
	}

	grace := time.Duration(cfg.Ops.ShutdownGraceSecs) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// warmCache prefetches recent spot history for each symbol. Failures are
// logged and skipped; warmup never blocks serving.
func warmCache(ctx context.Context, rt *runtime, cmd *cobra.Command, symbols []string) {
	ivStr, _ := cmd.Flags().GetString("warm-interval")
	days, _ := cmd.Flags().GetInt("warm-days")

	iv, err := market.ParseInterval(ivStr)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid --warm-interval, skipping warmup")
		return
	}
	if days <= 0 {
		return
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -days)

	for _, sym := range symbols {
		q := engine.Query{
			Symbol:   sym,
			Market:   market.MarketSpot,
			Chart:    market.ChartKlines,
			Interval: iv,
			Start:    start,
			End:      end,
		}
		n, err := rt.eng.Prefetch(ctx, q)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Warmup prefetch failed")
			continue
		}
		log.Info().Str("symbol", sym).Int("rows", n).Msg("Warmup prefetch complete")
	}
}
