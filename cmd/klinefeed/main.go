package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tradeforge/klinefeed/infra/breakers"
	"github.com/tradeforge/klinefeed/internal/cache"
	"github.com/tradeforge/klinefeed/internal/config"
	"github.com/tradeforge/klinefeed/internal/engine"
	"github.com/tradeforge/klinefeed/internal/infrastructure/httpclient"
	"github.com/tradeforge/klinefeed/internal/metrics"
	"github.com/tradeforge/klinefeed/internal/net/ratelimit"
	"github.com/tradeforge/klinefeed/internal/source"
	"github.com/tradeforge/klinefeed/internal/source/archive"
	"github.com/tradeforge/klinefeed/internal/source/live"
)

const (
	appName = "klinefeed"
	version = "v0.4.1"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Contiguous OHLCV and funding series from cache, archive and live REST",
		Version: version,
		Long: `klinefeed retrieves validated, gap-accounted OHLCV bars and funding rates.

Every window is served by composing three sources: the local day cache,
the bulk archive host, and the paginated live REST API. Missing data
surfaces as gaps in the result, never as silently shortened series.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newFundingCmd())
	rootCmd.AddCommand(newCacheCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig resolves the --config flag into a validated configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// runtime bundles everything a command needs to serve queries.
type runtime struct {
	cfg    *config.Config
	eng    *engine.Engine
	store  *cache.Store
	reg    *metrics.Registry
	hot    *cache.HotTier
	pool   *httpclient.Pool
	arcLim *ratelimit.Limiter
	livLim *ratelimit.Limiter
}

// buildRuntime wires the full retrieval stack from configuration: shared
// HTTP pool, per-host rate limiters, breaker set, day store with optional
// hot tier, both fetchers, router and engine.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	reg := metrics.NewRegistry()

	pool := httpclient.New(httpclient.Config{
		MaxConcurrency: cfg.Archive.MaxConcurrent + cfg.Live.MaxConcurrent,
		RequestTimeout: cfg.Fetch.RequestTimeout(),
		MaxRetries:     cfg.Fetch.RetryMax,
		BackoffBase:    cfg.Fetch.BackoffBase(),
		BackoffMax:     cfg.Fetch.BackoffMax(),
		Jitter:         cfg.Fetch.BackoffJitter,
		UserAgent:      appName + "/" + version,
	})

	arcLim := ratelimit.NewLimiter(float64(cfg.Archive.RPS), cfg.Archive.Burst)
	livLim := ratelimit.NewLimiter(float64(cfg.Live.RPS), cfg.Live.Burst)
	pool.SetRetryAfterHook(func(host string, d time.Duration) {
		arcLim.NotifyRetryAfter(host, d)
		livLim.NotifyRetryAfter(host, d)
	})

	breakerSet := breakers.NewSet()

	var hot *cache.HotTier
	if cfg.Cache.Hot.Enabled {
		hot = cache.NewHotTier(cfg.Cache.Hot.Addr, cfg.Cache.Hot.DB)
	}

	store, err := cache.Open(cfg.Cache.Root, cache.Options{
		Expiry:     cfg.Cache.Expiry(),
		PublishLag: cfg.Archive.PublishLag(),
		Hot:        hot,
		Metrics:    reg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	archiveFetcher := archive.New(archive.Config{
		BaseURL:       cfg.Archive.BaseURL,
		MaxConcurrent: cfg.Archive.MaxConcurrent,
		Pool:          pool,
		Limiter:       arcLim,
		Breakers:      breakerSet,
	})

	liveClient := live.NewClient(live.ClientConfig{
		SpotBaseURL:        cfg.Live.SpotBaseURL,
		FuturesUSDTBaseURL: cfg.Live.FuturesUSDTBaseURL,
		FuturesCoinBaseURL: cfg.Live.FuturesCoinBaseURL,
		Pool:               pool,
		Limiter:            livLim,
		Breakers:           breakerSet,
	})
	liveFetcher := live.NewFetcher(liveClient, live.FetcherConfig{
		ChunkSize:     cfg.Live.ChunkSize,
		MaxChunks:     cfg.Live.RestMaxChunks,
		MaxConcurrent: cfg.Live.MaxConcurrent,
	})

	eng, err := engine.New(engine.Config{
		Provider: cfg.Provider,
		Cache:    store,
		Archive:  archiveFetcher,
		Live:     liveFetcher,
		Router: source.Router{
			PublishLag: cfg.Archive.PublishLag(),
			ChunkSize:  cfg.Live.ChunkSize,
			MaxChunks:  cfg.Live.RestMaxChunks,
		},
		Metrics:         reg,
		MaxConcurrent:   cfg.Fetch.MaxConcurrent,
		OverallDeadline: cfg.Fetch.OverallDeadline(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build engine: %w", err)
	}

	return &runtime{
		cfg:    cfg,
		eng:    eng,
		store:  store,
		reg:    reg,
		hot:    hot,
		pool:   pool,
		arcLim: arcLim,
		livLim: livLim,
	}, nil
}
