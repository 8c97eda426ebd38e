package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradeforge/klinefeed/internal/infrastructure/db"
	klog "github.com/tradeforge/klinefeed/internal/log"
	"github.com/tradeforge/klinefeed/internal/market"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Fetch a window and upsert it into the Postgres sink",
		Long: `Runs the same retrieval as fetch, then writes the frame into the
configured Postgres sink. The upsert is idempotent: re-exporting an
overlapping window updates rows in place.`,
		RunE: runExport,
	}
	addQueryFlags(cmd, "spot")
	cmd.Flags().String("interval", "1h", "Bar interval (1m..1M)")
	cmd.Flags().String("chart", "klines", "Chart type (klines|funding_rate)")
	cmd.Flags().String("dsn", "", "Postgres DSN (overrides sink.dsn from config)")
	cmd.Flags().Bool("init", false, "Apply the sink schema before writing")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	chartStr, _ := cmd.Flags().GetString("chart")
	chart, err := market.ParseChartType(chartStr)
	if err != nil {
		return err
	}

	q, err := queryFromFlags(cmd, chart)
	if err != nil {
		return err
	}

	dsn, _ := cmd.Flags().GetString("dsn")
	if dsn == "" {
		dsn = cfg.Sink.DSN
	}
	if dsn == "" {
		return fmt.Errorf("no sink configured: pass --dsn or set sink.dsn")
	}

	dbCfg := db.DefaultConfig()
	dbCfg.DSN = dsn
	if cfg.Sink.TimeoutMS > 0 {
		dbCfg.QueryTimeout = time.Duration(cfg.Sink.TimeoutMS) * time.Millisecond
	}

	mgr, err := db.NewManager(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to sink: %w", err)
	}
	defer mgr.Close()

	ctx := context.Background()

	if initSchema, _ := cmd.Flags().GetBool("init"); initSchema {
		if err := mgr.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to apply sink schema: %w", err)
		}
		log.Info().Msg("Sink schema applied")
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}

	spin := klog.NewSpinner(fmt.Sprintf("Exporting %s %s", q.Symbol, q.Market))
	spin.Start()
	res, err := rt.eng.Get(ctx, q)
	if err != nil {
		spin.Fail(err.Error())
		return fmt.Errorf("fetch failed: %w", err)
	}

	var written int64
	switch chart {
	case market.ChartFundingRate:
		written, err = mgr.Repository().Funding.UpsertFrame(ctx, res.Funding)
	default:
		written, err = mgr.Repository().Bars.UpsertFrame(ctx, res.Frame)
	}
	if err != nil {
		spin.Fail(err.Error())
		return fmt.Errorf("failed to upsert into sink: %w", err)
	}
	spin.Stopf("%d rows", written)

	fmt.Printf("Exported %d rows for %s %s\n", written, q.Symbol, q.Market)
	printResultTail(res, "")
	return nil
}
