package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tradeforge/klinefeed/internal/engine"
	kio "github.com/tradeforge/klinefeed/internal/io"
	klog "github.com/tradeforge/klinefeed/internal/log"
	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/source"
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a window of OHLCV bars",
		Long:  "Retrieves a contiguous validated bar series for one symbol and interval, composing cache, archive and live sources.",
		RunE:  runFetch,
	}

	addQueryFlags(cmd, "spot")
	cmd.Flags().String("interval", "1h", "Bar interval (1m..1M)")
	addOutputFlags(cmd)
	return cmd
}

// addQueryFlags registers the window and routing flags shared by fetch,
// funding and export.
func addQueryFlags(cmd *cobra.Command, marketDefault string) {
	cmd.Flags().String("symbol", "", "Trading symbol (required)")
	cmd.Flags().String("market", marketDefault, "Market type (spot|futures_usdt|futures_coin)")
	cmd.Flags().String("start", "", "Window start, RFC3339 or YYYY-MM-DD (required)")
	cmd.Flags().String("end", "", "Window end, RFC3339 or YYYY-MM-DD (required)")
	cmd.Flags().String("enforce", "", "Pin retrieval to one source (cache_only|archive_only|live_only)")
	cmd.Flags().Bool("no-cache", false, "Bypass the local day cache entirely")
	cmd.Flags().Bool("provenance", false, "Attach per-record source tags to the output")
	cmd.Flags().Bool("all-or-nothing", false, "Fail instead of returning a frame with gaps")
	cmd.Flags().Int("deadline-ms", 0, "Overall deadline override in milliseconds")
	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
}

func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("out", "", "Output file (default stdout)")
	cmd.Flags().String("format", "csv", "Output format (csv|jsonl)")
	cmd.Flags().String("precision", "", "Timestamp precision override (ms|us)")
}

// queryFromFlags assembles an engine query; definitive validation happens
// inside the engine so the CLI and library reject identically.
func queryFromFlags(cmd *cobra.Command, chart market.ChartType) (engine.Query, error) {
	symbol, _ := cmd.Flags().GetString("symbol")
	marketStr, _ := cmd.Flags().GetString("market")
	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")
	enforce, _ := cmd.Flags().GetString("enforce")
	noCache, _ := cmd.Flags().GetBool("no-cache")
	provenance, _ := cmd.Flags().GetBool("provenance")
	allOrNothing, _ := cmd.Flags().GetBool("all-or-nothing")
	deadlineMS, _ := cmd.Flags().GetInt("deadline-ms")

	mt, err := market.ParseMarketType(marketStr)
	if err != nil {
		return engine.Query{}, err
	}

	start, err := parseTimeFlag(startStr)
	if err != nil {
		return engine.Query{}, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := parseTimeFlag(endStr)
	if err != nil {
		return engine.Query{}, fmt.Errorf("invalid --end: %w", err)
	}

	q := engine.Query{
		Symbol: symbol,
		Market: mt,
		Chart:  chart,
		Start:  start,
		End:    end,
		Options: engine.Options{
			NoCache:           noCache,
			EnforceSource:     source.Enforce(enforce),
			IncludeProvenance: provenance,
			AllOrNothing:      allOrNothing,
		},
	}

	if chart == market.ChartKlines {
		intervalStr, _ := cmd.Flags().GetString("interval")
		iv, err := market.ParseInterval(intervalStr)
		if err != nil {
			return engine.Query{}, err
		}
		q.Interval = iv
	}

	if deadlineMS > 0 {
		q.Options.OverallDeadline = time.Duration(deadlineMS) * time.Millisecond
	}
	return q, nil
}

// parseTimeFlag accepts RFC3339 instants or bare dates at UTC midnight.
func parseTimeFlag(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

func outputPrecision(cmd *cobra.Command, fallback string) (market.Precision, error) {
	s, _ := cmd.Flags().GetString("precision")
	if s == "" {
		s = fallback
	}
	return market.ParsePrecision(s)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	q, err := queryFromFlags(cmd, market.ChartKlines)
	if err != nil {
		return err
	}

	prec, err := outputPrecision(cmd, cfg.Output.Precision)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}

	spin := klog.NewSpinner(fmt.Sprintf("Fetching %s %s %s", q.Symbol, q.Market, q.Interval))
	spin.Start()
	res, err := rt.eng.Get(context.Background(), q)
	if err != nil {
		spin.Fail(err.Error())
		return fmt.Errorf("fetch failed: %w", err)
	}
	spin.Stopf("%d bars", res.Frame.Len())

	format, _ := cmd.Flags().GetString("format")
	out, _ := cmd.Flags().GetString("out")
	if err := writeKlines(out, format, prec, res); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	printKlineSummary(res, out)
	return nil
}

// writeKlines renders the frame as CSV or JSONL. File output is atomic so
// a failed render never leaves a truncated file behind.
func writeKlines(path, format string, prec market.Precision, res *engine.Result) error {
	var lines [][]byte
	var err error

	switch format {
	case "csv":
		lines, err = klineCSVLines(prec, res)
	case "jsonl":
		lines, err = klineJSONLines(prec, res)
	default:
		return fmt.Errorf("unsupported format %q (want csv or jsonl)", format)
	}
	if err != nil {
		return err
	}

	return writeLines(path, lines)
}

func writeLines(path string, lines [][]byte) error {
	if path == "" || path == "-" {
		w := bufio.NewWriter(os.Stdout)
		for _, l := range lines {
			w.Write(l)
			w.WriteByte('\n')
		}
		return w.Flush()
	}
	return kio.WriteLinesAtomic(path, lines)
}

func klineCSVLines(prec market.Precision, res *engine.Result) ([][]byte, error) {
	header := make([]string, len(market.KlineColumns))
	copy(header, market.KlineColumns)
	if res.Provenance != nil {
		header = append(header, "_data_source")
	}

	lines := [][]byte{[]byte(joinCSV(header))}
	for i, b := range res.Frame.Bars {
		row := []string{
			strconv.FormatInt(prec.Render(b.OpenTime), 10),
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
			strconv.FormatInt(prec.Render(b.CloseTime), 10),
			formatFloat(b.QuoteVolume),
			strconv.FormatUint(b.Trades, 10),
			formatFloat(b.TakerBuyVolume),
			formatFloat(b.TakerBuyQuoteVolume),
		}
		if res.Provenance != nil {
			row = append(row, res.Provenance[i].String())
		}
		lines = append(lines, []byte(joinCSV(row)))
	}
	return lines, nil
}

func klineJSONLines(prec market.Precision, res *engine.Result) ([][]byte, error) {
	type renderedBar struct {
		OpenTime            int64   `json:"open_time"`
		Open                float64 `json:"open"`
		High                float64 `json:"high"`
		Low                 float64 `json:"low"`
		Close               float64 `json:"close"`
		Volume              float64 `json:"volume"`
		CloseTime           int64   `json:"close_time"`
		QuoteVolume         float64 `json:"quote_volume"`
		Trades              uint64  `json:"trades"`
		TakerBuyVolume      float64 `json:"taker_buy_volume"`
		TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume"`
		Source              string  `json:"_data_source,omitempty"`
	}

	lines := make([][]byte, 0, len(res.Frame.Bars))
	for i, b := range res.Frame.Bars {
		rb := renderedBar{
			OpenTime:            prec.Render(b.OpenTime),
			Open:                b.Open,
			High:                b.High,
			Low:                 b.Low,
			Close:               b.Close,
			Volume:              b.Volume,
			CloseTime:           prec.Render(b.CloseTime),
			QuoteVolume:         b.QuoteVolume,
			Trades:              b.Trades,
			TakerBuyVolume:      b.TakerBuyVolume,
			TakerBuyQuoteVolume: b.TakerBuyQuoteVolume,
		}
		if res.Provenance != nil {
			rb.Source = res.Provenance[i].String()
		}
		data, err := json.Marshal(rb)
		if err != nil {
			return nil, err
		}
		lines = append(lines, data)
	}
	return lines, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// joinCSV joins plain numeric/token fields; nothing rendered here needs
// quoting.
func joinCSV(fields []string) string {
	var buf bytes.Buffer
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(f)
	}
	return buf.String()
}

func printKlineSummary(res *engine.Result, out string) {
	f := res.Frame
	fmt.Printf("Fetched %d bars for %s %s %s\n", f.Len(), f.Symbol, f.Market, f.Interval)
	if first, ok := f.First(); ok {
		last, _ := f.Last()
		fmt.Printf("Window: %s .. %s\n",
			first.OpenTime.Format(time.RFC3339), last.OpenTime.Format(time.RFC3339))
	}
	printResultTail(res, out)
}

// printResultTail prints the gap, partial and destination lines shared by
// kline and funding summaries.
func printResultTail(res *engine.Result, out string) {
	if len(res.Gaps) > 0 {
		missing := 0
		for _, g := range res.Gaps {
			missing += g.Missing
		}
		fmt.Printf("Gaps: %d missing records in %d ranges\n", missing, len(res.Gaps))
		for _, g := range res.Gaps {
			log.Debug().
				Time("start", g.Start).
				Time("end", g.End).
				Int("missing", g.Missing).
				Msg("Gap")
		}
	}
	if res.Partial {
		fmt.Println("Partial: the deadline expired before every sub-range finished")
	}
	if out != "" && out != "-" {
		fmt.Printf("Output: %s\n", out)
	}
}
