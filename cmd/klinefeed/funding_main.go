package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tradeforge/klinefeed/internal/engine"
	klog "github.com/tradeforge/klinefeed/internal/log"
	"github.com/tradeforge/klinefeed/internal/market"
)

func newFundingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "funding",
		Short: "Fetch a window of funding rates",
		Long:  "Retrieves the 8h funding-rate series for one perpetual symbol. Spot has no funding; the market defaults to futures_usdt.",
		RunE:  runFunding,
	}

	addQueryFlags(cmd, "futures_usdt")
	addOutputFlags(cmd)
	return cmd
}

func runFunding(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	q, err := queryFromFlags(cmd, market.ChartFundingRate)
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

	spin := klog.NewSpinner(fmt.Sprintf("Fetching %s %s funding", q.Symbol, q.Market))
	spin.Start()
	res, err := rt.eng.Get(context.Background(), q)
	if err != nil {
		spin.Fail(err.Error())
		return fmt.Errorf("funding fetch failed: %w", err)
	}
	spin.Stopf("%d rates", res.Funding.Len())

	format, _ := cmd.Flags().GetString("format")
	out, _ := cmd.Flags().GetString("out")
	if err := writeFunding(out, format, prec, res); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	f := res.Funding
	fmt.Printf("Fetched %d funding rates for %s %s\n", f.Len(), f.Symbol, f.Market)
	if f.Len() > 0 {
		fmt.Printf("Window: %s .. %s\n",
			f.Records[0].FundingTime.Format(time.RFC3339),
			f.Records[f.Len()-1].FundingTime.Format(time.RFC3339))
	}
	printResultTail(res, out)
	return nil
}

func writeFunding(path, format string, prec market.Precision, res *engine.Result) error {
	var lines [][]byte
	var err error

	switch format {
	case "csv":
		lines = fundingCSVLines(prec, res)
	case "jsonl":
		lines, err = fundingJSONLines(prec, res)
	default:
		return fmt.Errorf("unsupported format %q (want csv or jsonl)", format)
	}
	if err != nil {
		return err
	}

	return writeLines(path, lines)
}

func fundingCSVLines(prec market.Precision, res *engine.Result) [][]byte {
	header := make([]string, len(market.FundingColumns))
	copy(header, market.FundingColumns)
	if res.Provenance != nil {
		header = append(header, "_data_source")
	}

	lines := [][]byte{[]byte(joinCSV(header))}
	for i, rec := range res.Funding.Records {
		row := []string{
			strconv.FormatInt(prec.Render(rec.FundingTime), 10),
			formatFloat(rec.FundingRate),
			formatFloat(rec.MarkPrice),
		}
		if res.Provenance != nil {
			row = append(row, res.Provenance[i].String())
		}
		lines = append(lines, []byte(joinCSV(row)))
	}
	return lines
}

func fundingJSONLines(prec market.Precision, res *engine.Result) ([][]byte, error) {
	type renderedRate struct {
		FundingTime int64   `json:"funding_time"`
		FundingRate float64 `json:"funding_rate"`
		MarkPrice   float64 `json:"mark_price,omitempty"`
		Symbol      string  `json:"symbol"`
		Source      string  `json:"_data_source,omitempty"`
	}

	lines := make([][]byte, 0, len(res.Funding.Records))
	for i, rec := range res.Funding.Records {
		rr := renderedRate{
			FundingTime: prec.Render(rec.FundingTime),
			FundingRate: rec.FundingRate,
			MarkPrice:   rec.MarkPrice,
			Symbol:      res.Funding.Symbol,
		}
		if res.Provenance != nil {
			rr.Source = res.Provenance[i].String()
		}
		data, err := json.Marshal(rr)
		if err != nil {
			return nil, err
		}
		lines = append(lines, data)
	}
	return lines, nil
}
