package archive

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/tradeforge/klinefeed/internal/market"
)

// Archive files are ZIPs holding exactly one CSV. Some vintages carry a
// header row, some do not, and the column names drifted over the years;
// the canonical schema's alias table absorbs all of it.

// ExtractKlines parses the CSV inside a daily kline ZIP into bars, in
// file order.
func ExtractKlines(zipData []byte, iv market.Interval) ([]market.Bar, error) {
	rows, err := csvRows(zipData)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	idx := market.DefaultKlineIndex()
	if market.IsHeaderRow(rows[0]) {
		idx = market.ColumnIndex(rows[0])
		rows = rows[1:]
	}

	bars := make([]market.Bar, 0, len(rows))
	for i, row := range rows {
		b, err := market.ParseKlineCSV(row, idx, iv)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// ExtractFunding parses the CSV inside a monthly funding ZIP.
func ExtractFunding(zipData []byte, symbol string) ([]market.FundingRecord, error) {
	rows, err := csvRows(zipData)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	idx := market.DefaultFundingIndex()
	if market.IsHeaderRow(rows[0]) {
		idx = market.ColumnIndex(rows[0])
		rows = rows[1:]
	}

	recs := make([]market.FundingRecord, 0, len(rows))
	for i, row := range rows {
		r, err := market.ParseFundingCSV(row, idx, symbol)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// csvRows opens the ZIP and reads every record of its first CSV member.
func csvRows(zipData []byte) ([][]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	var member *zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			member = f
			break
		}
	}
	if member == nil {
		return nil, fmt.Errorf("zip has no csv member")
	}

	rc, err := member.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", member.Name, err)
	}
	defer rc.Close()

	cr := csv.NewReader(rc)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	var rows [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", member.Name, err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// VerifyChecksum checks zip bytes against a .CHECKSUM sidecar body, whose
// first field is the expected sha256 in hex.
func VerifyChecksum(zipData []byte, sidecar []byte) error {
	fields := strings.Fields(string(sidecar))
	if len(fields) == 0 {
		return nil
	}
	want := strings.ToLower(fields[0])
	sum := sha256.Sum256(zipData)
	if got := hex.EncodeToString(sum[:]); got != want {
		return fmt.Errorf("checksum mismatch: file %s, sidecar %s", got, want)
	}
	return nil
}
