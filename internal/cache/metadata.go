package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	kio "github.com/tradeforge/klinefeed/internal/io"
	"github.com/tradeforge/klinefeed/internal/market"
)

// Key identifies one cached series. Its parts mirror the on-disk layout so
// a key maps directly to a directory.
type Key struct {
	Provider string
	Market   market.MarketType
	Chart    market.ChartType
	Symbol   string
	Interval market.Interval
}

// NewKey normalizes the symbol for the market and returns the series key.
func NewKey(provider string, m market.MarketType, c market.ChartType, symbol string, iv market.Interval) Key {
	return Key{
		Provider: provider,
		Market:   m,
		Chart:    c,
		Symbol:   m.NormalizeSymbol(symbol),
		Interval: iv,
	}
}

// Validate rejects keys that would produce a malformed path.
func (k Key) Validate() error {
	if k.Provider == "" || strings.ContainsAny(k.Provider, "/\\") {
		return fmt.Errorf("invalid provider %q", k.Provider)
	}
	if !k.Market.Valid() {
		return fmt.Errorf("invalid market type %q", k.Market)
	}
	if !k.Chart.Valid() {
		return fmt.Errorf("invalid chart type %q", k.Chart)
	}
	if k.Symbol == "" || strings.ContainsAny(k.Symbol, "/\\ ") {
		return fmt.Errorf("invalid symbol %q", k.Symbol)
	}
	if !k.Interval.Valid() {
		return fmt.Errorf("invalid interval %q", k.Interval)
	}
	return nil
}

// String renders the key in path order, used in metadata and logs.
func (k Key) String() string {
	return strings.Join([]string{
		k.Provider, string(k.Market), string(k.Chart), k.Symbol, string(k.Interval),
	}, "/")
}

// ParseKey is the inverse of String, for tooling that walks metadata.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return Key{}, fmt.Errorf("malformed key %q", s)
	}
	k := Key{
		Provider: parts[0],
		Market:   market.MarketType(parts[1]),
		Chart:    market.ChartType(parts[2]),
		Symbol:   parts[3],
		Interval: market.Interval(parts[4]),
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func (k Key) dir(root string) string {
	return filepath.Join(root, "data", k.Provider, string(k.Market),
		string(k.Chart), "daily", k.Symbol, string(k.Interval))
}

func (k Key) filePath(root string, day time.Time) string {
	return filepath.Join(k.dir(root), DayName(day)+".klf")
}

func entryID(k Key, day time.Time) string {
	return k.String() + "@" + DayName(day)
}

// Entry is the metadata record for one cached day file.
type Entry struct {
	Key       string    `json:"key"`
	Day       string    `json:"day"`
	Rows      int       `json:"rows"`
	Digest    string    `json:"digest"`
	WrittenAt time.Time `json:"written_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry's TTL has passed. A zero ExpiresAt
// means the day is historical and never expires.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func (e Entry) id() string { return e.Key + "@" + e.Day }

const metadataVersion = 1

type metadataFile struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// loadMetadata reads the metadata file into an id-keyed map. A missing
// file yields an empty map; a malformed one is an error so the store can
// decide to start fresh.
func loadMetadata(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, err
	}

	var mf metadataFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	meta := make(map[string]Entry, len(mf.Entries))
	for _, e := range mf.Entries {
		meta[e.id()] = e
	}
	return meta, nil
}

// persistMetadata writes the map back atomically with entries in a stable
// order so repeated persists of the same state are byte-identical.
func persistMetadata(path string, meta map[string]Entry) error {
	mf := metadataFile{Version: metadataVersion, Entries: make([]Entry, 0, len(meta))}
	for _, e := range meta {
		mf.Entries = append(mf.Entries, e)
	}
	sort.Slice(mf.Entries, func(i, j int) bool {
		if mf.Entries[i].Key != mf.Entries[j].Key {
			return mf.Entries[i].Key < mf.Entries[j].Key
		}
		return mf.Entries[i].Day < mf.Entries[j].Day
	})
	return kio.WriteJSONAtomic(path, mf)
}
