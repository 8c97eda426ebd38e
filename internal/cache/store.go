// Package cache implements the local day store: one self-describing
// columnar file per symbol, interval, and UTC calendar day, indexed by a
// single JSON metadata file carrying digests and expiries. Reads verify
// the digest and heal on any mismatch, so a hit is always trustworthy and
// every failure mode degrades to a miss.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	kio "github.com/tradeforge/klinefeed/internal/io"
	"github.com/tradeforge/klinefeed/internal/market"
	"github.com/tradeforge/klinefeed/internal/metrics"
)

const (
	metadataName = "metadata.json"
	lockStripes  = 64
)

// Options configures a Store beyond its root directory.
type Options struct {
	// Expiry is the TTL applied to recent-day entries. Zero uses an hour.
	Expiry time.Duration
	// PublishLag is the age past which a day counts as historical and its
	// entry stops expiring. Zero uses 48 hours.
	PublishLag time.Duration
	// Hot is an optional Redis front for recent-day files.
	Hot *HotTier
	// Metrics receives hit/miss/eviction counts when set.
	Metrics *metrics.Registry
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is the on-disk day cache. Safe for concurrent use: reads share,
// writes to one entry serialize on a striped lock, metadata updates
// serialize on the store lock.
type Store struct {
	root       string
	expiry     time.Duration
	publishLag time.Duration
	now        func() time.Time

	mu   sync.RWMutex
	meta map[string]Entry

	locks [lockStripes]sync.Mutex

	hot *HotTier
	reg *metrics.Registry
}

// Open loads or creates a store rooted at dir. A malformed metadata file
// is abandoned: the store starts empty and the sweep reclaims the files.
func Open(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache root cannot be empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	s := &Store{
		root:       dir,
		expiry:     opts.Expiry,
		publishLag: opts.PublishLag,
		now:        opts.Now,
		hot:        opts.Hot,
		reg:        opts.Metrics,
	}
	if s.expiry <= 0 {
		s.expiry = time.Hour
	}
	if s.publishLag <= 0 {
		s.publishLag = 48 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}

	meta, err := loadMetadata(s.metaPath())
	if err != nil {
		log.Warn().Err(err).Str("root", dir).Msg("Cache metadata unreadable, starting empty")
		meta = map[string]Entry{}
	}
	s.meta = meta

	log.Debug().Str("root", dir).Int("entries", len(meta)).Msg("Cache store opened")
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) metaPath() string { return filepath.Join(s.root, metadataName) }

// Get loads one cached day. It returns a payload only when the entry is
// known, unexpired, and its bytes verify against the recorded digest; any
// defect invalidates the entry and reports a miss.
func (s *Store) Get(ctx context.Context, key Key, day time.Time) (*Payload, bool) {
	day = market.DayOf(day)
	id := entryID(key, day)

	s.mu.RLock()
	entry, ok := s.meta[id]
	s.mu.RUnlock()
	if !ok {
		s.miss("disk")
		return nil, false
	}

	now := s.now()
	if entry.Expired(now) {
		s.remove(ctx, key, day, "expired")
		s.miss("disk")
		return nil, false
	}

	// Hot bytes are still held to the metadata digest; a stale or damaged
	// value is dropped and the read falls through to disk.
	if s.hot != nil {
		if data, ok := s.hot.Get(ctx, id); ok {
			if p, err := s.verify(key, day, entry, data); err == nil {
				s.hit("hot")
				return p, true
			}
			s.hot.Del(ctx, id)
		}
	}

	data, err := os.ReadFile(key.filePath(s.root, day))
	if err != nil {
		if os.IsNotExist(err) {
			s.dropEntry(id, "dangling")
		} else {
			log.Warn().Err(err).Str("entry", id).Msg("Cache read failed")
		}
		s.miss("disk")
		return nil, false
	}

	p, err := s.verify(key, day, entry, data)
	if err != nil {
		log.Warn().Err(err).Str("entry", id).Msg("Cache entry failed verification")
		s.remove(ctx, key, day, "corrupt")
		s.miss("disk")
		return nil, false
	}

	if s.hot != nil && !entry.ExpiresAt.IsZero() {
		s.hot.Put(ctx, id, data, entry.ExpiresAt.Sub(now))
	}
	s.hit("disk")
	return p, true
}

// verify decodes data and cross-checks it against both the metadata entry
// and the key it was requested under.
func (s *Store) verify(key Key, day time.Time, entry Entry, data []byte) (*Payload, error) {
	if d := Digest(data); d != entry.Digest {
		return nil, fmt.Errorf("%w: digest %s does not match metadata %s", ErrCorrupt, d, entry.Digest)
	}
	p, err := Decode(data)
	if err != nil {
		return nil, err
	}
	h := p.Header
	if h.Symbol != key.Symbol || h.Market != string(key.Market) ||
		h.Interval != string(key.Interval) || h.Schema != string(key.Chart) ||
		h.Day != DayName(day) || h.Rows != entry.Rows {
		return nil, fmt.Errorf("%w: header identity does not match entry %s", ErrCorrupt, entryID(key, day))
	}
	return p, nil
}

// PutBars writes one calendar day of bars. Bars must be sorted and belong
// to the given day.
func (s *Store) PutBars(ctx context.Context, key Key, day time.Time, bars []market.Bar) error {
	data, err := EncodeKlines(key, market.DayOf(day), bars)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entryID(key, day), err)
	}
	return s.put(ctx, key, market.DayOf(day), data, len(bars))
}

// PutFunding writes one calendar day of funding records.
func (s *Store) PutFunding(ctx context.Context, key Key, day time.Time, recs []market.FundingRecord) error {
	data, err := EncodeFunding(key, market.DayOf(day), recs)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entryID(key, day), err)
	}
	return s.put(ctx, key, market.DayOf(day), data, len(recs))
}

func (s *Store) put(ctx context.Context, key Key, day time.Time, data []byte, rows int) error {
	if err := key.Validate(); err != nil {
		return err
	}
	id := entryID(key, day)

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := kio.WriteFileAtomic(key.filePath(s.root, day), data); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}

	now := s.now()
	entry := Entry{
		Key:       key.String(),
		Day:       DayName(day),
		Rows:      rows,
		Digest:    Digest(data),
		WrittenAt: now,
	}
	if !s.historic(day, now) {
		entry.ExpiresAt = now.Add(s.expiry)
	}

	s.mu.Lock()
	s.meta[id] = entry
	err := persistMetadata(s.metaPath(), s.meta)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist metadata for %s: %w", id, err)
	}

	if s.hot != nil && !entry.ExpiresAt.IsZero() {
		s.hot.Put(ctx, id, data, s.expiry)
	}

	log.Debug().Str("entry", id).Int("rows", rows).
		Bool("expires", !entry.ExpiresAt.IsZero()).Msg("Cache entry written")
	return nil
}

// historic reports whether the day has aged past the publish lag: every
// bar is final and the archive copy is immutable, so the entry never
// expires.
func (s *Store) historic(day time.Time, now time.Time) bool {
	return now.After(market.EndOfDay(day).Add(s.publishLag))
}

// Invalidate removes one day's file and metadata entry.
func (s *Store) Invalidate(ctx context.Context, key Key, day time.Time) error {
	return s.remove(ctx, key, market.DayOf(day), "explicit")
}

func (s *Store) remove(ctx context.Context, key Key, day time.Time, reason string) error {
	id := entryID(key, day)

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(key.filePath(s.root, day)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	s.dropEntry(id, reason)
	if s.hot != nil {
		s.hot.Del(ctx, id)
	}
	return nil
}

func (s *Store) dropEntry(id, reason string) {
	s.mu.Lock()
	_, existed := s.meta[id]
	if existed {
		delete(s.meta, id)
		if err := persistMetadata(s.metaPath(), s.meta); err != nil {
			log.Warn().Err(err).Str("entry", id).Msg("Metadata persist failed after drop")
		}
	}
	s.mu.Unlock()

	if existed {
		s.evict(reason)
		log.Debug().Str("entry", id).Str("reason", reason).Msg("Cache entry dropped")
	}
}

// ListDays returns the known days for a key overlapping [t0, t1], sorted.
func (s *Store) ListDays(key Key, t0, t1 time.Time) []time.Time {
	prefix := key.String() + "@"
	first, last := market.DayOf(t0), market.DayOf(t1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var days []time.Time
	for id, e := range s.meta {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		d, err := ParseDayName(e.Day)
		if err != nil || d.Before(first) || d.After(last) {
			continue
		}
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// Entries snapshots the metadata, sorted by key then day. Used by the CLI
// listing and the ops surface.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.meta))
	for _, e := range s.meta {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Day < out[j].Day
	})
	return out
}

// SweepReport counts what one sweep removed.
type SweepReport struct {
	Expired  int `json:"expired"`
	Corrupt  int `json:"corrupt"`
	Orphans  int `json:"orphans"`
	Dangling int `json:"dangling"`
}

// Total returns the number of removals across all categories.
func (r SweepReport) Total() int {
	return r.Expired + r.Corrupt + r.Orphans + r.Dangling
}

// Sweep removes expired entries, metadata whose file vanished, and files
// no metadata claims. Corruption is detected lazily on Get, not here; the
// sweep only reads directory state.
func (s *Store) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.now()

	s.mu.RLock()
	snapshot := make([]Entry, 0, len(s.meta))
	for _, e := range s.meta {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()

	claimed := make(map[string]bool, len(snapshot))
	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		path, ok := s.pathForEntry(e)
		if !ok {
			s.dropEntry(e.id(), "dangling")
			rep.Dangling++
			continue
		}
		if e.Expired(now) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("entry", e.id()).Msg("Sweep could not remove expired file")
			}
			s.dropEntry(e.id(), "expired")
			rep.Expired++
			continue
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				s.dropEntry(e.id(), "dangling")
				rep.Dangling++
			}
			continue
		}
		claimed[path] = true
	}

	dataRoot := filepath.Join(s.root, "data")
	err := filepath.WalkDir(dataRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || filepath.Ext(path) != ".klf" || claimed[path] {
			return nil
		}
		if rerr := os.Remove(path); rerr != nil {
			log.Warn().Err(rerr).Str("path", path).Msg("Sweep could not remove orphan")
			return nil
		}
		s.evict("orphan")
		rep.Orphans++
		return nil
	})
	if err != nil {
		return rep, err
	}

	if rep.Total() > 0 {
		log.Info().Int("expired", rep.Expired).Int("orphans", rep.Orphans).
			Int("dangling", rep.Dangling).Msg("Cache sweep finished")
	}
	return rep, nil
}

// StartSweeper runs Sweep on a ticker until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Minute
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("Cache sweep failed")
				}
			}
		}
	}()
}

// Stats summarizes the store for the ops surface.
type Stats struct {
	Root    string `json:"root"`
	Entries int    `json:"entries"`
	Series  int    `json:"series"`
	Expired int    `json:"expired"`
	Bytes   int64  `json:"bytes"`
}

// Stats walks the metadata and sums live file sizes.
func (s *Store) Stats() Stats {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Root: s.root, Entries: len(s.meta)}
	series := make(map[string]bool)
	for _, e := range s.meta {
		series[e.Key] = true
		if e.Expired(now) {
			st.Expired++
		}
		if path, ok := s.pathForEntry(e); ok {
			if fi, err := os.Stat(path); err == nil {
				st.Bytes += fi.Size()
			}
		}
	}
	st.Series = len(series)
	return st
}

// pathForEntry reconstructs the file path from a metadata entry.
func (s *Store) pathForEntry(e Entry) (string, bool) {
	parts := strings.Split(e.Key, "/")
	if len(parts) != 5 || e.Day == "" {
		return "", false
	}
	return filepath.Join(s.root, "data", parts[0], parts[1], parts[2],
		"daily", parts[3], parts[4], e.Day+".klf"), true
}

func (s *Store) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Store) hit(tier string) {
	if s.reg != nil {
		s.reg.RecordCacheHit(tier)
	}
}

func (s *Store) miss(tier string) {
	if s.reg != nil {
		s.reg.RecordCacheMiss(tier)
	}
}

func (s *Store) evict(reason string) {
	if s.reg != nil {
		s.reg.RecordEviction(reason)
	}
}
