// Package httpclient provides the shared retrying HTTP pool used by the
// archive and live fetchers: bounded concurrency, exponential backoff with
// jitter, retryable status classification, and Retry-After propagation.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config tunes one pool instance.
type Config struct {
	MaxConcurrency int
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Jitter         bool
	UserAgent      string
}

// Pool is a concurrency-capped HTTP client with retry semantics. Requests
// must be idempotent; everything this module sends is a GET.
type Pool struct {
	cfg       Config
	semaphore chan struct{}
	client    *http.Client

	// onRetryAfter, when set, receives server-imposed pauses so the
	// caller's rate limiter can spread them across other requests.
	onRetryAfter func(host string, d time.Duration)

	mu    sync.RWMutex
	stats Stats
}

// Stats accumulates pool request outcomes. Latency percentiles are EMA
// approximations, good enough for the ops endpoint.
type Stats struct {
	TotalRequests   int64         `json:"total_requests"`
	SuccessRequests int64         `json:"success_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	TimeoutRequests int64         `json:"timeout_requests"`
	RetriedRequests int64         `json:"retried_requests"`
	TotalLatency    time.Duration `json:"total_latency"`
	P50Latency      time.Duration `json:"p50_latency"`
	P95Latency      time.Duration `json:"p95_latency"`
}

// New creates a pool. A zero MaxConcurrency means one request at a time.
func New(cfg Config) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Pool{
		cfg:       cfg,
		semaphore: make(chan struct{}, cfg.MaxConcurrency),
		client:    &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// SetRetryAfterHook registers the callback invoked with any Retry-After
// hint the server sends alongside a 429.
func (p *Pool) SetRetryAfterHook(fn func(host string, d time.Duration)) {
	p.onRetryAfter = fn
}

// Do executes the request, retrying transient failures up to MaxRetries
// with exponential backoff. The caller owns the response body on success.
func (p *Pool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return nil, fmt.Errorf("refusing to retry request with unreplayable body")
	}

	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}

	p.count(func(s *Stats) { s.TotalRequests++ })

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.count(func(s *Stats) { s.RetriedRequests++ })

			backoff := p.backoff(attempt)
			log.Debug().
				Dur("backoff", backoff).
				Int("attempt", attempt).
				Str("url", req.URL.String()).
				Msg("Retrying HTTP request")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		resp, err := p.client.Do(req.WithContext(ctx))
		p.recordLatency(time.Since(start))

		if err != nil {
			lastErr = err
			if isTimeout(err) {
				p.count(func(s *Stats) { s.TimeoutRequests++ })
			}
			if ctx.Err() != nil {
				break
			}
			if isRetryableError(err) {
				continue
			}
			break
		}

		if isRetryableStatus(resp.StatusCode) {
			pause := retryAfterHint(resp)
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %s from %s", resp.Status, req.URL.Host)

			if pause > 0 && p.onRetryAfter != nil {
				p.onRetryAfter(req.URL.Host, pause)
			}
			if attempt == p.cfg.MaxRetries {
				break
			}
			if pause > 0 {
				select {
				case <-time.After(pause):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			continue
		}

		p.count(func(s *Stats) { s.SuccessRequests++ })
		return resp, nil
	}

	p.count(func(s *Stats) { s.FailedRequests++ })
	return nil, lastErr
}

// backoff doubles the base per attempt, capped, plus up to 10% jitter.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
	if d > p.cfg.BackoffMax {
		d = p.cfg.BackoffMax
	}
	if p.cfg.Jitter {
		d += time.Duration(rand.Float64() * 0.1 * float64(d))
	}
	return d
}

// retryAfterHint parses a Retry-After header, seconds form only.
func retryAfterHint(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Stats returns a copy of the accumulated counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

func (p *Pool) count(update func(*Stats)) {
	p.mu.Lock()
	update(&p.stats)
	p.mu.Unlock()
}

func (p *Pool) recordLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.TotalLatency += d

	if p.stats.P50Latency == 0 {
		p.stats.P50Latency = d
		p.stats.P95Latency = d
		return
	}

	// Exponential moving averages; P95 reacts faster to spikes.
	const alpha = 0.1
	p.stats.P50Latency = time.Duration(float64(p.stats.P50Latency)*(1-alpha) + float64(d)*alpha)

	alpha95 := 0.05
	if d > p.stats.P95Latency {
		alpha95 = 0.2
	}
	p.stats.P95Latency = time.Duration(float64(p.stats.P95Latency)*(1-alpha95) + float64(d)*alpha95)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if isTimeout(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Temporary() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"network is unreachable",
		"no such host",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// isRetryableStatus covers throttling (429, 418) and upstream 5xx.
func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusTeapot ||
		statusCode >= 500
}
