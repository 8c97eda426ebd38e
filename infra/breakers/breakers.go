// Package breakers wraps sony/gobreaker with the per-host circuit policy
// used in front of the archive and live endpoints. Hosts trip
// independently so a dead futures endpoint cannot take down spot fetches.
package breakers

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
)

// Set lazily maintains one circuit breaker per upstream host.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*cb.CircuitBreaker
}

// NewSet creates an empty breaker set.
func NewSet() *Set {
	return &Set{breakers: make(map[string]*cb.CircuitBreaker)}
}

// newBreaker builds a breaker that trips on 3 consecutive failures, or on
// a failure rate above 5% once at least 20 requests have been seen in the
// rolling interval.
func newBreaker(name string) *cb.CircuitBreaker {
	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		log.Warn().
			Str("host", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit state changed")
	}
	return cb.NewCircuitBreaker(st)
}

// For returns the breaker for a host, creating it on first use.
func (s *Set) For(host string) *cb.CircuitBreaker {
	s.mu.RLock()
	br, ok := s.breakers[host]
	s.mu.RUnlock()
	if ok {
		return br
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if br, ok := s.breakers[host]; ok {
		return br
	}
	br = newBreaker(host)
	s.breakers[host] = br
	return br
}

// Execute runs fn under the host's breaker. When the circuit is open the
// call fails immediately with gobreaker.ErrOpenState.
func (s *Set) Execute(host string, fn func() (any, error)) (any, error) {
	return s.For(host).Execute(fn)
}

// State returns the host's current circuit state.
func (s *Set) State(host string) cb.State {
	return s.For(host).State()
}

// States snapshots every known host's circuit state for the ops endpoint.
func (s *Set) States() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.breakers))
	for host, br := range s.breakers {
		out[host] = br.State().String()
	}
	return out
}
