// Package log carries terminal feedback helpers for long-running fetches.
// Structured logging stays on zerolog; this is only the interactive layer.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates a single status line on stderr while a fetch is in
// flight. It stays silent when stderr is not a terminal, so piped and
// scripted runs see only the real output.
type Spinner struct {
	mu      sync.Mutex
	w       io.Writer
	name    string
	start   time.Time
	frame   int
	enabled bool
	running bool
	done    chan struct{}
}

// NewSpinner builds a spinner for the named operation. The spinner is
// disabled unless stderr is a terminal.
func NewSpinner(name string) *Spinner {
	return newSpinner(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), name)
}

func newSpinner(w io.Writer, enabled bool, name string) *Spinner {
	return &Spinner{
		w:       w,
		name:    name,
		enabled: enabled,
		done:    make(chan struct{}),
	}
}

// Start begins the animation. Safe to call on a disabled spinner.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.running {
		return
	}
	s.running = true
	s.start = time.Now()
	go s.spin()
}

func (s *Spinner) spin() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.frame = (s.frame + 1) % len(spinnerFrames)
			fmt.Fprintf(s.w, "\r\033[K%s %s (%s)",
				spinnerFrames[s.frame], s.name, time.Since(s.start).Round(time.Second))
			s.mu.Unlock()
		}
	}
}

// Stopf halts the animation and replaces the status line with a result.
func (s *Spinner) Stopf(format string, args ...interface{}) {
	s.finish(fmt.Sprintf(format, args...))
}

// Fail halts the animation and reports the failure reason.
func (s *Spinner) Fail(reason string) {
	s.finish("failed: " + reason)
}

func (s *Spinner) finish(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.done)

	fmt.Fprintf(s.w, "\r\033[K%s: %s (%s)\n",
		s.name, result, time.Since(s.start).Round(time.Millisecond))
}
