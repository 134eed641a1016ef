// Package simulator plays the human side of the broker: it watches a client's
// output for announced request IDs and answers each one with a canned reply.
package simulator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/h1v3-io/hitl/internal/console"
	"github.com/h1v3-io/hitl/pkg/protocol"
)

// DefaultDelay emulates a human reading the prompt before answering.
const DefaultDelay = 2 * time.Second

var requestCreated = regexp.MustCompile(`Request created: ([a-zA-Z0-9_-]+)`)

// API is the subset of the broker client the simulator uses.
type API interface {
	GetRequest(ctx context.Context, id string) (*protocol.Request, error)
	SubmitResponse(ctx context.Context, id string, output any) (*protocol.Request, error)
}

// Simulator answers requests announced on a line stream. Each ID is handled
// at most once per Simulator, however often it appears.
type Simulator struct {
	api    API
	delay  time.Duration
	out    *console.Printer
	logger *slog.Logger

	mu      sync.Mutex
	handled map[string]struct{}
	order   []string
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithDelay sets the think time before each answer.
func WithDelay(d time.Duration) Option {
	return func(s *Simulator) { s.delay = d }
}

// WithOutput echoes observed lines and actions to p.
func WithOutput(p *console.Printer) Option {
	return func(s *Simulator) { s.out = p }
}

// WithLogger sets the simulator logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a simulator that answers through api.
func New(api API, opts ...Option) *Simulator {
	s := &Simulator{
		api:     api,
		delay:   DefaultDelay,
		out:     console.NewPrinter(io.Discard, "Test"),
		logger:  slog.Default(),
		handled: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "simulator")
	return s
}

// CannedAnswer returns the fixed reply the simulator gives for typ.
func CannedAnswer(typ protocol.WidgetType) (any, bool) {
	switch typ {
	case protocol.WidgetConfirm:
		return protocol.ConfirmOutput{Approved: true, Timestamp: "2023-10-27T10:00:00Z"}, true
	case protocol.WidgetSelect:
		return protocol.SelectOutput{Selected: "us-west-2"}, true
	case protocol.WidgetForm:
		return protocol.FormOutput{Data: map[string]any{
			"username":    "admin_user",
			"email":       "admin@example.com",
			"accessLevel": 5,
		}}, true
	}
	return nil, false
}

// maxLineBytes caps how much of one line is kept for matching. The rest of an
// over-long line is discarded so a single noisy line never stops the loop.
const maxLineBytes = 64 << 10

// Run consumes r line by line until it ends or ctx is done. Failures to answer
// a single request are logged and do not stop the loop.
func (s *Simulator) Run(ctx context.Context, r io.Reader) error {
	s.out.Infof("User simulator started")
	br := bufio.NewReader(r)
	for {
		line, err := readLine(br)
		if line != "" || err == nil {
			if aerr := s.handleLine(ctx, line); aerr != nil {
				return aerr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("simulator: read: %w", err)
		}
	}
	return ctx.Err()
}

func (s *Simulator) handleLine(ctx context.Context, line string) error {
	s.out.Detailf("[CLI Output] %s", line)

	m := requestCreated.FindStringSubmatch(line)
	if m == nil || !s.claim(m[1]) {
		return nil
	}
	if err := s.answer(ctx, m[1]); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.out.Failf("Error simulating interaction: %v", err)
		s.logger.Warn("interaction failed", "request", m[1], "error", err)
	}
	return nil
}

// readLine returns the next line without its terminator, truncated to
// maxLineBytes. A final unterminated line is returned together with io.EOF.
func readLine(br *bufio.Reader) (string, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if room := maxLineBytes - len(buf); room > 0 {
			buf = append(buf, chunk[:min(len(chunk), room)]...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		buf = bytes.TrimRight(buf, "\r\n")
		return string(buf), err
	}
}

// claim records id as handled and reports whether this is its first sighting.
func (s *Simulator) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.handled[id]; seen {
		return false
	}
	s.handled[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Handled returns the IDs claimed so far, in order of first sighting.
func (s *Simulator) Handled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Simulator) answer(ctx context.Context, id string) error {
	s.out.Infof("Detected request %s. Simulating user interaction in %v...", id, s.delay)
	if err := sleep(ctx, s.delay); err != nil {
		return err
	}

	req, err := s.api.GetRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", id, err)
	}
	output, ok := CannedAnswer(req.Type)
	if !ok {
		return fmt.Errorf("no canned answer for type %q", req.Type)
	}
	if _, err := s.api.SubmitResponse(ctx, id, output); err != nil {
		return fmt.Errorf("submit %s: %w", id, err)
	}
	s.out.Successf("Response submitted for %s (%s)", id, req.Type)
	s.logger.Info("answered request", "request", id, "type", req.Type)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
