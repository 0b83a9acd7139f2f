// Package scheduler executes batches of tool calls and is the only writer of
// the tool interaction ledger.
//
// Every mode of operation (interactive, scripted, sub-session) shares one
// Scheduler per session and submits whole batches through Schedule. Calls of
// a batch run concurrently. Each call records pending when scheduled and
// exactly one terminal state when it finishes; cancelling a batch finalizes
// every still-pending call as cancelled in one ledger step, and results that
// arrive afterwards are discarded.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"goa.design/goa-transcript/runtime/ledger"
	"goa.design/goa-transcript/runtime/telemetry"
)

type (
	// Scheduler runs tool call batches for one session.
	Scheduler struct {
		ledger      *ledger.Ledger
		exec        Executor
		parallelism int
		timeout     time.Duration
		limiter     *rate.Limiter
		schemas     map[string]*jsonschema.Schema
		tel         telemetry.Telemetry

		mu     sync.Mutex
		active map[*Batch]struct{}
		closed bool
	}

	// Option configures a Scheduler.
	Option func(*options)

	options struct {
		parallelism int
		timeout     time.Duration
		limiter     *rate.Limiter
		schemas     map[string]json.RawMessage
		tel         telemetry.Telemetry
	}
)

var (
	// ErrDuplicateCall is returned when a batch repeats a call id or reuses
	// one already known to the ledger.
	ErrDuplicateCall = errors.New("scheduler: duplicate call id")
	// ErrEmptyBatch is returned when Schedule receives no requests.
	ErrEmptyBatch = errors.New("scheduler: empty batch")
	// ErrClosed is returned by Schedule after Close.
	ErrClosed = errors.New("scheduler: closed")
)

// WithParallelism bounds the number of calls of one batch running at once.
// Zero or negative means no bound.
func WithParallelism(n int) Option {
	return func(o *options) { o.parallelism = n }
}

// WithToolTimeout bounds the run time of each call.
func WithToolTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRateLimit throttles call starts across all batches.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithSchemas validates call arguments against the JSON schema registered
// for the tool name before executing it.
func WithSchemas(schemas map[string]json.RawMessage) Option {
	return func(o *options) { o.schemas = schemas }
}

// WithTelemetry sets logging, metrics and tracing.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(o *options) { o.tel = t }
}

// New returns a scheduler writing to l and executing with exec.
func New(l *ledger.Ledger, exec Executor, opts ...Option) (*Scheduler, error) {
	if l == nil {
		return nil, errors.New("scheduler: ledger is required")
	}
	if exec == nil {
		return nil, errors.New("scheduler: executor is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	schemas, err := compileSchemas(o.schemas)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		ledger:      l,
		exec:        exec,
		parallelism: o.parallelism,
		timeout:     o.timeout,
		limiter:     o.limiter,
		schemas:     schemas,
		tel:         o.tel.WithDefaults(),
		active:      make(map[*Batch]struct{}),
	}, nil
}

// Ledger returns the read view of the ledger this scheduler writes.
func (s *Scheduler) Ledger() ledger.View {
	return s.ledger
}

// Schedule records every request as pending and starts the batch. The
// returned Batch settles when all calls finished or when it is cancelled.
// Cancelling ctx cancels the batch.
func (s *Scheduler) Schedule(ctx context.Context, reqs []Request) (*Batch, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	seen := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		if r.CallID == "" {
			return nil, ledger.ErrEmptyCallID
		}
		if seen[r.CallID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateCall, r.CallID)
		}
		seen[r.CallID] = true
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b := newBatch(s, reqs)
	b.stop = cancel

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	for _, r := range reqs {
		if _, ok := s.ledger.Query(r.CallID); ok {
			s.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("%w: %q already scheduled", ErrDuplicateCall, r.CallID)
		}
	}
	for _, r := range reqs {
		if _, err := s.ledger.Record(ctx, r.CallID, ledger.Patch{ToolName: r.Name, Arguments: r.Arguments}); err != nil {
			s.mu.Unlock()
			cancel()
			return nil, fmt.Errorf("record pending %q: %w", r.CallID, err)
		}
	}
	s.active[b] = struct{}{}
	s.mu.Unlock()

	spanCtx, span := s.tel.Tracer.Start(runCtx, "scheduler.batch")
	span.AddEvent("scheduled", "calls", len(reqs))

	go func() {
		select {
		case <-ctx.Done():
			b.Cancel()
		case <-b.done:
		}
	}()

	go func() {
		defer span.End()
		var g errgroup.Group
		if s.parallelism > 0 {
			g.SetLimit(s.parallelism)
		}
		for i, r := range reqs {
			g.Go(func() error {
				s.run(spanCtx, b, i, r)
				return nil
			})
		}
		_ = g.Wait()
		b.settle()
	}()
	return b, nil
}

// CancelActive cancels every batch that has not settled and returns the ids
// it moved to cancelled.
func (s *Scheduler) CancelActive() []string {
	s.mu.Lock()
	batches := make([]*Batch, 0, len(s.active))
	for b := range s.active {
		batches = append(batches, b)
	}
	s.mu.Unlock()
	var ids []string
	for _, b := range batches {
		ids = append(ids, b.Cancel()...)
	}
	return ids
}

// Close cancels active batches and rejects further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.CancelActive()
}

func (s *Scheduler) release(b *Batch) {
	s.mu.Lock()
	delete(s.active, b)
	s.mu.Unlock()
}

// run executes one call and records its terminal state.
func (s *Scheduler) run(ctx context.Context, b *Batch, i int, req Request) {
	start := time.Now()
	if b.Cancelled() {
		return
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}
	if err := s.validate(req); err != nil {
		s.finish(ctx, b, i, req, errorResponse(req, err), start)
		return
	}

	execCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	blocks, err := s.exec.Execute(execCtx, req)
	if err != nil {
		s.finish(ctx, b, i, req, errorResponse(req, err), start)
		return
	}
	resp, dropped := filter(req, blocks)
	if dropped > 0 {
		s.tel.Logger.Debug(ctx, "dropped non-result tool output", "call_id", req.CallID, "tool", req.Name, "dropped", dropped)
	}
	s.finish(ctx, b, i, req, resp, start)
}

func (s *Scheduler) validate(req Request) error {
	sch, ok := s.schemas[req.Name]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(req.Arguments)
	if err != nil {
		return invalidArguments(fmt.Errorf("encode arguments: %w", err))
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return invalidArguments(fmt.Errorf("decode arguments: %w", err))
	}
	if err := sch.Validate(doc); err != nil {
		return invalidArguments(err)
	}
	return nil
}

func compileSchemas(raw map[string]json.RawMessage) (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(raw))
	for name, doc := range raw {
		parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("schema for %q: %w", name, err)
		}
		url := "tool://" + name + "/schema.json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("schema for %q: %w", name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %q: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}
