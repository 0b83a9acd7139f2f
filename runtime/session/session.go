// Package session ties the history store, the ledger and the shared tool
// scheduler together for one conversation.
//
// All history writes go through a single continuation loop: model turns,
// tool completions (including cancellations) and compactions are messages
// consumed in order by one goroutine, which is the only writer of the store.
// Interactive sessions, scripted runs and forked sub-sessions all submit
// tool calls to the same session-scoped scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"goa.design/goa-transcript/runtime/diagnostics"
	"goa.design/goa-transcript/runtime/history"
	"goa.design/goa-transcript/runtime/ledger"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/scheduler"
	"goa.design/goa-transcript/runtime/telemetry"
)

type (
	// Mode names how a session is driven.
	Mode string

	// Session is one conversation.
	Session struct {
		id     string
		mode   Mode
		store  history.Store
		sched  *scheduler.Scheduler
		view   ledger.View
		policy history.Policy
		sink   diagnostics.Sink
		tel    telemetry.Telemetry
		parent *Session

		inbox   chan message
		closing chan struct{}
		stopped chan struct{}
		wg      sync.WaitGroup

		mu       sync.Mutex
		turns    map[*Turn]struct{}
		children []*Session
		closed   bool
	}

	// Option configures a Session.
	Option func(*Session)

	message interface {
		apply(s *Session)
	}

	appendTurn struct {
		ctx     context.Context
		records []model.Record
		reply   chan error
	}

	appendCompletions struct {
		turn    *Turn
		results []scheduler.Completion
		reply   chan error
	}

	compact struct {
		ctx   context.Context
		reply chan compactResult
	}

	compactResult struct {
		changed bool
		err     error
	}
)

const (
	// ModeInteractive is a long-lived session driven by Submit and Cancel.
	ModeInteractive Mode = "interactive"
	// ModeScripted is a one-shot run driven by RunScript.
	ModeScripted Mode = "scripted"
	// ModeSubSession is an isolated child created by Fork.
	ModeSubSession Mode = "subsession"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrInvalidCall is returned when a submitted tool call has no id or no
	// name.
	ErrInvalidCall = errors.New("session: invalid tool call")
)

// WithStore sets the history store. Defaults to an in-memory store.
func WithStore(st history.Store) Option {
	return func(s *Session) { s.store = st }
}

// WithPolicy sets the history policy applied before rendering and by
// Compact. The policy is guarded against breaking unrecoverable pairs.
func WithPolicy(p history.Policy) Option {
	return func(s *Session) { s.policy = p }
}

// WithSink sets the diagnostics sink.
func WithSink(sink diagnostics.Sink) Option {
	return func(s *Session) { s.sink = sink }
}

// WithTelemetry sets logging, metrics and tracing.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(s *Session) { s.tel = t }
}

// WithMode sets the session mode. Defaults to ModeInteractive.
func WithMode(m Mode) Option {
	return func(s *Session) { s.mode = m }
}

// New starts a session using sched for every tool call. An empty id is
// replaced with a random one.
func New(id string, sched *scheduler.Scheduler, opts ...Option) (*Session, error) {
	if sched == nil {
		return nil, errors.New("session: scheduler is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		id:      id,
		mode:    ModeInteractive,
		sched:   sched,
		view:    sched.Ledger(),
		inbox:   make(chan message),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		turns:   make(map[*Turn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.store == nil {
		s.store = history.NewMemoryStore()
	}
	if s.sink == nil {
		s.sink = diagnostics.Discard()
	}
	s.tel = s.tel.WithDefaults()
	if s.policy != nil {
		s.policy = history.Guard(s.policy, s.view)
	}
	go s.loop()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Mode returns the session mode.
func (s *Session) Mode() Mode { return s.mode }

// Ledger returns the read view of the shared ledger.
func (s *Session) Ledger() ledger.View { return s.view }

// History returns the current history.
func (s *Session) History(ctx context.Context) ([]model.Record, error) {
	return s.store.Load(ctx)
}

// Fork creates a sub-session with its own history that shares this
// session's scheduler and ledger. Closing the parent closes the child.
func (s *Session) Fork(id string, opts ...Option) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	base := []Option{WithSink(s.sink), WithTelemetry(s.tel), WithMode(ModeSubSession)}
	child, err := New(id, s.sched, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	child.parent = s
	s.children = append(s.children, child)
	return child, nil
}

// Compact applies the session policy to history and persists the result as
// a new store generation. It reports whether history changed.
func (s *Session) Compact(ctx context.Context) (bool, error) {
	reply := make(chan compactResult, 1)
	if err := s.send(compact{ctx: ctx, reply: reply}); err != nil {
		return false, err
	}
	res := <-reply
	return res.changed, res.err
}

// Close cancels the session's running tool calls, waits for their
// completions to reach history and stops the continuation loop. The shared
// scheduler is left running.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	children := s.children
	s.mu.Unlock()

	for _, c := range children {
		c.Close()
	}
	s.Cancel()
	s.wg.Wait()
	close(s.closing)
	<-s.stopped
}

// loop is the continuation path.
func (s *Session) loop() {
	defer close(s.stopped)
	for {
		select {
		case m := <-s.inbox:
			m.apply(s)
		case <-s.closing:
			return
		}
	}
}

func (s *Session) send(m message) error {
	select {
	case s.inbox <- m:
		return nil
	case <-s.closing:
		return ErrClosed
	}
}

func (m appendTurn) apply(s *Session) {
	m.reply <- s.store.Append(m.ctx, m.records...)
}

func (m appendCompletions) apply(s *Session) {
	// The submitting context may be cancelled by now; keep its values only.
	ctx := context.WithoutCancel(m.turn.ctx)
	blocks := make([]model.Block, len(m.results))
	for i, c := range m.results {
		blocks[i] = c.Response
	}
	err := s.store.Append(ctx, model.Record{Speaker: model.SpeakerTool, Blocks: blocks})
	if err != nil {
		s.tel.Logger.Error(ctx, "append tool completions", "session_id", s.id, "err", err)
	}
	m.reply <- err
}

func (m compact) apply(s *Session) {
	if s.policy == nil {
		m.reply <- compactResult{}
		return
	}
	records, err := s.store.Load(m.ctx)
	if err != nil {
		m.reply <- compactResult{err: err}
		return
	}
	out, err := s.policy(m.ctx, records)
	if err != nil {
		m.reply <- compactResult{err: fmt.Errorf("compact history: %w", err)}
		return
	}
	if reflect.DeepEqual(out, records) {
		m.reply <- compactResult{}
		return
	}
	gen, err := s.store.Compact(m.ctx, out)
	if err != nil {
		m.reply <- compactResult{err: err}
		return
	}
	s.tel.Logger.Info(m.ctx, "history compacted", "session_id", s.id, "generation", gen, "before", len(records), "after", len(out))
	m.reply <- compactResult{changed: true}
}

// Parent returns the session this one was forked from, if any.
func (s *Session) Parent() *Session { return s.parent }
