// Package gateway routes prepared turns to model providers. A Router holds one
// route per provider profile, renders the session history for the selected
// profile and sends it through a composable middleware chain. Switching
// profiles between turns re-renders the same history for the new family.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/session"
	"goa.design/goa-transcript/runtime/telemetry"
)

type (
	// Provider completes a prepared transcript. The anthropic, openai and
	// bedrock clients implement it.
	Provider interface {
		Complete(ctx context.Context, p *session.Prepared) (model.Record, error)
	}

	// Handler handles a prepared turn.
	Handler func(ctx context.Context, p *session.Prepared) (model.Record, error)

	// Middleware wraps a Handler to add behavior around provider calls.
	Middleware func(next Handler) Handler

	// Strategy selects the route of each turn.
	Strategy string

	// Route binds a profile to the provider serving it.
	Route struct {
		Profile  session.Profile
		Provider Provider
	}

	// Result is the outcome of a routed turn.
	Result struct {
		// Record is the AI record returned by the provider.
		Record model.Record
		// Prepared is the transcript that produced Record.
		Prepared *session.Prepared
		// Attempts counts the routes tried, including the successful one.
		Attempts int
	}

	// Option configures a Router.
	Option func(*Router)

	// Router dispatches turns to routes according to a Strategy.
	Router struct {
		strategy Strategy
		routes   []Route
		handlers []Handler
		mw       []Middleware
		tel      telemetry.Telemetry

		mu      sync.Mutex
		current int
	}
)

const (
	// StrategyManual always uses the selected route; see Router.Select.
	StrategyManual Strategy = "manual"
	// StrategyRoundRobin rotates through routes on every turn.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyFailover tries routes in order starting with the first,
	// falling over to the next one when a provider fails.
	StrategyFailover Strategy = "failover"
)

var (
	// ErrNoRoutes is returned by NewRouter when no route is given.
	ErrNoRoutes = errors.New("gateway: at least one route is required")
	// ErrUnknownRoute is returned by Select for a profile name with no route.
	ErrUnknownRoute = errors.New("gateway: unknown route")
	// ErrRateLimited marks provider errors caused by rate limiting. Provider
	// clients wrap throttling errors with it.
	ErrRateLimited = errors.New("gateway: provider rate limited")
)

// WithMiddleware appends middleware to the chain of every route. The first
// registered middleware is the outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(r *Router) { r.mw = append(r.mw, mw...) }
}

// WithTelemetry sets the router telemetry.
func WithTelemetry(t telemetry.Telemetry) Option {
	return func(r *Router) { r.tel = t }
}

// NewRouter returns a router over routes.
func NewRouter(strategy Strategy, routes []Route, opts ...Option) (*Router, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	switch strategy {
	case StrategyManual, StrategyRoundRobin, StrategyFailover:
	case "":
		strategy = StrategyManual
	default:
		return nil, fmt.Errorf("gateway: unknown strategy %q", strategy)
	}
	r := &Router{strategy: strategy, routes: routes, tel: telemetry.Noop()}
	for _, o := range opts {
		o(r)
	}
	r.tel = r.tel.WithDefaults()
	r.handlers = make([]Handler, len(routes))
	for i, rt := range routes {
		if rt.Provider == nil {
			return nil, fmt.Errorf("gateway: route %q has no provider", rt.Profile.Name)
		}
		r.handlers[i] = Chain(rt.Provider.Complete, r.mw...)
	}
	return r, nil
}

// Chain wraps h with mw in registration order.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Select makes the route of the named profile current. Under StrategyManual
// it is used for all subsequent turns; under StrategyRoundRobin rotation
// resumes from it.
func (r *Router) Select(name string) error {
	for i, rt := range r.routes {
		if rt.Profile.Name == name {
			r.mu.Lock()
			r.current = i
			r.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownRoute, name)
}

// Current returns the profile of the current route.
func (r *Router) Current() session.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.routes[r.current].Profile
}

// Profiles returns the routed profiles in order.
func (r *Router) Profiles() []session.Profile {
	out := make([]session.Profile, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.Profile
	}
	return out
}

// Turn renders the history of s for the selected route and completes it.
// Under StrategyFailover a failing provider hands the turn to the next route,
// which renders the history again for its own family. Render failures and
// context cancellation are never retried.
func (r *Router) Turn(ctx context.Context, s *session.Session) (*Result, error) {
	order := r.order()
	var errs []error
	for n, i := range order {
		rt := r.routes[i]
		p, err := s.Prepare(ctx, rt.Profile)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		rec, err := r.handlers[i](ctx, p)
		r.tel.Metrics.RecordTimer("gateway.turn.duration", time.Since(start), "profile", rt.Profile.Name)
		if err == nil {
			return &Result{Record: rec, Prepared: p, Attempts: n + 1}, nil
		}
		r.tel.Metrics.IncCounter("gateway.turn.error", 1, "profile", rt.Profile.Name)
		errs = append(errs, fmt.Errorf("%s: %w", rt.Profile.Name, err))
		if ctx.Err() != nil || r.strategy != StrategyFailover {
			break
		}
		r.tel.Logger.Warn(ctx, "provider failed, failing over", "session", s.ID(), "profile", rt.Profile.Name, "err", err)
	}
	return nil, errors.Join(errs...)
}

// Step runs Turn and submits the returned record to s, scheduling any tool
// calls it requests.
func (r *Router) Step(ctx context.Context, s *session.Session) (*session.Turn, *Result, error) {
	ctx, span := r.tel.Tracer.Start(ctx, "gateway.step")
	defer span.End()
	res, err := r.Turn(ctx, s)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	turn, err := s.Submit(ctx, res.Record)
	if err != nil {
		span.RecordError(err)
		return nil, res, err
	}
	return turn, res, nil
}

func (r *Router) order() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.strategy {
	case StrategyRoundRobin:
		i := r.current
		r.current = (r.current + 1) % len(r.routes)
		return []int{i}
	case StrategyFailover:
		out := make([]int, len(r.routes))
		for i := range out {
			out[i] = i
		}
		return out
	default:
		return []int{r.current}
	}
}
