// Package middleware provides gateway middleware for provider calls, such as
// adaptive rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"goa.design/goa-transcript/features/model/gateway"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/session"
)

type (
	// AdaptiveRateLimiter is an AIMD token bucket in front of a provider. It
	// estimates the token cost of each prepared transcript, blocks until the
	// bucket has capacity and halves its tokens-per-minute budget whenever
	// the provider reports gateway.ErrRateLimited. Successful calls grow the
	// budget back linearly up to the configured maximum.
	//
	// When built with a Pulse replicated map the budget is shared: local
	// adjustments are published to the map and changes made by other
	// processes are applied locally.
	AdaptiveRateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter
		tpm     float64
		min     float64
		max     float64
		step    float64
		shared  *sharedBudget
	}

	// clusterMap is the subset of rmap.Map used to share the budget.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	sharedBudget struct {
		m   clusterMap
		key string
	}
)

const (
	defaultTPM     = 60000
	overheadTokens = 500
	charsPerToken  = 3
	publishTimeout = 2 * time.Second
	publishRetries = 3
)

// NewAdaptiveRateLimiter returns a limiter with the given tokens-per-minute
// budget. maxTPM below initialTPM is raised to initialTPM. When m is not nil
// and key is set the budget is shared through m under key.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if m == nil {
		return newLimiter(ctx, nil, key, initialTPM, maxTPM)
	}
	return newLimiter(ctx, m, key, initialTPM, maxTPM)
}

func newLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	tpm := initialTPM
	var shared *sharedBudget
	if m != nil && key != "" {
		shared = &sharedBudget{m: m, key: key}
		if v, err := shared.seed(ctx, initialTPM); err == nil {
			tpm = v
		} else {
			shared = nil
		}
	}
	l := &AdaptiveRateLimiter{
		tpm:    tpm,
		min:    max(initialTPM*0.1, 1),
		max:    maxTPM,
		step:   max(initialTPM*0.05, 1),
		shared: shared,
	}
	l.tpm = min(max(l.tpm, l.min), l.max)
	l.limiter = rate.NewLimiter(rate.Limit(l.tpm/60), int(l.tpm))
	if shared != nil {
		go shared.watch(l)
	}
	return l
}

// Middleware returns the gateway middleware enforcing the limit.
func (l *AdaptiveRateLimiter) Middleware() gateway.Middleware {
	return func(next gateway.Handler) gateway.Handler {
		return func(ctx context.Context, p *session.Prepared) (model.Record, error) {
			if err := l.limiter.WaitN(ctx, min(estimateTokens(p), l.burst())); err != nil {
				return model.Record{}, err
			}
			rec, err := next(ctx, p)
			switch {
			case err == nil:
				l.adjust(func(tpm float64) float64 { return tpm + l.step })
			case errors.Is(err, gateway.ErrRateLimited):
				l.adjust(func(tpm float64) float64 { return tpm / 2 })
			}
			return rec, err
		}
	}
}

// TPM returns the current tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tpm
}

func (l *AdaptiveRateLimiter) burst() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter.Burst()
}

// adjust applies fn to the local budget and publishes it when shared.
func (l *AdaptiveRateLimiter) adjust(fn func(float64) float64) {
	if !l.set(fn(l.TPM())) || l.shared == nil {
		return
	}
	go l.shared.update(fn, l.min, l.max)
}

// set clamps tpm into range and applies it. It reports whether the budget
// changed.
func (l *AdaptiveRateLimiter) set(tpm float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	tpm = min(max(tpm, l.min), l.max)
	if tpm == l.tpm {
		return false
	}
	l.tpm = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
	return true
}

// estimateTokens approximates the prompt size of p at one token per three
// characters of text, reasoning, tool arguments and tool results, plus a
// fixed overhead for system prompts and framing.
func estimateTokens(p *session.Prepared) int {
	if p == nil || p.Transcript == nil {
		return overheadTokens
	}
	chars := 0
	for _, r := range p.Transcript.Records {
		for _, b := range r.Blocks {
			switch v := b.(type) {
			case model.TextBlock:
				chars += len(v.Text)
			case model.ThinkingBlock:
				chars += len(v.Text)
			case model.ToolCallBlock:
				chars += len(v.Name) + jsonLen(v.Arguments)
			case model.ToolResponseBlock:
				if v.Error != nil {
					chars += len(v.Error.Error())
				} else {
					chars += jsonLen(v.Result)
				}
			}
		}
	}
	return chars/charsPerToken + overheadTokens
}

func jsonLen(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// seed stores initial under the key unless a budget already exists and
// returns the effective shared budget.
func (b *sharedBudget) seed(ctx context.Context, initial float64) (float64, error) {
	if _, ok := b.m.Get(b.key); !ok {
		if _, err := b.m.SetIfNotExists(ctx, b.key, formatTPM(initial)); err != nil {
			return 0, err
		}
	}
	if v, ok := b.current(); ok {
		return v, nil
	}
	return initial, nil
}

func (b *sharedBudget) current() (float64, bool) {
	s, ok := b.m.Get(b.key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// update applies fn to the shared budget with compare-and-swap, retrying a
// few times when another process wins the race.
func (b *sharedBudget) update(fn func(float64) float64, lo, hi float64) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for range publishRetries {
		cur, ok := b.m.Get(b.key)
		if !ok {
			return
		}
		v, err := strconv.ParseFloat(cur, 64)
		if err != nil || v <= 0 {
			return
		}
		next := formatTPM(min(max(fn(v), lo), hi))
		if next == cur {
			return
		}
		prev, err := b.m.TestAndSet(ctx, b.key, cur, next)
		if err != nil || prev == cur {
			return
		}
	}
}

// watch applies shared budget changes to l until the map subscription ends.
func (b *sharedBudget) watch(l *AdaptiveRateLimiter) {
	for range b.m.Subscribe() {
		if v, ok := b.current(); ok {
			l.set(v)
		}
	}
}

func formatTPM(v float64) string {
	return strconv.Itoa(int(v))
}
