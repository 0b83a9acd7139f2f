// Package framework runs YAML scenarios against an in-process session. Each
// scenario wires fake tools into a scheduler, drives turns through the
// session continuation loop and checks the rendered transcript, the ledger
// and the emitted diagnostics.
package framework

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"goa.design/goa-transcript/runtime/diagnostics"
	"goa.design/goa-transcript/runtime/history"
	"goa.design/goa-transcript/runtime/ledger"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/projection"
	"goa.design/goa-transcript/runtime/scheduler"
	"goa.design/goa-transcript/runtime/session"
	"goa.design/goa-transcript/runtime/toolerrors"
)

// Runner runs scenarios.
type Runner struct {
	timeout time.Duration
}

// Scenario models a test scenario.
type Scenario struct {
	Name  string          `yaml:"name"`
	Tools map[string]Tool `yaml:"tools"`
	// History seeds the store before the session starts. The ledger is
	// reconstructed from it unless Ledger is set.
	History []map[string]any `yaml:"history"`
	Ledger  []map[string]any `yaml:"ledger"`
	// KeepRecentTurns installs a compaction policy.
	KeepRecentTurns int    `yaml:"keepRecentTurns"`
	Steps           []Step `yaml:"steps"`
}

// Tool describes a fake tool.
type Tool struct {
	Result  any    `yaml:"result"`
	Error   string `yaml:"error"`
	DelayMS int    `yaml:"delayMs"`
	// Block makes the tool wait until it is cancelled.
	Block bool `yaml:"block"`
}

// Step is one action on the session followed by optional expectations.
type Step struct {
	Name string `yaml:"name"`
	// Submit sends records through Session.Submit, scheduling their calls.
	Submit []map[string]any `yaml:"submit"`
	// Append writes records to the store directly, bypassing scheduling.
	Append  []map[string]any `yaml:"append"`
	Cancel  bool             `yaml:"cancel"`
	Wait    bool             `yaml:"wait"`
	Compact bool             `yaml:"compact"`
	Render  *Render          `yaml:"render"`
	Expect  *Expect          `yaml:"expect"`
}

// Render prepares the session for a provider family.
type Render struct {
	Family string `yaml:"family"`
	Strict *bool  `yaml:"strict"`
}

// Expect describes the expected state after a step.
type Expect struct {
	// Error is a substring of the expected step error.
	Error     string                `yaml:"error"`
	History   *int                  `yaml:"history"`
	Records   *int                  `yaml:"records"`
	Speakers  []string              `yaml:"speakers"`
	Calls     map[string]CallExpect `yaml:"calls"`
	Results   map[string]any        `yaml:"results"`
	Synthetic *int                  `yaml:"synthetic"`
	Dedup     *int                  `yaml:"dedup"`
	IDPattern string                `yaml:"idPattern"`
	Ledger    map[string]string     `yaml:"ledger"`
	Faults    *int                  `yaml:"faults"`
}

// CallExpect describes the rendered state of one call.
type CallExpect struct {
	Status string `yaml:"status"`
	Source string `yaml:"source"`
	Reason string `yaml:"reason"`
}

type (
	scenariosFile struct {
		Scenarios []Scenario `yaml:"scenarios"`
	}

	// state is the live state of one scenario.
	state struct {
		session  *session.Session
		store    *history.MemoryStore
		recorder *diagnostics.Recorder
		turns    []*session.Turn
		prepared *session.Prepared
	}
)

// LoadScenarios loads scenarios from a YAML file path.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- test helper reads scenarios file from testdata path
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}
	var f scenariosFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	return f.Scenarios, nil
}

// NewRunner creates a new runner with a fixed per-step timeout.
func NewRunner() *Runner {
	return &Runner{timeout: 10 * time.Second}
}

// Run executes the scenarios in parallel.
func (r *Runner) Run(t *testing.T, scenarios []Scenario) error {
	t.Helper()
	if len(scenarios) == 0 {
		t.Skip("no scenarios to run")
	}
	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			t.Parallel()
			st := r.start(t, sc)
			for _, step := range sc.Steps {
				t.Run(step.Name, func(t *testing.T) {
					r.runStep(t, st, step)
				})
			}
		})
	}
	return nil
}

func (r *Runner) start(t *testing.T, sc Scenario) *state {
	t.Helper()
	seed, err := decodeRecords(sc.History)
	require.NoError(t, err, "decode history")

	var l *ledger.Ledger
	if len(sc.Ledger) > 0 {
		entries, err := decodeEntries(sc.Ledger)
		require.NoError(t, err, "decode ledger")
		l = ledger.Restore(entries)
	} else {
		l = ledger.ReconstructFromHistory(seed)
	}

	sched, err := scheduler.New(l, tools(sc.Tools))
	require.NoError(t, err)
	t.Cleanup(sched.Close)

	store := history.NewMemoryStore()
	require.NoError(t, store.Append(context.Background(), seed...))
	rec := &diagnostics.Recorder{}
	opts := []session.Option{
		session.WithStore(store),
		session.WithSink(rec),
		session.WithMode(session.ModeScripted),
	}
	if sc.KeepRecentTurns > 0 {
		opts = append(opts, session.WithPolicy(history.KeepRecentTurns(sc.KeepRecentTurns)))
	}
	s, err := session.New("", sched, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return &state{session: s, store: store, recorder: rec}
}

func (r *Runner) runStep(t *testing.T, st *state, step Step) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := r.act(ctx, st, step)
	exp := step.Expect
	if exp != nil && exp.Error != "" {
		require.Error(t, err)
		assert.Contains(t, err.Error(), exp.Error)
		return
	}
	require.NoError(t, err)
	if exp != nil {
		r.check(ctx, t, st, exp)
	}
}

func (r *Runner) act(ctx context.Context, st *state, step Step) error {
	if len(step.Append) > 0 {
		recs, err := decodeRecords(step.Append)
		if err != nil {
			return err
		}
		if err := st.store.Append(ctx, recs...); err != nil {
			return err
		}
	}
	if len(step.Submit) > 0 {
		recs, err := decodeRecords(step.Submit)
		if err != nil {
			return err
		}
		turn, err := st.session.Submit(ctx, recs...)
		if err != nil {
			return err
		}
		st.turns = append(st.turns, turn)
	}
	if step.Cancel {
		st.session.Cancel()
	}
	if step.Wait || step.Cancel {
		for _, turn := range st.turns {
			if _, err := turn.Wait(ctx); err != nil {
				return err
			}
		}
		st.turns = nil
	}
	if step.Compact {
		if _, err := st.session.Compact(ctx); err != nil {
			return err
		}
	}
	if step.Render != nil {
		fam, err := projection.ParseFamily(step.Render.Family)
		if err != nil {
			return err
		}
		p, err := st.session.Prepare(ctx, session.Profile{Name: step.Render.Family, Family: fam, StrictAdjacency: step.Render.Strict})
		st.prepared = p
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) check(ctx context.Context, t *testing.T, st *state, exp *Expect) {
	t.Helper()
	if exp.History != nil {
		recs, err := st.session.History(ctx)
		require.NoError(t, err)
		assert.Len(t, recs, *exp.History, "history length")
	}
	for id, status := range exp.Ledger {
		e, ok := st.session.Ledger().Query(id)
		if assert.True(t, ok, "ledger entry %s", id) {
			assert.Equal(t, status, string(e.Status), "ledger status of %s", id)
		}
	}
	if exp.Faults != nil {
		assert.Len(t, st.recorder.Faults(), *exp.Faults, "faults")
	}
	if !needsTranscript(exp) {
		return
	}
	require.NotNil(t, st.prepared, "expectation needs a render step")
	tr := st.prepared.Transcript
	if exp.Records != nil {
		assert.Len(t, tr.Records, *exp.Records, "transcript records")
	}
	if exp.Speakers != nil {
		got := make([]string, len(tr.Records))
		for i, rec := range tr.Records {
			got[i] = string(rec.Speaker)
		}
		assert.Equal(t, exp.Speakers, got, "speakers")
	}
	if exp.Synthetic != nil {
		assert.Len(t, tr.Report.Synthetic, *exp.Synthetic, "synthetic completions")
	}
	if exp.Dedup != nil {
		assert.Len(t, tr.Report.Dedup, *exp.Dedup, "dedup decisions")
	}
	for id, want := range exp.Calls {
		var found bool
		for _, c := range tr.Calls {
			if c.ID != id {
				continue
			}
			found = true
			if want.Status != "" {
				assert.Equal(t, want.Status, string(c.Status), "status of %s", id)
			}
			if want.Source != "" {
				assert.Equal(t, want.Source, string(c.Source), "source of %s", id)
			}
			if want.Reason != "" {
				assert.Equal(t, want.Reason, string(c.Reason), "reason of %s", id)
			}
		}
		assert.True(t, found, "call %s not rendered", id)
	}
	for id, want := range exp.Results {
		got, ok := resultOf(tr.Records, id)
		if assert.True(t, ok, "no completion for %s", id) {
			assert.Equal(t, fmt.Sprint(want), fmt.Sprint(got), "result of %s", id)
		}
	}
	if exp.IDPattern != "" {
		re := regexp.MustCompile(exp.IDPattern)
		for _, id := range append(st.prepared.IDs.Calls, st.prepared.IDs.Results...) {
			assert.Regexp(t, re, id)
		}
		assert.Equal(t, st.prepared.IDs.Calls, st.prepared.IDs.Results, "call and result ids")
	}
}

func needsTranscript(exp *Expect) bool {
	return exp.Records != nil || exp.Speakers != nil || exp.Synthetic != nil || exp.Dedup != nil ||
		len(exp.Calls) > 0 || len(exp.Results) > 0 || exp.IDPattern != ""
}

func resultOf(records []model.Record, id string) (any, bool) {
	for _, rec := range records {
		for _, r := range rec.ToolResponses() {
			if r.CallID != id {
				continue
			}
			if r.Error != nil {
				return r.Error.Message, true
			}
			return r.Result, true
		}
	}
	return nil, false
}

func tools(specs map[string]Tool) scheduler.Tools {
	out := make(scheduler.Tools, len(specs))
	for name, spec := range specs {
		out[name] = scheduler.ToolFunc(func(ctx context.Context, _ any) (any, error) {
			if spec.Block {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			if spec.DelayMS > 0 {
				select {
				case <-time.After(time.Duration(spec.DelayMS) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if spec.Error != "" {
				return nil, toolerrors.New(spec.Error)
			}
			return spec.Result, nil
		})
	}
	return out
}

// decodeRecords converts YAML records to model records through their JSON
// form.
func decodeRecords(raw []map[string]any) ([]model.Record, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return model.DecodeRecords(data)
}

func decodeEntries(raw []map[string]any) ([]ledger.Entry, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var entries []ledger.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Join(errors.New("decode ledger entries"), err)
	}
	return entries, nil
}
