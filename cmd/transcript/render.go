package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"goa.design/pulse/rmap"

	"goa.design/goa-transcript/features/history/mongo"
	ledgerpulse "goa.design/goa-transcript/features/ledger/pulse"
	"goa.design/goa-transcript/features/model/anthropic"
	"goa.design/goa-transcript/features/model/bedrock"
	"goa.design/goa-transcript/features/model/openai"
	"goa.design/goa-transcript/runtime/diagnostics"
	"goa.design/goa-transcript/runtime/history"
	"goa.design/goa-transcript/runtime/ledger"
	"goa.design/goa-transcript/runtime/model"
	"goa.design/goa-transcript/runtime/projection"
	"goa.design/goa-transcript/runtime/scheduler"
	"goa.design/goa-transcript/runtime/session"
	"goa.design/goa-transcript/runtime/telemetry"
)

var (
	renderProfile string
	renderLedger  string
	renderSession string
	renderPayload bool
)

func init() {
	rootCmd.AddCommand(renderCmd)
	f := renderCmd.Flags()
	f.StringVarP(&renderProfile, "profile", "p", "", "provider profile (defaults to the configured default)")
	f.StringVar(&renderLedger, "ledger", "", "JSON file with ledger entries")
	f.StringVar(&renderSession, "session", "", "load history from MongoDB and the ledger from Redis for this session")
	f.BoolVar(&renderPayload, "payload", false, "print the provider request messages instead of the canonical transcript")
}

var renderCmd = &cobra.Command{
	Use:   "render [history.json]",
	Short: "Render a history for the next turn of a provider",
	Long: `Render loads a session history, repairs it against the tool interaction
ledger and projects call ids for the selected provider profile. The history
is read from a JSON file of records or, with --session, from MongoDB.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) == 0 && renderSession == "" {
			return errors.New("a history file or --session is required")
		}
		profile, err := cfg.Profile(renderProfile)
		if err != nil {
			return err
		}
		tel := telemetry.Clue()
		sink, cleanup, err := diagnosticsSink(ctx, tel)
		if err != nil {
			return err
		}
		defer cleanup()

		prepared, err := render(ctx, args, profile, sink, tel)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), output(prepared))
	},
}

func render(ctx context.Context, args []string, profile session.Profile, sink diagnostics.Sink, tel telemetry.Telemetry) (*session.Prepared, error) {
	var (
		store history.Store
		l     *ledger.Ledger
	)
	if len(args) == 1 {
		records, err := readRecords(args[0])
		if err != nil {
			return nil, err
		}
		mem := history.NewMemoryStore()
		if err := mem.Append(ctx, records...); err != nil {
			return nil, err
		}
		store = mem
		if l, err = loadLedger(ctx, renderLedger, renderSession, records); err != nil {
			return nil, err
		}
	} else {
		c, closer, err := openHistory(ctx)
		if err != nil {
			return nil, err
		}
		defer closer()
		st, err := mongo.NewStore(c, renderSession)
		if err != nil {
			return nil, err
		}
		records, err := st.Load(ctx)
		if err != nil {
			return nil, err
		}
		store = st
		if l, err = loadLedger(ctx, renderLedger, renderSession, records); err != nil {
			return nil, err
		}
	}

	sched, err := scheduler.New(l, scheduler.Tools{}, append(cfg.SchedulerOptions(), scheduler.WithTelemetry(tel))...)
	if err != nil {
		return nil, err
	}
	defer sched.Close()
	s, err := session.New(renderSession, sched,
		session.WithStore(store),
		session.WithSink(sink),
		session.WithTelemetry(tel),
		session.WithMode(session.ModeScripted),
	)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return s.Prepare(ctx, profile)
}

// loadLedger restores the ledger from the entries file, from the replicated
// map of the session or, failing both, reconstructs it from records.
func loadLedger(ctx context.Context, file, sessionID string, records []model.Record) (*ledger.Ledger, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var entries []ledger.Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decode ledger %s: %w", file, err)
		}
		return ledger.Restore(entries), nil
	case sessionID != "" && cfg.Storage.Redis.Addr != "":
		rdb, err := openRedis(ctx)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rdb.Close() }()
		m, err := rmap.Join(ctx, cfg.Storage.Redis.LedgerMap, rdb)
		if err != nil {
			return nil, fmt.Errorf("join ledger map: %w", err)
		}
		defer m.Close()
		entries, err := ledgerpulse.New(m, sessionID).Load(ctx)
		if err != nil {
			return nil, err
		}
		// Restored without a mirror: rendering never writes the ledger.
		return ledger.Restore(entries), nil
	default:
		return ledger.ReconstructFromHistory(records), nil
	}
}

func readRecords(path string) ([]model.Record, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	records, err := model.DecodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("decode history %s: %w", path, err)
	}
	return records, nil
}

func output(p *session.Prepared) any {
	if !renderPayload {
		return map[string]any{
			"profile":     p.Profile.Name,
			"family":      p.Profile.Family,
			"records":     p.Transcript.Records,
			"calls":       p.IDs.Calls,
			"results":     p.IDs.Results,
			"diagnostics": p.Event,
		}
	}
	var (
		msgs any
		err  error
	)
	switch p.Profile.Family {
	case projection.FamilyAnthropic:
		msgs, err = anthropic.EncodeMessages(p.Transcript.Records, p.IDs)
	case projection.FamilyBedrock:
		msgs, err = bedrock.EncodeMessages(p.Transcript.Records, p.IDs)
	default:
		msgs, err = openai.EncodeMessages(p.Transcript.Records, p.IDs)
	}
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"family": p.Profile.Family, "messages": msgs}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
