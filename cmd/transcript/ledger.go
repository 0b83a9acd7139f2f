package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"goa.design/goa-transcript/runtime/ledger"
)

var (
	ledgerSession string
	ledgerJSON    bool
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.Flags().StringVar(&ledgerSession, "session", "", "load the ledger of this session from Redis")
	ledgerCmd.Flags().BoolVar(&ledgerJSON, "json", false, "print entries as JSON")
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger [history.json]",
	Short: "Print a tool interaction ledger",
	Long: `Ledger prints the tool interaction ledger of a session. With --session
the entries are read from the replicated Redis map, otherwise the ledger is
reconstructed from the history file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var (
			l   *ledger.Ledger
			err error
		)
		switch {
		case ledgerSession != "":
			if cfg.Storage.Redis.Addr == "" {
				return errNoRedis
			}
			l, err = loadLedger(ctx, "", ledgerSession, nil)
		case len(args) == 1:
			records, rerr := readRecords(args[0])
			if rerr != nil {
				return rerr
			}
			l = ledger.ReconstructFromHistory(records)
		default:
			return errors.New("a history file or --session is required")
		}
		if err != nil {
			return err
		}
		if ledgerJSON {
			return writeJSON(cmd.OutOrStdout(), l.Snapshot())
		}
		return printLedger(cmd.OutOrStdout(), l.Snapshot())
	},
}

func printLedger(w io.Writer, entries []ledger.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tCALL ID\tTOOL\tSTATUS\tVERSION\tERROR")
	for _, e := range entries {
		msg := ""
		if e.Error != nil {
			msg = e.Error.Message
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", e.Seq, e.CallID, e.ToolName, e.Status, e.Version, msg)
	}
	return tw.Flush()
}
