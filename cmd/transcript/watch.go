package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	diagpulse "goa.design/goa-transcript/features/diagnostics/pulse"
	clientsdiag "goa.design/goa-transcript/features/diagnostics/pulse/clients/pulse"
	"goa.design/goa-transcript/runtime/diagnostics"
)

var (
	watchSink   string
	watchFaults bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchSink, "sink", "", "consumer group name")
	watchCmd.Flags().BoolVar(&watchFaults, "faults", false, "only print fault events")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the diagnostics stream",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		rdb, err := openRedis(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		cli, err := clientsdiag.New(clientsdiag.Options{Redis: rdb})
		if err != nil {
			return err
		}
		sub, err := diagpulse.NewSubscriber(diagpulse.SubscriberOptions{Client: cli, SinkName: watchSink})
		if err != nil {
			return err
		}
		events, errs, cancel, err := sub.Subscribe(ctx, cfg.Storage.Redis.DiagnosticsStream)
		if err != nil {
			return err
		}
		defer cancel()
		log.Info(ctx, log.KV{K: "msg", V: "watching diagnostics"}, log.KV{K: "stream", V: cfg.Storage.Redis.DiagnosticsStream})
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if watchFaults && ev.Kind != diagnostics.KindFault {
					continue
				}
				if err := writeJSON(cmd.OutOrStdout(), ev); err != nil {
					return err
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					return fmt.Errorf("diagnostics stream: %w", err)
				}
			case <-ctx.Done():
				return nil
			}
		}
	},
}
