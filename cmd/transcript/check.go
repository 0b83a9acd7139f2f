package main

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/health"
)

type redisPinger struct{ rdb *redis.Client }

func (redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the configured storage backends",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		var pingers []health.Pinger
		if cfg.Storage.Mongo.URI != "" {
			c, closer, err := openHistory(ctx)
			if err != nil {
				return err
			}
			defer closer()
			pingers = append(pingers, c)
		}
		if cfg.Storage.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.Redis.Addr, Password: cfg.Storage.Redis.Password})
			defer func() { _ = rdb.Close() }()
			pingers = append(pingers, redisPinger{rdb: rdb})
		}
		if len(pingers) == 0 {
			return errors.New("no storage backend configured")
		}
		h, ok := health.NewChecker(pingers...).Check(ctx)
		if err := writeJSON(cmd.OutOrStdout(), h); err != nil {
			return err
		}
		if !ok {
			return errors.New("unhealthy")
		}
		return nil
	},
}
