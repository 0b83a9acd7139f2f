package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	diagpulse "goa.design/goa-transcript/features/diagnostics/pulse"
	clientsdiag "goa.design/goa-transcript/features/diagnostics/pulse/clients/pulse"
	clientshistory "goa.design/goa-transcript/features/history/mongo/clients/mongo"
	"goa.design/goa-transcript/runtime/diagnostics"
	"goa.design/goa-transcript/runtime/telemetry"
)

var errNoRedis = errors.New("storage.redis.addr is not configured")

func openRedis(ctx context.Context) (*redis.Client, error) {
	if cfg.Storage.Redis.Addr == "" {
		return nil, errNoRedis
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.Redis.Addr, Password: cfg.Storage.Redis.Password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Storage.Redis.Addr, err)
	}
	return rdb, nil
}

func openHistory(ctx context.Context) (clientshistory.Client, func(), error) {
	m := cfg.Storage.Mongo
	if m.URI == "" {
		return nil, nil, errors.New("storage.mongo.uri is not configured")
	}
	mc, err := mongodriver.Connect(options.Client().ApplyURI(m.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	closer := func() { _ = mc.Disconnect(context.Background()) }
	c, err := clientshistory.New(clientshistory.Options{Client: mc, Database: m.Database, Collection: m.Collection, Timeout: m.Timeout})
	if err != nil {
		closer()
		return nil, nil, err
	}
	return c, closer, nil
}

// diagnosticsSink builds the sinks selected by the configuration. The
// returned cleanup releases the Redis connection when one was opened.
func diagnosticsSink(ctx context.Context, tel telemetry.Telemetry) (diagnostics.Sink, func(), error) {
	var sinks []diagnostics.Sink
	if cfg.Diagnostics.Log {
		sinks = append(sinks, diagnostics.NewLogSink(tel.Logger))
	}
	cleanup := func() {}
	if cfg.Diagnostics.Stream {
		rdb, err := openRedis(ctx)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { _ = rdb.Close() }
		cli, err := clientsdiag.New(clientsdiag.Options{Redis: rdb})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		s, err := diagpulse.NewSink(diagpulse.Options{Client: cli, Stream: cfg.Storage.Redis.DiagnosticsStream})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	return diagnostics.Multi(sinks...), cleanup, nil
}
