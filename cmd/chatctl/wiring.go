package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/agentchat/features/checkpoint/gormstore"
	chkmongo "goa.design/agentchat/features/checkpoint/mongo"
	clientsmongo "goa.design/agentchat/features/checkpoint/mongo/clients/mongo"
	"goa.design/agentchat/features/transport/pulse"
	clientspulse "goa.design/agentchat/features/transport/pulse/clients/pulse"
	"goa.design/agentchat/features/transport/script"
	"goa.design/agentchat/features/transport/sse"
	"goa.design/agentchat/features/transport/ws"
	"goa.design/agentchat/runtime/chat/checkpoint"
	"goa.design/agentchat/runtime/chat/checkpoint/inmem"
	"goa.design/agentchat/runtime/chat/session"
	"goa.design/agentchat/runtime/chat/stream"
	"goa.design/agentchat/runtime/chat/telemetry"
	"goa.design/agentchat/runtime/chat/view"
)

// closer releases a resource opened during wiring.
type closer func(context.Context) error

func noClose(context.Context) error { return nil }

func buildTransport(ctx context.Context, cfg transportConfig, logger telemetry.Logger) (stream.Transport, closer, error) {
	switch cfg.Kind {
	case "sse":
		tr, err := sse.New(sse.Options{
			Endpoint:          cfg.Endpoint,
			AbortEndpoint:     cfg.AbortEndpoint,
			Headers:           cfg.Headers,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Logger:            logger,
		})
		return tr, noClose, err
	case "ws":
		header := http.Header{}
		for k, v := range cfg.Headers {
			header.Set(k, v)
		}
		tr, err := ws.New(ws.Options{URL: cfg.Endpoint, Header: header, Logger: logger})
		return tr, noClose, err
	case "pulse":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		tr, err := pulse.New(pulse.Options{Client: pc, Logger: logger})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return tr, func(ctx context.Context) error {
			_ = pc.Close(ctx)
			return rdb.Close()
		}, nil
	case "script":
		tr, err := script.Load(cfg.Script)
		return tr, noClose, err
	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

func buildCheckpoints(ctx context.Context, cfg checkpointConfig) (checkpoint.Store, closer, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, noClose, nil
	case "memory":
		return inmem.New(), noClose, nil
	case "sqlite", "postgres":
		st, err := gormstore.Open(cfg.Kind, cfg.URI)
		if err != nil {
			return nil, nil, err
		}
		return st, func(context.Context) error { return st.Close() }, nil
	case "mongo":
		client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongo: %w", err)
		}
		st, err := chkmongo.NewStoreFromMongo(clientsmongo.Options{Client: client, Database: cfg.Database})
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		if err := st.Ping(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		return st, client.Disconnect, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint kind %q", cfg.Kind)
	}
}

// sessionFactory opens sessions sharing one transport and checkpoint store.
type sessionFactory struct {
	transport   stream.Transport
	checkpoints checkpoint.Store
	tel         telemetry.Telemetry
	cfg         config
}

// open hydrates threadID when a checkpoint exists and starts a fresh
// session otherwise. An empty threadID always starts a new thread.
func (f sessionFactory) open(ctx context.Context, threadID string) (*session.Session, error) {
	opts := session.Options{
		Transport:    f.transport,
		Telemetry:    f.tel,
		EventTimeout: f.cfg.eventTimeout,
		View:         view.Options{HiddenTools: f.cfg.HiddenTools, ShowEmpty: f.cfg.ShowEmpty},
		Checkpoints:  f.checkpoints,
		ThreadID:     threadID,
	}
	if threadID == "" || f.checkpoints == nil {
		return session.New(opts)
	}
	s, err := session.Hydrate(ctx, f.checkpoints, threadID, opts)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return session.New(opts)
	}
	return s, err
}
