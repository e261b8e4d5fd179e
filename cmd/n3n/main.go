// Command n3n runs the workflow automation platform: the execution engine,
// trigger ingress (webhooks and schedules), the execution event stream, and
// the secure device channel, all in one process.
//
// # Configuration
//
// Environment variables (each overrides the optional YAML file given with
// -config):
//
//	HOST        - listen host (default: "0.0.0.0")
//	PORT        - listen port (default: 8080)
//	LOG_LEVEL   - "debug" enables debug logging (default: "info")
//	MONGO_URL   - MongoDB connection string; unset runs on the in-memory store
//	MONGO_DB    - MongoDB database name (default: "n3n")
//	REDIS_URL   - Redis address for the Pulse event stream; unset disables it
//	JWT_SECRET  - HS256 secret admitting event stream subscribers (required)
//
// # Endpoints
//
//	/webhooks/...        webhook trigger ingress
//	/ws/executions/{id}  execution event stream (WebSocket)
//	/ws/agent            paired agent channel (WebSocket)
//	/healthz             dependency health
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	mongostore "github.com/n3nlabs/n3n/features/store/mongo"
	pulsestream "github.com/n3nlabs/n3n/features/stream/pulse"
	clientspulse "github.com/n3nlabs/n3n/features/stream/pulse/clients/pulse"
	"github.com/n3nlabs/n3n/features/stream/ws"
	"github.com/n3nlabs/n3n/runtime/devchan"
	"github.com/n3nlabs/n3n/runtime/engine"
	"github.com/n3nlabs/n3n/runtime/handler"
	"github.com/n3nlabs/n3n/runtime/handler/builtin"
	"github.com/n3nlabs/n3n/runtime/hub"
	"github.com/n3nlabs/n3n/runtime/store"
	"github.com/n3nlabs/n3n/runtime/store/memory"
	"github.com/n3nlabs/n3n/runtime/telemetry"
	"github.com/n3nlabs/n3n/runtime/trigger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("N3N_CONFIG"), "path to YAML config file")
	flag.Parse()

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	opts := []log.LogOption{log.WithFormat(log.FormatJSON)}
	if cfg.LogLevel == "debug" {
		opts = append(opts, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(log.Context(context.Background(), opts...),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := telemetry.NewClueLogger()

	// Persistence: Mongo when configured, in-memory otherwise.
	var (
		st      store.Store
		pingers []health.Pinger
	)
	if cfg.MongoURL != "" {
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
				logger.Warn(ctx, "mongo disconnect failed", "error", err.Error())
			}
		}()
		ms, err := mongostore.New(mongostore.Options{Client: client, Database: cfg.MongoDB})
		if err != nil {
			return fmt.Errorf("create mongo store: %w", err)
		}
		st = ms
		pingers = append(pingers, ms)
		logger.Info(ctx, "store ready", "backend", "mongo", "database", cfg.MongoDB)
	} else {
		st = memory.New()
		logger.Info(ctx, "store ready", "backend", "memory")
	}

	h := hub.New(logger)

	// The agent WebSocket endpoint is the device transport, but it also
	// needs the device service to authenticate tokens. The indirection
	// breaks the construction cycle.
	transport := &agentTransport{}
	dev, err := devchan.New(devchan.Options{Store: st, Transport: transport, Logger: logger})
	if err != nil {
		return fmt.Errorf("create device channel: %w", err)
	}

	registry := handler.NewRegistry(logger)
	if err := builtin.RegisterAll(registry, builtin.Options{DeviceSender: dev}); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	eng, err := engine.New(engine.Options{Store: st, Registry: registry, Hub: h, Logger: logger})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			logger.Warn(ctx, "engine close failed", "error", err.Error())
		}
	}()

	scheduler, err := trigger.NewScheduler(trigger.SchedulerOptions{Store: st, Starter: eng, Logger: logger})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := scheduler.Refresh(ctx); err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := scheduler.Stop(stopCtx); err != nil {
			logger.Warn(ctx, "scheduler stop failed", "error", err.Error())
		}
	}()

	webhooks, err := trigger.NewWebhookRouter(trigger.WebhookOptions{Store: st, Starter: eng, Logger: logger})
	if err != nil {
		return fmt.Errorf("create webhook router: %w", err)
	}

	// Mirror the event stream onto Pulse when Redis is configured, so
	// out-of-process consumers see the same events as WebSocket subscribers.
	if cfg.RedisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn(ctx, "redis close failed", "error", err.Error())
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		pulseClient, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("create pulse client: %w", err)
		}
		sink, err := pulsestream.NewSink(pulsestream.Options{Client: pulseClient})
		if err != nil {
			return fmt.Errorf("create pulse sink: %w", err)
		}
		go func() {
			if err := hub.NewBridge(h, sink).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(ctx, "pulse bridge stopped", "error", err.Error())
			}
		}()
		logger.Info(ctx, "pulse stream enabled", "redis", cfg.RedisURL)
	}

	verifier, err := ws.NewJWTVerifier([]byte(cfg.JWTSecret))
	if err != nil {
		return err
	}
	events, err := ws.NewEventServer(ws.EventServerOptions{Hub: h, Verifier: verifier, Logger: logger})
	if err != nil {
		return fmt.Errorf("create event server: %w", err)
	}
	agent, err := ws.NewAgentServer(ws.AgentServerOptions{
		Resolver:   dev,
		Logger:     logger,
		OnEnvelope: inboundEnvelopes(dev, logger),
	})
	if err != nil {
		return fmt.Errorf("create agent server: %w", err)
	}
	transport.set(agent)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/", http.StripPrefix("/webhooks", webhooks))
	mux.Handle("/ws/executions/", events)
	mux.Handle("/ws/agent", agent)
	mux.Handle("/healthz", health.Handler(health.NewChecker(pingers...)))

	srv := &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "server listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// inboundEnvelopes opens sealed frames arriving from paired agents. The
// platform currently has no inbound command surface, so verified messages
// are logged and acknowledged implicitly; tampered or stale frames are
// rejected by Open.
func inboundEnvelopes(dev *devchan.Service, logger telemetry.Logger) func(ctx context.Context, userID, deviceID, envelope string) {
	return func(ctx context.Context, userID, deviceID, envelope string) {
		payload, hdr, err := dev.Open(ctx, envelope)
		if err != nil {
			logger.Warn(ctx, "agent envelope rejected", "device_id", deviceID, "error", err.Error())
			return
		}
		logger.Info(ctx, "agent message",
			"user_id", userID,
			"device_id", hdr.DID,
			"seq", hdr.Seq,
			"type", payload.StringOr("type", ""),
		)
	}
}
