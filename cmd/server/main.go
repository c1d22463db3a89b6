package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"disasterRelief/internal/config"
	"disasterRelief/internal/coordinator"
	"disasterRelief/internal/db"
	"disasterRelief/internal/events"
	"disasterRelief/internal/feed"
	grpcserver "disasterRelief/internal/grpc"
	httpserver "disasterRelief/internal/http"
	"disasterRelief/internal/location"
	"disasterRelief/internal/metrics"
	"disasterRelief/internal/notify"
	"disasterRelief/repository"
)

func main() {
	// Load configuration
	cfg, err := config.LoadWithDefaults()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, ping, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	pub, closePub, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open events: %v", err)
	}
	defer closePub()

	m := metrics.New()
	notifier := notify.New(store, pub, notify.WithLogger(logger), notify.WithMetrics(m))
	coord := coordinator.New(store,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(m),
		coordinator.WithErrorReporter(notifier),
		coordinator.WithLocationOptions(location.Options{
			Timeout:      cfg.Location.Timeout,
			HighAccuracy: true,
			MaxAge:       cfg.Location.MaxAge,
		}),
		coordinator.WithAccuracyCeiling(cfg.Location.AccuracyCeilingM),
	)
	views := feed.New(store, feed.WithLogger(logger), feed.WithMetrics(m))

	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		if err := notifier.Run(ctx); err != nil {
			logger.Error("notifier stopped", "error", err)
		}
	}()

	// Start HTTP
	shutdownHTTP, err := httpserver.NewServer(coord, views, m, cfg.Auth.JWTSecret, logger).Serve(cfg.HTTP.Address)
	if err != nil {
		log.Fatalf("start http: %v", err)
	}
	logger.Info("http server listening", "address", cfg.HTTP.Address)

	// Start gRPC
	grpcSrv, err := grpcserver.StartGRPC(cfg, ping, logger)
	if err != nil {
		log.Fatalf("start grpc: %v", err)
	}
	logger.Info("grpc server listening", "address", grpcSrv.Addr())

	<-ctx.Done()
	logger.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownHTTP(sctx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := grpcSrv.Shutdown(sctx); err != nil {
		logger.Error("grpc shutdown", "error", err)
	}
	<-notifyDone
}

// openStore returns the Redis store when REDIS_ADDR is set and the sqlite
// store otherwise, with a reachability check for the health service.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.UserStore, grpcserver.Pinger, func(), error) {
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		store, err := repository.NewRedisStore(ctx, client, cfg.Redis.Prefix, logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return store, ping, func() {
			if err := store.Close(); err != nil {
				logger.Error("close store", "error", err)
			}
			_ = client.Close()
		}, nil
	}

	d, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	store := repository.NewSQLiteStore(d)
	return store, d.PingContext, func() {
		_ = store.Close()
		if err := d.Close(); err != nil {
			logger.Error("close db", "error", err)
		}
	}, nil
}

// openPublisher publishes to Kafka when brokers are configured. Otherwise
// events stay in process and are logged by a local subscriber.
func openPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (events.Publisher, func(), error) {
	if len(cfg.Events.Brokers) > 0 {
		pub, err := events.NewKafkaPublisher(strings.Join(cfg.Events.Brokers, ","), cfg.Events.Topic, logger)
		if err != nil {
			return nil, nil, err
		}
		return pub, func() { _ = pub.Close() }, nil
	}

	pub, ch := events.NewGoChannelPublisher(cfg.Events.Topic, logger)
	msgs, err := ch.Subscribe(ctx, cfg.Events.Topic)
	if err != nil {
		_ = pub.Close()
		return nil, nil, err
	}
	go logEvents(logger, msgs)
	return pub, func() { _ = pub.Close() }, nil
}

func logEvents(logger *slog.Logger, msgs <-chan *message.Message) {
	for msg := range msgs {
		e, err := events.Decode(msg)
		if err != nil {
			logger.Warn("undecodable event", "message_id", msg.UUID, "error", err)
		} else {
			logger.Info("notification", "type", e.Type, "user_id", e.UserID, "event_id", e.ID)
		}
		msg.Ack()
	}
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
