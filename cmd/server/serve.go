package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"dronedispatch/internal/archive"
	"dronedispatch/internal/auth"
	rediscache "dronedispatch/internal/cache/redis"
	"dronedispatch/internal/clock"
	"dronedispatch/internal/config"
	"dronedispatch/internal/dispatch"
	"dronedispatch/internal/events"
	natsbus "dronedispatch/internal/events/nats"
	"dronedispatch/internal/events/sink"
	"dronedispatch/internal/jobs"
	"dronedispatch/internal/logging"
	"dronedispatch/internal/repo/postgres"
	"dronedispatch/internal/transport/grpcapi"
	"dronedispatch/internal/transport/httpapi"
	"dronedispatch/internal/transport/thriftapi"
	"dronedispatch/internal/weather"
)

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart {
		if err := postgres.RunMigrationsUp(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	var weatherCache weather.Cache = weather.NewMemoryCache()
	opts := []dispatch.Option{dispatch.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		weatherCache = rediscache.NewWeatherCache(rdb)
		opts = append(opts, dispatch.WithLocationSink(rediscache.NewLocationCache(rdb, cfg.LocationTTL)))
	}
	if cfg.ArchiveBucket != "" {
		archiver, err := archive.NewS3(ctx, cfg.ArchiveRegion, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		opts = append(opts, dispatch.WithArchiver(archiver))
	}

	clk := clock.Real{}
	opts = append(opts, dispatch.WithClock(clk))
	gate := weather.NewGate(
		weather.NewOpenMeteo(cfg.WeatherURL, cfg.WeatherTimeout),
		weatherCache,
		clk,
		cfg.Weather(),
		logger,
	)
	engine := dispatch.New(store, gate, cfg.Dispatch(), opts...)
	if err := engine.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	var nc *nats.Conn
	if cfg.NATSSubscribe || cfg.EventSink == sink.KindNATS {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("dronedispatch"))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Close()
	}

	authenticator := auth.New(cfg.JWTSecret, cfg.JWTTTL)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewServer(engine, authenticator, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer := grpcapi.NewServer(engine, authenticator, logger)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	thriftServer, err := thriftapi.NewServer(cfg.ThriftAddr, engine, authenticator, logger)
	if err != nil {
		return fmt.Errorf("thrift: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		err := grpcServer.Serve(grpcListener)
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("thrift listening", "addr", cfg.ThriftAddr)
		return thriftServer.Serve()
	})

	g.Go(func() error {
		return jobs.NewManager(engine, store, cfg.Schedules(), logger, jobs.WithClock(clk)).Run(ctx)
	})

	if cfg.NATSSubscribe {
		sub := natsbus.NewSubscriber(nc, engine, cfg.Dispatch().RequestTimeout, logger)
		g.Go(func() error { return sub.Run(ctx) })
	}

	if cfg.OutboxEnabled {
		publisher, err := sink.Open(sink.Options{
			Kind:         cfg.EventSink,
			NATSConn:     nc,
			NATSSubject:  cfg.NATSSubject,
			KafkaBrokers: cfg.KafkaBrokers,
			KafkaTopic:   cfg.KafkaTopic,
		})
		if err != nil {
			return fmt.Errorf("event sink: %w", err)
		}
		defer publisher.Close()
		worker := &events.OutboxWorker{
			Repo:         store,
			Publisher:    publisher,
			PollInterval: cfg.OutboxInterval,
			BatchSize:    cfg.OutboxBatch,
			Logger:       logger,
		}
		g.Go(func() error {
			logger.Info("outbox relay running", "sink", cfg.EventSink, "interval", cfg.OutboxInterval, "batch", cfg.OutboxBatch)
			err := worker.Start(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		_ = thriftServer.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
