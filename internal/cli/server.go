package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contest-live-service/internal/app"
	"contest-live-service/internal/auth"
	"contest-live-service/internal/broadcast"
	"contest-live-service/internal/config"
	"contest-live-service/internal/grader"
	"contest-live-service/internal/infra/memory"
	natsmirror "contest-live-service/internal/infra/nats"
	pgstore "contest-live-service/internal/infra/postgres"
	rediscache "contest-live-service/internal/infra/redis"
	"contest-live-service/internal/logging"
	"contest-live-service/internal/metrics"
	"contest-live-service/internal/ranking"
	transport "contest-live-service/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the live contest server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg, logger); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = newRedisClient(cfg)
		defer redisClient.Close()
	}

	var (
		loader    memory.ContestLoader
		persister ranking.Persister
	)
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		loader = pgstore.NewContestLoader(pool)

		db, err := openBun(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		persister = pgstore.NewRankingStore(db)
	} else {
		contests, err := memory.ReadFixtures(cfg.Contests.Fixtures)
		if err != nil {
			return err
		}
		loader = memory.NewStaticContestLoader(contests)
		logger.Info("serving contests from fixtures", "file", cfg.Contests.Fixtures, "count", len(contests))
	}

	contestTTL := config.TTLDuration(cfg.Contests.TTL, 10*time.Minute)
	var contests app.ContestRepository
	if redisClient != nil {
		contests = rediscache.NewContestRepository(redisClient, loader, contestTTL)
		if persister == nil {
			persister = rediscache.NewSnapshotStore(redisClient)
		}
	} else {
		contests = memory.NewContestRepository(loader, contestTTL)
	}
	if persister == nil {
		persister = memory.NewSnapshotStore()
	}

	exec := grader.NewProcessExecutor(cfg.Grader.Languages, cfg.Grader.WorkDir,
		config.TTLDuration(cfg.Grader.CompileTimeout, 10*time.Second))
	g := grader.New(exec, grader.Options{
		Workers:         cfg.Grader.Workers,
		PerSubmission:   cfg.Grader.PerSubmission,
		RunTimeout:      config.TTLDuration(cfg.Grader.RunTimeout, 2*time.Second),
		DefaultLanguage: cfg.Grader.DefaultLanguage,
	}, m, logger)

	store := ranking.NewStore(m)
	hubOpts := broadcast.Options{
		SubscriberQueue: cfg.Feed.SubscriberQueue,
		TopicQueue:      cfg.Feed.TopicQueue,
	}
	if cfg.NATS.URL != "" {
		nc, err := natsmirror.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()
		hubOpts.Mirror = natsmirror.NewMirror(nc, cfg.NATS.SubjectPrefix)
	}
	hub := broadcast.NewHub(store, hubOpts, m, logger)
	writer := ranking.NewAsyncWriter(persister, config.TTLDuration(cfg.Persist.Timeout, 5*time.Second), m, logger)

	service := app.NewService(app.Deps{
		Tokens:    auth.NewGate(cfg.Auth.Secret),
		Contests:  contests,
		Grader:    g,
		Store:     store,
		Hub:       hub,
		Persister: persister,
		Writer:    writer,
		Retain:    config.TTLDuration(cfg.Contests.Retain, app.DefaultRetention),
		Logger:    logger,
	})

	routerOpts := transport.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SubmitRate:     cfg.Submit.RatePerSecond,
		SubmitBurst:    cfg.Submit.Burst,
		KeepAlive:      config.TTLDuration(cfg.Feed.KeepAlive, 15*time.Second),
		WriteTimeout:   config.TTLDuration(cfg.Feed.WriteTimeout, 10*time.Second),
		LogLevel:       logging.ParseLevel(cfg.Log.Level),
		LogJSON:        cfg.Log.Format == "json",
	}
	if cfg.Metrics.Enabled {
		routerOpts.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	// Feeds are long-lived, so there is no server-wide write timeout;
	// every feed write sets its own deadline.
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           transport.NewRouter(service, routerOpts),
		ReadHeaderTimeout: config.TTLDuration(cfg.Server.ReadTimeout, 15*time.Second),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return writer.Run(writerCtx)
	})
	group.Go(func() error {
		logger.Info("starting contest live service", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			config.TTLDuration(cfg.Server.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Closing the feeds first lets streaming handlers return before
		// the server waits on them.
		service.Close(shutdownCtx)
		err := server.Shutdown(shutdownCtx)
		stopWriter()
		return err
	})
	return group.Wait()
}

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
