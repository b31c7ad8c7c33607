package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"signalrelay/config"
	"signalrelay/internal/api"
	"signalrelay/internal/broker"
	"signalrelay/internal/broker/angelone"
	"signalrelay/internal/broker/dhan"
	"signalrelay/internal/broker/paper"
	"signalrelay/internal/dispatch"
	"signalrelay/internal/engine"
	"signalrelay/internal/exitmon"
	kafkaingest "signalrelay/internal/ingest/kafka"
	"signalrelay/internal/logger"
	"signalrelay/internal/marketdata/bus"
	"signalrelay/internal/marketdata/feed"
	"signalrelay/internal/markethours"
	"signalrelay/internal/metrics"
	"signalrelay/internal/model"
	"signalrelay/internal/notification"
	"signalrelay/internal/resilience"
	"signalrelay/internal/roster"
	chstore "signalrelay/internal/store/clickhouse"
	"signalrelay/internal/store/memory"
	pgstore "signalrelay/internal/store/postgres"
	redisstore "signalrelay/internal/store/redis"
	sqlitestore "signalrelay/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Init(cfg.Service, cfg.Log.Level, cfg.Log.Format)
	log := logger.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("relay failed")
	}
	log.Info().Msg("relay stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	if cfg.Profiling.ServerAddress != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Service,
			ServerAddress:   cfg.Profiling.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return fmt.Errorf("pyroscope start: %w", err)
		}
		defer func() { _ = profiler.Stop() }()
		log.Info().Str("server", cfg.Profiling.ServerAddress).Msg("profiling enabled")
	}

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()

	// ---- Durable store ----
	store, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.SQLite.Path})
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info().Str("path", cfg.SQLite.Path).Msg("sqlite ready")

	var accounts roster.AccountStore = store
	if cfg.Accounts.Driver == "postgres" {
		pg, err := pgstore.Open(cfg.Accounts.PostgresDSN)
		if err != nil {
			return err
		}
		if err := pg.Migrate(); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
		accounts = pg
	}

	// ---- Ticks: memory L1, optional Redis L2 ----
	l1 := memory.NewTickStore()
	var backend memory.Backend
	var redisTicks *redisstore.TickStore
	if cfg.Redis.Addr != "" {
		health.SetRedisEnabled(true)
		cb := resilience.NewCircuitBreaker("redis", 5, 10*time.Second)
		cb.OnStateChange = func(name string, from, to resilience.State) {
			prom.Breaker(name, int(to), to == resilience.StateOpen)
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		}
		redisTicks, err = redisstore.New(redisstore.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, cb)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, continuing with in-memory ticks")
		} else {
			defer redisTicks.Close()
			bw := redisstore.NewBufferedWriter(ctx, redisTicks, 0)
			bw.OnBuffer = prom.BufferedTick
			backend = bw
		}
	}
	ticks := memory.NewLayered(l1, backend)
	if redisTicks != nil {
		health.StartLivenessChecker(ctx, redisTicks.Client(), store.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 10*time.Second)
	}

	// ---- Alerts ----
	notifier := notification.Multi{notification.NewLogNotifier()}
	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID != "" {
		notifier = append(notifier, notification.NewTelegramNotifier(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.WebhookURL != "" {
		notifier = append(notifier, notification.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}

	// ---- Brokers ----
	registry := broker.NewRegistry(
		dhan.New(dhan.Config{BaseURL: cfg.Brokers.Dhan.BaseURL}),
		angelone.New(angelone.Config{RootURL: cfg.Brokers.AngelOne.BaseURL, SessionTTL: cfg.Brokers.AngelOne.SessionTTL}),
	)
	if cfg.Brokers.Paper.Enabled {
		registry.UsePaper(paper.New(ticks, cfg.Brokers.Paper.SlippageBps))
		log.Warn().Msg("paper trading enabled, no live orders will be placed")
	}
	retrier := broker.NewRetrier(registry, resilience.RetryPolicy{
		MaxAttempts:    cfg.Brokers.Retry.MaxAttempts,
		InitialDelay:   cfg.Brokers.Retry.InitialDelay,
		Multiplier:     cfg.Brokers.Retry.Multiplier,
		AttemptTimeout: cfg.Brokers.Retry.AttemptTimeout,
	}, broker.BreakerConfig{
		MaxFailures:  cfg.Brokers.Breaker.MaxFailures,
		ResetTimeout: cfg.Brokers.Breaker.ResetTimeout,
	}, prom)

	// ---- Optional trade archive ----
	var archive engine.Archiver
	var chArchive *chstore.Archive
	if cfg.ClickHouse.Host != "" {
		chArchive, err = chstore.Open(chstore.Config{
			Host:      cfg.ClickHouse.Host,
			Port:      cfg.ClickHouse.Port,
			Database:  cfg.ClickHouse.Database,
			User:      cfg.ClickHouse.User,
			Password:  cfg.ClickHouse.Password,
			Table:     cfg.ClickHouse.Table,
			BatchSize: cfg.ClickHouse.BatchSize,
			FlushWait: cfg.ClickHouse.FlushWait,
		})
		if err != nil {
			log.Warn().Err(err).Msg("clickhouse unavailable, trade archive disabled")
		} else if err := chArchive.InitSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("clickhouse schema init failed, trade archive disabled")
			_ = chArchive.Close()
			chArchive = nil
		} else {
			defer chArchive.Close()
			archive = chArchive
		}
	}

	// ---- Core ----
	dispatcher := dispatch.New(dispatch.Config{MaxWorkers: cfg.Dispatch.MaxWorkers},
		retrier, store, store, ticks, notifier, prom)
	eng := engine.New(engine.Deps{
		Signals:    store,
		Ledger:     store,
		Switches:   store,
		Roster:     roster.New(accounts),
		Dispatcher: dispatcher,
		Ticks:      ticks,
		Journal:    store,
		Archive:    archive,
		Metrics:    prom,
	})

	calendar, err := markethours.NewCalendar(cfg.ExitMonitor.Holidays)
	if err != nil {
		return fmt.Errorf("market calendar: %w", err)
	}
	monitor := exitmon.New(exitmon.Config{
		Interval:          cfg.ExitMonitor.Interval,
		IgnoreMarketHours: cfg.ExitMonitor.IgnoreMarketHours,
		Disabled:          cfg.ExitMonitor.Disabled,
	}, store, store, ticks, store, eng, calendar, prom)

	server := api.NewServer(api.ServerConfig{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, api.NewHandler(eng, health, prom))

	var wg conc.WaitGroup
	errCh := make(chan error, 1)
	report := func(err error) {
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Go(func() { report(server.Run(runCtx)) })
	if !cfg.ExitMonitor.Disabled {
		wg.Go(func() { report(monitor.Run(runCtx)) })
	}
	if chArchive != nil {
		wg.Go(func() { chArchive.Run(runCtx) })
	}

	if cfg.Feed.Enabled {
		tickCh := make(chan model.Tick, 10000)
		f, err := feed.New(feed.Config{
			APIKey:     cfg.Feed.APIKey,
			ClientCode: cfg.Feed.ClientCode,
			Password:   cfg.Feed.Password,
			TOTPSecret: cfg.Feed.TOTPSecret,
			Tokens:     cfg.Feed.Tokens,
			RootURL:    cfg.Brokers.AngelOne.BaseURL,
		}, tickCh, health, prom)
		if err != nil {
			return err
		}
		fanout := bus.New(5000, prom)
		storeCh := fanout.Subscribe("tickstore")
		wg.Go(func() { fanout.Run(runCtx, tickCh) })
		wg.Go(func() { bus.Store(context.WithoutCancel(runCtx), storeCh, ticks) })
		wg.Go(func() { report(f.Run(runCtx)) })
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kcfg := kafkaingest.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.SignalsTopic,
			GroupID:      cfg.Kafka.GroupID,
			RetryBackoff: cfg.Kafka.RetryBackoff,
		}
		consumer := kafkaingest.New(kafkaingest.NewReader(kcfg), eng, kcfg, health, prom)
		wg.Go(func() { report(consumer.Run(runCtx)) })
	}

	log.Info().Bool("paper", registry.Paper()).Bool("feed", cfg.Feed.Enabled).
		Int("kafka_brokers", len(cfg.Kafka.Brokers)).Msg("relay started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("component failed, shutting down")
	}
	cancel()
	wg.Wait()
	return runErr
}
