package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/service-dispatch/internal/config"
	"github.com/iliyamo/service-dispatch/internal/database"
	"github.com/iliyamo/service-dispatch/internal/events"
	"github.com/iliyamo/service-dispatch/internal/handler"
	"github.com/iliyamo/service-dispatch/internal/logger"
	"github.com/iliyamo/service-dispatch/internal/middleware"
	"github.com/iliyamo/service-dispatch/internal/queue"
	"github.com/iliyamo/service-dispatch/internal/realtime"
	"github.com/iliyamo/service-dispatch/internal/repository"
	"github.com/iliyamo/service-dispatch/internal/router"
	"github.com/iliyamo/service-dispatch/internal/scheduler"
	"github.com/iliyamo/service-dispatch/internal/service"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "service-dispatch"})
	dcfg, err := config.LoadDispatch()
	if err != nil {
		log.Fatal("invalid dispatch configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		log.Fatal("database connection failed", "error", err)
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal("schema migration failed", "error", err)
		}
	}

	jobs := repository.NewJobRepo(db)
	sched := scheduler.New(jobs, dcfg, log.With("component", "scheduler"))
	notifier := service.NewSinkNotifier(repository.NewNotificationRepo(db), 5*time.Second, log.With("component", "notifier"))
	engine := service.NewEngine(service.Deps{
		Bookings:    repository.NewBookingRepo(db),
		Bids:        repository.NewBidRepo(db),
		Contractors: repository.NewContractorRepo(db),
		Chats:       repository.NewChatRepo(db),
		Reviews:     repository.NewReviewRepo(db),
		Payments:    repository.NewPaymentRepo(db),
		Notifier:    notifier,
		Jobs:        sched,
		Config:      dcfg,
		Log:         log.With("component", "engine"),
	})

	var wg sync.WaitGroup
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("background task stopped", "task", name, "error", err)
			}
		}()
	}

	// Events go through Redis when it is configured so every instance's
	// hub sees them; otherwise straight into the local hub.
	hub := realtime.NewHub(engine, log.With("component", "hub"))
	var bus events.Publisher = hub
	rdb := config.NewRedisClient(ctx, config.LoadRedisConfig())
	if rdb != nil {
		defer rdb.Close()
		rb := events.NewRedisBus(rdb, log.With("component", "bus"))
		bus = rb
		spawn("redis-bus", func() error { return rb.Listen(ctx, hub) })
	} else {
		log.Warn("redis not configured; events stay on this instance")
	}
	engine.UseBus(bus)

	runner := scheduler.NewRunner(jobs, engine, dcfg, log.With("component", "runner"))
	if cfg.AMQPURL != "" {
		pub, err := queue.NewPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatal("rabbitmq connection failed", "error", err)
		}
		defer pub.Close()
		if err := pub.DeclareQueue(dcfg.JobQueue); err != nil {
			log.Fatal("job queue declare failed", "error", err)
		}
		runner.UseTransport(queue.JobTransport{Pub: pub, Queue: dcfg.JobQueue})

		spawn("job-consumer", func() error {
			return queue.Consume(ctx, queue.ConsumerOptions{
				URL:      cfg.AMQPURL,
				Queue:    dcfg.JobQueue,
				Prefetch: dcfg.JobBatch,
				Requeue:  queue.RequeueUnavailable,
			}, queue.JobHandler(runner), log)
		})
		spawn("payment-consumer", func() error {
			return queue.Consume(ctx, queue.ConsumerOptions{
				URL:      cfg.AMQPURL,
				Queue:    dcfg.PaymentQueue,
				Exchange: dcfg.PaymentExchange,
				Keys:     []string{queue.PaymentCapturedRoutingKey},
				Requeue:  queue.RequeueUnavailable,
			}, queue.PaymentHandler(engine), log)
		})
	} else {
		log.Warn("rabbitmq not configured; deferred jobs run in-process and payment events are not consumed")
	}
	spawn("job-runner", func() error { return runner.Run(ctx) })

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewRequestValidator()
	e.Use(middleware.RequestLogging(log), middleware.Recovery(log))

	ready := map[string]handler.Pinger{"mysql": db}
	if rdb != nil {
		ready["redis"] = handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	router.RegisterRoutes(e, handler.Ready(ready))

	lim, err := limits(rdb, log)
	if err != nil {
		log.Fatal("rate limit configuration invalid", "error", err)
	}
	router.RegisterBookings(e, handler.NewBookingHandler(engine, log), cfg.JWTSecret, lim)
	router.RegisterContractor(e, handler.NewContractorHandler(engine, log), cfg.JWTSecret, lim)
	ws := realtime.NewServer(hub, bus, engine, log.With("component", "realtime"))
	router.RegisterRealtime(e, handler.NewRealtimeHandler(ctx, ws, cfg.JWTSecret, log))

	addr := ":" + cfg.Port
	go func() {
		log.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	wg.Wait()
	// Runs before the deferred db.Close.
	if err := notifier.Close(shutdownCtx); err != nil {
		log.Warn("notification writes abandoned at shutdown", "error", err)
	}
}

// limits builds the Redis-backed route middleware.  Without Redis both
// are left nil and the router skips them.
func limits(rdb *redis.Client, log *logger.Logger) (router.Limits, error) {
	if rdb == nil {
		return router.Limits{}, nil
	}
	rl, err := config.LoadRateLimitConfig()
	if err != nil {
		return router.Limits{}, err
	}
	return router.Limits{
		Bids:   middleware.NewTokenBucket(rl, rdb, log.With("component", "ratelimit")),
		Nearby: middleware.NewRedisCache(config.LoadCacheConfig(), rdb, log),
	}, nil
}
