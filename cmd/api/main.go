package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lawconnect/access"
	"lawconnect/auth"
	"lawconnect/bidding"
	"lawconnect/cache"
	"lawconnect/cases"
	"lawconnect/config"
	"lawconnect/db"
	"lawconnect/message"
	"lawconnect/payment"
	"lawconnect/queue"
	"lawconnect/realtime"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.WithMaxConns(cfg.DBMaxConns))
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	caseRepo := cases.NewRepository(pool)
	bidService := bidding.NewService(pool, caseRepo).WithLogger(logger)

	var gateway payment.Gateway = payment.NewSimulatedGateway()
	if cfg.PaymentGatewayURL != "" {
		gateway = payment.NewHTTPGateway(cfg.PaymentGatewayURL, cfg.PaymentGatewayKey, cfg.PaymentGatewaySecret)
	} else {
		logger.Warn("no payment gateway configured, using simulated orders")
	}
	paymentService := payment.NewService(pool, payment.NewRepository(pool), caseRepo, gateway).
		WithPrice(cfg.ChatAccessPrice, cfg.ChatAccessCurrency).
		WithLogger(logger)
	if cfg.PaymentWebhookSecret == "" {
		logger.Warn("PAYMENT_WEBHOOK_SECRET is empty, payment webhook route is disabled")
	}

	var (
		redisCache *cache.Redis
		worker     *queue.Server
	)
	if cfg.RedisURL != "" {
		redisCache, err = cache.NewRedis(ctx, cfg.RedisURL, "lawconnect:")
		if err != nil {
			return err
		}
		defer redisCache.Close()

		producer, err := queue.NewClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer producer.Close()
		paymentService.WithEnqueuer(producer, time.Minute)

		worker, err = queue.NewServer(cfg.RedisURL, queue.ServerConfig{Concurrency: 4, Queues: "payments=3,default=1"}, logger)
		if err != nil {
			return err
		}
		worker.Register(payment.TaskReconcile, paymentService.HandleReconcile)
	}

	var authz access.ChatAuthorizer = bidService.Guard()
	if cfg.PaymentMode == config.PaymentRequired {
		gate := payment.NewGate(authz, paymentService).WithLogger(logger)
		if redisCache != nil {
			gate.WithCache(redisCache, time.Hour)
		}
		authz = gate
		logger.Info("chat requires completed payment")
	}

	store := message.NewStore(message.NewRepository(pool), authz).WithLogger(logger)
	hub := realtime.NewHub(authz, store).WithLogger(logger)
	bidService.WithNotifier(hub)

	server := &Server{
		authService:   authService,
		caseService:   bidService,
		messages:      store,
		chat:          hub,
		payments:      paymentService,
		webhookSecret: cfg.PaymentWebhookSecret,
		socket:        realtime.NewHandler(hub, authService, cfg.AllowedOrigins),
		health:        pool.Ping,
		logger:        logger,
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Sockets are hijacked, so Shutdown does not wait for them.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
	}
	return g.Wait()
}
