package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"tradewind/cmd/server/config"
	"tradewind/internal/checkout"
	"tradewind/internal/events"
	"tradewind/internal/notify"
	"tradewind/internal/observability"
	"tradewind/internal/payments"
	"tradewind/internal/realtime"
	"tradewind/internal/reliability"
	"tradewind/internal/saga"
	"tradewind/internal/webhook"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("APP_ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(ctx context.Context, logger *zap.Logger) error {
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	paymentCfg, err := config.LoadPayment()
	if err != nil {
		return err
	}
	guardrailCfg, err := config.LoadGuardrail()
	if err != nil {
		return err
	}
	webhookCfg, err := config.LoadWebhook()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	httpCfg := config.LoadHTTP()
	kafkaCfg := config.LoadKafka()

	metrics := observability.NewMetrics()

	sagaStore, attemptStore, cleanupStores, err := buildStores(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanupStores()

	guards, cleanupGuards, err := buildGuards(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanupGuards()

	hub := realtime.NewHub(logger.Named("realtime"))
	go hub.Run(ctx)

	publisher, closePublisher := buildPublisher(kafkaCfg, guards, hub, logger)
	defer closePublisher()

	orc := saga.New(sagaStore,
		saga.WithLogger(logger.Named("saga")),
		saga.WithDefaultStepTimeout(sagaCfg.StepTimeout),
		saga.WithDefaultRetry(reliability.RetryPolicy{
			MaxAttempts: sagaCfg.RetryAttempts,
			Backoff:     reliability.BackoffExponential,
			BaseDelay:   sagaCfg.RetryBaseDelay,
			MaxDelay:    sagaCfg.RetryMaxDelay,
		}),
		saga.WithTransitionHook(func(tr saga.Transition) {
			if tr.To.Terminal() {
				metrics.CountSagaOutcome(tr.Type, string(tr.To))
			}
			if err := publisher.Publish(context.Background(), events.FromTransition(tr)); err != nil {
				logger.Warn("publish saga event", zap.String("saga_id", tr.SagaID), zap.Error(err))
			}
		}),
	)

	tracker := payments.NewTracker(attemptStore,
		payments.WithTrackerLogger(logger.Named("payments")),
		payments.WithMaxRetryAttempts(paymentCfg.MaxAttempts),
		payments.WithProvider(paymentCfg.Provider),
	)
	gateway := payments.NewReliableGateway(
		payments.NewInMemoryGateway(),
		reliability.NewTokenBucket(paymentCfg.GatewayRate, paymentCfg.GatewayBurst),
		reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
			MaxFailures:  paymentCfg.BreakerFailures,
			ResetTimeout: paymentCfg.BreakerReset,
		}),
		reliability.RetryPolicy{MaxAttempts: 1},
	)

	guardrail := notify.NewGuardrail(guards.Limiter, guards.Dedup,
		notify.WithGuardrailLogger(logger.Named("notify")),
		notify.WithDedupTTL(guardrailCfg.DedupTTL),
	)
	guardrail.RegisterTransport(notify.ChannelEmail, notify.NewMemoryTransport())
	guardrail.RegisterTransport(notify.ChannelSMS, notify.NewMemoryTransport())

	posterOpts := []webhook.HTTPPosterOption{}
	if webhookCfg.SigningSecret != "" {
		posterOpts = append(posterOpts, webhook.WithSigningSecret(webhookCfg.SigningSecret))
	}
	var deadLetters webhook.DeadLetterStore = webhook.NewMemoryDeadLetterStore()
	if webhookCfg.DeadLetterPath != "" {
		journal, err := webhook.NewFileDeadLetterStore(webhookCfg.DeadLetterPath)
		if err != nil {
			return err
		}
		defer func() { _ = journal.Close() }()
		deadLetters = journal
	}
	webhooks := webhook.NewGuard(
		webhook.NewHTTPPoster(posterOpts...),
		deadLetters,
		guards.Dedup,
		webhook.WithGuardLogger(logger.Named("webhook")),
		webhook.WithAttemptTimeout(webhookCfg.AttemptTimeout),
		webhook.WithDeliveryRetry(reliability.RetryPolicy{
			MaxAttempts: webhookCfg.MaxAttempts,
			Backoff:     reliability.BackoffExponential,
			BaseDelay:   webhookCfg.RetryBaseDelay,
			MaxDelay:    30 * time.Second,
		}),
	)

	deps := checkout.Deps{
		Inventory: checkout.NewMemoryInventory(),
		Orders:    checkout.NewMemoryOrderService(),
		Tracker:   tracker,
		Gateway:   gateway,
		Guardrail: guardrail,
		Webhooks:  webhooks,
		Metrics:   metrics,
	}

	runner := saga.NewRunner(orc, sagaCfg.RunnerQueueSize, logger.Named("runner"))
	runner.Start(ctx, sagaCfg.RunnerConcurrency)

	httpSrv := &http.Server{
		Addr: httpCfg.Addr,
		Handler: newAPIMux(&api{
			orc:     orc,
			runner:  runner,
			deps:    deps,
			logger:  logger.Named("api"),
			metrics: metrics,
		}, metrics, hub),
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpCfg.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}
	limiter := reliability.NewTokenBucket(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst)
	grpcSrv := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger.Named("grpc"))),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger.Named("grpc"))),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(grpcSrv)
	}

	grpcErr := make(chan error, 1)
	go func() {
		logger.Info("grpc server listening", zap.String("addr", grpcCfg.Addr))
		grpcErr <- grpcSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		return err
	case err := <-grpcErr:
		return err
	}

	logger.Info("shutting down")
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	metrics.MarkShutdown(0)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()

	// Drain queued saga runs before the stores close.
	runner.Stop()
	return nil
}

// buildPublisher fans saga events out to connected websocket clients, to a
// Redis stream when Redis is configured, and to Kafka when brokers are.
func buildPublisher(cfg config.KafkaConfig, guards guardSet, hub *realtime.Hub, logger *zap.Logger) (events.Publisher, func()) {
	children := []events.Publisher{events.NewBroadcastPublisher(hub)}
	closer := func() {}

	if guards.Redis != nil {
		children = append(children, events.NewRedisStreamPublisher(
			redisClientAdapter{client: guards.Redis},
			guards.Config.Stream,
			guards.Config.StatusTTL,
			guards.Config.StreamMaxLen,
		))
		logger.Info("redis stream publisher enabled", zap.String("stream", guards.Config.Stream))
	}

	if len(cfg.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
		children = append(children, kp)
		closer = func() {
			if err := kp.Close(); err != nil {
				logger.Warn("close kafka publisher", zap.Error(err))
			}
		}
		logger.Info("kafka publisher enabled",
			zap.Strings("brokers", cfg.Brokers),
			zap.String("topic", cfg.Topic),
		)
	}

	return events.NewFanoutPublisher(children...), closer
}
