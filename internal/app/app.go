// Package app wires the lifecycle engine from configuration
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/database"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/services"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/pkg/mq"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/pkg/payment"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// App holds the wired services and the resources they own
type App struct {
	Store     database.Store
	Limiter   services.RateLimiter
	Payments  *services.PaymentService
	Lifecycle *services.LifecycleService
	Sweeper   *services.LifecycleSweeper
	Redis     *redis.Client // nil when running with in-process locks

	closers []func() error
	logger  *logrus.Logger
}

// New connects the store, Redis, the gateways and the event transport
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{logger: logger}

	store, err := a.openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Store = store

	var locker services.BookingLocker = services.NewKeyedLocker()
	a.Limiter = services.NewMemoryRateLimiter()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.Redis = client
		locker = services.NewRedisBookingLocker(client, cfg.Redis.LockTTL, logger)
		a.Limiter = services.NewRedisRateLimiter(client, "chillconnect")
		logger.WithField("addr", cfg.Redis.Addr).Info("Redis connected, using distributed locks")
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process locks (single instance only)")
	}

	gateways, err := buildGateways(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	publisher, err := a.openPublisher(cfg.Events)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Payments = services.NewPaymentService(store, gateways, locker, publisher, logger)
	a.Lifecycle = services.NewLifecycleService(
		store,
		locker,
		a.Payments,
		services.NewOTPService(store, cfg.OTP),
		services.NewChatWindowManager(cfg.Lifecycle.ChatWindow),
		a.Limiter,
		publisher,
		cfg.OTP,
		cfg.Lifecycle,
		logger,
	)
	a.Sweeper = services.NewLifecycleSweeper(store, a.Lifecycle, cfg.Lifecycle, logger)

	return a, nil
}

// Ping reports the health of each backing dependency, keyed by name
func (a *App) Ping(ctx context.Context) map[string]error {
	status := map[string]error{"database": a.Store.Ping(ctx)}
	if a.Redis != nil {
		status["redis"] = a.Redis.Ping(ctx).Err()
	}
	return status
}

// Close releases connections in reverse order of acquisition
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("Error during shutdown")
		}
	}
	a.closers = nil
}

func (a *App) openStore(cfg config.DatabaseConfig) (database.Store, error) {
	if cfg.Driver == "memory" {
		a.logger.Warn("Using in-memory store, data is lost on restart")
		return database.NewMemoryStore(), nil
	}

	db, err := database.NewConnection(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	a.logger.Info("Database connection established")
	return database.NewPostgresStore(db, a.logger), nil
}

func (a *App) openPublisher(cfg config.EventsConfig) (services.EventPublisher, error) {
	switch cfg.Driver {
	case "amqp":
		pub, err := mq.NewPublisher(cfg.AMQPURL, cfg.Exchange)
		if err != nil {
			return nil, fmt.Errorf("failed to open event transport: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		a.logger.WithField("exchange", cfg.Exchange).Info("Publishing lifecycle events to RabbitMQ")
		return services.NewRoutedPublisher(pub), nil
	case "kafka":
		producer := mq.NewKafkaProducer(strings.Join(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
		a.closers = append(a.closers, producer.Close)
		a.logger.WithField("topic", cfg.KafkaTopic).Info("Publishing lifecycle events to Kafka")
		return services.NewPartitionedPublisher(producer), nil
	default:
		return services.NewLogPublisher(a.logger), nil
	}
}

// buildGateways registers every provider with credentials, each behind the
// shared timeout and retry policy
func buildGateways(cfg *config.Config, logger *logrus.Logger) (*payment.Registry, error) {
	policy := payment.RetryPolicy{
		Timeout:    cfg.Gateway.Timeout,
		MaxRetries: cfg.Gateway.MaxRetries,
		BaseDelay:  cfg.Gateway.RetryBackoff,
	}

	var bindings []payment.Gateway
	payable := payment.NewPayable(&cfg.Payable, &http.Client{Timeout: cfg.Gateway.Timeout}, logger)
	if payable.IsConfigured() {
		bindings = append(bindings, payment.NewResilient(payable, policy, logger))
	}
	if cfg.Stripe.SecretKey != "" {
		bindings = append(bindings, payment.NewResilient(payment.NewStripe(&cfg.Stripe, logger), policy, logger))
	}
	if cfg.Omise.SecretKey != "" {
		o, err := payment.NewOmise(&cfg.Omise, logger)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, payment.NewResilient(o, policy, logger))
	}

	registry := payment.NewRegistry(bindings...)
	if len(bindings) == 0 {
		logger.Warn("No payment gateway configured, payments will be rejected")
	} else {
		logger.WithField("gateways", registry.Names()).Info("Payment gateways configured")
	}
	return registry, nil
}
