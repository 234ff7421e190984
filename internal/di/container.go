// Package di assembles the runtime dependency graph: config in, an HTTP
// handler and its supporting infrastructure out.
package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/starbridge/api/internal/gateways/delivery"
	"github.com/starbridge/api/internal/gateways/marketplace"
	"github.com/starbridge/api/internal/handlers"
	"github.com/starbridge/api/internal/notify"
	"github.com/starbridge/api/internal/platform/config"
	platformfs "github.com/starbridge/api/internal/platform/firestore"
	"github.com/starbridge/api/internal/platform/idempotency"
	"github.com/starbridge/api/internal/platform/jobs"
	"github.com/starbridge/api/internal/platform/locks"
	"github.com/starbridge/api/internal/platform/observability"
	"github.com/starbridge/api/internal/platform/retry"
	"github.com/starbridge/api/internal/repositories"
	repofirestore "github.com/starbridge/api/internal/repositories/firestore"
	"github.com/starbridge/api/internal/services"
)

// Stars held by the simulated delivery platform. Large enough that local
// runs never trip the balance gate unless a test wants them to.
const (
	simulatedBalance    = 1_000_000
	simulatedDailyLimit = 1_000_000
)

// Container wires repositories, gateways, the engine, and the HTTP surface
// for runtime use.
type Container struct {
	Config       config.Config
	Logger       *zap.Logger
	Repositories repositories.Registry
	Engine       services.FulfillmentEngine
	Idempotency  idempotency.Store
	Handler      http.Handler

	closers []func(ctx context.Context) error
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{Config: cfg, Logger: logger}

	var provider *platformfs.Provider
	if cfg.Firestore.ProjectID != "" {
		provider = platformfs.NewProvider(cfg.Firestore)
		c.onClose(func(context.Context) error { return provider.Close() })

		registry, err := repofirestore.NewRegistry(provider)
		if err != nil {
			c.closeQuiet(ctx)
			return nil, fmt.Errorf("build firestore registry: %w", err)
		}
		c.Repositories = registry
	} else {
		logger.Info("no firestore project configured, using in-memory repositories")
		c.Repositories = repositories.NewMemoryRegistry()
	}

	market, err := buildMarketplace(cfg)
	if err != nil {
		c.closeQuiet(ctx)
		return nil, err
	}
	platform, err := buildDelivery(cfg)
	if err != nil {
		c.closeQuiet(ctx)
		return nil, err
	}
	sink, err := buildNotifier(cfg, logger)
	if err != nil {
		c.closeQuiet(ctx)
		return nil, err
	}

	guard, err := c.buildGuard(cfg)
	if err != nil {
		c.closeQuiet(ctx)
		return nil, err
	}

	events, err := c.buildEvents(ctx, cfg)
	if err != nil {
		c.closeQuiet(ctx)
		return nil, err
	}

	if provider != nil {
		c.Idempotency = idempotency.NewFirestoreStore(provider)
	} else {
		c.Idempotency = idempotency.NewMemoryStore()
	}

	engine, err := services.NewFulfillmentEngine(services.FulfillmentEngineDeps{
		Orders:       c.Repositories.Orders(),
		Fulfillments: c.Repositories.Fulfillments(),
		Marketplace:  market,
		Delivery:     platform,
		Notifier:     sink,
		Events:       events,
		Guard:        guard,
		VerifyRetry: retry.Policy{
			MaxAttempts: cfg.Fulfillment.MaxRetryVerify,
			BaseDelay:   cfg.Fulfillment.BaseRetryDelay,
		},
		TransferRetry: retry.Policy{
			MaxAttempts: cfg.Fulfillment.MaxRetry,
			BaseDelay:   cfg.Fulfillment.BaseRetryDelay,
		},
		MinPerTransfer:  cfg.Fulfillment.MinPerTransfer,
		MaxPerBatch:     cfg.Fulfillment.MaxPerBatch,
		InterBatchDelay: cfg.Fulfillment.InterBatchDelay,
		Logger:          logger,
	})
	if err != nil {
		c.closeQuiet(ctx)
		return nil, fmt.Errorf("build fulfillment engine: %w", err)
	}
	c.Engine = engine

	c.Handler = c.buildRouter(cfg, logger)
	return c, nil
}

// Close releases held resources in reverse acquisition order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Repositories != nil {
		if err := c.Repositories.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(ctx context.Context) error) {
	c.closers = append(c.closers, fn)
}

func (c *Container) closeQuiet(ctx context.Context) {
	if err := c.Close(ctx); err != nil {
		c.Logger.Warn("partial container teardown failed", zap.Error(err))
	}
}

func buildMarketplace(cfg config.Config) (marketplace.Provider, error) {
	var base marketplace.Provider
	if cfg.Marketplace.Simulated {
		base = marketplace.NewSimulated()
	} else {
		client, err := marketplace.NewFunPayClient(marketplace.FunPayClientConfig{
			BaseURL:   cfg.Marketplace.BaseURL,
			AuthToken: cfg.Marketplace.AuthToken,
		})
		if err != nil {
			return nil, fmt.Errorf("build marketplace client: %w", err)
		}
		base = client
	}

	if cfg.Stripe.APIKey == "" {
		return base, nil
	}
	verifier, err := marketplace.NewStripeVerifier(base, marketplace.StripeVerifierConfig{APIKey: cfg.Stripe.APIKey})
	if err != nil {
		return nil, fmt.Errorf("build stripe verifier: %w", err)
	}
	return verifier, nil
}

func buildDelivery(cfg config.Config) (delivery.Provider, error) {
	if cfg.Delivery.Simulated {
		return delivery.NewSimulated(simulatedBalance, simulatedDailyLimit), nil
	}
	client, err := delivery.NewFragmentClient(delivery.FragmentClientConfig{
		BaseURL:   cfg.Delivery.BaseURL,
		AuthToken: cfg.Delivery.AuthToken,
	})
	if err != nil {
		return nil, fmt.Errorf("build delivery client: %w", err)
	}
	return client, nil
}

func buildNotifier(cfg config.Config, logger *zap.Logger) (notify.Sink, error) {
	if cfg.Notify.Disabled || cfg.Notify.BotToken == "" {
		return notify.NewLogSink(logger), nil
	}
	sink, err := notify.NewTelegramSink(notify.TelegramSinkConfig{
		BotToken:     cfg.Notify.BotToken,
		AdminChatIDs: cfg.Notify.AdminChatIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("build telegram sink: %w", err)
	}
	return sink, nil
}

func (c *Container) buildGuard(cfg config.Config) (locks.Registry, error) {
	if cfg.Redis.Addr == "" {
		return locks.NewMemoryRegistry(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	c.onClose(func(context.Context) error { return client.Close() })
	return locks.NewRedisRegistry(client, cfg.Redis.LockPrefix), nil
}

func (c *Container) buildEvents(ctx context.Context, cfg config.Config) (services.OrderEventPublisher, error) {
	if cfg.Events.ProjectID == "" || cfg.Events.Topic == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	c.onClose(func(context.Context) error { return client.Close() })

	topic := client.Topic(cfg.Events.Topic)
	c.onClose(func(context.Context) error {
		topic.Stop()
		return nil
	})

	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		return nil, fmt.Errorf("build order event publisher: %w", err)
	}
	return publisher, nil
}

func (c *Container) buildRouter(cfg config.Config, logger *zap.Logger) http.Handler {
	orderHandlers := handlers.NewOrderHandlers(c.Engine)
	catalogHandlers := handlers.NewCatalogHandlers(c.Engine)
	healthHandlers := handlers.NewHealthHandlers(c.Repositories.Health())

	idempotencyOpts := []idempotency.MiddlewareOption{idempotency.WithLogger(logger)}
	if cfg.Idempotency.Header != "" {
		idempotencyOpts = append(idempotencyOpts, idempotency.WithHeader(cfg.Idempotency.Header))
	}
	if cfg.Idempotency.TTL > 0 {
		idempotencyOpts = append(idempotencyOpts, idempotency.WithTTL(cfg.Idempotency.TTL))
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithOrderMiddlewares(
			handlers.RateLimitMiddleware(60, time.Minute),
			idempotency.Middleware(c.Idempotency, idempotencyOpts...),
		),
		handlers.WithCatalogRoutes(catalogHandlers.Routes),
	}

	if cfg.Webhooks.Secret != "" {
		webhookHandlers := handlers.NewWebhookHandlers(c.Engine, cfg.Webhooks, logger)
		opts = append(opts,
			handlers.WithWebhookRoutes(webhookHandlers.Routes),
			handlers.WithWebhookMiddlewares(handlers.RateLimitMiddleware(120, time.Minute)),
		)
	}

	return handlers.NewRouter(opts...)
}
