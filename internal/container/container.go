package container

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	_ "github.com/danielgtaylor/huma/v2/formats/cbor" // CBOR format support for huma
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jaevor/go-nanoid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/serroba/vision-gateway-go/internal/analytics"
	analyticsstore "github.com/serroba/vision-gateway-go/internal/analytics/store"
	"github.com/serroba/vision-gateway-go/internal/handlers"
	"github.com/serroba/vision-gateway-go/internal/health"
	"github.com/serroba/vision-gateway-go/internal/messaging"
	"github.com/serroba/vision-gateway-go/internal/middleware"
	"github.com/serroba/vision-gateway-go/internal/ratelimit"
	"github.com/serroba/vision-gateway-go/internal/upstream"
	"go.uber.org/zap"
)

// Options is the process configuration, read once at startup.
type Options struct {
	Port          int    `default:"8888"                  help:"Port to listen on"                                        short:"p"`
	RedisURL      string `default:""                      help:"Redis URL; empty keeps rate limiting in-memory"           name:"redis-url"`
	PostgresURL   string `default:""                      help:"PostgreSQL URL for the analytics consumer"                name:"postgres-url"`
	GeminiAPIKey  string `default:""                      help:"Gemini API key"                                           name:"gemini-api-key"`
	GeminiModel   string `default:"gemini-2.5-flash-lite" help:"Gemini model name"                                        name:"gemini-model"`
	RatePerMinute int    `default:"20"                    help:"Per-minute request quota per client"`
	RateDaily     int    `default:"1000"                  help:"Daily request quota per client"`
	RetryMax      int    `default:"2"                     help:"Retry budget for upstream 429 responses"`
	BackoffBaseMS int    `default:"1500"                  help:"Base backoff in milliseconds for upstream retries"`
	RateKeyMode   string `default:"ip"                    enum:"ip,ip_ua"                                                 help:"Rate key derivation mode"`
	LogFormat     string `default:"console"               enum:"console,json"                                             help:"Log output format"`
}

func (o *Options) limits() ratelimit.Limits {
	return ratelimit.Limits{PerMinute: o.RatePerMinute, PerDay: o.RateDaily}
}

// LoggerPackage provides the zap logger.
func LoggerPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*zap.Logger, error) {
		options := do.MustInvoke[*Options](i)

		if options.LogFormat == "json" {
			return zap.NewProduction()
		}

		return zap.NewDevelopment()
	})
}

// RateLimitPackage provides the backend selector. The actual backend
// (Redis or in-memory) is picked lazily on first use.
func RateLimitPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*ratelimit.Selector, error) {
		options := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)

		return ratelimit.NewSelector(options.RedisURL, options.limits(), logger), nil
	})
}

// UpstreamPackage provides the Gemini client behind the backoff
// coordinator.
func UpstreamPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*upstream.Client, error) {
		options := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)

		coordinator := upstream.NewCoordinator(upstream.Config{
			MaxRetries:  options.RetryMax,
			BackoffBase: time.Duration(options.BackoffBaseMS) * time.Millisecond,
		}, logger)

		return upstream.NewClient(coordinator, options.GeminiAPIKey, options.GeminiModel, logger), nil
	})
}

// PublisherPackage provides the analytics publisher group: a Redis
// stream publisher when Redis is configured and reachable, otherwise
// an in-process channel bus so the gateway keeps serving.
func PublisherPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*messaging.PublisherGroup, error) {
		options := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)

		if options.RedisURL != "" {
			publisher, err := newRedisStreamPublisher(options.RedisURL)
			if err != nil {
				logger.Warn("redis stream publisher unavailable, using in-process bus",
					zap.Error(err),
				)
			} else {
				return messaging.NewPublisherGroup(publisher), nil
			}
		}

		bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})

		return messaging.NewPublisherGroup(bus), nil
	})
}

func newRedisStreamPublisher(redisURL string) (*redisstream.Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: redis.NewClient(opts),
	}, watermill.NopLogger{})
}

// HTTPPackage provides the router and API with all routes and
// middleware registered.
func HTTPPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*chi.Mux, error) {
		return chi.NewMux(), nil
	})

	do.Provide(injector, func(i *do.Injector) (huma.API, error) {
		options := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		router := do.MustInvoke[*chi.Mux](i)
		selector := do.MustInvoke[*ratelimit.Selector](i)
		client := do.MustInvoke[*upstream.Client](i)
		publisherGroup := do.MustInvoke[*messaging.PublisherGroup](i)

		api := humachi.New(router, huma.DefaultConfig("Vision Gateway", "1.0.0"))

		requestID, err := nanoid.Standard(12)
		if err != nil {
			return nil, fmt.Errorf("request id generator: %w", err)
		}

		api.UseMiddleware(middleware.RequestMeta(api, middleware.KeyMode(options.RateKeyMode), requestID))

		detectHandler := handlers.NewDetectHandler(
			selector,
			client,
			messaging.NewPublishFunc[analytics.RequestAnalyzedEvent](
				publisherGroup.Publisher(), analytics.TopicRequestAnalyzed),
			messaging.NewPublishFunc[analytics.RateLimitedEvent](
				publisherGroup.Publisher(), analytics.TopicRateLimited),
			logger,
		)
		configHandler := handlers.NewConfigHandler(selector, options.limits(), logger)
		healthHandler := health.NewHandler(options.GeminiAPIKey != "", options.RedisURL != "", selector)

		handlers.RegisterRoutes(api, detectHandler, configHandler)
		health.RegisterRoutes(api, healthHandler)

		return api, nil
	})
}

// SubscriberPackage provides the Redis stream subscriber used by the
// analytics consumer binary.
func SubscriberPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*redisstream.Subscriber, error) {
		options := do.MustInvoke[*Options](i)

		opts, err := redis.ParseURL(options.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}

		return redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        redis.NewClient(opts),
			ConsumerGroup: "analytics",
		}, watermill.NopLogger{})
	})
}

// AnalyticsStorePackage provides the event store: Postgres when a URL
// is configured, otherwise a logging no-op.
func AnalyticsStorePackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (analytics.Store, error) {
		options := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)

		if options.PostgresURL == "" {
			logger.Info("no postgres url configured, analytics events are logged only")

			return analyticsstore.NewNoop(logger), nil
		}

		pool, err := pgxpool.New(context.Background(), options.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}

		return analyticsstore.NewPostgres(pool), nil
	})
}

// ConsumerGroupPackage provides the consumer group for the analytics
// consumer binary.
func ConsumerGroupPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*messaging.ConsumerGroup, error) {
		logger := do.MustInvoke[*zap.Logger](i)
		subscriber := do.MustInvoke[*redisstream.Subscriber](i)
		eventStore := do.MustInvoke[analytics.Store](i)

		group := messaging.NewConsumerGroup(subscriber, logger)
		group.Add(analytics.NewConsumer(subscriber, eventStore, logger))

		return group, nil
	})
}
