package main

import (
	"context"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/cache/jetstreamkv"
	"github.com/pitabwire/frame/cache/valkey"
	frameconfig "github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/util"

	rtconfig "github.com/mustafaa-dev/nexa-play-api/config"
	"github.com/mustafaa-dev/nexa-play-api/service/business"
	"github.com/mustafaa-dev/nexa-play-api/service/directory"
	"github.com/mustafaa-dev/nexa-play-api/service/events"
	"github.com/mustafaa-dev/nexa-play-api/service/handlers"
	"github.com/mustafaa-dev/nexa-play-api/service/queues"
	"github.com/mustafaa-dev/nexa-play-api/service/tokens"
)

const gracefulShutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	// Initialize configuration
	cfg, err := frameconfig.LoadWithOIDC[rtconfig.RealtimeConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	// Validate configuration (fail-fast on invalid config)
	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_realtime"
	}

	rawCache, err := setupCache(ctx, cfg)
	if err != nil {
		util.Log(ctx).WithError(err).Fatal("could not setup cache")
	}

	// Create service
	ctx, svc := frame.NewServiceWithContext(ctx, frame.WithConfig(&cfg),
		frame.WithCache(cfg.CacheName, rawCache), frame.WithRegisterServerOauth2Client())
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	qManager := svc.QueueManager()

	registry := business.NewRegistry()
	verifier := tokens.NewJWTVerifier(cfg.JwtSigningSecret, cfg.JwtIssuer)
	userDirectory := directory.NewCachedDirectory(rawCache, cfg.UserCacheTTL())
	sink := events.NewQueueSink(qManager, cfg.QueueLifecycleEventsName)

	acceptor := business.NewAcceptor(registry, verifier, userDirectory, sink, nil,
		business.AcceptorOptions{
			MaxConnections: cfg.MaxConcurrentConnections,
			SetupTimeout:   cfg.SetupTimeout(),
			SweepInterval:  cfg.SweepInterval(),
			DrainWindow:    cfg.ShutdownDrain(),
			Connection: business.ConnectionOptions{
				HeartbeatInterval:     cfg.HeartbeatInterval(),
				MaxMissedPings:        cfg.MaxMissedPings,
				AuthenticationTimeout: cfg.AuthenticationTimeout(),
			},
		})
	acceptor.Start(ctx)

	// Graceful shutdown: drain connections before the service stops.
	// Defers run LIFO: the acceptor closes before svc.Stop.
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer drainCancel()
		acceptor.CloseServer(drainCtx)
	}()

	delivery := business.NewDelivery(registry, business.DeliveryOptions{
		MaxRetries:     cfg.MaxRetries,
		BaseRetryDelay: cfg.BaseRetryDelay(),
		ChunkSize:      cfg.ChunkSize,
		ChunkDelay:     cfg.ChunkDelay(),
	})

	offlineDeliveryPublisher := frame.WithRegisterPublisher(
		cfg.QueueOfflineDeliveryName,
		cfg.QueueOfflineDeliveryURI,
	)
	lifecycleEventsPublisher := frame.WithRegisterPublisher(
		cfg.QueueLifecycleEventsName,
		cfg.QueueLifecycleEventsURI,
	)

	realtimeDeliverySubscriber := frame.WithRegisterSubscriber(
		cfg.QueueRealtimeDeliveryName, cfg.QueueRealtimeDeliveryURI,
		queues.NewRealtimeDeliveryQueueHandler(&cfg, qManager, delivery),
	)
	profileSyncSubscriber := frame.WithRegisterSubscriber(
		cfg.QueueProfileSyncName, cfg.QueueProfileSyncURI,
		queues.NewProfileSyncQueueHandler(userDirectory),
	)

	realtimeServer := handlers.NewRealtimeServer(acceptor, registry, delivery)

	// Initialize the service with all options
	svc.Init(ctx,
		offlineDeliveryPublisher,
		lifecycleEventsPublisher,
		realtimeDeliverySubscriber,
		profileSyncSubscriber,
		frame.WithHTTPHandler(realtimeServer.Handler()),
	)

	// Start the service
	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run Server")
	}
}

func setupCache(_ context.Context, cfg rtconfig.RealtimeConfig) (cache.RawCache, error) {
	cacheDSN := data.DSN(cfg.CacheURI)

	cacheOptions := []cache.Option{
		cache.WithDSN(cacheDSN),
	}

	if cfg.CacheCredentialsFile != "" {
		cacheOptions = append(cacheOptions, cache.WithCredsFile(cfg.CacheCredentialsFile))
	}

	switch {
	case cacheDSN.IsNats():
		return jetstreamkv.New(cacheOptions...)
	case cacheDSN.IsRedis():
		return valkey.New(cacheOptions...)
	default:
		return cache.NewInMemoryCache(), nil
	}
}
