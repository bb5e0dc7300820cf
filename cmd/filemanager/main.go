package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fmkit/filemanager/internal/access"
	"github.com/fmkit/filemanager/internal/api"
	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/config"
	"github.com/fmkit/filemanager/internal/delivery"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/files"
	"github.com/fmkit/filemanager/internal/hook"
	"github.com/fmkit/filemanager/internal/httpserver"
	"github.com/fmkit/filemanager/internal/logger"
	"github.com/fmkit/filemanager/internal/redirectcache"
	"github.com/fmkit/filemanager/internal/requestid"
	"github.com/fmkit/filemanager/internal/storage"
	"github.com/fmkit/filemanager/internal/store"
	"github.com/fmkit/filemanager/internal/store/memory"
	"github.com/fmkit/filemanager/internal/store/postgres"
	"github.com/fmkit/filemanager/internal/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", logger.Error(err))
		os.Exit(1)
	}

	log := newLogger(cfg)
	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("filemanager stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := []logger.Option{
		logger.WithEnvironment(cfg.App.Env, cfg.App.Name),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	}
	if cfg.App.LogLevel != "" {
		opts = append(opts, logger.WithLevelName(cfg.App.LogLevel))
	}
	if cfg.App.LogFormat != "" {
		opts = append(opts, logger.WithFormat(logger.Format(cfg.App.LogFormat)))
	}
	return logger.New(opts...)
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var checks []httpserver.Check
	var closers []func(context.Context)

	records, err := openStore(ctx, cfg, log, &checks, &closers)
	if err != nil {
		return err
	}

	drivers, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "storage configured",
		slog.Any("locations", drivers.Locations()),
		slog.String("default", string(drivers.Default().Location())))

	staging, err := openStaging(ctx, cfg, log, &checks, &closers)
	if err != nil {
		return err
	}

	emitter, err := openHooks(cfg, log, &closers)
	if err != nil {
		return err
	}

	resolver, err := newAuthResolver(cfg)
	if err != nil {
		return err
	}

	cache := redirectcache.New(
		redirectcache.WithEnabled(cfg.Delivery.CacheEnabled),
		redirectcache.WithTTL(cfg.Delivery.CacheTTL),
		redirectcache.WithMaxEntries(cfg.Delivery.CacheMaxEntries),
	)
	accessResolver := access.New(records, drivers,
		access.WithFallback(cfg.Delivery.VariantFallback),
		access.WithLogger(log),
	)
	content := delivery.New(accessResolver, cache,
		delivery.WithCacheControl(cfg.Delivery.CacheControl),
		delivery.WithErrorWriter(api.ErrorWriter(log)),
		delivery.WithLogger(log),
	)
	filesSvc := files.NewService(records, drivers, accessResolver,
		files.WithCache(cache),
		files.WithEmitter(emitter),
		files.WithLogger(log),
		files.WithLinks(cfg.Files.LinksEnabled),
		files.WithOwnerForceDelete(cfg.Files.OwnerForceDelete),
	)
	uploads := upload.NewService(records, drivers, staging,
		upload.Config{Policy: cfg.Upload.Policy(), DefaultPublic: cfg.Upload.DefaultPublic},
		upload.WithCache(cache),
		upload.WithEmitter(emitter),
		upload.WithLogger(log),
	)

	srv := api.NewServer(filesSvc, uploads, content, resolver,
		api.WithLogger(log),
		api.WithCORS(cfg.CORS.AllowedOrigins, cfg.CORS.MaxAge),
		api.WithReadiness(5*time.Second, checks...),
	)

	httpOpts := []httpserver.Option{httpserver.WithLogger(log)}
	for _, c := range closers {
		httpOpts = append(httpOpts, httpserver.WithStopHook(c))
	}
	return httpserver.New(cfg.HTTP, httpOpts...).Run(ctx, srv.Routes())
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger, checks *[]httpserver.Check, closers *[]func(context.Context)) (store.Store, error) {
	if cfg.Store.Driver != config.StorePostgres {
		log.WarnContext(ctx, "using in-memory record store, records are lost on restart")
		return memory.New(), nil
	}

	pool, err := postgres.Connect(ctx, cfg.Store.Postgres)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool, cfg.Store.Postgres, log); err != nil {
		pool.Close()
		return nil, err
	}
	*checks = append(*checks, httpserver.Check{Name: "postgres", Func: postgres.Healthcheck(pool)})
	*closers = append(*closers, func(context.Context) { pool.Close() })
	return postgres.New(pool), nil
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage.Registry, error) {
	var drivers []storage.Driver
	if cfg.Storage.Local.Enabled {
		local, err := storage.NewLocalDriver(cfg.Storage.Local.BaseDir, cfg.Storage.Local.Bucket,
			storage.WithLocalWriteTimeout(cfg.Storage.Local.WriteTimeout))
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, local)
	}
	if cfg.Storage.S3.Enabled {
		s3, err := storage.NewS3Driver(ctx, cfg.Storage.S3.Driver())
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, s3)
	}

	reg := storage.NewRegistry(drivers...)
	if err := reg.SetDefault(domain.Location(cfg.Storage.Default)); err != nil {
		return nil, err
	}
	return reg, nil
}

func openStaging(ctx context.Context, cfg *config.Config, log *slog.Logger, checks *[]httpserver.Check, closers *[]func(context.Context)) (upload.Staging, error) {
	if cfg.Staging.Driver != config.StagingRedis {
		return upload.NewMemoryStaging(), nil
	}

	client, err := upload.ConnectRedis(ctx, cfg.Staging.Redis)
	if err != nil {
		return nil, err
	}
	*checks = append(*checks, httpserver.Check{Name: "redis", Func: upload.RedisHealthcheck(client)})
	*closers = append(*closers, func(ctx context.Context) {
		if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			log.ErrorContext(ctx, "failed to close redis client", logger.Error(err))
		}
	})
	return upload.NewRedisStaging(client, cfg.Staging.Redis.KeyPrefix), nil
}

func openHooks(cfg *config.Config, log *slog.Logger, closers *[]func(context.Context)) (hook.Emitter, error) {
	if cfg.Hook.URL == "" {
		return hook.Noop{}, nil
	}

	sender, err := hook.NewSender(cfg.Hook.URL,
		hook.WithSecret(cfg.Hook.Secret),
		hook.WithMaxRetries(cfg.Hook.MaxRetries),
	)
	if err != nil {
		return nil, err
	}
	dispatcher := hook.NewDispatcher(sender,
		hook.WithWorkers(cfg.Hook.Workers),
		hook.WithQueueSize(cfg.Hook.QueueSize),
		hook.WithDeliveryTimeout(cfg.Hook.DeliveryTimeout),
		hook.WithLogger(log),
	)
	*closers = append(*closers, func(ctx context.Context) {
		if err := dispatcher.Close(ctx); err != nil {
			log.ErrorContext(ctx, "failed to drain write hooks", logger.Error(err))
		}
	})
	return dispatcher, nil
}

func newAuthResolver(cfg *config.Config) (auth.Resolver, error) {
	if cfg.Auth.Mode == config.AuthHeader {
		return auth.HeaderResolver{}, nil
	}
	return auth.NewJWTResolver(cfg.Auth.JWTSecret,
		auth.WithIssuer(cfg.Auth.JWTIssuer),
		auth.WithLeeway(cfg.Auth.Leeway),
	)
}
