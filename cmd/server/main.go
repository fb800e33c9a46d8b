package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	authcore "github.com/weargate/authcore"
	echoapi "github.com/weargate/authcore/api/echo"
	"github.com/weargate/authcore/cache"
	redisstore "github.com/weargate/authcore/cache/redis"
	"github.com/weargate/authcore/config"
	"github.com/weargate/authcore/log"
	"github.com/weargate/authcore/middleware"
	"github.com/weargate/authcore/mongodb"
	"github.com/weargate/authcore/services"
	"github.com/weargate/authcore/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	logger := log.NewZerologAdapter(logLevel, cfg.LogPretty)

	ctx := context.Background()
	logger.Info(ctx, "starting gateway auth core", map[string]interface{}{
		"http_port":     cfg.HTTPPort,
		"store_backend": cfg.StoreBackend,
		"idp_issuer":    cfg.IdPIssuer,
	})

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize tracer provider", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize device session store", err)
	}
	defer cleanup()

	validator, err := authcore.NewJWTValidator(authcore.ValidatorConfig{
		Issuer:       cfg.IdPIssuer,
		Audience:     cfg.IdPAudience,
		JWKSEndpoint: cfg.IdPJWKSEndpoint,
		CacheTTL:     time.Duration(cfg.JWKSCacheTTLSec) * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize JWT validator", err)
	}

	idp := services.NewIdPClient(nil, cfg.IdPTokenEndpoint, 0, logger)
	flow := services.NewDeviceFlowManager(store, idp, services.DeviceFlowConfig{
		VerificationBaseURI: cfg.VerificationBaseURI,
		SessionTTL:          time.Duration(cfg.DeviceSessionTTLSec) * time.Second,
		PollInterval:        cfg.DevicePollIntervalSec,
		SlowDownAfter:       cfg.DeviceSlowDownAfter,
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(middleware.BearerAuth(validator, logger))
	echoapi.NewDeviceFlowAPI(flow, logger).RegisterRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(ctx, "http server failed", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "graceful shutdown failed", err)
	}
}

// buildStore selects the device session store backend from configuration.
func buildStore(ctx context.Context, cfg *config.ServerConfig) (cache.DeviceAuthStore, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis unreachable: %w", err)
		}
		return redisstore.NewDeviceStore(client, "deviceauth"), func() { _ = client.Close() }, nil

	case "mongo":
		client, db, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			return nil, nil, err
		}
		return mongodb.NewDeviceStore(db), func() { _ = client.Disconnect(context.Background()) }, nil

	case "memory":
		store := cache.NewMemoryDeviceStore()
		return store, store.Stop, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
