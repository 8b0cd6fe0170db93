package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/citylord/trajectory-engine/internal/auth"
	"github.com/citylord/trajectory-engine/internal/config"
	"github.com/citylord/trajectory-engine/internal/handler"
	"github.com/citylord/trajectory-engine/internal/metrics"
	"github.com/citylord/trajectory-engine/internal/mqtt"
	"github.com/citylord/trajectory-engine/internal/repository"
	"github.com/citylord/trajectory-engine/internal/reward"
	"github.com/citylord/trajectory-engine/internal/service"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

var (
	// Version будет установлен при сборке через ldflags
	Version = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.NewLogger(cfg.Monitoring.LogLevel, cfg.Monitoring.LogFormat)
	logger.WithField("version", Version).
		WithField("environment", cfg.Environment).
		Info("Starting trajectory API")
	metrics.SetAppInfo(Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := &backends{cfg: cfg, logger: logger}
	defer deps.Close()

	store, err := deps.sessionStore(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize session store")
	}

	sink, err := deps.reportSink(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize report sinks")
	}

	provider, err := deps.authProvider()
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize auth provider")
	}

	var rewards service.RewardService = reward.NewNoop(logger)
	if cfg.Reward.WebhookURL != "" {
		rewards, err = reward.NewWebhookClient(cfg.Reward, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize reward webhook")
		}
	}

	reporter := service.NewReporter(sink, service.ReporterConfig{
		MaxInFlight:        cfg.Reporter.MaxInFlight,
		Timeout:            cfg.Reporter.Timeout,
		BreakerFailures:    cfg.Reporter.BreakerFailures,
		BreakerOpenTimeout: cfg.Reporter.BreakerOpenTimeout,
	}, logger)
	ingest := service.NewIngestService(store, reporter, cfg.Policy, cfg.Server.MaxBatchPoints, logger)
	guard := service.NewIdempotencyGuard(store, ingest, rewards, cfg.Reward.Timeout, logger)

	rest := handler.NewRESTHandler(ingest, guard, logger)
	server := handler.NewServer(cfg, rest, auth.NewMiddleware(provider, logger).Authenticate(), store, logger)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	// Ждем сигнала остановки
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.WithField("signal", sig).Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}

	// Доставки отчетов и вызовы наград уже имеют свои таймауты
	reporter.Wait()
	guard.Wait()

	logger.Info("Server stopped gracefully")
}

// backends открывает Redis, MySQL и MQTT не более одного раза:
// одно соединение обслуживает и хранилище, и приемники отчетов
type backends struct {
	cfg    *config.Config
	logger *utils.Logger

	redis   *repository.RedisRepository
	mysql   *repository.MySQLRepository
	mqtt    *mqtt.Client
	closers []func()
}

func (b *backends) redisRepo(ctx context.Context) (*repository.RedisRepository, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	repo, err := repository.NewRedisRepository(&b.cfg.Redis, b.cfg.Store.MaxRetries, b.logger)
	if err != nil {
		return nil, err
	}
	if err := repo.Ping(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	b.logger.Info("Connected to Redis")
	b.redis = repo
	b.closers = append(b.closers, func() { repo.Close() })
	return repo, nil
}

func (b *backends) mysqlRepo(ctx context.Context) (*repository.MySQLRepository, error) {
	if b.mysql != nil {
		return b.mysql, nil
	}
	repo, err := repository.NewMySQLRepository(&b.cfg.MySQL, b.cfg.Store.MaxRetries, b.logger)
	if err != nil {
		return nil, err
	}
	if err := repo.Ping(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	if b.cfg.MySQL.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, err
		}
	}
	b.logger.Info("Connected to MySQL")
	b.mysql = repo
	b.closers = append(b.closers, func() { repo.Close() })
	return repo, nil
}

func (b *backends) mqttClient(ctx context.Context) (*mqtt.Client, error) {
	if b.mqtt != nil {
		return b.mqtt, nil
	}
	client, err := mqtt.NewClient(&b.cfg.MQTT, b.logger)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, err
	}
	b.mqtt = client
	b.closers = append(b.closers, client.Disconnect)
	return client, nil
}

// sessionStore выбирает хранилище по STORE_BACKEND
func (b *backends) sessionStore(ctx context.Context) (repository.SessionStore, error) {
	switch b.cfg.Store.Backend {
	case config.StoreRedis:
		return b.redisRepo(ctx)
	case config.StoreMySQL:
		return b.mysqlRepo(ctx)
	default:
		b.logger.Warn("Using in-memory session store, data is lost on restart")
		return repository.NewMemoryStore(), nil
	}
}

// reportSink собирает приемники из REPORT_SINKS
func (b *backends) reportSink(ctx context.Context) (service.ReportSink, error) {
	var sinks service.MultiSink
	for _, name := range b.cfg.Reporter.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, service.NewLogSink(b.logger))
		case "redis":
			repo, err := b.redisRepo(ctx)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, repo)
		case "mysql":
			repo, err := b.mysqlRepo(ctx)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, repo)
		case "mqtt":
			client, err := b.mqttClient(ctx)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, client)
		}
	}

	switch len(sinks) {
	case 0:
		return service.NewLogSink(b.logger), nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

// authProvider выбирает проверку токенов по AUTH_MODE
func (b *backends) authProvider() (auth.Provider, error) {
	if b.cfg.Auth.Mode == config.AuthModeJWT {
		return auth.NewJWTProvider(b.cfg.Auth.JWTSecret, b.cfg.Auth.JWTIssuer)
	}

	// Кеш токенов в Redis, если он настроен
	var cache *auth.Cache
	if b.redis != nil {
		cache = auth.NewCache(b.redis.GetClient(), b.cfg.Auth.CacheTTL)
	}
	return auth.NewRemoteValidator(b.cfg.Auth.Endpoint, cache, b.logger), nil
}

// Close освобождает соединения в обратном порядке
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
