package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/post-scheduler/internal/config"
	"github.com/cuongbtq/post-scheduler/internal/events"
	"github.com/cuongbtq/post-scheduler/internal/platform"
	"github.com/cuongbtq/post-scheduler/internal/store"
	"github.com/cuongbtq/post-scheduler/internal/token"
	"github.com/cuongbtq/post-scheduler/internal/worker"
	"github.com/cuongbtq/post-scheduler/shared/logger"
	"github.com/cuongbtq/post-scheduler/shared/postgresql"
	"github.com/cuongbtq/post-scheduler/shared/rabbitmq"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("platform_mode", cfg.Platform.Mode),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	storage := store.NewStorage(dbClient, appLogger.Component("store"))
	platformCfg := toPlatformConfig(&cfg.Platform)
	identity := platform.NewOAuthClient(platformCfg, appLogger.Component("oauth"))
	tokens := token.NewManager(storage, identity, token.Config{
		RefreshSkew: cfg.Platform.RefreshSkew,
		DefaultTTL:  cfg.Platform.DefaultTokenTTL,
	}, appLogger.Component("token"))

	publisher, err := platform.NewPublisher(platformCfg, tokens, identity, appLogger.Component("platform"))
	if err != nil {
		return fmt.Errorf("failed to initialize publisher: %w", err)
	}

	workerCfg := &worker.Config{
		Logger:            appLogger.Component("worker"),
		Store:             storage,
		Publisher:         publisher,
		Events:            events.Nop{},
		WorkerID:          cfg.Worker.ID,
		Interval:          cfg.Worker.Interval,
		BatchLimit:        cfg.Worker.BatchLimit,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StuckAfter:        cfg.Worker.StuckAfter,
		BackoffBase:       cfg.Worker.BackoffBase,
		BackoffMax:        cfg.Worker.BackoffMax,
		Retention:         time.Duration(cfg.Worker.RetentionDays) * 24 * time.Hour,
		RetentionInterval: cfg.Worker.RetentionInterval,
	}

	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		workerCfg.Events = events.NewRabbitPublisher(rabbitClient, appLogger.Component("events"))
		workerCfg.Wakeups = rabbitClient
		appLogger.Info("RabbitMQ connection established")
	}

	workerInstance := worker.NewWorker(workerCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := workerInstance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		// claims left behind are recovered by the next start
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		NoColor:      cfg.NoColor,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client with the wake-up queue bound
// to the scheduling events
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		BindingKeys:        events.WakeupKeys,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

func toPlatformConfig(cfg *config.PlatformConfig) platform.Config {
	return platform.Config{
		Mode:            cfg.Mode,
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		RedirectURL:     cfg.RedirectURL,
		Scopes:          cfg.Scopes,
		AuthURL:         cfg.AuthURL,
		TokenURL:        cfg.TokenURL,
		UserInfoURL:     cfg.UserInfoURL,
		PublishURL:      cfg.PublishURL,
		PostURLTemplate: cfg.PostURLTemplate,
		Visibility:      cfg.Visibility,
		AuthorPrefix:    cfg.AuthorPrefix,
		RequestsPerSec:  cfg.RequestsPerSecond,
		Burst:           cfg.Burst,
		Timeout:         cfg.Timeout,
	}
}
