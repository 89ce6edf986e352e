package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/post-scheduler/internal/api/handler"
	"github.com/cuongbtq/post-scheduler/internal/api/router"
	"github.com/cuongbtq/post-scheduler/internal/config"
	"github.com/cuongbtq/post-scheduler/internal/events"
	"github.com/cuongbtq/post-scheduler/internal/platform"
	"github.com/cuongbtq/post-scheduler/internal/scheduler"
	"github.com/cuongbtq/post-scheduler/internal/store"
	"github.com/cuongbtq/post-scheduler/internal/token"
	"github.com/cuongbtq/post-scheduler/shared/logger"
	"github.com/cuongbtq/post-scheduler/shared/postgresql"
	"github.com/cuongbtq/post-scheduler/shared/rabbitmq"
	"github.com/gin-gonic/gin"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("platform_mode", cfg.Platform.Mode),
	)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if cfg.Database.MigrateOnStart {
		if err := dbClient.Migrate(); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	var (
		rabbitClient *rabbitmq.Client
		publisher    events.Publisher = events.Nop{}
	)
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		publisher = events.NewRabbitPublisher(rabbitClient, appLogger.Component("events"))
		appLogger.Info("RabbitMQ connection established")
	}

	storage := store.NewStorage(dbClient, appLogger.Component("store"))
	tokens := token.NewManager(storage,
		platform.NewOAuthClient(toPlatformConfig(&cfg.Platform), appLogger.Component("oauth")),
		token.Config{
			RefreshSkew: cfg.Platform.RefreshSkew,
			DefaultTTL:  cfg.Platform.DefaultTokenTTL,
		},
		appLogger.Component("token"),
	)
	service := scheduler.NewService(storage, publisher, scheduler.Config{
		Location:         loc,
		MaxAttempts:      cfg.App.MaxAttempts,
		MaxBatchSize:     cfg.App.MaxBatchSize,
		MaxContentLength: cfg.App.MaxContentLength,
	}, appLogger.Component("scheduler"))

	r := initRouter(cfg, appLogger.Logger, &handler.Dependencies{
		Logger:        appLogger.Component("api"),
		ServiceName:   cfg.App.Name,
		Scheduler:     service,
		Accounts:      tokens,
		Database:      dbClient,
		SecureCookies: cfg.Server.SecureCookies,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRabbitMQ initializes a publish-only RabbitMQ client for lifecycle events
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	logger.Debug("Router configured", slog.String("gin_mode", gin.Mode()))
	return router.SetupRouter(deps)
}
