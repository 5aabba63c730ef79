// Package bootstrap builds the infrastructure shared by both binaries from
// a loaded config.Config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/outbox-relay/config"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	httpin "github.com/LerianStudio/outbox-relay/net/http"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/postgres"
	"github.com/LerianStudio/outbox-relay/rabbitmq"
	"github.com/LerianStudio/outbox-relay/runtime"
	"github.com/LerianStudio/outbox-relay/server"
	libZap "github.com/LerianStudio/outbox-relay/zap"
)

const LibraryName = "github.com/LerianStudio/outbox-relay"

// Infra holds the process-wide clients. Close order is the reverse of
// construction: broker first, then database.
type Infra struct {
	Config    *config.Config
	Logger    log.Logger
	Telemetry *opentelemetry.Telemetry
	DB        *postgres.Client
	Conn      *rabbitmq.Connection
	Broker    *rabbitmq.Client
}

// Options tune what Start builds for a given service.
type Options struct {
	ServiceName       string
	Version           string
	DefaultMigrations string
	ClientOptions     []rabbitmq.ClientOption
}

// NewLogger builds the zap logger for cfg.
func NewLogger(cfg *config.Config) (*libZap.Logger, error) {
	return libZap.New(libZap.Config{
		Environment:     libZap.ParseEnvironment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: LibraryName,
	})
}

// Start connects telemetry, PostgreSQL (applying migrations) and RabbitMQ.
// On failure everything opened so far is closed.
func Start(ctx context.Context, cfg *config.Config, logger log.Logger, opts Options) (_ *Infra, err error) {
	runtime.SetProductionMode(cfg.IsProduction())

	infra := &Infra{Config: cfg, Logger: logger}

	defer func() {
		if err != nil {
			infra.closeAll(context.Background())
		}
	}()

	infra.Telemetry, err = opentelemetry.InitializeTelemetry(ctx, &opentelemetry.TelemetryConfig{
		LibraryName:               LibraryName,
		ServiceName:               cfg.Telemetry.ServiceName,
		ServiceVersion:            opts.Version,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.Telemetry.Endpoint,
		EnableTelemetry:           cfg.Telemetry.Enabled,
		Logger:                    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	migrations := cfg.Database.MigrationsPath
	if strings.TrimSpace(migrations) == "" {
		migrations = opts.DefaultMigrations
	}

	infra.DB, err = postgres.New(postgres.Config{
		PrimaryDSN:     cfg.Database.URL,
		ReplicaDSN:     cfg.Database.ReplicaURL,
		DatabaseName:   cfg.Database.Name,
		MigrationsPath: migrations,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("configure postgres: %w", err)
	}

	if err = infra.DB.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	infra.Conn, err = rabbitmq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("configure rabbitmq: %w", err)
	}

	infra.Conn.HealthCheckURL = cfg.RabbitMQ.HealthCheckURL
	infra.Conn.User = cfg.RabbitMQ.User
	infra.Conn.Pass = cfg.RabbitMQ.Pass

	if err = infra.Conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	clientOpts := append([]rabbitmq.ClientOption{
		rabbitmq.WithExchange(cfg.RabbitMQ.Exchange),
		rabbitmq.WithConfirmTimeout(cfg.RabbitMQ.ConfirmTimeout),
		rabbitmq.WithLogger(logger),
		rabbitmq.WithTracer(infra.Telemetry.Tracer()),
	}, opts.ClientOptions...)

	infra.Broker, err = rabbitmq.NewClient(infra.Conn, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("build rabbitmq client: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "infrastructure ready",
		log.String("service", opts.ServiceName),
		log.String("exchange", infra.Broker.Exchange()),
	)

	return infra, nil
}

// ReadinessChecks probes the database and the broker.
func (i *Infra) ReadinessChecks() []httpin.NamedCheck {
	return []httpin.NamedCheck{
		{Name: "database", Check: i.DB.Ping},
		{Name: "broker", Check: func(ctx context.Context) error {
			_, err := i.Conn.HealthCheck(ctx)

			return err
		}},
	}
}

// Register adds the broker and database closers to mgr after its workers.
func (i *Infra) Register(mgr *server.Manager) *server.Manager {
	return mgr.
		WithCloser("broker", i.closeBroker).
		WithCloser("database", func(context.Context) error { return i.closeDB() })
}

func (i *Infra) closeBroker(ctx context.Context) error {
	var errs []error

	if i.Broker != nil {
		errs = append(errs, i.Broker.Close())
	}

	if i.Conn != nil {
		errs = append(errs, i.Conn.Close(ctx))
	}

	return errors.Join(errs...)
}

func (i *Infra) closeDB() error {
	if i.DB == nil {
		return nil
	}

	return i.DB.Close()
}

// Close releases everything Start opened. Use it when startup fails after
// Start returned; once Register'ed, the manager closes the clients instead.
func (i *Infra) Close(ctx context.Context) {
	if i == nil {
		return
	}

	i.closeAll(ctx)
}

func (i *Infra) closeAll(ctx context.Context) {
	logger := i.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if err := i.closeBroker(ctx); err != nil {
		logger.Log(ctx, log.LevelWarn, "close broker after failed start", log.Err(err))
	}

	if err := i.closeDB(); err != nil {
		logger.Log(ctx, log.LevelWarn, "close database after failed start", log.Err(err))
	}

	if err := i.Telemetry.Shutdown(ctx); err != nil {
		logger.Log(ctx, log.LevelWarn, "shutdown telemetry after failed start", log.Err(err))
	}
}
