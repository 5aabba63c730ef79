// Command transaction-service serves the transaction write API and relays
// its outbox to RabbitMQ.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/LerianStudio/outbox-relay/config"
	"github.com/LerianStudio/outbox-relay/internal/bootstrap"
	"github.com/LerianStudio/outbox-relay/ledger"
	ledgerpg "github.com/LerianStudio/outbox-relay/ledger/postgres"
	"github.com/LerianStudio/outbox-relay/log"
	httpin "github.com/LerianStudio/outbox-relay/net/http"
	"github.com/LerianStudio/outbox-relay/outbox"
	outboxpg "github.com/LerianStudio/outbox-relay/outbox/postgres"
	"github.com/LerianStudio/outbox-relay/rabbitmq"
	"github.com/LerianStudio/outbox-relay/server"
)

const serviceName = "transaction-service"

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.WithServiceName(serviceName))
	if err != nil {
		return err
	}

	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()

	infra, err := bootstrap.Start(ctx, cfg, logger, bootstrap.Options{
		ServiceName:       serviceName,
		Version:           version,
		DefaultMigrations: "migrations/transaction",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "startup failed", log.Err(err))
		_ = logger.Sync(ctx)

		return err
	}

	mgr, err := assemble(cfg, logger, infra)
	if err != nil {
		logger.Log(ctx, log.LevelError, "startup failed", log.Err(err))
		infra.Close(ctx)
		_ = logger.Sync(ctx)

		return err
	}

	return mgr.Run()
}

// assemble wires the service on top of infra. On error the caller still owns infra.
func assemble(cfg *config.Config, logger log.Logger, infra *bootstrap.Infra) (*server.Manager, error) {
	tracer := infra.Telemetry.Tracer()

	store, err := outboxpg.NewStore(infra.DB, outboxpg.WithLogger(logger), outboxpg.WithTracer(tracer))
	if err != nil {
		return nil, err
	}

	publisher, err := outbox.NewPublisher(store, infra.Broker, logger, tracer,
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithPollInterval(cfg.Outbox.PollInterval),
		outbox.WithPublishTimeout(cfg.Outbox.PublishTimeout),
		outbox.WithMaxRetries(cfg.Outbox.MaxRetries),
		outbox.WithRetryBackoff(cfg.Outbox.RetryBackoff, cfg.Outbox.RetryBackoffMax),
		outbox.WithAvailabilityClassifier(outbox.AvailabilityClassifierFunc(rabbitmq.IsUnavailable)),
		outbox.WithMeterProvider(infra.Telemetry.MeterProvider),
	)
	if err != nil {
		return nil, err
	}

	repo, err := ledgerpg.NewRepository(infra.DB)
	if err != nil {
		return nil, err
	}

	writer, err := ledger.NewWriter(repo, repo, store, ledger.WithLogger(logger), ledger.WithTracer(tracer))
	if err != nil {
		return nil, err
	}

	handler, err := httpin.NewTransactionHandler(writer)
	if err != nil {
		return nil, err
	}

	app := httpin.NewApp(httpin.AppConfig{
		Name:   serviceName,
		Logger: logger,
		Tracer: tracer,
		Checks: infra.ReadinessChecks(),
	})
	httpin.RegisterTransactionRoutes(app, handler)

	mgr := server.NewManager(infra.Telemetry, logger).
		WithHTTPServer(app, cfg.ServerAddress).
		WithWorker("outbox_publisher", publisher)

	return infra.Register(mgr), nil
}
