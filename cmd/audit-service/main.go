// Command audit-service consumes transaction events into the audit log and
// serves audit lookups.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/LerianStudio/outbox-relay/audit"
	auditpg "github.com/LerianStudio/outbox-relay/audit/postgres"
	"github.com/LerianStudio/outbox-relay/config"
	"github.com/LerianStudio/outbox-relay/internal/bootstrap"
	"github.com/LerianStudio/outbox-relay/log"
	httpin "github.com/LerianStudio/outbox-relay/net/http"
	"github.com/LerianStudio/outbox-relay/rabbitmq"
	"github.com/LerianStudio/outbox-relay/server"
)

const serviceName = "audit-service"

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
		DefaultMigrations: "migrations/audit",
		ClientOptions: []rabbitmq.ClientOption{
			rabbitmq.WithPrefetch(cfg.Consumer.Prefetch),
			rabbitmq.WithWorkers(cfg.Consumer.Workers),
		},
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

	repo, err := auditpg.NewRepository(infra.DB, auditpg.WithLogger(logger), auditpg.WithTracer(tracer))
	if err != nil {
		return nil, err
	}

	service, err := audit.NewService(repo, audit.WithServiceLogger(logger), audit.WithServiceTracer(tracer))
	if err != nil {
		return nil, err
	}

	consumer, err := audit.NewConsumer(service, infra.Broker,
		audit.WithLogger(logger),
		audit.WithTracer(tracer),
		audit.WithExchange(cfg.RabbitMQ.Exchange),
		audit.WithQueue(cfg.Consumer.Queue),
		audit.WithMeterProvider(infra.Telemetry.MeterProvider),
	)
	if err != nil {
		return nil, err
	}

	handler, err := httpin.NewAuditHandler(service)
	if err != nil {
		return nil, err
	}

	app := httpin.NewApp(httpin.AppConfig{
		Name:   serviceName,
		Logger: logger,
		Tracer: tracer,
		Checks: infra.ReadinessChecks(),
	})
	httpin.RegisterAuditRoutes(app, handler)

	mgr := server.NewManager(infra.Telemetry, logger).
		WithHTTPServer(app, cfg.ServerAddress).
		WithWorker("audit_consumer", consumer)

	return infra.Register(mgr), nil
}
