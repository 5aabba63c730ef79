package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
)

const (
	driverName             = "pgx"
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	// UniqueViolation is the SQLSTATE for unique_violation.
	UniqueViolation = "23505"
)

var (
	ErrPrimaryDSNRequired = errors.New("postgres primary connection string is required")
	ErrInvalidDBName      = errors.New("invalid database name")
	ErrInvalidMigrations  = errors.New("invalid migrations path")
	ErrNotConnected       = errors.New("postgres client is not connected")
	ErrNilClient          = errors.New("postgres client is nil")
	ErrNoPrimaryDB        = errors.New("no primary database configured")

	dbOpenFn = sql.Open

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config describes the pool. ReplicaDSN falls back to PrimaryDSN.
type Config struct {
	PrimaryDSN      string
	ReplicaDSN      string
	DatabaseName    string
	MigrationsPath  string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Logger          log.Logger
}

func (cfg *Config) normalize() error {
	cfg.PrimaryDSN = strings.TrimSpace(cfg.PrimaryDSN)
	if cfg.PrimaryDSN == "" {
		return ErrPrimaryDSNRequired
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	if cfg.MigrationsPath != "" {
		if !dbNamePattern.MatchString(cfg.DatabaseName) {
			return fmt.Errorf("%w: %q", ErrInvalidDBName, cfg.DatabaseName)
		}

		path, err := sanitizePath(cfg.MigrationsPath)
		if err != nil {
			return err
		}

		cfg.MigrationsPath = path
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	return nil
}

// Client is a lazily connected primary/replica pool.
type Client struct {
	cfg      Config
	mu       sync.RWMutex
	resolver dbresolver.DB
	primary  *sql.DB
	replica  *sql.DB
}

func New(cfg Config) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens both pools, applies pending migrations on the primary and
// pings. Calling it again replaces the existing pools.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := c.cfg.Logger

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before database connection: %w", err)
	}

	if c.resolver != nil {
		if err := c.closeLocked(); err != nil {
			logger.Log(ctx, log.LevelWarn, "failed to close previous postgres pool", log.String("error", SanitizeError(err)))
		}
	}

	logger.Log(ctx, log.LevelInfo, "connecting to postgres")

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("failed to open primary database: %s", SanitizeError(err))
	}

	replica := primary
	if c.cfg.ReplicaDSN != c.cfg.PrimaryDSN {
		replica, err = c.open(c.cfg.ReplicaDSN)
		if err != nil {
			_ = primary.Close()

			return fmt.Errorf("failed to open replica database: %s", SanitizeError(err))
		}
	}

	success := false

	defer func() {
		if success {
			return
		}

		_ = primary.Close()

		if replica != primary {
			_ = replica.Close()
		}
	}()

	if c.cfg.MigrationsPath != "" {
		if err := Migrate(ctx, primary, c.cfg.MigrationsPath, c.cfg.DatabaseName, logger); err != nil {
			return err
		}
	}

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %s", SanitizeError(err))
	}

	c.resolver = resolver
	c.primary = primary
	c.replica = replica
	success = true

	logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn(driverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	return db, nil
}

// Resolver returns the primary/replica router, connecting on first use.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	if c.resolver != nil {
		resolver := c.resolver
		c.mu.RUnlock()

		return resolver, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the writable pool. Transactions must be opened here.
func (c *Client) Primary(ctx context.Context) (*sql.DB, error) {
	resolver, err := c.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	primaries := resolver.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaries[0], nil
}

// Replica returns the read pool. Without a replica DSN it is the primary.
func (c *Client) Replica(ctx context.Context) (*sql.DB, error) {
	if _, err := c.Resolver(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.replica == nil {
		return nil, ErrNotConnected
	}

	return c.replica, nil
}

// Ping checks both pools.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.RLock()
	resolver := c.resolver
	c.mu.RUnlock()

	if resolver == nil {
		return ErrNotConnected
	}

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %s", SanitizeError(err))
	}

	return nil
}

func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

// Close releases both pools. It is safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil
	c.primary = nil
	c.replica = nil

	return err
}

// Migrate applies every pending up migration found under path.
func Migrate(ctx context.Context, db *sql.DB, path, dbName string, logger log.Logger) error {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if !dbNamePattern.MatchString(dbName) {
		return fmt.Errorf("%w: %q", ErrInvalidDBName, dbName)
	}

	sourceURL := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), dbName, driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	err = m.Up()

	switch {
	case err == nil:
		logger.Log(ctx, log.LevelInfo, "migrations applied", log.String("path", path))
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		logger.Log(ctx, log.LevelInfo, "no new migrations found")
		return nil
	case errors.Is(err, os.ErrNotExist):
		logger.Log(ctx, log.LevelWarn, "no migration files found; skipping", log.String("path", path))
		return nil
	}

	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		return fmt.Errorf("migration failed: dirty database version %d", dirty.Version)
	}

	return fmt.Errorf("migration failed: %w", err)
}

// IsUniqueViolation reports whether err carries SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolation
}

// SanitizeError renders err with connection credentials masked.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	out := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(out, "${1}***")
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidMigrations, path)
		}
	}

	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidMigrations, err)
	}

	return abs, nil
}
