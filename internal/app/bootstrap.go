package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"onboarding/apps/backend/internal/adapter/pgvector"
	wstore "onboarding/apps/backend/internal/adapter/weaviate"
	"onboarding/apps/backend/internal/config"
	"onboarding/apps/backend/internal/vector"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

const topicCreateDelay = 2 * time.Second

type Dependencies struct {
	DB          *sql.DB
	VectorStore VectorStore
	NSQProducer *nsq.Producer

	closeVectors func()
}

// SchemaEnsurer prepares a vector backend for writes.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

type ensureFunc func(ctx context.Context) error

func (f ensureFunc) EnsureSchema(ctx context.Context) error { return f(ctx) }

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, cfg.MigrationPath); err != nil {
		db.Close()
		return nil, err
	}

	deps := &Dependencies{DB: db}
	if err := deps.openVectorStore(ctx, cfg, retryDelay); err != nil {
		db.Close()
		return nil, err
	}

	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	deps.NSQProducer = producer

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(topicCreateDelay):
		}
		createTopics(ctx, http.DefaultClient, cfg.NSQDHTTP, config.Topics)
	}()

	return deps, nil
}

// OpenDB connects to Postgres, retrying the ping with the configured delay.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.PingContext(ctx); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1)
		time.Sleep(retryDelay)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

// Migrate applies every pending migration under path.
func Migrate(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}

func (d *Dependencies) openVectorStore(ctx context.Context, cfg *config.Config, retryDelay time.Duration) error {
	switch cfg.VectorBackend {
	case config.VectorBackendPgvector:
		var store *pgvector.Store
		open := ensureFunc(func(ctx context.Context) error {
			s, err := pgvector.NewStore(ctx, pgvector.Config{ConnString: cfg.PgvectorDSN, VectorDim: cfg.VectorDim})
			if err != nil {
				return err
			}
			store = s
			return nil
		})
		if err := EnsureSchemaWithRetry(ctx, open, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
			return fmt.Errorf("pgvector schema error: %w", err)
		}
		d.VectorStore = store
		d.closeVectors = store.Close
		return nil

	default:
		wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return fmt.Errorf("weaviate client error: %w", err)
		}
		schema := vector.NewSchemaAdapter(wClient)
		ensure := ensureFunc(func(ctx context.Context) error {
			return vector.EnsureSchema(ctx, schema)
		})
		if err := EnsureSchemaWithRetry(ctx, ensure, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
			return fmt.Errorf("weaviate schema error: %w", err)
		}
		d.VectorStore = wstore.NewStore(wClient)
		return nil
	}
}

// Close stops the producer and releases the connections.
func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.closeVectors != nil {
		d.closeVectors()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

// createTopics registers topics with nsqd so consumers polling lookupd find
// them before the first publish.
func createTopics(ctx context.Context, client *http.Client, nsqdHTTP string, topics []string) {
	for _, topic := range topics {
		u := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, url.QueryEscape(topic))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			slog.Warn("failed to build NSQ topic request", "topic", topic, "error", err)
			continue
		}
		resp, err := client.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			slog.Warn("unexpected NSQ topic creation status", "topic", topic, "status", resp.StatusCode)
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}
}

// EnsureSchemaWithRetry calls store.EnsureSchema until it succeeds or the
// attempts run out.
func EnsureSchemaWithRetry(ctx context.Context, store SchemaEnsurer, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.EnsureSchema(ctx); err == nil {
			return nil
		}
		slog.Warn("vector schema not ready, retrying...", "attempt", i+1, "error", err)
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return err
}
