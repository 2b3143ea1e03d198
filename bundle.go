package reelflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/facebookgo/clock"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/reelflow/internal/engine"
	"github.com/petrijr/reelflow/internal/persistence"
	"github.com/petrijr/reelflow/internal/taskqueue"
	"github.com/petrijr/reelflow/pkg/api"
	"github.com/petrijr/reelflow/pkg/registry"
	workerpkg "github.com/petrijr/reelflow/pkg/worker"
)

// Supported storage drivers for OpenBundle.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// BundleConfig holds the optional pieces shared by every backend.
type BundleConfig struct {
	Worker   workerpkg.Config
	Observer api.Observer
	// Clock drives event timestamps and queue eligibility. Defaults to the
	// wall clock.
	Clock clock.Clock
	// Logger backs replay.Context.Logger.
	Logger *slog.Logger
	// Prefix namespaces Redis keys or names the Mongo database.
	Prefix string
}

// Bundle wires together an Engine, a durable task queue, and a Worker that
// consumes tasks from that queue, all sharing one storage backend.
type Bundle struct {
	Engine    Engine
	Worker    *workerpkg.Worker
	Approvals ApprovalStore
	Registry  *Registry

	queue   taskqueue.Queue
	closers []func() error
}

func newBundle(backend persistence.Backend, q taskqueue.Queue, reg *Registry, cfg BundleConfig) (*Bundle, error) {
	if reg == nil {
		reg = registry.New()
	}
	eng, err := engine.NewEngine(engine.Config{
		Persistence: persistence.Bundle(backend),
		Queue:       q,
		Registry:    reg,
		Observer:    cfg.Observer,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	wcfg := cfg.Worker
	if wcfg.Observer == nil {
		wcfg.Observer = cfg.Observer
	}
	if wcfg.Clock == nil {
		wcfg.Clock = cfg.Clock
	}
	if wcfg.Logger == nil {
		wcfg.Logger = cfg.Logger
	}

	return &Bundle{
		Engine:    eng,
		Worker:    workerpkg.NewWithConfig(eng, q, reg, wcfg),
		Approvals: backend,
		Registry:  reg,
		queue:     q,
	}, nil
}

func queueOptions(cfg BundleConfig) []taskqueue.Option {
	var opts []taskqueue.Option
	if cfg.Clock != nil {
		opts = append(opts, taskqueue.WithClock(cfg.Clock))
	}
	if cfg.Prefix != "" {
		opts = append(opts, taskqueue.WithPrefix(cfg.Prefix))
	}
	return opts
}

// NewInMemoryBundle returns a non-durable bundle for tests and local runs.
func NewInMemoryBundle(reg *Registry, cfg BundleConfig) (*Bundle, error) {
	var q *taskqueue.InMemoryQueue
	if cfg.Clock != nil {
		q = taskqueue.NewInMemoryQueueWithClock(cfg.Clock)
	} else {
		q = taskqueue.NewInMemoryQueue()
	}
	return newBundle(persistence.NewInMemoryStore(), q, reg, cfg)
}

// NewSQLiteBundle persists instances, history, approvals, and queued tasks in
// the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:reelflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := reelflow.NewSQLiteBundle(db, reg, reelflow.BundleConfig{})
func NewSQLiteBundle(db *sql.DB, reg *Registry, cfg BundleConfig) (*Bundle, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db, queueOptions(cfg)...)
	if err != nil {
		return nil, err
	}
	return newBundle(store, q, reg, cfg)
}

// NewPostgresBundle is NewSQLiteBundle for a PostgreSQL database opened with
// the pgx driver.
func NewPostgresBundle(db *sql.DB, reg *Registry, cfg BundleConfig) (*Bundle, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db, queueOptions(cfg)...)
	if err != nil {
		return nil, err
	}
	return newBundle(store, q, reg, cfg)
}

// NewRedisBundle keeps everything under cfg.Prefix in one Redis database.
func NewRedisBundle(client *redis.Client, reg *Registry, cfg BundleConfig) (*Bundle, error) {
	store := persistence.NewRedisStore(client, cfg.Prefix)
	q := taskqueue.NewRedisQueue(client, queueOptions(cfg)...)
	return newBundle(store, q, reg, cfg)
}

// NewMongoBundle stores instances and tasks in the database named by
// cfg.Prefix.
func NewMongoBundle(ctx context.Context, client *mongo.Client, reg *Registry, cfg BundleConfig) (*Bundle, error) {
	store, err := persistence.NewMongoStore(ctx, client, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	var qopts []taskqueue.Option
	if cfg.Clock != nil {
		qopts = append(qopts, taskqueue.WithClock(cfg.Clock))
	}
	q := taskqueue.NewMongoQueue(client, cfg.Prefix, "", qopts...)
	return newBundle(store, q, reg, cfg)
}

// OpenBundle connects to the backend named by driver and builds a bundle on
// it. The connection is released by Close.
func OpenBundle(ctx context.Context, driver, dsn string, reg *Registry, cfg BundleConfig) (*Bundle, error) {
	switch driver {
	case DriverMemory:
		return NewInMemoryBundle(reg, cfg)

	case DriverSQLite, DriverPostgres:
		sqlDriver, build := "sqlite", NewSQLiteBundle
		if driver == DriverPostgres {
			sqlDriver, build = "pgx", NewPostgresBundle
		}
		db, err := sql.Open(sqlDriver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect %s: %w", driver, err)
		}
		b, err := build(db, reg, cfg)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		return b, nil

	case DriverRedis:
		opt, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b, err := NewRedisBundle(client, reg, cfg)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		return b, nil

	case DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		if err := client.Ping(ctx, nil); err != nil {
			_ = disconnect()
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		b, err := NewMongoBundle(ctx, client, reg, cfg)
		if err != nil {
			_ = disconnect()
			return nil, err
		}
		b.closers = append(b.closers, disconnect)
		return b, nil
	}
	return nil, fmt.Errorf("reelflow: unsupported storage driver %q", driver)
}

// QueueLen reports how many tasks are waiting, including ones not yet
// eligible.
func (b *Bundle) QueueLen() int {
	return b.queue.Len()
}

// Close releases connections opened by OpenBundle.
func (b *Bundle) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
