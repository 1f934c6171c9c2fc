// Package store persists feeds, articles and their interned children.
//
// A Store is shared; each task acquires its own Handle, performs reads through
// it and commits writes with Handle.Write. Only one write transaction is open
// on a handle at a time and sqlite runs with a single connection, so writers
// are serialized store-wide.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"feedsync/internal/model"
	"feedsync/internal/search"
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database backing the store.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// WriteObserver is told about every row-affecting create, update or delete.
type WriteObserver func(table, op string)

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithSearchIndex sets the index notified after commits. Calls are best effort.
func WithSearchIndex(idx search.Index) Option {
	return func(s *Store) { s.index = idx }
}

func WithWriteObserver(o WriteObserver) Option {
	return func(s *Store) { s.observer = o }
}

// Store owns the database connection pool.
type Store struct {
	db       *gorm.DB
	logger   *slog.Logger
	index    search.Index
	observer WriteObserver
	writes   atomic.Int64
}

// Open connects, configures and migrates the database described by cfg.
func Open(cfg Config, opts ...Option) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", DriverSqlite:
		dialector = sqlite.Open(fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", cfg.Path))
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	return open(dialector, cfg.Driver != DriverPostgres, opts...)
}

// OpenMemory opens a private in-memory sqlite store.
func OpenMemory(opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	return open(sqlite.Open(dsn), true, opts...)
}

func open(dialector gorm.Dialector, singleConn bool, opts ...Option) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, index: search.Noop{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if singleConn {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.registerCallbacks(); err != nil {
		return nil, err
	}
	if err := Migrate(db, s.logger); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) registerCallbacks() error {
	cb := s.db.Callback()
	if err := cb.Create().After("gorm:create").Register("feedsync:count_create", s.countWrite("create")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("feedsync:count_update", s.countWrite("update")); err != nil {
		return err
	}
	return cb.Delete().After("gorm:delete").Register("feedsync:count_delete", s.countWrite("delete"))
}

func (s *Store) countWrite(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Error != nil || db.Statement.RowsAffected == 0 {
			return
		}
		s.writes.Add(1)
		if s.observer != nil {
			s.observer(db.Statement.Table, op)
		}
	}
}

// Writes returns the number of row-affecting ORM writes since Open.
func (s *Store) Writes() int64 { return s.writes.Load() }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Acquire returns a handle bound to ctx. Release it when the task ends.
func (s *Store) Acquire(ctx context.Context) *Handle {
	db := s.db.WithContext(ctx)
	return &Handle{
		reader: reader{db: db},
		store:  s,
		root:   db,
	}
}

// notify forwards post-commit search index work. Failures are logged only.
func (s *Store) notify(ctx context.Context, removed []string, reindex []model.Article) {
	if len(removed) > 0 {
		if err := s.index.Remove(ctx, removed); err != nil {
			s.logger.Warn("search index removal failed", "count", len(removed), "error", err)
		}
	}
	for _, a := range reindex {
		if err := s.index.Index(ctx, a); err != nil {
			s.logger.Warn("search index update failed", "article_id", a.ID, "error", err)
		}
	}
}
