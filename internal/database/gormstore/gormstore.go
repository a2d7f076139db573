// Package gormstore implements database.Store on gorm, backed by SQLite
// (modernc, no cgo) or Postgres.
package gormstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"arbiter/internal/database"
	"arbiter/internal/models"
	"arbiter/internal/moderation"

	_ "modernc.org/sqlite"
)

// Options configures the relational store.
type Options struct {
	// URL is "sqlite://path", "sqlite://:memory:" or a postgres:// URL.
	URL string

	// MaxOpenConns is ignored for SQLite, which always uses a single writer.
	MaxOpenConns int
}

// Store is the gorm implementation of database.Store.
type Store struct {
	db     *gorm.DB
	sqlite bool
}

// Ensure Store implements the interfaces at compile time.
var (
	_ database.Store   = (*Store)(nil)
	_ moderation.Store = (*Store)(nil)
)

// Open connects to the database named by opts.URL. It does not migrate.
func Open(opts Options) (*Store, error) {
	var (
		dial     gorm.Dialector
		isSqlite bool
		conns    = opts.MaxOpenConns
	)

	switch {
	case strings.HasPrefix(opts.URL, "sqlite://"):
		path := strings.TrimPrefix(opts.URL, "sqlite://")
		if path != ":memory:" {
			if dir := filepath.Dir(path); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("failed to create database directory: %w", err)
				}
			}
		}
		conn, err := openSQLite(path)
		if err != nil {
			return nil, err
		}
		dial = sqlite.New(sqlite.Config{DriverName: "sqlite", Conn: conn})
		conns = 1
		isSqlite = true
	case strings.HasPrefix(opts.URL, "postgres://"), strings.HasPrefix(opts.URL, "postgresql://"):
		dial = postgres.Open(opts.URL)
	default:
		return nil, fmt.Errorf("unsupported database url %q", redactURL(opts.URL))
	}

	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 newGormLogger(200 * time.Millisecond),
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if conns <= 0 {
		conns = 10
	}
	sqlDB.SetMaxOpenConns(conns)
	sqlDB.SetMaxIdleConns(conns)
	sqlDB.SetConnMaxIdleTime(time.Hour)

	log.Info().Bool("sqlite", isSqlite).Int("max_open_conns", conns).Msg("gormstore: database opened")

	return &Store{db: db, sqlite: isSqlite}, nil
}

// openSQLite opens a traced modernc connection pool. Pragmas go in the DSN so
// every pooled connection gets them.
func openSQLite(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(normal)"
	}
	conn, err := otelsql.Open("sqlite", dsn,
		otelsql.WithAttributes(attribute.String("db.system", "sqlite")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return conn, nil
}

// New wraps an already configured gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, sqlite: db.Dialector.Name() == "sqlite"}
}

// DB returns the underlying gorm handle for advanced operations.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates every table and the live-action unique index.
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&models.User{},
		&models.Topic{},
		&models.Post{},
		&models.PostAction{},
		&models.UserStat{},
		&models.TopicUser{},
		&models.UserAction{},
		&moderation.AuditEntry{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// gorm tags cannot express partial indexes. targets_topic only splits
	// the flag family.
	stmts := []string{
		`DROP INDEX IF EXISTS ux_post_actions_live`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_post_actions_live_plain
			ON post_actions (user_id, post_id, family)
			WHERE family <> 'flag' AND deleted_at IS NULL AND disagreed_at IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_post_actions_live_flag
			ON post_actions (user_id, post_id, targets_topic)
			WHERE family = 'flag' AND deleted_at IS NULL AND disagreed_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS ix_post_actions_post_type
			ON post_actions (post_id, action_type)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func redactURL(u string) string {
	if i := strings.Index(u, "@"); i >= 0 {
		if j := strings.Index(u, "://"); j >= 0 && j < i {
			return u[:j+3] + "***" + u[i:]
		}
	}
	return u
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return database.ErrNotFound
	}
	return err
}
