// Package store is the bridge between the chat broker and durable message
// storage. Backends (memory, gorm) hold the data; Bridge adds validation,
// id stamping, a bounded persist timeout and a circuit breaker.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cortexuvula/roomrelay/internal/config"
)

// Store is what the rest of the server consumes.
type Store interface {
	Persist(ctx context.Context, d Draft) (Message, error)
	FetchHistory(ctx context.Context, roomID, since string, limit int) ([]Message, error)
	GetOrCreateRoom(ctx context.Context, scope Scope, userID, name string) (Room, error)
	GetRoom(ctx context.Context, roomID string) (Room, error)
}

// Backend is a storage engine. Messages reach it fully stamped and validated.
//
// History returns messages of roomID stored after the message with id since,
// oldest first, at most limit. An empty or unknown since returns the newest
// limit messages. limit <= 0 means no limit.
type Backend interface {
	Insert(ctx context.Context, m Message) error
	History(ctx context.Context, roomID, since string, limit int) ([]Message, error)
	// UpsertRoom returns the room already registered for candidate's scope,
	// or stores candidate and returns it.
	UpsertRoom(ctx context.Context, candidate Room) (Room, error)
	Room(ctx context.Context, id string) (Room, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open creates the backend selected by cfg.Driver.
func Open(cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryBackend(cfg.MemoryRetention), nil
	case "sqlite", "postgres":
		db, err := openGorm(cfg)
		if err != nil {
			return nil, err
		}
		return NewSQLBackend(db)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

func openGorm(cfg config.StoreConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: logger.NewSlogLogger(slog.Default().With("component", "store"), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.Driver == "sqlite" {
		// sqlite allows a single writer, and an in-memory database lives
		// only as long as its connection.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	return db, nil
}

// sqliteDSN enables WAL and a busy timeout for file databases.
func sqliteDSN(dsn string) string {
	if dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL"
}
