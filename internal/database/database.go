// Package database persists sessions, the latest balance per identity and
// claim outcomes in SQLite or PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

const slowQueryThreshold = 100 * time.Millisecond

// Config represents database configuration
type Config struct {
	Driver          string        `yaml:"driver" json:"driver"`
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DB wraps the connection with the driver's placeholder style.
type DB struct {
	logger *zap.Logger
	db     *sql.DB
	driver string
}

// New opens the database and creates the schema.
func New(logger *zap.Logger, config Config) (*DB, error) {
	driver, err := NormalizeDriver(config.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch {
	case driver == "sqlite3":
		// A single writer avoids SQLITE_BUSY under concurrent pollers.
		db.SetMaxOpenConns(1)
	case config.MaxOpenConns > 0:
		db.SetMaxOpenConns(config.MaxOpenConns)
	default:
		db.SetMaxOpenConns(10)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{
		logger: logger.Named("database"),
		db:     db,
		driver: driver,
	}

	if err := d.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.logger.Info("Database connected", zap.String("driver", driver))
	return d, nil
}

// NormalizeDriver maps accepted driver names to registered sql drivers.
func NormalizeDriver(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	case "postgres", "postgresql":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping checks database connectivity
func (d *DB) Ping(ctx context.Context) error {
	if d.db == nil {
		return errors.New("database not initialized")
	}
	return d.db.PingContext(ctx)
}

func (d *DB) execute(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	query = d.rebind(query)
	start := time.Now()
	result, err := d.db.ExecContext(ctx, query, args...)
	d.observe(query, time.Since(start))
	return result, err
}

func (d *DB) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	query = d.rebind(query)
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, query, args...)
	d.observe(query, time.Since(start))
	return rows, err
}

func (d *DB) observe(query string, duration time.Duration) {
	if duration > slowQueryThreshold {
		d.logger.Warn("Slow query",
			zap.String("query", query),
			zap.Duration("duration", duration),
		)
	}
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
