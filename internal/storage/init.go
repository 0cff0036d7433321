// internal/storage/init.go
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"imagepipe/internal/models"
)

//go:embed migrations
var migrations embed.FS

// goose keeps dialect and base FS in package globals.
var gooseMu sync.Mutex

func runMigrations(db *sql.DB, dialect, dir string, log *zap.Logger) error {
	const op = "storage.migrations"

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err := goose.Up(db, dir)
	if err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			log.Info("no migrations to apply", zap.String("dialect", dialect))
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Info("database migrations applied", zap.String("dialect", dialect))
	return nil
}

func migratePostgres(dsn string, log *zap.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return runMigrations(db, "postgres", "migrations/postgres", log)
}

func migrateSQLite(db *sql.DB, log *zap.Logger) error {
	return runMigrations(db, "sqlite3", "migrations/sqlite", log)
}

// Selection is the outcome of backend resolution.
type Selection struct {
	Backend Backend
	DSN     string
	// Reason names the configuration that decided the backend.
	Reason string
}

// Resolve picks the persistence backend: an explicit database URL wins,
// then a postgres host with credentials, then the backend flag, then sqlite.
func Resolve(cfg models.DatabaseConfig) Selection {
	switch {
	case cfg.URL != "":
		return Selection{Backend: BackendPostgres, DSN: cfg.URL, Reason: "database url"}
	case cfg.Host != "" && cfg.User != "":
		return Selection{Backend: BackendPostgres, DSN: PostgresDSN(cfg), Reason: "database host"}
	case strings.EqualFold(cfg.Backend, string(BackendPostgres)):
		return Selection{Backend: BackendPostgres, DSN: PostgresDSN(cfg), Reason: "backend flag"}
	}
	return Selection{Backend: BackendSQLite, DSN: cfg.SQLitePath, Reason: "default"}
}

func PostgresDSN(cfg models.DatabaseConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + cfg.Name,
	}
	if cfg.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(cfg.SSLMode)
	}
	return u.String()
}

// Open connects the resolved backend. In production a sqlite failure falls
// back to postgres once; any other failure is returned to the caller.
func Open(ctx context.Context, cfg models.DatabaseConfig, production bool, log *zap.Logger) (Store, error) {
	const op = "storage.Open"

	sel := Resolve(cfg)
	log.Info("persistence backend selected",
		zap.String("backend", string(sel.Backend)), zap.String("reason", sel.Reason))

	switch sel.Backend {
	case BackendPostgres:
		pg, err := NewPostgres(ctx, sel.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return pg, nil
	default:
		lite, err := NewSQLite(ctx, sel.DSN, log)
		if err == nil {
			return lite, nil
		}
		if !production {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		log.Warn("sqlite unavailable, falling back to postgres", zap.Error(err))
		pg, pgErr := NewPostgres(ctx, PostgresDSN(cfg), log)
		if pgErr != nil {
			return nil, fmt.Errorf("%s: sqlite: %v; postgres: %w", op, err, pgErr)
		}
		return pg, nil
	}
}
