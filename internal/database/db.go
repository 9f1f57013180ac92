package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/labcore/sample-custody/internal/config"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Open connects to the configured database and verifies the connection.
func Open(cfg config.DBConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case DriverMySQL:
		return openMySQL(cfg)
	case DriverSQLite:
		return openSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
	}
}

func openMySQL(cfg config.DBConfig) (*sql.DB, error) {
	dsn := cfg.DSN
	if dsn == "" {
		auth := cfg.User
		if cfg.Pass != "" {
			auth = fmt.Sprintf("%s:%s", cfg.User, cfg.Pass)
		}
		// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
		dsn = fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
			auth, cfg.Host, cfg.Port, cfg.Name)
	}

	db, err := sql.Open(DriverMySQL, dsn)
	if err != nil {
		return nil, err
	}

	// Pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := ping(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens an embedded database.  SQLite serializes writers, so the
// pool is pinned to a single connection and transactions queue behind it
// instead of failing with SQLITE_BUSY.
func OpenSQLite(dsn string) (*sql.DB, error) { return openSQLite(dsn) }

func openSQLite(dsn string) (*sql.DB, error) {
	if dsn == "" {
		dsn = "file:labcore.db"
	}
	if !strings.Contains(dsn, "_pragma=foreign_keys") {
		dsn = appendParam(dsn, "_pragma=foreign_keys(1)")
	}
	if !strings.Contains(dsn, "_pragma=busy_timeout") {
		dsn = appendParam(dsn, "_pragma=busy_timeout(5000)")
	}

	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := ping(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func appendParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
