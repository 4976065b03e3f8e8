package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/accountdesk/apiserver/config"
	_ "github.com/lib/pq"
)

const (
	driverName      = "postgres"
	applicationName = "accountdesk-apiserver"
	pingTimeout     = 5 * time.Second
	connMaxIdleTime = 2 * time.Minute
	connMaxLifetime = 30 * time.Minute
)

// MigrationsURL is the golang-migrate source for the schema, relative to
// the repository root.
const MigrationsURL = "file://internal/db/migrations"

// Open returns a pooled connection to postgres. It fails unless the server
// answers a ping within a few seconds.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	conn, err := sql.Open(driverName, PostgresURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	configurePool(conn, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}

func configurePool(conn *sql.DB, cfg config.DatabaseConfig) {
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	conn.SetConnMaxIdleTime(connMaxIdleTime)
	conn.SetConnMaxLifetime(connMaxLifetime)
}

// PostgresURL builds the lib/pq and golang-migrate DSN for cfg.
func PostgresURL(cfg config.DatabaseConfig) string {
	sslmode := "disable"
	if cfg.UseSSL {
		sslmode = "require"
	}

	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.DBName,
		RawQuery: url.Values{
			"sslmode":          {sslmode},
			"application_name": {applicationName},
		}.Encode(),
	}
	return dsn.String()
}
