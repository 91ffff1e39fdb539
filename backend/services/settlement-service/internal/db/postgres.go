package db

import (
	"database/sql"
	"time"

	libdb "gpurental/backend/libs/db"
)

// PoolConfig mirrors the database pool section of the service config.
type PoolConfig struct {
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// NewPostgres returns the shared DB connection pool.
func NewPostgres(dsn string, pool PoolConfig) (*sql.DB, error) {
	return libdb.NewPostgresDB(dsn, libdb.PoolOptions{
		MaxOpenConns: pool.MaxOpenConns,
		MaxIdleConns: pool.MaxIdleConns,
		ConnLifetime: pool.ConnLifetime,
	})
}
