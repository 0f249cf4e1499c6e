package db

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
)

type Postgres struct {
	*SQL
}

// NewPostgres opens dsn through the pgx database/sql driver and creates
// the paste_kv table if needed.
func NewPostgres(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}
	p := &Postgres{SQL: newSQL(db, "postgres", true, queryTimeout)}
	if err := p.migrate("BYTEA"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return p, nil
}
