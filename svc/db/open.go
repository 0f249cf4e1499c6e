package db

import (
	"context"

	"fadebin/cfg"
	"fadebin/pkg/domain"

	"github.com/pkg/errors"
)

// Open builds the backend named by STORE_BACKEND and confirms it answers.
// Any failure is reported as domain.ErrStoreUnavailable.
func Open(ctx context.Context, c *cfg.Cfg) (Store, error) {
	var (
		s   Store
		err error
	)
	switch c.StoreBackend {
	case cfg.BackendRedis:
		s, err = NewRedis(c)
	case cfg.BackendSQLite:
		s, err = NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.StoreTimeout)
	case cfg.BackendPostgres:
		s, err = NewPostgres(ctx, c.PostgresDSN.Value(), c.DBMaxOpenConns, c.DBMaxIdleConns, c.StoreTimeout)
	case cfg.BackendBolt:
		s, err = NewBolt(c.BoltPath)
	case cfg.BackendMemory:
		s = NewMemory()
	default:
		err = errors.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if err != nil {
		return nil, errors.Wrapf(domain.ErrStoreUnavailable, "%s: %v", c.StoreBackend, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, c.StoreTimeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		s.Close()
		return nil, errors.Wrapf(domain.ErrStoreUnavailable, "%s ping: %v", c.StoreBackend, err)
	}
	return s, nil
}
