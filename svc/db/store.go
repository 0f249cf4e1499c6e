package db

import (
	"context"
	"time"

	"fadebin/metrics"
	"fadebin/pkg/domain"

	"github.com/pkg/errors"
)

const keyPrefix = "paste:"

// Key is the namespaced storage key of a paste.
func Key(id string) string {
	return keyPrefix + id
}

// Store maps paste ids to serialized records. Backends never set a native
// expiry on entries; expiry is decided by the lifecycle policy.
//
// Create fails with domain.ErrIDCollision when the key is taken.
// Load fails with domain.ErrPasteNotFound when the key is absent.
// UpdateIf replaces the record only while the stored state still equals
// expected and fails with domain.ErrConflict otherwise, including when
// the record disappeared in between.
// Delete of an absent key is not an error.
type Store interface {
	Create(ctx context.Context, p *domain.Paste) error
	Load(ctx context.Context, id string) (*domain.Paste, error)
	UpdateIf(ctx context.Context, expected, next *domain.Paste) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// observe starts timing a store call; the returned func records it once
// the call's error is known. Use as: defer observe(backend, op)(&err).
func observe(backend, op string) func(*error) {
	start := time.Now()
	return func(errp *error) {
		result := "ok"
		switch err := *errp; {
		case err == nil:
		case errors.Is(err, domain.ErrPasteNotFound):
			result = "not_found"
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrIDCollision):
			result = "conflict"
		default:
			result = "error"
		}
		metrics.StoreOpDuration.WithLabelValues(backend, op, result).Observe(time.Since(start).Seconds())
	}
}
