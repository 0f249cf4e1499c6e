package db

import (
	"context"
	"time"

	"fadebin/pkg/domain"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var pasteBucket = []byte("pastes")

// Bolt is a single-process store on top of bbolt. Writers are serialized
// by bbolt itself, so the compare and the swap share one transaction.
type Bolt struct {
	db *bolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pasteBucket)
		return errors.Wrap(err, "create paste bucket")
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}
func (b *Bolt) Create(ctx context.Context, p *domain.Paste) (err error) {
	defer observe("bolt", "create")(&err)
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := domain.Marshal(p)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pasteBucket)
		key := []byte(Key(p.ID))
		if bucket.Get(key) != nil {
			return domain.ErrIDCollision
		}
		return errors.Wrap(bucket.Put(key, data), "save paste")
	})
}
func (b *Bolt) Load(ctx context.Context, id string) (p *domain.Paste, err error) {
	defer observe("bolt", "load")(&err)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var raw []byte
	err = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(pasteBucket).Get([]byte(Key(id)))
		if v == nil {
			return domain.ErrPasteNotFound
		}
		// v is only valid inside the transaction.
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return domain.Unmarshal(id, raw)
}
func (b *Bolt) UpdateIf(ctx context.Context, expected, next *domain.Paste) (err error) {
	defer observe("bolt", "update_if")(&err)
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := domain.Marshal(next)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pasteBucket)
		key := []byte(Key(expected.ID))
		raw := bucket.Get(key)
		if raw == nil {
			return domain.ErrConflict
		}
		current, err := domain.Unmarshal(expected.ID, raw)
		if err != nil {
			return err
		}
		if !current.Equal(expected) {
			return domain.ErrConflict
		}
		return errors.Wrap(bucket.Put(key, data), "update paste")
	})
}
func (b *Bolt) Delete(ctx context.Context, id string) (err error) {
	defer observe("bolt", "delete")(&err)
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return errors.Wrap(tx.Bucket(pasteBucket).Delete([]byte(Key(id))), "delete paste")
	})
}
func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(pasteBucket) == nil {
			return errors.New("pastes bucket missing")
		}
		return nil
	})
}
func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
