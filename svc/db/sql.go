package db

import (
	"context"
	"database/sql"
	"fadebin/pkg/domain"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

// SQL stores pastes in a two column key/value table. It backs both the
// SQLite and the Postgres flavours; they differ only in placeholder
// syntax and schema types.
type SQL struct {
	db            *sql.DB
	backend       string
	numbered      bool
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func newSQL(db *sql.DB, backend string, numbered bool, queryTimeout time.Duration) *SQL {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &SQL{db: db, backend: backend, numbered: numbered, queryTimeout: queryTimeout}
}
func (s *SQL) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders to $n for drivers that need them.
func (s *SQL) rebind(q string) string {
	if !s.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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
func (s *SQL) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQL) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}
func (s *SQL) migrate(valueType string) error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS paste_kv (
		key TEXT PRIMARY KEY,
		value ` + valueType + ` NOT NULL
	)`)
	return errors.Wrap(err, "create paste_kv")
}
func (s *SQL) Create(ctx context.Context, p *domain.Paste) (err error) {
	defer observe(s.backend, "create")(&err)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	data, err := domain.Marshal(p)
	if err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		s.rebind(`INSERT INTO paste_kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`),
		Key(p.ID), data)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db create")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "db create rows")
	}
	if n == 0 {
		return domain.ErrIDCollision
	}
	return nil
}
func (s *SQL) loadRaw(ctx context.Context, id string) ([]byte, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var raw []byte
	err := s.db.QueryRowContext(queryCtx, s.rebind(`SELECT value FROM paste_kv WHERE key = ?`), Key(id)).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return raw, nil
}
func (s *SQL) Load(ctx context.Context, id string) (p *domain.Paste, err error) {
	defer observe(s.backend, "load")(&err)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	raw, err := s.loadRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	return domain.Unmarshal(id, raw)
}

// UpdateIf compares the decoded stored state with expected and then swaps
// the value only if it is still byte-for-byte what was just read.
func (s *SQL) UpdateIf(ctx context.Context, expected, next *domain.Paste) (err error) {
	defer observe(s.backend, "update_if")(&err)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	data, err := domain.Marshal(next)
	if err != nil {
		return err
	}
	raw, err := s.loadRaw(ctx, expected.ID)
	if errors.Is(err, domain.ErrPasteNotFound) {
		return domain.ErrConflict
	}
	if err != nil {
		return err
	}
	current, err := domain.Unmarshal(expected.ID, raw)
	if err != nil {
		return err
	}
	if !current.Equal(expected) {
		return domain.ErrConflict
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx,
		s.rebind(`UPDATE paste_kv SET value = ? WHERE key = ? AND value = ?`),
		data, Key(expected.ID), raw)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "db update rows")
	}
	if n == 0 {
		return domain.ErrConflict
	}
	return nil
}
func (s *SQL) Delete(ctx context.Context, id string) (err error) {
	defer observe(s.backend, "delete")(&err)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err = s.db.ExecContext(queryCtx, s.rebind(`DELETE FROM paste_kv WHERE key = ?`), Key(id))
	s.recordError(err)
	return errors.Wrap(err, "delete paste")
}
func (s *SQL) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
func (s *SQL) Close() error {
	return s.db.Close()
}
