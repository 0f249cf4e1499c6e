package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fadebin/cfg"
	"fadebin/metrics"
	"fadebin/pkg/clock"
	"fadebin/pkg/domain"
	"fadebin/svc/db"
	"fadebin/svc/util"

	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/sync/singleflight"
)

const qrSize = 256

var errShuttingDown = errors.New("service shutting down")

// Reporter receives the result of every finished paste operation.
// *lim.Limiter implements it.
type Reporter interface {
	Report(err error)
}

// Paste runs the create, consuming fetch and non-consuming render flows
// on top of a Store. It holds no paste state of its own; concurrent
// requests are reconciled by the store's conditional writes.
type Paste struct {
	store          db.Store
	ids            util.IDGenerator
	clock          clock.Clock
	maxSize        int64
	createAttempts int
	fetchAttempts  int
	loadTimeout    time.Duration
	reporter       Reporter
	shutdown       atomic.Bool
	opWg           sync.WaitGroup
	peeks          singleflight.Group
}

func NewPaste(store db.Store, ids util.IDGenerator, clk clock.Clock, c *cfg.Cfg) *Paste {
	if store == nil || ids == nil || c == nil {
		panic("paste service: nil dependency (store, ids, or cfg)")
	}
	if clk == nil {
		clk = clock.System{}
	}
	p := &Paste{
		store:          store,
		ids:            ids,
		clock:          clk,
		maxSize:        c.MaxPasteSize,
		createAttempts: c.CreateMaxAttempts,
		fetchAttempts:  c.FetchMaxAttempts,
		loadTimeout:    c.StoreTimeout,
	}
	if p.createAttempts < 1 {
		p.createAttempts = 3
	}
	if p.fetchAttempts < 1 {
		p.fetchAttempts = 5
	}
	if p.loadTimeout <= 0 {
		p.loadTimeout = 5 * time.Second
	}
	return p
}

// ReportTo sends operation outcomes to r. Call it before serving.
func (p *Paste) ReportTo(r Reporter) {
	p.reporter = r
}

// Shutdown refuses new operations and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}
func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return errShuttingDown
	}
	p.opWg.Add(1)
	return nil
}
func (p *Paste) end(errp *error) {
	if p.reporter != nil {
		p.reporter.Report(*errp)
	}
	p.opWg.Done()
}

// Create validates params, stamps the lifecycle fields and inserts the
// paste under a fresh id, regenerating the id when it is already taken.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (created *domain.Created, err error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.end(&err)
	if err := domain.ValidateCreate(params, p.maxSize); err != nil {
		return nil, err
	}
	now := domain.Millis(p.clock.Now())
	paste := &domain.Paste{
		Content:   params.Content,
		CreatedAt: now,
		MaxViews:  params.MaxViews,
	}
	if params.TTLSeconds != nil {
		exp := now.Add(time.Duration(*params.TTLSeconds) * time.Second)
		paste.ExpiresAt = &exp
	}
	for attempt := 1; attempt <= p.createAttempts; attempt++ {
		id, err := p.ids.Generate(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "gen id")
		}
		paste.ID = id
		err = p.store.Create(ctx, paste)
		if err == nil {
			metrics.PasteCreated.Inc()
			return &domain.Created{
				ID:        id,
				URL:       AccessURL(params.BaseURL, id),
				ExpiresAt: paste.ExpiresAt,
			}, nil
		}
		if !errors.Is(err, domain.ErrIDCollision) {
			return nil, errors.Wrap(err, "create paste")
		}
		metrics.IDCollisions.Inc()
		util.Warn().
			Str("request_id", util.GetRequestID(ctx)).
			Int("attempt", attempt).
			Msg("paste id collision, regenerating")
	}
	return nil, domain.ErrIDGenerationFailed
}

// Fetch is the consuming read. Each attempt decides from a fresh load, so
// a lost race is re-judged against the winner's state rather than retried
// blindly.
func (p *Paste) Fetch(ctx context.Context, id string) (view *domain.View, err error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.end(&err)
	if !util.ValidID(id) {
		metrics.FetchOutcomes.WithLabelValues(domain.Absent.String()).Inc()
		return nil, domain.ErrPasteNotFound
	}
	for attempt := 1; attempt <= p.fetchAttempts; attempt++ {
		current, err := p.load(ctx, id)
		if err != nil {
			return nil, err
		}
		d := domain.Evaluate(current, p.clock.Now())
		switch d.Outcome {
		case domain.Absent, domain.Exhausted:
			metrics.FetchOutcomes.WithLabelValues(d.Outcome.String()).Inc()
			return nil, d.Outcome.Err()
		case domain.Expired:
			metrics.FetchOutcomes.WithLabelValues(d.Outcome.String()).Inc()
			p.dropExpired(ctx, id)
			return nil, domain.ErrPasteExpired
		}
		err = p.store.UpdateIf(ctx, current, d.Next)
		if err == nil {
			metrics.FetchOutcomes.WithLabelValues(d.Outcome.String()).Inc()
			return &domain.View{
				Content:        d.Next.Content,
				RemainingViews: d.RemainingViews,
				ExpiresAt:      d.Next.ExpiresAt,
			}, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, errors.Wrap(err, "count view")
		}
		metrics.CASConflicts.Inc()
		util.Debug().
			Str("request_id", util.GetRequestID(ctx)).
			Str("paste_id", id).
			Int("attempt", attempt).
			Msg("view count conflict, reloading")
	}
	metrics.FetchOutcomes.WithLabelValues("contention").Inc()
	return nil, domain.ErrContention
}

// Render returns the content of a paste that could still be fetched,
// without counting a view. Every unavailable state reads as not found.
func (p *Paste) Render(ctx context.Context, id string) (content string, err error) {
	if err := p.begin(); err != nil {
		return "", err
	}
	defer p.end(&err)
	current, outcome, err := p.peek(ctx, id)
	if err != nil {
		return "", err
	}
	metrics.RenderOutcomes.WithLabelValues(outcome.String()).Inc()
	if outcome != domain.Grantable {
		return "", domain.ErrPasteNotFound
	}
	return current.Content, nil
}

// QR encodes the access URL of a viewable paste as a PNG.
func (p *Paste) QR(ctx context.Context, id, baseURL string) (png []byte, err error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.end(&err)
	_, outcome, err := p.peek(ctx, id)
	if err != nil {
		return nil, err
	}
	if outcome != domain.Grantable {
		return nil, domain.ErrPasteNotFound
	}
	png, err = qrcode.Encode(AccessURL(baseURL, id), qrcode.Medium, qrSize)
	if err != nil {
		return nil, errors.Wrap(err, "encode qr")
	}
	return png, nil
}
func (p *Paste) peek(ctx context.Context, id string) (*domain.Paste, domain.Outcome, error) {
	if !util.ValidID(id) {
		return nil, domain.Absent, nil
	}
	// Concurrent renders of one paste share a single load; the result is
	// only read. The load is detached from whichever caller started it so
	// that caller leaving early cannot fail the others. Each caller still
	// waits no longer than its own context allows.
	ch := p.peeks.DoChan(id, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.loadTimeout)
		defer cancel()
		return p.load(loadCtx, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, domain.Absent, res.Err
		}
		current := res.Val.(*domain.Paste)
		return current, domain.Peek(current, p.clock.Now()), nil
	case <-ctx.Done():
		return nil, domain.Absent, errors.Wrap(ctx.Err(), "load paste")
	}
}

// load returns nil for an absent paste.
func (p *Paste) load(ctx context.Context, id string) (*domain.Paste, error) {
	current, err := p.store.Load(ctx, id)
	if errors.Is(err, domain.ErrPasteNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load paste")
	}
	return current, nil
}

// dropExpired removes an expired record. Failure only delays the cleanup;
// the record reads as expired either way.
func (p *Paste) dropExpired(ctx context.Context, id string) {
	if err := p.store.Delete(ctx, id); err != nil {
		util.Warn().
			Err(err).
			Str("request_id", util.GetRequestID(ctx)).
			Str("paste_id", id).
			Msg("failed to delete expired paste")
		return
	}
	metrics.ExpiredCleanups.Inc()
}

// AccessURL is the human-facing page of a paste.
func AccessURL(baseURL, id string) string {
	return strings.TrimSuffix(baseURL, "/") + "/p/" + id
}
