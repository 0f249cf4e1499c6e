package lim

import (
	"context"
	"sync"
	"time"

	"fadebin/metrics"
	"fadebin/pkg/domain"
	"fadebin/svc/util"

	"github.com/pkg/errors"
)

const watchSlots = 5

type failureKind int

const (
	storeFailure failureKind = iota
	casContention
	idsExhausted
	numKinds
)

type slot struct {
	ops      int64
	failures [numKinds]int64
}

type WatchConfig struct {
	Window  time.Duration
	MinOps  int64
	Percent float64
}

// FailureWatch keeps a rolling count of finished paste operations and of
// the ones that failed server side, split by failureKind. When the failure
// share over the window passes the threshold it calls onTrip.
type FailureWatch struct {
	mu       sync.Mutex
	cfg      WatchConfig
	slots    [watchSlots]slot
	current  int
	onTrip   func()
	done     chan struct{}
	stopOnce sync.Once
}

func NewFailureWatch(c WatchConfig, onTrip func()) *FailureWatch {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.MinOps <= 0 {
		c.MinOps = 10
	}
	if c.Percent <= 0 {
		c.Percent = 5
	}
	return &FailureWatch{cfg: c, onTrip: onTrip, done: make(chan struct{})}
}
func (w *FailureWatch) Start() {
	ticker := time.NewTicker(w.cfg.Window / watchSlots)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Rotate()
			case <-w.done:
				return
			}
		}
	}()
}
func (w *FailureWatch) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Report counts one finished paste operation. Not found and validation
// results are healthy; operations whose caller went away are not counted.
func (w *FailureWatch) Report(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	kind, failed := classify(err)
	w.mu.Lock()
	defer w.mu.Unlock()
	s := &w.slots[w.current]
	s.ops++
	if failed {
		s.failures[kind]++
	}
}
func classify(err error) (failureKind, bool) {
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, domain.ErrContention):
		return casContention, true
	case errors.Is(err, domain.ErrIDGenerationFailed):
		return idsExhausted, true
	case domain.Status(err) >= 500:
		return storeFailure, true
	}
	return 0, false
}

// Rotate judges the window, publishes the failure rate and starts a fresh
// slot in place of the oldest one.
func (w *FailureWatch) Rotate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ops int64
	var byKind [numKinds]int64
	for _, s := range w.slots {
		ops += s.ops
		for k, n := range s.failures {
			byKind[k] += n
		}
	}
	failed := byKind[storeFailure] + byKind[casContention] + byKind[idsExhausted]
	var rate float64
	if ops > 0 {
		rate = float64(failed) / float64(ops) * 100
	}
	metrics.PasteFailureRatePercent.Set(rate)
	if ops >= w.cfg.MinOps && rate > w.cfg.Percent {
		util.Warn().
			Float64("failure_rate", rate).
			Int64("ops", ops).
			Int64("store_failures", byKind[storeFailure]).
			Int64("cas_contention", byKind[casContention]).
			Int64("ids_exhausted", byKind[idsExhausted]).
			Msg("paste operations failing, tightening rate limits")
		if w.onTrip != nil {
			w.onTrip()
		}
	}
	w.current = (w.current + 1) % watchSlots
	w.slots[w.current] = slot{}
}
