package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"repairline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Event) error
}

// Source is the status history the dispatcher tails.
type Source interface {
	HistoryAfter(ctx context.Context, limit int, cursor int64) ([]repo.HistoryEntry, error)
	LatestHistoryID(ctx context.Context) (int64, error)
}

// Dispatcher polls status history and fans new rows out to its sinks. Each
// sink keeps its own cursor, starting at the latest row seen at first poll,
// so a failing sink retries from where it stopped without holding up others.
type Dispatcher struct {
	source   Source
	sinks    []Sink
	interval time.Duration
	batch    int
	logger   *zap.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(source Source, sinks []Sink, interval time.Duration, logger *zap.Logger) *Dispatcher {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		source:   source,
		sinks:    sinks,
		interval: interval,
		batch:    defaultBatch,
		logger:   logger,
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if len(d.sinks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one poll over every sink.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, sink := range d.sinks {
		d.dispatch(ctx, i, sink)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, sink Sink) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	rows, err := d.source.HistoryAfter(ctx, d.batch, cursor)
	if err != nil {
		d.logger.Warn("fetch status history failed", zap.String("sink", sink.Name()), zap.Error(err))
		return
	}
	for _, row := range rows {
		evt := eventFromHistory(row)
		if err := sink.Deliver(ctx, evt); err != nil {
			d.logger.Warn("event delivery failed",
				zap.String("sink", sink.Name()),
				zap.Int64("event_id", evt.ID),
				zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.source.LatestHistoryID(ctx)
	if err != nil {
		d.logger.Warn("init dispatch cursor failed", zap.Error(err))
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}
