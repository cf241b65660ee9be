package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/alert"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/logger"
	"github.com/dj-oyu/exam-proctor/monitor-server/internal/metrics"
)

// Flusher writes the aggregator's pending changes to a Store. Flush is not
// safe for concurrent use; run it from a single scheduler job.
type Flusher struct {
	agg     *alert.Aggregator
	store   Store
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewFlusher creates a flusher. m may be nil.
func NewFlusher(agg *alert.Aggregator, s Store, m *metrics.Metrics, timeout time.Duration) *Flusher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Flusher{agg: agg, store: s, metrics: m, timeout: timeout}
}

// Flush persists pending changes. On failure the changes stay pending for
// the next call.
func (f *Flusher) Flush(ctx context.Context) error {
	pending := f.agg.TakePending()
	if pending.Empty() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.write(ctx, pending); err != nil {
		f.agg.Requeue(pending)
		if f.metrics != nil {
			f.metrics.FlushErrors.Add(1)
		}
		logger.Error("Flusher", "Flush failed, %d updates and %d deletions kept pending: %v",
			len(pending.Updated), len(pending.Deleted), err)
		return err
	}

	if f.metrics != nil {
		f.metrics.Flushes.Add(1)
		f.metrics.RecordsSaved.Add(uint64(len(pending.Updated)))
		f.metrics.LastFlushUnix.Store(time.Now().Unix())
	}
	logger.Debug("Flusher", "Flushed %d records, deleted %d", len(pending.Updated), len(pending.Deleted))
	return nil
}

func (f *Flusher) write(ctx context.Context, p alert.Pending) error {
	if len(p.Deleted) > 0 {
		if err := f.store.Delete(ctx, p.Deleted...); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
	}
	if len(p.Updated) > 0 {
		if err := f.store.Save(ctx, p.Updated); err != nil {
			return fmt.Errorf("save: %w", err)
		}
	}
	return nil
}

// Restore loads every stored record into the aggregator.
func Restore(ctx context.Context, s Store, agg *alert.Aggregator) error {
	records, err := s.Load(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	agg.Restore(records)
	return nil
}
