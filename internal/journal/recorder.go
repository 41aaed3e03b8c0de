package journal

import (
	"context"
	"log/slog"
	"time"

	tunnel "github.com/burrowhq/burrow/internal"
	"github.com/burrowhq/burrow/internal/telemetry"
)

const (
	recordChanSize  = 1000
	recordBatchSize = 100
	flushEvery      = 5 * time.Second
	drainTime       = 30 * time.Second
)

// RecordStore is the persistence interface consumed by Recorder.
type RecordStore interface {
	InsertRecords(ctx context.Context, records []tunnel.TrafficRecord) error
}

// Recorder buffers traffic records and batch-flushes them to the store.
// Records are dropped when the channel is full so a slow database can never
// stall the ingress path.
type Recorder struct {
	ch      chan tunnel.TrafficRecord
	store   RecordStore
	metrics *telemetry.Metrics
}

// NewRecorder creates a Recorder backed by store. metrics may be nil.
func NewRecorder(store RecordStore, metrics *telemetry.Metrics) *Recorder {
	return &Recorder{
		ch:      make(chan tunnel.TrafficRecord, recordChanSize),
		store:   store,
		metrics: metrics,
	}
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "traffic_journal" }

// Record enqueues a record. It never blocks; drops on full channel.
func (r *Recorder) Record(rec tunnel.TrafficRecord) {
	select {
	case r.ch <- rec:
	default:
		if r.metrics != nil {
			r.metrics.JournalQueueDrops.Inc()
		}
		slog.Warn("traffic record dropped, journal channel full")
	}
}

// Run processes records until ctx is cancelled, then drains what remains.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	buf := make([]tunnel.TrafficRecord, 0, recordBatchSize)

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= recordBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *Recorder) drain(buf []tunnel.TrafficRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= recordBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, buf []tunnel.TrafficRecord) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]tunnel.TrafficRecord, len(buf))
	copy(batch, buf)

	if err := r.store.InsertRecords(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "journal flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
