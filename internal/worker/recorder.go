package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgatehq/tollgate/internal"
	"github.com/tollgatehq/tollgate/internal/storage"
	"github.com/tollgatehq/tollgate/internal/telemetry"
)

const (
	logChanSize   = 1024
	logBatchSize  = 100
	logFlushEvery = 5 * time.Second
	logDrainTime  = 30 * time.Second
)

// Recorder buffers finished request logs and batch-flushes them to one or
// more stores. It implements gateway.RequestLogSink: Write never blocks the
// request path; under sustained pressure the oldest buffered log is dropped
// to make room for the newest.
type Recorder struct {
	ch      chan gateway.RequestLog
	stores  []storage.RequestLogStore
	metrics *telemetry.Metrics
}

// NewRecorder creates a Recorder flushing to the given stores. The first
// store is the primary; failures on any store are logged, never propagated
// to the request path.
func NewRecorder(metrics *telemetry.Metrics, stores ...storage.RequestLogStore) *Recorder {
	return &Recorder{
		ch:      make(chan gateway.RequestLog, logChanSize),
		stores:  stores,
		metrics: metrics,
	}
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "request_recorder" }

// Write enqueues a finished request log. Never blocks.
func (r *Recorder) Write(l gateway.RequestLog) {
	for {
		select {
		case r.ch <- l:
			if r.metrics != nil {
				r.metrics.LogQueueSize.Set(float64(len(r.ch)))
			}
			return
		default:
		}
		// Full: shed the oldest entry and retry.
		select {
		case <-r.ch:
			if r.metrics != nil {
				r.metrics.LogsDropped.Inc()
			}
		default:
		}
	}
}

// Run processes logs until ctx is cancelled, then drains remaining logs.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(logFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.RequestLog, 0, logBatchSize)

	for {
		select {
		case l := <-r.ch:
			buf = append(buf, l)
			if len(buf) >= logBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
			if r.metrics != nil {
				r.metrics.LogQueueSize.Set(float64(len(r.ch)))
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

// drain empties the channel with a fresh timeout so shutdown does not lose
// the tail of the buffer.
func (r *Recorder) drain(buf []gateway.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()

	for {
		select {
		case l := <-r.ch:
			buf = append(buf, l)
			if len(buf) >= logBatchSize {
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

func (r *Recorder) flush(ctx context.Context, buf []gateway.RequestLog) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.RequestLog, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; the handler leaves ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	for _, store := range r.stores {
		if err := store.InsertRequestLogs(ctx, batch); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "request log flush failed",
				slog.Int("count", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}
}
