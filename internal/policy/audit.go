package policy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/telemetry"
)

// maxAuditCapacity is the hard upper limit on buffered audit events. The
// audit log is explicitly lossy: past this point new events are dropped and
// counted rather than applying backpressure to the request path.
const maxAuditCapacity = 10_000

// auditStore is the slice of storage the buffer needs.
type auditStore interface {
	InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error
}

// AuditBuffer accumulates policy audit events in memory and flushes them in
// batches when either the size threshold or the flush interval is reached.
// Log never blocks and never fails the caller.
type AuditBuffer struct {
	store         auditStore
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu     sync.Mutex
	events []model.AuditEvent

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewAuditBuffer creates an audit buffer flushing at maxSize events or every
// flushInterval, whichever comes first.
func NewAuditBuffer(store auditStore, logger *slog.Logger, maxSize int, flushInterval time.Duration) *AuditBuffer {
	if maxSize <= 0 {
		maxSize = 256
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &AuditBuffer{
		store:         store,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop. Call Drain to stop.
func (b *AuditBuffer) Start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Log enqueues one audit event. Drops with a counter when the buffer is at
// capacity.
func (b *AuditBuffer) Log(ctx context.Context, action string, auditCtx map[string]any, policyID, userID *uuid.UUID) {
	event := model.AuditEvent{
		ID:        uuid.New(),
		Action:    action,
		PolicyID:  policyID,
		UserID:    userID,
		Context:   auditCtx,
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	if len(b.events) >= maxAuditCapacity {
		b.mu.Unlock()
		b.dropped.Add(1)
		b.countEvent(ctx, "dropped")
		return
	}
	b.events = append(b.events, event)
	full := len(b.events) >= b.maxSize
	b.mu.Unlock()

	b.countEvent(ctx, action)

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *AuditBuffer) countEvent(ctx context.Context, action string) {
	meter := telemetry.Meter("kokoro/policy")
	if counter, err := meter.Int64Counter("audit_event_total"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("type", action)))
	}
}

func (b *AuditBuffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush. ctx is already done, so use the drain context
			// provided by Drain, or a short fallback for direct cancellation.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *AuditBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	if err := b.store.InsertAuditEvents(ctx, batch); err != nil {
		// Lossy on failure: audit writes must never wedge the buffer.
		b.dropped.Add(int64(len(batch)))
		b.logger.Error("policy: audit flush failed, events dropped", "error", err, "dropped", len(batch))
		return
	}

	b.logger.Debug("policy: audit batch flushed", "batch_size", len(batch))
}

// Drain signals the flush loop to stop, waits for the final flush, and
// returns. ctx bounds the wait and the final flush.
func (b *AuditBuffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("policy: audit drain timed out")
	}
}

// Len returns the current number of buffered events.
func (b *AuditBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns the total number of events lost to capacity or flush
// failure. Non-zero means the audit trail has gaps.
func (b *AuditBuffer) Dropped() int64 {
	return b.dropped.Load()
}

func (b *AuditBuffer) registerMetrics() {
	meter := telemetry.Meter("kokoro/policy")

	_, _ = meter.Int64ObservableGauge("audit_buffer_depth",
		otelmetric.WithDescription("Audit events waiting to be flushed"),
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)
}
