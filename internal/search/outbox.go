package search

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/telemetry"
)

const (
	// maxOutboxAttempts bounds retries per task; at the limit the row
	// dead-letters and is swept after deadLetterAge.
	maxOutboxAttempts = 10

	// leaseDuration must exceed batchTimeout so a second worker never
	// claims tasks the first is still processing.
	leaseDuration = 60 * time.Second

	batchTimeout  = 30 * time.Second
	deadLetterAge = 7 * 24 * time.Hour
)

// OutboxWorker polls the search outbox and syncs LTM memory changes to the
// vector index. At-least-once delivery: Qdrant upserts and deletes are
// idempotent by point ID, so a redelivered task converges to the same state.
type OutboxWorker struct {
	db     *storage.DB
	index  *QdrantIndex
	logger *slog.Logger

	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewOutboxWorker creates a search outbox worker. pollInterval and batchSize
// fall back to 1s and 50 when unset.
func NewOutboxWorker(db *storage.DB, index *QdrantIndex, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &OutboxWorker{
		db:           db,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining tasks, and blocks
// until done or the context expires. The ctx parameter is passed to the
// final poll so it respects the caller's deadline.
func (w *OutboxWorker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	defer w.once.Do(func() { close(w.done) })

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalPoll()
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

// finalPoll runs one last batch after the loop context ends. A Drain caller
// supplies its own deadline through drainCh; direct cancellation without
// Drain (e.g. tests) gets a bounded fallback.
func (w *OutboxWorker) finalPoll() {
	select {
	case drainCtx := <-w.drainCh:
		w.processBatch(drainCtx)
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		w.processBatch(ctx)
	}
}

func (w *OutboxWorker) processBatch(ctx context.Context) {
	if w.db == nil || w.index == nil {
		w.logger.Warn("search outbox: worker not configured, skipping batch")
		return
	}

	// Collection setup before claiming: when Qdrant is down wholesale the
	// batch is skipped without burning attempts, so an index outage can
	// never dead-letter tasks on its own.
	if err := w.index.EnsureCollection(ctx); err != nil {
		w.logger.Error("search outbox: ensure collection", "error", err)
		return
	}

	tasks, err := w.db.ClaimSearchTasks(ctx, w.batchSize, maxOutboxAttempts, leaseDuration)
	if err != nil {
		w.logger.Error("search outbox: claim tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	var upserts, deletes []storage.SearchTask
	for _, t := range tasks {
		switch t.Operation {
		case "upsert":
			upserts = append(upserts, t)
		case "delete":
			deletes = append(deletes, t)
		}
	}

	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

// upsertBatch is the three-way split of claimed upsert tasks: ready tasks
// have a point to push, pending tasks reference an LTM row that has no
// embedding yet, obsolete tasks reference a row that is no longer live LTM.
type upsertBatch struct {
	ready    []storage.SearchTask
	points   []Point
	pending  []storage.SearchTask
	obsolete []storage.SearchTask
}

// partitionUpsertTasks matches claimed tasks against the rows Postgres
// still holds in long-term tier.
func partitionUpsertTasks(tasks []storage.SearchTask, memories []storage.MemoryForIndex) upsertBatch {
	byID := make(map[uuid.UUID]storage.MemoryForIndex, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
	}

	var b upsertBatch
	for _, t := range tasks {
		m, ok := byID[t.MemoryID]
		switch {
		case !ok:
			b.obsolete = append(b.obsolete, t)
		case m.Embedding == nil:
			b.pending = append(b.pending, t)
		default:
			b.ready = append(b.ready, t)
			b.points = append(b.points, Point{
				ID:         m.ID,
				UserID:     m.UserID,
				Tier:       string(model.TierLTM),
				Type:       string(m.Type),
				Confidence: m.Confidence,
				CreatedAt:  m.CreatedAt,
				Embedding:  m.Embedding,
			})
		}
	}
	return b
}

func (w *OutboxWorker) processUpserts(ctx context.Context, tasks []storage.SearchTask) {
	ids := make([]uuid.UUID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.MemoryID
	}

	memories, err := w.db.MemoriesForIndex(ctx, ids)
	if err != nil {
		w.logger.Error("search outbox: fetch memories", "error", err, "count", len(ids))
		w.failTasks(ctx, tasks, err.Error())
		return
	}

	b := partitionUpsertTasks(tasks, memories)

	// Rows deleted or moved out of long-term since enqueue have nothing to
	// index anymore; a later delete task covers the index side if needed.
	if len(b.obsolete) > 0 {
		w.completeTasks(ctx, b.obsolete)
	}

	// A promoted row without a vector becomes indexable when an update
	// re-embeds it. Park the task rather than failing it; at the attempt
	// limit give up so the row cannot pin the queue forever.
	if len(b.pending) > 0 {
		var park, exhausted []storage.SearchTask
		for _, t := range b.pending {
			if t.Attempts+1 >= maxOutboxAttempts {
				exhausted = append(exhausted, t)
			} else {
				park = append(park, t)
			}
		}
		if len(park) > 0 {
			w.deferTasks(ctx, park, "memory not ready: no embedding")
		}
		if len(exhausted) > 0 {
			w.failTasks(ctx, exhausted, "memory not ready after max defer cycles")
		}
	}

	if len(b.points) == 0 {
		return
	}

	if err := w.index.Upsert(ctx, b.points); err != nil {
		w.logger.Error("search outbox: qdrant upsert", "error", err, "count", len(b.points))
		w.failTasks(ctx, b.ready, err.Error())
		return
	}

	w.completeTasks(ctx, b.ready)
	w.logger.Info("search outbox: upserted", "count", len(b.points))
}

func (w *OutboxWorker) processDeletes(ctx context.Context, tasks []storage.SearchTask) {
	ids := make([]uuid.UUID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.MemoryID
	}

	if err := w.index.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("search outbox: qdrant delete", "error", err, "count", len(ids))
		w.failTasks(ctx, tasks, err.Error())
		return
	}

	w.completeTasks(ctx, tasks)
	w.logger.Info("search outbox: deleted", "count", len(ids))
}

func (w *OutboxWorker) completeTasks(ctx context.Context, tasks []storage.SearchTask) {
	if err := w.db.CompleteSearchTasks(ctx, taskIDs(tasks)); err != nil {
		w.logger.Error("search outbox: complete tasks", "error", err)
	}
}

func (w *OutboxWorker) deferTasks(ctx context.Context, tasks []storage.SearchTask, reason string) {
	if err := w.db.DeferSearchTasks(ctx, taskIDs(tasks), reason); err != nil {
		w.logger.Error("search outbox: defer tasks", "error", err)
	}
}

// failTasks records the retry; tasks hitting the attempt limit get a
// dead-letter warning naming the row they will never index.
func (w *OutboxWorker) failTasks(ctx context.Context, tasks []storage.SearchTask, errMsg string) {
	if err := w.db.FailSearchTasks(ctx, taskIDs(tasks), errMsg); err != nil {
		w.logger.Error("search outbox: record failures", "error", err)
		return
	}
	for _, t := range tasks {
		if t.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("search outbox: dead-letter task",
				"task_id", t.ID,
				"memory_id", t.MemoryID,
				"operation", t.Operation,
				"attempts", t.Attempts+1,
			)
		}
	}
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	deleted, err := w.db.CleanupDeadSearchTasks(ctx, maxOutboxAttempts, deadLetterAge)
	if err != nil {
		w.logger.Error("search outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("search outbox: cleaned dead-letter tasks", "deleted", deleted)
	}
}

// registerMetrics exposes the outbox depth so a stuck mirror shows up on a
// dashboard before searches start missing fresh memories.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("kokoro/search")

	_, _ = meter.Int64ObservableGauge("search_outbox_depth",
		metric.WithDescription("Number of claimable tasks in the search outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := w.db.PendingSearchCount(ctx, maxOutboxAttempts)
			if err != nil {
				return nil // skip this observation
			}
			o.Observe(count)
			return nil
		}),
	)
}

func taskIDs(tasks []storage.SearchTask) []int64 {
	ids := make([]int64, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
