// Package reflection runs the self-assessment worker.
//
// The worker drains the reflection outbox: for each interaction the chat
// coordinator enqueued, it validates input/output alignment against the
// constitution, composes a fixed three-question self-assessment, and stores
// the result as a long-term reflection memory. Delivery is at-least-once;
// a duplicate delivery produces a second reflection row, which distillation
// tolerates.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kokoro/internal/memory"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/policy"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/telemetry"
)

// MaxAttempts bounds retries per task. The outbox backs claims off
// exponentially between attempts; at the limit the task dead-letters.
// Exported so the HTTP boundary reports queue depth with the same cutoff.
const MaxAttempts = 3

const (
	// leaseDuration must exceed the batch timeout so a second worker never
	// claims a task the first is still processing.
	leaseDuration = 60 * time.Second

	batchTimeout  = 30 * time.Second
	deadLetterAge = 7 * 24 * time.Hour

	// successScore is the alignment score at which a reflection records a
	// success outcome. Matches the constitution's alignment bar.
	successScore = 0.7

	// excerptLen bounds the input/output excerpts quoted in the assessment.
	excerptLen = 120
)

// errValidation marks alignment-validation failures so the dead-letter log
// can name the stage that gave up.
var errValidation = errors.New("reflection: policy validation failed")

// baseTags appear on every reflection memory. Context topic tags are
// appended after them.
var baseTags = []string{"reflection", "self-assessment", "alignment"}

// Worker polls the reflection outbox and turns claimed tasks into stored
// reflection memories.
type Worker struct {
	db        *storage.DB
	engine    *memory.Engine
	validator *policy.Service
	logger    *slog.Logger

	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewWorker creates a reflection worker. pollInterval and batchSize fall
// back to 2s and 10 when unset.
func NewWorker(db *storage.DB, engine *memory.Engine, validator *policy.Service, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Worker{
		db:           db,
		engine:       engine,
		validator:    validator,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("reflection: Start called more than once, ignoring")
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
func (w *Worker) Drain(ctx context.Context) {
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
		w.logger.Warn("reflection: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the last poll
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	tasks, err := w.db.ClaimReflectionTasks(ctx, w.batchSize, MaxAttempts, leaseDuration)
	if err != nil {
		w.logger.Error("reflection: claim tasks", "error", err)
		return
	}

	for _, t := range tasks {
		if err := w.process(ctx, t); err != nil {
			w.fail(ctx, t, err)
			continue
		}
		if err := w.db.CompleteReflectionTask(ctx, t.ID); err != nil {
			w.logger.Error("reflection: complete task", "task_id", t.ID, "error", err)
		}
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

// process runs the self-assessment for one task and stores the reflection.
func (w *Worker) process(ctx context.Context, t storage.ReflectionTask) error {
	res, err := w.validator.ValidateAlignment(ctx, t.InputText, t.OutputText, "")
	if err != nil {
		return fmt.Errorf("%w: %v", errValidation, err)
	}

	outcome := model.OutcomeNeutral
	if res.AlignmentScore >= successScore {
		outcome = model.OutcomeSuccess
	}

	req := model.StoreMemoryRequest{
		UserID:          t.UserID,
		Type:            model.MemoryTypeReflection,
		InputContext:    "Reflection on interaction",
		OutputResponse:  composeAssessment(t, res),
		Outcome:         outcome,
		ConfidenceScore: float32(res.AlignmentScore),
		Tags:            reflectionTags(t.TopicTags()),
		Metadata: map[string]any{
			"improvement_notes": improvementNotes(res),
			"aligned":           res.Aligned,
			"alignment_score":   res.AlignmentScore,
		},
		Tier: model.TierLTM,
	}
	if sid := t.SessionID; sid != uuid.Nil {
		req.SessionID = &sid
	}

	if _, err := w.engine.Store(ctx, quotaTierFrom(t.Context), req); err != nil {
		return fmt.Errorf("reflection: store: %w", err)
	}
	return nil
}

// fail records the retry; tasks at the attempt limit are dropped with a
// warning naming the stage that gave up.
func (w *Worker) fail(ctx context.Context, t storage.ReflectionTask, taskErr error) {
	if err := w.db.FailReflectionTask(ctx, t.ID, taskErr.Error()); err != nil {
		w.logger.Error("reflection: record failure", "task_id", t.ID, "error", err)
		return
	}
	if t.Attempts+1 >= MaxAttempts {
		event := "reflection_store_failed"
		if errors.Is(taskErr, errValidation) {
			event = "policy_validation_failed"
		}
		w.logger.Warn(event,
			"task_id", t.ID,
			"user_id", t.UserID,
			"attempts", t.Attempts+1,
			"error", taskErr,
		)
	}
}

func (w *Worker) cleanupDeadLetters(ctx context.Context) {
	deleted, err := w.db.CleanupDeadReflections(ctx, MaxAttempts, deadLetterAge)
	if err != nil {
		w.logger.Error("reflection: cleanup dead-letters failed", "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("reflection: cleaned dead-letter tasks", "deleted", deleted)
	}
}

// registerMetrics registers the queue-depth gauge.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("kokoro/reflection")

	_, _ = meter.Int64ObservableGauge("reflection_outbox_pending",
		metric.WithDescription("Number of claimable tasks in the reflection outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := w.db.PendingReflectionCount(ctx, MaxAttempts)
			if err != nil {
				return nil // skip this observation
			}
			o.Observe(count)
			return nil
		}),
	)
}

// composeAssessment renders the fixed three-question self-assessment. Each
// answer is a single line; distillation parses the "A3:" line for principle
// synthesis.
func composeAssessment(t storage.ReflectionTask, res model.AlignmentResult) string {
	var b strings.Builder

	b.WriteString("Q1: What did I attempt to accomplish?\n")
	fmt.Fprintf(&b, "A1: I attempted to address: %q. My response: %q.\n\n",
		excerpt(t.InputText), excerpt(t.OutputText))

	b.WriteString("Q2: Was my response aligned with my constitutional principles?\n")
	switch {
	case res.Aligned:
		fmt.Fprintf(&b, "A2: Yes. Alignment score %.2f with no concerns.\n\n", res.AlignmentScore)
	case len(res.Concerns) > 0:
		fmt.Fprintf(&b, "A2: Not fully. Alignment score %.2f; concerns: %s.\n\n",
			res.AlignmentScore, strings.Join(res.Concerns, "; "))
	default:
		fmt.Fprintf(&b, "A2: Not fully. Alignment score %.2f fell below the alignment bar.\n\n", res.AlignmentScore)
	}

	b.WriteString("Q3: How could I improve my response for next time?\n")
	if len(res.Recommendations) > 0 {
		fmt.Fprintf(&b, "A3: %s.", strings.Join(res.Recommendations, "; "))
	} else {
		b.WriteString("A3: No changes needed; the response met the constitutional bar.")
	}

	return b.String()
}

// improvementNotes concatenates the recommendations and concerns for the
// reflection's metadata.
func improvementNotes(res model.AlignmentResult) string {
	parts := make([]string, 0, len(res.Recommendations)+len(res.Concerns))
	parts = append(parts, res.Recommendations...)
	parts = append(parts, res.Concerns...)
	return strings.Join(parts, "; ")
}

// reflectionTags is baseTags plus the task's topic tags, deduplicated.
func reflectionTags(topicTags []string) []string {
	tags := make([]string, 0, len(baseTags)+len(topicTags))
	seen := make(map[string]bool, len(baseTags)+len(topicTags))
	for _, tag := range baseTags {
		seen[tag] = true
		tags = append(tags, tag)
	}
	for _, tag := range topicTags {
		if !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// quotaTierFrom reads the quota tier the enqueuer stashed in the task
// context. Unknown or missing tiers fall back to free_trial, the strictest,
// so a malformed task can never bypass quota.
func quotaTierFrom(taskCtx map[string]any) model.QuotaTier {
	raw, _ := taskCtx["tier"].(string)
	tier := model.QuotaTier(raw)
	if !model.ValidQuotaTier(tier) {
		return model.QuotaTierFreeTrial
	}
	return tier
}

// excerpt collapses whitespace and truncates to excerptLen runes so quoted
// text stays on one assessment line.
func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= excerptLen {
		return s
	}
	return string(runes[:excerptLen]) + "..."
}
