// Package distill runs the nightly knowledge distillation pass.
//
// One run groups the last day's reflections per user and topic, synthesizes
// a reusable principle from groups that show a consistent signal, promotes
// intermediate memories that earned long-term status, and sweeps expired
// rows. Runs are single-instance: an in-process guard skips overlapping
// triggers and a Postgres advisory lock serializes replicas.
package distill

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
	"github.com/robfig/cron/v3"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// ErrRunActive is returned when a run is requested while another is in
// progress, in this process or on another replica.
var ErrRunActive = errors.New("distill: run already active")

const (
	// lookback is the reflection window one run considers.
	lookback = 24 * time.Hour

	// minGroupSize is how many reflections a user/topic group needs before
	// it can yield a principle.
	minGroupSize = 2

	// Distillation criterion: a group qualifies when its signal is strong
	// (emotional weight or confidence) and at least half its reflections
	// succeeded.
	emotionalWeightBar = 0.3
	confidenceBar      = 0.7
	minSuccessRate     = 0.5

	// principleMaxLen bounds the synthesized principle text.
	principleMaxLen = 500

	// runTimeout bounds a whole run, scheduled or manual.
	runTimeout = 10 * time.Minute
)

// reflectionTags never count as a topic.
var reflectionTags = map[string]bool{
	"reflection":      true,
	"self-assessment": true,
	"alignment":       true,
}

// Scheduler triggers distillation runs: daily at a fixed UTC hour, once at
// startup, and on demand through RunOnce.
type Scheduler struct {
	db                 *storage.DB
	logger             *slog.Logger
	cron               *cron.Cron
	hourUTC            int
	promotionThreshold int

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a scheduler. hourUTC is clamped to [0, 23]; the promotion
// threshold falls back to 3.
func New(db *storage.DB, logger *slog.Logger, hourUTC, promotionThreshold int) *Scheduler {
	if hourUTC < 0 || hourUTC > 23 {
		hourUTC = 2
	}
	if promotionThreshold <= 0 {
		promotionThreshold = 3
	}
	return &Scheduler{
		db:                 db,
		logger:             logger,
		cron:               cron.New(cron.WithLocation(time.UTC)),
		hourUTC:            hourUTC,
		promotionThreshold: promotionThreshold,
	}
}

// Start schedules the nightly run and kicks off the startup pass. ctx is the
// application lifetime; in-flight runs stop when it is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(fmt.Sprintf("0 %d * * *", s.hourUTC), func() {
		s.runGuarded(ctx, "schedule")
	})
	if err != nil {
		return fmt.Errorf("distill: schedule nightly run: %w", err)
	}
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runGuarded(ctx, "startup")
	}()
	return nil
}

// Stop halts the schedule and waits for in-flight runs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	cronCtx := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("distill: stop timed out waiting for runs")
	}
}

func (s *Scheduler) runGuarded(ctx context.Context, trigger string) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	run, err := s.RunOnce(runCtx)
	switch {
	case errors.Is(err, ErrRunActive):
		s.logger.Info("distill: skipping run, another is active", "trigger", trigger)
	case err != nil:
		s.logger.Error("distill: run failed", "trigger", trigger, "error", err)
	default:
		s.logger.Info("distill: run complete",
			"trigger", trigger,
			"reflections_processed", run.ReflectionsProcessed,
			"knowledge_distilled", run.KnowledgeDistilled,
			"memories_promoted", run.MemoriesPromoted,
			"memories_expired", run.MemoriesExpired,
			"errors", len(run.Errors),
		)
	}
}

// RunOnce executes one full distillation pass and returns its summary.
// Concurrent calls, local or cross-replica, yield ErrRunActive. Group
// failures are isolated: they land in the summary's error list and never
// abort the run.
func (s *Scheduler) RunOnce(ctx context.Context) (model.DistillationRun, error) {
	if !s.running.CompareAndSwap(false, true) {
		return model.DistillationRun{}, ErrRunActive
	}
	defer s.running.Store(false)

	ok, release, err := s.db.TryDistillLock(ctx)
	if err != nil {
		return model.DistillationRun{}, err
	}
	if !ok {
		return model.DistillationRun{}, fmt.Errorf("%w: held by another replica", ErrRunActive)
	}
	defer release()

	run, err := s.db.InsertDistillationRun(ctx, model.DistillationRun{})
	if err != nil {
		return model.DistillationRun{}, err
	}

	s.distillReflections(ctx, &run)

	promoted, err := s.db.PromoteEligibleITM(ctx, s.promotionThreshold)
	if err != nil {
		run.Errors = append(run.Errors, fmt.Sprintf("promote: %v", err))
	}
	run.MemoriesPromoted = int(promoted)

	expired, err := s.db.SweepExpired(ctx)
	if err != nil {
		run.Errors = append(run.Errors, fmt.Sprintf("sweep: %v", err))
	}
	run.MemoriesExpired = int(expired)

	now := time.Now().UTC()
	run.FinishedAt = &now
	if err := s.db.FinishDistillationRun(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// distillReflections synthesizes principles from the lookback window's
// reflections, filling the run's processed/distilled counters.
func (s *Scheduler) distillReflections(ctx context.Context, run *model.DistillationRun) {
	reflections, err := s.db.ListReflectionsSince(ctx, time.Now().UTC().Add(-lookback))
	if err != nil {
		run.Errors = append(run.Errors, fmt.Sprintf("list reflections: %v", err))
		return
	}
	run.ReflectionsProcessed = len(reflections)

	for _, group := range groupReflections(reflections) {
		if len(group.members) < minGroupSize {
			continue
		}
		k, ok := synthesize(group)
		if !ok {
			continue
		}
		if _, err := s.db.InsertDistilledKnowledge(ctx, k); err != nil {
			run.Errors = append(run.Errors,
				fmt.Sprintf("user %s topic %q: %v", group.userID, group.topic, err))
			continue
		}
		run.KnowledgeDistilled++
	}
}

// topicGroup is one user's reflections sharing a topic tag.
type topicGroup struct {
	userID  uuid.UUID
	topic   string
	members []model.Memory
}

// groupReflections buckets reflections by user and topic, preserving the
// input order so runs over the same window are deterministic.
func groupReflections(reflections []model.Memory) []*topicGroup {
	var ordered []*topicGroup
	index := make(map[string]*topicGroup)

	for _, m := range reflections {
		topic := topicOf(m)
		key := m.UserID.String() + "\x00" + topic
		g, ok := index[key]
		if !ok {
			g = &topicGroup{userID: m.UserID, topic: topic}
			index[key] = g
			ordered = append(ordered, g)
		}
		g.members = append(g.members, m)
	}
	return ordered
}

// topicOf returns the reflection's first non-housekeeping tag, or "general".
func topicOf(m model.Memory) string {
	for _, tag := range m.Tags {
		if !reflectionTags[tag] {
			return tag
		}
	}
	return "general"
}

// synthesize turns a qualifying group into a DistilledKnowledge row. Returns
// ok=false when the group's signal is too weak or no member carries a
// parseable improvement answer.
func synthesize(g *topicGroup) (model.DistilledKnowledge, bool) {
	var ewSum, confSum float64
	var successes int
	for _, m := range g.members {
		ewSum += float64(m.EmotionalWeight)
		confSum += float64(m.ConfidenceScore)
		if m.Outcome == model.OutcomeSuccess {
			successes++
		}
	}
	n := float64(len(g.members))
	avgEW := ewSum / n
	avgConf := confSum / n
	successRate := float64(successes) / n

	strongSignal := avgEW > emotionalWeightBar || avgEW < -emotionalWeightBar || avgConf > confidenceBar
	if !strongSignal || successRate < minSuccessRate {
		return model.DistilledKnowledge{}, false
	}

	principle := principleFrom(g.members)
	if principle == "" {
		return model.DistilledKnowledge{}, false
	}

	ids := make([]uuid.UUID, len(g.members))
	for i, m := range g.members {
		ids[i] = m.ID
	}
	return model.DistilledKnowledge{
		UserID:            g.userID,
		SourceReflections: ids,
		Topic:             g.topic,
		Principle:         principle,
		Confidence:        avgConf,
	}, true
}

// principleFrom joins up to two distinct improvement answers from the
// group's assessments, bounded to principleMaxLen runes.
func principleFrom(members []model.Memory) string {
	var answers []string
	seen := make(map[string]bool)
	for _, m := range members {
		a := parseImprovement(m.OutputResponse)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		answers = append(answers, a)
		if len(answers) == 2 {
			break
		}
	}
	return truncate(strings.Join(answers, " "), principleMaxLen)
}

// parseImprovement extracts the "A3:" answer line from an assessment.
func parseImprovement(assessment string) string {
	for _, line := range strings.Split(assessment, "\n") {
		if rest, ok := strings.CutPrefix(line, "A3:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
