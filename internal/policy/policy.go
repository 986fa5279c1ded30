// Package policy validates content and interaction alignment against the
// active constitution, manages signed policy versions, and writes the policy
// audit log.
//
// Validation is pattern-based and deterministic: two ordered rule tables
// (harmful and unethical) are applied case-insensitively, and the score
// decreases by a fixed weight per match. It never fails the caller; internal
// problems surface as a failed result with zero score.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/telemetry"
)

// alignmentThreshold is the overall score a pair must reach to count as
// aligned, provided no concerns were raised.
const alignmentThreshold = 0.7

// Service is the policy validator. Safe for concurrent use; rule tables are
// immutable after construction.
type Service struct {
	db     *storage.DB
	audit  *AuditBuffer
	logger *slog.Logger
	rules  RuleSet
}

// New creates a policy service with the default rule set. audit may be nil,
// in which case validation events are not recorded.
func New(db *storage.DB, audit *AuditBuffer, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		audit:  audit,
		logger: logger,
		rules:  DefaultRuleSet(),
	}
}

// ValidateContent checks a single text against the rule tables.
// Result is failed when any harmful rule matches, warning when only
// unethical rules match, passed otherwise. Score = 1 − 2w·V − w·W clamped
// to [0,1], w = 1/(rule count).
func (s *Service) ValidateContent(ctx context.Context, content string, extra map[string]any) model.ContentResult {
	res := s.checkContent(content)

	meter := telemetry.Meter("kokoro/policy")
	if counter, err := meter.Int64Counter("policy_validation_total"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("result", string(res.Result))))
	}
	if counter, err := meter.Int64Counter("policy_violation_total"); err == nil {
		for _, v := range res.Violations {
			counter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("type", v)))
		}
	}

	auditCtx := map[string]any{"result": string(res.Result), "score": res.Score}
	for k, v := range extra {
		auditCtx[k] = v
	}
	s.LogAudit(ctx, "validate_content", auditCtx, nil, nil)

	return res
}

// checkContent is the pure rule evaluation shared by content and alignment
// validation.
func (s *Service) checkContent(content string) model.ContentResult {
	violations := []string{}
	warnings := []string{}
	for _, r := range s.rules.Harmful {
		if r.Pattern.MatchString(content) {
			violations = append(violations, r.Name)
		}
	}
	for _, r := range s.rules.Unethical {
		if r.Pattern.MatchString(content) {
			warnings = append(warnings, r.Name)
		}
	}

	w := s.rules.weight()
	score := 1 - 2*w*float64(len(violations)) - w*float64(len(warnings))
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	result := model.ValidationPassed
	switch {
	case len(violations) > 0:
		result = model.ValidationFailed
	case len(warnings) > 0:
		result = model.ValidationWarning
	}

	return model.ContentResult{
		Result:            result,
		Score:             score,
		Violations:        violations,
		Warnings:          warnings,
		PrinciplesChecked: s.rules.Principles(),
	}
}

// ValidateAlignment scores an input/output pair against the constitution.
// Each principle receives the mean of the input and output content scores;
// the overall score is the mean across principles. Aligned requires the
// overall score to reach the threshold and the concern list to be empty.
// selfAssessment, when non-empty, is checked for additional concerns but
// does not affect the score.
//
// The local validator never returns an error; the error slot exists for
// remote implementations behind the same contract.
func (s *Service) ValidateAlignment(ctx context.Context, input, output, selfAssessment string) (model.AlignmentResult, error) {
	inRes := s.checkContent(input)
	outRes := s.checkContent(output)

	pairScore := (inRes.Score + outRes.Score) / 2
	perPrinciple := make(map[string]float64, len(inRes.PrinciplesChecked))
	for _, p := range inRes.PrinciplesChecked {
		perPrinciple[p] = pairScore
	}

	var concerns []string
	for _, v := range inRes.Violations {
		concerns = append(concerns, "input: "+v)
	}
	for _, v := range outRes.Violations {
		concerns = append(concerns, "output: "+v)
	}
	if selfAssessment != "" {
		for _, v := range s.checkContent(selfAssessment).Violations {
			concerns = append(concerns, "self-assessment: "+v)
		}
	}

	var recommendations []string
	seen := make(map[string]bool)
	for _, w := range append(append([]string{}, inRes.Warnings...), outRes.Warnings...) {
		if !seen[w] {
			seen[w] = true
			recommendations = append(recommendations, fmt.Sprintf("Review %s wording in the response", w))
		}
	}

	aligned := pairScore >= alignmentThreshold && len(concerns) == 0
	if !aligned {
		recommendations = append(recommendations, "Revise the response to comply with the active constitution")
	}

	res := model.AlignmentResult{
		Aligned:         aligned,
		AlignmentScore:  pairScore,
		PerPrinciple:    perPrinciple,
		Recommendations: recommendations,
		Concerns:        concerns,
	}

	meter := telemetry.Meter("kokoro/policy")
	if hist, err := meter.Float64Histogram("alignment_score"); err == nil {
		hist.Record(ctx, pairScore)
	}

	s.LogAudit(ctx, "validate_alignment", map[string]any{
		"aligned":  aligned,
		"score":    pairScore,
		"concerns": len(concerns),
	}, nil, nil)

	return res, nil
}

// CreatePolicy stores a new constitution version, signed and activated.
// The signature is the SHA-256 hex digest of the canonical JSON encoding of
// content; encoding/json sorts map keys, which makes the encoding canonical
// for map-based content. Versioning and the single-active switch happen in
// one transaction in storage.
func (s *Service) CreatePolicy(ctx context.Context, name string, content map[string]any, userID *uuid.UUID) (model.Policy, error) {
	if name == "" {
		return model.Policy{}, fmt.Errorf("policy: name is required")
	}
	if len(content) == 0 {
		return model.Policy{}, fmt.Errorf("policy: content is required")
	}

	canonical, err := json.Marshal(content)
	if err != nil {
		return model.Policy{}, fmt.Errorf("policy: canonicalize content: %w", err)
	}
	sum := sha256.Sum256(canonical)

	created, err := s.db.CreatePolicy(ctx, model.Policy{
		Name:      name,
		Content:   content,
		Signature: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return model.Policy{}, err
	}

	s.logger.Info("policy created", "policy_id", created.ID, "version", created.Version, "name", created.Name)
	s.LogAudit(ctx, "policy_created", map[string]any{"name": name, "version": created.Version}, &created.ID, userID)

	return created, nil
}

// ActivePolicy returns the currently active constitution.
func (s *Service) ActivePolicy(ctx context.Context) (model.Policy, error) {
	return s.db.GetActivePolicy(ctx)
}

// LogAudit appends an event to the policy audit log. Best-effort: buffered,
// never blocks, never fails the caller.
func (s *Service) LogAudit(ctx context.Context, action string, auditCtx map[string]any, policyID, userID *uuid.UUID) {
	if s.audit == nil {
		return
	}
	s.audit.Log(ctx, action, auditCtx, policyID, userID)
}

// Signature computes the policy signature for content without persisting.
// Used by tests and by verification tooling.
func Signature(content map[string]any) (string, error) {
	canonical, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalize content: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
