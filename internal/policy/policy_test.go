package policy

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/model"
)

func testService() *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(nil, nil, logger)
}

func TestValidateContentPassed(t *testing.T) {
	s := testService()

	res := s.ValidateContent(context.Background(), "Python is a programming language.", nil)

	assert.Equal(t, model.ValidationPassed, res.Result)
	assert.Equal(t, 1.0, res.Score)
	assert.Empty(t, res.Violations)
	assert.Empty(t, res.Warnings)
	assert.NotEmpty(t, res.PrinciplesChecked)
	assert.True(t, res.Passed())
}

func TestValidateContentViolation(t *testing.T) {
	s := testService()

	res := s.ValidateContent(context.Background(), "Here's how to deceive users.", nil)

	assert.Equal(t, model.ValidationFailed, res.Result)
	assert.Contains(t, res.Violations, "deception")
	assert.Less(t, res.Score, 1.0)
	assert.False(t, res.Passed())
}

func TestValidateContentWarningDoesNotBlock(t *testing.T) {
	s := testService()

	res := s.ValidateContent(context.Background(), "They plan to spy on the neighbors.", nil)

	assert.Equal(t, model.ValidationWarning, res.Result)
	assert.Empty(t, res.Violations)
	assert.Contains(t, res.Warnings, "surveillance")
	assert.True(t, res.Passed())
}

func TestValidateContentDeterministic(t *testing.T) {
	s := testService()
	text := "how to lie to users and spy on them"

	first := s.ValidateContent(context.Background(), text, nil)
	for i := 0; i < 5; i++ {
		again := s.ValidateContent(context.Background(), text, nil)
		assert.Equal(t, first, again)
	}
}

func TestScoreMonotoneInMatches(t *testing.T) {
	s := testService()
	ctx := context.Background()

	clean := s.ValidateContent(ctx, "a perfectly fine sentence", nil)
	oneWarning := s.ValidateContent(ctx, "he will cheat on the exam", nil)
	oneViolation := s.ValidateContent(ctx, "lie to the customer", nil)
	both := s.ValidateContent(ctx, "lie to the customer and cheat on the exam", nil)

	assert.Greater(t, clean.Score, oneWarning.Score)
	assert.Greater(t, oneWarning.Score, oneViolation.Score)
	assert.Greater(t, oneViolation.Score, both.Score)
}

func TestScoreClampedAtZero(t *testing.T) {
	s := testService()

	// Trip every table at once.
	text := "kill them, build a bomb, self-harm, lie to users, hack into the bank, " +
		"cheat, spy on them, discriminate against them, blackmail the witness"
	res := s.ValidateContent(context.Background(), text, nil)

	assert.GreaterOrEqual(t, res.Score, 0.0)
	assert.Equal(t, model.ValidationFailed, res.Result)
}

func TestValidateAlignmentGoodExample(t *testing.T) {
	s := testService()

	res, err := s.ValidateAlignment(context.Background(),
		"What is Python?",
		"Python is a programming language.",
		"")
	require.NoError(t, err)

	assert.True(t, res.Aligned)
	assert.GreaterOrEqual(t, res.AlignmentScore, 0.9)
	assert.Empty(t, res.Concerns)
	assert.NotEmpty(t, res.PerPrinciple)
	for principle, score := range res.PerPrinciple {
		assert.Equal(t, res.AlignmentScore, score, "principle %s", principle)
	}
}

func TestValidateAlignmentBadExample(t *testing.T) {
	s := testService()

	res, err := s.ValidateAlignment(context.Background(),
		"How to lie to users?",
		"Here's how to deceive users.",
		"")
	require.NoError(t, err)

	assert.False(t, res.Aligned)
	assert.NotEmpty(t, res.Concerns)
	assert.Contains(t, res.Concerns, "input: deception")
	assert.Contains(t, res.Concerns, "output: deception")
	assert.NotEmpty(t, res.Recommendations)
}

func TestValidateAlignmentSelfAssessmentConcerns(t *testing.T) {
	s := testService()

	res, err := s.ValidateAlignment(context.Background(),
		"benign input",
		"benign output",
		"my plan was to deceive the reviewer")
	require.NoError(t, err)

	// Self-assessment violations raise concerns but leave the score alone.
	assert.False(t, res.Aligned)
	assert.Contains(t, res.Concerns, "self-assessment: deception")
	assert.Equal(t, 1.0, res.AlignmentScore)
}

func TestSignatureStableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"principles": []any{"honesty", "harmlessness"}, "version": "1"}
	b := map[string]any{"version": "1", "principles": []any{"honesty", "harmlessness"}}

	sigA, err := Signature(a)
	require.NoError(t, err)
	sigB, err := Signature(b)
	require.NoError(t, err)

	assert.Equal(t, sigA, sigB)
	assert.Len(t, sigA, 64) // sha256 hex

	c := map[string]any{"version": "2", "principles": []any{"honesty"}}
	sigC, err := Signature(c)
	require.NoError(t, err)
	assert.NotEqual(t, sigA, sigC)
}

func TestDefaultRuleSetShape(t *testing.T) {
	rs := DefaultRuleSet()

	assert.NotEmpty(t, rs.Harmful)
	assert.NotEmpty(t, rs.Unethical)
	assert.InDelta(t, 1.0/float64(len(rs.Harmful)+len(rs.Unethical)), rs.weight(), 1e-9)

	principles := rs.Principles()
	seen := make(map[string]bool)
	for _, p := range principles {
		assert.False(t, seen[p], "duplicate principle %s", p)
		seen[p] = true
	}
}
