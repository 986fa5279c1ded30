package tokens

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicCounter(t *testing.T) {
	c := HeuristicCounter{}

	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("a"))
	assert.Equal(t, 1, c.Count("abcd"))
	assert.Equal(t, 2, c.Count("abcde"))
	assert.Equal(t, 25, c.Count(string(make([]byte, 100))))
}

func TestTiktokenCounter(t *testing.T) {
	c, err := NewTiktokenCounter()
	if err != nil {
		t.Skipf("cl100k_base encoding unavailable: %v", err)
	}

	assert.Equal(t, 0, c.Count(""))

	// "hello world" is two tokens in cl100k_base.
	assert.Equal(t, 2, c.Count("hello world"))

	// Longer text: count grows with content and stays positive.
	long := "The quick brown fox jumps over the lazy dog. "
	n := c.Count(long)
	require.Positive(t, n)
	assert.Greater(t, c.Count(long+long), n)
}

func TestNewCounterNeverNil(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCounter(logger)
	require.NotNil(t, c)
	assert.GreaterOrEqual(t, c.Count("some text"), 1)
}
