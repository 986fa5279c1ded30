package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/model"
)

type fakeAuditStore struct {
	mu      sync.Mutex
	batches [][]model.AuditEvent
	failing bool
}

func (f *fakeAuditStore) InsertAuditEvents(_ context.Context, events []model.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("db down")
	}
	f.batches = append(f.batches, events)
	return nil
}

func (f *fakeAuditStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuditBufferFlushOnSize(t *testing.T) {
	store := &fakeAuditStore{}
	buf := NewAuditBuffer(store, discardLogger(), 3, time.Hour)
	buf.Start(context.Background())
	defer buf.Drain(context.Background())

	for i := 0; i < 3; i++ {
		buf.Log(context.Background(), "validate_content", map[string]any{"i": i}, nil, nil)
	}

	require.Eventually(t, func() bool { return store.total() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, buf.Len())
}

func TestAuditBufferFlushOnInterval(t *testing.T) {
	store := &fakeAuditStore{}
	buf := NewAuditBuffer(store, discardLogger(), 1000, 20*time.Millisecond)
	buf.Start(context.Background())
	defer buf.Drain(context.Background())

	buf.Log(context.Background(), "policy_created", nil, nil, nil)

	require.Eventually(t, func() bool { return store.total() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestAuditBufferDrainFlushesRemainder(t *testing.T) {
	store := &fakeAuditStore{}
	buf := NewAuditBuffer(store, discardLogger(), 1000, time.Hour)
	buf.Start(context.Background())

	buf.Log(context.Background(), "validate_alignment", nil, nil, nil)
	buf.Log(context.Background(), "validate_alignment", nil, nil, nil)

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf.Drain(drainCtx)

	assert.Equal(t, 2, store.total())
}

func TestAuditBufferLossyOnFlushFailure(t *testing.T) {
	store := &fakeAuditStore{failing: true}
	buf := NewAuditBuffer(store, discardLogger(), 2, time.Hour)
	buf.Start(context.Background())
	defer buf.Drain(context.Background())

	buf.Log(context.Background(), "validate_content", nil, nil, nil)
	buf.Log(context.Background(), "validate_content", nil, nil, nil)

	// Failed batches are dropped, not retried: the buffer must never wedge.
	require.Eventually(t, func() bool { return buf.Dropped() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 0, store.total())
}

func TestAuditBufferNeverBlocks(t *testing.T) {
	store := &fakeAuditStore{}
	buf := NewAuditBuffer(store, discardLogger(), maxAuditCapacity+10, time.Hour)
	// Not started: nothing drains the buffer, so capacity fills up.

	done := make(chan struct{})
	go func() {
		for i := 0; i < maxAuditCapacity+100; i++ {
			buf.Log(context.Background(), "validate_content", nil, nil, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Log blocked")
	}

	assert.Equal(t, maxAuditCapacity, buf.Len())
	assert.Equal(t, int64(100), buf.Dropped())
}
