package search

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/service/embedding"
	"github.com/ashita-ai/kokoro/internal/testutil"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{
			name:   "https cloud URL with REST port",
			rawURL: "https://xyz.cloud.qdrant.io:6333",
			host:   "xyz.cloud.qdrant.io",
			port:   6334, // REST 6333 is mapped to gRPC 6334
			tls:    true,
		},
		{
			name:   "https cloud URL with gRPC port",
			rawURL: "https://xyz.cloud.qdrant.io:6334",
			host:   "xyz.cloud.qdrant.io",
			port:   6334,
			tls:    true,
		},
		{
			name:   "http local URL",
			rawURL: "http://localhost:6333",
			host:   "localhost",
			port:   6334,
			tls:    false,
		},
		{
			name:   "http no port defaults to 6334",
			rawURL: "http://qdrant.internal",
			host:   "qdrant.internal",
			port:   6334,
			tls:    false,
		},
		{
			name:   "custom port preserved",
			rawURL: "https://qdrant.example.com:9334",
			host:   "qdrant.example.com",
			port:   9334,
			tls:    true,
		},
		{
			name:    "empty URL",
			rawURL:  "",
			wantErr: true,
		},
		{
			name:    "no scheme no host",
			rawURL:  "not-a-url",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestParseQdrantURLInvalidPort(t *testing.T) {
	// url.Parse may treat "notaport" as part of the host rather than a
	// separate port depending on the form; either error path is acceptable.
	_, _, _, err := parseQdrantURL("http://localhost:notaport")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant URL")
}

func TestNewQdrantIndexValid(t *testing.T) {
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:6333",
		Collection: "kokoro_memories",
		Dims:       384,
	}, testutil.TestLogger())

	require.NoError(t, err)
	require.NotNil(t, idx)
	assert.Equal(t, "kokoro_memories", idx.collection)
	assert.Equal(t, uint64(384), idx.dims)
	assert.NotNil(t, idx.client)

	_ = idx.Close()
}

func TestNewQdrantIndexDefaultDims(t *testing.T) {
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:6333",
		Collection: "kokoro_memories",
	}, testutil.TestLogger())

	require.NoError(t, err)
	assert.Equal(t, uint64(embedding.DefaultDimensions), idx.dims)

	_ = idx.Close()
}

func TestNewQdrantIndexInvalidURL(t *testing.T) {
	_, err := NewQdrantIndex(QdrantConfig{
		URL:        "",
		Collection: "kokoro_memories",
	}, testutil.TestLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid qdrant URL")
}

func TestQdrantHealthCacheRoundTrip(t *testing.T) {
	idx := newUnreachableIndex(t)

	// Fresh index: no probe has run yet.
	assert.Nil(t, idx.health.Load())

	idx.health.Store(&healthState{err: fmt.Errorf("connection refused"), checked: time.Now()})
	st := idx.health.Load()
	require.NotNil(t, st)
	require.Error(t, st.err)
	assert.Equal(t, "connection refused", st.err.Error())

	idx.health.Store(&healthState{checked: time.Now()})
	require.NotNil(t, idx.health.Load())
	assert.NoError(t, idx.health.Load().err)
}
