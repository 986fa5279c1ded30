package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", got)
		}

		var req openAIEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Dimensions != 384 {
			t.Errorf("expected dimensions=384 in request, got %d", req.Dimensions)
		}

		// Answer out of order to verify index-based reordering.
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		items := make([]item, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, 384)
			vec[0] = float32(i + 1)
			items[len(req.Input)-1-i] = item{Embedding: vec, Index: i}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": items})
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "text-embedding-3-small", 384)

	t.Run("batch preserves input order", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
		if err != nil {
			t.Fatal(err)
		}
		if len(vecs) != 3 {
			t.Fatalf("expected 3 vectors, got %d", len(vecs))
		}
		for i, vec := range vecs {
			if got := vec.Slice()[0]; got != float32(i+1) {
				t.Errorf("vector %d: expected marker %d, got %f", i, i+1, got)
			}
		}
	})

	t.Run("single", func(t *testing.T) {
		vec, err := p.Embed(context.Background(), "hello")
		if err != nil {
			t.Fatal(err)
		}
		if len(vec.Slice()) != 384 {
			t.Errorf("expected 384 dims, got %d", len(vec.Slice()))
		}
	})
}

func TestOpenAIProviderAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "bad key", "type": "invalid_request_error"},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("bad-key", server.URL, "", 0)
	_, err := p.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestNoopProviderDeterministic(t *testing.T) {
	p := NewNoopProvider(384)

	a1, err := p.Embed(context.Background(), "same text")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := p.Embed(context.Background(), "same text")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Embed(context.Background(), "different text")
	if err != nil {
		t.Fatal(err)
	}

	if got := CosineSimilarity(a1.Slice(), a2.Slice()); math.Abs(got-1.0) > 1e-6 {
		t.Errorf("identical texts should embed identically, similarity = %f", got)
	}
	if got := CosineSimilarity(a1.Slice(), b.Slice()); math.Abs(got-1.0) < 1e-6 {
		t.Errorf("different texts should not embed identically, similarity = %f", got)
	}

	// Unit norm keeps pgvector cosine math well-conditioned.
	var norm float64
	for _, v := range a1.Slice() {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-4 {
		t.Errorf("expected unit-norm vector, got norm^2 = %f", norm)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, 0.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.5},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 0.0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
		{"empty", nil, nil, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("CosineSimilarity() = %f, want %f", got, tt.want)
			}
		})
	}
}
