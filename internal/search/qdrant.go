package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kokoro/internal/service/embedding"
)

const (
	// Qdrant serves REST on 6333 and gRPC on the next port up.
	restPort        = 6333
	grpcDefaultPort = 6334

	ensureTimeout      = 30 * time.Second
	healthTTL          = 5 * time.Second
	healthProbeTimeout = 3 * time.Second

	hnswM           = uint64(16)
	hnswEfConstruct = uint64(128)
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64 // 0 means embedding.DefaultDimensions
}

// Point is the data needed to upsert a single memory into Qdrant.
type Point struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Tier       string
	Type       string
	Confidence float32
	CreatedAt  time.Time
	Embedding  []float32
}

// healthState is one health probe outcome; a nil err means reachable.
type healthState struct {
	err     error
	checked time.Time
}

// QdrantIndex implements Searcher backed by a Qdrant instance.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	ensureGroup singleflight.Group
	ensured     atomic.Bool

	healthGroup singleflight.Group
	health      atomic.Pointer[healthState]
}

// parseQdrantURL resolves a configured Qdrant URL to gRPC host, port, and
// TLS flag. The REST port is silently swapped for its gRPC neighbor; a URL
// without a port gets the gRPC default.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	port = grpcDefaultPort
	if s := u.Port(); s != "" {
		p, convErr := strconv.Atoi(s)
		if convErr != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", s)
		}
		if p != restPort {
			port = p
		}
	}
	return u.Hostname(), port, u.Scheme == "https", nil
}

// NewQdrantIndex creates a new QdrantIndex and connects to the Qdrant server
// via gRPC. The connection is lazy: a bad address surfaces on the first RPC,
// not here.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	dims := cfg.Dims
	if dims == 0 {
		dims = embedding.DefaultDimensions
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection and its payload indexes if they
// don't already exist. The outbox worker calls it before every batch, so
// concurrent calls collapse onto one singleflight run and a success latches;
// from then on it costs one atomic load.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	if q.ensured.Load() {
		return nil
	}

	// Detach from the caller's context: singleflight reuses the first
	// caller's ctx, and its cancellation would fail every waiter.
	_, err, _ := q.ensureGroup.Do("ensure", func() (any, error) {
		ensureCtx, cancel := context.WithTimeout(context.Background(), ensureTimeout)
		defer cancel()

		if err := q.ensureSchema(ensureCtx); err != nil {
			return nil, err
		}
		q.ensured.Store(true)
		return nil, nil
	})
	return err
}

func (q *QdrantIndex) ensureSchema(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if !exists {
		m, ef := hnswM, hnswEfConstruct
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &ef,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	// CreateFieldIndex is idempotent, so indexes added after the collection
	// first existed are backfilled on restart.
	indexes := []struct {
		field string
		kind  qdrant.FieldType
	}{
		{"user_id", qdrant.FieldType_FieldTypeKeyword},
		{"tier", qdrant.FieldType_FieldTypeKeyword},
		{"memory_type", qdrant.FieldType_FieldTypeKeyword},
		{"confidence", qdrant.FieldType_FieldTypeFloat},
		{"created_at_unix", qdrant.FieldType_FieldTypeFloat},
	}
	for _, idx := range indexes {
		kind := idx.kind
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      idx.field,
			FieldType:      &kind,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", idx.field, err)
		}
	}

	q.logger.Info("qdrant: collection ready", "collection", q.collection)
	return nil
}

// Search queries Qdrant for the user's memories nearest to the embedding.
// user_id is always applied as the first filter (tenant isolation).
// Over-fetches 2x to absorb rows deleted between the index query and
// Postgres hydration; Rank truncates back to limit.
func (q *QdrantIndex) Search(ctx context.Context, userID uuid.UUID, embedding []float32, minConfidence *float32, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("user_id", userID.String()),
	}
	if minConfidence != nil {
		must = append(must, qdrant.NewRange("confidence", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(*minConfidence)),
		}))
	}

	fetchLimit := uint64(limit) * 2 //nolint:gosec // limit is bounded by the caller (max 100)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         &qdrant.Filter{Must: must},
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		memoryID, err := uuid.Parse(idStr)
		if err != nil {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		results = append(results, Result{MemoryID: memoryID, Score: sp.Score})
	}

	return results, nil
}

func pointPayload(p Point) map[string]any {
	return map[string]any{
		"user_id":         p.UserID.String(),
		"tier":            p.Tier,
		"memory_type":     p.Type,
		"confidence":      float64(p.Confidence),
		"created_at_unix": float64(p.CreatedAt.Unix()),
	}
}

// Upsert inserts or updates points. Wait is set because the outbox marks
// the task done when this returns, so the write must be durable by then.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	batch := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		batch[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(pointPayload(p)),
		}
	}

	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         batch,
	}); err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

func (q *QdrantIndex) deletePoints(ctx context.Context, sel *qdrant.PointsSelector) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         sel,
	})
	return err
}

// DeleteByIDs removes specific points from Qdrant by memory ID.
func (q *QdrantIndex) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id.String())
	}
	err := q.deletePoints(ctx, &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Points{
			Points: &qdrant.PointsIdsList{Ids: pointIDs},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// DeleteByUser removes all of a user's points (account purge). Goes direct
// rather than through the outbox since the whole namespace is being wiped;
// the caller also deletes the Postgres rows.
func (q *QdrantIndex) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	err := q.deletePoints(ctx, &qdrant.PointsSelector{
		PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch("user_id", userID.String())},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete by user %s: %w", userID, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Outcomes are cached for
// healthTTL so the memory engine can probe before every mirrored search
// without hammering the health endpoint; concurrent probes after expiry
// collapse onto one RPC and share its result.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if st := q.health.Load(); st != nil && time.Since(st.checked) < healthTTL {
		return st.err
	}

	// The probe runs on a detached context: singleflight reuses the first
	// caller's ctx, and its cancellation would hand every waiter a stale
	// error.
	res, _, _ := q.healthGroup.Do("health", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		defer cancel()

		st := &healthState{checked: time.Now()}
		if _, err := q.client.HealthCheck(probeCtx); err != nil {
			st.err = fmt.Errorf("search: qdrant unhealthy: %w", err)
		}
		q.health.Store(st)
		return st.err, nil
	})
	if res == nil {
		return nil
	}
	return res.(error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
