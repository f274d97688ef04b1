package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is a write-once memory record of a task outcome.
type Entry struct {
	Content   string
	TaskID    string
	Success   bool
	ErrorCode string
	Timestamp time.Time
}

// Incident is a retrieved past entry plus its similarity score.
type Incident struct {
	Entry Entry
	Score float32
}

// Store is the long-term memory consumed by the outcome recorder and the
// learning cycle. Writes are best-effort for callers; search completeness
// degrades gracefully when entries are missing.
type Store interface {
	Write(ctx context.Context, entry Entry) error
	SearchRelated(ctx context.Context, query string, limit int) ([]Incident, error)
}

// VectorMemory implements Store on a vector database and an embedder.
type VectorMemory struct {
	store      VectorStore
	embedder   Embedder
	collection string
	threshold  float32
}

// NewVectorMemory creates a vector-backed memory over the given collection.
func NewVectorMemory(store VectorStore, embedder Embedder, collection string) *VectorMemory {
	return &VectorMemory{
		store:      store,
		embedder:   embedder,
		collection: collection,
		threshold:  0.6,
	}
}

// Initialize ensures the collection exists with the embedder's dimension.
func (m *VectorMemory) Initialize(ctx context.Context) error {
	vec, err := m.embedder.Embed(ctx, "dimension probe")
	if err != nil {
		return fmt.Errorf("probe embedding dimension: %w", err)
	}
	if err := m.store.CreateCollection(ctx, m.collection, uint64(len(vec))); err != nil {
		// The collection may already exist; a working search settles it.
		if _, searchErr := m.store.Search(ctx, m.collection, vec, 1, 0.0); searchErr == nil {
			return nil
		}
		return err
	}
	return nil
}

// Write embeds and stores an entry.
func (m *VectorMemory) Write(ctx context.Context, entry Entry) error {
	vector, err := m.embedder.Embed(ctx, entry.Content)
	if err != nil {
		return fmt.Errorf("embed entry: %w", err)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	point := Point{
		ID:     uuid.NewString(),
		Vector: vector,
		Payload: map[string]interface{}{
			"content":    entry.Content,
			"task_id":    entry.TaskID,
			"success":    entry.Success,
			"error_code": entry.ErrorCode,
			"timestamp":  entry.Timestamp.Unix(),
		},
		Timestamp: entry.Timestamp.Unix(),
	}
	if err := m.store.Upsert(ctx, m.collection, []Point{point}); err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	return nil
}

// SearchRelated returns past incidents similar to the query text.
func (m *VectorMemory) SearchRelated(ctx context.Context, query string, limit int) ([]Incident, error) {
	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if limit <= 0 {
		limit = 5
	}
	results, err := m.store.Search(ctx, m.collection, vector, limit, m.threshold)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	out := make([]Incident, 0, len(results))
	for _, r := range results {
		entry := Entry{}
		if v, ok := r.Point.Payload["content"].(string); ok {
			entry.Content = v
		}
		if v, ok := r.Point.Payload["task_id"].(string); ok {
			entry.TaskID = v
		}
		if v, ok := r.Point.Payload["success"].(bool); ok {
			entry.Success = v
		}
		if v, ok := r.Point.Payload["error_code"].(string); ok {
			entry.ErrorCode = v
		}
		if v, ok := r.Point.Payload["timestamp"].(int64); ok {
			entry.Timestamp = time.Unix(v, 0).UTC()
		}
		out = append(out, Incident{Entry: entry, Score: r.Score})
	}
	return out, nil
}

// NullStore discards writes and returns no incidents. Used when memory is
// disabled in config.
type NullStore struct{}

// Write implements Store.
func (NullStore) Write(_ context.Context, _ Entry) error { return nil }

// SearchRelated implements Store.
func (NullStore) SearchRelated(_ context.Context, _ string, _ int) ([]Incident, error) {
	return nil, nil
}
