package memory

import (
	"context"
	"hash/fnv"
	"testing"
)

// hashEmbedder is a deterministic embedder for tests: similar texts share
// token buckets, so related content scores higher than unrelated content.
type hashEmbedder struct{ dim int }

func (e hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := e.dim
	if dim == 0 {
		dim = 16
	}
	vec := make([]float32, dim)
	h := fnv.New32a()
	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == ' ' {
			if i > start {
				h.Reset()
				h.Write([]byte(text[start:i]))
				vec[h.Sum32()%uint32(dim)]++
			}
			start = i + 1
		}
	}
	return vec, nil
}

func TestVectorMemoryWriteAndSearch(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryVectorStore()
	mem := NewVectorMemory(store, hashEmbedder{}, "test")
	if err := mem.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	entries := []Entry{
		{Content: "restart container web failed with timeout", TaskID: "t-1", ErrorCode: "TIMEOUT"},
		{Content: "restart container web failed with timeout again", TaskID: "t-2", ErrorCode: "TIMEOUT"},
		{Content: "dns record update completed", TaskID: "t-3", Success: true},
	}
	for _, e := range entries {
		if err := mem.Write(ctx, e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	incidents, err := mem.SearchRelated(ctx, "restart container web failed with timeout", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(incidents) == 0 {
		t.Fatalf("expected related incidents")
	}
	if incidents[0].Entry.TaskID != "t-1" && incidents[0].Entry.TaskID != "t-2" {
		t.Fatalf("expected container incidents first, got %+v", incidents[0].Entry)
	}
}

func TestInitializeTwice(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryVectorStore()
	mem := NewVectorMemory(store, hashEmbedder{}, "test")
	if err := mem.Initialize(ctx); err != nil {
		t.Fatalf("first initialize: %v", err)
	}
	// Second initialize tolerates the existing collection.
	if err := mem.Initialize(ctx); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
}

func TestInMemoryVectorStoreSearchThreshold(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryVectorStore()
	if err := store.CreateCollection(ctx, "c", 2); err != nil {
		t.Fatalf("create: %v", err)
	}
	points := []Point{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
	}
	if err := store.Upsert(ctx, "c", points); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	results, err := store.Search(ctx, "c", []float32{1, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Fatalf("expected only the aligned vector, got %+v", results)
	}
}

func TestNullStore(t *testing.T) {
	ctx := context.Background()
	var s Store = NullStore{}
	if err := s.Write(ctx, Entry{Content: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	incidents, err := s.SearchRelated(ctx, "x", 5)
	if err != nil || incidents != nil {
		t.Fatalf("expected empty results, got %v %v", incidents, err)
	}
}
