package vecindex

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestBolt(t *testing.T) *BoltIndex {
	t.Helper()
	idx, err := OpenBolt(filepath.Join(t.TempDir(), "vectors.db"))
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestBoltUpsertAndQuery(t *testing.T) {
	idx := openTestBolt(t)
	ctx := context.Background()

	vec := makeTestVector(512, 0.1)
	if err := idx.Upsert(ctx, "store-1", "p1", vec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Query(ctx, "store-1", vec, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != "p1" {
		t.Fatalf("matches = %v, want single p1", matches)
	}
	if matches[0].Score < 0.99 {
		t.Errorf("score = %f, want > 0.99", matches[0].Score)
	}
}

func TestBoltNamespaceIsolation(t *testing.T) {
	idx := openTestBolt(t)
	ctx := context.Background()

	vec := makeTestVector(8, 0.1)
	if err := idx.Upsert(ctx, "store-1", "p1", vec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Query(ctx, "store-2", vec, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("cross-namespace query returned %d matches, want 0", len(matches))
	}

	count, err := idx.Count(ctx, "store-2")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestBoltOverwriteAndDelete(t *testing.T) {
	idx := openTestBolt(t)
	ctx := context.Background()

	if err := idx.Upsert(ctx, "store-1", "p1", makeTestVector(8, 0.1)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "store-1", "p1", makeTestVector(8, 2.0)); err != nil {
		t.Fatalf("overwrite Upsert: %v", err)
	}

	count, err := idx.Count(ctx, "store-1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 after overwrite", count)
	}

	if err := idx.Delete(ctx, "store-1", "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Deleting from a namespace that never existed is not an error.
	if err := idx.Delete(ctx, "store-9", "p1"); err != nil {
		t.Fatalf("Delete missing namespace: %v", err)
	}

	count, err = idx.Count(ctx, "store-1")
	if err != nil {
		t.Fatalf("Count after delete: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestBoltQuery_Ordering(t *testing.T) {
	idx := openTestBolt(t)
	ctx := context.Background()

	target := []float32{1, 0, 0, 0}
	vectors := map[string][]float32{
		"close":   {0.9, 0.1, 0, 0},
		"closer":  {1, 0.01, 0, 0},
		"far":     {0, 1, 0, 0},
		"farther": {-1, 0, 0, 0},
	}
	for id, v := range vectors {
		if err := idx.Upsert(ctx, "store-1", id, v); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	matches, err := idx.Query(ctx, "store-1", target, 4)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := []string{"closer", "close", "far", "farther"}
	if len(matches) != len(want) {
		t.Fatalf("got %d matches, want %d", len(matches), len(want))
	}
	for i, id := range want {
		if matches[i].ID != id {
			t.Errorf("matches[%d] = %s, want %s", i, matches[i].ID, id)
		}
	}
}
