package logging_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/syncd/internal/path"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/storage/logging"
	"pkt.systems/syncd/internal/storage/memory"
)

func mustPath(t *testing.T, segments ...string) path.Path {
	t.Helper()
	p, err := path.Parse(segments)
	if err != nil {
		t.Fatalf("parse path %v: %v", segments, err)
	}
	return p
}

func mustPattern(t *testing.T, segments ...string) path.Pattern {
	t.Helper()
	p, err := path.ParsePattern(segments)
	if err != nil {
		t.Fatalf("parse pattern %v: %v", segments, err)
	}
	return p
}

func strptr(s string) *string { return &s }

func TestWrapDelegates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := logging.Wrap(memory.New(), nil)

	etag, err := store.Put(ctx, &storage.Node{Path: mustPath(t, "a", "b"), Data: strptr("v1"), CTS: 1, VTS: 1}, "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if etag == "" {
		t.Fatal("put returned empty etag")
	}

	node, gotETag, err := store.Get(ctx, mustPath(t, "a", "b"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotETag != etag || node.Data == nil || *node.Data != "v1" {
		t.Fatalf("get returned %+v etag %q", node, gotETag)
	}

	nodes, err := store.FindMatching(ctx, mustPattern(t, "a", "#"))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Path.String() != "a/b" {
		t.Fatalf("find returned %d nodes", len(nodes))
	}

	for want := int64(1); want <= 3; want++ {
		tick, err := store.NextTick(ctx)
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		if tick != want {
			t.Fatalf("tick = %d, want %d", tick, want)
		}
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestWrapPassesSentinelErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := logging.Wrap(memory.New(), nil)

	if _, _, err := store.Get(ctx, mustPath(t, "missing")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing error = %v, want ErrNotFound", err)
	}

	node := &storage.Node{Path: mustPath(t, "a"), Data: strptr("v"), CTS: 1, VTS: 1}
	if _, err := store.Put(ctx, node, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Put(ctx, node, ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("second create error = %v, want ErrCASMismatch", err)
	}
	if _, err := store.Put(ctx, node, "stale"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale etag error = %v, want ErrCASMismatch", err)
	}
	if _, err := store.Put(ctx, &storage.Node{Path: mustPath(t, "never"), CTS: 1, VTS: 1}, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("update of missing path error = %v, want ErrNotFound", err)
	}
}

func TestWrapMirrorsCounterCapability(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	counting := logging.Wrap(memory.New(), nil)
	counter, ok := counting.(storage.NodeCounter)
	if !ok {
		t.Fatal("wrapper hides NodeCounter of a counting backend")
	}
	if _, err := counting.Put(ctx, &storage.Node{Path: mustPath(t, "x"), Data: strptr("v"), CTS: 1, VTS: 1}, ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	live, tombstones, err := counter.CountNodes(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if live != 1 || tombstones != 0 {
		t.Fatalf("count = %d live, %d tombstones", live, tombstones)
	}

	plain := logging.Wrap(countless{Backend: memory.New()}, nil)
	if _, ok := plain.(storage.NodeCounter); ok {
		t.Fatal("wrapper reports NodeCounter for a backend without it")
	}
}

// countless strips the optional counter capability from a backend.
type countless struct {
	storage.Backend
}
