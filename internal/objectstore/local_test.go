package objectstore

import (
	"context"
	"strings"
	"testing"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

func TestLocalStore_PutThenFetchRoundTrips(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	uri, err := store.Put(context.Background(), "jobs/job-1/tasks/task-1/attempt-1/transcript.json", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Fetch(context.Background(), uri)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Fatalf("got %q", got)
	}
}

func TestLocalStore_PutIsIdempotentOnSameKey(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	uri1, err := store.Put(ctx, "jobs/job-1/tasks/task-1/attempt-1/out.bin", []byte("first"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	uri2, err := store.Put(ctx, "jobs/job-1/tasks/task-1/attempt-1/out.bin", []byte("first"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if uri1 != uri2 {
		t.Fatalf("expected the same attempt-scoped key to produce the same URI, got %q and %q", uri1, uri2)
	}
}

func TestLocalStore_FetchMissingReturnsNotFound(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	_, err = store.Fetch(context.Background(), "file:///no/such/object")
	if apiErr, ok := apierr.As(err); !ok || apiErr.Code != apierr.CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

func TestLocalStore_DeleteMissingIsNotAnError(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	if err := store.Delete(context.Background(), "file:///no/such/object"); err != nil {
		t.Fatalf("Delete of an absent object should succeed, got %v", err)
	}
}

func TestLocalStore_KeyTraversalStaysInsideBaseDir(t *testing.T) {
	base := t.TempDir()
	store, err := NewLocalStore(base)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	uri, err := store.Put(context.Background(), "../../etc/passwd", []byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	path, err := store.uriToPath(uri)
	if err != nil {
		t.Fatalf("uriToPath(%q): %v", uri, err)
	}
	if !strings.HasPrefix(path, base) {
		t.Fatalf("expected the written path to stay rooted at %q, got %q (uri %q)", base, path, uri)
	}
}
