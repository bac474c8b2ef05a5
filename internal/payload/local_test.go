package payload

import (
	"context"
	"strings"
	"testing"
)

func TestLocalPutFetch(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local: %v", err)
	}

	code := []byte("print('hello')\n")
	ref, err := store.Put(ctx, "job-1", code)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") {
		t.Errorf("unexpected ref scheme: %q", ref)
	}

	got, err := store.Fetch(ctx, ref)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(got) != string(code) {
		t.Errorf("fetched %q, want %q", got, code)
	}
}

func TestLocalFetchRejectsForeignRefs(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local: %v", err)
	}

	for _, ref := range []string{
		"s3://bucket/key",
		"not-a-ref",
		"file:///etc/passwd",
	} {
		if _, err := store.Fetch(ctx, ref); err == nil {
			t.Errorf("expected error fetching %q", ref)
		}
	}
}
