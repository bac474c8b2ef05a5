package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "submitter-a")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed, got allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ = bucket.Allow(ctx, "submitter-a"); !allowed {
		t.Fatalf("expected second token allowed")
	}
	if allowed, _, _ = bucket.Allow(ctx, "submitter-a"); allowed {
		t.Fatalf("expected third token rejected")
	}

	// Distinct submitters never share a bucket.
	if allowed, _, _ = bucket.Allow(ctx, "submitter-b"); !allowed {
		t.Fatalf("expected independent bucket for another submitter")
	}
}
