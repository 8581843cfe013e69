package ai

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spigell/cv-matcher/internal/domain"
)

func TestGateBoundsConcurrency(t *testing.T) {
	gate := NewGate(2, 0)

	var current, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := gate.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&current, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			release()
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent holders, saw %d", peak)
	}
}

func TestGateSpacing(t *testing.T) {
	gate := NewGate(4, 20*time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := gate.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		release()
	}

	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Fatalf("expected calls to be spaced, took %v", elapsed)
	}
}

func TestGateAcquireCancelled(t *testing.T) {
	gate := NewGate(1, 0)
	release, err := gate.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := gate.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCacheEvictsOldest(t *testing.T) {
	cache := NewCache(2)
	cache.Put("a", &domain.MatchResult{Score: 1})
	cache.Put("b", &domain.MatchResult{Score: 2})
	cache.Put("a", &domain.MatchResult{Score: 3})
	cache.Put("c", &domain.MatchResult{Score: 4})

	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected a to be evicted")
	}
	if res, ok := cache.Get("b"); !ok || res.Score != 2 {
		t.Fatalf("expected b to stay, got %+v", res)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.Len())
	}

	if Key("ab", "c") == Key("a", "bc") {
		t.Fatalf("keys must separate candidate and job text")
	}
}
