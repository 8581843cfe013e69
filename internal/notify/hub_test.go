package notify

import (
	"context"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/apperr"
	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/store"
	"github.com/spigell/cv-matcher/internal/store/memory"
)

func strPtr(s string) *string { return &s }

func seed(t *testing.T, s *memory.Store, msgs ...*domain.Message) {
	t.Helper()
	for _, m := range msgs {
		if err := s.Messages().Create(context.Background(), m); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}
}

func waitSnapshot(t *testing.T, ch <-chan domain.UnreadSnapshot, want func(domain.UnreadSnapshot) bool) domain.UnreadSnapshot {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				t.Fatalf("watch channel closed")
			}
			if want(snap) {
				return snap
			}
		case <-timeout:
			t.Fatalf("expected snapshot did not arrive")
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s: condition not met in time", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnreadByApplication(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s,
		&domain.Message{ID: "m1", RecipientID: "u1", ApplicationID: strPtr("A")},
		&domain.Message{ID: "m2", RecipientID: "u1", ApplicationID: strPtr("A")},
		&domain.Message{ID: "m3", RecipientID: "u1", ApplicationID: strPtr("B")},
	)
	hub := New(s, zap.NewNop())
	defer hub.Close()

	by, err := hub.UnreadByApplication(ctx, "u1")
	if err != nil {
		t.Fatalf("UnreadByApplication returned error: %v", err)
	}
	if want := map[string]int{"A": 2, "B": 1}; !maps.Equal(by, want) {
		t.Fatalf("expected %v, got %v", want, by)
	}

	if err := hub.MarkRead(ctx, "m1", "u1"); err != nil {
		t.Fatalf("MarkRead returned error: %v", err)
	}
	by, _ = hub.UnreadByApplication(ctx, "u1")
	if want := map[string]int{"A": 1, "B": 1}; !maps.Equal(by, want) {
		t.Fatalf("expected %v, got %v", want, by)
	}
	total, _ := hub.UnreadTotal(ctx, "u1")
	if total != 2 {
		t.Fatalf("expected total 2, got %d", total)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, &domain.Message{ID: "m1", RecipientID: "u1", ApplicationID: strPtr("A")})
	hub := New(s, zap.NewNop())
	defer hub.Close()

	by, _ := hub.UnreadByApplication(ctx, "u1")
	by["A"] = 99

	again, _ := hub.UnreadByApplication(ctx, "u1")
	if again["A"] != 1 {
		t.Fatalf("cached snapshot was mutated through a returned map: %v", again)
	}
}

func TestConcurrentDuplicateMarkRead(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s,
		&domain.Message{ID: "m1", RecipientID: "u1", ApplicationID: strPtr("A")},
		&domain.Message{ID: "m2", RecipientID: "u1", ApplicationID: strPtr("A")},
	)
	hub := New(s, zap.NewNop())
	defer hub.Close()

	if total, _ := hub.UnreadTotal(ctx, "u1"); total != 2 {
		t.Fatalf("expected total 2, got %d", total)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- hub.MarkRead(ctx, "m1", "u1")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("duplicate MarkRead returned error: %v", err)
		}
	}

	snap, err := hub.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot returned error: %v", err)
	}
	if snap.Total != 1 || snap.ByApplication["A"] != 1 {
		t.Fatalf("expected exactly one decrement, got %+v", snap)
	}
}

func TestMarkReadErrors(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, &domain.Message{ID: "m1", RecipientID: "u1"})
	hub := New(s, zap.NewNop())
	defer hub.Close()

	if err := hub.MarkRead(ctx, "m1", "u2"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := hub.MarkRead(ctx, "missing", "u1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if total, _ := hub.UnreadTotal(ctx, "u1"); total != 1 {
		t.Fatalf("failed MarkRead must not change counters, got %d", total)
	}
}

func TestOnMessageCreatedRefreshesRecipientOnly(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	hub := New(s, zap.NewNop())
	defer hub.Close()

	if total, _ := hub.UnreadTotal(ctx, "u1"); total != 0 {
		t.Fatalf("expected empty inbox, got %d", total)
	}
	if total, _ := hub.UnreadTotal(ctx, "u2"); total != 0 {
		t.Fatalf("expected empty inbox, got %d", total)
	}

	msg := &domain.Message{RecipientID: "u1", ApplicationID: strPtr("A"), Content: "hi"}
	seed(t, s, msg)
	hub.OnMessageCreated(ctx, msg)

	if total, _ := hub.UnreadTotal(ctx, "u1"); total != 1 {
		t.Fatalf("expected u1 total 1, got %d", total)
	}
	if total, _ := hub.UnreadTotal(ctx, "u2"); total != 0 {
		t.Fatalf("u2 must not be affected, got %d", total)
	}
}

func TestWatchFollowsChangesFromOtherSessions(t *testing.T) {
	s := memory.New()
	hub := New(s, zap.NewNop())
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, stop, err := hub.Watch(ctx, "u1")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	defer stop()

	waitSnapshot(t, ch, func(s domain.UnreadSnapshot) bool { return s.Total == 0 })

	// Written straight to the store, as another process would.
	seed(t, s, &domain.Message{ID: "m1", RecipientID: "u1", ApplicationID: strPtr("A")})
	snap := waitSnapshot(t, ch, func(s domain.UnreadSnapshot) bool { return s.Total == 1 })
	if snap.ByApplication["A"] != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if _, err := s.Messages().DetachApplication(context.Background(), "A"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	waitSnapshot(t, ch, func(s domain.UnreadSnapshot) bool { return s.Total == 1 && len(s.ByApplication) == 0 })

	seed(t, s, &domain.Message{ID: "other", RecipientID: "u2"})
	if total, _ := hub.UnreadTotal(context.Background(), "u1"); total != 1 {
		t.Fatalf("u2 traffic must not change u1, got %d", total)
	}
}

func TestCountsFollowStoreWritesWithoutWatch(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s,
		&domain.Message{ID: "m1", RecipientID: "u1", ApplicationID: strPtr("A")},
		&domain.Message{ID: "m2", RecipientID: "u1", ApplicationID: strPtr("A")},
	)
	hub := New(s, zap.NewNop())
	defer hub.Close()

	if total, _ := hub.UnreadTotal(ctx, "u1"); total != 2 {
		t.Fatalf("expected total 2, got %d", total)
	}

	// Written straight to the store, as another process would.
	if _, err := s.Messages().MarkRead(ctx, "m1", "u1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	eventually(t, "total drops to 1", func() bool {
		total, _ := hub.UnreadTotal(ctx, "u1")
		return total == 1
	})

	seed(t, s, &domain.Message{ID: "m3", RecipientID: "u1", ApplicationID: strPtr("B")})
	eventually(t, "new message is counted", func() bool {
		by, _ := hub.UnreadByApplication(ctx, "u1")
		return maps.Equal(by, map[string]int{"A": 1, "B": 1})
	})

	if _, err := s.Messages().DetachApplication(ctx, "A"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	eventually(t, "detached application disappears", func() bool {
		by, _ := hub.UnreadByApplication(ctx, "u1")
		return maps.Equal(by, map[string]int{"B": 1})
	})
}

func TestWatchersShareOneSubscription(t *testing.T) {
	s := memory.New()
	hub := New(s, zap.NewNop())

	if n := s.Broker().Subscribers(); n != 1 {
		t.Fatalf("expected one feed subscriber, got %d", n)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, stop, err := hub.Watch(ctx, "u1")
			if err != nil {
				t.Errorf("Watch returned error: %v", err)
				return
			}
			if i%2 == 0 {
				stop()
			} else {
				cancel()
			}
			for range ch {
			}
		}()
	}
	wg.Wait()

	if n := s.Broker().Subscribers(); n != 1 {
		t.Fatalf("watchers must not add feed subscribers, got %d", n)
	}

	hub.Close()
	eventually(t, "feed subscription released", func() bool { return s.Broker().Subscribers() == 0 })
}

func TestIdleViewsAreEvicted(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	hub := New(s, zap.NewNop(), WithMaxViews(2))
	defer hub.Close()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, _, err := hub.Watch(watchCtx, "watched")
	if err != nil {
		t.Fatalf("Watch returned error: %v", err)
	}
	waitSnapshot(t, ch, func(s domain.UnreadSnapshot) bool { return s.Total == 0 })

	for _, r := range []string{"u1", "u2", "u3", "u4"} {
		if _, err := hub.UnreadTotal(ctx, r); err != nil {
			t.Fatalf("UnreadTotal(%s) returned error: %v", r, err)
		}
	}
	if n := hub.Views(); n != 2 {
		t.Fatalf("expected views to stay at the cap, got %d", n)
	}

	seed(t, s, &domain.Message{ID: "m1", RecipientID: "watched"})
	waitSnapshot(t, ch, func(s domain.UnreadSnapshot) bool { return s.Total == 1 })

	hub.Forget("u4")
	if n := hub.Views(); n != 1 {
		t.Fatalf("expected only the watched view, got %d", n)
	}
}

type deadFeed struct{}

func (deadFeed) Subscribe(context.Context, store.Filter) (<-chan store.ChangeEvent, func(), error) {
	return nil, nil, apperr.E("test.Subscribe", apperr.ErrStoreUnavailable, errors.New("listen refused"))
}

type feedlessStore struct{ *memory.Store }

func (feedlessStore) Feed() store.Feed { return deadFeed{} }

func TestCountsAreReadThroughWithoutFeed(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	hub := New(feedlessStore{s}, zap.NewNop())
	defer hub.Close()

	if total, _ := hub.UnreadTotal(ctx, "u1"); total != 0 {
		t.Fatalf("expected empty inbox, got %d", total)
	}
	seed(t, s, &domain.Message{ID: "m1", RecipientID: "u1"})
	if total, _ := hub.UnreadTotal(ctx, "u1"); total != 1 {
		t.Fatalf("counters must not be cached without a feed, got %d", total)
	}
}

func TestOfferKeepsLatest(t *testing.T) {
	ch := make(chan domain.UnreadSnapshot, 1)
	offer(ch, domain.UnreadSnapshot{Total: 1})
	offer(ch, domain.UnreadSnapshot{Total: 2})
	offer(ch, domain.UnreadSnapshot{Total: 3})

	if got := <-ch; got.Total != 3 {
		t.Fatalf("expected latest snapshot, got %d", got.Total)
	}
}
