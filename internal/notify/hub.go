// Package notify keeps per-recipient unread counters in step with the store.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/domain"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/store"
	"github.com/spigell/cv-matcher/internal/utils"
)

const (
	// DefaultMaxViews bounds the number of cached recipients.
	DefaultMaxViews = 4096

	resubscribeBase    = 500 * time.Millisecond
	resubscribeMaxWait = 30 * time.Second
)

// Hub owns one view per recipient. Views never share state, so a slow
// recipient does not block another one.
//
// A single subscription to message changes keeps every cached view fresh,
// whoever made the change. Counters are cached only while that
// subscription is up; otherwise every read goes to the store.
type Hub struct {
	store    store.Store
	logger   *zap.Logger
	maxViews int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	live   atomic.Bool

	mu    sync.Mutex
	views map[string]*view
	tick  uint64
}

type view struct {
	recipient string
	// lastUsed is guarded by Hub.mu.
	lastUsed uint64

	mu       sync.Mutex
	snap     *domain.UnreadSnapshot
	gen      uint64
	watchers map[int]chan domain.UnreadSnapshot
	nextID   int
}

type Option func(*Hub)

// WithMaxViews caps the cached recipients. Idle views are evicted least
// recently used first; watched views are never evicted.
func WithMaxViews(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxViews = n
		}
	}
}

// New builds a hub and subscribes it to message changes. A failed
// subscription is retried in the background.
func New(st store.Store, log *zap.Logger, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:    st,
		logger:   logger.Named(log, "notify"),
		maxViews: DefaultMaxViews,
		ctx:      ctx,
		cancel:   cancel,
		views:    make(map[string]*view),
	}
	for _, opt := range opts {
		opt(h)
	}

	events, stop, err := h.subscribe()
	if err != nil {
		h.logger.Warn("subscribing to message changes failed, counters are not cached", zap.Error(err))
	} else {
		h.live.Store(true)
	}

	h.wg.Add(1)
	go h.follow(events, stop)
	return h
}

func (h *Hub) subscribe() (<-chan store.ChangeEvent, func(), error) {
	return h.store.Feed().Subscribe(h.ctx, store.Filter{Table: store.TableMessages})
}

// follow applies feed events until the hub is closed, resubscribing when
// the feed ends.
func (h *Hub) follow(events <-chan store.ChangeEvent, stop func()) {
	defer h.wg.Done()
	for {
		if events != nil {
			h.consume(events)
			h.live.Store(false)
			stop()
			h.dropAll()
			if h.ctx.Err() != nil {
				return
			}
			h.logger.Warn("message change feed closed, resubscribing")
		}

		var err error
		if events, stop, err = h.resubscribe(); err != nil {
			return
		}
		h.live.Store(true)
		h.refreshAll(h.ctx)
	}
}

func (h *Hub) resubscribe() (<-chan store.ChangeEvent, func(), error) {
	for attempt := 1; ; attempt++ {
		if err := utils.WaitFor(h.ctx, utils.Backoff(attempt, resubscribeBase, resubscribeMaxWait)); err != nil {
			return nil, nil, err
		}
		events, stop, err := h.subscribe()
		if err == nil {
			h.logger.Info("message change feed restored", zap.Int("attempt", attempt))
			return events, stop, nil
		}
		h.logger.Warn("subscribing to message changes failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// consume coalesces bursts so each touched recipient is recomputed once.
func (h *Hub) consume(events <-chan store.ChangeEvent) {
	for ev := range events {
		batch := []store.ChangeEvent{ev}
	drain:
		for {
			select {
			case next, ok := <-events:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		h.apply(h.ctx, batch)
	}
}

func (h *Hub) apply(ctx context.Context, batch []store.ChangeEvent) {
	touched := make(map[string]struct{}, len(batch))
	for _, ev := range batch {
		if ev.Op == store.OpResync || (ev.Table == store.TableMessages && ev.RecipientID == "") {
			h.refreshAll(ctx)
			return
		}
		if ev.Table == store.TableMessages {
			touched[ev.RecipientID] = struct{}{}
		}
	}
	for recipient := range touched {
		h.refresh(ctx, recipient)
	}
}

func (h *Hub) view(recipient string) *view {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tick++
	v, ok := h.views[recipient]
	if !ok {
		if len(h.views) >= h.maxViews {
			h.evictIdleLocked()
		}
		v = &view{recipient: recipient, watchers: make(map[int]chan domain.UnreadSnapshot)}
		h.views[recipient] = v
	}
	v.lastUsed = h.tick
	return v
}

// evictIdleLocked drops the least recently used view nobody watches.
func (h *Hub) evictIdleLocked() {
	var (
		oldest *view
		key    string
	)
	for r, v := range h.views {
		v.mu.Lock()
		idle := len(v.watchers) == 0
		v.mu.Unlock()
		if idle && (oldest == nil || v.lastUsed < oldest.lastUsed) {
			oldest, key = v, r
		}
	}
	if oldest != nil {
		delete(h.views, key)
	}
}

func (h *Hub) existing(recipient string) (*view, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.views[recipient]
	return v, ok
}

func (h *Hub) all() []*view {
	h.mu.Lock()
	defer h.mu.Unlock()
	views := make([]*view, 0, len(h.views))
	for _, v := range h.views {
		views = append(views, v)
	}
	return views
}

// Views returns the number of cached recipients.
func (h *Hub) Views() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.views)
}

// Snapshot returns the unread counters of recipient, computing them from
// the store when the cached copy was invalidated.
func (h *Hub) Snapshot(ctx context.Context, recipient string) (domain.UnreadSnapshot, error) {
	v := h.view(recipient)

	v.mu.Lock()
	if v.snap != nil {
		snap := v.snap.Clone()
		v.mu.Unlock()
		return snap, nil
	}
	gen := v.gen
	v.mu.Unlock()

	snap, err := h.store.Messages().CountUnread(ctx, recipient)
	if err != nil {
		return domain.UnreadSnapshot{}, err
	}

	v.mu.Lock()
	if v.gen == gen && h.live.Load() {
		cached := snap.Clone()
		v.snap = &cached
	}
	v.mu.Unlock()
	return snap, nil
}

func (h *Hub) UnreadTotal(ctx context.Context, recipient string) (int, error) {
	snap, err := h.Snapshot(ctx, recipient)
	if err != nil {
		return 0, err
	}
	return snap.Total, nil
}

func (h *Hub) UnreadByApplication(ctx context.Context, recipient string) (map[string]int, error) {
	snap, err := h.Snapshot(ctx, recipient)
	if err != nil {
		return nil, err
	}
	return snap.ByApplication, nil
}

// MarkRead flips the read flag of a message addressed to recipient.
// Repeated or concurrent calls for the same message succeed and count once.
func (h *Hub) MarkRead(ctx context.Context, messageID, recipient string) error {
	changed, err := h.store.Messages().MarkRead(ctx, messageID, recipient)
	if err != nil {
		return err
	}
	if changed {
		h.refresh(ctx, recipient)
	}
	return nil
}

// OnMessageCreated refreshes the recipient of msg.
func (h *Hub) OnMessageCreated(ctx context.Context, msg *domain.Message) {
	if msg == nil || msg.RecipientID == "" {
		return
	}
	h.refresh(ctx, msg.RecipientID)
}

// OnChange applies a change feed event. Events for recipients without a
// view are ignored since nothing is cached for them.
func (h *Hub) OnChange(ctx context.Context, ev store.ChangeEvent) {
	h.apply(ctx, []store.ChangeEvent{ev})
}

func (h *Hub) refreshAll(ctx context.Context) {
	for _, v := range h.all() {
		h.recompute(ctx, v)
	}
}

// dropAll invalidates every cached snapshot.
func (h *Hub) dropAll() {
	for _, v := range h.all() {
		v.mu.Lock()
		v.gen++
		v.snap = nil
		v.mu.Unlock()
	}
}

func (h *Hub) refresh(ctx context.Context, recipient string) {
	if v, ok := h.existing(recipient); ok {
		h.recompute(ctx, v)
	}
}

// recompute invalidates the view, recomputes it and publishes the result
// to watchers. A newer invalidation supersedes an older recompute.
func (h *Hub) recompute(ctx context.Context, v *view) {
	v.mu.Lock()
	v.gen++
	v.snap = nil
	gen := v.gen
	v.mu.Unlock()

	snap, err := h.store.Messages().CountUnread(ctx, v.recipient)
	if err != nil {
		h.logger.Warn("recomputing unread counters failed",
			zap.String(logger.FieldRecipient, v.recipient), zap.Error(err))
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen {
		return
	}
	if h.live.Load() {
		cached := snap.Clone()
		v.snap = &cached
	}
	for _, ch := range v.watchers {
		offer(ch, snap.Clone())
	}
}

// Watch streams snapshots of recipient. The current snapshot is sent first.
// A slow reader only ever sees the latest snapshot.
func (h *Hub) Watch(ctx context.Context, recipient string) (<-chan domain.UnreadSnapshot, func(), error) {
	v := h.view(recipient)
	ch := make(chan domain.UnreadSnapshot, 1)

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.watchers[id] = ch
	v.mu.Unlock()

	snap, err := h.Snapshot(ctx, recipient)
	if err != nil {
		h.unwatch(v, id)
		return nil, nil, err
	}
	v.mu.Lock()
	if _, ok := v.watchers[id]; ok {
		offer(ch, snap)
	}
	v.mu.Unlock()

	var once sync.Once
	stopped := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stopped)
			h.unwatch(v, id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stopped:
		case <-h.ctx.Done():
		}
	}()
	return ch, cancel, nil
}

func (h *Hub) unwatch(v *view, id int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if ch, ok := v.watchers[id]; ok {
		delete(v.watchers, id)
		close(ch)
	}
}

// Forget drops the cached view of recipient unless someone is watching it.
func (h *Hub) Forget(recipient string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.views[recipient]
	if !ok {
		return
	}
	v.mu.Lock()
	idle := len(v.watchers) == 0
	v.mu.Unlock()
	if idle {
		delete(h.views, recipient)
	}
}

// Close stops the feed subscription and closes watcher channels.
func (h *Hub) Close() {
	h.cancel()

	for _, v := range h.all() {
		v.mu.Lock()
		ids := make([]int, 0, len(v.watchers))
		for id := range v.watchers {
			ids = append(ids, id)
		}
		v.mu.Unlock()
		for _, id := range ids {
			h.unwatch(v, id)
		}
	}
	h.wg.Wait()
}

func offer(ch chan domain.UnreadSnapshot, snap domain.UnreadSnapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
