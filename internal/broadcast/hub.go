// Package broadcast fans contest events out to live subscribers. Each
// contest has a topic with an inbound queue and a single dispatcher, and
// every subscriber has its own outbound queue, so publishing never waits
// on a connection.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"contest-live-service/internal/domain"
	"contest-live-service/internal/metrics"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Source provides the current ranking a late joiner starts from.
type Source interface {
	GetSnapshot(contestID string) (domain.RankingSnapshot, error)
}

// Mirror receives a copy of every dispatched event, for consumers outside
// this process. Failures are logged and otherwise ignored.
type Mirror interface {
	Publish(ctx context.Context, ev Event) error
}

// Options tunes a Hub.
type Options struct {
	// SubscriberQueue bounds each subscriber's pending events.
	SubscriberQueue int
	// TopicQueue bounds a contest's pending publishes.
	TopicQueue int
	Mirror     Mirror
	Now        func() time.Time
}

type Hub struct {
	source    Source
	topics    *xsync.MapOf[string, *topic]
	subQueue  int
	topicSize int
	mirror    Mirror
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewHub(source Source, opts Options, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if opts.SubscriberQueue <= 0 {
		opts.SubscriberQueue = 64
	}
	if opts.TopicQueue <= 0 {
		opts.TopicQueue = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		source:    source,
		topics:    xsync.NewMapOf[string, *topic](),
		subQueue:  opts.SubscriberQueue,
		topicSize: opts.TopicQueue,
		mirror:    opts.Mirror,
		now:       opts.Now,
		metrics:   m,
		logger:    logger,
	}
}

type topic struct {
	id  string
	hub *Hub

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool

	inbox chan Event
	done  chan struct{}
}

// Open creates the topic for contestID and starts its dispatcher. It
// reports false when the topic already exists, finished or not.
func (h *Hub) Open(contestID string) bool {
	t, loaded := h.topics.LoadOrCompute(contestID, func() *topic {
		return &topic{
			id:    contestID,
			hub:   h,
			subs:  make(map[string]*Subscription),
			inbox: make(chan Event, h.topicSize),
			done:  make(chan struct{}),
		}
	})
	if !loaded {
		go t.dispatch()
	}
	return !loaded
}

// Subscribe registers conn on the contest topic. The first events queued
// for it are the current rankings and the current participant list, read
// while no other event can be dispatched to it.
func (h *Hub) Subscribe(contestID string, conn Conn) (*Subscription, error) {
	t, ok := h.topics.Load(contestID)
	if !ok {
		return nil, domain.ErrContestNotFound
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrContestEnded
	}
	snap, err := h.source.GetSnapshot(contestID)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	now := h.now()
	sub := newSubscription(uuid.NewString(), t, conn, h.subQueue)
	sub.enqueue(rankingsEvent(snap, now))
	sub.enqueue(participantsEvent(contestID, snap.Participants, now))
	t.subs[sub.ID] = sub
	t.mu.Unlock()

	h.metrics.SubscriberAdded()
	go sub.run()
	return sub, nil
}

// PublishRankingUpdate queues a snapshot for every subscriber of the
// contest. It never blocks; a full topic queue drops the event.
func (h *Hub) PublishRankingUpdate(contestID string, snap domain.RankingSnapshot) {
	h.publish(contestID, rankingsEvent(snap, h.now()))
}

// PublishParticipantJoin announces a newly joined participant.
func (h *Hub) PublishParticipantJoin(contestID string, p domain.Participant) {
	h.publish(contestID, participantsEvent(contestID, []domain.Participant{p}, h.now()))
}

func (h *Hub) publish(contestID string, ev Event) {
	t, ok := h.topics.Load(contestID)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.inbox <- ev:
	default:
		h.metrics.EventDropped("topic")
		h.logger.Warn("contest topic queue full, dropping event", "contest_id", contestID, "event", ev.Type.String())
	}
}

// Finish pushes the final snapshot and a terminal message to every
// subscriber of the contest, then closes them. The topic accepts nothing
// afterwards. Finish waits for the dispatcher or for ctx.
func (h *Hub) Finish(ctx context.Context, contestID string, final domain.RankingSnapshot, message string) error {
	t, ok := h.topics.Load(contestID)
	if !ok {
		return domain.ErrContestNotFound
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	// Publishers check closed under the lock, so the inbox is ours now.
	now := h.now()
	t.inbox <- rankingsEvent(final, now)
	t.inbox <- MessageEvent(contestID, message, now)
	close(t.inbox)

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown finishes every open topic with its current snapshot.
func (h *Hub) Shutdown(ctx context.Context, message string) {
	var wg sync.WaitGroup
	h.topics.Range(func(id string, _ *topic) bool {
		snap, err := h.source.GetSnapshot(id)
		if err != nil {
			snap = domain.RankingSnapshot{ContestID: id}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Finish(ctx, id, snap, message); err != nil {
				h.logger.Warn("failed to finish contest feed", "contest_id", id, "error", err)
			}
		}()
		return true
	})
	wg.Wait()
}

// Remove forgets a finished topic so the contest can be opened again. It
// reports false, and keeps the topic, while the topic is still live.
func (h *Hub) Remove(contestID string) bool {
	t, ok := h.topics.Load(contestID)
	if !ok {
		return true
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if !closed {
		return false
	}
	h.topics.Delete(contestID)
	return true
}

// Subscribers returns how many subscriptions the contest currently has.
func (h *Hub) Subscribers(contestID string) int {
	t, ok := h.topics.Load(contestID)
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *topic) dispatch() {
	defer close(t.done)
	for ev := range t.inbox {
		t.mu.Lock()
		subs := make([]*Subscription, 0, len(t.subs))
		for _, s := range t.subs {
			subs = append(subs, s)
		}
		t.mu.Unlock()

		for _, s := range subs {
			s.enqueue(ev)
		}
		t.mirror(ev)
	}

	t.mu.Lock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()
	for _, s := range subs {
		s.seal()
	}
}

func (t *topic) mirror(ev Event) {
	if t.hub.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.hub.mirror.Publish(ctx, ev); err != nil {
		t.hub.logger.Debug("failed to mirror event", "contest_id", t.id, "event", ev.Type.String(), "error", err)
	}
}

func (t *topic) remove(s *Subscription) {
	t.mu.Lock()
	_, ok := t.subs[s.ID]
	delete(t.subs, s.ID)
	t.mu.Unlock()
	if ok {
		t.hub.metrics.SubscriberRemoved(s.pruned)
	}
}
