package broadcast

import (
	"sync"
)

// Conn is the delivery side of a live connection.
type Conn interface {
	Send(Event) error
}

// Subscription is one live connection bound to one contest. Events reach
// the connection through a bounded queue drained by its own goroutine, so
// a slow connection only ever delays itself.
type Subscription struct {
	ID        string
	ContestID string

	topic *topic
	conn  Conn

	mu     sync.Mutex
	queue  chan Event
	closed bool
	// Newest rankings version queued, and participants already announced.
	version uint64
	seen    map[string]struct{}

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	pruned   bool
}

func newSubscription(id string, t *topic, conn Conn, size int) *Subscription {
	return &Subscription{
		ID:        id,
		ContestID: t.id,
		topic:     t,
		conn:      conn,
		queue:     make(chan Event, size),
		seen:      make(map[string]struct{}),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Close stops delivery and unregisters the subscription. It is safe to call
// more than once and from any goroutine.
func (s *Subscription) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Done is closed once the subscription has stopped delivering.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Pruned reports whether the subscription ended because delivery failed.
// Only meaningful after Done is closed.
func (s *Subscription) Pruned() bool {
	<-s.done
	return s.pruned
}

// enqueue hands ev to the writer. Stale rankings and already announced
// participants are skipped; a full queue gives up its oldest event.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch ev.Type {
	case EventRankings:
		if ev.Version < s.version {
			return
		}
		s.version = ev.Version
	case EventParticipants:
		fresh := ev.Participants[:0:0]
		for _, p := range ev.Participants {
			if _, ok := s.seen[p.UserID]; !ok {
				s.seen[p.UserID] = struct{}{}
				fresh = append(fresh, p)
			}
		}
		if len(fresh) == 0 && len(ev.Participants) > 0 {
			return
		}
		ev.Participants = fresh
	}

	select {
	case s.queue <- ev:
		return
	default:
	}
	select {
	case <-s.queue:
		s.topic.hub.metrics.EventDropped("subscriber")
	default:
	}
	s.queue <- ev
}

// seal closes the queue; the writer drains what is left and exits.
func (s *Subscription) seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	defer s.topic.remove(s)
	defer s.seal()

	for {
		select {
		case <-s.quit:
			return
		case ev, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.conn.Send(ev); err != nil {
				s.pruned = true
				s.topic.hub.logger.Debug("pruning subscriber", "contest_id", s.ContestID, "subscription", s.ID, "error", err)
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}
