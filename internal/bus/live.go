package bus

import (
	"sync"

	"querydesk/api/internal/query"
)

// Live is the in-process fan-out. Each subscriber owns a buffered channel;
// a full buffer drops the event for that subscriber only, which then
// catches up from the replay log.
type Live struct {
	mu     sync.RWMutex
	subs   map[query.Team]map[*Subscription]struct{}
	buffer int
}

type Subscription struct {
	Team query.Team
	C    <-chan Event

	ch   chan Event
	live *Live
	once sync.Once
}

func NewLive(buffer int) *Live {
	if buffer <= 0 {
		buffer = 64
	}
	return &Live{subs: map[query.Team]map[*Subscription]struct{}{}, buffer: buffer}
}

func (l *Live) Subscribe(team query.Team) *Subscription {
	ch := make(chan Event, l.buffer)
	sub := &Subscription{Team: team, C: ch, ch: ch, live: l}
	l.mu.Lock()
	if l.subs[team] == nil {
		l.subs[team] = map[*Subscription]struct{}{}
	}
	l.subs[team][sub] = struct{}{}
	l.mu.Unlock()
	return sub
}

// Close detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.live.mu.Lock()
		defer s.live.mu.Unlock()
		if set := s.live.subs[s.Team]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.live.subs, s.Team)
			}
		}
		close(s.ch)
	})
}

// Publish delivers e to subscribers of e.Team and to admin subscribers, who
// watch every team. Sends never block.
func (l *Live) Publish(e Event) (delivered, dropped int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	send := func(set map[*Subscription]struct{}) {
		for sub := range set {
			select {
			case sub.ch <- e:
				delivered++
			default:
				dropped++
			}
		}
	}
	send(l.subs[e.Team])
	if e.Team != query.TeamAdmin {
		send(l.subs[query.TeamAdmin])
	}
	return delivered, dropped
}

func (l *Live) Subscribers(team query.Team) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs[team])
}
