// README: In-process topic hub; publishing never waits on a slow subscriber.
package fanout

import (
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 16

// Subscription receives envelopes for one topic until Close is called.
type Subscription struct {
	C     <-chan Envelope
	topic string
	ch    chan Envelope
	hub   *Hub
	once  sync.Once
}

func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

type Hub struct {
	mu      sync.Mutex
	buffer  int
	topics  map[string]map[*Subscription]struct{}
	dropped atomic.Int64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, topics: make(map[string]map[*Subscription]struct{})}
}

func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan Envelope, h.buffer)
	s := &Subscription{C: ch, topic: topic, ch: ch, hub: h}
	h.mu.Lock()
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish hands e to every subscriber of e.Topic. A full buffer loses its
// oldest frame; frames are full snapshots so the newest one suffices.
func (h *Hub) Publish(e Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.topics[e.Topic] {
		for {
			select {
			case s.ch <- e:
			default:
				select {
				case <-s.ch:
					h.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribers returns how many subscriptions topic has.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Dropped counts frames discarded because a subscriber lagged.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[s.topic]
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.topics, s.topic)
	}
	close(s.ch)
}
