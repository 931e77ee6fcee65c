// Package events implements a non-blocking publish/subscribe bus used to
// fan progress callbacks and broadcast topics out to WS sessions without
// ever blocking the worker thread that produces them.
package events

import "sync"

// Topic names the kind of event flowing over the bus.
type Topic string

const (
	TopicJob       Topic = "job"       // per-jobId progress/terminal events
	TopicBroadcast Topic = "broadcast" // system:status, queue:state, dream:candidate
)

// Event is the payload carried on the bus. JobID is empty for broadcast
// topics. Kind is the WS envelope type (job:progress, job:complete,
// system:status, ...); Payload is the struct to marshal into it.
type Event struct {
	Topic   Topic
	JobID   string
	Kind    string
	Payload any
}

// coalescable kinds are state snapshots where only the latest value
// matters: a consumer that skips straight to the newest one loses
// nothing. Terminal events are never coalesced or dropped — every job
// must deliver exactly one.
func coalescable(kind string) bool {
	return kind == "job:progress" || kind == "queue:state" || kind == "system:status"
}

// subscriber is a coalescing mailbox. Pending events queue in order; a
// new coalescable event overwrites the pending one with the same
// (kind, jobId) key in place, so a stalled consumer sees the latest
// progress rather than a backlog, while terminals always get through.
type subscriber struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	closed  bool
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if coalescable(ev.Kind) {
		for i := len(s.pending) - 1; i >= 0; i-- {
			if s.pending[i].Kind == ev.Kind && s.pending[i].JobID == ev.JobID {
				s.pending[i] = ev
				s.notifyLocked()
				return
			}
		}
	}
	s.pending = append(s.pending, ev)
	s.notifyLocked()
}

// notifyLocked nudges the delivery goroutine. Called with mu held so a
// concurrent close can never race the send.
func (s *subscriber) notifyLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.wake)
}

// Bus is a non-blocking event bus: Publish never blocks, whatever the
// consumers are doing.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*subscriber
	initialCap  int
}

// NewBus creates a bus. initialCap sizes each subscriber's pending
// buffer; it is a capacity hint, not a limit.
func NewBus(initialCap int) *Bus {
	if initialCap <= 0 {
		initialCap = 1
	}
	return &Bus{
		subscribers: make(map[Topic][]*subscriber),
		initialCap:  initialCap,
	}
}

// Subscribe registers fn to receive events for topic, delivered in order
// from a dedicated goroutine. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic Topic, fn func(Event)) func() {
	sub := &subscriber{
		pending: make([]Event, 0, b.initialCap),
		wake:    make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()

	go func() {
		for range sub.wake {
			for {
				sub.mu.Lock()
				if len(sub.pending) == 0 {
					sub.mu.Unlock()
					break
				}
				ev := sub.pending[0]
				sub.pending = sub.pending[1:]
				sub.mu.Unlock()
				func() {
					defer func() { recover() }()
					fn(ev)
				}()
			}
		}
	}()

	return func() {
		b.mu.Lock()
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
}

// Publish delivers ev to every subscriber of ev.Topic without blocking.
// Coalescable kinds overwrite the subscriber's pending event for the
// same key; everything else is queued and delivered exactly once.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subscribers[ev.Topic]
	b.mu.RUnlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// Close tears down every subscriber. Used at process shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	var all []*subscriber
	for topic, subs := range b.subscribers {
		all = append(all, subs...)
		delete(b.subscribers, topic)
	}
	b.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}
