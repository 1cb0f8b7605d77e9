// Package pubsub fans out NOTIFY messages to LISTEN-ing client
// sessions. Per-channel subscriber sends are bounded and non-blocking:
// a slow listener drops messages and is counted, but a publisher is
// never blocked by one, matching cache/cache.go's own
// never-block-the-producer channel pattern used throughout its
// single-flight fan-out.
package pubsub

import (
	"sync"

	"github.com/mevdschee/pgdogproxy/metrics"
)

// Notification is one NOTIFY event routed by channel.
type Notification struct {
	Channel string
	Payload string
	PID     int32
}

// subscriberQueueSize bounds each listener's pending-notification
// buffer; a listener that can't keep up loses messages rather than
// stalling the publisher.
const subscriberQueueSize = 64

// Registry is a per-shard map of channel name to the set of
// subscribed client sessions.
type Registry struct {
	mu          sync.Mutex
	channels    map[string]map[int64]chan Notification
	dropCounts  map[int64]int64
	nextSubID   int64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		channels:   make(map[string]map[int64]chan Notification),
		dropCounts: make(map[int64]int64),
	}
}

// Subscription is a live LISTEN registration; Unsubscribe removes it.
type Subscription struct {
	id      int64
	channel string
	ch      chan Notification
	reg     *Registry
}

// C returns the channel notifications for this subscription arrive on.
func (s *Subscription) C() <-chan Notification { return s.ch }

// Unsubscribe removes this subscription from its channel's registry.
func (s *Subscription) Unsubscribe() {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	if subs, ok := s.reg.channels[s.channel]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.reg.channels, s.channel)
		}
	}
	delete(s.reg.dropCounts, s.id)
}

// Subscribe registers a new LISTEN on channel, returning a
// Subscription whose C() delivers notifications in backend arrival
// order for that channel.
func (r *Registry) Subscribe(channel string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSubID++
	id := r.nextSubID
	ch := make(chan Notification, subscriberQueueSize)
	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[int64]chan Notification)
		r.channels[channel] = subs
	}
	subs[id] = ch
	return &Subscription{id: id, channel: channel, ch: ch, reg: r}
}

// Publish delivers a NOTIFY to every subscriber of channel. Sends are
// non-blocking: a full subscriber channel drops the message and
// increments that subscriber's drop counter instead of blocking.
func (r *Registry) Publish(n Notification) {
	r.mu.Lock()
	subs := r.channels[n.Channel]
	targets := make([]struct {
		id int64
		ch chan Notification
	}, 0, len(subs))
	for id, ch := range subs {
		targets = append(targets, struct {
			id int64
			ch chan Notification
		}{id, ch})
	}
	r.mu.Unlock()

	for _, t := range targets {
		select {
		case t.ch <- n:
		default:
			r.mu.Lock()
			r.dropCounts[t.id]++
			r.mu.Unlock()
			metrics.PubSubDropped.WithLabelValues(n.Channel).Inc()
		}
	}
}

// Dropped returns how many notifications have been dropped for a
// given subscription due to a full queue.
func (r *Registry) Dropped(sub *Subscription) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropCounts[sub.id]
}

// SubscriberCount returns how many sessions currently LISTEN on channel.
func (r *Registry) SubscriberCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels[channel])
}
