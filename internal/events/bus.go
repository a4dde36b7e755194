// Package events implements the kernel's local event bus: a CloudEvents
// 1.0 envelope, glob-pattern subscriptions over dot-separated channel
// names, and a bounded per-channel history ring buffer. Grounded on the
// teacher's EventBus (internal/events/bus.go) generalized from
// type-exact subscription to pattern matching.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// CloudEvent is the CloudEvents 1.0 envelope used for every published
// message.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent builds a CloudEvents 1.0 compliant envelope.
func NewCloudEvent(eventType, source, subject, tenantID string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		TenantID:    tenantID,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) { return json.Marshal(ce) }

// matchChannel reports whether pattern matches channel, both
// dot-separated. "*" matches exactly one segment, "**" matches any
// number of trailing segments.
func matchChannel(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	pSegs := strings.Split(pattern, ".")
	cSegs := strings.Split(channel, ".")

	i := 0
	for ; i < len(pSegs); i++ {
		if pSegs[i] == "**" {
			return true // matches rest of channel, however long
		}
		if i >= len(cSegs) {
			return false
		}
		if pSegs[i] != "*" && pSegs[i] != cSegs[i] {
			return false
		}
	}
	return i == len(cSegs)
}

type subscription struct {
	id      uint64
	pattern string
	ch      chan *CloudEvent
}

// Subscription is a handle returned to callers; dropping it (calling
// Close) removes it from the bus without leaking the delivery
// goroutine-free channel.
type Subscription struct {
	bus *Bus
	sub *subscription
	C   <-chan *CloudEvent
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.sub)
}

const defaultHistorySize = 1000

// publishSendTimeout bounds how long Publish blocks trying to hand an
// event to one subscriber's buffered channel before deferring delivery
// to a background goroutine, so a single slow consumer can't stall
// every other subscriber's delivery. A var, not a const, so tests can
// shrink it instead of waiting out the production value.
var publishSendTimeout = 2 * time.Second

// Bus is an in-process pub/sub bus with pattern subscriptions and a
// bounded history ring buffer per channel.
type Bus struct {
	mu          sync.RWMutex
	subs        []*subscription
	nextSubID   uint64
	history     map[string][]*CloudEvent
	historySize int
	bufferSize  int
	logger      *log.Logger
	published   uint64
	closed      bool
}

// NewBus constructs an event bus with default buffering.
func NewBus() *Bus {
	return &Bus{
		history:     make(map[string][]*CloudEvent),
		historySize: defaultHistorySize,
		bufferSize:  100,
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe registers interest in an exact channel name.
func (b *Bus) Subscribe(channel string) *Subscription {
	return b.SubscribePattern(channel)
}

// SubscribePattern registers interest in every channel matching
// pattern (supports "*" and "**" glob segments).
func (b *Bus) SubscribePattern(pattern string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &subscription{
		id:      b.nextSubID,
		pattern: pattern,
		ch:      make(chan *CloudEvent, b.bufferSize),
	}
	b.subs = append(b.subs, sub)
	return &Subscription{bus: b, sub: sub, C: sub.ch}
}

func (b *Bus) unsubscribe(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s.id != target.id {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(target.ch)
}

// Publish delivers event to every subscription whose pattern matches
// channel, and appends it to that channel's bounded history.
func (b *Bus) Publish(channel string, event *CloudEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	hist := append(b.history[channel], event)
	if len(hist) > b.historySize {
		hist = hist[len(hist)-b.historySize:]
	}
	b.history[channel] = hist
	b.published++

	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if matchChannel(s.pattern, channel) {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()

	for _, s := range matched {
		select {
		case s.ch <- event:
		case <-time.After(publishSendTimeout):
			// The subscriber's buffer is still full after waiting;
			// hand the send off to a background goroutine instead of
			// dropping it, so delivery stays at-least-once for every
			// subscriber that was live when Publish was called.
			b.logger.Printf("subscriber %d buffer full, deferring delivery of event %s on %s", s.id, event.ID, channel)
			go b.deliverDeferred(s, event, channel)
		}
	}
}

// deliverDeferred blocks until a deferred send lands or the
// subscription is closed by Unsubscribe/Close, in which case the send
// on a closed channel would panic; recover tolerates that race since
// a subscriber that has since unsubscribed is no longer "live" in the
// sense the at-least-once guarantee cares about.
func (b *Bus) deliverDeferred(s *subscription, event *CloudEvent, channel string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("subscriber %d unsubscribed before deferred delivery of event %s on %s", s.id, event.ID, channel)
		}
	}()
	s.ch <- event
}

// Emit is a convenience wrapper that builds and publishes a CloudEvent
// on channel.
func (b *Bus) Emit(channel, source, subject, tenantID string, data map[string]interface{}) {
	b.Publish(channel, NewCloudEvent(channel, source, subject, tenantID, data))
}

// GetHistory returns up to limit most recent events published on
// channel (0 means all retained history).
func (b *Bus) GetHistory(channel string, limit int) []*CloudEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.history[channel]
	if limit <= 0 || limit >= len(hist) {
		out := make([]*CloudEvent, len(hist))
		copy(out, hist)
		return out
	}
	out := make([]*CloudEvent, limit)
	copy(out, hist[len(hist)-limit:])
	return out
}

// Stats describes current bus load.
type Stats struct {
	SubscriberCount int
	ChannelsTracked int
	Published       uint64
}

// GetStats returns a snapshot of bus activity.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		SubscriberCount: len(b.subs),
		ChannelsTracked: len(b.history),
		Published:       b.published,
	}
}

// Close drains every registered subscription's channel and marks the
// bus as no longer accepting publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
