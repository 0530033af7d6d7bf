package store

import (
	"context"
	"sync"
)

// PubSubMessage carries one published payload to a subscriber.
type PubSubMessage struct {
	Channel string
	Payload string
}

// Subscription is one subscriber's view of the in-process hub.
type Subscription struct {
	channels map[string]bool
	msgs     chan *PubSubMessage
	closeCh  chan struct{}
	closed   bool
	mu       sync.Mutex
}

// C returns the subscriber's message channel.
func (s *Subscription) C() <-chan *PubSubMessage {
	return s.msgs
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
		close(s.msgs)
	}
	return nil
}

func (s *Subscription) deliver(msg *PubSubMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.channels[msg.Channel] {
		return
	}
	select {
	case s.msgs <- msg:
	default:
		// Subscriber is not keeping up; drop instead of blocking the
		// publisher.
	}
}

// PubSubHub is the in-process replacement for Redis pub/sub used when
// Redis is unreachable. Delivery is best-effort, mirroring Redis
// semantics: absent subscribers miss messages.
type PubSubHub struct {
	mu          sync.RWMutex
	subscribers map[string][]*Subscription
}

func NewPubSubHub() *PubSubHub {
	return &PubSubHub{subscribers: make(map[string][]*Subscription)}
}

// Subscribe registers a subscriber for the given channels. The
// subscription closes when ctx is cancelled.
func (h *PubSubHub) Subscribe(ctx context.Context, channels ...string) *Subscription {
	channelSet := make(map[string]bool, len(channels))
	for _, ch := range channels {
		channelSet[ch] = true
	}
	sub := &Subscription{
		channels: channelSet,
		msgs:     make(chan *PubSubMessage, 100),
		closeCh:  make(chan struct{}),
	}

	h.mu.Lock()
	for _, channel := range channels {
		h.subscribers[channel] = append(h.subscribers[channel], sub)
	}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closeCh:
		}
		h.remove(sub, channels)
	}()

	return sub
}

// Publish delivers a payload to every current subscriber of channel.
func (h *PubSubHub) Publish(channel, payload string) {
	h.mu.RLock()
	subs := h.subscribers[channel]
	h.mu.RUnlock()

	msg := &PubSubMessage{Channel: channel, Payload: payload}
	for _, sub := range subs {
		sub.deliver(msg)
	}
}

func (h *PubSubHub) remove(sub *Subscription, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range channels {
		subs := h.subscribers[channel]
		for i, candidate := range subs {
			if candidate == sub {
				h.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}
