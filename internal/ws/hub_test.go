package ws

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot-backend/internal/log"
	"github.com/postpilot/postpilot-backend/internal/store"
)

func newTestHub() *Hub {
	logger := log.NewNop()
	return NewHub(store.NewMemoryCache(logger, nil), nil, logger, nil)
}

func newTestClient(h *Hub, tenantID string, topics ...string) *Client {
	c := &Client{
		hub:        h,
		send:       make(chan []byte, 8),
		tenantID:   tenantID,
		topics:     make(map[string]bool),
		lastActive: time.Now(),
	}
	for _, t := range topics {
		c.topics[t] = true
	}
	h.clients[c] = true
	return c
}

func feedPayload(tenantID string) string {
	return fmt.Sprintf(`{"type":"scheduled","event":{"id":"e1","tenant_id":%q}}`, tenantID)
}

func TestRelayRoutesByTenantAndTopic(t *testing.T) {
	h := newTestHub()
	matching := newTestClient(h, "agency-1", TopicChanges, TopicDue)
	otherTenant := newTestClient(h, "agency-2", TopicChanges, TopicDue)
	otherTopic := newTestClient(h, "agency-1", TopicDue)

	h.relay(TopicChanges, feedPayload("agency-1"))

	require.Len(t, matching.send, 1)
	assert.Empty(t, otherTenant.send)
	assert.Empty(t, otherTopic.send)

	var msg Message
	require.NoError(t, json.Unmarshal(<-matching.send, &msg))
	assert.Equal(t, "update", msg.Type)
	assert.Equal(t, TopicChanges, msg.Topic)
	assert.JSONEq(t, feedPayload("agency-1"), string(msg.Data))
}

func TestRelayDropsSlowConsumer(t *testing.T) {
	h := newTestHub()
	c := newTestClient(h, "agency-1", TopicChanges)
	c.send = make(chan []byte) // unbuffered, nothing reading

	h.relay(TopicChanges, feedPayload("agency-1"))

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.NotContains(t, h.clients, c)
}

// Subscription changes arrive on the read pump goroutine while relay
// and the inactivity sweep inspect the same client, so the three paths
// have to be safe to run at once.
func TestClientStateIsSafeUnderConcurrentAccess(t *testing.T) {
	h := newTestHub()
	c := newTestClient(h, "agency-1", TopicChanges)

	subscribe, err := json.Marshal(subscriptionRequest{Type: "subscribe", Topics: []string{TopicDue}})
	require.NoError(t, err)
	unsubscribe, err := json.Marshal(subscriptionRequest{Type: "unsubscribe", Topics: []string{TopicDue}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			c.handleMessage(subscribe)
			c.handleMessage(unsubscribe)
			c.touch()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.relay(TopicChanges, feedPayload("agency-1"))
			for len(c.send) > 0 {
				<-c.send
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.cleanupInactiveClients()
		}
	}()
	wg.Wait()

	assert.True(t, c.subscribed(TopicChanges))
}
