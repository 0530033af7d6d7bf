package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/postpilot/postpilot-backend/internal/calendar"
	"github.com/postpilot/postpilot-backend/internal/store"
)

// SSEHandler is the server-sent-events alternative to the websocket
// feed, for clients behind proxies that break upgrades.
type SSEHandler struct {
	cache          *store.Cache
	allowedOrigins []string
	logger         *zap.SugaredLogger
}

func NewSSEHandler(cache *store.Cache, allowedOrigins []string, logger *zap.SugaredLogger) *SSEHandler {
	return &SSEHandler{
		cache:          cache,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		tenantID = r.URL.Query().Get("tenant")
	}
	if tenantID == "" {
		http.Error(w, "missing tenant", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if origin := r.Header.Get("Origin"); origin != "" {
		for _, allowed := range h.allowedOrigins {
			if origin == allowed {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				break
			}
		}
	}
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	channels := h.channelsFor(parseTopics(r))
	h.logger.Debugw("SSE connection established", "tenant", tenantID, "channels", channels)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := h.cache.Subscribe(ctx, channels...)
	h.stream(ctx, w, tenantID, ch)
}

func parseTopics(r *http.Request) []string {
	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		return nil
	}
	return strings.Split(topicsParam, ",")
}

func (h *SSEHandler) channelsFor(topics []string) []string {
	if len(topics) == 0 {
		return []string{calendar.ChangeFeedChannel, calendar.DueFeedChannel}
	}
	var channels []string
	for _, topic := range topics {
		switch topic {
		case TopicChanges:
			channels = append(channels, calendar.ChangeFeedChannel)
		case TopicDue:
			channels = append(channels, calendar.DueFeedChannel)
		}
	}
	if len(channels) == 0 {
		channels = []string{calendar.ChangeFeedChannel}
	}
	return channels
}

func (h *SSEHandler) stream(ctx context.Context, w http.ResponseWriter, tenantID string, ch <-chan string) {
	h.sendEvent(w, "connected", "calendar feed", nil)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected", "tenant", tenantID)
			return

		case <-heartbeat.C:
			h.sendEvent(w, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case payload, ok := <-ch:
			if !ok {
				return
			}

			var env tenantEnvelope
			if err := json.Unmarshal([]byte(payload), &env); err != nil {
				h.logger.Warnw("Malformed feed payload", "error", err)
				continue
			}
			if env.Event.TenantID != tenantID {
				continue
			}

			var data interface{}
			if err := json.Unmarshal([]byte(payload), &data); err != nil {
				continue
			}
			h.sendEvent(w, "calendar_update", tenantID, data)
		}
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType, id string, data interface{}) {
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "id: %s\n", id)
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			h.logger.Errorw("Failed to marshal SSE data", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", dataBytes)
	} else {
		fmt.Fprintf(w, "data: {}\n\n")
	}

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
