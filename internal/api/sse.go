package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/events/bus"
	"github.com/sandboxd/sandboxd/internal/mission"
)

// keepAliveInterval is how often an SSE comment is emitted to keep proxies
// from cutting the stream.
const keepAliveInterval = 15 * time.Second

// streamSSE relays the event bus over Server-Sent Events. The first frame
// is a status snapshot; thereafter every bus event is relayed verbatim with
// the event name set to its type tag. Subscriber lag is reported by the bus
// as a synthetic error event on this subscriber only.
func (h *Handlers) streamSSE(c *gin.Context) {
	sub, err := h.bus.Subscribe(bus.DefaultBufferSize)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer sub.Unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	// Initial frame: where the actor currently stands.
	state, queueLen := h.controller.Snapshot()
	if err := writeSSEEvent(c.Writer, mission.NewStatusEvent("", state, queueLen)); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSEEvent(c.Writer, ev); err != nil {
				h.logger.Debug("SSE write failed, closing stream", zap.Error(err))
				return
			}
			flusher.Flush()

		case <-keepAlive.C:
			if _, err := fmt.Fprint(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent emits one event frame: name from the type tag, data as the
// JSON-encoded event.
func writeSSEEvent(w http.ResponseWriter, ev *mission.AgentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
