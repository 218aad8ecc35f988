package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/babybirdprd/zombieclaw/internal/events"
	"github.com/babybirdprd/zombieclaw/internal/metrics"
)

// handleEvents streams notifications as Server-Sent Events. Each frame is
// one JSON notification; periodic status snapshots and keep-alive comment
// pulses keep idle connections warm. A slow or dead consumer only loses
// its own frames.
func (r *Router) handleEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeJSON(c, http.StatusInternalServerError, ErrorResponse{Error: "streaming_unsupported", Message: "response writer does not support streaming"})
		return
	}

	sub, cancel := r.events.Subscribe()
	defer cancel()

	metrics.IncStreamSubscribers()
	defer metrics.DecStreamSubscribers()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	// initial status frame so the client renders without waiting a tick
	r.writeStatusFrame(c, flusher)

	statusTick := time.NewTicker(r.statusIvl)
	defer statusTick.Stop()
	keepAlive := time.NewTicker(r.keepalive)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case n, open := <-sub:
			if !open {
				return
			}
			if !writeEventFrame(c, flusher, n) {
				return
			}
		case <-statusTick.C:
			if !r.writeStatusFrame(c, flusher) {
				return
			}
		case <-keepAlive.C:
			if _, err := c.Writer.WriteString(": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (r *Router) writeStatusFrame(c *gin.Context, flusher http.Flusher) bool {
	st := r.rt.Health()
	n := events.Notification{
		Kind:      events.KindStatus,
		Type:      "status",
		Timestamp: time.Now().UTC(),
		Payload:   statusPayload(st),
	}
	return writeEventFrame(c, flusher, n)
}

func writeEventFrame(c *gin.Context, flusher http.Flusher, n events.Notification) bool {
	b, err := json.Marshal(n)
	if err != nil {
		return true // skip the unmarshalable frame, keep the stream
	}
	if _, err := c.Writer.WriteString("data: " + string(b) + "\n\n"); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func statusPayload(st any) map[string]any {
	b, err := json.Marshal(st)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
