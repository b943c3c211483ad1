package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sinas-platform/sinas/engine/logstream"
)

// LogRange serves GET /executions/:id/logs. Cursor pagination: pass
// the last entry id as `after` to continue. An expired or never
// written stream reads as empty.
func (a *API) LogRange(c *gin.Context) {
	execID, ok := pathID(c)
	if !ok {
		return
	}
	var limit int64
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	entries, err := a.logs.Range(c.Request.Context(), execID, c.Query("after"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "log read failed"})
		return
	}
	body := gin.H{"entries": entries, "count": len(entries)}
	// Tell clients how long the stream is retained; a negative value
	// means the key is gone or never expires.
	if ttl, err := a.logs.TTL(c.Request.Context(), execID); err == nil && ttl > 0 {
		body["retention_ms"] = ttl.Milliseconds()
	}
	c.JSON(http.StatusOK, body)
}

// LogTail serves GET /executions/:id/logs/tail as server-sent events.
// With `after` set the tail replays from that cursor; otherwise only
// new entries stream. The connection stays open until the client
// drops it.
func (a *API) LogTail(c *gin.Context) {
	execID, ok := pathID(c)
	if !ok {
		return
	}
	entries, err := a.logs.Tail(c.Request.Context(), execID, c.Query("after"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "log tail failed"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(_ io.Writer) bool {
		entry, open := <-entries
		if !open {
			return false
		}
		c.SSEvent("log", toSSEPayload(&entry))
		return true
	})
}

func toSSEPayload(entry *logstream.Entry) gin.H {
	return gin.H{
		"id":        entry.ID,
		"timestamp": entry.Timestamp,
		"level":     entry.Level,
		"message":   entry.Message,
		"data":      entry.Data,
	}
}
