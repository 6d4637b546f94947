package service

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// serveEvents streams hub events for one topic ("generation:<id>" or
// "download:<model>") as server-sent events until the client disconnects.
func (svc *Service) serveEvents(c *gin.Context) {
	topic := c.Query("topic")
	if topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing topic"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ch, cancel := svc.hub.Subscribe(topic)
	defer cancel()

	// Initial comment doubles as a handshake for proxies.
	fmt.Fprint(c.Writer, ": connected\n\n")
	flusher.Flush()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case ev := <-ch:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
