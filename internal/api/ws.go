package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/consensuslab/delphi-engine/internal/models"
)

const pingInterval = 30 * time.Second

// streamRound upgrades the connection and relays live snapshots for one
// round. The subscription channel holds only the latest snapshot, so a
// client that reads slowly receives current state rather than a backlog.
func (h *handlers) streamRound(c *gin.Context) {
	roundID := c.Param("id")
	if _, err := h.service.GetRound(c.Request.Context(), roundID); err != nil {
		if models.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.writeError(c, err)
		return
	}

	broadcaster := h.service.Broadcaster()
	if broadcaster == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "live streaming not enabled"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	snapshots, cancel := broadcaster.Subscribe(roundID)
	defer cancel()

	// Reader goroutine only watches for the client closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case snapshot := <-snapshots:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(snapshot); err != nil {
				return
			}
			if snapshot.Decision != nil {
				// Round is closed; nothing further will be published.
				conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "round closed"))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
