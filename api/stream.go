package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"ledger-todo/domain"
)

const (
	keepAliveInterval = 30 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamView pushes every snapshot of the caller's session as an SSE event.
func (h *handler) streamView(c echo.Context) error {
	account, err := h.auth.AccountFromAuthHeader(authHeader(c))
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	snaps, cancel := h.engine.Subscribe()
	defer cancel()
	ctx := c.Request().Context()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case snap := <-snaps:
			data, err := sonic.Marshal(visible(account, snap))
			if err != nil {
				h.logger.WithError(err).Error("encode snapshot")
				return nil
			}
			if _, err := c.Response().Write([]byte("data: ")); err != nil {
				return nil
			}
			if _, err := c.Response().Write(data); err != nil {
				return nil
			}
			if _, err := c.Response().Write([]byte("\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := c.Response().Write([]byte(":keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

// wsView pushes snapshots over a websocket until the client goes away.
func (h *handler) wsView(c echo.Context) error {
	account, err := h.auth.AccountFromAuthHeader(authHeader(c))
	if err != nil {
		return c.String(http.StatusUnauthorized, err.Error())
	}
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return nil
	}
	defer conn.Close()

	// The client only sends control frames; reading detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snaps, cancel := h.engine.Subscribe()
	defer cancel()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case snap := <-snaps:
			data, err := sonic.Marshal(visible(account, snap))
			if err != nil {
				h.logger.WithError(err).Error("encode snapshot")
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return nil
			}
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// visible hides another account's session from the caller.
func visible(account string, snap domain.Snapshot) domain.Snapshot {
	if snap.Account != account {
		return domain.Snapshot{Tasks: []domain.Task{}}
	}
	if snap.Tasks == nil {
		snap.Tasks = []domain.Task{}
	}
	return snap
}
