// Package ws implements the reliable-stream transport: one websocket
// connection per participant carrying the streaming Event fan-out and the
// inbound ping/heartbeat frames (spec.md §6). The request/response verbs
// are served over REST by internal/httpapi, not over this connection.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/core"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/protocol"
)

const writeTimeout = 5 * time.Second

// Dispatcher is the subset of core.Dispatcher the handler needs, narrowed
// to an interface so this package doesn't import internal/core's broker
// construction details directly.
type Dispatcher interface {
	Get(ctx context.Context, channelID string) (*core.Broker, error)
}

// Handler owns websocket transport for one PTT deployment.
type Handler struct {
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewHandler creates a websocket handler bound to dispatcher.
func NewHandler(dispatcher Dispatcher, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		log:        log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/v1/channels/:channel_id/stream", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	channelID := c.Param("channel_id")
	participantID := c.QueryParam("participant_id")
	if participantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "participant_id is required")
	}

	broker, err := h.dispatcher.Get(c.Request().Context(), channelID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, broker, channelID, participantID, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, broker *core.Broker, channelID, participantID, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	var writeMu chanMutex = make(chan struct{}, 1)
	writeMu <- struct{}{}
	deliver := func(ev protocol.Event) {
		<-writeMu
		defer func() { writeMu <- struct{}{} }()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			h.log.Debug("ws write error", "participant_id", participantID, "err", err)
		}
	}

	handle, err := broker.Subscribe(participantID, deliver)
	if err != nil {
		h.log.Warn("ws subscribe rejected", "participant_id", participantID, "channel_id", channelID, "err", err)
		_ = conn.WriteJSON(protocol.Event{Type: protocol.EventError, Error: err.Error()})
		return
	}
	h.log.Info("ws connected", "participant_id", participantID, "channel_id", channelID, "remote", remoteAddr)
	defer func() {
		broker.Unsubscribe(handle)
		h.log.Info("ws disconnected", "participant_id", participantID, "channel_id", channelID)
	}()

	for {
		var in protocol.InboundFrame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("ws unexpected close", "participant_id", participantID, "err", err)
			}
			return
		}
		switch in.Type {
		case protocol.InPing:
			broker.Pong(participantID, in.TimestampMs)
		case protocol.InHeartbeat:
			broker.Heartbeat(participantID)
		default:
			h.log.Warn("ws unknown inbound frame", "participant_id", participantID, "type", in.Type)
		}
	}
}

// chanMutex is a buffered-channel mutex, used here so deliver (invoked from
// the subscriber handle's own pump goroutine) can never interleave two
// concurrent WriteJSON calls on the same connection.
type chanMutex chan struct{}
