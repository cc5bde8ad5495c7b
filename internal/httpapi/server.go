// Package httpapi exposes the broker's request/response verbs
// (Join/Leave/TxStart/TxChunk/TxEnd/Status) as an Echo REST application, and
// mounts the streaming Subscribe transport and metrics scrape endpoint.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/core"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/metrics"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/protocol"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/ws"
)

// Server is the Echo application fronting one Dispatcher.
type Server struct {
	echo       *echo.Echo
	dispatcher *core.Dispatcher
	log        *slog.Logger
}

// New constructs an Echo app with the verb routes plus the WebSocket
// Subscribe and Prometheus scrape routes mounted.
func New(dispatcher *core.Dispatcher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))

	s := &Server{echo: e, dispatcher: dispatcher, log: log}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/health" || path == "/metrics" {
				log.Debug("http request", "method", req.Method, "path", path,
					"status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				log.Info("http request", "method", req.Method, "path", path,
					"status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.POST("/v1/channels/:channel_id/join", s.handleJoin)
	s.echo.POST("/v1/channels/:channel_id/leave", s.handleLeave)
	s.echo.POST("/v1/channels/:channel_id/transmissions", s.handleTxStart)
	s.echo.POST("/v1/channels/:channel_id/transmissions/:session_id/chunks", s.handleTxChunk)
	s.echo.POST("/v1/channels/:channel_id/transmissions/:session_id/end", s.handleTxEnd)
	s.echo.GET("/v1/channels/:channel_id/status", s.handleStatus)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	ws.NewHandler(s.dispatcher, s.log).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		s.log.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) broker(c echo.Context) (*core.Broker, error) {
	return s.dispatcher.Get(c.Request().Context(), c.Param("channel_id"))
}

func (s *Server) handleJoin(c echo.Context) error {
	broker, err := s.broker(c)
	if err != nil {
		return c.JSON(http.StatusNotFound, protocol.JoinResponse{Error: err.Error()})
	}

	var req protocol.JoinRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.JoinResponse{Error: "malformed request body"})
	}

	res, err := broker.Join(req.ParticipantID, req.UserID, req.Username, req.Location, req.DeviceInfo)
	if err != nil {
		return c.JSON(statusForError(err), protocol.JoinResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, protocol.JoinResponse{
		Success:           true,
		ParticipantCount:  res.ParticipantCount,
		TransmitterUserID: res.CurrentTransmitter,
	})
}

func (s *Server) handleLeave(c echo.Context) error {
	broker, err := s.broker(c)
	if err != nil {
		return c.JSON(http.StatusNotFound, protocol.LeaveResponse{Error: err.Error()})
	}

	var req protocol.LeaveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.LeaveResponse{Error: "malformed request body"})
	}

	res, err := broker.Leave(req.ParticipantID)
	if err != nil {
		return c.JSON(statusForError(err), protocol.LeaveResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, protocol.LeaveResponse{Success: true, ParticipantCount: res.ParticipantCount})
}

func (s *Server) handleTxStart(c echo.Context) error {
	broker, err := s.broker(c)
	if err != nil {
		return c.JSON(http.StatusNotFound, protocol.TxStartResponse{Error: err.Error()})
	}

	var req protocol.TxStartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.TxStartResponse{Error: "malformed request body"})
	}

	res, err := broker.TxStart(core.TxStartParams{
		ParticipantID:  req.ParticipantID,
		Format:         req.AudioFormat,
		SampleRate:     req.SampleRate,
		Bitrate:        req.Bitrate,
		NetworkQuality: req.NetworkQuality,
		Location:       req.Location,
		IsEmergency:    req.IsEmergency,
	})
	if err != nil {
		resp := protocol.TxStartResponse{Error: err.Error()}
		if ce, ok := err.(*core.Error); ok && ce.Kind == core.KindBusy {
			resp.CurrentTransmitter = ce.Message
		}
		return c.JSON(statusForError(err), resp)
	}
	return c.JSON(http.StatusOK, protocol.TxStartResponse{
		Success:             true,
		SessionID:           res.SessionID,
		MaxDurationMs:       res.MaxDurationMs,
		ChunkSizeLimitBytes: res.MaxChunkSizeBytes,
	})
}

func (s *Server) handleTxChunk(c echo.Context) error {
	broker, err := s.broker(c)
	if err != nil {
		return c.JSON(http.StatusNotFound, protocol.TxChunkResponse{Error: err.Error()})
	}

	var req protocol.TxChunkRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.TxChunkResponse{Error: "malformed request body"})
	}
	req.SessionID = c.Param("session_id")

	payload, err := core.DecodeAudio(req.AudioData)
	if err != nil {
		return c.JSON(http.StatusBadRequest, protocol.TxChunkResponse{Error: "audio_data is not valid base64"})
	}

	res, err := broker.TxChunk(req.SessionID, req.ChunkSequence, payload, req.TimestampMs)
	if err != nil {
		return c.JSON(statusForError(err), protocol.TxChunkResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, protocol.TxChunkResponse{
		Success:              true,
		ChunkReceived:        res.ChunkReceived,
		NextExpectedSequence: res.NextExpectedSequence,
	})
}

func (s *Server) handleTxEnd(c echo.Context) error {
	broker, err := s.broker(c)
	if err != nil {
		return c.JSON(http.StatusNotFound, protocol.TxEndResponse{Error: err.Error()})
	}

	var req protocol.TxEndRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.TxEndResponse{Error: "malformed request body"})
	}
	req.SessionID = c.Param("session_id")

	summary, err := broker.TxEnd(req.SessionID, req.TotalDurationMs, req.FinalLocation)
	if err != nil {
		return c.JSON(statusForError(err), protocol.TxEndResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, protocol.TxEndResponse{Success: true, SessionSummary: summary})
}

func (s *Server) handleStatus(c echo.Context) error {
	broker, err := s.broker(c)
	if err != nil {
		return c.JSON(http.StatusNotFound, protocol.StatusResponse{})
	}

	res := broker.Status(c.QueryParam("participant_id"))
	return c.JSON(http.StatusOK, protocol.StatusResponse{
		Success:               true,
		ActiveTransmission:    res.ActiveTransmission,
		ConnectedParticipants: res.ConnectedParticipants,
		DroppedAudio:          res.DroppedAudio,
		TimestampMs:           time.Now().UnixMilli(),
	})
}

// statusForError maps a broker error kind to the HTTP status code spec.md §7
// assigns it.
func statusForError(err error) int {
	switch core.KindOf(err) {
	case core.KindChannelFull:
		return http.StatusServiceUnavailable
	case core.KindPermissionDenied:
		return http.StatusForbidden
	case core.KindNotPresent:
		return http.StatusNotFound
	case core.KindBusy:
		return http.StatusConflict
	case core.KindNoSession:
		return http.StatusNotFound
	case core.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case core.KindTooOld:
		return http.StatusConflict
	case core.KindInvalid:
		return http.StatusBadRequest
	case core.KindNoSuchChannel:
		return http.StatusNotFound
	case core.KindServerShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
