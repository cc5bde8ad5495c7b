// Package webtransport implements the low-latency Subscribe transport: one
// reliable control stream per session carrying every streamed event except
// audio_chunk, and unreliable QUIC datagrams carrying audio_chunk frames.
package webtransport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	wt "github.com/quic-go/webtransport-go"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/core"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/protocol"
)

const writeTimeout = 5 * time.Second

// datagramHeaderSize is the fixed prefix on every outbound audio datagram:
// an 8-byte big-endian sequence number, reusing the same cursor the core
// already tracks for replay bookkeeping rather than inventing a new id.
const datagramHeaderSize = 8

// Dispatcher is the subset of core.Dispatcher the handler needs.
type Dispatcher interface {
	Get(ctx context.Context, channelID string) (*core.Broker, error)
}

// Handler serves WebTransport sessions for the Subscribe transport.
type Handler struct {
	dispatcher Dispatcher
	server     *wt.Server
	log        *slog.Logger
}

// NewHandler builds a WebTransport handler bound to addr and tlsConfig.
// Call ListenAndServe to start accepting sessions.
func NewHandler(dispatcher Dispatcher, addr string, tlsConfig *tls.Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{dispatcher: dispatcher, log: log}

	mux := http.NewServeMux()
	h.server = &wt.Server{
		H3:          http3.Server{Addr: addr, TLSConfig: tlsConfig, Handler: mux},
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	mux.HandleFunc("/v1/channels/{channel_id}/webtransport", h.handleUpgrade)
	return h
}

// ListenAndServe blocks serving sessions until ctx is canceled.
func (h *Handler) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = h.server.Close()
	}()
	err := h.server.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channel_id")
	participantID := r.URL.Query().Get("participant_id")
	if participantID == "" {
		http.Error(w, "participant_id is required", http.StatusBadRequest)
		return
	}

	broker, err := h.dispatcher.Get(r.Context(), channelID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	sess, err := h.server.Upgrade(w, r)
	if err != nil {
		h.log.Error("webtransport upgrade failed", "channel_id", channelID, "err", err)
		return
	}
	go h.serveSession(sess, broker, channelID, participantID)
}

func (h *Handler) serveSession(sess *wt.Session, broker *core.Broker, channelID, participantID string) {
	defer sess.CloseWithError(0, "")

	ctx := sess.Context()
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		h.log.Warn("webtransport control stream accept failed", "participant_id", participantID, "err", err)
		return
	}
	defer stream.Close()

	var health sendHealth
	deliver := func(ev protocol.Event) {
		if ev.Type == protocol.EventAudioChunk {
			sendAudioDatagram(sess, &health, ev, h.log, participantID)
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		data = append(data, '\n')
		_ = stream.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := stream.Write(data); err != nil {
			h.log.Debug("webtransport control write error", "participant_id", participantID, "err", err)
		}
	}

	handle, err := broker.Subscribe(participantID, deliver)
	if err != nil {
		data, _ := json.Marshal(protocol.Event{Type: protocol.EventError, Error: err.Error()})
		_, _ = stream.Write(append(data, '\n'))
		h.log.Warn("webtransport subscribe rejected", "participant_id", participantID, "channel_id", channelID, "err", err)
		return
	}
	h.log.Info("webtransport connected", "participant_id", participantID, "channel_id", channelID)
	defer func() {
		broker.Unsubscribe(handle)
		h.log.Info("webtransport disconnected", "participant_id", participantID, "channel_id", channelID)
	}()

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var in protocol.InboundFrame
		if err := json.Unmarshal(line, &in); err != nil {
			continue
		}
		switch in.Type {
		case protocol.InPing:
			broker.Pong(participantID, in.TimestampMs)
		case protocol.InHeartbeat:
			broker.Heartbeat(participantID)
		}
	}
}

// sendAudioDatagram encodes ev as sequence-prefixed raw bytes and sends it
// through sender, updating health the way the teacher's Room.Broadcast does
// for its own per-client circuit breaker.
func sendAudioDatagram(sender DatagramSender, health *sendHealth, ev protocol.Event, log *slog.Logger, participantID string) {
	if health.shouldSkip() {
		return
	}
	payload, err := core.DecodeAudio(ev.AudioData)
	if err != nil {
		return
	}
	datagram := make([]byte, datagramHeaderSize+len(payload))
	binary.BigEndian.PutUint64(datagram[:datagramHeaderSize], ev.Sequence)
	copy(datagram[datagramHeaderSize:], payload)

	if err := sender.SendDatagram(datagram); err != nil {
		if n := health.recordFailure(); n == circuitBreakerThreshold {
			log.Warn("webtransport datagram circuit breaker open", "participant_id", participantID)
		}
		return
	}
	if health.failures.Load() > 0 && health.recordSuccess() {
		log.Info("webtransport datagram circuit breaker closed", "participant_id", participantID)
	}
}
