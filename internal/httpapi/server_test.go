package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/core"
	"github.com/highcanfly-club/parawave-ptt-sub000/internal/protocol"
)

type staticSource struct {
	descriptors map[string]core.ChannelDescriptor
}

func (s *staticSource) Describe(_ context.Context, channelID string) (core.ChannelDescriptor, error) {
	d, ok := s.descriptors[channelID]
	if !ok {
		return core.ChannelDescriptor{}, errNoSuchChannel(channelID)
	}
	return d, nil
}

type chanNotFoundError struct{ channelID string }

func (e chanNotFoundError) Error() string { return "channel " + e.channelID + " not registered" }

func errNoSuchChannel(channelID string) error { return chanNotFoundError{channelID} }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	source := &staticSource{descriptors: map[string]core.ChannelDescriptor{
		"ch1": {ID: "ch1", DisplayName: "Ridge Launch", Capacity: 10},
	}}
	dispatcher := core.NewDispatcher(source, core.BrokerConfig{}, nil, nil, nil, nil)
	t.Cleanup(dispatcher.Shutdown)

	srv := New(dispatcher, nil)
	ts := httptest.NewServer(srv.Echo())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	_, base := newTestServer(t)

	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected health payload: %#v", health)
	}
}

func TestJoin_Success(t *testing.T) {
	_, base := newTestServer(t)

	resp := postJSON(t, base+"/v1/channels/ch1/join", protocol.JoinRequest{
		ParticipantID: "p1", UserID: "u1", Username: "alice",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body protocol.JoinResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.ParticipantCount != 1 {
		t.Fatalf("unexpected join response: %#v", body)
	}
}

func TestJoin_UnknownChannelReturns404(t *testing.T) {
	_, base := newTestServer(t)

	resp := postJSON(t, base+"/v1/channels/ghost/join", protocol.JoinRequest{
		ParticipantID: "p1", UserID: "u1", Username: "alice",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestTxStart_SecondTransmitterGets409WithCurrentTransmitter(t *testing.T) {
	_, base := newTestServer(t)

	postJSON(t, base+"/v1/channels/ch1/join", protocol.JoinRequest{ParticipantID: "p1", UserID: "u1", Username: "alice"}).Body.Close()
	postJSON(t, base+"/v1/channels/ch1/join", protocol.JoinRequest{ParticipantID: "p2", UserID: "u2", Username: "bob"}).Body.Close()

	first := postJSON(t, base+"/v1/channels/ch1/transmissions", protocol.TxStartRequest{
		ParticipantID: "p1", UserID: "u1", Username: "alice", AudioFormat: "opus", SampleRate: 48000, Bitrate: 32000,
	})
	defer first.Body.Close()
	var firstBody protocol.TxStartResponse
	if err := json.NewDecoder(first.Body).Decode(&firstBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !firstBody.Success || firstBody.SessionID == "" {
		t.Fatalf("expected first TxStart to succeed: %#v", firstBody)
	}

	second := postJSON(t, base+"/v1/channels/ch1/transmissions", protocol.TxStartRequest{
		ParticipantID: "p2", UserID: "u2", Username: "bob", AudioFormat: "opus", SampleRate: 48000, Bitrate: 32000,
	})
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", second.StatusCode)
	}
	var secondBody protocol.TxStartResponse
	if err := json.NewDecoder(second.Body).Decode(&secondBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if secondBody.CurrentTransmitter != "alice" {
		t.Fatalf("expected current_transmitter=alice, got %#v", secondBody)
	}
}

func TestTxChunkThenEnd_RoundTrip(t *testing.T) {
	_, base := newTestServer(t)

	postJSON(t, base+"/v1/channels/ch1/join", protocol.JoinRequest{ParticipantID: "p1", UserID: "u1", Username: "alice"}).Body.Close()

	startResp := postJSON(t, base+"/v1/channels/ch1/transmissions", protocol.TxStartRequest{
		ParticipantID: "p1", UserID: "u1", Username: "alice", AudioFormat: "opus", SampleRate: 48000, Bitrate: 32000,
	})
	var start protocol.TxStartResponse
	if err := json.NewDecoder(startResp.Body).Decode(&start); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	startResp.Body.Close()

	chunkResp := postJSON(t, base+"/v1/channels/ch1/transmissions/"+start.SessionID+"/chunks", protocol.TxChunkRequest{
		ChunkSequence: 1, AudioData: "b3B1cy1mcmFtZQ==", TimestampMs: 1000, ChunkSizeBytes: 10,
	})
	var chunk protocol.TxChunkResponse
	if err := json.NewDecoder(chunkResp.Body).Decode(&chunk); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	chunkResp.Body.Close()
	if !chunk.Success || !chunk.ChunkReceived || chunk.NextExpectedSequence != 2 {
		t.Fatalf("unexpected chunk response: %#v", chunk)
	}

	endResp := postJSON(t, base+"/v1/channels/ch1/transmissions/"+start.SessionID+"/end", protocol.TxEndRequest{
		TotalDurationMs: 500,
	})
	var end protocol.TxEndResponse
	if err := json.NewDecoder(endResp.Body).Decode(&end); err != nil {
		t.Fatalf("decode end: %v", err)
	}
	endResp.Body.Close()
	if !end.Success || end.SessionSummary.ChunksReceived != 1 {
		t.Fatalf("unexpected end response: %#v", end)
	}
}

func TestStatus_ReflectsActiveTransmission(t *testing.T) {
	_, base := newTestServer(t)

	postJSON(t, base+"/v1/channels/ch1/join", protocol.JoinRequest{ParticipantID: "p1", UserID: "u1", Username: "alice"}).Body.Close()
	postJSON(t, base+"/v1/channels/ch1/transmissions", protocol.TxStartRequest{
		ParticipantID: "p1", UserID: "u1", Username: "alice", AudioFormat: "opus", SampleRate: 48000, Bitrate: 32000,
	}).Body.Close()

	resp, err := http.Get(base + "/v1/channels/ch1/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	var status protocol.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Success || status.ActiveTransmission == nil || status.ConnectedParticipants != 1 {
		t.Fatalf("unexpected status: %#v", status)
	}
}

func TestMetricsEndpoint_Exposed(t *testing.T) {
	_, base := newTestServer(t)

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
}
