package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/protocol"
)

func testDescriptor(capacity int) ChannelDescriptor {
	return ChannelDescriptor{ID: "ch1", DisplayName: "Test Channel", Capacity: capacity, CreatedAt: time.Now()}
}

func newTestBroker(t *testing.T, capacity int, cfg BrokerConfig) (*Broker, *memSink) {
	t.Helper()
	sink := newMemSink()
	b := NewBroker(testDescriptor(capacity), cfg, nil, sink, nil, nil)
	t.Cleanup(b.Shutdown)
	return b, sink
}

// memSink is a tiny in-memory AuditSink for tests, mirroring the way the
// teacher's tests substitute a fake store instead of touching sqlite.
type memSink struct {
	mu      sync.Mutex
	records []AuditRecord
}

func newMemSink() *memSink { return &memSink{} }

func (s *memSink) Write(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memSink) Records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

// --- S1: capacity ----------------------------------------------------------

func TestJoin_Capacity(t *testing.T) {
	b, _ := newTestBroker(t, 2, BrokerConfig{})

	r1, err := b.Join("p1", "u1", "A", nil, "")
	if err != nil || r1.ParticipantCount != 1 {
		t.Fatalf("join p1: %v %+v", err, r1)
	}
	r2, err := b.Join("p2", "u2", "B", nil, "")
	if err != nil || r2.ParticipantCount != 2 {
		t.Fatalf("join p2: %v %+v", err, r2)
	}
	_, err = b.Join("p3", "u3", "C", nil, "")
	if KindOf(err) != KindChannelFull {
		t.Fatalf("join p3: want ChannelFull, got %v", err)
	}
}

// --- S2: single speaker ------------------------------------------------

func TestTxStart_Busy(t *testing.T) {
	b, _ := newTestBroker(t, 5, BrokerConfig{})
	mustJoin(t, b, "p1", "u1", "A")
	mustJoin(t, b, "p2", "u2", "B")

	res, err := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})
	if err != nil {
		t.Fatalf("txstart p1: %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("expected session id")
	}

	_, err = b.TxStart(TxStartParams{ParticipantID: "p2", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})
	e, ok := err.(*Error)
	if !ok || e.Kind != KindBusy {
		t.Fatalf("txstart p2: want Busy, got %v", err)
	}
	if e.Message != "A" {
		t.Fatalf("busy error should carry current transmitter's display name, got %q", e.Message)
	}
}

// --- S3: sequence with loss ----------------------------------------------

func TestTxChunk_SequenceWithGap(t *testing.T) {
	b, sink := newTestBroker(t, 5, BrokerConfig{})
	mustJoin(t, b, "p1", "u1", "A")
	start, err := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})
	if err != nil {
		t.Fatal(err)
	}
	sid := start.SessionID

	r1, err := b.TxChunk(sid, 1, make([]byte, 1000), 0)
	if err != nil || !r1.ChunkReceived || r1.NextExpectedSequence != 2 {
		t.Fatalf("chunk 1: %v %+v", err, r1)
	}
	r2, err := b.TxChunk(sid, 3, make([]byte, 1000), 0)
	if err != nil || !r2.ChunkReceived || r2.NextExpectedSequence != 2 {
		t.Fatalf("chunk 3 (held): %v %+v", err, r2)
	}
	r3, err := b.TxChunk(sid, 2, make([]byte, 1000), 0)
	if err != nil || !r3.ChunkReceived || r3.NextExpectedSequence != 4 {
		t.Fatalf("chunk 2: %v %+v", err, r3)
	}

	summary, err := b.TxEnd(sid, 500, nil)
	if err != nil {
		t.Fatalf("txend: %v", err)
	}
	if summary.ChunksReceived != 3 {
		t.Fatalf("chunks_received = %d, want 3", summary.ChunksReceived)
	}
	if summary.MissingChunks != 0 {
		t.Fatalf("missing_chunks = %d, want 0", summary.MissingChunks)
	}

	waitForRecords(t, sink, 1)
}

// --- S4: out of range chunk size ----------------------------------------

func TestTxChunk_TooLarge(t *testing.T) {
	b, _ := newTestBroker(t, 5, BrokerConfig{})
	mustJoin(t, b, "p1", "u1", "A")
	start, _ := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})

	_, err := b.TxChunk(start.SessionID, 1, make([]byte, 65537), 0)
	if KindOf(err) != KindTooLarge {
		t.Fatalf("want TooLarge, got %v", err)
	}

	status := b.Status("")
	if status.ActiveTransmission.NextExpectedSeq != 1 {
		t.Fatalf("next expected should be unchanged, got %d", status.ActiveTransmission.NextExpectedSeq)
	}
}

// R2: boundary at exactly MAX_CHUNK_SIZE.
func TestTxChunk_MaxSizeBoundary(t *testing.T) {
	b, _ := newTestBroker(t, 5, BrokerConfig{})
	mustJoin(t, b, "p1", "u1", "A")
	start, _ := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})

	r, err := b.TxChunk(start.SessionID, 1, make([]byte, DefaultMaxChunkSize), 0)
	if err != nil || !r.ChunkReceived {
		t.Fatalf("exact max size should be accepted: %v %+v", err, r)
	}
	_, err = b.TxChunk(start.SessionID, 2, make([]byte, DefaultMaxChunkSize+1), 0)
	if KindOf(err) != KindTooLarge {
		t.Fatalf("max+1 should be rejected TooLarge, got %v", err)
	}
}

// --- R1: start/end with no chunks ----------------------------------------

func TestTxEnd_NoChunks(t *testing.T) {
	b, sink := newTestBroker(t, 5, BrokerConfig{})
	mustJoin(t, b, "p1", "u1", "A")
	start, _ := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})

	summary, err := b.TxEnd(start.SessionID, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ChunksReceived != 0 || summary.TotalBytes != 0 {
		t.Fatalf("expected zero chunks/bytes, got %+v", summary)
	}
	waitForRecords(t, sink, 1)
}

// --- Duplicate idempotency (P4) -----------------------------------------

func TestTxChunk_DuplicateIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t, 5, BrokerConfig{})
	mustJoin(t, b, "p1", "u1", "A")
	start, _ := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})
	sid := start.SessionID

	r1, _ := b.TxChunk(sid, 1, make([]byte, 10), 0)
	r2, err := b.TxChunk(sid, 1, make([]byte, 10), 0)
	if err != nil || !r2.ChunkReceived {
		t.Fatalf("duplicate should report received: %v %+v", err, r2)
	}
	if r2.NextExpectedSequence < r1.NextExpectedSequence {
		t.Fatalf("next expected must not move backward on duplicate")
	}

	summary, _ := b.TxEnd(sid, 0, nil)
	if summary.TotalBytes != 10 {
		t.Fatalf("duplicate must not double-count bytes, got %d", summary.TotalBytes)
	}
}

// --- R3: MAX_LAG boundary -------------------------------------------------

func TestTxChunk_TooOldBoundary(t *testing.T) {
	b, _ := newTestBroker(t, 5, BrokerConfig{})
	mustJoin(t, b, "p1", "u1", "A")
	start, _ := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})
	sid := start.SessionID

	// Fill a contiguous run so `expected` advances well past DefaultMaxLag.
	var last uint64
	for seq := uint64(1); seq <= DefaultMaxLag+6; seq++ {
		if _, err := b.TxChunk(sid, seq, make([]byte, 10), 0); err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
		last = seq
	}
	status := b.Status("")
	expected := status.ActiveTransmission.NextExpectedSeq
	if expected != last+1 {
		t.Fatalf("expected cursor = %d, want %d", expected, last+1)
	}

	tooOldSeq := expected - DefaultMaxLag - 1
	if _, err := b.TxChunk(sid, tooOldSeq, make([]byte, 10), 0); KindOf(err) != KindTooOld {
		t.Fatalf("seq %d should be TooOld relative to expected %d, got %v", tooOldSeq, expected, err)
	}

	boundarySeq := expected - DefaultMaxLag
	if _, err := b.TxChunk(sid, boundarySeq, make([]byte, 10), 0); err != nil {
		t.Fatalf("seq %d should be accepted as duplicate-or-stored, got %v", boundarySeq, err)
	}
}

// --- Leave forces a transmission to end -----------------------------------

func TestLeave_ForcesTransmissionEnd(t *testing.T) {
	b, sink := newTestBroker(t, 5, BrokerConfig{})
	mustJoin(t, b, "p1", "u1", "A")
	if _, err := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"}); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Leave("p1"); err != nil {
		t.Fatal(err)
	}

	status := b.Status("")
	if status.ActiveTransmission != nil {
		t.Fatal("transmission should have been force-ended")
	}
	waitForRecords(t, sink, 1)
}

// --- Idle and duration force-end (S5 family) ------------------------------

func TestForceEnd_IdleTimeout(t *testing.T) {
	b, sink := newTestBroker(t, 5, BrokerConfig{
		IdleTimeout:   30 * time.Millisecond,
		MaxDuration:   time.Hour,
		SweepInterval: 5 * time.Millisecond,
	})
	mustJoin(t, b, "p1", "u1", "A")
	if _, err := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Status("").ActiveTransmission == nil {
			waitForRecords(t, sink, 1)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("transmission was not force-ended by idle timeout")
}

func TestForceEnd_MaxDuration(t *testing.T) {
	b, sink := newTestBroker(t, 5, BrokerConfig{
		MaxDuration:   30 * time.Millisecond,
		IdleTimeout:   time.Hour,
		SweepInterval: 5 * time.Millisecond,
	})
	mustJoin(t, b, "p1", "u1", "A")
	if _, err := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Status("").ActiveTransmission == nil {
			waitForRecords(t, sink, 1)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("transmission was not force-ended by max duration")
}

func TestSweep_PresenceTimeoutForceEndsActiveTransmission(t *testing.T) {
	b, sink := newTestBroker(t, 5, BrokerConfig{
		PresenceTimeout: 30 * time.Millisecond,
		IdleTimeout:     time.Hour,
		MaxDuration:     time.Hour,
		SweepInterval:   5 * time.Millisecond,
	})
	mustJoin(t, b, "p1", "u1", "A")
	if _, err := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status := b.Status("")
		if status.ActiveTransmission == nil && status.ConnectedParticipants == 0 {
			waitForRecords(t, sink, 1)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the active transmitter's presence timeout to force-end the transmission and remove the participant")
}

func TestTxChunk_RefreshesPresenceSoActiveTransmitterIsNotSwept(t *testing.T) {
	b, _ := newTestBroker(t, 5, BrokerConfig{
		PresenceTimeout: 40 * time.Millisecond,
		IdleTimeout:     time.Hour,
		MaxDuration:     time.Hour,
		SweepInterval:   5 * time.Millisecond,
	})
	mustJoin(t, b, "p1", "u1", "A")
	start, err := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})
	if err != nil {
		t.Fatal(err)
	}

	// Keep sending chunks well inside PresenceTimeout for longer than the
	// timeout itself; touch-on-every-verb must keep the participant (and its
	// transmission) alive even though no heartbeat/ping is ever sent.
	seq := uint64(1)
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := b.TxChunk(start.SessionID, seq, []byte("frame"), time.Now().UnixMilli()); err != nil {
			t.Fatalf("TxChunk: %v", err)
		}
		seq++
		time.Sleep(10 * time.Millisecond)
	}

	status := b.Status("")
	if status.ActiveTransmission == nil || status.ConnectedParticipants != 1 {
		t.Fatalf("expected the transmitter to remain present while actively sending chunks, got %#v", status)
	}
}

// --- S6: late joiner replay ------------------------------------------------

func TestSubscribe_LateJoinerReplay(t *testing.T) {
	b, _ := newTestBroker(t, 5, BrokerConfig{})
	mustJoin(t, b, "p1", "u1", "A")
	mustJoin(t, b, "p2", "u2", "B")
	start, _ := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})
	sid := start.SessionID

	if _, err := b.TxChunk(sid, 1, make([]byte, 10), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b.TxChunk(sid, 2, make([]byte, 10), 0); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var received []protocol.Event
	handle, err := b.Subscribe("p2", func(ev protocol.Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { b.Unsubscribe(handle) })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		var first protocol.Event
		if n > 0 {
			first = received[0]
		}
		mu.Unlock()
		if n >= 1 {
			if first.Type != protocol.EventChannelState || first.Transmission == nil {
				t.Fatalf("first event should be channel_state with the active transmission, got %+v", first)
			}
			if len(first.ReplayChunks) != 2 || first.ReplayChunks[0].Sequence != 1 || first.ReplayChunks[1].Sequence != 2 {
				t.Fatalf("channel_state should replay chunks 1 and 2 in order, got %+v", first.ReplayChunks)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected channel_state snapshot to be delivered to late joiner")
}

func TestStatus_ReportsSubscriberDroppedAudio(t *testing.T) {
	b, _ := newTestBroker(t, 5, BrokerConfig{SubscriberQueueDepth: 1})
	mustJoin(t, b, "p1", "u1", "A")
	mustJoin(t, b, "p2", "u2", "B")
	start, err := b.TxStart(TxStartParams{ParticipantID: "p1", Format: "opus", SampleRate: 48000, Bitrate: 32000, NetworkQuality: "good"})
	if err != nil {
		t.Fatal(err)
	}

	blocked := make(chan struct{})
	handle, err := b.Subscribe("p2", func(ev protocol.Event) {
		<-blocked // stall the pump so every subsequent audio_chunk queues up and drops
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() {
		close(blocked)
		b.Unsubscribe(handle)
	})

	for i := uint64(1); i <= 10; i++ {
		if _, err := b.TxChunk(start.SessionID, i, make([]byte, 10), 0); err != nil {
			t.Fatal(err)
		}
	}

	if status := b.Status("p2"); status.DroppedAudio == 0 {
		t.Fatal("expected Status(\"p2\") to surface p2's own dropped audio_chunk count")
	}
	if status := b.Status(""); status.DroppedAudio != 0 {
		t.Fatalf("expected an empty participantID to report no dropped-audio count, got %d", status.DroppedAudio)
	}
}

// --- helpers ---------------------------------------------------------------

func mustJoin(t *testing.T, b *Broker, pid, uid, name string) {
	t.Helper()
	if _, err := b.Join(pid, uid, name, nil, ""); err != nil {
		t.Fatalf("join %s: %v", pid, err)
	}
}

func waitForRecords(t *testing.T, sink *memSink, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.Records()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected >= %d audit records, got %d", n, len(sink.Records()))
}
