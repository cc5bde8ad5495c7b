package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_CountersIncrement(t *testing.T) {
	r := NewRecorder()

	before := testutil.ToFloat64(transmissionsStarted)
	r.TransmissionStarted()
	if after := testutil.ToFloat64(transmissionsStarted); after != before+1 {
		t.Fatalf("transmissionsStarted: before=%v after=%v", before, after)
	}

	r.ChunkAccepted()
	r.ChunkDuplicate()
	r.ChunkRejected("too_large")
	r.SubscriberDroppedAudio()
	r.AuditDropped()

	if v := testutil.ToFloat64(chunksRejected.WithLabelValues("too_large")); v == 0 {
		t.Fatal("expected chunksRejected{reason=too_large} to be incremented")
	}
}

func TestRecorder_GaugesSet(t *testing.T) {
	r := NewRecorder()

	r.SetActiveTransmissions(3)
	if v := testutil.ToFloat64(activeTransmissions); v != 3 {
		t.Fatalf("activeTransmissions = %v, want 3", v)
	}

	r.SetConnectedParticipants("ch1", 7)
	if v := testutil.ToFloat64(connectedParticipants.WithLabelValues("ch1")); v != 7 {
		t.Fatalf("connectedParticipants{ch1} = %v, want 7", v)
	}
}

func TestHandler_NotNil(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler() should return a non-nil http.Handler")
	}
}
