package core

import (
	"time"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/protocol"
)

// transmission is the live Transmission entity (spec.md §3). At most one
// exists per broker at any instant (I1).
type transmission struct {
	SessionID      string
	ParticipantID  string
	UserID         string
	Username       string
	AudioFormat    string
	SampleRate     int
	Bitrate        int
	NetworkQuality string
	Location       *protocol.Location
	IsEmergency    bool
	StartedAt      time.Time

	expected       uint64 // next-expected sequence number
	buffer         *chunkBuffer
	totalBytes     int64
	chunksAccepted int
	chunksDup      int
	chunksRejected int
	peakSubs       int

	maxDuration time.Duration
	idleTimeout time.Duration
	maxLag      uint64
	lookAhead   uint64

	lastChunkAt time.Time
}

func newTransmission(sessionID, participantID, userID, username, format string, sampleRate, bitrate int, quality string, loc *protocol.Location, emergency bool, now time.Time, cfg BrokerConfig) *transmission {
	return &transmission{
		SessionID:      sessionID,
		ParticipantID:  participantID,
		UserID:         userID,
		Username:       username,
		AudioFormat:    format,
		SampleRate:     sampleRate,
		Bitrate:        bitrate,
		NetworkQuality: quality,
		Location:       loc,
		IsEmergency:    emergency,
		StartedAt:      now,
		expected:       1,
		buffer:         newChunkBuffer(cfg.ReplayWindow, cfg.ChunkBufferMemCap),
		maxDuration:    cfg.MaxDuration,
		idleTimeout:    cfg.IdleTimeout,
		maxLag:         cfg.MaxLag,
		lookAhead:      cfg.LookAhead,
		lastChunkAt:    now,
	}
}

func (t *transmission) toInfo() *protocol.TransmissionInfo {
	return &protocol.TransmissionInfo{
		SessionID:       t.SessionID,
		UserID:          t.UserID,
		Username:        t.Username,
		AudioFormat:     t.AudioFormat,
		StartedAtMs:     t.StartedAt.UnixMilli(),
		IsEmergency:     t.IsEmergency,
		NetworkQuality:  t.NetworkQuality,
		Location:        t.Location,
		NextExpectedSeq: t.expected,
	}
}

// chunkOutcome describes what happened to an accepted/rejected TxChunk.
type chunkOutcome int

const (
	chunkAccepted chunkOutcome = iota
	chunkDuplicate
	chunkRejectedOld
	chunkRejectedTooLarge
)

// acceptChunk applies spec.md §4.1's tolerant ordering policy: accept the
// expected sequence, accept future sequences (held in the buffer), ignore
// duplicates idempotently, reject sequences older than expected-maxLag.
// When a sequence >= expected is accepted, expected advances past the
// longest contiguous prefix present in the buffer, bounded by lookAhead.
func (t *transmission) acceptChunk(seq uint64, payload []byte, maxChunkSize int, now time.Time) (outcome chunkOutcome, nextExpected uint64) {
	if len(payload) > maxChunkSize {
		t.chunksRejected++
		return chunkRejectedTooLarge, t.expected
	}

	// Reject stale sequences, i.e. strictly older than expected-maxLag.
	if seq+t.maxLag < t.expected {
		t.chunksRejected++
		return chunkRejectedOld, t.expected
	}

	if t.buffer.has(seq) || seq < t.expected {
		// Duplicate: already buffered, or older than expected but within
		// the lag tolerance (already consumed past it).
		t.chunksDup++
		return chunkDuplicate, t.expected
	}

	t.buffer.insert(seq, payload, now)
	t.totalBytes += int64(len(payload))
	t.chunksAccepted++
	t.lastChunkAt = now

	if seq == t.expected {
		t.expected++
		// Advance past the longest contiguous prefix now present,
		// bounded by lookAhead.
		for i := uint64(0); i < t.lookAhead && t.buffer.has(t.expected); i++ {
			t.expected++
		}
	}

	return chunkAccepted, t.expected
}

// missingChunks estimates the gap between the highest observed sequence and
// the count actually accepted (spec.md §3 "missing-chunk count"). The
// highest observed sequence is the larger of the contiguous cursor and the
// highest sequence still held in the replay buffer; a chunk that has already
// left the buffer no longer raises it.
func (t *transmission) missingChunks() int {
	highest := t.expected - 1
	for seq := range t.buffer.bySeq {
		if seq > highest {
			highest = seq
		}
	}
	if int(highest) > t.chunksAccepted {
		return int(highest) - t.chunksAccepted
	}
	return 0
}

// packetLossRate is missingChunks / (missingChunks + chunksAccepted).
func (t *transmission) packetLossRate() float64 {
	missing := t.missingChunks()
	total := missing + t.chunksAccepted
	if total == 0 {
		return 0
	}
	return float64(missing) / float64(total)
}
