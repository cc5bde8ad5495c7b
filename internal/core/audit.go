package core

import (
	"context"
	"time"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/protocol"
)

// AuditRecord is the immutable row written when a Transmission ends
// (spec.md §3/§6).
type AuditRecord struct {
	SessionID       string
	ChannelID       string
	UserID          string
	Username        string
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds int
	AudioFormat     string
	ChunksCount     int
	TotalBytes      int64
	ParticipantCount int
	IsEmergency     bool
	NetworkQuality  string
	Location        *protocol.Location
	MissingChunks   int
	PacketLossRate  float64
}

// AuditSink is the core's only dependency for durable audit output
// (spec.md §9: "an interface, not a concrete database"). Write must not
// block the caller for long — implementations own their own queue/worker
// and apply best-effort semantics on overflow.
type AuditSink interface {
	Write(ctx context.Context, rec AuditRecord) error
}
