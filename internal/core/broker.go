package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/protocol"
)

// Broker owns all state for one channel and serializes every mutation
// through a single mailbox goroutine (spec.md §4.1, §9). Every verb posts a
// command to that mailbox and blocks until it has been processed to
// completion, giving callers a synchronous API while keeping the actor's
// internal invariants single-threaded; Unsubscribe, Heartbeat and Pong post
// their command without waiting for it to run.
type Broker struct {
	channelID string
	desc      ChannelDescriptor
	cfg       BrokerConfig
	clock     Clock
	audit     AuditSink
	rec       Recorder
	log       *slog.Logger

	participants *participantRegistry
	subs         *subscriberRegistry
	tx           *transmission
	generation   uint64 // bumped on every TxStart/TxEnd to invalidate stale timers

	cmds   chan func()
	stopCh chan struct{}
}

// NewBroker constructs a broker for one channel and starts its mailbox
// goroutine and periodic sweepers.
func NewBroker(desc ChannelDescriptor, cfg BrokerConfig, clock Clock, audit AuditSink, rec Recorder, log *slog.Logger) *Broker {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = NewSystemClock()
	}
	if rec == nil {
		rec = NoopRecorder()
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		channelID:    desc.ID,
		desc:         desc,
		cfg:          cfg,
		clock:        clock,
		audit:        audit,
		rec:          rec,
		log:          log.With("channel_id", desc.ID),
		participants: newParticipantRegistry(desc.Capacity),
		subs:         newSubscriberRegistry(),
		cmds:         make(chan func(), 64),
		stopCh:       make(chan struct{}),
	}
	go b.run()
	go b.sweepLoop()
	return b
}

func (b *Broker) run() {
	for {
		select {
		case fn := <-b.cmds:
			fn()
		case <-b.stopCh:
			b.drainAndClose()
			return
		}
	}
}

func (b *Broker) drainAndClose() {
	for {
		select {
		case fn := <-b.cmds:
			fn()
		default:
			return
		}
	}
}

func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.post(func() { b.sweepLocked() })
		case <-b.stopCh:
			return
		}
	}
}

// post submits fn to the mailbox without blocking the caller and without
// panicking if the broker has already begun shutting down.
func (b *Broker) post(fn func()) {
	select {
	case b.cmds <- fn:
	case <-b.stopCh:
	}
}

// call submits fn to the mailbox and blocks until it has run.
func (b *Broker) call(fn func()) {
	done := make(chan struct{})
	select {
	case b.cmds <- func() { fn(); close(done) }:
		<-done
	case <-b.stopCh:
	}
}

func (b *Broker) sweepLocked() {
	now := b.clock.Now()
	if b.tx != nil {
		b.tx.buffer.sweep(now)
		if now.Sub(b.tx.lastChunkAt) >= b.tx.idleTimeout {
			b.forceEndLocked("idle_timeout")
		}
	}
	expired := b.participants.sweepExpired(now, b.cfg.PresenceTimeout)
	for _, p := range expired {
		if b.tx != nil && b.tx.ParticipantID == p.ID {
			b.forceEndLocked("presence_timeout")
		}
		b.departLocked(p, "presence_timeout")
	}
}

// --- Join --------------------------------------------------------------

// JoinResult is the result of a successful Join.
type JoinResult struct {
	ParticipantCount  int
	CurrentTransmitter string
}

func (b *Broker) Join(participantID, userID, username string, loc *protocol.Location, deviceInfo string) (JoinResult, error) {
	var res JoinResult
	var err error
	b.call(func() {
		now := b.clock.Now()
		p := &Participant{ID: participantID, UserID: userID, Username: username, Location: loc, DeviceInfo: deviceInfo}
		joined, isNew, jerr := b.participants.join(p, now)
		if jerr != nil {
			err = jerr
			return
		}
		res.ParticipantCount = b.participants.count()
		if b.tx != nil {
			res.CurrentTransmitter = b.tx.UserID
		}
		if isNew {
			b.rec.SetConnectedParticipants(b.channelID, b.participants.count())
			b.subs.broadcast(protocol.Event{
				Type:        protocol.EventParticipantJoin,
				ChannelID:   b.channelID,
				TimestampMs: now.UnixMilli(),
				Participant: ptr(joined.toInfo()),
			}, participantID)
			b.log.Info("participant joined", "participant_id", participantID, "user_id", userID)
		}
	})
	return res, err
}

// --- Leave ---------------------------------------------------------------

// LeaveResult is the result of a successful Leave.
type LeaveResult struct {
	ParticipantCount int
}

func (b *Broker) Leave(participantID string) (LeaveResult, error) {
	var res LeaveResult
	var err error
	b.call(func() {
		p, ok := b.participants.get(participantID)
		if !ok {
			err = newError(KindNotPresent, "participant %s not present", participantID)
			return
		}
		if b.tx != nil && b.tx.ParticipantID == participantID {
			b.forceEndLocked("transmitter_left")
		}
		b.departLocked(p, "")
		res.ParticipantCount = b.participants.count()
	})
	return res, err
}

// departLocked removes a participant already known to be present, closes
// its subscriber handle if any, and broadcasts participant_leave.
func (b *Broker) departLocked(p *Participant, _ string) {
	b.participants.leave(p.ID)
	if h, ok := b.subs.removeAny(p.ID); ok {
		h.Close()
	}
	now := b.clock.Now()
	b.rec.SetConnectedParticipants(b.channelID, b.participants.count())
	b.subs.broadcast(protocol.Event{
		Type:        protocol.EventParticipantLeave,
		ChannelID:   b.channelID,
		TimestampMs: now.UnixMilli(),
		Participant: ptr(p.toInfo()),
	}, p.ID)
	b.log.Info("participant left", "participant_id", p.ID)
}

// --- TxStart ---------------------------------------------------------------

// TxStartParams bundles TxStart's arguments.
type TxStartParams struct {
	ParticipantID  string
	Format         string
	SampleRate     int
	Bitrate        int
	NetworkQuality string
	Location       *protocol.Location
	IsEmergency    bool
}

// TxStartResult is the result of a successful TxStart.
type TxStartResult struct {
	SessionID           string
	MaxDurationMs       int64
	MaxChunkSizeBytes   int
}

func (b *Broker) TxStart(p TxStartParams) (TxStartResult, error) {
	var res TxStartResult
	var err error
	b.call(func() {
		part, ok := b.participants.get(p.ParticipantID)
		if !ok {
			err = newError(KindNotPresent, "participant %s not present", p.ParticipantID)
			return
		}
		if b.tx != nil {
			err = &Error{Kind: KindBusy, Message: b.tx.Username}
			return
		}
		if p.Format == "" || p.SampleRate <= 0 || p.Bitrate <= 0 {
			err = newError(KindInvalid, "format, sample_rate and bitrate must be set")
			return
		}

		now := b.clock.Now()
		b.participants.touch(p.ParticipantID, now)
		sessionID := b.clock.NewSessionID()
		b.tx = newTransmission(sessionID, p.ParticipantID, part.UserID, part.Username, p.Format, p.SampleRate, p.Bitrate, p.NetworkQuality, p.Location, p.IsEmergency, now, b.cfg)
		b.generation++
		gen := b.generation

		b.scheduleForceEnd(sessionID, gen, b.cfg.MaxDuration, "duration_exceeded")

		b.rec.TransmissionStarted()
		b.rec.SetActiveTransmissions(1)
		b.subs.broadcast(protocol.Event{
			Type:        protocol.EventTransmissionStart,
			ChannelID:   b.channelID,
			SessionID:   sessionID,
			TimestampMs: now.UnixMilli(),
			UserID:      part.UserID,
			Username:    part.Username,
			AudioFormat: p.Format,
			IsEmergency: p.IsEmergency,
			Location:    p.Location,
		}, "")

		res.SessionID = sessionID
		res.MaxDurationMs = b.cfg.MaxDuration.Milliseconds()
		res.MaxChunkSizeBytes = b.cfg.MaxChunkSize
		b.log.Info("transmission started", "session_id", sessionID, "user_id", part.UserID)
	})
	return res, err
}

// scheduleForceEnd arms a timer that force-ends sessionID after d, but only
// if the broker's generation hasn't moved on (i.e. the transmission hasn't
// already ended) by the time it fires.
func (b *Broker) scheduleForceEnd(sessionID string, gen uint64, d time.Duration, reason string) {
	time.AfterFunc(d, func() {
		b.post(func() {
			if b.tx != nil && b.tx.SessionID == sessionID && b.generation == gen {
				b.forceEndLocked(reason)
			}
		})
	})
}

// --- TxChunk ---------------------------------------------------------------

// TxChunkResult is the result of a successful TxChunk.
type TxChunkResult struct {
	ChunkReceived        bool
	NextExpectedSequence uint64
}

func (b *Broker) TxChunk(sessionID string, sequence uint64, payload []byte, clientTimestampMs int64) (TxChunkResult, error) {
	var res TxChunkResult
	var err error
	b.call(func() {
		if b.tx == nil || b.tx.SessionID != sessionID {
			err = newError(KindNoSession, "no active transmission for session %s", sessionID)
			return
		}
		now := b.clock.Now()
		b.participants.touch(b.tx.ParticipantID, now)
		b.tx.buffer.sweep(now)
		if len(payload) > b.cfg.MaxChunkSize {
			err = newError(KindTooLarge, "chunk size %d exceeds limit %d", len(payload), b.cfg.MaxChunkSize)
			b.rec.ChunkRejected("too_large")
			return
		}

		outcome, next := b.tx.acceptChunk(sequence, payload, b.cfg.MaxChunkSize, now)
		switch outcome {
		case chunkRejectedTooLarge:
			err = newError(KindTooLarge, "chunk size %d exceeds limit %d", len(payload), b.cfg.MaxChunkSize)
			b.rec.ChunkRejected("too_large")
			return
		case chunkRejectedOld:
			err = newError(KindTooOld, "sequence %d older than expected-maxLag", sequence)
			b.rec.ChunkRejected("too_old")
			return
		case chunkDuplicate:
			b.rec.ChunkDuplicate()
			res.ChunkReceived = true
			res.NextExpectedSequence = next
			return
		case chunkAccepted:
			b.rec.ChunkAccepted()
			res.ChunkReceived = true
			res.NextExpectedSequence = next
			b.subs.broadcast(protocol.Event{
				Type:        protocol.EventAudioChunk,
				ChannelID:   b.channelID,
				SessionID:   sessionID,
				TimestampMs: now.UnixMilli(),
				Sequence:    sequence,
				AudioData:   encodeAudio(payload),
				SizeBytes:   len(payload),
			}, "")
		}
	})
	return res, err
}

// --- TxEnd -------------------------------------------------------------

func (b *Broker) TxEnd(sessionID string, totalDurationMs int64, finalLocation *protocol.Location) (protocol.SessionSummary, error) {
	var summary protocol.SessionSummary
	var err error
	b.call(func() {
		if b.tx == nil || b.tx.SessionID != sessionID {
			err = newError(KindNoSession, "no active transmission for session %s", sessionID)
			return
		}
		b.participants.touch(b.tx.ParticipantID, b.clock.Now())
		if finalLocation != nil {
			b.tx.Location = finalLocation
		}
		summary = b.endLocked("")
	})
	return summary, err
}

// forceEndLocked ends the active transmission for an internal reason
// (timeout/idle/transmitter_left/shutdown), going through the same
// teardown path as a normal TxEnd (spec.md §7).
func (b *Broker) forceEndLocked(reason string) {
	if b.tx == nil {
		return
	}
	b.endLocked(reason)
}

func (b *Broker) endLocked(reason string) protocol.SessionSummary {
	t := b.tx
	now := b.clock.Now()
	durationSeconds := int(now.Sub(t.StartedAt).Seconds())
	subCount := b.subs.count()
	if subCount > t.peakSubs {
		t.peakSubs = subCount
	}

	summary := protocol.SessionSummary{
		TotalDurationMs:      now.Sub(t.StartedAt).Milliseconds(),
		ChunksReceived:       t.chunksAccepted,
		TotalBytes:           t.totalBytes,
		ParticipantsNotified: subCount,
		MissingChunks:        t.missingChunks(),
		PacketLossRate:       t.packetLossRate(),
	}

	ev := protocol.Event{
		Type:        protocol.EventTransmissionEnd,
		ChannelID:   b.channelID,
		SessionID:   t.SessionID,
		TimestampMs: now.UnixMilli(),
		DurationMs:  summary.TotalDurationMs,
		TotalChunks: summary.ChunksReceived,
		TotalBytes:  summary.TotalBytes,
	}
	if reason != "" {
		ev.Reason = reason
	}
	b.subs.broadcast(ev, "")

	rec := AuditRecord{
		SessionID:        t.SessionID,
		ChannelID:        b.channelID,
		UserID:           t.UserID,
		Username:         t.Username,
		StartTime:        t.StartedAt,
		EndTime:          now,
		DurationSeconds:  durationSeconds,
		AudioFormat:      t.AudioFormat,
		ChunksCount:      t.chunksAccepted,
		TotalBytes:       t.totalBytes,
		ParticipantCount: t.peakSubs,
		IsEmergency:      t.IsEmergency,
		NetworkQuality:   t.NetworkQuality,
		Location:         t.Location,
		MissingChunks:    summary.MissingChunks,
		PacketLossRate:   summary.PacketLossRate,
	}
	if b.audit != nil {
		if werr := b.audit.Write(context.Background(), rec); werr != nil {
			b.rec.AuditDropped()
			b.log.Error("audit write failed", "session_id", t.SessionID, "err", werr)
		}
	}

	b.tx = nil
	b.generation++
	b.rec.TransmissionEnded()
	b.rec.SetActiveTransmissions(0)
	b.log.Info("transmission ended", "session_id", t.SessionID, "reason", reason, "chunks", summary.ChunksReceived)
	return summary
}

// --- Status ------------------------------------------------------------

// StatusResult is the result of Status.
type StatusResult struct {
	ActiveTransmission    *protocol.TransmissionInfo
	ConnectedParticipants int
	DroppedAudio          int64
}

// Status reports the channel's current state. If participantID names a
// live subscriber, DroppedAudio reports that subscriber's own dropped
// audio_chunk count (spec.md §4.2's per-handle counter "exposed in
// Status"); an empty or unknown participantID leaves it at zero.
func (b *Broker) Status(participantID string) StatusResult {
	var res StatusResult
	b.call(func() {
		if b.tx != nil {
			res.ActiveTransmission = b.tx.toInfo()
		}
		res.ConnectedParticipants = b.participants.count()
		if h, ok := b.subs.get(participantID); ok {
			res.DroppedAudio = h.DroppedAudio()
		}
	})
	return res
}

// --- Subscribe ---------------------------------------------------------

// Subscribe registers a delivery handle for participantID and returns it
// after delivering the synthetic channel_state snapshot (spec.md §4.1).
func (b *Broker) Subscribe(participantID string, deliver DeliveryFunc) (*SubscriberHandle, error) {
	var handle *SubscriberHandle
	var err error
	b.call(func() {
		if _, ok := b.participants.get(participantID); !ok {
			err = newError(KindNotPresent, "participant %s not present", participantID)
			return
		}
		b.participants.touch(participantID, b.clock.Now())
		epoch := b.subs.nextEpoch
		b.subs.nextEpoch++
		handle = NewSubscriberHandle(participantID, epoch, b.cfg.SubscriberQueueDepth, b.cfg.SubscriberQueuePolicy, deliver, b.rec)
		b.subs.add(handle)

		now := b.clock.Now()
		ev := protocol.Event{
			Type:         protocol.EventChannelState,
			ChannelID:    b.channelID,
			TimestampMs:  now.UnixMilli(),
			Participants: b.participants.snapshot(),
		}
		if b.tx != nil {
			ev.Transmission = b.tx.toInfo()
			for _, c := range b.tx.buffer.replay(now) {
				ev.ReplayChunks = append(ev.ReplayChunks, protocol.AudioChunkInfo{
					Sequence:  c.Sequence,
					AudioData: encodeAudio(c.Payload),
					SizeBytes: len(c.Payload),
				})
			}
		}
		handle.Send(ev)
		if subCount := b.subs.count(); b.tx != nil && subCount > b.tx.peakSubs {
			b.tx.peakSubs = subCount
		}
		b.log.Debug("subscribed", "participant_id", participantID)
	})
	return handle, err
}

// Unsubscribe closes and removes handle's registration; it behaves like a
// transport-level disconnect, not a Leave (spec.md §4.1/§9).
func (b *Broker) Unsubscribe(handle *SubscriberHandle) {
	b.post(func() {
		if h, ok := b.subs.remove(handle.ParticipantID, handle.Epoch); ok {
			h.Close()
		}
	})
}

// Heartbeat refreshes presence without a reply.
func (b *Broker) Heartbeat(participantID string) {
	b.post(func() {
		b.participants.touch(participantID, b.clock.Now())
	})
}

// Pong answers a subscriber-originated ping with a pong carrying the same
// timestamp.
func (b *Broker) Pong(participantID string, timestampMs int64) {
	b.post(func() {
		b.participants.touch(participantID, b.clock.Now())
		b.subs.sendTo(participantID, protocol.Event{
			Type:        protocol.EventPong,
			ChannelID:   b.channelID,
			TimestampMs: timestampMs,
		})
	})
}

// Shutdown force-ends any active transmission (emitting transmission_ended
// and writing its audit record, per spec.md §4.1's state machine), then
// disconnects every subscriber with server_reset and stops the broker.
func (b *Broker) Shutdown() {
	b.call(func() {
		if b.tx != nil {
			b.forceEndLocked("server_shutdown")
		}
		b.subs.broadcast(protocol.Event{Type: protocol.EventServerReset, ChannelID: b.channelID, TimestampMs: b.clock.Now().UnixMilli()}, "")
		b.subs.closeAll()
	})
	close(b.stopCh)
}

func ptr[T any](v T) *T { return &v }
