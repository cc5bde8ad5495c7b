package core

import (
	"sort"
	"time"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/protocol"
)

// Participant is one client presence on a channel (spec.md §3).
type Participant struct {
	ID         string
	UserID     string
	Username   string
	Location   *protocol.Location
	DeviceInfo string
	JoinedAt   time.Time
	LastSeen   time.Time
}

func (p *Participant) toInfo() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		ParticipantID: p.ID,
		UserID:        p.UserID,
		Username:      p.Username,
		JoinedAtMs:    p.JoinedAt.UnixMilli(),
		Location:      p.Location,
	}
}

// participantRegistry holds the participants of one broker. It is never
// shared across brokers and is only ever touched from the broker's own
// goroutine, so it needs no locking of its own (spec.md §5).
type participantRegistry struct {
	byID     map[string]*Participant
	capacity int
}

func newParticipantRegistry(capacity int) *participantRegistry {
	return &participantRegistry{
		byID:     make(map[string]*Participant),
		capacity: capacity,
	}
}

func (r *participantRegistry) count() int { return len(r.byID) }

func (r *participantRegistry) get(id string) (*Participant, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// join adds a new participant or, if already present, updates its presence
// fields (reconnect semantics, spec.md §4.1). Returns the resulting
// participant and whether it is newly joined.
func (r *participantRegistry) join(p *Participant, now time.Time) (*Participant, bool, error) {
	if existing, ok := r.byID[p.ID]; ok {
		existing.LastSeen = now
		if p.DeviceInfo != "" {
			existing.DeviceInfo = p.DeviceInfo
		}
		return existing, false, nil
	}
	if len(r.byID) >= r.capacity {
		return nil, false, newError(KindChannelFull, "channel at capacity (%d)", r.capacity)
	}
	p.JoinedAt = now
	p.LastSeen = now
	r.byID[p.ID] = p
	return p, true, nil
}

func (r *participantRegistry) leave(id string) (*Participant, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, newError(KindNotPresent, "participant %s not present", id)
	}
	delete(r.byID, id)
	return p, nil
}

func (r *participantRegistry) touch(id string, now time.Time) {
	if p, ok := r.byID[id]; ok {
		p.LastSeen = now
	}
}

// sweepExpired returns participants whose last-seen exceeds timeout,
// removing them from the registry (spec.md §4.4).
func (r *participantRegistry) sweepExpired(now time.Time, timeout time.Duration) []*Participant {
	var expired []*Participant
	for id, p := range r.byID {
		if now.Sub(p.LastSeen) > timeout {
			expired = append(expired, p)
			delete(r.byID, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

func (r *participantRegistry) snapshot() []protocol.ParticipantInfo {
	out := make([]protocol.ParticipantInfo, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p.toInfo())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}
