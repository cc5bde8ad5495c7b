package core

import (
	"sync/atomic"

	"github.com/highcanfly-club/parawave-ptt-sub000/internal/protocol"
)

// QueuePolicy selects the behavior of a SubscriberHandle's outbound queue
// once it is full (spec.md §4.2).
type QueuePolicy int

const (
	// DropOldest evicts the oldest queued frame to make room for the new
	// one. This is the default: it favors voice continuity over replaying
	// stale audio.
	DropOldest QueuePolicy = iota
	// DropNewest fails closed: new frames are refused once the queue is
	// full, and a broadcast evicts and closes the handle after
	// defaultConsecutiveDropLimit consecutive refusals.
	DropNewest
)

const defaultConsecutiveDropLimit = 20

// DeliveryFunc pushes one framed event to a connected transport. It must
// not block the broker — implementations hand off to their own transport
// goroutine/queue.
type DeliveryFunc func(protocol.Event)

// SubscriberHandle is one connected listener's delivery handle (spec.md §3).
// A handle is only ever mutated from its owning broker's goroutine; the
// queue itself is safe for the delivery goroutine to drain concurrently.
type SubscriberHandle struct {
	ParticipantID string
	Epoch         uint64

	policy   QueuePolicy
	capacity int
	queue    chan protocol.Event
	deliver  DeliveryFunc
	rec      Recorder

	droppedAudio     atomic.Int64
	droppedControl   atomic.Int64
	consecutiveDrops atomic.Int64
	closed           atomic.Bool
	stopCh           chan struct{}
}

// NewSubscriberHandle creates a handle with a bounded outbound queue and
// starts its delivery pump, which calls deliver for every enqueued event in
// order until the handle is closed. rec may be nil.
func NewSubscriberHandle(participantID string, epoch uint64, capacity int, policy QueuePolicy, deliver DeliveryFunc, rec Recorder) *SubscriberHandle {
	if capacity <= 0 {
		capacity = 64
	}
	if rec == nil {
		rec = NoopRecorder()
	}
	h := &SubscriberHandle{
		ParticipantID: participantID,
		Epoch:         epoch,
		policy:        policy,
		capacity:      capacity,
		queue:         make(chan protocol.Event, capacity),
		deliver:       deliver,
		rec:           rec,
		stopCh:        make(chan struct{}),
	}
	go h.pump()
	return h
}

func (h *SubscriberHandle) pump() {
	for {
		select {
		case ev, ok := <-h.queue:
			if !ok {
				return
			}
			h.deliver(ev)
		case <-h.stopCh:
			// Drain remaining queued events before exiting so frames
			// enqueued strictly before Close are still delivered
			// (spec.md §4.2's single-subscriber ordering guarantee).
			for {
				select {
				case ev, ok := <-h.queue:
					if !ok {
						return
					}
					h.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Send enqueues ev per the handle's queue policy. Returns true if the
// handle should be evicted (it is already closed, or the DropNewest policy
// tripped its consecutive-drop limit).
func (h *SubscriberHandle) Send(ev protocol.Event) (evict bool) {
	if h.closed.Load() {
		return true
	}
	select {
	case h.queue <- ev:
		h.consecutiveDrops.Store(0)
		return false
	default:
	}

	switch h.policy {
	case DropNewest:
		n := h.consecutiveDrops.Add(1)
		if ev.Type == protocol.EventAudioChunk {
			h.droppedAudio.Add(1)
			h.rec.SubscriberDroppedAudio()
		} else {
			h.droppedControl.Add(1)
		}
		return n >= defaultConsecutiveDropLimit
	default: // DropOldest
		select {
		case <-h.queue:
		default:
		}
		select {
		case h.queue <- ev:
		default:
		}
		if ev.Type == protocol.EventAudioChunk {
			h.droppedAudio.Add(1)
			h.rec.SubscriberDroppedAudio()
		} else {
			h.droppedControl.Add(1)
		}
		return false
	}
}

// DroppedAudio returns the count of audio_chunk frames dropped for this
// handle.
func (h *SubscriberHandle) DroppedAudio() int64 { return h.droppedAudio.Load() }

// Close stops the delivery pump after draining any frames already queued.
func (h *SubscriberHandle) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
		close(h.queue)
	}
}

// subscriberRegistry is the set of live handles for one broker.
type subscriberRegistry struct {
	byParticipant map[string]*SubscriberHandle
	nextEpoch     uint64
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{byParticipant: make(map[string]*SubscriberHandle)}
}

func (r *subscriberRegistry) add(h *SubscriberHandle) {
	if old, ok := r.byParticipant[h.ParticipantID]; ok {
		old.Close()
	}
	r.byParticipant[h.ParticipantID] = h
}

func (r *subscriberRegistry) remove(participantID string, epoch uint64) (*SubscriberHandle, bool) {
	h, ok := r.byParticipant[participantID]
	if !ok || h.Epoch != epoch {
		return nil, false
	}
	delete(r.byParticipant, participantID)
	return h, true
}

// removeAny removes and returns participantID's handle regardless of
// epoch, used when the participant itself departs the channel (as opposed
// to a single transport connection disconnecting).
func (r *subscriberRegistry) removeAny(participantID string) (*SubscriberHandle, bool) {
	h, ok := r.byParticipant[participantID]
	if !ok {
		return nil, false
	}
	delete(r.byParticipant, participantID)
	return h, true
}

func (r *subscriberRegistry) count() int { return len(r.byParticipant) }

func (r *subscriberRegistry) get(participantID string) (*SubscriberHandle, bool) {
	h, ok := r.byParticipant[participantID]
	return h, ok
}

// broadcast delivers ev to every handle except exceptParticipant, evicting
// any handle whose send reports it should be closed.
func (r *subscriberRegistry) broadcast(ev protocol.Event, exceptParticipant string) {
	var toEvict []string
	for id, h := range r.byParticipant {
		if id == exceptParticipant {
			continue
		}
		if h.Send(ev) {
			toEvict = append(toEvict, id)
		}
	}
	for _, id := range toEvict {
		if h, ok := r.byParticipant[id]; ok {
			h.Close()
			delete(r.byParticipant, id)
		}
	}
}

func (r *subscriberRegistry) sendTo(participantID string, ev protocol.Event) {
	if h, ok := r.byParticipant[participantID]; ok {
		h.Send(ev)
	}
}

func (r *subscriberRegistry) closeAll() {
	for id, h := range r.byParticipant {
		h.Close()
		delete(r.byParticipant, id)
	}
}
