package core

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher maps channel ids to their Broker, constructing brokers lazily
// and tearing down idle ones (spec.md §4.5).
type Dispatcher struct {
	mu       sync.RWMutex
	brokers  map[string]*brokerEntry
	source   ChannelDescriptorSource
	cfg      BrokerConfig
	clock    Clock
	audit    AuditSink
	rec      Recorder
	log      *slog.Logger
	stopCh   chan struct{}
}

type brokerEntry struct {
	broker     *Broker
	lastActive time.Time
}

// NewDispatcher constructs a Dispatcher. source resolves channel
// descriptors on first contact; audit and rec may be nil.
func NewDispatcher(source ChannelDescriptorSource, cfg BrokerConfig, clock Clock, audit AuditSink, rec Recorder, log *slog.Logger) *Dispatcher {
	if clock == nil {
		clock = NewSystemClock()
	}
	if rec == nil {
		rec = NoopRecorder()
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		brokers: make(map[string]*brokerEntry),
		source:  source,
		cfg:     cfg,
		clock:   clock,
		audit:   audit,
		rec:     rec,
		log:     log,
		stopCh:  make(chan struct{}),
	}
	go d.dehydrateLoop()
	return d
}

// Get returns the broker for channelID, constructing it (via the
// descriptor source) if this is the first reference.
func (d *Dispatcher) Get(ctx context.Context, channelID string) (*Broker, error) {
	d.mu.RLock()
	if e, ok := d.brokers[channelID]; ok {
		d.mu.RUnlock()
		return e.broker, nil
	}
	d.mu.RUnlock()

	desc, err := d.source.Describe(ctx, channelID)
	if err != nil {
		return nil, newError(KindNoSuchChannel, "%s: %v", channelID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.brokers[channelID]; ok {
		return e.broker, nil
	}
	b := NewBroker(desc, d.cfg, d.clock, d.audit, d.rec, d.log)
	d.brokers[channelID] = &brokerEntry{broker: b, lastActive: d.clock.Now()}
	d.log.Info("broker constructed", "channel_id", channelID)
	return b, nil
}

// Remove tears down the broker for channelID, if any, broadcasting
// server_reset to its subscribers (spec.md §4.5 supervision).
func (d *Dispatcher) Remove(channelID string) {
	d.mu.Lock()
	e, ok := d.brokers[channelID]
	if ok {
		delete(d.brokers, channelID)
	}
	d.mu.Unlock()
	if ok {
		e.broker.Shutdown()
		d.log.Info("broker torn down", "channel_id", channelID)
	}
}

// dehydrateLoop periodically tears down brokers that have had no
// participants and no active transmission for cfg.DehydrateIdle.
func (d *Dispatcher) dehydrateLoop() {
	interval := d.cfg.withDefaults().DehydrateIdle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweepIdle()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) sweepIdle() {
	now := d.clock.Now()
	d.mu.Lock()
	var candidates []string
	for id, e := range d.brokers {
		st := e.broker.Status("")
		if st.ConnectedParticipants == 0 && st.ActiveTransmission == nil {
			if now.Sub(e.lastActive) >= d.cfg.withDefaults().DehydrateIdle {
				candidates = append(candidates, id)
			}
		} else {
			e.lastActive = now
		}
	}
	d.mu.Unlock()
	for _, id := range candidates {
		d.Remove(id)
	}
}

// Shutdown tears down every broker and stops the dehydration loop.
func (d *Dispatcher) Shutdown() {
	close(d.stopCh)
	d.mu.Lock()
	ids := make([]string, 0, len(d.brokers))
	for id := range d.brokers {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.Remove(id)
	}
}
