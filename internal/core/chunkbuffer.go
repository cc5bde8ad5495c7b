package core

import (
	"sort"
	"time"
)

// bufferedChunk is one entry in the chunk buffer (spec.md §3/§4.3).
type bufferedChunk struct {
	Sequence   uint64
	Payload    []byte
	ExpiresAt  time.Time
	ReceivedAt time.Time
}

// chunkBuffer is the bounded, time-indexed replay buffer for one
// Transmission (spec.md §4.3). It is only ever touched from the owning
// broker's goroutine.
type chunkBuffer struct {
	bySeq      map[uint64]*bufferedChunk
	order      []uint64 // insertion order, oldest first; used for memory-cap eviction
	replayWin  time.Duration
	memCap     int64
	bytesTotal int64
}

func newChunkBuffer(replayWindow time.Duration, memCapBytes int64) *chunkBuffer {
	return &chunkBuffer{
		bySeq:     make(map[uint64]*bufferedChunk),
		replayWin: replayWindow,
		memCap:    memCapBytes,
	}
}

// insert stores a chunk with expiration now+replayWindow, evicting the
// oldest buffered chunks first if the memory cap would be exceeded.
func (b *chunkBuffer) insert(seq uint64, payload []byte, now time.Time) {
	if _, exists := b.bySeq[seq]; exists {
		return
	}
	c := &bufferedChunk{
		Sequence:   seq,
		Payload:    payload,
		ExpiresAt:  now.Add(b.replayWin),
		ReceivedAt: now,
	}
	b.bySeq[seq] = c
	b.order = append(b.order, seq)
	b.bytesTotal += int64(len(payload))

	for b.bytesTotal > b.memCap && len(b.order) > 0 {
		oldest := b.order[0]
		b.order = b.order[1:]
		if old, ok := b.bySeq[oldest]; ok {
			b.bytesTotal -= int64(len(old.Payload))
			delete(b.bySeq, oldest)
		}
	}
}

// sweep removes every chunk whose expiration has passed.
func (b *chunkBuffer) sweep(now time.Time) {
	kept := b.order[:0]
	for _, seq := range b.order {
		c, ok := b.bySeq[seq]
		if !ok {
			continue
		}
		if !c.ExpiresAt.After(now) {
			b.bytesTotal -= int64(len(c.Payload))
			delete(b.bySeq, seq)
			continue
		}
		kept = append(kept, seq)
	}
	b.order = kept
}

// has reports whether seq is currently buffered (not yet evicted/expired).
func (b *chunkBuffer) has(seq uint64) bool {
	_, ok := b.bySeq[seq]
	return ok
}

// replay returns every live (unexpired) chunk in ascending sequence order,
// for a subscriber joining mid-transmission (spec.md §4.3/P5).
func (b *chunkBuffer) replay(now time.Time) []*bufferedChunk {
	out := make([]*bufferedChunk, 0, len(b.bySeq))
	for _, c := range b.bySeq {
		if c.ExpiresAt.After(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
