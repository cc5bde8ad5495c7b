package core

// Recorder receives broker-internal counters without the core depending on
// any particular metrics backend (spec.md §9: "the audit sink is an
// interface, not a concrete database" — the same discipline applies here).
type Recorder interface {
	TransmissionStarted()
	TransmissionEnded()
	ChunkAccepted()
	ChunkDuplicate()
	ChunkRejected(reason string)
	SubscriberDroppedAudio()
	AuditDropped()
	SetActiveTransmissions(n int)
	SetConnectedParticipants(channelID string, n int)
}

// noopRecorder discards every observation. Used when no Recorder is wired.
type noopRecorder struct{}

func (noopRecorder) TransmissionStarted()                       {}
func (noopRecorder) TransmissionEnded()                          {}
func (noopRecorder) ChunkAccepted()                              {}
func (noopRecorder) ChunkDuplicate()                              {}
func (noopRecorder) ChunkRejected(reason string)                  {}
func (noopRecorder) SubscriberDroppedAudio()                      {}
func (noopRecorder) AuditDropped()                                {}
func (noopRecorder) SetActiveTransmissions(n int)                 {}
func (noopRecorder) SetConnectedParticipants(channelID string, n int) {}

// NoopRecorder returns a Recorder that discards all observations.
func NoopRecorder() Recorder { return noopRecorder{} }
