// Package protocol defines the wire types exchanged between the PTT broker
// core and its transports: the request/response verbs and the streaming
// event envelope described in spec.md §6.
package protocol

// Event type tags carried on the streaming channel.
const (
	EventChannelState       = "channel_state"
	EventParticipantJoin    = "participant_join"
	EventParticipantLeave   = "participant_leave"
	EventTransmissionStart  = "transmission_started"
	EventAudioChunk         = "audio_chunk"
	EventTransmissionEnd    = "transmission_ended"
	EventError              = "error"
	EventPong                = "pong"
	EventServerReset         = "server_reset"
)

// Inbound subscriber frame types.
const (
	InPing      = "ping"
	InHeartbeat = "heartbeat"
)

// Location is an optional lat/lon pair attached to joins and transmissions.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Event is the framed message delivered on the streaming channel. Only the
// fields relevant to Type are populated.
type Event struct {
	Type        string             `json:"type"`
	ChannelID   string             `json:"channel_id"`
	SessionID   string             `json:"session_id,omitempty"`
	TimestampMs int64              `json:"timestamp_ms"`

	// channel_state
	Participants []ParticipantInfo `json:"participants,omitempty"`
	Transmission *TransmissionInfo `json:"active_transmission,omitempty"`
	ReplayChunks []AudioChunkInfo  `json:"replay_chunks,omitempty"`

	// participant_join / participant_leave
	Participant *ParticipantInfo `json:"participant,omitempty"`

	// transmission_started
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username,omitempty"`
	AudioFormat string    `json:"audio_format,omitempty"`
	IsEmergency bool      `json:"is_emergency,omitempty"`
	Location    *Location `json:"location,omitempty"`

	// audio_chunk
	Sequence  uint64 `json:"sequence,omitempty"`
	AudioData string `json:"audio_data,omitempty"` // base64 when carried over JSON
	SizeBytes int    `json:"size_bytes,omitempty"`

	// transmission_ended
	DurationMs  int64  `json:"duration_ms,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	TotalBytes  int64  `json:"total_bytes,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// ParticipantInfo is the presence snapshot of one participant.
type ParticipantInfo struct {
	ParticipantID string    `json:"participant_id"`
	UserID        string    `json:"user_id"`
	Username      string    `json:"username"`
	JoinedAtMs    int64     `json:"joined_at_ms"`
	Location      *Location `json:"location,omitempty"`
}

// TransmissionInfo is the active-transmission descriptor sent on
// channel_state / Status.
type TransmissionInfo struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Username        string    `json:"username"`
	AudioFormat     string    `json:"audio_format"`
	StartedAtMs     int64     `json:"started_at_ms"`
	IsEmergency     bool      `json:"is_emergency"`
	NetworkQuality  string    `json:"network_quality,omitempty"`
	Location        *Location `json:"location,omitempty"`
	NextExpectedSeq uint64    `json:"next_expected_sequence"`
}

// AudioChunkInfo is one replayed chunk sent as part of channel_state.
type AudioChunkInfo struct {
	Sequence  uint64 `json:"sequence"`
	AudioData string `json:"audio_data"`
	SizeBytes int    `json:"size_bytes"`
}

// InboundFrame is a frame sent by a subscriber into the broker (ping or
// heartbeat only, per spec.md §6).
type InboundFrame struct {
	Type        string `json:"type"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// --- Request/response verb schemas -----------------------------------------

// JoinRequest is the Join verb's wire request.
type JoinRequest struct {
	ParticipantID string    `json:"participant_id"`
	UserID        string    `json:"user_id"`
	Username      string    `json:"username"`
	Location      *Location `json:"location,omitempty"`
	DeviceInfo    string    `json:"device_info,omitempty"`
}

// JoinResponse is the Join verb's wire response.
type JoinResponse struct {
	Success            bool   `json:"success"`
	ParticipantCount   int    `json:"connected_participants,omitempty"`
	TransmitterUserID  string `json:"current_transmitter_user_id,omitempty"`
	Error              string `json:"error,omitempty"`
}

// LeaveRequest is the Leave verb's wire request.
type LeaveRequest struct {
	ParticipantID string `json:"participant_id"`
}

// LeaveResponse is the Leave verb's wire response.
type LeaveResponse struct {
	Success          bool   `json:"success"`
	ParticipantCount int    `json:"connected_participants,omitempty"`
	Error            string `json:"error,omitempty"`
}

// TxStartRequest is the TxStart verb's wire request.
type TxStartRequest struct {
	ChannelID      string    `json:"channel_id"`
	ParticipantID  string    `json:"participant_id"`
	UserID         string    `json:"user_id"`
	Username       string    `json:"username"`
	AudioFormat    string    `json:"audio_format"`
	SampleRate     int       `json:"sample_rate"`
	Bitrate        int       `json:"bitrate"`
	NetworkQuality string    `json:"network_quality"`
	Location       *Location `json:"location,omitempty"`
	IsEmergency    bool      `json:"is_emergency,omitempty"`
}

// TxStartResponse is the TxStart verb's wire response.
type TxStartResponse struct {
	Success             bool   `json:"success"`
	SessionID           string `json:"session_id,omitempty"`
	MaxDurationMs       int64  `json:"max_duration_ms,omitempty"`
	ChunkSizeLimitBytes int    `json:"chunk_size_limit_bytes,omitempty"`
	Error               string `json:"error,omitempty"`
	CurrentTransmitter  string `json:"current_transmitter,omitempty"`
}

// TxChunkRequest is the TxChunk verb's wire request.
type TxChunkRequest struct {
	SessionID       string `json:"session_id"`
	ChunkSequence   uint64 `json:"chunk_sequence"`
	AudioData       string `json:"audio_data"` // base64
	TimestampMs     int64  `json:"timestamp_ms"`
	ChunkSizeBytes  int    `json:"chunk_size_bytes"`
}

// TxChunkResponse is the TxChunk verb's wire response.
type TxChunkResponse struct {
	Success             bool   `json:"success"`
	ChunkReceived        bool   `json:"chunk_received,omitempty"`
	NextExpectedSequence uint64 `json:"next_expected_sequence,omitempty"`
	Error                string `json:"error,omitempty"`
}

// TxEndRequest is the TxEnd verb's wire request.
type TxEndRequest struct {
	SessionID       string    `json:"session_id"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	FinalLocation   *Location `json:"final_location,omitempty"`
}

// SessionSummary is the result of a TxEnd call.
type SessionSummary struct {
	TotalDurationMs      int64   `json:"total_duration_ms"`
	ChunksReceived       int     `json:"chunks_received"`
	TotalBytes           int64   `json:"total_bytes"`
	ParticipantsNotified int     `json:"participants_notified"`
	MissingChunks        int     `json:"missing_chunks"`
	PacketLossRate       float64 `json:"packet_loss_rate"`
}

// TxEndResponse is the TxEnd verb's wire response.
type TxEndResponse struct {
	Success        bool           `json:"success"`
	SessionSummary SessionSummary `json:"session_summary,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// StatusResponse is the Status verb's wire response.
type StatusResponse struct {
	Success               bool              `json:"success"`
	ActiveTransmission    *TransmissionInfo `json:"active_transmission,omitempty"`
	ConnectedParticipants int               `json:"connected_participants"`
	DroppedAudio          int64             `json:"dropped_audio,omitempty"`
	TimestampMs           int64             `json:"timestamp"`
}
