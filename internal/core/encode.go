package core

import "encoding/base64"

// encodeAudio base64-encodes a chunk payload for transports (like the JSON
// request/response verbs and the WebSocket stream) that carry audio_data
// as text rather than raw bytes (spec.md §6).
func encodeAudio(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// DecodeAudio reverses encodeAudio.
func DecodeAudio(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
