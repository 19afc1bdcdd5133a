package model

// AudioChunk is linear PCM16LE handed between pipeline stages. The receiver
// owns it; senders do not touch a chunk after passing it on.
type AudioChunk []byte

// Frame is one 20ms slice of outbound audio in wire encoding, bound to the
// stream it belongs to.
type Frame struct {
	StreamSid string
	Payload   []byte
}

// Track identifies the direction of a media frame.
type Track string

const (
	TrackInbound  Track = "inbound"
	TrackOutbound Track = "outbound"
)
