// Package twilio holds the Media Streams wire format and the thin REST/TwiML
// glue that gets a call connected to the bridge.
package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mrsingh-rishi/voice-bridge/model"
)

// Inbound and outbound event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"
)

// ErrMalformedEvent is returned for frames that are not a Media Streams event.
var ErrMalformedEvent = errors.New("twilio: malformed stream event")

// Event is one inbound Media Streams message.
type Event struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSid      string `json:"streamSid,omitempty"`

	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
	DTMF  *DTMFPayload  `json:"dtmf,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
}

type StartPayload struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

type DTMFPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type StopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// ParseEvent decodes one text frame from the stream socket.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Event == "" {
		return Event{}, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}
	return ev, nil
}

// StreamID returns the stream identifier, preferring the one in the start block.
func (e Event) StreamID() string {
	if e.Start != nil && e.Start.StreamSid != "" {
		return e.Start.StreamSid
	}
	return e.StreamSid
}

// CallSid returns the call identifier when the event carries one.
func (e Event) CallSid() string {
	switch {
	case e.Start != nil:
		return e.Start.CallSid
	case e.Stop != nil:
		return e.Stop.CallSid
	}
	return ""
}

// Track returns the media track, defaulting to inbound as Twilio omits it on
// unidirectional streams.
func (e Event) Track() model.Track {
	if e.Media == nil || e.Media.Track == "" {
		return model.TrackInbound
	}
	return model.Track(e.Media.Track)
}

// MediaBytes base64-decodes the µ-law payload of a media event.
func (e Event) MediaBytes() ([]byte, error) {
	if e.Media == nil || e.Media.Payload == "" {
		return nil, fmt.Errorf("%w: media event without payload", ErrMalformedEvent)
	}
	raw, err := base64.StdEncoding.DecodeString(e.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedEvent, err)
	}
	return raw, nil
}

// OutboundMedia is the media envelope sent back to Twilio.
type OutboundMedia struct {
	Event     string             `json:"event"`
	StreamSid string             `json:"streamSid"`
	Media     OutboundMediaBlock `json:"media"`
}

type OutboundMediaBlock struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

// OutboundMark asks Twilio to report back once playback reaches this point.
type OutboundMark struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

// OutboundClear drops any audio Twilio has buffered for the stream.
type OutboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// MediaMessage wraps one wire-codec frame for the outbound track.
func MediaMessage(f model.Frame) OutboundMedia {
	return OutboundMedia{
		Event:     EventMedia,
		StreamSid: f.StreamSid,
		Media: OutboundMediaBlock{
			Track:   string(model.TrackOutbound),
			Payload: base64.StdEncoding.EncodeToString(f.Payload),
		},
	}
}

func MarkMessage(streamSid, name string) OutboundMark {
	return OutboundMark{Event: EventMark, StreamSid: streamSid, Mark: MarkPayload{Name: name}}
}

func ClearMessage(streamSid string) OutboundClear {
	return OutboundClear{Event: EventClear, StreamSid: streamSid}
}
