package protocol

import (
	"encoding/json"
)

// Telephony stream event kinds
const (
	StreamEventStart = "start"
	StreamEventMedia = "media"
	StreamEventStop  = "stop"
)

// StreamMessage represents a message from the telephony media stream
type StreamMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Media     *StreamMedia `json:"media,omitempty"`
	Start     *StreamStart `json:"start,omitempty"`
}

// StreamMedia represents the media payload in a media event
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded audio
}

// StreamStart represents the start event payload
type StreamStart struct {
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// ParseStreamMessage decodes one telephony frame. Malformed frames return
// (nil, false) and are dropped by the caller; unrecognized event kinds decode
// fine and carry their kind string for the caller to ignore.
func ParseStreamMessage(data []byte) (*StreamMessage, bool) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	if msg.Event == "" {
		return nil, false
	}
	return &msg, true
}

// outboundMedia is the frame format the telephony platform expects for
// audio played back to the caller.
type outboundMedia struct {
	Event     string             `json:"event"`
	StreamSid string             `json:"streamSid"`
	Media     outboundMediaInner `json:"media"`
}

type outboundMediaInner struct {
	Payload string `json:"payload"`
}

// EncodeOutboundMedia builds a media frame carrying base64 audio back to
// the caller's stream.
func EncodeOutboundMedia(streamSid, payload string) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     StreamEventMedia,
		StreamSid: streamSid,
		Media:     outboundMediaInner{Payload: payload},
	})
}
