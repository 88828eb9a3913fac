package protocol

import (
	"encoding/json"
)

// ServerEventKind is the normalized variant of an upstream realtime event.
// The wire protocol has accumulated several names for the same semantic
// event across API revisions; ParseServerEvent folds all known synonyms
// into one variant so the session state machine never sees them.
type ServerEventKind int

const (
	EventUnknown ServerEventKind = iota
	EventAudioDelta
	EventTextDelta
	EventTextDone
	EventInputTranscript
	EventSessionError
)

// ServerEvent is one normalized upstream event
type ServerEvent struct {
	Kind ServerEventKind

	// Audio is the base64 audio payload for EventAudioDelta
	Audio string

	// Text is the text delta for EventTextDelta, or the whole caller
	// utterance for EventInputTranscript
	Text string

	// Error details for EventSessionError
	ErrorCode    string
	ErrorMessage string
}

// serverEnvelope covers every field position a known event revision uses
type serverEnvelope struct {
	Type       string          `json:"type"`
	Delta      json.RawMessage `json:"delta,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Audio      *struct {
		Delta string `json:"delta"`
	} `json:"audio,omitempty"`
	OutputAudio *struct {
		Delta string `json:"delta"`
	} `json:"output_audio,omitempty"`
	Response *struct {
		Audio *struct {
			Delta string `json:"delta"`
		} `json:"audio,omitempty"`
		OutputAudio *struct {
			Delta string `json:"delta"`
		} `json:"output_audio,omitempty"`
	} `json:"response,omitempty"`
	Error *struct {
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

// deltaString decodes a delta field that is a JSON string; deltas in any
// other shape are treated as absent.
func deltaString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ParseServerEvent decodes one upstream frame into a normalized event.
// Malformed frames return (zero, false). Unknown event types return
// Kind=EventUnknown with ok=true; the caller ignores them.
func ParseServerEvent(data []byte) (ServerEvent, bool) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ServerEvent{}, false
	}
	if env.Type == "" {
		return ServerEvent{}, false
	}

	switch env.Type {
	case "response.audio.delta", "response.output_audio.delta", "output_audio.delta":
		return ServerEvent{Kind: EventAudioDelta, Audio: audioPayload(&env)}, true

	case "response.text.delta", "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return ServerEvent{Kind: EventTextDelta, Text: deltaString(env.Delta)}, true

	case "response.text.done", "response.audio_transcript.done", "response.output_audio_transcript.done":
		return ServerEvent{Kind: EventTextDone}, true

	case "conversation.item.input_audio_transcription.completed", "conversation.item.audio_transcription.completed":
		return ServerEvent{Kind: EventInputTranscript, Text: env.Transcript}, true

	case "error":
		ev := ServerEvent{Kind: EventSessionError}
		if env.Error != nil {
			ev.ErrorCode = env.Error.Code
			if ev.ErrorCode == "" {
				ev.ErrorCode = env.Error.Type
			}
			ev.ErrorMessage = env.Error.Message
		}
		return ev, true

	default:
		return ServerEvent{Kind: EventUnknown}, true
	}
}

// audioPayload extracts the base64 audio from whichever field position
// this protocol revision used.
func audioPayload(env *serverEnvelope) string {
	if s := deltaString(env.Delta); s != "" {
		return s
	}
	if env.Audio != nil && env.Audio.Delta != "" {
		return env.Audio.Delta
	}
	if env.OutputAudio != nil && env.OutputAudio.Delta != "" {
		return env.OutputAudio.Delta
	}
	if env.Response != nil {
		if env.Response.Audio != nil && env.Response.Audio.Delta != "" {
			return env.Response.Audio.Delta
		}
		if env.Response.OutputAudio != nil && env.Response.OutputAudio.Delta != "" {
			return env.Response.OutputAudio.Delta
		}
	}
	return ""
}

// TurnDetection configures the upstream's server-side voice activity
// segmentation so caller turns end without explicit signaling from the bridge.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
}

// InputTranscription selects the model transcribing caller audio
type InputTranscription struct {
	Model string `json:"model"`
}

// SessionConfig is the session.update payload sent once at handshake time
type SessionConfig struct {
	Instructions            string              `json:"instructions"`
	Voice                   string              `json:"voice"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	Modalities              []string            `json:"modalities"`
	TurnDetection           TurnDetection       `json:"turn_detection"`
	InputAudioTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// EncodeSessionUpdate builds the session-configuration handshake frame
func EncodeSessionUpdate(cfg SessionConfig) ([]byte, error) {
	return json.Marshal(sessionUpdate{Type: "session.update", Session: cfg})
}

type responseCreate struct {
	Type     string                `json:"type"`
	Response responseCreateDetails `json:"response"`
}

type responseCreateDetails struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}

// EncodeResponseCreate builds a response.create frame, used to trigger the
// agent's greeting without waiting for caller speech.
func EncodeResponseCreate(instructions string) ([]byte, error) {
	return json.Marshal(responseCreate{
		Type: "response.create",
		Response: responseCreateDetails{
			Modalities:   []string{"text", "audio"},
			Instructions: instructions,
		},
	})
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// EncodeAudioAppend builds an input_audio_buffer.append frame carrying
// base64 caller audio.
func EncodeAudioAppend(payload string) ([]byte, error) {
	return json.Marshal(audioAppend{Type: "input_audio_buffer.append", Audio: payload})
}

type audioCommit struct {
	Type string `json:"type"`
}

// EncodeAudioCommit builds an input_audio_buffer.commit frame
func EncodeAudioCommit() ([]byte, error) {
	return json.Marshal(audioCommit{Type: "input_audio_buffer.commit"})
}
