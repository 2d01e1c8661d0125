package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientHello       MessageType = "client_hello"
	TypeClientAudioChunk  MessageType = "client_audio_chunk"
	TypeClientControl     MessageType = "client_control"
	TypeCallState         MessageType = "call_state"
	TypePlaybackChunk     MessageType = "playback_chunk"
	TypeLogEvent          MessageType = "log_event"
	TypeAppointmentBooked MessageType = "appointment_booked"
	TypeErrorEvent        MessageType = "error_event"
)

// Microphone outcomes reported by the bridge client.
const (
	MicGranted     = "granted"
	MicDenied      = "denied"
	MicNotFound    = "not_found"
	MicBusy        = "busy"
	MicUnsupported = "unsupported"
)

const ActionHangup = "hangup"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientHello is the first frame on the bridge. It reports whether the client
// could open its microphone and at which rate it captures.
type ClientHello struct {
	Type       MessageType `json:"type"`
	CallID     string      `json:"call_id"`
	MicStatus  string      `json:"mic_status"`
	SampleRate int         `json:"sample_rate"`
	Detail     string      `json:"detail,omitempty"`
	TSMs       int64       `json:"ts_ms"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	CallID      string      `json:"call_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Action string      `json:"action"`
	Reason string      `json:"reason,omitempty"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

type CallState struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	State  string      `json:"state"`
	Status string      `json:"status,omitempty"`
}

// PlaybackChunk is one scheduled buffer. StartMS is on the bridge sink clock,
// which starts at zero when the sink is created.
type PlaybackChunk struct {
	Type        MessageType `json:"type"`
	CallID      string      `json:"call_id"`
	Seq         int         `json:"seq"`
	StartMS     int64       `json:"start_ms"`
	DurationMS  int64       `json:"duration_ms"`
	SampleRate  int         `json:"sample_rate"`
	PCM16Base64 string      `json:"pcm16_base64"`
}

type LogEvent struct {
	Type    MessageType `json:"type"`
	CallID  string      `json:"call_id"`
	Level   string      `json:"level"`
	Message string      `json:"message"`
	TSMs    int64       `json:"ts_ms"`
}

type AppointmentBooked struct {
	Type          MessageType `json:"type"`
	CallID        string      `json:"call_id"`
	AppointmentID int64       `json:"appointment_id"`
	Date          string      `json:"date"`
	Time          string      `json:"time"`
	Notes         string      `json:"notes,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"call_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientHello:
		var msg ClientHello
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.MicStatus {
		case MicGranted:
			if msg.SampleRate <= 0 {
				return nil, errors.New("invalid client_hello: sample_rate required when mic is granted")
			}
		case MicDenied, MicNotFound, MicBusy, MicUnsupported:
		default:
			return nil, fmt.Errorf("invalid client_hello: mic_status %q", msg.MicStatus)
		}
		return msg, nil
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes frames sent by the call server. Used by bridge
// clients.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeCallState:
		return decode[CallState](raw)
	case TypePlaybackChunk:
		return decode[PlaybackChunk](raw)
	case TypeLogEvent:
		return decode[LogEvent](raw)
	case TypeAppointmentBooked:
		return decode[AppointmentBooked](raw)
	case TypeErrorEvent:
		return decode[ErrorEvent](raw)
	default:
		return nil, ErrUnsupportedType
	}
}

func decode[T any](raw []byte) (any, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}
