package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/MisterGoodDeal/live-translation/internal/audio"
)

// Server to client events
const (
	EventConfig            = "config"
	EventLogs              = "logs"
	EventMicrophones       = "microphones"
	EventTranslation       = "translation"
	EventTranslationStatus = "translation_status"
	EventPong              = "pong"
	EventConfigUpdated     = "config_updated"
	EventRequestRejected   = "request_rejected"
)

// Client to server requests
const (
	RequestGetMicrophones   = "get_microphones"
	RequestSetMicrophone    = "set_microphone"
	RequestUpdateConfig     = "update_config"
	RequestGetConfig        = "get_config"
	RequestStartTranslation = "start_translation"
	RequestStopTranslation  = "stop_translation"
	RequestPing             = "ping"
)

// MaxMessageSize bounds a single inbound envelope.
const MaxMessageSize = 64 * 1024

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// LogPayload is the data of a logs event
type LogPayload struct {
	Message string `json:"message"`
}

// MicrophonesPayload is the data of a microphones event
type MicrophonesPayload struct {
	Microphones []audio.Microphone `json:"microphones"`
	Count       int                `json:"count"`
}

// TranslationPayload is the data of a translation event
type TranslationPayload struct {
	Text string `json:"text"`
}

// StatusPayload is the data of a translation_status event
type StatusPayload struct {
	Active  bool   `json:"active"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PongPayload echoes the ping timestamp
type PongPayload struct {
	Timestamp json.RawMessage `json:"timestamp"`
}

// ConfigUpdatedPayload lists the keys committed by an update
type ConfigUpdatedPayload struct {
	Changed map[string]any `json:"changed"`
}

// RejectedPayload explains why a request was not executed
type RejectedPayload struct {
	Request string `json:"request"`
	Reason  string `json:"reason"`
	Key     string `json:"key,omitempty"`
}

// Request is a parsed and validated inbound request. Only the field matching
// Name is populated.
type Request struct {
	Name         string
	MicrophoneID int
	Update       map[string]json.RawMessage
	Timestamp    json.RawMessage
}

// ErrUnknownRequest is wrapped by RequestError for unrecognised event names.
var ErrUnknownRequest = errors.New("unknown request")

// RequestError rejects a malformed or invalid inbound message.
type RequestError struct {
	Request string
	Reason  string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Request == "" {
		return fmt.Sprintf("invalid message: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s request: %s", e.Request, e.Reason)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Encode builds the wire form of an outbound event.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// ParseEnvelope decodes the outer frame of an inbound message.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) > MaxMessageSize {
		return nil, &RequestError{Reason: fmt.Sprintf("message too large: %d bytes", len(data))}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &RequestError{Reason: "malformed envelope", Err: err}
	}
	if env.Event == "" {
		return nil, &RequestError{Reason: "missing event name"}
	}
	return &env, nil
}

// ParseRequest decodes and validates an inbound message.
func ParseRequest(data []byte) (*Request, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}

	req := &Request{Name: env.Event}
	switch env.Event {
	case RequestGetMicrophones, RequestGetConfig, RequestStartTranslation, RequestStopTranslation:
		return req, nil

	case RequestSetMicrophone:
		var payload struct {
			ID *float64 `json:"id"`
		}
		if err := decodeObject(env.Data, &payload); err != nil {
			return nil, &RequestError{Request: env.Event, Reason: "data must be an object", Err: err}
		}
		if payload.ID == nil {
			return nil, &RequestError{Request: env.Event, Reason: "id is required"}
		}
		id := *payload.ID
		if id < 0 || id != math.Trunc(id) || id > math.MaxInt32 {
			return nil, &RequestError{Request: env.Event, Reason: fmt.Sprintf("id must be a non-negative integer, got %v", id)}
		}
		req.MicrophoneID = int(id)
		return req, nil

	case RequestUpdateConfig:
		var update map[string]json.RawMessage
		if err := decodeObject(env.Data, &update); err != nil {
			return nil, &RequestError{Request: env.Event, Reason: "data must be an object", Err: err}
		}
		if update == nil {
			update = map[string]json.RawMessage{}
		}
		req.Update = update
		return req, nil

	case RequestPing:
		var payload struct {
			Timestamp json.RawMessage `json:"timestamp"`
		}
		if len(env.Data) > 0 && !isNull(env.Data) {
			if err := decodeObject(env.Data, &payload); err != nil {
				return nil, &RequestError{Request: env.Event, Reason: "data must be an object", Err: err}
			}
		}
		req.Timestamp = payload.Timestamp
		if len(req.Timestamp) == 0 {
			req.Timestamp = json.RawMessage("0")
		}
		return req, nil

	default:
		return nil, &RequestError{Request: env.Event, Reason: "unknown event", Err: ErrUnknownRequest}
	}
}

// decodeObject requires data to be a JSON object (or absent for optional payloads).
func decodeObject(data json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("expected JSON object")
	}
	return json.Unmarshal(trimmed, v)
}

func isNull(data json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
