// Package protocol defines the messages exchanged between session clients and
// the session server: the frame envelope, the method and event catalogue, and
// their payload shapes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame kinds.
const (
	KindInvoke = "invoke"
	KindAck    = "ack"
	KindEvent  = "event"
)

// Methods are client-to-server calls.
const (
	MethodJoinAsHost        = "JoinAsHost"
	MethodJoinAsParticipant = "JoinAsParticipant"
	MethodStartQuestion     = "StartQuestion"
	MethodEndQuestion       = "EndQuestion"
	MethodEndQuiz           = "EndQuiz"
	MethodSubmitAnswer      = "SubmitAnswer"
)

// Events are server-to-client pushes.
const (
	EventQuizInfo          = "QuizInfo"
	EventJoinError         = "JoinError"
	EventParticipantJoined = "ParticipantJoined"
	EventParticipantLeft   = "ParticipantLeft"
	EventQuestionStarted   = "QuestionStarted"
	EventQuestionEnded     = "QuestionEnded"
	EventQuizEnded         = "QuizEnded"
	EventNewResponse       = "NewResponse"
	EventSessionSnapshot   = "SessionSnapshot"
)

// MaxFrameSize bounds a single inbound frame.
const MaxFrameSize = 64 * 1024

var (
	ErrUnknownKind = errors.New("protocol: unknown frame kind")
	ErrMissingID   = errors.New("protocol: frame missing id")
	ErrMissingType = errors.New("protocol: frame missing type")
)

// Frame is the envelope of every WebSocket text message.
type Frame struct {
	Kind    string          `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Validate checks the envelope shape for its kind.
func (f Frame) Validate() error {
	switch f.Kind {
	case KindInvoke:
		if f.ID == "" {
			return ErrMissingID
		}
		if f.Type == "" {
			return ErrMissingType
		}
	case KindAck:
		if f.ID == "" {
			return ErrMissingID
		}
	case KindEvent:
		if f.Type == "" {
			return ErrMissingType
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, f.Kind)
	}
	return nil
}

// NewInvoke builds an invoke frame.
func NewInvoke(id, method string, args any) (Frame, error) {
	payload, err := marshal(args)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", method, err)
	}
	return Frame{Kind: KindInvoke, ID: id, Type: method, Payload: payload}, nil
}

// NewAck builds an ack frame. A non-nil callErr is reported in Error.
func NewAck(id string, result any, callErr error) (Frame, error) {
	f := Frame{Kind: KindAck, ID: id}
	if callErr != nil {
		f.Error = callErr.Error()
		return f, nil
	}
	payload, err := marshal(result)
	if err != nil {
		return Frame{}, fmt.Errorf("encode ack: %w", err)
	}
	f.Payload = payload
	return f, nil
}

// NewEvent builds an event frame.
func NewEvent(event string, payload any) (Frame, error) {
	raw, err := marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Frame{Kind: KindEvent, Type: event, Payload: raw}, nil
}

// Decode parses and validates a frame.
func Decode(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, fmt.Errorf("protocol: frame of %d bytes exceeds limit", len(data))
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// DecodePayload unmarshals a frame payload into T. An empty payload yields the zero value.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("protocol: decode payload: %w", err)
	}
	return out, nil
}

func marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
