package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies turn stream payload variants. The same types are
// used as SSE event names and as websocket envelope types.
type MessageType string

const (
	TypeTurnRequest MessageType = "turn_request"
	TypeTurnCancel  MessageType = "turn_cancel"
	TypeToken       MessageType = "token"
	TypeAudio       MessageType = "audio"
	TypeComplete    MessageType = "complete"
	TypeError       MessageType = "error"
)

// Error sources.
const (
	SourceInput      = "input"
	SourcePolicy     = "policy"
	SourceDependency = "dependency"
	SourceGeneration = "generation"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Event is anything the server streams back for a turn.
type Event interface {
	EventType() MessageType
}

type TurnRequest struct {
	Type MessageType `json:"type,omitempty"`
	// TurnID is optional. Websocket clients may set it to cancel the turn
	// before its first event arrives; the server assigns one otherwise.
	TurnID       string `json:"turn_id,omitempty" validate:"omitempty,max=128"`
	UserID       string `json:"user_id" validate:"required,max=128"`
	ConvoID      string `json:"convo_id,omitempty" validate:"omitempty,max=128"`
	Text         string `json:"text" validate:"required,max=8000"`
	VoiceEnabled bool   `json:"voice_enabled"`
	VoiceID      string `json:"voice_id,omitempty" validate:"omitempty,max=128"`
}

type TurnCancel struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
}

type Token struct {
	Type   MessageType `json:"type"`
	TurnID string      `json:"turn_id"`
	Text   string      `json:"text"`
}

type Audio struct {
	Type        MessageType `json:"type"`
	TurnID      string      `json:"turn_id"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
	DurationMS  int64       `json:"duration_ms"`
}

type Complete struct {
	Type             MessageType `json:"type"`
	TurnID           string      `json:"turn_id"`
	ConvoID          string      `json:"convo_id"`
	Text             string      `json:"text"`
	RecallKind       string      `json:"recall_kind"`
	MemoryCount      int         `json:"memory_count"`
	SummaryRefreshed bool        `json:"summary_refreshed,omitempty"`
}

type Error struct {
	Type      MessageType `json:"type"`
	TurnID    string      `json:"turn_id"`
	ConvoID   string      `json:"convo_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail,omitempty"`
}

func (TurnRequest) EventType() MessageType { return TypeTurnRequest }
func (TurnCancel) EventType() MessageType  { return TypeTurnCancel }
func (Token) EventType() MessageType       { return TypeToken }
func (Audio) EventType() MessageType       { return TypeAudio }
func (Complete) EventType() MessageType    { return TypeComplete }
func (Error) EventType() MessageType       { return TypeError }

// IsTerminal reports whether e ends a turn stream.
func IsTerminal(e Event) bool {
	t := e.EventType()
	return t == TypeComplete || t == TypeError
}

// ParseClientMessage decodes an inbound websocket frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTurnRequest:
		var msg TurnRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.UserID) == "" || strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid turn_request")
		}
		return msg, nil
	case TypeTurnCancel:
		var msg TurnCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
