// Package protocol defines the socket wire format: a JSON envelope whose
// type field selects one of a closed set of payloads.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilupskalvis/coedit/internal/models"
)

// Type identifies an envelope payload
type Type string

const (
	TypeWelcome              Type = "welcome"
	TypeChat                 Type = "chat"
	TypeTyping               Type = "typing"
	TypePrivate              Type = "private"
	TypePing                 Type = "ping"
	TypePong                 Type = "pong"
	TypeCursor               Type = "cursor"
	TypeSelection            Type = "selection"
	TypeOperation            Type = "operation"
	TypeUndo                 Type = "undo"
	TypeRedo                 Type = "redo"
	TypeUserJoined           Type = "user_joined"
	TypeUserLeft             Type = "user_left"
	TypeError                Type = "error"
	TypeNotification         Type = "notification"
	TypeNotificationsRead    Type = "notifications_read"
	TypeNotificationsCleared Type = "notifications_cleared"
)

// Envelope is the frame every socket message travels in
type Envelope struct {
	Type      Type            `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"message_id"`
}

// New builds an envelope around data, stamping it with a fresh id and the
// current time.
func New(t Type, from string, data any) (Envelope, error) {
	env := Envelope{
		Type:      t,
		From:      from,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.New().String(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = raw
	}
	return env, nil
}

// MustNew is New for payloads that always marshal
func MustNew(t Type, from string, data any) Envelope {
	env, err := New(t, from, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Sender delivers frames to one client connection. Send must not block; a
// connection that cannot keep up reports an error and is closed by its owner.
type Sender interface {
	Send(env Envelope) error
	Close(reason string)
}

// Client messages. Decode produces exactly one of these.

// Message is a decoded client payload
type Message interface {
	Type() Type
}

type Chat struct {
	Text string `json:"text"`
}

type Typing struct {
	IsTyping bool `json:"is_typing"`
}

type Private struct {
	Text string `json:"text"`
}

type Ping struct{}

type Cursor struct {
	Position int `json:"position"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Operation struct {
	Operation models.Operation `json:"operation"`
}

type Undo struct{}

type Redo struct{}

func (Chat) Type() Type      { return TypeChat }
func (Typing) Type() Type    { return TypeTyping }
func (Private) Type() Type   { return TypePrivate }
func (Ping) Type() Type      { return TypePing }
func (Cursor) Type() Type    { return TypeCursor }
func (Selection) Type() Type { return TypeSelection }
func (Operation) Type() Type { return TypeOperation }
func (Undo) Type() Type      { return TypeUndo }
func (Redo) Type() Type      { return TypeRedo }

// Server payloads.

// Welcome is sent to a connection right after it joins a room
type Welcome struct {
	ConnectionID     string                `json:"connection_id"`
	RoomID           string                `json:"room_id"`
	SessionID        string                `json:"session_id"`
	Content          string                `json:"content"`
	Version          int64                 `json:"version"`
	Checksum         string                `json:"checksum"`
	Formatting       models.Formatting     `json:"formatting,omitempty"`
	Participants     []*models.Participant `json:"participants"`
	RecentOperations []models.Operation    `json:"recent_operations"`
	ChatHistory      []ChatEntry           `json:"chat_history,omitempty"`
}

// ChatEntry is one retained chat message
type ChatEntry struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Pong answers a ping
type Pong struct {
	ServerTime int64 `json:"server_time"`
}

// Presence announces a user joining or leaving a room
type Presence struct {
	UserID       string              `json:"user_id"`
	Username     string              `json:"username,omitempty"`
	ConnectionID string              `json:"connection_id"`
	Participant  *models.Participant `json:"participant,omitempty"`
}

// Applied is broadcast after an edit is applied to the document. Operations
// are applied in order and together advance the document by one version; an
// edit has several when a concurrent insert split its range.
type Applied struct {
	Operations  []models.Operation `json:"operations"`
	Version     int64              `json:"version"`
	Checksum    string             `json:"checksum"`
	VectorClock models.VectorClock `json:"vector_clock,omitempty"`
}

// Error reports a rejected message to the connection that sent it
type Error struct {
	Code               string             `json:"code"`
	Message            string             `json:"message"`
	InReplyTo          string             `json:"in_reply_to,omitempty"`
	RejectedOperations []models.Operation `json:"rejected_operations,omitempty"`
}

// NotificationsRead lists notifications marked read on another device
type NotificationsRead struct {
	IDs []string `json:"ids"`
}

// NotificationsCleared reports that a user's notifications were cleared
type NotificationsCleared struct {
	Count int `json:"count"`
}

// NewError builds an error frame for err
func NewError(err error, inReplyTo string, rejected []models.Operation) Envelope {
	return MustNew(TypeError, "", Error{
		Code:               models.ErrorCode(err),
		Message:            err.Error(),
		InReplyTo:          inReplyTo,
		RejectedOperations: rejected,
	})
}

// Decode parses a client frame. Unknown types, server-only types and invalid
// payloads fail with ErrMalformedOperation.
func Decode(raw []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("%w: invalid envelope: %v", models.ErrMalformedOperation, err)
	}

	var msg Message
	switch env.Type {
	case TypeChat:
		msg = &Chat{}
	case TypeTyping:
		msg = &Typing{}
	case TypePrivate:
		msg = &Private{}
	case TypePing:
		msg = &Ping{}
	case TypeCursor:
		msg = &Cursor{}
	case TypeSelection:
		msg = &Selection{}
	case TypeOperation:
		msg = &Operation{}
	case TypeUndo:
		msg = &Undo{}
	case TypeRedo:
		msg = &Redo{}
	case TypeWelcome, TypePong, TypeUserJoined, TypeUserLeft, TypeError,
		TypeNotification, TypeNotificationsRead, TypeNotificationsCleared:
		return env, nil, fmt.Errorf("%w: %s is not accepted from clients", models.ErrMalformedOperation, env.Type)
	default:
		return env, nil, fmt.Errorf("%w: unknown message type %q", models.ErrMalformedOperation, env.Type)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return env, nil, fmt.Errorf("%w: invalid %s payload: %v", models.ErrMalformedOperation, env.Type, err)
		}
	}

	// Handlers switch on value types.
	switch m := msg.(type) {
	case *Chat:
		if m.Text == "" {
			return env, nil, fmt.Errorf("%w: empty chat message", models.ErrMalformedOperation)
		}
		return env, *m, nil
	case *Typing:
		return env, *m, nil
	case *Private:
		if env.To == "" {
			return env, nil, fmt.Errorf("%w: private message without recipient", models.ErrMalformedOperation)
		}
		return env, *m, nil
	case *Ping:
		return env, *m, nil
	case *Cursor:
		if m.Position < 0 {
			return env, nil, fmt.Errorf("%w: negative cursor position", models.ErrMalformedOperation)
		}
		return env, *m, nil
	case *Selection:
		if m.Start < 0 || m.End < m.Start {
			return env, nil, fmt.Errorf("%w: invalid selection [%d,%d)", models.ErrMalformedOperation, m.Start, m.End)
		}
		return env, *m, nil
	case *Operation:
		if m.Operation.Type == "" {
			return env, nil, fmt.Errorf("%w: operation payload missing", models.ErrMalformedOperation)
		}
		return env, *m, nil
	case *Undo:
		return env, *m, nil
	case *Redo:
		return env, *m, nil
	}
	return env, nil, fmt.Errorf("%w: unhandled message type %q", models.ErrMalformedOperation, env.Type)
}
