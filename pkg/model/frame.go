package model

import (
	"fmt"
	"time"
)

type FrameType string

// Inbound frame types.
const (
	TypeMessage     FrameType = "message"
	TypeWelcome     FrameType = "welcome"
	TypeJoinedRoom  FrameType = "joined_room"
	TypeUsersOnline FrameType = "users_online"
	TypeUserJoined  FrameType = "user_joined"
	TypeUserLeft    FrameType = "user_left"
	TypeTyping      FrameType = "typing"
	TypeError       FrameType = "error"
	TypePong        FrameType = "pong"
)

// Outbound control frame types.
const (
	TypeJoinRoom  FrameType = "join_room"
	TypeLeaveRoom FrameType = "leave_room"
	TypePing      FrameType = "ping"
)

// Sender is the embedded sender object some backend payloads carry
// instead of the flat user_id/username pair.
type Sender struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
}

// Frame is the wire envelope for every event on the live channel, in
// both directions. Field names are the protocol contract with the
// backend.
type Frame struct {
	Type      FrameType `json:"type"`
	ID        int64     `json:"id,omitempty"`
	Content   string    `json:"content,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	RoomID    int64     `json:"room_id,omitempty"`
	FileID    int64     `json:"file_id,omitempty"`
	FileURL   string    `json:"file_url,omitempty"`
	CreatedAt string    `json:"created_at,omitempty"`
	Sender    *Sender   `json:"sender,omitempty"`
	Typing    bool      `json:"typing,omitempty"`
	Users     []User    `json:"users,omitempty"`
	Message   string    `json:"message,omitempty"`
	Code      string    `json:"code,omitempty"`
}

// MalformedFrameError marks an inbound payload that cannot become a
// canonical Message. Such payloads are dropped and logged, never
// surfaced to consumers.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return "malformed frame: " + e.Reason
}

// WireMessage is a message as the HTTP API returns it. It shares its
// shape with a "message" frame minus the type tag.
type WireMessage struct {
	ID        int64   `json:"id"`
	Content   string  `json:"content"`
	UserID    int64   `json:"user_id"`
	Username  string  `json:"username"`
	RoomID    int64   `json:"room_id"`
	FileURL   string  `json:"file_url,omitempty"`
	CreatedAt string  `json:"created_at"`
	Sender    *Sender `json:"sender,omitempty"`
}

// Normalize collapses the wire shape into the canonical Message,
// preferring the embedded sender object when both encodings are
// present.
func (w WireMessage) Normalize() (Message, error) {
	if w.ID == 0 {
		return Message{}, &MalformedFrameError{Reason: "missing id"}
	}
	if w.Content == "" && w.FileURL == "" {
		return Message{}, &MalformedFrameError{Reason: "missing content"}
	}
	if w.CreatedAt == "" {
		return Message{}, &MalformedFrameError{Reason: "missing created_at"}
	}
	createdAt, err := ParseTime(w.CreatedAt)
	if err != nil {
		return Message{}, &MalformedFrameError{Reason: err.Error()}
	}

	msg := Message{
		ID:         w.ID,
		Content:    w.Content,
		SenderID:   w.UserID,
		SenderName: w.Username,
		RoomID:     w.RoomID,
		FileURL:    w.FileURL,
		CreatedAt:  createdAt,
	}
	if w.Sender != nil {
		msg.SenderID = w.Sender.ID
		msg.SenderName = w.Sender.Username
	}
	if msg.SenderID == 0 {
		return Message{}, &MalformedFrameError{Reason: "missing sender"}
	}
	return msg, nil
}

// Normalize converts a "message" frame into the canonical Message.
func (f Frame) Normalize() (Message, error) {
	if f.Type != TypeMessage {
		return Message{}, &MalformedFrameError{Reason: fmt.Sprintf("type %q is not a message", f.Type)}
	}
	return WireMessage{
		ID:        f.ID,
		Content:   f.Content,
		UserID:    f.UserID,
		Username:  f.Username,
		RoomID:    f.RoomID,
		FileURL:   f.FileURL,
		CreatedAt: f.CreatedAt,
		Sender:    f.Sender,
	}.Normalize()
}

// ParseTime accepts the timestamp layouts the backend emits.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
