package model

import "time"

// User is a chat participant as the backend reports it.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Room is a chat room summary.
type Room struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsPrivate   bool   `json:"is_private,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// FileUpload is the descriptor returned after a file upload. Transfer
// mechanics live entirely on the server; the client only carries the
// descriptor around.
type FileUpload struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	FileURL     string `json:"file_url"`
	RoomID      int64  `json:"room_id,omitempty"`
}

// Message is the one canonical message shape used past the transport
// and API boundaries. The backend encodes the sender two different
// ways on the wire; both collapse into SenderID/SenderName here.
type Message struct {
	ID         int64
	Content    string
	SenderID   int64
	SenderName string
	RoomID     int64
	FileURL    string
	CreatedAt  time.Time
}

// Before reports whether m sorts ahead of other in the canonical
// sequence: created_at ascending, id ascending on equal timestamps.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
