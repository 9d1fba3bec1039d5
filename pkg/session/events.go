package session

import (
	"github.com/salachat/client-go/pkg/model"
	"github.com/salachat/client-go/pkg/reconcile"
	"github.com/salachat/client-go/pkg/reconnect"
)

// Event is one update published on the session's event stream. Every
// event carries the full current view, never a delta, so a consumer
// that misses one is corrected by the next.
type Event interface {
	isEvent()
}

// MessagesEvent carries the canonical message sequence.
type MessagesEvent struct {
	RoomID  int64
	Entries []reconcile.Entry
}

// StateEvent reports a connection state transition. Err is set for
// terminal failures: a rejected credential or an exhausted reconnect
// budget.
type StateEvent struct {
	RoomID int64
	State  reconnect.State
	Err    error
}

// TypingEvent carries the usernames currently typing.
type TypingEvent struct {
	RoomID int64
	Users  []string
}

// OnlineEvent carries the online roster.
type OnlineEvent struct {
	RoomID int64
	Users  []model.User
}

func (MessagesEvent) isEvent() {}
func (StateEvent) isEvent()    {}
func (TypingEvent) isEvent()   {}
func (OnlineEvent) isEvent()   {}
