// Package presence tracks who is online and who is typing in the
// current room.
package presence

import (
	"sort"
	"time"

	"github.com/salachat/client-go/pkg/model"
)

// DefaultTypingTimeout is how long a typing indicator survives without
// a refresh.
const DefaultTypingTimeout = 3 * time.Second

// Tracker keeps the typing set and the online roster. Typing entries
// expire locally; the roster is always replaced wholesale from the
// authoritative snapshot, never patched incrementally, so it cannot
// drift. Like the reconciler it is single-writer from the session
// loop.
type Tracker struct {
	timeout time.Duration
	now     func() time.Time

	typing map[string]time.Time // username -> expiresAt
	online []model.User
}

func New(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Tracker{
		timeout: timeout,
		now:     time.Now,
		typing:  make(map[string]time.Time),
	}
}

// OnTyping refreshes a typing entry or removes it on an explicit stop.
func (t *Tracker) OnTyping(username string, typing bool) {
	if username == "" {
		return
	}
	if typing {
		t.typing[username] = t.now().Add(t.timeout)
	} else {
		delete(t.typing, username)
	}
}

// Typing returns the users currently typing, sorted. Expired entries
// are purged on read, so a missed sweep never shows a stale indicator.
func (t *Tracker) Typing() []string {
	now := t.now()
	names := make([]string, 0, len(t.typing))
	for name, expires := range t.typing {
		if !expires.After(now) {
			delete(t.typing, name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sweep purges expired entries and reports whether the set changed.
func (t *Tracker) Sweep() bool {
	now := t.now()
	changed := false
	for name, expires := range t.typing {
		if !expires.After(now) {
			delete(t.typing, name)
			changed = true
		}
	}
	return changed
}

// SetOnline replaces the roster with the authoritative snapshot.
func (t *Tracker) SetOnline(users []model.User) {
	t.online = append([]model.User(nil), users...)
}

// Online returns a copy of the roster.
func (t *Tracker) Online() []model.User {
	return append([]model.User(nil), t.online...)
}
