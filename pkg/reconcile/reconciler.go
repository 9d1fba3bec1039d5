// Package reconcile merges the three delivery paths of a chat room --
// live frames, optimistic local sends and fallback poll snapshots --
// into one ordered, deduplicated sequence.
package reconcile

import (
	"sort"
	"time"

	"github.com/salachat/client-go/pkg/localid"
	"github.com/salachat/client-go/pkg/model"
)

// DefaultMatchWindow bounds how far apart a local send and its server
// echo may be timestamped and still be treated as the same message.
// The backend gives no documented guarantee here; treat as tunable.
const DefaultMatchWindow = 10 * time.Second

// Status of an entry in the canonical sequence.
type Status int

const (
	Confirmed Status = iota
	Pending
	Failed
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one row of the canonical sequence: a server-confirmed
// message, or a local optimistic one identified by LocalID while it
// waits for its echo.
type Entry struct {
	Message model.Message
	LocalID int64
	Status  Status
}

// Reconciler owns the canonical sequence and all merge state for one
// room. Single-writer: only the session loop calls its methods, which
// is what makes the merge rules sufficient without locks.
type Reconciler struct {
	self   model.User
	roomID int64
	window time.Duration
	now    func() time.Time
	ids    *localid.Generator

	entries []Entry
	seen    map[int64]struct{} // confirmed server ids
}

func New(self model.User, roomID int64, window time.Duration) *Reconciler {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Reconciler{
		self:   self,
		roomID: roomID,
		window: window,
		now:    time.Now,
		ids:    localid.New(),
		seen:   make(map[int64]struct{}),
	}
}

// ApplyFrame ingests one confirmed message from the live path (or an
// HTTP send response, which is treated identically). A duplicate id is
// a no-op: the first writer wins the id slot. When the message is our
// own echo, the matching optimistic entry is replaced in the same
// pass, so both never coexist in the published sequence.
func (r *Reconciler) ApplyFrame(msg model.Message) bool {
	if _, dup := r.seen[msg.ID]; dup {
		return false
	}
	if msg.SenderID == r.self.ID {
		r.clearOptimistic(msg)
	}
	r.insert(Entry{Message: msg, Status: Confirmed})
	return true
}

// ApplySnapshot merges a full history page from the fallback path.
// Strictly additive: entries already present are untouched and nothing
// is removed, so a transient poll gap cannot regress the view.
func (r *Reconciler) ApplySnapshot(msgs []model.Message) int {
	added := 0
	for _, msg := range msgs {
		if r.ApplyFrame(msg) {
			added++
		}
	}
	return added
}

// SubmitOptimistic appends a Pending entry so the sender sees the
// message before server confirmation, and returns its local id. The
// caller is responsible for the actual transmission.
func (r *Reconciler) SubmitOptimistic(content string) int64 {
	id := r.ids.Generate()
	r.entries = append(r.entries, Entry{
		Message: model.Message{
			Content:    content,
			SenderID:   r.self.ID,
			SenderName: r.self.Username,
			RoomID:     r.roomID,
			CreatedAt:  r.now(),
		},
		LocalID: id,
		Status:  Pending,
	})
	return id
}

// MarkSendResult records the transmission outcome for an optimistic
// entry, independent of echo matching. A failed entry stays visible
// and retryable, never silently discarded.
func (r *Reconciler) MarkSendResult(localID int64, err error) {
	for i := range r.entries {
		if r.entries[i].LocalID == localID && r.entries[i].Status == Pending {
			if err != nil {
				r.entries[i].Status = Failed
			}
			return
		}
	}
}

// Retry flips a Failed entry back to Pending with a fresh timestamp
// and returns its content for retransmission.
func (r *Reconciler) Retry(localID int64) (content string, ok bool) {
	for i := range r.entries {
		if r.entries[i].LocalID == localID && r.entries[i].Status == Failed {
			r.entries[i].Status = Pending
			r.entries[i].Message.CreatedAt = r.now()
			return r.entries[i].Message.Content, true
		}
	}
	return "", false
}

// Sequence returns a copy of the canonical sequence.
func (r *Reconciler) Sequence() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries in the sequence.
func (r *Reconciler) Len() int { return len(r.entries) }

// clearOptimistic removes the oldest Pending entry matching the echo:
// same content, local timestamp within the window of the server's.
func (r *Reconciler) clearOptimistic(msg model.Message) {
	for i, e := range r.entries {
		if e.LocalID == 0 || e.Status != Pending {
			continue
		}
		if e.Message.Content != msg.Content {
			continue
		}
		d := msg.CreatedAt.Sub(e.Message.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= r.window {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// insert places a confirmed entry at its sorted position.
func (r *Reconciler) insert(e Entry) {
	r.seen[e.Message.ID] = struct{}{}
	i := sort.Search(len(r.entries), func(i int) bool {
		return !r.entries[i].Message.Before(e.Message)
	})
	r.entries = append(r.entries, Entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}
