package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salachat/client-go/pkg/model"
	"github.com/salachat/client-go/pkg/reconcile"
	"github.com/salachat/client-go/pkg/reconnect"
	"github.com/salachat/client-go/pkg/transport"
)

var self = model.User{ID: 7, Username: "ana"}

type staticTokens struct{ token string }

func (s staticTokens) Token() string       { return s.token }
func (s staticTokens) Authenticated() bool { return s.token != "" }
func (s staticTokens) Unauthorized()       {}

// fakeTransport scripts connect outcomes and records traffic.
type fakeTransport struct {
	mu          sync.Mutex
	frames      chan model.Frame
	status      chan bool
	sent        []model.Frame
	connectErrs []error // consumed per attempt; nil entry = success
	connects    int
	disconnects int
	connected   bool
}

func newFakeTransport(connectErrs ...error) *fakeTransport {
	return &fakeTransport{
		frames:      make(chan model.Frame, 64),
		status:      make(chan bool, 8),
		connectErrs: connectErrs,
	}
}

func (f *fakeTransport) Connect(ctx context.Context, roomID int64, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Send(frame model.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

func (f *fakeTransport) Frames() <-chan model.Frame { return f.frames }
func (f *fakeTransport) Status() <-chan bool        { return f.status }

func (f *fakeTransport) sentFrames() []model.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Frame(nil), f.sent...)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// fakeBackend scripts the HTTP collaborator.
type fakeBackend struct {
	mu          sync.Mutex
	history     []model.Message
	historyErrs int // leading Messages calls that fail
	sendErr     error
	sendResp    model.Message
	online      []model.User
	sentHTTP    []string
}

func (f *fakeBackend) Messages(ctx context.Context, roomID int64) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErrs > 0 {
		f.historyErrs--
		return nil, errors.New("backend unavailable")
	}
	return append([]model.Message(nil), f.history...), nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, roomID int64, content string, fileID int64) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentHTTP = append(f.sentHTTP, content)
	if f.sendErr != nil {
		return model.Message{}, f.sendErr
	}
	return f.sendResp, nil
}

func (f *fakeBackend) OnlineUsers(ctx context.Context, roomID int64) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.User(nil), f.online...), nil
}

func (f *fakeBackend) httpSends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentHTTP...)
}

func (f *fakeBackend) setSend(resp model.Message, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendResp, f.sendErr = resp, err
}

func (f *fakeBackend) setOnline(users []model.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = users
}

// fakeClock fires timers immediately so reconnect schedules collapse
// to zero without touching real time. The sweep ticker never fires;
// presence expiry is covered by the presence package's own tests.
type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Now() }

func (fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (fakeClock) NewTicker(d time.Duration) Ticker { return noopTicker{} }

type noopTicker struct{}

func (noopTicker) C() <-chan time.Time { return nil }
func (noopTicker) Stop()               {}

// eventLog drains the session's event stream into an append-only
// history so tests can assert on events in any order without racing
// each other for the channel.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func record(s *Session) *eventLog {
	l := &eventLog{}
	go func() {
		for ev := range s.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) stateCount(state reconnect.State) int {
	n := 0
	for _, ev := range l.snapshot() {
		if st, ok := ev.(StateEvent); ok && st.State == state {
			n++
		}
	}
	return n
}

func waitFor[T Event](t *testing.T, log *eventLog, match func(T) bool) T {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, ev := range log.snapshot() {
			if typed, ok := ev.(T); ok && match(typed) {
				return typed
			}
		}
		if time.Now().After(deadline) {
			var zero T
			t.Fatalf("timed out waiting for %T, saw %v", zero, log.snapshot())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, log *eventLog, want reconnect.State) StateEvent {
	t.Helper()
	return waitFor(t, log, func(ev StateEvent) bool { return ev.State == want })
}

func newTestSession(backend Backend, tr Transport) *Session {
	return New(backend, staticTokens{token: "tok"}, self, Options{
		ReconnectInterval: time.Millisecond,
		MaxReconnects:     5,
		PollInterval:      10 * time.Millisecond,
		Clock:             fakeClock{},
		NewTransport:      func() Transport { return tr },
	})
}

func message(id int64, content string, sender model.User, at time.Time) model.Message {
	return model.Message{
		ID: id, Content: content, SenderID: sender.ID,
		SenderName: sender.Username, RoomID: 3, CreatedAt: at,
	}
}

func connectFailures(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = fmt.Errorf("attempt %d refused", i+1)
	}
	return errs
}

func TestJoinConnectsAndLoadsHistory(t *testing.T) {
	t0 := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	backend := &fakeBackend{history: []model.Message{
		message(2, "b", self, t0.Add(time.Second)),
		message(1, "a", self, t0),
	}}
	tr := newFakeTransport()
	s := newTestSession(backend, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))

	ev := waitFor(t, log, func(ev MessagesEvent) bool { return len(ev.Entries) == 2 })
	assert.Equal(t, int64(1), ev.Entries[0].Message.ID, "history sorted by created_at")
	assert.Equal(t, int64(2), ev.Entries[1].Message.ID)

	require.Eventually(t, func() bool { return s.State() == reconnect.Connected }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int64(3), s.Room())
}

func TestJoinWithoutTokenFails(t *testing.T) {
	s := New(&fakeBackend{}, staticTokens{}, self, Options{})
	assert.Error(t, s.Join(context.Background(), 3))
}

func TestSendLiveEchoConfirmsOptimistic(t *testing.T) {
	backend := &fakeBackend{}
	tr := newFakeTransport()
	s := newTestSession(backend, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))
	waitState(t, log, reconnect.Connected)

	localID, err := s.Send("hello")
	require.NoError(t, err)
	require.NotZero(t, localID)

	// The optimistic entry is visible immediately.
	pending := waitFor(t, log, func(ev MessagesEvent) bool {
		return len(ev.Entries) == 1 && ev.Entries[0].Status == reconcile.Pending
	})
	assert.Equal(t, localID, pending.Entries[0].LocalID)

	// The frame went out on the live channel, not over HTTP.
	require.Eventually(t, func() bool { return len(tr.sentFrames()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "hello", tr.sentFrames()[0].Content)
	assert.Empty(t, backend.httpSends())

	// Server echo lands shortly after.
	tr.frames <- model.Frame{
		Type: model.TypeMessage, ID: 42, Content: "hello", UserID: self.ID,
		Username: self.Username, RoomID: 3,
		CreatedAt: time.Now().Add(200 * time.Millisecond).UTC().Format(time.RFC3339Nano),
	}

	final := waitFor(t, log, func(ev MessagesEvent) bool {
		return len(ev.Entries) == 1 && ev.Entries[0].Status == reconcile.Confirmed
	})
	assert.Equal(t, int64(42), final.Entries[0].Message.ID)
	assert.Zero(t, final.Entries[0].LocalID, "no residual optimistic entry")
}

func TestSendFallsBackToHTTPWhenDisconnected(t *testing.T) {
	backend := &fakeBackend{sendResp: message(42, "hola", self, time.Now().UTC())}
	// Connect never succeeds; the session lives in Reconnecting.
	tr := newFakeTransport(connectFailures(6)...)
	s := newTestSession(backend, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))
	waitState(t, log, reconnect.Reconnecting)

	_, err := s.Send("hola")
	require.NoError(t, err)

	final := waitFor(t, log, func(ev MessagesEvent) bool {
		return len(ev.Entries) == 1 && ev.Entries[0].Status == reconcile.Confirmed
	})
	assert.Equal(t, int64(42), final.Entries[0].Message.ID, "HTTP confirmation ingested like a frame")
	assert.Equal(t, []string{"hola"}, backend.httpSends())
}

func TestSendFailureMarksEntryFailedAndRetryResends(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("backend down")}
	tr := newFakeTransport(connectFailures(6)...)
	s := newTestSession(backend, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))
	waitState(t, log, reconnect.Reconnecting)

	localID, err := s.Send("hola")
	require.NoError(t, err)

	failed := waitFor(t, log, func(ev MessagesEvent) bool {
		return len(ev.Entries) == 1 && ev.Entries[0].Status == reconcile.Failed
	})
	assert.Equal(t, localID, failed.Entries[0].LocalID, "failed send stays visible")

	// Backend recovers; the retry goes through the fallback again.
	backend.setSend(message(43, "hola", self, time.Now().UTC()), nil)

	require.NoError(t, s.Retry(localID))
	confirmed := waitFor(t, log, func(ev MessagesEvent) bool {
		return len(ev.Entries) == 1 && ev.Entries[0].Status == reconcile.Confirmed
	})
	assert.Equal(t, int64(43), confirmed.Entries[0].Message.ID)

	assert.ErrorIs(t, s.Retry(999), ErrUnknownMessage)
}

func TestSendValidation(t *testing.T) {
	s := newTestSession(&fakeBackend{}, newFakeTransport())

	_, err := s.Send("hola")
	assert.ErrorIs(t, err, ErrNotJoined)

	require.NoError(t, s.Join(context.Background(), 3))
	defer s.Close()

	_, err = s.Send("   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	long := make([]byte, 1001)
	for i := range long {
		long[i] = 'a'
	}
	_, err = s.Send(string(long))
	assert.ErrorIs(t, err, ErrMessageTooLong)
}

func TestReconnectExhaustionSuspendsAndPollerTakesOver(t *testing.T) {
	t0 := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	backend := &fakeBackend{
		historyErrs: 1, // the initial load fails so only polling can populate
		history: []model.Message{
			message(1, "a", self, t0),
			message(2, "b", self, t0.Add(time.Second)),
			message(3, "c", self, t0.Add(2*time.Second)),
		},
	}
	tr := newFakeTransport(connectFailures(6)...)
	s := newTestSession(backend, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))

	ev := waitState(t, log, reconnect.Suspended)
	assert.ErrorIs(t, ev.Err, ErrSuspended)
	assert.Equal(t, 6, tr.connectCount(), "initial attempt plus five retries, never more")

	snap := waitFor(t, log, func(ev MessagesEvent) bool { return len(ev.Entries) == 3 })
	assert.Equal(t, int64(1), snap.Entries[0].Message.ID)
	assert.Equal(t, int64(3), snap.Entries[2].Message.ID)
}

func TestAuthFailureIsTerminal(t *testing.T) {
	tr := newFakeTransport(fmt.Errorf("%w: handshake status 401", transport.ErrAuth))
	s := newTestSession(&fakeBackend{}, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))

	ev := waitFor(t, log, func(ev StateEvent) bool {
		return ev.State == reconnect.Disconnected && ev.Err != nil
	})
	assert.ErrorIs(t, ev.Err, transport.ErrAuth)
	assert.Equal(t, 1, tr.connectCount(), "credential rejections are never retried")
}

func TestDropWhileConnectedTriggersReconnect(t *testing.T) {
	tr := newFakeTransport(nil, nil)
	s := newTestSession(&fakeBackend{}, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))
	waitState(t, log, reconnect.Connected)

	tr.mu.Lock()
	tr.connected = false
	tr.mu.Unlock()
	tr.status <- false

	waitState(t, log, reconnect.Reconnecting)
	require.Eventually(t, func() bool {
		return log.stateCount(reconnect.Connected) == 2
	}, 2*time.Second, 2*time.Millisecond, "session reconnected after the drop")
	assert.Equal(t, 2, tr.connectCount())
}

func TestMalformedFrameIsDropped(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(&fakeBackend{}, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))
	waitState(t, log, reconnect.Connected)

	// Missing content and sender; must not panic or publish.
	tr.frames <- model.Frame{Type: model.TypeMessage, ID: 9, RoomID: 3, CreatedAt: "2026-08-28T10:00:00Z"}
	tr.frames <- model.Frame{
		Type: model.TypeMessage, ID: 10, Content: "ok", UserID: 9, Username: "bruno",
		RoomID: 3, CreatedAt: "2026-08-28T10:00:00Z",
	}

	ev := waitFor(t, log, func(ev MessagesEvent) bool { return len(ev.Entries) > 0 })
	require.Len(t, ev.Entries, 1, "malformed frame contributed nothing")
	assert.Equal(t, int64(10), ev.Entries[0].Message.ID)
}

func TestTypingEvents(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(&fakeBackend{}, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))
	waitState(t, log, reconnect.Connected)

	tr.frames <- model.Frame{Type: model.TypeTyping, Username: "bruno", Typing: true}
	ev := waitFor(t, log, func(ev TypingEvent) bool { return len(ev.Users) == 1 })
	assert.Equal(t, []string{"bruno"}, ev.Users)

	tr.frames <- model.Frame{Type: model.TypeTyping, Username: "bruno", Typing: false}
	waitFor(t, log, func(ev TypingEvent) bool { return len(ev.Users) == 0 })
}

func TestOwnTypingIgnored(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(&fakeBackend{}, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))
	waitState(t, log, reconnect.Connected)

	tr.frames <- model.Frame{Type: model.TypeTyping, Username: self.Username, Typing: true}
	tr.frames <- model.Frame{Type: model.TypeTyping, Username: "bruno", Typing: true}

	ev := waitFor(t, log, func(ev TypingEvent) bool { return len(ev.Users) > 0 })
	assert.Equal(t, []string{"bruno"}, ev.Users, "own echo never shows as typing")
}

func TestPresenceRosterFollowsServerEvents(t *testing.T) {
	backend := &fakeBackend{online: []model.User{{ID: 7, Username: "ana"}}}
	tr := newFakeTransport()
	s := newTestSession(backend, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))
	waitState(t, log, reconnect.Connected)

	// Connecting refetches the roster.
	waitFor(t, log, func(ev OnlineEvent) bool { return len(ev.Users) == 1 })

	// A join notification re-derives from the authoritative roster.
	backend.setOnline([]model.User{{ID: 7, Username: "ana"}, {ID: 9, Username: "bruno"}})
	tr.frames <- model.Frame{Type: model.TypeUserJoined, Username: "bruno"}
	ev := waitFor(t, log, func(ev OnlineEvent) bool { return len(ev.Users) == 2 })
	assert.Equal(t, "bruno", ev.Users[1].Username)

	// A users_online frame replaces the roster wholesale.
	tr.frames <- model.Frame{Type: model.TypeUsersOnline, Users: []model.User{{ID: 9, Username: "bruno"}}}
	waitFor(t, log, func(ev OnlineEvent) bool {
		return len(ev.Users) == 1 && ev.Users[0].Username == "bruno"
	})
}

func TestJoinNewRoomCancelsOldSession(t *testing.T) {
	// Room 1's transport never connects and would retry forever.
	trA := newFakeTransport(connectFailures(20)...)
	trB := newFakeTransport()
	transports := []Transport{trA, trB}
	next := 0

	s := New(&fakeBackend{}, staticTokens{token: "tok"}, self, Options{
		ReconnectInterval: time.Millisecond,
		MaxReconnects:     5,
		PollInterval:      10 * time.Millisecond,
		Clock:             fakeClock{},
		NewTransport: func() Transport {
			tr := transports[next]
			next++
			return tr
		},
	})
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 1))
	waitState(t, log, reconnect.Reconnecting)

	require.NoError(t, s.Join(context.Background(), 2))
	attemptsAtSwitch := trA.connectCount()
	waitFor(t, log, func(ev StateEvent) bool {
		return ev.RoomID == 2 && ev.State == reconnect.Connected
	})
	assert.Equal(t, int64(2), s.Room())
	assert.GreaterOrEqual(t, trA.disconnectCount(), 1, "old transport torn down")

	// Room 1's retry timers are dead: at most one in-flight dial lands
	// after the switch, then nothing.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, trA.connectCount(), attemptsAtSwitch+1, "stale reconnect timer kept firing")

	// Frames from the old transport never reach the new room's sequence.
	trA.frames <- model.Frame{
		Type: model.TypeMessage, ID: 99, Content: "stale", UserID: 9, Username: "bruno",
		RoomID: 1, CreatedAt: "2026-08-28T10:00:00Z",
	}
	trB.frames <- model.Frame{
		Type: model.TypeMessage, ID: 100, Content: "fresh", UserID: 9, Username: "bruno",
		RoomID: 2, CreatedAt: "2026-08-28T10:00:01Z",
	}
	ev := waitFor(t, log, func(ev MessagesEvent) bool { return len(ev.Entries) > 0 })
	require.Len(t, ev.Entries, 1)
	assert.Equal(t, int64(100), ev.Entries[0].Message.ID)
	assert.Equal(t, int64(2), ev.RoomID)
}

func TestLeaveIsIntentional(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(&fakeBackend{}, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))
	waitState(t, log, reconnect.Connected)

	s.Leave()
	waitState(t, log, reconnect.Disconnected)
	assert.Zero(t, s.Room())

	// The leave control frame went out before the disconnect.
	frames := tr.sentFrames()
	require.NotEmpty(t, frames)
	assert.Equal(t, model.TypeLeaveRoom, frames[len(frames)-1].Type)

	connects := tr.connectCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, connects, tr.connectCount(), "no reconnection after an intentional leave")
}

func TestSendTyping(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(&fakeBackend{}, tr)
	defer s.Close()
	log := record(s)

	require.NoError(t, s.Join(context.Background(), 3))
	waitState(t, log, reconnect.Connected)

	require.NoError(t, s.SendTyping(true))
	require.Eventually(t, func() bool {
		frames := tr.sentFrames()
		return len(frames) == 1 && frames[0].Type == model.TypeTyping && frames[0].Typing
	}, time.Second, 2*time.Millisecond)
}
