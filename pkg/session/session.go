// Package session is the single entry point consumers use: join a
// room, send, leave, and observe the message/connection/typing
// streams. It wires the transport, reconnection policy, fallback
// poller, reconciler and presence tracker together behind one run
// loop per joined room.
package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/salachat/client-go/pkg/auth"
	"github.com/salachat/client-go/pkg/model"
	"github.com/salachat/client-go/pkg/poller"
	"github.com/salachat/client-go/pkg/presence"
	"github.com/salachat/client-go/pkg/reconcile"
	"github.com/salachat/client-go/pkg/reconnect"
	"github.com/salachat/client-go/pkg/transport"
)

var (
	ErrNotJoined      = errors.New("session: no room joined")
	ErrEmptyMessage   = errors.New("session: empty message")
	ErrMessageTooLong = errors.New("session: message too long")
	ErrUnknownMessage = errors.New("session: unknown local message")

	// ErrSuspended is reported once through the event stream when the
	// reconnect budget is exhausted; the fallback poller takes over
	// silently. A new Join is required to leave this state.
	ErrSuspended = errors.New("session: reconnect attempts exhausted")
)

// Transport is the live channel a session owns. *transport.Conn is the
// production implementation.
type Transport interface {
	Connect(ctx context.Context, roomID int64, token string) error
	Send(frame model.Frame) error
	Disconnect()
	Frames() <-chan model.Frame
	Status() <-chan bool
}

// Backend is the HTTP collaborator surface the session depends on:
// the snapshot source, the fallback send path and the presence roster.
type Backend interface {
	Messages(ctx context.Context, roomID int64) ([]model.Message, error)
	SendMessage(ctx context.Context, roomID int64, content string, fileID int64) (model.Message, error)
	OnlineUsers(ctx context.Context, roomID int64) ([]model.User, error)
}

// Options carries the session tunables. Zero values pick the defaults
// the production web client ships with.
type Options struct {
	WSURL             string
	ReconnectInterval time.Duration
	MaxReconnects     int
	PollInterval      time.Duration
	TypingTimeout     time.Duration
	MatchWindow       time.Duration
	Heartbeat         time.Duration
	MaxMessageLen     int

	Clock        Clock
	NewTransport func() Transport
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = presence.DefaultTypingTimeout
	}
	if o.MatchWindow <= 0 {
		o.MatchWindow = reconcile.DefaultMatchWindow
	}
	if o.MaxMessageLen <= 0 {
		o.MaxMessageLen = 1000
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.NewTransport == nil {
		wsURL, heartbeat := o.WSURL, o.Heartbeat
		o.NewTransport = func() Transport {
			t := transport.New(wsURL)
			t.SetHeartbeat(heartbeat)
			return t
		}
	}
	return o
}

// Session is the facade. Exactly one room is active at a time;
// joining another tears the previous one down completely first.
type Session struct {
	opts    Options
	backend Backend
	tokens  auth.TokenSource
	self    model.User

	events chan Event
	state  atomic.Int32

	mu   sync.Mutex
	room *roomSession
}

func New(backend Backend, tokens auth.TokenSource, self model.User, opts Options) *Session {
	return &Session{
		opts:    opts.withDefaults(),
		backend: backend,
		tokens:  tokens,
		self:    self,
		events:  make(chan Event, 64),
	}
}

// Events is the session's observable output. Consumers read it for as
// long as the session lives; missing an event is safe because each one
// carries the full current view.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the last published connection state.
func (s *Session) State() reconnect.State {
	return reconnect.State(s.state.Load())
}

// Room returns the currently joined room id, or 0.
func (s *Session) Room() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return 0
	}
	return s.room.roomID
}

// Join connects to a room. Any previous room session is fully torn
// down first: transport disconnected, poller stopped, reconciler and
// presence state discarded, pending timers canceled. Join returns once
// the new session is running; connection progress and terminal
// failures arrive on the event stream.
func (s *Session) Join(ctx context.Context, roomID int64) error {
	if s.tokens.Token() == "" {
		return auth.ErrNoToken
	}

	s.Leave()

	rctx, cancel := context.WithCancel(ctx)
	r := &roomSession{
		s:              s,
		roomID:         roomID,
		generation:     uuid.NewString(),
		ctx:            rctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		transport:      s.opts.NewTransport(),
		rec:            reconcile.New(s.self, roomID, s.opts.MatchWindow),
		pres:           presence.New(s.opts.TypingTimeout),
		policy:         reconnect.NewPolicy(s.opts.ReconnectInterval, s.opts.MaxReconnects),
		cmds:           make(chan func(), 16),
		connectResults: make(chan error, 1),
	}
	r.poll = poller.New(s.backend)

	s.mu.Lock()
	s.room = r
	s.mu.Unlock()

	go r.run()
	return nil
}

// Leave tears down the active room session, if any. The disconnect is
// intentional: no reconnection is attempted.
func (s *Session) Leave() {
	s.mu.Lock()
	r := s.room
	s.room = nil
	s.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Close leaves the active room and ends the event stream.
func (s *Session) Close() {
	s.Leave()
	close(s.events)
}

// Send publishes a text message: the optimistic entry appears in the
// sequence immediately and the returned local id tracks it until the
// server echo (or a send failure) resolves it.
func (s *Session) Send(content string) (int64, error) {
	return s.send(content, 0)
}

// SendFile sends a message referencing an uploaded file descriptor.
func (s *Session) SendFile(content string, fileID int64) (int64, error) {
	return s.send(content, fileID)
}

func (s *Session) send(content string, fileID int64) (int64, error) {
	content = strings.TrimSpace(content)
	if content == "" && fileID == 0 {
		return 0, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > s.opts.MaxMessageLen {
		return 0, ErrMessageTooLong
	}

	r := s.current()
	if r == nil {
		return 0, ErrNotJoined
	}

	reply := make(chan int64, 1)
	if !r.do(func() {
		localID := r.rec.SubmitOptimistic(content)
		r.publishMessages()
		r.transmit(localID, content, fileID)
		reply <- localID
	}) {
		return 0, ErrNotJoined
	}

	select {
	case localID := <-reply:
		return localID, nil
	case <-r.done:
		return 0, ErrNotJoined
	}
}

// Retry retransmits a message whose earlier send failed. The entry
// flips back to Pending and goes through the normal routing again.
func (s *Session) Retry(localID int64) error {
	r := s.current()
	if r == nil {
		return ErrNotJoined
	}

	reply := make(chan error, 1)
	if !r.do(func() {
		content, ok := r.rec.Retry(localID)
		if !ok {
			reply <- ErrUnknownMessage
			return
		}
		r.publishMessages()
		r.transmit(localID, content, 0)
		reply <- nil
	}) {
		return ErrNotJoined
	}

	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrNotJoined
	}
}

// SendTyping emits a typing indicator on the live channel.
// Best-effort: when the channel is down the indicator is skipped, it
// is not worth a fallback request.
func (s *Session) SendTyping(typing bool) error {
	r := s.current()
	if r == nil {
		return ErrNotJoined
	}
	r.do(func() {
		if r.state != reconnect.Connected {
			return
		}
		frame := model.Frame{Type: model.TypeTyping, RoomID: r.roomID, Typing: typing}
		if err := r.transport.Send(frame); err != nil {
			log.Printf("session: room %d: typing indicator: %v", r.roomID, err)
		}
	})
	return nil
}

func (s *Session) current() *roomSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("session: event dropped, consumer too slow")
	}
}

// roomSession is the per-join state machine. Every field below cmds is
// owned by the run goroutine; other goroutines reach it only through
// do().
type roomSession struct {
	s          *Session
	roomID     int64
	generation string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	transport Transport
	rec       *reconcile.Reconciler
	pres      *presence.Tracker
	policy    *reconnect.Policy
	poll      *poller.Poller

	cmds           chan func()
	connectResults chan error

	state reconnect.State
	retry <-chan time.Time
}

// do hands fn to the run loop. It returns false when the session is
// already gone, which makes stale callers no-ops.
func (r *roomSession) do(fn func()) bool {
	select {
	case r.cmds <- fn:
		return true
	case <-r.done:
		return false
	}
}

func (r *roomSession) run() {
	defer close(r.done)
	defer r.cleanup()

	log.Printf("session %s: joining room %d", r.generation, r.roomID)

	sweep := r.s.opts.Clock.NewTicker(r.s.opts.TypingTimeout)
	defer sweep.Stop()

	// The initial load rides the same snapshot path the poller uses,
	// so the room is populated even before the socket is usable.
	r.fetchSnapshot()

	r.setState(reconnect.Connecting, nil)
	r.startConnect()

	for {
		select {
		case <-r.ctx.Done():
			return
		case fn := <-r.cmds:
			fn()
		case err := <-r.connectResults:
			r.handleConnectResult(err)
		case frame := <-r.transport.Frames():
			r.handleFrame(frame)
		case up := <-r.transport.Status():
			r.handleStatus(up)
		case snap := <-r.poll.Snapshots():
			if r.rec.ApplySnapshot(snap) > 0 {
				r.publishMessages()
			}
		case <-r.retry:
			r.retry = nil
			r.startConnect()
		case <-sweep.C():
			if r.pres.Sweep() {
				r.publishTyping()
			}
		}
	}
}

// cleanup runs on the loop goroutine after the loop exits, so reading
// state here is safe.
func (r *roomSession) cleanup() {
	if r.state == reconnect.Connected {
		// Best-effort; the server also notices the close handshake.
		frame := model.Frame{Type: model.TypeLeaveRoom, RoomID: r.roomID}
		if err := r.transport.Send(frame); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			log.Printf("session: room %d: leave frame: %v", r.roomID, err)
		}
	}
	r.transport.Disconnect()
	r.poll.Stop()
	r.setState(reconnect.Disconnected, nil)
	log.Printf("session %s: left room %d", r.generation, r.roomID)
}

// startConnect dials off-loop; the result re-enters through
// connectResults. Each attempt re-reads the token, which may have been
// refreshed externally since the last one.
func (r *roomSession) startConnect() {
	token := r.s.tokens.Token()
	go func() {
		err := r.transport.Connect(r.ctx, r.roomID, token)
		select {
		case r.connectResults <- err:
		case <-r.ctx.Done():
			if err == nil {
				r.transport.Disconnect()
			}
		}
	}()
}

func (r *roomSession) handleConnectResult(err error) {
	if err == nil {
		r.policy.Reset()
		r.poll.Stop()
		r.setState(reconnect.Connected, nil)
		r.refreshOnline()
		return
	}

	if errors.Is(err, transport.ErrAuth) {
		// Fatal for this join attempt; never retried automatically.
		log.Printf("session: room %d: %v", r.roomID, err)
		r.setState(reconnect.Disconnected, err)
		r.cancel()
		return
	}

	r.scheduleRetry(err)
}

func (r *roomSession) handleStatus(up bool) {
	if up {
		// Connect's return value already drove this transition.
		return
	}
	if r.state != reconnect.Connected {
		// Stale flip from a connection we already replaced.
		return
	}
	r.scheduleRetry(errors.New("connection dropped"))
}

func (r *roomSession) scheduleRetry(cause error) {
	r.ensurePolling()

	delay, ok := r.policy.Next()
	if !ok {
		log.Printf("session: room %d: reconnect attempts exhausted: %v", r.roomID, cause)
		r.setState(reconnect.Suspended, ErrSuspended)
		return
	}

	log.Printf("session: room %d: reconnect attempt %d in %s: %v", r.roomID, r.policy.Attempt(), delay, cause)
	r.setState(reconnect.Reconnecting, nil)
	r.retry = r.s.opts.Clock.After(delay)
}

func (r *roomSession) ensurePolling() {
	if !r.poll.Active() {
		r.poll.Start(r.ctx, r.roomID, r.s.opts.PollInterval)
	}
}

func (r *roomSession) handleFrame(frame model.Frame) {
	switch frame.Type {
	case model.TypeMessage:
		msg, err := frame.Normalize()
		if err != nil {
			// One bad frame must not break the stream.
			log.Printf("session: room %d: dropping frame: %v", r.roomID, err)
			return
		}
		if msg.RoomID != 0 && msg.RoomID != r.roomID {
			return
		}
		if r.rec.ApplyFrame(msg) {
			r.publishMessages()
		}

	case model.TypeTyping:
		if frame.Username == r.s.self.Username {
			return
		}
		r.pres.OnTyping(frame.Username, frame.Typing)
		r.publishTyping()

	case model.TypeUsersOnline:
		r.pres.SetOnline(frame.Users)
		r.publishOnline()

	case model.TypeUserJoined, model.TypeUserLeft:
		// Always re-derive from the authoritative roster; patching the
		// set incrementally drifts.
		r.refreshOnline()

	case model.TypeError:
		log.Printf("session: room %d: server error: %s", r.roomID, frame.Message)

	case model.TypeWelcome, model.TypeJoinedRoom, model.TypePong:
		// Transport-level bookkeeping, nothing to do here.

	default:
		log.Printf("session: room %d: unknown frame type %q", r.roomID, frame.Type)
	}
}

// transmit routes one message out: live channel when connected, HTTP
// fallback otherwise. Runs on the loop goroutine.
func (r *roomSession) transmit(localID int64, content string, fileID int64) {
	if r.state == reconnect.Connected {
		frame := model.Frame{Type: model.TypeMessage, RoomID: r.roomID, Content: content, FileID: fileID}
		err := r.transport.Send(frame)
		if err == nil {
			// The live echo will confirm the optimistic entry.
			return
		}
		log.Printf("session: room %d: live send failed, falling back: %v", r.roomID, err)
	}

	go func() {
		msg, err := r.s.backend.SendMessage(r.ctx, r.roomID, content, fileID)
		r.do(func() {
			if err != nil {
				log.Printf("session: room %d: send failed: %v", r.roomID, err)
				r.rec.MarkSendResult(localID, err)
			} else {
				// The synchronous confirmation is an immediate frame
				// ingestion, not a snapshot.
				r.rec.ApplyFrame(msg)
			}
			r.publishMessages()
		})
	}()
}

// fetchSnapshot performs one off-loop history fetch through the same
// path the poller uses.
func (r *roomSession) fetchSnapshot() {
	go func() {
		msgs, err := r.s.backend.Messages(r.ctx, r.roomID)
		if err != nil {
			log.Printf("session: room %d: initial load: %v", r.roomID, err)
			return
		}
		r.do(func() {
			if r.rec.ApplySnapshot(msgs) > 0 {
				r.publishMessages()
			}
		})
	}()
}

func (r *roomSession) refreshOnline() {
	go func() {
		users, err := r.s.backend.OnlineUsers(r.ctx, r.roomID)
		if err != nil {
			log.Printf("session: room %d: fetch roster: %v", r.roomID, err)
			return
		}
		r.do(func() {
			r.pres.SetOnline(users)
			r.publishOnline()
		})
	}()
}

func (r *roomSession) setState(state reconnect.State, err error) {
	if r.state == state && err == nil {
		return
	}
	r.state = state
	r.s.state.Store(int32(state))
	r.s.publish(StateEvent{RoomID: r.roomID, State: state, Err: err})
}

func (r *roomSession) publishMessages() {
	r.s.publish(MessagesEvent{RoomID: r.roomID, Entries: r.rec.Sequence()})
}

func (r *roomSession) publishTyping() {
	r.s.publish(TypingEvent{RoomID: r.roomID, Users: r.pres.Typing()})
}

func (r *roomSession) publishOnline() {
	r.s.publish(OnlineEvent{RoomID: r.roomID, Users: r.pres.Online()})
}
