// Package transport owns the live websocket channel to a single room.
// It is a stateless producer: inbound frames and status flips go to
// its channels, message history lives elsewhere.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/salachat/client-go/pkg/model"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from the peer.
	maxFrameSize = 64 * 1024

	// Application-level ping frame period. Distinct from the protocol
	// ping: the server tracks room liveness on this one.
	defaultHeartbeat = 30 * time.Second

	// Time allowed for the server to acknowledge a room join.
	ackWait = 10 * time.Second
)

// ErrAuth marks a handshake rejected for credential reasons. The
// reconnection policy never retries it.
var ErrAuth = errors.New("transport: authentication rejected")

// ErrNotConnected is returned by Send when no channel is live.
var ErrNotConnected = errors.New("transport: not connected")

// ErrAckTimeout is returned when the server never acknowledges the
// room join. The socket being open is not enough to use the channel.
var ErrAckTimeout = errors.New("transport: room join not acknowledged")

// Conn owns at most one live websocket connection at a time. Connect
// while connected tears the previous channel down first.
type Conn struct {
	wsURL     string
	dialer    *websocket.Dialer
	heartbeat time.Duration

	frames chan model.Frame
	status chan bool

	mu   sync.Mutex
	ws   *websocket.Conn
	send chan model.Frame
	done chan struct{}
	once *sync.Once
}

func New(wsURL string) *Conn {
	return &Conn{
		wsURL:     wsURL,
		dialer:    websocket.DefaultDialer,
		heartbeat: defaultHeartbeat,
		frames:    make(chan model.Frame, 64),
		status:    make(chan bool, 8),
	}
}

// SetHeartbeat overrides the application-level ping period. Must be
// called before Connect.
func (c *Conn) SetHeartbeat(d time.Duration) {
	if d > 0 {
		c.heartbeat = d
	}
}

// Frames delivers every inbound frame from the live connection.
func (c *Conn) Frames() <-chan model.Frame { return c.frames }

// Status emits true when a room join is acknowledged and false exactly
// once per connection when the channel goes away.
func (c *Conn) Status() <-chan bool { return c.status }

// Connect dials the room endpoint with the bearer credential, issues
// the join-room control frame and waits for the server's ack. The
// channel is usable only once Connect returns nil.
func (c *Conn) Connect(ctx context.Context, roomID int64, token string) error {
	if token == "" {
		return fmt.Errorf("%w: no token", ErrAuth)
	}

	// One live connection per room membership.
	c.Disconnect()

	u, err := url.Parse(fmt.Sprintf("%s/%d", c.wsURL, roomID))
	if err != nil {
		return fmt.Errorf("transport: bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s", ErrAuth, resp.Status)
		}
		return fmt.Errorf("transport: dial: %w", err)
	}

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(model.Frame{Type: model.TypeJoinRoom, RoomID: roomID}); err != nil {
		ws.Close()
		return fmt.Errorf("transport: join room %d: %w", roomID, err)
	}
	if err := c.awaitJoinAck(ws); err != nil {
		ws.Close()
		return err
	}

	done := make(chan struct{})
	send := make(chan model.Frame, 64)
	once := &sync.Once{}
	c.mu.Lock()
	c.ws, c.send, c.done, c.once = ws, send, done, once
	c.mu.Unlock()

	go c.readPump(ws, done, once)
	go c.writePump(ws, send, done, once)

	c.emitStatus(true)
	return nil
}

// awaitJoinAck reads until the server confirms the join. Frames that
// arrive ahead of the ack are forwarded so none are lost.
func (c *Conn) awaitJoinAck(ws *websocket.Conn) error {
	deadline := time.Now().Add(ackWait)
	ws.SetReadDeadline(deadline)
	for {
		if time.Now().After(deadline) {
			return ErrAckTimeout
		}

		_, raw, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAckTimeout, err)
		}

		var frame model.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("transport: dropping malformed frame before ack: %v", err)
			continue
		}

		switch frame.Type {
		case model.TypeJoinedRoom, model.TypeWelcome:
			return nil
		case model.TypeError:
			return fmt.Errorf("transport: join rejected: %s", frame.Message)
		default:
			c.forward(frame)
		}
	}
}

func (c *Conn) readPump(ws *websocket.Conn, done chan struct{}, once *sync.Once) {
	defer c.drop(ws, done, once)

	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("transport: read: %v", err)
			}
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// One bad frame must not break the stream.
			log.Printf("transport: dropping malformed frame: %v", err)
			continue
		}
		c.forward(frame)
	}
}

func (c *Conn) writePump(ws *websocket.Conn, send chan model.Frame, done chan struct{}, once *sync.Once) {
	ticker := time.NewTicker(pingPeriod)
	heartbeat := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		heartbeat.Stop()
		c.drop(ws, done, once)
	}()

	for {
		select {
		case frame := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(frame); err != nil {
				log.Printf("transport: write: %v", err)
				return
			}
		case <-heartbeat.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(model.Frame{Type: model.TypePing}); err != nil {
				log.Printf("transport: heartbeat: %v", err)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues an outbound frame on the live connection.
func (c *Conn) Send(frame model.Frame) error {
	c.mu.Lock()
	send, done := c.send, c.done
	c.mu.Unlock()

	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- frame:
		return nil
	case <-done:
		return ErrNotConnected
	}
}

// Disconnect closes the live connection. Safe to call at any time and
// any number of times; the status flip to false is emitted exactly
// once per connection.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	ws, done, once := c.ws, c.done, c.once
	c.mu.Unlock()

	if ws == nil {
		return
	}
	c.drop(ws, done, once)
}

// drop tears down one connection: every exit path funnels here and the
// sync.Once keeps the status flip single-shot.
func (c *Conn) drop(ws *websocket.Conn, done chan struct{}, once *sync.Once) {
	once.Do(func() {
		close(done)
		ws.Close()

		c.mu.Lock()
		if c.ws == ws {
			c.ws, c.send, c.done, c.once = nil, nil, nil, nil
		}
		c.mu.Unlock()

		c.emitStatus(false)
	})
}

func (c *Conn) forward(frame model.Frame) {
	select {
	case c.frames <- frame:
	default:
		log.Printf("transport: inbound frame dropped, consumer too slow")
	}
}

func (c *Conn) emitStatus(up bool) {
	select {
	case c.status <- up:
	default:
		log.Printf("transport: status event dropped, consumer too slow")
	}
}
