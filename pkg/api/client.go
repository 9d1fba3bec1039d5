// Package api is the HTTP collaborator client: history pages, the
// fallback send path, the presence roster and the account endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/salachat/client-go/pkg/auth"
	"github.com/salachat/client-go/pkg/model"
)

// ErrUnauthorized is returned when the backend rejects the bearer
// token. The token source is notified before this is returned.
var ErrUnauthorized = errors.New("api: unauthorized")

const (
	requestTimeout      = 15 * time.Second
	defaultHistoryLimit = 50
)

// Client talks to the chat backend's HTTP API. All authenticated calls
// attach the current bearer token from the token source.
type Client struct {
	baseURL      string
	http         *http.Client
	tokens       auth.TokenSource
	historyLimit int
}

func NewClient(baseURL string, tokens auth.TokenSource) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: requestTimeout},
		tokens:       tokens,
		historyLimit: defaultHistoryLimit,
	}
}

// SetHistoryLimit overrides the page size used for history fetches.
func (c *Client) SetHistoryLimit(limit int) {
	if limit > 0 {
		c.historyLimit = limit
	}
}

type LoginResponse struct {
	AccessToken string     `json:"access_token"`
	User        model.User `json:"user"`
}

// Login exchanges credentials for a bearer token and the user record.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var resp LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/users/login", map[string]string{
		"email":    email,
		"password": password,
	}, &resp, false)
	return resp, err
}

// Register creates an account. The backend does not hand out a token on
// registration; call Login afterwards.
func (c *Client) Register(ctx context.Context, username, email, fullName, password string) (model.User, error) {
	var resp struct {
		User model.User `json:"user"`
	}
	err := c.do(ctx, http.MethodPost, "/api/users/register", map[string]string{
		"username":  username,
		"email":     email,
		"full_name": fullName,
		"password":  password,
	}, &resp, false)
	return resp.User, err
}

// Me returns the authenticated user's record.
func (c *Client) Me(ctx context.Context) (model.User, error) {
	var user model.User
	err := c.do(ctx, http.MethodGet, "/api/users/me", nil, &user, true)
	return user, err
}

// Rooms lists the public rooms.
func (c *Client) Rooms(ctx context.Context) ([]model.Room, error) {
	var rooms []model.Room
	err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms, true)
	return rooms, err
}

// Room fetches one room's detail.
func (c *Client) Room(ctx context.Context, roomID int64) (model.Room, error) {
	var room model.Room
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/rooms/%d", roomID), nil, &room, true)
	return room, err
}

// CreateRoom creates a public room.
func (c *Client) CreateRoom(ctx context.Context, name, description string) (model.Room, error) {
	var room model.Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", map[string]string{
		"name":        name,
		"description": description,
	}, &room, true)
	return room, err
}

// Messages fetches the room's ordered message list. The same call
// serves the initial load and every fallback poll; the result is a
// full snapshot, never a delta. Entries that fail normalization are
// dropped and logged so one bad row cannot break a snapshot.
func (c *Client) Messages(ctx context.Context, roomID int64) ([]model.Message, error) {
	var wire []model.WireMessage
	path := fmt.Sprintf("/api/rooms/%d/messages?skip=0&limit=%d", roomID, c.historyLimit)
	if err := c.do(ctx, http.MethodGet, path, nil, &wire, true); err != nil {
		return nil, err
	}

	messages := make([]model.Message, 0, len(wire))
	for _, w := range wire {
		msg, err := w.Normalize()
		if err != nil {
			log.Printf("api: dropping history entry: %v", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SendMessage posts a message over HTTP, the fallback transmission
// path when the live channel is down. The backend confirms
// synchronously; the returned Message is meant to be ingested like an
// immediate frame, not a snapshot.
func (c *Client) SendMessage(ctx context.Context, roomID int64, content string, fileID int64) (model.Message, error) {
	body := map[string]any{"content": content}
	if fileID != 0 {
		body["file_id"] = fileID
	}
	var wire model.WireMessage
	path := fmt.Sprintf("/api/rooms/%d/messages", roomID)
	if err := c.do(ctx, http.MethodPost, path, body, &wire, true); err != nil {
		return model.Message{}, err
	}
	return wire.Normalize()
}

type onlineUsersResponse struct {
	RoomID      int64        `json:"room_id"`
	OnlineUsers []model.User `json:"online_users"`
	Count       int          `json:"count"`
}

// OnlineUsers fetches the authoritative presence roster for a room.
func (c *Client) OnlineUsers(ctx context.Context, roomID int64) ([]model.User, error) {
	var resp onlineUsersResponse
	path := fmt.Sprintf("/ws/rooms/%d/online", roomID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.OnlineUsers, nil
}

// Upload stores a file and returns its descriptor. The descriptor's
// URL is what eventually travels inside a message.
func (c *Client) Upload(ctx context.Context, roomID int64, filename string, r io.Reader) (model.FileUpload, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return model.FileUpload{}, fmt.Errorf("api: build upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return model.FileUpload{}, fmt.Errorf("api: read file: %w", err)
	}
	if roomID != 0 {
		if err := form.WriteField("room_id", fmt.Sprintf("%d", roomID)); err != nil {
			return model.FileUpload{}, fmt.Errorf("api: build upload: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return model.FileUpload{}, fmt.Errorf("api: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		return model.FileUpload{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.tokens.Token())

	var upload model.FileUpload
	if err := c.send(req, &upload); err != nil {
		return model.FileUpload{}, err
	}
	return upload, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token := c.tokens.Token()
		if token == "" {
			return auth.ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokens.Unauthorized()
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api: %s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
