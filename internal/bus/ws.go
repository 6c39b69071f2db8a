package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/studyhub/peercall/internal/models"
)

const writeWait = 10 * time.Second

// WSClient is a Bus bound to one room of a relay server. Appended records
// are sent as {body, fileId, fileName} frames; the server stamps id, time and identity.
type WSClient struct {
	conn   *websocket.Conn
	roomID string

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[chan *models.Record]struct{}
	closed bool

	done chan struct{}
}

// Dial opens the record stream of roomID on the relay at serverURL
// (http, https, ws or wss scheme).
func Dial(ctx context.Context, serverURL, roomID, token string) (*WSClient, error) {
	u, err := streamURL(serverURL, roomID, token)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial record stream (status %s)", resp.Status)
		}
		return nil, errors.Wrap(err, "dial record stream")
	}

	c := &WSClient{
		conn:   conn,
		roomID: roomID,
		subs:   make(map[chan *models.Record]struct{}),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	log.Debugf("connected to record stream of room %s", roomID)
	return c, nil
}

func streamURL(serverURL, roomID, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrap(err, "parse server url")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/rooms/" + url.PathEscape(roomID)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Append sends the record's body and attachment to the server. Identity and
// stamping fields are ignored.
func (c *WSClient) Append(ctx context.Context, rec *models.Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	if rec.RoomID != "" && rec.RoomID != c.roomID {
		return errors.Errorf("client is bound to room %s, not %s", c.roomID, rec.RoomID)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(models.AppendRequest{
		Body:     rec.Body,
		FileID:   rec.FileID,
		FileName: rec.FileName,
	}); err != nil {
		return errors.Wrap(err, "write record frame")
	}
	return nil
}

// Subscribe returns the records pushed by the server for the bound room.
func (c *WSClient) Subscribe(ctx context.Context, roomID string) (<-chan *models.Record, func(), error) {
	if roomID != c.roomID {
		return nil, nil, errors.Errorf("client is bound to room %s, not %s", c.roomID, roomID)
	}

	ch := make(chan *models.Record, subscriberBuffer)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			c.mu.Lock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return ch, cancel, nil
}

// Done is closed once the connection to the server is gone.
func (c *WSClient) Done() <-chan struct{} { return c.done }

func (c *WSClient) readLoop() {
	defer c.shutdown()
	for {
		var rec models.Record
		if err := c.conn.ReadJSON(&rec); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("record stream of room %s closed: %v", c.roomID, err)
			}
			return
		}

		c.mu.Lock()
		for ch := range c.subs {
			cp := rec
			select {
			case ch <- &cp:
			default:
				log.Warnf("subscriber buffer full in room %s, dropping record %s", c.roomID, rec.ID)
			}
		}
		c.mu.Unlock()
	}
}

func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
}

// Close sends a close frame and tears the connection down.
func (c *WSClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.shutdown()
	if err != nil {
		return errors.Wrap(err, "close record stream")
	}
	return nil
}

// Login exchanges credentials for a token at the relay's auth endpoint.
func Login(ctx context.Context, serverURL, username, password string) (*models.LoginResponse, error) {
	return postAuth(ctx, serverURL, "/api/auth/login", models.LoginRequest{
		Username: username,
		Password: password,
	})
}

// Register creates an account and returns its first token.
func Register(ctx context.Context, serverURL, username, password, displayName string) (*models.LoginResponse, error) {
	return postAuth(ctx, serverURL, "/api/auth/register", models.RegisterRequest{
		Username:    username,
		Password:    password,
		DisplayName: displayName,
	})
}

func postAuth(ctx context.Context, serverURL, path string, body any) (*models.LoginResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal auth request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(serverURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "build auth request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "auth request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, errors.Errorf("auth %s: %s %s", path, resp.Status, apiErr.Error)
	}

	var out models.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode auth response")
	}
	return &out, nil
}
