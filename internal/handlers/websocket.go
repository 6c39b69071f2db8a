package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/studyhub/peercall/internal/bus"
	"github.com/studyhub/peercall/internal/middleware"
	"github.com/studyhub/peercall/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 64 * 1024
	clientSendSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub relays the record stream of each room to its websocket clients. A room
// holds one bus subscription while at least one client is connected.
type Hub struct {
	bus   bus.Bus
	app   *Appender
	rooms RoomStore

	mu      sync.Mutex
	streams map[string]*roomStream
}

type roomStream struct {
	id      string
	clients map[*Client]struct{}
	cancel  func()
	// raw streams push record bodies as they are
	raw bool
}

// Client is one websocket connection bound to a room and a user.
type Client struct {
	hub      *Hub
	roomID   string
	userID   string
	userName string
	readOnly bool
	conn     *websocket.Conn
	send     chan []byte
}

func NewHub(b bus.Bus, app *Appender, rooms RoomStore) *Hub {
	return &Hub{
		bus:     b,
		app:     app,
		rooms:   rooms,
		streams: make(map[string]*roomStream),
	}
}

// Clients returns how many connections are open on roomID.
func (h *Hub) Clients(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rs, ok := h.streams[roomID]; ok {
		return len(rs.clients)
	}
	return 0
}

// HandleStream upgrades to a websocket carrying the room's record stream.
// Every newly appended record is pushed as JSON; {body, fileId, fileName}
// frames sent by the client are appended as the authenticated user.
func (h *Hub) HandleStream(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	roomID, err := resolveRoom(c.Request.Context(), h.rooms, c.Param("roomId"), userID, true)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		hub:      h,
		roomID:   roomID,
		userID:   userID,
		userName: c.GetString(middleware.UserNameKey),
		conn:     conn,
		send:     make(chan []byte, clientSendSize),
	}
	if err := h.join(client); err != nil {
		log.Errorf("join room %s: %v", roomID, err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	if err := h.rooms.AddMember(context.Background(), roomID, userID); err != nil {
		log.Warnf("track member %s of room %s: %v", userID, roomID, err)
	}

	log.Infof("user %s joined room %s (%d connected)", userID, roomID, h.Clients(roomID))

	go client.writePump()
	go client.readPump()
}

func (h *Hub) join(cl *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rs, ok := h.streams[cl.roomID]
	if !ok {
		ch, cancel, err := h.bus.Subscribe(context.Background(), cl.roomID)
		if err != nil {
			return err
		}
		rs = &roomStream{
			id:      cl.roomID,
			clients: make(map[*Client]struct{}),
			cancel:  cancel,
			raw:     cl.readOnly,
		}
		h.streams[cl.roomID] = rs
		go h.forward(rs, ch)
		log.Debugf("subscribed to room %s", cl.roomID)
	}
	rs.clients[cl] = struct{}{}
	return nil
}

func (h *Hub) leave(cl *Client) {
	h.mu.Lock()
	rs, ok := h.streams[cl.roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := rs.clients[cl]; !member {
		h.mu.Unlock()
		return
	}
	delete(rs.clients, cl)
	close(cl.send)

	var cancel func()
	if len(rs.clients) == 0 {
		delete(h.streams, rs.id)
		cancel = rs.cancel
		log.Debugf("removed empty room stream: %s", rs.id)
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (h *Hub) forward(rs *roomStream, ch <-chan *models.Record) {
	for rec := range ch {
		var data []byte
		if rs.raw {
			data = []byte(rec.Body)
		} else {
			var err error
			if data, err = json.Marshal(rec); err != nil {
				log.Errorf("failed to marshal record: %v", err)
				continue
			}
		}

		h.mu.Lock()
		for cl := range rs.clients {
			select {
			case cl.send <- data:
			default:
				log.Warnf("failed to send record to user %s, buffer full", cl.userID)
			}
		}
		h.mu.Unlock()
	}
}

// Close drops every room subscription. Open connections end on their next
// write.
func (h *Hub) Close() {
	h.mu.Lock()
	streams := h.streams
	h.streams = make(map[string]*roomStream)
	for _, rs := range streams {
		for cl := range rs.clients {
			close(cl.send)
		}
		rs.clients = make(map[*Client]struct{})
	}
	h.mu.Unlock()

	for _, rs := range streams {
		rs.cancel()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
		if c.readOnly {
			return
		}
		if err := c.hub.rooms.RemoveMember(context.Background(), c.roomID, c.userID); err != nil {
			log.Warnf("untrack member %s of room %s: %v", c.userID, c.roomID, err)
		}
		log.Infof("user %s left room %s", c.userID, c.roomID)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warnf("websocket error: %v", err)
			}
			return
		}
		if c.readOnly {
			continue
		}

		var req models.AppendRequest
		if err := json.Unmarshal(message, &req); err != nil || (req.Body == "" && req.FileID == "") {
			log.Debugf("ignoring malformed frame from user %s", c.userID)
			continue
		}

		// identity always comes from the token, never from the frame
		rec := &models.Record{
			RoomID:   c.roomID,
			Body:     req.Body,
			UserID:   c.userID,
			Username: c.userName,
			FileID:   req.FileID,
			FileName: req.FileName,
		}
		if err := c.hub.app.Append(context.Background(), rec); err != nil {
			log.Errorf("append to room %s: %v", c.roomID, err)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debugf("failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
