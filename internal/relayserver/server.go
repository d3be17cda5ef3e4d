// Package relayserver forwards opaque session frames between websocket
// clients. Each session token gets its own room; a frame read from one
// client is written to every other client in the room. When a Redis client
// is configured, rooms are bridged through a pub/sub channel so clients
// connected to different relay instances still reach each other.
//
// The relay never decodes frames and keeps no history: a client that
// connects late sees only what is sent after it joined.
package relayserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 20
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ChannelName is the Redis channel bridging one room across instances.
func ChannelName(token string) string {
	return "collabtext:relay:" + token
}

// Server holds the rooms of one relay instance.
type Server struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// New creates a relay. rdb may be nil for a single-instance relay.
func New(rdb *redis.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{rdb: rdb, logger: logger, rooms: make(map[string]*room)}
}

// Handler routes /ws/{session} to the websocket endpoint and serves
// /healthz.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws/{session}", s.serveWs)
	router.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	return router
}

// RoomSizes returns the number of connected clients per session token.
func (s *Server) RoomSizes() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make(map[string]int, len(s.rooms))
	for token, r := range s.rooms {
		sizes[token] = r.size()
	}
	return sizes
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"rooms":  s.RoomSizes(),
	})
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["session"]
	if token == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	rm := s.join(token, c)
	s.logger.Info("client joined", "session", token, "client", c.id, "clients", rm.size())

	go c.writePump()
	c.readPump(func(message []byte) { s.forward(rm, c, message) })

	s.leave(rm, c)
	s.logger.Info("client left", "session", token, "client", c.id)
}

func (s *Server) join(token string, c *client) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[token]
	if !ok {
		rm = &room{token: token, clients: make(map[*client]bool)}
		if s.rdb != nil {
			s.bridge(rm)
		}
		s.rooms[token] = rm
	}
	rm.add(c)
	return rm
}

func (s *Server) leave(rm *room, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm.remove(c) > 0 {
		return
	}
	delete(s.rooms, rm.token)
	if rm.stop != nil {
		rm.stop()
	}
}

// forward fans a frame out. With Redis the frame goes through the channel
// and comes back to every instance, the sender's included; the sending
// client drops its own frames by origin.
func (s *Server) forward(rm *room, from *client, message []byte) {
	if s.rdb == nil {
		rm.broadcast(message, from, s.logger)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := s.rdb.Publish(ctx, ChannelName(rm.token), message).Err(); err != nil {
		s.logger.Warn("publish to redis failed, frame dropped", "session", rm.token, "error", err)
	}
}

// bridge subscribes the room to its Redis channel. Called with s.mu held.
func (s *Server) bridge(rm *room) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.rdb.Subscribe(ctx, ChannelName(rm.token))
	done := make(chan struct{})
	rm.stop = func() {
		cancel()
		pubsub.Close()
		<-done
	}
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			rm.broadcast([]byte(msg.Payload), nil, s.logger)
		}
	}()
}

type room struct {
	token string
	stop  func()

	mu      sync.Mutex
	clients map[*client]bool
}

func (r *room) add(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c] = true
}

func (r *room) remove(c *client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		close(c.send)
	}
	return len(r.clients)
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// broadcast queues message for every client except skip. A client whose
// buffer is full misses the frame; the medium is best effort.
func (r *room) broadcast(message []byte, skip *client, logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		if c == skip {
			continue
		}
		select {
		case c.send <- message:
		default:
			logger.Warn("client too slow, frame dropped", "session", r.token, "client", c.id)
		}
	}
}

// client is one websocket connection to the relay.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func (c *client) readPump(handle func([]byte)) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(message)
	}
}

func (c *client) writePump() {
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
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
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
