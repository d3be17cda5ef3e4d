// Package uihub serves the browser editor. Each browser connects over a
// websocket, receives the session state as JSON after every change, and
// sends editor commands back. The hub is also the livecontent.Editor of
// the process: the open file is the one the browser last opened.
package uihub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/internal/livecontent"
	"collabtext/internal/protocol"
	"collabtext/internal/session"
	"collabtext/internal/workspace"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxCommand = 8 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected browser.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the connected browsers and pushes events to them.
type Hub struct {
	sess   *session.Session
	relay  *livecontent.Relay
	logger *slog.Logger

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu     sync.Mutex
	active string
}

var _ livecontent.Editor = (*Hub)(nil)

// New creates a hub for sess. Run must be called before clients connect.
func New(sess *session.Session, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		sess:       sess,
		logger:     logger,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	h.relay = livecontent.New(sess, h, logger)
	return h
}

// Run delivers events until ctx ends, then disconnects every browser.
func (h *Hub) Run(ctx context.Context) {
	cancelWatch := h.sess.Watch(h.pushState)
	defer cancelWatch()
	defer h.relay.Close()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info("ui client registered", "clients", len(h.clients))
			c.send <- h.stateEvent()
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Info("ui client unregistered", "clients", len(h.clients))
			}
		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// Handler serves the websocket at /ws and, when staticDir is set, the
// editor files at /.
func (h *Hub) Handler(staticDir string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.serveWs)
	if staticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return r
}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ui websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxCommand)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			h.logger.Warn("error decoding ui command", "error", err)
			continue
		}
		if err := h.dispatch(cmd); err != nil {
			h.logger.Warn("ui command failed", "type", cmd.Type, "error", err)
			h.emit(event{Type: "error", Message: err.Error()})
		}
	}
}

func (h *Hub) writePump(c *client) {
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

// dispatch runs one browser command.
func (h *Hub) dispatch(cmd command) error {
	switch cmd.Type {
	case "open":
		content, err := h.relay.Open(cmd.Path)
		if err != nil {
			return err
		}
		h.setActive(cmd.Path)
		h.emit(event{Type: "buffer", Path: cmd.Path, Content: &content})
	case "close":
		h.setActive("")
		h.relay.CloseFile()
	case "edit":
		if cmd.Content == nil {
			return fmt.Errorf("edit without content")
		}
		h.relay.Edit(*cmd.Content, cmd.cursor())
	case "cursor":
		h.relay.MoveCursor(cmd.cursor())
	case "save":
		if cmd.Content == nil {
			return fmt.Errorf("save without content")
		}
		path := cmd.Path
		if path == "" {
			path = h.ActiveFile()
		}
		return h.relay.Save(path, *cmd.Content)
	case "toggle":
		return h.sess.EditTree(func(tree []*workspace.Node) ([]*workspace.Node, error) {
			node := workspace.Find(tree, cmd.Path)
			if node == nil || !node.IsDir() {
				return nil, fmt.Errorf("no directory at %q", cmd.Path)
			}
			next, _ := workspace.SetExpanded(tree, cmd.Path, !node.Expanded)
			return next, nil
		})
	case "claim_host":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.sess.ClaimHost(ctx)
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
	return nil
}

func (h *Hub) setActive(path string) {
	h.mu.Lock()
	h.active = path
	h.mu.Unlock()
}

func (h *Hub) ActiveFile() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *Hub) ReplaceBuffer(path, content string) {
	h.emit(event{Type: "buffer", Path: path, Content: &content})
}

func (h *Hub) ShowCursor(peer protocol.Participant) {
	h.emit(event{Type: "cursor", Participant: &peer})
}

func (h *Hub) HideCursor(peerID string) {
	h.emit(event{Type: "cursor_hidden", ID: peerID})
}

func (h *Hub) pushState() {
	h.queue(h.stateEvent())
}

func (h *Hub) emit(e event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("error encoding ui event", "type", e.Type, "error", err)
		return
	}
	h.queue(data)
}

func (h *Hub) queue(data []byte) {
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn("ui event dropped, hub is backed up")
	}
}

func (h *Hub) stateEvent() []byte {
	self := h.sess.CurrentUser()
	var peers []protocol.Participant
	for _, entry := range h.sess.Participants() {
		peers = append(peers, entry.Participant)
	}
	data, err := json.Marshal(event{
		Type: "state",
		State: &state{
			Session:      h.sess.SessionID(),
			Link:         h.sess.ShareLink(),
			Host:         h.sess.IsHost(),
			Connecting:   h.sess.Connecting(),
			Self:         self,
			Participants: peers,
			ActiveFile:   h.ActiveFile(),
			Tree:         viewOf(h.sess.Tree()),
		},
	})
	if err != nil {
		h.logger.Error("error encoding state", "error", err)
		return nil
	}
	return data
}
