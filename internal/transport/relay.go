package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collabtext/internal/protocol"
)

const writeWait = 10 * time.Second

// RelayURL builds the websocket URL of a session room on a relay server.
// base may use http(s) or ws(s).
func RelayURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme %q", base, u.Scheme)
	}
	u.RawPath = u.EscapedPath() + "/ws/" + url.PathEscape(token)
	u.Path += "/ws/" + token
	return u.String(), nil
}

// RelayTransport broadcasts through a collab-relay server. The connection
// is kept up in the background and re-established with exponential backoff
// after failures. Envelopes sent while disconnected are dropped.
type RelayTransport struct {
	observers

	url    string
	opts   Options
	logger *slog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	ready  chan struct{}

	frames chan []byte
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// DialRelay starts connecting to the room for token on the relay at base.
// It returns immediately; use Ready to wait for the first connection.
func DialRelay(base, token string, opts Options) (*RelayTransport, error) {
	target, err := RelayURL(base, token)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t := &RelayTransport{
		url:    target,
		opts:   opts,
		logger: opts.Logger.With("transport", "relay", "session", token),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ready:  make(chan struct{}),
		frames: make(chan []byte, outboxSize),
		cancel: cancel,
	}
	t.wg.Add(2)
	go t.connectLoop(ctx)
	go t.writeLoop(ctx)
	return t, nil
}

// Ready is closed once the first connection to the relay is up.
func (t *RelayTransport) Ready() <-chan struct{} { return t.ready }

// Connected reports whether a relay connection is currently up.
func (t *RelayTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *RelayTransport) connectLoop(ctx context.Context) {
	defer t.wg.Done()
	var readyOnce sync.Once
	for {
		conn, err := t.dial(ctx)
		if err != nil {
			return
		}
		if !t.setConn(conn) {
			conn.Close()
			return
		}
		readyOnce.Do(func() { close(t.ready) })
		t.logger.Info("connected to relay", "url", t.url)

		t.readLoop(conn)

		t.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("relay connection lost, reconnecting")
	}
}

func (t *RelayTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	attempt := func() error {
		c, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	notify := func(err error, wait time.Duration) {
		t.logger.Warn("relay dial failed", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *RelayTransport) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.logger.Debug("relay read ended", "error", err)
			return
		}
		receiveFrame(message, t.opts.Origin, &t.observers, t.logger)
	}
}

func (t *RelayTransport) writeLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-t.frames:
			conn := t.current()
			if conn == nil {
				t.logger.Debug("not connected, envelope dropped")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				t.logger.Warn("relay write failed, envelope dropped", "error", err)
				conn.Close()
			}
		}
	}
}

// setConn installs conn as the live connection. It refuses once Close has
// started.
func (t *RelayTransport) setConn(conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed && conn != nil {
		return false
	}
	t.conn = conn
	return true
}

func (t *RelayTransport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *RelayTransport) Send(env protocol.Envelope) {
	frame, err := protocol.EncodeFrame(t.opts.Origin, env, t.opts.CompressAbove)
	if err != nil {
		t.logger.Warn("dropping unencodable envelope", "kind", env.Kind(), "error", err)
		return
	}
	select {
	case t.frames <- frame:
	default:
		t.logger.Warn("outbox full, envelope dropped", "kind", env.Kind())
	}
}

func (t *RelayTransport) OnReceive(fn func(protocol.Envelope)) func() {
	return t.add(fn)
}

func (t *RelayTransport) Close() error {
	t.once.Do(func() {
		t.cancel()
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
		t.wg.Wait()
	})
	return nil
}
