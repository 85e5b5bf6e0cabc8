package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket connects to ws:// and wss:// endpoints. Frames are JSON
// {"event", "data"} envelopes, see DecodeFrame.
type WebSocket struct {
	dialer    *websocket.Dialer
	authorize Authorizer
	pingEvery time.Duration
	logger    *slog.Logger
}

// NewWebSocket creates a WebSocket factory.
func NewWebSocket(authorize Authorizer) *WebSocket {
	return &WebSocket{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		authorize: authorize,
		pingEvery: 30 * time.Second,
		logger:    slog.Default().With("component", "transport.websocket"),
	}
}

// Connect implements Factory.
func (w *WebSocket) Connect(endpoint string, l Listener) (Conn, error) {
	header := http.Header{}
	if w.authorize != nil {
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket request: %w", err)
		}
		if err := w.authorize(req); err != nil {
			return nil, fmt.Errorf("websocket authorize: %w", err)
		}
		header = req.Header
	}

	c := &wsConn{o: &once{l: l}, done: make(chan struct{})}
	go w.run(c, endpoint, header)
	return c, nil
}

func (w *WebSocket) run(c *wsConn, endpoint string, header http.Header) {
	ws, resp, err := w.dialer.Dial(endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial (status %s): %w", resp.Status, err)
		} else {
			err = fmt.Errorf("websocket dial: %w", err)
		}
		c.o.fail(err)
		return
	}
	if !c.attach(ws) {
		// Closed while dialing.
		_ = ws.Close()
		return
	}

	c.o.open()
	go c.ping(w.pingEvery)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrStreamEnded
			}
			w.logger.Debug("websocket stream ended", "endpoint", endpoint, "error", err)
			c.o.fail(err)
			_ = ws.Close()
			return
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			c.o.message(DecodeFrame(data))
		}
	}
}

type wsConn struct {
	o *once

	mu   sync.Mutex
	ws   *websocket.Conn
	done chan struct{}
}

func (c *wsConn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	c.ws = ws
	return true
}

func (c *wsConn) ping(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.Lock()
			ws := c.ws
			c.mu.Unlock()
			if ws == nil {
				continue
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	if !c.o.close() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.done)
	if c.ws == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}
