// Package transport opens server-push connections.
//
// A Factory is a non-blocking connection factory: Connect returns at once and
// the connection reports its lifecycle through a Listener from its own
// goroutine. Messages of one connection are delivered in order from a single
// goroutine. OnError is reported at most once, after which the connection is
// dead. Close stops further notifications; a delivery already in progress
// may still complete, so listeners guard against late callbacks themselves.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"
	"sync"
)

// DefaultEvent is the event name of messages that do not carry one.
const DefaultEvent = "message"

var (
	// ErrUnsupportedScheme is returned by Mux for endpoints no transport handles.
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")
	// ErrStreamEnded is reported when the server closes the stream cleanly.
	ErrStreamEnded = errors.New("stream ended by server")
)

// Message is one pushed message as delivered by the wire.
type Message struct {
	Event string
	Data  []byte
	ID    string
}

// Listener receives connection lifecycle notifications.
type Listener interface {
	OnOpen()
	OnMessage(msg Message)
	OnError(err error)
}

// Conn is a live connection handle.
type Conn interface {
	Close() error
}

// Factory opens connections to push endpoints. Connect must not call the
// listener before it returns.
type Factory interface {
	Connect(endpoint string, l Listener) (Conn, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(endpoint string, l Listener) (Conn, error)

// Connect implements Factory.
func (f FactoryFunc) Connect(endpoint string, l Listener) (Conn, error) {
	return f(endpoint, l)
}

// Mux dispatches Connect by URL scheme.
type Mux struct {
	mu      sync.RWMutex
	schemes map[string]Factory
	closers []io.Closer
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{schemes: make(map[string]Factory)}
}

// Handle registers f for the given schemes.
func (m *Mux) Handle(f Factory, schemes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range schemes {
		m.schemes[strings.ToLower(s)] = f
	}
	if c, ok := f.(io.Closer); ok && !slices.Contains(m.closers, c) {
		m.closers = append(m.closers, c)
	}
}

// Connect implements Factory.
func (m *Mux) Connect(endpoint string, l Listener) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	m.mu.RLock()
	f, ok := m.schemes[strings.ToLower(u.Scheme)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return f.Connect(endpoint, l)
}

// frame is the JSON envelope used by message-oriented transports.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	ID    string          `json:"id,omitempty"`
}

// DecodeFrame turns a WebSocket or Redis payload into a Message. Payloads
// that are not a {"event", "data"} object are passed through whole under
// DefaultEvent so the router can still judge them.
func DecodeFrame(b []byte) Message {
	var f frame
	if err := json.Unmarshal(b, &f); err == nil && f.Event != "" && f.Data != nil {
		return Message{Event: f.Event, Data: []byte(f.Data), ID: f.ID}
	}
	return Message{Event: DefaultEvent, Data: b}
}

// EncodeFrame is the inverse of DecodeFrame for servers and tests.
func EncodeFrame(event string, data []byte, id string) ([]byte, error) {
	if !json.Valid(data) {
		// Non-JSON payloads travel as a JSON string.
		s, err := json.Marshal(string(data))
		if err != nil {
			return nil, err
		}
		data = s
	}
	return json.Marshal(frame{Event: event, Data: data, ID: id})
}

// once guards a listener so that OnError fires at most once and nothing
// fires after the connection is closed.
type once struct {
	mu     sync.Mutex
	l      Listener
	closed bool
}

func (o *once) open() {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if !closed {
		o.l.OnOpen()
	}
}

func (o *once) message(msg Message) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if !closed {
		o.l.OnMessage(msg)
	}
}

func (o *once) fail(err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.l.OnError(err)
}

// close marks the listener dead without notifying it.
func (o *once) close() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	was := o.closed
	o.closed = true
	return !was
}

// Close releases resources held by registered factories.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, c := range m.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Default returns a Mux serving SSE over http(s), WebSocket over ws(s) and
// Redis pub/sub over redis(s).
func Default(authorize Authorizer) *Mux {
	m := NewMux()
	m.Handle(NewSSE(WithAuthorizer(authorize)), "http", "https")
	m.Handle(NewWebSocket(authorize), "ws", "wss")
	m.Handle(NewRedis(), "redis", "rediss")
	return m
}
