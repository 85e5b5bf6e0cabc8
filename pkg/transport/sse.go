package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
)

const maxSSELine = 1 << 20

// Authorizer decorates outgoing handshake requests, e.g. with a bearer token.
type Authorizer func(req *http.Request) error

// SSE connects to text/event-stream endpoints.
type SSE struct {
	client    *http.Client
	authorize Authorizer
	logger    *slog.Logger

	mu          sync.Mutex
	lastEventID map[string]string
}

// SSEOption configures an SSE factory.
type SSEOption func(*SSE)

// WithHTTPClient sets the client used for streams. It must not carry a
// request timeout, which would cut long-lived streams.
func WithHTTPClient(c *http.Client) SSEOption {
	return func(s *SSE) { s.client = c }
}

// WithAuthorizer sets the handshake decorator.
func WithAuthorizer(a Authorizer) SSEOption {
	return func(s *SSE) { s.authorize = a }
}

// NewSSE creates an SSE factory.
func NewSSE(opts ...SSEOption) *SSE {
	s := &SSE{
		client:      &http.Client{},
		logger:      slog.Default().With("component", "transport.sse"),
		lastEventID: make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect implements Factory.
func (s *SSE) Connect(endpoint string, l Listener) (Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := s.lastID(endpoint); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}
	if s.authorize != nil {
		if err := s.authorize(req); err != nil {
			cancel()
			return nil, fmt.Errorf("sse authorize: %w", err)
		}
	}

	c := &sseConn{cancel: cancel, o: &once{l: l}}
	go s.run(c, req, endpoint)
	return c, nil
}

func (s *SSE) run(c *sseConn, req *http.Request, endpoint string) {
	resp, err := s.client.Do(req)
	if err != nil {
		c.o.fail(fmt.Errorf("sse dial: %w", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.o.fail(fmt.Errorf("sse handshake: unexpected status %d", resp.StatusCode))
		return
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		c.o.fail(fmt.Errorf("sse handshake: unexpected content type %q", resp.Header.Get("Content-Type")))
		return
	}

	c.o.open()

	err = ReadEvents(resp.Body, func(msg Message) {
		if msg.ID != "" {
			s.setLastID(endpoint, msg.ID)
		}
		c.o.message(msg)
	})
	if err == nil {
		err = ErrStreamEnded
	}
	s.logger.Debug("sse stream ended", "endpoint", endpoint, "error", err)
	c.o.fail(err)
}

func (s *SSE) lastID(endpoint string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID[endpoint]
}

func (s *SSE) setLastID(endpoint, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEventID[endpoint] = id
}

type sseConn struct {
	cancel context.CancelFunc
	o      *once
}

func (c *sseConn) Close() error {
	if c.o.close() {
		c.cancel()
	}
	return nil
}

// ReadEvents parses an event stream and calls emit for every dispatched
// event. It returns nil on a clean EOF.
func ReadEvents(r io.Reader, emit func(Message)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxSSELine)
	sc.Split(scanLines)

	var (
		event string
		id    string
		data  bytes.Buffer
		has   bool
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if has {
				name := event
				if name == "" {
					name = DefaultEvent
				}
				payload := bytes.TrimSuffix(data.Bytes(), []byte("\n"))
				emit(Message{Event: name, Data: append([]byte(nil), payload...), ID: id})
			}
			event, has = "", false
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			has = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				id = value
			}
		case "retry":
			// Reconnect timing is owned by the stream connector.
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sse read: %w", err)
	}
	return nil
}

// scanLines splits on \n, \r\n or a lone \r.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if !atEOF {
				// Need more data to know whether \n follows.
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
