package pushserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mindburn-Labs/dataport/pkg/api"
	"github.com/Mindburn-Labs/dataport/pkg/records"
	"github.com/Mindburn-Labs/dataport/pkg/transport"
)

// ErrUnknownTopic is returned when publishing to a topic the server does
// not serve.
var ErrUnknownTopic = errors.New("unknown topic")

const (
	defaultHeartbeat = 20 * time.Second
	maxPublishBytes  = 1 << 20
	writeWait        = 10 * time.Second
)

// Server serves push streams per topic.
type Server struct {
	logger    *slog.Logger
	topics    []records.TopicSpec
	brokers   map[string]*Broker
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	limiter   *RateLimiter
	snapshot  *snapshot

	closing   chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTopics replaces the built-in topic catalog.
func WithTopics(topics []records.TopicSpec) Option {
	return func(s *Server) { s.topics = topics }
}

// WithHeartbeat sets the interval of SSE ping comments and WebSocket pings.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// WithRateLimit enables the per-IP rate limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = NewRateLimiter(rps, burst) }
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:    slog.Default().With("component", "pushserver"),
		topics:    records.Catalog(),
		heartbeat: defaultHeartbeat,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		snapshot: newSnapshot(),
		closing:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.brokers = make(map[string]*Broker, len(s.topics))
	for _, t := range s.topics {
		s.brokers[t.Name] = NewBroker()
	}
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{topic}/stream", s.handleSSE)
	mux.HandleFunc("GET /{topic}/ws", s.handleWebSocket)
	mux.HandleFunc("POST /{topic}/publish", s.handlePublish)
	mux.HandleFunc("GET /incidents", s.handleIncidents)
	mux.HandleFunc("GET /compliance/state/latest", s.handleLatestState)
	mux.HandleFunc("GET /compliance/tasks", s.handleTasks)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return RequestID(accessLog(s.logger, h))
}

// Broker returns the broker of topic.
func (s *Server) Broker(topic string) (*Broker, bool) {
	b, ok := s.brokers[topic]
	return b, ok
}

// Publish broadcasts data as event on topic. Payloads of catalogued
// events also update the REST snapshot.
func (s *Server) Publish(topic, event string, data []byte) (Message, error) {
	b, ok := s.brokers[topic]
	if !ok {
		return Message{}, fmt.Errorf("publish %q: %w", topic, ErrUnknownTopic)
	}
	if event == "" {
		event = transport.DefaultEvent
	}
	if spec, ok := records.Lookup(s.topics, topic); ok {
		if e, ok := spec.Event(event); ok {
			if err := s.snapshot.apply(e.Resource, data); err != nil {
				s.logger.Debug("payload not recorded", "topic", topic, "event", event, "error", err)
			}
		}
	}
	msg := b.Publish(event, data)
	s.logger.Debug("published", "topic", topic, "event", event, "id", msg.ID, "subscribers", b.Subscribers())
	return msg, nil
}

// Close disconnects every subscriber and stops background work.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		for _, b := range s.brokers {
			b.closeAll()
		}
		if s.limiter != nil {
			s.limiter.Close()
		}
	})
}

func (s *Server) broker(w http.ResponseWriter, r *http.Request) (*Broker, bool) {
	topic := r.PathValue("topic")
	b, ok := s.brokers[topic]
	if !ok {
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", fmt.Sprintf("unknown topic %q", topic))
	}
	return b, ok
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if _, ok := s.brokers[topic]; !ok {
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", fmt.Sprintf("unknown topic %q", topic))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBytes))
	if err != nil {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "read body: "+err.Error())
		return
	}
	msg, err := s.Publish(topic, r.URL.Query().Get("event"), data)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": msg.ID, "event": msg.Event})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, cancel := b.Subscribe()
	defer cancel()

	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, formatSSE(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE renders msg as one event; multi-line payloads become several
// data lines.
func formatSSE(msg Message) string {
	var sb strings.Builder
	sb.WriteString("id: ")
	sb.WriteString(msg.ID)
	sb.WriteString("\nevent: ")
	sb.WriteString(msg.Event)
	sb.WriteByte('\n')
	for _, line := range strings.Split(strings.ReplaceAll(string(msg.Data), "\r\n", "\n"), "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	return sb.String()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	b, ok := s.broker(w, r)
	if !ok {
		return
	}
	// Subscribe before the handshake completes so nothing published after
	// the client sees the connection open is missed.
	events, cancel := b.Subscribe()
	defer cancel()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	// Reads only drive control frames; the peer closing ends the session.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
				time.Now().Add(writeWait))
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			frame, err := transport.EncodeFrame(msg.Event, msg.Data, msg.ID)
			if err != nil {
				s.logger.Warn("encode frame", "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
