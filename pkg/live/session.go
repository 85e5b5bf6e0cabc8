// Package live is the consumer-facing push API: one Session per
// application session wires the stream connector to the event router and
// the query cache.
package live

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/juju/clock"

	"github.com/Mindburn-Labs/dataport/pkg/cache"
	"github.com/Mindburn-Labs/dataport/pkg/observability"
	"github.com/Mindburn-Labs/dataport/pkg/records"
	"github.com/Mindburn-Labs/dataport/pkg/retry"
	"github.com/Mindburn-Labs/dataport/pkg/router"
	"github.com/Mindburn-Labs/dataport/pkg/stream"
	"github.com/Mindburn-Labs/dataport/pkg/transport"
)

var (
	// ErrUnknownTopic is returned for a topic missing from the catalog.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrUnknownEvent is returned for an event the topic does not declare.
	ErrUnknownEvent = errors.New("unknown event")
)

// TopicStatus is the advisory connection status of a topic.
type TopicStatus struct {
	Topic    string
	Endpoint string
	State    stream.State
	Attempts int
}

// Reconnecting reports whether the topic is between connections.
func (s TopicStatus) Reconnecting() bool {
	return s.State.Reconnecting()
}

// Session owns the connector and router of one application session.
type Session struct {
	baseURL string
	logger  *slog.Logger

	factory  transport.Factory
	policy   retry.BackoffPolicy
	clock    clock.Clock
	recorder observability.Recorder
	observer func(endpoint string, from, to stream.State)

	topics    []records.TopicSpec
	endpoints map[string]string

	router    *router.Router
	connector *stream.Connector

	closeOnce sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithFactory sets the transport factory. The default is
// transport.Default with no authorization.
func WithFactory(f transport.Factory) Option {
	return func(s *Session) { s.factory = f }
}

// WithTopics replaces the built-in topic catalog.
func WithTopics(topics []records.TopicSpec) Option {
	return func(s *Session) { s.topics = topics }
}

// WithPolicy sets the reconnect backoff policy.
func WithPolicy(p retry.BackoffPolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithClock sets the clock driving reconnect timers.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r observability.Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithStateObserver is called on every connection state change.
func WithStateObserver(fn func(endpoint string, from, to stream.State)) Option {
	return func(s *Session) { s.observer = fn }
}

// New creates a session whose topic paths resolve against baseURL.
func New(baseURL string, opts ...Option) (*Session, error) {
	s := &Session{
		baseURL:  baseURL,
		logger:   slog.Default().With("component", "live"),
		policy:   retry.DefaultPolicy(),
		clock:    clock.WallClock,
		recorder: observability.Nop(),
		topics:   records.Catalog(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.factory == nil {
		s.factory = transport.Default(nil)
	}

	s.endpoints = make(map[string]string, len(s.topics))
	for _, t := range s.topics {
		ep, err := t.Endpoint(baseURL)
		if err != nil {
			return nil, err
		}
		s.endpoints[t.Name] = ep
	}

	s.router = router.New(router.WithLogger(s.logger), router.WithRecorder(s.recorder))
	if err := records.Register(s.router, s.topics); err != nil {
		return nil, fmt.Errorf("register schemas: %w", err)
	}

	copts := []stream.Option{
		stream.WithClock(s.clock),
		stream.WithPolicy(s.policy),
		stream.WithLogger(s.logger),
		stream.WithRecorder(s.recorder),
	}
	if s.observer != nil {
		copts = append(copts, stream.WithStateObserver(s.observer))
	}
	s.connector = stream.NewConnector(s.factory, s.deliver, copts...)
	return s, nil
}

func (s *Session) deliver(topic string, msg transport.Message) {
	s.router.OnMessage(topic, router.Envelope{EventName: msg.Event, Payload: msg.Data, ID: msg.ID})
}

// Topics returns the session's topic catalog.
func (s *Session) Topics() []records.TopicSpec {
	return s.topics
}

// Endpoint returns the resolved stream URL of topic.
func (s *Session) Endpoint(topic string) (string, bool) {
	ep, ok := s.endpoints[topic]
	return ep, ok
}

// Subscribe registers h for eventName on topic and makes sure the topic's
// connection is open. An empty eventName subscribes h to every event the
// topic declares. The returned function unsubscribes; calling it more than
// once is harmless.
func (s *Session) Subscribe(topic, eventName string, h router.Handler) (func(), error) {
	spec, ok := records.Lookup(s.topics, topic)
	if !ok {
		return nil, fmt.Errorf("subscribe %q: %w", topic, ErrUnknownTopic)
	}
	if _, ok := spec.Event(eventName); !ok && eventName != "" {
		return nil, fmt.Errorf("subscribe %s/%s: %w", topic, eventName, ErrUnknownEvent)
	}

	// Register first so the first message of a new connection is not missed.
	reg := s.router.Register(topic, eventName, h)
	handle, err := s.connector.Subscribe(stream.Topic{Name: topic, Endpoint: s.endpoints[topic]})
	if err != nil {
		s.router.Unregister(reg)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.connector.Unsubscribe(handle)
			s.router.Unregister(reg)
		})
	}, nil
}

// Status returns the connection status of topic.
func (s *Session) Status(topic string) TopicStatus {
	t := stream.Topic{Name: topic, Endpoint: s.endpoints[topic]}
	return TopicStatus{
		Topic:    topic,
		Endpoint: t.Endpoint,
		State:    s.connector.State(t),
		Attempts: s.connector.Attempts(t),
	}
}

// Statuses returns the status of every open endpoint.
func (s *Session) Statuses() []stream.Status {
	return s.connector.Statuses()
}

// Stats returns router delivery counters.
func (s *Session) Stats() router.Stats {
	return s.router.Stats()
}

// MergeInto keeps c current from pushed events of every topic: paged
// resources are merged into the active view in views, single values and
// lists are replaced. It opens a connection per topic. The returned
// function stops merging.
func (s *Session) MergeInto(c *cache.QueryCache, views *cache.Views, opts ...cache.MergeOption) (func(), error) {
	names := make([]string, 0, len(s.topics))
	for _, t := range s.topics {
		names = append(names, t.Name)
	}
	return s.MergeTopics(names, c, views, opts...)
}

// MergeTopics is MergeInto restricted to the named topics; no other topic
// is connected.
func (s *Session) MergeTopics(topics []string, c *cache.QueryCache, views *cache.Views, opts ...cache.MergeOption) (func(), error) {
	opts = append([]cache.MergeOption{
		cache.WithMergeLogger(s.logger),
		cache.WithMergeRecorder(s.recorder),
	}, opts...)

	var unsubs []func()
	stop := func() {
		for _, u := range unsubs {
			u()
		}
	}
	for _, name := range topics {
		t, ok := records.Lookup(s.topics, name)
		if !ok {
			stop()
			return nil, fmt.Errorf("merge %q: %w", name, ErrUnknownTopic)
		}
		for _, e := range t.Events {
			h, ok := mergeHandler(e, c, views, opts)
			if !ok {
				s.logger.Debug("no merger for resource", "topic", t.Name, "event", e.Name, "resource", e.Resource)
				continue
			}
			u, err := s.Subscribe(t.Name, e.Name, h)
			if err != nil {
				stop()
				return nil, err
			}
			unsubs = append(unsubs, u)
		}
	}
	return stop, nil
}

func mergeHandler(e records.EventSpec, c *cache.QueryCache, views *cache.Views, opts []cache.MergeOption) (router.Handler, bool) {
	switch e.Resource {
	case records.ResourceIncidents:
		return cache.NewMerger[records.Incident](c, views, e.Resource, opts...).Handler(), true
	case records.ResourceComplianceState:
		key := cache.NewKey(e.Resource, nil)
		return cache.NewReplaceMerger[records.ComplianceState](c, key, opts...).Handler(), true
	case records.ResourceTasks:
		key := cache.NewKey(e.Resource, nil)
		return cache.NewListMerger[records.Task](c, key, opts...).Handler(), true
	}
	return nil, false
}

// Close tears down every connection. Subscribe fails afterwards.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.connector.Close()
		if c, ok := s.factory.(io.Closer); ok {
			err = errors.Join(err, c.Close())
		}
	})
	return err
}
