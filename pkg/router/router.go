// Package router validates pushed messages and fans them out to handlers.
//
// Every message is parsed as JSON and validated against the schema
// registered for its (topic, event name) pair. Messages that fail either
// step are dropped: handlers only ever see well-formed events. Drops are
// logged, counted in Stats and reported to an optional drop hook.
//
// A handler registered with an empty event name receives every validated
// event of its topic.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/dataport/pkg/observability"
)

// DropReason classifies a dropped message.
type DropReason string

const (
	DropDecode       DropReason = "decode"
	DropUnknownEvent DropReason = "unknown_event"
	DropSchema       DropReason = "schema"
)

// Envelope is a raw pushed message before validation.
type Envelope struct {
	EventName string
	Payload   []byte
	// ID is the transport's message id, if any.
	ID string
}

// Event is a validated message.
type Event struct {
	// ID is a receipt id, sortable by arrival.
	ID         ulid.ULID
	Topic      string
	Name       string
	Payload    json.RawMessage
	Value      any
	SourceID   string
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Handler consumes validated events. A returned error is logged and
// counted; it never stops the fan-out.
type Handler func(Event) error

// Registration identifies a registered handler. The zero value is valid
// and unregisters nothing.
type Registration struct {
	id    uuid.UUID
	topic string
	event string
}

// Drop describes one dropped message.
type Drop struct {
	Topic  string
	Event  string
	Reason DropReason
	Err    error
	At     time.Time
}

// Stats is a snapshot of router counters.
type Stats struct {
	Delivered       uint64
	Dropped         uint64
	DroppedBy       map[DropReason]uint64
	HandlerFailures uint64
	LastDrop        *Drop
}

type routeKey struct {
	topic string
	event string
}

type entry struct {
	id     uuid.UUID
	seq    uint64
	h      Handler
	active atomic.Bool
}

// Router dispatches validated events. Construct one per session.
type Router struct {
	logger   *slog.Logger
	recorder observability.Recorder
	dropHook func(Drop)
	now      func() time.Time

	mu       sync.RWMutex
	schemas  map[routeKey]*jsonschema.Schema
	handlers map[routeKey][]*entry
	seq      uint64

	statsMu sync.Mutex
	stats   Stats
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec observability.Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

// WithDropHook sets a callback invoked synchronously for every drop.
func WithDropHook(fn func(Drop)) Option {
	return func(r *Router) { r.dropHook = fn }
}

// WithNow overrides the clock used for receipt times.
func WithNow(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		logger:   slog.Default().With("component", "router"),
		recorder: observability.Nop(),
		now:      time.Now,
		schemas:  make(map[routeKey]*jsonschema.Schema),
		handlers: make(map[routeKey][]*entry),
		stats:    Stats{DroppedBy: make(map[DropReason]uint64)},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddSchema compiles doc and registers it for (topic, event), replacing
// any previous schema.
func (r *Router) AddSchema(topic, event string, doc []byte) error {
	s, err := CompileSchema(topic+"."+event, doc)
	if err != nil {
		return err
	}
	r.SetSchema(topic, event, s)
	return nil
}

// SetSchema registers an already compiled schema for (topic, event).
func (r *Router) SetSchema(topic, event string, s *jsonschema.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[routeKey{topic, event}] = s
}

// Register adds h for (topic, event). An empty event registers h for every
// event of topic. Handlers run in registration order.
func (r *Router) Register(topic, event string, h Handler) Registration {
	reg := Registration{id: uuid.New(), topic: topic, event: event}
	k := routeKey{topic, event}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e := &entry{id: reg.id, seq: r.seq, h: h}
	e.active.Store(true)
	r.handlers[k] = append(r.handlers[k], e)
	return reg
}

// Unregister removes a handler. Once it returns the handler is not invoked
// again, not even for a message already being dispatched; an invocation in
// progress on another goroutine still runs to completion. Unregistering
// twice is a no-op.
func (r *Router) Unregister(reg Registration) {
	k := routeKey{reg.topic, reg.event}

	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.handlers[k]
	for i, e := range list {
		if e.id != reg.id {
			continue
		}
		e.active.Store(false)
		next := make([]*entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, k)
		} else {
			r.handlers[k] = next
		}
		return
	}
}

// Handlers reports how many handlers are registered for (topic, event).
func (r *Router) Handlers(topic, event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[routeKey{topic, event}])
}

// OnMessage validates env and dispatches it to the handlers registered for
// (topic, env.EventName) and for the whole topic, merged in registration
// order. It never returns an error and never panics on handler failure.
func (r *Router) OnMessage(topic string, env Envelope) {
	k := routeKey{topic, env.EventName}

	r.mu.RLock()
	schema := r.schemas[k]
	handlers := r.handlers[k]
	if env.EventName != "" {
		handlers = mergeBySeq(handlers, r.handlers[routeKey{topic, ""}])
	}
	r.mu.RUnlock()

	v, err := DecodeJSON(env.Payload)
	if err != nil {
		r.drop(topic, env.EventName, DropDecode, err)
		return
	}
	if schema == nil {
		r.drop(topic, env.EventName, DropUnknownEvent, fmt.Errorf("no schema for %s/%s", topic, env.EventName))
		return
	}
	if err := schema.Validate(v); err != nil {
		r.drop(topic, env.EventName, DropSchema, err)
		return
	}

	ev := Event{
		ID:         ulid.Make(),
		Topic:      topic,
		Name:       env.EventName,
		Payload:    append(json.RawMessage(nil), env.Payload...),
		Value:      v,
		SourceID:   env.ID,
		ReceivedAt: r.now(),
	}

	r.statsMu.Lock()
	r.stats.Delivered++
	r.statsMu.Unlock()
	r.recorder.EventDelivered(context.Background(), topic, env.EventName)

	for _, e := range handlers {
		if !e.active.Load() {
			continue
		}
		r.invoke(ev, e)
	}
}

// mergeBySeq merges two registration-ordered lists into a new slice.
func mergeBySeq(a, b []*entry) []*entry {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make([]*entry, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].seq < b[j].seq {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func (r *Router) invoke(ev Event, e *entry) {
	defer func() {
		if p := recover(); p != nil {
			r.handlerFailed(ev, fmt.Errorf("handler panic: %v", p))
		}
	}()
	if err := e.h(ev); err != nil {
		r.handlerFailed(ev, err)
	}
}

func (r *Router) handlerFailed(ev Event, err error) {
	r.statsMu.Lock()
	r.stats.HandlerFailures++
	r.statsMu.Unlock()
	r.recorder.HandlerFailed(context.Background(), ev.Topic, ev.Name)
	r.logger.Error("event handler failed",
		"topic", ev.Topic,
		"event", ev.Name,
		"receipt", ev.ID.String(),
		"error", err,
	)
}

func (r *Router) drop(topic, event string, reason DropReason, err error) {
	d := Drop{Topic: topic, Event: event, Reason: reason, Err: err, At: r.now()}

	r.statsMu.Lock()
	r.stats.Dropped++
	r.stats.DroppedBy[reason]++
	r.stats.LastDrop = &d
	r.statsMu.Unlock()

	r.recorder.EventDropped(context.Background(), topic, event, string(reason))
	r.logger.Warn("push event dropped",
		"topic", topic,
		"event", event,
		"reason", string(reason),
		"error", err,
	)
	if r.dropHook != nil {
		r.dropHook(d)
	}
}

// Stats returns a copy of the counters.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s := r.stats
	s.DroppedBy = make(map[DropReason]uint64, len(r.stats.DroppedBy))
	for k, v := range r.stats.DroppedBy {
		s.DroppedBy[k] = v
	}
	if r.stats.LastDrop != nil {
		d := *r.stats.LastDrop
		s.LastDrop = &d
	}
	return s
}
