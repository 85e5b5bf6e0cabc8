// Package stream keeps one live push connection per topic endpoint and
// reconnects it with capped exponential backoff until the last subscriber
// leaves.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/juju/clock"

	"github.com/Mindburn-Labs/dataport/pkg/observability"
	"github.com/Mindburn-Labs/dataport/pkg/retry"
	"github.com/Mindburn-Labs/dataport/pkg/transport"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("stream connector closed")

// Topic is a named push endpoint. Topics with the same Endpoint share one
// connection.
type Topic struct {
	Name     string
	Endpoint string
}

// Sink receives every message of a topic, in transport order.
type Sink func(topic string, msg transport.Message)

// Handle is returned by Subscribe. The zero value is valid and
// unsubscribes nothing.
type Handle struct {
	id       uint64
	endpoint string
	name     string
}

// Topic returns the topic the handle subscribed to.
func (h Handle) Topic() Topic {
	return Topic{Name: h.name, Endpoint: h.endpoint}
}

// Status describes one topic for status displays.
type Status struct {
	Endpoint    string
	Names       []string
	State       State
	Attempts    int
	Subscribers int
}

type topicState struct {
	endpoint string
	names    map[string]int
	handles  map[uint64]struct{}
	state    State
	gen      uint64
	conn     transport.Conn
	timer    clock.Timer
	backoff  *retry.Backoff
}

func (ts *topicState) refs() int {
	return len(ts.handles)
}

// Connector owns every push connection of a session.
type Connector struct {
	factory  transport.Factory
	sink     Sink
	clock    clock.Clock
	policy   retry.BackoffPolicy
	logger   *slog.Logger
	recorder observability.Recorder
	observer func(topic string, from, to State)

	mu         sync.Mutex
	topics     map[string]*topicState
	nextHandle uint64
	closed     bool
}

// Option configures a Connector.
type Option func(*Connector)

// WithClock sets the clock used for reconnect timers.
func WithClock(c clock.Clock) Option {
	return func(cn *Connector) { cn.clock = c }
}

// WithPolicy sets the backoff policy.
func WithPolicy(p retry.BackoffPolicy) Option {
	return func(cn *Connector) { cn.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cn *Connector) { cn.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r observability.Recorder) Option {
	return func(cn *Connector) { cn.recorder = r }
}

// WithStateObserver registers fn to be called on every state transition.
// fn runs outside the connector's lock, in transition order per topic.
func WithStateObserver(fn func(endpoint string, from, to State)) Option {
	return func(cn *Connector) { cn.observer = fn }
}

// NewConnector creates a connector that opens connections with factory and
// hands every message to sink.
func NewConnector(factory transport.Factory, sink Sink, opts ...Option) *Connector {
	c := &Connector{
		factory:  factory,
		sink:     sink,
		clock:    clock.WallClock,
		policy:   retry.DefaultPolicy(),
		logger:   slog.Default().With("component", "stream"),
		recorder: observability.Nop(),
		topics:   make(map[string]*topicState),
	}
	for _, o := range opts {
		o(c)
	}
	c.policy = c.policy.Normalize()
	return c
}

// transition is a state change collected under the lock and reported
// after it is released.
type transition struct {
	endpoint string
	from, to State
}

type effects struct {
	transitions []transition
}

func (c *Connector) flush(fx *effects) {
	for _, t := range fx.transitions {
		c.recorder.StreamTransition(context.Background(), t.endpoint, t.from.String(), t.to.String())
		if c.observer != nil {
			c.observer(t.endpoint, t.from, t.to)
		}
	}
}

func (c *Connector) setState(ts *topicState, to State, fx *effects) {
	if ts.state == to {
		return
	}
	fx.transitions = append(fx.transitions, transition{endpoint: ts.endpoint, from: ts.state, to: to})
	ts.state = to
}

// Subscribe adds a subscriber to t. The first subscriber of an endpoint
// opens its connection; later ones share it.
func (c *Connector) Subscribe(t Topic) (Handle, error) {
	if t.Endpoint == "" {
		return Handle{}, fmt.Errorf("subscribe %q: empty endpoint", t.Name)
	}
	var fx effects
	defer c.flush(&fx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Handle{}, ErrClosed
	}

	ts, ok := c.topics[t.Endpoint]
	if !ok {
		p := c.policy
		p.JitterSeed = t.Endpoint
		ts = &topicState{
			endpoint: t.Endpoint,
			names:    make(map[string]int),
			handles:  make(map[uint64]struct{}),
			backoff:  retry.NewBackoff(p),
		}
		c.topics[t.Endpoint] = ts
	}

	c.nextHandle++
	h := Handle{id: c.nextHandle, endpoint: t.Endpoint, name: t.Name}
	ts.handles[h.id] = struct{}{}
	ts.names[t.Name]++

	if ts.refs() == 1 {
		c.logger.Info("opening push stream", "topic", t.Name, "endpoint", t.Endpoint)
		c.connect(ts, &fx)
	}
	return h, nil
}

// Unsubscribe removes a subscriber. When the last one leaves, the
// connection is closed and any pending reconnect is cancelled.
func (c *Connector) Unsubscribe(h Handle) {
	var fx effects
	defer c.flush(&fx)

	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.topics[h.endpoint]
	if !ok {
		return
	}
	if _, ok := ts.handles[h.id]; !ok {
		return
	}
	delete(ts.handles, h.id)
	if ts.names[h.name]--; ts.names[h.name] <= 0 {
		delete(ts.names, h.name)
	}

	if ts.refs() == 0 {
		c.logger.Info("closing push stream", "endpoint", ts.endpoint)
		c.teardown(ts, &fx)
		delete(c.topics, ts.endpoint)
	}
}

// State returns the state of the topic's endpoint.
func (c *Connector) State(t Topic) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.topics[t.Endpoint]; ok {
		return ts.state
	}
	return Idle
}

// Attempts returns the number of consecutive failed attempts of the
// topic's endpoint.
func (c *Connector) Attempts(t Topic) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.topics[t.Endpoint]; ok {
		return ts.backoff.Attempts()
	}
	return 0
}

// Statuses returns the status of every subscribed endpoint, sorted by
// endpoint.
func (c *Connector) Statuses() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.topics))
	for _, ts := range c.topics {
		st := Status{
			Endpoint:    ts.endpoint,
			State:       ts.state,
			Attempts:    ts.backoff.Attempts(),
			Subscribers: ts.refs(),
		}
		for n := range ts.names {
			st.Names = append(st.Names, n)
		}
		sort.Strings(st.Names)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Close tears down every topic. Subscribe fails with ErrClosed afterwards.
func (c *Connector) Close() error {
	var fx effects
	defer c.flush(&fx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for ep, ts := range c.topics {
		c.teardown(ts, &fx)
		delete(c.topics, ep)
	}
	return nil
}

// connect opens a new connection for ts. Caller holds c.mu.
func (c *Connector) connect(ts *topicState, fx *effects) {
	ts.gen++
	gen := ts.gen
	c.setState(ts, Connecting, fx)

	conn, err := c.factory.Connect(ts.endpoint, &listener{c: c, ts: ts, gen: gen})
	if err != nil {
		c.fail(ts, fmt.Errorf("connect: %w", err), fx)
		return
	}
	ts.conn = conn
}

// fail closes the current connection and schedules a reconnect. Caller
// holds c.mu.
func (c *Connector) fail(ts *topicState, err error, fx *effects) {
	c.closeConn(ts)
	ts.gen++
	gen := ts.gen

	delay := ts.backoff.Next()
	attempt := ts.backoff.Attempts()
	c.setState(ts, Backoff, fx)
	ts.timer = c.clock.AfterFunc(delay, func() { c.reconnect(ts, gen) })

	c.logger.Warn("push stream failed, reconnecting",
		"endpoint", ts.endpoint,
		"attempt", attempt,
		"delay", delay,
		"error", err,
	)
	c.recorder.ReconnectScheduled(context.Background(), ts.endpoint, attempt, delay)
}

func (c *Connector) reconnect(ts *topicState, gen uint64) {
	var fx effects
	defer c.flush(&fx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.current(ts, gen) || ts.state != Backoff {
		return
	}
	ts.timer = nil
	c.connect(ts, &fx)
}

// teardown stops all activity on ts. Caller holds c.mu.
func (c *Connector) teardown(ts *topicState, fx *effects) {
	if ts.timer != nil {
		ts.timer.Stop()
		ts.timer = nil
	}
	c.closeConn(ts)
	ts.gen++
	ts.backoff.Reset()
	c.setState(ts, Idle, fx)
}

func (c *Connector) closeConn(ts *topicState) {
	if ts.conn == nil {
		return
	}
	if err := ts.conn.Close(); err != nil {
		c.logger.Debug("close push connection", "endpoint", ts.endpoint, "error", err)
	}
	ts.conn = nil
}

// current reports whether a callback created for gen may still act on ts.
// Caller holds c.mu.
func (c *Connector) current(ts *topicState, gen uint64) bool {
	return !c.closed && c.topics[ts.endpoint] == ts && ts.gen == gen && ts.refs() > 0
}

// listener binds transport callbacks to one connection generation.
type listener struct {
	c   *Connector
	ts  *topicState
	gen uint64
}

func (l *listener) OnOpen() {
	var fx effects
	defer l.c.flush(&fx)

	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	if !l.c.current(l.ts, l.gen) {
		return
	}
	l.ts.backoff.Reset()
	l.c.setState(l.ts, Open, &fx)
}

func (l *listener) OnMessage(msg transport.Message) {
	var fx effects

	l.c.mu.Lock()
	if !l.c.current(l.ts, l.gen) {
		l.c.mu.Unlock()
		return
	}
	l.ts.backoff.Reset()
	l.c.setState(l.ts, Open, &fx)
	names := make([]string, 0, len(l.ts.names))
	for n := range l.ts.names {
		names = append(names, n)
	}
	l.c.mu.Unlock()

	l.c.flush(&fx)
	sort.Strings(names)
	for _, n := range names {
		l.c.sink(n, msg)
	}
}

func (l *listener) OnError(err error) {
	var fx effects
	defer l.c.flush(&fx)

	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	if !l.c.current(l.ts, l.gen) {
		return
	}
	l.c.fail(l.ts, err, &fx)
}
