package transport

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	opened int
	msgs   []Message
	errs   []error
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 64)}
}

func (r *recorder) OnOpen() {
	r.mu.Lock()
	r.opened++
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder) OnMessage(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.signal:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for notification %d of %d", i+1, n)
		}
	}
}

func (r *recorder) snapshot() (int, []Message, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened, append([]Message(nil), r.msgs...), append([]error(nil), r.errs...)
}

func TestReadEvents(t *testing.T) {
	stream := strings.Join([]string{
		": connected",
		"",
		`data: {"a":1}`,
		"",
		"event: state",
		"id: 7",
		`data: {"b":`,
		`data: 2}`,
		"",
		"retry: 5000",
		"event: ignored-without-data",
		"",
		"data:no-space",
		"",
	}, "\n")

	var got []Message
	err := ReadEvents(strings.NewReader(stream), func(m Message) { got = append(got, m) })
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, Message{Event: "message", Data: []byte(`{"a":1}`)}, got[0])
	assert.Equal(t, Message{Event: "state", Data: []byte("{\"b\":\n2}"), ID: "7"}, got[1])
	// id persists until replaced
	assert.Equal(t, Message{Event: "message", Data: []byte("no-space"), ID: "7"}, got[2])
}

func TestReadEvents_CRLF(t *testing.T) {
	var got []Message
	err := ReadEvents(strings.NewReader("event: tasks\r\ndata: []\r\n\r\n"), func(m Message) { got = append(got, m) })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tasks", got[0].Event)
	assert.Equal(t, "[]", string(got[0].Data))
}

func TestDecodeFrame(t *testing.T) {
	m := DecodeFrame([]byte(`{"event":"state","data":{"x":1},"id":"9"}`))
	assert.Equal(t, "state", m.Event)
	assert.JSONEq(t, `{"x":1}`, string(m.Data))
	assert.Equal(t, "9", m.ID)

	raw := []byte(`{"incidentId":"x"}`)
	m = DecodeFrame(raw)
	assert.Equal(t, DefaultEvent, m.Event)
	assert.Equal(t, raw, m.Data)

	m = DecodeFrame([]byte("not json"))
	assert.Equal(t, DefaultEvent, m.Event)
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	b, err := EncodeFrame("tasks", []byte(`[1,2]`), "")
	require.NoError(t, err)
	m := DecodeFrame(b)
	assert.Equal(t, "tasks", m.Event)
	assert.Equal(t, "[1,2]", string(m.Data))
}

func TestMux_UnsupportedScheme(t *testing.T) {
	m := NewMux()
	_, err := m.Connect("gopher://example", newRecorder())
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestMux_DispatchesByScheme(t *testing.T) {
	var got string
	m := NewMux()
	m.Handle(FactoryFunc(func(endpoint string, l Listener) (Conn, error) {
		got = endpoint
		return nil, nil
	}), "http", "https")

	_, err := m.Connect("HTTPS://example/stream", newRecorder())
	require.NoError(t, err)
	require.Equal(t, "HTTPS://example/stream", got)
	require.NoError(t, m.Close())
}

func TestSSE_ConnectStreamsAndEnds(t *testing.T) {
	ids := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t0k", r.Header.Get("Authorization"))
		ids <- r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\nevent: state\ndata: {\"ok\":true}\n\n")
		fmt.Fprint(w, "data: second\n\n")
	}))
	defer srv.Close()

	sse := NewSSE(WithAuthorizer(func(r *http.Request) error {
		r.Header.Set("Authorization", "Bearer t0k")
		return nil
	}))
	rec := newRecorder()
	c, err := sse.Connect(srv.URL, rec)
	require.NoError(t, err)
	defer c.Close()

	rec.wait(t, 4) // open, two messages, end of stream
	opened, msgs, errs := rec.snapshot()
	require.Equal(t, 1, opened)
	require.Len(t, msgs, 2)
	require.Equal(t, "state", msgs[0].Event)
	require.Equal(t, "second", string(msgs[1].Data))
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrStreamEnded)
	require.Empty(t, <-ids)

	// A reconnect carries the last seen event id.
	rec2 := newRecorder()
	c2, err := sse.Connect(srv.URL, rec2)
	require.NoError(t, err)
	defer c2.Close()
	rec2.wait(t, 4)
	require.Equal(t, "1", <-ids)
}

func TestSSE_BadStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := newRecorder()
	c, err := NewSSE().Connect(srv.URL, rec)
	require.NoError(t, err)
	defer c.Close()

	rec.wait(t, 1)
	opened, _, errs := rec.snapshot()
	require.Zero(t, opened)
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Error(), "503")
}

func TestSSE_CloseSilencesListener(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := newRecorder()
	c, err := NewSSE().Connect(srv.URL, rec)
	require.NoError(t, err)
	rec.wait(t, 1)

	require.NoError(t, c.Close())
	time.Sleep(50 * time.Millisecond)
	_, _, errs := rec.snapshot()
	require.Empty(t, errs)
}

func TestWebSocket_ReceivesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		frame, _ := EncodeFrame("state", []byte(`{"n":1}`), "")
		_ = ws.WriteMessage(websocket.TextMessage, frame)
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	rec := newRecorder()
	c, err := NewWebSocket(nil).Connect("ws"+strings.TrimPrefix(srv.URL, "http"), rec)
	require.NoError(t, err)
	defer c.Close()

	rec.wait(t, 3)
	opened, msgs, errs := rec.snapshot()
	require.Equal(t, 1, opened)
	require.Len(t, msgs, 1)
	require.Equal(t, "state", msgs[0].Event)
	require.Len(t, errs, 1)
	require.True(t, errors.Is(errs[0], ErrStreamEnded))
}

func TestRedis_MissingChannel(t *testing.T) {
	_, err := NewRedis().Connect("redis://localhost:6379/0", newRecorder())
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing channel")
}
