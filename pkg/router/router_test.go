package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stateSchema = `{
	"type": "object",
	"required": ["stateId", "overallStatus"],
	"properties": {
		"stateId": {"type": "string", "format": "uuid"},
		"overallStatus": {"enum": ["Verde", "Amarillo", "Rojo"]}
	}
}`

func newTestRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	r := New(opts...)
	require.NoError(t, r.AddSchema("compliance", "state", []byte(stateSchema)))
	return r
}

const validState = `{"stateId":"6f1c2d7e-3b9a-4c51-9e0f-2a8b7c6d5e4f","overallStatus":"Verde"}`

func TestOnMessage_DeliversInRegistrationOrder(t *testing.T) {
	r := newTestRouter(t)
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		r.Register("compliance", "state", func(Event) error {
			order = append(order, i)
			return nil
		})
	}

	r.OnMessage("compliance", Envelope{EventName: "state", Payload: []byte(validState), ID: "42"})

	assert.Equal(t, []int{1, 2, 3}, order)
	s := r.Stats()
	assert.Equal(t, uint64(1), s.Delivered)
	assert.Zero(t, s.Dropped)
}

func TestOnMessage_EventFields(t *testing.T) {
	r := newTestRouter(t)
	var got Event
	r.Register("compliance", "state", func(ev Event) error {
		got = ev
		return nil
	})
	r.OnMessage("compliance", Envelope{EventName: "state", Payload: []byte(validState), ID: "42"})

	assert.Equal(t, "compliance", got.Topic)
	assert.Equal(t, "state", got.Name)
	assert.Equal(t, "42", got.SourceID)
	assert.JSONEq(t, validState, string(got.Payload))
	assert.NotZero(t, got.ID)
	assert.False(t, got.ReceivedAt.IsZero())
}

func TestOnMessage_Drops(t *testing.T) {
	cases := []struct {
		name    string
		event   string
		payload string
		reason  DropReason
	}{
		{"malformed json", "state", `{"stateId":`, DropDecode},
		{"unknown event", "metrics", `{}`, DropUnknownEvent},
		{"bad enum", "state", `{"stateId":"6f1c2d7e-3b9a-4c51-9e0f-2a8b7c6d5e4f","overallStatus":"Azul"}`, DropSchema},
		{"bad uuid format", "state", `{"stateId":"nope","overallStatus":"Rojo"}`, DropSchema},
		{"missing field", "state", `{"overallStatus":"Rojo"}`, DropSchema},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var drops []Drop
			r := newTestRouter(t, WithDropHook(func(d Drop) { drops = append(drops, d) }))
			called := 0
			r.Register("compliance", tc.event, func(Event) error {
				called++
				return nil
			})

			r.OnMessage("compliance", Envelope{EventName: tc.event, Payload: []byte(tc.payload)})

			require.Zero(t, called)
			require.Len(t, drops, 1)
			assert.Equal(t, tc.reason, drops[0].Reason)
			assert.Error(t, drops[0].Err)

			s := r.Stats()
			assert.Equal(t, uint64(1), s.Dropped)
			assert.Equal(t, uint64(1), s.DroppedBy[tc.reason])
			require.NotNil(t, s.LastDrop)
			assert.Equal(t, tc.reason, s.LastDrop.Reason)
		})
	}
}

func TestOnMessage_HandlerFailuresAreIsolated(t *testing.T) {
	r := newTestRouter(t)
	var ran []string
	r.Register("compliance", "state", func(Event) error {
		ran = append(ran, "err")
		return errors.New("boom")
	})
	r.Register("compliance", "state", func(Event) error {
		ran = append(ran, "panic")
		panic("kaboom")
	})
	r.Register("compliance", "state", func(Event) error {
		ran = append(ran, "ok")
		return nil
	})

	require.NotPanics(t, func() {
		r.OnMessage("compliance", Envelope{EventName: "state", Payload: []byte(validState)})
	})
	assert.Equal(t, []string{"err", "panic", "ok"}, ran)
	assert.Equal(t, uint64(2), r.Stats().HandlerFailures)
}

func TestUnregister(t *testing.T) {
	r := newTestRouter(t)
	calls := 0
	reg := r.Register("compliance", "state", func(Event) error {
		calls++
		return nil
	})
	require.Equal(t, 1, r.Handlers("compliance", "state"))

	r.Unregister(reg)
	r.Unregister(reg)
	r.Unregister(Registration{})
	require.Zero(t, r.Handlers("compliance", "state"))

	r.OnMessage("compliance", Envelope{EventName: "state", Payload: []byte(validState)})
	assert.Zero(t, calls)
	// Validated but unobserved events still count as delivered.
	assert.Equal(t, uint64(1), r.Stats().Delivered)
}

func TestOnMessage_TopicWideHandlers(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.AddSchema("compliance", "tasks", []byte(`{"type": "array"}`)))

	var order []string
	r.Register("compliance", "state", func(Event) error {
		order = append(order, "state-1")
		return nil
	})
	r.Register("compliance", "", func(ev Event) error {
		order = append(order, "all:"+ev.Name)
		return nil
	})
	r.Register("compliance", "state", func(Event) error {
		order = append(order, "state-2")
		return nil
	})
	r.Register("incidents", "", func(ev Event) error {
		order = append(order, "incidents:"+ev.Name)
		return nil
	})

	r.OnMessage("compliance", Envelope{EventName: "state", Payload: []byte(validState)})
	r.OnMessage("compliance", Envelope{EventName: "tasks", Payload: []byte(`[]`)})
	assert.Equal(t, []string{"state-1", "all:state", "state-2", "all:tasks"}, order)

	// Topic-wide handlers only see events that passed their own schema.
	order = nil
	r.OnMessage("compliance", Envelope{EventName: "tasks", Payload: []byte(`{}`)})
	r.OnMessage("compliance", Envelope{EventName: "metrics", Payload: []byte(`{}`)})
	r.OnMessage("compliance", Envelope{EventName: "state", Payload: []byte(`{"stateId":`)})
	assert.Empty(t, order)
	assert.Equal(t, uint64(3), r.Stats().Dropped)
}

func TestUnregister_DuringDispatch(t *testing.T) {
	r := newTestRouter(t)
	var second Registration
	calls := 0
	r.Register("compliance", "state", func(Event) error {
		r.Unregister(second)
		return nil
	})
	second = r.Register("compliance", "", func(Event) error {
		calls++
		return nil
	})

	r.OnMessage("compliance", Envelope{EventName: "state", Payload: []byte(validState)})
	assert.Zero(t, calls, "a handler unregistered mid-dispatch is skipped")
	assert.Zero(t, r.Handlers("compliance", ""))
}

func TestAddSchema_CompileError(t *testing.T) {
	r := New()
	err := r.AddSchema("t", "e", []byte(`{"type": 12}`))
	require.ErrorIs(t, err, ErrSchemaCompile)

	err = r.AddSchema("t", "e", []byte(`not json`))
	require.ErrorIs(t, err, ErrSchemaCompile)
}

func TestTyped(t *testing.T) {
	type state struct {
		StateID       string `json:"stateId"`
		OverallStatus string `json:"overallStatus"`
	}
	r := newTestRouter(t)
	var got state
	r.Register("compliance", "state", Typed(func(_ Event, s state) error {
		got = s
		return nil
	}))
	r.OnMessage("compliance", Envelope{EventName: "state", Payload: []byte(validState)})
	assert.Equal(t, "Verde", got.OverallStatus)

	// A type mismatch surfaces as a handler failure.
	r.Register("compliance", "state", Typed(func(_ Event, s []int) error { return nil }))
	r.OnMessage("compliance", Envelope{EventName: "state", Payload: []byte(validState)})
	assert.Equal(t, uint64(1), r.Stats().HandlerFailures)
}
