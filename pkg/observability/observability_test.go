package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "dataport", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	newCtx, finish := p.TrackOperation(context.Background(), "api.incidents.list",
		attribute.String("test.key", "test.value"))
	require.NotNil(t, newCtx)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "api.incidents.list")
	finish(errors.New("boom"))
}

func TestRecordMetrics(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordDuration(ctx, 100*time.Millisecond, attribute.String("test", "value"))
}

func TestProviderRecorderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	var r Recorder = p
	ctx := context.Background()
	r.StreamTransition(ctx, "incidents", "connecting", "open")
	r.ReconnectScheduled(ctx, "incidents", 2, 2*time.Second)
	r.EventDelivered(ctx, "incidents", "message")
	r.EventDropped(ctx, "incidents", "message", "schema")
	r.HandlerFailed(ctx, "compliance", "state")
	r.CacheMerged(ctx, "incidents", "merged")
}

func TestNop(t *testing.T) {
	r := Nop()
	require.NotPanics(t, func() {
		r.StreamTransition(context.Background(), "t", "idle", "connecting")
		r.CacheMerged(context.Background(), "incidents", "absent")
	})
}

func TestStartSpanAndShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	newCtx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestAPIOperation(t *testing.T) {
	attrs := APIOperation("/incidents")
	require.Len(t, attrs, 1)
	require.Equal(t, "dataport.api.endpoint", string(attrs[0].Key))
	require.Equal(t, "/incidents", attrs[0].Value.AsString())
}
