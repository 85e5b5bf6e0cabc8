package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attributes for the push pipeline.
var (
	AttrTopic     = attribute.Key("dataport.topic")
	AttrEvent     = attribute.Key("dataport.event")
	AttrReason    = attribute.Key("dataport.drop.reason")
	AttrStateFrom = attribute.Key("dataport.stream.from")
	AttrStateTo   = attribute.Key("dataport.stream.to")
	AttrAttempt   = attribute.Key("dataport.stream.attempt")
	AttrResource  = attribute.Key("dataport.cache.resource")
	AttrOutcome   = attribute.Key("dataport.cache.outcome")
	AttrEndpoint  = attribute.Key("dataport.api.endpoint")
)

// Recorder receives pipeline measurements. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	StreamTransition(ctx context.Context, topic, from, to string)
	ReconnectScheduled(ctx context.Context, topic string, attempt int, delay time.Duration)
	EventDelivered(ctx context.Context, topic, event string)
	EventDropped(ctx context.Context, topic, event, reason string)
	HandlerFailed(ctx context.Context, topic, event string)
	CacheMerged(ctx context.Context, resource, outcome string)
}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nop{} }

type nop struct{}

func (nop) StreamTransition(context.Context, string, string, string) {}
func (nop) ReconnectScheduled(context.Context, string, int, time.Duration) {}
func (nop) EventDelivered(context.Context, string, string) {}
func (nop) EventDropped(context.Context, string, string, string) {}
func (nop) HandlerFailed(context.Context, string, string) {}
func (nop) CacheMerged(context.Context, string, string) {}

// APIOperation creates attributes for REST calls.
func APIOperation(endpoint string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrEndpoint.String(endpoint)}
}
