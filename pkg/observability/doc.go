// Package observability provides OpenTelemetry tracing and metrics for the
// dataport client.
//
// Initialize the provider at startup and hand it to the components that
// record through the Recorder interface:
//
//	p, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "dataport",
//		OTLPEndpoint: "otel-collector:4317",
//		Enabled:      true,
//	})
//	defer p.Shutdown(ctx)
//
// Components default to Nop() when no recorder is configured.
//
// REST calls are wrapped with TrackOperation:
//
//	ctx, finish := p.TrackOperation(ctx, "api.incidents.list")
//	err := call(ctx)
//	finish(err)
package observability
