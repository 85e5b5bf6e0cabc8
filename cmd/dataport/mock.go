package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/dataport/pkg/config"
	"github.com/Mindburn-Labs/dataport/pkg/pushserver"
)

// runMockCmd implements `dataport mock`: the mock push server, until
// interrupted.
func runMockCmd(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mock", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr      string
		heartbeat time.Duration
		rps       float64
		burst     int
	)
	cmd.StringVar(&addr, "addr", cfg.MockAddr, "Listen address")
	cmd.DurationVar(&heartbeat, "heartbeat", 20*time.Second, "SSE ping and WebSocket ping interval")
	cmd.Float64Var(&rps, "rps", 50, "Requests per second allowed per client IP (0 disables)")
	cmd.IntVar(&burst, "burst", 100, "Rate limit burst")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	topics, _, err := loadTopics(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	opts := []pushserver.Option{
		pushserver.WithTopics(topics),
		pushserver.WithHeartbeat(heartbeat),
	}
	if rps > 0 {
		opts = append(opts, pushserver.WithRateLimit(rps, burst))
	}
	ps := pushserver.New(opts...)
	defer ps.Close()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: listen %s: %v\n", addr, err)
		return 1
	}

	srv := &http.Server{
		Handler:           ps.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	_, _ = fmt.Fprintf(stdout, "mock push server listening on %s\n", ln.Addr())
	for _, t := range topics {
		_, _ = fmt.Fprintf(stdout, "  %-12s GET /%s/stream  GET /%s/ws  POST /%s/publish?event=<name>\n", t.Name, t.Name, t.Name, t.Name)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	// Streams never finish on their own; end them before draining.
	ps.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("mock server shutdown", "error", err)
	}
	return 0
}
