package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"

	"github.com/Mindburn-Labs/dataport/pkg/config"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// signalContext is a variable so tests can run commands without signals.
var signalContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg, stderr)

	ctx, stop := signalContext()
	defer stop()

	switch args[1] {
	case "watch":
		return runWatchCmd(ctx, cfg, args[2:], stdout, stderr)
	case "mock":
		return runMockCmd(ctx, cfg, args[2:], stdout, stderr)
	case "topics":
		return runTopicsCmd(cfg, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// setupLogging installs a human-readable slog handler on stderr.
func setupLogging(cfg *config.Config, w io.Writer) {
	handler := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmlog.Level(cfg.SlogLevel()),
		ReportTimestamp: true,
		Prefix:          "dataport",
	})
	slog.SetDefault(slog.New(handler))
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sDataPort live-data client%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "  dataport <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "COMMANDS")
	printCommand(w, "watch", "Load a view and keep it current from the push stream (--topic, --severity, --filter)")
	printCommand(w, "mock", "Run the mock push server (--addr)")
	printCommand(w, "topics", "Print the resolved topic catalog (--json)")
	printCommand(w, "help", "Show this help")

	printSection(w, "ENVIRONMENT")
	printCommand(w, "DATAPORT_API_BASE_URL", "REST and stream base URL")
	printCommand(w, "DATAPORT_TOPICS_FILE", "YAML topic profile")
	printCommand(w, "DATAPORT_SNAPSHOT_DSN", "sqlite:<path> or postgres:// snapshot store")
	printCommand(w, "LOG_LEVEL", "DEBUG, INFO, WARN or ERROR")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-24s%s %s\n", colorGreen, name, colorReset, desc)
}
