package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskchat/internal/config"
	"github.com/basket/taskchat/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	name := os.Args[0]
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s [serve]                 Start the HTTP gateway and maintenance sweeper
  %[1]s chat -owner <id>        Chat with the task assistant from the terminal
  %[1]s audit -owner <id>       Print recorded tool calls
                                Flags: -tool, -status, -since (e.g. 24h), -limit, -json
  %[1]s status                  Show daemon health status (/healthz)
  %[1]s doctor [-json]          Run diagnostic checks
                                Flags: -offline skips DNS lookups

ENVIRONMENT VARIABLES:
  TASKCHAT_HOME           Data directory (default: ~/.taskchat)
  GEMINI_API_KEY          Model key for the google provider
  OPENAI_API_KEY          Model key for openai / openai_direct

Without a model key the deterministic rules backend is used.
`, name)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	os.Exit(run(ctx, cmd, args))
}

func run(ctx context.Context, cmd string, args []string) int {
	switch cmd {
	case "serve", "daemon":
		return runServe(ctx, args)
	case "chat":
		return runChatCommand(ctx, args, os.Stdin, os.Stdout)
	case "audit":
		return runAuditCommand(ctx, args, os.Stdout)
	case "status":
		return runStatusCommand(ctx, args)
	case "doctor":
		return runDoctorCommand(ctx, args, os.Stdout)
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		return 2
	}
}

// newLogger writes to <home>/logs/taskchat.jsonl, and to stdout unless quiet.
func newLogger(cfg config.Config, quiet bool) (*slog.Logger, io.Closer, error) {
	return telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
}

func reasonCode(err error) string {
	var se *startupError
	if errors.As(err, &se) {
		return se.code
	}
	return "E_STARTUP"
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv sets KEY=VALUE pairs from path without overriding the
// environment. A missing file is ignored.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
