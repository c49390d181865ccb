//go:build linux || darwin

// Command winloop runs a native event source, loaded from a WebAssembly
// artifact, on the main OS thread, alongside the TCP wake channel.
//
// Usage:
//
//	winloop -native path/to/native.wasm [flags]
//
// Logs are written to stderr, as JSON lines. Fatal startup errors exit 1.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/joeycumines/go-winloop/bridge"
	"github.com/joeycumines/go-winloop/native/wasmsource"
	"github.com/joeycumines/go-winloop/wakechan"
)

func init() {
	// native window systems generally require the main thread
	runtime.LockOSThread()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	var (
		cfg      = bridge.DefaultConfig()
		level    = levelFlag(logiface.LevelInformational)
		wasmPath string
		budget   time.Duration
		port     uint
	)

	fs := flag.NewFlagSet("winloop", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&wasmPath, "native", "", "path to the native event source (.wasm)")
	fs.UintVar(&port, "port", bridge.DefaultPort, "wake channel TCP port (0 for ephemeral)")
	fs.StringVar(&cfg.BindAddress, "bind", cfg.BindAddress, "wake channel bind address")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "delay between native polls, measured from the end of each poll")
	fs.DurationVar(&budget, "poll-budget", wasmsource.DefaultPollBudget, "maximum duration of a single native poll")
	fs.IntVar(&cfg.MaxPending, "max-pending", cfg.MaxPending, "per-connection unsent byte cap, negative for none")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "close wake channel connections idle this long (0 disables)")
	fs.Var(&level, "log-level", "log level: trace, debug, info, notice, warning, err, crit, alert, emerg, disabled")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if wasmPath == "" || fs.NArg() != 0 {
		_, _ = fmt.Fprintln(stderr, "usage: winloop -native path.wasm [flags]")
		fs.PrintDefaults()
		return 2
	}
	if port > 1<<16-1 {
		_, _ = fmt.Fprintf(stderr, "invalid -port %d\n", port)
		return 2
	}
	cfg.Port = uint16(port)

	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(logiface.Level(level)),
	).Logger()

	b, err := bridge.New(&wasmsource.Loader{
		Logger:     logger.Clone().Str("component", "native").Logger(),
		Path:       wasmPath,
		PollBudget: budget,
	}, cfg, bridge.WithLogger(logger))
	if err != nil {
		logger.Crit().Err(err).Log("invalid configuration")
		return 1
	}

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Crit().Err(err).Log("exiting")
		if errors.Is(err, wakechan.ErrListen) {
			logger.Notice().
				Uint64("port", uint64(cfg.Port)).
				Log("is another instance running? see -port")
		}
		return 1
	}

	return 0
}

// levelFlag implements flag.Value, for logiface.Level.
type levelFlag logiface.Level

func (x *levelFlag) String() string {
	return logiface.Level(*x).String()
}

func (x *levelFlag) Set(s string) error {
	for l := logiface.LevelDisabled; l <= logiface.LevelTrace; l++ {
		if strings.EqualFold(s, l.String()) {
			*x = levelFlag(l)
			return nil
		}
	}
	switch strings.ToLower(s) {
	case "error":
		*x = levelFlag(logiface.LevelError)
	case "warn":
		*x = levelFlag(logiface.LevelWarning)
	default:
		return fmt.Errorf("unknown log level %q", s)
	}
	return nil
}
