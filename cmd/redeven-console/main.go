package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/redeven-console/internal/chat"
	"github.com/floegence/redeven-console/internal/config"
	"github.com/floegence/redeven-console/internal/monitor"
	"github.com/floegence/redeven-console/internal/transcript"
	"github.com/floegence/redeven-console/internal/transport"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "bootstrap":
		bootstrapCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("redeven-console %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `redeven-console

Usage:
  redeven-console bootstrap [flags]
  redeven-console run [flags]
  redeven-console version

Commands:
  bootstrap   Exchange an environment token for Flowersec direct channel credentials and write config.
  run         Run the interactive console using the local config file.
  version     Print build information.

`)
}

func bootstrapCmd(args []string) {
	fs := flag.NewFlagSet("bootstrap", flag.ExitOnError)

	controlplane := fs.String("controlplane", "", "Controlplane base URL (e.g. https://sg.example.invalid)")
	envID := fs.String("env-id", "", "Environment public ID (env_...)")
	envToken := fs.String("env-token", "", "Environment token (Bearer)")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	sessionKey := fs.String("session", "", "Chat session key (default: keep existing or \"default\")")

	logFormat := fs.String("log-format", "text", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	timeout := fs.Duration("timeout", 15*time.Second, "Bootstrap request timeout")

	_ = fs.Parse(args)

	if *controlplane == "" || *envID == "" || *envToken == "" {
		fs.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	out, err := config.BootstrapConfig(ctx, config.BootstrapArgs{
		ControlplaneBaseURL: *controlplane,
		EnvironmentID:       *envID,
		EnvironmentToken:    *envToken,
		ConfigPath:          *cfgPath,
		SessionKey:          *sessionKey,
		LogFormat:           *logFormat,
		LogLevel:            *logLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", filepath.Clean(out))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	session := fs.String("session", "", "Chat session key (default: from config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	sessionKey := strings.TrimSpace(*session)
	if sessionKey == "" {
		sessionKey = cfg.ResolvedSessionKey()
	}

	logger, err := newLogger(strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	cache, err := transcript.Open(cfg.ResolvedCachePath(filepath.Clean(*cfgPath)))
	if err != nil {
		// The cache is an optimization. A broken local db must not take the
		// console down.
		logger.Warn("transcript cache unavailable", "error", err)
		cache = nil
	}
	if cache != nil {
		defer cache.Close()
	}

	client, err := transport.NewClient(transport.Options{
		Log:        logger,
		Direct:     cfg.Direct,
		SessionKey: sessionKey,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init transport: %v\n", err)
		os.Exit(1)
	}

	engineOpts := chat.Options{
		Log:          logger,
		Conn:         client,
		SessionKey:   sessionKey,
		HistoryLimit: cfg.HistoryLimit,
	}
	if cache != nil {
		engineOpts.Cache = cache
	}
	engine, err := chat.NewEngine(engineOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init chat engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()
	client.SetSink(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("transport exited", "error", err)
		}
	}()

	r := newRepl(replOptions{
		Log:     logger,
		Engine:  engine,
		Cache:   cache,
		Status:  monitor.NewService(logger),
		Session: sessionKey,
		Version: fmt.Sprintf("%s (%s) %s", Version, Commit, BuildTime),
	})
	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "console exited with error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	// Logs go to stderr so they interleave cleanly with the transcript on
	// stdout.
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
