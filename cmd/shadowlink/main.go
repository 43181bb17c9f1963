// Command shadowlink is the interactive thermostat client.
//
// It signs a user in with a passwordless e-mail code, discovers the
// user's paired thermostats and keeps their device shadows in sync over
// the notification connection.
//
// Usage:
//
//	shadowlink [flags]
//
// Flags:
//
//	-config string         Configuration file path (YAML)
//	-endpoint string       Shadow service WebSocket URL
//	-auth-endpoint string  Identity provider base URL
//	-directory string      Device directory: static, redis, mdns
//	-redis-url string      Redis URL for the redis directory
//	-state-dir string      Directory for persistent state
//	-log-level string      Log level: debug, info, warn, error
//	-trace-file string     Write the CBOR protocol trace to this file
//	-user string           Start signing in this user right away
//	-reset                 Clear all persisted state before starting
//
// Examples:
//
//	# Talk to a local shadowlink-sim
//	shadowlink -state-dir ~/.shadowlink
//
//	# Sign in straight away and record a protocol trace
//	shadowlink -user alice@example.com -trace-file /tmp/client.mlog
//
// Interactive Commands:
//
//	login [user]     - Start passwordless login
//	code <answer>    - Answer the pending challenge
//	devices          - List subscribed devices
//	show [device]    - Show shadow state
//	target <dev> <t> - Set the desired temperature
//	status           - Show client status
//	quit             - Exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shadowlink/shadowlink-go/cmd/shadowlink/interactive"
	"github.com/shadowlink/shadowlink-go/pkg/config"
	"github.com/shadowlink/shadowlink-go/pkg/directory"
	"github.com/shadowlink/shadowlink-go/pkg/idp"
	"github.com/shadowlink/shadowlink-go/pkg/log"
	"github.com/shadowlink/shadowlink-go/pkg/persistence"
	"github.com/shadowlink/shadowlink-go/pkg/service"
	"github.com/shadowlink/shadowlink-go/pkg/shadow"
	"github.com/shadowlink/shadowlink-go/pkg/transport"
)

// Flags holds command-line overrides of the configuration file.
type Flags struct {
	ConfigFile   string
	Endpoint     string
	AuthEndpoint string
	Directory    string
	RedisURL     string
	StateDir     string
	LogLevel     string
	TraceFile    string
	User         string
	Reset        bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&flags.Endpoint, "endpoint", "", "Shadow service WebSocket URL")
	flag.StringVar(&flags.AuthEndpoint, "auth-endpoint", "", "Identity provider base URL")
	flag.StringVar(&flags.Directory, "directory", "", "Device directory: static, redis, mdns")
	flag.StringVar(&flags.RedisURL, "redis-url", "", "Redis URL for the redis directory")
	flag.StringVar(&flags.StateDir, "state-dir", "", "Directory for persistent state")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.TraceFile, "trace-file", "", "Write the CBOR protocol trace to this file")
	flag.StringVar(&flags.User, "user", "", "Start signing in this user right away")
	flag.BoolVar(&flags.Reset, "reset", false, "Clear all persisted state before starting")
}

// apply overrides cfg with the flags that were set.
func (f *Flags) apply(cfg *config.Config) {
	if f.Endpoint != "" {
		cfg.Endpoint = f.Endpoint
	}
	if f.AuthEndpoint != "" {
		cfg.AuthEndpoint = f.AuthEndpoint
	}
	if f.Directory != "" {
		cfg.Directory.Type = f.Directory
	}
	if f.RedisURL != "" {
		cfg.Directory.RedisURL = f.RedisURL
	}
	if f.StateDir != "" {
		cfg.StateDir = f.StateDir
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.TraceFile != "" {
		cfg.Log.TraceFile = f.TraceFile
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	flags.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "shadowlink: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	// The shell is created first so log output can go through readline.
	shell, err := interactive.New()
	if err != nil {
		return err
	}

	logOut, logCloser, err := cfg.Log.LogWriter(shell.Stdout())
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger, err := cfg.Log.NewLogger(logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	trace, closeTrace := setupTrace(cfg.Log.TraceFile, logger)
	defer closeTrace()

	logger.Info("shadowlink client starting",
		"endpoint", cfg.Endpoint,
		"auth", cfg.AuthEndpoint,
		"directory", cfg.Directory.Type)

	var store *persistence.Store
	if cfg.StateDir != "" {
		store = persistence.NewStore(filepath.Join(cfg.StateDir, "state.json"))
		logger.Info("Using state directory", "path", cfg.StateDir)
		if flags.Reset {
			logger.Info("Resetting persisted state")
			if err := store.Clear(); err != nil {
				logger.Warn("Failed to clear state", "error", err)
			}
		}
	}

	var svc *service.ClientService
	tcfg := transport.DefaultClientConfig(cfg.Endpoint)
	tcfg.BearerToken = func() string { return svc.IDToken() }
	tcfg.Reconnect.Backoff = cfg.Backoff()
	tcfg.Logger = logger
	tcfg.Trace = trace
	client := transport.NewClient(tcfg)

	svc, err = service.New(service.Config{
		Provider:  idp.NewClient(cfg.AuthEndpoint, nil),
		Transport: client,
		OpenDirectory: func(ctx context.Context, username string) (directory.Directory, error) {
			return directory.Open(ctx, cfg.DirectoryOptions(username))
		},
		Store:           store,
		ProviderName:    cfg.ProviderName(),
		ClientID:        cfg.ClientID,
		RegisterOptions: shadow.DefaultRegisterOptions(),
		Logger:          logger,
		Trace:           trace,
	})
	if err != nil {
		return err
	}
	shell.Attach(svc)
	svc.OnEvent(shell.HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if flags.User != "" {
		shell.Execute(ctx, "login "+flags.User)
	}
	go shell.Run(ctx, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal", "signal", sig)
	case <-ctx.Done():
		// Context was cancelled (e.g., by interactive quit command)
	}

	logger.Info("Shutting down...")
	cancel()

	if err := svc.Close(); err != nil {
		logger.Warn("Error stopping service", "error", err)
	}
	return nil
}

// setupTrace opens the protocol trace file. The returned func closes it.
func setupTrace(path string, logger *slog.Logger) (log.Logger, func()) {
	if path == "" {
		return nil, func() {}
	}
	fl, err := log.NewFileLogger(path)
	if err != nil {
		logger.Warn("Failed to open trace file", "path", path, "error", err)
		return nil, func() {}
	}
	logger.Info("Protocol trace enabled", "path", fl.Path())
	return fl, func() {
		if n := fl.Dropped(); n > 0 {
			logger.Warn("Trace events dropped", "count", n)
		}
		if err := fl.Close(); err != nil {
			logger.Warn("Failed to close trace file", "error", err)
		}
	}
}
