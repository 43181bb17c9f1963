// Command shadowlink-sim runs a local stand-in for the cloud side of
// shadowlink: the identity provider, the device shadow service and a
// set of simulated thermostats.
//
// Usage:
//
//	shadowlink-sim [flags]
//
// Flags:
//
//	-listen string       HTTP listen address (default ":8443")
//	-things string       Comma-separated simulated things (default "esp32_devkitc_dean1")
//	-tick duration       Simulation interval (default 5s)
//	-users string        Comma-separated users to create at startup
//	-redis-url string    Pair every user's things in this Redis directory
//	-advertise           Announce the things over mDNS
//	-mdns-interface str  Restrict mDNS to one interface
//	-log-level string    Log level: debug, info, warn, error (default "info")
//	-log-file string     Write logs to a rotating file
//
// One-time codes are printed to the log instead of being e-mailed.
//
// Examples:
//
//	# Serve the sample thermostat on localhost
//	shadowlink-sim
//
//	# Two thermostats, discoverable over mDNS
//	shadowlink-sim -things kitchen,office -advertise
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/shadowlink/shadowlink-go/pkg/config"
	"github.com/shadowlink/shadowlink-go/pkg/directory"
	"github.com/shadowlink/shadowlink-go/pkg/idp"
	"github.com/shadowlink/shadowlink-go/pkg/transport"
)

// Config holds the simulator configuration.
type Config struct {
	Listen        string
	Things        string
	Tick          time.Duration
	Users         string
	RedisURL      string
	Advertise     bool
	MDNSInterface string
	LogLevel      string
	LogFile       string
}

var simConfig Config

func init() {
	flag.StringVar(&simConfig.Listen, "listen", ":8443", "HTTP listen address")
	flag.StringVar(&simConfig.Things, "things", directory.DefaultThing, "Comma-separated simulated things")
	flag.DurationVar(&simConfig.Tick, "tick", 5*time.Second, "Simulation interval")
	flag.StringVar(&simConfig.Users, "users", "", "Comma-separated users to create at startup")
	flag.StringVar(&simConfig.RedisURL, "redis-url", "", "Pair every user's things in this Redis directory")
	flag.BoolVar(&simConfig.Advertise, "advertise", false, "Announce the things over mDNS")
	flag.StringVar(&simConfig.MDNSInterface, "mdns-interface", "", "Restrict mDNS to one interface")
	flag.StringVar(&simConfig.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&simConfig.LogFile, "log-file", "", "Write logs to a rotating file")
}

func main() {
	flag.Parse()

	if err := run(simConfig); err != nil {
		fmt.Fprintf(os.Stderr, "shadowlink-sim: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	logCfg := config.Default().Log
	logCfg.Level = cfg.LogLevel
	logCfg.File = cfg.LogFile
	logOut, logCloser, err := logCfg.LogWriter(os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger, err := logCfg.NewLogger(logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	things := splitList(cfg.Things)
	if len(things) == 0 {
		return errors.New("no things to simulate")
	}

	provider := idp.NewProvider(idp.Config{
		CodeSink: func(username, dest, code string) {
			logger.Info("[AUTH] one-time code", "username", username, "destination", dest, "code", code)
		},
		Logger: logger,
	})

	server := transport.NewServer(transport.ServerConfig{
		Authenticate: provider.Authenticate,
		Logger:       logger,
	})
	provider.Mount(server.Router())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim := NewSimulation(server, things, logger)
	if err := sim.Seed(ctx); err != nil {
		return fmt.Errorf("seeding shadows: %w", err)
	}
	server.OnUpdate(sim.Notify)

	for _, username := range splitList(cfg.Users) {
		if err := createUser(ctx, provider, username); err != nil {
			logger.Warn("Failed to create user", "username", username, "error", err)
			continue
		}
		logger.Info("User created", "username", username)
		if cfg.RedisURL != "" {
			if err := pair(ctx, cfg.RedisURL, username, things); err != nil {
				logger.Warn("Failed to pair things", "username", username, "error", err)
			}
		}
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if cfg.Advertise {
		adv, err := directory.NewAdvertiser(cfg.MDNSInterface)
		if err != nil {
			return err
		}
		defer adv.StopAll()
		for _, thing := range things {
			if err := adv.Advertise(thing, port, "sim-thermostat"); err != nil {
				logger.Warn("Failed to advertise", "thing", thing, "error", err)
			}
		}
	}

	httpServer := &http.Server{
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()
	go sim.Run(ctx, cfg.Tick)

	logger.Info("shadowlink-sim listening",
		"addr", ln.Addr().String(),
		"ws", "ws://127.0.0.1:"+strconv.Itoa(port)+"/ws",
		"things", strings.Join(things, ","))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal", "signal", sig)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.DropClients()
	return httpServer.Shutdown(shutdownCtx)
}

// createUser signs up username with a throwaway password, as the client
// does before its first login.
func createUser(ctx context.Context, provider *idp.Provider, username string) error {
	var attrs map[string]string
	if strings.Contains(username, "@") {
		attrs = map[string]string{idp.AttrEmail: username}
	}
	return provider.SignUp(ctx, username, "Sim!x"+uuid.NewString(), attrs)
}

func pair(ctx context.Context, url, username string, things []string) error {
	dir, err := directory.NewRedis(ctx, url, username)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Pair(ctx, things...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
