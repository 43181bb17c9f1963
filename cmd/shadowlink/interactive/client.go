// Package interactive provides the interactive command-line interface
// for the shadowlink client.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/shadowlink/shadowlink-go/pkg/challenge"
	"github.com/shadowlink/shadowlink-go/pkg/connection"
	"github.com/shadowlink/shadowlink-go/pkg/customauth"
	"github.com/shadowlink/shadowlink-go/pkg/idp"
	"github.com/shadowlink/shadowlink-go/pkg/service"
	"github.com/shadowlink/shadowlink-go/pkg/shadow"
)

// Service is the part of service.ClientService the shell drives.
type Service interface {
	State() service.State
	LastUser() string
	Login(ctx context.Context, username string) (*customauth.Handle, error)
	SignOut() error
	Reconnect(ctx context.Context) error
	Identity() (customauth.Identity, bool)
	Logins() map[string]string
	SetTarget(ctx context.Context, deviceID string, temp float64) (float64, error)
	Snapshot(deviceID string) (shadow.State, bool)
	Snapshots() []shadow.State
	Devices() []string
	ConnectionState() connection.State
	ConnectionError() error
}

// Client handles interactive mode for shadowlink.
type Client struct {
	svc Service
	rl  *readline.Instance
	out io.Writer

	mu     sync.Mutex
	handle *customauth.Handle
}

// New creates a shell reading from the terminal. Attach the service
// before calling Run.
func New() (*Client, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "shadowlink> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Client{rl: rl, out: rl.Stdout()}, nil
}

// Attach sets the service the shell drives.
func (c *Client) Attach(svc Service) {
	c.svc = svc
}

// NewWithWriter creates a shell without a terminal. Commands are fed
// through Execute.
func NewWithWriter(svc Service, out io.Writer) *Client {
	return &Client{svc: svc, out: out}
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (c *Client) Stdout() io.Writer {
	return c.out
}

// HandleEvent prints service events. Register it with
// ClientService.OnEvent.
func (c *Client) HandleEvent(ev service.Event) {
	switch ev.Type {
	case service.EventChallenge:
		params := ev.Challenge.Parameters()
		if left, ok := params[idp.KeyAttemptsRemaining]; ok {
			fmt.Fprintf(c.out, "[AUTH] Wrong code, %s attempt(s) left\n", left)
		}
		if dest, ok := params[challenge.KeyEmail]; ok {
			fmt.Fprintf(c.out, "[AUTH] Code sent to %s. Enter it with: code <digits>\n", dest)
		} else {
			fmt.Fprintf(c.out, "[AUTH] Challenge %v. Answer with: code <answer>\n", params)
		}
	case service.EventSignedIn:
		fmt.Fprintf(c.out, "[AUTH] Signed in as %s\n", ev.Username)
		c.setHandle(nil)
	case service.EventLoginFailed:
		c.setHandle(nil)
		title, msg := customauth.Display(ev.Error)
		if title == "" {
			fmt.Fprintln(c.out, "[AUTH] Login cancelled")
			return
		}
		fmt.Fprintf(c.out, "[AUTH] %s: %s\n", title, msg)
	case service.EventSignedOut:
		fmt.Fprintf(c.out, "[AUTH] Signed out %s\n", ev.Username)
	case service.EventConnection:
		fmt.Fprintf(c.out, "[CONN] %s\n", ev.Connection)
	case service.EventDevicesSubscribed:
		fmt.Fprintf(c.out, "[CONN] Subscribed %d device(s): %s\n", len(ev.Devices), strings.Join(ev.Devices, ", "))
	case service.EventShadow:
		fmt.Fprintf(c.out, "[SHADOW] %s\n", formatState(ev.Shadow))
	case service.EventError:
		fmt.Fprintf(c.out, "[ERROR] %v\n", ev.Error)
	}
}

func (c *Client) setHandle(h *customauth.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}

func (c *Client) currentHandle() *customauth.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Run starts the interactive command loop.
func (c *Client) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()
	if last := c.svc.LastUser(); last != "" {
		fmt.Fprintf(c.out, "Last user: %s (type 'login' to sign in again)\n", last)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if !c.Execute(ctx, line) {
			cancel()
			return
		}
	}
}

// Execute runs one command line. It returns false when the shell
// should exit.
func (c *Client) Execute(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()

	case "login":
		c.cmdLogin(ctx, args)

	case "code", "answer":
		c.cmdCode(args)

	case "cancel":
		c.cmdCancel()

	case "devices", "ls":
		c.cmdDevices()

	case "show", "s":
		c.cmdShow(args)

	case "target", "t":
		c.cmdTarget(ctx, args)

	case "reconnect":
		c.cmdReconnect(ctx)

	case "whoami", "logins":
		c.cmdWhoami()

	case "status":
		c.cmdStatus()

	case "signout", "logout":
		c.cmdSignOut()

	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false

	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Client) printHelp() {
	fmt.Fprintln(c.out, `
Shadowlink Commands:
  Authentication:
    login [username]          - Start passwordless login (default: last user)
    code <answer>             - Answer the pending challenge
    cancel                    - Cancel the running login
    whoami                    - Show identity and logins
    signout                   - Sign out and forget the user

  Devices:
    devices                   - List subscribed devices
    show [device]             - Show shadow state
    target <device> <temp>    - Set the desired temperature
    reconnect                 - Reconnect to the shadow service

  General:
    status                    - Show client status
    help                      - Show this help
    quit                      - Exit`)
}

func (c *Client) cmdLogin(ctx context.Context, args []string) {
	username := ""
	if len(args) > 0 {
		username = args[0]
	} else {
		username = c.svc.LastUser()
	}
	if username == "" {
		fmt.Fprintln(c.out, "Usage: login <username>")
		return
	}

	fmt.Fprintf(c.out, "Signing in %s...\n", username)
	h, err := c.svc.Login(ctx, username)
	if err != nil {
		title, msg := customauth.Display(err)
		if title == "" {
			title, msg = "Login failed", err.Error()
		}
		fmt.Fprintf(c.out, "%s: %s\n", title, msg)
		return
	}
	c.setHandle(h)
}

func (c *Client) cmdCode(args []string) {
	h := c.currentHandle()
	if h == nil {
		fmt.Fprintln(c.out, "No login in progress (use 'login <username>')")
		return
	}

	answer := strings.Join(args, " ")
	err := h.ProvideAnswer(challenge.Response{challenge.KeyAnswer: answer})
	switch {
	case err == nil:
		fmt.Fprintln(c.out, "Verifying...")
	case errors.Is(err, customauth.ErrInvalidInput):
		fmt.Fprintln(c.out, "Authentication Code Missing: Please enter the authentication code.")
	case errors.Is(err, customauth.ErrProtocolViolation):
		fmt.Fprintln(c.out, "No challenge is waiting for an answer")
	default:
		fmt.Fprintf(c.out, "Answer rejected: %v\n", err)
	}
}

func (c *Client) cmdCancel() {
	h := c.currentHandle()
	if h == nil {
		fmt.Fprintln(c.out, "No login in progress")
		return
	}
	if err := h.Cancel(); err != nil {
		fmt.Fprintf(c.out, "Cancel failed: %v\n", err)
	}
}

func (c *Client) cmdDevices() {
	devices := c.svc.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No devices subscribed")
		return
	}
	fmt.Fprintf(c.out, "\nSubscribed Devices (%d):\n", len(devices))
	fmt.Fprintln(c.out, "-------------------------------------------")
	for _, d := range devices {
		fmt.Fprintf(c.out, "  %s\n", d)
	}
}

func (c *Client) cmdShow(args []string) {
	if len(args) > 0 {
		deviceID := c.resolveDeviceID(args[0])
		st, ok := c.svc.Snapshot(deviceID)
		if !ok {
			fmt.Fprintf(c.out, "Device not found: %s\n", args[0])
			return
		}
		fmt.Fprintln(c.out, formatState(st))
		return
	}

	states := c.svc.Snapshots()
	if len(states) == 0 {
		fmt.Fprintln(c.out, "No shadow state yet")
		return
	}
	for _, st := range states {
		fmt.Fprintln(c.out, formatState(st))
	}
}

func (c *Client) cmdTarget(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(c.out, "Usage: target <device> <temp>")
		return
	}
	deviceID := c.resolveDeviceID(args[0])

	temp, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid temperature: %v\n", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sent, err := c.svc.SetTarget(reqCtx, deviceID, temp)
	if errors.Is(err, service.ErrNotSignedIn) {
		fmt.Fprintln(c.out, "Not signed in")
		return
	}
	if err != nil {
		// The local value is kept; the shadow service catches up on reconnect.
		fmt.Fprintf(c.out, "Target %s set to %.0f locally, update failed: %v\n", deviceID, sent, err)
		return
	}
	fmt.Fprintf(c.out, "Target %s set to %.0f\n", deviceID, sent)
}

func (c *Client) cmdReconnect(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.svc.Reconnect(reqCtx); err != nil {
		fmt.Fprintf(c.out, "Reconnect failed: %v\n", err)
	}
}

func (c *Client) cmdWhoami() {
	id, ok := c.svc.Identity()
	if !ok {
		fmt.Fprintln(c.out, "Not signed in")
		return
	}
	fmt.Fprintf(c.out, "  Username:    %s\n", id.Username)
	fmt.Fprintf(c.out, "  Identity ID: %s\n", id.IdentityID)
	fmt.Fprintf(c.out, "  Signed in:   %s\n", id.AuthenticatedAt.Format("15:04:05"))

	keys := make([]string, 0, len(id.Attributes))
	for k := range id.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, "  %-12s %s\n", k+":", id.Attributes[k])
	}
	for provider := range c.svc.Logins() {
		fmt.Fprintf(c.out, "  Login:       %s\n", provider)
	}
}

func (c *Client) cmdStatus() {
	fmt.Fprintln(c.out, "\nClient Status")
	fmt.Fprintln(c.out, "-------------------------------------------")
	fmt.Fprintf(c.out, "  Account:     %s\n", c.svc.State())
	if id, ok := c.svc.Identity(); ok {
		fmt.Fprintf(c.out, "  User:        %s\n", id.Username)
	}
	fmt.Fprintf(c.out, "  Connection:  %s\n", c.svc.ConnectionState())
	if err := c.svc.ConnectionError(); err != nil {
		fmt.Fprintf(c.out, "  Last error:  %v\n", err)
	}
	fmt.Fprintf(c.out, "  Devices:     %d\n", len(c.svc.Devices()))
	fmt.Fprintln(c.out)
}

func (c *Client) cmdSignOut() {
	if err := c.svc.SignOut(); err != nil {
		fmt.Fprintf(c.out, "Sign out: %v\n", err)
	}
	c.setHandle(nil)
}

// resolveDeviceID resolves a partial device ID to a full one. Unknown
// input is returned unchanged.
func (c *Client) resolveDeviceID(partial string) string {
	known := c.svc.Devices()
	for _, st := range c.svc.Snapshots() {
		known = append(known, st.DeviceID)
	}
	for _, id := range known {
		if id == partial {
			return id
		}
	}
	for _, id := range known {
		if strings.Contains(id, partial) {
			return id
		}
	}
	return partial
}

func formatState(st shadow.State) string {
	current := "?"
	if v, ok := st.Reported(); ok {
		current = strconv.FormatFloat(v, 'f', 1, 64)
	}
	ts := "never"
	if !st.LastUpdateTimestamp.IsZero() {
		ts = st.LastUpdateTimestamp.Format("15:04:05")
	}
	return fmt.Sprintf("%s: target %.0f, current %s (%s at %s, v%d)",
		st.DeviceID, st.DesiredTemp, current, st.LastUpdateSource, ts, st.Version)
}
