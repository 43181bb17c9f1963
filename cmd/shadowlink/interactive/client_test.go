package interactive

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowlink/shadowlink-go/pkg/challenge"
	"github.com/shadowlink/shadowlink-go/pkg/connection"
	"github.com/shadowlink/shadowlink-go/pkg/customauth"
	"github.com/shadowlink/shadowlink-go/pkg/idp"
	"github.com/shadowlink/shadowlink-go/pkg/service"
	"github.com/shadowlink/shadowlink-go/pkg/shadow"
)

// fakeService records calls and returns canned values.
type fakeService struct {
	state     service.State
	lastUser  string
	loginErr  error
	loginUser string
	signedOut bool

	identity  *customauth.Identity
	devices   []string
	snapshots []shadow.State

	targetDevice string
	targetTemp   float64
	targetErr    error
}

func (f *fakeService) State() service.State { return f.state }
func (f *fakeService) LastUser() string     { return f.lastUser }

func (f *fakeService) Login(_ context.Context, username string) (*customauth.Handle, error) {
	f.loginUser = username
	return nil, f.loginErr
}

func (f *fakeService) SignOut() error {
	f.signedOut = true
	return nil
}

func (f *fakeService) Reconnect(context.Context) error { return service.ErrNotSignedIn }

func (f *fakeService) Identity() (customauth.Identity, bool) {
	if f.identity == nil {
		return customauth.Identity{}, false
	}
	return *f.identity, true
}

func (f *fakeService) Logins() map[string]string { return nil }

func (f *fakeService) SetTarget(_ context.Context, deviceID string, temp float64) (float64, error) {
	f.targetDevice = deviceID
	f.targetTemp = temp
	return shadow.Round(temp), f.targetErr
}

func (f *fakeService) Snapshot(deviceID string) (shadow.State, bool) {
	for _, st := range f.snapshots {
		if st.DeviceID == deviceID {
			return st, true
		}
	}
	return shadow.State{}, false
}

func (f *fakeService) Snapshots() []shadow.State         { return f.snapshots }
func (f *fakeService) Devices() []string                 { return f.devices }
func (f *fakeService) ConnectionState() connection.State { return connection.StateDisconnected }
func (f *fakeService) ConnectionError() error            { return nil }

func newTestClient(svc *fakeService) (*Client, *bytes.Buffer) {
	var out bytes.Buffer
	return NewWithWriter(svc, &out), &out
}

func TestExecuteLoginUsesLastUser(t *testing.T) {
	svc := &fakeService{lastUser: "alice@example.com"}
	c, out := newTestClient(svc)

	assert.True(t, c.Execute(context.Background(), "login"))
	assert.Equal(t, "alice@example.com", svc.loginUser)
	assert.Contains(t, out.String(), "Signing in alice@example.com")
}

func TestExecuteLoginWithoutUser(t *testing.T) {
	svc := &fakeService{}
	c, out := newTestClient(svc)

	c.Execute(context.Background(), "login")
	assert.Empty(t, svc.loginUser)
	assert.Contains(t, out.String(), "Usage: login <username>")
}

func TestExecuteLoginError(t *testing.T) {
	svc := &fakeService{loginErr: &customauth.AuthError{Type: "UserNotFoundException", Message: "User does not exist."}}
	c, out := newTestClient(svc)

	c.Execute(context.Background(), "login bob")
	assert.Contains(t, out.String(), "User does not exist.")
}

func TestExecuteCodeWithoutLogin(t *testing.T) {
	c, out := newTestClient(&fakeService{})

	c.Execute(context.Background(), "code 123456")
	assert.Contains(t, out.String(), "No login in progress")
}

func TestExecuteTarget(t *testing.T) {
	svc := &fakeService{devices: []string{"esp32_devkitc_dean1"}}
	c, out := newTestClient(svc)

	c.Execute(context.Background(), "target dean1 22.5")
	assert.Equal(t, "esp32_devkitc_dean1", svc.targetDevice)
	assert.Equal(t, 22.5, svc.targetTemp)
	assert.Contains(t, out.String(), "Target esp32_devkitc_dean1 set to 23")
}

func TestExecuteTargetFailureKeepsLocalValue(t *testing.T) {
	svc := &fakeService{targetErr: errors.New("not connected")}
	c, out := newTestClient(svc)

	c.Execute(context.Background(), "target kitchen 19")
	assert.Contains(t, out.String(), "set to 19 locally, update failed: not connected")
}

func TestExecuteTargetUsage(t *testing.T) {
	svc := &fakeService{}
	c, out := newTestClient(svc)

	c.Execute(context.Background(), "target kitchen")
	assert.Contains(t, out.String(), "Usage: target")

	out.Reset()
	c.Execute(context.Background(), "target kitchen warm")
	assert.Contains(t, out.String(), "Invalid temperature")
	assert.Empty(t, svc.targetDevice)
}

func TestExecuteShow(t *testing.T) {
	reported := 19.5
	svc := &fakeService{snapshots: []shadow.State{{
		DeviceID:            "kitchen",
		DesiredTemp:         21,
		ReportedTemp:        &reported,
		LastUpdateSource:    shadow.SourceDelta,
		LastUpdateTimestamp: time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC),
		Version:             4,
	}}}
	c, out := newTestClient(svc)

	c.Execute(context.Background(), "show kitchen")
	line := out.String()
	assert.Contains(t, line, "kitchen: target 21, current 19.5")
	assert.Contains(t, line, "12:30:00")
	assert.Contains(t, line, "v4")

	out.Reset()
	c.Execute(context.Background(), "show garage")
	assert.Contains(t, out.String(), "Device not found: garage")
}

func TestExecuteSignOutAndQuit(t *testing.T) {
	svc := &fakeService{}
	c, out := newTestClient(svc)

	assert.True(t, c.Execute(context.Background(), "signout"))
	assert.True(t, svc.signedOut)

	assert.False(t, c.Execute(context.Background(), "quit"))
	assert.Contains(t, out.String(), "Exiting...")
}

func TestExecuteUnknownCommand(t *testing.T) {
	c, out := newTestClient(&fakeService{})

	assert.True(t, c.Execute(context.Background(), "frobnicate"))
	assert.Contains(t, out.String(), "Unknown command: frobnicate")
	assert.True(t, c.Execute(context.Background(), "   "))
}

func TestExecuteStatus(t *testing.T) {
	svc := &fakeService{
		state:    service.StateSignedIn,
		identity: &customauth.Identity{Username: "alice"},
		devices:  []string{"a", "b"},
	}
	c, out := newTestClient(svc)

	c.Execute(context.Background(), "status")
	s := out.String()
	assert.Contains(t, s, "SIGNED_IN")
	assert.Contains(t, s, "alice")
	assert.Contains(t, s, "Devices:     2")
}

func TestHandleEventChallenge(t *testing.T) {
	c, out := newTestClient(&fakeService{})

	ch := challenge.New(challenge.Parameters{
		challenge.KeyEmail:       "a***@example.com",
		idp.KeyAttemptsRemaining: "2",
	})
	c.HandleEvent(service.Event{Type: service.EventChallenge, Challenge: ch})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "2 attempt(s) left")
	assert.Contains(t, lines[1], "Code sent to a***@example.com")
}

func TestHandleEventLoginFailed(t *testing.T) {
	c, out := newTestClient(&fakeService{})

	c.HandleEvent(service.Event{Type: service.EventLoginFailed, Error: customauth.ErrUserCancelled})
	assert.Contains(t, out.String(), "Login cancelled")

	out.Reset()
	c.HandleEvent(service.Event{
		Type:  service.EventLoginFailed,
		Error: &customauth.AuthError{Type: "NotAuthorizedException", Message: "Incorrect code."},
	})
	assert.Contains(t, out.String(), "Incorrect code.")
}
