package service

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/shadowlink/shadowlink-go/pkg/challenge"
	"github.com/shadowlink/shadowlink-go/pkg/connection"
	"github.com/shadowlink/shadowlink-go/pkg/customauth"
	"github.com/shadowlink/shadowlink-go/pkg/directory"
	"github.com/shadowlink/shadowlink-go/pkg/idp"
	"github.com/shadowlink/shadowlink-go/pkg/persistence"
	"github.com/shadowlink/shadowlink-go/pkg/shadow"
	"github.com/shadowlink/shadowlink-go/pkg/transport"
)

const thing = directory.DefaultThing

// eventLog collects service events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) find(match func(Event) bool) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if match(ev) {
			return ev, true
		}
	}
	return Event{}, false
}

func (l *eventLog) wait(t *testing.T, match func(Event) bool, what string) Event {
	t.Helper()
	var got Event
	require.Eventually(t, func() bool {
		ev, ok := l.find(match)
		got = ev
		return ok
	}, 5*time.Second, 10*time.Millisecond, "no %s event", what)
	return got
}

func ofType(typ EventType) func(Event) bool {
	return func(ev Event) bool { return ev.Type == typ }
}

type fixture struct {
	svc    *ClientService
	server *transport.Server
	idp    *idp.Provider
	codes  chan string
	events *eventLog
	store  *persistence.Store
}

func newFixture(t *testing.T, store *persistence.Store, mutate ...func(*idp.Config)) *fixture {
	t.Helper()

	codes := make(chan string, 8)
	pc := idp.DefaultConfig()
	pc.BcryptCost = bcrypt.MinCost
	pc.CodeSink = func(_, _, code string) { codes <- code }
	for _, m := range mutate {
		m(&pc)
	}
	provider := idp.NewProvider(pc)

	server := transport.NewServer(transport.ServerConfig{Authenticate: provider.Authenticate})
	hs := httptest.NewServer(server)
	t.Cleanup(hs.Close)

	_, err := server.Update(context.Background(), thing,
		[]byte(`{"state":{"reported":{"target_temp":20,"current_temp":19}}}`))
	require.NoError(t, err)

	var svc *ClientService
	tc := transport.DefaultClientConfig("ws" + strings.TrimPrefix(hs.URL, "http") + "/ws")
	tc.BearerToken = func() string { return svc.IDToken() }
	tc.Reconnect.Backoff = connection.BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}

	svc, err = New(Config{
		Provider:     provider,
		Transport:    transport.NewClient(tc),
		Store:        store,
		ProviderName: "test-idp",
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	events := &eventLog{}
	svc.OnEvent(events.handle)

	return &fixture{svc: svc, server: server, idp: provider, codes: codes, events: events, store: store}
}

func (f *fixture) nextCode(t *testing.T) string {
	t.Helper()
	select {
	case code := <-f.codes:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("no code issued")
		return ""
	}
}

// signIn logs username in and waits for the connection.
func (f *fixture) signIn(t *testing.T, username string) {
	t.Helper()
	h, err := f.svc.Login(context.Background(), username)
	require.NoError(t, err)

	f.events.wait(t, ofType(EventChallenge), "challenge")
	require.NoError(t, h.ProvideAnswer(challenge.Response{challenge.KeyAnswer: f.nextCode(t)}))

	f.events.wait(t, ofType(EventSignedIn), "signed-in")
	f.events.wait(t, func(ev Event) bool {
		return ev.Type == EventConnection && ev.Connection == connection.StateConnected
	}, "connected")
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingProvider)

	_, err = New(Config{Provider: idp.NewProvider(idp.DefaultConfig())})
	assert.ErrorIs(t, err, ErrMissingTransport)
}

func TestLoginConnectsAndSyncs(t *testing.T) {
	f := newFixture(t, nil)
	f.signIn(t, "alice@example.com")

	assert.Equal(t, StateSignedIn, f.svc.State())
	id, ok := f.svc.Identity()
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", id.Username)
	assert.Equal(t, map[string]string{"test-idp": id.IDToken}, f.svc.Logins())

	ev := f.events.wait(t, ofType(EventDevicesSubscribed), "subscribed")
	assert.Equal(t, []string{thing}, ev.Devices)

	f.events.wait(t, func(ev Event) bool {
		return ev.Type == EventShadow && ev.Shadow.LastUpdateSource == shadow.SourceGet
	}, "baseline shadow")
	snap, ok := f.svc.Snapshot(thing)
	require.True(t, ok)
	assert.Equal(t, 20.0, snap.DesiredTemp)
	reported, ok := snap.Reported()
	require.True(t, ok)
	assert.Equal(t, 19.0, reported)

	target, err := f.svc.SetTarget(context.Background(), thing, 22.5)
	require.NoError(t, err)
	assert.Equal(t, 23.0, target)

	require.Eventually(t, func() bool {
		doc, ok := f.server.Document(thing)
		return ok && doc.Desired[shadow.FieldTargetTemp] == 23.0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoginFailureReported(t *testing.T) {
	f := newFixture(t, nil, func(c *idp.Config) { c.MaxAttempts = 1 })

	h, err := f.svc.Login(context.Background(), "bob@example.com")
	require.NoError(t, err)
	f.events.wait(t, ofType(EventChallenge), "challenge")
	f.nextCode(t)
	require.NoError(t, h.ProvideAnswer(challenge.Response{challenge.KeyAnswer: "nope"}))

	ev := f.events.wait(t, ofType(EventLoginFailed), "login-failed")
	title, _ := customauth.Display(ev.Error)
	assert.Equal(t, idp.TypeNotAuthorized, title)
	assert.Equal(t, StateSignedOut, f.svc.State())

	_, err = f.svc.SetTarget(context.Background(), thing, 20)
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestSignOutCancelsLogin(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Login(context.Background(), "carol@example.com")
	require.NoError(t, err)
	f.events.wait(t, ofType(EventChallenge), "challenge")

	require.NoError(t, f.svc.SignOut())
	ev := f.events.wait(t, ofType(EventLoginFailed), "login-failed")
	assert.True(t, errors.Is(ev.Error, customauth.ErrUserCancelled))

	title, msg := customauth.Display(ev.Error)
	assert.Empty(t, title)
	assert.Empty(t, msg)
}

func TestLoginTwiceRestartsSession(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.Login(context.Background(), "dave@example.com")
	require.NoError(t, err)
	first := f.svc.Session()
	f.events.wait(t, ofType(EventChallenge), "challenge")
	f.nextCode(t)

	_, err = f.svc.Login(context.Background(), "dave@example.com")
	require.NoError(t, err)
	assert.NotSame(t, first, f.svc.Session())
	require.Eventually(t, func() bool { return first.State() == customauth.StateFailed }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateAuthenticating, f.svc.State())
}

func TestPersistence(t *testing.T) {
	store := persistence.NewStore(filepath.Join(t.TempDir(), "state.json"))
	f := newFixture(t, store)
	f.signIn(t, "erin@example.com")
	f.events.wait(t, func(ev Event) bool {
		return ev.Type == EventShadow && ev.Shadow.LastUpdateSource == shadow.SourceGet
	}, "baseline shadow")

	assert.Equal(t, "erin@example.com", f.svc.LastUser())
	require.NoError(t, f.svc.Close())

	st, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "erin@example.com", st.LastUser)
	require.Len(t, st.Devices, 1)
	assert.Equal(t, thing, st.Devices[0].DeviceID)

	_, err = f.svc.Login(context.Background(), "erin@example.com")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSignOutForgetsUser(t *testing.T) {
	store := persistence.NewStore(filepath.Join(t.TempDir(), "state.json"))
	f := newFixture(t, store)
	f.signIn(t, "frank@example.com")

	require.NoError(t, f.svc.SignOut())
	f.events.wait(t, ofType(EventSignedOut), "signed-out")

	assert.Equal(t, StateSignedOut, f.svc.State())
	assert.Empty(t, f.svc.LastUser())
	assert.Empty(t, f.svc.IDToken())
	assert.Equal(t, connection.StateDisconnected, f.svc.ConnectionState())
	assert.ErrorIs(t, f.svc.SignOut(), ErrNotSignedIn)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "SIGNED_IN", StateSignedIn.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
	assert.Equal(t, "DEVICES_SUBSCRIBED", EventDevicesSubscribed.String())
	assert.Equal(t, "UNKNOWN", EventType(99).String())
}
