package shadowlink_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/shadowlink/shadowlink-go/pkg/challenge"
	"github.com/shadowlink/shadowlink-go/pkg/connection"
	"github.com/shadowlink/shadowlink-go/pkg/directory"
	"github.com/shadowlink/shadowlink-go/pkg/idp"
	"github.com/shadowlink/shadowlink-go/pkg/log"
	"github.com/shadowlink/shadowlink-go/pkg/persistence"
	"github.com/shadowlink/shadowlink-go/pkg/service"
	"github.com/shadowlink/shadowlink-go/pkg/shadow"
	"github.com/shadowlink/shadowlink-go/pkg/transport"
)

const user = "alice@example.com"

// cloud is the server side: identity provider and shadow service behind
// one HTTP listener.
type cloud struct {
	provider *idp.Provider
	server   *transport.Server
	http     *httptest.Server
	codes    chan string
}

func newCloud(t *testing.T) *cloud {
	t.Helper()

	codes := make(chan string, 8)
	cfg := idp.DefaultConfig()
	cfg.BcryptCost = bcrypt.MinCost
	cfg.CodeSink = func(_, _, code string) { codes <- code }
	provider := idp.NewProvider(cfg)

	server := transport.NewServer(transport.ServerConfig{Authenticate: provider.Authenticate})
	provider.Mount(server.Router())

	hs := httptest.NewServer(server)
	t.Cleanup(hs.Close)

	return &cloud{provider: provider, server: server, http: hs, codes: codes}
}

func (c *cloud) wsURL() string {
	return "ws" + strings.TrimPrefix(c.http.URL, "http") + "/ws"
}

func (c *cloud) report(t *testing.T, thing string, target, current float64) {
	t.Helper()
	payload := fmt.Sprintf(`{"state":{"reported":{"target_temp":%g,"current_temp":%g}}}`, target, current)
	_, err := c.server.Update(context.Background(), thing, []byte(payload))
	require.NoError(t, err)
}

// client is one run of the client application.
type client struct {
	svc    *service.ClientService
	trace  *log.Recorder
	mu     sync.Mutex
	events []service.Event
}

func newClient(t *testing.T, c *cloud, stateDir string, openDir service.DirectoryOpener) *client {
	t.Helper()

	cl := &client{trace: log.NewRecorder(0)}

	var svc *service.ClientService
	tc := transport.DefaultClientConfig(c.wsURL())
	tc.BearerToken = func() string { return svc.IDToken() }
	tc.Reconnect.Backoff = connection.BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2}
	tc.Trace = cl.trace

	var store *persistence.Store
	if stateDir != "" {
		store = persistence.NewStore(filepath.Join(stateDir, "state.json"))
	}

	svc, err := service.New(service.Config{
		Provider:        idp.NewClient(c.http.URL, nil),
		Transport:       transport.NewClient(tc),
		OpenDirectory:   openDir,
		Store:           store,
		ProviderName:    "shadowlink-idp",
		RegisterOptions: shadow.DefaultRegisterOptions(),
		Trace:           cl.trace,
	})
	require.NoError(t, err)
	svc.OnEvent(cl.handle)
	cl.svc = svc
	return cl
}

func (cl *client) handle(ev service.Event) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.events = append(cl.events, ev)
}

func (cl *client) waitFor(t *testing.T, what string, match func(service.Event) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		for _, ev := range cl.events {
			if match(ev) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "waiting for %s", what)
}

func (cl *client) signIn(t *testing.T, c *cloud) {
	t.Helper()
	h, err := cl.svc.Login(context.Background(), user)
	require.NoError(t, err)

	cl.waitFor(t, "challenge", func(ev service.Event) bool { return ev.Type == service.EventChallenge })
	var code string
	select {
	case code = <-c.codes:
	case <-time.After(5 * time.Second):
		t.Fatal("no code issued")
	}
	require.NoError(t, h.ProvideAnswer(challenge.Response{challenge.KeyAnswer: code}))

	cl.waitFor(t, "signed in", func(ev service.Event) bool { return ev.Type == service.EventSignedIn })
	cl.waitFor(t, "connected", func(ev service.Event) bool {
		return ev.Type == service.EventConnection && ev.Connection == connection.StateConnected
	})
}

func TestE2E_LoginAndSync(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	c := newCloud(t)
	c.report(t, directory.DefaultThing, 20, 19)

	cl := newClient(t, c, "", nil)
	defer cl.svc.Close()
	cl.signIn(t, c)

	// The first login signs the user up on the remote pool.
	attrs, ok := c.provider.Attributes(user)
	require.True(t, ok)
	assert.Equal(t, user, attrs[idp.AttrEmail])

	require.Eventually(t, func() bool {
		st, ok := cl.svc.Snapshot(directory.DefaultThing)
		return ok && st.DesiredTemp == 20
	}, 5*time.Second, 10*time.Millisecond)

	sent, err := cl.svc.SetTarget(context.Background(), directory.DefaultThing, 21.6)
	require.NoError(t, err)
	assert.Equal(t, 22.0, sent)

	require.Eventually(t, func() bool {
		doc, _ := c.server.Document(directory.DefaultThing)
		return doc.Desired[shadow.FieldTargetTemp] == 22.0
	}, 5*time.Second, 10*time.Millisecond)

	// The device catches up.
	c.report(t, directory.DefaultThing, 22, 21)
	require.Eventually(t, func() bool {
		st, _ := cl.svc.Snapshot(directory.DefaultThing)
		v, ok := st.Reported()
		return ok && v == 21
	}, 5*time.Second, 10*time.Millisecond)

	auth := cl.trace.Match(log.Filter{Layer: ptr(log.LayerAuth)})
	assert.NotEmpty(t, auth, "auth layer was not traced")
}

func TestE2E_ReconnectAfterDrop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	c := newCloud(t)
	c.report(t, directory.DefaultThing, 20, 19)

	cl := newClient(t, c, "", nil)
	defer cl.svc.Close()
	cl.signIn(t, c)

	require.Eventually(t, func() bool { return c.server.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
	c.server.DropClients()

	cl.waitFor(t, "connection lost", func(ev service.Event) bool {
		return ev.Type == service.EventConnection && ev.Connection == connection.StateConnectionLost
	})
	require.Eventually(t, func() bool {
		return cl.svc.ConnectionState() == connection.StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	// Notifications flow again after the reconnect.
	c.report(t, directory.DefaultThing, 20, 23)
	require.Eventually(t, func() bool {
		st, _ := cl.svc.Snapshot(directory.DefaultThing)
		v, ok := st.Reported()
		return ok && v == 23
	}, 5*time.Second, 10*time.Millisecond)
}

func TestE2E_RedisDirectoryAndRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mr := miniredis.RunT(t)
	redisURL := "redis://" + mr.Addr()

	ctx := context.Background()
	pairing, err := directory.NewRedis(ctx, redisURL, user)
	require.NoError(t, err)
	require.NoError(t, pairing.Pair(ctx, "kitchen", "office"))
	require.NoError(t, pairing.Close())

	c := newCloud(t)
	c.report(t, "kitchen", 21, 20)
	c.report(t, "office", 19, 18)

	openDir := func(ctx context.Context, username string) (directory.Directory, error) {
		return directory.Open(ctx, directory.Options{Type: directory.TypeRedis, RedisURL: redisURL, Username: username})
	}
	stateDir := t.TempDir()

	first := newClient(t, c, stateDir, openDir)
	first.signIn(t, c)
	first.waitFor(t, "subscription", func(ev service.Event) bool {
		return ev.Type == service.EventDevicesSubscribed && len(ev.Devices) == 2
	})
	assert.ElementsMatch(t, []string{"kitchen", "office"}, first.svc.Devices())

	require.Eventually(t, func() bool {
		st, ok := first.svc.Snapshot("office")
		return ok && st.DesiredTemp == 19
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, first.svc.Close())

	// A restarted client remembers the user.
	second := newClient(t, c, stateDir, openDir)
	defer second.svc.Close()
	assert.Equal(t, user, second.svc.LastUser())
}

func ptr[T any](v T) *T { return &v }
