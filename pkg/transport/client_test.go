package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowlink/shadowlink-go/pkg/connection"
	"github.com/shadowlink/shadowlink-go/pkg/directory"
	"github.com/shadowlink/shadowlink-go/pkg/shadow"
)

type event struct {
	thing   string
	op      shadow.Operation
	status  shadow.Status
	payload []byte
}

type recorder struct {
	mu     sync.Mutex
	events []event
	ch     chan event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan event, 64)}
}

func (r *recorder) handle(thing string, op shadow.Operation, status shadow.Status, payload []byte) {
	ev := event{thing, op, status, payload}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no shadow event")
		return event{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %s/%s for %s", ev.op, ev.status, ev.thing)
	case <-time.After(wait):
	}
}

func fastClientConfig(url string) ClientConfig {
	config := DefaultClientConfig(url)
	config.Reconnect.Backoff = connection.BackoffConfig{
		Initial:    10 * time.Millisecond,
		Max:        50 * time.Millisecond,
		Multiplier: 2,
	}
	config.Reconnect.AttemptTimeout = time.Second
	return config
}

func connectClient(t *testing.T, url string) (*Client, <-chan connection.Status, *recorder) {
	t.Helper()
	c := NewClient(fastClientConfig(url))
	rec := newRecorder()
	c.OnShadowEvent(rec.handle)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	statuses, err := c.Connect(ctx, "client-1")
	require.NoError(t, err)
	return c, statuses, rec
}

func waitStatus(t *testing.T, statuses <-chan connection.Status, want connection.StatusCode) connection.Status {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st, ok := <-statuses:
			require.True(t, ok, "status stream closed while waiting for %s", want)
			if st.Code == want {
				return st
			}
		case <-timeout:
			t.Fatalf("no %s status", want)
		}
	}
}

func TestClientConnectReportsStatuses(t *testing.T) {
	_, _, url := newTestServer(t)
	c, statuses, _ := connectClient(t, url)

	assert.Equal(t, connection.StatusConnecting, (<-statuses).Code)
	assert.Equal(t, connection.StatusConnected, (<-statuses).Code)
	assert.Equal(t, connection.StateConnected, c.State())
	assert.Equal(t, "client-1", c.ClientID())

	_, ok := c.KeepAliveStats()
	assert.True(t, ok)
}

func TestClientConnectTwice(t *testing.T) {
	_, _, url := newTestServer(t)
	c, _, _ := connectClient(t, url)

	_, err := c.Connect(context.Background(), "client-1")
	assert.ErrorIs(t, err, connection.ErrAlreadyConnected)
}

func TestClientConnectInvalidID(t *testing.T) {
	c := NewClient(DefaultClientConfig("ws://127.0.0.1:1/ws"))
	defer c.Close()

	_, err := c.Connect(context.Background(), "")
	assert.ErrorIs(t, err, connection.ErrInvalidClientID)
}

func TestClientConnectFailure(t *testing.T) {
	_, hs, url := newTestServer(t)
	hs.Close()

	c := NewClient(fastClientConfig(url))
	defer c.Close()

	_, err := c.Connect(context.Background(), "client-1")
	require.Error(t, err)
	assert.Equal(t, connection.StateDisconnected, c.State())
	assert.Error(t, c.LastError())

	// A failed attempt leaves the client ready for another.
	_, err = c.Connect(context.Background(), "client-1")
	assert.NotErrorIs(t, err, connection.ErrAlreadyConnected)
}

func TestClientGetAndUpdate(t *testing.T) {
	srv, _, url := newTestServer(t)
	ctx := context.Background()
	_, err := srv.Update(ctx, "t1", []byte(`{"state":{"reported":{"target_temp":21,"current_temp":19.5}}}`))
	require.NoError(t, err)

	c, _, rec := connectClient(t, url)

	require.NoError(t, c.RegisterShadow(ctx, "t1", shadow.DefaultRegisterOptions()))
	require.NoError(t, c.GetShadow(ctx, "t1", "tok-get"))

	ev := rec.next(t)
	assert.Equal(t, "t1", ev.thing)
	assert.Equal(t, shadow.OpGet, ev.op)
	assert.Equal(t, shadow.StatusAccepted, ev.status)
	assert.JSONEq(t, `{"reported":{"target_temp":21,"current_temp":19.5}}`, string(mustField(t, ev.payload, "state")))

	require.NoError(t, c.UpdateShadow(ctx, "t1", []byte(`{"state":{"desired":{"target_temp":23}}}`)))

	var statuses []shadow.Status
	for range 3 {
		statuses = append(statuses, rec.next(t).status)
	}
	// The accepted response and the notifications travel separately.
	assert.ElementsMatch(t, []shadow.Status{shadow.StatusAccepted, shadow.StatusDocuments, shadow.StatusDelta}, statuses)

	doc, _ := srv.Document("t1")
	assert.Equal(t, float64(23), doc.Desired["target_temp"])
}

func TestClientRegisterOptionsFilter(t *testing.T) {
	srv, _, url := newTestServer(t)
	ctx := context.Background()
	c, _, rec := connectClient(t, url)

	require.NoError(t, c.RegisterShadow(ctx, "t1", shadow.RegisterOptions{}))
	require.NoError(t, c.GetShadow(ctx, "t1", "barrier"))
	assert.Equal(t, shadow.StatusRejected, rec.next(t).status)

	_, err := srv.Update(ctx, "t1", []byte(`{"state":{"desired":{"target_temp":23}}}`))
	require.NoError(t, err)
	rec.none(t, 100*time.Millisecond)
}

func TestClientRequestTimeout(t *testing.T) {
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer silent.Close()

	c, _, rec := connectClient(t, "ws"+strings.TrimPrefix(silent.URL, "http"))
	ctx := context.Background()

	require.NoError(t, c.RegisterShadow(ctx, "t1", shadow.RegisterOptions{Timeout: 30 * time.Millisecond}))
	require.NoError(t, c.GetShadow(ctx, "t1", "tok"))

	ev := rec.next(t)
	assert.Equal(t, shadow.OpGet, ev.op)
	assert.Equal(t, shadow.StatusTimeout, ev.status)
	assert.Nil(t, ev.payload)
}

func TestClientNotConnected(t *testing.T) {
	c := NewClient(DefaultClientConfig("ws://127.0.0.1:1/ws"))
	defer c.Close()
	ctx := context.Background()

	assert.ErrorIs(t, c.RegisterShadow(ctx, "t1", shadow.DefaultRegisterOptions()), connection.ErrNotConnected)
	assert.ErrorIs(t, c.GetShadow(ctx, "t1", "tok"), connection.ErrNotConnected)
	assert.ErrorIs(t, c.UpdateShadow(ctx, "t1", []byte(`{}`)), connection.ErrNotConnected)
	assert.ErrorIs(t, c.UpdateShadow(ctx, "", []byte(`{}`)), shadow.ErrInvalidDevice)
	assert.ErrorIs(t, c.RegisterShadow(ctx, "", shadow.DefaultRegisterOptions()), shadow.ErrInvalidDevice)
	assert.Equal(t, connection.StateDisconnected, c.State())
}

func TestClientHandleRouting(t *testing.T) {
	c := NewClient(DefaultClientConfig("ws://unused"))
	defer c.Close()
	rec := newRecorder()
	c.OnShadowEvent(rec.handle)

	c.subs["t1"] = shadow.RegisterOptions{Delta: true}
	c.pending["mine"] = &request{thing: "t1", op: shadow.OpUpdate}

	accepted := shadow.ResponseTopic("t1", shadow.OpUpdate, shadow.StatusAccepted)

	c.handle(Envelope{Action: ActionPublish, Topic: accepted, ClientToken: "mine", Payload: []byte(`{}`)})
	assert.Equal(t, shadow.StatusAccepted, rec.next(t).status)
	assert.Empty(t, c.pending)

	c.handle(Envelope{Action: ActionPublish, Topic: accepted, ClientToken: "someone-else", Payload: []byte(`{}`)})
	assert.Equal(t, shadow.StatusForeignUpdate, rec.next(t).status)

	rejected := shadow.ResponseTopic("t1", shadow.OpUpdate, shadow.StatusRejected)
	c.handle(Envelope{Action: ActionPublish, Topic: rejected, ClientToken: "someone-else", Payload: []byte(`{}`)})
	assert.Equal(t, shadow.StatusRejected, rec.next(t).status)

	// Not registered, documents not wanted, request topics and junk.
	c.handle(Envelope{Action: ActionPublish, Topic: shadow.ResponseTopic("t2", shadow.OpUpdate, shadow.StatusDelta)})
	c.handle(Envelope{Action: ActionPublish, Topic: shadow.ResponseTopic("t1", shadow.OpUpdate, shadow.StatusDocuments)})
	c.handle(Envelope{Action: ActionPublish, Topic: shadow.Topic("t1", shadow.OpUpdate)})
	c.handle(Envelope{Action: ActionPublish, Topic: "sensors/t1"})
	c.handle(Envelope{Action: ActionSubscribe, Topic: "t1"})
	rec.none(t, 50*time.Millisecond)

	c.handle(Envelope{Action: ActionPublish, Topic: shadow.ResponseTopic("t1", shadow.OpUpdate, shadow.StatusDelta)})
	assert.Equal(t, shadow.StatusDelta, rec.next(t).status)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	srv, _, url := newTestServer(t)
	c, statuses, _ := connectClient(t, url)
	waitStatus(t, statuses, connection.StatusConnected)

	require.Equal(t, 1, srv.DropClients())

	lost := waitStatus(t, statuses, connection.StatusConnectionError)
	assert.Error(t, lost.Err)
	waitStatus(t, statuses, connection.StatusConnected)
	assert.Equal(t, connection.StateConnected, c.State())

	// Subscriptions belong to the old connection.
	c.mu.Lock()
	subs := len(c.subs)
	c.mu.Unlock()
	assert.Zero(t, subs)
}

func TestClientDisconnectClosesStream(t *testing.T) {
	_, _, url := newTestServer(t)
	c, statuses, _ := connectClient(t, url)
	waitStatus(t, statuses, connection.StatusConnected)

	c.Disconnect()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-statuses:
			if !ok {
				assert.Equal(t, connection.StateDisconnected, c.State())
				return
			}
		case <-timeout:
			t.Fatal("status stream not closed")
		}
	}
}

func TestClientCloseIsFinal(t *testing.T) {
	_, _, url := newTestServer(t)
	c, _, _ := connectClient(t, url)

	c.Close()
	require.NoError(t, c.Close())
	assert.Equal(t, connection.StateClosed, c.State())

	_, err := c.Connect(context.Background(), "client-1")
	assert.ErrorIs(t, err, connection.ErrConnectionClosed)
}

func slowReconnectClient(t *testing.T, url string) *Client {
	t.Helper()
	config := fastClientConfig(url)
	config.Reconnect.Backoff = connection.BackoffConfig{
		Initial:    10 * time.Second,
		Max:        10 * time.Second,
		Multiplier: 2,
	}
	c := NewClient(config)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientReconnectSkipsBackoff(t *testing.T) {
	srv, _, url := newTestServer(t)
	c := slowReconnectClient(t, url)

	statuses, err := c.Connect(context.Background(), "client-1")
	require.NoError(t, err)
	waitStatus(t, statuses, connection.StatusConnected)

	require.Equal(t, 1, srv.DropClients())
	waitStatus(t, statuses, connection.StatusConnectionError)

	require.NoError(t, c.Reconnect())
	waitStatus(t, statuses, connection.StatusConnected)
	assert.Equal(t, connection.StateConnected, c.State())
}

func TestClientReconnectWithoutConnection(t *testing.T) {
	c := NewClient(DefaultClientConfig("ws://unused"))
	assert.ErrorIs(t, c.Reconnect(), connection.ErrNotConnected)
	c.Close()
	assert.ErrorIs(t, c.Reconnect(), connection.ErrConnectionClosed)
}

func TestSupervisorConnectDuringConnectionLoss(t *testing.T) {
	srv, _, url := newTestServer(t)
	c := slowReconnectClient(t, url)

	sup := connection.NewSupervisor(c, c, directory.NewStatic("t1"), connection.DefaultSupervisorConfig())
	t.Cleanup(func() { sup.Close() })

	rounds := make(chan []string, 4)
	sup.OnSubscribed(func(devices []string) { rounds <- devices })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Connect(ctx, "client-1"))
	select {
	case <-rounds:
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription round")
	}

	require.Equal(t, 1, srv.DropClients())
	require.Eventually(t, func() bool { return sup.State() == connection.StateConnectionLost },
		5*time.Second, 5*time.Millisecond)

	require.NoError(t, sup.Connect(ctx, "client-1"))
	assert.NotEqual(t, connection.StateDisconnected, sup.State())

	select {
	case devices := <-rounds:
		assert.Equal(t, []string{"t1"}, devices)
	case <-time.After(5 * time.Second):
		t.Fatalf("no resubscription after reconnect (state %s, error %v)", sup.State(), sup.LastError())
	}
	assert.Equal(t, connection.StateConnected, sup.State())
	assert.NoError(t, sup.LastError())
}

func TestClientSendsBearerToken(t *testing.T) {
	var seen atomic.Value
	srv := NewServer(ServerConfig{
		Authenticate: func(r *http.Request) error {
			seen.Store(r.Header.Get("Authorization"))
			return nil
		},
	})
	hs := httptest.NewServer(srv)
	defer hs.Close()

	config := fastClientConfig("ws" + strings.TrimPrefix(hs.URL, "http") + "/ws")
	config.BearerToken = func() string { return "tok-123" }
	c := NewClient(config)
	defer c.Close()

	_, err := c.Connect(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", seen.Load())
}
