package client

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Meander-Cloud/go-chatfusion/admin"
	"github.com/Meander-Cloud/go-chatfusion/config"
	"github.com/Meander-Cloud/go-chatfusion/packet"
	"github.com/Meander-Cloud/go-chatfusion/server"
)

const waitFor = 5 * time.Second

type recorder struct {
	loggedIn     chan string
	messages     chan packet.PublicMessage
	disconnected chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		loggedIn:     make(chan string, 4),
		messages:     make(chan packet.PublicMessage, 64),
		disconnected: make(chan struct{}, 4),
	}
}

func (r *recorder) LoggedIn(serverName string) {
	r.loggedIn <- serverName
}

func (r *recorder) Message(p packet.PublicMessage) {
	r.messages <- p
}

func (r *recorder) Disconnected() {
	r.disconnected <- struct{}{}
}

func (r *recorder) next(t *testing.T) string {
	t.Helper()
	select {
	case p := <-r.messages:
		line, err := packet.Render(p)
		require.NoError(t, err)
		return line
	case <-time.After(waitFor):
		t.Fatal("no message received")
		return ""
	}
}

func newTestServer(t *testing.T, name string) *server.Server {
	t.Helper()

	c := config.Default()
	c.Name = name
	c.ListenAddress = "127.0.0.1:0"

	s, err := server.New(c, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func newTestClient(t *testing.T, login string, address netip.AddrPort) (*Client, *recorder) {
	t.Helper()

	rec := newRecorder()
	c, err := New(&Options{
		Login:    login,
		Server:   address,
		Callback: rec,
		Logger:   zaptest.NewLogger(t),
		LogDebug: true,
	})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c, rec
}

func TestNewValidates(t *testing.T) {
	address := netip.MustParseAddrPort("127.0.0.1:7777")

	_, err := New(&Options{Login: "", Server: address, Callback: newRecorder()})
	assert.ErrorIs(t, err, packet.ErrFieldLength)

	_, err = New(&Options{Login: "carol", Server: netip.MustParseAddrPort("[::1]:7777"), Callback: newRecorder()})
	assert.ErrorIs(t, err, packet.ErrAddress)

	_, err = New(&Options{Login: "carol", Server: address})
	assert.Error(t, err)
}

func TestLoginAndChat(t *testing.T) {
	s := newTestServer(t, "alpha")
	ctx := context.Background()

	carol, carolRec := newTestClient(t, "carol", s.Address())
	dave, daveRec := newTestClient(t, "dave", s.Address())

	name, err := carol.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)
	assert.Equal(t, "alpha", <-carolRec.loggedIn)

	_, err = dave.Login(ctx)
	require.NoError(t, err)

	require.NoError(t, carol.Send(ctx, "hello dave"))
	assert.Equal(t, "carol[alpha]: hello dave", daveRec.next(t))
	assert.Equal(t, "carol[alpha]: hello dave", carolRec.next(t))

	require.NoError(t, dave.Send(ctx, "hi carol"))
	assert.Equal(t, "dave[alpha]: hi carol", carolRec.next(t))
}

func TestLoginRefusedCloses(t *testing.T) {
	s := newTestServer(t, "alpha")
	ctx := context.Background()

	first, _ := newTestClient(t, "carol", s.Address())
	_, err := first.Login(ctx)
	require.NoError(t, err)

	second, rec := newTestClient(t, "carol", s.Address())
	_, err = second.Login(ctx)
	assert.ErrorIs(t, err, ErrLoginRefused)

	select {
	case <-second.Done():
	case <-time.After(waitFor):
		t.Fatal("refused client did not disconnect")
	}
	select {
	case <-rec.disconnected:
	case <-time.After(waitFor):
		t.Fatal("no disconnect callback")
	}

	assert.ErrorIs(t, second.Send(ctx, "still here?"), ErrNotLoggedIn)
}

func TestSendBeforeLogin(t *testing.T) {
	c, _ := newTestClient(t, "carol", netip.MustParseAddrPort("127.0.0.1:1"))
	assert.ErrorIs(t, c.Send(context.Background(), "x"), ErrNotLoggedIn)
}

func TestSendValidatesText(t *testing.T) {
	c, _ := newTestClient(t, "carol", netip.MustParseAddrPort("127.0.0.1:1"))
	assert.ErrorIs(t, c.Send(context.Background(), ""), packet.ErrFieldLength)
}

func TestLoginTwice(t *testing.T) {
	s := newTestServer(t, "alpha")
	ctx := context.Background()

	c, _ := newTestClient(t, "carol", s.Address())
	_, err := c.Login(ctx)
	require.NoError(t, err)

	_, err = c.Login(ctx)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestServerGoneDisconnects(t *testing.T) {
	s := newTestServer(t, "alpha")
	ctx := context.Background()

	c, rec := newTestClient(t, "carol", s.Address())
	_, err := c.Login(ctx)
	require.NoError(t, err)

	s.Shutdown()

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client did not notice the server going away")
	}
	select {
	case <-rec.disconnected:
	case <-time.After(waitFor):
		t.Fatal("no disconnect callback")
	}
}

func TestLoginConnectFailure(t *testing.T) {
	// bind and release a port so nothing listens on it
	s := newTestServer(t, "alpha")
	address := s.Address()
	s.Shutdown()

	c, _ := newTestClient(t, "carol", address)
	_, err := c.Login(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestLoginRetryAfterAbort(t *testing.T) {
	s := newTestServer(t, "alpha")
	c, rec := newTestClient(t, "carol", s.Address())

	cmd := admin.NewCommand(admin.KindLogin)
	unsent := errors.New("login not queued")

	var (
		connectErr error
		state      State
	)
	require.NoError(t, c.a.Do(func() {
		id, err := c.r.Connect(s.Address())
		if err != nil {
			connectErr = err
			return
		}
		c.conn = id
		c.state = StateLoggingIn
		c.login = cmd

		c.abortLogin(id, unsent)
		state = c.state
	}))
	require.NoError(t, connectErr)
	assert.Equal(t, StateIdle, state)

	select {
	case resp := <-cmd.Replied():
		assert.ErrorIs(t, resp.Err, unsent)
	case <-time.After(waitFor):
		t.Fatal("aborted login was not answered")
	}

	name, err := c.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)
	assert.Equal(t, "alpha", <-rec.loggedIn)

	select {
	case <-c.Done():
		t.Fatal("aborted connection ended the session")
	default:
	}
}
