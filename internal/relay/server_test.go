package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatrelay/internal/protocol"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func startServer(t *testing.T, hubOpts HubOptions, opts SessionOptions) (*Server, *Hub) {
	t.Helper()
	hub := NewHub(hubOpts)
	srv := NewServer("127.0.0.1:0", hub, opts)
	require.NoError(t, srv.Listen())

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.NoError(t, <-served)
	})
	return srv, hub
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

func (c *testClient) send(env protocol.Envelope) {
	c.t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(c.t, err)
	c.sendRaw(string(data))
}

func (c *testClient) next() (protocol.Envelope, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(waitTimeout))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(line)
}

// waitFor reads until an envelope of kind arrives, skipping everything else.
func (c *testClient) waitFor(kind protocol.Kind) protocol.Envelope {
	c.t.Helper()
	for {
		env, err := c.next()
		require.NoError(c.t, err, "waiting for %s", kind)
		if env.Kind == kind {
			return env
		}
	}
}

// connect registers name and requires REGISTER_OK to be the first reply.
func (c *testClient) connect(name string) {
	c.t.Helper()
	c.send(protocol.New(protocol.KindConnect, name))
	env, err := c.next()
	require.NoError(c.t, err)
	require.Equal(c.t, protocol.KindRegisterOK, env.Kind)
	require.Equal(c.t, "Connected as "+name, env.Body)
}

// expectClosed drains the connection and requires it to end.
func (c *testClient) expectClosed() []protocol.Envelope {
	c.t.Helper()
	var got []protocol.Envelope
	for {
		env, err := c.next()
		if err != nil {
			var ne net.Error
			require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "connection left open")
			return got
		}
		got = append(got, env)
	}
}

func TestServer_RoomMessageBetweenTwoUsers(t *testing.T) {
	req := require.New(t)
	srv, hub := startServer(t, defaultHubOptions(), SessionOptions{})
	alice, bob := dial(t, srv), dial(t, srv)

	alice.connect("alice")
	bob.connect("bob")
	joined := alice.waitFor(protocol.KindUserJoined)
	req.Equal("bob", joined.Body)

	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("general"), protocol.Body("hi bob")))

	got := bob.waitFor(protocol.KindRoomMsg)
	req.Equal("alice", got.From)
	req.Equal("general", got.Room)
	req.Equal("hi bob", got.Body)
	echo := alice.waitFor(protocol.KindRoomMsg)
	req.Equal("hi bob", echo.Body)

	req.Equal([]string{"alice", "bob"}, hub.Users())
	req.Len(hub.Messages(), 1)
}

func TestServer_DuplicateUsernameRejected(t *testing.T) {
	req := require.New(t)
	srv, hub := startServer(t, defaultHubOptions(), SessionOptions{})
	first, second := dial(t, srv), dial(t, srv)

	first.connect("alice")
	second.send(protocol.New(protocol.KindConnect, "alice"))

	got := second.expectClosed()
	req.Len(got, 1)
	req.Equal(protocol.KindRegisterFail, got[0].Kind)
	req.Equal("username already in use: alice", got[0].Body)

	// the first session is untouched
	req.Equal([]string{"alice"}, hub.Users())
	first.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("general"), protocol.Body("still here")))
	req.Equal("still here", first.waitFor(protocol.KindRoomMsg).Body)
}

func TestServer_CreateRoomWithCreatorAutoJoin(t *testing.T) {
	req := require.New(t)
	srv, _ := startServer(t, defaultHubOptions(), SessionOptions{})
	alice, bob := dial(t, srv), dial(t, srv)
	alice.connect("alice")
	bob.connect("bob")

	alice.send(protocol.New(protocol.KindCreateRoom, "alice", protocol.Room("dev-team"), protocol.Body("Dev Team")))
	for _, c := range []*testClient{alice, bob} {
		created := c.waitFor(protocol.KindRoomCreated)
		req.Equal("dev-team", created.Room)
		req.Equal("Dev Team", created.Body)
	}

	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("dev-team"), protocol.Body("first")))
	req.Equal("first", alice.waitFor(protocol.KindRoomMsg).Body)

	bob.send(protocol.New(protocol.KindJoinRoom, "bob", protocol.Room("dev-team")))
	req.Equal("bob", alice.waitFor(protocol.KindUserJoined).Body)

	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("dev-team"), protocol.Body("second")))
	// bob was not a member for "first"
	req.Equal("second", bob.waitFor(protocol.KindRoomMsg).Body)
}

func TestServer_CreateRoomWithoutCreatorAutoJoin(t *testing.T) {
	req := require.New(t)
	opts := defaultHubOptions()
	opts.CreatorAutoJoin = false
	opts.AutoJoinOnSend = false
	srv, hub := startServer(t, opts, SessionOptions{})
	alice := dial(t, srv)
	alice.connect("alice")

	alice.send(protocol.New(protocol.KindCreateRoom, "alice", protocol.Room("dev-team")))
	alice.waitFor(protocol.KindRoomCreated)

	room, ok := hub.Room("dev-team")
	req.True(ok)
	req.Empty(room.MemberUsernames())

	// not a member, no auto-join: the message is logged but reaches nobody
	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("dev-team"), protocol.Body("void")))
	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("general"), protocol.Body("general")))
	req.Equal("general", alice.waitFor(protocol.KindRoomMsg).Body)
}

func TestServer_ProtocolErrorsKeepSessionOpen(t *testing.T) {
	req := require.New(t)
	srv, hub := startServer(t, defaultHubOptions(), SessionOptions{})
	alice := dial(t, srv)
	alice.connect("alice")

	alice.sendRaw("{not json")
	req.Contains(alice.waitFor(protocol.KindError).Body, "malformed")

	alice.sendRaw(`{"kind":"FOO","from":"alice"}`)
	req.Equal("unknown message kind: FOO", alice.waitFor(protocol.KindError).Body)

	alice.sendRaw(`{"kind":"USER_JOINED","from":"alice"}`)
	req.Equal("unsupported message kind: USER_JOINED", alice.waitFor(protocol.KindError).Body)

	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("nowhere"), protocol.Body("hi")))
	req.Equal("room not found: nowhere", alice.waitFor(protocol.KindError).Body)

	alice.send(protocol.New(protocol.KindPrivateMsg, "alice", protocol.To("nobody"), protocol.Body("hi")))
	req.Equal("user not found: nobody", alice.waitFor(protocol.KindError).Body)
	req.Empty(hub.Messages(), "undeliverable messages are not logged")

	alice.sendRaw("")
	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("general"), protocol.Body("alive")))
	req.Equal("alive", alice.waitFor(protocol.KindRoomMsg).Body)
}

func TestServer_FirstLineMustBeConnect(t *testing.T) {
	req := require.New(t)
	srv, hub := startServer(t, defaultHubOptions(), SessionOptions{})

	for _, line := range []string{
		`{"kind":"ROOM_MSG","from":"alice","room":"general","body":"hi"}`,
		"garbage",
		`{"kind":"CONNECT","from":""}`,
	} {
		c := dial(t, srv)
		c.sendRaw(line)
		req.Empty(c.expectClosed(), line)
	}
	req.Empty(hub.Users())
}

func TestServer_DisconnectUnregisters(t *testing.T) {
	req := require.New(t)
	srv, hub := startServer(t, defaultHubOptions(), SessionOptions{})
	alice, bob := dial(t, srv), dial(t, srv)
	alice.connect("alice")
	bob.connect("bob")

	bob.send(protocol.New(protocol.KindDisconnect, "bob"))
	bob.expectClosed()

	left := alice.waitFor(protocol.KindUserLeft)
	req.Equal("bob", left.Body)
	req.Equal([]string{"alice"}, hub.Users())

	// the name is free again
	again := dial(t, srv)
	again.connect("bob")
}

func TestServer_ClientDropUnregisters(t *testing.T) {
	srv, hub := startServer(t, defaultHubOptions(), SessionOptions{})
	alice, bob := dial(t, srv), dial(t, srv)
	alice.connect("alice")
	bob.connect("bob")

	_ = bob.conn.Close()

	require.Equal(t, "bob", alice.waitFor(protocol.KindUserLeft).Body)
	require.Eventually(t, func() bool { return len(hub.Users()) == 1 }, waitTimeout, 10*time.Millisecond)
}

func TestServer_LineTooLong(t *testing.T) {
	req := require.New(t)
	srv, _ := startServer(t, defaultHubOptions(), SessionOptions{MaxLineBytes: 256})
	alice := dial(t, srv)
	alice.connect("alice")

	alice.sendRaw(`{"kind":"ROOM_MSG","room":"general","body":"` + strings.Repeat("x", 1024) + `"}`)
	req.Equal("line too long", alice.waitFor(protocol.KindError).Body)

	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("general"), protocol.Body("short")))
	req.Equal("short", alice.waitFor(protocol.KindRoomMsg).Body)
}

func TestServer_RateLimit(t *testing.T) {
	req := require.New(t)
	srv, _ := startServer(t, defaultHubOptions(), SessionOptions{RatePerSecond: 0.001, RateBurst: 1})
	alice := dial(t, srv)
	alice.connect("alice")

	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("general"), protocol.Body("one")))
	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("general"), protocol.Body("two")))

	req.Equal("one", alice.waitFor(protocol.KindRoomMsg).Body)
	req.Equal("rate limit exceeded", alice.waitFor(protocol.KindError).Body)
}

func TestServer_PrivateMessage(t *testing.T) {
	req := require.New(t)
	srv, _ := startServer(t, defaultHubOptions(), SessionOptions{})
	alice, bob := dial(t, srv), dial(t, srv)
	alice.connect("alice")
	bob.connect("bob")

	alice.send(protocol.New(protocol.KindPrivateMsg, "alice", protocol.To("bob"), protocol.Body("psst")))

	got := bob.waitFor(protocol.KindPrivateMsg)
	req.Equal("alice", got.From)
	req.Equal("bob", got.To)
	req.Equal("psst", alice.waitFor(protocol.KindPrivateMsg).Body)
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	req := require.New(t)
	hub := NewHub(defaultHubOptions())
	srv := NewServer("127.0.0.1:0", hub, SessionOptions{})
	req.NoError(srv.Listen())
	req.ErrorIs(srv.Listen(), ErrAlreadyListening)
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	alice, idle := dial(t, srv), dial(t, srv)
	alice.connect("alice")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	req.NoError(srv.Shutdown(ctx))
	req.NoError(srv.Shutdown(ctx))
	req.NoError(<-served)

	alice.expectClosed()
	idle.expectClosed()
	req.Empty(hub.Users())

	_, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	req.Error(err)
	req.ErrorIs(srv.Listen(), ErrServerClosed)

	// late hand-offs are closed straight away
	server, client := net.Pipe()
	defer client.Close()
	srv.ServeTransport(newLineTransport(server, 64))
	_, err = client.Read(make([]byte, 1))
	req.ErrorIs(err, io.EOF)
}

func TestServer_ReservedUsernameRejected(t *testing.T) {
	srv, hub := startServer(t, defaultHubOptions(), SessionOptions{})
	c := dial(t, srv)

	c.send(protocol.New(protocol.KindConnect, protocol.ServerName))

	require.Empty(t, c.expectClosed())
	require.Empty(t, hub.Users())
}

func TestServer_HandshakeTimeout(t *testing.T) {
	srv, _ := startServer(t, defaultHubOptions(), SessionOptions{HandshakeTimeout: 100 * time.Millisecond})
	silent := dial(t, srv)

	require.Empty(t, silent.expectClosed())
}

func TestServer_IdleListenerStaysConnected(t *testing.T) {
	req := require.New(t)
	srv, _ := startServer(t, defaultHubOptions(), SessionOptions{HandshakeTimeout: 100 * time.Millisecond})
	alice, bob := dial(t, srv), dial(t, srv)
	alice.connect("alice")
	bob.connect("bob")

	// well past the handshake timeout; registered sessions have no idle limit
	time.Sleep(400 * time.Millisecond)

	alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("general"), protocol.Body("still there?")))
	req.Equal("still there?", bob.waitFor(protocol.KindRoomMsg).Body)
}

func TestServer_ReadTimeoutClosesIdleSession(t *testing.T) {
	srv, hub := startServer(t, defaultHubOptions(), SessionOptions{ReadTimeout: 100 * time.Millisecond})
	alice := dial(t, srv)
	alice.connect("alice")

	alice.expectClosed()
	require.Eventually(t, func() bool { return len(hub.Users()) == 0 }, waitTimeout, 10*time.Millisecond)
}

// A client that stops reading is dropped once its queue or a write deadline
// gives out; everyone else keeps receiving every message.
func TestServer_SlowConsumerIsDropped(t *testing.T) {
	req := require.New(t)
	srv, hub := startServer(t, defaultHubOptions(), SessionOptions{
		SendQueueSize: 16,
		MaxLineBytes:  256 << 10,
		WriteTimeout:  200 * time.Millisecond,
	})
	alice, bob, slow := dial(t, srv), dial(t, srv), dial(t, srv)
	alice.connect("alice")
	bob.connect("bob")
	slow.connect("slow")
	// slow never reads again

	var bobMessages atomic.Int64
	var bobSawSlowLeave atomic.Bool
	go func() {
		for {
			env, err := bob.next()
			if err != nil {
				return
			}
			switch {
			case env.Kind == protocol.KindRoomMsg:
				bobMessages.Add(1)
			case env.Kind == protocol.KindUserLeft && env.Body == "slow":
				bobSawSlowLeave.Store(true)
			}
		}
	}()

	payload := strings.Repeat("x", 100<<10)
	sent := 0
	for sent < 500 && slices.Contains(hub.Users(), "slow") {
		alice.send(protocol.New(protocol.KindRoomMsg, "alice", protocol.Room("general"),
			protocol.Body(fmt.Sprintf("%d:%s", sent, payload))))
		// the echo paces the flood so readers never fall behind
		alice.waitFor(protocol.KindRoomMsg)
		sent++
	}

	req.NotContains(hub.Users(), "slow", "slow consumer still registered after %d messages", sent)
	req.Equal([]string{"alice", "bob"}, hub.Users())
	req.Eventually(func() bool { return bobSawSlowLeave.Load() }, waitTimeout, 10*time.Millisecond)
	req.Eventually(func() bool { return bobMessages.Load() == int64(sent) }, waitTimeout, 10*time.Millisecond)
}
