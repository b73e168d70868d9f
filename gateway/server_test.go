package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"timedrive/buffer"
	"timedrive/clock"
	"timedrive/munge"
	"timedrive/session"
	"timedrive/stats"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func testNow() time.Time { return fixedNow }

type stubClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *stubClock) Render(t time.Time, f clock.Format) ([]byte, error) {
	c.mu.Lock()
	c.last = t
	c.mu.Unlock()
	return []byte("image:" + string(f)), nil
}

func (c *stubClock) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// startServer runs a gateway on a loopback port and stops it on cleanup.
func startServer(t *testing.T, opts ServerOptions) (*Server, string) {
	t.Helper()
	opts.BindAddress = "127.0.0.1"
	opts.Port = 0
	opts.AcceptTimeout = 50 * time.Millisecond
	opts.ReadTimeout = 50 * time.Millisecond
	if opts.Now == nil {
		opts.Now = testNow
	}
	if opts.Store == nil {
		opts.Store = session.NewStore(session.Options{Now: opts.Now})
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewTracker()
	}
	if opts.Recent == nil {
		opts.Recent = buffer.NewRingBuffer(16)
	}
	if opts.Page == nil {
		opts.Page = []byte("<html>timedrive</html>")
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("gateway did not stop")
		}
	})
	return srv, srv.Addr().String()
}

// roundTrip sends raw on a fresh connection and reads until the gateway
// closes it.
func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte(raw))
	require.NoError(t, err)
	data, err := io.ReadAll(conn)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		var ne net.Error
		require.False(t, errors.As(err, &ne) && ne.Timeout(), "gateway left the connection open")
	}
	return string(data)
}

func bodyOf(resp string) string {
	if idx := strings.Index(resp, "\r\n\r\n"); idx >= 0 {
		return resp[idx+4:]
	}
	return ""
}

func pausedAt(store *session.Store, identity string, t, d float64) {
	store.Update(identity, munge.Update{
		Reference: string(munge.RefAbsolute),
		Time:      munge.Float(t),
		Duration:  munge.Float(d),
		Play:      "pause",
	})
}

// fakeDownstream answers one connection with reply and reports the request
// line it received.
func fakeDownstream(t *testing.T, reply string) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		r := bufio.NewReader(conn)
		first, _ := r.ReadString('\n')
		lines <- strings.TrimRight(first, "\r\n")
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		_, _ = conn.Write([]byte(reply))
	}()
	return ln.Addr().String(), lines
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestClassifyPath(t *testing.T) {
	cases := []struct {
		path   string
		route  route
		format clock.Format
	}{
		{"/time.jpg", routeClock, clock.JPEG},
		{"/time.png?123", routeClock, clock.PNG},
		{"/time.gif", routeClock, clock.GIF},
		{"/", routePage, ""},
		{"/index.html", routePage, ""},
		{"/timedrive.html", routePage, ""},
		{"/updatetime/localhost/RBNB/clock", routeUpdateTime, ""},
		{"/updatetocurrenttime", routeCurrentTime, ""},
		{"/updatemunge?t=5", routeUpdateMunge, ""},
		{"/?t=5", routeMungePage, ""},
		{"/@t=5", routeMungePage, ""},
		{"/RBNB/Src/chan0.jpg", routeData, ""},
		{"/indexes", routeData, ""},
	}
	for _, tc := range cases {
		r, f := classifyPath(tc.path)
		assert.Equal(t, tc.route, r, tc.path)
		assert.Equal(t, tc.format, f, tc.path)
	}
}

func TestRedirectForcesZeroDurationForFileChannels(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	pausedAt(store, session.GlobalIdentity, 1000, 30)
	recent := buffer.NewRingBuffer(4)
	_, addr := startServer(t, ServerOptions{
		IdentityMode: session.Off,
		Downstream:   "data.example:8080",
		Store:        store,
		Recent:       recent,
	})

	resp := roundTrip(t, addr, "GET /RBNB/Src/chan0.jpg HTTP/1.1\r\nHost: gw\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 303 See Other\r\n"), resp)
	assert.Contains(t, resp, "Location: http://data.example:8080/RBNB/Src/chan0.jpg?t=1000&d=0\r\n")
	assert.Contains(t, resp, "Connection: close\r\n")
	assert.Contains(t, bodyOf(resp), `<a href="http://data.example:8080/RBNB/Src/chan0.jpg?t=1000&d=0">`)

	require.Eventually(t, func() bool { return recent.GetCount() == 1 }, time.Second, 10*time.Millisecond)
	rec := recent.GetRecent(1)[0]
	assert.Equal(t, "data", rec.Route)
	assert.Equal(t, "redirect", rec.Outcome)
	assert.Equal(t, "/RBNB/Src/chan0.jpg?t=1000&d=0", rec.Rewritten)
	assert.Equal(t, session.Fingerprint(session.GlobalIdentity), rec.Fingerprint)
}

func TestRedirectKeepsClientReference(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	pausedAt(store, session.GlobalIdentity, 1000, 30)
	_, addr := startServer(t, ServerOptions{
		IdentityMode: session.Off,
		Downstream:   "data.example:8080",
		Store:        store,
	})

	resp := roundTrip(t, addr, "GET /RBNB/Src/chan0?r=newest&d=5 HTTP/1.1\r\nHost: gw\r\n\r\n")
	assert.Contains(t, resp, "Location: http://data.example:8080/RBNB/Src/chan0?r=newest&t=995&d=5\r\n")
}

func TestRedirectUsesSecureSchemeAndDecodesEscapes(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	pausedAt(store, session.GlobalIdentity, 1000, 30)
	_, addr := startServer(t, ServerOptions{
		IdentityMode:   session.Off,
		SecureRedirect: true,
		Store:          store,
	})

	resp := roundTrip(t, addr, "GET /RBNB/chan?x%3D1%26t%3D5 HTTP/1.0\r\n\r\n")
	assert.Contains(t, resp, "Location: https://localhost:80/RBNB/chan?x=1&t=5&d=30\r\n")
}

func TestProxyRequestInRedirectModeIsRefused(t *testing.T) {
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Off})

	resp := roundTrip(t, addr, "GET http://host/RBNB/x HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"), resp)
	assert.NotContains(t, resp, "303")
	assert.Contains(t, bodyOf(resp), "can't process a request sent to TimeDrive by a proxy")
}

func TestMissingCredentialIsChallenged(t *testing.T) {
	tracker := stats.NewTracker()
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Combo, Stats: tracker})

	resp := roundTrip(t, addr, "GET /RBNB/x HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.0 401 Unauthorised\r\n"), resp)
	assert.Contains(t, resp, "WWW-Authenticate: Basic realm=\"Unique TimeDrive identity\"\r\n")
	assert.Contains(t, bodyOf(resp), "This is not a user account")
	require.Eventually(t, func() bool { return tracker.GetOutcomeCounts()["unauthorized"] == 1 }, time.Second, 10*time.Millisecond)
}

func TestCredentialSelectsSession(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	_, addr := startServer(t, ServerOptions{IdentityMode: session.ByCredential, Store: store})

	resp := roundTrip(t, addr, "GET /updatemunge?t=1000&d=30&play=pause HTTP/1.1\r\nAuthorization: Basic YWxpY2U6\r\n\r\n")
	assert.Equal(t, "t=1000&d=30&play=pause&rate=1", bodyOf(resp))
	assert.Equal(t, 1000.0, store.Get("YWxpY2U6").Time)
	assert.Equal(t, 1, store.Len())
}

func TestUpdateMungeReturnsBody(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow, SyncChannel: "localhost/RBNB/clock"})
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Off, Store: store})

	resp := roundTrip(t, addr, "GET /updatemunge?r=newest&t=60&d=10&play=pause&rate=2 HTTP/1.1\r\n\r\n")
	assert.Contains(t, resp, "Content-Type: text/plain\r\n")
	assert.Contains(t, resp, "Cache-Control: no-cache\r\n")
	assert.Equal(t, "r=newest&t=60&d=10&play=pause&rate=2&syncchan=localhost/RBNB/clock", bodyOf(resp))

	// A bare query reads the session without resetting the reference.
	resp = roundTrip(t, addr, "GET /updatemunge HTTP/1.1\r\n\r\n")
	assert.Equal(t, "r=newest&t=60&d=10&play=pause&rate=2&syncchan=localhost/RBNB/clock", bodyOf(resp))
}

func TestMungePageServesUI(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Off, Store: store, Page: []byte("<html>ui</html>")})

	resp := roundTrip(t, addr, "GET /?t=500&play=pause HTTP/1.1\r\n\r\n")
	assert.Contains(t, resp, "Content-Type: text/html\r\n")
	assert.Equal(t, "<html>ui</html>", bodyOf(resp))
	assert.Equal(t, 500.0, store.Get(session.GlobalIdentity).Time)

	resp = roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n")
	assert.Equal(t, "<html>ui</html>", bodyOf(resp))
}

func TestUpdateToCurrentTime(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	pausedAt(store, session.GlobalIdentity, 1000, 30)
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Off, Store: store})

	resp := roundTrip(t, addr, "GET /updatetocurrenttime HTTP/1.1\r\n\r\n")
	assert.Equal(t, "t=1700000000&d=30&play=pause&rate=1", bodyOf(resp))
}

func TestClockImageAppliesMunge(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	renderer := &stubClock{}
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Off, Store: store, Clock: renderer})

	resp := roundTrip(t, addr, "GET /time.gif?t=1000&play=pause HTTP/1.1\r\n\r\n")
	assert.Contains(t, resp, "Content-Type: image/gif\r\n")
	assert.Contains(t, resp, "Pragma: no-cache\r\n")
	assert.Equal(t, "image:gif", bodyOf(resp))
	assert.Equal(t, time.Unix(1000, 0), renderer.Last())

	// A cache-busting query only reads.
	roundTrip(t, addr, "GET /time.png?1700000001 HTTP/1.1\r\n\r\n")
	assert.Equal(t, munge.Pause, store.Get(session.GlobalIdentity).Mode)
	assert.Equal(t, time.Unix(1000, 0), renderer.Last())
}

func TestUpdateTimeFetchesSyncChannel(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	pausedAt(store, session.GlobalIdentity, 1000, 30)
	down, lines := fakeDownstream(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 7\r\n\r\n1234.5\n")
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Off, Store: store})

	resp := roundTrip(t, addr, "GET /updatetime/"+down+"/RBNB/clock@r=newest HTTP/1.1\r\n\r\n")
	assert.Equal(t, "GET /RBNB/clock@r=newest HTTP/1.1", <-lines)
	assert.Equal(t, "t=1234&d=30&play=pause&rate=1&syncchan="+down+"/RBNB/clock", bodyOf(resp))
	assert.Equal(t, 1234.5, store.Get(session.GlobalIdentity).Time)
}

func TestUpdateTimeFailureKeepsTime(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	pausedAt(store, session.GlobalIdentity, 1000, 30)
	tracker := stats.NewTracker()
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Off, Store: store, Stats: tracker})

	resp := roundTrip(t, addr, "GET /updatetime/"+closedPort(t)+"/RBNB/clock HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"), resp)
	assert.Equal(t, "t=1000&d=30&play=pause&rate=1", bodyOf(resp))
	assert.Equal(t, uint64(1), tracker.SyncFailures())
	assert.Empty(t, store.SyncChannel())
}

func TestUpdateTimeWithMungeNamesSyncChannelEvenOnFailure(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	pausedAt(store, session.GlobalIdentity, 1000, 30)
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Off, Store: store})

	target := closedPort(t) + "/RBNB/clock"
	resp := roundTrip(t, addr, "GET /updatetime/"+target+"@r=newest HTTP/1.1\r\n\r\n")
	assert.Equal(t, "t=1000&d=30&play=pause&rate=1&syncchan="+target, bodyOf(resp))
	assert.Equal(t, target, store.SyncChannel())
}

func TestUpdateTimeRejectsNonNumericBody(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	pausedAt(store, session.GlobalIdentity, 1000, 30)
	down, _ := fakeDownstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Off, Store: store})

	resp := roundTrip(t, addr, "GET /updatetime/"+down+"/RBNB/clock HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(bodyOf(resp), "t=1000&"), bodyOf(resp))
}

func TestPassThroughRelaysDownstreamResponse(t *testing.T) {
	store := session.NewStore(session.Options{Now: testNow})
	pausedAt(store, session.GlobalIdentity, 1000, 30)
	tracker := stats.NewTracker()
	down, lines := fakeDownstream(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello")
	_, addr := startServer(t, ServerOptions{
		IdentityMode: session.Off,
		Downstream:   down,
		PassThrough:  true,
		Store:        store,
		Stats:        tracker,
	})

	resp := roundTrip(t, addr, "GET /RBNB/chan HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")
	assert.Equal(t, "GET /RBNB/chan?t=970&d=30 HTTP/1.1", <-lines)
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 200 OK\r\n"), resp)
	assert.Contains(t, resp, "Connection: close\r\n")
	assert.Equal(t, "hello", bodyOf(resp))
	require.Eventually(t, func() bool { return tracker.ProxiedBytes() > 0 }, time.Second, 10*time.Millisecond)
}

func TestPassThroughDialFailureClosesClient(t *testing.T) {
	tracker := stats.NewTracker()
	_, addr := startServer(t, ServerOptions{
		IdentityMode: session.Off,
		Downstream:   closedPort(t),
		PassThrough:  true,
		Stats:        tracker,
	})

	resp := roundTrip(t, addr, "GET /RBNB/chan HTTP/1.1\r\n\r\n")
	assert.Empty(t, resp)
	require.Eventually(t, func() bool { return tracker.GetOutcomeCounts()["error"] == 1 }, time.Second, 10*time.Millisecond)
}

func TestUnsupportedRequestsAreClosed(t *testing.T) {
	tracker := stats.NewTracker()
	_, addr := startServer(t, ServerOptions{IdentityMode: session.Off, Stats: tracker})

	assert.Empty(t, roundTrip(t, addr, "POST /updatemunge HTTP/1.1\r\n\r\n"))
	assert.Empty(t, roundTrip(t, addr, "GET ftp://host/file HTTP/1.1\r\n\r\n"))
	assert.Empty(t, roundTrip(t, addr, "GARBAGE\r\n\r\n"))
	require.Eventually(t, func() bool { return tracker.GetRouteCounts()["rejected"] == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), tracker.NullRequests())
}

func TestNewServerValidatesOptions(t *testing.T) {
	_, err := NewServer(ServerOptions{PassThrough: true, SecureRedirect: true})
	assert.Error(t, err)
	_, err = NewServer(ServerOptions{Downstream: "host:notaport"})
	assert.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	srv, err := NewServer(ServerOptions{BindAddress: "127.0.0.1", AcceptTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Nil(t, srv.Addr())
	assert.ErrorIs(t, srv.Listen(), ErrServerClosed)
}

// stopDuringAccept stops the server while handing out one connection, the
// way a shutdown lands between Accept returning and the client goroutine
// starting.
type stopDuringAccept struct {
	srv  *Server
	conn net.Conn
	used bool
}

func (l *stopDuringAccept) Accept() (net.Conn, error) {
	if l.used {
		return nil, net.ErrClosed
	}
	l.used = true
	l.srv.Stop()
	return l.conn, nil
}

func (l *stopDuringAccept) Close() error   { return nil }
func (l *stopDuringAccept) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestConnAcceptedDuringStopIsClosed(t *testing.T) {
	srv, err := NewServer(ServerOptions{})
	require.NoError(t, err)
	server, client := net.Pipe()
	defer client.Close()

	require.NoError(t, srv.acceptConnections(&stopDuringAccept{srv: srv, conn: server}))
	assert.Zero(t, srv.Active())

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	registered := 0
	srv.conns.Range(func(_, _ any) bool { registered++; return true })
	assert.Zero(t, registered)
}
