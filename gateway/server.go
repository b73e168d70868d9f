// Package gateway is the TimeDrive listener and per-connection dispatcher.
//
// Architecture:
//   - Server owns one listening socket. The accept loop polls with a short
//     deadline so a stop request is noticed between accepts, and spawns one
//     handleClient goroutine per connection.
//   - Each connection runs as an exchange: read one request through a
//     socket pump, resolve the session identity, classify the path and
//     answer with a synthetic response, a redirect, or a relayed downstream
//     response. Both sockets are closed on every exit path.
//   - Sessions live in a session.Store shared by all exchanges; it is the
//     only cross-connection state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"timedrive/buffer"
	"timedrive/clock"
	"timedrive/httpmsg"
	"timedrive/internal/ratelimit"
	"timedrive/logging"
	"timedrive/pump"
	"timedrive/session"
	"timedrive/stats"
	"timedrive/webui"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultAcceptTimeout = time.Second
	defaultReadTimeout   = time.Second
	defaultDialTimeout   = 5 * time.Second
	defaultFetchTimeout  = 10 * time.Second
	noisyLogInterval     = time.Minute
)

// ErrServerClosed is returned by Serve after Stop.
var ErrServerClosed = errors.New("gateway: server closed")

// ClockRenderer draws the clock image served on /time.<ext>.
type ClockRenderer interface {
	Render(t time.Time, f clock.Format) ([]byte, error)
}

// ServerOptions configures the gateway instance.
type ServerOptions struct {
	Port        int
	BindAddress string
	// AcceptTimeout bounds each Accept so Stop is noticed promptly.
	AcceptTimeout time.Duration
	// ReadTimeout bounds each socket read inside a pump.
	ReadTimeout    time.Duration
	MaxConnections int

	IdentityMode session.Mode
	// Downstream is host[:port] of the data server. Empty means use the host
	// of absolute-form requests.
	Downstream     string
	PassThrough    bool
	SecureRedirect bool
	DialTimeout    time.Duration
	// FetchTimeout bounds one /updatetime fetch from dial to parsed body.
	FetchTimeout time.Duration

	Store  *session.Store
	Stats  *stats.Tracker
	Recent *buffer.RingBuffer
	Clock  ClockRenderer
	// Page is the UI page served on /, /index.html and /timedrive.html.
	Page []byte
	Now  func() time.Time
}

// Server accepts client connections and dispatches them.
type Server struct {
	opts           ServerOptions
	downstreamHost string
	downstreamPort int
	log            zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	baseCtx  context.Context
	cancel   context.CancelFunc

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	conns    sync.Map // conn id -> net.Conn
	active   atomic.Int64

	refusedLoops *ratelimit.Counter
	dialFailures *ratelimit.Counter
}

// NewServer validates options and builds a Server. Nothing is bound until
// Listen or Serve.
func NewServer(opts ServerOptions) (*Server, error) {
	config := normalizeServerOptions(opts)
	s := &Server{
		opts:         config,
		log:          logging.Component("gateway"),
		shutdown:     make(chan struct{}),
		refusedLoops: ratelimit.NewCounter(noisyLogInterval),
		dialFailures: ratelimit.NewCounter(noisyLogInterval),
	}
	if config.Downstream != "" {
		host, port, err := httpmsg.SplitHostPort(config.Downstream, 80)
		if err != nil {
			return nil, fmt.Errorf("downstream %q: %w", config.Downstream, err)
		}
		s.downstreamHost, s.downstreamPort = host, port
	}
	if config.PassThrough && config.SecureRedirect {
		return nil, errors.New("pass-through and secure redirect are mutually exclusive")
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func normalizeServerOptions(opts ServerOptions) ServerOptions {
	config := opts
	if config.AcceptTimeout <= 0 {
		config.AcceptTimeout = defaultAcceptTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaultReadTimeout
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = defaultFetchTimeout
	}
	if config.IdentityMode == 0 {
		config.IdentityMode = session.Combo
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Store == nil {
		config.Store = session.NewStore(session.Options{Now: config.Now})
	}
	if config.Stats == nil {
		config.Stats = stats.NewTracker()
	}
	if config.Clock == nil {
		config.Clock = clock.Renderer{}
	}
	if config.Page == nil {
		config.Page = webui.Page()
	}
	return config
}

// Listen binds the listening socket. It is a no-op when already bound.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	if s.stopped() {
		return ErrServerClosed
	}
	addr := net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(s.opts.Port))
	listener, err := listenWithReuse(addr)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("Gateway listening")
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled or Stop is called. It
// binds first when Listen was not called. In-flight exchanges are waited for
// before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	err := s.acceptConnections(listener)
	if err != nil {
		// Unbind so a supervisor restart can listen again.
		s.mu.Lock()
		if s.listener == listener {
			_ = listener.Close()
			s.listener = nil
		}
		s.mu.Unlock()
		return err
	}
	s.wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrServerClosed
}

// listenWithReuse enables SO_REUSEADDR so we can rebind quickly after a crash/exit.
// It falls back to a standard Listen when the control call fails.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

type deadlineListener interface {
	SetDeadline(t time.Time) error
}

// acceptConnections polls Accept with a deadline so the shutdown flag is
// checked between accepts. Deadline expiry is normal polling.
func (s *Server) acceptConnections(listener net.Listener) error {
	for {
		if s.stopped() {
			return nil
		}
		if dl, ok := listener.(deadlineListener); ok {
			_ = dl.SetDeadline(time.Now().Add(s.opts.AcceptTimeout))
		}
		conn, err := listener.Accept()
		if err != nil {
			if s.stopped() {
				return nil
			}
			if pump.Classify(0, err) == pump.Timeout {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		// Enforce configured connection limit before spinning up a client goroutine.
		if s.opts.MaxConnections > 0 && s.active.Load() >= int64(s.opts.MaxConnections) {
			s.rejectBusy(conn)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(2 * time.Minute)
		}

		// Register before spawning so Stop always sees the conn. Stop closes
		// shutdown before walking conns, so a conn registered after that
		// walk is caught by the stopped check.
		connID := uuid.NewString()
		s.conns.Store(connID, conn)
		if s.stopped() {
			s.conns.Delete(connID)
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.active.Add(1)
		go s.handleClient(conn, connID)
	}
}

func (s *Server) rejectBusy(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.ReadTimeout))
	_, _ = conn.Write(busyResponse(s.opts.Now()))
	_ = conn.Close()
	s.opts.Stats.IncrementOutcome(outcomeBusy)
	s.log.Warn().Str("remote", conn.RemoteAddr().String()).Int("max", s.opts.MaxConnections).Msg("Rejected connection: max connections reached")
}

func (s *Server) stopped() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// Stop stops accepting, closes the listening socket and every open client
// connection. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info().Msg("Stopping gateway")
		close(s.shutdown)
		s.cancel()
		s.mu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
			s.listener = nil
		}
		s.mu.Unlock()
		s.conns.Range(func(_, value any) bool {
			_ = value.(net.Conn).Close()
			return true
		})
	})
}

// Active reports the number of connections being handled.
func (s *Server) Active() int64 {
	return s.active.Load()
}

// Store exposes the session store for the admin endpoint and dashboard.
func (s *Server) Store() *session.Store {
	return s.opts.Store
}

// String names the service in supervisor logs.
func (s *Server) String() string {
	return "gateway"
}
