package gateway

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"timedrive/buffer"
	"timedrive/clock"
	"timedrive/httpmsg"
	"timedrive/logging"
	"timedrive/metrics"
	"timedrive/munge"
	"timedrive/pump"
	"timedrive/session"

	"github.com/rs/zerolog"
)

// state is the dispatcher's position for one connection.
type state int

const (
	stateAccepted state = iota
	stateHeaderRead
	stateClassified
	stateRedirecting
	stateProxying
	stateSynthesizing
	stateClosed
)

var stateNames = [...]string{"accepted", "header-read", "classified", "redirecting", "proxying", "synthesizing", "closed"}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type route int

const (
	routeRejected route = iota
	routeAuth
	routeClock
	routePage
	routeUpdateTime
	routeCurrentTime
	routeUpdateMunge
	routeMungePage
	routeData
)

var routeNames = [...]string{"rejected", "auth", "clock", "page", "updatetime", "updatetocurrenttime", "updatemunge", "mungepage", "data"}

func (r route) String() string {
	if int(r) < len(routeNames) {
		return routeNames[r]
	}
	return "unknown"
}

const (
	outcomeRedirect     = "redirect"
	outcomeProxy        = "proxy"
	outcomeSynthetic    = "synthetic"
	outcomeUnauthorized = "unauthorized"
	outcomeRefused      = "refused"
	outcomeClosed       = "closed"
	outcomeError        = "error"
	outcomeBusy         = "busy"

	updateTimePrefix = "/updatetime/"
)

// classifyPath maps a request path onto a route, in priority order. The
// clock format is set for routeClock only.
func classifyPath(path string) (route, clock.Format) {
	switch {
	case strings.HasPrefix(path, "/time.jpg"):
		return routeClock, clock.JPEG
	case strings.HasPrefix(path, "/time.png"):
		return routeClock, clock.PNG
	case strings.HasPrefix(path, "/time.gif"):
		return routeClock, clock.GIF
	case path == "/", strings.HasPrefix(path, "/index.html"), strings.HasPrefix(path, "/timedrive.html"):
		return routePage, ""
	case strings.HasPrefix(path, updateTimePrefix):
		return routeUpdateTime, ""
	case strings.HasPrefix(path, "/updatetocurrenttime"):
		return routeCurrentTime, ""
	case strings.HasPrefix(path, "/updatemunge"):
		return routeUpdateMunge, ""
	case strings.HasPrefix(path, "/?"), strings.HasPrefix(path, "/@"):
		return routeMungePage, ""
	}
	return routeData, ""
}

// exchange is one client connection from accept to close.
type exchange struct {
	server   *Server
	id       string
	started  time.Time
	client   *pump.Pump
	down     *pump.Pump
	log      zerolog.Logger
	state    state
	route    route
	outcome  string
	identity string
	record   buffer.Record
}

// handleClient runs one exchange. Panics and errors end only this
// connection; both sockets are closed on the way out.
func (s *Server) handleClient(conn net.Conn, connID string) {
	defer s.wg.Done()
	defer s.active.Add(-1)
	defer s.conns.Delete(connID)

	metrics.ConnectionsAccepted.Inc()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()
	s.opts.Stats.IncrementConnections()

	x := &exchange{
		server:  s,
		id:      connID,
		started: s.opts.Now(),
		log:     s.log.With().Str("conn_id", connID).Str("remote", conn.RemoteAddr().String()).Logger(),
		outcome: outcomeClosed,
	}
	x.client = pump.Start(conn, pump.Options{ReadTimeout: s.opts.ReadTimeout, Label: "client"})
	defer x.finish()
	defer func() {
		if r := recover(); r != nil {
			x.outcome = outcomeError
			x.log.Error().Interface("panic", r).Str("state", x.state.String()).Bytes("stack", debug.Stack()).Msg("Dispatcher panic")
		}
	}()

	if err := x.run(); err != nil {
		x.fail(err)
	}
}

// fail logs a dispatcher error. Closed-socket errors are routine and only
// logged at debug.
func (x *exchange) fail(err error) {
	x.outcome = outcomeError
	event := x.log.Warn()
	if isClosedError(err) {
		event = x.log.Debug()
	}
	if logging.TraceEnabled() {
		event = event.Bytes("stack", debug.Stack())
	}
	event.Err(err).Str("state", x.state.String()).Str("route", x.route.String()).Msg("Request failed")
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, pump.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func (x *exchange) finish() {
	if x.down != nil {
		_ = x.down.Close()
	}
	_ = x.client.Close()
	x.state = stateClosed

	elapsed := x.server.opts.Now().Sub(x.started)
	metrics.ObserveRequest(x.route.String(), x.outcome, elapsed)
	x.server.opts.Stats.IncrementRoute(x.route.String())
	x.server.opts.Stats.IncrementOutcome(x.outcome)

	rec := x.record
	rec.ConnID = x.id
	rec.At = x.started
	rec.Route = x.route.String()
	rec.Outcome = x.outcome
	rec.Elapsed = elapsed
	x.server.opts.Recent.Add(&rec)

	x.log.Debug().Str("route", rec.Route).Str("outcome", rec.Outcome).Str("path", rec.Path).Dur("elapsed", elapsed).Msg("Connection closed")
}

func (x *exchange) run() error {
	s := x.server
	req, err := httpmsg.ReadRequest(bufio.NewReader(x.client))
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	x.state = stateHeaderRead
	if req.IsNull() {
		s.opts.Stats.IncrementNullRequests()
		x.log.Debug().Err(req.NullReason()).Msg("Unparseable request")
		return nil
	}
	x.record.Path = req.Path()
	control := req.Control()
	if control.Method != "GET" || control.Scheme != "http" {
		x.log.Debug().Str("request", control.String()).Msg("Not able to handle request")
		return nil
	}

	socketIP := ""
	if addr, ok := x.client.Conn().RemoteAddr().(*net.TCPAddr); ok {
		socketIP = addr.IP.String()
	}
	identity, ok := session.IdentityFor(s.opts.IdentityMode, req.Credential(), req.SourceIP(), socketIP)
	if !ok {
		x.route = routeAuth
		x.state = stateSynthesizing
		x.log.Debug().Msg("Requesting Basic credentials")
		return x.send(unauthorizedReply(), outcomeUnauthorized)
	}
	x.identity = identity
	x.record.Fingerprint = session.Fingerprint(identity)
	x.log = x.log.With().Str("session", x.record.Fingerprint).Logger()

	var format clock.Format
	x.route, format = classifyPath(req.Path())
	x.state = stateClassified
	x.log.Trace().Str("route", x.route.String()).Str("path", req.Path()).Msg("Request classified")

	switch x.route {
	case routeClock:
		return x.handleClock(req, format)
	case routePage:
		x.state = stateSynthesizing
		return x.send(pageReply(s.opts.Page), outcomeSynthetic)
	case routeUpdateTime:
		return x.handleUpdateTime(req)
	case routeCurrentTime:
		return x.handleCurrentTime()
	case routeUpdateMunge:
		return x.handleUpdateMunge(req, false)
	case routeMungePage:
		return x.handleUpdateMunge(req, true)
	}
	return x.handleDataRequest(req)
}

// send writes a synthetic reply through the response model so the client
// sees exactly what a relayed response would look like.
func (x *exchange) send(r reply, outcome string) error {
	raw := r.bytes(x.server.opts.Now())
	resp, err := httpmsg.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), x.client)
	x.outcome = outcome
	if !resp.IsNull() {
		x.record.Status = resp.StatusCode()
		x.record.Bytes = resp.ContentLength()
	}
	if err != nil {
		return fmt.Errorf("send %s response: %w", outcome, err)
	}
	return nil
}

func (x *exchange) mungeBody(st munge.State) string {
	return st.Body(x.server.opts.Store.SyncChannel())
}

func (x *exchange) handleClock(req *httpmsg.Request, format clock.Format) error {
	s := x.server
	q := munge.ParseQuery(req.Path())
	st := s.opts.Store.Update(x.identity, q.Update(munge.RefAbsolute))
	x.state = stateSynthesizing

	at := time.UnixMilli(int64(st.Time * 1000))
	img, err := s.opts.Clock.Render(at, format)
	if err != nil {
		return fmt.Errorf("render clock: %w", err)
	}
	return x.send(imageReply(format.ContentType(), img), outcomeSynthetic)
}

func (x *exchange) handleCurrentTime() error {
	s := x.server
	now := float64(s.opts.Now().UnixMilli()) / 1000
	st := s.opts.Store.Update(x.identity, munge.Update{Time: munge.Float(now)})
	x.log.Debug().Str("time", clock.Label(s.opts.Now())).Msg("Set time to current time")
	x.state = stateSynthesizing
	return x.send(mungeReply(x.mungeBody(st)), outcomeSynthetic)
}

// handleUpdateMunge applies the query as a session update. An absent
// reference means absolute when any other field is given.
func (x *exchange) handleUpdateMunge(req *httpmsg.Request, page bool) error {
	s := x.server
	q := munge.ParseQuery(req.Path())
	st := s.opts.Store.Update(x.identity, q.Update(munge.RefAbsolute))
	body := x.mungeBody(st)
	x.log.Debug().Str("munge", body).Msg("Updated munge parameters")
	x.state = stateSynthesizing
	if page {
		return x.send(pageReply(s.opts.Page), outcomeSynthetic)
	}
	return x.send(mungeReply(body), outcomeSynthetic)
}

// escapeReplacer undoes the pre-encoding some client UIs apply to munge
// separators.
var escapeReplacer = strings.NewReplacer("%26", "&", "%40", "@", "%3D", "=", "%3d", "=")

func (x *exchange) handleDataRequest(req *httpmsg.Request) error {
	s := x.server
	path := req.Path()
	if normalized := escapeReplacer.Replace(path); normalized != path {
		next, err := req.WithPath(normalized)
		if err != nil {
			return fmt.Errorf("normalize path: %w", err)
		}
		req, path = next, normalized
	}

	q := munge.ParseQuery(path)
	merged := munge.Merge(q, q.ZeroDuration(), s.opts.Store.View(x.identity))
	out, err := req.WithPath(q.Channel + "?" + merged)
	if err != nil {
		return fmt.Errorf("rewrite path: %w", err)
	}
	x.record.Rewritten = out.Path()
	if q.HasMunge() {
		x.log.Debug().Str("original", path).Str("rewritten", out.Path()).Msg("Data request")
	} else {
		x.log.Debug().Str("rewritten", out.Path()).Msg("Data request")
	}

	switch {
	case s.opts.PassThrough:
		x.state = stateProxying
		return x.passThrough(out)
	case out.IsProxyRequest():
		x.state = stateSynthesizing
		if total, suppressed, ok := s.refusedLoops.Inc(); ok {
			x.log.Warn().Uint64("total", total).Uint64("suppressed", suppressed).Msg("Refused proxy-redirected request in redirect mode")
		}
		return x.send(stubReply(out.Path(), proxyLoopMessage), outcomeRefused)
	}
	x.state = stateRedirecting
	return x.send(redirectReply(s.redirectLocation(out.Path())), outcomeRedirect)
}

// redirectLocation builds the absolute URL a redirected client fetches. With
// no configured downstream the data server is assumed to be local.
func (s *Server) redirectLocation(path string) string {
	scheme := "http://"
	if s.opts.SecureRedirect {
		scheme = "https://"
	}
	host, port := s.downstreamHost, s.downstreamPort
	if host == "" {
		host, port = "localhost", 80
	}
	return scheme + httpmsg.HostPort(host, port) + path
}
