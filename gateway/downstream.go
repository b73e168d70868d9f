package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"timedrive/httpmsg"
	"timedrive/metrics"
	"timedrive/munge"
	"timedrive/pump"

	"github.com/dustin/go-humanize"
)

// downstreamFor picks the data server for a rewritten request and the bytes
// to send it. A configured downstream gets the request as received; the
// request's own host gets the origin form.
func (s *Server) downstreamFor(req *httpmsg.Request) (string, []byte) {
	if s.downstreamHost != "" {
		return httpmsg.HostPort(s.downstreamHost, s.downstreamPort), req.Bytes()
	}
	host := req.Host()
	if host == "" {
		host = "localhost"
	}
	return httpmsg.HostPort(host, req.Port()), req.BytesNoHost()
}

// dial opens a downstream connection and starts its pump.
func (x *exchange) dial(ctx context.Context, addr string, onBytes func(int)) (*pump.Pump, error) {
	s := x.server
	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if total, suppressed, ok := s.dialFailures.Inc(); ok {
			x.log.Warn().Err(err).Str("downstream", addr).Uint64("total", total).Uint64("suppressed", suppressed).Msg("Downstream dial failed")
		}
		return nil, fmt.Errorf("dial downstream %s: %w", addr, err)
	}
	p := pump.Start(conn, pump.Options{ReadTimeout: s.opts.ReadTimeout, Label: "downstream", OnBytes: onBytes})
	x.down = p
	return p, nil
}

// passThrough forwards the rewritten request and relays the response to the
// client as it arrives.
func (x *exchange) passThrough(out *httpmsg.Request) error {
	s := x.server
	addr, payload := s.downstreamFor(out)
	down, err := x.dial(s.baseCtx, addr, func(n int) {
		metrics.ProxiedBytes.Add(float64(n))
		s.opts.Stats.AddProxiedBytes(n)
	})
	if err != nil {
		return err
	}
	if _, err := down.Write(payload); err != nil {
		return fmt.Errorf("write downstream request: %w", err)
	}

	resp, err := httpmsg.ReadResponse(bufio.NewReader(down), x.client)
	x.outcome = outcomeProxy
	if resp.IsNull() {
		if err != nil {
			return fmt.Errorf("relay response from %s: %w", addr, err)
		}
		return fmt.Errorf("relay response from %s: %w", addr, resp.NullReason())
	}
	x.record.Status = resp.StatusCode()
	x.record.Bytes = resp.ContentLength()
	x.log.Debug().Str("downstream", addr).Int("status", resp.StatusCode()).Str("size", humanize.Bytes(uint64(resp.ContentLength()))).Bool("truncated", resp.Truncated()).Msg("Relayed response")
	if err != nil {
		return fmt.Errorf("relay response from %s: %w", addr, err)
	}
	return nil
}

// syncChannelName is the part of an /updatetime target before the munge.
// ok is false when the target carries no munge; such a fetch does not name
// a sync channel.
func syncChannelName(rest string) (name string, ok bool) {
	if idx := strings.IndexAny(rest, "?@"); idx >= 0 {
		return rest[:idx], true
	}
	return rest, false
}

// handleUpdateTime fetches an absolute time from a channel and installs it
// in the session. A target with a munge names the sync channel before the
// fetch is tried. Any failure leaves the time unchanged; the client still
// gets the current munge body.
func (x *exchange) handleUpdateTime(req *httpmsg.Request) error {
	s := x.server
	rest := strings.TrimPrefix(req.Path(), updateTimePrefix)
	if name, ok := syncChannelName(rest); ok {
		s.opts.Store.SetSyncChannel(name)
	}

	update := munge.Update{}
	if t, err := x.fetchTime(req, rest); err != nil {
		metrics.SyncFetches.WithLabelValues("error").Inc()
		s.opts.Stats.IncrementSyncFailures()
		x.log.Warn().Err(err).Str("channel", rest).Msg("Error setting time from sync channel; time not set")
	} else {
		metrics.SyncFetches.WithLabelValues("ok").Inc()
		x.log.Debug().Str("channel", rest).Float64("time", t).Msg("Update time from sync channel")
		update.Time = munge.Float(t)
	}

	// Down socket is closed before the reply so the fetch never outlives it.
	if x.down != nil {
		_ = x.down.Close()
		x.down = nil
	}
	st := s.opts.Store.Update(x.identity, update)
	x.state = stateSynthesizing
	return x.send(mungeReply(x.mungeBody(st)), outcomeSynthetic)
}

// fetchTime issues GET http://<rest> and parses the whole body as seconds.
// The fetch timeout closes the downstream socket, which unblocks any read.
func (x *exchange) fetchTime(req *httpmsg.Request, rest string) (float64, error) {
	s := x.server
	target, err := req.WithPath("http://" + rest)
	if err != nil {
		return 0, fmt.Errorf("build time request: %w", err)
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, s.opts.FetchTimeout)
	defer cancel()

	addr := httpmsg.HostPort(target.Host(), target.Port())
	down, err := x.dial(ctx, addr, nil)
	if err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() { _ = down.Conn().Close() })
	defer stop()

	if _, err := down.Write(target.BytesNoHost()); err != nil {
		return 0, fmt.Errorf("write time request: %w", err)
	}
	resp, err := httpmsg.ReadResponse(bufio.NewReader(down), nil)
	if ctx.Err() != nil {
		return 0, fmt.Errorf("fetch time from %s: %w", addr, ctx.Err())
	}
	if err != nil {
		return 0, fmt.Errorf("read time response: %w", err)
	}
	if resp.IsNull() {
		return 0, fmt.Errorf("read time response: %w", resp.NullReason())
	}
	text := strings.TrimSpace(string(resp.Content()))
	t, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("parse time %q: %w", text, errors.Unwrap(err))
	}
	return t, nil
}
