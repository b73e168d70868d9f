package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"timedrive/gateway"
	"timedrive/logging"

	"github.com/thejerf/suture/v4"
)

// HTTPServer is the lifecycle subset of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService adapts ListenAndServe to suture's context-driven Serve.
// On cancellation it calls Shutdown bounded by shutdownTimeout.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService wraps server. A non-positive timeout means 10s.
func NewHTTPServerService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout, name: name}
}

// Serve implements suture.Service.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return h.name
}

// Gateway is the lifecycle subset of *gateway.Server.
type Gateway interface {
	Serve(ctx context.Context) error
}

// GatewayService supervises the client listener. Accept failures are
// restarted; a gateway stopped explicitly stays stopped.
type GatewayService struct {
	gw Gateway
}

// NewGatewayService wraps gw.
func NewGatewayService(gw Gateway) *GatewayService {
	return &GatewayService{gw: gw}
}

// Serve implements suture.Service.
func (g *GatewayService) Serve(ctx context.Context) error {
	err := g.gw.Serve(ctx)
	if errors.Is(err, gateway.ErrServerClosed) {
		return suture.ErrDoNotRestart
	}
	return err
}

func (g *GatewayService) String() string {
	return "gateway"
}

// TickerService calls fn every interval until cancelled. A panic in fn is
// left to suture, which logs it and restarts the ticker.
type TickerService struct {
	name     string
	interval time.Duration
	fn       func(time.Time)
}

// NewTickerService runs fn periodically. A non-positive interval means 1m.
func NewTickerService(name string, interval time.Duration, fn func(time.Time)) *TickerService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TickerService{name: name, interval: interval, fn: fn}
}

// Serve implements suture.Service.
func (s *TickerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log := logging.Component("supervisor")
	log.Debug().Str("service", s.name).Dur("interval", s.interval).Msg("Ticker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.fn(now)
		}
	}
}

func (s *TickerService) String() string {
	return s.name
}
