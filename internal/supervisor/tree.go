// Package supervisor runs TimeDrive's long-lived services under a suture
// tree so a crashed service is restarted with backoff instead of taking the
// process down.
//
// Architecture:
//   - root: "timedrive"
//   - gateway layer: the client-facing listener
//   - ops layer: admin endpoint and stats reporter
//
// A failure in the ops layer never interrupts client traffic.
package supervisor

import (
	"context"
	"time"

	"timedrive/logging"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// TreeConfig holds restart policy for every supervisor in the tree.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64
	// FailureBackoff is the pause once the threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds how long a service may take to stop.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig mirrors suture's own defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the root supervisor plus its two layers.
type Tree struct {
	root    *suture.Supervisor
	gateway *suture.Supervisor
	ops     *suture.Supervisor
	config  TreeConfig
}

// NewTree builds the supervisor hierarchy. Zero fields take defaults.
func NewTree(config TreeConfig) *Tree {
	defaults := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	log := logging.Component("supervisor")
	rootSpec := suture.Spec{
		EventHook:        eventHook(log),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	// Children inherit the root's EventHook when added.
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("timedrive", rootSpec)
	gateway := suture.New("gateway-layer", childSpec)
	ops := suture.New("ops-layer", childSpec)
	root.Add(gateway)
	root.Add(ops)

	return &Tree{root: root, gateway: gateway, ops: ops, config: config}
}

func eventHook(log zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			log.Error().Fields(e.Map()).Msg(e.String())
		case suture.EventTypeBackoff:
			log.Warn().Fields(e.Map()).Msg(e.String())
		default:
			log.Info().Fields(e.Map()).Msg(e.String())
		}
	}
}

// Root exposes the root supervisor.
func (t *Tree) Root() *suture.Supervisor {
	return t.root
}

// AddGatewayService adds a service to the client-facing layer.
func (t *Tree) AddGatewayService(svc suture.Service) suture.ServiceToken {
	return t.gateway.Add(svc)
}

// AddOpsService adds a service to the operator layer.
func (t *Tree) AddOpsService(svc suture.Service) suture.ServiceToken {
	return t.ops.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine; the channel yields its result.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
