// Package supervisor runs the long-lived services of the backend under a
// suture tree so a crashed poller or listener is restarted with backoff
// instead of taking the process down.
//
//	aquacua (root)
//	├── stream-layer   reading poller
//	└── api-layer      HTTP server (REST + websocket gateway)
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

type Tree struct {
	root   *suture.Supervisor
	stream *suture.Supervisor
	api    *suture.Supervisor
}

func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	defaults := DefaultTreeConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay <= 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff <= 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = (&sutureslog.Handler{Logger: logger}).MustHook()

	root := suture.New("aquacua", rootSpec)
	stream := suture.New("stream-layer", childSpec)
	api := suture.New("api-layer", childSpec)
	root.Add(stream)
	root.Add(api)

	return &Tree{root: root, stream: stream, api: api}
}

func (tree *Tree) AddStreamService(service suture.Service) suture.ServiceToken {
	return tree.stream.Add(service)
}

func (tree *Tree) AddAPIService(service suture.Service) suture.ServiceToken {
	return tree.api.Add(service)
}

// Serve blocks until ctx is cancelled and every service has stopped or the
// shutdown timeout elapsed.
func (tree *Tree) Serve(ctx context.Context) error {
	return tree.root.Serve(ctx)
}

func (tree *Tree) ServeBackground(ctx context.Context) <-chan error {
	return tree.root.ServeBackground(ctx)
}

func (tree *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return tree.root.UnstoppedServiceReport()
}
