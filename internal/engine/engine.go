package engine

import (
	"context"
	"errors"
	"time"

	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/internal/pipeline"
	"github.com/Aarnav2440/extension-kafka/internal/telemetry"
	"github.com/Aarnav2440/extension-kafka/internal/transport"
	"github.com/Aarnav2440/extension-kafka/sink"

	"golang.org/x/sync/errgroup"
)

// healthEvery is how often the processor health status follows the runner.
const healthEvery = time.Second

type Engine struct {
	cfg       config.Config
	pipeline  *pipeline.Pipeline
	transport *transport.Server
}

// Publisher is the configured write path, or nil when no topic to publish
// to is configured.
func (e *Engine) Publisher() *sink.Publisher { return e.pipeline.Publisher }

// Relay publishes to the configured relay topic, or is nil.
func (e *Engine) Relay() *sink.Publisher { return e.pipeline.Relay }

// HealthAddr is the bound health listener, or "" when disabled.
func (e *Engine) HealthAddr() string {
	if e.transport == nil {
		return ""
	}
	return e.transport.Addr()
}

// Run serves metrics and health and drives h until ctx ends or a component
// fails. The pipeline is closed on return.
func (e *Engine) Run(ctx context.Context, h pipeline.Handler) error {
	defer func() {
		if err := e.pipeline.Close(); err != nil {
			logging.L().Warn("engine: close pipeline", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if port := e.cfg.Telemetry.MetricsPort; port > 0 {
		g.Go(func() error { return telemetry.Expose(gctx, port) })
	}

	g.Go(func() error {
		<-gctx.Done()
		if e.transport != nil {
			e.transport.Stop()
		}
		return nil
	})
	if e.transport != nil {
		g.Go(e.transport.Serve)
		g.Go(func() error {
			e.reportHealth(gctx)
			return nil
		})
	}

	if r := e.pipeline.Runner; r != nil {
		g.Go(func() error { return r.Run(gctx, h) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reportHealth marks the process serving and the processor serving while
// it holds at least one open stream.
func (e *Engine) reportHealth(ctx context.Context) {
	e.transport.SetServing("", true)
	t := time.NewTicker(healthEvery)
	defer t.Stop()
	for {
		if r := e.pipeline.Runner; r != nil {
			e.transport.SetServing(transport.ProcessorService, r.Active() > 0)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
