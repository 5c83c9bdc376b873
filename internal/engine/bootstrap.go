package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/internal/pipeline"
	"github.com/Aarnav2440/extension-kafka/internal/transport"
)

// Bootstrap configures logging, builds the pipeline and binds the health
// listener. Nothing runs until Engine.Run.
func Bootstrap(ctx context.Context, cfg config.Config) (*Engine, error) {
	// 1. logging
	lc := cfg.Logging
	logging.Configure(logging.Options{
		Level:      lc.Level,
		JSON:       lc.JSON,
		File:       lc.File,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
	})
	logging.L().Info("engine: starting", slog.Any("config", cfg.Redacted()))

	// 2. pipeline
	p, err := pipeline.Compile(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	// 3. health
	var srv *transport.Server
	if addr := cfg.Telemetry.HealthAddr; addr != "" {
		srv, err = transport.StartServer(addr)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("transport: %w", err)
		}
	}

	return &Engine{
		cfg:       cfg,
		pipeline:  p,
		transport: srv,
	}, nil
}
