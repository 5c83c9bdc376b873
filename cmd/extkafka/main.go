// Command extkafka runs an event processor over Kafka topics with claimed
// segments and stored tracking tokens.
//
// Usage:
//
//	extkafka run    --config extkafka.yml
//	extkafka health --addr 127.0.0.1:7070
//	extkafka config --config extkafka.yml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/Aarnav2440/extension-kafka/internal/engine"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/internal/pipeline"
	"github.com/Aarnav2440/extension-kafka/internal/transport"
	"github.com/Aarnav2440/extension-kafka/sink"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

var Version = "0.1.0-dev"

func main() {
	logging.InitFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func app() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration; EXTKAFKA__* variables override it",
		Value:   "extkafka.yml",
	}
	return &cli.Command{
		Name:    "extkafka",
		Usage:   "ordered Kafka event processing with claimed segments",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "consume the configured topics until interrupted",
				Flags:  []cli.Flag{configFlag},
				Action: runAction,
			},
			{
				Name:  "health",
				Usage: "query the health endpoint of a running processor",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: "127.0.0.1:7070", Usage: "health listener"},
					&cli.StringFlag{Name: "service", Value: transport.ProcessorService, Usage: "service name; empty for the process"},
					&cli.DurationFlag{Name: "timeout", Value: 3 * time.Second},
				},
				Action: healthAction,
			},
			{
				Name:   "config",
				Usage:  "print the effective configuration with secrets redacted",
				Flags:  []cli.Flag{configFlag},
				Action: configAction,
			},
		},
	}
}

func load(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := load(cmd)
	if err != nil {
		return err
	}
	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return e.Run(ctx, relay(e.Relay()))
}

// relay republishes every event when a relay topic is configured and only
// logs it otherwise.
func relay(pub *sink.Publisher) pipeline.Handler {
	log := logging.L()
	if pub == nil {
		return func(_ context.Context, e event.Envelope) error {
			log.Info("event", "id", e.ID, "type", e.Type, "aggregate", e.AggregateID, "position", e.Position.String())
			return nil
		}
	}
	return func(ctx context.Context, e event.Envelope) error {
		return pub.Publish(ctx, nil, e)
	}
}

func healthAction(ctx context.Context, cmd *cli.Command) error {
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()
	status, err := transport.Check(ctx, cmd.String("addr"), cmd.String("service"))
	if err != nil {
		return err
	}
	fmt.Println(status.String())
	if status.String() != "SERVING" {
		return cli.Exit("", 2)
	}
	return nil
}

func configAction(_ context.Context, cmd *cli.Command) error {
	cfg, err := load(cmd)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
