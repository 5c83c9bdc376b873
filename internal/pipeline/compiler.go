package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/sink"
	"github.com/Aarnav2440/extension-kafka/source/kafka"
	"github.com/Aarnav2440/extension-kafka/tokenstore"
	etcdstore "github.com/Aarnav2440/extension-kafka/tokenstore/etcd"
	"github.com/Aarnav2440/extension-kafka/tokenstore/kafkalog"

	// sink drivers register themselves
	_ "github.com/Aarnav2440/extension-kafka/sink/kafka"
	_ "github.com/Aarnav2440/extension-kafka/sink/stdout"
)

// Pipeline is everything one configuration builds. Runner is nil when no
// topics are consumed. Publisher is nil when neither a default topic nor a
// relay topic is configured; Relay shares its channel and always writes to
// the relay topic.
type Pipeline struct {
	Runner    *Runner
	Publisher *sink.Publisher
	Relay     *sink.Publisher
	Store     *tokenstore.Store

	closers []func() error
}

// Close releases the sink channel and the token store backend.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Compile validates cfg and builds the source, token store, publisher and
// runner it describes. Nothing is consumed until Runner.Run.
func Compile(ctx context.Context, cfg config.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conv, err := event.NewConverter(event.ConverterMode(cfg.Converter.Mode), event.NewJSONSerializer(), cfg.Converter.Source)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{}
	fail := func(err error) (*Pipeline, error) {
		_ = p.Close()
		return nil, err
	}

	if pub, ch, err := compilePublisher(cfg, conv); err != nil {
		return fail(fmt.Errorf("publisher: %w", err))
	} else if pub != nil {
		p.Publisher = pub
		p.closers = append(p.closers, ch.Close)
		if relay := cfg.Processor.RelayTopic; relay != "" {
			if p.Relay, err = sink.NewPublisher(sink.PublisherConfig{DefaultTopic: relay}, ch, conv); err != nil {
				return fail(err)
			}
		}
	}

	if len(cfg.Consumer.Topics) == 0 {
		logging.L().Info("pipeline: no topics configured; publish only")
		return p, nil
	}

	src, err := kafka.NewSource(sourceConfig(cfg), conv)
	if err != nil {
		return fail(fmt.Errorf("source: %w", err))
	}

	mode := Mode(cfg.Processor.Mode)
	if mode != ModeSubscribing {
		backend, err := openBackend(ctx, cfg)
		if err != nil {
			return fail(fmt.Errorf("token store: %w", err))
		}
		store, err := tokenstore.New(backend, tokenstore.Config{ClaimTimeout: cfg.TokenStore.ClaimTimeout})
		if err != nil {
			_ = backend.Close()
			return fail(err)
		}
		p.Store = store
		p.closers = append(p.closers, store.Close)
	}

	pc := cfg.Processor
	p.Runner, err = NewRunner(RunnerConfig{
		Name:              pc.Name,
		Mode:              mode,
		Owner:             pc.Owner,
		Segments:          pc.Segments,
		MaxInFlight:       pc.MaxInFlight,
		CommitInterval:    pc.CommitInterval,
		HeartbeatInterval: pc.HeartbeatInterval,
		ClaimBackoff:      pc.ClaimBackoff,
	}, src, p.Store)
	if err != nil {
		return fail(err)
	}
	return p, nil
}

func connConfig(kc config.KafkaConfig) kafka.ConnConfig {
	return kafka.ConnConfig{
		Brokers:    kc.Brokers,
		ClientID:   kc.ClientID,
		Version:    kc.Version,
		TLSEnabled: kc.TLSEn,
		SASLUser:   kc.SASLUser,
		SASLPass:   kc.SASLPass,
	}
}

func sourceConfig(cfg config.Config) kafka.SourceConfig {
	cc := cfg.Consumer
	sc := kafka.SourceConfig{
		Driver:          cfg.Kafka.Driver,
		Conn:            connConfig(cfg.Kafka),
		Topics:          cc.Topics,
		BufferSize:      cc.BufferSize,
		MaxPollRecords:  cc.MaxPollRecords,
		PollTimeout:     cc.PollTimeout,
		MaxSkew:         cc.MaxSkew,
		RefreshInterval: cc.RefreshInterval,
		StartFrom:       kafka.StartFrom(cc.StartFrom),
		DecodeFailure:   kafka.DecodePolicy(cc.DecodeFailure),
		Retry: kafka.RetryConfig{
			Attempts: cc.Retry.Attempts,
			Delay:    cc.Retry.Delay,
			MaxDelay: cc.Retry.MaxDelay,
		},
	}
	sc.ApplyDefaults()
	return sc
}

func compilePublisher(cfg config.Config, conv event.Converter) (*sink.Publisher, sink.Channel, error) {
	pc := cfg.Publisher
	topic := pc.DefaultTopic
	if topic == "" {
		topic = cfg.Processor.RelayTopic
	}
	if topic == "" {
		return nil, nil, nil
	}
	mode, err := sink.ParseConfirmationMode(pc.ConfirmationMode)
	if err != nil {
		return nil, nil, err
	}
	ch, err := sink.NewChannel(pc.Sink, sink.ChannelConfig{
		Conn:                  connConfig(cfg.Kafka),
		Mode:                  mode,
		TransactionalIDPrefix: pc.TransactionalIDPrefix,
		PoolSize:              pc.PoolSize,
		PrintCounter:          pc.PrintCounter,
	})
	if err != nil {
		return nil, nil, err
	}
	pub, err := sink.NewPublisher(sink.PublisherConfig{DefaultTopic: topic}, ch, conv)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return pub, ch, nil
}

func openBackend(ctx context.Context, cfg config.Config) (tokenstore.Backend, error) {
	ts := cfg.TokenStore
	switch ts.Backend {
	case "memory":
		logging.L().Warn("pipeline: in-memory token store; progress is lost on restart")
		return tokenstore.NewMemory(), nil
	case "kafka":
		cc := cfg.Consumer.Retry
		return kafkalog.Open(ctx, kafkalog.Config{
			Conn:              connConfig(cfg.Kafka),
			Topic:             ts.Topic,
			ReplicationFactor: ts.ReplicationFactor,
			CompactionLag:     ts.CompactionLag,
			Retry:             kafka.RetryConfig{Attempts: cc.Attempts, Delay: cc.Delay, MaxDelay: cc.MaxDelay},
		})
	case "etcd":
		return etcdstore.Open(etcdstore.Config{
			Endpoints:   ts.Etcd.Endpoints,
			Username:    ts.Etcd.Username,
			Password:    ts.Etcd.Password,
			DialTimeout: ts.Etcd.DialTimeout,
			Prefix:      ts.Etcd.Prefix,
		})
	}
	return nil, fmt.Errorf("%w: token store backend %q", config.ErrInvalid, ts.Backend)
}
