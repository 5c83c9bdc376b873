package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	source "github.com/Aarnav2440/extension-kafka/source/kafka"
)

var (
	// ErrPublish wraps every transport failure of a channel.
	ErrPublish = errors.New("sink: publish failed")
	// ErrNotTransactional is returned by Begin on a channel that is not in
	// transactional mode.
	ErrNotTransactional = errors.New("sink: channel is not transactional")
	// ErrTxDone is returned by any use of a committed or rolled back Tx.
	ErrTxDone = errors.New("sink: transaction already completed")
	ErrClosed = errors.New("sink: channel closed")
)

// Channel is a producer connection with a fixed confirmation mode.
type Channel interface {
	Mode() ConfirmationMode
	// Send publishes records with the channel's confirmation semantics. In
	// transactional mode the records form one transaction.
	Send(ctx context.Context, recs []event.Record) error
	// Begin starts a transaction. Only transactional channels support it.
	Begin(ctx context.Context) (Tx, error)
	Close() error // idempotent
}

// Tx is a broker transaction. Records sent in it become visible to
// read-committed consumers on Commit and never after Rollback.
type Tx interface {
	Send(ctx context.Context, rec event.Record) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ChannelConfig is shared by every driver; drivers ignore what they do not
// need.
type ChannelConfig struct {
	Conn                  source.ConnConfig
	Mode                  ConfirmationMode
	TransactionalIDPrefix string
	// PoolSize bounds concurrent transactions.
	PoolSize int
	// Out is where the stdout driver writes.
	Out          io.Writer
	PrintCounter bool
}

/*──────── registry ───────*/

type Factory func(ChannelConfig) (Channel, error)

var (
	regMu sync.RWMutex
	reg   = map[string]Factory{}
)

func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	reg[name] = f
}

// NewChannel resolves the confirmation mode and builds the named driver.
func NewChannel(name string, cfg ChannelConfig) (Channel, error) {
	regMu.RLock()
	f, ok := reg[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown sink %q", config.ErrInvalid, name)
	}
	mode, err := ResolveConfirmationMode(cfg.Mode, cfg.TransactionalIDPrefix, logging.L())
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	return f(cfg)
}
