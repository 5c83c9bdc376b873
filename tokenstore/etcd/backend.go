// Package etcd stores claims in etcd, one key per segment. The key's
// ModRevision is the compare-and-swap version. Deleting a segment writes a
// tombstone record instead of removing the key, so the revision never
// returns to 0.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aarnav2440/extension-kafka/internal/config"
	"github.com/Aarnav2440/extension-kafka/internal/logging"
	"github.com/Aarnav2440/extension-kafka/tokenstore"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	Prefix      string
}

type Backend struct {
	client *clientv3.Client
	prefix string
	owned  bool
}

// Open connects to etcd. The returned backend closes the client.
func Open(cfg Config) (*Backend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: etcd endpoints required", config.ErrInvalid)
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	b := New(cli, cfg.Prefix)
	b.owned = true
	return b, nil
}

// New wraps an existing client, which stays owned by the caller.
func New(cli *clientv3.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "/extkafka/tokens/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Backend{client: cli, prefix: prefix}
}

func (b *Backend) key(segment string) string { return b.prefix + segment }

func (b *Backend) Load(ctx context.Context, segment string) (*tokenstore.Claim, uint64, error) {
	resp, err := b.client.Get(ctx, b.key(segment))
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	kv := resp.Kvs[0]
	rec, err := tokenstore.DecodeRecord(kv.Value)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd: %s: %w", kv.Key, err)
	}
	if rec.Deleted {
		return nil, uint64(kv.ModRevision), nil
	}
	return &rec.Claim, uint64(kv.ModRevision), nil
}

func (b *Backend) CompareAndSwap(ctx context.Context, segment string, version uint64, next *tokenstore.Claim) (bool, error) {
	key := b.key(segment)
	rec := tokenstore.Record{Deleted: next == nil}
	if next != nil {
		rec.Claim = *next
	}
	rec.Claim.Segment = segment
	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", int64(version))).
		Then(clientv3.OpPut(key, string(rec.Encode()))).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (b *Backend) List(ctx context.Context) ([]tokenstore.Claim, error) {
	resp, err := b.client.Get(ctx, b.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]tokenstore.Claim, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rec, err := tokenstore.DecodeRecord(kv.Value)
		if err != nil {
			logging.L().Error("etcd: skipping unreadable claim", "key", string(kv.Key), "err", err)
			continue
		}
		if !rec.Deleted {
			out = append(out, rec.Claim)
		}
	}
	return out, nil
}

func (b *Backend) Close() error {
	if !b.owned {
		return nil
	}
	if err := b.client.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
