package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Aarnav2440/extension-kafka/event"
	"github.com/Aarnav2440/extension-kafka/sink"
)

func rec(key string) event.Record {
	return event.Record{Topic: "orders", Key: []byte(key), Value: []byte(`{}`)}
}

func TestTx_PrintsOnlyOnCommit(t *testing.T) {
	var out bytes.Buffer
	ch, err := sink.NewChannel("stdout", sink.ChannelConfig{Out: &out, TransactionalIDPrefix: "tx"})
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	defer ch.Close()
	if !ch.Mode().IsTransactional() {
		t.Fatalf("mode = %q, want transactional", ch.Mode())
	}
	ctx := context.Background()

	aborted, _ := ch.Begin(ctx)
	_ = aborted.Send(ctx, rec("a-1"))
	if err := aborted.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	tx, _ := ch.Begin(ctx)
	_ = tx.Send(ctx, rec("b-1"))
	if out.Len() != 0 {
		t.Fatalf("printed before commit: %q", out.String())
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Commit(ctx); !errors.Is(err, sink.ErrTxDone) {
		t.Fatalf("second commit: %v", err)
	}

	got := out.String()
	if strings.Contains(got, "a-1") || !strings.Contains(got, "orders key=b-1") {
		t.Fatalf("output = %q", got)
	}
}

func TestSend_AfterClose(t *testing.T) {
	var out bytes.Buffer
	ch := New(sink.ChannelConfig{Out: &out})
	if _, err := ch.Begin(context.Background()); !errors.Is(err, sink.ErrNotTransactional) {
		t.Fatalf("Begin: %v", err)
	}
	_ = ch.Close()
	if err := ch.Send(context.Background(), []event.Record{rec("x")}); !errors.Is(err, sink.ErrClosed) {
		t.Fatalf("Send after close: %v", err)
	}
}
