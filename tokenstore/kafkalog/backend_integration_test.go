//go:build integration

package kafkalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Aarnav2440/extension-kafka/event"
	source "github.com/Aarnav2440/extension-kafka/source/kafka"
	"github.com/Aarnav2440/extension-kafka/tokenstore"

	"github.com/stretchr/testify/require"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func startKafka(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	kc, err := kafkaContainer.Run(ctx, "confluentinc/cp-kafka:7.5.0", kafkaContainer.WithClusterID("test-cluster"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kc.Terminate(context.Background()) })

	brokers, err := kc.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}

func openStore(t *testing.T, brokers []string, topic string) *tokenstore.Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	b, err := Open(ctx, Config{Conn: source.ConnConfig{Brokers: brokers, Version: "3.5.0"}, Topic: topic})
	require.NoError(t, err)
	s, err := tokenstore.New(b, tokenstore.Config{ClaimTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKafkaLog_ClaimAcrossInstances(t *testing.T) {
	brokers := startKafka(t)
	topic := fmt.Sprintf("tokens-%d", time.Now().UnixNano())
	a := openStore(t, brokers, topic)
	b := openStore(t, brokers, topic)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		winners []string
		mu      sync.Mutex
	)
	for _, inst := range []struct {
		s     *tokenstore.Store
		owner string
	}{{a, "owner-A"}, {b, "owner-B"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inst.s.FetchToken(ctx, "relay/0", inst.owner)
			if err == nil {
				mu.Lock()
				winners = append(winners, inst.owner)
				mu.Unlock()
				return
			}
			if !errors.Is(err, tokenstore.ErrUnableToClaim) {
				t.Errorf("%s: %v", inst.owner, err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, winners, 1)

	winner, loser := a, b
	winnerID, loserID := "owner-A", "owner-B"
	if winners[0] == "owner-B" {
		winner, loser = b, a
		winnerID, loserID = "owner-B", "owner-A"
	}

	p := event.Partition{Topic: "orders", ID: 0}
	token := event.NewToken(event.Position{Partition: p, Offset: 41})
	require.NoError(t, winner.StoreToken(ctx, "relay/0", winnerID, token))
	require.ErrorIs(t, loser.StoreToken(ctx, "relay/0", loserID, token), tokenstore.ErrUnableToClaim)

	require.NoError(t, winner.ReleaseClaim(ctx, "relay/0", winnerID))
	got, err := loser.FetchToken(ctx, "relay/0", loserID)
	require.NoError(t, err)
	require.True(t, got.Covers(token), "token %s", got)
}

func TestKafkaLog_ReopenReplaysTokens(t *testing.T) {
	brokers := startKafka(t)
	topic := fmt.Sprintf("tokens-%d", time.Now().UnixNano())
	ctx := context.Background()

	first := openStore(t, brokers, topic)
	require.NoError(t, first.InitializeSegments(ctx, "relay", 2, event.TrackingToken{}))
	_, err := first.FetchToken(ctx, "relay/1", "owner-A")
	require.NoError(t, err)
	p := event.Partition{Topic: "orders", ID: 1}
	require.NoError(t, first.StoreToken(ctx, "relay/1", "owner-A", event.NewToken(event.Position{Partition: p, Offset: 7})))
	require.NoError(t, first.ReleaseClaim(ctx, "relay/1", "owner-A"))

	second := openStore(t, brokers, topic)
	ids, err := second.Segments(ctx, "relay")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, ids)
	got, err := second.FetchToken(ctx, "relay/1", "owner-B")
	require.NoError(t, err)
	off, ok := got.Offset(p)
	require.True(t, ok)
	require.EqualValues(t, 7, off)
}
