package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "extkafka"

var (
	RecordsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Records handed to the ordered buffer, by topic.",
		},
		[]string{"topic"},
	)
	RecordsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Records dropped by the fetcher, by topic and reason.",
		},
		[]string{"topic", "reason"},
	)
	FetchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Failed poll attempts that were retried.",
		},
	)
	BufferDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_depth",
			Help:      "Envelopes waiting in a stream's ordered buffer.",
		},
		[]string{"segment"},
	)
	StalePartitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_partitions_total",
			Help:      "Partitions evicted from a buffer after exceeding the max skew.",
		},
		[]string{"topic"},
	)
	ClaimResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Token store claim operations, by operation and result.",
		},
		[]string{"op", "result"},
	)
	TokensStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_stored_total",
			Help:      "Tracking tokens persisted, by processor.",
		},
		[]string{"processor"},
	)
	PublishResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Published records, by confirmation mode and result.",
		},
		[]string{"mode", "result"},
	)
	EventsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_handled_total",
			Help:      "Events passed to the handler, by processor and result.",
		},
		[]string{"processor", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsFetched,
		RecordsSkipped,
		FetchRetries,
		BufferDepth,
		StalePartitions,
		ClaimResults,
		TokensStored,
		PublishResults,
		EventsHandled,
	)
}

// Expose serves /metrics on port until ctx ends.
func Expose(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
