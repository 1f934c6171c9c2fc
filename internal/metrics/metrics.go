// Package metrics provides Prometheus metrics for feedsync.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"feedsync/internal/apperrors"
)

var (
	// FeedUpdatesTotal counts per-feed update results.
	FeedUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "feed_updates_total",
			Help:      "Total number of feed updates",
		},
		[]string{"mode", "status"},
	)

	// FeedUpdateDuration measures full update passes.
	FeedUpdateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "feedsync",
			Name:      "feed_update_duration_seconds",
			Help:      "Duration of update passes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// SyncPushesTotal counts read-state pushes to the backend.
	SyncPushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "sync_pushes_total",
			Help:      "Total number of read-state pushes",
		},
		[]string{"status"},
	)

	// SyncBatchSize observes how many articles each push carried.
	SyncBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "feedsync",
			Name:      "sync_batch_size",
			Help:      "Distribution of articles per push",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// StoreWritesTotal counts row-affecting store writes.
	StoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "store_writes_total",
			Help:      "Total number of row-affecting store writes",
		},
		[]string{"table", "op"},
	)

	// RetentionDeletedTotal counts articles removed by retention.
	RetentionDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "retention_deleted_total",
			Help:      "Total number of articles deleted by retention",
		},
	)

	// ErrorsTotal counts errors by operation and taxonomy class.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordFeedUpdate records one feed's update outcome.
func RecordFeedUpdate(mode string, err error) {
	FeedUpdatesTotal.WithLabelValues(mode, status(err)).Inc()
	if err != nil {
		RecordError("update_feed", err)
	}
}

// RecordPush records a read-state push of n articles.
func RecordPush(n int, err error) {
	SyncPushesTotal.WithLabelValues(status(err)).Inc()
	SyncBatchSize.Observe(float64(n))
	if err != nil {
		RecordError("sync_push", err)
	}
}

// RecordStoreWrite matches store.WriteObserver.
func RecordStoreWrite(table, op string) {
	StoreWritesTotal.WithLabelValues(table, op).Inc()
}

// RecordError records err under its taxonomy class.
func RecordError(operation string, err error) {
	ErrorsTotal.WithLabelValues(operation, ErrorType(err)).Inc()
}

// ErrorType names the taxonomy class of err.
func ErrorType(err error) string {
	var (
		netErr     *apperrors.NetworkError
		dbErr      *apperrors.DatabaseError
		backendErr *apperrors.BackendError
	)
	switch {
	case errors.As(err, &netErr):
		return "network_" + string(netErr.Kind)
	case errors.As(err, &dbErr):
		return "database_" + string(dbErr.Code)
	case errors.As(err, &backendErr):
		return "backend_" + string(backendErr.Code)
	case errors.Is(err, apperrors.ErrNotConfigured):
		return "not_configured"
	}
	return "unknown"
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
