package handler

import (
	"fmt"
	"net/http"

	"github.com/tensorhub/tensorhub/internal/metrics"
)

// MetricsHandler exposes in-memory metrics.
type MetricsHandler struct {
	snapshotter metrics.Snapshotter
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(snapshotter metrics.Snapshotter) *MetricsHandler {
	return &MetricsHandler{snapshotter: snapshotter}
}

// Metrics returns metrics in Prometheus exposition format.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.snapshotter == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	snap := h.snapshotter.Snapshot()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeMetric(w, "tensorhub_sessions_resolved_total{outcome=\"user\"} %d\n", snap.SessionsResolvedUser)
	writeMetric(w, "tensorhub_sessions_resolved_total{outcome=\"anonymous\"} %d\n", snap.SessionsResolvedAnonymous)
	writeMetric(w, "tensorhub_sessions_resolved_total{outcome=\"error\"} %d\n", snap.SessionsResolvedError)
	writeMetric(w, "tensorhub_session_resolve_duration_seconds_count %d\n", snap.SessionResolveCount)
	writeMetric(w, "tensorhub_session_resolve_duration_seconds_sum %.6f\n", float64(snap.SessionResolveTotalNs)/1e9)

	writeMetric(w, "tensorhub_users_provisioned_total %d\n", snap.UsersProvisioned)

	writeMetric(w, "tensorhub_api_keys_validated_total{outcome=\"valid\"} %d\n", snap.APIKeysValidatedValid)
	writeMetric(w, "tensorhub_api_keys_validated_total{outcome=\"invalid\"} %d\n", snap.APIKeysValidatedInvalid)

	writeMetric(w, "tensorhub_api_keys_created_total %d\n", snap.APIKeysCreated)
	writeMetric(w, "tensorhub_api_keys_revoked_total %d\n", snap.APIKeysRevoked)
	writeMetric(w, "tensorhub_api_keys_deleted_total %d\n", snap.APIKeysDeleted)
	writeMetric(w, "tensorhub_api_keys_rotated_total %d\n", snap.APIKeysRotated)
	writeMetric(w, "tensorhub_api_key_usage_updates_dropped_total %d\n", snap.APIKeyUsageUpdatesDropped)
}

func writeMetric(w http.ResponseWriter, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
