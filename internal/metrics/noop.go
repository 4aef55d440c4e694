package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// IncSessionResolved is a no-op.
func (n *NoopRecorder) IncSessionResolved(outcome string) {}

// ObserveSessionResolveDuration is a no-op.
func (n *NoopRecorder) ObserveSessionResolveDuration(duration time.Duration) {}

// IncUserProvisioned is a no-op.
func (n *NoopRecorder) IncUserProvisioned() {}

// IncAPIKeyValidated is a no-op.
func (n *NoopRecorder) IncAPIKeyValidated(outcome string) {}

// IncAPIKeyCreated is a no-op.
func (n *NoopRecorder) IncAPIKeyCreated() {}

// IncAPIKeyRevoked is a no-op.
func (n *NoopRecorder) IncAPIKeyRevoked() {}

// IncAPIKeyDeleted is a no-op.
func (n *NoopRecorder) IncAPIKeyDeleted() {}

// IncAPIKeyRotated is a no-op.
func (n *NoopRecorder) IncAPIKeyRotated() {}

// IncAPIKeyUsageDropped is a no-op.
func (n *NoopRecorder) IncAPIKeyUsageDropped() {}
