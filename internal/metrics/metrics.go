// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Outcome labels shared by the recorder methods.
const (
	OutcomeUser      = "user"
	OutcomeAnonymous = "anonymous"
	OutcomeError     = "error"
	OutcomeValid     = "valid"
	OutcomeInvalid   = "invalid"
)

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus, StatsD, etc.
type Recorder interface {
	// Session resolution metrics
	IncSessionResolved(outcome string) // outcome: "user", "anonymous" or "error"
	ObserveSessionResolveDuration(duration time.Duration)
	IncUserProvisioned()

	// API key metrics
	IncAPIKeyValidated(outcome string) // outcome: "valid" or "invalid"
	IncAPIKeyCreated()
	IncAPIKeyRevoked()
	IncAPIKeyDeleted()
	IncAPIKeyRotated()
	IncAPIKeyUsageDropped()
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
