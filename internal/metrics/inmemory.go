package metrics

import (
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	SessionsResolvedUser      uint64
	SessionsResolvedAnonymous uint64
	SessionsResolvedError     uint64
	SessionResolveCount       uint64
	SessionResolveTotalNs     int64
	UsersProvisioned          uint64
	APIKeysValidatedValid     uint64
	APIKeysValidatedInvalid   uint64
	APIKeysCreated            uint64
	APIKeysRevoked            uint64
	APIKeysDeleted            uint64
	APIKeysRotated            uint64
	APIKeyUsageUpdatesDropped uint64
}

// InMemoryRecorder stores metrics in memory. It backs the /metrics endpoint
// and is used directly by tests.
type InMemoryRecorder struct {
	sessionsUser      uint64
	sessionsAnonymous uint64
	sessionsError     uint64
	resolveCount      uint64
	resolveTotalNs    int64
	usersProvisioned  uint64
	keysValid         uint64
	keysInvalid       uint64
	keysCreated       uint64
	keysRevoked       uint64
	keysDeleted       uint64
	keysRotated       uint64
	usageDropped      uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	return Snapshot{
		SessionsResolvedUser:      atomic.LoadUint64(&m.sessionsUser),
		SessionsResolvedAnonymous: atomic.LoadUint64(&m.sessionsAnonymous),
		SessionsResolvedError:     atomic.LoadUint64(&m.sessionsError),
		SessionResolveCount:       atomic.LoadUint64(&m.resolveCount),
		SessionResolveTotalNs:     atomic.LoadInt64(&m.resolveTotalNs),
		UsersProvisioned:          atomic.LoadUint64(&m.usersProvisioned),
		APIKeysValidatedValid:     atomic.LoadUint64(&m.keysValid),
		APIKeysValidatedInvalid:   atomic.LoadUint64(&m.keysInvalid),
		APIKeysCreated:            atomic.LoadUint64(&m.keysCreated),
		APIKeysRevoked:            atomic.LoadUint64(&m.keysRevoked),
		APIKeysDeleted:            atomic.LoadUint64(&m.keysDeleted),
		APIKeysRotated:            atomic.LoadUint64(&m.keysRotated),
		APIKeyUsageUpdatesDropped: atomic.LoadUint64(&m.usageDropped),
	}
}

// IncSessionResolved increments the counter for the given outcome.
// Unknown outcomes are ignored.
func (m *InMemoryRecorder) IncSessionResolved(outcome string) {
	switch outcome {
	case OutcomeUser:
		atomic.AddUint64(&m.sessionsUser, 1)
	case OutcomeAnonymous:
		atomic.AddUint64(&m.sessionsAnonymous, 1)
	case OutcomeError:
		atomic.AddUint64(&m.sessionsError, 1)
	}
}

// ObserveSessionResolveDuration records how long a resolution took.
func (m *InMemoryRecorder) ObserveSessionResolveDuration(duration time.Duration) {
	atomic.AddUint64(&m.resolveCount, 1)
	atomic.AddInt64(&m.resolveTotalNs, duration.Nanoseconds())
}

// IncUserProvisioned increments the first-sight user counter.
func (m *InMemoryRecorder) IncUserProvisioned() {
	atomic.AddUint64(&m.usersProvisioned, 1)
}

// IncAPIKeyValidated increments the validation counter for the given outcome.
func (m *InMemoryRecorder) IncAPIKeyValidated(outcome string) {
	switch outcome {
	case OutcomeValid:
		atomic.AddUint64(&m.keysValid, 1)
	case OutcomeInvalid:
		atomic.AddUint64(&m.keysInvalid, 1)
	}
}

// IncAPIKeyCreated increments key created counter.
func (m *InMemoryRecorder) IncAPIKeyCreated() {
	atomic.AddUint64(&m.keysCreated, 1)
}

// IncAPIKeyRevoked increments key revoked counter.
func (m *InMemoryRecorder) IncAPIKeyRevoked() {
	atomic.AddUint64(&m.keysRevoked, 1)
}

// IncAPIKeyDeleted increments key deleted counter.
func (m *InMemoryRecorder) IncAPIKeyDeleted() {
	atomic.AddUint64(&m.keysDeleted, 1)
}

// IncAPIKeyRotated increments key rotated counter.
func (m *InMemoryRecorder) IncAPIKeyRotated() {
	atomic.AddUint64(&m.keysRotated, 1)
}

// IncAPIKeyUsageDropped counts usage updates that failed to persist.
func (m *InMemoryRecorder) IncAPIKeyUsageDropped() {
	atomic.AddUint64(&m.usageDropped, 1)
}
