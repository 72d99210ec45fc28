package metrics

import "sync"

// Counter names used across the router. Names are intentionally simple; a
// follow-up metrics task can standardize and export these via Prometheus/OTel
// with richer labels.
const (
	Registrations      = "registrations"
	DuplicateRegisters = "duplicate_registers"
	Deregistrations    = "deregistrations"
	LocalDeliveries    = "local_deliveries"
	Forwards           = "forwards"
	ForwardDeliveries  = "forward_deliveries"
	UnknownRecipients  = "unknown_recipients"
	Broadcasts         = "broadcasts"
	GroupRegisters     = "group_registers"
	ChannelDrops       = "channel_drops"
	SendFailures       = "send_failures"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep routing logic testable and to provide drop counters
// without binding the core to a metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
