package gwserver

import (
	"net"
	"sync"

	"github.com/lora-gwmp/bridge/metrics"
)

// Tracker remembers the current upstream network address of the sole
// gateway this server instance is tracking. It is safe for concurrent use by
// many readers and rare writers.
type Tracker struct {
	mu   sync.RWMutex
	addr *net.UDPAddr
}

// NewTracker returns a Tracker in the "unknown gateway" state.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Set records addr as the current gateway address. The newest value always
// wins, covering the case where the gateway's ephemeral port changes.
func (t *Tracker) Set(addr *net.UDPAddr) {
	t.mu.Lock()
	t.addr = addr
	t.mu.Unlock()
	known := 0.0
	if addr != nil {
		known = 1
	}
	metrics.TrackedGatewayKnown.Set(known)
}

// Get returns the current gateway address, or nil if none has been observed
// yet.
func (t *Tracker) Get() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr
}

// Known reports whether a gateway address has been observed.
func (t *Tracker) Known() bool {
	return t.Get() != nil
}
