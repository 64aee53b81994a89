package server

import (
	"sync"
	"time"

	"github.com/CK6170/loadstone-relay/serial"
)

// portCacheTTL bounds how stale /api/ports may be. Enumeration walks USB
// descriptors and is slow on some hosts, and the front-end polls it.
const portCacheTTL = 2 * time.Second

// PortCache memoizes the serial port list for a short time.
type PortCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	at    time.Time
	ports []serial.PortInfo
	list  func() []serial.PortInfo
	now   func() time.Time
}

func NewPortCache(ttl time.Duration, list func() []serial.PortInfo) *PortCache {
	if list == nil {
		list = serial.ListPorts
	}
	return &PortCache{ttl: ttl, list: list, now: time.Now}
}

// Get returns the cached list, refreshing it once it is older than the TTL.
func (pc *PortCache) Get() []serial.PortInfo {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	now := pc.now()
	if pc.ports == nil || now.Sub(pc.at) >= pc.ttl {
		pc.ports = pc.list()
		if pc.ports == nil {
			pc.ports = []serial.PortInfo{}
		}
		pc.at = now
	}
	return pc.ports
}

// Invalidate forces the next Get to enumerate again.
func (pc *PortCache) Invalidate() {
	pc.mu.Lock()
	pc.ports = nil
	pc.mu.Unlock()
}
