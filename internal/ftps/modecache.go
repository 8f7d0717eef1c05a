package ftps

import (
	"sync"
)

const (
	// ModeProtected re-wraps the data channel in TLS, reusing the control
	// connection's session.
	ModeProtected = "P"
	// ModeClear leaves the data channel unencrypted, required by model
	// families with a data-channel TLS bug.
	ModeClear = "C"
)

// ModeCache remembers which data-channel protection mode last worked for
// each device address. A cold cache only costs one extra probe; the cache
// is an optimization, never a correctness requirement.
type ModeCache struct {
	mu    sync.Mutex
	modes map[string]string
}

func NewModeCache() *ModeCache {
	return &ModeCache{
		modes: make(map[string]string),
	}
}

// Get returns the confirmed mode for addr, or "" when no operation has
// succeeded against it yet.
func (c *ModeCache) Get(addr string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modes[addr]
}

// Confirm records mode as known-working for addr.
func (c *ModeCache) Confirm(addr, mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes[addr] = mode
}

// Forget drops the cached mode for addr.
func (c *ModeCache) Forget(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.modes, addr)
}
