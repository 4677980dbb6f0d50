package features

import "sync"

// Flag names used by the marketplace engine.
const (
	// FlagCacheEnabled gates the read cache for history and search results.
	FlagCacheEnabled = "cache_enabled"
	// FlagEventHooksEnabled gates publishing of domain events.
	FlagEventHooksEnabled = "event_hooks_enabled"
	// FlagStrictStockContracts makes double release/commit of a reservation panic.
	FlagStrictStockContracts = "strict_stock_contracts"
)

// Flag is a named on/off switch.
type Flag struct {
	Name        string
	Enabled     bool
	Description string
}

// Manager holds runtime feature flags. Unknown flags read as disabled.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

// NewManager creates an empty flag manager.
func NewManager() *Manager {
	return &Manager{flags: make(map[string]*Flag)}
}

// Register adds a flag with its initial state.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[name] = &Flag{Name: name, Enabled: enabled, Description: description}
}

// IsEnabled reports whether a flag is on. Missing flags are off.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	flag, ok := m.flags[name]
	return ok && flag.Enabled
}

// Set flips a registered flag.
func (m *Manager) Set(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if flag, ok := m.flags[name]; ok {
		flag.Enabled = enabled
	}
}

// All returns a copy of every flag, for the admin surface.
func (m *Manager) All() []Flag {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Flag, 0, len(m.flags))
	for _, f := range m.flags {
		out = append(out, *f)
	}
	return out
}
