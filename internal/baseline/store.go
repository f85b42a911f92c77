package baseline

import (
	"sync"
)

// Store keeps the current baseline per (tenant, machine). Baselines are
// installed by pointer swap so concurrent readers never observe a
// partially updated set of statistics.
type Store struct {
	mu    sync.RWMutex
	stats map[string]*Stats
}

// NewStore constructs an empty baseline store.
func NewStore() *Store {
	return &Store{stats: make(map[string]*Stats)}
}

func key(tenantID, machineID string) string {
	return tenantID + "/" + machineID
}

// Get returns the current baseline for a machine, or nil when none has
// been computed yet. The returned value must be treated as read-only.
func (s *Store) Get(tenantID, machineID string) *Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[key(tenantID, machineID)]
}

// Replace installs a freshly computed baseline wholesale.
func (s *Store) Replace(stats *Stats) {
	if stats == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[key(stats.TenantID, stats.MachineID)] = stats
}

// Forget drops the baseline for a machine, e.g. on decommission.
func (s *Store) Forget(tenantID, machineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stats, key(tenantID, machineID))
}
