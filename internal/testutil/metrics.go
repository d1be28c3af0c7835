package testutil

import (
	"sync"

	"daysync/internal/daysync"
)

// CountingMetrics records event counts in memory.
type CountingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

var _ daysync.Metrics = (*CountingMetrics)(nil)

func NewCountingMetrics() *CountingMetrics {
	return &CountingMetrics{counts: make(map[string]int)}
}

func (m *CountingMetrics) Inc(component, event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[component+"/"+event]++
}

// Count returns how often component/event was recorded.
func (m *CountingMetrics) Count(component, event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[component+"/"+event]
}
