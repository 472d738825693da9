// Package store keeps tool outcome statistics, strategy weights and
// execution history, in memory or in SQLite.
package store

import (
	"sort"
	"sync"
	"time"
)

// ToolStat summarizes the recorded outcomes of one tool.
type ToolStat struct {
	Tool         string        `json:"tool"`
	Attempts     int           `json:"attempts"`
	Successes    int           `json:"successes"`
	SuccessRate  float64       `json:"success_rate"`
	MeanDuration time.Duration `json:"mean_duration"`
}

type toolCounter struct {
	attempts  int
	successes int
	total     time.Duration
}

func (c toolCounter) stat(tool string) ToolStat {
	s := ToolStat{Tool: tool, Attempts: c.attempts, Successes: c.successes}
	if c.attempts > 0 {
		s.SuccessRate = float64(c.successes) / float64(c.attempts)
		s.MeanDuration = c.total / time.Duration(c.attempts)
	}
	return s
}

// MemoryStats is an in-process ToolStats.
type MemoryStats struct {
	mu    sync.RWMutex
	tools map[string]toolCounter
}

// NewMemoryStats creates an empty stats table.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{tools: make(map[string]toolCounter)}
}

// SuccessRate returns the observed success rate, or 0 for an unseen tool.
func (m *MemoryStats) SuccessRate(tool string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tools[tool].stat(tool).SuccessRate
}

// RecordOutcome adds one attempt outcome.
func (m *MemoryStats) RecordOutcome(tool string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.tools[tool]
	c.attempts++
	if success {
		c.successes++
	}
	c.total += duration
	m.tools[tool] = c
}

// Snapshot returns the stats of every tool seen, sorted by name.
func (m *MemoryStats) Snapshot() []ToolStat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ToolStat, 0, len(m.tools))
	for name, c := range m.tools {
		out = append(out, c.stat(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}
