// Package memguard samples process heap usage and advises batch sizing for
// bulk embedding work. It is purely advisory: no failure modes, no locking
// requirements on callers.
package memguard

import (
	"runtime"
	"sync"
	"time"
)

const (
	// MinBatch is the floor for any recommended batch size.
	MinBatch = 10
	// MaxBatch caps batch growth.
	MaxBatch = 200
	// growStep is how much a batch grows per call when memory is comfortable.
	growStep = 10
	// growBelowFraction of the soft threshold is the usage level under which
	// batches are allowed to grow.
	growBelowFraction = 0.6
	// checkInterval rate-limits ShouldPause so the expensive heap read does
	// not run on every loop iteration.
	checkInterval = 2 * time.Second
)

// Pressure is a point-in-time heap reading against the configured thresholds.
type Pressure struct {
	OK       bool    `json:"ok"`       // below soft threshold
	Pressure bool    `json:"pressure"` // at or above soft threshold
	Critical bool    `json:"critical"` // at or above hard threshold
	HeapMB   float64 `json:"heap_mb"`
}

// Guard recommends batch sizes from current heap usage.
type Guard struct {
	softMB float64
	hardMB float64

	mu        sync.Mutex
	lastCheck time.Time

	// injectable for tests
	readHeapMB func() float64
	nowFunc    func() time.Time
}

// New creates a Guard with soft and hard heap thresholds in megabytes.
func New(softMB, hardMB int) *Guard {
	return &Guard{
		softMB:     float64(softMB),
		hardMB:     float64(hardMB),
		readHeapMB: heapAllocMB,
		nowFunc:    time.Now,
	}
}

func heapAllocMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / 1024 / 1024
}

// CheckPressure samples the heap and classifies it against the thresholds.
func (g *Guard) CheckPressure() Pressure {
	heap := g.readHeapMB()
	p := Pressure{HeapMB: heap}
	switch {
	case heap >= g.hardMB:
		p.Critical = true
		p.Pressure = true
	case heap >= g.softMB:
		p.Pressure = true
	default:
		p.OK = true
	}
	return p
}

// RecommendedBatchSize adjusts the current batch size from heap pressure:
// quartered under critical pressure, halved under soft pressure, grown by
// growStep when usage sits below 60% of the soft threshold, otherwise
// unchanged. Never below MinBatch, never above MaxBatch.
func (g *Guard) RecommendedBatchSize(current int) int {
	p := g.CheckPressure()

	switch {
	case p.Critical:
		return max(MinBatch, current/4)
	case p.Pressure:
		return max(MinBatch, current/2)
	case p.HeapMB < g.softMB*growBelowFraction:
		if current+growStep > MaxBatch {
			return MaxBatch
		}
		return current + growStep
	default:
		return current
	}
}

// ShouldPause reports whether bulk work should yield. It performs a real
// heap check at most once per checkInterval; between checks it returns false
// so hot loops stay cheap.
func (g *Guard) ShouldPause() bool {
	g.mu.Lock()
	now := g.nowFunc()
	if now.Sub(g.lastCheck) < checkInterval {
		g.mu.Unlock()
		return false
	}
	g.lastCheck = now
	g.mu.Unlock()

	return g.CheckPressure().Critical
}
