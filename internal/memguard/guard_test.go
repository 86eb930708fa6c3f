package memguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func guardWithHeap(softMB, hardMB int, heapMB float64) *Guard {
	g := New(softMB, hardMB)
	g.readHeapMB = func() float64 { return heapMB }
	return g
}

func TestCheckPressure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		heapMB       float64
		wantOK       bool
		wantPressure bool
		wantCritical bool
	}{
		{"comfortable", 300, true, false, false},
		{"just under soft", 699, true, false, false},
		{"at soft", 700, false, true, false},
		{"between thresholds", 750, false, true, false},
		{"at hard", 900, false, true, true},
		{"over hard", 950, false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := guardWithHeap(700, 900, tt.heapMB)
			p := g.CheckPressure()
			assert.Equal(t, tt.wantOK, p.OK)
			assert.Equal(t, tt.wantPressure, p.Pressure)
			assert.Equal(t, tt.wantCritical, p.Critical)
			assert.InDelta(t, tt.heapMB, p.HeapMB, 0.001)
		})
	}
}

func TestRecommendedBatchSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		heapMB  float64
		current int
		want    int
	}{
		{"critical quarters", 950, 100, 25},
		{"critical floor", 950, 20, 10},
		{"pressure halves", 750, 100, 50},
		{"pressure floor", 750, 12, 10},
		{"comfortable grows", 300, 100, 110}, // soft*0.6 = 420
		{"growth capped", 300, 195, 200},
		{"middling unchanged", 500, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := guardWithHeap(700, 900, tt.heapMB)
			assert.Equal(t, tt.want, g.RecommendedBatchSize(tt.current))
		})
	}
}

func TestShouldPauseRateLimited(t *testing.T) {
	t.Parallel()

	g := guardWithHeap(700, 900, 950)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g.nowFunc = func() time.Time { return now }

	// First call does a real check: critical heap, so pause.
	assert.True(t, g.ShouldPause())

	// Within the interval the check is skipped regardless of heap.
	now = now.Add(500 * time.Millisecond)
	assert.False(t, g.ShouldPause())
	now = now.Add(1 * time.Second)
	assert.False(t, g.ShouldPause())

	// After the interval elapses a real check runs again.
	now = now.Add(2 * time.Second)
	assert.True(t, g.ShouldPause())
}

func TestShouldPauseHealthyHeap(t *testing.T) {
	t.Parallel()

	g := guardWithHeap(700, 900, 200)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g.nowFunc = func() time.Time { return now }

	assert.False(t, g.ShouldPause())
	now = now.Add(3 * time.Second)
	assert.False(t, g.ShouldPause())
}
