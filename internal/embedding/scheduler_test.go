package embedding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/po-intake/internal/model"
	"github.com/sells-group/po-intake/pkg/embeddings"
)

func TestSchedulerEmbedsBacklogOverTicks(t *testing.T) {
	st := newFakeStore()
	for i := 0; i < 6; i++ {
		st.add(model.KindCustomer, fmt.Sprintf("cust-%d", i), fmt.Sprintf("Customer %d", i))
	}
	m := NewMaintainer(st, &embeddings.MockEmbedder{}, nil, MaintainerConfig{BatchSize: 10})
	s := NewScheduler(m, 3, 10*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		n, err := st.CountEmbedded(context.Background(), model.KindCustomer)
		return err == nil && n == 6
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	st := newFakeStore()
	m := NewMaintainer(st, &embeddings.MockEmbedder{}, nil, MaintainerConfig{})
	// Interval far beyond the test window, so only the immediate pass of a
	// loop ever fires. One loop touches the store once per entity kind; a
	// second loop would double that.
	s := NewScheduler(m, 10, time.Hour)

	s.Start(context.Background())
	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.Running())

	wantCalls := len(model.AllKinds)
	require.Eventually(t, func() bool {
		return st.listCallCount() == wantCalls
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, wantCalls, st.listCallCount())

	s.Stop()
	assert.False(t, s.Running())
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	st := newFakeStore()
	m := NewMaintainer(st, &embeddings.MockEmbedder{}, nil, MaintainerConfig{})
	s := NewScheduler(m, 10, 50*time.Millisecond)

	// Stop before start is a no-op.
	s.Stop()

	s.Start(context.Background())
	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
}

func TestSchedulerRestartsAfterStop(t *testing.T) {
	st := newFakeStore()
	st.add(model.KindItem, "item-1", "Hex Bolt")
	m := NewMaintainer(st, &embeddings.MockEmbedder{}, nil, MaintainerConfig{})
	s := NewScheduler(m, 10, 10*time.Millisecond)

	s.Start(context.Background())
	s.Stop()

	s.Start(context.Background())
	defer s.Stop()
	assert.True(t, s.Running())

	require.Eventually(t, func() bool {
		n, err := st.CountEmbedded(context.Background(), model.KindItem)
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond)
}
