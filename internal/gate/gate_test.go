package gate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/po-intake/internal/model"
)

func TestTryAcquire_SecondCallFails(t *testing.T) {
	t.Parallel()

	g := New()

	require.True(t, g.TryAcquire(Update{Step: "extracting", Email: "po@acme.com"}))
	assert.False(t, g.TryAcquire(Update{Step: "extracting"}))

	st := g.Status()
	assert.True(t, st.IsProcessing)
	assert.Equal(t, "extracting", st.CurrentStep)
	assert.Equal(t, "po@acme.com", st.CurrentEmail)
}

func TestTryAcquire_FailureDoesNotMutate(t *testing.T) {
	t.Parallel()

	g := New()
	require.True(t, g.TryAcquire(Update{Step: "matching", PO: "PO-1001"}))

	assert.False(t, g.TryAcquire(Update{Step: "other", PO: "PO-9999"}))

	st := g.Status()
	assert.Equal(t, "matching", st.CurrentStep)
	assert.Equal(t, "PO-1001", st.CurrentPO)
}

func TestUpdate_WithoutHoldFails(t *testing.T) {
	t.Parallel()

	g := New()
	err := g.Update(Update{Step: "matching"})
	require.ErrorIs(t, err, ErrNotHeld)
}

func TestUpdate_MergesFields(t *testing.T) {
	t.Parallel()

	g := New()
	require.True(t, g.TryAcquire(Update{Step: "extracting", PO: "PO-2002", ItemTotal: Int(12)}))

	require.NoError(t, g.Update(Update{Step: "matching items", ItemIndex: Int(3)}))

	st := g.Status()
	assert.Equal(t, "matching items", st.CurrentStep)
	assert.Equal(t, "PO-2002", st.CurrentPO) // untouched
	assert.Equal(t, 3, st.ItemIndex)
	assert.Equal(t, 12, st.ItemTotal)
}

func TestRelease_ResetsState(t *testing.T) {
	t.Parallel()

	g := New()
	require.True(t, g.TryAcquire(Update{Step: "matching", Email: "a@b.com", PO: "PO-3", ItemIndex: Int(5), ItemTotal: Int(9)}))

	g.Release(nil)

	st := g.Status()
	assert.False(t, st.IsProcessing)
	assert.Equal(t, 0, st.ItemIndex)
	assert.Equal(t, 0, st.ItemTotal)
	assert.Empty(t, st.CurrentEmail)
	assert.Empty(t, st.CurrentPO)
	assert.Equal(t, "idle", st.CurrentStep)

	// Gate is reusable after release.
	assert.True(t, g.TryAcquire(Update{Step: "extracting"}))
}

func TestRelease_MergesFinalStatus(t *testing.T) {
	t.Parallel()

	g := New()
	require.True(t, g.TryAcquire(Update{Step: "matching"}))

	g.Release(&Update{Step: "failed"})
	assert.Equal(t, "failed", g.Status().CurrentStep)
}

func TestTryAcquire_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	g := New()

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire(Update{Step: "matching"}) {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, acquired)
}

func TestStatus_SnapshotIsCopy(t *testing.T) {
	t.Parallel()

	g := New()
	require.True(t, g.TryAcquire(Update{Step: "matching"}))

	st := g.Status()
	st.CurrentStep = "mutated"

	assert.Equal(t, "matching", g.Status().CurrentStep)
	var _ model.ProcessingStatus = st
}
