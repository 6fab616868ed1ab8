package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFIFO(t *testing.T) {
	r := New[int](4)
	for i := 1; i <= 3; i++ {
		require.NoError(t, r.Write(i))
	}

	for i := 1; i <= 3; i++ {
		v, ok := r.Read()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := r.Read()
	assert.False(t, ok)
}

func TestDropOldestEvictsInOrder(t *testing.T) {
	var dropped []int
	r := New[int](3, WithDropCallback[int](func(v int) { dropped = append(dropped, v) }))

	for i := 1; i <= 5; i++ {
		require.NoError(t, r.Write(i))
	}

	// 1 and 2 were evicted, 3..5 remain in order
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, []int{3, 4, 5}, r.ReadBatch(10))
	assert.Equal(t, int64(2), r.Stats().Overflows)
}

func TestDropNewestKeepsExisting(t *testing.T) {
	var dropped []int
	r := New[int](2,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback[int](func(v int) { dropped = append(dropped, v) }))

	require.NoError(t, r.Write(1))
	require.NoError(t, r.Write(2))
	require.NoError(t, r.Write(3))

	assert.Equal(t, []int{3}, dropped)
	assert.Equal(t, []int{1, 2}, r.ReadBatch(10))
}

func TestReadBatchPartial(t *testing.T) {
	r := New[string](8)
	require.NoError(t, r.Write("a"))
	require.NoError(t, r.Write("b"))

	assert.Equal(t, []string{"a", "b"}, r.ReadBatch(5))
	assert.Nil(t, r.ReadBatch(5))
	assert.Nil(t, r.ReadBatch(0))
}

func TestReadySignal(t *testing.T) {
	r := New[int](4)
	select {
	case <-r.Ready():
		t.Fatal("ready before any write")
	default:
	}

	require.NoError(t, r.Write(1))
	select {
	case <-r.Ready():
	default:
		t.Fatal("no ready token after write")
	}
}

func TestCloseStopsWritesDrainsReads(t *testing.T) {
	r := New[int](4)
	require.NoError(t, r.Write(7))
	require.NoError(t, r.Close())

	assert.Error(t, r.Write(8))
	v, ok := r.Read()
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestClearReportsDrops(t *testing.T) {
	var dropped []int
	r := New[int](4, WithDropCallback[int](func(v int) { dropped = append(dropped, v) }))
	require.NoError(t, r.Write(1))
	require.NoError(t, r.Write(2))

	r.Clear()
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentWriters(t *testing.T) {
	r := New[int](64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = r.Write(i)
			}
		}()
	}
	wg.Wait()

	stats := r.Stats()
	assert.Equal(t, int64(800), stats.Writes)
	assert.Equal(t, 64, r.Len())
	assert.Equal(t, int64(800-64), stats.Overflows)
}
