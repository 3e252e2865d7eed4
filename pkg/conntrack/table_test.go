package conntrack

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTableValidation(t *testing.T) {
	_, err := NewTable[int, int](0, 1)
	assert.ErrorIs(t, err, ErrCapacity)

	tbl, err := NewTable[int, int](3, 16)
	require.NoError(t, err)
	assert.Len(t, tbl.shards, 3, "shards are capped at capacity")
	assert.Equal(t, 3, tbl.Cap())
}

func TestTableShardCapacitySum(t *testing.T) {
	tbl, err := NewTable[int, int](100, 16)
	require.NoError(t, err)

	// 填充远多于容量的键, 每个分片都会被写满
	for i := 0; i < 10000; i++ {
		tbl.InsertIfAbsent(i, i)
	}
	assert.Equal(t, 100, tbl.Len())
}

func TestTableInsertIfAbsent(t *testing.T) {
	tbl, err := NewTable[string, int](4, 1)
	require.NoError(t, err)

	assert.True(t, tbl.InsertIfAbsent("a", 1))
	assert.False(t, tbl.InsertIfAbsent("a", 2))

	v, ok := tbl.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, v, "existing value is kept")
}

func TestTableLRUEviction(t *testing.T) {
	tbl, err := NewTable[int, string](3, 1)
	require.NoError(t, err)

	tbl.InsertIfAbsent(1, "one")
	tbl.InsertIfAbsent(2, "two")
	tbl.InsertIfAbsent(3, "three")

	// 访问 1 使 2 成为最久未用
	_, ok := tbl.Lookup(1)
	require.True(t, ok)
	// Peek 不影响顺序
	_, ok = tbl.Peek(2)
	require.True(t, ok)

	tbl.InsertIfAbsent(4, "four")
	assert.Equal(t, 3, tbl.Len())

	_, ok = tbl.Peek(2)
	assert.False(t, ok)
	for _, k := range []int{1, 3, 4} {
		_, ok := tbl.Peek(k)
		assert.True(t, ok, "key %d", k)
	}
}

func TestTableRangeOldestFirst(t *testing.T) {
	tbl, err := NewTable[int, int](8, 1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		tbl.InsertIfAbsent(i, i*10)
	}
	tbl.Lookup(0)

	var keys []int
	tbl.Range(func(k, v int) bool {
		assert.Equal(t, k*10, v)
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []int{1, 2, 3, 4, 0}, keys)

	n := 0
	tbl.Range(func(int, int) bool {
		n++
		return n < 2
	})
	assert.Equal(t, 2, n)

	tbl.Purge()
	assert.Equal(t, 0, tbl.Len())
}

func TestTableConcurrentInsertNeverExceedsCapacity(t *testing.T) {
	const capacity = 64
	tbl, err := NewTable[int, int](capacity, 8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				k := base*2000 + i
				if !tbl.InsertIfAbsent(k, k) {
					tbl.Lookup(k)
				}
				if l := tbl.Len(); l > capacity {
					t.Errorf("len %d exceeds capacity", l)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, tbl.Len(), capacity)
}
