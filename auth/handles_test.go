package auth

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleTable(t *testing.T) {
	var tbl HandleTable[string]

	h1 := tbl.Put("one")
	h2 := tbl.Put("two")
	assert.False(t, h1.IsZero())
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, tbl.Len())

	v, ok := tbl.Get(h2)
	assert.True(t, ok)
	assert.Equal(t, "two", v)

	assert.True(t, tbl.Delete(h1))
	assert.False(t, tbl.Delete(h1))
	_, ok = tbl.Get(h1)
	assert.False(t, ok)
	assert.Equal(t, 1, tbl.Len())
}

func TestHandleTable_Concurrent(t *testing.T) {
	var tbl HandleTable[int]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := tbl.Put(i)
			v, ok := tbl.Get(h)
			assert.True(t, ok)
			assert.Equal(t, i, v)
			tbl.Delete(h)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, tbl.Len())
}
