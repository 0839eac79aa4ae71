package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertTakeRemove(t *testing.T) {
	r := New[string]()
	r.Insert(3, "conn-3")
	r.Insert(4, "conn-4")
	assert.Equal(t, 2, r.Len())

	v, ok := r.Take(3)
	require.True(t, ok)
	assert.Equal(t, "conn-3", v)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Take(3)
	assert.False(t, ok, "fd already taken out should not be found again")

	r.PutBack(3, v)
	assert.Equal(t, 2, r.Len())

	r.Remove(4)
	assert.Equal(t, 1, r.Len())
}

func TestPeekDoesNotRemove(t *testing.T) {
	r := New[int]()
	r.Insert(1, 100)

	v, ok := r.Peek(1)
	require.True(t, ok)
	assert.Equal(t, 100, v)
	assert.Equal(t, 1, r.Len(), "peek must not remove the entry")
}

func TestEachVisitsAllEntries(t *testing.T) {
	r := New[int]()
	for i := 0; i < 5; i++ {
		r.Insert(i, i*10)
	}

	seen := make(map[int]int)
	r.Each(func(fd int, v int) {
		seen[fd] = v
	})
	assert.Len(t, seen, 5)
	assert.Equal(t, 30, seen[3])
}

func TestConcurrentInsertTake(t *testing.T) {
	r := New[int]()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(fd int) {
			defer wg.Done()
			r.Insert(fd, fd)
			if v, ok := r.Take(fd); ok {
				r.PutBack(fd, v)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, r.Len())
}
