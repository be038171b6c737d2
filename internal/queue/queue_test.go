package queue

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depth(p string) int {
	return strings.Count(p, "/")
}

func TestParentsBeforeChildren(t *testing.T) {
	pq := NewPriorityQueue[string]()
	for _, p := range []string{"a/b/c.txt", "a", "x.txt", "a/b", "a/d.txt"} {
		pq.Enqueue(p, depth(p))
	}
	require.Equal(t, 5, pq.Len())

	first, ok := pq.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", first)

	// equal depths keep insertion order
	assert.Equal(t, []string{"x.txt", "a/b", "a/d.txt", "a/b/c.txt"}, pq.DequeueAll())
	assert.Zero(t, pq.Len())

	_, ok = pq.Dequeue()
	assert.False(t, ok)
}

func TestChildrenBeforeParents(t *testing.T) {
	pq := NewPriorityQueue[string]()
	for _, p := range []string{"a", "a/b", "a/b/c.txt"} {
		pq.Enqueue(p, -depth(p))
	}
	assert.Equal(t, []string{"a/b/c.txt", "a/b", "a"}, pq.DequeueAll())
}

func TestConcurrentEnqueue(t *testing.T) {
	pq := NewPriorityQueue[int]()
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pq.Enqueue(i, 32-i)
		}()
	}
	wg.Wait()

	all := pq.DequeueAll()
	require.Len(t, all, 32)
	assert.Equal(t, 31, all[0])
	assert.Equal(t, 0, all[31])
}
