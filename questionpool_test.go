package quickquiz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolLoop(id string) *EvaluationLoop {
	q := sampleQuestion()
	q.ID = id
	return NewEvaluationLoop(q, 1)
}

func TestQuestionPoolFIFO(t *testing.T) {
	pool := NewQuestionPool()
	assert.True(t, pool.IsEmpty())

	l1, l2, l3 := poolLoop("q-1"), poolLoop("q-2"), poolLoop("q-3")
	pool.Add(l1)
	pool.Add(l2)
	pool.Add(l3)
	assert.Equal(t, 3, pool.Size())
	assert.False(t, pool.IsEmpty())

	assert.Same(t, l1, pool.Next())
	assert.Same(t, l2, pool.Next())
	assert.Same(t, l3, pool.Next())
	assert.Nil(t, pool.Next())
	assert.True(t, pool.IsEmpty())
}

func TestQuestionPoolReAddMovesToBack(t *testing.T) {
	pool := NewQuestionPool()
	l1, l2 := poolLoop("q-1"), poolLoop("q-2")
	pool.Add(l1)
	pool.Add(l2)

	pool.Add(l1)
	assert.Equal(t, 2, pool.Size())

	assert.Same(t, l2, pool.Next())
	assert.Same(t, l1, pool.Next())
	assert.Nil(t, pool.Next())
}

func TestQuestionPoolRemove(t *testing.T) {
	pool := NewQuestionPool()
	l1, l2, l3 := poolLoop("q-1"), poolLoop("q-2"), poolLoop("q-3")
	pool.Add(l1)
	pool.Add(l2)
	pool.Add(l3)

	pool.Remove("q-2")
	assert.Equal(t, 2, pool.Size())

	// removing an unknown ID is a no-op
	pool.Remove("q-404")
	assert.Equal(t, 2, pool.Size())

	assert.Same(t, l1, pool.Next())
	assert.Same(t, l3, pool.Next())
}

func TestQuestionPoolAllPreservesOrder(t *testing.T) {
	pool := NewQuestionPool()
	l1, l2, l3 := poolLoop("q-1"), poolLoop("q-2"), poolLoop("q-3")
	pool.Add(l1)
	pool.Add(l2)
	pool.Add(l3)
	pool.Add(l2)

	all := pool.All()
	require.Len(t, all, 3)
	assert.Same(t, l1, all[0])
	assert.Same(t, l3, all[1])
	assert.Same(t, l2, all[2])

	// All is a snapshot, not a drain
	assert.Equal(t, 3, pool.Size())
}
