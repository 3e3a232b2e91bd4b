package handoff

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestWaitQueue_PositionsInEnqueueOrder(t *testing.T) {
	q := NewWaitQueue()
	for i, id := range []string{"a", "b", "c"} {
		pos, added := q.Enqueue(id)
		assert.True(t, added)
		assert.Equal(t, i+1, pos)
	}
	for i, id := range []string{"a", "b", "c"} {
		pos, ok := q.PositionOf(id)
		require.True(t, ok)
		assert.Equal(t, i+1, pos)
	}
}

func TestWaitQueue_EnqueueIsIdempotent(t *testing.T) {
	q := NewWaitQueue("a", "b")

	pos, added := q.Enqueue("a")
	assert.False(t, added)
	assert.Equal(t, 1, pos)
	assert.Equal(t, 2, q.Len())
}

func TestWaitQueue_RemoveRecomputesPositions(t *testing.T) {
	q := NewWaitQueue("7", "8", "9")

	assert.True(t, q.Remove("8"))
	assert.False(t, q.Remove("8"))
	assert.Equal(t, []string{"7", "9"}, q.IDs())

	pos, _ := q.PositionOf("7")
	assert.Equal(t, 1, pos)
	pos, _ = q.PositionOf("9")
	assert.Equal(t, 2, pos)
	_, ok := q.PositionOf("8")
	assert.False(t, ok)
}

func TestWaitQueue_DequeueHead(t *testing.T) {
	q := NewWaitQueue("a", "b")

	head, ok := q.DequeueHead()
	require.True(t, ok)
	assert.Equal(t, "a", head)
	head, ok = q.DequeueHead()
	require.True(t, ok)
	assert.Equal(t, "b", head)
	_, ok = q.DequeueHead()
	assert.False(t, ok)
}

func TestWaitQueue_NewDropsRepeats(t *testing.T) {
	q := NewWaitQueue("a", "b", "a")
	assert.Equal(t, []string{"a", "b"}, q.IDs())
}

func TestWaitQueue_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := NewWaitQueue()
		var model []string

		ids := rapid.SampledFrom([]string{"1", "2", "3", "4", "5", "6"})
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := ids.Draw(t, fmt.Sprintf("id%d", i))
			switch rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("op%d", i)) {
			case 0:
				before := q.Len()
				pos, added := q.Enqueue(id)
				idx := indexOf(model, id)
				if idx >= 0 {
					if added || pos != idx+1 || q.Len() != before {
						t.Fatalf("re-enqueue of %s changed the queue", id)
					}
				} else {
					model = append(model, id)
					if !added || pos != len(model) {
						t.Fatalf("enqueue %s: pos=%d added=%v want pos %d", id, pos, added, len(model))
					}
				}
			case 1:
				removed := q.Remove(id)
				idx := indexOf(model, id)
				if removed != (idx >= 0) {
					t.Fatalf("remove %s: got %v", id, removed)
				}
				if idx >= 0 {
					model = append(model[:idx], model[idx+1:]...)
				}
			case 2:
				head, ok := q.DequeueHead()
				if ok != (len(model) > 0) {
					t.Fatalf("dequeue on len %d returned ok=%v", len(model), ok)
				}
				if ok {
					if head != model[0] {
						t.Fatalf("dequeued %s, want %s", head, model[0])
					}
					model = model[1:]
				}
			}

			seen := map[string]bool{}
			for _, got := range q.IDs() {
				if seen[got] {
					t.Fatalf("duplicate %s in queue %v", got, q.IDs())
				}
				seen[got] = true
			}
			for i, want := range model {
				if pos, ok := q.PositionOf(want); !ok || pos != i+1 {
					t.Fatalf("position of %s = %d,%v want %d", want, pos, ok, i+1)
				}
			}
		}
	})
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
