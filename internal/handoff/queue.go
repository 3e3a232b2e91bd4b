// Package handoff implements the escalation hand-off core: the operator
// registry, the wait queue, the dialog table and the coordinator, claim and
// relay operations over them.
package handoff

import "slices"

// WaitQueue is an ordered, deduplicated list of participants waiting for an
// operator. Positions are 1-based. WaitQueue is not safe for concurrent use;
// Callstack guards it.
type WaitQueue struct {
	ids []string
}

// NewWaitQueue builds a queue from ids, dropping repeats after the first.
func NewWaitQueue(ids ...string) *WaitQueue {
	q := &WaitQueue{ids: make([]string, 0, len(ids))}
	for _, id := range ids {
		q.Enqueue(id)
	}
	return q
}

// Enqueue appends id if absent. It returns the 1-based position of id and
// whether it was newly added.
func (q *WaitQueue) Enqueue(id string) (int, bool) {
	if pos, ok := q.PositionOf(id); ok {
		return pos, false
	}
	q.ids = append(q.ids, id)
	return len(q.ids), true
}

// PositionOf returns the 1-based position of id.
func (q *WaitQueue) PositionOf(id string) (int, bool) {
	i := slices.Index(q.ids, id)
	if i < 0 {
		return 0, false
	}
	return i + 1, true
}

// DequeueHead removes and returns the first entry.
func (q *WaitQueue) DequeueHead() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	head := q.ids[0]
	q.ids = slices.Delete(q.ids, 0, 1)
	return head, true
}

// Remove deletes id if present.
func (q *WaitQueue) Remove(id string) bool {
	i := slices.Index(q.ids, id)
	if i < 0 {
		return false
	}
	q.ids = slices.Delete(q.ids, i, i+1)
	return true
}

// Len returns the number of waiting participants.
func (q *WaitQueue) Len() int {
	return len(q.ids)
}

// IDs returns a copy of the queue in order.
func (q *WaitQueue) IDs() []string {
	return slices.Clone(q.ids)
}

func (q *WaitQueue) clone() *WaitQueue {
	return &WaitQueue{ids: slices.Clone(q.ids)}
}
