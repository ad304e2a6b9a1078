package dispatch

// keyQueue is the pending list for one serialization key. It is only touched
// under the pipeline mutex, so it carries no locking of its own. Items are
// kept ordered by (priority, enqueue sequence): lower priority values first,
// FIFO within a priority.
type keyQueue struct {
	items []*Item
}

// insert places an item at its priority position, after all items of equal
// or higher priority. Priority reorders pending items only; it never touches
// the running item.
func (q *keyQueue) insert(it *Item) {
	pos := len(q.items)
	for i, existing := range q.items {
		if it.Priority < existing.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = it
}

// pop removes and returns the head of the queue, or nil when empty.
func (q *keyQueue) pop() *Item {
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it
}

// len returns the number of pending items.
func (q *keyQueue) len() int {
	return len(q.items)
}

// displacementCandidate returns the oldest item among those with the worst
// (numerically highest) priority, with its index. The caller decides whether
// a newcomer outranks it.
func (q *keyQueue) displacementCandidate() (int, *Item) {
	if len(q.items) == 0 {
		return -1, nil
	}
	worst := -1
	for i, it := range q.items {
		if worst == -1 || it.Priority > q.items[worst].Priority {
			worst = i
		} else if it.Priority == q.items[worst].Priority && it.seq < q.items[worst].seq {
			worst = i
		}
	}
	return worst, q.items[worst]
}

// remove deletes the item at index i.
func (q *keyQueue) remove(i int) {
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
}

// drain empties the queue and returns everything that was pending.
func (q *keyQueue) drain() []*Item {
	items := q.items
	q.items = nil
	return items
}
