// Package searcher holds the scratch data structures used by graph
// search: a value-based binary heap over candidates and a bitset
// visited tracker with O(visited) reset. Neither allocates on the hot
// path once warmed up.
package searcher

// Candidate is a graph slot with its distance to the query.
type Candidate struct {
	Slot     uint32
	Distance float32
}

// Queue is a binary heap of candidates ordered by distance. A min
// queue pops the nearest candidate first, a max queue the farthest.
// It deliberately does not implement container/heap: value storage
// avoids the interface boxing on every push.
type Queue struct {
	max   bool
	items []Candidate
}

// NewMinQueue returns a queue popping the nearest candidate first.
func NewMinQueue() *Queue {
	return &Queue{items: make([]Candidate, 0, 16)}
}

// NewMaxQueue returns a queue popping the farthest candidate first.
func NewMaxQueue() *Queue {
	return &Queue{max: true, items: make([]Candidate, 0, 16)}
}

// Len returns the number of queued candidates.
func (q *Queue) Len() int { return len(q.items) }

// Reset clears the queue for reuse.
func (q *Queue) Reset() { q.items = q.items[:0] }

// Top returns the root candidate without removing it.
func (q *Queue) Top() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	return q.items[0], true
}

// Push inserts a candidate.
func (q *Queue) Push(c Candidate) {
	q.items = append(q.items, c)
	q.up(len(q.items) - 1)
}

// PushBounded inserts into a heap capped at capacity, displacing the
// root when the newcomer is better. For a max queue "better" means
// nearer, so the queue retains the capacity nearest candidates.
func (q *Queue) PushBounded(c Candidate, capacity int) {
	if len(q.items) < capacity {
		q.Push(c)
		return
	}
	top := q.items[0]
	replace := c.Distance < top.Distance
	if !q.max {
		replace = c.Distance > top.Distance
	}
	if replace {
		q.items[0] = c
		q.down(0)
	}
}

// Pop removes and returns the root candidate.
func (q *Queue) Pop() (Candidate, bool) {
	n := len(q.items)
	if n == 0 {
		return Candidate{}, false
	}
	root := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]
	if len(q.items) > 0 {
		q.down(0)
	}
	return root, true
}

// Drain empties the queue in pop order into out.
func (q *Queue) Drain(out []Candidate) []Candidate {
	for {
		c, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func (q *Queue) before(i, j int) bool {
	if q.max {
		return q.items[i].Distance > q.items[j].Distance
	}
	return q.items[i].Distance < q.items[j].Distance
}

func (q *Queue) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.before(i, parent) {
			return
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *Queue) down(i int) {
	n := len(q.items)
	for {
		child := 2*i + 1
		if child >= n {
			return
		}
		if r := child + 1; r < n && q.before(r, child) {
			child = r
		}
		if !q.before(child, i) {
			return
		}
		q.items[i], q.items[child] = q.items[child], q.items[i]
		i = child
	}
}
