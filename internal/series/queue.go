package series

import "sync"

// Point is one queued metric sample waiting for the next flush.
type Point struct {
	MICID       int64
	Value       float64
	HarvestedAt int64
	Level       uint8
}

// Queue buffers published metric points per producing source. Grouping by
// source (not by MIC) bounds the number of handle open/close cycles per
// flush to the number of active producers.
type Queue struct {
	mu sync.Mutex
	q  map[string][]Point
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{q: make(map[string][]Point)}
}

// Enqueue appends a point to the source's pending list.
func (q *Queue) Enqueue(source string, p Point) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.q[source] = append(q.q[source], p)
}

// DrainAll removes and returns every pending point for the source, in
// enqueue order.
func (q *Queue) DrainAll(source string) []Point {
	q.mu.Lock()
	defer q.mu.Unlock()
	pts := q.q[source]
	delete(q.q, source)
	return pts
}

// Sources lists every source with pending points.
func (q *Queue) Sources() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.q))
	for source := range q.q {
		out = append(out, source)
	}
	return out
}

// Len reports the number of pending points for the source.
func (q *Queue) Len(source string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q[source])
}
