package queue

// SliceQueue implements Queue on top of a slice. It is not safe for concurrent use.
type SliceQueue[T any] struct {
	items []T
	head  int
}

var _ Queue[int] = (*SliceQueue[int])(nil)

// NewSliceQueue creates a SliceQueue with room for prealloc items.
func NewSliceQueue[T any](prealloc int) *SliceQueue[T] {
	return &SliceQueue[T]{items: make([]T, 0, prealloc)}
}

func (q *SliceQueue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
}

func (q *SliceQueue[T]) Dequeue() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// reuse the backing array once drained
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}

	return item, true
}

func (q *SliceQueue[T]) Peek() (T, bool) {
	if q.head >= len(q.items) {
		var zero T
		return zero, false
	}

	return q.items[q.head], true
}

func (q *SliceQueue[T]) Reset() {
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
}

func (q *SliceQueue[T]) IsEmpty() bool {
	return q.head >= len(q.items)
}

func (q *SliceQueue[T]) Length() int {
	return len(q.items) - q.head
}
