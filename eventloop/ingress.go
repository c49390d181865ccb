package eventloop

import (
	"sync"
)

// chunkSize is the number of tasks per node in the chunkedIngress linked list.
const chunkSize = 128

// chunkedIngress is a chunked linked-list FIFO of tasks.
//
// Thread Safety: NOT thread-safe, see ingressQueue.
type chunkedIngress struct {
	head   *chunk
	tail   *chunk
	length int
}

// chunkPool recycles exhausted chunks.
var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node, with read/write cursors for O(1) push/pop.
type chunk struct {
	tasks   [chunkSize]func()
	next    *chunk
	readPos int
	pos     int
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears any retained closures and returns c to the pool.
func returnChunk(c *chunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// Push adds a task to the tail of the queue.
func (q *chunkedIngress) Push(task func()) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		next := newChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

// Pop removes and returns the head task, or false if the queue is empty.
func (q *chunkedIngress) Pop() (func(), bool) {
	if q.head == nil || q.head.readPos >= q.head.pos {
		return nil, false
	}

	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			old := q.head
			q.head = q.head.next
			returnChunk(old)
		}
	}

	return task, true
}

// Length returns the number of queued tasks.
func (q *chunkedIngress) Length() int {
	return q.length
}

// ingressQueue is the mutex-protected, multi-producer task queue the loop
// drains once per tick.
type ingressQueue struct {
	mu sync.Mutex
	q  chunkedIngress
}

// Push appends a task; safe from any goroutine.
func (x *ingressQueue) Push(task func()) {
	x.mu.Lock()
	x.q.Push(task)
	x.mu.Unlock()
}

// PopBatch moves up to len(buf) tasks into buf, returning the count.
func (x *ingressQueue) PopBatch(buf []func()) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	for n < len(buf) {
		task, ok := x.q.Pop()
		if !ok {
			break
		}
		buf[n] = task
		n++
	}
	return n
}

// Length returns the number of queued tasks.
func (x *ingressQueue) Length() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.q.Length()
}
