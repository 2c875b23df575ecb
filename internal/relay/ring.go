// internal/relay/ring.go
package relay

import (
	"time"

	"github.com/jason-s-yu/webstar/internal/wire"
)

type queued struct {
	msg wire.Message
	at  time.Time
}

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring struct {
	buf  []queued
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]queued, capacity)}
}

func (q *ring) push(item queued) {
	if len(q.buf) == 0 {
		return
	}
	if q.n == len(q.buf) {
		q.buf[q.head] = item
		q.head = (q.head + 1) % len(q.buf)
		return
	}
	q.buf[(q.head+q.n)%len(q.buf)] = item
	q.n++
}

// drain calls fn for each entry, oldest first, and empties the ring.
func (q *ring) drain(fn func(queued)) {
	for i := 0; i < q.n; i++ {
		fn(q.buf[(q.head+i)%len(q.buf)])
	}
	q.head, q.n = 0, 0
}

func (q *ring) len() int {
	return q.n
}
