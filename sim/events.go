package sim

import (
	"container/heap"
	"time"
)

type eventKind uint8

// Kinds are ordered: at equal times an epoch closes before the next hop
const (
	evEpochEnd eventKind = iota
	evExit
	evHop
)

func (k eventKind) String() string {
	switch k {
	case evEpochEnd:
		return "epoch-end"
	case evExit:
		return "exit"
	case evHop:
		return "hop"
	default:
		return "unknown"
	}
}

type event struct {
	at   time.Duration
	kind eventKind
	seq  uint64
}

// eventQueue is a min-heap on (at, kind, seq)
type eventQueue []event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	if q[i].kind != q[j].kind {
		return q[i].kind < q[j].kind
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	*q = old[:n-1]
	return ev
}

// scheduler wraps the heap with a sequence counter
type scheduler struct {
	queue eventQueue
	seq   uint64
}

func (s *scheduler) schedule(at time.Duration, kind eventKind) {
	s.seq++
	heap.Push(&s.queue, event{at: at, kind: kind, seq: s.seq})
}

func (s *scheduler) next() (event, bool) {
	if len(s.queue) == 0 {
		return event{}, false
	}
	return heap.Pop(&s.queue).(event), true
}

func (s *scheduler) clear() {
	s.queue = s.queue[:0]
}
