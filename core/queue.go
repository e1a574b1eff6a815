package core

import (
	"time"

	"github.com/cedarmesh/cedar/state"
)

// Priority orders queued messages. Higher values flush first and survive
// eviction longer.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	}
	return "low"
}

// QueueState is the coarse fill level reported to the state-change callback.
type QueueState int

const (
	QueueEmpty QueueState = iota
	QueueNormal
	QueueNearFull // 75% and above
	QueueFull
)

func (q QueueState) String() string {
	switch q {
	case QueueEmpty:
		return "empty"
	case QueueNearFull:
		return "near-full"
	case QueueFull:
		return "full"
	}
	return "normal"
}

// QueuedMessage is one store-and-forward message awaiting an internet uplink.
type QueuedMessage struct {
	Payload  []byte
	Priority Priority
	Queued   time.Time
}

// EvictReason explains why a message left the queue without being flushed.
type EvictReason int

const (
	EvictCapacity EvictReason = iota // displaced by a newer message
	EvictRefused                     // never admitted, queue full of higher priority
	EvictExpired                     // pruned by age
)

// QueueStats are the queue's counters, all monotonic except Size.
type QueueStats struct {
	Size         int
	Capacity     int
	TotalQueued  uint64
	TotalFlushed uint64
	TotalDropped uint64
	PerPriority  map[Priority]int
}

// Queue buffers messages bound for the internet while no bridge is reachable,
// and drains them to the primary bridge once connectivity returns. Eviction
// under pressure drops the oldest message of the least important priority
// present, and a new message is refused outright only when everything queued
// outranks it.
type Queue struct {
	// FlushBatch limits how many messages one dispatch drains.
	FlushBatch int

	mu       *state.TimedMutex
	items    []QueuedMessage
	capacity int

	flushing  bool
	lastState QueueState

	totalQueued  uint64
	totalFlushed uint64
	totalDropped uint64

	onEnqueue       func(m QueuedMessage)
	onEvict         func(m QueuedMessage, reason EvictReason)
	onFlushComplete func(flushed int)
	onStateChange   func(from, to QueueState)
}

func (q *Queue) Init(s *state.State) error {
	s.Log.Debug("init message queue")
	q.mu = state.NewTimedMutex()
	q.capacity = state.QueueCapacity
	if q.FlushBatch == 0 {
		q.FlushBatch = 50
	}
	q.lastState = QueueEmpty
	return nil
}

func (q *Queue) Cleanup(s *state.State) error { return nil }

func (q *Queue) lock() bool { return q.mu.TryLockTimeout(state.LockTimeout) }

// OnEnqueue registers a callback fired after each successful enqueue.
func (q *Queue) OnEnqueue(fn func(m QueuedMessage)) { q.onEnqueue = fn }

// OnEvict registers a callback fired for every message dropped unflushed.
func (q *Queue) OnEvict(fn func(m QueuedMessage, reason EvictReason)) { q.onEvict = fn }

// OnFlushComplete registers a callback fired when a drain empties the queue.
func (q *Queue) OnFlushComplete(fn func(flushed int)) { q.onFlushComplete = fn }

// OnStateChange registers a callback fired on fill-level transitions.
func (q *Queue) OnStateChange(fn func(from, to QueueState)) { q.onStateChange = fn }

func (q *Queue) fillState(n int) QueueState {
	switch {
	case n == 0:
		return QueueEmpty
	case n >= q.capacity:
		return QueueFull
	case n*4 >= q.capacity*3:
		return QueueNearFull
	}
	return QueueNormal
}

// noteStateLocked emits the state-change callback outside the lock.
func (q *Queue) noteStateLocked() func() {
	now := q.fillState(len(q.items))
	if now == q.lastState {
		return nil
	}
	prev := q.lastState
	q.lastState = now
	fn := q.onStateChange
	if fn == nil {
		return nil
	}
	return func() { fn(prev, now) }
}

// Enqueue admits a message, evicting under pressure. A full queue drops the
// oldest message of its least important priority to make room, unless every
// queued message outranks the newcomer, in which case the newcomer itself is
// refused. Critical messages are never refused.
func (q *Queue) Enqueue(payload []byte, prio Priority) bool {
	if !q.lock() {
		return false
	}

	var evicted *QueuedMessage
	var evictReason EvictReason
	if len(q.items) >= q.capacity {
		idx := q.oldestOfLowestLocked()
		if q.items[idx].Priority > prio && prio != PriorityCritical {
			// everything queued is more important
			q.totalDropped++
			q.mu.Unlock()
			if q.onEvict != nil {
				q.onEvict(QueuedMessage{Payload: payload, Priority: prio, Queued: time.Now()}, EvictRefused)
			}
			return false
		}
		ev := q.items[idx]
		evicted = &ev
		evictReason = EvictCapacity
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.totalDropped++
	}

	m := QueuedMessage{Payload: payload, Priority: prio, Queued: time.Now()}
	q.items = append(q.items, m)
	q.totalQueued++
	notify := q.noteStateLocked()
	q.mu.Unlock()

	if evicted != nil && q.onEvict != nil {
		q.onEvict(*evicted, evictReason)
	}
	if q.onEnqueue != nil {
		q.onEnqueue(m)
	}
	if notify != nil {
		notify()
	}
	return true
}

// oldestOfLowestLocked finds the index of the oldest message among those of
// the least important priority present. Append order doubles as age order.
func (q *Queue) oldestOfLowestLocked() int {
	lowest := PriorityCritical
	for _, m := range q.items {
		if m.Priority < lowest {
			lowest = m.Priority
		}
	}
	for i, m := range q.items {
		if m.Priority == lowest {
			return i
		}
	}
	return 0
}

// FlushWhenOnline starts draining the queue to the primary bridge. Each batch
// runs as its own dispatch so a large backlog never starves the main loop; the
// drain stops early if connectivity is lost again mid-flush.
func (q *Queue) FlushWhenOnline(s *state.State) {
	if q.flushing {
		return
	}
	q.flushing = true
	s.Dispatch(func(s *state.State) error {
		return q.flushBatch(s, 0)
	})
}

func (q *Queue) flushBatch(s *state.State, flushedSoFar int) error {
	primary, ok := Get[*Bridge](s).PrimaryBridge()
	if !ok {
		q.flushing = false
		return nil
	}
	rt := Get[*Router](s)

	n := 0
	for n < q.FlushBatch {
		m, ok := q.takeNext()
		if !ok {
			break
		}
		if err := rt.SendSingle(s, primary, m.Payload); err != nil {
			// put it back and retry on the next connectivity event
			q.requeue(m)
			q.flushing = false
			s.Log.Warn("queue flush interrupted", "error", err)
			return nil
		}
		n++
	}
	flushedSoFar += n

	if q.Size() == 0 || n < q.FlushBatch {
		q.flushing = false
		s.Log.Info("queue drained", "flushed", flushedSoFar)
		if q.onFlushComplete != nil {
			q.onFlushComplete(flushedSoFar)
		}
		return nil
	}
	total := flushedSoFar
	s.Dispatch(func(s *state.State) error {
		return q.flushBatch(s, total)
	})
	return nil
}

// takeNext removes the next message to flush: highest priority first, oldest
// first within a priority.
func (q *Queue) takeNext() (QueuedMessage, bool) {
	if !q.lock() {
		return QueuedMessage{}, false
	}

	best := -1
	for i, m := range q.items {
		if best == -1 || m.Priority > q.items[best].Priority {
			best = i
		}
	}
	if best == -1 {
		q.mu.Unlock()
		return QueuedMessage{}, false
	}
	m := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	q.totalFlushed++
	notify := q.noteStateLocked()
	q.mu.Unlock()
	if notify != nil {
		notify()
	}
	return m, true
}

func (q *Queue) requeue(m QueuedMessage) {
	if !q.lock() {
		return
	}
	q.items = append([]QueuedMessage{m}, q.items...)
	q.totalFlushed--
	notify := q.noteStateLocked()
	q.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// PruneOlderThan drops every queued message older than the age and returns how
// many were dropped.
func (q *Queue) PruneOlderThan(age time.Duration) int {
	if !q.lock() {
		return 0
	}
	cutoff := time.Now().Add(-age)
	var kept []QueuedMessage
	var dropped []QueuedMessage
	for _, m := range q.items {
		if m.Queued.Before(cutoff) {
			dropped = append(dropped, m)
		} else {
			kept = append(kept, m)
		}
	}
	q.items = kept
	q.totalDropped += uint64(len(dropped))
	notify := q.noteStateLocked()
	q.mu.Unlock()

	if q.onEvict != nil {
		for _, m := range dropped {
			q.onEvict(m, EvictExpired)
		}
	}
	if notify != nil {
		notify()
	}
	return len(dropped)
}

// Size returns the number of queued messages.
func (q *Queue) Size() int {
	if !q.lock() {
		return 0
	}
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	if !q.lock() {
		return QueueStats{Capacity: q.capacity}
	}
	defer q.mu.Unlock()
	per := make(map[Priority]int)
	for _, m := range q.items {
		per[m.Priority]++
	}
	return QueueStats{
		Size:         len(q.items),
		Capacity:     q.capacity,
		TotalQueued:  q.totalQueued,
		TotalFlushed: q.totalFlushed,
		TotalDropped: q.totalDropped,
		PerPriority:  per,
	}
}
