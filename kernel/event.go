package kernel

import (
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/wsnkernel/kernelerr"
)

var eventQueueIDs atomic.Uint64

// Event is the unit of work dispatched by the simulation kernel: a scheduled
// simulated time plus a callback, together with the queue-linkage state that
// an EventQueue uses to keep it in sorted order. Collaborators construct one
// with NewEvent (or NewMoteEvent, for events tied to a removable mote) and
// pass the same pointer to ScheduleInThread / ScheduleExternal on every
// reschedule - the queue uses pointer identity to detect "already linked".
type Event struct {
	label  string
	fn     func(simulatedMicros int64) error
	moteID string

	// queueID, time and removed are touched from whichever goroutine calls
	// ScheduleExternal, concurrently with the simulation thread walking the
	// chain - kept atomic rather than guarded by EventQueue.mu, since the
	// chain itself (next) is only ever walked on the simulation thread and
	// never needs that lock.
	queueID atomic.Uint64 // 0 when unscheduled; owning queue's id otherwise
	time    atomic.Int64
	removed atomic.Bool
	next    *Event // simulation-thread-exclusive
}

// NewEvent constructs an event with the given debug label and callback.
func NewEvent(label string, fn func(simulatedMicros int64) error) *Event {
	return &Event{label: label, fn: fn}
}

// NewMoteEvent constructs an event tagged with a mote ID, so that
// EventQueue.RemoveIf can cancel every pending event belonging to a mote that
// is being removed from the simulation.
func NewMoteEvent(moteID, label string, fn func(simulatedMicros int64) error) *Event {
	return &Event{label: label, fn: fn, moteID: moteID}
}

// Execute runs the event's callback. t must equal the kernel's clock at
// dispatch time.
func (e *Event) Execute(t int64) error {
	if e.fn == nil {
		return nil
	}
	return e.fn(t)
}

// Label returns the event's debug label, used for logging and tracing.
func (e *Event) Label() string { return e.label }

// MoteID returns the ID of the mote this event is associated with, or "" if
// the event is not mote-scoped.
func (e *Event) MoteID() string { return e.moteID }

// Time returns the event's currently scheduled simulated time.
func (e *Event) Time() int64 { return e.time.Load() }

// linked reports whether the event is currently linked into some queue.
func (e *Event) linked() bool { return e.queueID.Load() != 0 }

// EventQueue is the kernel's sorted store of future events. ScheduleInThread,
// PopFirst, PeekFirst, RemoveIf and Clear are simulation-thread-only: the
// kernel is responsible for never calling them from another goroutine.
// ScheduleExternal is safe from any goroutine.
type EventQueue struct {
	id uint64

	mu          sync.Mutex
	pending     []*Event
	pendingFlag bool

	head  *Event
	count int
}

// NewEventQueue constructs an empty, uniquely-identified event queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{id: eventQueueIDs.Add(1)}
}

// ScheduleInThread links e at simulated time t, in sorted position. If e is
// already linked in this queue it is unlinked first. It is a programming
// error to call this for an event linked in a *different* queue.
func (q *EventQueue) ScheduleInThread(e *Event, t int64) {
	kernelerr.Assert(e != nil, "ScheduleInThread: nil event")
	if e.linked() {
		kernelerr.Assert(e.queueID.Load() == q.id, "event is linked in a different queue")
		q.unlinkLocked(e)
	}
	e.queueID.Store(q.id)
	e.time.Store(t)
	e.removed.Store(false)
	e.next = nil
	q.insertSortedLocked(e)
}

// insertSortedLocked walks from head while node.time <= e.time and inserts
// after the last such node, so equal-time events dispatch in scheduling
// order (stable FIFO tie-break).
func (q *EventQueue) insertSortedLocked(e *Event) {
	t := e.time.Load()
	if q.head == nil || t < q.head.time.Load() {
		e.next = q.head
		q.head = e
		q.count++
		return
	}
	node := q.head
	for node.next != nil && node.next.time.Load() <= t {
		node = node.next
	}
	e.next = node.next
	node.next = e
	q.count++
}

// unlinkLocked physically removes e from the sorted chain. Caller guarantees
// e is actually linked in this queue.
func (q *EventQueue) unlinkLocked(e *Event) {
	if q.head == e {
		q.head = e.next
		e.next = nil
		e.queueID.Store(0)
		q.count--
		return
	}
	node := q.head
	for node != nil && node.next != e {
		node = node.next
	}
	if node != nil {
		node.next = e.next
	}
	e.next = nil
	e.queueID.Store(0)
	q.count--
}

// ScheduleExternal may be called from any goroutine. If e is already linked
// it is tombstoned in place (removed=true) rather than spliced out, since
// only the simulation thread is allowed to touch next pointers; the pop path
// skips tombstoned events. e itself is appended to pending and relinked into
// the sorted chain at its new time on the next PopFirst/PeekFirst merge.
func (q *EventQueue) ScheduleExternal(e *Event, t int64) {
	kernelerr.Assert(e != nil, "ScheduleExternal: nil event")
	if e.linked() {
		kernelerr.Assert(e.queueID.Load() == q.id, "event is linked in a different queue")
		e.removed.Store(true)
	}
	e.time.Store(t)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, e)
	q.pendingFlag = true
}

// mergePending drains q.pending (under the queue monitor) and links each
// event into the sorted chain in submission order. Must be called from the
// simulation thread.
func (q *EventQueue) mergePending() {
	q.mu.Lock()
	if !q.pendingFlag {
		q.mu.Unlock()
		return
	}
	batch := q.pending
	q.pending = nil
	q.pendingFlag = false
	q.mu.Unlock()

	for _, e := range batch {
		if e.linked() && e.queueID.Load() == q.id {
			// Already linked (tombstoned in place by ScheduleExternal);
			// unlink the stale node before relinking at the new time.
			q.unlinkLocked(e)
		}
		e.removed.Store(false)
		e.queueID.Store(q.id)
		e.next = nil
		q.insertSortedLocked(e)
	}
}

// PopFirst merges any pending external additions, then unlinks and returns
// the earliest live event. Tombstoned events are consumed and skipped.
// Returns kernelerr.ErrQueueEmpty when no live event remains.
func (q *EventQueue) PopFirst() (*Event, error) {
	q.mergePending()
	for q.head != nil {
		e := q.head
		q.head = e.next
		e.next = nil
		e.queueID.Store(0)
		q.count--
		if e.removed.Load() {
			continue
		}
		return e, nil
	}
	return nil, kernelerr.ErrQueueEmpty
}

// PeekFirst merges pending additions and returns the earliest live event
// without unlinking it.
func (q *EventQueue) PeekFirst() (*Event, error) {
	q.mergePending()
	node := q.head
	for node != nil {
		if !node.removed.Load() {
			return node, nil
		}
		node = node.next
	}
	return nil, kernelerr.ErrQueueEmpty
}

// RemoveIf marks every linked, matching event as removed. The nodes stay
// linked until popped; PopFirst/PeekFirst skip them.
func (q *EventQueue) RemoveIf(pred func(*Event) bool) {
	for node := q.head; node != nil; node = node.next {
		if !node.removed.Load() && pred(node) {
			node.removed.Store(true)
		}
	}
}

// Clear drains the queue, unlinking every event.
func (q *EventQueue) Clear() {
	for node := q.head; node != nil; {
		next := node.next
		node.next = nil
		node.queueID.Store(0)
		node = next
	}
	q.head = nil
	q.count = 0

	q.mu.Lock()
	q.pending = nil
	q.pendingFlag = false
	q.mu.Unlock()
}

// Len returns the number of currently-linked events, including tombstoned
// ones not yet popped.
func (q *EventQueue) Len() int { return q.count }
