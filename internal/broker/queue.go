package broker

// waitQueue is one resource class's pending requests, ordered by ascending
// priority with arrival sequence breaking ties (strict FIFO for equal
// priority). Cancelled entries stay in place as tombstones so withdrawal
// is O(1) and never blocks entries queued behind the withdrawn one; pops
// and position counts skip them. Compaction runs once tombstones dominate.
type waitQueue struct {
	entries   []*QueueEntry
	tombstone int
}

func newWaitQueue() *waitQueue {
	return &waitQueue{}
}

// push inserts the entry in (priority, seq) order.
func (q *waitQueue) push(e *QueueEntry) {
	idx := len(q.entries)
	for i, cur := range q.entries {
		if e.Priority < cur.Priority {
			idx = i
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
}

// pop removes and returns the head entry, skipping tombstones.
// Returns nil when the queue holds no live entries.
func (q *waitQueue) pop() *QueueEntry {
	for len(q.entries) > 0 {
		head := q.entries[0]
		q.entries = q.entries[1:]
		if head.cancelled {
			q.tombstone--
			continue
		}
		return head
	}
	return nil
}

// pushFront puts a just-popped entry back at the head, preserving its
// original priority and arrival order for the next promotion attempt.
func (q *waitQueue) pushFront(e *QueueEntry) {
	q.entries = append([]*QueueEntry{e}, q.entries...)
}

// cancel tombstones the first live entry matching user+channel.
func (q *waitQueue) cancel(userID, channelKey string) bool {
	for _, e := range q.entries {
		if !e.cancelled && e.UserID == userID && e.ChannelKey == channelKey {
			e.cancelled = true
			q.tombstone++
			q.maybeCompact()
			return true
		}
	}
	return false
}

// position returns the 1-based position of the first live entry matching
// user+channel, counting only live entries ahead of it. Zero if absent.
func (q *waitQueue) position(userID, channelKey string) int {
	pos := 0
	for _, e := range q.entries {
		if e.cancelled {
			continue
		}
		pos++
		if e.UserID == userID && e.ChannelKey == channelKey {
			return pos
		}
	}
	return 0
}

// len counts live entries.
func (q *waitQueue) len() int {
	return len(q.entries) - q.tombstone
}

func (q *waitQueue) maybeCompact() {
	if q.tombstone < 32 || q.tombstone*2 < len(q.entries) {
		return
	}
	live := q.entries[:0]
	for _, e := range q.entries {
		if !e.cancelled {
			live = append(live, e)
		}
	}
	for i := len(live); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = live
	q.tombstone = 0
}
