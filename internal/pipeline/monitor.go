package pipeline

import "sync"

// The three monitors below coordinate the splitter, the workers, and the
// muxer. Each is deliberately NOT a channel: the priority rule (decode jobs
// preempt scans), the broadcast-only-on-predicate-transition rule, and the
// s-chunk refcount release crossing into a second monitor's counters are
// all awkward to express with channels alone.

// slotMonitor is M→S: the free-slot count the splitter blocks on.
type slotMonitor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	free   int
	failed bool

	// Contention counters, surfaced through Stats.
	waits, broadcasts int
}

func newSlotMonitor(numSlots int) *slotMonitor {
	m := &slotMonitor{free: numSlots}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Acquire blocks until a slot is free, then takes it. Returns false if the
// pipeline failed while waiting; the caller should stop producing.
func (m *slotMonitor) Acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.free == 0 && !m.failed {
		m.waits++
		m.cond.Wait()
	}
	if m.failed {
		return false
	}
	m.free--
	return true
}

// Release returns n slot credits in one batch (the muxer returns all
// credits collected by a drain at once).
func (m *slotMonitor) Release(n int) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	wasEmpty := m.free == 0
	m.free += n
	m.mu.Unlock()
	if wasEmpty {
		m.broadcasts++
		m.cond.Broadcast()
	}
}

// Fail unblocks a splitter stuck waiting for a slot that will never come
// back because a worker died.
func (m *slotMonitor) Fail() {
	m.mu.Lock()
	m.failed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// decodeHeap is a small priority queue of pending decode jobs ordered by
// (s_id, bz_id), popped lowest-first.
type decodeHeap struct {
	items []*decodeJob
}

func (h *decodeHeap) push(j *decodeJob) {
	h.items = append(h.items, j)
	i := len(h.items) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !h.items[i].key().less(h.items[parent].key()) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *decodeHeap) popMin() *decodeJob {
	n := len(h.items)
	min := h.items[0]
	h.items[0] = h.items[n-1]
	h.items = h.items[:n-1]
	n--
	i := 0
	for {
		l, r, smallest := 2*i+1, 2*i+2, i
		if l < n && h.items[l].key().less(h.items[smallest].key()) {
			smallest = l
		}
		if r < n && h.items[r].key().less(h.items[smallest].key()) {
			smallest = r
		}
		if smallest == i {
			break
		}
		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
	return min
}

func (h *decodeHeap) empty() bool { return len(h.items) == 0 }

// workMonitor is SW→W: the scan chain plus the decode priority queue,
// shared between scanning and decoding work, with decode strictly
// preempting scan.
//
// The single condvar serves two consumer predicates:
//
//	P_first  = !empty(decodeQ) || nextScan != nil || (eof && scanning == 0)
//	P_second = !empty(decodeQ) || nextScan != nil || eof
//
// Producers broadcast only when a mutation flips one of them from false to
// true. P_first always implies P_second; P_second implies P_first except
// after the eof transition with scanning > 0, which wakes get_second
// waiters and at most once spuriously wakes get_first waiters.
type workMonitor struct {
	mu   sync.Mutex
	cond *sync.Cond

	decodeQ  decodeHeap
	nextScan *sChunk
	eof      bool
	scanning int
	failed   bool

	bufPool  *sync.Pool
	delivery *deliveryMonitor // refcount releases credit slots through W→M

	waits, broadcasts int
}

func newWorkMonitor(delivery *deliveryMonitor, bufPool *sync.Pool) *workMonitor {
	m := &workMonitor{delivery: delivery, bufPool: bufPool}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *workMonitor) predicateFirst() bool {
	return !m.decodeQ.empty() || m.nextScan != nil || (m.eof && m.scanning == 0)
}

func (m *workMonitor) predicateSecond() bool {
	return !m.decodeQ.empty() || m.nextScan != nil || m.eof
}

// anyPredicate is the union wake condition producers test before and after
// a mutation.
func (m *workMonitor) anyPredicate() bool {
	return m.predicateFirst() || m.predicateSecond()
}

// PublishSChunk links a freshly read s-chunk into the scan chain. The chain
// is threaded through the chunks' next pointers; nextScan points at the
// oldest chunk not yet claimed for scanning and is repaired here whenever
// every older chunk has already been claimed.
func (m *workMonitor) PublishSChunk(chunk *sChunk, predecessor *sChunk) {
	m.mu.Lock()
	before := m.anyPredicate()
	// A successor starts with refcount 1 (its own future scanner) plus a
	// second reservation iff the predecessor's scan might still cross into
	// it. That check must happen under this same lock as ConcludeScan's
	// scanDone write, or a concurrent "predecessor finished without
	// crossing" could race this publish and leak a reference forever.
	chunk.refcount = 1
	if predecessor != nil && !predecessor.scanDone {
		chunk.refcount++
	}
	if predecessor != nil {
		predecessor.next = chunk
	}
	if m.nextScan == nil {
		m.nextScan = chunk
	}
	after := m.anyPredicate()
	m.mu.Unlock()
	if !before && after {
		m.broadcasts++
		m.cond.Broadcast()
	}
}

// SetEOF marks input exhausted. At most one spurious wake results, when
// scanning>0 at the time eof is set: P_second becomes true immediately
// (unlocking any AwaitSuccessor waiter) while P_first stays false until
// scanning drains to 0.
func (m *workMonitor) SetEOF() {
	m.mu.Lock()
	before := m.anyPredicate()
	m.eof = true
	after := m.anyPredicate()
	m.mu.Unlock()
	if !before && after {
		m.broadcasts++
		m.cond.Broadcast()
	}
}

// PushDecodeJob enqueues a completed decode job, broadcasting on the same
// before/after transition rule.
func (m *workMonitor) PushDecodeJob(j *decodeJob) {
	m.mu.Lock()
	before := m.anyPredicate()
	m.decodeQ.push(j)
	m.mu.Unlock()
	if !before {
		m.broadcasts++
		m.cond.Broadcast()
	}
}

// Fail aborts all waiters; workers observe it as an exit signal.
func (m *workMonitor) Fail() {
	m.mu.Lock()
	m.failed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

// GetFirst hands a worker its next unit of work: a decode job if any is
// pending, else the next chunk to scan. If finishedScanning, the caller
// just finished scanning a chunk and scanning is decremented before
// evaluating the predicate. Returns exactly one of (job, chunk); both nil
// with exit=true means no more work will ever arrive.
func (m *workMonitor) GetFirst(finishedScanning bool) (job *decodeJob, chunk *sChunk, exit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if finishedScanning {
		m.scanning--
	}
	for {
		if m.failed {
			return nil, nil, true
		}
		if !m.decodeQ.empty() {
			return m.decodeQ.popMin(), nil, false
		}
		if m.nextScan != nil {
			c := m.nextScan
			m.nextScan = c.next
			m.scanning++
			return nil, c, false
		}
		if m.eof && m.scanning == 0 {
			m.broadcasts++
			m.cond.Broadcast()
			return nil, nil, true
		}
		m.waits++
		m.cond.Wait()
	}
}

// AwaitSuccessor waits for the successor of a chunk whose scan ran out of
// words mid-block: same priority rule as GetFirst (a pending decode job
// preempts), but returning the chain's existing next link rather than
// consuming nextScan.
// The caller must have released its current chunk already (ReleaseThenAwait
// does both); AwaitSuccessor may then be called repeatedly, once per decode
// job serviced in the interim, without touching any refcount.
func (m *workMonitor) AwaitSuccessor(current *sChunk) (next *sChunk, job *decodeJob, eof bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.failed {
			return nil, nil, true
		}
		if !m.decodeQ.empty() {
			return nil, m.decodeQ.popMin(), false
		}
		if current.next != nil {
			return current.next, nil, false
		}
		if m.eof {
			return nil, nil, true
		}
		m.waits++
		m.cond.Wait()
	}
}

// ReleaseSChunk drops one reference to chunk, freeing its buffer and
// crediting a slot back through W→M if it was the last.
func (m *workMonitor) ReleaseSChunk(chunk *sChunk) {
	m.mu.Lock()
	chunk.refcount--
	freed := chunk.refcount == 0
	if freed {
		m.recycle(chunk)
	}
	m.mu.Unlock()
	if freed {
		m.delivery.ReleaseSlot()
	}
}

// ConcludeScan ends chunk's scan session. held is the chunk whose reference
// the session still holds: chunk itself if the session never crossed, the
// successor if it did, nil if an end-of-input crossing attempt already
// released everything. When the session never crossed, the successor's
// reservation (granted by PublishSChunk, or skipped if the successor
// arrives after scanDone is set) is undone here under the same lock.
func (m *workMonitor) ConcludeScan(chunk, held *sChunk, crossed bool) {
	m.mu.Lock()
	chunk.scanDone = true
	credits := 0
	if !crossed && chunk.next != nil {
		chunk.next.refcount--
		if chunk.next.refcount == 0 {
			m.recycle(chunk.next)
			credits++
		}
	}
	if held != nil {
		held.refcount--
		if held.refcount == 0 {
			m.recycle(held)
			credits++
		}
	}
	m.mu.Unlock()
	for range credits {
		m.delivery.ReleaseSlot()
	}
}

// recycle returns a freed chunk's word buffer to the pool. Must be called
// with mu held, at the moment refcount reaches zero.
func (m *workMonitor) recycle(chunk *sChunk) {
	if chunk.words == nil {
		return
	}
	m.bufPool.Put(chunk.words[:cap(chunk.words)]) //nolint:staticcheck // pool of slices, matches the Get side
	chunk.words = nil
}

// ReleaseThenAwait releases chunk (the scanner is done reading from it) and
// then waits for its successor, servicing any decode jobs handed back in
// the interim so a long wait doesn't stall other chunks' output. The
// release-before-wait order is what lets the splitter make forward progress
// while this scanner blocks.
func (m *workMonitor) ReleaseThenAwait(run func(*decodeJob) error, chunk *sChunk) (next *sChunk, eof bool, err error) {
	m.ReleaseSChunk(chunk)
	for {
		n, job, isEOF := m.AwaitSuccessor(chunk)
		if job != nil {
			if err := run(job); err != nil {
				return nil, false, err
			}
			continue
		}
		return n, isEOF, nil
	}
}

// deliveryMonitor is W→M: decoded sub-blocks plus released-slot credits
// plus the live-worker count.
type deliveryMonitor struct {
	mu   sync.Mutex
	cond *sync.Cond

	delivery      []subBlock
	releasedSlots int
	workersAlive  int

	waits, broadcasts int
}

func newDeliveryMonitor(workers int) *deliveryMonitor {
	m := &deliveryMonitor{workersAlive: workers}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *deliveryMonitor) predicate() bool {
	return len(m.delivery) > 0 || m.releasedSlots > 0 || m.workersAlive == 0
}

// Deliver appends a decoded sub-block to the unordered delivery list.
func (m *deliveryMonitor) Deliver(sb subBlock) {
	m.mu.Lock()
	before := m.predicate()
	m.delivery = append(m.delivery, sb)
	m.mu.Unlock()
	if !before {
		m.broadcasts++
		m.cond.Broadcast()
	}
}

// ReleaseSlot credits one s-chunk's freed slot, to be forwarded to M→S by
// the muxer's next drain.
func (m *deliveryMonitor) ReleaseSlot() {
	m.mu.Lock()
	before := m.predicate()
	m.releasedSlots++
	m.mu.Unlock()
	if !before {
		m.broadcasts++
		m.cond.Broadcast()
	}
}

// WorkerDone marks one worker as exited.
func (m *deliveryMonitor) WorkerDone() {
	m.mu.Lock()
	before := m.predicate()
	m.workersAlive--
	after := m.predicate()
	m.mu.Unlock()
	if !before && after {
		m.broadcasts++
		m.cond.Broadcast()
	}
}

// Drain waits for new work and returns everything accumulated so far:
// delivered sub-blocks, released slot credits, and whether every worker has
// now exited (the muxer's terminal condition once its reorder queue is also
// empty at the right cursor).
func (m *deliveryMonitor) Drain() (items []subBlock, slots int, allWorkersDone bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.predicate() {
		m.waits++
		m.cond.Wait()
	}
	items = m.delivery
	m.delivery = nil
	slots = m.releasedSlots
	m.releasedSlots = 0
	return items, slots, m.workersAlive == 0
}

func (m *slotMonitor) statsSnapshot() (waits, broadcasts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waits, m.broadcasts
}

func (m *workMonitor) statsSnapshot() (waits, broadcasts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waits, m.broadcasts
}

func (m *deliveryMonitor) statsSnapshot() (waits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waits
}
