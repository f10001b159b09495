package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotMonitor_AcquireRelease(t *testing.T) {
	t.Parallel()

	m := newSlotMonitor(2)
	require.True(t, m.Acquire())
	require.True(t, m.Acquire())

	acquired := make(chan struct{})
	go func() {
		m.Acquire()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire returned with zero free slots")
	case <-time.After(20 * time.Millisecond):
	}

	m.Release(1)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not wake on Release")
	}
}

func TestSlotMonitor_FailUnblocks(t *testing.T) {
	t.Parallel()

	m := newSlotMonitor(1)
	require.True(t, m.Acquire())

	got := make(chan bool, 1)
	go func() { got <- m.Acquire() }()
	m.Fail()

	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not observe Fail")
	}
}

func TestDecodeHeap_PopsLowestKeyFirst(t *testing.T) {
	t.Parallel()

	var h decodeHeap
	for _, id := range []decodeJobID{{3, 0}, {1, 2}, {2, 0}, {1, 0}, {1, 1}} {
		h.push(&decodeJob{sID: id.sID, bzID: id.bzID})
	}

	want := []decodeJobID{{1, 0}, {1, 1}, {1, 2}, {2, 0}, {3, 0}}
	for _, w := range want {
		j := h.popMin()
		assert.Equal(t, w, j.key())
	}
	assert.True(t, h.empty())
}

func TestWorkMonitor_DecodePreemptsScan(t *testing.T) {
	t.Parallel()

	delivery := newDeliveryMonitor(1)
	m := newWorkMonitor(delivery, newWordBufPool(4))

	chunk := &sChunk{id: 1, words: make([]uint32, 4), loaded: 4}
	m.PublishSChunk(chunk, nil)
	m.PushDecodeJob(&decodeJob{sID: 1, bzID: 0})

	job, c, exit := m.GetFirst(false)
	require.False(t, exit)
	require.Nil(t, c, "a ready decode job must preempt an available scan")
	require.NotNil(t, job)

	job, c, exit = m.GetFirst(false)
	require.False(t, exit)
	assert.Nil(t, job)
	assert.Same(t, chunk, c)
}

func TestWorkMonitor_ExitOnEOFWithNoScanners(t *testing.T) {
	t.Parallel()

	delivery := newDeliveryMonitor(1)
	m := newWorkMonitor(delivery, newWordBufPool(4))
	m.SetEOF()

	_, _, exit := m.GetFirst(false)
	assert.True(t, exit)
}

func TestWorkMonitor_ScanChainFollowsPublishOrder(t *testing.T) {
	t.Parallel()

	delivery := newDeliveryMonitor(1)
	m := newWorkMonitor(delivery, newWordBufPool(4))

	c1 := &sChunk{id: 1, words: make([]uint32, 4), loaded: 4}
	m.PublishSChunk(c1, nil)

	// Claim c1 before its successor exists: nextScan must be repaired by
	// the next publish or the chain would strand every later chunk.
	_, got, _ := m.GetFirst(false)
	require.Same(t, c1, got)

	c2 := &sChunk{id: 2, words: make([]uint32, 4), loaded: 4}
	m.PublishSChunk(c2, c1)

	_, got, _ = m.GetFirst(true)
	assert.Same(t, c2, got)
}

func TestWorkMonitor_SuccessorRefcountReservation(t *testing.T) {
	t.Parallel()

	delivery := newDeliveryMonitor(1)
	m := newWorkMonitor(delivery, newWordBufPool(4))

	c1 := &sChunk{id: 1, words: make([]uint32, 4), loaded: 4}
	m.PublishSChunk(c1, nil)
	assert.Equal(t, 1, c1.refcount)

	// c1's scan has not concluded, so c2 carries a reservation for it.
	c2 := &sChunk{id: 2, words: make([]uint32, 4), loaded: 4}
	m.PublishSChunk(c2, c1)
	assert.Equal(t, 2, c2.refcount)

	// c1 concludes without crossing: its own reference and c2's
	// reservation are both released; one slot credit (for c1) lands in W→M.
	m.ConcludeScan(c1, c1, false)
	assert.Equal(t, 0, c1.refcount)
	assert.Equal(t, 1, c2.refcount)

	_, slots, _ := delivery.Drain()
	assert.Equal(t, 1, slots)

	// A chunk published after its predecessor's scan concluded gets no
	// reservation.
	m.ConcludeScan(c2, c2, false)
	c3 := &sChunk{id: 3, words: make([]uint32, 4), loaded: 4}
	m.PublishSChunk(c3, c2)
	assert.Equal(t, 1, c3.refcount)
}

func TestWorkMonitor_CrossedScanReleasesSuccessorReference(t *testing.T) {
	t.Parallel()

	delivery := newDeliveryMonitor(1)
	m := newWorkMonitor(delivery, newWordBufPool(4))

	c1 := &sChunk{id: 1, words: make([]uint32, 4), loaded: 4}
	m.PublishSChunk(c1, nil)
	c2 := &sChunk{id: 2, words: make([]uint32, 4), loaded: 4}
	m.PublishSChunk(c2, c1)

	// c1's scanner crosses: it releases c1 and takes over c2's reservation.
	m.ReleaseSChunk(c1)
	assert.Equal(t, 0, c1.refcount)

	m.ConcludeScan(c1, c2, true)
	assert.Equal(t, 1, c2.refcount, "c2's own scan still holds its reference")

	m.ConcludeScan(c2, c2, false)
	assert.Equal(t, 0, c2.refcount)

	// Exactly one credit per freed chunk, each freed exactly once.
	_, slots, _ := delivery.Drain()
	assert.Equal(t, 2, slots)
}

func TestWorkMonitor_AwaitSuccessorServicesDecodeFirst(t *testing.T) {
	t.Parallel()

	delivery := newDeliveryMonitor(1)
	m := newWorkMonitor(delivery, newWordBufPool(4))

	c1 := &sChunk{id: 1, words: make([]uint32, 4), loaded: 4, refcount: 1}
	c1.next = &sChunk{id: 2, words: make([]uint32, 4), loaded: 4, refcount: 1}
	m.PushDecodeJob(&decodeJob{sID: 1, bzID: 0})

	next, job, eof := m.AwaitSuccessor(c1)
	require.False(t, eof)
	require.Nil(t, next, "a pending decode job preempts the successor hand-off")
	require.NotNil(t, job)

	next, job, eof = m.AwaitSuccessor(c1)
	require.False(t, eof)
	assert.Nil(t, job)
	assert.Same(t, c1.next, next)
}

func TestWorkMonitor_AwaitSuccessorEOF(t *testing.T) {
	t.Parallel()

	delivery := newDeliveryMonitor(1)
	m := newWorkMonitor(delivery, newWordBufPool(4))
	m.SetEOF()

	c := &sChunk{id: 1, words: make([]uint32, 4), loaded: 4, refcount: 1}
	_, _, eof := m.AwaitSuccessor(c)
	assert.True(t, eof)
}

func TestDeliveryMonitor_DrainCollectsAndResets(t *testing.T) {
	t.Parallel()

	m := newDeliveryMonitor(2)
	m.Deliver(subBlock{sID: 1})
	m.Deliver(subBlock{sID: 2})
	m.ReleaseSlot()
	m.ReleaseSlot()
	m.ReleaseSlot()

	items, slots, done := m.Drain()
	assert.Len(t, items, 2)
	assert.Equal(t, 3, slots)
	assert.False(t, done)

	m.WorkerDone()
	m.WorkerDone()
	items, slots, done = m.Drain()
	assert.Empty(t, items)
	assert.Zero(t, slots)
	assert.True(t, done)
}

func TestDeliveryMonitor_DrainWakesOnDeliver(t *testing.T) {
	t.Parallel()

	m := newDeliveryMonitor(1)

	var wg sync.WaitGroup
	wg.Add(1)
	var got []subBlock
	go func() {
		defer wg.Done()
		got, _, _ = m.Drain()
	}()

	m.Deliver(subBlock{sID: 7})
	wg.Wait()
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].sID)
}
