// Package pipeline implements the parallel bzip2 decompression pipeline:
// a splitter feeding fixed-size s-chunks to a pool of scan/decode workers,
// reassembled in original order by a muxer.
package pipeline

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// Decompress reads a (possibly multi-stream-concatenated) bzip2 file from
// r and writes its decompressed bytes to w, fanning the scan/decode work
// across opts.Workers goroutines. listener may be nil.
//
// The muxer runs outside the splitter/worker errgroup deliberately: an
// errgroup cancels every member's context the instant any one member
// returns an error, which would cut the muxer off mid-flush and discard a
// prefix it had already validated and written. Instead the muxer is joined
// separately, after the worker group, so a late decode error still leaves
// every byte the muxer managed to reassemble before that point intact in w.
func Decompress(ctx context.Context, r io.Reader, w io.Writer, opts Options, listener Listener) (Stats, error) {
	opts = opts.withDefaults()

	bufPool := newWordBufPool(opts.InputChunkWords)
	slots := newSlotMonitor(opts.Slots)
	delivery := newDeliveryMonitor(opts.Workers)
	work := newWorkMonitor(delivery, bufPool)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	muxErrCh := make(chan error, 1)
	go func() {
		muxErrCh <- muxer(runCtx, w, delivery, slots, listener)
	}()

	g, gctx := errgroup.WithContext(runCtx)

	// A fatal error in any worker must also unblock peers sleeping inside
	// the monitors, which know nothing about contexts.
	go func() {
		<-gctx.Done()
		work.Fail()
		slots.Fail()
	}()

	g.Go(func() error {
		return splitter(r, opts, slots, work, bufPool)
	})
	for range opts.Workers {
		g.Go(func() error {
			return worker(gctx, opts, work, delivery)
		})
	}

	workErr := g.Wait()
	muxErr := <-muxErrCh

	stats := collectStats(slots, work, delivery)

	if workErr != nil {
		return stats, fmt.Errorf("pipeline: %w", workErr)
	}
	if muxErr != nil {
		return stats, fmt.Errorf("pipeline: %w", muxErr)
	}
	return stats, nil
}

func collectStats(slots *slotMonitor, work *workMonitor, delivery *deliveryMonitor) Stats {
	sw, sb := slots.statsSnapshot()
	ww, wb := work.statsSnapshot()
	return Stats{
		SlotWaits:      sw,
		SlotBroadcasts: sb,
		WorkWaits:      ww,
		WorkBroadcasts: wb,
		DeliveryWaits:  delivery.statsSnapshot(),
	}
}
