package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/vertti/pbzip2/internal/codec"
)

// muxer reassembles decoded sub-blocks into the original byte stream in
// (s_id, bz_id, sub_id) order, forwards released
// s-chunk slots back to the splitter in batches, and validate each stream's
// folded CRC when its boundary sentinel flushes. Runs as its own goroutine
// rather than inside the worker errgroup — see pipeline.go's Decompress for
// why the two must not share fail-together semantics.
func muxer(ctx context.Context, w io.Writer, delivery *deliveryMonitor, slots *slotMonitor, listener Listener) error {
	pending := make(map[subBlockID]subBlock)
	needed := subBlockID{sID: 1, bzID: 0, subID: 0}

	var crcAcc uint32
	blocksInStream := 0
	streamOpen := false
	sawStream := false
	declaredBs := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		items, freedSlots, allWorkersDone := delivery.Drain()
		slots.Release(freedSlots)
		for _, sb := range items {
			pending[sb.key()] = sb
		}

		for {
			sb, ok := pending[needed]
			if !ok {
				break
			}
			delete(pending, needed)

			if sb.produced > 0 {
				if _, err := w.Write(sb.data[:sb.produced]); err != nil {
					return fmt.Errorf("writing output: %w", err)
				}
			}

			if sb.sentinel {
				// A sentinel closes the stream before it (if any) and may
				// open the next. The first sentinel of the file closes
				// nothing; an empty stream validates its stored CRC of 0
				// against the zeroed accumulator.
				if streamOpen || blocksInStream > 0 {
					if crcAcc != sb.streamCRC {
						return fmt.Errorf("stream CRC mismatch: stored %08x, computed %08x",
							sb.streamCRC, crcAcc)
					}
				}
				crcAcc = 0
				blocksInStream = 0
				if sb.bs100k >= 1 {
					streamOpen = true
					sawStream = true
					declaredBs = sb.bs100k
				} else {
					streamOpen = false
					declaredBs = 0
				}
			} else if sb.lastSub {
				crcAcc = codec.FoldStreamCRC(crcAcc, sb.blockCRC)
				blocksInStream++
				if declaredBs > 0 && sb.blockLen > declaredBs*100_000 {
					return fmt.Errorf("block of %d bytes exceeds declared block size %d00k",
						sb.blockLen, declaredBs)
				}
				if listener != nil {
					listener.OnBlockFlushed(sb.endOffs)
				}
			}

			needed = needed.advance(sb)
		}

		if allWorkersDone {
			if len(pending) != 0 {
				return fmt.Errorf("incomplete output: never received sub-block (s_id=%d, bz_id=%d, sub_id=%d)",
					needed.sID, needed.bzID, needed.subID)
			}
			if streamOpen || blocksInStream > 0 {
				return errors.New("truncated bzip2 stream: missing end-of-stream magic")
			}
			if !sawStream {
				return errors.New("not a valid bzip2 file")
			}
			return nil
		}
	}
}

// advance steps the needed cursor: a non-final
// sub-block bumps sub_id; a block's final sub-block bumps bz_id (and resets
// sub_id); a scan session's final block also rolls bz_id back to 0 and
// bumps s_id.
func (id subBlockID) advance(sb subBlock) subBlockID {
	if !sb.lastSub {
		return subBlockID{sID: id.sID, bzID: id.bzID, subID: id.subID + 1}
	}
	if !sb.lastBz {
		return subBlockID{sID: id.sID, bzID: id.bzID + 1, subID: 0}
	}
	return subBlockID{sID: id.sID + 1, bzID: 0, subID: 0}
}
