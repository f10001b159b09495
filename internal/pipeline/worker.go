package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/vertti/pbzip2/internal/bitcursor"
	"github.com/vertti/pbzip2/internal/codec"
	"github.com/vertti/pbzip2/internal/scanner"
)

// worker runs one scan/decode goroutine. Decode jobs strictly preempt
// scanning (workMonitor.GetFirst's priority rule); a worker only ever scans
// when the decode queue is empty, since finished output frees slots faster
// than new scans produce work.
func worker(ctx context.Context, opts Options, work *workMonitor, delivery *deliveryMonitor) error {
	defer delivery.WorkerDone()

	finishedScanning := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, chunk, exit := work.GetFirst(finishedScanning)
		finishedScanning = false
		if exit {
			return nil
		}
		if job != nil {
			if err := runDecodeJob(job, delivery); err != nil {
				return err
			}
			continue
		}

		if err := scanChunk(opts, chunk, work, delivery); err != nil {
			return err
		}
		finishedScanning = true
	}
}

// scanSession is one chunk's scan: it locates every block whose 48-bit
// magic STARTS within the chunk's own words — including one straddling into
// the successor — retrieves each block's compressed body, classifies the
// boundary that follows it, and publishes a decode job per block plus a
// sentinel job per stream boundary.
//
// The session may cross into the successor chunk exactly once, for
// whichever of those steps first runs out of words. A block that does not
// end within the successor cannot be handled (compressed blocks larger
// than the chunk size are out of contract) and is fatal. Crossing
// snapshots the two-chunk window before releasing the current chunk, so
// the buffer can return to the pool while the session keeps scanning the
// copy.
type scanSession struct {
	opts     Options
	work     *workMonitor
	delivery *deliveryMonitor
	chunk    *sChunk

	words    []uint32 // chunk's words, extended once into the successor on crossing
	limitBit int      // block magics must start below this to belong to this session
	held     *sChunk  // the chunk whose refcount the session currently holds
	crossed  bool
	noMore   bool // the successor will never arrive (end of input)

	pending *decodeJob // buffered so the final job can be stamped lastBz
	nextBz  int64
	emitted int
}

func scanChunk(opts Options, chunk *sChunk, work *workMonitor, delivery *deliveryMonitor) error {
	s := &scanSession{
		opts: opts, work: work, delivery: delivery, chunk: chunk,
		words: chunk.words, limitBit: len(chunk.words) * 32, held: chunk,
	}
	err := s.run()
	s.work.ConcludeScan(s.chunk, s.held, s.crossed)
	return err
}

func (s *scanSession) run() error {
	pos := 0

	if s.chunk.id == 1 {
		// The very first chunk begins with a byte-aligned stream header;
		// emit the pseudo-block carrying it before hunting block magics.
		cur := bitcursor.New(s.words)
		bs, err := scanner.ReadStreamHeader(cur)
		if err != nil {
			if s.chunk.loaded == s.opts.InputChunkWords {
				return errors.New("missing bzip2 block header in full first input block")
			}
			return err
		}
		s.emit(&decodeJob{bs100k: bs, endOffs: s.chunk.baseOffset + 4})
		var done bool
		pos, done, err = s.streamStart(cur.ConsumedBits())
		if err != nil {
			return err
		}
		if done {
			s.flushLast()
			return nil
		}
	}

	for {
		magicBit, found, err := s.findMagic(pos)
		if err != nil {
			return err
		}
		if !found {
			break
		}

		bodyStart := magicBit + 48
		wordIdx := bodyStart / 32
		dec := codec.NewDecoder()
		dec.BeginBlock(bodyStart % 32)

		status, err := dec.Retrieve(s.words[wordIdx:])
		for err == nil && status == codec.StatusUnderflow {
			added, eof, cerr := s.cross()
			if cerr != nil {
				return cerr
			}
			if eof {
				return errors.New("unterminated bzip2 block: input ends mid-block")
			}
			status, err = dec.Retrieve(added)
		}
		if err != nil {
			return fmt.Errorf("decoding block at bit %d of input block %d: %w", magicBit, s.chunk.id, err)
		}

		afterBody := wordIdx*32 + dec.BodyBitsConsumed()
		kind, streamCRC, err := s.classifyAt(afterBody)
		if err != nil {
			return err
		}

		s.emit(&decodeJob{decoder: dec, endOffs: s.chunk.baseOffset + int64(afterBody)/8})

		if kind == scanner.BoundaryBlock {
			pos = afterBody
			continue
		}

		next, done, err := s.afterEOS(streamCRC, afterBody+80)
		if err != nil {
			return err
		}
		if done {
			break
		}
		pos, done, err = s.streamStart(next)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	if s.emitted == 0 && s.chunk.loaded == s.opts.InputChunkWords {
		return errors.New("missing bzip2 block header in full input block")
	}
	s.flushLast()
	return nil
}

func (s *scanSession) runJob(j *decodeJob) error { return runDecodeJob(j, s.delivery) }

// emit stamps the session's next (s_id, bz_id) on job and publishes the
// previously buffered one; buffering one job is what lets the session mark
// its final job lastBz at the moment it knows no more will follow.
func (s *scanSession) emit(job *decodeJob) {
	job.sID = s.chunk.id
	job.bzID = s.nextBz
	s.nextBz++
	if s.pending != nil {
		s.work.PushDecodeJob(s.pending)
	}
	s.pending = job
	s.emitted++
}

func (s *scanSession) flushLast() {
	if s.pending != nil {
		s.pending.lastBz = true
		s.work.PushDecodeJob(s.pending)
		s.pending = nil
	}
}

// cross extends the session's window into the successor chunk, servicing
// pending decode jobs while it waits for the splitter to produce one.
// Returns the successor's words (already appended to s.words), or eof=true
// when input is exhausted. A second crossing is a fatal framing error.
func (s *scanSession) cross() (added []uint32, eof bool, err error) {
	if s.crossed {
		return nil, false, errors.New("bzip2 block does not end within the next input chunk")
	}
	if s.noMore {
		return nil, true, nil
	}

	// Snapshot before releasing: once the release lands, the successor's
	// own scanner may drop the last reference and hand the buffer back to
	// the pool.
	combined := make([]uint32, len(s.words), len(s.words)+s.opts.InputChunkWords)
	copy(combined, s.words)

	next, isEOF, aerr := s.work.ReleaseThenAwait(s.runJob, s.held)
	s.held = nil
	if aerr != nil {
		return nil, false, aerr
	}
	s.words = combined
	if isEOF {
		s.noMore = true
		return nil, true, nil
	}
	s.held = next
	s.crossed = true
	s.words = append(s.words, next.words...)
	return next.words, false, nil
}

// findMagic locates the next block magic starting at or after from and
// before limitBit. A magic may start inside the chunk's final 47 bits and
// complete in the successor; that tail window forces a crossing before the
// session can decide between "found", "successor's territory", and "none".
func (s *scanSession) findMagic(from int) (int, bool, error) {
	for {
		if bit, ok := scanner.FindBlockMagic(s.words, from, s.limitBit); ok {
			return bit, true, nil
		}
		tailStart := s.limitBit - 47
		if tailStart < from {
			tailStart = from
		}
		if s.crossed || s.noMore || tailStart >= s.limitBit {
			return 0, false, nil
		}
		_, eof, err := s.cross()
		if err != nil {
			return 0, false, err
		}
		if eof {
			return 0, false, nil
		}
		from = tailStart
	}
}

// classifyAt reads the 48-bit magic at bit position pos of the session
// window (plus the stored CRC, for a stream end), crossing into the
// successor if the sequence straddles the window's edge.
func (s *scanSession) classifyAt(pos int) (scanner.BoundaryKind, uint32, error) {
	for {
		cur := bitcursor.New(s.words)
		err := cur.Discard(pos)
		if err == nil {
			var kind scanner.BoundaryKind
			var crc uint32
			kind, crc, err = scanner.ClassifyBoundary(cur)
			if err == nil {
				return kind, crc, nil
			}
		}
		if !errors.Is(err, bitcursor.ErrUnderflow) {
			return 0, 0, err
		}
		_, eof, cerr := s.cross()
		if cerr != nil {
			return 0, 0, cerr
		}
		if eof {
			return 0, 0, errors.New("truncated bzip2 stream: missing end-of-stream magic")
		}
	}
}

// afterEOS runs after an end-of-stream marker whose stored CRC ended at bit
// position pos. bzip2 pads a stream with zero bits up to a byte boundary;
// a concatenated stream's header, if any, begins at the next byte. When the
// header is present within the window, a transition sentinel carrying both
// the closed stream's CRC and the new stream's bs100k is emitted and the
// bit position just past the header returned. Otherwise — true end of
// input, trailing garbage (ignored, as bunzip2 does), or a header
// straddling into the successor (left to the successor's own scan) — a
// closing sentinel is emitted and the session is done.
func (s *scanSession) afterEOS(streamCRC uint32, pos int) (contPos int, done bool, err error) {
	aligned := (pos + 7) &^ 7

	cur := bitcursor.New(s.words)
	if err := cur.Discard(aligned); err == nil {
		if bs, err := scanner.ReadStreamHeader(cur); err == nil {
			s.emit(&decodeJob{bs100k: bs, streamCRC: streamCRC, endOffs: s.chunk.baseOffset + int64(aligned)/8 + 4})
			return aligned + 32, false, nil
		}
	}
	s.emit(&decodeJob{bs100k: bs100kEOS, streamCRC: streamCRC, endOffs: s.chunk.baseOffset + int64(pos+7)/8})
	return 0, true, nil
}

// streamStart runs immediately after a 32-bit stream header at bit position
// pos: the next token is either the stream's first block magic (returned to
// the scan loop, which rediscovers it at pos) or — for a stream compressed
// from empty input — the end-of-stream marker, handled like any other.
func (s *scanSession) streamStart(pos int) (contPos int, done bool, err error) {
	for {
		kind, crc, err := s.classifyAt(pos)
		if err != nil {
			return 0, false, err
		}
		if kind == scanner.BoundaryBlock {
			return pos, false, nil
		}
		next, done, err := s.afterEOS(crc, pos+80)
		if err != nil || done {
			return 0, done, err
		}
		pos = next
	}
}

// runDecodeJob drives one decode job to completion. A sentinel job
// (decoder == nil) marks a stream boundary and produces a single empty,
// metadata-only sub-block; a real job runs the inverse BWT once and drains
// RLE output in fixed-size sub-blocks.
func runDecodeJob(job *decodeJob, delivery *deliveryMonitor) error {
	if job.decoder == nil {
		delivery.Deliver(subBlock{
			sID: job.sID, bzID: job.bzID, subID: 0,
			lastBz: job.lastBz, lastSub: true, sentinel: true,
			bs100k: job.bs100k, streamCRC: job.streamCRC, endOffs: job.endOffs,
		})
		return nil
	}

	if err := job.decoder.Work(); err != nil {
		return err
	}

	subID := int64(0)
	for {
		buf := make([]byte, outputSubBlockBytes)
		n, status, err := job.decoder.Emit(buf)
		if err != nil {
			return err
		}
		lastSub := status == codec.StatusOK
		sb := subBlock{
			sID: job.sID, bzID: job.bzID, subID: subID,
			lastBz: job.lastBz, lastSub: lastSub,
			data: buf[:n], produced: n,
			endOffs: job.endOffs,
		}
		if lastSub {
			sb.blockCRC = job.decoder.BlockCRC()
			sb.blockLen = job.decoder.BlockLen()
		}
		delivery.Deliver(sb)
		subID++
		if lastSub {
			return nil
		}
	}
}
