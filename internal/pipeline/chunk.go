package pipeline

import "github.com/vertti/pbzip2/internal/codec"

// sChunk is one fixed-capacity buffer of input words, shared between at
// most two scanners (its own and its predecessor's), so a plain refcount
// tracks ownership.
type sChunk struct {
	id         int64
	words      []uint32 // length == loaded; nil once freed back to the pool
	loaded     int
	baseOffset int64   // byte offset of words[0] within the original input stream
	next       *sChunk // set by the splitter once the successor is read
	refcount   int
	scanDone   bool // true once this chunk's own scan concludes; see workMonitor.ConcludeScan
}

// decodeJob is a single captured bzip2 block ready for decoding, or a
// metadata-only sentinel (decoder == nil) marking a stream boundary. A
// sentinel with bs100k 1..9 opens a stream; one with bs100kEOS closes a
// stream with no successor stream identified. Either kind carries the previous stream's stored
// CRC for the muxer to validate against.
type decodeJob struct {
	sID, bzID int64
	lastBz    bool // final job of this s-chunk's scan session

	decoder *codec.Decoder // nil for sentinels

	bs100k    int    // sentinel only: 1..9 opens a stream, bs100kEOS ends input
	streamCRC uint32 // sentinel only: the just-closed stream's stored CRC
	endOffs   int64  // byte offset just past this block in the original input
}

// bs100kEOS marks a sentinel that closes a stream with no successor stream
// identified (true end of input, or a transition left to a later chunk's
// scan).
const bs100kEOS = -1

// decodeJobID is the lexicographic (s_id, bz_id) priority key the work
// dispatcher pops decode jobs in order of.
type decodeJobID struct {
	sID, bzID int64
}

func (j decodeJob) key() decodeJobID { return decodeJobID{j.sID, j.bzID} }

// less reports lexicographic (s_id, bz_id) order.
func (a decodeJobID) less(b decodeJobID) bool {
	if a.sID != b.sID {
		return a.sID < b.sID
	}
	return a.bzID < b.bzID
}

// subBlock is up to outputSubBlockBytes of one block's expanded output,
// the unit the muxer reorders and flushes.
type subBlock struct {
	sID, bzID, subID int64
	lastBz, lastSub  bool
	sentinel         bool // stream-boundary marker, no decoded bytes

	data     []byte
	produced int

	blockCRC  uint32 // valid only when lastSub && !sentinel
	blockLen  int    // pre-RLE length of the block, valid when lastSub && !sentinel
	streamCRC uint32 // sentinel only: previous stream's stored CRC
	bs100k    int    // sentinel only: 1..9 or bs100kEOS
	endOffs   int64
}

type subBlockID struct {
	sID, bzID, subID int64
}

func (b subBlock) key() subBlockID { return subBlockID{b.sID, b.bzID, b.subID} }

func (a subBlockID) less(b subBlockID) bool {
	if a.sID != b.sID {
		return a.sID < b.sID
	}
	if a.bzID != b.bzID {
		return a.bzID < b.bzID
	}
	return a.subID < b.subID
}
