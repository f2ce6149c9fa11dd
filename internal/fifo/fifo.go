// Package fifo implements the bounded, slab-backed queue used by the CP
// command queue and the PD event queue. Every record lives in one
// contiguous []byte arena carved into equal-size blocks; there is no
// heap allocation once the queue is built, and linkage (which block
// follows which) lives in a small index array alongside the data.
//
// This replaces the byte-stream circular fifo used elsewhere in the
// fieldbus world (SDO block transfer) with a record-oriented slab: OSDP
// queues whole command/event records, never a raw byte stream.
package fifo

import "errors"

// ErrNoSpace is returned by PushBack when the queue is at capacity.
var ErrNoSpace = errors.New("fifo: no space, queue is full")

// ErrRecordTooLarge is returned by PushBack when the record does not
// fit in a single block.
var ErrRecordTooLarge = errors.New("fifo: record larger than block size")

// Slab is a fixed-capacity FIFO of up to blockCount records, each up to
// blockSize bytes, backed by one contiguous arena.
type Slab struct {
	arena     []byte
	blockSize int
	blockLen  []int // valid payload length currently stored in each block
	next      []int // next[i] = index of the block following i in the queue, -1 if tail

	head      int // index of the oldest (front) block, -1 if empty
	tail      int // index of the newest (back) block, -1 if empty
	freeHead  int // index of the first free block, -1 if full
	freeCount int
	count     int
}

// NewSlab builds a Slab with blockCount blocks of blockSize bytes each.
func NewSlab(blockCount, blockSize int) *Slab {
	s := &Slab{
		arena:     make([]byte, blockCount*blockSize),
		blockSize: blockSize,
		blockLen:  make([]int, blockCount),
		next:      make([]int, blockCount),
	}
	s.Clear()
	return s
}

// Clear empties the queue without releasing the arena.
func (s *Slab) Clear() {
	n := len(s.blockLen)
	for i := 0; i < n; i++ {
		if i == n-1 {
			s.next[i] = -1
		} else {
			s.next[i] = i + 1
		}
		s.blockLen[i] = 0
	}
	s.head = -1
	s.tail = -1
	if n == 0 {
		s.freeHead = -1
	} else {
		s.freeHead = 0
	}
	s.freeCount = n
	s.count = 0
}

// Len returns the number of records currently queued.
func (s *Slab) Len() int { return s.count }

// Cap returns the maximum number of records the slab can hold.
func (s *Slab) Cap() int { return len(s.blockLen) }

func (s *Slab) block(i int) []byte {
	off := i * s.blockSize
	return s.arena[off : off+s.blockSize]
}

// PushBack copies record into a free block and appends it to the tail.
// It fails with ErrNoSpace if the queue is full and with
// ErrRecordTooLarge if record does not fit in a block.
func (s *Slab) PushBack(record []byte) error {
	if len(record) > s.blockSize {
		return ErrRecordTooLarge
	}
	if s.freeCount == 0 {
		return ErrNoSpace
	}
	blk := s.freeHead
	s.freeHead = s.next[blk]
	s.freeCount--

	n := copy(s.block(blk), record)
	s.blockLen[blk] = n
	s.next[blk] = -1

	if s.tail == -1 {
		s.head = blk
		s.tail = blk
	} else {
		s.next[s.tail] = blk
		s.tail = blk
	}
	s.count++
	return nil
}

// PopFront removes and returns the oldest record. The returned slice
// aliases internal storage and is only valid until the next mutating
// call on this Slab.
func (s *Slab) PopFront() ([]byte, bool) {
	if s.head == -1 {
		return nil, false
	}
	blk := s.head
	rec := s.block(blk)[:s.blockLen[blk]]

	s.head = s.next[blk]
	if s.head == -1 {
		s.tail = -1
	}
	s.count--

	s.next[blk] = s.freeHead
	s.freeHead = blk
	s.freeCount++
	return rec, true
}

// PeekFront returns the oldest record without removing it.
func (s *Slab) PeekFront() ([]byte, bool) {
	if s.head == -1 {
		return nil, false
	}
	blk := s.head
	return s.block(blk)[:s.blockLen[blk]], true
}
