// Package dirtylog implements the shared dirty-page bitmap between the VMM
// and the accelerator: sizing, the grow/shrink resize protocol, and the
// word-at-a-time scan-and-drain used for live migration.
//
// Grounded on vhost_get_log_size / vhost_dev_log_resize / vhost_dev_sync_region
// in hw/vhost.c, and on the same []uint64-per-word bitmap shape used by
// bobuhiro11-gokvm's machine.GetAndClearDirtyBitmap for KVM's dirty log.
package dirtylog

import (
	"sync/atomic"
	"unsafe"
)

const (
	// PageSize is the granularity of one bit in the log (LOG_PAGE).
	PageSize = 4096

	// WordBits is the number of pages tracked by one log word (a "chunk").
	WordBits = 64

	// chunkBytes is the number of guest-physical bytes covered by one word.
	chunkBytes = WordBits * PageSize

	// wordSize is the size in bytes of one log word.
	wordSize = 8

	// MarginWords is the hysteresis margin applied on resize (was
	// VHOST_LOG_BUFFER: "allocate an extra 4K bytes to log, to reduce the
	// number of reallocations").
	MarginWords = 4096 / wordSize
)

// Log is the dirty-page bitmap. A nil *Log, or one with zero words, behaves
// like a disabled log: Size returns 0, BaseAddr returns 0, and SyncRegion is
// a no-op.
type Log struct {
	words []uint64
}

// New allocates a log with the given number of words. A size of 0 returns
// nil, matching the "possibly null when new size is 0" resize step.
func New(size int) *Log {
	if size <= 0 {
		return nil
	}

	return &Log{words: make([]uint64, size)}
}

// Size returns the log's size in words.
func (l *Log) Size() int {
	if l == nil {
		return 0
	}

	return len(l.words)
}

// BaseAddr returns the host-virtual address of the log's first word, as a
// plain integer for the SET_LOG_BASE ioctl. This is the one place the
// dirty-log buffer's address crosses from a Go slice into a raw integer;
// everywhere else the *Log handle is carried opaquely.
func (l *Log) BaseAddr() uint64 {
	if l == nil || len(l.words) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&l.words[0])))
}

// Span is a guest-physical range whose coverage counts toward the log size:
// either a memory region or a virtqueue's used-ring window.
type Span struct {
	Start uint64
	Size  uint64
}

// RequiredWords returns the number of words needed to cover every span,
// i.e. max(last_byte)/(WordBits*PageSize) + 1 over all spans
// (vhost_get_log_size).
func RequiredWords(spans []Span) int {
	var need uint64

	for _, s := range spans {
		if s.Size == 0 {
			continue
		}

		last := s.Start + s.Size - 1
		words := last/chunkBytes + 1

		if words > need {
			need = words
		}
	}

	return int(need)
}

// SyncRegion drains the dirty bits covering the intersection of
// [mfirst, mlast] and [rfirst, rlast], a guest-physical window belonging to
// a memory section whose RAM pointer is offsetWithinRegion bytes into its
// owning region. For every set bit, mark is called with
// offsetWithinRegion + bit*PageSize, where bit is the bit's index within its
// word (neither the word's index nor the window's start is added), and
// PageSize.
//
// Word reads are non-atomic in the common all-zero case (cheap, and correct
// because any set bit can only be made MORE visible by a racing writer, never
// less); a dirty word is drained with an atomic fetch-and-zero so concurrent
// writes from the accelerator are never lost (vhost_dev_sync_region).
func SyncRegion(log *Log, offsetWithinRegion, mfirst, mlast, rfirst, rlast uint64, mark func(offset uint64, length int)) {
	if log == nil || len(log.words) == 0 {
		return
	}

	start := max64(mfirst, rfirst)
	end := min64(mlast, rlast)

	if end < start {
		return
	}

	firstWord := start / chunkBytes
	lastWord := end / chunkBytes

	if int(lastWord) >= len(log.words) {
		panic("dirtylog: sync range exceeds log size")
	}

	for w := firstWord; w <= lastWord; w++ {
		if log.words[w] == 0 {
			continue
		}

		word := atomic.SwapUint64(&log.words[w], 0)
		if word == 0 {
			continue
		}

		for b := uint64(0); b < WordBits; b++ {
			if word&(1<<b) == 0 {
				continue
			}

			mark(offsetWithinRegion+b*PageSize, PageSize)
		}
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}
