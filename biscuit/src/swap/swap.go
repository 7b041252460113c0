// Package swap owns the swap area on a block device: a bitmap of slot
// occupancy plus page-sized reads/writes through the block layer. Grounded
// on original_source's kalloc.c swap_bitmap/swap_lock and swapwrite/
// swapread (bitmap guarded by its own lock, I/O performed without the lock
// held) and on gopher-os's word-granular bitmap allocator idiom.
package swap

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"pager/biscuit/src/mem"
)

/// SlotID identifies a fixed-size region of the backing block device
/// holding exactly one page, numbered 0..SwapMax.
type SlotID int

/// NoSlot is the invalid/absent-slot sentinel.
const NoSlot SlotID = -1

/// ErrSwapFull is returned by AllocateSlot when the bitmap has no clear
/// bit left. Not a kernel bug, just resource exhaustion.
var ErrSwapFull = errors.New("swap: no free slots")

/// Device is the block layer's consumed interface, narrowed to the
/// io.ReaderAt/io.WriterAt seam that both a real O_DIRECT file and the
/// in-memory test double share.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

/// Store allocates/frees swap slots via a bitmap and moves page-sized
/// payloads to and from a Device. The bitmap and counters are guarded by
/// mu; Read/Write perform the actual transfer without mu held, since block
/// I/O may suspend the calling goroutine.
type Store struct {
	cfg mem.Config
	dev Device

	mu     sync.Mutex
	bitmap []uint64
	reads  uint64
	writes uint64
}

/// Open returns a Store for cfg.SwapMax slots backed by dev. The bitmap
/// starts entirely clear (every slot free).
func Open(cfg mem.Config, dev Device) *Store {
	words := (cfg.SwapMax + 63) / 64
	return &Store{cfg: cfg, dev: dev, bitmap: make([]uint64, words)}
}

/// AllocateSlot performs a linear scan of the bitmap for a clear bit, sets
/// it, and returns the slot index. Returns ErrSwapFull when every slot is
/// in use.
func (s *Store) AllocateSlot() (SlotID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.bitmap {
		word := s.bitmap[w]
		if word == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			idx := w*64 + b
			if idx >= s.cfg.SwapMax {
				break
			}
			if word&(1<<uint(b)) == 0 {
				s.bitmap[w] = word | 1<<uint(b)
				return SlotID(idx), nil
			}
		}
	}
	return NoSlot, ErrSwapFull
}

/// ReleaseSlot clears slot's bit. A second release of an already-free slot
/// is a caller bug and panics.
func (s *Store) ReleaseSlot(slot SlotID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, b := int(slot)/64, uint(int(slot)%64)
	if s.bitmap[w]&(1<<b) == 0 {
		panic(fmt.Sprintf("swap: release of already-free slot %d", slot))
	}
	s.bitmap[w] &^= 1 << b
}

/// Write transfers PAGE_SIZE bytes from buf to slot's block range. May
/// suspend the caller; holds no lock while doing so.
func (s *Store) Write(buf []byte, slot SlotID) error {
	if len(buf) != s.cfg.PageSize {
		panic("swap: write with wrong-sized buffer")
	}
	off := int64(slot) * int64(s.cfg.PageSize)
	if _, err := s.dev.WriteAt(buf, off); err != nil {
		return fmt.Errorf("swap: write slot %d: %w", slot, err)
	}
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

/// Read is the inverse of Write.
func (s *Store) Read(buf []byte, slot SlotID) error {
	if len(buf) != s.cfg.PageSize {
		panic("swap: read with wrong-sized buffer")
	}
	off := int64(slot) * int64(s.cfg.PageSize)
	if _, err := s.dev.ReadAt(buf, off); err != nil {
		return fmt.Errorf("swap: read slot %d: %w", slot, err)
	}
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return nil
}

/// Stats reports the monotonically increasing read/write counters exposed
/// to user space via swapstat.
func (s *Store) Stats() (reads, writes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads, s.writes
}
