// Package paging implements the page-fault handler for swapped entries,
// the eviction orchestrator the frame allocator delegates to on
// exhaustion, and the fork/exit/unmap integration points that keep swap
// slot bookkeeping correct. Grounded on original_source's kalloc.c
// swap_out (the detach-then-unlock-then-I/O-then-PTE-rewrite ordering)
// and on biscuit/src/vm/as.go's Vm_t pmap-locking discipline.
package paging

import (
	"errors"
	"fmt"

	"pager/biscuit/src/lru"
	"pager/biscuit/src/mem"
	"pager/biscuit/src/swap"
	"pager/biscuit/src/util"
)

/// FaultErr distinguishes the page-fault outcomes a caller must
/// escalate differently, mirroring biscuit's defs.Err_t pattern of small
/// typed error codes for conditions that cross a syscall-like boundary.
type FaultErr int

const (
	/// ErrNotSwapped is returned when the faulting PTE is absent or
	/// lacks S: not this subsystem's problem, the caller kills the
	/// process.
	ErrNotSwapped FaultErr = iota + 1
	/// ErrOutOfFrames is returned when a swap-in cannot obtain a fresh
	/// frame even after a recursive eviction attempt.
	ErrOutOfFrames
)

func (e FaultErr) Error() string {
	switch e {
	case ErrNotSwapped:
		return "paging: pte not swapped"
	case ErrOutOfFrames:
		return "paging: out of frames"
	default:
		return "paging: unknown fault error"
	}
}

/// Core is the paging orchestrator: it owns no state of its own beyond
/// references to the allocator, LRU ring and swap store it coordinates,
/// plus the page-table collaborator it rewrites PTEs through.
type Core struct {
	cfg   mem.Config
	alloc *mem.FrameAllocator
	lru   *lru.Tracker
	swap  *swap.Store
	pt    mem.PageTable
	log   *util.Logger
}

/// New wires together an already-constructed allocator, LRU tracker and
/// swap store, and registers itself as the allocator's evictor: an
/// Alloc on an empty free list now invokes Core.EvictOne.
func New(cfg mem.Config, alloc *mem.FrameAllocator, tracker *lru.Tracker, store *swap.Store, pt mem.PageTable) *Core {
	c := &Core{cfg: cfg, alloc: alloc, lru: tracker, swap: store, pt: pt, log: util.Klog}
	alloc.SetEvictor(c)
	return c
}

/// SetLog redirects diagnostic output, mirroring biscuit's sparing
/// console logging (e.g. to capture the swap-full warning in a buffer).
func (c *Core) SetLog(l *util.Logger) { c.log = l }

/// EvictOne selects a victim frame via the clock algorithm, writes it to
/// a freshly allocated swap slot, and rewrites its PTE to point at that
/// slot. The ordering here — detach from the LRU, release the LRU lock,
/// perform I/O, only then rewrite the PTE — is load-bearing: it prevents
/// two evictors from selecting the same victim and prevents a concurrent
/// fault from observing a still-valid PTE pointing at a page now
/// mid-write to disk.
func (c *Core) EvictOne() (mem.FrameID, bool) {
	frame, owner, vaddr, ok := c.lru.SelectAndDetachVictim()
	if !ok {
		return 0, false
	}

	slot, err := c.swap.AllocateSlot()
	if err != nil {
		c.lru.Requeue(frame, owner, vaddr)
		c.log.Printf("paging: eviction aborted, swap full\n")
		return 0, false
	}

	if err := c.swap.Write(c.alloc.Bytes(frame), slot); err != nil {
		panic(fmt.Sprintf("paging: swap write failed: %v", err))
	}

	pte, ok := c.pt.Lookup(owner, vaddr)
	if !ok {
		panic("paging: victim pte vanished during eviction")
	}
	c.pt.Store(owner, vaddr, pte.WithSlot(int(slot)))
	c.pt.Sfence(vaddr)

	return frame, true
}

/// HandlePageFault services a fault on a swapped mapping: look up the
/// slot, obtain a fresh frame (which may itself recurse into eviction
/// exactly once, since each eviction strictly reduces the resident-page
/// count), read the payload back in, rewrite the PTE, release the slot,
/// flush the TLB, and register the frame with the LRU.
func (c *Core) HandlePageFault(owner mem.PageTableID, vaddr uintptr) error {
	pte, ok := c.pt.Lookup(owner, vaddr)
	if !ok || !pte.Swapped() {
		return ErrNotSwapped
	}
	slot := swap.SlotID(pte.SlotID())

	frame, ok := c.alloc.Alloc()
	if !ok {
		return ErrOutOfFrames
	}

	if err := c.swap.Read(c.alloc.Bytes(frame), slot); err != nil {
		panic(fmt.Sprintf("paging: swap read failed: %v", err))
	}

	c.pt.Store(owner, vaddr, pte.WithFrame(frame))
	c.swap.ReleaseSlot(slot)
	c.pt.Sfence(vaddr)
	c.lru.Insert(frame, owner, vaddr)
	return nil
}

/// OnMap registers a newly established resident user mapping with the
/// LRU ring. Call this after installing a fresh V PTE.
func (c *Core) OnMap(owner mem.PageTableID, vaddr uintptr, frame mem.FrameID) {
	c.lru.Insert(frame, owner, vaddr)
}

/// OnUnmap tears down whichever resource backs (owner, vaddr): a
/// resident frame is detached from the LRU and freed; a swapped slot is
/// released. A no-op if there is no mapping at all.
func (c *Core) OnUnmap(owner mem.PageTableID, vaddr uintptr) {
	pte, ok := c.pt.Lookup(owner, vaddr)
	if !ok {
		return
	}
	switch {
	case pte.Valid():
		f := pte.Frame()
		c.lru.Remove(f)
		c.alloc.Free(c.alloc.AddrOf(f))
	case pte.Swapped():
		c.swap.ReleaseSlot(swap.SlotID(pte.SlotID()))
	}
}

/// ErrForkOOM is returned by OnForkPte when copying a resident page for
/// the child requires a frame the allocator cannot supply.
var ErrForkOOM = errors.New("paging: fork could not allocate a frame for the child")

/// OnForkPte derives a child PTE from a parent's, keeping no swap slot
/// or frame shared between parent and child by eagerly copying rather
/// than refcounting: a resident page is copied into a fresh frame, a
/// swapped page's slot contents are copied into a fresh slot via a
/// scratch frame. The caller is responsible for installing the returned
/// PTE in the child's page table and, if resident, calling OnMap to
/// register it with the LRU.
func (c *Core) OnForkPte(src mem.Pte) (mem.Pte, error) {
	switch {
	case src.Valid():
		// Snapshot the parent's payload before allocating: Alloc may
		// itself trigger an eviction, and the victim it picks could be
		// this very frame (it is still a same-owner candidate in the
		// LRU ring until this function returns and the caller installs
		// the child's own mapping). Reading src.Frame() after Alloc
		// would then copy the frame's post-eviction poison pattern
		// instead of the parent's page.
		payload := append([]byte(nil), c.alloc.Bytes(src.Frame())...)
		frame, ok := c.alloc.Alloc()
		if !ok {
			return 0, ErrForkOOM
		}
		copy(c.alloc.Bytes(frame), payload)
		return src.WithFrame(frame), nil

	case src.Swapped():
		srcSlot := swap.SlotID(src.SlotID())
		dstSlot, err := c.swap.AllocateSlot()
		if err != nil {
			return 0, err
		}
		scratch := make([]byte, c.cfg.PageSize)
		if err := c.swap.Read(scratch, srcSlot); err != nil {
			panic(fmt.Sprintf("paging: fork swap read failed: %v", err))
		}
		if err := c.swap.Write(scratch, dstSlot); err != nil {
			panic(fmt.Sprintf("paging: fork swap write failed: %v", err))
		}
		return src.WithSlot(int(dstSlot)), nil

	default:
		return src, nil
	}
}

/// OnExit walks every mapping under owner's page table and releases its
/// backing resource via OnUnmap, as a process's address space is torn
/// down.
func (c *Core) OnExit(owner mem.PageTableID) {
	for _, vaddr := range c.pt.Entries(owner) {
		c.OnUnmap(owner, vaddr)
	}
}

/// SwapStat is the single system call surface exposed to user space: it
/// returns the cumulative read/write counters. Grounded on
/// biscuit/src/accnt/accnt.go's Fetch/To_rusage lock-snapshot shape,
/// minus the byte-serialization step (no user/kernel copy boundary is in
/// this subsystem's scope).
func (c *Core) SwapStat() (reads, writes uint64) {
	return c.swap.Stats()
}
