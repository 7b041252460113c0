package mem

import (
	"fmt"
	"sync"
)

/// FrameID indexes the frame-record array; FrameID(0) is the first frame
/// above KernelEnd. Never exposed as a raw address outside this package —
/// the physical address is recoverable via FrameAllocator.AddrOf.
type FrameID uint32

/// NoFrame is the detached/empty-list sentinel.
const NoFrame FrameID = ^FrameID(0)

/// FrameState is the three-way state of a physical frame.
type FrameState uint8

const (
	StateFree FrameState = iota
	StateKernel
	StateUserResident
)

/// frameSlot is the allocator's private per-frame bookkeeping: state plus
/// the free-list link. Owner/vaddr/LRU-ring links live in the lru
/// package's own array: the frame array and the free list are separate
/// shared resources with separate locks.
type frameSlot struct {
	state    FrameState
	freeNext FrameID
}

/// Evictor is implemented by the paging core. FrameAllocator.Alloc calls
/// it when the free list is empty, before reporting failure.
type Evictor interface {
	EvictOne() (FrameID, bool)
}

/// FrameAllocator owns every physical frame in [KernelEnd, PhysTop): a
/// singly-linked LIFO free list plus the byte-addressable backing store
/// used to realize the poison-pattern and round-trip-payload invariants.
/// Grounded on biscuit's Physmem_t free list (_phys_new/_phys_put) and
/// original_source's kalloc/kfree poison bytes and panic message.
type FrameAllocator struct {
	cfg Config

	mu       sync.Mutex
	slots    []frameSlot
	freeHead FrameID
	freeLen  int
	memory   []byte

	evictor Evictor
}

/// NewFrameAllocator allocates the frame-record array and backing store
/// for cfg.Frames() frames. The pool starts empty (all Kernel); call
/// FreeRange to release the post-kernel region, mirroring biscuit's
/// Phys_init / freerange sequencing.
func NewFrameAllocator(cfg Config) *FrameAllocator {
	n := cfg.Frames()
	a := &FrameAllocator{
		cfg:      cfg,
		slots:    make([]frameSlot, n),
		memory:   make([]byte, n*cfg.PageSize),
		freeHead: NoFrame,
	}
	for i := range a.slots {
		a.slots[i] = frameSlot{state: StateKernel, freeNext: NoFrame}
	}
	return a
}

/// SetEvictor installs the eviction delegate used when the free list is
/// exhausted. Must be called before the first Alloc that can miss.
func (a *FrameAllocator) SetEvictor(e Evictor) { a.evictor = e }

/// PageSize returns the configured frame size.
func (a *FrameAllocator) PageSize() int { return a.cfg.PageSize }

/// AddrOf recovers frame's physical base address as frame_idx*PAGE_SIZE +
/// KernelEnd.
func (a *FrameAllocator) AddrOf(f FrameID) uintptr {
	return a.cfg.KernelEnd + uintptr(f)*uintptr(a.cfg.PageSize)
}

func (a *FrameAllocator) indexOf(addr uintptr) FrameID {
	return FrameID((addr - a.cfg.KernelEnd) / uintptr(a.cfg.PageSize))
}

/// Bytes returns the live backing slice for frame f. Callers (swap, lru,
/// paging) use this in place of a raw pointer/Dmap; it is only valid
/// while f is not Free.
func (a *FrameAllocator) Bytes(f FrameID) []byte {
	off := int(f) * a.cfg.PageSize
	return a.memory[off : off+a.cfg.PageSize]
}

/// State reports a frame's current state. Used by tests to check that a
/// frame is on the free list iff its state is Free.
func (a *FrameAllocator) State(f FrameID) FrameState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots[f].state
}

/// MarkKernel marks addr (already page-aligned, within range) as
/// permanently non-evictable kernel memory. Used during setup for frames
/// the kernel image itself occupies, before FreeRange releases the rest.
func (a *FrameAllocator) MarkKernel(addr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots[a.indexOf(addr)].state = StateKernel
}

/// FreeRange bulk-frees [start, end), used once at boot to release the
/// post-kernel region (mirrors biscuit/original_source's freerange).
func (a *FrameAllocator) FreeRange(start, end uintptr) {
	for addr := start; addr+uintptr(a.cfg.PageSize) <= end; addr += uintptr(a.cfg.PageSize) {
		a.free(addr, true)
	}
}

/// Free returns a frame to the free list, poisoning it with 0x01 first to
/// surface dangling reads. Misaligned, out-of-range, or already-free
/// addresses are a caller bug and panic, matching original_source's
/// kfree.
func (a *FrameAllocator) Free(addr uintptr) {
	a.free(addr, false)
}

func (a *FrameAllocator) free(addr uintptr, boot bool) {
	if addr%uintptr(a.cfg.PageSize) != 0 || addr < a.cfg.KernelEnd || addr >= a.cfg.PhysTop {
		panic("kfree")
	}
	f := a.indexOf(addr)

	a.mu.Lock()
	defer a.mu.Unlock()
	if !boot && a.slots[f].state == StateFree {
		panic("kfree")
	}

	buf := a.Bytes(f)
	for i := range buf {
		buf[i] = PoisonFree
	}

	a.slots[f] = frameSlot{state: StateFree, freeNext: a.freeHead}
	a.freeHead = f
	a.freeLen++
}

/// Alloc returns a poisoned (0x05) frame from the free list, or delegates
/// to the installed Evictor on exhaustion. Returns ok=false only when
/// eviction also fails (true out-of-memory), never panics.
func (a *FrameAllocator) Alloc() (FrameID, bool) {
	if f, ok := a.popFree(); ok {
		a.poisonAlloc(f)
		return f, true
	}
	if a.evictor == nil {
		return 0, false
	}
	victim, ok := a.evictor.EvictOne()
	if !ok {
		return 0, false
	}
	a.mu.Lock()
	a.slots[victim] = frameSlot{state: StateUserResident, freeNext: NoFrame}
	a.mu.Unlock()
	a.poisonAlloc(victim)
	return victim, true
}

func (a *FrameAllocator) popFree() (FrameID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.freeHead
	if f == NoFrame {
		return 0, false
	}
	a.freeHead = a.slots[f].freeNext
	a.freeLen--
	a.slots[f] = frameSlot{state: StateUserResident, freeNext: NoFrame}
	return f, true
}

func (a *FrameAllocator) poisonAlloc(f FrameID) {
	buf := a.Bytes(f)
	for i := range buf {
		buf[i] = PoisonAlloc
	}
}

/// FreeCount reports the number of frames currently on the free list.
func (a *FrameAllocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLen
}

/// String renders a short diagnostic, in the pack's bare-Printf style
/// (biscuit's Phys_init/dmap.go logging, no structured logging library).
func (a *FrameAllocator) String() string {
	return fmt.Sprintf("mem: %d/%d frames free", a.FreeCount(), len(a.slots))
}
