// Package pager wires the frame allocator, swap store, LRU tracker and
// paging core into the demand-paged physical memory manager described by
// this repository: a single configuration surface plus the composition
// root a boot sequence would call into (boot initialization itself is
// out of this subsystem's scope).
package pager

import (
	"pager/biscuit/src/lru"
	"pager/biscuit/src/mem"
	"pager/biscuit/src/paging"
	"pager/biscuit/src/swap"
)

// Config is the build-time configuration surface: page size, block
// device geometry, the managed physical range, and the swap area's slot
// count.
type Config = mem.Config

// System owns one instance of each of the four components and the
// paging core that coordinates them. KernelEnd..PhysTop is carved up
// into manageable frames at New time; callers still owe a FreeRange call
// (mirroring biscuit's Phys_init / freerange boot sequencing) before the
// pool can satisfy any Alloc.
type System struct {
	Config mem.Config
	Frames *mem.FrameAllocator
	Swap   *swap.Store
	LRU    *lru.Tracker
	Paging *paging.Core
}

// New constructs a System over cfg, using dev as the swap area's backing
// block device and pt as the page-table layer's consumed interface. The
// frame pool starts entirely Kernel-state; call FreeRange on the
// returned System to release the post-kernel region.
func New(cfg mem.Config, dev swap.Device, pt mem.PageTable) *System {
	frames := mem.NewFrameAllocator(cfg)
	store := swap.Open(cfg, dev)
	tracker := lru.New(pt, cfg.Frames())
	core := paging.New(cfg, frames, tracker, store, pt)
	return &System{
		Config: cfg,
		Frames: frames,
		Swap:   store,
		LRU:    tracker,
		Paging: core,
	}
}

// FreeRange releases [start, end) to the frame allocator's free list,
// mirroring the one-time boot call biscuit makes after carving out the
// kernel image.
func (s *System) FreeRange(start, end uintptr) {
	s.Frames.FreeRange(start, end)
}

// Swapstat is the single system call surface exposed to user space: the
// cumulative swap read/write counters.
func (s *System) Swapstat() (reads, writes uint64) {
	return s.Paging.SwapStat()
}
