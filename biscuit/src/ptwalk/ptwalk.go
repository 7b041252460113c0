// Package ptwalk provides a fake implementation of the page-table layer's
// interface (walk(root, vaddr, alloc_intermediates?) -> &mut Pte,
// sfence_vma()). The real page-table walker is out of scope: this
// subsystem only consumes mem.PageTable, and this package exists so the
// swap/lru/paging packages have something to test against, the same
// role biscuit/src/vm/as.go's Vm_t plays for a real pmap but without the
// hardware-specific unsafe.Pointer plumbing that ties that code to
// biscuit's modified runtime.
package ptwalk

import (
	"sync"

	"pager/biscuit/src/mem"
)

type key struct {
	pt    mem.PageTableID
	vaddr uintptr
}

/// Table is an in-memory stand-in for a process's page table: a flat map
/// from (page table id, vaddr) to PTE, guarded by its own lock since the
/// real walker would be invoked by a thread not holding any of the
/// allocator/lru/swap locks: per-process page tables mean the PTE
/// rewrite has to use an atomic store independent of those locks.
type Table struct {
	mu      sync.Mutex
	entries map[key]mem.Pte
	flushed []uintptr // recorded Sfence targets, inspected by tests
}

/// New returns an empty fake page table.
func New() *Table {
	return &Table{entries: make(map[key]mem.Pte)}
}

/// Map installs a brand-new mapping (present or swapped) for (pt, vaddr),
/// as the process layer would after vmregion setup or a fresh fault.
/// Panics if a mapping already exists, mirroring a walker's
/// alloc_intermediates path never being asked to overwrite a live PTE.
func (t *Table) Map(pt mem.PageTableID, vaddr uintptr, entry mem.Pte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{pt, vaddr}
	if _, ok := t.entries[k]; ok {
		panic("ptwalk: mapping already exists")
	}
	t.entries[k] = entry
}

func (t *Table) Lookup(pt mem.PageTableID, vaddr uintptr) (mem.Pte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{pt, vaddr}]
	return e, ok
}

func (t *Table) Store(pt mem.PageTableID, vaddr uintptr, entry mem.Pte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{pt, vaddr}
	if _, ok := t.entries[k]; !ok {
		panic("ptwalk: store to unmapped vaddr")
	}
	t.entries[k] = entry
}

func (t *Table) ClearAccessed(pt mem.PageTableID, vaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{pt, vaddr}
	if e, ok := t.entries[k]; ok {
		t.entries[k] = e.ClearAccessed()
	}
}

/// Unmap removes the mapping for (pt, vaddr). A no-op if absent, matching
/// LruTracker.Remove's teardown-race tolerance.
func (t *Table) Unmap(pt mem.PageTableID, vaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key{pt, vaddr})
}

/// Entries lists every vaddr mapped under pt, for PagingCore.OnExit.
func (t *Table) Entries(pt mem.PageTableID) []uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uintptr
	for k := range t.entries {
		if k.pt == pt {
			out = append(out, k.vaddr)
		}
	}
	return out
}

/// Sfence records the flushed address. A full flush is an acceptable
/// implementation; this fake just remembers the call for test assertions.
func (t *Table) Sfence(vaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushed = append(t.flushed, vaddr)
}

/// FlushCount reports how many Sfence calls have been observed.
func (t *Table) FlushCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flushed)
}

/// Touch sets the A bit as hardware would on a translation through a
/// valid PTE, for tests driving the clock algorithm.
func (t *Table) Touch(pt mem.PageTableID, vaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{pt, vaddr}
	if e, ok := t.entries[k]; ok {
		t.entries[k] = e | mem.PTE_A
	}
}

var _ mem.PageTable = (*Table)(nil)
