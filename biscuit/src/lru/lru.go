// Package lru owns per-frame owner/vaddr metadata and the circular
// doubly-linked ring of UserResident frames used by the clock/
// second-chance victim selector. Grounded on original_source's
// kalloc.c lru_add/lru_remove/swap_out (tail-insert, head-is-the-
// clock-hand, walk-clear-A-continue-else-victim) and, for the
// index-based link shape, on biscuit's Physpg_t.nexti uint32 style.
package lru

import (
	"sync"

	"pager/biscuit/src/mem"
)

type node struct {
	owner  mem.PageTableID
	vaddr  uintptr
	next   mem.FrameID
	prev   mem.FrameID
	inRing bool
}

/// Tracker is the LRU ring: Insert/Remove/SelectAndDetachVictim, each
/// holding the single ring-wide mutex. The ring lives in a flat array
/// indexed by frame number, never by pointer.
type Tracker struct {
	pt mem.PageTable

	mu   sync.Mutex
	ring []node
	head mem.FrameID
}

/// New returns an empty tracker sized for nFrames frames, consulting pt to
/// inspect and clear PTE accessed bits during victim selection.
func New(pt mem.PageTable, nFrames int) *Tracker {
	ring := make([]node, nFrames)
	for i := range ring {
		ring[i].next = mem.NoFrame
		ring[i].prev = mem.NoFrame
	}
	return &Tracker{pt: pt, ring: ring, head: mem.NoFrame}
}

/// Insert attaches a UserResident frame at the back of the ring (the
/// oldest candidate is always at head). Inserting a frame already in the
/// ring is a caller bug and panics.
func (t *Tracker) Insert(f mem.FrameID, owner mem.PageTableID, vaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attach(f, owner, vaddr, false)
}

/// Requeue re-attaches a victim that was detached by SelectAndDetachVictim
/// but could not be evicted (swap exhausted): it goes back at the head so
/// it is the next candidate revisited, rather than becoming newest again.
func (t *Tracker) Requeue(f mem.FrameID, owner mem.PageTableID, vaddr uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attach(f, owner, vaddr, true)
}

func (t *Tracker) attach(f mem.FrameID, owner mem.PageTableID, vaddr uintptr, atHead bool) {
	if t.ring[f].inRing {
		panic("lru: insert of frame already in ring")
	}
	t.ring[f] = node{owner: owner, vaddr: vaddr, inRing: true}
	if t.head == mem.NoFrame {
		t.ring[f].next, t.ring[f].prev = f, f
		t.head = f
		return
	}
	tail := t.ring[t.head].prev
	t.link(tail, f)
	t.link(f, t.head)
	if atHead {
		t.head = f
	}
}

func (t *Tracker) link(a, b mem.FrameID) {
	t.ring[a].next = b
	t.ring[b].prev = a
}

/// Remove detaches f from the ring. A no-op if f is already detached, to
/// tolerate free/unmap races in teardown paths.
func (t *Tracker) Remove(f mem.FrameID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detach(f)
}

func (t *Tracker) detach(f mem.FrameID) {
	if !t.ring[f].inRing {
		return
	}
	n, p := t.ring[f].next, t.ring[f].prev
	if n == f {
		t.head = mem.NoFrame
	} else {
		t.link(p, n)
		if t.head == f {
			t.head = n
		}
	}
	t.ring[f] = node{next: mem.NoFrame, prev: mem.NoFrame}
}

/// SelectAndDetachVictim walks forward from head, clearing the accessed
/// bit of every PTE it passes until it finds one already clear, which
/// becomes the victim: detached from the ring and returned along with its
/// owning page table and vaddr. Entries whose PTE cannot be located or
/// whose V bit is clear are skipped (corruption tolerance, not a panic).
///
/// Termination: the walk stamps head at the start and counts
/// revolutions. Clearing A as it goes guarantees every entry's A bit is
/// clear after one full revolution, so a second revolution without a
/// decision means no entry has a resolvable, valid PTE at all — the walk
/// then gives up rather than spinning forever, using an explicit stamped
/// bound rather than relying solely on ring size.
func (t *Tracker) SelectAndDetachVictim() (frame mem.FrameID, owner mem.PageTableID, vaddr uintptr, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.head == mem.NoFrame {
		return 0, 0, 0, false
	}
	stamp := t.head
	cur := t.head
	wrapped := false
	for {
		rec := t.ring[cur]
		pte, found := t.pt.Lookup(rec.owner, rec.vaddr)
		switch {
		case found && pte.Valid() && !pte.Accessed():
			owner, vaddr = rec.owner, rec.vaddr
			next := rec.next
			t.detach(cur)
			if t.head != mem.NoFrame {
				t.head = next
			}
			return cur, owner, vaddr, true
		case found && pte.Valid():
			t.pt.ClearAccessed(rec.owner, rec.vaddr)
		}

		next := rec.next
		if next == stamp {
			if wrapped {
				return 0, 0, 0, false
			}
			wrapped = true
		}
		t.head = next
		cur = next
	}
}

/// Len reports the number of frames currently in the ring (test/debug
/// use only).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.head == mem.NoFrame {
		return 0
	}
	n := 1
	for cur := t.ring[t.head].next; cur != t.head; cur = t.ring[cur].next {
		n++
	}
	return n
}
