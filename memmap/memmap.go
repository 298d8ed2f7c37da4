// Package memmap implements the physical-map builder and kernel-visible
// memory map (spec.md §4.3): mapping all firmware-reported RAM into the
// kernel's physical-map window and producing a sorted, merged, append-only
// list of up to 32 (start, end) ranges.
package memmap

import (
	"github.com/dustin/go-humanize"

	"kboot/internal/kernel"
	"kboot/platform"
	"kboot/vmm"
)

const (
	// PMapBase is the start of the 512 GiB kernel-virtual window that
	// linearly mirrors physical memory.
	PMapBase = uint64(0xFFFF_8000_0000_0000)

	// PMapSize is the size of the physical-map window; regions above it
	// are clipped and discarded with a warning (spec §3).
	PMapSize = uint64(512) << 30

	pageSize      = uint64(4096)
	maxMapEntries = 32
)

var ErrMapFull = kernel.NewError("memmap", "memory map is full and the new range could not be merged")

// Range is a half-open physical address interval [Start, End).
type Range struct {
	Start, End uint64
}

func (r Range) touches(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

func (r Range) union(o Range) Range {
	start, end := r.Start, r.End
	if o.Start < start {
		start = o.Start
	}
	if o.End > end {
		end = o.End
	}
	return Range{Start: start, End: end}
}

// MemoryMap is the sorted, non-overlapping, append-only list of up to 32
// ranges the page-info array and boot-info composer consult to decide where
// per-frame metadata must exist.
type MemoryMap struct {
	entries []Range
}

// New returns an empty memory map.
func New() *MemoryMap {
	return &MemoryMap{}
}

// Entries returns the current sorted, merged range list. The returned slice
// must not be mutated.
func (m *MemoryMap) Entries() []Range {
	return m.entries
}

// Len reports the number of entries currently in the map.
func (m *MemoryMap) Len() int {
	return len(m.entries)
}

// Insert adds [start, end) to the map per spec §4.3's insertion rule: round
// to page boundaries, merge with any overlapping or touching neighbour in
// place, otherwise insert at the sorted position by shifting the suffix up.
// After any modification a coalescing pass merges newly-adjacent entries
// (the spec's "crunch_memory_map" pass, implemented for real rather than
// left a no-op - see SPEC_FULL.md §4).
func (m *MemoryMap) Insert(start, end uint64) *kernel.Error {
	start = floorPage(start)
	end = ceilPage(end)
	if start >= end {
		return nil
	}
	incoming := Range{Start: start, End: end}

	// Merge with the first overlapping/touching entry in place, if any.
	for i := range m.entries {
		if m.entries[i].touches(incoming) {
			m.entries[i] = m.entries[i].union(incoming)
			m.coalesce()
			return nil
		}
	}

	if len(m.entries) >= maxMapEntries {
		return ErrMapFull
	}

	// Find the sorted insertion point: the first entry whose start
	// exceeds the new end.
	pos := len(m.entries)
	for i, e := range m.entries {
		if e.Start > incoming.End {
			pos = i
			break
		}
	}

	m.entries = append(m.entries, Range{})
	copy(m.entries[pos+1:], m.entries[pos:])
	m.entries[pos] = incoming

	m.coalesce()
	return nil
}

// coalesce merges any pair of touching or overlapping neighbours. Insert
// always leaves the list sorted, so a single linear pass suffices.
func (m *MemoryMap) coalesce() {
	if len(m.entries) < 2 {
		return
	}
	merged := m.entries[:1]
	for _, next := range m.entries[1:] {
		last := &merged[len(merged)-1]
		if last.touches(next) {
			*last = last.union(next)
			continue
		}
		merged = append(merged, next)
	}
	m.entries = merged
}

// Covers reports whether physical frame p falls inside any range.
func (m *MemoryMap) Covers(p uint64) bool {
	frame := floorPage(p)
	for _, e := range m.entries {
		if frame >= e.Start && frame < e.End {
			return true
		}
	}
	return false
}

// TotalBytes sums the size of every range in the map.
func (m *MemoryMap) TotalBytes() uint64 {
	var total uint64
	for _, e := range m.entries {
		total += e.End - e.Start
	}
	return total
}

func floorPage(v uint64) uint64 { return v &^ (pageSize - 1) }
func ceilPage(v uint64) uint64  { return (v + pageSize - 1) &^ (pageSize - 1) }

// mapper is the subset of vmm.Context the builder needs; satisfied by any
// architecture backend.
type mapper interface {
	Map(virt, phys, size uint64, attrs vmm.PageAttrs) (bool, *kernel.Error)
}

// Build walks the firmware-reported descriptors and, for each one, rounds
// it to page boundaries, clips it to the physical-map window, maps it at
// PMapBase+start in ctx with the descriptor's cache attribute, and inserts
// it into the returned memory map (spec §4.3). A region dropped entirely by
// clipping is skipped; a region dropped because the map is full is logged
// via the supplied logf and otherwise ignored, matching the "log and drop"
// rule.
func Build(ctx mapper, fw platform.FirmwareMemoryMap, logf func(format string, args ...interface{})) (*MemoryMap, *kernel.Error) {
	m := New()
	for _, d := range fw.Descriptors() {
		start := floorPage(d.Start)
		end := ceilPage(d.End)
		if end > PMapSize {
			if logf != nil {
				logf("memmap: clipping descriptor [%x, %x) to the physical-map window", start, end)
			}
			end = PMapSize
		}
		if start >= end {
			continue
		}

		attrs := vmm.PageAttrs{Writable: true, Executable: false, Device: d.CacheAttr == platform.CacheUncached}
		if ok, err := ctx.Map(PMapBase+start, start, end-start, attrs); err != nil {
			return nil, err
		} else if !ok {
			if logf != nil {
				logf("memmap: failed to map descriptor [%x, %x)", start, end)
			}
			continue
		}

		if err := m.Insert(start, end); err != nil {
			if logf != nil {
				logf("memmap: %s", err.Error())
			}
			continue
		}
	}
	if logf != nil {
		logf("memmap: %s mapped across %d entries", humanize.IBytes(m.TotalBytes()), m.Len())
	}
	return m, nil
}
