// Package pageinfo implements the kernel's per-frame metadata array (spec.md
// §4.4): a sparse array at a fixed kernel-virtual base, one 32-byte entry
// per physical frame, backed only over the ranges the memory map covers.
package pageinfo

import (
	"kboot/fixnum"
	"kboot/internal/kernel"
	"kboot/memmap"
	"kboot/vmm"
)

const (
	// InfoBase is the fixed kernel-virtual base of the page-info array.
	InfoBase = uint64(0xFFFF_8080_0000_0000)

	// EntrySize is the size in bytes of one page-info entry.
	EntrySize = 32

	pageSize     = uint64(4096)
	minAllocPhys = uint64(1) << 20 // entries are never backed below 1 MiB
)

// PageType is the low-8-bit page_type enum packed into an entry's flags
// word.
type PageType uint8

const (
	TypeFree PageType = iota
	TypeWired
	TypeWiredBacking
	TypeActive
	TypeActiveWriteback
	TypeInactiveWriteback
	TypePageTable
	TypeOther
)

// PageFlags wraps the dynamic flags-word bit packing (page_type in bits
// [7:0], buddy bin index in bits [15:8] when type is free) behind typed
// getters/setters, per spec §9's "Dynamic field packing" note, so the
// unfixnum/mask/shift/refixnum dance lives in exactly one place.
type PageFlags uint64

func NewPageFlags(t PageType) PageFlags {
	return PageFlags(t)
}

func (f PageFlags) Type() PageType { return PageType(f & 0xFF) }

func (f PageFlags) WithType(t PageType) PageFlags {
	return PageFlags(uint64(f)&^0xFF | uint64(t))
}

func (f PageFlags) Bin() uint8 { return uint8((f >> 8) & 0xFF) }

func (f PageFlags) WithBin(bin uint8) PageFlags {
	return PageFlags(uint64(f)&^0xFF00 | uint64(bin)<<8)
}

// Entry is the decoded, host-side form of one 32-byte page-info record.
type Entry struct {
	Flags PageFlags
	Extra uint64 // fixnum-decoded: source block id, or arbitrary payload
	Next  uint64 // fixnum-decoded physical address, or Nil
	Prev  uint64
}

// Nil is the sentinel "no page" value used in Next/Prev instead of a
// pointer. It is build-specific: the image header carries its own nil
// representation (spec.md's Nil, loader.Header.Nil) for exactly this
// reason, so this package never hardcodes one. SetNil installs the
// header's value; until called, Nil defaults to ^uint64(0) (all bits set,
// the decoded form of fixnum -1).
var Nil = ^uint64(0)

// SetNil installs the header-provided nil sentinel. The loader driver
// calls this once per boot, immediately after parsing the header and
// before Build, buddy.New or any Array.Write runs - every Next/Prev/
// FirstPage sentinel this package or buddy writes must match the value the
// kernel itself was built to recognise as "end of list".
func SetNil(v uint64) {
	Nil = v
}

// mapper is the subset of vmm.Context the array needs.
type mapper interface {
	Map(virt, phys, size uint64, attrs vmm.PageAttrs) (bool, *kernel.Error)
	MemcpyTo(virt uint64, src []byte) bool
	MemcpyFrom(dst []byte, virt uint64) bool
}

// Array is a handle onto the mapped page-info window; it never holds the
// backing bytes itself, only the paging context field accessors go through.
type Array struct {
	ctx mapper
}

func New(ctx mapper) *Array {
	return &Array{ctx: ctx}
}

// AddrFor returns the kernel-virtual address of the info entry for
// physical frame p (p need not be frame-aligned; it is rounded down).
func AddrFor(p uint64) uint64 {
	frame := p / pageSize
	return InfoBase + frame*EntrySize
}

func floorPage(v uint64) uint64 { return v &^ (pageSize - 1) }
func ceilPage(v uint64) uint64  { return (v + pageSize - 1) &^ (pageSize - 1) }

// Build allocates and maps the backing pages for every range in mm, per
// spec §4.4. alloc must only ever hand out frames at physical address
// >= 1 MiB. Adjacent ranges whose info windows share a virtual page are
// detected and the shared page is allocated only once, rather than
// reproducing the "leak a frame" behaviour of the original design.
func Build(ctx mapper, mm *memmap.MemoryMap, alloc vmm.FrameAllocFn) *kernel.Error {
	mapped := make(map[uint64]bool)
	for _, r := range mm.Entries() {
		infoStart := floorPage(InfoBase + (r.Start/pageSize)*EntrySize)
		infoEnd := ceilPage(InfoBase + (r.End/pageSize)*EntrySize)

		for v := infoStart; v < infoEnd; v += pageSize {
			if mapped[v] {
				continue
			}
			phys, err := allocAbove(alloc, minAllocPhys)
			if err != nil {
				return err
			}
			if ok, err := ctx.Map(v, phys, pageSize, vmm.PageAttrs{Writable: true}); err != nil {
				return err
			} else if !ok {
				return kernel.NewError("pageinfo", "failed to map page-info window")
			}
			mapped[v] = true
		}
	}
	return nil
}

// allocAbove retries the allocator until it returns a frame at or above
// minPhys. The loader's allocator hands out frames from a linear pool in
// ascending order in practice, so this terminates quickly; it exists so the
// >= 1 MiB constraint from spec §4.4 is enforced regardless of allocator
// implementation.
func allocAbove(alloc vmm.FrameAllocFn, minPhys uint64) (uint64, *kernel.Error) {
	for {
		phys, err := alloc()
		if err != nil {
			return 0, err
		}
		if phys >= minPhys {
			return phys, nil
		}
	}
}

// Read decodes the entry for physical frame p. The caller must ensure the
// frame's info window is mapped (IsMapped / the memory map covers it);
// reading an unmapped entry is a caller bug, not a recoverable condition.
func (a *Array) Read(p uint64) Entry {
	var buf [EntrySize]byte
	a.ctx.MemcpyFrom(buf[:], AddrFor(p))
	return Entry{
		Flags: PageFlags(fixnum.DecodeUint(leUint64(buf[0:8]))),
		Extra: fixnum.DecodeUint(leUint64(buf[8:16])),
		Next:  fixnum.DecodeUint(leUint64(buf[16:24])),
		Prev:  fixnum.DecodeUint(leUint64(buf[24:32])),
	}
}

// Write encodes and stores e as the info entry for physical frame p.
func (a *Array) Write(p uint64, e Entry) {
	var buf [EntrySize]byte
	putLeUint64(buf[0:8], fixnum.EncodeUint(uint64(e.Flags)))
	putLeUint64(buf[8:16], fixnum.EncodeUint(e.Extra))
	putLeUint64(buf[16:24], fixnum.EncodeUint(e.Next))
	putLeUint64(buf[24:32], fixnum.EncodeUint(e.Prev))
	a.ctx.MemcpyTo(AddrFor(p), buf[:])
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
