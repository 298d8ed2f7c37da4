// Package vmm implements the paging writer (spec.md §4.2): building
// 4-level page tables for a kernel address space, mapping large pages where
// alignment permits, and reading/writing through the under-construction
// tables. The 4-level radix walk is identical in shape on amd64 and arm64
// (512-entry 4 KiB tables indexed by 9 bits at shifts 39/30/21/12); only the
// entry bit layout and the canonical-address rule differ, so those are the
// only things the two backend packages (vmm/amd64, vmm/arm64) supply.
package vmm

import "kboot/internal/kernel"

const (
	PageSize    = uint64(1 << 12)
	LargePage   = uint64(1 << 21) // 2 MiB
	PageShift   = 12
	EntriesPerTable = 512
	TableSize   = EntriesPerTable * 8
)

var (
	ErrNonCanonical  = kernel.NewError("vmm", "virtual address is not in a canonical range")
	ErrUnaligned     = kernel.NewError("vmm", "address or size is not page aligned")
	ErrAllocFailed   = kernel.NewError("vmm", "physical frame allocator exhausted")
	ErrUnmappedRange = kernel.NewError("vmm", "range contains an unmapped page")
)

// PageAttrs describes the permissions and cacheability requested for a
// mapping. Device implies uncached, used for MMIO and the low-address
// ranges on embedded targets (spec §4.3 step 3).
type PageAttrs struct {
	Writable   bool
	Executable bool
	Device     bool
}

// Context is an under-construction paging tree: a top-level root frame plus
// whatever intermediate tables Map has allocated so far. Two distinct
// Contexts are built per boot (the kernel context and the transition
// context, spec §4.8) and both are owned exclusively by the loader until
// hand-off.
type Context interface {
	// Map maps [virt, virt+size) to [phys, phys+size). virt, phys and
	// size must be 4 KiB aligned and virt must lie in a canonical range.
	// 2 MiB pages are used where virt and phys agree modulo 2 MiB;
	// otherwise 4 KiB pages are used. Returns false for a non-canonical
	// virt or misaligned inputs.
	Map(virt, phys, size uint64, attrs PageAttrs) (bool, *kernel.Error)

	// Memset writes size copies of b starting at virt, walking the
	// context's own page tables. Returns false if any page in the range
	// is unmapped.
	Memset(virt uint64, b byte, size uint64) bool

	// MemcpyTo writes src into the range starting at virt.
	MemcpyTo(virt uint64, src []byte) bool

	// MemcpyFrom reads len(dst) bytes starting at virt into dst.
	MemcpyFrom(dst []byte, virt uint64) bool

	// IsMapped reports whether virt is backed by a present leaf entry.
	IsMapped(virt uint64) bool

	// Translate resolves virt to its backing physical address.
	Translate(virt uint64) (phys uint64, ok bool)

	// RootPhys returns the physical address of the top-level table,
	// handed to the architecture trampoline at entry.
	RootPhys() uint64
}

// FrameAllocFn allocates a single zeroed physical frame for a new
// intermediate page-table level. The returned frame's physical-memory type
// must be tagged page_table by the caller (invariant 5): Context
// implementations call onTableAlloc (if non-nil) with every frame they
// allocate for this purpose so the caller can do so.
type FrameAllocFn func() (phys uint64, err *kernel.Error)

// ContextBuilder constructs a fresh, empty Context given a frame allocator;
// vmm/amd64.NewContext and vmm/arm64.NewContext are both bindable to this
// shape once their mem/onTableAlloc arguments are closed over.
type ContextBuilder func(alloc FrameAllocFn) (Context, *kernel.Error)
