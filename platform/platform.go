// Package platform describes the small set of services the rest of the
// bootloader (device probing, filesystem drivers, firmware glue - all out
// of scope per spec.md §1) provides to the loader core: block I/O, a
// page-granular physical allocator, a firmware memory-map enumerator, a
// video-mode selector and an architecture "enter kernel" trampoline.
package platform

import "kboot/internal/kernel"

// PhysMemory models the physical address space the loader constructs its
// paging structures and loaded pages in. In real firmware this is simply
// "memory"; here it stands in for it so the loader core can be exercised
// host-side against a mock block device and a mock allocator (spec §8).
type PhysMemory struct {
	Bytes []byte
}

// NewPhysMemory allocates a zeroed PhysMemory large enough to address
// [0, size).
func NewPhysMemory(size uint64) *PhysMemory {
	return &PhysMemory{Bytes: make([]byte, size)}
}

// ReadAt copies len(dst) bytes starting at the physical address phys.
func (m *PhysMemory) ReadAt(phys uint64, dst []byte) {
	copy(dst, m.Bytes[phys:])
}

// WriteAt copies src into physical memory starting at phys.
func (m *PhysMemory) WriteAt(phys uint64, src []byte) {
	copy(m.Bytes[phys:], src)
}

// Zero clears size bytes of physical memory starting at phys.
func (m *PhysMemory) Zero(phys, size uint64) {
	clear(m.Bytes[phys : phys+size])
}

// Fill sets size bytes of physical memory starting at phys to value.
func (m *PhysMemory) Fill(phys uint64, value byte, size uint64) {
	region := m.Bytes[phys : phys+size]
	for i := range region {
		region[i] = value
	}
}

// BlockDevice is the 4 KiB block-addressed source of the on-disk image: the
// block map, the loader's own wired page contents, and the image header all
// come from here. The rest of the bootloader supplies the concrete
// implementation (a raw block device or a filesystem file handle); this
// module's `diskimage` package backs it with a memory-mapped file for
// host-side testing.
type BlockDevice interface {
	// ReadBlock reads the 4 KiB block identified by id into dst, which
	// must be exactly 4096 bytes long.
	ReadBlock(id uint64, dst []byte) *kernel.Error
}

// Allocator is the page-granular physical allocator supplied by the rest of
// the bootloader (spec §1's memory_alloc). Every frame handed out is 4 KiB
// aligned and never returned to the pool until MemoryFinalize runs.
type Allocator interface {
	AllocFrame() (phys uint64, err *kernel.Error)
}

// MemoryRegionType classifies a firmware-reported physical memory
// descriptor.
type MemoryRegionType uint8

const (
	RegionFree MemoryRegionType = iota
	RegionReserved
	RegionACPIReclaimable
	RegionACPINVS
	RegionMMIO
)

// CacheAttr selects the memory attribute the physical-map builder uses when
// mapping a descriptor's range (spec §4.3 step 3).
type CacheAttr uint8

const (
	CacheNormal CacheAttr = iota
	CacheUncached
)

// MemoryDescriptor is one entry of the firmware-reported memory map (BIOS
// E820 list, EFI memory map, or a platform-reported range list on embedded
// targets). Start/End need not be page-aligned.
type MemoryDescriptor struct {
	Start, End uint64
	Type       MemoryRegionType
	CacheAttr  CacheAttr
}

// FirmwareMemoryMap enumerates the descriptors firmware provides.
type FirmwareMemoryMap interface {
	Descriptors() []MemoryDescriptor
}

// FinalizedFrameType classifies a frame in the loader's own internal memory
// map, as returned by MemoryFinalize (spec §4.7).
type FinalizedFrameType uint8

const (
	// FinalizeFree frames are released into the buddy allocator.
	FinalizeFree FinalizedFrameType = iota
	// FinalizePageTables frames are kept by the kernel as page-table
	// frames (page-info type page_table).
	FinalizePageTables
	// FinalizeRetained frames are retained by the loader or already
	// wired and require no further action from the buddy builder.
	FinalizeRetained
)

// FinalizedFrame is one contiguous run of the loader's post-consumption
// memory map.
type FinalizedFrame struct {
	Start, End uint64
	Type       FinalizedFrameType
}

// Finalizer returns the bootloader's own internal memory map once the
// loader has finished consuming its scratch allocator pool (spec §4.7,
// "memory_finalize").
type Finalizer interface {
	MemoryFinalize() []FinalizedFrame
}

// VideoMode describes the selected boot video mode (spec §4.9's video
// descriptor: framebuffer address, width, pitch, height, layout id).
type VideoMode struct {
	FramebufferPhys      uint64
	Width, Pitch, Height uint64
	LayoutID             uint64
}

// VideoSelector is the platform's video-mode selector (spec §2).
type VideoSelector interface {
	SelectVideoMode() (VideoMode, bool)
}

// PlatformPointers carries the raw physical pointers the platform glue
// layer discovers (ACPI RSDP, FDT, EFI system table) for the boot-info
// composer (spec §4.9). A zero value means "absent".
type PlatformPointers struct {
	ACPIRSDP       uint64
	FDTAddress     uint64
	EFISystemTable uint64
}

// Trampoline is the architecture-specific "enter kernel" contract (spec §6).
// Enter never returns.
type Trampoline interface {
	Enter(transitionRoot, kernelRoot uint64, entryFref, initialProcess, bootInfoVAddr, nilValue, initialStackPointer uint64)
}
