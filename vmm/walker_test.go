package vmm

import (
	"testing"

	"kboot/internal/kernel"
	"kboot/platform"
)

// fakeEncoding is a minimal Encoding good enough to exercise GenericContext
// without pulling in an architecture backend: entries are tagged with a
// present bit and a large bit in their low two bits, and the physical
// address occupies the remaining, page-aligned bits.
type fakeEncoding struct{}

const (
	fePresent = 1 << 0
	feLarge   = 1 << 1
)

func (fakeEncoding) Present(entry uint64) bool { return entry&fePresent != 0 }
func (fakeEncoding) IsLarge(entry uint64) bool { return entry&feLarge != 0 }
func (fakeEncoding) EntryPhys(entry uint64) uint64 {
	return entry &^ uint64(fePresent|feLarge)
}
func (fakeEncoding) BuildTableEntry(phys uint64) uint64 { return phys | fePresent }
func (fakeEncoding) BuildLeafEntry(phys uint64, attrs PageAttrs, large bool) uint64 {
	e := phys | fePresent
	if large {
		e |= feLarge
	}
	return e
}
func (fakeEncoding) Canonical(virt uint64) bool { return true }

func newTestContext(t *testing.T, poolSize uint64) (*GenericContext, *platform.PhysMemory) {
	t.Helper()
	mem := platform.NewPhysMemory(poolSize)
	next := uint64(0)
	alloc := func() (uint64, *kernel.Error) {
		if next >= poolSize {
			return 0, kernel.NewError("test", "pool exhausted")
		}
		p := next
		next += PageSize
		return p, nil
	}
	ctx, err := NewGenericContext(mem, alloc, fakeEncoding{}, nil)
	if err != nil {
		t.Fatalf("NewGenericContext: %v", err)
	}
	return ctx, mem
}

func TestMapSmallPageRoundTripsThroughTranslate(t *testing.T) {
	ctx, _ := newTestContext(t, 64<<20)
	const virt, phys = uint64(0x1000), uint64(0x40_0000)

	ok, err := ctx.Map(virt, phys, PageSize, PageAttrs{Writable: true})
	if err != nil || !ok {
		t.Fatalf("Map: ok=%v err=%v", ok, err)
	}
	got, ok := ctx.Translate(virt)
	if !ok || got != phys {
		t.Fatalf("Translate(%#x) = (%#x, %v), want (%#x, true)", virt, got, ok, phys)
	}
}

func TestMapUsesLargePageWhenAligned(t *testing.T) {
	ctx, _ := newTestContext(t, 64<<20)
	const virt, phys = uint64(0), uint64(2 << 20)

	ok, err := ctx.Map(virt, phys, LargePage, PageAttrs{Writable: true})
	if err != nil || !ok {
		t.Fatalf("Map: ok=%v err=%v", ok, err)
	}
	// The middle of the large page must translate to the corresponding
	// offset into its backing 2 MiB region, never to the region's base.
	mid := virt + 0x1234
	got, ok := ctx.Translate(mid)
	if !ok || got != phys+0x1234 {
		t.Fatalf("Translate(%#x) = (%#x, %v), want (%#x, true)", mid, got, ok, phys+0x1234)
	}
}

func TestMapFineGrainedInsideAlreadyLargeLeafFails(t *testing.T) {
	ctx, _ := newTestContext(t, 64<<20)
	const base = uint64(0x1_0000_0000) // 4 GiB aligned, clear of the pool's own frames

	if ok, err := ctx.Map(base, 0x20_0000, LargePage, PageAttrs{Writable: true}); err != nil || !ok {
		t.Fatalf("initial large-page Map failed: ok=%v err=%v", ok, err)
	}

	// A 4 KiB mapping at an address already covered by a large leaf must
	// fail rather than silently reinterpreting the leaf as a table: the
	// loader (transition.Build, memmap.Build) relies on this to detect a
	// placement conflict instead of corrupting an existing mapping.
	ok, err := ctx.Map(base+0x1000, 0x30_0000, PageSize, PageAttrs{Writable: true})
	if err != nil {
		t.Fatalf("Map returned an error instead of ok=false: %v", err)
	}
	if ok {
		t.Fatal("expected Map to fail when descending through an already-present large leaf")
	}
}

func TestMemsetAndMemcpyRoundTrip(t *testing.T) {
	ctx, _ := newTestContext(t, 64<<20)
	const virt, phys = uint64(0x2000), uint64(0x80_0000)

	if ok, err := ctx.Map(virt, phys, PageSize, PageAttrs{Writable: true}); err != nil || !ok {
		t.Fatalf("Map: ok=%v err=%v", ok, err)
	}
	if !ctx.Memset(virt, 0xAB, 16) {
		t.Fatal("Memset failed on a mapped range")
	}
	var buf [16]byte
	if !ctx.MemcpyFrom(buf[:], virt) {
		t.Fatal("MemcpyFrom failed on a mapped range")
	}
	for i, b := range buf {
		if b != 0xAB {
			t.Fatalf("buf[%d] = %#x, want 0xab", i, b)
		}
	}

	data := []byte("0123456789ABCDEF")
	if !ctx.MemcpyTo(virt, data) {
		t.Fatal("MemcpyTo failed on a mapped range")
	}
	var readBack [16]byte
	if !ctx.MemcpyFrom(readBack[:], virt) {
		t.Fatal("MemcpyFrom failed after MemcpyTo")
	}
	if string(readBack[:]) != string(data) {
		t.Fatalf("read back %q, want %q", readBack, data)
	}
}

func TestIsMappedReflectsTranslate(t *testing.T) {
	ctx, _ := newTestContext(t, 64<<20)
	if ctx.IsMapped(0x9000) {
		t.Fatal("expected an unmapped address to report IsMapped == false")
	}
	if ok, err := ctx.Map(0x9000, 0x10_0000, PageSize, PageAttrs{}); err != nil || !ok {
		t.Fatalf("Map: ok=%v err=%v", ok, err)
	}
	if !ctx.IsMapped(0x9000) {
		t.Fatal("expected a mapped address to report IsMapped == true")
	}
}

func TestMapRejectsUnalignedInputs(t *testing.T) {
	ctx, _ := newTestContext(t, 16<<20)
	if ok, err := ctx.Map(1, 0x1000, PageSize, PageAttrs{}); ok || err != ErrUnaligned {
		t.Fatalf("Map(unaligned virt) = (%v, %v), want (false, ErrUnaligned)", ok, err)
	}
}
