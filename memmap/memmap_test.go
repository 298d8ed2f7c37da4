package memmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"kboot/internal/kernel"
	"kboot/platform"
	"kboot/vmm"
)

func rangesEqual(t *testing.T, got []Range, want []Range) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func must(t *testing.T, err *kernel.Error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInsertSortedness(t *testing.T) {
	m := New()
	must(t, m.Insert(100, 200))
	must(t, m.Insert(0, 50))
	must(t, m.Insert(300, 400))

	rangesEqual(t, m.Entries(), []Range{{0, 50}, {100, 200}, {300, 400}})
}

func TestInsertMergeTouching(t *testing.T) {
	m := New()
	must(t, m.Insert(10, 20))
	must(t, m.Insert(20, 30))
	rangesEqual(t, m.Entries(), []Range{{10, 30}})
}

func TestInsertMergeOverlapping(t *testing.T) {
	m := New()
	must(t, m.Insert(10, 20))
	must(t, m.Insert(15, 25))
	rangesEqual(t, m.Entries(), []Range{{10, 25}})
}

func TestInsertNoOverlapStaysSeparate(t *testing.T) {
	m := New()
	must(t, m.Insert(0, 10))
	must(t, m.Insert(20, 30))
	rangesEqual(t, m.Entries(), []Range{{0, 10}, {20, 30}})
}

func TestInsertRoundsToPageBoundaries(t *testing.T) {
	m := New()
	must(t, m.Insert(1, 4097))
	rangesEqual(t, m.Entries(), []Range{{0, 8192}})
}

func TestInsertFullMapDrops(t *testing.T) {
	m := New()
	for i := 0; i < maxMapEntries; i++ {
		base := uint64(i) * 0x10000
		must(t, m.Insert(base, base+pageSize))
	}
	if err := m.Insert(0x7FFF_0000, 0x7FFF_0000+pageSize); err == nil {
		t.Fatal("expected ErrMapFull, got nil")
	}
}

type fakeFirmware struct {
	descs []platform.MemoryDescriptor
}

func (f fakeFirmware) Descriptors() []platform.MemoryDescriptor { return f.descs }

type mapCall struct {
	virt, phys, size uint64
}

type fakeMapper struct {
	calls []mapCall
}

func (f *fakeMapper) Map(virt, phys, size uint64, attrs vmm.PageAttrs) (bool, *kernel.Error) {
	f.calls = append(f.calls, mapCall{virt, phys, size})
	return true, nil
}

func TestBuildHappyPathSingleRegion(t *testing.T) {
	fw := fakeFirmware{descs: []platform.MemoryDescriptor{
		{Start: 0, End: 0x10000000, Type: platform.RegionFree},
	}}
	ctx := &fakeMapper{}
	m, err := Build(ctx, fw, nil)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	rangesEqual(t, m.Entries(), []Range{{0, 0x10000000}})
	if len(ctx.calls) != 1 {
		t.Fatalf("expected 1 Map call, got %d", len(ctx.calls))
	}
	if ctx.calls[0].virt != PMapBase {
		t.Fatalf("expected map at PMapBase, got %x", ctx.calls[0].virt)
	}
}

func TestBuildSplitRAM(t *testing.T) {
	fw := fakeFirmware{descs: []platform.MemoryDescriptor{
		{Start: 0, End: 0x0009FC00, Type: platform.RegionFree},
		{Start: 0x100000, End: 0x10000000, Type: platform.RegionFree},
	}}
	ctx := &fakeMapper{}
	m, err := Build(ctx, fw, nil)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 memory map entries, got %d: %v", m.Len(), m.Entries())
	}
}

func TestBuildOversizeRAMClipped(t *testing.T) {
	fw := fakeFirmware{descs: []platform.MemoryDescriptor{
		{Start: 0, End: 0x100_0000_0000, Type: platform.RegionFree},
	}}
	ctx := &fakeMapper{}
	m, err := Build(ctx, fw, nil)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	rangesEqual(t, m.Entries(), []Range{{0, PMapSize}})
}
