package loader

import (
	"testing"

	"golang.org/x/sys/unix"

	"kboot/blockmap"
	"kboot/internal/kernel"
)

// mlockedFramePool is a host-side stand-in for the rest of the bootloader's
// page-chunk allocator (spec §4.6): a monotonic pool of physically
// contiguous frames whose backing memory is pinned with unix.Mlock, so the
// pages chunkSource hands out behave like the real loader's page-chunk
// pages - never paged out from under it while still being written into.
type mlockedFramePool struct {
	mem  []byte
	next uint64
}

func newMlockedFramePool(t *testing.T, size uint64) *mlockedFramePool {
	t.Helper()
	mem := make([]byte, size)
	if err := unix.Mlock(mem); err != nil {
		t.Logf("mlock unavailable in this environment (%v), continuing with an unlocked pool", err)
	} else {
		t.Cleanup(func() { _ = unix.Munlock(mem) })
	}
	return &mlockedFramePool{mem: mem}
}

func (p *mlockedFramePool) AllocFrame() (uint64, *kernel.Error) {
	if p.next >= uint64(len(p.mem)) {
		return 0, kernel.NewError("test", "frame pool exhausted")
	}
	phys := p.next
	p.next += pageSize
	return phys, nil
}

func identityVirt(phys uint64) uint64 { return phys }

func TestChunkSourceStaysWithinOneChunkUntilExhausted(t *testing.T) {
	pool := newMlockedFramePool(t, chunkSize*3)
	src := newChunkSource(pool.AllocFrame, identityVirt)

	chunkPages := chunkSize / pageSize
	var firstVirt, firstPhys uint64
	for i := uint64(0); i < chunkPages; i++ {
		v, p, err := src.next(chunkPages - i)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if i == 0 {
			firstVirt, firstPhys = v, p
		}
		wantV := firstVirt + i*pageSize
		wantP := firstPhys + i*pageSize
		if v != wantV || p != wantP {
			t.Fatalf("slot %d = (%#x, %#x), want (%#x, %#x)", i, v, p, wantV, wantP)
		}
	}
	// Exactly one frame should have been drawn from the pool to back the
	// whole chunk: chunkSource strides through it by pageSize rather than
	// requesting a fresh frame per slot.
	if pool.next != pageSize {
		t.Fatalf("pool consumed %#x bytes backing one chunk, want %#x", pool.next, pageSize)
	}
}

func TestChunkSourceRequestsFreshChunkOnExhaustion(t *testing.T) {
	pool := newMlockedFramePool(t, chunkSize*3)
	src := newChunkSource(pool.AllocFrame, identityVirt)

	chunkPages := chunkSize / pageSize
	for i := uint64(0); i < chunkPages; i++ {
		if _, _, err := src.next(chunkPages - i); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if pool.next != pageSize {
		t.Fatalf("pool consumed %#x bytes after first chunk, want %#x", pool.next, pageSize)
	}

	if _, _, err := src.next(1); err != nil {
		t.Fatalf("next: %v", err)
	}
	if pool.next != 2*pageSize {
		t.Fatalf("pool consumed %#x bytes after rolling over to a new chunk, want %#x", pool.next, 2*pageSize)
	}
}

func TestChunkSourceSizesFinalChunkToPagesLeft(t *testing.T) {
	pool := newMlockedFramePool(t, chunkSize*3)
	src := newChunkSource(pool.AllocFrame, identityVirt)

	// Asking for fewer pages than a whole chunk still only draws one
	// frame from the pool, and that chunk holds exactly the three slots
	// requested: the fourth slot rolls over to a fresh chunk.
	for left := uint64(3); left > 0; left-- {
		if _, _, err := src.next(left); err != nil {
			t.Fatalf("next: %v", err)
		}
		if pool.next != pageSize {
			t.Fatalf("pool consumed %#x bytes with %d pages left, want %#x", pool.next, left, pageSize)
		}
	}
	if _, _, err := src.next(1); err != nil {
		t.Fatalf("next: %v", err)
	}
	if pool.next != 2*pageSize {
		t.Fatalf("pool consumed %#x bytes after the 3-page chunk was used up, want %#x", pool.next, 2*pageSize)
	}
}

// buildMixedWiredDevice extends buildHappyPathDevice's leaf table with one
// extra entry that is present but never wired (data block id 200), at the
// slot immediately after the wired run. Unlike buildHappyPathDevice, not
// every present leaf here is also wired, so it actually distinguishes
// freestanding-mode counting (spec.md §8 scenario 4: freestanding loads
// every present leaf, not just wired ones) from normal-mode counting.
func buildMixedWiredDevice() fakeDevice {
	root := buildBlock(map[uint64]uint64{258: encodeBlockWord(1, blockFlagPresent)})
	l3 := buildBlock(map[uint64]uint64{0: encodeBlockWord(2, blockFlagPresent)})
	l2 := buildBlock(map[uint64]uint64{0: encodeBlockWord(3, blockFlagPresent)})
	leafWords := map[uint64]uint64{}
	for i := uint64(0); i < wiredCount; i++ {
		leafWords[i] = encodeBlockWord(100+i, blockFlagPresent|blockFlagWired|blockFlagZeroFill)
	}
	leafWords[wiredCount] = encodeBlockWord(200, blockFlagPresent|blockFlagZeroFill)
	l1 := buildBlock(leafWords)
	return fakeDevice{blocks: map[uint64][]byte{0: root, 1: l3, 2: l2, 3: l1}}
}

func TestCountPresentLeavesSkipsNonWiredUnlessFreestanding(t *testing.T) {
	device := buildMixedWiredDevice()
	cache := blockmap.NewCache(device, 0)

	count, err := countPresentLeaves(cache, 0, 0, false)
	if err != nil {
		t.Fatalf("countPresentLeaves: %v", err)
	}
	if count != wiredCount {
		t.Fatalf("count = %d, want %d (the present-but-not-wired leaf must be skipped)", count, wiredCount)
	}

	countFreestanding, err := countPresentLeaves(cache, 0, 0, true)
	if err != nil {
		t.Fatalf("countPresentLeaves: %v", err)
	}
	if countFreestanding != wiredCount+1 {
		t.Fatalf("freestanding count = %d, want %d (freestanding mode must also load the present-but-not-wired leaf)", countFreestanding, wiredCount+1)
	}
}
