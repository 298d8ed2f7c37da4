// Package transition implements the transition planner (spec.md §4.8): an
// auxiliary paging context that identity-maps the loader's own text+data
// range and also maps that same range inside the physical-map window, so
// the architecture trampoline can hop from identity-mapped execution into
// the kernel's high-half addressing without faulting on the instruction
// immediately after the final context switch.
package transition

import (
	"kboot/internal/kernel"
	"kboot/memmap"
	"kboot/vmm"
)

// LoaderImage describes the physical extent of the running loader's own
// code and data, as reported by the platform/linker (out of scope; spec §1).
type LoaderImage struct {
	Start uint64 // physical address of the loader's first byte
	Size  uint64
}

// Build constructs the transition context: identity-mapped loader range plus
// the same range aliased at memmap.PMapBase+Start. It also maps the loader
// range into kernelCtx at its physical-map alias, satisfying invariant 6
// ("the loader image itself is mapped both identity and at
// PMAP_BASE+loader").
func Build(newCtx vmm.ContextBuilder, alloc vmm.FrameAllocFn, kernelCtx vmm.Context, img LoaderImage) (vmm.Context, *kernel.Error) {
	ctx, err := newCtx(alloc)
	if err != nil {
		return nil, err
	}

	attrs := vmm.PageAttrs{Writable: true, Executable: true}

	if ok, err := ctx.Map(img.Start, img.Start, img.Size, attrs); err != nil {
		return nil, err
	} else if !ok {
		return nil, kernel.NewError("transition", "failed to identity-map loader image")
	}

	pmapVirt := memmap.PMapBase + img.Start
	if ok, err := ctx.Map(pmapVirt, img.Start, img.Size, attrs); err != nil {
		return nil, err
	} else if !ok {
		return nil, kernel.NewError("transition", "failed to alias loader image into the physical-map window")
	}

	if ok, err := kernelCtx.Map(pmapVirt, img.Start, img.Size, attrs); err != nil {
		return nil, err
	} else if !ok {
		return nil, kernel.NewError("transition", "failed to map loader image into the kernel context's physical-map window")
	}

	return ctx, nil
}
