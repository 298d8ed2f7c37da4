package kernel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestErrorFormattingIsStable(t *testing.T) {
	err := NewError("memmap", "memory map is full")
	want := "[memmap] memory map is full"
	if diff := cmp.Diff(want, err.Error()); diff != "" {
		t.Fatalf("Error() mismatch (-want +got):\n%s", diff)
	}
	// Calling Error() twice must be stable: callers compare sentinel
	// *Error values with ==, and logging must not mutate them.
	if diff := cmp.Diff(err.Error(), err.Error()); diff != "" {
		t.Fatalf("Error() is not idempotent:\n%s", diff)
	}
}

// TestErrorWrapsSyscallMessages exercises the same "[module] message" shape
// with a real syscall errno's text, the way a BlockDevice implementation
// backed by a raw device file (out of scope; spec.md §1) would report a
// read failure up through kernel.NewError.
func TestErrorWrapsSyscallMessages(t *testing.T) {
	err := NewError("diskimage", unix.ENOENT.Error())
	want := "[diskimage] " + unix.ENOENT.Error()
	if diff := cmp.Diff(want, err.Error()); diff != "" {
		t.Fatalf("Error() mismatch (-want +got):\n%s", diff)
	}
}
