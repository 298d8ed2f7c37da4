package kernel

import "kboot/internal/kfmt"

// haltFn is swapped out by tests; in the real driver it halts the process.
var haltFn = func() { panic("kernel halt") }

// Panic reports a fatal, unrecoverable invariant violation (spec §7.3,
// "internal invariants") and halts. Once paging has been partially built the
// loader is committed: no further recovery is attempted past this call.
func Panic(err *Error) {
	kfmt.Printf("\n-----------------------------------\n")
	if err != nil {
		kfmt.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	kfmt.Printf("*** boot loader halted ***\n")
	kfmt.Printf("-----------------------------------\n")
	haltFn()
}
