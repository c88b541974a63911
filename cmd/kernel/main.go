package main

// main documents, rather than performs, the kernel's real entry point.
// Biscuit's own kernel runs on a modified Go runtime that calls into
// kernel code directly from assembly before any conventional main
// package is reached; this kernel makes the opposite choice (spec.md
// §1 excludes the bootloader/stage handoff as an external
// collaborator) and runs on an unmodified runtime, so there is no
// assembly stub here to hand a BootInfo to main. A real boot image
// links its own entry stub, fills in a BootInfo from the memory map
// and page tables the bootloader left behind, and calls Boot
// directly; this main only exists so `cmd/kernel` is a buildable
// package, and it panics if it is ever actually executed standalone.
func main() {
	panic("cmd/kernel: main is not a real entry point; a boot image must call Boot(BootInfo) directly")
}
