package jitapi

// Address space of the runtime. Every region is a multiple of 16 bytes and starts at a 16-byte boundary.
const (
	// HostReturnAddress is the return address of the outermost compiled frame. Returning to it
	// hands control back to the host.
	HostReturnAddress uint64 = 0x0800_0000

	// NativeBase is where the entry points of native functions begin, NativeStride bytes apart.
	NativeBase   uint64 = 0x0c00_0000
	NativeStride uint64 = 16

	// CodeBase is where compiled methods are installed.
	CodeBase uint64 = 0x1000_0000
	// CodeLimit is the end of the code region. Direct branches reach every address in [HelperTableBase, CodeLimit).
	CodeLimit uint64 = 0x1400_0000

	// DataAreaBase is the start of the data words shared by generated code and the runtime:
	// call cells, guard words, dispatch offsets and inline caches.
	DataAreaBase uint64 = 0x2000_0000

	// ThreadRegionBase is the start of the per-thread states, ThreadRegionStride bytes apart.
	ThreadRegionBase   uint64 = 0x3000_0000
	ThreadRegionStride uint64 = 0x1000

	// HeapBase is the start of the managed heap.
	HeapBase uint64 = 0x4000_0000

	// StackRegionBase is the start of the per-thread stacks, StackRegionStride bytes apart.
	// Stacks grow down from the end of their region.
	StackRegionBase   uint64 = 0x7000_0000
	StackRegionStride uint64 = 0x10_0000
)

// ThreadRegionAddress returns the address of the i-th thread state.
func ThreadRegionAddress(i int) uint64 {
	return ThreadRegionBase + uint64(i)*ThreadRegionStride
}

// StackRegionAddress returns the lowest address of the i-th stack.
func StackRegionAddress(i int) uint64 {
	return StackRegionBase + uint64(i)*StackRegionStride
}

// NativeAddress returns the entry point of the i-th native function.
func NativeAddress(i int) uint64 {
	return NativeBase + uint64(i)*NativeStride
}
