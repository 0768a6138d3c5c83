package arm64

import (
	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
)

// References:
// * https://github.com/ARM-software/abi-aa/blob/main/aapcs64/aapcs64.rst#procedure-call-standard
//
// The managed ("private") linkage passes the first eight integer arguments in x0-x7 and the first eight
// floating point arguments in v0-v7, returns in x0 or v0, and keeps the thread pointer in x19 at all times.
// Callees preserve x21-x26, x28 and the low 64 bits of v8-v15; x27 is the assembler temporary. The native
// linkage is AAPCS64: the same argument registers, but the thread (the native environment pointer) is
// passed as a hidden first argument, and callees preserve x19-x28.

var (
	intArgResultRegs   = []regalloc.RealReg{x0, x1, x2, x3, x4, x5, x6, x7}
	floatArgResultRegs = []regalloc.RealReg{v0, v1, v2, v3, v4, v5, v6, v7}

	// ManagedPreservedRegs are preserved across managed calls.
	ManagedPreservedRegs = regalloc.NewRegSet(x21, x22, x23, x24, x25, x26, x28, v8, v9, v10, v11, v12, v13, v14, v15)
	// nativePreservedRegs are preserved across native calls.
	nativePreservedRegs = regalloc.NewRegSet(x19, x20, x21, x22, x23, x24, x25, x26, x27, x28, v8, v9, v10, v11, v12, v13, v14, v15)
)

var managedABIInfo = &backend.ABIRegInfo{
	ArgInts:        intArgResultRegs,
	ArgFloats:      floatArgResultRegs,
	RetInt:         x0,
	RetFloat:       v0,
	Preserved:      ManagedPreservedRegs,
	StackAlignment: 16,
}

var nativeABIInfo = &backend.ABIRegInfo{
	ArgInts:        intArgResultRegs,
	ArgFloats:      floatArgResultRegs,
	RetInt:         x0,
	RetFloat:       v0,
	Preserved:      nativePreservedRegs,
	StackAlignment: 16,
}

// managedABI returns the locations of the arguments of a managed call site.
func managedABI(cs *backend.CallSite) *backend.FunctionABI {
	params := make([]backend.Type, len(cs.Args))
	for i := range cs.Args {
		params[i] = cs.Args[i].Type
	}
	abi := &backend.FunctionABI{}
	abi.Init(managedABIInfo, params, cs.Return)
	return abi
}

// nativeABI returns the locations of the arguments of a native call site. The hidden environment
// pointer is the first parameter, and references are passed as handles, i.e. addresses.
func nativeABI(cs *backend.CallSite) *backend.FunctionABI {
	params := make([]backend.Type, 0, len(cs.Args)+1)
	params = append(params, backend.TypeAddress)
	for i := range cs.Args {
		t := cs.Args[i].Type
		if t.IsRef() {
			t = backend.TypeAddress
		}
		params = append(params, t)
	}
	ret := cs.Return
	if ret.IsRef() {
		ret = backend.TypeAddress
	}
	abi := &backend.FunctionABI{}
	abi.Init(nativeABIInfo, params, ret)
	return abi
}
