package arm64

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
)

// Arm64-specific registers.
//
// See https://developer.arm.com/documentation/dui0801/a/Overview-of-AArch64-state/Predeclared-core-register-names-in-AArch64-state

const (
	// General purpose registers. Note that we do not distinguish wn and xn registers
	// because they are the same from the perspective of register allocator, and
	// the size can be determined by the type of the instruction.

	x0 = regalloc.RealRegInvalid + 1 + iota
	x1
	x2
	x3
	x4
	x5
	x6
	x7
	x8
	x9
	x10
	x11
	x12
	x13
	x14
	x15
	x16
	x17
	x18
	x19
	x20
	x21
	x22
	x23
	x24
	x25
	x26
	x27
	x28
	x29
	x30

	// Vector registers. Note that we do not distinguish vn and dn, ... registers
	// because they are the same from the perspective of register allocator, and
	// the size can be determined by the type of the instruction.

	v0
	v1
	v2
	v3
	v4
	v5
	v6
	v7
	v8
	v9
	v10
	v11
	v12
	v13
	v14
	v15
	v16
	v17
	v18
	v19
	v20
	v21
	v22
	v23
	v24
	v25
	v26
	v27
	v28
	v29
	v30
	v31

	// Special registers. They are outside of regalloc.RealRegsNumMax and never members of a RegSet.

	xzr
	sp
	lr  = x30
	fp  = x29
	tmp = x27
)

var (
	x0VReg  = regalloc.FromRealReg(x0, regalloc.RegTypeInt)
	x1VReg  = regalloc.FromRealReg(x1, regalloc.RegTypeInt)
	x2VReg  = regalloc.FromRealReg(x2, regalloc.RegTypeInt)
	x3VReg  = regalloc.FromRealReg(x3, regalloc.RegTypeInt)
	x4VReg  = regalloc.FromRealReg(x4, regalloc.RegTypeInt)
	x5VReg  = regalloc.FromRealReg(x5, regalloc.RegTypeInt)
	x6VReg  = regalloc.FromRealReg(x6, regalloc.RegTypeInt)
	x7VReg  = regalloc.FromRealReg(x7, regalloc.RegTypeInt)
	x8VReg  = regalloc.FromRealReg(x8, regalloc.RegTypeInt)
	x9VReg  = regalloc.FromRealReg(x9, regalloc.RegTypeInt)
	x10VReg = regalloc.FromRealReg(x10, regalloc.RegTypeInt)
	x11VReg = regalloc.FromRealReg(x11, regalloc.RegTypeInt)
	x12VReg = regalloc.FromRealReg(x12, regalloc.RegTypeInt)
	x13VReg = regalloc.FromRealReg(x13, regalloc.RegTypeInt)
	x14VReg = regalloc.FromRealReg(x14, regalloc.RegTypeInt)
	x15VReg = regalloc.FromRealReg(x15, regalloc.RegTypeInt)
	x16VReg = regalloc.FromRealReg(x16, regalloc.RegTypeInt)
	x17VReg = regalloc.FromRealReg(x17, regalloc.RegTypeInt)
	x18VReg = regalloc.FromRealReg(x18, regalloc.RegTypeInt)
	x19VReg = regalloc.FromRealReg(x19, regalloc.RegTypeInt)
	x20VReg = regalloc.FromRealReg(x20, regalloc.RegTypeInt)
	x21VReg = regalloc.FromRealReg(x21, regalloc.RegTypeInt)
	x22VReg = regalloc.FromRealReg(x22, regalloc.RegTypeInt)
	x23VReg = regalloc.FromRealReg(x23, regalloc.RegTypeInt)
	x24VReg = regalloc.FromRealReg(x24, regalloc.RegTypeInt)
	x25VReg = regalloc.FromRealReg(x25, regalloc.RegTypeInt)
	x26VReg = regalloc.FromRealReg(x26, regalloc.RegTypeInt)
	x27VReg = regalloc.FromRealReg(x27, regalloc.RegTypeInt)
	x28VReg = regalloc.FromRealReg(x28, regalloc.RegTypeInt)
	x29VReg = regalloc.FromRealReg(x29, regalloc.RegTypeInt)
	x30VReg = regalloc.FromRealReg(x30, regalloc.RegTypeInt)
	v0VReg  = regalloc.FromRealReg(v0, regalloc.RegTypeFloat)
	v1VReg  = regalloc.FromRealReg(v1, regalloc.RegTypeFloat)
	v2VReg  = regalloc.FromRealReg(v2, regalloc.RegTypeFloat)
	v3VReg  = regalloc.FromRealReg(v3, regalloc.RegTypeFloat)
	v4VReg  = regalloc.FromRealReg(v4, regalloc.RegTypeFloat)
	v5VReg  = regalloc.FromRealReg(v5, regalloc.RegTypeFloat)
	v6VReg  = regalloc.FromRealReg(v6, regalloc.RegTypeFloat)
	v7VReg  = regalloc.FromRealReg(v7, regalloc.RegTypeFloat)
	v8VReg  = regalloc.FromRealReg(v8, regalloc.RegTypeFloat)
	v9VReg  = regalloc.FromRealReg(v9, regalloc.RegTypeFloat)
	v10VReg = regalloc.FromRealReg(v10, regalloc.RegTypeFloat)
	v11VReg = regalloc.FromRealReg(v11, regalloc.RegTypeFloat)
	v12VReg = regalloc.FromRealReg(v12, regalloc.RegTypeFloat)
	v13VReg = regalloc.FromRealReg(v13, regalloc.RegTypeFloat)
	v14VReg = regalloc.FromRealReg(v14, regalloc.RegTypeFloat)
	v15VReg = regalloc.FromRealReg(v15, regalloc.RegTypeFloat)
	v31VReg = regalloc.FromRealReg(v31, regalloc.RegTypeFloat)
	// lr (link register) holds the return address at the function entry.
	lrVReg = x30VReg
	// xzrVReg is the zero register, or the stack pointer depending on the instruction.
	xzrVReg = regalloc.FromRealReg(xzr, regalloc.RegTypeInt)
	spVReg  = regalloc.FromRealReg(sp, regalloc.RegTypeInt)
)

// Registers with a fixed role in generated code.
var (
	// threadVReg holds the address of the current thread's runtime state for the whole method.
	threadVReg = x19VReg
	// scratch registers are owned by the call builders and the prologue. The register allocator never assigns them.
	scratch0VReg = x9VReg
	scratch1VReg = x10VReg
	scratch2VReg = x11VReg
	scratch3VReg = x12VReg
	// moveCycleVReg breaks cycles in parallel moves of integer values.
	moveCycleVReg = x15VReg
	// moveCycleFloatVReg breaks cycles in parallel moves of floating point values.
	moveCycleFloatVReg = v31VReg
	// callTargetVReg holds the target of indirect calls, and the result of the resolution helpers.
	callTargetVReg = x16VReg
	// siteVReg passes the address of a patch site to the runtime helpers.
	siteVReg = x17VReg
)

// reservedRegs are the registers call sites must not use as argument sources.
var reservedRegs = regalloc.NewRegSet(x9, x10, x11, x12, x13, x14, x15, x16, x17, x18, x19, x27, x29, x30, v31)

var regNames = [...]string{
	x0:  "x0",
	x1:  "x1",
	x2:  "x2",
	x3:  "x3",
	x4:  "x4",
	x5:  "x5",
	x6:  "x6",
	x7:  "x7",
	x8:  "x8",
	x9:  "x9",
	x10: "x10",
	x11: "x11",
	x12: "x12",
	x13: "x13",
	x14: "x14",
	x15: "x15",
	x16: "x16",
	x17: "x17",
	x18: "x18",
	x19: "x19",
	x20: "x20",
	x21: "x21",
	x22: "x22",
	x23: "x23",
	x24: "x24",
	x25: "x25",
	x26: "x26",
	x27: "x27",
	x28: "x28",
	x29: "x29",
	x30: "x30",
	xzr: "xzr",
	sp:  "sp",
	v0:  "v0",
	v1:  "v1",
	v2:  "v2",
	v3:  "v3",
	v4:  "v4",
	v5:  "v5",
	v6:  "v6",
	v7:  "v7",
	v8:  "v8",
	v9:  "v9",
	v10: "v10",
	v11: "v11",
	v12: "v12",
	v13: "v13",
	v14: "v14",
	v15: "v15",
	v16: "v16",
	v17: "v17",
	v18: "v18",
	v19: "v19",
	v20: "v20",
	v21: "v21",
	v22: "v22",
	v23: "v23",
	v24: "v24",
	v25: "v25",
	v26: "v26",
	v27: "v27",
	v28: "v28",
	v29: "v29",
	v30: "v30",
	v31: "v31",
}

// RegName returns the name of the given register.
func RegName(r regalloc.RealReg) string {
	if int(r) < len(regNames) && regNames[r] != "" {
		return regNames[r]
	}
	return r.String()
}

// RegByName returns the register with the given name, e.g. "x21" or "v8".
func RegByName(name string) (regalloc.VReg, error) {
	for r, n := range regNames {
		if n == name {
			rr := regalloc.RealReg(r)
			if isVecReg(rr) {
				return regalloc.FromRealReg(rr, regalloc.RegTypeFloat), nil
			}
			return regalloc.FromRealReg(rr, regalloc.RegTypeInt), nil
		}
	}
	return regalloc.VRegInvalid, fmt.Errorf("unknown register %q", name)
}

func isVecReg(r regalloc.RealReg) bool {
	return r >= v0 && r <= v31
}

func formatVRegSized(r regalloc.VReg, size byte) (ret string) {
	if !r.IsRealReg() {
		return "invalid"
	}
	real := r.RealReg()
	switch real {
	case xzr:
		if size == 32 {
			return "wzr"
		}
		return "xzr"
	case sp:
		return "sp"
	}
	name := regNames[real]
	switch r.RegType() {
	case regalloc.RegTypeInt:
		if size == 32 {
			return "w" + name[1:]
		}
		return name
	case regalloc.RegTypeFloat:
		num := strings.TrimPrefix(name, "v")
		switch size {
		case 32:
			return "s" + num
		case 64:
			return "d" + num
		case 128:
			return "q" + num
		}
		return name
	default:
		panic("BUG: invalid register type")
	}
}

func regNumberInEncoding(r regalloc.RealReg) uint32 {
	switch {
	case r >= x0 && r <= x30:
		return uint32(r - x0)
	case isVecReg(r):
		return uint32(r - v0)
	case r == xzr, r == sp:
		return 31
	}
	panic("BUG: invalid register " + strconv.Itoa(int(r)))
}
