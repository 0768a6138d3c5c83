package arm64

import (
	"fmt"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

type (
	// instruction represents either a real instruction in arm64, or the meta instructions
	// that are convenient for code generation. Every instruction but nop0 is encoded into
	// exactly one 32-bit word, so the offset of an instruction is known before encoding.
	//
	// Each field is interpreted depending on the kind.
	instruction struct {
		kind       instructionKind
		prev, next *instruction
		u1, u2, u3 uint64
		rd, rm, rn regalloc.VReg
		amode      addressMode
		// sym is the symbolic name of a call target, used for printing only.
		sym string
	}

	// instructionKind represents the kind of instruction.
	// This controls how the instruction struct is interpreted.
	instructionKind byte
)

const (
	// nop0 represents a no-op of zero size. It is the anchor of labels.
	nop0 instructionKind = iota + 1
	// guardNop is a patchable no-op. It falls through while the guard at the data word u1 is armed,
	// and branches to the label u2 once tripped.
	guardNop
	// movZ is a MOVZ instruction: rd = u1 << u2.
	movZ
	// movK is a MOVK instruction: rd[u2+15:u2] = u1.
	movK
	// mov64 copies rn to rd. Either may be sp.
	mov64
	// fpuMov64 copies the 64-bit floating point register rn to rd.
	fpuMov64
	// aluRRImm12 is rd = rn <op u1> u2, where u2 is a 12-bit unsigned immediate.
	aluRRImm12
	// aluRRR is rd = rn <op u1> rm.
	aluRRR
	// load reads u1 bits from amode into rd. u2 == 1 means sign-extend.
	load
	// store writes the low u1 bits of rn to amode.
	store
	// storePair64 writes rn and rm to amode and amode+8.
	storePair64
	// condBr branches to the label u2 if the condition u1 holds.
	condBr
	// br branches to the label u2.
	br
	// cbz branches to the label u2 if rn is zero (u1 == 0) or non-zero (u1 == 1). u3 == 0 means 32-bit test.
	cbz
	// tbz branches to the label u2 if the bit u3 of rn is zero (u1 == 0) or one (u1 == 1).
	tbz
	// call is a branch-and-link to the absolute address u1 (a resolved method or a runtime helper).
	call
	// callCell is a patchable branch-and-link whose target is the word at the data address u1.
	// The initial target is the label u2.
	callCell
	// callInd is a branch-and-link to rn.
	callInd
	// brInd branches to rn without linking.
	brInd
	// ret returns to the address in lr.
	ret
	// adr loads the address of the label u2 into rd.
	adr
	// ldaxr is a load-acquire exclusive of the 64-bit word at rn into rd.
	ldaxr
	// stlxr is a store-release exclusive of rm to the 64-bit word at rn. rd is the 32-bit status (0: stored).
	stlxr
	// dmb is a full data memory barrier.
	dmb
	// extend is rd = extend(rn) from u1 bits; u2 == 1 means sign extension.
	extend
	// cSet is rd = 1 if the condition u1 holds, 0 otherwise.
	cSet
	// cSel is rd = condition u1 ? rn : rm.
	cSel
	numInstructionKinds
)

// aluOp is the operation of aluRRImm12 and aluRRR.
type aluOp byte

const (
	aluOpAdd aluOp = iota + 1
	aluOpSub
	// aluOpSubS is sub setting the flags. With xzr as the destination, it is a compare.
	aluOpSubS
	aluOpAnd
	aluOpOrr
)

// String implements fmt.Stringer.
func (a aluOp) String() string {
	switch a {
	case aluOpAdd:
		return "add"
	case aluOpSub:
		return "sub"
	case aluOpSubS:
		return "subs"
	case aluOpAnd:
		return "and"
	case aluOpOrr:
		return "orr"
	}
	panic(int(a))
}

// condFlag represents the condition of condBr, cSet and cSel.
type condFlag byte

const (
	eq condFlag = iota // eq represents "equal"
	ne                 // ne represents "not equal"
	hs                 // hs represents "higher or same"
	lo                 // lo represents "lower"
	hi                 // hi represents "higher"
	ls                 // ls represents "lower or same"
	ge                 // ge represents "greater or equal"
	lt                 // lt represents "less than"
	gt                 // gt represents "greater than"
	le                 // le represents "less than or equal"
)

// String implements fmt.Stringer.
func (c condFlag) String() string {
	switch c {
	case eq:
		return "eq"
	case ne:
		return "ne"
	case hs:
		return "hs"
	case lo:
		return "lo"
	case hi:
		return "hi"
	case ls:
		return "ls"
	case ge:
		return "ge"
	case lt:
		return "lt"
	case gt:
		return "gt"
	case le:
		return "le"
	}
	panic(fmt.Sprintf("unknown condFlag: %d", byte(c)))
}

// invert returns the negation of the condition.
func (c condFlag) invert() condFlag {
	switch c {
	case eq:
		return ne
	case ne:
		return eq
	case hs:
		return lo
	case lo:
		return hs
	case hi:
		return ls
	case ls:
		return hi
	case ge:
		return lt
	case lt:
		return ge
	case gt:
		return le
	case le:
		return gt
	}
	panic(c)
}

type addressModeKind byte

const (
	// addressModeKindRegUnsignedImm12 is [rn, #imm] where imm is a multiple of the access size in [0, 4095*size].
	addressModeKindRegUnsignedImm12 addressModeKind = iota + 1
	// addressModeKindRegSignedImm9 is [rn, #imm] where imm is in [-256, 255].
	addressModeKindRegSignedImm9
	// addressModeKindRegReg is [rn, rm].
	addressModeKindRegReg
)

type addressMode struct {
	kind   addressModeKind
	rn, rm regalloc.VReg
	imm    int64
}

func (a addressMode) format(dstSizeBits byte) string {
	base := formatVRegSized(a.rn, 64)
	switch a.kind {
	case addressModeKindRegUnsignedImm12, addressModeKindRegSignedImm9:
		if a.imm == 0 {
			return fmt.Sprintf("[%s]", base)
		}
		if a.imm < 0 {
			return fmt.Sprintf("[%s, #-%#x]", base, -a.imm)
		}
		return fmt.Sprintf("[%s, #%#x]", base, a.imm)
	case addressModeKindRegReg:
		return fmt.Sprintf("[%s, %s]", base, formatVRegSized(a.rm, 64))
	}
	panic("BUG: invalid address mode")
}

// offsetFitsInAddressMode returns true if [base, #offset] is encodable for an access of sizeInBits.
func offsetFitsInAddressMode(offset int64, sizeInBits byte) bool {
	size := int64(sizeInBits / 8)
	if offset >= 0 && offset%size == 0 && offset/size < 4096 {
		return true
	}
	return offset >= -256 && offset <= 255
}

// addressModeImm returns [base, #offset], which must be encodable.
func addressModeImm(base regalloc.VReg, offset int64, sizeInBits byte) addressMode {
	size := int64(sizeInBits / 8)
	if offset >= 0 && offset%size == 0 && offset/size < 4096 {
		return addressMode{kind: addressModeKindRegUnsignedImm12, rn: base, imm: offset}
	}
	if offset >= -256 && offset <= 255 {
		return addressMode{kind: addressModeKindRegSignedImm9, rn: base, imm: offset}
	}
	panic(fmt.Sprintf("BUG: offset %d not encodable", offset))
}

func addressModeRegReg(base, index regalloc.VReg) addressMode {
	return addressMode{kind: addressModeKindRegReg, rn: base, rm: index}
}

func (i *instruction) asNop0() *instruction {
	i.kind = nop0
	return i
}

func (i *instruction) asNop0WithLabel(l label) *instruction {
	i.kind = nop0
	i.u1 = uint64(l)
	return i
}

func (i *instruction) nop0Label() label {
	return label(i.u1)
}

func (i *instruction) asGuardNop(site uint64, fallback label) *instruction {
	i.kind = guardNop
	i.u1 = site
	i.u2 = uint64(fallback)
	return i
}

func (i *instruction) asMOVZ(dst regalloc.VReg, imm uint64, shift uint64) *instruction {
	i.kind = movZ
	i.rd = dst
	i.u1 = imm
	i.u2 = shift
	return i
}

func (i *instruction) asMOVK(dst regalloc.VReg, imm uint64, shift uint64) *instruction {
	i.kind = movK
	i.rd = dst
	i.u1 = imm
	i.u2 = shift
	return i
}

func (i *instruction) asMove64(rd, rn regalloc.VReg) *instruction {
	i.kind = mov64
	i.rd, i.rn = rd, rn
	return i
}

func (i *instruction) asFpuMov64(rd, rn regalloc.VReg) *instruction {
	i.kind = fpuMov64
	i.rd, i.rn = rd, rn
	return i
}

func (i *instruction) asALUImm(op aluOp, rd, rn regalloc.VReg, imm12 uint64) *instruction {
	if imm12 >= 1<<12 {
		panic(fmt.Sprintf("BUG: immediate %#x does not fit in 12 bits", imm12))
	}
	i.kind = aluRRImm12
	i.u1 = uint64(op)
	i.rd, i.rn = rd, rn
	i.u2 = imm12
	return i
}

func (i *instruction) asALU(op aluOp, rd, rn, rm regalloc.VReg) *instruction {
	i.kind = aluRRR
	i.u1 = uint64(op)
	i.rd, i.rn, i.rm = rd, rn, rm
	return i
}

func (i *instruction) asLoad(dst regalloc.VReg, amode addressMode, sizeInBits byte, signed bool) *instruction {
	i.kind = load
	i.rd = dst
	i.amode = amode
	i.u1 = uint64(sizeInBits)
	if signed {
		i.u2 = 1
	}
	return i
}

func (i *instruction) asStore(src regalloc.VReg, amode addressMode, sizeInBits byte) *instruction {
	i.kind = store
	i.rn = src
	i.amode = amode
	i.u1 = uint64(sizeInBits)
	return i
}

func (i *instruction) asStorePair64(src1, src2 regalloc.VReg, amode addressMode) *instruction {
	i.kind = storePair64
	i.rn, i.rm = src1, src2
	i.amode = amode
	return i
}

func (i *instruction) asCondBr(c condFlag, target label) *instruction {
	i.kind = condBr
	i.u1 = uint64(c)
	i.u2 = uint64(target)
	return i
}

func (i *instruction) asBr(target label) *instruction {
	i.kind = br
	i.u2 = uint64(target)
	return i
}

func (i *instruction) asCBZ(rn regalloc.VReg, nonZero, is64bit bool, target label) *instruction {
	i.kind = cbz
	i.rn = rn
	i.u1 = b2u(nonZero)
	i.u3 = b2u(is64bit)
	i.u2 = uint64(target)
	return i
}

func (i *instruction) asTBZ(rn regalloc.VReg, bit uint64, one bool, target label) *instruction {
	i.kind = tbz
	i.rn = rn
	i.u1 = b2u(one)
	i.u3 = bit
	i.u2 = uint64(target)
	return i
}

func (i *instruction) asCall(addr uint64, sym string) *instruction {
	i.kind = call
	i.u1 = addr
	i.sym = sym
	return i
}

func (i *instruction) asCallHelper(h jitapi.HelperID) *instruction {
	return i.asCall(h.Address(), h.String())
}

func (i *instruction) asCallCell(cell uint64, initial label, sym string) *instruction {
	i.kind = callCell
	i.u1 = cell
	i.u2 = uint64(initial)
	i.sym = sym
	return i
}

func (i *instruction) asCallIndirect(rn regalloc.VReg) *instruction {
	i.kind = callInd
	i.rn = rn
	return i
}

func (i *instruction) asBranchIndirect(rn regalloc.VReg) *instruction {
	i.kind = brInd
	i.rn = rn
	return i
}

func (i *instruction) asRet() *instruction {
	i.kind = ret
	return i
}

func (i *instruction) asAdr(rd regalloc.VReg, target label) *instruction {
	i.kind = adr
	i.rd = rd
	i.u2 = uint64(target)
	return i
}

func (i *instruction) asLDAXR(rd, rn regalloc.VReg) *instruction {
	i.kind = ldaxr
	i.rd, i.rn = rd, rn
	return i
}

func (i *instruction) asSTLXR(status, src, addr regalloc.VReg) *instruction {
	i.kind = stlxr
	i.rd, i.rm, i.rn = status, src, addr
	return i
}

func (i *instruction) asDMB() *instruction {
	i.kind = dmb
	return i
}

func (i *instruction) asExtend(rd, rn regalloc.VReg, fromBits byte, signed bool) *instruction {
	i.kind = extend
	i.rd, i.rn = rd, rn
	i.u1 = uint64(fromBits)
	i.u2 = b2u(signed)
	return i
}

func (i *instruction) asCSet(rd regalloc.VReg, c condFlag) *instruction {
	i.kind = cSet
	i.rd = rd
	i.u1 = uint64(c)
	return i
}

func (i *instruction) asCSel(rd, rn, rm regalloc.VReg, c condFlag) *instruction {
	i.kind = cSel
	i.rd, i.rn, i.rm = rd, rn, rm
	i.u1 = uint64(c)
	return i
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// size returns the size of the encoded instruction in bytes.
func (i *instruction) size() int64 {
	if i.kind == nop0 {
		return 0
	}
	return 4
}

// isCall returns true if the instruction writes a return address into lr.
func (i *instruction) isCall() bool {
	switch i.kind {
	case call, callCell, callInd:
		return true
	}
	return false
}

// branchLabel returns the target label of a branch instruction referencing a label.
func (i *instruction) branchLabel() (label, bool) {
	switch i.kind {
	case condBr, br, cbz, tbz, adr, callCell, guardNop:
		return label(i.u2), true
	}
	return invalidLabel, false
}

func loadStoreSize(rt regalloc.VReg, sizeInBits byte) byte {
	if rt.RegType() == regalloc.RegTypeFloat {
		return sizeInBits
	}
	if sizeInBits == 64 {
		return 64
	}
	return 32
}

// String implements fmt.Stringer.
func (i *instruction) String() (str string) {
	switch i.kind {
	case nop0:
		if l := i.nop0Label(); l != invalidLabel {
			return l.String() + ":"
		}
		str = "nop0"
	case guardNop:
		str = fmt.Sprintf("nop ; guard %#x -> %s", i.u1, label(i.u2))
	case movZ:
		str = fmt.Sprintf("movz %s, #%#x, lsl %d", formatVRegSized(i.rd, 64), i.u1, i.u2)
	case movK:
		str = fmt.Sprintf("movk %s, #%#x, lsl %d", formatVRegSized(i.rd, 64), i.u1, i.u2)
	case mov64:
		str = fmt.Sprintf("mov %s, %s", formatVRegSized(i.rd, 64), formatVRegSized(i.rn, 64))
	case fpuMov64:
		str = fmt.Sprintf("mov %s, %s", formatVRegSized(i.rd, 64), formatVRegSized(i.rn, 64))
	case aluRRImm12:
		op := aluOp(i.u1)
		if op == aluOpSubS && i.rd.RealReg() == xzr {
			str = fmt.Sprintf("cmp %s, #%#x", formatVRegSized(i.rn, 64), i.u2)
		} else {
			str = fmt.Sprintf("%s %s, %s, #%#x", op, formatVRegSized(i.rd, 64), formatVRegSized(i.rn, 64), i.u2)
		}
	case aluRRR:
		op := aluOp(i.u1)
		if op == aluOpSubS && i.rd.RealReg() == xzr {
			str = fmt.Sprintf("cmp %s, %s", formatVRegSized(i.rn, 64), formatVRegSized(i.rm, 64))
		} else {
			str = fmt.Sprintf("%s %s, %s, %s", op, formatVRegSized(i.rd, 64), formatVRegSized(i.rn, 64), formatVRegSized(i.rm, 64))
		}
	case load:
		size := byte(i.u1)
		var mnemonic string
		switch {
		case i.rd.RegType() == regalloc.RegTypeFloat, size == 32 || size == 64:
			mnemonic = "ldr"
		case size == 8 && i.u2 == 1:
			mnemonic = "ldrsb"
		case size == 8:
			mnemonic = "ldrb"
		case size == 16 && i.u2 == 1:
			mnemonic = "ldrsh"
		case size == 16:
			mnemonic = "ldrh"
		}
		if i.amode.kind == addressModeKindRegSignedImm9 && i.amode.imm < 0 {
			mnemonic = "ldur" + mnemonic[3:]
		}
		str = fmt.Sprintf("%s %s, %s", mnemonic, formatVRegSized(i.rd, loadStoreSize(i.rd, size)), i.amode.format(size))
	case store:
		size := byte(i.u1)
		mnemonic := "str"
		if i.rn.RegType() == regalloc.RegTypeInt {
			switch size {
			case 8:
				mnemonic = "strb"
			case 16:
				mnemonic = "strh"
			}
		}
		if i.amode.kind == addressModeKindRegSignedImm9 && i.amode.imm < 0 {
			mnemonic = "stur" + mnemonic[3:]
		}
		str = fmt.Sprintf("%s %s, %s", mnemonic, formatVRegSized(i.rn, loadStoreSize(i.rn, size)), i.amode.format(size))
	case storePair64:
		str = fmt.Sprintf("stp %s, %s, %s", formatVRegSized(i.rn, 64), formatVRegSized(i.rm, 64), i.amode.format(64))
	case condBr:
		str = fmt.Sprintf("b.%s %s", condFlag(i.u1), label(i.u2))
	case br:
		str = fmt.Sprintf("b %s", label(i.u2))
	case cbz:
		mnemonic := "cbz"
		if i.u1 == 1 {
			mnemonic = "cbnz"
		}
		size := byte(32)
		if i.u3 == 1 {
			size = 64
		}
		str = fmt.Sprintf("%s %s, %s", mnemonic, formatVRegSized(i.rn, size), label(i.u2))
	case tbz:
		mnemonic := "tbz"
		if i.u1 == 1 {
			mnemonic = "tbnz"
		}
		str = fmt.Sprintf("%s %s, #%d, %s", mnemonic, formatVRegSized(i.rn, 64), i.u3, label(i.u2))
	case call:
		if i.sym != "" {
			str = fmt.Sprintf("bl %s", i.sym)
		} else {
			str = fmt.Sprintf("bl #%#x", i.u1)
		}
	case callCell:
		str = fmt.Sprintf("bl [%#x] ; %s, initially %s", i.u1, i.sym, label(i.u2))
	case callInd:
		str = fmt.Sprintf("blr %s", formatVRegSized(i.rn, 64))
	case brInd:
		str = fmt.Sprintf("br %s", formatVRegSized(i.rn, 64))
	case ret:
		str = "ret"
	case adr:
		str = fmt.Sprintf("adr %s, %s", formatVRegSized(i.rd, 64), label(i.u2))
	case ldaxr:
		str = fmt.Sprintf("ldaxr %s, [%s]", formatVRegSized(i.rd, 64), formatVRegSized(i.rn, 64))
	case stlxr:
		str = fmt.Sprintf("stlxr %s, %s, [%s]", formatVRegSized(i.rd, 32), formatVRegSized(i.rm, 64), formatVRegSized(i.rn, 64))
	case dmb:
		str = "dmb ish"
	case extend:
		var mnemonic string
		switch {
		case i.u1 == 8 && i.u2 == 1:
			mnemonic = "sxtb"
		case i.u1 == 8:
			mnemonic = "uxtb"
		case i.u1 == 16 && i.u2 == 1:
			mnemonic = "sxth"
		case i.u1 == 16:
			mnemonic = "uxth"
		case i.u1 == 32 && i.u2 == 1:
			mnemonic = "sxtw"
		default:
			mnemonic = "uxtw"
		}
		srcSize := byte(32)
		if mnemonic == "uxtb" || mnemonic == "uxth" || mnemonic == "uxtw" {
			str = fmt.Sprintf("%s %s, %s", mnemonic, formatVRegSized(i.rd, 32), formatVRegSized(i.rn, srcSize))
		} else {
			str = fmt.Sprintf("%s %s, %s", mnemonic, formatVRegSized(i.rd, 64), formatVRegSized(i.rn, srcSize))
		}
	case cSet:
		str = fmt.Sprintf("cset %s, %s", formatVRegSized(i.rd, 64), condFlag(i.u1))
	case cSel:
		str = fmt.Sprintf("csel %s, %s, %s, %s", formatVRegSized(i.rd, 64), formatVRegSized(i.rn, 64), formatVRegSized(i.rm, 64), condFlag(i.u1))
	default:
		panic(fmt.Sprintf("BUG: unknown instruction kind %d", i.kind))
	}
	return
}

// frameSlotTypeBits returns the access size of a stack slot holding a value of t.
func frameSlotTypeBits(t backend.Type) byte {
	if t.Size() == 4 {
		return 32
	}
	return 64
}
