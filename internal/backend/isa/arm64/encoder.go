package arm64

import (
	"encoding/binary"
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	asm "github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// Encode assembles p into machine code with golang-asm. Branch-and-link instructions to absolute addresses are
// emitted with a zero displacement and must be fixed with ResolveRelocations once the code address is known.
//
// Every instruction of p must assemble to exactly one word: the safepoint and patch site offsets of p are
// computed before encoding, and a mismatch is reported as backend.ErrEncoding.
func Encode(p *Program) (code []byte, err error) {
	if len(p.instrs) == 0 {
		return nil, nil
	}
	b, err := goasm.NewBuilder("arm64", len(p.instrs))
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}

	e := &golangAsmEncoder{b: b, p: p, progs: make([]*obj.Prog, len(p.instrs))}
	for i := range p.instrs {
		e.progs[i] = e.b.NewProg()
	}
	for i := range p.instrs {
		if err = e.encode(i, &p.instrs[i]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", backend.ErrEncoding, p.instrs[i].String(), err)
		}
		e.b.AddInstruction(e.progs[i])
	}

	code = e.b.Assemble()
	want := p.Size()
	for i, prog := range e.progs {
		if prog.Pc != int64(i)*4 {
			return nil, fmt.Errorf("%w: %s assembled at %#x, want %#x", backend.ErrEncoding, p.instrs[i].String(), prog.Pc, i*4)
		}
	}
	if int64(len(code)) < want {
		return nil, fmt.Errorf("%w: %d bytes assembled, want %d", backend.ErrEncoding, len(code), want)
	}
	// The assembler pads the function to its alignment.
	for _, pad := range code[want:] {
		if pad != 0 {
			return nil, fmt.Errorf("%w: %d bytes assembled, want %d", backend.ErrEncoding, len(code), want)
		}
	}
	code = code[:want]

	for _, cb := range e.onGenerateCallbacks {
		cb(code)
	}
	if jitapi.PrintEncodedMachineCode {
		fmt.Printf("[[[encoded %s]]]\n%x\n", p.Name, code)
	}
	return code, nil
}

type golangAsmEncoder struct {
	b     *goasm.Builder
	p     *Program
	progs []*obj.Prog
	// onGenerateCallbacks patch the assembled code where golang-asm cannot express the operand.
	onGenerateCallbacks []func(code []byte)
}

func (e *golangAsmEncoder) target(l label) (*obj.Prog, error) {
	off, ok := e.p.labelOffsets[l]
	if !ok || off/4 >= int64(len(e.progs)) {
		return nil, fmt.Errorf("branch target %s is not an instruction", l)
	}
	return e.progs[off/4], nil
}

func (e *golangAsmEncoder) encode(index int, i *instruction) error {
	inst := e.progs[index]
	switch i.kind {
	case guardNop:
		inst.As = asm.AWORD
		inst.To.Type = obj.TYPE_CONST
		inst.To.Offset = int64(nopInstruction)
	case movZ, movK:
		inst.As = asm.AMOVZ
		if i.kind == movK {
			inst.As = asm.AMOVK
		}
		inst.From.Type = obj.TYPE_CONST
		inst.From.Offset = int64(i.u1 << i.u2)
		setReg(&inst.To, i.rd)
	case mov64:
		inst.As = asm.AMOVD
		setReg(&inst.From, i.rn)
		setReg(&inst.To, i.rd)
	case fpuMov64:
		inst.As = asm.AFMOVD
		setReg(&inst.From, i.rn)
		setReg(&inst.To, i.rd)
	case aluRRImm12, aluRRR:
		op := aluOp(i.u1)
		if i.kind == aluRRImm12 {
			inst.From.Type = obj.TYPE_CONST
			inst.From.Offset = int64(i.u2)
		} else {
			setReg(&inst.From, i.rm)
		}
		inst.Reg = golangAsmReg(i.rn)
		if op == aluOpSubS && i.rd.RealReg() == xzr {
			inst.As = asm.ACMP
			break
		}
		switch op {
		case aluOpAdd:
			inst.As = asm.AADD
		case aluOpSub:
			inst.As = asm.ASUB
		case aluOpSubS:
			inst.As = asm.ASUBS
		case aluOpAnd:
			inst.As = asm.AAND
		case aluOpOrr:
			inst.As = asm.AORR
		}
		setReg(&inst.To, i.rd)
	case load:
		inst.As = loadInstruction(i.rd, byte(i.u1), i.u2 == 1)
		setMem(&inst.From, i.amode)
		setReg(&inst.To, i.rd)
	case store:
		inst.As = storeInstruction(i.rn, byte(i.u1))
		setReg(&inst.From, i.rn)
		setMem(&inst.To, i.amode)
	case storePair64:
		inst.As = asm.ASTP
		inst.From.Type = obj.TYPE_REGREG
		inst.From.Reg = golangAsmReg(i.rn)
		inst.From.Offset = int64(golangAsmReg(i.rm))
		setMem(&inst.To, i.amode)
	case condBr, br, cbz, tbz, callCell:
		t, err := e.target(label(i.u2))
		if err != nil {
			return err
		}
		switch i.kind {
		case condBr:
			inst.As = condBranchInstructions[condFlag(i.u1)]
		case br:
			inst.As = asm.AB
		case cbz:
			switch {
			case i.u1 == 0 && i.u3 == 1:
				inst.As = asm.ACBZ
			case i.u1 == 0:
				inst.As = asm.ACBZW
			case i.u3 == 1:
				inst.As = asm.ACBNZ
			default:
				inst.As = asm.ACBNZW
			}
			setReg(&inst.From, i.rn)
		case tbz:
			inst.As = asm.ATBZ
			if i.u1 == 1 {
				inst.As = asm.ATBNZ
			}
			inst.From.Type = obj.TYPE_CONST
			inst.From.Offset = int64(i.u3)
			inst.Reg = golangAsmReg(i.rn)
		case callCell:
			// The mainline calls the initial target, and the resolution patches this very instruction.
			inst.As = asm.ABL
		}
		inst.To.Type = obj.TYPE_BRANCH
		inst.To.SetTarget(t)
	case call:
		// Displacement filled in by ResolveRelocations.
		inst.As = asm.AWORD
		inst.To.Type = obj.TYPE_CONST
		inst.To.Offset = int64(blOpcode)
	case callInd:
		inst.As = asm.ABL
		setReg(&inst.To, i.rn)
	case brInd:
		// BR Xn is B to the zero-offset memory operand [Xn].
		inst.As = asm.AB
		inst.To.Type = obj.TYPE_MEM
		inst.To.Reg = golangAsmReg(i.rn)
	case ret:
		inst.As = obj.ARET
	case adr:
		off, ok := e.p.labelOffsets[label(i.u2)]
		if !ok {
			return fmt.Errorf("unbound label %s", label(i.u2))
		}
		// golang-asm cannot take a label operand for ADR: emit "ADR rd, ." and patch the displacement after assembly.
		inst.As = asm.AADR
		inst.From.Type = obj.TYPE_BRANCH
		setReg(&inst.To, i.rd)
		at := int64(index) * 4
		e.onGenerateCallbacks = append(e.onGenerateCallbacks, func(code []byte) {
			patchADR(code[at:at+4], off-at)
		})
	case ldaxr:
		inst.As = asm.ALDAXR
		inst.From.Type = obj.TYPE_MEM
		inst.From.Reg = golangAsmReg(i.rn)
		setReg(&inst.To, i.rd)
	case stlxr:
		inst.As = asm.ASTLXR
		setReg(&inst.From, i.rm)
		inst.To.Type = obj.TYPE_MEM
		inst.To.Reg = golangAsmReg(i.rn)
		inst.RegTo2 = golangAsmReg(i.rd)
	case dmb:
		inst.As = asm.ADMB
		inst.From.Type = obj.TYPE_CONST
		inst.From.Offset = 0xb // ISH
	case extend:
		switch {
		case i.u1 == 8 && i.u2 == 1:
			inst.As = asm.ASXTB
		case i.u1 == 8:
			inst.As = asm.AUXTB
		case i.u1 == 16 && i.u2 == 1:
			inst.As = asm.ASXTH
		case i.u1 == 16:
			inst.As = asm.AUXTH
		case i.u1 == 32 && i.u2 == 1:
			inst.As = asm.ASXTW
		default:
			inst.As = asm.AUXTW
		}
		setReg(&inst.From, i.rn)
		setReg(&inst.To, i.rd)
	case cSet:
		inst.As = asm.ACSET
		inst.From.Type = obj.TYPE_REG
		inst.From.Reg = condRegisters[condFlag(i.u1)]
		setReg(&inst.To, i.rd)
	case cSel:
		inst.As = asm.ACSEL
		inst.From.Type = obj.TYPE_REG
		inst.From.Reg = condRegisters[condFlag(i.u1)]
		inst.Reg = golangAsmReg(i.rn)
		inst.RestArgs = append(inst.RestArgs, obj.Addr{Type: obj.TYPE_REG, Reg: golangAsmReg(i.rm)})
		setReg(&inst.To, i.rd)
	default:
		return fmt.Errorf("unsupported instruction kind %d", i.kind)
	}
	return nil
}

// patchADR writes the displacement into the ADR instruction.
//
// See https://developer.arm.com/documentation/ddi0596/2021-12/Base-Instructions/ADR--Form-PC-relative-address-?lang=en
func patchADR(instr []byte, disp int64) {
	w := binary.LittleEndian.Uint32(instr)
	imm := uint32(disp) & 0x1f_ffff
	w |= (imm & 0b11) << 29
	w |= (imm >> 2) << 5
	binary.LittleEndian.PutUint32(instr, w)
}

func setReg(a *obj.Addr, r regalloc.VReg) {
	a.Type = obj.TYPE_REG
	a.Reg = golangAsmReg(r)
}

func setMem(a *obj.Addr, amode addressMode) {
	a.Type = obj.TYPE_MEM
	a.Reg = golangAsmReg(amode.rn)
	switch amode.kind {
	case addressModeKindRegReg:
		a.Index = golangAsmReg(amode.rm)
		a.Scale = 1
	default:
		a.Offset = amode.imm
	}
}

func loadInstruction(rd regalloc.VReg, sizeInBits byte, signed bool) obj.As {
	if rd.RegType() == regalloc.RegTypeFloat {
		if sizeInBits == 32 {
			return asm.AFMOVS
		}
		return asm.AFMOVD
	}
	switch {
	case sizeInBits == 64:
		return asm.AMOVD
	case sizeInBits == 32 && signed:
		return asm.AMOVW
	case sizeInBits == 32:
		return asm.AMOVWU
	case sizeInBits == 16 && signed:
		return asm.AMOVH
	case sizeInBits == 16:
		return asm.AMOVHU
	case signed:
		return asm.AMOVB
	default:
		return asm.AMOVBU
	}
}

func storeInstruction(rn regalloc.VReg, sizeInBits byte) obj.As {
	if rn.RegType() == regalloc.RegTypeFloat {
		if sizeInBits == 32 {
			return asm.AFMOVS
		}
		return asm.AFMOVD
	}
	switch sizeInBits {
	case 64:
		return asm.AMOVD
	case 32:
		return asm.AMOVW
	case 16:
		return asm.AMOVH
	default:
		return asm.AMOVB
	}
}

// golangAsmReg maps a register to its golang-asm value.
func golangAsmReg(r regalloc.VReg) int16 {
	real := r.RealReg()
	switch {
	case real == xzr:
		return asm.REGZERO
	case real == sp:
		return asm.REGSP
	case isVecReg(real):
		return asm.REG_F0 + int16(real-v0)
	case real >= x0 && real <= x30:
		return asm.REG_R0 + int16(real-x0)
	}
	panic(fmt.Sprintf("BUG: register %s cannot be encoded", r))
}

var condBranchInstructions = [...]obj.As{
	eq: asm.ABEQ,
	ne: asm.ABNE,
	hs: asm.ABHS,
	lo: asm.ABLO,
	hi: asm.ABHI,
	ls: asm.ABLS,
	ge: asm.ABGE,
	lt: asm.ABLT,
	gt: asm.ABGT,
	le: asm.ABLE,
}

var condRegisters = [...]int16{
	eq: asm.COND_EQ,
	ne: asm.COND_NE,
	hs: asm.COND_HS,
	lo: asm.COND_LO,
	hi: asm.COND_HI,
	ls: asm.COND_LS,
	ge: asm.COND_GE,
	lt: asm.COND_LT,
	gt: asm.COND_GT,
	le: asm.COND_LE,
}
