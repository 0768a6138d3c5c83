package arm64

import (
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

type (
	// Machine builds the arm64 code of one method at a time: prologue, epilogue, calls and the
	// out-of-line snippets they need. A Machine is reusable after Reset, but not goroutine-safe.
	Machine struct {
		cfg  MachineConfig
		data DataAllocator
		log  logrus.FieldLogger

		instrPool jitapi.Pool[instruction]
		// rootInstr is the head of the instruction list of the current method, and tailInstr the last one.
		rootInstr, tailInstr *instruction
		nextLabel            label
		// labelPositions maps a label to the nop0 instruction marking its position.
		labelPositions map[label]*instruction

		methodName string
		frame      *backend.MethodFrameDescriptor
		// incoming is the managed ABI of the current method's own parameters.
		incoming backend.FunctionABI
		// prologueDone is true once SetupPrologue has been called.
		prologueDone bool
		// probeRestart is the label right after the stack probe, and probeSnippet the label of the growth snippet.
		probeRestart, probeSnippet label

		safepoints backend.SafepointRecorder
		// snippets are emitted after the mainline code by Finalize.
		snippets []func()
		sites    []pendingPatchSite

		// spBias is added to every frame offset while the stack pointer is below the frame,
		// i.e. while a native transition frame is pushed.
		spBias int64

		// moves is the work list of parallel moves, reused across calls.
		moves []move
	}

	// MachineConfig is the subset of the compiler configuration the machine reads.
	MachineConfig struct {
		// InlineCacheSlots is the number of (class, target) pairs of every interface inline cache.
		InlineCacheSlots int
		// MinProfiledCallFrequency is the minimum frequency for a profiled target to be called directly.
		MinProfiledCallFrequency float64
		// MaxStaticPICSlots is the maximum number of profiled targets compared inline before the dynamic cache.
		MaxStaticPICSlots int
		// StackProbeExtraMargin is the number of bytes the stack probe requires in addition to the frame.
		StackProbeExtraMargin int64
		// FullSpeedDebug preserves the incoming arguments in the thread across a stack growth.
		FullSpeedDebug bool
	}

	// DataAllocator hands out words of the data area shared by generated code and the runtime.
	DataAllocator interface {
		// Allocate returns the address of n consecutive zeroed words.
		Allocate(n int) (uint64, error)
	}

	// label represents a position in the generated code.
	//
	// This is exactly the same as the traditional "label" in assembly code.
	label uint32

	pendingPatchSite struct {
		site backend.PatchSite
		// code is the label right before the patchable instruction, and target the label of its initial or fallback target.
		code, target label
	}
)

const invalidLabel label = 0

// DefaultMachineConfig is the MachineConfig with default values.
var DefaultMachineConfig = MachineConfig{
	InlineCacheSlots:         2,
	MinProfiledCallFrequency: 0.075,
	MaxStaticPICSlots:        1,
}

// NewMachine returns a new Machine. data provides the patch sites' data words.
func NewMachine(cfg MachineConfig, data DataAllocator, log logrus.FieldLogger) *Machine {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Machine{
		cfg:            cfg,
		data:           data,
		log:            log,
		instrPool:      jitapi.NewPool[instruction](),
		labelPositions: make(map[label]*instruction),
	}
}

// Reset clears the state of the previous method.
func (m *Machine) Reset() {
	m.instrPool.Reset()
	m.rootInstr, m.tailInstr = nil, nil
	m.nextLabel = invalidLabel
	for l := range m.labelPositions {
		delete(m.labelPositions, l)
	}
	m.methodName = ""
	m.frame = nil
	m.prologueDone = false
	m.probeRestart, m.probeSnippet = invalidLabel, invalidLabel
	m.safepoints.Reset()
	m.snippets = m.snippets[:0]
	m.sites = m.sites[:0]
	m.spBias = 0
}

// StartMethod begins a method with the given frame whose own parameters are params.
func (m *Machine) StartMethod(name string, frame *backend.MethodFrameDescriptor, params []backend.Type, ret backend.Type) {
	m.methodName = name
	m.frame = frame
	m.incoming.Init(managedABIInfo, params, ret)
	m.rootInstr = m.allocateNop()
	m.tailInstr = m.rootInstr
}

// String implements fmt.Stringer.
func (l label) String() string {
	return fmt.Sprintf("L%d", l)
}

// allocateLabel allocates an unused label.
func (m *Machine) allocateLabel() label {
	m.nextLabel++
	return m.nextLabel
}

// allocateInstr allocates an instruction.
func (m *Machine) allocateInstr() *instruction {
	return m.instrPool.Allocate()
}

func (m *Machine) allocateNop() *instruction {
	instr := m.instrPool.Allocate()
	instr.asNop0()
	return instr
}

// insert appends i to the current method.
func (m *Machine) insert(i *instruction) {
	i.prev = m.tailInstr
	m.tailInstr.next = i
	m.tailInstr = i
}

// bindLabel places l at the current position.
func (m *Machine) bindLabel(l label) {
	if _, ok := m.labelPositions[l]; ok {
		panic(fmt.Sprintf("BUG: label %s bound twice", l))
	}
	nop := m.allocateInstr().asNop0WithLabel(l)
	m.labelPositions[l] = nop
	m.insert(nop)
}

// mustFrame returns the frame of the current method, which must be finalized.
func (m *Machine) mustFrame() *backend.MethodFrameDescriptor {
	m.frame.MustBeFinalized()
	return m.frame
}

// allocateData allocates n words of the data area.
func (m *Machine) allocateData(n int) uint64 {
	addr, err := m.data.Allocate(n)
	if err != nil {
		backend.Violate(err)
	}
	return addr
}

// recordSafepoint binds a label right after the last inserted call and attaches sm to it.
func (m *Machine) recordSafepoint(sm backend.SafepointMap) {
	if !m.tailInstr.isCall() {
		panic("BUG: safepoint must follow a call")
	}
	ret := m.allocateLabel()
	m.bindLabel(ret)
	m.safepoints.Record(backend.Label(ret), sm)
}

// addSnippet schedules out-of-line code emitted after the mainline code.
func (m *Machine) addSnippet(emit func()) {
	m.snippets = append(m.snippets, emit)
}

func (m *Machine) insertMOVZ(rd regalloc.VReg, imm, shift uint64) {
	m.insert(m.allocateInstr().asMOVZ(rd, imm, shift))
}

func (m *Machine) insertMOVK(rd regalloc.VReg, imm, shift uint64) {
	m.insert(m.allocateInstr().asMOVK(rd, imm, shift))
}

// lowerConstant loads the 64-bit constant c into rd with one movz and as many movk as non-zero halfwords.
func (m *Machine) lowerConstant(rd regalloc.VReg, c uint64) {
	first := true
	for shift := uint64(0); shift < 64; shift += 16 {
		h := (c >> shift) & 0xffff
		if h == 0 {
			continue
		}
		if first {
			m.insertMOVZ(rd, h, shift)
			first = false
		} else {
			m.insertMOVK(rd, h, shift)
		}
	}
	if first {
		m.insertMOVZ(rd, 0, 0)
	}
}

// insertAddImm emits rd = rn + imm for any imm, splitting it into 12-bit chunks.
// Intermediate values are 16-byte aligned when imm is, so it is safe on the stack pointer.
func (m *Machine) insertAddImm(rd, rn regalloc.VReg, imm int64) {
	op := aluOpAdd
	if imm < 0 {
		op, imm = aluOpSub, -imm
	}
	const maxChunk = 4080
	if imm == 0 {
		m.insert(m.allocateInstr().asALUImm(aluOpAdd, rd, rn, 0))
		return
	}
	for imm > 0 {
		c := imm
		if c > maxChunk {
			c = maxChunk
		}
		m.insert(m.allocateInstr().asALUImm(op, rd, rn, uint64(c)))
		rn = rd
		imm -= c
	}
}

// insertLoad emits a load of sizeInBits from [base, #offset]. When offset is not encodable, it is materialized in scratch.
func (m *Machine) insertLoad(rd, base regalloc.VReg, offset int64, sizeInBits byte, signed bool, scratch regalloc.VReg) {
	m.insert(m.allocateInstr().asLoad(rd, m.addressFor(base, offset, sizeInBits, scratch), sizeInBits, signed))
}

// insertStore emits a store of sizeInBits to [base, #offset]. When offset is not encodable, it is materialized in scratch.
func (m *Machine) insertStore(rn, base regalloc.VReg, offset int64, sizeInBits byte, scratch regalloc.VReg) {
	m.insert(m.allocateInstr().asStore(rn, m.addressFor(base, offset, sizeInBits, scratch), sizeInBits))
}

func (m *Machine) addressFor(base regalloc.VReg, offset int64, sizeInBits byte, scratch regalloc.VReg) addressMode {
	if offsetFitsInAddressMode(offset, sizeInBits) {
		return addressModeImm(base, offset, sizeInBits)
	}
	if !scratch.Valid() {
		panic(fmt.Sprintf("BUG: offset %#x needs a scratch register", offset))
	}
	m.lowerConstant(scratch, uint64(offset))
	return addressModeRegReg(base, scratch)
}

// frameOffset converts an offset in the frame to an offset from the current stack pointer.
func (m *Machine) frameOffset(off int64) int64 {
	return off + m.spBias
}

// Format returns the instruction listing of the current method.
func (m *Machine) Format() string {
	var lines []string
	for cur := m.rootInstr; cur != nil; cur = cur.next {
		if cur.kind == nop0 {
			if cur.nop0Label() != invalidLabel {
				lines = append(lines, cur.String())
			}
			continue
		}
		lines = append(lines, "\t"+cur.String())
	}
	return "\n" + strings.Join(lines, "\n") + "\n"
}

// Finalize emits the snippets, assigns code offsets and returns the finished Program.
func (m *Machine) Finalize() (p *Program, err error) {
	defer backend.RecoverCompilationError(m.methodName, "finalize", &err)
	if !m.prologueDone {
		backend.Violate(backend.ErrFrameNotFinalized)
	}

	// Snippets may add further snippets, e.g. the shared fallback of a guarded call.
	for i := 0; i < len(m.snippets); i++ {
		m.snippets[i]()
	}

	p = &Program{Name: m.methodName, Frame: m.frame, labelOffsets: make(map[label]int64, len(m.labelPositions))}
	var offset int64
	for cur := m.rootInstr; cur != nil; cur = cur.next {
		if cur.kind == nop0 {
			if l := cur.nop0Label(); l != invalidLabel {
				p.labelOffsets[l] = offset
			}
			continue
		}
		copied := *cur
		copied.prev, copied.next = nil, nil
		p.instrs = append(p.instrs, copied)
		offset += cur.size()
	}
	if offset > math.MaxInt32 {
		backend.Violatef(backend.ErrEncoding, "method too large: %d bytes", offset)
	}
	for i := range p.instrs {
		if l, ok := p.instrs[i].branchLabel(); ok {
			if _, ok := p.labelOffsets[l]; !ok {
				panic(fmt.Sprintf("BUG: unbound label %s", l))
			}
		}
		if p.instrs[i].kind == call {
			p.Relocations = append(p.Relocations, backend.RelocationInfo{Offset: int64(i) * 4, Target: p.instrs[i].u1})
		}
	}

	table, err := m.safepoints.Resolve(func(l backend.Label) int64 { return p.labelOffsets[label(l)] })
	if err != nil {
		backend.Violate(err)
	}
	p.Safepoints = table
	if jitapi.SafepointValidationEnabled {
		p.validateSafepoints()
	}

	for _, s := range m.sites {
		site := s.site
		site.CodeOffset = p.labelOffsets[s.code]
		if s.target != invalidLabel {
			site.InitialTargetOffset = p.labelOffsets[s.target]
		}
		p.PatchSites = append(p.PatchSites, site)
	}
	p.listing = m.Format()

	if jitapi.PrintFinalizedMachineCode {
		fmt.Printf("[[[after finalize for %s]]]%s\n", m.methodName, p.listing)
	}
	if jitapi.PrintSafepointMaps {
		for _, e := range p.Safepoints {
			fmt.Printf("%#x: %s\n", e.ReturnOffset, e.Map.Format(RegName))
		}
	}
	m.log.WithFields(logrus.Fields{
		"method":     m.methodName,
		"size":       offset,
		"safepoints": len(p.Safepoints),
		"patchSites": len(p.PatchSites),
	}).Debug("finalized method")
	return p, nil
}
