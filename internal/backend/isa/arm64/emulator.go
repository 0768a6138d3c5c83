package arm64

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// MemoryRegion is one range of the emulated address space.
type MemoryRegion interface {
	Base() uint64
	Size() uint64
	Load(addr uint64, size int) (uint64, error)
	Store(addr uint64, size int, v uint64) error
	CompareAndSwap(addr, old, new uint64) (bool, error)
}

// HostFunc is a runtime helper or a native function implemented by the host. It is entered by a branch
// (with or without link) to its address, reads and writes the registers of c, and returns the address to
// continue at, or zero to return to the link register.
type HostFunc func(c *CPU) (next uint64, err error)

// AccessObserver is notified of every memory access made by generated code.
type AccessObserver interface {
	ObserveLoad(c *CPU, addr uint64, size int)
	ObserveStore(c *CPU, addr uint64, size int, v uint64)
}

var (
	// ErrNoCode is returned when the program counter leaves the installed code.
	ErrNoCode = errors.New("no code at address")
	// ErrStepLimit is returned when a CPU runs for more than its step limit.
	ErrStepLimit = errors.New("step limit exceeded")
	// ErrUnmapped is returned when a memory access hits no region.
	ErrUnmapped = errors.New("unmapped memory")
)

// DefaultStepLimit is the number of instructions a CPU executes per Call before giving up.
const DefaultStepLimit = 1 << 24

// Emulator executes finalized Programs instruction by instruction on a model of the arm64 state, standing in
// for the hardware. Installed programs, memory regions and host functions are shared by every CPU.
// Execution follows the instruction stream of the Program; the encoded words are only consulted by the
// patcher. Patchable instructions read the data words their patch sites own, so a patch is observed by
// the emulator exactly when it is observed by the encoded code.
type Emulator struct {
	mu        sync.RWMutex
	installed []installedProgram
	regions   []MemoryRegion
	hostFuncs map[uint64]HostFunc
}

type installedProgram struct {
	base uint64
	p    *Program
}

// NewEmulator returns an Emulator with nothing installed.
func NewEmulator() *Emulator {
	return &Emulator{hostFuncs: make(map[uint64]HostFunc)}
}

// Install makes p executable at base.
func (e *Emulator) Install(base uint64, p *Program) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	end := base + uint64(p.Size())
	for _, ip := range e.installed {
		if base < ip.base+uint64(ip.p.Size()) && ip.base < end {
			return fmt.Errorf("%s at %#x overlaps %s at %#x", p.Name, base, ip.p.Name, ip.base)
		}
	}
	e.installed = append(e.installed, installedProgram{base: base, p: p})
	sort.Slice(e.installed, func(i, j int) bool { return e.installed[i].base < e.installed[j].base })
	return nil
}

// Uninstall removes the program installed at base, if any.
func (e *Emulator) Uninstall(base uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ip := range e.installed {
		if ip.base == base {
			e.installed = append(e.installed[:i], e.installed[i+1:]...)
			return
		}
	}
}

// MapRegion adds r to the address space shared by every CPU.
func (e *Emulator) MapRegion(r MemoryRegion) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regions = append(e.regions, r)
}

// RegisterHostFunc makes fn the code at addr.
func (e *Emulator) RegisterHostFunc(addr uint64, fn HostFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hostFuncs[addr] = fn
}

// Lookup returns the program containing addr and the offset of addr in it.
func (e *Emulator) Lookup(addr uint64) (p *Program, base uint64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	i := sort.Search(len(e.installed), func(i int) bool { return e.installed[i].base > addr }) - 1
	if i < 0 {
		return nil, 0, false
	}
	ip := &e.installed[i]
	if addr >= ip.base+uint64(ip.p.Size()) {
		return nil, 0, false
	}
	return ip.p, ip.base, true
}

func (e *Emulator) hostFunc(addr uint64) (HostFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.hostFuncs[addr]
	return fn, ok
}

func (e *Emulator) region(addr uint64, size int) MemoryRegion {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return findRegion(e.regions, addr, size)
}

func findRegion(regions []MemoryRegion, addr uint64, size int) MemoryRegion {
	for _, r := range regions {
		if addr >= r.Base() && addr-r.Base()+uint64(size) <= r.Size() {
			return r
		}
	}
	return nil
}

// CPU is the state of one hardware thread. A CPU must only be used by one goroutine at a time.
type CPU struct {
	e *Emulator
	// ThreadBase is the address of the runtime thread state, loaded into x19 at every Call.
	ThreadBase uint64
	// StepLimit bounds the number of instructions of one Call.
	StepLimit int
	// Observer, if set, sees every load and store of generated code.
	Observer AccessObserver

	x      [31]uint64
	v      [32]uint64
	sp, pc uint64
	// n, z, carry and overflow are the condition flags.
	n, z, carry, overflow bool
	// exclusive is the address of the exclusive monitor, valid while exclusiveValid, and exclusiveValue
	// the value loaded by the load-exclusive.
	exclusive, exclusiveValue uint64
	exclusiveValid            bool
	// local are the regions private to this CPU, such as its stack.
	local []MemoryRegion
}

// NewCPU returns a CPU whose private regions are local, for example its stack.
func (e *Emulator) NewCPU(threadBase uint64, local ...MemoryRegion) *CPU {
	return &CPU{e: e, ThreadBase: threadBase, StepLimit: DefaultStepLimit, local: local}
}

// Emulator returns the Emulator of c.
func (c *CPU) Emulator() *Emulator { return c.e }

// X returns the general purpose register xi.
func (c *CPU) X(i int) uint64 { return c.x[i] }

// SetX sets the general purpose register xi.
func (c *CPU) SetX(i int, v uint64) { c.x[i] = v }

// D returns the low 64 bits of the vector register vi.
func (c *CPU) D(i int) uint64 { return c.v[i] }

// SetD sets the low 64 bits of the vector register vi.
func (c *CPU) SetD(i int, v uint64) { c.v[i] = v }

// SP returns the stack pointer.
func (c *CPU) SP() uint64 { return c.sp }

// SetSP sets the stack pointer.
func (c *CPU) SetSP(v uint64) { c.sp = v }

// LR returns the link register.
func (c *CPU) LR() uint64 { return c.x[x30-x0] }

// PC returns the program counter.
func (c *CPU) PC() uint64 { return c.pc }

// Load reads size bytes at addr on behalf of the host, bypassing the Observer.
func (c *CPU) Load(addr uint64, size int) (uint64, error) {
	r := c.region(addr, size)
	if r == nil {
		return 0, fmt.Errorf("%w: %d bytes at %#x", ErrUnmapped, size, addr)
	}
	return r.Load(addr, size)
}

// Store writes size bytes at addr on behalf of the host, bypassing the Observer.
func (c *CPU) Store(addr uint64, size int, v uint64) error {
	r := c.region(addr, size)
	if r == nil {
		return fmt.Errorf("%w: %d bytes at %#x", ErrUnmapped, size, addr)
	}
	return r.Store(addr, size, v)
}

// CompareAndSwap is an atomic compare-and-swap of the word at addr on behalf of the host.
func (c *CPU) CompareAndSwap(addr, old, new uint64) (bool, error) {
	r := c.region(addr, 8)
	if r == nil {
		return false, fmt.Errorf("%w: 8 bytes at %#x", ErrUnmapped, addr)
	}
	return r.CompareAndSwap(addr, old, new)
}

func (c *CPU) region(addr uint64, size int) MemoryRegion {
	if r := findRegion(c.local, addr, size); r != nil {
		return r
	}
	return c.e.region(addr, size)
}

// Call runs the code at entry until it returns to the host. Arguments must already be in their registers.
func (c *CPU) Call(entry uint64) error {
	c.x[threadVReg.RealReg()-x0] = c.ThreadBase
	c.x[lr-x0] = jitapi.HostReturnAddress
	c.pc = entry
	c.exclusiveValid = false
	for steps := 0; c.pc != jitapi.HostReturnAddress; steps++ {
		if steps >= c.StepLimit {
			return fmt.Errorf("%w: %d steps at %#x", ErrStepLimit, steps, c.pc)
		}
		if fn, ok := c.e.hostFunc(c.pc); ok {
			next, err := fn(c)
			if err != nil {
				return err
			}
			if next == 0 {
				next = c.LR()
			}
			c.pc = next
			continue
		}
		p, base, ok := c.e.Lookup(c.pc)
		if !ok {
			return fmt.Errorf("%w: %#x", ErrNoCode, c.pc)
		}
		off := int64(c.pc - base)
		instr, ok := p.instructionAt(off)
		if !ok {
			return fmt.Errorf("%w: %#x is not an instruction of %s", ErrNoCode, c.pc, p.Name)
		}
		if err := c.execute(p, base, off, instr); err != nil {
			return fmt.Errorf("%s+%#x: %s: %w", p.Name, off, instr.String(), err)
		}
	}
	return nil
}

func (c *CPU) reg(r regalloc.VReg) uint64 {
	switch real := r.RealReg(); {
	case real == xzr:
		return 0
	case real == sp:
		return c.sp
	case isVecReg(real):
		return c.v[real-v0]
	default:
		return c.x[real-x0]
	}
}

func (c *CPU) setReg(r regalloc.VReg, v uint64) {
	switch real := r.RealReg(); {
	case real == xzr:
	case real == sp:
		c.sp = v
	case isVecReg(real):
		c.v[real-v0] = v
	default:
		c.x[real-x0] = v
	}
}

func (c *CPU) address(a addressMode) uint64 {
	if a.kind == addressModeKindRegReg {
		return c.reg(a.rn) + c.reg(a.rm)
	}
	return c.reg(a.rn) + uint64(a.imm)
}

func (c *CPU) load(addr uint64, size int) (uint64, error) {
	if c.Observer != nil {
		c.Observer.ObserveLoad(c, addr, size)
	}
	return c.Load(addr, size)
}

func (c *CPU) store(addr uint64, size int, v uint64) error {
	if c.Observer != nil {
		c.Observer.ObserveStore(c, addr, size, v)
	}
	// A store to the monitored address by this CPU clears its exclusive monitor.
	if c.exclusiveValid && addr&^7 == c.exclusive {
		c.exclusiveValid = false
	}
	return c.Store(addr, size, v)
}

func (c *CPU) setFlagsSub(a, b uint64) uint64 {
	r := a - b
	c.n = int64(r) < 0
	c.z = r == 0
	c.carry = a >= b
	c.overflow = int64((a^b)&(a^r)) < 0
	return r
}

func (c *CPU) cond(f condFlag) bool {
	switch f {
	case eq:
		return c.z
	case ne:
		return !c.z
	case hs:
		return c.carry
	case lo:
		return !c.carry
	case hi:
		return c.carry && !c.z
	case ls:
		return !c.carry || c.z
	case ge:
		return c.n == c.overflow
	case lt:
		return c.n != c.overflow
	case gt:
		return !c.z && c.n == c.overflow
	case le:
		return c.z || c.n != c.overflow
	}
	panic(f)
}

func (c *CPU) execute(p *Program, base uint64, off int64, i *instruction) error {
	next := c.pc + 4
	labelAddr := func(l label) uint64 { return base + uint64(p.labelOffsets[l]) }
	link := func(target uint64) error {
		if _, ok := p.Safepoints.Lookup(off + 4); !ok {
			return fmt.Errorf("%w: return address %#x", backend.ErrMissingSafepoint, next)
		}
		c.x[lr-x0] = next
		next = target
		return nil
	}

	switch i.kind {
	case guardNop:
		v, err := c.Load(i.u1, 8)
		if err != nil {
			return err
		}
		if v != 0 {
			next = labelAddr(label(i.u2))
		}
	case movZ:
		c.setReg(i.rd, i.u1<<i.u2)
	case movK:
		c.setReg(i.rd, c.reg(i.rd)&^(0xffff<<i.u2)|i.u1<<i.u2)
	case mov64, fpuMov64:
		c.setReg(i.rd, c.reg(i.rn))
	case aluRRImm12, aluRRR:
		a, b := c.reg(i.rn), i.u2
		if i.kind == aluRRR {
			b = c.reg(i.rm)
		}
		var r uint64
		switch aluOp(i.u1) {
		case aluOpAdd:
			r = a + b
		case aluOpSub:
			r = a - b
		case aluOpSubS:
			r = c.setFlagsSub(a, b)
		case aluOpAnd:
			r = a & b
		case aluOpOrr:
			r = a | b
		}
		c.setReg(i.rd, r)
	case load:
		size := int(i.u1 / 8)
		v, err := c.load(c.address(i.amode), size)
		if err != nil {
			return err
		}
		if i.u2 == 1 {
			shift := 64 - i.u1
			v = uint64(int64(v<<shift) >> shift)
		}
		c.setReg(i.rd, v)
	case store:
		if err := c.store(c.address(i.amode), int(i.u1/8), c.reg(i.rn)); err != nil {
			return err
		}
	case storePair64:
		addr := c.address(i.amode)
		if err := c.store(addr, 8, c.reg(i.rn)); err != nil {
			return err
		}
		if err := c.store(addr+8, 8, c.reg(i.rm)); err != nil {
			return err
		}
	case condBr:
		if c.cond(condFlag(i.u1)) {
			next = labelAddr(label(i.u2))
		}
	case br:
		next = labelAddr(label(i.u2))
	case cbz:
		v := c.reg(i.rn)
		if i.u3 == 0 {
			v = uint64(uint32(v))
		}
		if (v != 0) == (i.u1 == 1) {
			next = labelAddr(label(i.u2))
		}
	case tbz:
		if (c.reg(i.rn)>>i.u3)&1 == i.u1 {
			next = labelAddr(label(i.u2))
		}
	case call:
		if err := link(i.u1); err != nil {
			return err
		}
	case callCell:
		target, err := c.Load(i.u1, 8)
		if err != nil {
			return err
		}
		if err := link(target); err != nil {
			return err
		}
	case callInd:
		if err := link(c.reg(i.rn)); err != nil {
			return err
		}
	case brInd:
		next = c.reg(i.rn)
	case ret:
		next = c.LR()
	case adr:
		c.setReg(i.rd, labelAddr(label(i.u2)))
	case ldaxr:
		addr := c.reg(i.rn)
		v, err := c.load(addr, 8)
		if err != nil {
			return err
		}
		c.exclusive, c.exclusiveValue, c.exclusiveValid = addr, v, true
		c.setReg(i.rd, v)
	case stlxr:
		addr, v := c.reg(i.rn), c.reg(i.rm)
		status := uint64(1)
		if c.exclusiveValid && c.exclusive == addr {
			// The monitor is modeled as a compare-and-swap against the value read by the load-exclusive.
			swapped, err := c.CompareAndSwap(addr, c.exclusiveValue, v)
			if err != nil {
				return err
			}
			if swapped {
				status = 0
				if c.Observer != nil {
					c.Observer.ObserveStore(c, addr, 8, v)
				}
			}
		}
		c.exclusiveValid = false
		c.setReg(i.rd, status)
	case dmb:
	case extend:
		v, bits := c.reg(i.rn), i.u1
		shift := 64 - bits
		if i.u2 == 1 {
			v = uint64(int64(v<<shift) >> shift)
		} else {
			v = v << shift >> shift
		}
		c.setReg(i.rd, v)
	case cSet:
		c.setReg(i.rd, b2u(c.cond(condFlag(i.u1))))
	case cSel:
		if c.cond(condFlag(i.u1)) {
			c.setReg(i.rd, c.reg(i.rn))
		} else {
			c.setReg(i.rd, c.reg(i.rm))
		}
	default:
		return fmt.Errorf("BUG: unknown instruction kind %d", i.kind)
	}
	c.pc = next
	return nil
}
