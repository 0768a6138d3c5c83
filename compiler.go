package jitlink

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/framelayout"
	"github.com/tetratelabs/jitlink/internal/backend/isa/arm64"
)

// DataAllocator hands out the words of the data area generated code shares with the runtime:
// call cells, guard words, dispatch-table offsets and inline caches.
type DataAllocator = arm64.DataAllocator

// dataRewinder is implemented by data allocators which can take back the words of discarded code.
type dataRewinder interface {
	Mark() uint64
	Rewind(mark, end uint64) bool
}

// Compiler generates the arm64 code of methods. It is safe for concurrent use.
type Compiler struct {
	cfg  *config
	log  logrus.FieldLogger
	data DataAllocator

	mu sync.Mutex
	m  *arm64.Machine
}

// NewCompiler returns a Compiler allocating data words from data.
func NewCompiler(cfg Config, data DataAllocator) *Compiler {
	c := cfg.(*config)
	log := c.logger()
	return &Compiler{cfg: c, log: log, data: data, m: arm64.NewMachine(c.machineConfig(), data, log)}
}

// CompiledCode is the code of one method, not yet installed.
type CompiledCode struct {
	Program *arm64.Program
	// Code is the encoded machine code. Calls to absolute addresses are not relocated yet.
	Code []byte
	// Coloring is the assignment of the locals to stack slots.
	Coloring *framelayout.SlotColoring

	// dataStart and dataEnd bound the data words allocated for the code.
	dataStart, dataEnd uint64
}

// Frame returns the frame layout of the method.
func (c *CompiledCode) Frame() *backend.MethodFrameDescriptor { return c.Program.Frame }

// Compile lays out the frame of method and generates its code. Invariant violations of the input are
// returned as a *backend.CompilationError and no code is produced.
func (c *Compiler) Compile(method *Method) (ret *CompiledCode, err error) {
	if err = method.validate(); err != nil {
		return nil, err
	}

	var outgoing, reserve int64
	for _, cs := range method.callSites() {
		if err = cs.Validate(); err != nil {
			return nil, &backend.CompilationError{Method: method.Name, Phase: "validate", Err: err}
		}
		outgoing = max(outgoing, arm64.OutgoingArgSize(cs))
		reserve = max(reserve, arm64.NativeTransitionReserve(cs))
	}

	graph := framelayout.NewInterferenceGraph()
	if method.LiveRanges != nil {
		graph = framelayout.GraphFromLiveRanges(method.LiveRanges)
	}
	frame, coloring, err := framelayout.PlanLayout(method.Locals, graph,
		framelayout.FrameInput{SavedRegs: method.SavedRegs, OutgoingArgSize: outgoing, NativeTransitionReserve: reserve},
		framelayout.Options{SlotSharing: c.cfg.frameSlotSharing, ObjectAlignment: c.cfg.objectAlignment})
	if err != nil {
		return nil, &backend.CompilationError{Method: method.Name, Phase: "layout", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rw, rewinds := c.data.(dataRewinder)
	var mark uint64
	if rewinds {
		mark = rw.Mark()
	}
	p, code, err := c.generate(method, frame)
	if err != nil {
		// A failed compilation keeps no data words.
		if rewinds {
			rw.Rewind(mark, rw.Mark())
		}
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"method":    method.Name,
		"frameSize": frame.FrameSize,
		"slots":     coloring.NumColors(),
		"bytes":     len(code),
	}).Debug("compiled method")
	ret = &CompiledCode{Program: p, Code: code, Coloring: coloring}
	if rewinds {
		ret.dataStart, ret.dataEnd = mark, rw.Mark()
	}
	return ret, nil
}

func (c *Compiler) generate(method *Method, frame *backend.MethodFrameDescriptor) (*arm64.Program, []byte, error) {
	p, err := c.lower(method, frame)
	if err != nil {
		return nil, nil, err
	}
	code, err := arm64.Encode(p)
	if err != nil {
		return nil, nil, &backend.CompilationError{Method: method.Name, Phase: "encode", Err: err}
	}
	return p, code, nil
}

// Discard frees the data words of code which was never installed. It returns false if they cannot be
// freed anymore because data words were allocated since.
func (c *Compiler) Discard(code *CompiledCode) bool {
	if code.dataStart == code.dataEnd {
		return true
	}
	rw, ok := c.data.(dataRewinder)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return rw.Rewind(code.dataStart, code.dataEnd)
}

// lower emits the prologue, the body and the epilogues of method on the machine of c.
func (c *Compiler) lower(method *Method, frame *backend.MethodFrameDescriptor) (p *arm64.Program, err error) {
	m := c.m
	m.Reset()
	defer backend.RecoverCompilationError(method.Name, "lower", &err)

	m.StartMethod(method.Name, frame, method.Params, method.Return)
	m.SetupPrologue()
	for i := range method.Body {
		op := &method.Body[i]
		switch op.Kind {
		case OpConst:
			m.LowerLoadConst(op.Dst, op.Value)
		case OpMove:
			m.LowerMove(op.Dst, op.Src)
		case OpLoadLocal:
			m.LowerLoadLocal(op.Dst, op.Local, op.Type)
		case OpStoreLocal:
			m.LowerStoreLocal(op.Local, op.Src, op.Type)
		case OpCall:
			m.LowerCall(op.Call)
		case OpReturn:
			m.LowerReturn(op.Src)
		default:
			panic(fmt.Sprintf("BUG: unknown op %s", op.Kind))
		}
	}
	return m.Finalize()
}
