package jitlink

import (
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/backend/framelayout"
	"github.com/tetratelabs/jitlink/internal/backend/isa/arm64"
	"github.com/tetratelabs/jitlink/internal/backend/regalloc"
	"github.com/tetratelabs/jitlink/internal/jitapi"
)

// Symbols resolves the names a method description refers to. Either function may be nil.
type Symbols struct {
	// Method returns the entry point of an installed method.
	Method func(name string) (uint64, bool)
	// Class returns the class of the given name.
	Class func(name string) (ClassID, bool)
}

type methodYAML struct {
	Name       string                  `yaml:"name"`
	Params     []Type                  `yaml:"params"`
	Return     Type                    `yaml:"return"`
	SavedRegs  []string                `yaml:"savedRegs"`
	Locals     []localYAML             `yaml:"locals"`
	LiveRanges map[LocalID][]rangeYAML `yaml:"liveRanges"`
	Body       []opYAML                `yaml:"body"`
}

type localYAML struct {
	ID            LocalID `yaml:"id"`
	Name          string  `yaml:"name"`
	Type          Type    `yaml:"type"`
	Size          int64   `yaml:"size"`
	Private       string  `yaml:"private"`
	Uninitialized bool    `yaml:"uninitialized"`
}

type rangeYAML struct {
	Begin int `yaml:"begin"`
	End   int `yaml:"end"`
}

type opYAML struct {
	Const      *constYAML `yaml:"const"`
	Move       *moveYAML  `yaml:"move"`
	LoadLocal  *localOp   `yaml:"loadLocal"`
	StoreLocal *localOp   `yaml:"storeLocal"`
	Call       *callYAML  `yaml:"call"`
	// Return names the returned register, or is empty for a void return.
	Return *string `yaml:"return"`
}

type constYAML struct {
	Dst   string `yaml:"dst"`
	Value int64  `yaml:"value"`
}

type moveYAML struct {
	Dst string `yaml:"dst"`
	Src string `yaml:"src"`
}

type localOp struct {
	Reg   string  `yaml:"reg"`
	Local LocalID `yaml:"local"`
	Type  Type    `yaml:"type"`
}

type methodRefYAML struct {
	ID           MethodID `yaml:"id"`
	Name         string   `yaml:"name"`
	Resolved     bool     `yaml:"resolved"`
	Address      uint64   `yaml:"address"`
	Native       *int     `yaml:"native"`
	Class        string   `yaml:"class"`
	VTableOffset int64    `yaml:"vtableOffset"`
	ITableIndex  int      `yaml:"itableIndex"`
}

type argYAML struct {
	Type     Type     `yaml:"type"`
	Reg      string   `yaml:"reg"`
	Local    *LocalID `yaml:"local"`
	Const    *int64   `yaml:"const"`
	Incoming *int     `yaml:"incoming"`
}

type profileYAML struct {
	Class     string        `yaml:"class"`
	Method    methodRefYAML `yaml:"method"`
	Frequency float64       `yaml:"frequency"`
}

type guardYAML struct {
	Kind   string        `yaml:"kind"`
	Class  string        `yaml:"class"`
	Method methodRefYAML `yaml:"method"`
}

type callYAML struct {
	Kind          string        `yaml:"kind"`
	Target        methodRefYAML `yaml:"target"`
	Args          []argYAML     `yaml:"args"`
	Return        Type          `yaml:"return"`
	ReturnDest    string        `yaml:"returnDest"`
	Profile       []profileYAML `yaml:"profile"`
	LiveRefRegs   []string      `yaml:"liveRefRegs"`
	LiveRefLocals []LocalID     `yaml:"liveRefLocals"`
	Guard         *guardYAML    `yaml:"guard"`
	Wrapper       bool          `yaml:"wrapper"`
}

// LoadMethod reads the YAML description of a method, for example:
//
//	name: answer
//	return: i64
//	body:
//	  - const: {dst: x0, value: 42}
//	  - return: x0
//
// Method references marked resolved without an address are looked up in syms by name.
func LoadMethod(r io.Reader, syms Symbols) (*Method, error) {
	var in methodYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("invalid method: %w", err)
	}
	d := &methodDecoder{syms: syms}
	m := d.method(&in)
	if d.err != nil {
		return nil, fmt.Errorf("invalid method %s: %w", in.Name, d.err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// methodDecoder converts the YAML form, keeping the first error.
type methodDecoder struct {
	syms Symbols
	err  error
}

func (d *methodDecoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf(format, args...)
	}
}

func (d *methodDecoder) method(in *methodYAML) *Method {
	m := &Method{Name: in.Name, Params: in.Params, Return: in.Return}
	for _, name := range in.SavedRegs {
		m.SavedRegs = append(m.SavedRegs, d.reg(name))
	}
	for _, l := range in.Locals {
		m.Locals = append(m.Locals, Local{
			ID: l.ID, Name: l.Name, Type: l.Type, Size: l.Size,
			Private: d.privateReason(l.Private), Uninitialized: l.Uninitialized,
		})
	}
	if in.LiveRanges != nil {
		m.LiveRanges = make(map[LocalID][]LiveRange, len(in.LiveRanges))
		for id, rs := range in.LiveRanges {
			for _, r := range rs {
				m.LiveRanges[id] = append(m.LiveRanges[id], LiveRange{Begin: r.Begin, End: r.End})
			}
		}
	}
	for i := range in.Body {
		m.Body = append(m.Body, d.op(i, &in.Body[i]))
	}
	return m
}

func (d *methodDecoder) op(i int, in *opYAML) Op {
	var ret []Op
	if c := in.Const; c != nil {
		ret = append(ret, Op{Kind: OpConst, Dst: d.reg(c.Dst), Value: c.Value})
	}
	if mv := in.Move; mv != nil {
		ret = append(ret, Op{Kind: OpMove, Dst: d.reg(mv.Dst), Src: d.reg(mv.Src)})
	}
	if l := in.LoadLocal; l != nil {
		ret = append(ret, Op{Kind: OpLoadLocal, Dst: d.reg(l.Reg), Local: l.Local, Type: l.Type})
	}
	if l := in.StoreLocal; l != nil {
		ret = append(ret, Op{Kind: OpStoreLocal, Src: d.reg(l.Reg), Local: l.Local, Type: l.Type})
	}
	if c := in.Call; c != nil {
		ret = append(ret, Op{Kind: OpCall, Call: d.call(c)})
	}
	if r := in.Return; r != nil {
		src := regalloc.VRegInvalid
		if *r != "" && *r != "void" {
			src = d.reg(*r)
		}
		ret = append(ret, Op{Kind: OpReturn, Src: src})
	}
	if len(ret) != 1 {
		d.fail("op %d has %d kinds", i, len(ret))
		return Op{}
	}
	return ret[0]
}

func (d *methodDecoder) call(in *callYAML) *CallSite {
	cs := &CallSite{
		Kind:                d.callKind(in.Kind),
		Target:              d.methodRef(&in.Target),
		Return:              in.Return,
		ReturnDest:          regalloc.VRegInvalid,
		LiveReferenceLocals: in.LiveRefLocals,
		Wrapper:             in.Wrapper,
	}
	if in.ReturnDest != "" {
		cs.ReturnDest = d.reg(in.ReturnDest)
	}
	for i := range in.Args {
		cs.Args = append(cs.Args, d.arg(i, &in.Args[i]))
	}
	for _, p := range in.Profile {
		cs.Profile = append(cs.Profile, ProfiledTarget{Class: d.class(p.Class), Method: d.methodRef(&p.Method), Frequency: p.Frequency})
	}
	for _, name := range in.LiveRefRegs {
		cs.LiveReferenceRegs = cs.LiveReferenceRegs.Add(d.reg(name).RealReg())
	}
	if g := in.Guard; g != nil {
		cs.Guard = &GuardCondition{Kind: d.guardKind(g.Kind), Class: d.class(g.Class), Method: d.methodRef(&g.Method)}
	}
	return cs
}

func (d *methodDecoder) arg(i int, in *argYAML) ArgDesc {
	n := 0
	var ret ArgDesc
	if in.Reg != "" {
		n++
		ret = backend.RegArg(in.Type, d.reg(in.Reg))
	}
	if in.Local != nil {
		n++
		ret = backend.LocalArg(in.Type, *in.Local)
	}
	if in.Const != nil {
		n++
		ret = backend.ConstArg(in.Type, *in.Const)
	}
	if in.Incoming != nil {
		n++
		ret = backend.IncomingArg(in.Type, *in.Incoming)
	}
	if n != 1 {
		d.fail("argument %d has %d sources", i, n)
	}
	return ret
}

func (d *methodDecoder) methodRef(in *methodRefYAML) MethodRef {
	ref := MethodRef{
		ID: in.ID, Name: in.Name, Resolved: in.Resolved, Address: in.Address,
		VTableOffset: in.VTableOffset, ITableIndex: in.ITableIndex,
	}
	if in.Class != "" {
		ref.Class = d.class(in.Class)
	}
	if in.Native != nil {
		ref.Resolved, ref.Address = true, jitapi.NativeAddress(*in.Native)
	}
	if ref.Resolved && ref.Address == 0 && ref.VTableOffset == 0 && d.syms.Method != nil {
		if addr, ok := d.syms.Method(in.Name); ok {
			ref.Address = addr
		}
	}
	if ref.VTableOffset != 0 {
		ref.Resolved = true
	}
	return ref
}

// class accepts a number or the name of a class.
func (d *methodDecoder) class(s string) ClassID {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return ClassID(v)
	}
	if d.syms.Class != nil {
		if c, ok := d.syms.Class(s); ok {
			return c
		}
	}
	d.fail("unknown class %q", s)
	return 0
}

func (d *methodDecoder) reg(name string) Reg {
	r, err := arm64.RegByName(name)
	if err != nil {
		d.fail("%v", err)
	}
	return r
}

func (d *methodDecoder) callKind(s string) backend.CallKind {
	for k := backend.CallKindDirect; k <= backend.CallKindNative; k++ {
		if k.String() == s {
			return k
		}
	}
	d.fail("unknown call kind %q", s)
	return backend.CallKindInvalid
}

func (d *methodDecoder) guardKind(s string) backend.GuardKind {
	for k := backend.GuardNoOverride; k <= backend.GuardSingleImplementor; k++ {
		if k.String() == s {
			return k
		}
	}
	d.fail("unknown guard kind %q", s)
	return backend.GuardInvalid
}

func (d *methodDecoder) privateReason(s string) framelayout.PrivateReason {
	if s == "" {
		return framelayout.Shareable
	}
	for r := framelayout.Shareable; r <= framelayout.InternalPointer; r++ {
		if r.String() == s {
			return r
		}
	}
	d.fail("unknown private reason %q", s)
	return framelayout.Shareable
}
