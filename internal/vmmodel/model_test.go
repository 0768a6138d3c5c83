package vmmodel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/jitapi"
	"github.com/tetratelabs/jitlink/internal/memory"
)

const (
	methodRun  backend.MethodID = 1
	methodSize backend.MethodID = 2
	methodMain backend.MethodID = 3
)

func newTestModel() (*Model, *memory.Region) {
	heap := memory.NewRegion("heap", jitapi.HeapBase, 0x1000)
	return NewModel(heap), heap
}

func TestModel_LoadClass(t *testing.T) {
	m, heap := newTestModel()

	base, err := m.LoadClass(ClassDef{Name: "Base", Methods: map[backend.MethodID]uint64{methodRun: 0x100, methodSize: 0x200}})
	require.NoError(t, err)
	require.Equal(t, backend.ClassID(jitapi.HeapBase), base.ID)
	require.Equal(t, uint64(2), heap.LoadWord(jitapi.HeapBase))
	require.Equal(t, uint64(0x100), heap.LoadWord(jitapi.HeapBase+VTableOffset))
	require.Equal(t, uint64(0x200), heap.LoadWord(jitapi.HeapBase+VTableOffset+8))

	sub, err := m.LoadClass(ClassDef{Name: "Sub", Super: "Base", Methods: map[backend.MethodID]uint64{methodSize: 0x300}})
	require.NoError(t, err)
	require.Equal(t, backend.ClassID(jitapi.HeapBase+0x20), sub.ID)
	require.Equal(t, uint64(0x100), heap.LoadWord(uint64(sub.ID)+VTableOffset))
	require.Equal(t, uint64(0x300), heap.LoadWord(uint64(sub.ID)+VTableOffset+8))
	require.True(t, sub.IsSubtypeOf(base))
	require.False(t, base.IsSubtypeOf(sub))

	got, ok := m.Class("Sub")
	require.True(t, ok)
	require.Equal(t, sub, got)

	off, err := m.ResolveVirtualOffset(backend.MethodRef{ID: methodSize})
	require.NoError(t, err)
	require.Equal(t, int64(16), off)
	ref, err := m.VirtualMethod(methodRun)
	require.NoError(t, err)
	require.Equal(t, backend.MethodRef{ID: methodRun, Resolved: true, VTableOffset: 8}, ref)

	obj, err := m.NewObject(sub.ID, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(sub.ID), heap.LoadWord(obj))
}

func TestModel_LoadClass_errors(t *testing.T) {
	m, _ := newTestModel()
	_, err := m.LoadClass(ClassDef{Name: "Iface", Interface: true, Methods: map[backend.MethodID]uint64{methodRun: 0}})
	require.NoError(t, err)
	_, err = m.LoadClass(ClassDef{Name: "A", Methods: map[backend.MethodID]uint64{methodSize: 0x10}})
	require.NoError(t, err)

	for _, tc := range []struct {
		name   string
		def    ClassDef
		expErr string
	}{
		{name: "no name", def: ClassDef{}, expErr: "class without name"},
		{name: "twice", def: ClassDef{Name: "A"}, expErr: "class A loaded twice"},
		{name: "unknown super", def: ClassDef{Name: "B", Super: "X"}, expErr: "unknown class: superclass X of B"},
		{name: "interface super", def: ClassDef{Name: "B", Super: "Iface"}, expErr: "superclass Iface of B is an interface"},
		{name: "unknown interface", def: ClassDef{Name: "B", Interfaces: []string{"X"}}, expErr: "unknown class: interface X of B"},
		{name: "class as interface", def: ClassDef{Name: "B", Interfaces: []string{"A"}}, expErr: "A implemented by B is not an interface"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.LoadClass(tc.def)
			require.EqualError(t, err, tc.expErr)
		})
	}
}

func TestModel_heapExhausted(t *testing.T) {
	m := NewModel(memory.NewRegion("heap", jitapi.HeapBase, 0x20))
	a, err := m.LoadClass(ClassDef{Name: "A"})
	require.NoError(t, err)
	_, err = m.NewObject(a.ID, 1)
	require.NoError(t, err)
	_, err = m.NewObject(a.ID, 1)
	require.ErrorIs(t, err, ErrHeapExhausted)
}

func TestModel_Resolver(t *testing.T) {
	m, _ := newTestModel()
	m.DefineStatic(methodMain, 0x1234)

	entry, err := m.ResolveDirect(backend.MethodRef{ID: methodMain})
	require.NoError(t, err)
	require.Equal(t, uint64(0x1234), entry)
	_, err = m.ResolveDirect(backend.MethodRef{ID: methodRun})
	require.ErrorIs(t, err, ErrUnknownMethod)
	_, err = m.ResolveVirtualOffset(backend.MethodRef{ID: methodRun})
	require.ErrorIs(t, err, ErrUnknownMethod)

	ifc, err := m.LoadClass(ClassDef{Name: "Runnable", Interface: true, Methods: map[backend.MethodID]uint64{methodRun: 0}})
	require.NoError(t, err)
	abstract, err := m.LoadClass(ClassDef{Name: "Task", Abstract: true, Interfaces: []string{"Runnable"}})
	require.NoError(t, err)
	impl, err := m.LoadClass(ClassDef{Name: "Job", Super: "Task", Methods: map[backend.MethodID]uint64{methodRun: 0x500}})
	require.NoError(t, err)
	require.True(t, impl.IsSubtypeOf(ifc))

	entry, err = m.LookupInterface(impl.ID, backend.MethodRef{ID: methodRun})
	require.NoError(t, err)
	require.Equal(t, uint64(0x500), entry)
	_, err = m.LookupInterface(abstract.ID, backend.MethodRef{ID: methodRun})
	require.ErrorIs(t, err, ErrAbstractMethod)
	_, err = m.LookupInterface(backend.ClassID(0x8), backend.MethodRef{ID: methodRun})
	require.ErrorIs(t, err, ErrUnknownClass)
	_, err = m.NewObject(abstract.ID, 0)
	require.EqualError(t, err, "Task cannot be instantiated")
}

func TestModel_guards(t *testing.T) {
	m, _ := newTestModel()
	base, err := m.LoadClass(ClassDef{Name: "Base", Methods: map[backend.MethodID]uint64{methodRun: 0x100}})
	require.NoError(t, err)
	ifc, err := m.LoadClass(ClassDef{Name: "Runnable", Interface: true, Methods: map[backend.MethodID]uint64{methodRun: 0}})
	require.NoError(t, err)

	noOverride := backend.GuardCondition{Kind: backend.GuardNoOverride, Class: base.ID, Method: backend.MethodRef{ID: methodRun, Address: 0x100}}
	single := backend.GuardCondition{Kind: backend.GuardSingleImplementor, Class: ifc.ID, Method: backend.MethodRef{ID: methodRun, Address: 0x200}}
	require.True(t, m.Holds(noOverride))
	require.True(t, m.Holds(single))
	require.False(t, m.Holds(backend.GuardCondition{Kind: backend.GuardNoOverride, Class: 0x8}))
	require.False(t, m.Holds(backend.GuardCondition{Class: base.ID}))

	// A subclass which does not override keeps the condition.
	same, err := m.LoadClass(ClassDef{Name: "Same", Super: "Base"})
	require.NoError(t, err)
	require.False(t, m.Breaks(same.ID, noOverride))
	require.True(t, m.Holds(noOverride))

	first, err := m.LoadClass(ClassDef{Name: "First", Interfaces: []string{"Runnable"}, Methods: map[backend.MethodID]uint64{methodRun: 0x200}})
	require.NoError(t, err)
	require.True(t, m.Holds(single))
	require.False(t, m.Breaks(first.ID, single))
	// Unrelated to the condition.
	require.False(t, m.Breaks(first.ID, noOverride))

	over, err := m.LoadClass(ClassDef{Name: "Over", Super: "Base", Methods: map[backend.MethodID]uint64{methodRun: 0x300}})
	require.NoError(t, err)
	require.True(t, m.Breaks(over.ID, noOverride))
	require.False(t, m.Holds(noOverride))

	second, err := m.LoadClass(ClassDef{Name: "Second", Interfaces: []string{"Runnable"}, Methods: map[backend.MethodID]uint64{methodRun: 0x200}})
	require.NoError(t, err)
	require.True(t, m.Breaks(second.ID, single))
	require.False(t, m.Holds(single))
}
