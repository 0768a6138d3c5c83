// Package vmmodel is a minimal class model of the managed runtime: single inheritance, interfaces, dispatch
// tables laid out in the heap and objects whose first word points to their class. It stands in for the
// class loader and the resolver of a real runtime when compiled code is executed.
package vmmodel

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/jitlink/internal/backend"
	"github.com/tetratelabs/jitlink/internal/memory"
)

var (
	// ErrUnknownMethod is returned when resolving a method which is not defined.
	ErrUnknownMethod = errors.New("unknown method")
	// ErrUnknownClass is returned for a class which is not loaded.
	ErrUnknownClass = errors.New("unknown class")
	// ErrAbstractMethod is returned when the receiver class has no implementation of an interface method.
	ErrAbstractMethod = errors.New("abstract method")
	// ErrHeapExhausted is returned when the heap has no room for a class or an object.
	ErrHeapExhausted = errors.New("heap exhausted")
)

// VTableOffset is the offset of the first dispatch-table entry from the start of a class structure.
// The first word of the structure holds the number of entries.
const VTableOffset = 8

// ClassDef describes a class to load.
type ClassDef struct {
	Name string `yaml:"name"`
	// Super is the name of the superclass, if any.
	Super string `yaml:"super,omitempty"`
	// Interfaces are the names of the implemented interfaces.
	Interfaces []string `yaml:"interfaces,omitempty"`
	// Interface is true for an interface, which has no dispatch table and no instances.
	Interface bool `yaml:"interface,omitempty"`
	// Abstract classes have no instances.
	Abstract bool `yaml:"abstract,omitempty"`
	// Methods are the methods the class declares or overrides, mapped to the entry point of their
	// implementation. An interface declares its methods with a zero entry point.
	Methods map[backend.MethodID]uint64 `yaml:"methods,omitempty"`
}

// Class is a loaded class.
type Class struct {
	ClassDef
	// ID is the address of the class structure in the heap.
	ID    backend.ClassID
	super *Class
	ifcs  []*Class
	// vtable are the virtual methods of the class in dispatch-table order.
	vtable []backend.MethodID
}

// Concrete returns true if the class can have instances.
func (c *Class) Concrete() bool { return !c.Interface && !c.Abstract }

// Model is a set of loaded classes and static methods.
type Model struct {
	heap *memory.Region

	mu      sync.RWMutex
	next    uint64
	classes map[backend.ClassID]*Class
	byName  map[string]*Class
	// order are the classes in load order.
	order []*Class
	// slots is the dispatch-table index of every virtual method.
	slots   map[backend.MethodID]int
	statics map[backend.MethodID]uint64
}

// NewModel returns an empty Model allocating in heap.
func NewModel(heap *memory.Region) *Model {
	return &Model{
		heap:    heap,
		next:    heap.Base(),
		classes: map[backend.ClassID]*Class{},
		byName:  map[string]*Class{},
		slots:   map[backend.MethodID]int{},
		statics: map[backend.MethodID]uint64{},
	}
}

// DefineStatic defines the entry point of a statically bound method, which direct calls resolve to.
func (m *Model) DefineStatic(id backend.MethodID, entry uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statics[id] = entry
}

func (m *Model) allocate(words int) (uint64, error) {
	size := uint64(words) * 8
	size = (size + 15) &^ 15
	if m.next+size > m.heap.Base()+m.heap.Size() {
		return 0, fmt.Errorf("%w: %d bytes", ErrHeapExhausted, size)
	}
	addr := m.next
	m.next += size
	return addr, nil
}

// LoadClass loads def and writes its structure to the heap. Loading a class may break the facts
// devirtualization guards depend on: the caller must notify the guard registry afterwards.
func (m *Model) LoadClass(def ClassDef) (*Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def.Name == "" {
		return nil, errors.New("class without name")
	}
	if _, ok := m.byName[def.Name]; ok {
		return nil, fmt.Errorf("class %s loaded twice", def.Name)
	}
	c := &Class{ClassDef: def}
	if def.Super != "" {
		if c.super = m.byName[def.Super]; c.super == nil {
			return nil, fmt.Errorf("%w: superclass %s of %s", ErrUnknownClass, def.Super, def.Name)
		}
		if c.super.Interface {
			return nil, fmt.Errorf("superclass %s of %s is an interface", def.Super, def.Name)
		}
	}
	for _, name := range def.Interfaces {
		ifc := m.byName[name]
		if ifc == nil {
			return nil, fmt.Errorf("%w: interface %s of %s", ErrUnknownClass, name, def.Name)
		}
		if !ifc.Interface {
			return nil, fmt.Errorf("%s implemented by %s is not an interface", name, def.Name)
		}
		c.ifcs = append(c.ifcs, ifc)
	}

	if !def.Interface {
		if c.super != nil {
			c.vtable = append(c.vtable, c.super.vtable...)
		}
		// A method gets its slot in the first class declaring it. Unrelated classes implementing the same
		// interface method reach it through LookupInterface only.
		for _, id := range sortedMethods(def.Methods) {
			if _, ok := m.slots[id]; !ok {
				m.slots[id] = len(c.vtable)
				c.vtable = append(c.vtable, id)
			}
		}
	}

	addr, err := m.allocate(1 + len(c.vtable))
	if err != nil {
		return nil, err
	}
	c.ID = backend.ClassID(addr)
	m.heap.StoreWord(addr, uint64(len(c.vtable)))
	for i, id := range c.vtable {
		entry, _ := c.lookup(id)
		m.heap.StoreWord(addr+VTableOffset+uint64(i)*8, entry)
	}

	m.classes[c.ID] = c
	m.byName[c.Name] = c
	m.order = append(m.order, c)
	return c, nil
}

// Class returns the class named name.
func (m *Model) Class(name string) (*Class, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byName[name]
	return c, ok
}

// NewObject allocates an instance of class with fields zeroed words after the header, and returns its address.
func (m *Model) NewObject(class backend.ClassID, fields int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.classes[class]
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrUnknownClass, uint64(class))
	}
	if !c.Concrete() {
		return 0, fmt.Errorf("%s cannot be instantiated", c.Name)
	}
	addr, err := m.allocate(1 + fields)
	if err != nil {
		return 0, err
	}
	m.heap.StoreWord(addr, uint64(class))
	return addr, nil
}

// VirtualMethod returns the resolved reference to the virtual method id.
func (m *Model) VirtualMethod(id backend.MethodID) (backend.MethodRef, error) {
	off, err := m.ResolveVirtualOffset(backend.MethodRef{ID: id})
	if err != nil {
		return backend.MethodRef{}, err
	}
	return backend.MethodRef{ID: id, Resolved: true, VTableOffset: off}, nil
}

// ResolveDirect implements patch.Resolver.
func (m *Model) ResolveDirect(ref backend.MethodRef) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.statics[ref.ID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMethod, ref)
	}
	return entry, nil
}

// ResolveVirtualOffset implements patch.Resolver.
func (m *Model) ResolveVirtualOffset(ref backend.MethodRef) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.slots[ref.ID]
	if !ok {
		return 0, fmt.Errorf("%w: %s is not virtual", ErrUnknownMethod, ref)
	}
	return VTableOffset + int64(slot)*8, nil
}

// LookupInterface implements patch.Resolver.
func (m *Model) LookupInterface(class backend.ClassID, ref backend.MethodRef) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[class]
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrUnknownClass, uint64(class))
	}
	entry, ok := c.lookup(ref.ID)
	if !ok || entry == 0 {
		return 0, fmt.Errorf("%w: %s.%s", ErrAbstractMethod, c.Name, ref)
	}
	return entry, nil
}

// lookup returns the implementation of id in c or its superclasses.
func (c *Class) lookup(id backend.MethodID) (uint64, bool) {
	for cur := c; cur != nil; cur = cur.super {
		if entry, ok := cur.Methods[id]; ok {
			return entry, true
		}
	}
	return 0, false
}

// IsSubtypeOf returns true if c is other, one of its subclasses or one of its implementors.
func (c *Class) IsSubtypeOf(other *Class) bool {
	for cur := c; cur != nil; cur = cur.super {
		if cur == other {
			return true
		}
		for _, ifc := range cur.ifcs {
			if ifc.IsSubtypeOf(other) {
				return true
			}
		}
	}
	return false
}

// Holds implements patch.ClassHierarchy.
func (m *Model) Holds(cond backend.GuardCondition) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holdsLocked(cond)
}

func (m *Model) holdsLocked(cond backend.GuardCondition) bool {
	base, ok := m.classes[cond.Class]
	if !ok {
		return false
	}
	switch cond.Kind {
	case backend.GuardNoOverride:
		for _, c := range m.order {
			if !c.Concrete() || !c.IsSubtypeOf(base) {
				continue
			}
			if entry, _ := c.lookup(cond.Method.ID); entry != cond.Method.Address {
				return false
			}
		}
		return true
	case backend.GuardSingleImplementor:
		var impl *Class
		for _, c := range m.order {
			if c == base || !c.Concrete() || !c.IsSubtypeOf(base) {
				continue
			}
			if impl != nil {
				return false
			}
			impl = c
		}
		if impl == nil {
			return true
		}
		entry, _ := impl.lookup(cond.Method.ID)
		return entry == cond.Method.Address
	}
	return false
}

// Breaks implements patch.ClassHierarchy. class must already be loaded.
func (m *Model) Breaks(class backend.ClassID, cond backend.GuardCondition) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[class]
	base, baseOK := m.classes[cond.Class]
	if !ok || !baseOK || !c.IsSubtypeOf(base) {
		return false
	}
	return !m.holdsLocked(cond)
}

func sortedMethods(methods map[backend.MethodID]uint64) []backend.MethodID {
	ids := make([]backend.MethodID, 0, len(methods))
	for id := range methods {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
