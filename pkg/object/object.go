// Package object models runtime values: the heap (Instance, Array) and the
// typed Slot union that locals, the operand stack, and static/instance
// fields are built from (spec §3 Data Model, §4.6 category-1/category-2
// slot handling).
package object

import (
	"fmt"

	"github.com/microjvm/microjvm/pkg/classfile"
	"github.com/microjvm/microjvm/pkg/jvmerrors"
)

// Kind tags the variant a Slot currently holds.
type Kind uint8

const (
	KindNone Kind = iota
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindReference
	KindReturnAddress
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindReference:
		return "reference"
	case KindReturnAddress:
		return "returnAddress"
	default:
		return "unknown"
	}
}

// Slot is a single local-variable or operand-stack cell. Category-2 values
// (long, double) are stored whole in one Slot. In a frame's locals array
// they occupy two index positions, the second holding a KindNone
// placeholder Slot, mirroring the constant pool's reserved continuation
// slot in pkg/classfile; on the operand stack they occupy one Slot.
type Slot struct {
	Kind Kind

	Int    int32
	Long   int64
	Float  float32
	Double float64
	// Ref holds *Instance, *Array, or nil for the null reference.
	Ref interface{}
	// RetAddr holds a jsr return bytecode offset.
	RetAddr int
}

func IntSlot(v int32) Slot       { return Slot{Kind: KindInt, Int: v} }
func LongSlot(v int64) Slot      { return Slot{Kind: KindLong, Long: v} }
func FloatSlot(v float32) Slot   { return Slot{Kind: KindFloat, Float: v} }
func DoubleSlot(v float64) Slot  { return Slot{Kind: KindDouble, Double: v} }
func RefSlot(v interface{}) Slot { return Slot{Kind: KindReference, Ref: v} }
func NullSlot() Slot             { return Slot{Kind: KindReference, Ref: nil} }
func NoneSlot() Slot             { return Slot{Kind: KindNone} }
func ReturnAddrSlot(pc int) Slot { return Slot{Kind: KindReturnAddress, RetAddr: pc} }

// IsCategory2 reports whether this slot occupies two stack/local positions.
func (s Slot) IsCategory2() bool { return s.Kind == KindLong || s.Kind == KindDouble }

// IsNull reports whether this is the null reference.
func (s Slot) IsNull() bool { return s.Kind == KindReference && s.Ref == nil }

func (s Slot) String() string {
	switch s.Kind {
	case KindInt:
		return fmt.Sprintf("int(%d)", s.Int)
	case KindLong:
		return fmt.Sprintf("long(%d)", s.Long)
	case KindFloat:
		return fmt.Sprintf("float(%g)", s.Float)
	case KindDouble:
		return fmt.Sprintf("double(%g)", s.Double)
	case KindReference:
		if s.Ref == nil {
			return "null"
		}
		return fmt.Sprintf("ref(%v)", s.Ref)
	case KindReturnAddress:
		return fmt.Sprintf("retaddr(%d)", s.RetAddr)
	default:
		return "none"
	}
}

// ClassRef is the minimal view of a loaded, runtime class that object
// values need for identity and field layout. pkg/loader's Klass implements
// this; object does not import loader to avoid a cycle (loader depends on
// object, not the other way around).
type ClassRef interface {
	Name() string
}

// Instance is a heap object: an instance of some loaded class, carrying
// the flattened fields of its whole superclass chain keyed by
// "declaringClass.fieldName" so that shadowed fields in different
// superclasses stay distinct (spec §4.6 getfield/putfield, §3 Instance).
type Instance struct {
	Class  ClassRef
	Fields map[string]Slot
	// Monitor is this object's intrinsic lock, created lazily on first
	// monitorenter (spec §4.6 monitorenter/monitorexit).
	Monitor *Monitor
}

// NewInstance allocates a zero-initialized instance. Fields default to
// their type's zero Slot per spec §4.6; callers populate entries keyed by
// "declaringClass.fieldName" as they walk the superclass chain.
func NewInstance(class ClassRef) *Instance {
	return &Instance{Class: class, Fields: make(map[string]Slot)}
}

func fieldKey(declaringClass, name string) string { return declaringClass + "." + name }

// ZeroSlot returns the default-value Slot for a field or local of the given
// descriptor type (spec §4.6 construct_instance: "integers -> 0, floats ->
// 0.0, long -> 0, double -> 0.0, references -> null").
func ZeroSlot(t classfile.FieldType) Slot {
	switch t.Kind {
	case 'J':
		return LongSlot(0)
	case 'F':
		return FloatSlot(0)
	case 'D':
		return DoubleSlot(0)
	case 'L', '[':
		return NullSlot()
	default:
		return IntSlot(0)
	}
}

// GetField reads a field declared by declaringClass.
func (i *Instance) GetField(declaringClass, name string) (Slot, bool) {
	s, ok := i.Fields[fieldKey(declaringClass, name)]
	return s, ok
}

// SetField writes a field declared by declaringClass.
func (i *Instance) SetField(declaringClass, name string, value Slot) {
	i.Fields[fieldKey(declaringClass, name)] = value
}

// lockOwner identifies a thread for monitor ownership without pkg/object
// depending on pkg/thread.
type lockOwner = interface{}

// Monitor implements the reentrant intrinsic lock backing monitorenter /
// monitorexit and synchronized methods (spec §4.6). This implementation
// targets a single interpreter thread of control, so the lock only tracks
// reentrancy depth and the owning thread identity; it does not block.
type Monitor struct {
	owner lockOwner
	depth int
}

// Enter acquires the monitor for owner, incrementing the reentry depth if
// owner already holds it.
func (m *Monitor) Enter(owner lockOwner) {
	if m.owner == owner {
		m.depth++
		return
	}
	m.owner = owner
	m.depth = 1
}

// Exit releases one level of ownership. It reports IllegalMonitorStateException
// if owner does not currently hold the monitor (spec §6, §4.6).
func (m *Monitor) Exit(owner lockOwner) error {
	if m.owner != owner || m.depth == 0 {
		return jvmerrors.New(jvmerrors.IllegalMonitorStateException, "current thread does not own the monitor")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = nil
	}
	return nil
}

// HeldBy reports whether owner currently holds the monitor.
func (m *Monitor) HeldBy(owner lockOwner) bool { return m.owner == owner && m.depth > 0 }

// EnterMonitor lazily creates the instance's monitor on first use and
// acquires it.
func (i *Instance) EnterMonitor(owner lockOwner) {
	if i.Monitor == nil {
		i.Monitor = &Monitor{}
	}
	i.Monitor.Enter(owner)
}

// ExitMonitor releases the instance's monitor; exiting an object that has
// never been entered is always an IllegalMonitorStateException.
func (i *Instance) ExitMonitor(owner lockOwner) error {
	if i.Monitor == nil {
		return jvmerrors.New(jvmerrors.IllegalMonitorStateException, "current thread does not own the monitor")
	}
	return i.Monitor.Exit(owner)
}

// Array is a heap array: a fixed-length, homogeneously typed sequence of
// slots (spec §4.6 newarray/anewarray/arraylength and the array-element
// load/store family).
type Array struct {
	// ElementKind is the slot Kind stored by this array.
	ElementKind Kind
	// ElementClassName is set for reference-element arrays (component type
	// name, which may itself denote another array type).
	ElementClassName string
	Elements         []Slot
}

// NewArray allocates an array of length n, every slot zero-valued per
// ElementKind.
func NewArray(kind Kind, elementClassName string, n int) *Array {
	elems := make([]Slot, n)
	zero := zeroSlotFor(kind)
	for i := range elems {
		elems[i] = zero
	}
	return &Array{ElementKind: kind, ElementClassName: elementClassName, Elements: elems}
}

func zeroSlotFor(kind Kind) Slot {
	switch kind {
	case KindLong:
		return LongSlot(0)
	case KindFloat:
		return FloatSlot(0)
	case KindDouble:
		return DoubleSlot(0)
	case KindReference:
		return NullSlot()
	default:
		return IntSlot(0)
	}
}

// Length returns the array's element count.
func (a *Array) Length() int { return len(a.Elements) }

// Get reads element index, reporting ArrayIndexOutOfBoundsException if out
// of bounds.
func (a *Array) Get(index int32) (Slot, error) {
	if index < 0 || int(index) >= len(a.Elements) {
		return Slot{}, jvmerrors.New(jvmerrors.ArrayIndexOutOfBoundsException, "index %d out of bounds for length %d", index, len(a.Elements))
	}
	return a.Elements[index], nil
}

// Set writes element index, reporting ArrayIndexOutOfBoundsException if out
// of bounds.
func (a *Array) Set(index int32, value Slot) error {
	if index < 0 || int(index) >= len(a.Elements) {
		return jvmerrors.New(jvmerrors.ArrayIndexOutOfBoundsException, "index %d out of bounds for length %d", index, len(a.Elements))
	}
	a.Elements[index] = value
	return nil
}
