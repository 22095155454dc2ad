// Package thread implements the per-thread JVM stack of frames, the
// argument stack bridging interpreted and internal calls, monitor
// discipline on synchronized methods, and the pending-throwable slot (spec
// §4.6 Thread, frame). It does not execute bytecode: opcode dispatch lives
// in pkg/interp, which drives a *Thread one step at a time.
package thread

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/microjvm/microjvm/pkg/classfile"
	"github.com/microjvm/microjvm/pkg/jvmerrors"
	"github.com/microjvm/microjvm/pkg/loader"
	"github.com/microjvm/microjvm/pkg/object"
)

// State is a thread's position in the lifecycle described by spec §4.6:
// Fresh -> Running -> Terminated (unhandled throw) or back to Fresh
// (natural return to an empty stack).
type State uint8

const (
	StateFresh State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var nextThreadID int64

// Frame is one activation record: the owning class, the method being
// executed, its local variables and operand stack, the program counter,
// and whether this frame was pushed by an internal (non-bytecode) caller
// rather than an invoke* instruction (spec §4.6, §9 "two disjoint return
// channels").
type Frame struct {
	Class  *loader.Ref
	Method *classfile.MethodInfo

	Locals []object.Slot
	Stack  []object.Slot
	SP     int
	PC     int

	// WasInternalCall routes *return's result to the thread's argument
	// stack instead of the caller frame's operand stack (spec §4.6).
	WasInternalCall bool

	// Monitor is the lock this frame implicitly entered because its
	// method is synchronized (spec §4.6 "decrement entry count ... on
	// return"). Nil for non-synchronized methods.
	Monitor *object.Monitor
}

// NewFrame allocates a frame sized from the method's Code attribute. The
// caller fills in Locals[0:argSlotCount] before pushing it.
func NewFrame(class *loader.Ref, method *classfile.MethodInfo) *Frame {
	code := method.Code
	return &Frame{
		Class:  class,
		Method: method,
		Locals: make([]object.Slot, code.MaxLocals),
		Stack:  make([]object.Slot, code.MaxStack),
	}
}

// Push pushes a value onto the operand stack.
func (f *Frame) Push(v object.Slot) {
	if f.SP >= len(f.Stack) {
		panic("operand stack overflow")
	}
	f.Stack[f.SP] = v
	f.SP++
}

// Pop pops a value from the operand stack.
func (f *Frame) Pop() object.Slot {
	if f.SP <= 0 {
		panic("operand stack underflow")
	}
	f.SP--
	return f.Stack[f.SP]
}

// Pop2 pops one logical value: a single category-2 slot, or two category-1
// slots discarded together (spec §4.6 pop2/dup2 family).
func (f *Frame) Pop2() (object.Slot, object.Slot) {
	top := f.Pop()
	if top.IsCategory2() {
		return top, object.Slot{}
	}
	return top, f.Pop()
}

// GetLocal reads a local variable slot.
func (f *Frame) GetLocal(index int) object.Slot {
	return f.Locals[index]
}

// SetLocal writes a category-1 local variable slot.
func (f *Frame) SetLocal(index int, v object.Slot) {
	f.Locals[index] = v
}

// SetLocalWide writes a category-2 local variable: the value at index and
// a None placeholder at index+1 (spec §4.6 local load/store, mirroring the
// constant pool's reserved continuation slot).
func (f *Frame) SetLocalWide(index int, v object.Slot) {
	f.Locals[index] = v
	f.Locals[index+1] = object.NoneSlot()
}

// ReadU8 reads a uint8 operand and advances PC.
func (f *Frame) ReadU8() uint8 {
	v := f.Method.Code.Code[f.PC]
	f.PC++
	return v
}

// ReadI8 reads an int8 operand and advances PC.
func (f *Frame) ReadI8() int8 {
	return int8(f.ReadU8())
}

// ReadU16 reads a big-endian uint16 operand and advances PC by 2.
func (f *Frame) ReadU16() uint16 {
	code := f.Method.Code.Code
	v := uint16(code[f.PC])<<8 | uint16(code[f.PC+1])
	f.PC += 2
	return v
}

// ReadI16 reads a big-endian int16 operand and advances PC by 2.
func (f *Frame) ReadI16() int16 {
	return int16(f.ReadU16())
}

// ReadU32 reads a big-endian uint32 operand and advances PC by 4.
func (f *Frame) ReadU32() uint32 {
	code := f.Method.Code.Code
	v := uint32(code[f.PC])<<24 | uint32(code[f.PC+1])<<16 | uint32(code[f.PC+2])<<8 | uint32(code[f.PC+3])
	f.PC += 4
	return v
}

// ReadI32 reads a big-endian int32 operand and advances PC by 4.
func (f *Frame) ReadI32() int32 {
	return int32(f.ReadU32())
}

// AlignTo4 advances PC to the next 4-byte boundary, relative to the
// frame's starting PC (always 0: every frame's code begins at its own
// method, spec §4.6 tableswitch/lookupswitch/goto_w/jsr_w alignment).
func (f *Frame) AlignTo4() {
	for f.PC%4 != 0 {
		f.PC++
	}
}

// FindHandler searches this frame's method's exception table for a clause
// covering pc whose catch type accepts throwableClassName (spec §4.6,
// §7). catchType == 0 is a catch-all (finally). isInstance decides
// assignability; callers pass a closure over the loader so pkg/thread
// does not need to resolve class references itself.
func (f *Frame) FindHandler(pc int, throwableClassName string, isInstance func(thrown, catch string) bool) *classfile.ExceptionHandler {
	for i := range f.Method.Code.ExceptionTable {
		h := &f.Method.Code.ExceptionTable[i]
		if pc < int(h.StartPC) || pc >= int(h.EndPC) {
			continue
		}
		if h.CatchType == 0 {
			return h
		}
		catchName, err := f.Class.Class.File.ConstantPool.ClassName(h.CatchType)
		if err != nil {
			continue
		}
		if isInstance(throwableClassName, catchName) {
			return h
		}
	}
	return nil
}

// Allocator tracks total live allocated bytes so the interpreter can
// surface OutOfMemoryError deterministically instead of trapping on a
// platform allocator failure (spec §5 Allocation discipline). A Max of 0
// means unbounded.
type Allocator struct {
	Live int64
	Max  int64
}

func NewAllocator(max int64) *Allocator {
	return &Allocator{Max: max}
}

// Alloc reserves n bytes, failing with OutOfMemoryError if that would
// exceed Max.
func (a *Allocator) Alloc(n int64) error {
	if a.Max > 0 && a.Live+n > a.Max {
		return jvmerrors.New(jvmerrors.OutOfMemoryError, "heap exhausted: live=%d requested=%d max=%d", a.Live, n, a.Max)
	}
	a.Live += n
	return nil
}

// Free releases n bytes previously reserved by Alloc.
func (a *Allocator) Free(n int64) {
	a.Live -= n
	if a.Live < 0 {
		a.Live = 0
	}
}

// Per-allocation byte costs used for OutOfMemoryError accounting: a fixed
// header plus one slot's worth per declared field or array element.
const instanceHeaderBytes = 16
const slotBytes = 16

// Thread is a single JVM thread of control: its call stack, argument
// stack, lifecycle state, and pending throwable (spec §3, §4.6).
type Thread struct {
	ID            int64
	CorrelationID uuid.UUID
	Name          string
	State         State

	Frames []*Frame

	// ArgStack is the bidirectional channel between the interpreter and
	// internal/native call sites (spec §3, §9).
	ArgStack []object.Slot

	// Pending is the thread's pending throwable; PendingInstance is its
	// boxed heap form, pushed onto a handler frame's operand stack.
	Pending         *jvmerrors.Throwable
	PendingInstance *object.Instance
}

// New creates a fresh thread with empty stacks and a unique auto-increment
// id (spec §4.6 "new(name)").
func New(name string) *Thread {
	return &Thread{
		ID:            atomic.AddInt64(&nextThreadID, 1),
		CorrelationID: uuid.New(),
		Name:          name,
		State:         StateFresh,
	}
}

// Destroy unwinds both stacks, releasing owned references (spec §4.6
// "destroy(thread)").
func (t *Thread) Destroy() {
	t.Frames = nil
	t.ArgStack = nil
	t.Pending = nil
	t.PendingInstance = nil
	t.State = StateTerminated
}

// PushFrame pushes a new activation record, transitioning Fresh -> Running.
func (t *Thread) PushFrame(f *Frame) {
	t.Frames = append(t.Frames, f)
	t.State = StateRunning
}

// PopFrame pops the top activation record. If the stack becomes empty and
// there is no pending throwable, the thread returns to Fresh; an empty
// stack with a pending throwable is left for the caller to mark
// Terminated (spec §4.6 state machine, §7 propagation policy).
func (t *Thread) PopFrame() *Frame {
	n := len(t.Frames)
	f := t.Frames[n-1]
	t.Frames = t.Frames[:n-1]
	if len(t.Frames) == 0 && t.Pending == nil {
		t.State = StateFresh
	}
	return f
}

// Top returns the current top frame, or nil if the stack is empty.
func (t *Thread) Top() *Frame {
	if len(t.Frames) == 0 {
		return nil
	}
	return t.Frames[len(t.Frames)-1]
}

// Depth returns the number of frames currently on the stack.
func (t *Thread) Depth() int { return len(t.Frames) }

// PushArg pushes a value onto the argument stack.
func (t *Thread) PushArg(v object.Slot) {
	t.ArgStack = append(t.ArgStack, v)
}

// PopArg pops a value from the argument stack.
func (t *Thread) PopArg() object.Slot {
	n := len(t.ArgStack)
	v := t.ArgStack[n-1]
	t.ArgStack = t.ArgStack[:n-1]
	return v
}

// PopArgsInOrder pops the top n argument-stack values and returns them in
// the order they were originally pushed (descriptor order), for filling a
// new frame's locals per invoke_static_method/invoke_instance_method.
func (t *Thread) PopArgsInOrder(n int) []object.Slot {
	out := make([]object.Slot, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = t.PopArg()
	}
	return out
}

// SetThrowable sets the thread's pending throwable and its boxed heap
// form.
func (t *Thread) SetThrowable(th *jvmerrors.Throwable, instance *object.Instance) {
	t.Pending = th
	t.PendingInstance = instance
}

// ClearThrowable clears the pending throwable, e.g. once a handler frame
// has consumed it.
func (t *Thread) ClearThrowable() {
	t.Pending = nil
	t.PendingInstance = nil
}

// throwableClassRef is the minimal object.ClassRef used to box a
// jvmerrors.Throwable as a heap Instance for exception-table matching and
// for pushing onto a handler frame's operand stack, without needing a
// real loaded java/lang/* class file.
type throwableClassRef struct{ name string }

func (c throwableClassRef) Name() string { return c.name }

// BoxThrowable wraps a *jvmerrors.Throwable as a heap Instance carrying its
// message, so the interpreter can push a real reference onto the handler
// frame's operand stack (spec §4.6 athrow).
func BoxThrowable(th *jvmerrors.Throwable) *object.Instance {
	inst := object.NewInstance(throwableClassRef{name: th.ClassName})
	inst.SetField(th.ClassName, "message", object.RefSlot(th.Message))
	return inst
}

// ConstructInstance allocates a heap Instance for class, walking its
// superclass chain and pre-initializing every declared instance field to
// its descriptor's default value (spec §4.6 construct_instance). The
// caller is responsible for running <init> afterward. Allocation is
// tracked through alloc so heap exhaustion surfaces as OutOfMemoryError
// rather than a Go-level panic (spec §5).
func ConstructInstance(alloc *Allocator, class *loader.Ref) (*object.Instance, error) {
	inst := object.NewInstance(class.Class)
	fieldCount := int64(0)
	for cur := class; cur != nil; cur = ancestorOf(cur) {
		for _, f := range cur.Class.File.Fields {
			if f.IsStatic() {
				continue
			}
			ft, err := classfile.ParseFieldDescriptor(f.Descriptor)
			if err != nil {
				return nil, err
			}
			inst.SetField(cur.Name, f.Name, object.ZeroSlot(ft))
			fieldCount++
		}
	}
	if alloc != nil {
		if err := alloc.Alloc(instanceHeaderBytes + fieldCount*slotBytes); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

func ancestorOf(ref *loader.Ref) *loader.Ref {
	super := ref.Class.File.SuperName
	if super == "" {
		return nil
	}
	return ref.DefiningLoader.GetLoaded(super)
}

// NewArray allocates a heap array of length n, tracked through alloc the
// same way ConstructInstance tracks instances.
func NewArray(alloc *Allocator, kind object.Kind, elementClassName string, n int) (*object.Array, error) {
	if n < 0 {
		// The throwable taxonomy (spec §6) has no NegativeArraySizeException
		// entry; ArrayIndexOutOfBoundsException is the nearest listed class
		// for an invalid array length.
		return nil, jvmerrors.New(jvmerrors.ArrayIndexOutOfBoundsException, "negative array length %d", n)
	}
	if alloc != nil {
		if err := alloc.Alloc(instanceHeaderBytes + int64(n)*slotBytes); err != nil {
			return nil, err
		}
	}
	return object.NewArray(kind, elementClassName, n), nil
}
