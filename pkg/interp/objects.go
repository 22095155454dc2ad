package interp

import (
	"github.com/microjvm/microjvm/pkg/classfile"
	"github.com/microjvm/microjvm/pkg/jvmerrors"
	"github.com/microjvm/microjvm/pkg/loader"
	"github.com/microjvm/microjvm/pkg/object"
	"github.com/microjvm/microjvm/pkg/resolve"
	"github.com/microjvm/microjvm/pkg/thread"
)

func framePool(f *thread.Frame) classfile.ConstantPool {
	return f.Class.Class.File.ConstantPool
}

// popArgsForDescriptor pops len(params) values off f's operand stack and
// returns them in descriptor (left-to-right) order. Every parameter,
// category-1 or category-2, occupies exactly one logical stack slot in
// this implementation (spec §4.6, object.Slot).
func popArgsForDescriptor(f *thread.Frame, params []classfile.FieldType) []object.Slot {
	out := make([]object.Slot, len(params))
	for i := len(params) - 1; i >= 0; i-- {
		out[i] = f.Pop()
	}
	return out
}

// --- field access (spec §4.6 getstatic/putstatic/getfield/putfield) ---

func (m *Machine) execGetstatic(th *thread.Thread, f *thread.Frame, index uint16) (object.Slot, error) {
	if v, handled, err := m.trySystemOut(f, index); handled {
		return v, err
	}
	res, err := m.Resolver.ResolveField(f.Class, framePool(f), index)
	if err != nil {
		return object.Slot{}, err
	}
	if !res.Field.IsStatic() {
		return object.Slot{}, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s.%s is not static", res.Declarer.Name, res.Field.Name)
	}
	if err := m.InitializeClass(th, res.Declarer); err != nil {
		return object.Slot{}, err
	}
	v, ok := res.Declarer.Class.StaticFields[res.Field.Name]
	if !ok {
		v = object.ZeroSlot(res.Type)
	}
	return v, nil
}

func (m *Machine) execPutstatic(th *thread.Thread, f *thread.Frame, index uint16) error {
	res, err := m.Resolver.ResolveField(f.Class, framePool(f), index)
	if err != nil {
		return err
	}
	if !res.Field.IsStatic() {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s.%s is not static", res.Declarer.Name, res.Field.Name)
	}
	if res.Field.IsFinal() && !currentlyInitializing(f, res.Declarer) {
		return jvmerrors.New(jvmerrors.IllegalAccessError, "%s.%s is final", res.Declarer.Name, res.Field.Name)
	}
	if err := m.InitializeClass(th, res.Declarer); err != nil {
		return err
	}
	res.Declarer.Class.StaticFields[res.Field.Name] = f.Pop()
	return nil
}

func (m *Machine) execGetfield(f *thread.Frame, index uint16) (object.Slot, error) {
	res, err := m.Resolver.ResolveField(f.Class, framePool(f), index)
	if err != nil {
		return object.Slot{}, err
	}
	if res.Field.IsStatic() {
		return object.Slot{}, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s.%s is static", res.Declarer.Name, res.Field.Name)
	}
	objRef := f.Pop()
	if objRef.IsNull() {
		return object.Slot{}, npe("getfield %s.%s", res.Declarer.Name, res.Field.Name)
	}
	inst, ok := objRef.Ref.(*object.Instance)
	if !ok {
		return object.Slot{}, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "getfield target is not an object instance")
	}
	v, ok := inst.GetField(res.Declarer.Name, res.Field.Name)
	if !ok {
		v = object.ZeroSlot(res.Type)
	}
	return v, nil
}

func (m *Machine) execPutfield(f *thread.Frame, index uint16) error {
	res, err := m.Resolver.ResolveField(f.Class, framePool(f), index)
	if err != nil {
		return err
	}
	if res.Field.IsStatic() {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s.%s is static", res.Declarer.Name, res.Field.Name)
	}
	value := f.Pop()
	objRef := f.Pop()
	if objRef.IsNull() {
		return npe("putfield %s.%s", res.Declarer.Name, res.Field.Name)
	}
	inst, ok := objRef.Ref.(*object.Instance)
	if !ok {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "putfield target is not an object instance")
	}
	if res.Field.IsFinal() && !currentlyInitializing(f, res.Declarer) {
		return jvmerrors.New(jvmerrors.IllegalAccessError, "%s.%s is final", res.Declarer.Name, res.Field.Name)
	}
	inst.SetField(res.Declarer.Name, res.Field.Name, value)
	return nil
}

// currentlyInitializing reports whether f is executing <init> or <clinit>
// declared directly by declarer, the one context in which JVM semantics
// permit a write to a final field (spec §9 Open Question Decision).
func currentlyInitializing(f *thread.Frame, declarer *loader.Ref) bool {
	if f.Class != declarer {
		return false
	}
	return f.Method.Name == "<init>" || f.Method.Name == "<clinit>"
}

// --- invocation (spec §4.6 invokevirtual/invokespecial/invokestatic/invokeinterface/invokedynamic) ---

func (m *Machine) execInvokestatic(th *thread.Thread, f *thread.Frame, index uint16) error {
	res, err := m.Resolver.ResolveClassMethod(f.Class, framePool(f), index)
	if err != nil {
		return err
	}
	if !res.Method.IsStatic() {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s.%s%s is not static", res.Owner.Name, res.Method.Name, res.Method.Descriptor)
	}
	if err := m.InitializeClass(th, res.Owner); err != nil {
		return err
	}
	args := popArgsForDescriptor(f, res.Descriptor.Parameters)
	_, err = m.pushFrameForCall(th, res.Owner, res.Method, args)
	return err
}

func (m *Machine) execInvokespecial(th *thread.Thread, f *thread.Frame, index uint16) error {
	res, err := m.Resolver.ResolveClassMethod(f.Class, framePool(f), index)
	if err != nil {
		return err
	}
	if res.Method.IsStatic() {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s.%s%s is static", res.Owner.Name, res.Method.Name, res.Method.Descriptor)
	}
	args := popArgsForDescriptor(f, res.Descriptor.Parameters)
	receiver := f.Pop()
	if receiver.IsNull() {
		return npe("invokespecial %s.%s%s", res.Owner.Name, res.Method.Name, res.Method.Descriptor)
	}
	all := append([]object.Slot{receiver}, args...)
	_, err = m.pushFrameForCall(th, res.Owner, res.Method, all)
	return err
}

func (m *Machine) execInvokevirtual(th *thread.Thread, f *thread.Frame, index uint16) error {
	if handled, err := m.tryPrintStreamCall(f, index); handled {
		return err
	}
	res, err := m.Resolver.ResolveClassMethod(f.Class, framePool(f), index)
	if err != nil {
		return err
	}
	if res.Method.IsStatic() {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s.%s%s is static", res.Owner.Name, res.Method.Name, res.Method.Descriptor)
	}
	args := popArgsForDescriptor(f, res.Descriptor.Parameters)
	receiver := f.Pop()
	if receiver.IsNull() {
		return npe("invokevirtual %s.%s%s", res.Owner.Name, res.Method.Name, res.Method.Descriptor)
	}
	inst, ok := receiver.Ref.(*object.Instance)
	if !ok {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "invokevirtual target is not an object instance")
	}
	owner, method := m.virtualDispatch(f.Class.DefiningLoader, inst.Class.Name(), res.Method.Name, res.Method.Descriptor, res.Owner, res.Method)
	all := append([]object.Slot{receiver}, args...)
	_, err = m.pushFrameForCall(th, owner, method, all)
	return err
}

func (m *Machine) execInvokeinterface(th *thread.Thread, f *thread.Frame, index uint16, count uint8) error {
	res, err := m.Resolver.ResolveInterfaceMethod(f.Class, framePool(f), index)
	if err != nil {
		return err
	}
	args := popArgsForDescriptor(f, res.Descriptor.Parameters)
	receiver := f.Pop()
	if receiver.IsNull() {
		return npe("invokeinterface %s.%s%s", res.Owner.Name, res.Method.Name, res.Method.Descriptor)
	}
	inst, ok := receiver.Ref.(*object.Instance)
	if !ok {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "invokeinterface target is not an object instance")
	}
	owner, method := m.virtualDispatch(f.Class.DefiningLoader, inst.Class.Name(), res.Method.Name, res.Method.Descriptor, res.Owner, res.Method)
	all := append([]object.Slot{receiver}, args...)
	_, err = m.pushFrameForCall(th, owner, method, all)
	return err
}

// virtualDispatch walks the receiver's actual runtime class upward looking
// for an override of name/descriptor (spec §4.6 invokevirtual/
// invokeinterface "dispatch on the receiver's actual class, not the
// declared one"), falling back to the statically resolved method/owner if
// the receiver's class cannot be found in l (should not happen for a
// well-formed program).
func (m *Machine) virtualDispatch(l *loader.Loader, receiverClassName, name, descriptor string, fallbackOwner *loader.Ref, fallbackMethod *classfile.MethodInfo) (*loader.Ref, *classfile.MethodInfo) {
	cur := l.GetLoaded(receiverClassName)
	for cur != nil {
		if m := cur.Class.File.FindMethod(name, descriptor); m != nil && !m.IsAbstract() {
			return cur, m
		}
		if cur.Class.File.SuperName == "" {
			break
		}
		cur = cur.DefiningLoader.GetLoaded(cur.Class.File.SuperName)
	}
	return fallbackOwner, fallbackMethod
}

func (m *Machine) execInvokedynamic(th *thread.Thread, f *thread.Frame, index uint16) error {
	pool := framePool(f)
	_, _, descriptor, err := pool.InvokeDynamic(index)
	if err != nil {
		return err
	}
	methodType, err := classfile.ParseMethodDescriptor(descriptor)
	if err != nil {
		return err
	}
	cached, err := m.Resolver.ResolveInvokeDynamic(f.Class, pool, index)
	if err != nil {
		return err
	}
	handle, ok := cached.(*resolve.BootstrapMethodHandle)
	if !ok || handle.Method == nil {
		return jvmerrors.New(jvmerrors.BootstrapMethodError, "invokedynamic call site did not resolve to an invocable method")
	}
	args := popArgsForDescriptor(f, methodType.Parameters)
	_, err = m.pushFrameForCall(th, handle.Method.Owner, handle.Method.Method, args)
	return err
}

// --- object/array allocation, casts, monitors (spec §4.6) ---

func (m *Machine) execNew(th *thread.Thread, f *thread.Frame, index uint16) (object.Slot, error) {
	class, err := m.Resolver.ResolveClass(f.Class, framePool(f), index)
	if err != nil {
		return object.Slot{}, err
	}
	if class.Kind != loader.RefLoaded || class.Class.File.IsInterface() || class.Class.File.IsAbstract() {
		return object.Slot{}, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s cannot be instantiated directly", class.Name)
	}
	if err := m.InitializeClass(th, class); err != nil {
		return object.Slot{}, err
	}
	inst, err := thread.ConstructInstance(m.Alloc, class)
	if err != nil {
		return object.Slot{}, err
	}
	return object.RefSlot(inst), nil
}

func newarrayKind(atype uint8) (object.Kind, error) {
	switch atype {
	case arrBoolean, arrByte, arrChar, arrShort, arrInt:
		return object.KindInt, nil
	case arrLong:
		return object.KindLong, nil
	case arrFloat:
		return object.KindFloat, nil
	case arrDouble:
		return object.KindDouble, nil
	default:
		return 0, jvmerrors.NewClassFormatError("newarray: invalid atype %d", atype)
	}
}

func (m *Machine) execNewarray(f *thread.Frame, atype uint8) (object.Slot, error) {
	kind, err := newarrayKind(atype)
	if err != nil {
		return object.Slot{}, err
	}
	n := f.Pop().Int
	arr, err := thread.NewArray(m.Alloc, kind, "", int(n))
	if err != nil {
		return object.Slot{}, err
	}
	return object.RefSlot(arr), nil
}

func (m *Machine) execAnewarray(f *thread.Frame, index uint16) (object.Slot, error) {
	component, err := m.Resolver.ResolveClass(f.Class, framePool(f), index)
	if err != nil {
		return object.Slot{}, err
	}
	n := f.Pop().Int
	arr, err := thread.NewArray(m.Alloc, object.KindReference, component.Name, int(n))
	if err != nil {
		return object.Slot{}, err
	}
	return object.RefSlot(arr), nil
}

func (m *Machine) execMultianewarray(f *thread.Frame, index uint16, dimensions uint8) (object.Slot, error) {
	component, err := m.Resolver.ResolveClass(f.Class, framePool(f), index)
	if err != nil {
		return object.Slot{}, err
	}
	counts := make([]int32, dimensions)
	for i := int(dimensions) - 1; i >= 0; i-- {
		counts[i] = f.Pop().Int
	}
	arr, err := m.newMultiArray(component.Name, counts, 0)
	if err != nil {
		return object.Slot{}, err
	}
	return object.RefSlot(arr), nil
}

func (m *Machine) newMultiArray(componentClassName string, counts []int32, depth int) (*object.Array, error) {
	n := counts[depth]
	arr, err := thread.NewArray(m.Alloc, object.KindReference, componentClassName, int(n))
	if err != nil {
		return nil, err
	}
	if depth+1 < len(counts) {
		for i := int32(0); i < n; i++ {
			child, err := m.newMultiArray(componentClassName, counts, depth+1)
			if err != nil {
				return nil, err
			}
			if err := arr.Set(i, object.RefSlot(child)); err != nil {
				return nil, err
			}
		}
	}
	return arr, nil
}

func (m *Machine) execArraylength(f *thread.Frame) (object.Slot, error) {
	ref := f.Pop()
	if ref.IsNull() {
		return object.Slot{}, npe("arraylength")
	}
	arr, ok := ref.Ref.(*object.Array)
	if !ok {
		return object.Slot{}, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "arraylength target is not an array")
	}
	return object.IntSlot(int32(arr.Length())), nil
}

// execCheckcast implements spec §4.6 checkcast: a failed cast raises
// IncompatibleClassChangeError, the nearest listed throwable class, since
// the taxonomy of spec §6 has no ClassCastException entry (the same
// substitution already used for a negative array length, spec §9 Open
// Question Decision).
func (m *Machine) execCheckcast(f *thread.Frame, index uint16) error {
	target, err := m.Resolver.ResolveClass(f.Class, framePool(f), index)
	if err != nil {
		return err
	}
	top := f.Stack[f.SP-1]
	if top.IsNull() {
		return nil
	}
	if !m.assignableTo(f, top, target) {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "cannot cast to %s", target.Name)
	}
	return nil
}

func (m *Machine) execInstanceof(f *thread.Frame, index uint16) (object.Slot, error) {
	target, err := m.Resolver.ResolveClass(f.Class, framePool(f), index)
	if err != nil {
		return object.Slot{}, err
	}
	ref := f.Pop()
	if ref.IsNull() {
		return object.IntSlot(0), nil
	}
	if m.assignableTo(f, ref, target) {
		return object.IntSlot(1), nil
	}
	return object.IntSlot(0), nil
}

func (m *Machine) assignableTo(f *thread.Frame, ref object.Slot, target *loader.Ref) bool {
	switch v := ref.Ref.(type) {
	case *object.Instance:
		srcRef := f.Class.DefiningLoader.GetLoaded(v.Class.Name())
		if srcRef == nil {
			return v.Class.Name() == target.Name
		}
		return loader.CanCast(srcRef, target)
	case *object.Array:
		return target.Kind == loader.RefArray || target.Name == "java/lang/Object"
	default:
		return false
	}
}

func (m *Machine) execMonitorenter(th *thread.Thread, f *thread.Frame) error {
	ref := f.Pop()
	if ref.IsNull() {
		return npe("monitorenter")
	}
	inst, ok := ref.Ref.(*object.Instance)
	if !ok {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "monitorenter target is not an object instance")
	}
	inst.EnterMonitor(th)
	return nil
}

func (m *Machine) execMonitorexit(th *thread.Thread, f *thread.Frame) error {
	ref := f.Pop()
	if ref.IsNull() {
		return npe("monitorexit")
	}
	inst, ok := ref.Ref.(*object.Instance)
	if !ok {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "monitorexit target is not an object instance")
	}
	return inst.ExitMonitor(th)
}

// --- ldc / ldc_w / ldc2_w (spec §4.6) ---

func (m *Machine) execLdc(f *thread.Frame, index uint16) (object.Slot, error) {
	pool := framePool(f)
	entry, err := pool.EntryAt(index)
	if err != nil {
		return object.Slot{}, err
	}
	switch entry.Tag() {
	case classfile.TagInteger:
		v, err := pool.Integer(index)
		return object.IntSlot(v), err
	case classfile.TagFloat:
		v, err := pool.FloatVal(index)
		return object.FloatSlot(v), err
	case classfile.TagString:
		v, err := pool.StringVal(index)
		return object.RefSlot(v), err
	case classfile.TagClass:
		ref, err := m.Resolver.ResolveClass(f.Class, pool, index)
		return object.RefSlot(ref), err
	case classfile.TagMethodType:
		desc, err := m.Resolver.ResolveMethodType(f.Class, pool, index)
		return object.RefSlot(desc), err
	case classfile.TagMethodHandle:
		mh, err := m.Resolver.ResolveMethodHandle(f.Class, pool, index)
		return object.RefSlot(mh), err
	case classfile.TagDynamic:
		v, err := m.Resolver.ResolveDynamic(f.Class, pool, index, make(map[uint16]bool))
		if err != nil {
			return object.Slot{}, err
		}
		return dynamicToSlot(v), nil
	default:
		return object.Slot{}, jvmerrors.NewClassFormatError("ldc: constant pool index %d has unsupported tag %d", index, entry.Tag())
	}
}

func (m *Machine) execLdc2W(f *thread.Frame, index uint16) (object.Slot, error) {
	pool := framePool(f)
	entry, err := pool.EntryAt(index)
	if err != nil {
		return object.Slot{}, err
	}
	switch entry.Tag() {
	case classfile.TagLong:
		v, err := pool.LongVal(index)
		return object.LongSlot(v), err
	case classfile.TagDouble:
		v, err := pool.DoubleVal(index)
		return object.DoubleSlot(v), err
	default:
		return object.Slot{}, jvmerrors.NewClassFormatError("ldc2_w: constant pool index %d has unsupported tag %d", index, entry.Tag())
	}
}

func dynamicToSlot(v interface{}) object.Slot {
	switch val := v.(type) {
	case int32:
		return object.IntSlot(val)
	case int64:
		return object.LongSlot(val)
	case float32:
		return object.FloatSlot(val)
	case float64:
		return object.DoubleSlot(val)
	case nil:
		return object.NullSlot()
	default:
		return object.RefSlot(val)
	}
}
