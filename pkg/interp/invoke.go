package interp

import (
	"github.com/microjvm/microjvm/pkg/classfile"
	"github.com/microjvm/microjvm/pkg/jvmerrors"
	"github.com/microjvm/microjvm/pkg/loader"
	"github.com/microjvm/microjvm/pkg/object"
	"github.com/microjvm/microjvm/pkg/resolve"
	"github.com/microjvm/microjvm/pkg/thread"
)

// doReturn pops the returning frame, releases any monitor it holds, and
// routes the result to the caller's operand stack or, for a frame pushed
// by an internal caller, onto the thread's argument stack (spec §4.6, §9
// "two disjoint return channels"). result.Kind == object.KindNone marks a
// void return with nothing to route.
func (m *Machine) doReturn(th *thread.Thread, result object.Slot) bool {
	f := th.PopFrame()
	if f.Monitor != nil {
		if err := f.Monitor.Exit(th); err != nil {
			return m.unwindCaller(th, err)
		}
	}
	if f.WasInternalCall {
		if result.Kind != object.KindNone {
			th.PushArg(result)
		}
		return th.Depth() > 0
	}
	if th.Depth() == 0 {
		return false
	}
	if result.Kind != object.KindNone {
		th.Top().Push(result)
	}
	return true
}

// InitializeClass runs a class's <clinit> exactly once, initializing its
// superclass first and applying each ConstantValue-bearing static field's
// literal before <clinit> runs (spec §4.6 initialize_class). It is
// idempotent and reentrant-safe: a class already Initializing (seen while
// its own <clinit> is on the call stack, e.g. a circular static reference)
// returns immediately rather than recursing.
func (m *Machine) InitializeClass(th *thread.Thread, class *loader.Ref) error {
	if class.Kind != loader.RefLoaded {
		return nil
	}
	k := class.Class
	if k.Initialized || k.Initializing {
		return nil
	}
	k.Initializing = true
	defer func() { k.Initializing = false }()

	if class.Class.File.SuperName != "" {
		super := class.DefiningLoader.GetLoaded(class.Class.File.SuperName)
		if super != nil {
			if err := m.InitializeClass(th, super); err != nil {
				return err
			}
		}
	}

	for _, f := range k.File.Fields {
		if !f.IsStatic() {
			continue
		}
		ft, err := classfile.ParseFieldDescriptor(f.Descriptor)
		if err != nil {
			return err
		}
		value := object.ZeroSlot(ft)
		if f.ConstantValue != nil {
			value, err = constantValueSlot(k.File.ConstantPool, *f.ConstantValue, ft)
			if err != nil {
				return err
			}
		}
		k.StaticFields[f.Name] = value
	}

	m.Log.WithField("class", k.Name()).Debug("interp: class initialized")
	k.Initialized = true

	clinit := k.File.FindMethod("<clinit>", "()V")
	if clinit == nil {
		return nil
	}
	_, err := m.invokeMethod(th, class, clinit, nil)
	return err
}

func constantValueSlot(pool classfile.ConstantPool, index uint16, ft classfile.FieldType) (object.Slot, error) {
	switch ft.Kind {
	case 'J':
		v, err := pool.LongVal(index)
		return object.LongSlot(v), err
	case 'F':
		v, err := pool.FloatVal(index)
		return object.FloatSlot(v), err
	case 'D':
		v, err := pool.DoubleVal(index)
		return object.DoubleSlot(v), err
	case 'L':
		v, err := pool.StringVal(index)
		return object.RefSlot(v), err
	default:
		v, err := pool.Integer(index)
		return object.IntSlot(v), err
	}
}

// invokeMethod pushes a new frame for method (already resolved to a
// concrete, non-abstract, non-native MethodInfo declared by class),
// fills its locals from args in descriptor order, marks it as an internal
// call so its return routes through the argument stack, and drives it to
// completion before returning the popped result (spec §4.6 "two disjoint
// return channels").
func (m *Machine) invokeMethod(th *thread.Thread, class *loader.Ref, method *classfile.MethodInfo, args []object.Slot) (object.Slot, error) {
	target := th.Depth()
	f, err := m.pushFrameForCall(th, class, method, args)
	if err != nil {
		return object.Slot{}, err
	}
	f.WasInternalCall = true

	if err := m.runUntilDepth(th, target); err != nil {
		return object.Slot{}, err
	}

	desc, err := classfile.ParseMethodDescriptor(method.Descriptor)
	if err != nil {
		return object.Slot{}, err
	}
	if desc.ReturnType.Kind == 'V' {
		return object.Slot{}, nil
	}
	return th.PopArg(), nil
}

// pushFrameForCall builds and pushes a new activation record for method
// against args already laid out in descriptor order (receiver first for
// an instance method), entering its intrinsic lock if it is synchronized
// (spec §4.6 invoke*, synchronized methods). It does not run the frame;
// callers either mark it WasInternalCall and drive it with runUntilDepth,
// or leave it for the ordinary Step loop to pick up next.
func (m *Machine) pushFrameForCall(th *thread.Thread, class *loader.Ref, method *classfile.MethodInfo, args []object.Slot) (*thread.Frame, error) {
	if method.IsNative() {
		return nil, jvmerrors.New(jvmerrors.LinkageError, "%s.%s%s is native: no native method table is implemented", class.Name, method.Name, method.Descriptor)
	}
	if method.IsAbstract() || method.Code == nil {
		return nil, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s.%s%s has no code to execute", class.Name, method.Name, method.Descriptor)
	}

	f := thread.NewFrame(class, method)
	slot := 0
	for _, v := range args {
		if v.IsCategory2() {
			f.SetLocalWide(slot, v)
			slot += 2
		} else {
			f.SetLocal(slot, v)
			slot++
		}
	}
	if method.IsSynchronized() {
		if method.IsStatic() {
			if class.Kind == loader.RefLoaded {
				mon := classMonitor(class.Class)
				mon.Enter(th)
				f.Monitor = mon
			}
		} else if len(args) > 0 {
			if inst, ok := args[0].Ref.(*object.Instance); ok {
				inst.EnterMonitor(th)
				f.Monitor = inst.Monitor
			}
		}
	}
	th.PushFrame(f)
	return f, nil
}

// classMonitor lazily attaches a Monitor to a Klass for its static
// synchronized methods, kept in the package-level classMonitors map since
// pkg/loader does not itself model locking.
var classMonitors = make(map[*loader.Klass]*object.Monitor)

func classMonitor(k *loader.Klass) *object.Monitor {
	if mon, ok := classMonitors[k]; ok {
		return mon
	}
	mon := &object.Monitor{}
	classMonitors[k] = mon
	return mon
}

// InvokeStaticMethod looks up a static method by name/descriptor on an
// already-loaded class and runs it against args already in descriptor
// order, for callers (bootstrap linking, the cmd/microjvm host) that are
// not reacting to an invokestatic bytecode. It ensures the owning class is initialized
// first (spec §4.6 invokestatic, initialize_class).
func (m *Machine) InvokeStaticMethod(th *thread.Thread, class *loader.Ref, name, descriptor string, args []object.Slot) (object.Slot, error) {
	if class.Kind != loader.RefLoaded {
		return object.Slot{}, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s is not a class", class.Name)
	}
	method := class.Class.File.FindMethod(name, descriptor)
	if method == nil {
		return object.Slot{}, jvmerrors.New(jvmerrors.NoSuchMethodError, "%s.%s%s", class.Name, name, descriptor)
	}
	if !method.IsStatic() {
		return object.Slot{}, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s.%s%s is not static", class.Name, name, descriptor)
	}
	if err := m.InitializeClass(th, class); err != nil {
		return object.Slot{}, err
	}
	return m.invokeMethod(th, class, method, args)
}

// InvokeInstanceMethod runs an already-resolved instance method against a
// receiver slot plus its remaining arguments, for callers outside ordinary
// invoke* dispatch.
func (m *Machine) InvokeInstanceMethod(th *thread.Thread, class *loader.Ref, method *classfile.MethodInfo, receiver object.Slot, args []object.Slot) (object.Slot, error) {
	full := append([]object.Slot{receiver}, args...)
	return m.invokeMethod(th, class, method, full)
}

// --- resolve.BootstrapInvoker ---

// LinkDynamicConstant runs the bootstrap method for a dynamically-computed
// constant (spec §4.5 ResolveDynamic). Lacking a real java/lang/invoke
// object model, the leading Lookup/name/type arguments are passed as
// placeholder reference slots; the bootstrap method's return value, read
// according to the constant's field type (slotToConstant), is taken
// directly as the constant value.
func (m *Machine) LinkDynamicConstant(caller *loader.Ref, bootstrap resolve.BootstrapMethodHandle, name string, fieldType classfile.FieldType, staticArgs []interface{}) (interface{}, error) {
	th := thread.New("bootstrap")
	args, err := m.bootstrapCallArgs(bootstrap, name, staticArgs)
	if err != nil {
		return nil, err
	}
	result, err := m.InvokeStaticMethod(th, bootstrap.Method.Owner, bootstrap.Method.Method.Name, bootstrap.Method.Method.Descriptor, args)
	if err != nil {
		return nil, err
	}
	return slotToConstant(result, fieldType), nil
}

// LinkCallSite runs the bootstrap method for invokedynamic (spec §4.5
// ResolveInvokeDynamic). The bootstrap's resolved handle stands in for the
// produced java/lang/invoke/CallSite: invokedynamic call sites resolved
// through this machine dispatch straight to that handle's target method by
// convention, since no CallSite/MethodHandle heap representation exists in
// this minimal core.
func (m *Machine) LinkCallSite(caller *loader.Ref, bootstrap resolve.BootstrapMethodHandle, name string, methodType classfile.MethodDescriptor, staticArgs []interface{}) (interface{}, error) {
	th := thread.New("bootstrap")
	args, err := m.bootstrapCallArgs(bootstrap, name, staticArgs)
	if err != nil {
		return nil, err
	}
	if _, err := m.InvokeStaticMethod(th, bootstrap.Method.Owner, bootstrap.Method.Method.Name, bootstrap.Method.Method.Descriptor, args); err != nil {
		return nil, err
	}
	return &bootstrap, nil
}

func (m *Machine) bootstrapCallArgs(bootstrap resolve.BootstrapMethodHandle, name string, staticArgs []interface{}) ([]object.Slot, error) {
	args := []object.Slot{object.RefSlot("lookup"), object.RefSlot(name), object.RefSlot("type")}
	for _, sa := range staticArgs {
		args = append(args, object.RefSlot(sa))
	}
	return args, nil
}

// slotToConstant unboxes a method's return Slot into the plain Go value the
// resolver caches as the dynamically-computed constant (spec §4.5 step 9).
func slotToConstant(s object.Slot, ft classfile.FieldType) interface{} {
	switch ft.Kind {
	case 'I', 'S', 'B', 'C', 'Z':
		return s.Int
	case 'J':
		return s.Long
	case 'F':
		return s.Float
	case 'D':
		return s.Double
	default:
		return s.Ref
	}
}

// BoxPrimitive boxes a primitive bootstrap static argument (spec §4.5 step
// 6). This minimal core has no java/lang/Integer-family wrapper classes
// loaded, so the boxed form is simply the Go primitive value itself,
// unwrapped again by the bootstrap's own parameter handling.
func (m *Machine) BoxPrimitive(value interface{}) (interface{}, error) {
	return value, nil
}

// InternString interns a String constant used as a bootstrap static
// argument. Java strings are represented directly as Go strings in this
// core (no heap Instance wrapper, mirroring the teacher's Value.Ref
// convention), so Go's own string value equality already gives interning
// for free.
func (m *Machine) InternString(s string) (interface{}, error) {
	return s, nil
}
