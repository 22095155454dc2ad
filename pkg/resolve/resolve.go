// Package resolve turns constant-pool symbolic references into live
// runtime references: class, field, class-method, interface-method,
// method-type, method-handle, dynamically-computed-constant, and
// invokedynamic resolution (spec §4.5). Every resolution is cache
// consulted first against the triggering class's resolved-constant cache
// (pkg/loader's Ref.ResolvedCache/CacheResolved).
package resolve

import (
	"github.com/sirupsen/logrus"

	"github.com/microjvm/microjvm/pkg/classfile"
	"github.com/microjvm/microjvm/pkg/jvmerrors"
	"github.com/microjvm/microjvm/pkg/loader"
)

func traceCache(kind string, caller *loader.Ref, index uint16, hit bool) {
	logrus.WithFields(logrus.Fields{
		"kind":   kind,
		"caller": caller.Name,
		"index":  index,
		"hit":    hit,
	}).Debug("resolve: cache lookup")
}

// FieldResolution is the runtime reference produced by field resolution.
type FieldResolution struct {
	Owner      *loader.Ref
	Field      *classfile.FieldInfo
	Type       classfile.FieldType
	Declarer   *loader.Ref // the class in the hierarchy that actually declares the field
}

// MethodResolution is the runtime reference produced by method resolution.
type MethodResolution struct {
	Owner      *loader.Ref
	Method     *classfile.MethodInfo
	Descriptor classfile.MethodDescriptor
	Declarer   *loader.Ref
}

// BootstrapInvoker performs the native-method invocations that dynamic
// constant and invokedynamic resolution require (spec §4.5). pkg/interp's
// Machine implements this; pkg/resolve only depends on the interface, so
// there is no import cycle between resolve and interp.
type BootstrapInvoker interface {
	// LinkDynamicConstant runs MethodHandleNatives.linkDynamicConstant
	// semantics: invoke the bootstrap method handle with the standard
	// leading arguments (lookup, name, type) plus staticArgs, returning
	// the produced constant value.
	LinkDynamicConstant(caller *loader.Ref, bootstrap BootstrapMethodHandle, name string, fieldType classfile.FieldType, staticArgs []interface{}) (interface{}, error)
	// LinkCallSite runs the bootstrap method for an invokedynamic call
	// site and returns the value cached for it. ResolveInvokeDynamic does
	// not check the value's type; pkg/interp's implementation returns the
	// bootstrap handle itself, not a java/lang/invoke/CallSite instance.
	LinkCallSite(caller *loader.Ref, bootstrap BootstrapMethodHandle, name string, methodType classfile.MethodDescriptor, staticArgs []interface{}) (interface{}, error)
	// BoxPrimitive converts a primitive static-argument value (Integer,
	// Float, Long, Double constants) into the form passed to the
	// bootstrap method (spec §4.5 step 6); pkg/interp's implementation
	// returns the value unchanged and makes no MethodHandles.identity call.
	BoxPrimitive(value interface{}) (interface{}, error)
	// InternString interns a String constant used as a static argument.
	InternString(s string) (interface{}, error)
}

// BootstrapMethodHandle is the resolved form of a CONSTANT_MethodHandle
// used as a bootstrap method: its reference kind plus the resolved member
// it targets.
type BootstrapMethodHandle struct {
	ReferenceKind uint8
	Method        *MethodResolution
	Field         *FieldResolution
}

// Resolver resolves symbolic references against a caller class, using its
// defining loader for lookups.
type Resolver struct {
	Invoker BootstrapInvoker
}

func NewResolver(invoker BootstrapInvoker) *Resolver {
	return &Resolver{Invoker: invoker}
}

// ResolveClass implements spec §4.5 class resolution: read the Utf8 name,
// load it through the defining loader of the triggering class, check
// access, and cache.
func (r *Resolver) ResolveClass(caller *loader.Ref, pool classfile.ConstantPool, index uint16) (*loader.Ref, error) {
	if cached, ok := caller.ResolvedCache(index); ok {
		traceCache("class", caller, index, true)
		return cached.(*loader.Ref), nil
	}
	name, err := pool.ClassName(index)
	if err != nil {
		return nil, err
	}
	target, err := caller.DefiningLoader.Load(name)
	if err != nil {
		if existing := caller.DefiningLoader.GetLoaded(name); existing != nil {
			target = existing
		} else {
			return nil, err
		}
	}
	if !loader.CanAccessClass(caller, target) {
		return nil, jvmerrors.New(jvmerrors.IllegalAccessError, "class %s is not accessible from %s", target.Name, caller.Name)
	}
	traceCache("class", caller, index, false)
	caller.CacheResolved(index, target)
	return target, nil
}

// ResolveField implements spec §4.5 field resolution: resolve the owning
// class, search it and its superinterfaces (BFS) then its superclass
// chain for a field with the given name, check access, and cache.
func (r *Resolver) ResolveField(caller *loader.Ref, pool classfile.ConstantPool, index uint16) (*FieldResolution, error) {
	if cached, ok := caller.ResolvedCache(index); ok {
		traceCache("field", caller, index, true)
		return cached.(*FieldResolution), nil
	}
	ref, err := pool.Fieldref(index)
	if err != nil {
		return nil, err
	}
	owner, err := r.resolveClassByName(caller, ref.ClassName)
	if err != nil {
		return nil, err
	}

	declarer, field := findField(owner, ref.Name)
	if field == nil {
		return nil, jvmerrors.New(jvmerrors.NoSuchFieldError, "%s.%s", owner.Name, ref.Name)
	}
	if !loader.CanAccessMember(caller, declarer, field.AccessFlags) {
		return nil, jvmerrors.New(jvmerrors.IllegalAccessError, "field %s.%s is not accessible from %s", declarer.Name, ref.Name, caller.Name)
	}
	fieldType, err := classfile.ParseFieldDescriptor(ref.Descriptor)
	if err != nil {
		return nil, err
	}
	res := &FieldResolution{Owner: owner, Field: field, Type: fieldType, Declarer: declarer}
	traceCache("field", caller, index, false)
	caller.CacheResolved(index, res)
	return res, nil
}

func findField(start *loader.Ref, name string) (declarer *loader.Ref, field *classfile.FieldInfo) {
	// superinterfaces first (BFS over the interface DAG), spec §4.5.
	visited := make(map[string]bool)
	var queue []*loader.Ref
	for cur := start; cur != nil; {
		for _, f := range cur.Class.File.Fields {
			if f.Name == name {
				return cur, f
			}
		}
		for _, iname := range cur.Class.File.InterfaceNames {
			if iref := cur.DefiningLoader.GetLoaded(iname); iref != nil && !visited[iname] {
				visited[iname] = true
				queue = append(queue, iref)
			}
		}
		if cur.Class.File.SuperName == "" {
			cur = nil
		} else {
			cur = cur.DefiningLoader.GetLoaded(cur.Class.File.SuperName)
		}
	}
	for len(queue) > 0 {
		iface := queue[0]
		queue = queue[1:]
		for _, f := range iface.Class.File.Fields {
			if f.Name == name {
				return iface, f
			}
		}
		for _, iname := range iface.Class.File.InterfaceNames {
			if iref := iface.DefiningLoader.GetLoaded(iname); iref != nil && !visited[iname] {
				visited[iname] = true
				queue = append(queue, iref)
			}
		}
	}
	return nil, nil
}

// ResolveClassMethod implements spec §4.5 class-method resolution
// (Methodref): the owning class must not be an interface, lookup walks
// the superclass chain first, then BFS's the interface DAG.
func (r *Resolver) ResolveClassMethod(caller *loader.Ref, pool classfile.ConstantPool, index uint16) (*MethodResolution, error) {
	if cached, ok := caller.ResolvedCache(index); ok {
		traceCache("classmethod", caller, index, true)
		return cached.(*MethodResolution), nil
	}
	ref, err := pool.Methodref(index)
	if err != nil {
		return nil, err
	}
	owner, err := r.resolveClassByName(caller, ref.ClassName)
	if err != nil {
		return nil, err
	}
	if owner.IsInterface() {
		return nil, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s is an interface", owner.Name)
	}

	declarer, method := findClassMethod(owner, ref.Name, ref.Descriptor)
	if method == nil {
		declarer, method = findInterfaceMethodBFS(owner, ref.Name, ref.Descriptor)
	}
	if method == nil {
		return nil, jvmerrors.New(jvmerrors.NoSuchMethodError, "%s.%s%s", owner.Name, ref.Name, ref.Descriptor)
	}
	if !loader.CanAccessMember(caller, declarer, method.AccessFlags) {
		return nil, jvmerrors.New(jvmerrors.IllegalAccessError, "method %s.%s%s is not accessible from %s", declarer.Name, ref.Name, ref.Descriptor, caller.Name)
	}
	desc, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		return nil, err
	}
	res := &MethodResolution{Owner: owner, Method: method, Descriptor: desc, Declarer: declarer}
	traceCache("classmethod", caller, index, false)
	caller.CacheResolved(index, res)
	return res, nil
}

func findClassMethod(start *loader.Ref, name, descriptor string) (*loader.Ref, *classfile.MethodInfo) {
	for cur := start; cur != nil; {
		if m := cur.Class.File.FindMethod(name, descriptor); m != nil {
			return cur, m
		}
		if cur.Class.File.SuperName == "" {
			return nil, nil
		}
		cur = cur.DefiningLoader.GetLoaded(cur.Class.File.SuperName)
	}
	return nil, nil
}

func findInterfaceMethodBFS(start *loader.Ref, name, descriptor string) (*loader.Ref, *classfile.MethodInfo) {
	visited := make(map[string]bool)
	var queue []*loader.Ref
	for cur := start; cur != nil; {
		for _, iname := range cur.Class.File.InterfaceNames {
			if iref := cur.DefiningLoader.GetLoaded(iname); iref != nil && !visited[iname] {
				visited[iname] = true
				queue = append(queue, iref)
			}
		}
		if cur.Class.File.SuperName == "" {
			break
		}
		cur = cur.DefiningLoader.GetLoaded(cur.Class.File.SuperName)
	}
	var concrete *loader.Ref
	var concreteMethod *classfile.MethodInfo
	for len(queue) > 0 {
		iface := queue[0]
		queue = queue[1:]
		if m := iface.Class.File.FindMethod(name, descriptor); m != nil {
			if !m.IsAbstract() {
				if concrete != nil && !concreteMethod.IsAbstract() && concrete.Name != iface.Name {
					// two unrelated concrete matches: JVM spec treats this as
					// ambiguous; report as NoSuchMethodError rather than
					// guessing (spec §4.5).
					return nil, nil
				}
				concrete = iface
				concreteMethod = m
			} else if concrete == nil {
				concrete = iface
				concreteMethod = m
			}
		}
		for _, iname := range iface.Class.File.InterfaceNames {
			if iref := iface.DefiningLoader.GetLoaded(iname); iref != nil && !visited[iname] {
				visited[iname] = true
				queue = append(queue, iref)
			}
		}
	}
	return concrete, concreteMethod
}

// ResolveInterfaceMethod implements spec §4.5 interface-method resolution:
// the owning class must be an interface; candidates must be public and
// non-static.
func (r *Resolver) ResolveInterfaceMethod(caller *loader.Ref, pool classfile.ConstantPool, index uint16) (*MethodResolution, error) {
	if cached, ok := caller.ResolvedCache(index); ok {
		traceCache("interfacemethod", caller, index, true)
		return cached.(*MethodResolution), nil
	}
	ref, err := pool.InterfaceMethodref(index)
	if err != nil {
		return nil, err
	}
	owner, err := r.resolveClassByName(caller, ref.ClassName)
	if err != nil {
		return nil, err
	}
	if !owner.IsInterface() {
		return nil, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s is not an interface", owner.Name)
	}
	declarer, method := findInterfaceMethodBFS(owner, ref.Name, ref.Descriptor)
	if method == nil {
		if m := owner.Class.File.FindMethod(ref.Name, ref.Descriptor); m != nil {
			declarer, method = owner, m
		}
	}
	if method == nil {
		return nil, jvmerrors.New(jvmerrors.NoSuchMethodError, "%s.%s%s", owner.Name, ref.Name, ref.Descriptor)
	}
	if method.IsStatic() {
		return nil, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s.%s%s is static", owner.Name, ref.Name, ref.Descriptor)
	}
	if !method.IsPublic() {
		return nil, jvmerrors.New(jvmerrors.IllegalAccessError, "%s.%s%s is not public", owner.Name, ref.Name, ref.Descriptor)
	}
	desc, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		return nil, err
	}
	res := &MethodResolution{Owner: owner, Method: method, Descriptor: desc, Declarer: declarer}
	traceCache("interfacemethod", caller, index, false)
	caller.CacheResolved(index, res)
	return res, nil
}

// ResolveMethodType implements spec §4.5 method-type resolution by parsing
// the descriptor; the classes it names are not loaded or resolved here.
func (r *Resolver) ResolveMethodType(caller *loader.Ref, pool classfile.ConstantPool, index uint16) (classfile.MethodDescriptor, error) {
	if cached, ok := caller.ResolvedCache(index); ok {
		traceCache("methodtype", caller, index, true)
		return cached.(classfile.MethodDescriptor), nil
	}
	descriptor, err := pool.MethodType(index)
	if err != nil {
		return classfile.MethodDescriptor{}, err
	}
	desc, err := classfile.ParseMethodDescriptor(descriptor)
	if err != nil {
		return classfile.MethodDescriptor{}, err
	}
	traceCache("methodtype", caller, index, false)
	caller.CacheResolved(index, desc)
	return desc, nil
}

// ResolveMethodHandle implements spec §4.5 method-handle resolution: a
// MethodHandle constant resolves to the field or method it targets,
// checked against the static/non-static invariant implied by its
// reference kind.
func (r *Resolver) ResolveMethodHandle(caller *loader.Ref, pool classfile.ConstantPool, index uint16) (BootstrapMethodHandle, error) {
	if cached, ok := caller.ResolvedCache(index); ok {
		traceCache("methodhandle", caller, index, true)
		return cached.(BootstrapMethodHandle), nil
	}
	mh, err := pool.MethodHandle(index)
	if err != nil {
		return BootstrapMethodHandle{}, err
	}
	if mh.ReferenceKind < classfile.RefGetField || mh.ReferenceKind > classfile.RefInvokeInterface {
		return BootstrapMethodHandle{}, jvmerrors.NewClassFormatError("method handle reference_kind %d out of range [1,9]", mh.ReferenceKind)
	}

	var result BootstrapMethodHandle
	result.ReferenceKind = mh.ReferenceKind
	switch mh.ReferenceKind {
	case classfile.RefGetField, classfile.RefGetStatic, classfile.RefPutField, classfile.RefPutStatic:
		field, err := r.ResolveField(caller, pool, mh.ReferenceIndex)
		if err != nil {
			return BootstrapMethodHandle{}, err
		}
		wantStatic := mh.ReferenceKind == classfile.RefGetStatic || mh.ReferenceKind == classfile.RefPutStatic
		if field.Field.IsStatic() != wantStatic {
			return BootstrapMethodHandle{}, jvmerrors.New(jvmerrors.IllegalAccessError, "static/instance mismatch resolving method handle for field %s.%s", field.Owner.Name, field.Field.Name)
		}
		result.Field = field
	default:
		var method *MethodResolution
		var resolveErr error
		if mh.ReferenceKind == classfile.RefInvokeInterface {
			method, resolveErr = r.ResolveInterfaceMethod(caller, pool, mh.ReferenceIndex)
		} else {
			method, resolveErr = r.ResolveClassMethod(caller, pool, mh.ReferenceIndex)
		}
		if resolveErr != nil {
			return BootstrapMethodHandle{}, resolveErr
		}
		wantStatic := mh.ReferenceKind == classfile.RefInvokeStatic
		if method.Method.IsStatic() != wantStatic && mh.ReferenceKind != classfile.RefNewInvokeSpecial {
			return BootstrapMethodHandle{}, jvmerrors.New(jvmerrors.IllegalAccessError, "static/instance mismatch resolving method handle for method %s.%s%s", method.Owner.Name, method.Method.Name, method.Method.Descriptor)
		}
		result.Method = method
	}
	traceCache("methodhandle", caller, index, false)
	caller.CacheResolved(index, result)
	return result, nil
}

// ResolveDynamic implements spec §4.5 dynamically-computed-constant
// resolution, recursing through nested Dynamic constants with a shared
// in-progress set to detect cycles (StackOverflowError).
func (r *Resolver) ResolveDynamic(caller *loader.Ref, pool classfile.ConstantPool, index uint16, inProgress map[uint16]bool) (interface{}, error) {
	if cached, ok := caller.ResolvedCache(index); ok {
		traceCache("dynamic", caller, index, true)
		return cached, nil
	}
	if inProgress[index] {
		return nil, jvmerrors.New(jvmerrors.StackOverflowError, "circular dynamic constant dependency at index %d", index)
	}
	inProgress[index] = true
	defer delete(inProgress, index)

	bootstrapIndex, name, descriptor, err := pool.Dynamic(index)
	if err != nil {
		return nil, err
	}
	bootstrap, _, err := r.resolveBootstrap(caller, pool, bootstrapIndex, inProgress)
	if err != nil {
		return nil, err
	}
	ft, err := classfile.ParseFieldDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	args, err := r.materializeBootstrapArguments(caller, pool, bootstrapIndex, inProgress)
	if err != nil {
		return nil, err
	}
	value, err := r.Invoker.LinkDynamicConstant(caller, bootstrap, name, ft, args)
	if err != nil {
		return nil, err
	}
	traceCache("dynamic", caller, index, false)
	caller.CacheResolved(index, value)
	return value, nil
}

// ResolveInvokeDynamic implements spec §4.5 invokedynamic resolution.
func (r *Resolver) ResolveInvokeDynamic(caller *loader.Ref, pool classfile.ConstantPool, index uint16) (interface{}, error) {
	if cached, ok := caller.ResolvedCache(index); ok {
		traceCache("invokedynamic", caller, index, true)
		return cached, nil
	}
	bootstrapIndex, name, descriptor, err := pool.InvokeDynamic(index)
	if err != nil {
		return nil, err
	}
	inProgress := make(map[uint16]bool)
	bootstrap, _, err := r.resolveBootstrap(caller, pool, bootstrapIndex, inProgress)
	if err != nil {
		return nil, err
	}
	methodType, err := classfile.ParseMethodDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	args, err := r.materializeBootstrapArguments(caller, pool, bootstrapIndex, inProgress)
	if err != nil {
		return nil, err
	}
	callSite, err := r.Invoker.LinkCallSite(caller, bootstrap, name, methodType, args)
	if err != nil {
		return nil, err
	}
	traceCache("invokedynamic", caller, index, false)
	caller.CacheResolved(index, callSite)
	return callSite, nil
}

func (r *Resolver) resolveBootstrap(caller *loader.Ref, pool classfile.ConstantPool, bootstrapIndex uint16, inProgress map[uint16]bool) (BootstrapMethodHandle, classfile.FieldType, error) {
	if int(bootstrapIndex) >= len(caller.Class.File.BootstrapMethods) {
		return BootstrapMethodHandle{}, classfile.FieldType{}, jvmerrors.NewClassFormatError("bootstrap method index %d out of range", bootstrapIndex)
	}
	bm := caller.Class.File.BootstrapMethods[bootstrapIndex]
	handle, err := r.ResolveMethodHandle(caller, pool, bm.MethodRefIndex)
	if err != nil {
		return BootstrapMethodHandle{}, classfile.FieldType{}, err
	}
	if handle.Method == nil {
		return BootstrapMethodHandle{}, classfile.FieldType{}, jvmerrors.New(jvmerrors.BootstrapMethodError, "bootstrap handle does not reference a method")
	}
	if len(handle.Method.Descriptor.Parameters) == 0 || !isLookupType(handle.Method.Descriptor.Parameters[0]) {
		return BootstrapMethodHandle{}, classfile.FieldType{}, jvmerrors.New(jvmerrors.BootstrapMethodError, "bootstrap method's first parameter must be java/lang/invoke/MethodHandles$Lookup")
	}
	return handle, handle.Method.Descriptor.ReturnType, nil
}

func isLookupType(t classfile.FieldType) bool {
	return t.Kind == 'L' && t.ClassName == "java/lang/invoke/MethodHandles$Lookup"
}

func (r *Resolver) materializeBootstrapArguments(caller *loader.Ref, pool classfile.ConstantPool, bootstrapIndex uint16, inProgress map[uint16]bool) ([]interface{}, error) {
	bm := caller.Class.File.BootstrapMethods[bootstrapIndex]
	args := make([]interface{}, 0, len(bm.Arguments))
	for _, argIdx := range bm.Arguments {
		value, err := r.materializeOneArgument(caller, pool, argIdx, inProgress)
		if err != nil {
			return nil, err
		}
		args = append(args, value)
	}
	return args, nil
}

func (r *Resolver) materializeOneArgument(caller *loader.Ref, pool classfile.ConstantPool, index uint16, inProgress map[uint16]bool) (interface{}, error) {
	entry, err := pool.EntryAt(index)
	if err != nil {
		return nil, err
	}
	switch entry.(type) {
	case classfile.ConstantInteger:
		v, _ := pool.Integer(index)
		return r.Invoker.BoxPrimitive(v)
	case classfile.ConstantFloat:
		v, _ := pool.FloatVal(index)
		return r.Invoker.BoxPrimitive(v)
	case classfile.ConstantLong:
		v, _ := pool.LongVal(index)
		return r.Invoker.BoxPrimitive(v)
	case classfile.ConstantDouble:
		v, _ := pool.DoubleVal(index)
		return r.Invoker.BoxPrimitive(v)
	case classfile.ConstantString:
		s, _ := pool.StringVal(index)
		return r.Invoker.InternString(s)
	case classfile.ConstantClass:
		return r.ResolveClass(caller, pool, index)
	case classfile.ConstantMethodHandle:
		return r.ResolveMethodHandle(caller, pool, index)
	case classfile.ConstantMethodType:
		return r.ResolveMethodType(caller, pool, index)
	case classfile.ConstantDynamic:
		return r.ResolveDynamic(caller, pool, index, inProgress)
	default:
		return nil, jvmerrors.NewClassFormatError("constant pool index %d is not a valid bootstrap argument (tag=%d)", index, entry.Tag())
	}
}

// resolveClassByName resolves and access-checks a class by name without
// going through a constant-pool index (used when the name is already in
// hand from a previously-resolved MemberRef).
func (r *Resolver) resolveClassByName(caller *loader.Ref, name string) (*loader.Ref, error) {
	target, err := caller.DefiningLoader.Load(name)
	if err != nil {
		if existing := caller.DefiningLoader.GetLoaded(name); existing != nil {
			target = existing
		} else {
			return nil, err
		}
	}
	if !loader.CanAccessClass(caller, target) {
		return nil, jvmerrors.New(jvmerrors.IllegalAccessError, "class %s is not accessible from %s", target.Name, caller.Name)
	}
	return target, nil
}
