// Package loader implements the per-loader class table, the load
// protocol, class-reference construction (loaded/array/primitive), and
// the access-control predicates consulted by the resolver (spec §4.4).
package loader

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/microjvm/microjvm/pkg/bytesource"
	"github.com/microjvm/microjvm/pkg/classfile"
	"github.com/microjvm/microjvm/pkg/jvmerrors"
	"github.com/microjvm/microjvm/pkg/object"
	"github.com/microjvm/microjvm/pkg/transcoder"
)

// RefKind tags the three class-reference shapes of spec §3.
type RefKind uint8

const (
	RefLoaded RefKind = iota
	RefArray
	RefPrimitive
)

// Primitive type tags (spec §4.4, §6).
const (
	TagByte    = 'B'
	TagChar    = 'C'
	TagDouble  = 'D'
	TagFloat   = 'F'
	TagInt     = 'I'
	TagLong    = 'J'
	TagShort   = 'S'
	TagVoid    = 'V'
	TagBoolean = 'Z'
)

// Klass is a defined, loaded class: the parsed class file plus its
// runtime-prepared static fields (spec §3 Class / §4.6 initialize_class).
type Klass struct {
	File   *classfile.ClassFile
	Loader *Loader

	StaticFields map[string]object.Slot
	Initialized  bool
	Initializing bool
}

// Name implements object.ClassRef.
func (k *Klass) Name() string { return k.File.ThisName }

// Ref is the class-reference tagged variant of spec §3: loaded class,
// array, or primitive. Every Ref carries a name, its defining loader, and
// a side-table of resolved constant-pool references (the per-class
// resolved-constant cache of spec §3/§4.5).
type Ref struct {
	Kind RefKind
	Name string

	DefiningLoader *Loader

	Class *Klass // RefKind == RefLoaded

	Component  *Ref // RefKind == RefArray
	Dimensions int

	PrimitiveTag byte // RefKind == RefPrimitive

	resolved map[uint16]interface{}
}

// ResolvedCache returns the cached runtime reference for a constant-pool
// index, and whether it was present (spec §4.5: "resolve once, reuse").
func (r *Ref) ResolvedCache(index uint16) (interface{}, bool) {
	if r.resolved == nil {
		return nil, false
	}
	v, ok := r.resolved[index]
	return v, ok
}

// CacheResolved stores the runtime reference for a constant-pool index.
func (r *Ref) CacheResolved(index uint16, value interface{}) {
	if r.resolved == nil {
		r.resolved = make(map[uint16]interface{})
	}
	r.resolved[index] = value
}

// IsInterface reports whether this (loaded-class) reference names an
// interface.
func (r *Ref) IsInterface() bool {
	return r.Kind == RefLoaded && r.Class.File.IsInterface()
}

// primitiveTags lists the nine primitive tags in a fixed order, used to
// build the process-wide singleton table.
var primitiveTags = []byte{TagByte, TagChar, TagDouble, TagFloat, TagInt, TagLong, TagShort, TagVoid, TagBoolean}

// Loader owns a parent pointer, a currently-loading guard set, and the
// name -> Ref table of classes it has defined (spec §3 Loader, §4.4 Loader
// graph). Primitive class references are shared process-wide and are
// attached to the bootstrap (root, parent-less) loader.
type Loader struct {
	Parent *Loader
	Source *bytesource.Source

	currentlyLoading map[string]bool
	defined          map[string]*Ref

	// primitives is non-nil only on the bootstrap loader: the nine
	// primitive singletons are process-wide (spec §5, §9).
	primitives map[byte]*Ref
}

// NewBootstrapLoader creates the root loader, with no parent, owning the
// nine primitive class singletons.
func NewBootstrapLoader(source *bytesource.Source) *Loader {
	l := &Loader{
		Source:           source,
		currentlyLoading: make(map[string]bool),
		defined:          make(map[string]*Ref),
		primitives:       make(map[byte]*Ref),
	}
	for _, tag := range primitiveTags {
		l.primitives[tag] = &Ref{Kind: RefPrimitive, Name: string(tag), PrimitiveTag: tag, DefiningLoader: l}
	}
	return l
}

// NewUserLoader creates a child loader that delegates lookups to parent
// before consulting its own table and byte-stream source.
func NewUserLoader(parent *Loader, source *bytesource.Source) *Loader {
	return &Loader{
		Parent:           parent,
		Source:           source,
		currentlyLoading: make(map[string]bool),
		defined:          make(map[string]*Ref),
	}
}

func (l *Loader) bootstrap() *Loader {
	for cur := l; cur != nil; cur = cur.Parent {
		if cur.Parent == nil {
			return cur
		}
	}
	return l
}

// Primitive returns the process-wide singleton reference for a primitive
// tag.
func (l *Loader) Primitive(tag byte) (*Ref, error) {
	root := l.bootstrap()
	ref, ok := root.primitives[tag]
	if !ok {
		return nil, fmt.Errorf("loader: unknown primitive tag %q", tag)
	}
	return ref, nil
}

// GetLoaded performs the parent-first get_loaded lookup of spec §4.4:
// exact binary name match, parent delegation, no side effects.
func (l *Loader) GetLoaded(name string) *Ref {
	if l.Parent != nil {
		if ref := l.Parent.GetLoaded(name); ref != nil {
			return ref
		}
	}
	return l.defined[name]
}

// Load runs the ordered load protocol of spec §4.4 for a binary class
// name, which may denote an array type ("[...").
func (l *Loader) Load(name string) (*Ref, error) {
	if strings.HasPrefix(name, "[") {
		return l.loadArray(name)
	}
	return l.loadClass(name)
}

func (l *Loader) loadClass(name string) (*Ref, error) {
	logrus.WithField("class", name).Debug("loader: load requested")
	if l.currentlyLoading[name] {
		logrus.WithField("class", name).Warn("loader: circularity detected")
		return nil, jvmerrors.New(jvmerrors.ClassCircularityError, "%s", name)
	}
	if existing := l.GetLoaded(name); existing != nil {
		return nil, jvmerrors.New(jvmerrors.LinkageError, "class %s already loaded", name)
	}

	l.currentlyLoading[name] = true
	defer delete(l.currentlyLoading, name)

	pathName, err := modifiedNameToPath(name)
	if err != nil {
		return nil, jvmerrors.Wrap(err, jvmerrors.ClassNotFoundException, "%s", name)
	}

	handle, err := l.Source.Open(pathName)
	if err != nil {
		return nil, jvmerrors.Wrap(err, jvmerrors.ClassNotFoundException, "%s", name)
	}
	defer handle.Close()

	cf, err := classfile.Parse(handle)
	if err != nil {
		return nil, err
	}
	if cf.ThisName != name {
		return nil, jvmerrors.New(jvmerrors.NoClassDefFoundError, "%s (wrong name: %s)", name, cf.ThisName)
	}
	if cf.IsModule() {
		return nil, jvmerrors.NewClassFormatError("%s: a Module class cannot be loaded as an ordinary class", name)
	}

	klass := &Klass{File: cf, Loader: l, StaticFields: make(map[string]object.Slot)}
	ref := &Ref{Kind: RefLoaded, Name: name, DefiningLoader: l, Class: klass}

	if cf.SuperName != "" {
		if err := l.loadAndCheckSuper(ref, cf); err != nil {
			return nil, err
		}
	} else if name != "java/lang/Object" && cf.ThisName != "module-info" {
		return nil, jvmerrors.NewClassFormatError("%s: only java/lang/Object may have no superclass", name)
	}

	l.defined[name] = ref
	logrus.WithFields(logrus.Fields{"class": name, "super": cf.SuperName}).Debug("loader: class defined")
	return ref, nil
}

func (l *Loader) loadAndCheckSuper(ref *Ref, cf *classfile.ClassFile) error {
	superRef, err := l.Load(cf.SuperName)
	if err != nil {
		if existing := l.GetLoaded(cf.SuperName); existing != nil {
			superRef = existing
		} else {
			return err
		}
	}
	if superRef.Kind != RefLoaded {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s: superclass %s is not a class", ref.Name, cf.SuperName)
	}
	superFile := superRef.Class.File
	if superFile.IsInterface() {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s: superclass %s is an interface", ref.Name, cf.SuperName)
	}
	if superFile.IsFinal() {
		return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s: superclass %s is final", ref.Name, cf.SuperName)
	}
	if len(superFile.PermittedSubclasses) > 0 {
		allowed := false
		for _, p := range superFile.PermittedSubclasses {
			if p == ref.Name {
				allowed = true
				break
			}
		}
		if !allowed {
			return jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "%s: sealed superclass %s does not permit this subclass", ref.Name, cf.SuperName)
		}
	}
	return nil
}

// modifiedNameToPath renders a binary class name (already a Go string, so
// already transcoded out of Modified-UTF-8 by the parser/caller) into the
// classpath-relative file name the byte-stream source expects.
func modifiedNameToPath(name string) (string, error) {
	if _, err := transcoder.ToModified(name); err != nil {
		return "", fmt.Errorf("loader: class name is not representable as modified UTF-8: %w", err)
	}
	return name + ".class", nil
}

// loadArray implements the array-name load protocol of spec §4.4: strip
// leading '[' to find the element descriptor, recursively resolve the
// element (class or primitive), and build the array reference. Array
// classes are defined by the loader that defined their element type.
func (l *Loader) loadArray(name string) (*Ref, error) {
	dims := 0
	for dims < len(name) && name[dims] == '[' {
		dims++
	}
	if dims == 0 {
		return nil, jvmerrors.NewClassFormatError("%s: not an array descriptor", name)
	}
	elementDescriptor := name[dims:]
	if elementDescriptor == "" {
		return nil, jvmerrors.NewClassFormatError("%s: array descriptor has dimension but no element", name)
	}

	var component *Ref
	var definingLoader *Loader
	switch elementDescriptor[0] {
	case 'L':
		if !strings.HasSuffix(elementDescriptor, ";") {
			return nil, jvmerrors.NewClassFormatError("%s: unterminated array element class descriptor", name)
		}
		className := elementDescriptor[1 : len(elementDescriptor)-1]
		ref, err := l.Load(className)
		if err != nil {
			return nil, err
		}
		component = ref
		definingLoader = ref.DefiningLoader
	case TagByte, TagChar, TagDouble, TagFloat, TagInt, TagLong, TagShort, TagBoolean:
		ref, err := l.Primitive(elementDescriptor[0])
		if err != nil {
			return nil, err
		}
		component = ref
		definingLoader = l.bootstrap()
	default:
		return nil, jvmerrors.NewClassFormatError("%s: unrecognized array element descriptor %q", name, elementDescriptor)
	}

	arrayRef := &Ref{
		Kind:           RefArray,
		Name:           name,
		DefiningLoader: definingLoader,
		Component:      component,
		Dimensions:     dims,
	}
	if existing := definingLoader.GetLoaded(name); existing != nil {
		return existing, nil
	}
	definingLoader.defined[name] = arrayRef
	return arrayRef, nil
}

// --- Access control predicates (spec §4.4) ---

// SamePackage reports whether two references were defined by the same
// loader and share a package prefix.
func SamePackage(a, b *Ref) bool {
	if a.DefiningLoader != b.DefiningLoader {
		return false
	}
	return classfile.PackageName(a.Name) == classfile.PackageName(b.Name)
}

// IsSubclassOf walks the superclass chain of sub looking for super,
// returning true if sub == super too.
func IsSubclassOf(sub, super *Ref) bool {
	if sub.Kind != RefLoaded || super.Kind != RefLoaded {
		return sub == super
	}
	cur := sub
	for cur != nil {
		if cur.Name == super.Name {
			return true
		}
		if cur.Class.File.SuperName == "" {
			return false
		}
		cur = cur.DefiningLoader.GetLoaded(cur.Class.File.SuperName)
	}
	return false
}

// CanCast reports whether a value of type from can be cast to type to:
// identical, a subclass, or an implementor of the interface, declared
// directly or reached through a superinterface or a superclass.
func CanCast(from, to *Ref) bool {
	if from.Name == to.Name {
		return true
	}
	if IsSubclassOf(from, to) {
		return true
	}
	if from.Kind != RefLoaded || to.Kind != RefLoaded {
		return false
	}
	return implementsInterface(from, to.Name, make(map[string]bool))
}

func implementsInterface(ref *Ref, ifaceName string, seen map[string]bool) bool {
	if ref == nil || ref.Kind != RefLoaded || seen[ref.Name] {
		return false
	}
	seen[ref.Name] = true
	for _, iname := range ref.Class.File.InterfaceNames {
		if iname == ifaceName {
			return true
		}
		if ifaceRef := ref.DefiningLoader.GetLoaded(iname); ifaceRef != nil {
			if implementsInterface(ifaceRef, ifaceName, seen) {
				return true
			}
		}
	}
	if ref.Class.File.SuperName != "" {
		if superRef := ref.DefiningLoader.GetLoaded(ref.Class.File.SuperName); superRef != nil {
			return implementsInterface(superRef, ifaceName, seen)
		}
	}
	return false
}

// CanAccessClass reports whether accessor can access target: target is
// public, or both are in the same package.
func CanAccessClass(accessor, target *Ref) bool {
	if target.Kind != RefLoaded {
		return true
	}
	if target.Class.File.IsPublic() {
		return true
	}
	return SamePackage(accessor, target)
}

// Local aliases for the access-flag bits CanAccessMember inspects.
const (
	accPublic    = classfile.AccPublic
	accPrivate   = classfile.AccPrivate
	accProtected = classfile.AccProtected
)

// CanAccessMember implements the access-member predicate of spec §4.4:
// public; or protected and (accessor is a subclass of target, or same
// package); or private and accessor's nest-host equals target's
// nest-host; or package-private and same package.
func CanAccessMember(accessor, target *Ref, memberFlags uint16) bool {
	switch {
	case memberFlags&accPublic != 0:
		return true
	case memberFlags&accProtected != 0:
		return IsSubclassOf(accessor, target) || SamePackage(accessor, target)
	case memberFlags&accPrivate != 0:
		accessorHost, err1 := NestHostName(accessor)
		targetHost, err2 := NestHostName(target)
		return err1 == nil && err2 == nil && accessorHost == targetHost
	default: // package-private
		return SamePackage(accessor, target)
	}
}

// NestHostName resolves ref's nest-host binary name (spec §4.4): the
// class named by its NestHost attribute, if that host in turn lists ref
// in its NestMembers and shares ref's package; otherwise ref is its own
// nest host.
func NestHostName(ref *Ref) (string, error) {
	if ref.Kind != RefLoaded {
		return ref.Name, nil
	}
	declared, err := ref.Class.File.DeclaredNestHostName()
	if err != nil {
		return "", err
	}
	if declared == "" {
		return ref.Name, nil
	}
	hostRef := ref.DefiningLoader.GetLoaded(declared)
	if hostRef == nil || hostRef.Kind != RefLoaded {
		return ref.Name, nil
	}
	if classfile.PackageName(declared) != classfile.PackageName(ref.Name) {
		return ref.Name, nil
	}
	for _, member := range hostRef.Class.File.NestMembers {
		if member == ref.Name {
			return declared, nil
		}
	}
	return ref.Name, nil
}
