package resolve

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/microjvm/microjvm/pkg/bytesource"
	"github.com/microjvm/microjvm/pkg/classfile"
	"github.com/microjvm/microjvm/pkg/jvmerrors"
	"github.com/microjvm/microjvm/pkg/loader"
)

// testClassBuilder hand-assembles class file bytes with enough constant
// pool shapes (Fieldref, Methodref, NameAndType, Class) to exercise
// resolution, independent of any javac-produced .class file.
type testClassBuilder struct {
	pool [][]byte
	tags []uint8
}

func newTestClassBuilder() *testClassBuilder {
	return &testClassBuilder{pool: [][]byte{nil}, tags: []uint8{0}}
}

func (b *testClassBuilder) add(tag uint8, data []byte) uint16 {
	b.pool = append(b.pool, data)
	b.tags = append(b.tags, tag)
	return uint16(len(b.pool) - 1)
}

func (b *testClassBuilder) utf8(s string) uint16 {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
	return b.add(classfile.TagUtf8, buf.Bytes())
}

func (b *testClassBuilder) class(name string) uint16 {
	nameIdx := b.utf8(name)
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, nameIdx)
	return b.add(classfile.TagClass, buf.Bytes())
}

func (b *testClassBuilder) nameAndType(name, descriptor string) uint16 {
	nameIdx := b.utf8(name)
	descIdx := b.utf8(descriptor)
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, nameIdx)
	binary.Write(&buf, binary.BigEndian, descIdx)
	return b.add(classfile.TagNameAndType, buf.Bytes())
}

func (b *testClassBuilder) fieldref(className, name, descriptor string) uint16 {
	classIdx := b.class(className)
	natIdx := b.nameAndType(name, descriptor)
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, classIdx)
	binary.Write(&buf, binary.BigEndian, natIdx)
	return b.add(classfile.TagFieldref, buf.Bytes())
}

func (b *testClassBuilder) methodref(className, name, descriptor string) uint16 {
	classIdx := b.class(className)
	natIdx := b.nameAndType(name, descriptor)
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, classIdx)
	binary.Write(&buf, binary.BigEndian, natIdx)
	return b.add(classfile.TagMethodref, buf.Bytes())
}

func (b *testClassBuilder) interfaceMethodref(className, name, descriptor string) uint16 {
	classIdx := b.class(className)
	natIdx := b.nameAndType(name, descriptor)
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, classIdx)
	binary.Write(&buf, binary.BigEndian, natIdx)
	return b.add(classfile.TagInterfaceMethodref, buf.Bytes())
}

type testField struct {
	name, descriptor string
	flags            uint16
}

type testMethod struct {
	name, descriptor string
	flags            uint16
}

// build renders the assembled pool plus class shape into class file bytes.
// accessFlags defaults to public|super if zero.
func (b *testClassBuilder) build(thisName, superName string, accessFlags uint16, interfaces []string, fields []testField, methods []testMethod) []byte {
	thisIdx := b.class(thisName)
	var superIdx uint16
	if superName != "" {
		superIdx = b.class(superName)
	}
	var ifaceIdxs []uint16
	for _, iname := range interfaces {
		ifaceIdxs = append(ifaceIdxs, b.class(iname))
	}
	type resolvedField struct {
		nameIdx, descIdx uint16
		flags            uint16
	}
	var rfields []resolvedField
	for _, f := range fields {
		rfields = append(rfields, resolvedField{nameIdx: b.utf8(f.name), descIdx: b.utf8(f.descriptor), flags: f.flags})
	}
	type resolvedMethod struct {
		nameIdx, descIdx uint16
		flags            uint16
	}
	var rmethods []resolvedMethod
	for _, m := range methods {
		rmethods = append(rmethods, resolvedMethod{nameIdx: b.utf8(m.name), descIdx: b.utf8(m.descriptor), flags: m.flags})
	}

	if accessFlags == 0 {
		accessFlags = classfile.AccPublic | classfile.AccSuper
	}

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint32(0xCAFEBABE))
	binary.Write(&out, binary.BigEndian, uint16(0))
	binary.Write(&out, binary.BigEndian, uint16(61))
	binary.Write(&out, binary.BigEndian, uint16(len(b.pool)))
	for i := 1; i < len(b.pool); i++ {
		out.WriteByte(b.tags[i])
		out.Write(b.pool[i])
	}
	binary.Write(&out, binary.BigEndian, accessFlags)
	binary.Write(&out, binary.BigEndian, thisIdx)
	binary.Write(&out, binary.BigEndian, superIdx)

	binary.Write(&out, binary.BigEndian, uint16(len(ifaceIdxs)))
	for _, idx := range ifaceIdxs {
		binary.Write(&out, binary.BigEndian, idx)
	}

	binary.Write(&out, binary.BigEndian, uint16(len(rfields)))
	for _, f := range rfields {
		binary.Write(&out, binary.BigEndian, f.flags)
		binary.Write(&out, binary.BigEndian, f.nameIdx)
		binary.Write(&out, binary.BigEndian, f.descIdx)
		binary.Write(&out, binary.BigEndian, uint16(0)) // attributes_count
	}

	binary.Write(&out, binary.BigEndian, uint16(len(rmethods)))
	for _, m := range rmethods {
		binary.Write(&out, binary.BigEndian, m.flags)
		binary.Write(&out, binary.BigEndian, m.nameIdx)
		binary.Write(&out, binary.BigEndian, m.descIdx)
		binary.Write(&out, binary.BigEndian, uint16(0)) // attributes_count
	}

	binary.Write(&out, binary.BigEndian, uint16(0)) // class attributes_count
	return out.Bytes()
}

func writeClass(t *testing.T, dir, thisName string, data []byte) {
	t.Helper()
	path := filepath.Join(dir, thisName+".class")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// setup builds a small class hierarchy:
//
//	java/lang/Object
//	Base (extends Object, declares int x, method foo()I)
//	Child (extends Base)
//	Greeter (interface, declares default method greet()V — modeled abstract
//	  here since this builder has no Code attribute support)
func setupHierarchy(t *testing.T) (root *loader.Loader, base, child, greeter *loader.Ref) {
	t.Helper()
	dir := t.TempDir()
	source := bytesource.NewSource(dir)
	root = loader.NewBootstrapLoader(source)

	objBuilder := newTestClassBuilder()
	writeClass(t, dir, "java/lang/Object", objBuilder.build("java/lang/Object", "", 0, nil, nil, nil))

	greeterBuilder := newTestClassBuilder()
	writeClass(t, dir, "Greeter", greeterBuilder.build("Greeter", "java/lang/Object",
		classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract, nil, nil,
		[]testMethod{{name: "greet", descriptor: "()V", flags: classfile.AccPublic | classfile.AccAbstract}}))

	baseBuilder := newTestClassBuilder()
	writeClass(t, dir, "Base", baseBuilder.build("Base", "java/lang/Object", 0, []string{"Greeter"},
		[]testField{{name: "x", descriptor: "I", flags: classfile.AccPublic}},
		[]testMethod{{name: "foo", descriptor: "()I", flags: classfile.AccPublic}}))

	childBuilder := newTestClassBuilder()
	writeClass(t, dir, "Child", childBuilder.build("Child", "Base", 0, nil, nil, nil))

	if _, err := root.Load("java/lang/Object"); err != nil {
		t.Fatalf("load Object: %v", err)
	}
	greeter, err := root.Load("Greeter")
	if err != nil {
		t.Fatalf("load Greeter: %v", err)
	}
	base, err = root.Load("Base")
	if err != nil {
		t.Fatalf("load Base: %v", err)
	}
	child, err = root.Load("Child")
	if err != nil {
		t.Fatalf("load Child: %v", err)
	}
	return root, base, child, greeter
}

func TestResolveClass(t *testing.T) {
	_, _, child, _ := setupHierarchy(t)

	b := newTestClassBuilder()
	classIdx := b.class("Base")
	cp := buildStandalonePool(b)

	r := NewResolver(nil)
	resolved, err := r.ResolveClass(child, cp, classIdx)
	if err != nil {
		t.Fatalf("ResolveClass: %v", err)
	}
	if resolved.Name != "Base" {
		t.Errorf("resolved class: got %q, want Base", resolved.Name)
	}

	cached, ok := child.ResolvedCache(classIdx)
	if !ok || cached.(*loader.Ref).Name != "Base" {
		t.Error("expected class resolution to populate the per-class cache")
	}
}

// buildStandalonePool turns a testClassBuilder's accumulated pool entries
// into a real classfile.ConstantPool by round-tripping through Parse: build
// a trivial class file around it, then take its ConstantPool.
func buildStandalonePool(b *testClassBuilder) classfile.ConstantPool {
	thisIdx := b.utf8("__Fixture")
	classIdx := b.add(classfile.TagClass, func() []byte {
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, thisIdx)
		return buf.Bytes()
	}())

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint32(0xCAFEBABE))
	binary.Write(&out, binary.BigEndian, uint16(0))
	binary.Write(&out, binary.BigEndian, uint16(61))
	binary.Write(&out, binary.BigEndian, uint16(len(b.pool)))
	for i := 1; i < len(b.pool); i++ {
		out.WriteByte(b.tags[i])
		out.Write(b.pool[i])
	}
	binary.Write(&out, binary.BigEndian, uint16(classfile.AccPublic|classfile.AccSuper))
	binary.Write(&out, binary.BigEndian, classIdx)
	binary.Write(&out, binary.BigEndian, uint16(0))
	binary.Write(&out, binary.BigEndian, uint16(0))
	binary.Write(&out, binary.BigEndian, uint16(0))
	binary.Write(&out, binary.BigEndian, uint16(0))
	binary.Write(&out, binary.BigEndian, uint16(0))

	cf, err := classfile.Parse(bytes.NewReader(out.Bytes()))
	if err != nil {
		panic(err)
	}
	return cf.ConstantPool
}

func TestResolveFieldWalksSuperclass(t *testing.T) {
	_, _, child, _ := setupHierarchy(t)

	b := newTestClassBuilder()
	fieldIdx := b.fieldref("Base", "x", "I")
	cp := buildStandalonePool(b)

	r := NewResolver(nil)
	res, err := r.ResolveField(child, cp, fieldIdx)
	if err != nil {
		t.Fatalf("ResolveField: %v", err)
	}
	if res.Declarer.Name != "Base" {
		t.Errorf("declarer: got %q, want Base", res.Declarer.Name)
	}
	if res.Type.Kind != 'I' {
		t.Errorf("field type: got %v, want int", res.Type)
	}
}

func TestResolveFieldMissingIsNoSuchFieldError(t *testing.T) {
	_, _, child, _ := setupHierarchy(t)

	b := newTestClassBuilder()
	fieldIdx := b.fieldref("Base", "missing", "I")
	cp := buildStandalonePool(b)

	r := NewResolver(nil)
	if _, err := r.ResolveField(child, cp, fieldIdx); !jvmerrors.Is(err, jvmerrors.NoSuchFieldError) {
		t.Errorf("expected NoSuchFieldError, got %v", err)
	}
}

func TestResolveClassMethodFindsDeclaredOnSuperclass(t *testing.T) {
	_, _, child, _ := setupHierarchy(t)

	b := newTestClassBuilder()
	methodIdx := b.methodref("Base", "foo", "()I")
	cp := buildStandalonePool(b)

	r := NewResolver(nil)
	res, err := r.ResolveClassMethod(child, cp, methodIdx)
	if err != nil {
		t.Fatalf("ResolveClassMethod: %v", err)
	}
	if res.Declarer.Name != "Base" {
		t.Errorf("declarer: got %q, want Base", res.Declarer.Name)
	}
}

func TestResolveClassMethodRejectsInterfaceOwner(t *testing.T) {
	_, _, _, greeter := setupHierarchy(t)

	b := newTestClassBuilder()
	methodIdx := b.methodref("Greeter", "greet", "()V")
	cp := buildStandalonePool(b)

	r := NewResolver(nil)
	if _, err := r.ResolveClassMethod(greeter, cp, methodIdx); !jvmerrors.Is(err, jvmerrors.IncompatibleClassChangeError) {
		t.Errorf("expected IncompatibleClassChangeError, got %v", err)
	}
}

func TestResolveInterfaceMethodFindsAbstractMethod(t *testing.T) {
	_, base, _, _ := setupHierarchy(t)

	b := newTestClassBuilder()
	methodIdx := b.interfaceMethodref("Greeter", "greet", "()V")
	cp := buildStandalonePool(b)

	r := NewResolver(nil)
	res, err := r.ResolveInterfaceMethod(base, cp, methodIdx)
	if err != nil {
		t.Fatalf("ResolveInterfaceMethod: %v", err)
	}
	if res.Declarer.Name != "Greeter" {
		t.Errorf("declarer: got %q, want Greeter", res.Declarer.Name)
	}
}

func TestResolveCachesAcrossCalls(t *testing.T) {
	_, _, child, _ := setupHierarchy(t)

	b := newTestClassBuilder()
	classIdx := b.class("Base")
	cp := buildStandalonePool(b)

	r := NewResolver(nil)
	first, err := r.ResolveClass(child, cp, classIdx)
	if err != nil {
		t.Fatalf("first ResolveClass: %v", err)
	}
	second, err := r.ResolveClass(child, cp, classIdx)
	if err != nil {
		t.Fatalf("second ResolveClass: %v", err)
	}
	if first != second {
		t.Error("expected the cached Ref pointer to be reused on the second resolution")
	}
}
