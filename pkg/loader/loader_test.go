package loader

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/microjvm/microjvm/pkg/bytesource"
	"github.com/microjvm/microjvm/pkg/jvmerrors"
)

// writeMinimalClass builds and writes a minimal valid class file naming
// thisName with the given super, directly onto disk so the loader's
// byte-stream source can find it as "<thisName>.class".
func writeMinimalClass(t *testing.T, dir, thisName, superName string) {
	t.Helper()
	var pool bytes.Buffer
	var entries [][]byte
	addUtf8 := func(s string) uint16 {
		var b bytes.Buffer
		b.WriteByte(classfileTagUtf8)
		binary.Write(&b, binary.BigEndian, uint16(len(s)))
		b.WriteString(s)
		entries = append(entries, b.Bytes())
		return uint16(len(entries))
	}
	addClass := func(nameIdx uint16) uint16 {
		var b bytes.Buffer
		b.WriteByte(classfileTagClass)
		binary.Write(&b, binary.BigEndian, nameIdx)
		entries = append(entries, b.Bytes())
		return uint16(len(entries))
	}

	thisNameIdx := addUtf8(thisName)
	thisClassIdx := addClass(thisNameIdx)
	var superClassIdx uint16
	if superName != "" {
		superNameIdx := addUtf8(superName)
		superClassIdx = addClass(superNameIdx)
	}

	for _, e := range entries {
		pool.Write(e)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint32(0xCAFEBABE))
	binary.Write(&out, binary.BigEndian, uint16(0))  // minor
	binary.Write(&out, binary.BigEndian, uint16(61)) // major
	binary.Write(&out, binary.BigEndian, uint16(len(entries)+1))
	out.Write(pool.Bytes())
	binary.Write(&out, binary.BigEndian, uint16(0x0021)) // access flags: public super
	binary.Write(&out, binary.BigEndian, thisClassIdx)
	binary.Write(&out, binary.BigEndian, superClassIdx)
	binary.Write(&out, binary.BigEndian, uint16(0)) // interfaces
	binary.Write(&out, binary.BigEndian, uint16(0)) // fields
	binary.Write(&out, binary.BigEndian, uint16(0)) // methods
	binary.Write(&out, binary.BigEndian, uint16(0)) // class attributes

	path := filepath.Join(dir, thisName+".class")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

const (
	classfileTagUtf8  = 1
	classfileTagClass = 7
)

func TestLoadObjectHasNoSuper(t *testing.T) {
	dir := t.TempDir()
	writeMinimalClass(t, dir, "java/lang/Object", "")

	root := NewBootstrapLoader(bytesource.NewSource(dir))
	ref, err := root.Load("java/lang/Object")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ref.Kind != RefLoaded {
		t.Fatalf("expected RefLoaded, got %v", ref.Kind)
	}
	if ref.Class.File.SuperName != "" {
		t.Errorf("expected no superclass, got %q", ref.Class.File.SuperName)
	}
}

func TestLoadChainsSuperclass(t *testing.T) {
	dir := t.TempDir()
	writeMinimalClass(t, dir, "java/lang/Object", "")
	writeMinimalClass(t, dir, "Child", "java/lang/Object")

	root := NewBootstrapLoader(bytesource.NewSource(dir))
	ref, err := root.Load("Child")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ref.Class.File.SuperName != "java/lang/Object" {
		t.Errorf("super: got %q", ref.Class.File.SuperName)
	}
	if root.GetLoaded("java/lang/Object") == nil {
		t.Error("superclass should be registered as loaded")
	}
}

func TestLoadDetectsCircularity(t *testing.T) {
	root := NewBootstrapLoader(bytesource.NewSource(t.TempDir()))
	root.currentlyLoading["A"] = true
	_, err := root.Load("A")
	if !jvmerrors.Is(err, jvmerrors.ClassCircularityError) {
		t.Errorf("expected ClassCircularityError, got %v", err)
	}
}

func TestLoadAlreadyLoadedIsLinkageError(t *testing.T) {
	dir := t.TempDir()
	writeMinimalClass(t, dir, "java/lang/Object", "")

	root := NewBootstrapLoader(bytesource.NewSource(dir))
	if _, err := root.Load("java/lang/Object"); err != nil {
		t.Fatalf("first load: %v", err)
	}
	_, err := root.Load("java/lang/Object")
	if !jvmerrors.Is(err, jvmerrors.LinkageError) {
		t.Errorf("expected LinkageError on reload, got %v", err)
	}
}

func TestLoadMissingClassIsClassNotFound(t *testing.T) {
	root := NewBootstrapLoader(bytesource.NewSource(t.TempDir()))
	_, err := root.Load("DoesNotExist")
	if !jvmerrors.Is(err, jvmerrors.ClassNotFoundException) {
		t.Errorf("expected ClassNotFoundException, got %v", err)
	}
}

func TestLoadArrayOfPrimitive(t *testing.T) {
	root := NewBootstrapLoader(bytesource.NewSource(t.TempDir()))
	ref, err := root.Load("[I")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ref.Kind != RefArray || ref.Dimensions != 1 {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if ref.Component.Kind != RefPrimitive || ref.Component.PrimitiveTag != TagInt {
		t.Errorf("unexpected component: %+v", ref.Component)
	}
}

func TestLoadArrayOfClass(t *testing.T) {
	dir := t.TempDir()
	writeMinimalClass(t, dir, "java/lang/Object", "")

	root := NewBootstrapLoader(bytesource.NewSource(dir))
	ref, err := root.Load("[Ljava/lang/Object;")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ref.Kind != RefArray {
		t.Fatalf("expected RefArray, got %v", ref.Kind)
	}
	if ref.Component.Name != "java/lang/Object" {
		t.Errorf("unexpected component name: %q", ref.Component.Name)
	}
}

func TestUserLoaderDelegatesToParent(t *testing.T) {
	dir := t.TempDir()
	writeMinimalClass(t, dir, "java/lang/Object", "")

	root := NewBootstrapLoader(bytesource.NewSource(dir))
	if _, err := root.Load("java/lang/Object"); err != nil {
		t.Fatalf("bootstrap load: %v", err)
	}
	child := NewUserLoader(root, bytesource.NewSource(dir))
	if child.GetLoaded("java/lang/Object") == nil {
		t.Error("child loader should see classes defined by its parent")
	}
}

func TestSamePackageAndAccessClass(t *testing.T) {
	dir := t.TempDir()
	writeMinimalClass(t, dir, "java/lang/Object", "")
	writeMinimalClass(t, dir, "com/example/A", "java/lang/Object")
	writeMinimalClass(t, dir, "com/example/B", "java/lang/Object")
	writeMinimalClass(t, dir, "other/C", "java/lang/Object")

	root := NewBootstrapLoader(bytesource.NewSource(dir))
	a, _ := root.Load("com/example/A")
	b, _ := root.Load("com/example/B")
	c, _ := root.Load("other/C")

	if !SamePackage(a, b) {
		t.Error("A and B should be in the same package")
	}
	if SamePackage(a, c) {
		t.Error("A and C should not be in the same package")
	}
	if !CanAccessClass(c, a) {
		t.Error("a public class should be accessible cross-package")
	}
}
