package classfile

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// classBuilder assembles class file bytes by hand, mirroring the shape
// Parse expects. Building fixtures this way keeps the tests independent of
// any javac-produced .class files.
type classBuilder struct {
	buf  bytes.Buffer
	pool []poolEntry
}

type poolEntry struct {
	tag  uint8
	data []byte
}

func newClassBuilder() *classBuilder {
	b := &classBuilder{}
	b.pool = append(b.pool, poolEntry{}) // index 0 unused
	return b
}

func (b *classBuilder) addUtf8(s string) uint16 {
	var data bytes.Buffer
	binary.Write(&data, binary.BigEndian, uint16(len(s)))
	data.WriteString(s)
	b.pool = append(b.pool, poolEntry{tag: TagUtf8, data: data.Bytes()})
	return uint16(len(b.pool) - 1)
}

func (b *classBuilder) addClass(nameIndex uint16) uint16 {
	var data bytes.Buffer
	binary.Write(&data, binary.BigEndian, nameIndex)
	b.pool = append(b.pool, poolEntry{tag: TagClass, data: data.Bytes()})
	return uint16(len(b.pool) - 1)
}

func (b *classBuilder) build(major, minor uint16, thisName, superName string, methods []builtMethod) []byte {
	thisNameIdx := b.addUtf8(thisName)
	thisClassIdx := b.addClass(thisNameIdx)
	var superClassIdx uint16
	if superName != "" {
		superNameIdx := b.addUtf8(superName)
		superClassIdx = b.addClass(superNameIdx)
	}
	return rebuildWithMethods(b, major, minor, thisClassIdx, superClassIdx, methods)
}

type builtMethod struct {
	name       string
	descriptor string
	code       []byte
	maxStack   uint16
	maxLocals  uint16
}

func rebuildWithMethods(b *classBuilder, major, minor uint16, thisClassIdx, superClassIdx uint16, methods []builtMethod) []byte {
	type resolvedMethod struct {
		nameIdx, descIdx, codeNameIdx uint16
		m                             builtMethod
	}
	var resolved []resolvedMethod
	for _, m := range methods {
		resolved = append(resolved, resolvedMethod{
			nameIdx:    b.addUtf8(m.name),
			descIdx:    b.addUtf8(m.descriptor),
			codeNameIdx: b.addUtf8("Code"),
			m:          m,
		})
	}

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint32(classMagic))
	binary.Write(&out, binary.BigEndian, minor)
	binary.Write(&out, binary.BigEndian, major)
	binary.Write(&out, binary.BigEndian, uint16(len(b.pool)))
	for i := 1; i < len(b.pool); i++ {
		out.WriteByte(b.pool[i].tag)
		out.Write(b.pool[i].data)
	}
	binary.Write(&out, binary.BigEndian, uint16(AccPublic|AccSuper))
	binary.Write(&out, binary.BigEndian, thisClassIdx)
	binary.Write(&out, binary.BigEndian, superClassIdx)
	binary.Write(&out, binary.BigEndian, uint16(0))
	binary.Write(&out, binary.BigEndian, uint16(0))

	binary.Write(&out, binary.BigEndian, uint16(len(resolved)))
	for _, rm := range resolved {
		binary.Write(&out, binary.BigEndian, uint16(AccPublic|AccStatic))
		binary.Write(&out, binary.BigEndian, rm.nameIdx)
		binary.Write(&out, binary.BigEndian, rm.descIdx)
		if rm.m.code == nil {
			binary.Write(&out, binary.BigEndian, uint16(0)) // attributes_count
			continue
		}
		binary.Write(&out, binary.BigEndian, uint16(1)) // attributes_count
		binary.Write(&out, binary.BigEndian, rm.codeNameIdx)

		var codeBody bytes.Buffer
		binary.Write(&codeBody, binary.BigEndian, rm.m.maxStack)
		binary.Write(&codeBody, binary.BigEndian, rm.m.maxLocals)
		binary.Write(&codeBody, binary.BigEndian, uint32(len(rm.m.code)))
		codeBody.Write(rm.m.code)
		binary.Write(&codeBody, binary.BigEndian, uint16(0)) // exception_table_length
		binary.Write(&codeBody, binary.BigEndian, uint16(0)) // attributes_count

		binary.Write(&out, binary.BigEndian, uint32(codeBody.Len()))
		out.Write(codeBody.Bytes())
	}

	binary.Write(&out, binary.BigEndian, uint16(0)) // class attributes_count
	return out.Bytes()
}

func TestParseMinimalClass(t *testing.T) {
	b := newClassBuilder()
	data := b.build(61, 0, "Hello", "java/lang/Object", []builtMethod{
		{name: "main", descriptor: "([Ljava/lang/String;)V", code: []byte{0xb1}, maxStack: 1, maxLocals: 1},
	})

	cf, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cf.MajorVersion != 61 {
		t.Errorf("major version: got %d, want 61", cf.MajorVersion)
	}
	if cf.ThisName != "Hello" {
		t.Errorf("this_class: got %q, want %q", cf.ThisName, "Hello")
	}
	if cf.SuperName != "java/lang/Object" {
		t.Errorf("super_class: got %q, want %q", cf.SuperName, "java/lang/Object")
	}
	main := cf.FindMethod("main", "([Ljava/lang/String;)V")
	if main == nil {
		t.Fatal("main method not found")
	}
	if main.Code == nil {
		t.Fatal("main method has no Code attribute")
	}
	if len(main.Code.Code) == 0 {
		t.Error("Code attribute has empty bytecode")
	}
	if main.Code.MaxStack == 0 {
		t.Error("Code attribute has MaxStack == 0")
	}
}

func TestParseInvalidMagic(t *testing.T) {
	_, err := Parse(bytes.NewReader([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	if err == nil {
		t.Error("expected error for invalid magic number, got nil")
	}
}

func TestParseRejectsOutOfRangeVersion(t *testing.T) {
	b := newClassBuilder()
	data := b.build(200, 0, "Hello", "java/lang/Object", nil)
	_, err := Parse(bytes.NewReader(data))
	if err == nil {
		t.Error("expected error for out-of-range major version, got nil")
	}
}

func TestParseRejectsNonzeroMinorAboveThreshold(t *testing.T) {
	b := newClassBuilder()
	data := b.build(61, 7, "Hello", "java/lang/Object", nil)
	_, err := Parse(bytes.NewReader(data))
	if err == nil {
		t.Error("expected error for nonzero minor version at major >= 56, got nil")
	}
}
