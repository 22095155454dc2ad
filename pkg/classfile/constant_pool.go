package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/microjvm/microjvm/pkg/jvmerrors"
	"github.com/microjvm/microjvm/pkg/transcoder"
)

// ConstantPool is the 1-indexed constant table of a class file. Index 0 is
// always nil; the reserved continuation slot i that follows a Long or
// Double entry at i-1 holds the None variant (spec §3, §4.3).
type ConstantPool []ConstantPoolEntry

// numConstants returns the pool's nominal entry count (constant_pool_count
// from the class file, i.e. len(pool)). Valid indices satisfy the
// half-open range 1 <= index < numConstants (spec §9 Open Question: a
// half-open bound, matching the wire format's constant_pool_count
// semantics rather than an inclusive highest-index bound).
func (p ConstantPool) numConstants() uint16 { return uint16(len(p)) }

// entryAt fetches a non-reserved entry, reporting ClassFormatError for an
// out-of-range or reserved-slot index.
func (p ConstantPool) entryAt(index uint16) (ConstantPoolEntry, error) {
	if index == 0 || index >= p.numConstants() {
		return nil, jvmerrors.NewClassFormatError("constant pool index %d out of range [1, %d)", index, p.numConstants())
	}
	e := p[index]
	if _, reserved := e.(None); reserved || e == nil {
		return nil, jvmerrors.NewClassFormatError("constant pool index %d is a reserved continuation slot", index)
	}
	return e, nil
}

// EntryAt exposes the raw tagged-variant entry at index, for callers (the
// resolver's bootstrap-argument materialization, spec §4.5) that must
// dispatch on tag without a dedicated typed accessor.
func (p ConstantPool) EntryAt(index uint16) (ConstantPoolEntry, error) {
	return p.entryAt(index)
}

// Utf8 returns the Utf8 string at index.
func (p ConstantPool) Utf8(index uint16) (string, error) {
	e, err := p.entryAt(index)
	if err != nil {
		return "", err
	}
	u, ok := e.(ConstantUtf8)
	if !ok {
		return "", jvmerrors.NewClassFormatError("constant pool index %d is not Utf8 (tag=%d)", index, e.Tag())
	}
	return u.Value, nil
}

// ClassName resolves a CONSTANT_Class entry's referenced binary name.
func (p ConstantPool) ClassName(index uint16) (string, error) {
	e, err := p.entryAt(index)
	if err != nil {
		return "", err
	}
	c, ok := e.(ConstantClass)
	if !ok {
		return "", jvmerrors.NewClassFormatError("constant pool index %d is not Class (tag=%d)", index, e.Tag())
	}
	return p.Utf8(c.NameIndex)
}

// NameAndType resolves a CONSTANT_NameAndType entry to its name and
// descriptor strings.
func (p ConstantPool) NameAndType(index uint16) (name, descriptor string, err error) {
	e, err := p.entryAt(index)
	if err != nil {
		return "", "", err
	}
	nat, ok := e.(ConstantNameAndType)
	if !ok {
		return "", "", jvmerrors.NewClassFormatError("constant pool index %d is not NameAndType (tag=%d)", index, e.Tag())
	}
	name, err = p.Utf8(nat.NameIndex)
	if err != nil {
		return "", "", err
	}
	descriptor, err = p.Utf8(nat.DescriptorIndex)
	if err != nil {
		return "", "", err
	}
	return name, descriptor, nil
}

// MemberRef is the resolved (class, name, descriptor) triple shared by
// Fieldref, Methodref, and InterfaceMethodref constants.
type MemberRef struct {
	ClassName  string
	Name       string
	Descriptor string
}

func (p ConstantPool) memberRef(index uint16, wantTag uint8, kind string) (*MemberRef, error) {
	e, err := p.entryAt(index)
	if err != nil {
		return nil, err
	}
	var classIndex, natIndex uint16
	switch v := e.(type) {
	case ConstantFieldref:
		classIndex, natIndex = v.ClassIndex, v.NameAndTypeIndex
	case ConstantMethodref:
		classIndex, natIndex = v.ClassIndex, v.NameAndTypeIndex
	case ConstantInterfaceMethodref:
		classIndex, natIndex = v.ClassIndex, v.NameAndTypeIndex
	default:
		return nil, jvmerrors.NewClassFormatError("constant pool index %d is not %s (tag=%d)", index, kind, e.Tag())
	}
	if e.Tag() != wantTag {
		return nil, jvmerrors.NewClassFormatError("constant pool index %d is not %s (tag=%d)", index, kind, e.Tag())
	}
	className, err := p.ClassName(classIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving %s class: %w", kind, err)
	}
	name, descriptor, err := p.NameAndType(natIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving %s name_and_type: %w", kind, err)
	}
	return &MemberRef{ClassName: className, Name: name, Descriptor: descriptor}, nil
}

// Fieldref resolves a CONSTANT_Fieldref entry.
func (p ConstantPool) Fieldref(index uint16) (*MemberRef, error) {
	return p.memberRef(index, TagFieldref, "Fieldref")
}

// Methodref resolves a CONSTANT_Methodref entry.
func (p ConstantPool) Methodref(index uint16) (*MemberRef, error) {
	return p.memberRef(index, TagMethodref, "Methodref")
}

// InterfaceMethodref resolves a CONSTANT_InterfaceMethodref entry.
func (p ConstantPool) InterfaceMethodref(index uint16) (*MemberRef, error) {
	return p.memberRef(index, TagInterfaceMethodref, "InterfaceMethodref")
}

// MethodHandle resolves a CONSTANT_MethodHandle entry.
func (p ConstantPool) MethodHandle(index uint16) (ConstantMethodHandle, error) {
	e, err := p.entryAt(index)
	if err != nil {
		return ConstantMethodHandle{}, err
	}
	mh, ok := e.(ConstantMethodHandle)
	if !ok {
		return ConstantMethodHandle{}, jvmerrors.NewClassFormatError("constant pool index %d is not MethodHandle (tag=%d)", index, e.Tag())
	}
	return mh, nil
}

// MethodType resolves a CONSTANT_MethodType entry's descriptor string.
func (p ConstantPool) MethodType(index uint16) (string, error) {
	e, err := p.entryAt(index)
	if err != nil {
		return "", err
	}
	mt, ok := e.(ConstantMethodType)
	if !ok {
		return "", jvmerrors.NewClassFormatError("constant pool index %d is not MethodType (tag=%d)", index, e.Tag())
	}
	return p.Utf8(mt.DescriptorIndex)
}

// Dynamic resolves a CONSTANT_Dynamic entry's bootstrap index plus its
// name/descriptor pair.
func (p ConstantPool) Dynamic(index uint16) (bootstrapIndex uint16, name, descriptor string, err error) {
	e, err := p.entryAt(index)
	if err != nil {
		return 0, "", "", err
	}
	d, ok := e.(ConstantDynamic)
	if !ok {
		return 0, "", "", jvmerrors.NewClassFormatError("constant pool index %d is not Dynamic (tag=%d)", index, e.Tag())
	}
	name, descriptor, err = p.NameAndType(d.NameAndTypeIndex)
	if err != nil {
		return 0, "", "", err
	}
	return d.BootstrapMethodAttrIndex, name, descriptor, nil
}

// InvokeDynamic resolves a CONSTANT_InvokeDynamic entry the same way as
// Dynamic.
func (p ConstantPool) InvokeDynamic(index uint16) (bootstrapIndex uint16, name, descriptor string, err error) {
	e, err := p.entryAt(index)
	if err != nil {
		return 0, "", "", err
	}
	d, ok := e.(ConstantInvokeDynamic)
	if !ok {
		return 0, "", "", jvmerrors.NewClassFormatError("constant pool index %d is not InvokeDynamic (tag=%d)", index, e.Tag())
	}
	name, descriptor, err = p.NameAndType(d.NameAndTypeIndex)
	if err != nil {
		return 0, "", "", err
	}
	return d.BootstrapMethodAttrIndex, name, descriptor, nil
}

// Integer, FloatVal, LongVal, DoubleVal, StringVal resolve the primitive
// and String literal constants used by ldc/ldc2_w and ConstantValue
// attributes.
func (p ConstantPool) Integer(index uint16) (int32, error) {
	e, err := p.entryAt(index)
	if err != nil {
		return 0, err
	}
	v, ok := e.(ConstantInteger)
	if !ok {
		return 0, jvmerrors.NewClassFormatError("constant pool index %d is not Integer (tag=%d)", index, e.Tag())
	}
	return v.Value, nil
}

func (p ConstantPool) FloatVal(index uint16) (float32, error) {
	e, err := p.entryAt(index)
	if err != nil {
		return 0, err
	}
	v, ok := e.(ConstantFloat)
	if !ok {
		return 0, jvmerrors.NewClassFormatError("constant pool index %d is not Float (tag=%d)", index, e.Tag())
	}
	return v.Value, nil
}

func (p ConstantPool) LongVal(index uint16) (int64, error) {
	e, err := p.entryAt(index)
	if err != nil {
		return 0, err
	}
	v, ok := e.(ConstantLong)
	if !ok {
		return 0, jvmerrors.NewClassFormatError("constant pool index %d is not Long (tag=%d)", index, e.Tag())
	}
	return v.Value, nil
}

func (p ConstantPool) DoubleVal(index uint16) (float64, error) {
	e, err := p.entryAt(index)
	if err != nil {
		return 0, err
	}
	v, ok := e.(ConstantDouble)
	if !ok {
		return 0, jvmerrors.NewClassFormatError("constant pool index %d is not Double (tag=%d)", index, e.Tag())
	}
	return v.Value, nil
}

func (p ConstantPool) StringVal(index uint16) (string, error) {
	e, err := p.entryAt(index)
	if err != nil {
		return "", err
	}
	s, ok := e.(ConstantString)
	if !ok {
		return "", jvmerrors.NewClassFormatError("constant pool index %d is not String (tag=%d)", index, e.Tag())
	}
	return p.Utf8(s.StringIndex)
}

// parseConstantPool reads constant_pool_count-1 entries from the reader.
// The returned pool is 1-indexed: index 0 is nil, and the slot following a
// Long or Double is the reserved None variant (spec §3, §4.3).
func parseConstantPool(r io.Reader, count uint16) (ConstantPool, error) {
	pool := make(ConstantPool, count)

	for i := uint16(1); i < count; i++ {
		var tag uint8
		if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
			return nil, fmt.Errorf("reading constant pool tag at index %d: %w", i, err)
		}

		switch tag {
		case TagUtf8:
			var length uint16
			if err := binary.Read(r, binary.BigEndian, &length); err != nil {
				return nil, fmt.Errorf("reading Utf8 length at index %d: %w", i, err)
			}
			raw := make([]byte, length)
			if _, err := io.ReadFull(r, raw); err != nil {
				return nil, fmt.Errorf("reading Utf8 bytes at index %d: %w", i, err)
			}
			decoded, err := transcoder.FromModified(raw)
			if err != nil {
				return nil, jvmerrors.NewClassFormatError("malformed modified UTF-8 at constant pool index %d: %v", i, err)
			}
			pool[i] = ConstantUtf8{Value: decoded}

		case TagInteger:
			var val int32
			if err := binary.Read(r, binary.BigEndian, &val); err != nil {
				return nil, fmt.Errorf("reading Integer at index %d: %w", i, err)
			}
			pool[i] = ConstantInteger{Value: val}

		case TagFloat:
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, fmt.Errorf("reading Float at index %d: %w", i, err)
			}
			pool[i] = ConstantFloat{Value: math.Float32frombits(bits)}

		case TagLong:
			var val int64
			if err := binary.Read(r, binary.BigEndian, &val); err != nil {
				return nil, fmt.Errorf("reading Long at index %d: %w", i, err)
			}
			pool[i] = ConstantLong{Value: val}
			i++
			if i < count {
				pool[i] = None{}
			}

		case TagDouble:
			var bits uint64
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, fmt.Errorf("reading Double at index %d: %w", i, err)
			}
			pool[i] = ConstantDouble{Value: math.Float64frombits(bits)}
			i++
			if i < count {
				pool[i] = None{}
			}

		case TagClass:
			var nameIndex uint16
			if err := binary.Read(r, binary.BigEndian, &nameIndex); err != nil {
				return nil, fmt.Errorf("reading Class at index %d: %w", i, err)
			}
			pool[i] = ConstantClass{NameIndex: nameIndex}

		case TagString:
			var stringIndex uint16
			if err := binary.Read(r, binary.BigEndian, &stringIndex); err != nil {
				return nil, fmt.Errorf("reading String at index %d: %w", i, err)
			}
			pool[i] = ConstantString{StringIndex: stringIndex}

		case TagFieldref:
			var classIndex, natIndex uint16
			if err := binary.Read(r, binary.BigEndian, &classIndex); err != nil {
				return nil, fmt.Errorf("reading Fieldref class_index at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &natIndex); err != nil {
				return nil, fmt.Errorf("reading Fieldref name_and_type_index at index %d: %w", i, err)
			}
			pool[i] = ConstantFieldref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}

		case TagMethodref:
			var classIndex, natIndex uint16
			if err := binary.Read(r, binary.BigEndian, &classIndex); err != nil {
				return nil, fmt.Errorf("reading Methodref class_index at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &natIndex); err != nil {
				return nil, fmt.Errorf("reading Methodref name_and_type_index at index %d: %w", i, err)
			}
			pool[i] = ConstantMethodref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}

		case TagInterfaceMethodref:
			var classIndex, natIndex uint16
			if err := binary.Read(r, binary.BigEndian, &classIndex); err != nil {
				return nil, fmt.Errorf("reading InterfaceMethodref class_index at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &natIndex); err != nil {
				return nil, fmt.Errorf("reading InterfaceMethodref name_and_type_index at index %d: %w", i, err)
			}
			pool[i] = ConstantInterfaceMethodref{ClassIndex: classIndex, NameAndTypeIndex: natIndex}

		case TagNameAndType:
			var nameIndex, descIndex uint16
			if err := binary.Read(r, binary.BigEndian, &nameIndex); err != nil {
				return nil, fmt.Errorf("reading NameAndType name_index at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &descIndex); err != nil {
				return nil, fmt.Errorf("reading NameAndType descriptor_index at index %d: %w", i, err)
			}
			pool[i] = ConstantNameAndType{NameIndex: nameIndex, DescriptorIndex: descIndex}

		case TagMethodHandle:
			var refKind uint8
			var refIndex uint16
			if err := binary.Read(r, binary.BigEndian, &refKind); err != nil {
				return nil, fmt.Errorf("reading MethodHandle reference_kind at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &refIndex); err != nil {
				return nil, fmt.Errorf("reading MethodHandle reference_index at index %d: %w", i, err)
			}
			pool[i] = ConstantMethodHandle{ReferenceKind: refKind, ReferenceIndex: refIndex}

		case TagMethodType:
			var descIndex uint16
			if err := binary.Read(r, binary.BigEndian, &descIndex); err != nil {
				return nil, fmt.Errorf("reading MethodType at index %d: %w", i, err)
			}
			pool[i] = ConstantMethodType{DescriptorIndex: descIndex}

		case TagDynamic:
			var bootstrapIndex, natIndex uint16
			if err := binary.Read(r, binary.BigEndian, &bootstrapIndex); err != nil {
				return nil, fmt.Errorf("reading Dynamic bootstrap_method_attr_index at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &natIndex); err != nil {
				return nil, fmt.Errorf("reading Dynamic name_and_type_index at index %d: %w", i, err)
			}
			pool[i] = ConstantDynamic{BootstrapMethodAttrIndex: bootstrapIndex, NameAndTypeIndex: natIndex}

		case TagInvokeDynamic:
			var bootstrapIndex, natIndex uint16
			if err := binary.Read(r, binary.BigEndian, &bootstrapIndex); err != nil {
				return nil, fmt.Errorf("reading InvokeDynamic bootstrap_method_attr_index at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &natIndex); err != nil {
				return nil, fmt.Errorf("reading InvokeDynamic name_and_type_index at index %d: %w", i, err)
			}
			pool[i] = ConstantInvokeDynamic{BootstrapMethodAttrIndex: bootstrapIndex, NameAndTypeIndex: natIndex}

		case TagModule:
			var nameIndex uint16
			if err := binary.Read(r, binary.BigEndian, &nameIndex); err != nil {
				return nil, fmt.Errorf("reading Module at index %d: %w", i, err)
			}
			pool[i] = ConstantModule{NameIndex: nameIndex}

		case TagPackage:
			var nameIndex uint16
			if err := binary.Read(r, binary.BigEndian, &nameIndex); err != nil {
				return nil, fmt.Errorf("reading Package at index %d: %w", i, err)
			}
			pool[i] = ConstantPackage{NameIndex: nameIndex}

		default:
			return nil, jvmerrors.NewClassFormatError("unknown constant pool tag %d at index %d", tag, i)
		}
	}

	return pool, nil
}
