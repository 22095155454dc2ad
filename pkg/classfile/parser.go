package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/microjvm/microjvm/pkg/jvmerrors"
)

// ParseFile opens and parses a .class file from the given path.
func ParseFile(path string) (*ClassFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a class file from r, validating the structural invariants
// named in spec §4.3: magic number, supported version range, constant
// pool well-formedness, and recognized attribute shapes.
func Parse(r io.Reader) (*ClassFile, error) {
	cf := &ClassFile{}

	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return nil, fmt.Errorf("reading magic number: %w", err)
	}
	if magic != classMagic {
		return nil, jvmerrors.NewClassFormatError("bad magic number 0x%X (expected 0x%X)", magic, classMagic)
	}

	if err := binary.Read(r, binary.BigEndian, &cf.MinorVersion); err != nil {
		return nil, fmt.Errorf("reading minor version: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &cf.MajorVersion); err != nil {
		return nil, fmt.Errorf("reading major version: %w", err)
	}
	if cf.MajorVersion < MinSupportedMajor || cf.MajorVersion > MaxSupportedMajor {
		return nil, jvmerrors.NewUnsupportedClassVersionError(cf.MajorVersion, cf.MinorVersion)
	}
	if cf.MajorVersion >= MinZeroMinorMajor && cf.MinorVersion != 0 {
		return nil, jvmerrors.NewUnsupportedClassVersionError(cf.MajorVersion, cf.MinorVersion)
	}

	var cpCount uint16
	if err := binary.Read(r, binary.BigEndian, &cpCount); err != nil {
		return nil, fmt.Errorf("reading constant pool count: %w", err)
	}
	pool, err := parseConstantPool(r, cpCount)
	if err != nil {
		return nil, fmt.Errorf("parsing constant pool: %w", err)
	}
	cf.ConstantPool = pool

	if err := binary.Read(r, binary.BigEndian, &cf.AccessFlags); err != nil {
		return nil, fmt.Errorf("reading access flags: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &cf.ThisClass); err != nil {
		return nil, fmt.Errorf("reading this_class: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &cf.SuperClass); err != nil {
		return nil, fmt.Errorf("reading super_class: %w", err)
	}
	cf.ThisName, err = cf.ConstantPool.ClassName(cf.ThisClass)
	if err != nil {
		return nil, fmt.Errorf("resolving this_class: %w", err)
	}
	if cf.SuperClass != 0 {
		cf.SuperName, err = cf.ConstantPool.ClassName(cf.SuperClass)
		if err != nil {
			return nil, fmt.Errorf("resolving super_class: %w", err)
		}
	}

	var interfacesCount uint16
	if err := binary.Read(r, binary.BigEndian, &interfacesCount); err != nil {
		return nil, fmt.Errorf("reading interfaces count: %w", err)
	}
	cf.Interfaces = make([]uint16, interfacesCount)
	cf.InterfaceNames = make([]string, interfacesCount)
	for i := uint16(0); i < interfacesCount; i++ {
		if err := binary.Read(r, binary.BigEndian, &cf.Interfaces[i]); err != nil {
			return nil, fmt.Errorf("reading interface %d: %w", i, err)
		}
		name, err := cf.ConstantPool.ClassName(cf.Interfaces[i])
		if err != nil {
			return nil, jvmerrors.NewClassFormatError("superinterface %d is not a class constant: %v", i, err)
		}
		cf.InterfaceNames[i] = name
	}

	var fieldsCount uint16
	if err := binary.Read(r, binary.BigEndian, &fieldsCount); err != nil {
		return nil, fmt.Errorf("reading fields count: %w", err)
	}
	cf.Fields, err = parseFields(r, cf.ConstantPool, fieldsCount)
	if err != nil {
		return nil, fmt.Errorf("parsing fields: %w", err)
	}

	var methodsCount uint16
	if err := binary.Read(r, binary.BigEndian, &methodsCount); err != nil {
		return nil, fmt.Errorf("reading methods count: %w", err)
	}
	cf.Methods, err = parseMethods(r, cf.ConstantPool, methodsCount)
	if err != nil {
		return nil, fmt.Errorf("parsing methods: %w", err)
	}

	if err := parseClassAttributes(r, cf); err != nil {
		return nil, fmt.Errorf("parsing class attributes: %w", err)
	}

	return cf, nil
}

func parseFields(r io.Reader, pool ConstantPool, count uint16) ([]*FieldInfo, error) {
	fields := make([]*FieldInfo, count)
	for i := uint16(0); i < count; i++ {
		var accessFlags, nameIndex, descIndex, attrCount uint16
		if err := binary.Read(r, binary.BigEndian, &accessFlags); err != nil {
			return nil, fmt.Errorf("reading field %d access flags: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &nameIndex); err != nil {
			return nil, fmt.Errorf("reading field %d name index: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &descIndex); err != nil {
			return nil, fmt.Errorf("reading field %d descriptor index: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &attrCount); err != nil {
			return nil, fmt.Errorf("reading field %d attributes count: %w", i, err)
		}

		name, err := pool.Utf8(nameIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving field %d name: %w", i, err)
		}
		desc, err := pool.Utf8(descIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving field %d descriptor: %w", i, err)
		}

		raw, err := parseAttributeInfos(r, pool, attrCount)
		if err != nil {
			return nil, fmt.Errorf("parsing field %d attributes: %w", i, err)
		}

		f := &FieldInfo{AccessFlags: accessFlags, Name: name, Descriptor: desc}
		for _, a := range raw {
			switch a.Name {
			case "ConstantValue":
				if len(a.Data) != 2 {
					return nil, jvmerrors.NewClassFormatError("field %s: ConstantValue attribute has wrong length %d", name, len(a.Data))
				}
				idx := binary.BigEndian.Uint16(a.Data)
				f.ConstantValue = &idx
			case "Synthetic":
				f.Synthetic = true
			case "Signature":
				if len(a.Data) != 2 {
					return nil, jvmerrors.NewClassFormatError("field %s: Signature attribute has wrong length %d", name, len(a.Data))
				}
				sig, err := pool.Utf8(binary.BigEndian.Uint16(a.Data))
				if err != nil {
					return nil, fmt.Errorf("field %s Signature: %w", name, err)
				}
				f.Signature = sig
			default:
				f.RawAttributes = append(f.RawAttributes, a)
			}
		}
		fields[i] = f
	}
	return fields, nil
}

func parseMethods(r io.Reader, pool ConstantPool, count uint16) ([]*MethodInfo, error) {
	methods := make([]*MethodInfo, count)
	for i := uint16(0); i < count; i++ {
		var accessFlags, nameIndex, descIndex, attrCount uint16
		if err := binary.Read(r, binary.BigEndian, &accessFlags); err != nil {
			return nil, fmt.Errorf("reading method %d access flags: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &nameIndex); err != nil {
			return nil, fmt.Errorf("reading method %d name index: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &descIndex); err != nil {
			return nil, fmt.Errorf("reading method %d descriptor index: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &attrCount); err != nil {
			return nil, fmt.Errorf("reading method %d attributes count: %w", i, err)
		}

		name, err := pool.Utf8(nameIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving method %d name: %w", i, err)
		}
		desc, err := pool.Utf8(descIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving method %d descriptor: %w", i, err)
		}

		raw, err := parseAttributeInfos(r, pool, attrCount)
		if err != nil {
			return nil, fmt.Errorf("parsing method %d attributes: %w", i, err)
		}

		m := &MethodInfo{AccessFlags: accessFlags, Name: name, Descriptor: desc}
		for _, a := range raw {
			switch a.Name {
			case "Code":
				code, err := parseCodeAttribute(a.Data, pool)
				if err != nil {
					return nil, fmt.Errorf("parsing Code attribute for method %s%s: %w", name, desc, err)
				}
				m.Code = code
			case "Exceptions":
				exc, err := parseExceptionsAttribute(a.Data, pool)
				if err != nil {
					return nil, fmt.Errorf("parsing Exceptions attribute for method %s%s: %w", name, desc, err)
				}
				m.Exceptions = exc
			case "Synthetic":
				m.Synthetic = true
			case "Signature":
				if len(a.Data) != 2 {
					return nil, jvmerrors.NewClassFormatError("method %s: Signature attribute has wrong length %d", name, len(a.Data))
				}
				sig, err := pool.Utf8(binary.BigEndian.Uint16(a.Data))
				if err != nil {
					return nil, fmt.Errorf("method %s Signature: %w", name, err)
				}
				m.Signature = sig
			default:
				m.RawAttributes = append(m.RawAttributes, a)
			}
		}
		methods[i] = m
	}
	return methods, nil
}

func parseAttributeInfos(r io.Reader, pool ConstantPool, count uint16) ([]RawAttribute, error) {
	attrs := make([]RawAttribute, count)
	for i := uint16(0); i < count; i++ {
		var nameIndex uint16
		if err := binary.Read(r, binary.BigEndian, &nameIndex); err != nil {
			return nil, fmt.Errorf("reading attribute %d name index: %w", i, err)
		}
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("reading attribute %d length: %w", i, err)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("reading attribute %d data: %w", i, err)
		}

		name, err := pool.Utf8(nameIndex)
		if err != nil {
			return nil, fmt.Errorf("resolving attribute %d name: %w", i, err)
		}

		attrs[i] = RawAttribute{Name: name, Data: data}
	}
	return attrs, nil
}

func parseCodeAttribute(data []byte, pool ConstantPool) (*CodeAttribute, error) {
	if len(data) < 8 {
		return nil, jvmerrors.NewClassFormatError("Code attribute too short: %d bytes", len(data))
	}

	maxStack := binary.BigEndian.Uint16(data[0:2])
	maxLocals := binary.BigEndian.Uint16(data[2:4])
	codeLength := binary.BigEndian.Uint32(data[4:8])
	if codeLength == 0 || codeLength >= 0x10000 {
		return nil, jvmerrors.NewClassFormatError("Code attribute has invalid code_length %d", codeLength)
	}

	if uint32(len(data)) < 8+codeLength {
		return nil, jvmerrors.NewClassFormatError("Code attribute data too short for code_length %d", codeLength)
	}

	code := make([]byte, codeLength)
	copy(code, data[8:8+codeLength])

	offset := int(8 + codeLength)
	if offset+2 > len(data) {
		return nil, jvmerrors.NewClassFormatError("Code attribute truncated before exception table")
	}
	exTableLen := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	handlers := make([]ExceptionHandler, exTableLen)
	for i := uint16(0); i < exTableLen; i++ {
		if offset+8 > len(data) {
			return nil, jvmerrors.NewClassFormatError("Code attribute exception table truncated at entry %d", i)
		}
		handlers[i] = ExceptionHandler{
			StartPC:   binary.BigEndian.Uint16(data[offset : offset+2]),
			EndPC:     binary.BigEndian.Uint16(data[offset+2 : offset+4]),
			HandlerPC: binary.BigEndian.Uint16(data[offset+4 : offset+6]),
			CatchType: binary.BigEndian.Uint16(data[offset+6 : offset+8]),
		}
		offset += 8
	}

	if offset+2 > len(data) {
		return &CodeAttribute{MaxStack: maxStack, MaxLocals: maxLocals, Code: code, ExceptionTable: handlers}, nil
	}
	attrCount := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2

	var lineNumbers []LineNumberEntry
	for i := uint16(0); i < attrCount; i++ {
		if offset+2 > len(data) {
			break
		}
		nameIndex := binary.BigEndian.Uint16(data[offset : offset+2])
		offset += 2
		if offset+4 > len(data) {
			break
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		offset += 4
		if offset+int(length) > len(data) {
			break
		}
		sub := data[offset : offset+int(length)]
		offset += int(length)

		name, err := pool.Utf8(nameIndex)
		if err != nil {
			continue
		}
		if name == "LineNumberTable" && len(sub) >= 2 {
			n := binary.BigEndian.Uint16(sub[0:2])
			o := 2
			for j := uint16(0); j < n && o+4 <= len(sub); j++ {
				lineNumbers = append(lineNumbers, LineNumberEntry{
					StartPC:    binary.BigEndian.Uint16(sub[o : o+2]),
					LineNumber: binary.BigEndian.Uint16(sub[o+2 : o+4]),
				})
				o += 4
			}
		}
	}

	return &CodeAttribute{
		MaxStack:        maxStack,
		MaxLocals:       maxLocals,
		Code:            code,
		ExceptionTable:  handlers,
		LineNumberTable: lineNumbers,
	}, nil
}

func parseExceptionsAttribute(data []byte, pool ConstantPool) ([]string, error) {
	if len(data) < 2 {
		return nil, jvmerrors.NewClassFormatError("Exceptions attribute too short")
	}
	count := binary.BigEndian.Uint16(data[0:2])
	offset := 2
	names := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		if offset+2 > len(data) {
			return nil, jvmerrors.NewClassFormatError("Exceptions attribute truncated at entry %d", i)
		}
		idx := binary.BigEndian.Uint16(data[offset : offset+2])
		offset += 2
		name, err := pool.ClassName(idx)
		if err != nil {
			return nil, fmt.Errorf("resolving exception %d: %w", i, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// parseClassAttributes reads the top-level attribute table and classifies
// each recognized attribute name (spec §4.3): unrecognized names are kept
// as RawAttribute without failing the parse.
func parseClassAttributes(r io.Reader, cf *ClassFile) error {
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return err
	}
	raw, err := parseAttributeInfos(r, cf.ConstantPool, count)
	if err != nil {
		return err
	}
	pool := cf.ConstantPool
	for _, a := range raw {
		switch a.Name {
		case "BootstrapMethods":
			cf.BootstrapMethods, err = parseBootstrapMethods(a.Data)
			if err != nil {
				return fmt.Errorf("parsing BootstrapMethods: %w", err)
			}
		case "NestHost":
			if len(a.Data) != 2 {
				return jvmerrors.NewClassFormatError("NestHost attribute has wrong length %d", len(a.Data))
			}
			cf.NestHostIndex = binary.BigEndian.Uint16(a.Data)
		case "NestMembers":
			names, err := parseClassNameList(a.Data, pool)
			if err != nil {
				return fmt.Errorf("parsing NestMembers: %w", err)
			}
			cf.NestMembers = names
		case "PermittedSubclasses":
			names, err := parseClassNameList(a.Data, pool)
			if err != nil {
				return fmt.Errorf("parsing PermittedSubclasses: %w", err)
			}
			cf.PermittedSubclasses = names
		case "InnerClasses":
			entries, err := parseInnerClasses(a.Data)
			if err != nil {
				return fmt.Errorf("parsing InnerClasses: %w", err)
			}
			cf.InnerClasses = entries
		case "EnclosingMethod":
			if len(a.Data) != 4 {
				return jvmerrors.NewClassFormatError("EnclosingMethod attribute has wrong length %d", len(a.Data))
			}
			cf.EnclosingMethod = &EnclosingMethodAttr{
				ClassIndex:  binary.BigEndian.Uint16(a.Data[0:2]),
				MethodIndex: binary.BigEndian.Uint16(a.Data[2:4]),
			}
		case "SourceFile":
			if len(a.Data) != 2 {
				return jvmerrors.NewClassFormatError("SourceFile attribute has wrong length %d", len(a.Data))
			}
			name, err := pool.Utf8(binary.BigEndian.Uint16(a.Data))
			if err != nil {
				return fmt.Errorf("resolving SourceFile: %w", err)
			}
			cf.SourceFile = name
		case "Synthetic":
			cf.Synthetic = true
		case "Signature":
			if len(a.Data) != 2 {
				return jvmerrors.NewClassFormatError("Signature attribute has wrong length %d", len(a.Data))
			}
			sig, err := pool.Utf8(binary.BigEndian.Uint16(a.Data))
			if err != nil {
				return fmt.Errorf("resolving Signature: %w", err)
			}
			cf.Signature = sig
		case "Record":
			components, err := parseRecordAttribute(a.Data, pool)
			if err != nil {
				return fmt.Errorf("parsing Record: %w", err)
			}
			cf.RecordComponents = components
			cf.IsRecord = true
		case "Module":
			mod, err := parseModuleAttribute(a.Data, pool)
			if err != nil {
				return fmt.Errorf("parsing Module: %w", err)
			}
			cf.Module = mod
		default:
			cf.RawAttributes = append(cf.RawAttributes, a)
		}
	}
	return nil
}

func parseClassNameList(data []byte, pool ConstantPool) ([]string, error) {
	if len(data) < 2 {
		return nil, jvmerrors.NewClassFormatError("class name list attribute too short")
	}
	count := binary.BigEndian.Uint16(data[0:2])
	offset := 2
	names := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		if offset+2 > len(data) {
			return nil, jvmerrors.NewClassFormatError("class name list truncated at entry %d", i)
		}
		idx := binary.BigEndian.Uint16(data[offset : offset+2])
		offset += 2
		name, err := pool.ClassName(idx)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		names = append(names, name)
	}
	return names, nil
}

func parseInnerClasses(data []byte) ([]InnerClassEntry, error) {
	if len(data) < 2 {
		return nil, jvmerrors.NewClassFormatError("InnerClasses attribute too short")
	}
	count := binary.BigEndian.Uint16(data[0:2])
	offset := 2
	entries := make([]InnerClassEntry, count)
	for i := uint16(0); i < count; i++ {
		if offset+8 > len(data) {
			return nil, jvmerrors.NewClassFormatError("InnerClasses attribute truncated at entry %d", i)
		}
		entries[i] = InnerClassEntry{
			InnerClassInfoIndex:   binary.BigEndian.Uint16(data[offset : offset+2]),
			OuterClassInfoIndex:   binary.BigEndian.Uint16(data[offset+2 : offset+4]),
			InnerNameIndex:        binary.BigEndian.Uint16(data[offset+4 : offset+6]),
			InnerClassAccessFlags: binary.BigEndian.Uint16(data[offset+6 : offset+8]),
		}
		offset += 8
	}
	return entries, nil
}

func parseRecordAttribute(data []byte, pool ConstantPool) ([]RecordComponent, error) {
	if len(data) < 2 {
		return nil, jvmerrors.NewClassFormatError("Record attribute too short")
	}
	count := binary.BigEndian.Uint16(data[0:2])
	offset := 2
	components := make([]RecordComponent, 0, count)
	for i := uint16(0); i < count; i++ {
		if offset+6 > len(data) {
			return nil, jvmerrors.NewClassFormatError("Record attribute truncated at component %d", i)
		}
		nameIdx := binary.BigEndian.Uint16(data[offset : offset+2])
		descIdx := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		attrCount := binary.BigEndian.Uint16(data[offset+4 : offset+6])
		offset += 6
		name, err := pool.Utf8(nameIdx)
		if err != nil {
			return nil, fmt.Errorf("record component %d name: %w", i, err)
		}
		desc, err := pool.Utf8(descIdx)
		if err != nil {
			return nil, fmt.Errorf("record component %d descriptor: %w", i, err)
		}
		for j := uint16(0); j < attrCount; j++ {
			if offset+6 > len(data) {
				return nil, jvmerrors.NewClassFormatError("record component %d attribute %d truncated", i, j)
			}
			length := binary.BigEndian.Uint32(data[offset+2 : offset+6])
			offset += 6 + int(length)
		}
		components = append(components, RecordComponent{Name: name, Descriptor: desc})
	}
	return components, nil
}

func parseBootstrapMethods(data []byte) ([]BootstrapMethod, error) {
	if len(data) < 2 {
		return nil, jvmerrors.NewClassFormatError("BootstrapMethods attribute too short")
	}
	numMethods := binary.BigEndian.Uint16(data[0:2])
	offset := 2
	methods := make([]BootstrapMethod, numMethods)
	for i := uint16(0); i < numMethods; i++ {
		if offset+4 > len(data) {
			return nil, jvmerrors.NewClassFormatError("BootstrapMethods truncated at method %d", i)
		}
		methodRef := binary.BigEndian.Uint16(data[offset : offset+2])
		numArgs := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += 4
		args := make([]uint16, numArgs)
		for j := uint16(0); j < numArgs; j++ {
			if offset+2 > len(data) {
				return nil, jvmerrors.NewClassFormatError("BootstrapMethods truncated at arg %d of method %d", j, i)
			}
			args[j] = binary.BigEndian.Uint16(data[offset : offset+2])
			offset += 2
		}
		methods[i] = BootstrapMethod{MethodRefIndex: methodRef, Arguments: args}
	}
	return methods, nil
}

func parseModuleAttribute(data []byte, pool ConstantPool) (*ModuleAttr, error) {
	off := 0
	need := func(n int) error {
		if off+n > len(data) {
			return jvmerrors.NewClassFormatError("Module attribute truncated")
		}
		return nil
	}
	if err := need(6); err != nil {
		return nil, err
	}
	moduleNameIdx := binary.BigEndian.Uint16(data[off : off+2])
	flags := binary.BigEndian.Uint16(data[off+2 : off+4])
	versionIdx := binary.BigEndian.Uint16(data[off+4 : off+6])
	off += 6

	moduleName, err := pool.Utf8(moduleNameIdx)
	if err != nil {
		return nil, fmt.Errorf("module name: %w", err)
	}
	var version string
	if versionIdx != 0 {
		version, err = pool.Utf8(versionIdx)
		if err != nil {
			return nil, fmt.Errorf("module version: %w", err)
		}
	}

	mod := &ModuleAttr{Name: moduleName, Flags: flags, Version: version}

	if err := need(2); err != nil {
		return nil, err
	}
	requiresCount := binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	for i := uint16(0); i < requiresCount; i++ {
		if err := need(6); err != nil {
			return nil, err
		}
		nameIdx := binary.BigEndian.Uint16(data[off : off+2])
		reqFlags := binary.BigEndian.Uint16(data[off+2 : off+4])
		verIdx := binary.BigEndian.Uint16(data[off+4 : off+6])
		off += 6
		name, err := pool.Utf8(nameIdx)
		if err != nil {
			return nil, fmt.Errorf("requires %d name: %w", i, err)
		}
		var ver string
		if verIdx != 0 {
			ver, err = pool.Utf8(verIdx)
			if err != nil {
				return nil, fmt.Errorf("requires %d version: %w", i, err)
			}
		}
		mod.Requires = append(mod.Requires, ModuleRequires{Name: name, Flags: reqFlags, Version: ver})
	}

	if err := need(2); err != nil {
		return nil, err
	}
	exportsCount := binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	for i := uint16(0); i < exportsCount; i++ {
		if err := need(4); err != nil {
			return nil, err
		}
		pkgIdx := binary.BigEndian.Uint16(data[off : off+2])
		expFlags := binary.BigEndian.Uint16(data[off+2 : off+4])
		off += 4
		pkgName, err := pool.Utf8(pkgIdx)
		if err != nil {
			return nil, fmt.Errorf("exports %d package: %w", i, err)
		}
		if err := need(2); err != nil {
			return nil, err
		}
		toCount := binary.BigEndian.Uint16(data[off : off+2])
		off += 2
		var to []string
		for j := uint16(0); j < toCount; j++ {
			if err := need(2); err != nil {
				return nil, err
			}
			modIdx := binary.BigEndian.Uint16(data[off : off+2])
			off += 2
			mname, err := pool.Utf8(modIdx)
			if err != nil {
				return nil, fmt.Errorf("exports %d to %d: %w", i, j, err)
			}
			to = append(to, mname)
		}
		mod.Exports = append(mod.Exports, ModuleExports{PackageName: pkgName, Flags: expFlags, To: to})
	}

	if err := need(2); err != nil {
		return nil, err
	}
	opensCount := binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	for i := uint16(0); i < opensCount; i++ {
		if err := need(4); err != nil {
			return nil, err
		}
		pkgIdx := binary.BigEndian.Uint16(data[off : off+2])
		opFlags := binary.BigEndian.Uint16(data[off+2 : off+4])
		off += 4
		pkgName, err := pool.Utf8(pkgIdx)
		if err != nil {
			return nil, fmt.Errorf("opens %d package: %w", i, err)
		}
		if err := need(2); err != nil {
			return nil, err
		}
		toCount := binary.BigEndian.Uint16(data[off : off+2])
		off += 2
		var to []string
		for j := uint16(0); j < toCount; j++ {
			if err := need(2); err != nil {
				return nil, err
			}
			modIdx := binary.BigEndian.Uint16(data[off : off+2])
			off += 2
			mname, err := pool.Utf8(modIdx)
			if err != nil {
				return nil, fmt.Errorf("opens %d to %d: %w", i, j, err)
			}
			to = append(to, mname)
		}
		mod.Opens = append(mod.Opens, ModuleOpens{PackageName: pkgName, Flags: opFlags, To: to})
	}

	if err := need(2); err != nil {
		return nil, err
	}
	usesCount := binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	for i := uint16(0); i < usesCount; i++ {
		if err := need(2); err != nil {
			return nil, err
		}
		idx := binary.BigEndian.Uint16(data[off : off+2])
		off += 2
		name, err := pool.ClassName(idx)
		if err != nil {
			return nil, fmt.Errorf("uses %d: %w", i, err)
		}
		mod.Uses = append(mod.Uses, name)
	}

	if err := need(2); err != nil {
		return nil, err
	}
	providesCount := binary.BigEndian.Uint16(data[off : off+2])
	off += 2
	for i := uint16(0); i < providesCount; i++ {
		if err := need(2); err != nil {
			return nil, err
		}
		svcIdx := binary.BigEndian.Uint16(data[off : off+2])
		off += 2
		svcName, err := pool.ClassName(svcIdx)
		if err != nil {
			return nil, fmt.Errorf("provides %d service: %w", i, err)
		}
		if err := need(2); err != nil {
			return nil, err
		}
		withCount := binary.BigEndian.Uint16(data[off : off+2])
		off += 2
		var with []string
		for j := uint16(0); j < withCount; j++ {
			if err := need(2); err != nil {
				return nil, err
			}
			withIdx := binary.BigEndian.Uint16(data[off : off+2])
			off += 2
			wname, err := pool.ClassName(withIdx)
			if err != nil {
				return nil, fmt.Errorf("provides %d with %d: %w", i, j, err)
			}
			with = append(with, wname)
		}
		mod.Provides = append(mod.Provides, ModuleProvides{ServiceName: svcName, With: with})
	}

	return mod, nil
}
