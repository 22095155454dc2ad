package classfile

import (
	"strings"

	"github.com/microjvm/microjvm/pkg/jvmerrors"
)

// FieldType is the parsed shape of a single field descriptor (spec §3,
// §4.6: the type tags used by field/method descriptors and by the
// interpreter's per-slot category-1/category-2 treatment). Grounded on
// original_source/src/pd4j/descriptor.c's descriptor grammar
// ("[BCDFIJSVZ" and the 'L'-prefixed class form).
type FieldType struct {
	// Kind is one of the descriptor tag bytes: B C D F I J L S V Z, or
	// '[' for an array, in which case Element describes the element type.
	Kind    byte
	// ClassName is set when Kind == 'L': the binary class name.
	ClassName string
	// Element is set when Kind == '[': the array's element type.
	Element *FieldType
	// Dimensions counts consecutive leading '[' for array types (0 for
	// non-arrays).
	Dimensions int
}

// IsCategory2 reports whether a value of this type occupies two local
// variable / operand stack slots (spec §4.6): long and double only.
func (t FieldType) IsCategory2() bool { return t.Kind == 'J' || t.Kind == 'D' }

// IsPrimitive reports whether this is one of the eight primitive types.
func (t FieldType) IsPrimitive() bool {
	switch t.Kind {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return true
	}
	return false
}

func (t FieldType) IsReference() bool { return t.Kind == 'L' || t.Kind == '[' }

// String renders the descriptor form back out.
func (t FieldType) String() string {
	switch t.Kind {
	case 'L':
		return "L" + t.ClassName + ";"
	case '[':
		return "[" + t.Element.String()
	default:
		return string(t.Kind)
	}
}

// ParseFieldDescriptor parses a single field descriptor, e.g. "I",
// "Ljava/lang/String;", or "[[D".
func ParseFieldDescriptor(descriptor string) (FieldType, error) {
	t, rest, err := parseFieldType(descriptor)
	if err != nil {
		return FieldType{}, err
	}
	if rest != "" {
		return FieldType{}, jvmerrors.NewClassFormatError("trailing data in field descriptor %q", descriptor)
	}
	return t, nil
}

func parseFieldType(s string) (FieldType, string, error) {
	if s == "" {
		return FieldType{}, "", jvmerrors.NewClassFormatError("empty field descriptor")
	}
	switch s[0] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 'V':
		return FieldType{Kind: s[0]}, s[1:], nil
	case 'L':
		idx := strings.IndexByte(s, ';')
		if idx < 0 {
			return FieldType{}, "", jvmerrors.NewClassFormatError("unterminated class descriptor %q", s)
		}
		return FieldType{Kind: 'L', ClassName: s[1:idx]}, s[idx+1:], nil
	case '[':
		elem, rest, err := parseFieldType(s[1:])
		if err != nil {
			return FieldType{}, "", err
		}
		dims := elem.Dimensions + 1
		return FieldType{Kind: '[', Element: &elem, Dimensions: dims}, rest, nil
	default:
		return FieldType{}, "", jvmerrors.NewClassFormatError("unrecognized field descriptor tag %q", s[0])
	}
}

// MethodDescriptor is the parsed form of a method descriptor, e.g.
// "(ILjava/lang/String;)V".
type MethodDescriptor struct {
	Parameters []FieldType
	ReturnType FieldType
}

// ParameterSlotCount returns the number of local variable slots the
// parameters occupy, counting category-2 types twice (spec §4.6).
func (d MethodDescriptor) ParameterSlotCount() int {
	n := 0
	for _, p := range d.Parameters {
		if p.IsCategory2() {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// ParseMethodDescriptor parses a method descriptor of the form
// "(ParameterDescriptor*)ReturnDescriptor".
func ParseMethodDescriptor(descriptor string) (MethodDescriptor, error) {
	if len(descriptor) < 2 || descriptor[0] != '(' {
		return MethodDescriptor{}, jvmerrors.NewClassFormatError("malformed method descriptor %q", descriptor)
	}
	rest := descriptor[1:]
	var params []FieldType
	for len(rest) > 0 && rest[0] != ')' {
		t, next, err := parseFieldType(rest)
		if err != nil {
			return MethodDescriptor{}, err
		}
		params = append(params, t)
		rest = next
	}
	if len(rest) == 0 || rest[0] != ')' {
		return MethodDescriptor{}, jvmerrors.NewClassFormatError("malformed method descriptor %q: missing ')'", descriptor)
	}
	rest = rest[1:]
	ret, rest, err := parseFieldType(rest)
	if err != nil {
		return MethodDescriptor{}, err
	}
	if rest != "" {
		return MethodDescriptor{}, jvmerrors.NewClassFormatError("trailing data in method descriptor %q", descriptor)
	}
	return MethodDescriptor{Parameters: params, ReturnType: ret}, nil
}
