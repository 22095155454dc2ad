package classfile

import (
	"errors"
	"testing"

	"github.com/microjvm/microjvm/pkg/jvmerrors"
)

func TestConstantPoolLongReservesNextSlot(t *testing.T) {
	pool := ConstantPool{nil, ConstantLong{Value: 42}, None{}}
	v, err := pool.LongVal(1)
	if err != nil {
		t.Fatalf("LongVal: %v", err)
	}
	if v != 42 {
		t.Errorf("got %d, want 42", v)
	}
	if _, err := pool.Utf8(2); err == nil {
		t.Error("expected error reading the reserved continuation slot")
	}
}

func TestConstantPoolOutOfRangeIsClassFormatError(t *testing.T) {
	pool := ConstantPool{nil, ConstantUtf8{Value: "x"}}
	_, err := pool.Utf8(5)
	if err == nil {
		t.Fatal("expected error")
	}
	if !jvmerrors.Is(err, jvmerrors.ClassFormatError) {
		t.Errorf("expected ClassFormatError, got %v", err)
	}
}

func TestConstantPoolHalfOpenBound(t *testing.T) {
	// numConstants() == 3 means indices 1 and 2 are valid, 3 is not,
	// matching the wire format's constant_pool_count semantics.
	pool := ConstantPool{nil, ConstantUtf8{Value: "a"}, ConstantUtf8{Value: "b"}}
	if _, err := pool.Utf8(2); err != nil {
		t.Errorf("index 2 should be valid: %v", err)
	}
	if _, err := pool.Utf8(3); err == nil {
		t.Error("index 3 should be out of range")
	}
	if _, err := pool.Utf8(0); err == nil {
		t.Error("index 0 should be invalid")
	}
}

func TestConstantPoolMethodref(t *testing.T) {
	pool := ConstantPool{
		nil,
		ConstantUtf8{Value: "java/lang/Object"},
		ConstantClass{NameIndex: 1},
		ConstantUtf8{Value: "toString"},
		ConstantUtf8{Value: "()Ljava/lang/String;"},
		ConstantNameAndType{NameIndex: 3, DescriptorIndex: 4},
		ConstantMethodref{ClassIndex: 2, NameAndTypeIndex: 5},
	}
	ref, err := pool.Methodref(6)
	if err != nil {
		t.Fatalf("Methodref: %v", err)
	}
	if ref.ClassName != "java/lang/Object" || ref.Name != "toString" || ref.Descriptor != "()Ljava/lang/String;" {
		t.Errorf("unexpected resolved ref: %+v", ref)
	}
}

func TestConstantPoolWrongTagError(t *testing.T) {
	pool := ConstantPool{nil, ConstantInteger{Value: 1}}
	_, err := pool.ClassName(1)
	if err == nil {
		t.Fatal("expected error resolving Integer as Class")
	}
	var th *jvmerrors.Throwable
	if !errors.As(err, &th) {
		t.Fatalf("expected *jvmerrors.Throwable, got %T", err)
	}
}
