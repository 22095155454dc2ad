package interp

import (
	"fmt"
	"io"
	"strconv"

	"github.com/microjvm/microjvm/pkg/classfile"
	"github.com/microjvm/microjvm/pkg/jvmerrors"
	"github.com/microjvm/microjvm/pkg/object"
	"github.com/microjvm/microjvm/pkg/thread"
)

// printStream is the runtime value a getstatic of java/lang/System.out
// produces: a thin java/io/PrintStream stand-in writing straight to the
// machine's configured Stdout, with no backing class file of its own.
type printStream struct {
	w io.Writer
}

func (ps *printStream) println(v interface{}) {
	if v == nil {
		fmt.Fprintln(ps.w)
		return
	}
	fmt.Fprintln(ps.w, v)
}

// trySystemOut recognizes a getstatic of java/lang/System.out before the
// field is run through normal resolution, since java/lang/System never has
// a class file on the loader's classpath to resolve against.
func (m *Machine) trySystemOut(f *thread.Frame, index uint16) (object.Slot, bool, error) {
	ref, err := framePool(f).Fieldref(index)
	if err != nil || ref.ClassName != "java/lang/System" || ref.Name != "out" {
		return object.Slot{}, false, nil
	}
	return object.RefSlot(&printStream{w: m.Stdout}), true, nil
}

// tryPrintStreamCall recognizes an invokevirtual against java/io/PrintStream
// before method resolution, for the same reason: there is no PrintStream
// class file to resolve a Methodref against.
func (m *Machine) tryPrintStreamCall(f *thread.Frame, index uint16) (bool, error) {
	ref, err := framePool(f).Methodref(index)
	if err != nil || ref.ClassName != "java/io/PrintStream" {
		return false, nil
	}
	desc, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		return true, err
	}
	args := popArgsForDescriptor(f, desc.Parameters)
	receiver := f.Pop()
	if receiver.IsNull() {
		return true, npe("invokevirtual %s%s", ref.Name, ref.Descriptor)
	}
	ps, ok := receiver.Ref.(*printStream)
	if !ok {
		return true, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "invokevirtual target is not a PrintStream")
	}
	if ref.Name != "println" {
		return true, jvmerrors.New(jvmerrors.NoSuchMethodError, "java/io/PrintStream.%s%s", ref.Name, ref.Descriptor)
	}
	return true, printlnDispatch(ps, ref.Descriptor, args)
}

func printlnDispatch(ps *printStream, descriptor string, args []object.Slot) error {
	switch descriptor {
	case "()V":
		ps.println(nil)
	case "(I)V":
		ps.println(args[0].Int)
	case "(J)V":
		ps.println(args[0].Long)
	case "(F)V":
		ps.println(args[0].Float)
	case "(D)V":
		ps.println(strconv.FormatFloat(args[0].Double, 'g', -1, 64))
	case "(C)V":
		ps.println(string(rune(args[0].Int)))
	case "(Z)V":
		if args[0].Int != 0 {
			ps.println("true")
		} else {
			ps.println("false")
		}
	case "(Ljava/lang/String;)V":
		ps.println(stringSlotValue(args[0]))
	case "(Ljava/lang/Object;)V":
		ps.println(objectSlotValue(args[0]))
	default:
		return jvmerrors.New(jvmerrors.NoSuchMethodError, "java/io/PrintStream.println%s", descriptor)
	}
	return nil
}

func stringSlotValue(s object.Slot) interface{} {
	if s.IsNull() {
		return "null"
	}
	return s.Ref
}

func objectSlotValue(s object.Slot) interface{} {
	if s.IsNull() {
		return "null"
	}
	if inst, ok := s.Ref.(*object.Instance); ok {
		return inst.Class.Name()
	}
	return s.Ref
}
