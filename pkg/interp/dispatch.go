package interp

import (
	"math"

	"github.com/microjvm/microjvm/pkg/jvmerrors"
	"github.com/microjvm/microjvm/pkg/object"
	"github.com/microjvm/microjvm/pkg/thread"
)

// execOpcode decodes and executes one already-fetched opcode (spec §4.6).
// It returns the value produced by a return-family instruction (result.Kind
// == object.KindNone for void or for any non-returning opcode) and whether
// a return occurred; Step routes both back through doReturn.
func (m *Machine) execOpcode(th *thread.Thread, f *thread.Frame, instructionPC int, op uint8) (object.Slot, bool, error) {
	switch op {
	case opNop:
		return object.Slot{}, false, nil

	case opAconstNull:
		f.Push(object.NullSlot())
	case opIconstM1, opIconst0, opIconst1, opIconst2, opIconst3, opIconst4, opIconst5:
		f.Push(object.IntSlot(int32(op) - opIconst0))
	case opLconst0, opLconst1:
		f.Push(object.LongSlot(int64(op) - opLconst0))
	case opFconst0, opFconst1, opFconst2:
		f.Push(object.FloatSlot(float32(op) - opFconst0))
	case opDconst0, opDconst1:
		f.Push(object.DoubleSlot(float64(op) - opDconst0))

	case opBipush:
		f.Push(object.IntSlot(int32(f.ReadI8())))
	case opSipush:
		f.Push(object.IntSlot(int32(f.ReadI16())))

	case opLdc:
		v, err := m.execLdc(f, uint16(f.ReadU8()))
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)
	case opLdcW:
		v, err := m.execLdc(f, f.ReadU16())
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)
	case opLdc2W:
		v, err := m.execLdc2W(f, f.ReadU16())
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)

	// --- loads ---
	case opIload, opLload, opFload, opDload, opAload:
		f.Push(f.GetLocal(int(f.ReadU8())))
	case opIload0, opIload1, opIload2, opIload3:
		f.Push(f.GetLocal(int(op - opIload0)))
	case opLload0, opLload1, opLload2, opLload3:
		f.Push(f.GetLocal(int(op - opLload0)))
	case opFload0, opFload1, opFload2, opFload3:
		f.Push(f.GetLocal(int(op - opFload0)))
	case opDload0, opDload1, opDload2, opDload3:
		f.Push(f.GetLocal(int(op - opDload0)))
	case opAload0, opAload1, opAload2, opAload3:
		f.Push(f.GetLocal(int(op - opAload0)))

	case opIaload, opLaload, opFaload, opDaload, opAaload, opBaload, opCaload, opSaload:
		idx := f.Pop().Int
		ref := f.Pop()
		if ref.IsNull() {
			return object.Slot{}, false, npe("array load")
		}
		arr, ok := ref.Ref.(*object.Array)
		if !ok {
			return object.Slot{}, false, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "array load target is not an array")
		}
		v, err := arr.Get(idx)
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)

	// --- stores ---
	case opIstore, opLstore, opFstore, opDstore, opAstore:
		storeLocalCategoryAware(f, int(f.ReadU8()), f.Pop())
	case opIstore0, opIstore1, opIstore2, opIstore3:
		f.SetLocal(int(op-opIstore0), f.Pop())
	case opLstore0, opLstore1, opLstore2, opLstore3:
		f.SetLocalWide(int(op-opLstore0), f.Pop())
	case opFstore0, opFstore1, opFstore2, opFstore3:
		f.SetLocal(int(op-opFstore0), f.Pop())
	case opDstore0, opDstore1, opDstore2, opDstore3:
		f.SetLocalWide(int(op-opDstore0), f.Pop())
	case opAstore0, opAstore1, opAstore2, opAstore3:
		f.SetLocal(int(op-opAstore0), f.Pop())

	case opIastore, opFastore, opAastore, opBastore, opCastore, opSastore:
		value := f.Pop()
		idx := f.Pop().Int
		ref := f.Pop()
		if ref.IsNull() {
			return object.Slot{}, false, npe("array store")
		}
		arr, ok := ref.Ref.(*object.Array)
		if !ok {
			return object.Slot{}, false, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "array store target is not an array")
		}
		if err := arr.Set(idx, value); err != nil {
			return object.Slot{}, false, err
		}
	case opLastore, opDastore:
		value := f.Pop()
		idx := f.Pop().Int
		ref := f.Pop()
		if ref.IsNull() {
			return object.Slot{}, false, npe("array store")
		}
		arr, ok := ref.Ref.(*object.Array)
		if !ok {
			return object.Slot{}, false, jvmerrors.New(jvmerrors.IncompatibleClassChangeError, "array store target is not an array")
		}
		if err := arr.Set(idx, value); err != nil {
			return object.Slot{}, false, err
		}

	// --- stack ---
	case opPop:
		f.Pop()
	case opPop2:
		f.Pop2()
	case opDup:
		v := f.Pop()
		f.Push(v)
		f.Push(v)
	case opDupX1:
		v1 := f.Pop()
		v2 := f.Pop()
		f.Push(v1)
		f.Push(v2)
		f.Push(v1)
	case opDupX2:
		v1 := f.Pop()
		a, b := f.Pop2()
		f.Push(v1)
		if b.Kind == object.KindNone && a.IsCategory2() {
			f.Push(a)
		} else {
			f.Push(b)
			f.Push(a)
		}
		f.Push(v1)
	case opDup2:
		a, b := f.Pop2()
		if b.Kind == object.KindNone && a.IsCategory2() {
			f.Push(a)
			f.Push(a)
		} else {
			f.Push(b)
			f.Push(a)
			f.Push(b)
			f.Push(a)
		}
	case opDup2X1:
		a, b := f.Pop2()
		v3 := f.Pop()
		if b.Kind == object.KindNone && a.IsCategory2() {
			f.Push(a)
			f.Push(v3)
			f.Push(a)
		} else {
			f.Push(b)
			f.Push(a)
			f.Push(v3)
			f.Push(b)
			f.Push(a)
		}
	case opDup2X2:
		a, b := f.Pop2()
		c, d := f.Pop2()
		if b.Kind == object.KindNone && a.IsCategory2() {
			f.Push(a)
			if d.Kind == object.KindNone && c.IsCategory2() {
				f.Push(c)
			} else {
				f.Push(d)
				f.Push(c)
			}
			f.Push(a)
		} else {
			f.Push(b)
			f.Push(a)
			if d.Kind == object.KindNone && c.IsCategory2() {
				f.Push(c)
			} else {
				f.Push(d)
				f.Push(c)
			}
			f.Push(b)
			f.Push(a)
		}
	case opSwap:
		v1 := f.Pop()
		v2 := f.Pop()
		f.Push(v1)
		f.Push(v2)

	// --- arithmetic ---
	case opIadd:
		b, a := f.Pop().Int, f.Pop().Int
		f.Push(object.IntSlot(a + b))
	case opLadd:
		b, a := f.Pop().Long, f.Pop().Long
		f.Push(object.LongSlot(a + b))
	case opFadd:
		b, a := f.Pop().Float, f.Pop().Float
		f.Push(object.FloatSlot(a + b))
	case opDadd:
		b, a := f.Pop().Double, f.Pop().Double
		f.Push(object.DoubleSlot(a + b))
	case opIsub:
		b, a := f.Pop().Int, f.Pop().Int
		f.Push(object.IntSlot(a - b))
	case opLsub:
		b, a := f.Pop().Long, f.Pop().Long
		f.Push(object.LongSlot(a - b))
	case opFsub:
		b, a := f.Pop().Float, f.Pop().Float
		f.Push(object.FloatSlot(a - b))
	case opDsub:
		b, a := f.Pop().Double, f.Pop().Double
		f.Push(object.DoubleSlot(a - b))
	case opImul:
		b, a := f.Pop().Int, f.Pop().Int
		f.Push(object.IntSlot(a * b))
	case opLmul:
		b, a := f.Pop().Long, f.Pop().Long
		f.Push(object.LongSlot(a * b))
	case opFmul:
		b, a := f.Pop().Float, f.Pop().Float
		f.Push(object.FloatSlot(a * b))
	case opDmul:
		b, a := f.Pop().Double, f.Pop().Double
		f.Push(object.DoubleSlot(a * b))
	case opIdiv:
		b, a := f.Pop().Int, f.Pop().Int
		if b == 0 {
			return object.Slot{}, false, jvmerrors.New(jvmerrors.ArithmeticException, "/ by zero")
		}
		f.Push(object.IntSlot(a / b))
	case opLdiv:
		b, a := f.Pop().Long, f.Pop().Long
		if b == 0 {
			return object.Slot{}, false, jvmerrors.New(jvmerrors.ArithmeticException, "/ by zero")
		}
		f.Push(object.LongSlot(a / b))
	case opFdiv:
		b, a := f.Pop().Float, f.Pop().Float
		f.Push(object.FloatSlot(a / b))
	case opDdiv:
		b, a := f.Pop().Double, f.Pop().Double
		f.Push(object.DoubleSlot(a / b))
	case opIrem:
		b, a := f.Pop().Int, f.Pop().Int
		if b == 0 {
			return object.Slot{}, false, jvmerrors.New(jvmerrors.ArithmeticException, "/ by zero")
		}
		f.Push(object.IntSlot(a % b))
	case opLrem:
		b, a := f.Pop().Long, f.Pop().Long
		if b == 0 {
			return object.Slot{}, false, jvmerrors.New(jvmerrors.ArithmeticException, "/ by zero")
		}
		f.Push(object.LongSlot(a % b))
	case opFrem:
		b, a := f.Pop().Float, f.Pop().Float
		f.Push(object.FloatSlot(float32(math.Mod(float64(a), float64(b)))))
	case opDrem:
		b, a := f.Pop().Double, f.Pop().Double
		f.Push(object.DoubleSlot(math.Mod(a, b)))
	case opIneg:
		f.Push(object.IntSlot(-f.Pop().Int))
	case opLneg:
		f.Push(object.LongSlot(-f.Pop().Long))
	case opFneg:
		f.Push(object.FloatSlot(-f.Pop().Float))
	case opDneg:
		f.Push(object.DoubleSlot(-f.Pop().Double))

	case opIshl:
		b, a := f.Pop().Int, f.Pop().Int
		f.Push(object.IntSlot(a << (uint32(b) & 0x1f)))
	case opLshl:
		b, a := f.Pop().Int, f.Pop().Long
		f.Push(object.LongSlot(a << (uint32(b) & 0x3f)))
	case opIshr:
		b, a := f.Pop().Int, f.Pop().Int
		f.Push(object.IntSlot(a >> (uint32(b) & 0x1f)))
	case opLshr:
		b, a := f.Pop().Int, f.Pop().Long
		f.Push(object.LongSlot(a >> (uint32(b) & 0x3f)))
	case opIushr:
		b, a := f.Pop().Int, f.Pop().Int
		f.Push(object.IntSlot(int32(uint32(a) >> (uint32(b) & 0x1f))))
	case opLushr:
		b, a := f.Pop().Int, f.Pop().Long
		f.Push(object.LongSlot(int64(uint64(a) >> (uint32(b) & 0x3f))))
	case opIand:
		b, a := f.Pop().Int, f.Pop().Int
		f.Push(object.IntSlot(a & b))
	case opLand:
		b, a := f.Pop().Long, f.Pop().Long
		f.Push(object.LongSlot(a & b))
	case opIor:
		b, a := f.Pop().Int, f.Pop().Int
		f.Push(object.IntSlot(a | b))
	case opLor:
		b, a := f.Pop().Long, f.Pop().Long
		f.Push(object.LongSlot(a | b))
	case opIxor:
		b, a := f.Pop().Int, f.Pop().Int
		f.Push(object.IntSlot(a ^ b))
	case opLxor:
		b, a := f.Pop().Long, f.Pop().Long
		f.Push(object.LongSlot(a ^ b))

	case opIinc:
		index := int(f.ReadU8())
		delta := int32(f.ReadI8())
		local := f.GetLocal(index)
		f.SetLocal(index, object.IntSlot(local.Int+delta))

	// --- conversions ---
	case opI2l:
		f.Push(object.LongSlot(int64(f.Pop().Int)))
	case opI2f:
		f.Push(object.FloatSlot(float32(f.Pop().Int)))
	case opI2d:
		f.Push(object.DoubleSlot(float64(f.Pop().Int)))
	case opL2i:
		f.Push(object.IntSlot(int32(f.Pop().Long)))
	case opL2f:
		f.Push(object.FloatSlot(float32(f.Pop().Long)))
	case opL2d:
		f.Push(object.DoubleSlot(float64(f.Pop().Long)))
	case opF2i:
		f.Push(object.IntSlot(narrowToInt32(float64(f.Pop().Float))))
	case opF2l:
		f.Push(object.LongSlot(narrowToInt64(float64(f.Pop().Float))))
	case opF2d:
		f.Push(object.DoubleSlot(float64(f.Pop().Float)))
	case opD2i:
		f.Push(object.IntSlot(narrowToInt32(f.Pop().Double)))
	case opD2l:
		f.Push(object.LongSlot(narrowToInt64(f.Pop().Double)))
	case opD2f:
		f.Push(object.FloatSlot(float32(f.Pop().Double)))
	case opI2b:
		f.Push(object.IntSlot(int32(int8(f.Pop().Int))))
	case opI2c:
		f.Push(object.IntSlot(int32(uint16(f.Pop().Int))))
	case opI2s:
		f.Push(object.IntSlot(int32(int16(f.Pop().Int))))

	// --- comparisons ---
	case opLcmp:
		b, a := f.Pop().Long, f.Pop().Long
		f.Push(object.IntSlot(cmpLong(a, b)))
	case opFcmpl:
		b, a := f.Pop().Float, f.Pop().Float
		f.Push(object.IntSlot(cmpFloat(a, b, true)))
	case opFcmpg:
		b, a := f.Pop().Float, f.Pop().Float
		f.Push(object.IntSlot(cmpFloat(a, b, false)))
	case opDcmpl:
		b, a := f.Pop().Double, f.Pop().Double
		f.Push(object.IntSlot(cmpDouble(a, b, true)))
	case opDcmpg:
		b, a := f.Pop().Double, f.Pop().Double
		f.Push(object.IntSlot(cmpDouble(a, b, false)))

	// --- branches ---
	case opIfeq, opIfne, opIflt, opIfge, opIfgt, opIfle:
		offset := f.ReadI16()
		if compareToZero(op, f.Pop().Int) {
			f.PC = instructionPC + int(offset)
		}
	case opIfIcmpeq, opIfIcmpne, opIfIcmplt, opIfIcmpge, opIfIcmpgt, opIfIcmple:
		offset := f.ReadI16()
		b, a := f.Pop().Int, f.Pop().Int
		if compareInts(op, a, b) {
			f.PC = instructionPC + int(offset)
		}
	case opIfAcmpeq, opIfAcmpne:
		offset := f.ReadI16()
		b, a := f.Pop(), f.Pop()
		eq := refsEqual(a, b)
		if (op == opIfAcmpeq) == eq {
			f.PC = instructionPC + int(offset)
		}
	case opIfnull, opIfnonnull:
		offset := f.ReadI16()
		isNull := f.Pop().IsNull()
		if (op == opIfnull) == isNull {
			f.PC = instructionPC + int(offset)
		}
	case opGoto:
		offset := f.ReadI16()
		f.PC = instructionPC + int(offset)
	case opGotoW:
		offset := f.ReadI32()
		f.PC = instructionPC + int(offset)

	case opJsr:
		offset := f.ReadI16()
		f.Push(object.ReturnAddrSlot(f.PC))
		f.PC = instructionPC + int(offset)
	case opJsrW:
		offset := f.ReadI32()
		f.Push(object.ReturnAddrSlot(f.PC))
		f.PC = instructionPC + int(offset)
	case opRet:
		index := int(f.ReadU8())
		f.PC = f.GetLocal(index).RetAddr

	case opTableswitch:
		f.AlignTo4()
		def := f.ReadI32()
		low := f.ReadI32()
		high := f.ReadI32()
		key := f.Pop().Int
		if key < low || key > high {
			f.PC = instructionPC + int(def)
		} else {
			skip := int(key-low) * 4
			f.PC += skip
			offset := f.ReadI32()
			f.PC = instructionPC + int(offset)
		}
	case opLookupswitch:
		f.AlignTo4()
		def := f.ReadI32()
		n := f.ReadI32()
		key := f.Pop().Int
		target := instructionPC + int(def)
		for i := int32(0); i < n; i++ {
			match := f.ReadI32()
			offset := f.ReadI32()
			if match == key {
				target = instructionPC + int(offset)
			}
		}
		f.PC = target

	// --- return family ---
	case opIreturn:
		return f.Pop(), true, nil
	case opLreturn:
		return f.Pop(), true, nil
	case opFreturn:
		return f.Pop(), true, nil
	case opDreturn:
		return f.Pop(), true, nil
	case opAreturn:
		return f.Pop(), true, nil
	case opReturn:
		return object.NoneSlot(), true, nil

	// --- fields ---
	case opGetstatic:
		v, err := m.execGetstatic(th, f, f.ReadU16())
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)
	case opPutstatic:
		if err := m.execPutstatic(th, f, f.ReadU16()); err != nil {
			return object.Slot{}, false, err
		}
	case opGetfield:
		v, err := m.execGetfield(f, f.ReadU16())
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)
	case opPutfield:
		if err := m.execPutfield(f, f.ReadU16()); err != nil {
			return object.Slot{}, false, err
		}

	// --- invocation ---
	case opInvokestatic:
		if err := m.execInvokestatic(th, f, f.ReadU16()); err != nil {
			return object.Slot{}, false, err
		}
	case opInvokespecial:
		if err := m.execInvokespecial(th, f, f.ReadU16()); err != nil {
			return object.Slot{}, false, err
		}
	case opInvokevirtual:
		if err := m.execInvokevirtual(th, f, f.ReadU16()); err != nil {
			return object.Slot{}, false, err
		}
	case opInvokeinterface:
		index := f.ReadU16()
		count := f.ReadU8()
		f.ReadU8()
		if err := m.execInvokeinterface(th, f, index, count); err != nil {
			return object.Slot{}, false, err
		}
	case opInvokedynamic:
		index := f.ReadU16()
		f.ReadU8()
		f.ReadU8()
		if err := m.execInvokedynamic(th, f, index); err != nil {
			return object.Slot{}, false, err
		}

	// --- object/array allocation and type checks ---
	case opNew:
		v, err := m.execNew(th, f, f.ReadU16())
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)
	case opNewarray:
		v, err := m.execNewarray(f, f.ReadU8())
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)
	case opAnewarray:
		v, err := m.execAnewarray(f, f.ReadU16())
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)
	case opMultianewarray:
		index := f.ReadU16()
		dims := f.ReadU8()
		v, err := m.execMultianewarray(f, index, dims)
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)
	case opArraylength:
		v, err := m.execArraylength(f)
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)
	case opCheckcast:
		if err := m.execCheckcast(f, f.ReadU16()); err != nil {
			return object.Slot{}, false, err
		}
	case opInstanceof:
		v, err := m.execInstanceof(f, f.ReadU16())
		if err != nil {
			return object.Slot{}, false, err
		}
		f.Push(v)
	case opAthrow:
		ref := f.Pop()
		if ref.IsNull() {
			return object.Slot{}, false, npe("athrow")
		}
		inst, _ := ref.Ref.(*object.Instance)
		className := "java/lang/Throwable"
		if inst != nil {
			className = inst.Class.Name()
		}
		return object.Slot{}, false, &thrownSignal{Throwable: jvmerrors.New(className, "thrown by athrow"), instance: inst}

	case opMonitorenter:
		if err := m.execMonitorenter(th, f); err != nil {
			return object.Slot{}, false, err
		}
	case opMonitorexit:
		if err := m.execMonitorexit(th, f); err != nil {
			return object.Slot{}, false, err
		}

	case opWide:
		return m.execWide(th, f, instructionPC)

	default:
		return object.Slot{}, false, jvmerrors.New(jvmerrors.LinkageError, "unimplemented opcode 0x%02x", op)
	}
	return object.Slot{}, false, nil
}

func storeLocalCategoryAware(f *thread.Frame, index int, v object.Slot) {
	if v.IsCategory2() {
		f.SetLocalWide(index, v)
	} else {
		f.SetLocal(index, v)
	}
}

func compareToZero(op uint8, v int32) bool {
	switch op {
	case opIfeq:
		return v == 0
	case opIfne:
		return v != 0
	case opIflt:
		return v < 0
	case opIfge:
		return v >= 0
	case opIfgt:
		return v > 0
	case opIfle:
		return v <= 0
	default:
		return false
	}
}

func compareInts(op uint8, a, b int32) bool {
	switch op {
	case opIfIcmpeq:
		return a == b
	case opIfIcmpne:
		return a != b
	case opIfIcmplt:
		return a < b
	case opIfIcmpge:
		return a >= b
	case opIfIcmpgt:
		return a > b
	case opIfIcmple:
		return a <= b
	default:
		return false
	}
}

func refsEqual(a, b object.Slot) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() && b.IsNull()
	}
	return a.Ref == b.Ref
}

// execWide implements the wide prefix: the next opcode's local-variable
// index (and, for iinc, its increment) is read as a u16 instead of a u8
// (spec §4.6 wide).
func (m *Machine) execWide(th *thread.Thread, f *thread.Frame, instructionPC int) (object.Slot, bool, error) {
	op := f.ReadU8()
	switch op {
	case opIload, opFload, opAload:
		f.Push(f.GetLocal(int(f.ReadU16())))
	case opLload, opDload:
		f.Push(f.GetLocal(int(f.ReadU16())))
	case opIstore, opFstore, opAstore:
		f.SetLocal(int(f.ReadU16()), f.Pop())
	case opLstore, opDstore:
		f.SetLocalWide(int(f.ReadU16()), f.Pop())
	case opRet:
		index := int(f.ReadU16())
		f.PC = f.GetLocal(index).RetAddr
	case opIinc:
		index := int(f.ReadU16())
		delta := int32(f.ReadI16())
		local := f.GetLocal(index)
		f.SetLocal(index, object.IntSlot(local.Int+delta))
	default:
		return object.Slot{}, false, jvmerrors.New(jvmerrors.LinkageError, "wide: unsupported opcode 0x%02x", op)
	}
	return object.Slot{}, false, nil
}
