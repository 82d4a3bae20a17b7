package vm

import (
	"context"
	"fmt"
	"math"

	"github.com/daimatz/jvmsandbox/pkg/bytecode"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/heap"
)

// executeInstruction executes a single bytecode instruction.
// Returns (returnValue, hasReturn, error).
func (vm *VM) executeInstruction(ctx context.Context, frame *Frame, opcode byte) (heap.Value, bool, error) {
	switch opcode {
	case bytecode.OpNop:
		// do nothing

	// --- Constant load instructions ---
	case bytecode.OpAconstNull:
		frame.Push(heap.NullValue())

	case bytecode.OpIconstM1, bytecode.OpIconst0, bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpIconst3, bytecode.OpIconst4, bytecode.OpIconst5:
		frame.Push(heap.IntValue(int32(opcode) - bytecode.OpIconst0))

	case bytecode.OpLconst0, bytecode.OpLconst1:
		frame.Push(heap.LongValue(int64(opcode - bytecode.OpLconst0)))

	case bytecode.OpFconst0, bytecode.OpFconst1, bytecode.OpFconst2:
		frame.Push(heap.FloatValue(float32(opcode - bytecode.OpFconst0)))

	case bytecode.OpDconst0, bytecode.OpDconst1:
		frame.Push(heap.DoubleValue(float64(opcode - bytecode.OpDconst0)))

	case bytecode.OpBipush:
		val := frame.ReadI8()
		frame.Push(heap.IntValue(int32(val)))

	case bytecode.OpSipush:
		val := frame.ReadI16()
		frame.Push(heap.IntValue(int32(val)))

	case bytecode.OpLdc:
		index := frame.ReadU8()
		return vm.executeLdc(frame, uint16(index))

	case bytecode.OpLdcW:
		index := frame.ReadU16()
		return vm.executeLdc(frame, index)

	case bytecode.OpLdc2W:
		index := frame.ReadU16()
		pool := frame.Class().File.ConstantPool
		if int(index) >= len(pool) || pool[index] == nil {
			return heap.Value{}, false, fmt.Errorf("ldc2_w: invalid constant pool index %d", index)
		}
		switch c := pool[index].(type) {
		case *classfile.ConstantLong:
			frame.Push(heap.LongValue(c.Value))
		case *classfile.ConstantDouble:
			frame.Push(heap.DoubleValue(c.Value))
		default:
			return heap.Value{}, false, fmt.Errorf("ldc2_w: unsupported type at index %d", index)
		}

	// --- Local variable load instructions ---
	case bytecode.OpIload, bytecode.OpLload, bytecode.OpFload, bytecode.OpDload, bytecode.OpAload:
		index := frame.ReadU8()
		frame.Push(frame.GetLocal(int(index)))
	case bytecode.OpIload0, bytecode.OpIload1, bytecode.OpIload2, bytecode.OpIload3:
		frame.Push(frame.GetLocal(int(opcode - bytecode.OpIload0)))
	case bytecode.OpLload0, bytecode.OpLload1, bytecode.OpLload2, bytecode.OpLload3:
		frame.Push(frame.GetLocal(int(opcode - bytecode.OpLload0)))
	case bytecode.OpFload0, bytecode.OpFload1, bytecode.OpFload2, bytecode.OpFload3:
		frame.Push(frame.GetLocal(int(opcode - bytecode.OpFload0)))
	case bytecode.OpDload0, bytecode.OpDload1, bytecode.OpDload2, bytecode.OpDload3:
		frame.Push(frame.GetLocal(int(opcode - bytecode.OpDload0)))
	case bytecode.OpAload0, bytecode.OpAload1, bytecode.OpAload2, bytecode.OpAload3:
		frame.Push(frame.GetLocal(int(opcode - bytecode.OpAload0)))

	// --- Array load ---
	case bytecode.OpIaload, bytecode.OpLaload, bytecode.OpFaload, bytecode.OpDaload, bytecode.OpAaload, bytecode.OpBaload, bytecode.OpCaload, bytecode.OpSaload:
		index := frame.Pop().Int
		arr, err := arrayRef(frame.Pop(), index)
		if err != nil {
			return heap.Value{}, false, err
		}
		frame.Push(arr.Elements[index])

	// --- Local variable store instructions ---
	case bytecode.OpIstore, bytecode.OpLstore, bytecode.OpFstore, bytecode.OpDstore, bytecode.OpAstore:
		index := frame.ReadU8()
		frame.SetLocal(int(index), frame.Pop())
	case bytecode.OpIstore0, bytecode.OpIstore1, bytecode.OpIstore2, bytecode.OpIstore3:
		frame.SetLocal(int(opcode-bytecode.OpIstore0), frame.Pop())
	case bytecode.OpLstore0, bytecode.OpLstore1, bytecode.OpLstore2, bytecode.OpLstore3:
		frame.SetLocal(int(opcode-bytecode.OpLstore0), frame.Pop())
	case bytecode.OpFstore0, bytecode.OpFstore1, bytecode.OpFstore2, bytecode.OpFstore3:
		frame.SetLocal(int(opcode-bytecode.OpFstore0), frame.Pop())
	case bytecode.OpDstore0, bytecode.OpDstore1, bytecode.OpDstore2, bytecode.OpDstore3:
		frame.SetLocal(int(opcode-bytecode.OpDstore0), frame.Pop())
	case bytecode.OpAstore0, bytecode.OpAstore1, bytecode.OpAstore2, bytecode.OpAstore3:
		frame.SetLocal(int(opcode-bytecode.OpAstore0), frame.Pop())

	// --- Array store ---
	case bytecode.OpIastore, bytecode.OpLastore, bytecode.OpFastore, bytecode.OpDastore, bytecode.OpAastore, bytecode.OpBastore, bytecode.OpCastore, bytecode.OpSastore:
		value := frame.Pop()
		index := frame.Pop().Int
		arr, err := arrayRef(frame.Pop(), index)
		if err != nil {
			return heap.Value{}, false, err
		}
		switch opcode {
		case bytecode.OpBastore:
			if arr.Type == "[Z" {
				value = heap.IntValue(value.Int & 1)
			} else {
				value = heap.IntValue(int32(int8(value.Int)))
			}
		case bytecode.OpCastore:
			value = heap.IntValue(int32(uint16(value.Int)))
		case bytecode.OpSastore:
			value = heap.IntValue(int32(int16(value.Int)))
		case bytecode.OpAastore:
			if !value.IsNull() {
				elem := arr.Type[1:]
				if class, ok := classfile.ClassOfDescriptor(elem); ok && !vm.isInstanceOf(classNameOf(value.Ref), class) {
					return heap.Value{}, false, heap.Throwf("java/lang/ArrayStoreException", "%s", classNameOf(value.Ref))
				}
			}
		}
		arr.Elements[index] = value

	// --- Stack manipulation ---
	case bytecode.OpPop:
		frame.Pop()

	case bytecode.OpPop2:
		if v := frame.Pop(); !isWide(v) {
			frame.Pop()
		}

	case bytecode.OpDup:
		v := frame.Pop()
		frame.Push(v)
		frame.Push(v)

	case bytecode.OpDupX1:
		v1 := frame.Pop()
		v2 := frame.Pop()
		frame.Push(v1)
		frame.Push(v2)
		frame.Push(v1)

	case bytecode.OpDupX2:
		v1 := frame.Pop()
		v2 := frame.Pop()
		if isWide(v2) {
			frame.Push(v1)
			frame.Push(v2)
			frame.Push(v1)
			break
		}
		v3 := frame.Pop()
		frame.Push(v1)
		frame.Push(v3)
		frame.Push(v2)
		frame.Push(v1)

	case bytecode.OpDup2:
		v1 := frame.Pop()
		if isWide(v1) {
			frame.Push(v1)
			frame.Push(v1)
			break
		}
		v2 := frame.Pop()
		frame.Push(v2)
		frame.Push(v1)
		frame.Push(v2)
		frame.Push(v1)

	case bytecode.OpDup2X1:
		v1 := frame.Pop()
		if isWide(v1) {
			v2 := frame.Pop()
			frame.Push(v1)
			frame.Push(v2)
			frame.Push(v1)
			break
		}
		v2 := frame.Pop()
		v3 := frame.Pop()
		frame.Push(v2)
		frame.Push(v1)
		frame.Push(v3)
		frame.Push(v2)
		frame.Push(v1)

	case bytecode.OpDup2X2:
		v1 := frame.Pop()
		if isWide(v1) {
			v2 := frame.Pop()
			if isWide(v2) {
				frame.Push(v1)
				frame.Push(v2)
				frame.Push(v1)
				break
			}
			v3 := frame.Pop()
			frame.Push(v1)
			frame.Push(v3)
			frame.Push(v2)
			frame.Push(v1)
			break
		}
		v2 := frame.Pop()
		v3 := frame.Pop()
		if isWide(v3) {
			frame.Push(v2)
			frame.Push(v1)
			frame.Push(v3)
			frame.Push(v2)
			frame.Push(v1)
			break
		}
		v4 := frame.Pop()
		frame.Push(v2)
		frame.Push(v1)
		frame.Push(v4)
		frame.Push(v3)
		frame.Push(v2)
		frame.Push(v1)

	case bytecode.OpSwap:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(v2)
		frame.Push(v1)

	// --- Arithmetic ---
	case bytecode.OpIadd:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(v1.Int + v2.Int))
	case bytecode.OpLadd:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.LongValue(v1.Long + v2.Long))
	case bytecode.OpFadd:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.FloatValue(v1.Float + v2.Float))
	case bytecode.OpDadd:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.DoubleValue(v1.Double + v2.Double))

	case bytecode.OpIsub:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(v1.Int - v2.Int))
	case bytecode.OpLsub:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.LongValue(v1.Long - v2.Long))
	case bytecode.OpFsub:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.FloatValue(v1.Float - v2.Float))
	case bytecode.OpDsub:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.DoubleValue(v1.Double - v2.Double))

	case bytecode.OpImul:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(v1.Int * v2.Int))
	case bytecode.OpLmul:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.LongValue(v1.Long * v2.Long))
	case bytecode.OpFmul:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.FloatValue(v1.Float * v2.Float))
	case bytecode.OpDmul:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.DoubleValue(v1.Double * v2.Double))

	case bytecode.OpIdiv:
		v2 := frame.Pop()
		v1 := frame.Pop()
		if v2.Int == 0 {
			return heap.Value{}, false, heap.Throwf("java/lang/ArithmeticException", "/ by zero")
		}
		frame.Push(heap.IntValue(v1.Int / v2.Int))
	case bytecode.OpLdiv:
		v2 := frame.Pop()
		v1 := frame.Pop()
		if v2.Long == 0 {
			return heap.Value{}, false, heap.Throwf("java/lang/ArithmeticException", "/ by zero")
		}
		frame.Push(heap.LongValue(v1.Long / v2.Long))
	case bytecode.OpFdiv:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.FloatValue(v1.Float / v2.Float))
	case bytecode.OpDdiv:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.DoubleValue(v1.Double / v2.Double))

	case bytecode.OpIrem:
		v2 := frame.Pop()
		v1 := frame.Pop()
		if v2.Int == 0 {
			return heap.Value{}, false, heap.Throwf("java/lang/ArithmeticException", "/ by zero")
		}
		frame.Push(heap.IntValue(v1.Int % v2.Int))
	case bytecode.OpLrem:
		v2 := frame.Pop()
		v1 := frame.Pop()
		if v2.Long == 0 {
			return heap.Value{}, false, heap.Throwf("java/lang/ArithmeticException", "/ by zero")
		}
		frame.Push(heap.LongValue(v1.Long % v2.Long))
	case bytecode.OpFrem:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.FloatValue(float32(math.Mod(float64(v1.Float), float64(v2.Float)))))
	case bytecode.OpDrem:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.DoubleValue(math.Mod(v1.Double, v2.Double)))

	case bytecode.OpIneg:
		v := frame.Pop()
		frame.Push(heap.IntValue(-v.Int))
	case bytecode.OpLneg:
		v := frame.Pop()
		frame.Push(heap.LongValue(-v.Long))
	case bytecode.OpFneg:
		v := frame.Pop()
		frame.Push(heap.FloatValue(-v.Float))
	case bytecode.OpDneg:
		v := frame.Pop()
		frame.Push(heap.DoubleValue(-v.Double))

	// --- Bit operations ---
	case bytecode.OpIshl:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(v1.Int << (uint(v2.Int) & 0x1f)))
	case bytecode.OpLshl:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.LongValue(v1.Long << (uint(v2.Int) & 0x3f)))
	case bytecode.OpIshr:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(v1.Int >> (uint(v2.Int) & 0x1f)))
	case bytecode.OpLshr:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.LongValue(v1.Long >> (uint(v2.Int) & 0x3f)))
	case bytecode.OpIushr:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(int32(uint32(v1.Int) >> (uint(v2.Int) & 0x1f))))
	case bytecode.OpLushr:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.LongValue(int64(uint64(v1.Long) >> (uint(v2.Int) & 0x3f))))
	case bytecode.OpIand:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(v1.Int & v2.Int))
	case bytecode.OpLand:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.LongValue(v1.Long & v2.Long))
	case bytecode.OpIor:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(v1.Int | v2.Int))
	case bytecode.OpLor:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.LongValue(v1.Long | v2.Long))
	case bytecode.OpIxor:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(v1.Int ^ v2.Int))
	case bytecode.OpLxor:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.LongValue(v1.Long ^ v2.Long))

	case bytecode.OpIinc:
		index := frame.ReadU8()
		constVal := frame.ReadI8()
		local := frame.GetLocal(int(index))
		frame.SetLocal(int(index), heap.IntValue(local.Int+int32(constVal)))

	// --- Type conversions ---
	case bytecode.OpI2l:
		v := frame.Pop()
		frame.Push(heap.LongValue(int64(v.Int)))
	case bytecode.OpI2f:
		v := frame.Pop()
		frame.Push(heap.FloatValue(float32(v.Int)))
	case bytecode.OpI2d:
		v := frame.Pop()
		frame.Push(heap.DoubleValue(float64(v.Int)))
	case bytecode.OpL2i:
		v := frame.Pop()
		frame.Push(heap.IntValue(int32(v.Long)))
	case bytecode.OpL2f:
		v := frame.Pop()
		frame.Push(heap.FloatValue(float32(v.Long)))
	case bytecode.OpL2d:
		v := frame.Pop()
		frame.Push(heap.DoubleValue(float64(v.Long)))
	case bytecode.OpF2i:
		v := frame.Pop()
		frame.Push(heap.IntValue(toInt32(float64(v.Float))))
	case bytecode.OpF2l:
		v := frame.Pop()
		frame.Push(heap.LongValue(toInt64(float64(v.Float))))
	case bytecode.OpF2d:
		v := frame.Pop()
		frame.Push(heap.DoubleValue(float64(v.Float)))
	case bytecode.OpD2i:
		v := frame.Pop()
		frame.Push(heap.IntValue(toInt32(v.Double)))
	case bytecode.OpD2l:
		v := frame.Pop()
		frame.Push(heap.LongValue(toInt64(v.Double)))
	case bytecode.OpD2f:
		v := frame.Pop()
		frame.Push(heap.FloatValue(float32(v.Double)))
	case bytecode.OpI2b:
		v := frame.Pop()
		frame.Push(heap.IntValue(int32(int8(v.Int))))
	case bytecode.OpI2c:
		v := frame.Pop()
		frame.Push(heap.IntValue(int32(uint16(v.Int))))
	case bytecode.OpI2s:
		v := frame.Pop()
		frame.Push(heap.IntValue(int32(int16(v.Int))))

	// --- Comparisons ---
	case bytecode.OpLcmp:
		v2 := frame.Pop()
		v1 := frame.Pop()
		switch {
		case v1.Long > v2.Long:
			frame.Push(heap.IntValue(1))
		case v1.Long < v2.Long:
			frame.Push(heap.IntValue(-1))
		default:
			frame.Push(heap.IntValue(0))
		}
	case bytecode.OpFcmpl, bytecode.OpFcmpg:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(compareFloat(float64(v1.Float), float64(v2.Float), opcode == bytecode.OpFcmpg)))
	case bytecode.OpDcmpl, bytecode.OpDcmpg:
		v2 := frame.Pop()
		v1 := frame.Pop()
		frame.Push(heap.IntValue(compareFloat(v1.Double, v2.Double, opcode == bytecode.OpDcmpg)))

	// --- Comparison and branch ---
	case bytecode.OpIfeq:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v == 0 })
	case bytecode.OpIfne:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v != 0 })
	case bytecode.OpIflt:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v < 0 })
	case bytecode.OpIfge:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v >= 0 })
	case bytecode.OpIfgt:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v > 0 })
	case bytecode.OpIfle:
		return vm.executeBranchUnary(frame, func(v int32) bool { return v <= 0 })

	case bytecode.OpIfIcmpeq:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 == v2 })
	case bytecode.OpIfIcmpne:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 != v2 })
	case bytecode.OpIfIcmplt:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 < v2 })
	case bytecode.OpIfIcmpge:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 >= v2 })
	case bytecode.OpIfIcmpgt:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 > v2 })
	case bytecode.OpIfIcmple:
		return vm.executeBranchBinary(frame, func(v1, v2 int32) bool { return v1 <= v2 })

	case bytecode.OpIfAcmpeq, bytecode.OpIfAcmpne:
		branchPC := frame.PC - 1
		offset := frame.ReadI16()
		v2 := frame.Pop()
		v1 := frame.Pop()
		eq := sameRef(v1, v2)
		if eq == (opcode == bytecode.OpIfAcmpeq) {
			frame.PC = branchPC + int(offset)
		}

	case bytecode.OpGoto:
		branchPC := frame.PC - 1
		offset := frame.ReadI16()
		frame.PC = branchPC + int(offset)

	case bytecode.OpGotoW:
		branchPC := frame.PC - 1
		offset := frame.ReadI32()
		frame.PC = branchPC + int(offset)

	case bytecode.OpTableswitch:
		// PC of the tableswitch opcode
		opcodePC := frame.PC - 1
		// Padding to align to 4-byte boundary
		for frame.PC%4 != 0 {
			frame.PC++
		}
		defaultOffset := frame.ReadI32()
		low := frame.ReadI32()
		high := frame.ReadI32()
		numOffsets := int(high - low + 1)
		offsets := make([]int32, numOffsets)
		for i := 0; i < numOffsets; i++ {
			offsets[i] = frame.ReadI32()
		}
		index := frame.Pop().Int
		if index >= low && index <= high {
			frame.PC = opcodePC + int(offsets[index-low])
		} else {
			frame.PC = opcodePC + int(defaultOffset)
		}

	case bytecode.OpLookupswitch:
		opcodePC := frame.PC - 1
		for frame.PC%4 != 0 {
			frame.PC++
		}
		defaultOffset := frame.ReadI32()
		npairs := frame.ReadI32()
		key := frame.Pop().Int
		target := opcodePC + int(defaultOffset)
		for i := int32(0); i < npairs; i++ {
			matchVal := frame.ReadI32()
			offset := frame.ReadI32()
			if key == matchVal {
				target = opcodePC + int(offset)
			}
		}
		frame.PC = target

	// --- Return ---
	case bytecode.OpIreturn, bytecode.OpLreturn, bytecode.OpFreturn, bytecode.OpDreturn, bytecode.OpAreturn:
		return frame.Pop(), true, nil

	case bytecode.OpReturn:
		return heap.Value{}, true, nil

	// --- Method invocation and field access ---
	case bytecode.OpGetstatic:
		return vm.executeGetstatic(ctx, frame)

	case bytecode.OpPutstatic:
		return vm.executePutstatic(ctx, frame)

	case bytecode.OpGetfield:
		return vm.executeGetfield(frame)

	case bytecode.OpPutfield:
		return vm.executePutfield(frame)

	case bytecode.OpInvokevirtual, bytecode.OpInvokespecial, bytecode.OpInvokestatic, bytecode.OpInvokeinterface:
		return vm.executeInvoke(ctx, frame, opcode)

	case bytecode.OpInvokedynamic:
		return vm.executeInvokedynamic(ctx, frame)

	case bytecode.OpNew:
		return vm.executeNew(ctx, frame)

	case bytecode.OpNewarray:
		atype := frame.ReadU8()
		desc, ok := primitiveArrays[atype]
		if !ok {
			return heap.Value{}, false, fmt.Errorf("newarray: invalid type %d", atype)
		}
		count := frame.Pop().Int
		if count < 0 {
			return heap.Value{}, false, heap.Throwf("java/lang/NegativeArraySizeException", "%d", count)
		}
		frame.Push(heap.RefValue(heap.NewArray(desc, int(count))))

	case bytecode.OpAnewarray:
		index := frame.ReadU16()
		className, err := classfile.GetClassName(frame.Class().File.ConstantPool, index)
		if err != nil {
			return heap.Value{}, false, fmt.Errorf("anewarray: %w", err)
		}
		count := frame.Pop().Int
		if count < 0 {
			return heap.Value{}, false, heap.Throwf("java/lang/NegativeArraySizeException", "%d", count)
		}
		frame.Push(heap.RefValue(heap.NewArray("["+classfile.TypeDescriptor(className), int(count))))

	case bytecode.OpMultianewarray:
		index := frame.ReadU16()
		dims := int(frame.ReadU8())
		desc, err := classfile.GetClassName(frame.Class().File.ConstantPool, index)
		if err != nil {
			return heap.Value{}, false, fmt.Errorf("multianewarray: %w", err)
		}
		counts := frame.PopN(dims)
		for _, c := range counts {
			if c.Int < 0 {
				return heap.Value{}, false, heap.Throwf("java/lang/NegativeArraySizeException", "%d", c.Int)
			}
		}
		frame.Push(heap.RefValue(newMultiArray(desc, counts)))

	case bytecode.OpArraylength:
		arrRef := frame.Pop()
		if arrRef.IsNull() {
			return heap.Value{}, false, npe("arraylength")
		}
		arr, ok := arrRef.Ref.(*heap.Array)
		if !ok {
			return heap.Value{}, false, fmt.Errorf("arraylength: reference is not an array")
		}
		frame.Push(heap.IntValue(int32(len(arr.Elements))))

	case bytecode.OpAthrow:
		excRef := frame.Pop()
		if excRef.IsNull() {
			return heap.Value{}, false, npe("athrow")
		}
		if obj, ok := excRef.Ref.(*heap.Object); ok {
			return heap.Value{}, false, &JavaException{Object: obj}
		}
		return heap.Value{}, false, fmt.Errorf("athrow: non-object on stack")

	case bytecode.OpCheckcast:
		index := frame.ReadU16()
		className, err := classfile.GetClassName(frame.Class().File.ConstantPool, index)
		if err != nil {
			return heap.Value{}, false, fmt.Errorf("checkcast: %w", err)
		}
		val := frame.Peek()
		if !val.IsNull() && !vm.isInstanceOf(classNameOf(val.Ref), className) {
			return heap.Value{}, false, heap.Throwf("java/lang/ClassCastException",
				"class %s cannot be cast to class %s", classfile.BinaryName(classNameOf(val.Ref)), classfile.BinaryName(className))
		}

	case bytecode.OpInstanceof:
		index := frame.ReadU16()
		className, err := classfile.GetClassName(frame.Class().File.ConstantPool, index)
		if err != nil {
			return heap.Value{}, false, fmt.Errorf("instanceof: %w", err)
		}
		ref := frame.Pop()
		if !ref.IsNull() && vm.isInstanceOf(classNameOf(ref.Ref), className) {
			frame.Push(heap.IntValue(1))
		} else {
			frame.Push(heap.IntValue(0))
		}

	case bytecode.OpMonitorenter, bytecode.OpMonitorexit:
		if frame.Pop().IsNull() {
			return heap.Value{}, false, npe("monitor")
		}

	case bytecode.OpWide:
		op := frame.ReadU8()
		index := int(frame.ReadU16())
		switch op {
		case bytecode.OpIload, bytecode.OpLload, bytecode.OpFload, bytecode.OpDload, bytecode.OpAload:
			frame.Push(frame.GetLocal(index))
		case bytecode.OpIstore, bytecode.OpLstore, bytecode.OpFstore, bytecode.OpDstore, bytecode.OpAstore:
			frame.SetLocal(index, frame.Pop())
		case bytecode.OpIinc:
			constVal := frame.ReadI16()
			frame.SetLocal(index, heap.IntValue(frame.GetLocal(index).Int+int32(constVal)))
		default:
			return heap.Value{}, false, fmt.Errorf("%w: wide %s", ErrUnsupported, bytecode.Mnemonic(op))
		}

	case bytecode.OpIfnull:
		branchPC := frame.PC - 1
		offset := frame.ReadI16()
		if frame.Pop().IsNull() {
			frame.PC = branchPC + int(offset)
		}

	case bytecode.OpIfnonnull:
		branchPC := frame.PC - 1
		offset := frame.ReadI16()
		if !frame.Pop().IsNull() {
			frame.PC = branchPC + int(offset)
		}

	case bytecode.OpJsr, bytecode.OpJsrW, bytecode.OpRet:
		return heap.Value{}, false, fmt.Errorf("%w: %s at PC=%d", ErrUnsupported, bytecode.Mnemonic(opcode), frame.PC-1)

	default:
		return heap.Value{}, false, fmt.Errorf("unknown opcode: 0x%02X at PC=%d", opcode, frame.PC-1)
	}

	return heap.Value{}, false, nil
}

// executeBranchUnary handles unary branch instructions (ifeq, ifne, etc.)
func (vm *VM) executeBranchUnary(frame *Frame, cond func(int32) bool) (heap.Value, bool, error) {
	branchPC := frame.PC - 1 // PC of the branch instruction
	offset := frame.ReadI16()
	val := frame.Pop()
	if cond(val.Int) {
		frame.PC = branchPC + int(offset)
	}
	return heap.Value{}, false, nil
}

// executeBranchBinary handles binary branch instructions (if_icmpeq, etc.)
func (vm *VM) executeBranchBinary(frame *Frame, cond func(int32, int32) bool) (heap.Value, bool, error) {
	branchPC := frame.PC - 1 // PC of the branch instruction
	offset := frame.ReadI16()
	v2 := frame.Pop()
	v1 := frame.Pop()
	if cond(v1.Int, v2.Int) {
		frame.PC = branchPC + int(offset)
	}
	return heap.Value{}, false, nil
}

var primitiveArrays = map[uint8]string{
	4: "[Z", 5: "[C", 6: "[F", 7: "[D", 8: "[B", 9: "[S", 10: "[I", 11: "[J",
}

// arrayRef checks an array access.
func arrayRef(ref heap.Value, index int32) (*heap.Array, error) {
	if ref.IsNull() {
		return nil, npe("array access")
	}
	arr, ok := ref.Ref.(*heap.Array)
	if !ok {
		return nil, fmt.Errorf("array access: reference is %T, not an array", ref.Ref)
	}
	if index < 0 || int(index) >= len(arr.Elements) {
		return nil, heap.Throwf("java/lang/ArrayIndexOutOfBoundsException",
			"Index %d out of bounds for length %d", index, len(arr.Elements))
	}
	return arr, nil
}

func newMultiArray(desc string, counts []heap.Value) *heap.Array {
	arr := heap.NewArray(desc, int(counts[0].Int))
	if len(counts) > 1 {
		for i := range arr.Elements {
			arr.Elements[i] = heap.RefValue(newMultiArray(desc[1:], counts[1:]))
		}
	}
	return arr
}

// isWide reports whether v is a category 2 value.
func isWide(v heap.Value) bool {
	return v.Type == heap.TypeLong || v.Type == heap.TypeDouble
}

func sameRef(v1, v2 heap.Value) bool {
	if v1.IsNull() || v2.IsNull() {
		return v1.IsNull() && v2.IsNull()
	}
	return v1.Ref == v2.Ref
}

// compareFloat implements fcmpl/fcmpg and dcmpl/dcmpg.
func compareFloat(a, b float64, nanIsGreater bool) int32 {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		if nanIsGreater {
			return 1
		}
		return -1
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// toInt32 narrows with saturation; NaN becomes 0.
func toInt32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

func toInt64(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}
