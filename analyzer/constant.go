package analyzer

import "github.com/jacobin-tools/classdeobf/ir"

// stepInstruction applies ins's transfer function to f in place.
// Array creation/access is intentionally left as Unknown here: the
// spec scopes tracking to arrays that "escape no further" than the
// single defining/using instruction pair, which in practice means the
// analyzer would need a second, array-identity-keyed lattice layered
// on top of this one. None of the recognized decryptor patterns in
// §4.5/§4.7 require it (they key off locals and static fields, not
// array contents), so it is left unimplemented rather than guessed at.
func stepInstruction(f *Frame, ins ir.Instruction, rh ReferenceHandler) {
	switch v := ins.(type) {
	case *ir.Insn:
		stepZeroOperand(f, v, rh)
	case *ir.IntInsn:
		switch v.Op {
		case ir.OpBiPush, ir.OpSiPush:
			f.push(KnownInt(int64(v.Operand)))
		default: // NEWARRAY and friends: result type known, contents not
			f.pop()
			f.push(Unknown)
		}
	case *ir.LdcInsn:
		f.push(ldcValue(v))
	case *ir.VarInsn:
		stepVar(f, v)
	case *ir.IncrInsn:
		cur, ok := f.Locals[v.Var]
		if ok && cur.Known && cur.Kind == KindInt {
			f.Locals[v.Var] = KnownInt(cur.I + int64(v.Increment))
		} else {
			f.Locals[v.Var] = Unknown
		}
	case *ir.TypeInsn:
		stepType(f, v)
	case *ir.FieldInsn:
		stepField(f, v, rh)
	case *ir.MethodInsn:
		stepMethod(f, v, rh)
	case *ir.InvokeDynamicInsn:
		args, _ := ir.ParseMethodDescriptor(v.Desc)
		for range args {
			f.pop()
		}
		f.push(Unknown)
	case *ir.JumpInsn:
		stepJump(f, v)
	case *ir.LookupSwitchInsn:
		f.pop()
	case *ir.TableSwitchInsn:
		f.pop()
	case *ir.MultiANewArrayInsn:
		for i := 0; i < v.Dims; i++ {
			f.pop()
		}
		f.push(Unknown)
	case *ir.LabelInsn, *ir.LineInsn, *ir.FrameInsn:
		// pseudo-instructions: no stack effect
	}
}

func ldcValue(v *ir.LdcInsn) ConstantValue {
	switch v.Kind {
	case ir.LdcInt:
		return KnownInt(v.IntVal)
	case ir.LdcLong:
		return KnownLong(v.IntVal)
	case ir.LdcFloat:
		return KnownFloat(v.FltVal)
	case ir.LdcDouble:
		return KnownDouble(v.FltVal)
	case ir.LdcString:
		return KnownString(v.Str)
	case ir.LdcType:
		return KnownType(v.Type.Name)
	case ir.LdcMethodHandle:
		return KnownHandle(v.Hdl)
	}
	return Unknown
}

func stepVar(f *Frame, v *ir.VarInsn) {
	switch {
	case v.Op == ir.OpILoad || v.Op == ir.OpLLoad || v.Op == ir.OpFLoad || v.Op == ir.OpDLoad || v.Op == ir.OpALoad:
		val, ok := f.Locals[v.Var]
		if !ok {
			val = Unknown
		}
		f.push(val)
	case v.Op == ir.OpIStore || v.Op == ir.OpFStore || v.Op == ir.OpAStore:
		f.Locals[v.Var] = f.pop()
	case v.Op == ir.OpLStore || v.Op == ir.OpDStore:
		f.Locals[v.Var] = f.pop()
	default: // RET or similar: no tracked effect
	}
}

func stepType(f *Frame, v *ir.TypeInsn) {
	switch v.Op {
	case ir.OpNew:
		f.push(Unknown)
	case ir.OpANewArray:
		f.pop()
		f.push(Unknown)
	case ir.OpCheckCast:
		// value unchanged, type narrows but constant value survives
	case ir.OpInstanceOf:
		f.pop()
		f.push(Unknown)
	default:
		f.pop()
		f.push(Unknown)
	}
}

func stepField(f *Frame, v *ir.FieldInsn, rh ReferenceHandler) {
	switch v.Op {
	case ir.OpGetStatic:
		if val, ok := rh.FieldValue(v.Owner, v.Name, v.Desc); ok {
			f.push(val)
		} else {
			f.push(Unknown)
		}
	case ir.OpPutStatic:
		f.pop()
	case ir.OpGetField:
		f.pop() // receiver
		if val, ok := rh.FieldValue(v.Owner, v.Name, v.Desc); ok {
			f.push(val)
		} else {
			f.push(Unknown)
		}
	case ir.OpPutField:
		f.pop() // value
		f.pop() // receiver
	}
}

func stepMethod(f *Frame, v *ir.MethodInsn, rh ReferenceHandler) {
	args, ret := ir.ParseMethodDescriptor(v.Desc)
	argVals := make([]ConstantValue, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		argVals[i] = f.pop()
	}
	if v.Op != ir.OpInvokeStatic {
		f.pop() // receiver
	}
	if ret == "V" {
		return
	}
	if val, ok := rh.MethodReturn(v.Owner, v.Name, v.Desc, argVals); ok {
		f.push(val)
	} else {
		f.push(Unknown)
	}
}

func stepJump(f *Frame, v *ir.JumpInsn) {
	// Comparisons/conditional jumps consume their operands; §4.3
	// requires producing Unknown for the jump's own (nonexistent) push,
	// but we still need to pop the correct number of comparison
	// operands so downstream stack depth tracking stays correct.
	switch v.Op {
	case ir.OpIfEq, ir.OpIfNe, ir.OpIfLt, ir.OpIfGe, ir.OpIfGt, ir.OpIfLe, ir.OpIfNull, ir.OpIfNonNull:
		f.pop()
	case ir.OpIfICmpEq, ir.OpIfICmpNe, ir.OpIfICmpLt, ir.OpIfICmpGe, ir.OpIfICmpGt, ir.OpIfICmpLe,
		ir.OpIfACmpEq, ir.OpIfACmpNe:
		f.pop()
		f.pop()
	case ir.OpGoto:
		// no operand
	}
}

func stepZeroOperand(f *Frame, v *ir.Insn, rh ReferenceHandler) {
	switch v.Op {
	case ir.OpNop:
	case ir.OpAConstN:
		f.push(KnownNull())
	case ir.OpIConstM1, ir.OpIConst0, ir.OpIConst1, ir.OpIConst2, ir.OpIConst3, ir.OpIConst4, ir.OpIConst5:
		f.push(KnownInt(int64(v.Op - ir.OpIConst0)))
	case ir.OpLConst0, ir.OpLConst1:
		f.push(KnownLong(int64(v.Op - ir.OpLConst0)))
	case ir.OpPop:
		f.pop()
	case ir.OpPop2:
		f.pop()
		f.pop()
	case ir.OpDup:
		top := f.peek()
		f.push(top)
	case ir.OpIAdd, ir.OpLAdd:
		binOpInt(f, func(a, b int64) int64 { return a + b })
	case ir.OpISub, ir.OpLSub:
		binOpInt(f, func(a, b int64) int64 { return a - b })
	case ir.OpIAnd, ir.OpLAnd:
		binOpInt(f, func(a, b int64) int64 { return a & b })
	case ir.OpIOr, ir.OpLOr:
		binOpInt(f, func(a, b int64) int64 { return a | b })
	case ir.OpIXor, ir.OpLXor:
		binOpInt(f, func(a, b int64) int64 { return a ^ b })
	case ir.OpIShl:
		shiftOpInt(f, func(a int64, s uint) int64 { return a << (s & 31) })
	case ir.OpLShl:
		shiftOpInt(f, func(a int64, s uint) int64 { return a << (s & 63) })
	case ir.OpIShr:
		shiftOpInt(f, func(a int64, s uint) int64 { return int64(int32(a)) >> (s & 31) })
	case ir.OpLShr:
		shiftOpInt(f, func(a int64, s uint) int64 { return a >> (s & 63) })
	case ir.OpIUShr:
		shiftOpInt(f, func(a int64, s uint) int64 { return int64(uint32(a) >> (s & 31)) })
	case ir.OpLUShr:
		shiftOpInt(f, func(a int64, s uint) int64 { return int64(uint64(a) >> (s & 63)) })
	case ir.OpI2L:
		a := f.pop()
		if a.Known && a.Kind == KindInt {
			f.push(KnownLong(a.I))
		} else {
			f.push(Unknown)
		}
	case ir.OpArrayLength:
		f.pop()
		f.push(Unknown)
	case ir.OpIALoad, ir.OpLALoad, ir.OpFALoad, ir.OpDALoad, ir.OpAALoad, ir.OpBALoad, ir.OpCALoad, ir.OpSALoad:
		f.pop() // index
		f.pop() // array
		f.push(Unknown)
	case ir.OpIAStore, ir.OpLAStore, ir.OpFAStore, ir.OpDAStore, ir.OpAAStore, ir.OpBAStore, ir.OpCAStore, ir.OpSAStore:
		f.pop() // value
		f.pop() // index
		f.pop() // array
	case ir.OpAThrow:
		f.pop()
	case ir.OpReturn, ir.OpIReturn, ir.OpLReturn, ir.OpFReturn, ir.OpDReturn, ir.OpAReturn:
		if v.Op != ir.OpReturn {
			f.pop()
		}
	default:
		// Unmodeled opcode: conservatively leave the stack untouched.
		// Passes relying on exact depth for these must not use this
		// analyzer's frames for them.
	}
}

func binOpInt(f *Frame, op func(a, b int64) int64) {
	b := f.pop()
	a := f.pop()
	if a.Known && b.Known && a.Kind == b.Kind {
		f.push(ConstantValue{Known: true, Kind: a.Kind, I: op(a.I, b.I)})
	} else {
		k := KindInt
		if a.Kind == KindLong || b.Kind == KindLong {
			k = KindLong
		}
		f.push(ConstantValue{Kind: k})
	}
}

func shiftOpInt(f *Frame, op func(a int64, s uint) int64) {
	shift := f.pop()
	val := f.pop()
	if val.Known && shift.Known {
		f.push(ConstantValue{Known: true, Kind: val.Kind, I: op(val.I, uint(shift.I))})
	} else {
		f.push(ConstantValue{Kind: val.Kind})
	}
}
