package sandbox

import (
	"fmt"

	"github.com/jacobin-tools/classdeobf/ir"
)

// thrown wraps a value raised by ATHROW so Go's own error propagation
// doubles as the interpreter's exception mechanism; a try/catch match
// converts it back into a pushed value at the handler.
type thrown struct{ value interface{} }

func (t *thrown) Error() string { return fmt.Sprintf("sandbox: uncaught throw: %v", t.value) }

// pendingObject stands in for a NEW'd-but-not-yet-<init>'d reference.
// DUP/ASTORE copy the pointer, so every stack/local slot referring to
// the same allocation observes the same resolved value once <init>
// runs, mirroring the real JVM's "uninitializedThis" merge.
type pendingObject struct {
	class    string
	resolved interface{}
	done     bool
}

func resolveObj(v interface{}) interface{} {
	if p, ok := v.(*pendingObject); ok && p.done {
		return p.resolved
	}
	return v
}

// interpreter runs the deterministic, allocation-light subset of
// bytecode the sandbox needs to execute obfuscator-emitted static
// initializers and bootstrap methods far enough to harvest their
// result, per §4.2. It is not a general JVM: unsupported opcodes
// return an error rather than silently misbehaving.
type interpreter struct {
	vm      *VM
	statics map[string]map[string]interface{}

	steps int // runaway-loop guard
}

const maxInterpSteps = 200000

// runStatic executes m (which must be static) with args bound to the
// leading locals, returning its result value (nil for void) or an
// error if execution fails or the step budget is exhausted.
func (in *interpreter) runStatic(node *ir.ClassNode, m *ir.MethodNode, args []interface{}) (interface{}, error) {
	if m.IsAbstractOrNative() {
		return nil, fmt.Errorf("sandbox: cannot interpret abstract/native method %s.%s", node.Name, m.Name)
	}

	labelPos := map[*ir.Label]int{}
	for i, ins := range m.Instrs {
		if li, ok := ins.(*ir.LabelInsn); ok {
			labelPos[li.L] = i
		}
	}

	locals := make([]interface{}, m.MaxLocals)
	for i, a := range args {
		if i < len(locals) {
			locals[i] = a
		}
	}
	var stack []interface{}

	push := func(v interface{}) { stack = append(stack, v) }
	pop := func() interface{} {
		if len(stack) == 0 {
			return nil
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	peek := func() interface{} {
		if len(stack) == 0 {
			return nil
		}
		return stack[len(stack)-1]
	}

	pc := 0
	for pc < len(m.Instrs) {
		in.steps++
		if in.steps > maxInterpSteps {
			return nil, fmt.Errorf("sandbox: step budget exceeded interpreting %s.%s", node.Name, m.Name)
		}

		ins := m.Instrs[pc]
		next := pc + 1
		var stepErr error

		switch v := ins.(type) {
		case *ir.LabelInsn, *ir.LineInsn, *ir.FrameInsn:
			// no-op

		case *ir.Insn:
			var signal int
			signal, stepErr = in.stepZeroOperand(node, v, push, pop, peek, locals, &stack)
			if stepErr == nil {
				switch signal {
				case -1:
					return nil, nil
				case -2:
					return pop(), nil
				}
			}

		case *ir.IntInsn:
			switch v.Op {
			case ir.OpBiPush, ir.OpSiPush:
				push(int32(v.Operand))
			case ir.OpNewArray:
				n, _ := toInt64(pop())
				push(make([]int32, n))
			}

		case *ir.LdcInsn:
			push(interpLdcValue(v))

		case *ir.VarInsn:
			switch v.Op {
			case ir.OpILoad, ir.OpLLoad, ir.OpFLoad, ir.OpDLoad, ir.OpALoad:
				push(locals[v.Var])
			case ir.OpIStore, ir.OpLStore, ir.OpFStore, ir.OpDStore, ir.OpAStore:
				locals[v.Var] = resolveObj(pop())
			}

		case *ir.IncrInsn:
			cur, _ := toInt64(locals[v.Var])
			locals[v.Var] = int32(cur + int64(v.Increment))

		case *ir.TypeInsn:
			switch v.Op {
			case ir.OpNew:
				push(&pendingObject{class: v.Type})
			case ir.OpANewArray:
				n, _ := toInt64(pop())
				push(make([]interface{}, n))
			case ir.OpCheckCast:
				// value unchanged
			case ir.OpInstanceOf:
				pop()
				push(int32(0))
			}

		case *ir.MultiANewArrayInsn:
			dims := make([]int64, v.Dims)
			for i := v.Dims - 1; i >= 0; i-- {
				dims[i], _ = toInt64(pop())
			}
			push(make([]interface{}, dims[0]))

		case *ir.FieldInsn:
			stepErr = in.stepField(v, push, pop)

		case *ir.MethodInsn:
			stepErr = in.stepMethod(node, v, push, pop)

		case *ir.InvokeDynamicInsn:
			// Bootstrap linkage is a pass-level concern (§4.5 step 5),
			// not something the interpreter resolves on its own; treat
			// the call site conservatively as producing an unknown ref.
			args, _ := ir.ParseMethodDescriptor(v.Desc)
			for range args {
				pop()
			}
			push(nil)

		case *ir.JumpInsn:
			taken, err := in.evalJump(v, pop)
			if err != nil {
				stepErr = err
			} else if taken {
				next = labelPos[v.Target]
			}

		case *ir.LookupSwitchInsn:
			key, _ := toInt64(pop())
			next = labelPos[v.Default]
			for i, k := range v.Keys {
				if int64(k) == key {
					next = labelPos[v.Labels[i]]
					break
				}
			}

		case *ir.TableSwitchInsn:
			key, _ := toInt64(pop())
			if key < int64(v.Low) || key > int64(v.High) {
				next = labelPos[v.Default]
			} else {
				next = labelPos[v.Labels[key-int64(v.Low)]]
			}

		default:
			stepErr = fmt.Errorf("sandbox: unsupported instruction %T", ins)
		}

		if stepErr != nil {
			if handlerPC, val, ok := findHandler(m, labelPos, pc, stepErr); ok {
				push(val)
				pc = handlerPC
				continue
			}
			return nil, stepErr
		}
		pc = next
	}
	return nil, nil
}

// findHandler returns the first try/catch range covering pc when cause
// is a value raised by ATHROW. The range's catch type is not compared
// with the thrown value, and other interpreter errors are never caught.
func findHandler(m *ir.MethodNode, labelPos map[*ir.Label]int, pc int, cause error) (int, interface{}, bool) {
	th, ok := cause.(*thrown)
	if !ok {
		return 0, nil, false
	}
	for _, tc := range m.TryCatch {
		start, sok := labelPos[tc.Start]
		end, eok := labelPos[tc.End]
		handler, hok := labelPos[tc.Handler]
		if !sok || !eok || !hok {
			continue
		}
		if pc >= start && pc < end {
			return handler, th.value, true
		}
	}
	return 0, nil, false
}

func interpLdcValue(v *ir.LdcInsn) interface{} {
	switch v.Kind {
	case ir.LdcInt:
		return int32(v.IntVal)
	case ir.LdcLong:
		return v.IntVal
	case ir.LdcFloat:
		return float32(v.FltVal)
	case ir.LdcDouble:
		return v.FltVal
	case ir.LdcString:
		return v.Str
	case ir.LdcType:
		return v.Type.Name
	case ir.LdcMethodHandle:
		h := v.Hdl
		return &h
	}
	return nil
}

func (in *interpreter) stepField(v *ir.FieldInsn, push func(interface{}), pop func() interface{}) error {
	owner := in.statics[v.Owner]
	switch v.Op {
	case ir.OpGetStatic:
		if owner == nil {
			push(zeroValueFor(v.Desc))
			return nil
		}
		push(owner[v.Name])
	case ir.OpPutStatic:
		val := resolveObj(pop())
		if owner == nil {
			owner = map[string]interface{}{}
			in.statics[v.Owner] = owner
		}
		owner[v.Name] = val
	case ir.OpGetField:
		recv := resolveObj(pop())
		fields, _ := recv.(map[string]interface{})
		if fields == nil {
			push(zeroValueFor(v.Desc))
			return nil
		}
		push(fields[v.Name])
	case ir.OpPutField:
		val := resolveObj(pop())
		recv := resolveObj(pop())
		fields, ok := recv.(map[string]interface{})
		if ok {
			fields[v.Name] = val
		}
	}
	return nil
}

func (in *interpreter) stepMethod(node *ir.ClassNode, v *ir.MethodInsn, push func(interface{}), pop func() interface{}) error {
	argTypes, ret := ir.ParseMethodDescriptor(v.Desc)
	args := make([]interface{}, len(argTypes))
	for i := len(argTypes) - 1; i >= 0; i-- {
		args[i] = resolveObj(pop())
	}

	var recv interface{}
	if v.Op != ir.OpInvokeStatic {
		recv = resolveObj(pop())
	}

	if v.Name == "<init>" && v.Op == ir.OpInvokeSpecial {
		return in.runInit(v, recv, args)
	}

	if v.Op != ir.OpInvokeStatic && recv == nil {
		return fmt.Errorf("sandbox: null dereference invoking %s.%s%s", v.Owner, v.Name, v.Desc)
	}

	var (
		result interface{}
		err    error
	)
	switch v.Op {
	case ir.OpInvokeStatic:
		result, err = in.vm.InvokeStatic(v.Owner, v.Name, v.Desc, args)
	default:
		if nc, ok := allowList[v.Owner]; ok {
			result, err = invokeNative(nc, recv, v.Name, v.Desc, args)
		} else if lc := in.vm.LoadClass(v.Owner); lc.node != nil {
			m := lc.node.Method(v.Name, v.Desc)
			if m == nil {
				return fmt.Errorf("sandbox: no such method %s.%s%s", v.Owner, v.Name, v.Desc)
			}
			full := args
			if !m.IsStatic() {
				full = append([]interface{}{recv}, args...)
			}
			sub := &interpreter{vm: in.vm, statics: in.statics, steps: in.steps}
			result, err = sub.runStatic(lc.node, m, full)
			in.steps = sub.steps
		} else {
			result = zeroValueFor(ret)
		}
	}
	if err != nil {
		return err
	}
	if ret != "V" {
		push(result)
	}
	return nil
}

// runInit dispatches a constructor call on a pendingObject to the
// allow-listed native class's own "<init>" entry, resolving every
// dup'd reference to the returned Go-native representation.
func (in *interpreter) runInit(v *ir.MethodInsn, recv interface{}, args []interface{}) error {
	p, ok := recv.(*pendingObject)
	if !ok {
		return nil // already resolved (e.g. super.<init>() on a stub)
	}
	if nc, ok := allowList[v.Owner]; ok {
		result, err := nc.invoke("<init>", v.Desc, args)
		if err != nil {
			return err
		}
		p.resolved = result
		p.done = true
		return nil
	}
	// Unknown class's constructor: fall back to a plain field map so
	// subsequent GETFIELD/PUTFIELD still behave sensibly.
	p.resolved = map[string]interface{}{}
	p.done = true
	return nil
}

// evalJump pops the operands a conditional jump needs and reports
// whether the branch is taken. Returns an error only if the interpreter
// cannot decide (stack underflow never happens by construction).
func (in *interpreter) evalJump(v *ir.JumpInsn, pop func() interface{}) (bool, error) {
	switch v.Op {
	case ir.OpGoto:
		return true, nil
	case ir.OpIfEq, ir.OpIfNe, ir.OpIfLt, ir.OpIfGe, ir.OpIfGt, ir.OpIfLe:
		a, _ := toInt64(pop())
		switch v.Op {
		case ir.OpIfEq:
			return a == 0, nil
		case ir.OpIfNe:
			return a != 0, nil
		case ir.OpIfLt:
			return a < 0, nil
		case ir.OpIfGe:
			return a >= 0, nil
		case ir.OpIfGt:
			return a > 0, nil
		default:
			return a <= 0, nil
		}
	case ir.OpIfNull, ir.OpIfNonNull:
		a := pop()
		isNull := a == nil
		if v.Op == ir.OpIfNull {
			return isNull, nil
		}
		return !isNull, nil
	case ir.OpIfICmpEq, ir.OpIfICmpNe, ir.OpIfICmpLt, ir.OpIfICmpGe, ir.OpIfICmpGt, ir.OpIfICmpLe:
		b, _ := toInt64(pop())
		a, _ := toInt64(pop())
		switch v.Op {
		case ir.OpIfICmpEq:
			return a == b, nil
		case ir.OpIfICmpNe:
			return a != b, nil
		case ir.OpIfICmpLt:
			return a < b, nil
		case ir.OpIfICmpGe:
			return a >= b, nil
		case ir.OpIfICmpGt:
			return a > b, nil
		default:
			return a <= b, nil
		}
	case ir.OpIfACmpEq, ir.OpIfACmpNe:
		b := resolveObj(pop())
		a := resolveObj(pop())
		eq := a == b
		if v.Op == ir.OpIfACmpEq {
			return eq, nil
		}
		return !eq, nil
	}
	return false, fmt.Errorf("sandbox: unsupported jump opcode 0x%x", v.Op)
}

// stepZeroOperand handles the no-operand opcode family: arithmetic,
// stack shuffling, array element access, and returns. It returns -1/-2
// to signal a void/value return respectively, and 1 otherwise.
func (in *interpreter) stepZeroOperand(node *ir.ClassNode, v *ir.Insn, push func(interface{}), pop func() interface{}, peek func() interface{}, locals []interface{}, stack *[]interface{}) (int, error) {
	switch v.Op {
	case ir.OpNop:
	case ir.OpAConstN:
		push(nil)
	case ir.OpIConstM1, ir.OpIConst0, ir.OpIConst1, ir.OpIConst2, ir.OpIConst3, ir.OpIConst4, ir.OpIConst5:
		push(int32(v.Op - ir.OpIConst0))
	case ir.OpLConst0, ir.OpLConst1:
		push(int64(v.Op - ir.OpLConst0))
	case ir.OpPop:
		pop()
	case ir.OpPop2:
		pop()
		pop()
	case ir.OpDup:
		push(peek())
	case ir.OpIAdd, ir.OpLAdd:
		b, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(wrapInt(v.Op, a+b))
	case ir.OpISub, ir.OpLSub:
		b, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(wrapInt(v.Op, a-b))
	case ir.OpIAnd, ir.OpLAnd:
		b, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(wrapInt(v.Op, a&b))
	case ir.OpIOr, ir.OpLOr:
		b, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(wrapInt(v.Op, a|b))
	case ir.OpIXor, ir.OpLXor:
		b, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(wrapInt(v.Op, a^b))
	case ir.OpIShl:
		s, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(int32(a << (uint(s) & 31)))
	case ir.OpLShl:
		s, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(a << (uint(s) & 63))
	case ir.OpIShr:
		s, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(int32(int32(a) >> (uint(s) & 31)))
	case ir.OpLShr:
		s, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(a >> (uint(s) & 63))
	case ir.OpIUShr:
		s, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(int32(uint32(a) >> (uint(s) & 31)))
	case ir.OpLUShr:
		s, _ := toInt64(pop())
		a, _ := toInt64(pop())
		push(int64(uint64(a) >> (uint(s) & 63)))
	case ir.OpI2L:
		a, _ := toInt64(pop())
		push(a)
	case ir.OpArrayLength:
		a := resolveObj(pop())
		push(int32(arrayLen(a)))
	case ir.OpIALoad, ir.OpCALoad, ir.OpBALoad, ir.OpSALoad:
		idx, _ := toInt64(pop())
		a := resolveObj(pop())
		push(arrayGet(a, idx))
	case ir.OpAALoad, ir.OpLALoad, ir.OpFALoad, ir.OpDALoad:
		idx, _ := toInt64(pop())
		a := resolveObj(pop())
		push(arrayGet(a, idx))
	case ir.OpIAStore, ir.OpCAStore, ir.OpBAStore, ir.OpSAStore, ir.OpAAStore, ir.OpLAStore, ir.OpFAStore, ir.OpDAStore:
		val := resolveObj(pop())
		idx, _ := toInt64(pop())
		a := resolveObj(pop())
		arraySet(a, idx, val)
	case ir.OpAThrow:
		v := resolveObj(pop())
		return 0, &thrown{value: v}
	case ir.OpReturn:
		return -1, nil
	case ir.OpIReturn, ir.OpLReturn, ir.OpFReturn, ir.OpDReturn, ir.OpAReturn:
		return -2, nil
	default:
		return 0, fmt.Errorf("sandbox: unsupported opcode 0x%x", v.Op)
	}
	return 1, nil // not a return; the caller continues at pc+1
}

func wrapInt(op int, v int64) interface{} {
	switch op {
	case ir.OpLAdd, ir.OpLSub, ir.OpLAnd, ir.OpLOr, ir.OpLXor:
		return v
	default:
		return int32(v)
	}
}

func arrayLen(a interface{}) int {
	switch t := a.(type) {
	case []int32:
		return len(t)
	case []interface{}:
		return len(t)
	}
	return 0
}

func arrayGet(a interface{}, idx int64) interface{} {
	switch t := a.(type) {
	case []int32:
		if idx >= 0 && int(idx) < len(t) {
			return t[idx]
		}
	case []interface{}:
		if idx >= 0 && int(idx) < len(t) {
			return t[idx]
		}
	}
	return nil
}

func arraySet(a interface{}, idx int64, val interface{}) {
	switch t := a.(type) {
	case []int32:
		if idx >= 0 && int(idx) < len(t) {
			n, _ := toInt64(val)
			t[idx] = int32(n)
		}
	case []interface{}:
		if idx >= 0 && int(idx) < len(t) {
			t[idx] = val
		}
	}
}
