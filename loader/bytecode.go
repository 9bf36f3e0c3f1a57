/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/jacobin-tools/classdeobf/ir"
)

// rawInsn is one decoded instruction before label resolution: ins may
// carry a placeholder *ir.Label (unallocated) for jump/switch targets,
// patched in during the second pass once every referenced offset is
// known.
type rawInsn struct {
	offset int
	size   int
	ins    ir.Instruction
	// targets holds the byte offsets this instruction jumps to, parallel
	// to the *ir.Label pointers pre-allocated into ins (JumpInsn.Target,
	// LookupSwitchInsn/TableSwitchInsn.Default/.Labels).
	targets []int
	patch   []**ir.Label
}

func (cr *classReader) parseCodeAttribute(m *ir.MethodNode, content []byte) error {
	br := bytes.NewReader(content)
	var maxStack, maxLocals uint16
	if err := binary.Read(br, binary.BigEndian, &maxStack); err != nil {
		return err
	}
	if err := binary.Read(br, binary.BigEndian, &maxLocals); err != nil {
		return err
	}
	m.MaxStack = int(maxStack)
	m.MaxLocals = int(maxLocals)

	var codeLen uint32
	if err := binary.Read(br, binary.BigEndian, &codeLen); err != nil {
		return err
	}
	code := make([]byte, codeLen)
	if _, err := readFull(br, code); err != nil {
		return err
	}

	raws, err := cr.decodeInstructions(code)
	if err != nil {
		return err
	}

	labelOffsets := map[int]bool{}
	for _, ri := range raws {
		for _, t := range ri.targets {
			labelOffsets[t] = true
		}
	}

	var excLen uint16
	if err := binary.Read(br, binary.BigEndian, &excLen); err != nil {
		return err
	}
	type excRaw struct{ start, end, handler int; catchType string }
	var excs []excRaw
	for i := 0; i < int(excLen); i++ {
		var start, end, handler, catchIdx uint16
		binary.Read(br, binary.BigEndian, &start)
		binary.Read(br, binary.BigEndian, &end)
		binary.Read(br, binary.BigEndian, &handler)
		binary.Read(br, binary.BigEndian, &catchIdx)
		ct := ""
		if catchIdx != 0 {
			ct = cr.classNameAt(catchIdx)
		}
		excs = append(excs, excRaw{int(start), int(end), int(handler), ct})
		labelOffsets[int(start)] = true
		labelOffsets[int(end)] = true
		labelOffsets[int(handler)] = true
	}

	var attrCount uint16
	if err := binary.Read(br, binary.BigEndian, &attrCount); err != nil {
		return err
	}

	type lineRaw struct{ offset, line int }
	type localRaw struct {
		start, length, nameIdx, descIdx, index int
	}
	var lines []lineRaw
	var locals []localRaw
	var frames [][]byte

	for i := 0; i < int(attrCount); i++ {
		name, sub, err := cr.readRawAttributeFrom(br)
		if err != nil {
			return err
		}
		switch name {
		case "LineNumberTable":
			sr := bytes.NewReader(sub)
			var n uint16
			binary.Read(sr, binary.BigEndian, &n)
			for j := 0; j < int(n); j++ {
				var start, line uint16
				binary.Read(sr, binary.BigEndian, &start)
				binary.Read(sr, binary.BigEndian, &line)
				lines = append(lines, lineRaw{int(start), int(line)})
				labelOffsets[int(start)] = true
			}
		case "LocalVariableTable":
			sr := bytes.NewReader(sub)
			var n uint16
			binary.Read(sr, binary.BigEndian, &n)
			for j := 0; j < int(n); j++ {
				var start, length, nameIdx, descIdx, index uint16
				binary.Read(sr, binary.BigEndian, &start)
				binary.Read(sr, binary.BigEndian, &length)
				binary.Read(sr, binary.BigEndian, &nameIdx)
				binary.Read(sr, binary.BigEndian, &descIdx)
				binary.Read(sr, binary.BigEndian, &index)
				locals = append(locals, localRaw{int(start), int(length), int(nameIdx), int(descIdx), int(index)})
				labelOffsets[int(start)] = true
				labelOffsets[int(start)+int(length)] = true
			}
		case "StackMapTable":
			frames = append(frames, sub)
		}
	}

	offsetLabels := map[int]*ir.Label{}
	nextID := 0
	labelFor := func(off int) *ir.Label {
		if l, ok := offsetLabels[off]; ok {
			return l
		}
		l := &ir.Label{ID: nextID}
		nextID++
		offsetLabels[off] = l
		return l
	}
	for off := range labelOffsets {
		labelFor(off)
	}

	// Patch jump/switch targets now that every label exists.
	for _, ri := range raws {
		for i, t := range ri.targets {
			*ri.patch[i] = labelFor(t)
		}
	}

	// Emit final instruction stream: a LabelInsn at every referenced
	// offset, interleaved with the real instructions in offset order.
	sort.Slice(raws, func(i, j int) bool { return raws[i].offset < raws[j].offset })

	lineAt := map[int]int{}
	for _, l := range lines {
		lineAt[l.offset] = l.line
	}

	var instrs []ir.Instruction
	emitted := map[int]bool{}
	emitLabel := func(off int) {
		if emitted[off] {
			return
		}
		if l, ok := offsetLabels[off]; ok {
			instrs = append(instrs, &ir.LabelInsn{L: l})
			emitted[off] = true
			if line, ok := lineAt[off]; ok {
				instrs = append(instrs, &ir.LineInsn{Line: line, Start: l})
			}
		}
	}

	for _, ri := range raws {
		emitLabel(ri.offset)
		instrs = append(instrs, ri.ins)
	}
	// Trailing labels (exception-range/local-var "end" offsets equal to
	// code length have no instruction of their own).
	var trailing []int
	for off := range offsetLabels {
		if !emitted[off] {
			trailing = append(trailing, off)
		}
	}
	sort.Ints(trailing)
	for _, off := range trailing {
		emitLabel(off)
	}

	for _, f := range frames {
		instrs = append(instrs, &ir.FrameInsn{Raw: f})
	}

	m.Instrs = instrs

	for _, e := range excs {
		m.TryCatch = append(m.TryCatch, &ir.TryCatch{
			Start:   labelFor(e.start),
			End:     labelFor(e.end),
			Handler: labelFor(e.handler),
			Type:    e.catchType,
		})
	}
	for _, l := range locals {
		m.LocalVars = append(m.LocalVars, &ir.LocalVar{
			Name:  cr.utf8At(uint16(l.nameIdx)),
			Desc:  cr.utf8At(uint16(l.descIdx)),
			Index: l.index,
			Start: labelFor(l.start),
			End:   labelFor(l.start + l.length),
		})
	}

	return nil
}

func (cr *classReader) readRawAttributeFrom(br *bytes.Reader) (name string, content []byte, err error) {
	var nameIdx uint16
	if err := binary.Read(br, binary.BigEndian, &nameIdx); err != nil {
		return "", nil, err
	}
	var length uint32
	if err := binary.Read(br, binary.BigEndian, &length); err != nil {
		return "", nil, err
	}
	content = make([]byte, length)
	if _, err := readFull(br, content); err != nil {
		return "", nil, err
	}
	return cr.utf8At(nameIdx), content, nil
}

// decodeInstructions walks code once, building rawInsn records with
// offsets. Jump/switch targets are recorded as byte offsets in
// ri.targets, each paired with a **ir.Label slot in ri.patch that gets
// filled once every referenced offset has an allocated label.
func (cr *classReader) decodeInstructions(code []byte) ([]rawInsn, error) {
	var out []rawInsn
	off := 0
	for off < len(code) {
		start := off
		op := code[off]
		off++

		switch {
		case isVarShort(op):
			baseOp, n := varShort(op)
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.VarInsn{Op: baseOp, Var: n}})
			continue
		}

		switch int(op) {
		case ir.OpBiPush:
			v := int8(code[off])
			off++
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.IntInsn{Op: int(op), Operand: int(v)}})
		case ir.OpSiPush:
			v := int16(uint16(code[off])<<8 | uint16(code[off+1]))
			off += 2
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.IntInsn{Op: int(op), Operand: int(v)}})
		case 0x13, 0x14: // LDC_W, LDC2_W
			idx := uint16(code[off])<<8 | uint16(code[off+1])
			off += 2
			ins, err := cr.ldcInsn(idx)
			if err != nil {
				return nil, err
			}
			out = append(out, rawInsn{offset: start, size: off - start, ins: ins})
		case ir.OpLdc:
			idx := uint16(code[off])
			off++
			ins, err := cr.ldcInsn(idx)
			if err != nil {
				return nil, err
			}
			out = append(out, rawInsn{offset: start, size: off - start, ins: ins})
		case ir.OpILoad, ir.OpLLoad, ir.OpFLoad, ir.OpDLoad, ir.OpALoad,
			ir.OpIStore, ir.OpLStore, ir.OpFStore, ir.OpDStore, ir.OpAStore:
			idx := int(code[off])
			off++
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.VarInsn{Op: int(op), Var: idx}})
		case 0xa9: // RET
			idx := int(code[off])
			off++
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.VarInsn{Op: int(op), Var: idx}})
		case 0x84: // IINC
			idx := int(code[off])
			incr := int(int8(code[off+1]))
			off += 2
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.IncrInsn{Var: idx, Increment: incr}})
		case ir.OpNew, ir.OpANewArray, ir.OpCheckCast, ir.OpInstanceOf:
			idx := uint16(code[off])<<8 | uint16(code[off+1])
			off += 2
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.TypeInsn{Op: int(op), Type: cr.classNameAt(idx)}})
		case ir.OpNewArray:
			atype := code[off]
			off++
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.IntInsn{Op: int(op), Operand: int(atype)}})
		case ir.OpGetStatic, ir.OpPutStatic, ir.OpGetField, ir.OpPutField:
			idx := uint16(code[off])<<8 | uint16(code[off+1])
			off += 2
			owner, name, desc := cr.fieldRefAt(idx)
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.FieldInsn{Op: int(op), Owner: owner, Name: name, Desc: desc}})
		case ir.OpInvokeVirtual, ir.OpInvokeSpecial, ir.OpInvokeStatic:
			idx := uint16(code[off])<<8 | uint16(code[off+1])
			off += 2
			owner, name, desc := cr.methodRefAt(idx)
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.MethodInsn{Op: int(op), Owner: owner, Name: name, Desc: desc}})
		case ir.OpInvokeInterface:
			idx := uint16(code[off])<<8 | uint16(code[off+1])
			off += 4 // index(2) + count(1) + 0(1)
			owner, name, desc := cr.interfaceMethodRefAt(idx)
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.MethodInsn{Op: int(op), Owner: owner, Name: name, Desc: desc, IsInterface: true}})
		case ir.OpInvokeDynamic:
			idx := uint16(code[off])<<8 | uint16(code[off+1])
			off += 4 // index(2) + 0(2)
			ins, err := cr.invokeDynamicInsn(idx)
			if err != nil {
				return nil, err
			}
			out = append(out, rawInsn{offset: start, size: off - start, ins: ins})
		case ir.OpMultiANewArray:
			idx := uint16(code[off])<<8 | uint16(code[off+1])
			dims := int(code[off+2])
			off += 3
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.MultiANewArrayInsn{Desc: cr.classNameAt(idx), Dims: dims}})
		case ir.OpIfEq, ir.OpIfNe, ir.OpIfLt, ir.OpIfGe, ir.OpIfGt, ir.OpIfLe,
			ir.OpIfICmpEq, ir.OpIfICmpNe, ir.OpIfICmpLt, ir.OpIfICmpGe, ir.OpIfICmpGt, ir.OpIfICmpLe,
			ir.OpIfACmpEq, ir.OpIfACmpNe, ir.OpGoto, ir.OpIfNull, ir.OpIfNonNull, 0xa8: // JSR treated as GOTO-shaped
			rel := int16(uint16(code[off])<<8 | uint16(code[off+1]))
			off += 2
			target := start + int(rel)
			ji := &ir.JumpInsn{Op: int(op)}
			out = append(out, rawInsn{offset: start, size: off - start, ins: ji, targets: []int{target}, patch: []**ir.Label{&ji.Target}})
		case 0xc8, 0xc9: // GOTO_W, JSR_W: wide 4-byte offset forms
			rel := int32(uint32(code[off])<<24 | uint32(code[off+1])<<16 | uint32(code[off+2])<<8 | uint32(code[off+3]))
			off += 4
			target := start + int(rel)
			ji := &ir.JumpInsn{Op: ir.OpGoto}
			out = append(out, rawInsn{offset: start, size: off - start, ins: ji, targets: []int{target}, patch: []**ir.Label{&ji.Target}})
		case ir.OpTableSwitch:
			pad := (4 - (off % 4)) % 4
			off += pad
			def := int32(uint32(code[off])<<24 | uint32(code[off+1])<<16 | uint32(code[off+2])<<8 | uint32(code[off+3]))
			off += 4
			low := int32(uint32(code[off])<<24 | uint32(code[off+1])<<16 | uint32(code[off+2])<<8 | uint32(code[off+3]))
			off += 4
			high := int32(uint32(code[off])<<24 | uint32(code[off+1])<<16 | uint32(code[off+2])<<8 | uint32(code[off+3]))
			off += 4
			n := int(high - low + 1)
			ts := &ir.TableSwitchInsn{Low: low, High: high}
			targets := []int{start + int(def)}
			patch := []**ir.Label{&ts.Default}
			ts.Labels = make([]*ir.Label, n)
			for k := 0; k < n; k++ {
				o := int32(uint32(code[off])<<24 | uint32(code[off+1])<<16 | uint32(code[off+2])<<8 | uint32(code[off+3]))
				off += 4
				targets = append(targets, start+int(o))
				patch = append(patch, &ts.Labels[k])
			}
			out = append(out, rawInsn{offset: start, size: off - start, ins: ts, targets: targets, patch: patch})
		case ir.OpLookupSwitch:
			pad := (4 - (off % 4)) % 4
			off += pad
			def := int32(uint32(code[off])<<24 | uint32(code[off+1])<<16 | uint32(code[off+2])<<8 | uint32(code[off+3]))
			off += 4
			n := int32(uint32(code[off])<<24 | uint32(code[off+1])<<16 | uint32(code[off+2])<<8 | uint32(code[off+3]))
			off += 4
			ls := &ir.LookupSwitchInsn{}
			targets := []int{start + int(def)}
			patch := []**ir.Label{&ls.Default}
			ls.Keys = make([]int32, n)
			ls.Labels = make([]*ir.Label, n)
			for k := 0; k < int(n); k++ {
				key := int32(uint32(code[off])<<24 | uint32(code[off+1])<<16 | uint32(code[off+2])<<8 | uint32(code[off+3]))
				off += 4
				o := int32(uint32(code[off])<<24 | uint32(code[off+1])<<16 | uint32(code[off+2])<<8 | uint32(code[off+3]))
				off += 4
				ls.Keys[k] = key
				targets = append(targets, start+int(o))
				patch = append(patch, &ls.Labels[k])
			}
			out = append(out, rawInsn{offset: start, size: off - start, ins: ls, targets: targets, patch: patch})
		case 0xc4: // WIDE: widen the next logical instruction's index operands
			wop := code[off]
			off++
			switch wop {
			case 0x84: // IINC
				idx := int(uint16(code[off])<<8 | uint16(code[off+1]))
				incr := int(int16(uint16(code[off+2])<<8 | uint16(code[off+3])))
				off += 4
				out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.IncrInsn{Var: idx, Increment: incr}})
			default:
				idx := int(uint16(code[off])<<8 | uint16(code[off+1]))
				off += 2
				out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.VarInsn{Op: int(wop), Var: idx}})
			}
		default:
			// zero-operand instruction: NOP, ACONST_NULL, ICONST_*,
			// LCONST_*, FCONST_*, DCONST_*, array loads/stores, POP,
			// DUP family, arithmetic, conversions, comparisons, returns,
			// ARRAYLENGTH, ATHROW, MONITORENTER/EXIT.
			out = append(out, rawInsn{offset: start, size: off - start, ins: &ir.Insn{Op: int(op)}})
		}
	}
	return out, nil
}

func isVarShort(op byte) bool {
	return (op >= 0x1a && op <= 0x2d) || (op >= 0x3b && op <= 0x4e)
}

// varShort maps one of the ILOAD_0..ASTORE_3 shortcut opcodes to its
// canonical long-form opcode plus the implied local index, per the
// IR's "normalized to one representation" policy for xLOAD/xSTORE.
func varShort(op byte) (canonicalOp, index int) {
	switch {
	case op >= 0x1a && op <= 0x1d:
		return ir.OpILoad, int(op - 0x1a)
	case op >= 0x1e && op <= 0x21:
		return ir.OpLLoad, int(op - 0x1e)
	case op >= 0x22 && op <= 0x25:
		return ir.OpFLoad, int(op - 0x22)
	case op >= 0x26 && op <= 0x29:
		return ir.OpDLoad, int(op - 0x26)
	case op >= 0x2a && op <= 0x2d:
		return ir.OpALoad, int(op - 0x2a)
	case op >= 0x3b && op <= 0x3e:
		return ir.OpIStore, int(op - 0x3b)
	case op >= 0x3f && op <= 0x42:
		return ir.OpLStore, int(op - 0x3f)
	case op >= 0x43 && op <= 0x46:
		return ir.OpFStore, int(op - 0x43)
	case op >= 0x47 && op <= 0x4a:
		return ir.OpDStore, int(op - 0x47)
	case op >= 0x4b && op <= 0x4e:
		return ir.OpAStore, int(op - 0x4b)
	}
	return int(op), 0
}

func (cr *classReader) ldcInsn(idx uint16) (*ir.LdcInsn, error) {
	if int(idx) >= len(cr.pool) {
		return nil, fmt.Errorf("loader: constant pool index %d out of range", idx)
	}
	e := cr.pool[idx]
	switch e.tag {
	case cpInteger:
		return &ir.LdcInsn{Kind: ir.LdcInt, IntVal: int64(e.intVal)}, nil
	case cpLong:
		return &ir.LdcInsn{Kind: ir.LdcLong, IntVal: e.longVal}, nil
	case cpFloat:
		return &ir.LdcInsn{Kind: ir.LdcFloat, FltVal: float64(e.fltVal)}, nil
	case cpDouble:
		return &ir.LdcInsn{Kind: ir.LdcDouble, FltVal: e.dblVal}, nil
	case cpString:
		return &ir.LdcInsn{Kind: ir.LdcString, Str: cr.utf8At(e.ref1)}, nil
	case cpClass:
		return &ir.LdcInsn{Kind: ir.LdcType, Type: ir.TypeConst{Name: cr.classNameAt(idx)}}, nil
	case cpMethodHandle:
		h, err := cr.methodHandleAt(idx)
		if err != nil {
			return nil, err
		}
		return &ir.LdcInsn{Kind: ir.LdcMethodHandle, Hdl: h}, nil
	}
	return nil, fmt.Errorf("loader: unsupported LDC constant pool tag %d", e.tag)
}

func (cr *classReader) fieldRefAt(idx uint16) (owner, name, desc string) {
	if int(idx) >= len(cr.pool) {
		return "", "", ""
	}
	e := cr.pool[idx]
	owner = cr.classNameAt(e.ref1)
	name, desc = cr.nameAndTypeAt(e.ref2)
	return
}

func (cr *classReader) methodRefAt(idx uint16) (owner, name, desc string) {
	return cr.fieldRefAt(idx)
}

func (cr *classReader) interfaceMethodRefAt(idx uint16) (owner, name, desc string) {
	return cr.fieldRefAt(idx)
}

func (cr *classReader) methodHandleAt(idx uint16) (ir.Handle, error) {
	if int(idx) >= len(cr.pool) {
		return ir.Handle{}, fmt.Errorf("loader: constant pool index %d out of range", idx)
	}
	e := cr.pool[idx]
	if e.tag != cpMethodHandle {
		return ir.Handle{}, fmt.Errorf("loader: index %d is not a MethodHandle", idx)
	}
	owner, name, desc := cr.fieldRefAt(e.ref2)
	return ir.Handle{Kind: int(e.ref1), Owner: owner, Name: name, Desc: desc}, nil
}

// invokeDynamicInsn decodes the call-site name+descriptor immediately;
// the bootstrap handle and static arguments are resolved later, once
// the class-level BootstrapMethods attribute (which appears after the
// methods section in the classfile layout) has been read — see
// resolveBootstrapMethods.
func (cr *classReader) invokeDynamicInsn(idx uint16) (*ir.InvokeDynamicInsn, error) {
	if int(idx) >= len(cr.pool) {
		return nil, fmt.Errorf("loader: constant pool index %d out of range", idx)
	}
	e := cr.pool[idx]
	name, desc := cr.nameAndTypeAt(e.ref2)
	insn := &ir.InvokeDynamicInsn{Name: name, Desc: desc}
	cr.pendingIndy = append(cr.pendingIndy, pendingIndy{insn: insn, bootstrapIdx: int(e.ref1)})
	return insn, nil
}

// resolveBootstrapMethods parses the class-level BootstrapMethods
// attribute (if present) and fills in every pending invokedynamic's
// Bootstrap handle and BsmArgs.
func (cr *classReader) resolveBootstrapMethods(c *ir.ClassNode) error {
	if len(cr.pendingIndy) == 0 {
		return nil
	}
	var raw []byte
	for _, a := range c.Attributes {
		if a.Name == "BootstrapMethods" {
			raw = a.Content
			break
		}
	}
	if raw == nil {
		return fmt.Errorf("loader: invokedynamic present but no BootstrapMethods attribute")
	}

	br := bytes.NewReader(raw)
	var count uint16
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return err
	}
	type bsm struct {
		handle ir.Handle
		args   []interface{}
	}
	methods := make([]bsm, count)
	for i := 0; i < int(count); i++ {
		var handleIdx uint16
		if err := binary.Read(br, binary.BigEndian, &handleIdx); err != nil {
			return err
		}
		handle, err := cr.methodHandleAt(handleIdx)
		if err != nil {
			return err
		}
		var argCount uint16
		if err := binary.Read(br, binary.BigEndian, &argCount); err != nil {
			return err
		}
		args := make([]interface{}, argCount)
		for j := 0; j < int(argCount); j++ {
			var argIdx uint16
			if err := binary.Read(br, binary.BigEndian, &argIdx); err != nil {
				return err
			}
			args[j] = cr.bsmArgAt(argIdx)
		}
		methods[i] = bsm{handle: handle, args: args}
	}

	for _, p := range cr.pendingIndy {
		if p.bootstrapIdx < 0 || p.bootstrapIdx >= len(methods) {
			continue
		}
		p.insn.Bootstrap = methods[p.bootstrapIdx].handle
		p.insn.BsmArgs = methods[p.bootstrapIdx].args
	}
	return nil
}

// bsmArgAt resolves one bootstrap static argument's constant pool
// entry into the int64/float64/string/Handle/*TypeConst shape
// InvokeDynamicInsn.BsmArgs documents.
func (cr *classReader) bsmArgAt(idx uint16) interface{} {
	if int(idx) >= len(cr.pool) {
		return nil
	}
	e := cr.pool[idx]
	switch e.tag {
	case cpInteger:
		return int64(e.intVal)
	case cpLong:
		return e.longVal
	case cpFloat:
		return float64(e.fltVal)
	case cpDouble:
		return e.dblVal
	case cpString:
		return cr.utf8At(e.ref1)
	case cpClass:
		return &ir.TypeConst{Name: cr.classNameAt(idx)}
	case cpMethodType:
		return cr.utf8At(e.ref1)
	case cpMethodHandle:
		h, err := cr.methodHandleAt(idx)
		if err != nil {
			return nil
		}
		return h
	}
	return nil
}
