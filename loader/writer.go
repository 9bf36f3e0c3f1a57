/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jacobin-tools/classdeobf/ir"
)

// WriteClass serializes c back into classfile bytes, the mirror image
// of ParseClass, per §6's "the caller ... receives the mutated map
// back." To keep instruction sizes independent of final constant pool
// numbering, every constant load is written in its wide form
// (LDC_W/LDC2_W) rather than re-deriving the most compact encoding —
// a pass that cares about compactness (EncodeIntPush et al.) already
// chose the IR-level representation; this writer just needs one valid
// encoding, not the smallest one.
//
// Known limitation: a conditional branch (IFxx/IF_ICMPxx/IF_ACMPxx)
// whose rewritten target no longer fits a signed 16-bit offset is
// reported as an error rather than rewritten through the "negate and
// GOTO_W" trick a production compiler uses — out of scope for a static
// deobfuscator that only ever shrinks or locally rewrites methods.
func WriteClass(c *ir.ClassNode) ([]byte, error) {
	cb := newConstantPoolBuilder()
	classIdx := cb.classRef(c.Name)
	superIdx := uint16(0)
	if c.Super != "" {
		superIdx = cb.classRef(c.Super)
	}
	ifaceIdxs := make([]uint16, len(c.Interfaces))
	for i, iface := range c.Interfaces {
		ifaceIdxs[i] = cb.classRef(iface)
	}

	fieldBufs, err := writeFields(cb, c.Fields)
	if err != nil {
		return nil, err
	}
	methodBufs, err := writeMethods(cb, c)
	if err != nil {
		return nil, err
	}

	var classAttrs bytes.Buffer
	attrCount := 0
	for _, a := range c.Attributes {
		if a.Name == "BootstrapMethods" {
			continue // rebuilt below from the resolved bootstrap table
		}
		writeAttribute(&classAttrs, cb.utf8(a.Name), a.Content)
		attrCount++
	}
	if c.SourceFile != "" {
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, cb.utf8(c.SourceFile))
		writeAttribute(&classAttrs, cb.utf8("SourceFile"), buf.Bytes())
		attrCount++
	}
	if bsm := cb.bootstrapMethodsAttribute(); bsm != nil {
		writeAttribute(&classAttrs, cb.utf8("BootstrapMethods"), bsm)
		attrCount++
	}

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, uint32(classMagic))
	binary.Write(&out, binary.BigEndian, uint16(c.MinorVersion))
	binary.Write(&out, binary.BigEndian, uint16(c.MajorVersion))
	cb.writeTo(&out)
	binary.Write(&out, binary.BigEndian, uint16(c.Access))
	binary.Write(&out, binary.BigEndian, classIdx)
	binary.Write(&out, binary.BigEndian, superIdx)
	binary.Write(&out, binary.BigEndian, uint16(len(ifaceIdxs)))
	for _, idx := range ifaceIdxs {
		binary.Write(&out, binary.BigEndian, idx)
	}
	binary.Write(&out, binary.BigEndian, uint16(len(fieldBufs)))
	for _, b := range fieldBufs {
		out.Write(b)
	}
	binary.Write(&out, binary.BigEndian, uint16(len(methodBufs)))
	for _, b := range methodBufs {
		out.Write(b)
	}
	binary.Write(&out, binary.BigEndian, uint16(attrCount))
	out.Write(classAttrs.Bytes())

	return out.Bytes(), nil
}

func writeAttribute(buf *bytes.Buffer, nameIdx uint16, content []byte) {
	binary.Write(buf, binary.BigEndian, nameIdx)
	binary.Write(buf, binary.BigEndian, uint32(len(content)))
	buf.Write(content)
}

func writeFields(cb *constantPoolBuilder, fields []*ir.FieldNode) ([][]byte, error) {
	out := make([][]byte, len(fields))
	for i, f := range fields {
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, uint16(f.Access))
		binary.Write(&buf, binary.BigEndian, cb.utf8(f.Name))
		binary.Write(&buf, binary.BigEndian, cb.utf8(f.Desc))

		var attrs bytes.Buffer
		count := 0
		for _, a := range f.Attributes {
			if a.Name == "ConstantValue" {
				continue // rebuilt below from FieldNode.ConstValue
			}
			writeAttribute(&attrs, cb.utf8(a.Name), a.Content)
			count++
		}
		if f.ConstValue != nil {
			idx, err := cb.constantValueRef(f.ConstValue)
			if err != nil {
				return nil, fmt.Errorf("loader: field %s: %w", f.Name, err)
			}
			var cv bytes.Buffer
			binary.Write(&cv, binary.BigEndian, idx)
			writeAttribute(&attrs, cb.utf8("ConstantValue"), cv.Bytes())
			count++
		}
		binary.Write(&buf, binary.BigEndian, uint16(count))
		buf.Write(attrs.Bytes())
		out[i] = buf.Bytes()
	}
	return out, nil
}

func writeMethods(cb *constantPoolBuilder, c *ir.ClassNode) ([][]byte, error) {
	out := make([][]byte, len(c.Methods))
	for i, m := range c.Methods {
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, uint16(m.Access))
		binary.Write(&buf, binary.BigEndian, cb.utf8(m.Name))
		binary.Write(&buf, binary.BigEndian, cb.utf8(m.Desc))

		var attrs bytes.Buffer
		count := 0
		if len(m.Instrs) > 0 {
			code, err := writeCodeAttribute(cb, m)
			if err != nil {
				return nil, fmt.Errorf("loader: %s.%s%s: %w", c.Name, m.Name, m.Desc, err)
			}
			writeAttribute(&attrs, cb.utf8("Code"), code)
			count++
		}
		if m.Deprecated {
			writeAttribute(&attrs, cb.utf8("Deprecated"), nil)
			count++
		}
		if m.Signature != "" {
			var sig bytes.Buffer
			binary.Write(&sig, binary.BigEndian, cb.utf8(m.Signature))
			writeAttribute(&attrs, cb.utf8("Signature"), sig.Bytes())
			count++
		}
		binary.Write(&buf, binary.BigEndian, uint16(count))
		buf.Write(attrs.Bytes())
		out[i] = buf.Bytes()
	}
	return out, nil
}

func writeCodeAttribute(cb *constantPoolBuilder, m *ir.MethodNode) ([]byte, error) {
	offsets, size, err := layoutInstructions(m.Instrs)
	if err != nil {
		return nil, err
	}

	code := make([]byte, 0, size)
	var lines []struct{ offset, line int }
	var frames [][]byte
	pos := 0
	for _, ins := range m.Instrs {
		switch v := ins.(type) {
		case *ir.LabelInsn, nil:
			continue
		case *ir.LineInsn:
			lines = append(lines, struct{ offset, line int }{offsets[v.Start], v.Line})
			continue
		case *ir.FrameInsn:
			frames = append(frames, v.Raw)
			continue
		}
		b, err := cb.encodeInstruction(ins, pos, offsets)
		if err != nil {
			return nil, err
		}
		code = append(code, b...)
		pos += len(b)
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(m.MaxStack))
	binary.Write(&buf, binary.BigEndian, uint16(m.MaxLocals))
	binary.Write(&buf, binary.BigEndian, uint32(len(code)))
	buf.Write(code)

	binary.Write(&buf, binary.BigEndian, uint16(len(m.TryCatch)))
	for _, tc := range m.TryCatch {
		binary.Write(&buf, binary.BigEndian, uint16(offsets[tc.Start]))
		binary.Write(&buf, binary.BigEndian, uint16(offsets[tc.End]))
		binary.Write(&buf, binary.BigEndian, uint16(offsets[tc.Handler]))
		catchIdx := uint16(0)
		if tc.Type != "" {
			catchIdx = cb.classRef(tc.Type)
		}
		binary.Write(&buf, binary.BigEndian, catchIdx)
	}

	var methodAttrs bytes.Buffer
	attrCount := 0
	if len(lines) > 0 {
		var lnt bytes.Buffer
		binary.Write(&lnt, binary.BigEndian, uint16(len(lines)))
		for _, l := range lines {
			binary.Write(&lnt, binary.BigEndian, uint16(l.offset))
			binary.Write(&lnt, binary.BigEndian, uint16(l.line))
		}
		writeAttribute(&methodAttrs, cb.utf8("LineNumberTable"), lnt.Bytes())
		attrCount++
	}
	if len(m.LocalVars) > 0 {
		var lvt bytes.Buffer
		binary.Write(&lvt, binary.BigEndian, uint16(len(m.LocalVars)))
		for _, lv := range m.LocalVars {
			start := offsets[lv.Start]
			end := offsets[lv.End]
			binary.Write(&lvt, binary.BigEndian, uint16(start))
			binary.Write(&lvt, binary.BigEndian, uint16(end-start))
			binary.Write(&lvt, binary.BigEndian, cb.utf8(lv.Name))
			binary.Write(&lvt, binary.BigEndian, cb.utf8(lv.Desc))
			binary.Write(&lvt, binary.BigEndian, uint16(lv.Index))
		}
		writeAttribute(&methodAttrs, cb.utf8("LocalVariableTable"), lvt.Bytes())
		attrCount++
	}
	for _, f := range frames {
		writeAttribute(&methodAttrs, cb.utf8("StackMapTable"), f)
		attrCount++
	}

	binary.Write(&buf, binary.BigEndian, uint16(attrCount))
	buf.Write(methodAttrs.Bytes())
	return buf.Bytes(), nil
}

// layoutInstructions computes each real instruction's byte size and
// every label's resolved byte offset in one forward pass. Jump/switch
// instruction sizes never depend on their resolved target value (every
// branch form here is fixed-width except TABLESWITCH/LOOKUPSWITCH's
// alignment padding, which only depends on the running offset already
// known at that point), so layout and encoding can be separate passes.
func layoutInstructions(instrs []ir.Instruction) (map[*ir.Label]int, int, error) {
	offsets := map[*ir.Label]int{}
	pos := 0
	for _, ins := range instrs {
		switch v := ins.(type) {
		case *ir.LabelInsn:
			offsets[v.L] = pos
		case *ir.LineInsn, *ir.FrameInsn:
			// zero-width pseudo-nodes
		default:
			sz, err := instructionSize(ins, pos)
			if err != nil {
				return nil, 0, err
			}
			pos += sz
		}
	}
	return offsets, pos, nil
}

func instructionSize(ins ir.Instruction, pos int) (int, error) {
	switch v := ins.(type) {
	case *ir.Insn:
		return 1, nil
	case *ir.IntInsn:
		switch v.Op {
		case ir.OpBiPush, ir.OpNewArray:
			return 2, nil
		case ir.OpSiPush:
			return 3, nil
		}
		return 0, fmt.Errorf("loader: unsupported IntInsn op %#x", v.Op)
	case *ir.VarInsn:
		if v.Var > 255 {
			return 4, nil // WIDE xLOAD/xSTORE idx16
		}
		return 2, nil
	case *ir.IncrInsn:
		if v.Var > 255 || v.Increment < -128 || v.Increment > 127 {
			return 6, nil // WIDE IINC idx16 incr16
		}
		return 3, nil
	case *ir.TypeInsn:
		return 3, nil
	case *ir.FieldInsn, *ir.MethodInsn:
		if mi, ok := ins.(*ir.MethodInsn); ok && mi.Op == ir.OpInvokeInterface {
			return 5, nil
		}
		return 3, nil
	case *ir.LdcInsn:
		if v.Kind == ir.LdcLong || v.Kind == ir.LdcDouble {
			return 3, nil // LDC2_W
		}
		return 3, nil // LDC_W
	case *ir.InvokeDynamicInsn:
		return 5, nil
	case *ir.JumpInsn:
		return 3, nil
	case *ir.LookupSwitchInsn:
		pad := (4 - ((pos + 1) % 4)) % 4
		return 1 + pad + 8 + 8*len(v.Keys), nil
	case *ir.TableSwitchInsn:
		pad := (4 - ((pos + 1) % 4)) % 4
		n := int(v.High-v.Low) + 1
		return 1 + pad + 12 + 4*n, nil
	case *ir.MultiANewArrayInsn:
		return 4, nil
	}
	return 0, fmt.Errorf("loader: unsupported instruction type %T", ins)
}

func (cb *constantPoolBuilder) encodeInstruction(ins ir.Instruction, pos int, offsets map[*ir.Label]int) ([]byte, error) {
	var buf bytes.Buffer
	switch v := ins.(type) {
	case *ir.Insn:
		buf.WriteByte(byte(v.Op))
	case *ir.IntInsn:
		buf.WriteByte(byte(v.Op))
		switch v.Op {
		case ir.OpBiPush, ir.OpNewArray:
			buf.WriteByte(byte(int8(v.Operand)))
		case ir.OpSiPush:
			binary.Write(&buf, binary.BigEndian, int16(v.Operand))
		}
	case *ir.VarInsn:
		if v.Var > 255 {
			buf.WriteByte(0xc4)
			buf.WriteByte(byte(v.Op))
			binary.Write(&buf, binary.BigEndian, uint16(v.Var))
		} else {
			buf.WriteByte(byte(v.Op))
			buf.WriteByte(byte(v.Var))
		}
	case *ir.IncrInsn:
		if v.Var > 255 || v.Increment < -128 || v.Increment > 127 {
			buf.WriteByte(0xc4)
			buf.WriteByte(0x84)
			binary.Write(&buf, binary.BigEndian, uint16(v.Var))
			binary.Write(&buf, binary.BigEndian, int16(v.Increment))
		} else {
			buf.WriteByte(0x84)
			buf.WriteByte(byte(v.Var))
			buf.WriteByte(byte(int8(v.Increment)))
		}
	case *ir.TypeInsn:
		buf.WriteByte(byte(v.Op))
		binary.Write(&buf, binary.BigEndian, cb.classRef(v.Type))
	case *ir.FieldInsn:
		buf.WriteByte(byte(v.Op))
		binary.Write(&buf, binary.BigEndian, cb.fieldRef(v.Owner, v.Name, v.Desc))
	case *ir.MethodInsn:
		buf.WriteByte(byte(v.Op))
		idx := cb.methodRef(v.Owner, v.Name, v.Desc, v.IsInterface)
		binary.Write(&buf, binary.BigEndian, idx)
		if v.Op == ir.OpInvokeInterface {
			buf.WriteByte(byte(ir.ArgSlotCount(v.Desc) + 1))
			buf.WriteByte(0)
		}
	case *ir.LdcInsn:
		if v.Kind == ir.LdcLong || v.Kind == ir.LdcDouble {
			buf.WriteByte(0x14)
		} else {
			buf.WriteByte(0x13)
		}
		idx, err := cb.ldcRef(v)
		if err != nil {
			return nil, err
		}
		binary.Write(&buf, binary.BigEndian, idx)
	case *ir.InvokeDynamicInsn:
		buf.WriteByte(byte(ir.OpInvokeDynamic))
		idx := cb.invokeDynamicRef(v)
		binary.Write(&buf, binary.BigEndian, idx)
		buf.WriteByte(0)
		buf.WriteByte(0)
	case *ir.JumpInsn:
		target, ok := offsets[v.Target]
		if !ok {
			return nil, fmt.Errorf("loader: jump to unresolved label")
		}
		rel := target - pos
		if rel < math.MinInt16 || rel > math.MaxInt16 {
			if v.Op == ir.OpGoto {
				buf.WriteByte(0xc8)
				binary.Write(&buf, binary.BigEndian, int32(rel))
				return buf.Bytes(), nil
			}
			return nil, fmt.Errorf("loader: branch offset %d out of signed 16-bit range", rel)
		}
		buf.WriteByte(byte(v.Op))
		binary.Write(&buf, binary.BigEndian, int16(rel))
	case *ir.LookupSwitchInsn:
		return encodeLookupSwitch(v, pos, offsets)
	case *ir.TableSwitchInsn:
		return encodeTableSwitch(v, pos, offsets)
	case *ir.MultiANewArrayInsn:
		buf.WriteByte(byte(ir.OpMultiANewArray))
		binary.Write(&buf, binary.BigEndian, cb.classRef(v.Desc))
		buf.WriteByte(byte(v.Dims))
	default:
		return nil, fmt.Errorf("loader: unsupported instruction type %T", ins)
	}
	return buf.Bytes(), nil
}

func encodeLookupSwitch(v *ir.LookupSwitchInsn, pos int, offsets map[*ir.Label]int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(ir.OpLookupSwitch))
	pad := (4 - ((pos + 1) % 4)) % 4
	buf.Write(make([]byte, pad))
	def, ok := offsets[v.Default]
	if !ok {
		return nil, fmt.Errorf("loader: lookupswitch default target unresolved")
	}
	binary.Write(&buf, binary.BigEndian, int32(def-pos))
	binary.Write(&buf, binary.BigEndian, int32(len(v.Keys)))
	for i, k := range v.Keys {
		off, ok := offsets[v.Labels[i]]
		if !ok {
			return nil, fmt.Errorf("loader: lookupswitch case target unresolved")
		}
		binary.Write(&buf, binary.BigEndian, k)
		binary.Write(&buf, binary.BigEndian, int32(off-pos))
	}
	return buf.Bytes(), nil
}

func encodeTableSwitch(v *ir.TableSwitchInsn, pos int, offsets map[*ir.Label]int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(ir.OpTableSwitch))
	pad := (4 - ((pos + 1) % 4)) % 4
	buf.Write(make([]byte, pad))
	def, ok := offsets[v.Default]
	if !ok {
		return nil, fmt.Errorf("loader: tableswitch default target unresolved")
	}
	binary.Write(&buf, binary.BigEndian, int32(def-pos))
	binary.Write(&buf, binary.BigEndian, v.Low)
	binary.Write(&buf, binary.BigEndian, v.High)
	for _, l := range v.Labels {
		off, ok := offsets[l]
		if !ok {
			return nil, fmt.Errorf("loader: tableswitch case target unresolved")
		}
		binary.Write(&buf, binary.BigEndian, int32(off-pos))
	}
	return buf.Bytes(), nil
}
