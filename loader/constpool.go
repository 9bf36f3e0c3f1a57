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

// constantPoolBuilder interns constant pool entries while a class is
// being re-encoded, assigning each distinct entry a stable 1-based
// index. Interning keeps the pool from growing every time the same
// symbol (a class name, a method reference) is touched by more than
// one instruction.
type constantPoolBuilder struct {
	entries []cpEntry // mirrors classReader.pool's shape, 1-indexed
	utf8Idx map[string]uint16
	classIdx map[string]uint16
	natIdx  map[[2]string]uint16
	refIdx  map[[2]interface{}]uint16 // (tag, fieldref/methodref key) -> index
	bsm     []bsmEntry
	bsmIdx  map[string]int // dedup key -> index into bsm
}

type bsmEntry struct {
	handle ir.Handle
	args   []interface{}
}

func newConstantPoolBuilder() *constantPoolBuilder {
	return &constantPoolBuilder{
		entries:  []cpEntry{{}}, // index 0 unused
		utf8Idx:  map[string]uint16{},
		classIdx: map[string]uint16{},
		natIdx:   map[[2]string]uint16{},
		refIdx:   map[[2]interface{}]uint16{},
		bsmIdx:   map[string]int{},
	}
}

func (cb *constantPoolBuilder) add(e cpEntry) uint16 {
	cb.entries = append(cb.entries, e)
	idx := uint16(len(cb.entries) - 1)
	if e.tag == cpLong || e.tag == cpDouble {
		cb.entries = append(cb.entries, cpEntry{}) // reserve the second slot
	}
	return idx
}

func (cb *constantPoolBuilder) utf8(s string) uint16 {
	if idx, ok := cb.utf8Idx[s]; ok {
		return idx
	}
	idx := cb.add(cpEntry{tag: cpUTF8, utf8: s})
	cb.utf8Idx[s] = idx
	return idx
}

func (cb *constantPoolBuilder) classRef(name string) uint16 {
	if idx, ok := cb.classIdx[name]; ok {
		return idx
	}
	nameIdx := cb.utf8(name)
	idx := cb.add(cpEntry{tag: cpClass, ref1: nameIdx})
	cb.classIdx[name] = idx
	return idx
}

func (cb *constantPoolBuilder) nameAndType(name, desc string) uint16 {
	key := [2]string{name, desc}
	if idx, ok := cb.natIdx[key]; ok {
		return idx
	}
	idx := cb.add(cpEntry{tag: cpNameAndType, ref1: cb.utf8(name), ref2: cb.utf8(desc)})
	cb.natIdx[key] = idx
	return idx
}

func (cb *constantPoolBuilder) fieldRef(owner, name, desc string) uint16 {
	return cb.memberRef(cpFieldref, owner, name, desc)
}

func (cb *constantPoolBuilder) methodRef(owner, name, desc string, isInterface bool) uint16 {
	tag := byte(cpMethodref)
	if isInterface {
		tag = cpInterfaceMethodref
	}
	return cb.memberRef(tag, owner, name, desc)
}

func (cb *constantPoolBuilder) memberRef(tag byte, owner, name, desc string) uint16 {
	key := [2]interface{}{tag, owner + "." + name + ":" + desc}
	if idx, ok := cb.refIdx[key]; ok {
		return idx
	}
	idx := cb.add(cpEntry{tag: tag, ref1: cb.classRef(owner), ref2: cb.nameAndType(name, desc)})
	cb.refIdx[key] = idx
	return idx
}

func (cb *constantPoolBuilder) stringRef(s string) uint16 {
	key := [2]interface{}{cpString, s}
	if idx, ok := cb.refIdx[key]; ok {
		return idx
	}
	idx := cb.add(cpEntry{tag: cpString, ref1: cb.utf8(s)})
	cb.refIdx[key] = idx
	return idx
}

func (cb *constantPoolBuilder) integerRef(v int32) uint16 {
	key := [2]interface{}{cpInteger, v}
	if idx, ok := cb.refIdx[key]; ok {
		return idx
	}
	idx := cb.add(cpEntry{tag: cpInteger, intVal: v})
	cb.refIdx[key] = idx
	return idx
}

func (cb *constantPoolBuilder) longRef(v int64) uint16 {
	key := [2]interface{}{cpLong, v}
	if idx, ok := cb.refIdx[key]; ok {
		return idx
	}
	idx := cb.add(cpEntry{tag: cpLong, longVal: v})
	cb.refIdx[key] = idx
	return idx
}

func (cb *constantPoolBuilder) floatRef(v float32) uint16 {
	key := [2]interface{}{cpFloat, v}
	if idx, ok := cb.refIdx[key]; ok {
		return idx
	}
	idx := cb.add(cpEntry{tag: cpFloat, fltVal: v})
	cb.refIdx[key] = idx
	return idx
}

func (cb *constantPoolBuilder) doubleRef(v float64) uint16 {
	key := [2]interface{}{cpDouble, v}
	if idx, ok := cb.refIdx[key]; ok {
		return idx
	}
	idx := cb.add(cpEntry{tag: cpDouble, dblVal: v})
	cb.refIdx[key] = idx
	return idx
}

func (cb *constantPoolBuilder) methodHandleRef(h ir.Handle) uint16 {
	key := [2]interface{}{cpMethodHandle, fmt.Sprintf("%d:%s.%s:%s", h.Kind, h.Owner, h.Name, h.Desc)}
	if idx, ok := cb.refIdx[key]; ok {
		return idx
	}
	memberTag := byte(cpMethodref)
	if h.Kind == ir.RefGetField || h.Kind == ir.RefGetStatic || h.Kind == ir.RefPutField || h.Kind == ir.RefPutStatic {
		memberTag = cpFieldref
	} else if h.Kind == ir.RefInvokeInterface {
		memberTag = cpInterfaceMethodref
	}
	refIdx := cb.memberRef(memberTag, h.Owner, h.Name, h.Desc)
	idx := cb.add(cpEntry{tag: cpMethodHandle, ref1: uint16(h.Kind), ref2: refIdx})
	cb.refIdx[key] = idx
	return idx
}

func (cb *constantPoolBuilder) methodTypeRef(desc string) uint16 {
	key := [2]interface{}{cpMethodType, desc}
	if idx, ok := cb.refIdx[key]; ok {
		return idx
	}
	idx := cb.add(cpEntry{tag: cpMethodType, ref1: cb.utf8(desc)})
	cb.refIdx[key] = idx
	return idx
}

// ldcRef resolves an LdcInsn's payload to a constant pool index,
// interning it under the right tag.
func (cb *constantPoolBuilder) ldcRef(l *ir.LdcInsn) (uint16, error) {
	switch l.Kind {
	case ir.LdcInt:
		return cb.integerRef(int32(l.IntVal)), nil
	case ir.LdcLong:
		return cb.longRef(l.IntVal), nil
	case ir.LdcFloat:
		return cb.floatRef(float32(l.FltVal)), nil
	case ir.LdcDouble:
		return cb.doubleRef(l.FltVal), nil
	case ir.LdcString:
		return cb.stringRef(l.Str), nil
	case ir.LdcType:
		return cb.classRef(l.Type.Name), nil
	case ir.LdcMethodHandle:
		return cb.methodHandleRef(l.Hdl), nil
	}
	return 0, fmt.Errorf("loader: unsupported LdcKind %d", l.Kind)
}

// constantValueRef resolves a FieldNode.ConstValue into a constant pool
// index, per the ConstantValue attribute's restriction to primitives
// and String.
func (cb *constantPoolBuilder) constantValueRef(v interface{}) (uint16, error) {
	switch n := v.(type) {
	case int32:
		return cb.integerRef(n), nil
	case int64:
		return cb.longRef(n), nil
	case float32:
		return cb.floatRef(n), nil
	case float64:
		return cb.doubleRef(n), nil
	case string:
		return cb.stringRef(n), nil
	case bool:
		if n {
			return cb.integerRef(1), nil
		}
		return cb.integerRef(0), nil
	}
	return 0, fmt.Errorf("loader: unsupported ConstantValue type %T", v)
}

// invokeDynamicRef interns the call site's name-and-type plus its
// bootstrap entry (deduped by content, per the classfile spec allowing
// multiple call sites to share one BootstrapMethods entry).
func (cb *constantPoolBuilder) invokeDynamicRef(dyn *ir.InvokeDynamicInsn) uint16 {
	bsmKey := fmt.Sprintf("%d:%s.%s:%s|%v", dyn.Bootstrap.Kind, dyn.Bootstrap.Owner, dyn.Bootstrap.Name, dyn.Bootstrap.Desc, dyn.BsmArgs)
	bsmIndex, ok := cb.bsmIdx[bsmKey]
	if !ok {
		bsmIndex = len(cb.bsm)
		cb.bsm = append(cb.bsm, bsmEntry{handle: dyn.Bootstrap, args: dyn.BsmArgs})
		cb.bsmIdx[bsmKey] = bsmIndex
	}
	natIdx := cb.nameAndType(dyn.Name, dyn.Desc)
	idx := cb.add(cpEntry{tag: cpInvokeDynamic, ref1: uint16(bsmIndex), ref2: natIdx})
	return idx
}

// bsmArgRef resolves one bootstrap static argument to a pool index,
// mirroring bsmArgAt's decode-side mapping in reverse.
func (cb *constantPoolBuilder) bsmArgRef(arg interface{}) (uint16, error) {
	switch v := arg.(type) {
	case int64:
		return cb.longRef(v), nil
	case int32:
		return cb.integerRef(v), nil
	case float64:
		return cb.doubleRef(v), nil
	case float32:
		return cb.floatRef(v), nil
	case *ir.TypeConst:
		return cb.classRef(v.Name), nil
	case ir.Handle:
		return cb.methodHandleRef(v), nil
	}
	return 0, fmt.Errorf("loader: unsupported bootstrap argument type %T", arg)
}

// bootstrapMethodsAttribute serializes the interned bootstrap table
// into a BootstrapMethods attribute's content, or nil if no
// invokedynamic site was ever interned.
func (cb *constantPoolBuilder) bootstrapMethodsAttribute() []byte {
	if len(cb.bsm) == 0 {
		return nil
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(len(cb.bsm)))
	for _, b := range cb.bsm {
		binary.Write(&buf, binary.BigEndian, cb.methodHandleRef(b.handle))
		binary.Write(&buf, binary.BigEndian, uint16(len(b.args)))
		for _, a := range b.args {
			idx, err := cb.resolveBsmArg(a)
			if err != nil {
				idx = 0
			}
			binary.Write(&buf, binary.BigEndian, idx)
		}
	}
	return buf.Bytes()
}

// resolveBsmArg is like bsmArgRef but treats a bare string argument as
// a method-type descriptor when it looks like one, else a String
// constant — §3's InvokeDynamicInsn.BsmArgs comment documents bare
// strings as one of the four scalar kinds without distinguishing
// MethodType from String at the Go type level, so the distinction is
// re-derived here from the descriptor's shape.
func (cb *constantPoolBuilder) resolveBsmArg(arg interface{}) (uint16, error) {
	if s, ok := arg.(string); ok {
		if len(s) > 0 && s[0] == '(' {
			return cb.methodTypeRef(s), nil
		}
		return cb.stringRef(s), nil
	}
	return cb.bsmArgRef(arg)
}

func (cb *constantPoolBuilder) writeTo(w *bytes.Buffer) {
	binary.Write(w, binary.BigEndian, uint16(len(cb.entries)))
	for i := 1; i < len(cb.entries); i++ {
		e := cb.entries[i]
		if e.tag == 0 {
			continue // second slot of a long/double entry
		}
		w.WriteByte(e.tag)
		switch e.tag {
		case cpUTF8:
			binary.Write(w, binary.BigEndian, uint16(len(e.utf8)))
			w.WriteString(e.utf8)
		case cpInteger:
			binary.Write(w, binary.BigEndian, uint32(e.intVal))
		case cpFloat:
			binary.Write(w, binary.BigEndian, math.Float32bits(e.fltVal))
		case cpLong:
			binary.Write(w, binary.BigEndian, uint64(e.longVal))
		case cpDouble:
			binary.Write(w, binary.BigEndian, math.Float64bits(e.dblVal))
		case cpClass, cpString, cpMethodType:
			binary.Write(w, binary.BigEndian, e.ref1)
		case cpFieldref, cpMethodref, cpInterfaceMethodref, cpNameAndType, cpInvokeDynamic:
			binary.Write(w, binary.BigEndian, e.ref1)
			binary.Write(w, binary.BigEndian, e.ref2)
		case cpMethodHandle:
			w.WriteByte(byte(e.ref1))
			binary.Write(w, binary.BigEndian, e.ref2)
		}
		if e.tag == cpLong || e.tag == cpDouble {
			i++
		}
	}
}
