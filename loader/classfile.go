/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Package loader parses raw classfile bytes into ir.ClassNode. It sits
// outside the sequential pipeline core (§5): parsing one class has no
// shared mutable state with parsing another, so Load fans the work out
// across goroutines before handing a single assembled universe.Universe
// to the pipeline.
package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jacobin-tools/classdeobf/ir"
)

// constant pool tags, per the classfile spec's CONSTANT_* values.
const (
	cpUTF8               = 1
	cpInteger            = 3
	cpFloat              = 4
	cpLong               = 5
	cpDouble             = 6
	cpClass              = 7
	cpString             = 8
	cpFieldref           = 9
	cpMethodref          = 10
	cpInterfaceMethodref = 11
	cpNameAndType        = 12
	cpMethodHandle       = 15
	cpMethodType         = 16
	cpInvokeDynamic      = 18
)

type cpEntry struct {
	tag     byte
	utf8    string
	intVal  int32
	longVal int64
	fltVal  float32
	dblVal  float64
	ref1    uint16 // class index / name index / ref kind holder
	ref2    uint16 // name-and-type index / desc index / ref index
}

type classReader struct {
	r    *bytes.Reader
	pool []cpEntry // 1-indexed; pool[0] unused

	// pendingIndy holds invokedynamic instructions whose bootstrap
	// handle can't be resolved until the class-level BootstrapMethods
	// attribute, which appears after the methods section in the
	// classfile layout, has been read.
	pendingIndy []pendingIndy
}

type pendingIndy struct {
	insn         *ir.InvokeDynamicInsn
	bootstrapIdx int
}

func newClassReader(data []byte) *classReader {
	return &classReader{r: bytes.NewReader(data)}
}

func (cr *classReader) u1() (byte, error) {
	b, err := cr.r.ReadByte()
	return b, err
}

func (cr *classReader) u2() (uint16, error) {
	var v uint16
	err := binary.Read(cr.r, binary.BigEndian, &v)
	return v, err
}

func (cr *classReader) u4() (uint32, error) {
	var v uint32
	err := binary.Read(cr.r, binary.BigEndian, &v)
	return v, err
}

func (cr *classReader) bytesN(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := readFull(cr.r, buf)
	return buf, err
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (cr *classReader) readConstantPool() error {
	count, err := cr.u2()
	if err != nil {
		return err
	}
	cr.pool = make([]cpEntry, count)

	for i := 1; i < int(count); i++ {
		tag, err := cr.u1()
		if err != nil {
			return err
		}
		e := cpEntry{tag: tag}
		switch tag {
		case cpUTF8:
			n, err := cr.u2()
			if err != nil {
				return err
			}
			b, err := cr.bytesN(int(n))
			if err != nil {
				return err
			}
			e.utf8 = string(b)
		case cpInteger:
			v, err := cr.u4()
			if err != nil {
				return err
			}
			e.intVal = int32(v)
		case cpFloat:
			v, err := cr.u4()
			if err != nil {
				return err
			}
			e.fltVal = math.Float32frombits(v)
		case cpLong:
			hi, err := cr.u4()
			if err != nil {
				return err
			}
			lo, err := cr.u4()
			if err != nil {
				return err
			}
			e.longVal = int64(uint64(hi)<<32 | uint64(lo))
		case cpDouble:
			hi, err := cr.u4()
			if err != nil {
				return err
			}
			lo, err := cr.u4()
			if err != nil {
				return err
			}
			e.dblVal = math.Float64frombits(uint64(hi)<<32 | uint64(lo))
		case cpClass, cpString, cpMethodType:
			idx, err := cr.u2()
			if err != nil {
				return err
			}
			e.ref1 = idx
		case cpFieldref, cpMethodref, cpInterfaceMethodref, cpNameAndType, cpInvokeDynamic:
			a, err := cr.u2()
			if err != nil {
				return err
			}
			b, err := cr.u2()
			if err != nil {
				return err
			}
			e.ref1, e.ref2 = a, b
		case cpMethodHandle:
			kind, err := cr.u1()
			if err != nil {
				return err
			}
			idx, err := cr.u2()
			if err != nil {
				return err
			}
			e.ref1 = uint16(kind)
			e.ref2 = idx
		default:
			return fmt.Errorf("loader: unrecognized constant pool tag %d at index %d", tag, i)
		}
		cr.pool[i] = e

		// Long/double entries occupy two pool slots, per the classfile
		// spec's historical quirk.
		if tag == cpLong || tag == cpDouble {
			i++
		}
	}
	return nil
}

func (cr *classReader) utf8At(idx uint16) string {
	if int(idx) >= len(cr.pool) {
		return ""
	}
	return cr.pool[idx].utf8
}

func (cr *classReader) classNameAt(idx uint16) string {
	if idx == 0 || int(idx) >= len(cr.pool) {
		return ""
	}
	return cr.utf8At(cr.pool[idx].ref1)
}

func (cr *classReader) nameAndTypeAt(idx uint16) (name, desc string) {
	if int(idx) >= len(cr.pool) {
		return "", ""
	}
	e := cr.pool[idx]
	return cr.utf8At(e.ref1), cr.utf8At(e.ref2)
}
