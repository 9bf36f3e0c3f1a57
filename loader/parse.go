/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package loader

import (
	"fmt"

	"github.com/jacobin-tools/classdeobf/ir"
)

const classMagic = 0xCAFEBABE

// ParseClass decodes raw classfile bytes into an ir.ClassNode. Attribute
// kinds the core doesn't need to interpret (annotations, inner classes,
// bootstrap methods once consumed, module info, ...) are carried
// forward verbatim as ir.Attribute so later passes can still see them
// via ClassNode.Attributes/FieldNode.Attributes without this parser
// needing to understand their layout.
func ParseClass(data []byte) (*ir.ClassNode, error) {
	cr := newClassReader(data)

	magic, err := cr.u4()
	if err != nil {
		return nil, fmt.Errorf("loader: reading magic: %w", err)
	}
	if magic != classMagic {
		return nil, fmt.Errorf("loader: bad magic %#x", magic)
	}
	minor, err := cr.u2()
	if err != nil {
		return nil, err
	}
	major, err := cr.u2()
	if err != nil {
		return nil, err
	}
	if err := cr.readConstantPool(); err != nil {
		return nil, err
	}

	access, err := cr.u2()
	if err != nil {
		return nil, err
	}
	thisIdx, err := cr.u2()
	if err != nil {
		return nil, err
	}
	superIdx, err := cr.u2()
	if err != nil {
		return nil, err
	}

	c := &ir.ClassNode{
		MinorVersion: int(minor),
		MajorVersion: int(major),
		Access:       int(access),
		Name:         cr.classNameAt(thisIdx),
		Super:        cr.classNameAt(superIdx),
	}

	ifaceCount, err := cr.u2()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(ifaceCount); i++ {
		idx, err := cr.u2()
		if err != nil {
			return nil, err
		}
		c.Interfaces = append(c.Interfaces, cr.classNameAt(idx))
	}

	if err := cr.readFields(c); err != nil {
		return nil, err
	}
	if err := cr.readMethods(c); err != nil {
		return nil, err
	}
	if err := cr.readClassAttributes(c); err != nil {
		return nil, err
	}
	if err := cr.resolveBootstrapMethods(c); err != nil {
		return nil, err
	}

	return c, nil
}

func (cr *classReader) readFields(c *ir.ClassNode) error {
	count, err := cr.u2()
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		access, err := cr.u2()
		if err != nil {
			return err
		}
		nameIdx, err := cr.u2()
		if err != nil {
			return err
		}
		descIdx, err := cr.u2()
		if err != nil {
			return err
		}
		f := &ir.FieldNode{Access: int(access), Name: cr.utf8At(nameIdx), Desc: cr.utf8At(descIdx)}

		attrCount, err := cr.u2()
		if err != nil {
			return err
		}
		for j := 0; j < int(attrCount); j++ {
			name, content, err := cr.readRawAttribute()
			if err != nil {
				return err
			}
			if name == "ConstantValue" && len(content) == 2 {
				idx := uint16(content[0])<<8 | uint16(content[1])
				f.ConstValue = cr.constantValueAt(idx)
			}
			f.Attributes = append(f.Attributes, &ir.Attribute{Name: name, Content: content})
		}
		c.Fields = append(c.Fields, f)
	}
	return nil
}

func (cr *classReader) readMethods(c *ir.ClassNode) error {
	count, err := cr.u2()
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		access, err := cr.u2()
		if err != nil {
			return err
		}
		nameIdx, err := cr.u2()
		if err != nil {
			return err
		}
		descIdx, err := cr.u2()
		if err != nil {
			return err
		}
		m := &ir.MethodNode{Access: int(access), Name: cr.utf8At(nameIdx), Desc: cr.utf8At(descIdx)}

		attrCount, err := cr.u2()
		if err != nil {
			return err
		}
		for j := 0; j < int(attrCount); j++ {
			name, content, err := cr.readRawAttribute()
			if err != nil {
				return err
			}
			switch name {
			case "Code":
				if err := cr.parseCodeAttribute(m, content); err != nil {
					return fmt.Errorf("loader: %s.%s%s: %w", c.Name, m.Name, m.Desc, err)
				}
			case "Deprecated":
				m.Deprecated = true
			case "Signature":
				if len(content) == 2 {
					idx := uint16(content[0])<<8 | uint16(content[1])
					m.Signature = cr.utf8At(idx)
				}
			}
		}
		c.Methods = append(c.Methods, m)
	}
	return nil
}

func (cr *classReader) readClassAttributes(c *ir.ClassNode) error {
	count, err := cr.u2()
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		name, content, err := cr.readRawAttribute()
		if err != nil {
			return err
		}
		if name == "SourceFile" && len(content) == 2 {
			idx := uint16(content[0])<<8 | uint16(content[1])
			c.SourceFile = cr.utf8At(idx)
		}
		c.Attributes = append(c.Attributes, &ir.Attribute{Name: name, Content: content})
	}
	return nil
}

// readRawAttribute reads one attribute_info's name and raw content
// without interpreting it, per this parser's "carry forward, interpret
// only what the core needs" policy.
func (cr *classReader) readRawAttribute() (name string, content []byte, err error) {
	nameIdx, err := cr.u2()
	if err != nil {
		return "", nil, err
	}
	length, err := cr.u4()
	if err != nil {
		return "", nil, err
	}
	content, err = cr.bytesN(int(length))
	if err != nil {
		return "", nil, err
	}
	return cr.utf8At(nameIdx), content, nil
}

// constantValueAt resolves a ConstantValue attribute's pool index into
// the Go value FieldNode.ConstValue carries, per §4.4.2's "field's
// recorded constant value."
func (cr *classReader) constantValueAt(idx uint16) interface{} {
	if int(idx) >= len(cr.pool) {
		return nil
	}
	e := cr.pool[idx]
	switch e.tag {
	case cpInteger:
		return e.intVal
	case cpLong:
		return e.longVal
	case cpFloat:
		return e.fltVal
	case cpDouble:
		return e.dblVal
	case cpString:
		return cr.utf8At(e.ref1)
	}
	return nil
}
