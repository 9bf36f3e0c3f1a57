package ir

// Access flag bits, per the classfile spec. Only the subset the core
// passes inspect is named; unrecognized bits are preserved verbatim in
// ClassNode.Access/MethodNode.Access/FieldNode.Access.
const (
	AccPublic    = 0x0001
	AccPrivate   = 0x0002
	AccProtected = 0x0004
	AccStatic    = 0x0008
	AccFinal     = 0x0010
	AccSuper     = 0x0020
	AccSynchron  = 0x0020 // same bit, different meaning on a method
	AccInterface = 0x0200
	AccAbstract  = 0x0400
	AccSynthetic = 0x1000
	AccAnnotatn  = 0x2000
	AccEnum      = 0x4000
)

// ClassNode is the mutable, parsed representation of one class. Passes
// borrow it from a universe.Class and rewrite it in place.
type ClassNode struct {
	MinorVersion int
	MajorVersion int
	Access       int
	Name         string // internal, slash-separated
	Super        string
	Interfaces   []string
	Fields       []*FieldNode
	Methods      []*MethodNode
	Attributes   []*Attribute
	SourceFile   string
}

// IsEnum reports whether the ACC_ENUM bit is set, per §4.4.2's "skip
// enum-annotated classes" rule for the constant-field inliner.
func (c *ClassNode) IsEnum() bool { return c.Access&AccEnum != 0 }

// Method returns the method matching name+desc, or nil.
func (c *ClassNode) Method(name, desc string) *MethodNode {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// Field returns the field matching name, or nil.
func (c *ClassNode) Field(name string) *FieldNode {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// RemoveMethod deletes the first method matching name+desc, reporting
// whether anything was removed.
func (c *ClassNode) RemoveMethod(name, desc string) bool {
	for i, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			c.Methods = append(c.Methods[:i], c.Methods[i+1:]...)
			return true
		}
	}
	return false
}

// ClinitMethods returns every method named "<clinit>", which should be
// at most one after the pre-pass merge step (§3 invariant) but may be
// more than one on classes a manipulation tool has tampered with.
func (c *ClassNode) ClinitMethods() []*MethodNode {
	var out []*MethodNode
	for _, m := range c.Methods {
		if m.Name == "<clinit>" && m.Desc == "()V" {
			out = append(out, m)
		}
	}
	return out
}

// Clone deep-copies the class, including every method's instruction
// list under a fresh label remap, so the clone shares no mutable state
// with the original. Used by the sandbox to build proxy classes and by
// the static-initializer merge step to splice secondary initializers.
func (c *ClassNode) Clone() *ClassNode {
	nc := &ClassNode{
		MinorVersion: c.MinorVersion,
		MajorVersion: c.MajorVersion,
		Access:       c.Access,
		Name:         c.Name,
		Super:        c.Super,
		Interfaces:   append([]string(nil), c.Interfaces...),
		SourceFile:   c.SourceFile,
	}
	for _, f := range c.Fields {
		nc.Fields = append(nc.Fields, f.Clone())
	}
	for _, m := range c.Methods {
		nc.Methods = append(nc.Methods, m.Clone())
	}
	for _, a := range c.Attributes {
		nc.Attributes = append(nc.Attributes, a.Clone())
	}
	return nc
}

// FieldNode is one field declaration.
type FieldNode struct {
	Access     int
	Name       string
	Desc       string
	ConstValue interface{} // non-nil only for a ConstantValue attribute
	Attributes []*Attribute
}

func (f *FieldNode) IsStatic() bool { return f.Access&AccStatic != 0 }

func (f *FieldNode) Clone() *FieldNode {
	nf := &FieldNode{Access: f.Access, Name: f.Name, Desc: f.Desc, ConstValue: f.ConstValue}
	for _, a := range f.Attributes {
		nf.Attributes = append(nf.Attributes, a.Clone())
	}
	return nf
}

// Attribute is the raw, uninterpreted form of a classfile attribute.
// Passes that understand a particular attribute (e.g. the cleaning
// pass's ConstantValue reader) parse Content themselves; the IR layer
// makes no assumption about its shape.
type Attribute struct {
	Name    string
	Content []byte
}

func (a *Attribute) Clone() *Attribute {
	return &Attribute{Name: a.Name, Content: append([]byte(nil), a.Content...)}
}

// TryCatch is one exception handler range over a method's instruction
// list, addressed by label identity rather than instruction index so
// edits upstream of the range don't require renumbering.
type TryCatch struct {
	Start   *Label
	End     *Label
	Handler *Label
	Type    string // internal class name of the caught exception, or "" for finally
}

func (t *TryCatch) Clone(remap map[*Label]*Label) *TryCatch {
	return &TryCatch{
		Start:   remapLabel(remap, t.Start),
		End:     remapLabel(remap, t.End),
		Handler: remapLabel(remap, t.Handler),
		Type:    t.Type,
	}
}

// LocalVar is one entry of a method's local-variable table, used only
// for offsetting during the trivial inliner's local-index renumbering
// and preserved across static-initializer merge.
type LocalVar struct {
	Name      string
	Desc      string
	Index     int
	Start     *Label
	End       *Label
}

func (l *LocalVar) Clone(remap map[*Label]*Label, localOffset int) *LocalVar {
	return &LocalVar{
		Name:  l.Name,
		Desc:  l.Desc,
		Index: l.Index + localOffset,
		Start: remapLabel(remap, l.Start),
		End:   remapLabel(remap, l.End),
	}
}

func remapLabel(remap map[*Label]*Label, l *Label) *Label {
	if l == nil {
		return nil
	}
	if nl, ok := remap[l]; ok {
		return nl
	}
	nl := &Label{ID: l.ID}
	remap[l] = nl
	return nl
}
