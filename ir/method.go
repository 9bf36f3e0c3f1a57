package ir

// MethodNode is the mutable representation of one method, including
// its constructor/static-initializer special forms (<init>, <clinit>).
type MethodNode struct {
	Access     int
	Name       string
	Desc       string
	Signature  string
	Instrs     []Instruction
	TryCatch   []*TryCatch
	LocalVars  []*LocalVar
	MaxStack   int
	MaxLocals  int
	Deprecated bool
}

func (m *MethodNode) IsStatic() bool       { return m.Access&AccStatic != 0 }
func (m *MethodNode) IsConstructor() bool  { return m.Name == "<init>" }
func (m *MethodNode) IsStaticInit() bool   { return m.Name == "<clinit>" && m.Desc == "()V" }
func (m *MethodNode) IsAbstractOrNative() bool {
	return m.Access&AccAbstract != 0 || len(m.Instrs) == 0
}

// Clone deep-copies the method under a fresh label identity space so
// the clone can be spliced into another method (merge) or another
// class (proxy construction) without aliasing the original's labels.
func (m *MethodNode) Clone() *MethodNode {
	remap := map[*Label]*Label{}
	return m.CloneWithRemap(remap)
}

// CloneWithRemap lets callers share one remap table across several
// Clone calls — required by the static-initializer merge, which clones
// several methods' worth of instructions into one target method and
// must keep each source's labels distinct while still resolving
// internal jumps correctly.
func (m *MethodNode) CloneWithRemap(remap map[*Label]*Label) *MethodNode {
	nm := &MethodNode{
		Access:     m.Access,
		Name:       m.Name,
		Desc:       m.Desc,
		Signature:  m.Signature,
		MaxStack:   m.MaxStack,
		MaxLocals:  m.MaxLocals,
		Deprecated: m.Deprecated,
	}
	for _, ins := range m.Instrs {
		nm.Instrs = append(nm.Instrs, ins.Clone(remap))
	}
	for _, tc := range m.TryCatch {
		nm.TryCatch = append(nm.TryCatch, tc.Clone(remap))
	}
	for _, lv := range m.LocalVars {
		nm.LocalVars = append(nm.LocalVars, lv.Clone(remap, 0))
	}
	return nm
}

// IndexOf returns the position of ins in Instrs, or -1. Instruction
// identity is by pointer, so two structurally-equal instructions at
// different positions are distinguished correctly.
func (m *MethodNode) IndexOf(ins Instruction) int {
	for i, c := range m.Instrs {
		if c == ins {
			return i
		}
	}
	return -1
}

// LabelAt finds the position of the LabelInsn wrapping l, or -1.
func (m *MethodNode) LabelAt(l *Label) int {
	for i, ins := range m.Instrs {
		if li, ok := ins.(*LabelInsn); ok && li.L == l {
			return i
		}
	}
	return -1
}
