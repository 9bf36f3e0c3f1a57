package analyzer

import "github.com/jacobin-tools/classdeobf/ir"

// Frame is the per-instruction abstract state: an ordered operand
// stack plus local-variable bindings, per §3. A nil Frame at a given
// position means the instruction is dead (unreachable in the CFG).
type Frame struct {
	Stack  []ConstantValue
	Locals map[int]ConstantValue
}

func newFrame() *Frame {
	return &Frame{Locals: map[int]ConstantValue{}}
}

func (f *Frame) clone() *Frame {
	nf := &Frame{Stack: append([]ConstantValue(nil), f.Stack...), Locals: make(map[int]ConstantValue, len(f.Locals))}
	for k, v := range f.Locals {
		nf.Locals[k] = v
	}
	return nf
}

func (f *Frame) push(v ConstantValue) { f.Stack = append(f.Stack, v) }

func (f *Frame) pop() ConstantValue {
	if len(f.Stack) == 0 {
		return Unknown
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v
}

func (f *Frame) peek() ConstantValue {
	if len(f.Stack) == 0 {
		return Unknown
	}
	return f.Stack[len(f.Stack)-1]
}

// equal is used by the fixed-point loop to detect convergence.
func (f *Frame) equal(o *Frame) bool {
	if o == nil {
		return false
	}
	if len(f.Stack) != len(o.Stack) {
		return false
	}
	for i := range f.Stack {
		if !f.Stack[i].Equal(o.Stack[i]) {
			return false
		}
	}
	if len(f.Locals) != len(o.Locals) {
		return false
	}
	for k, v := range f.Locals {
		if ov, ok := o.Locals[k]; !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// mergeFrames joins a and b into a new frame (used when a block has
// multiple predecessors); a nil side yields a clone of the other.
func mergeFrames(a, b *Frame) *Frame {
	if a == nil {
		return b.clone()
	}
	if b == nil {
		return a.clone()
	}
	out := newFrame()
	n := len(a.Stack)
	if len(b.Stack) < n {
		n = len(b.Stack)
	}
	// Stack depth mismatches across predecessors indicate unreachable/
	// divergent code; the analyzer tolerates it per §7's "analyzer
	// divergence" policy by truncating to the common depth rather than
	// panicking.
	out.Stack = make([]ConstantValue, n)
	offA := len(a.Stack) - n
	offB := len(b.Stack) - n
	for i := 0; i < n; i++ {
		out.Stack[i] = Join(a.Stack[i+offA], b.Stack[i+offB])
	}
	for k, v := range a.Locals {
		if bv, ok := b.Locals[k]; ok {
			out.Locals[k] = Join(v, bv)
		}
	}
	return out
}

// ReferenceHandler is the analyzer's collaborator, per §6: it answers
// whether a field load or method return is a known constant. The zero
// value (DefaultHandler) returns absent everywhere.
type ReferenceHandler interface {
	FieldValue(owner, name, desc string) (ConstantValue, bool)
	MethodReturn(owner, name, desc string, args []ConstantValue) (ConstantValue, bool)
}

// DefaultHandler implements ReferenceHandler by always returning
// absent, per §6's "the default returns absent everywhere."
type DefaultHandler struct{}

func (DefaultHandler) FieldValue(string, string, string) (ConstantValue, bool) { return Unknown, false }
func (DefaultHandler) MethodReturn(string, string, string, []ConstantValue) (ConstantValue, bool) {
	return Unknown, false
}

// Analyze runs the forward fixed-point dataflow over m and returns a
// Frame slice parallel to m.Instrs (dead instructions get nil). The
// analysis is deterministic and side-effect free, per §4.3.
func Analyze(m *ir.MethodNode, rh ReferenceHandler) []*Frame {
	if rh == nil {
		rh = DefaultHandler{}
	}
	cfg := BuildCFG(m)
	in := make([]*Frame, len(cfg.Blocks))
	out := make([]*Frame, len(cfg.Blocks))
	if len(cfg.Blocks) > 0 {
		entry := newFrame()
		for i := 0; i < m.MaxLocals; i++ {
			entry.Locals[i] = Unknown
		}
		in[0] = entry
	}

	worklist := make([]int, len(cfg.Blocks))
	queued := make([]bool, len(cfg.Blocks))
	for i := range worklist {
		worklist[i] = i
		queued[i] = true
	}

	frames := make([]*Frame, len(m.Instrs))

	for len(worklist) > 0 {
		bi := worklist[0]
		worklist = worklist[1:]
		queued[bi] = false
		blk := cfg.Blocks[bi]

		var merged *Frame
		for _, p := range cfg.Preds[bi] {
			if out[p] != nil {
				merged = mergeFrames(merged, out[p])
			}
		}
		if merged == nil {
			if in[bi] == nil {
				continue // unreached so far
			}
			merged = in[bi]
		}
		in[bi] = merged

		f := merged.clone()
		for _, idx := range blk.Instrs {
			frames[idx] = f.clone()
			stepInstruction(f, m.Instrs[idx], rh)
		}

		if out[bi] == nil || !out[bi].equal(f) {
			out[bi] = f
			for _, s := range cfg.Succs[bi] {
				if !queued[s] {
					worklist = append(worklist, s)
					queued[s] = true
				}
			}
		}
	}
	return frames
}
