/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package cleaning

import (
	"github.com/jacobin-tools/classdeobf/analyzer"
	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/pass"
	"github.com/jacobin-tools/classdeobf/universe"
)

func init() {
	pass.Register("cleaning.bitwise-simplifier", func() pass.Pass { return &bitwiseSimplifier{} })
}

// bitwiseSimplifier implements §4.4.4: folds AND/OR/XOR/SHL/SHR/USHR
// whose operands are both Known per the analyzer's frames and pushed by
// the two instructions directly before it; all three are replaced by one
// optimally-encoded constant push.
type bitwiseSimplifier struct{}

func (bitwiseSimplifier) Metadata() pass.Metadata {
	return pass.Metadata{
		ID:          "cleaning.bitwise-simplifier",
		Description: "Folds bitwise and shift operations with statically known operands.",
		Tags:        []string{"BETTER_DECOMPILE"},
	}
}

func (bitwiseSimplifier) Execute(u *universe.Universe, verbose bool) (bool, error) {
	changed := false
	rh := analyzer.DefaultHandler{}

	for _, name := range u.Names() {
		c := u.Get(name)
		if c == nil || c.Node == nil {
			continue
		}
		for _, m := range c.Node.Methods {
			if simplifyBitwise(m, rh) {
				changed = true
			}
		}
	}
	return changed, nil
}

func simplifyBitwise(m *ir.MethodNode, rh analyzer.ReferenceHandler) bool {
	frames := analyzer.Analyze(m, rh)
	mod := ir.NewInstructionModifier(m)
	changed := false

	for i, ins := range m.Instrs {
		v, ok := ins.(*ir.Insn)
		if !ok || frames[i] == nil {
			continue
		}
		kind, isShift, ok := bitwiseKind(v.Op)
		if !ok {
			continue
		}

		f := frames[i]
		if len(f.Stack) < 2 {
			continue
		}
		a := f.Stack[len(f.Stack)-2]
		b := f.Stack[len(f.Stack)-1]
		if !a.Known || !b.Known {
			continue
		}
		var producers []ir.Instruction
		for j, depth := i-1, len(f.Stack); j >= 0 && len(producers) < 2; j-- {
			switch m.Instrs[j].(type) {
			case *ir.Insn, *ir.IntInsn, *ir.LdcInsn:
				if frames[j] != nil && len(frames[j].Stack)+1 == depth {
					producers, depth = append(producers, m.Instrs[j]), depth-1
					continue
				}
			}
			break
		}
		if len(producers) < 2 {
			continue
		}

		var result int64
		if isShift {
			mask := uint(31)
			if a.Kind == analyzer.KindLong {
				mask = 63
			}
			s := uint(b.I) & mask
			switch kind {
			case "shl":
				result = a.I << s
			case "shr":
				if a.Kind == analyzer.KindLong {
					result = a.I >> s
				} else {
					result = int64(int32(a.I)) >> s
				}
			case "ushr":
				if a.Kind == analyzer.KindLong {
					result = int64(uint64(a.I) >> s)
				} else {
					result = int64(uint32(a.I) >> s)
				}
			}
		} else {
			if a.Kind != b.Kind {
				continue
			}
			switch kind {
			case "and":
				result = a.I & b.I
			case "or":
				result = a.I | b.I
			case "xor":
				result = a.I ^ b.I
			}
		}

		var push ir.Instruction
		if a.Kind == analyzer.KindLong {
			push = ir.EncodeLongPush(result)
		} else {
			push = ir.EncodeIntPush(result)
		}
		mod.Replace(ins, push)
		mod.Remove(producers[0])
		mod.Remove(producers[1])
		changed = true
	}

	if changed {
		mod.Apply()
	}
	return changed
}

// bitwiseKind classifies op as one of the six folded families, per
// §4.4.4's instruction list.
func bitwiseKind(op int) (kind string, isShift bool, ok bool) {
	switch op {
	case ir.OpIAnd, ir.OpLAnd:
		return "and", false, true
	case ir.OpIOr, ir.OpLOr:
		return "or", false, true
	case ir.OpIXor, ir.OpLXor:
		return "xor", false, true
	case ir.OpIShl, ir.OpLShl:
		return "shl", true, true
	case ir.OpIShr, ir.OpLShr:
		return "shr", true, true
	case ir.OpIUShr, ir.OpLUShr:
		return "ushr", true, true
	default:
		return "", false, false
	}
}

