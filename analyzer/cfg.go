package analyzer

import "github.com/jacobin-tools/classdeobf/ir"

// Block is a maximal straight-line run of instruction indices.
type Block struct {
	Instrs []int
}

// CFG is the control-flow graph derived from a method's instructions
// and exception handlers, per §4.3.
type CFG struct {
	Blocks []*Block
	Preds  [][]int
	Succs  [][]int

	indexToBlock []int // instruction index -> block index (every index belongs to a block)
}

// BuildCFG splits m into basic blocks at jump targets, exception
// handler starts, and after any control-transfer instruction, then
// connects exception edges from every instruction in a try range to
// its handler's entry block — conservatively treating "any instruction
// may throw," per SPEC_FULL.md §4.3.
func BuildCFG(m *ir.MethodNode) *CFG {
	n := len(m.Instrs)
	leaders := make(map[int]bool)
	if n > 0 {
		leaders[0] = true
	}

	labelPos := map[*ir.Label]int{}
	for i, ins := range m.Instrs {
		if li, ok := ins.(*ir.LabelInsn); ok {
			labelPos[li.L] = i
		}
	}
	markTarget := func(l *ir.Label) {
		if l == nil {
			return
		}
		if pos, ok := labelPos[l]; ok {
			leaders[pos] = true
		}
	}

	for i, ins := range m.Instrs {
		switch v := ins.(type) {
		case *ir.JumpInsn:
			markTarget(v.Target)
			if i+1 < n {
				leaders[i+1] = true
			}
		case *ir.LookupSwitchInsn:
			markTarget(v.Default)
			for _, l := range v.Labels {
				markTarget(l)
			}
			if i+1 < n {
				leaders[i+1] = true
			}
		case *ir.TableSwitchInsn:
			markTarget(v.Default)
			for _, l := range v.Labels {
				markTarget(l)
			}
			if i+1 < n {
				leaders[i+1] = true
			}
		case *ir.Insn:
			if ir.IsReturn(v.Op) || v.Op == ir.OpAThrow {
				if i+1 < n {
					leaders[i+1] = true
				}
			}
		}
	}
	for _, tc := range m.TryCatch {
		markTarget(tc.Start)
		markTarget(tc.Handler)
	}

	// Assign block indices.
	indexToBlock := make([]int, n)
	var blocks []*Block
	cur := -1
	for i := 0; i < n; i++ {
		if leaders[i] || cur == -1 {
			blocks = append(blocks, &Block{})
			cur = len(blocks) - 1
		}
		blocks[cur].Instrs = append(blocks[cur].Instrs, i)
		indexToBlock[i] = cur
	}

	cfg := &CFG{Blocks: blocks, indexToBlock: indexToBlock}
	cfg.Preds = make([][]int, len(blocks))
	cfg.Succs = make([][]int, len(blocks))

	addEdge := func(from, to int) {
		cfg.Succs[from] = append(cfg.Succs[from], to)
		cfg.Preds[to] = append(cfg.Preds[to], from)
	}

	for bi, blk := range blocks {
		last := m.Instrs[blk.Instrs[len(blk.Instrs)-1]]
		switch v := last.(type) {
		case *ir.JumpInsn:
			if tp, ok := labelPos[v.Target]; ok {
				addEdge(bi, indexToBlock[tp])
			}
			if v.Op != ir.OpGoto && bi+1 < len(blocks) {
				addEdge(bi, bi+1) // conditional jump falls through
			}
		case *ir.LookupSwitchInsn:
			if tp, ok := labelPos[v.Default]; ok {
				addEdge(bi, indexToBlock[tp])
			}
			for _, l := range v.Labels {
				if tp, ok := labelPos[l]; ok {
					addEdge(bi, indexToBlock[tp])
				}
			}
		case *ir.TableSwitchInsn:
			if tp, ok := labelPos[v.Default]; ok {
				addEdge(bi, indexToBlock[tp])
			}
			for _, l := range v.Labels {
				if tp, ok := labelPos[l]; ok {
					addEdge(bi, indexToBlock[tp])
				}
			}
		case *ir.Insn:
			if ir.IsReturn(v.Op) || v.Op == ir.OpAThrow {
				// no fallthrough/jump successor
			} else if bi+1 < len(blocks) {
				addEdge(bi, bi+1)
			}
		default:
			if bi+1 < len(blocks) {
				addEdge(bi, bi+1)
			}
		}
	}

	// Exception edges: every block any of whose instructions falls
	// within [start,end) gets an edge to the handler's block.
	for _, tc := range m.TryCatch {
		sp, sok := labelPos[tc.Start]
		ep, eok := labelPos[tc.End]
		hp, hok := labelPos[tc.Handler]
		if !sok || !eok || !hok {
			continue
		}
		handlerBlock := indexToBlock[hp]
		seen := map[int]bool{}
		for i := sp; i < ep && i < n; i++ {
			bi := indexToBlock[i]
			if !seen[bi] {
				seen[bi] = true
				addEdge(bi, handlerBlock)
			}
		}
	}

	return cfg
}
