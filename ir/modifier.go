package ir

// InstructionModifier buffers pending edits against a method and
// applies them atomically once the pass has finished iterating the
// original instruction list, per §3's invariant: this is what prevents
// iterator invalidation and makes a pass's edits reviewable as one
// unit. Passes commit through a Modifier at method-completion
// boundaries, never mid-iteration — the mechanism §5 relies on for
// cooperative cancellation leaving U in a consistent state.
type InstructionModifier struct {
	method *MethodNode
	edits  []edit
}

type editKind int

const (
	editRemove editKind = iota
	editReplace
	editInsertBefore
	editInsertAfter
)

type edit struct {
	kind   editKind
	anchor Instruction
	instrs []Instruction
}

// NewInstructionModifier creates a modifier bound to m. A pass iterates
// m.Instrs read-only, recording edits against the anchors it observed;
// Apply() replays them against a snapshot so concurrent edits at
// different anchors never interfere with each other's indices.
func NewInstructionModifier(m *MethodNode) *InstructionModifier {
	return &InstructionModifier{method: m}
}

// Remove deletes anchor.
func (im *InstructionModifier) Remove(anchor Instruction) {
	im.edits = append(im.edits, edit{kind: editRemove, anchor: anchor})
}

// Replace swaps anchor for the given instructions (zero or more).
func (im *InstructionModifier) Replace(anchor Instruction, with ...Instruction) {
	im.edits = append(im.edits, edit{kind: editReplace, anchor: anchor, instrs: with})
}

// InsertBefore splices instrs immediately before anchor.
func (im *InstructionModifier) InsertBefore(anchor Instruction, instrs ...Instruction) {
	im.edits = append(im.edits, edit{kind: editInsertBefore, anchor: anchor, instrs: instrs})
}

// InsertAfter splices instrs immediately after anchor.
func (im *InstructionModifier) InsertAfter(anchor Instruction, instrs ...Instruction) {
	im.edits = append(im.edits, edit{kind: editInsertAfter, anchor: anchor, instrs: instrs})
}

// Pending reports whether any edit has been buffered.
func (im *InstructionModifier) Pending() bool { return len(im.edits) > 0 }

// Apply replays the buffered edits against the method's current
// instruction list and clears the buffer. It is safe to call even with
// no pending edits (a no-op).
func (im *InstructionModifier) Apply() {
	if len(im.edits) == 0 {
		return
	}
	// Index edits by anchor identity so a single pass over the original
	// list can apply every edit in one O(n) rebuild, regardless of how
	// many separate Remove/Replace/Insert* calls targeted it.
	byAnchor := map[Instruction][]edit{}
	for _, e := range im.edits {
		byAnchor[e.anchor] = append(byAnchor[e.anchor], e)
	}

	var out []Instruction
	for _, ins := range im.method.Instrs {
		edits := byAnchor[ins]
		if len(edits) == 0 {
			out = append(out, ins)
			continue
		}
		removed := false
		var replacement []Instruction
		var before, after []Instruction
		for _, e := range edits {
			switch e.kind {
			case editRemove:
				removed = true
			case editReplace:
				removed = true
				replacement = e.instrs
			case editInsertBefore:
				before = append(before, e.instrs...)
			case editInsertAfter:
				after = append(after, e.instrs...)
			}
		}
		out = append(out, before...)
		if removed {
			out = append(out, replacement...)
		} else {
			out = append(out, ins)
		}
		out = append(out, after...)
	}
	im.method.Instrs = out
	im.edits = nil
}
