/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package cleaning

import (
	"fmt"

	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/pass"
	"github.com/jacobin-tools/classdeobf/sandbox"
	"github.com/jacobin-tools/classdeobf/universe"
)

func init() {
	pass.Register("cleaning.constant-field-inliner", func() pass.Pass { return &constantFieldInliner{} })
}

// constantFieldInliner implements §4.4.2: run a class's merged static
// initializer in a fresh sandbox, then replace every read of a field
// that is never written outside that initializer with a constant push
// of its observed post-init value.
type constantFieldInliner struct{}

func (constantFieldInliner) Metadata() pass.Metadata {
	return pass.Metadata{
		ID:          "cleaning.constant-field-inliner",
		Description: "Folds static fields whose value is fixed entirely by the class's static initializer.",
		Tags:        []string{"BETTER_DECOMPILE", "BETTER_DEOBFUSCATE"},
	}
}

func (constantFieldInliner) Execute(u *universe.Universe, verbose bool) (bool, error) {
	changed := false

	for _, className := range u.Names() {
		c := u.Get(className)
		if c == nil || c.Node == nil || c.Node.IsEnum() {
			continue
		}

		mergeStaticInitializers(c.Node)
		clinit := c.Node.Method("<clinit>", "()V")
		if clinit == nil {
			continue
		}

		vm := sandbox.ConstructVM(universe.FromUniverse{U: u})
		vm.ExplicitlyPreload(c.Node)
		if err := vm.RunClinit(c.Node.Name, "<clinit>"); err != nil {
			c.AddFailure("cleaning.constant-field-inliner", fmt.Errorf("running %s.<clinit>: %w", c.Node.Name, err))
			continue
		}

		written := writtenOutsideClinit(u, c.Node.Name, clinit)
		for _, f := range c.Node.Fields {
			if !f.IsStatic() || written[f.Name] {
				continue
			}
			val, ok := vm.StaticField(c.Node.Name, f.Name)
			if !ok {
				continue
			}
			push, ok := constantPushFor(f.Desc, val)
			if !ok {
				continue
			}
			if replaceStaticReads(u, c.Node.Name, f.Name, push) {
				changed = true
			}
		}
	}

	return changed, nil
}

// writtenOutsideClinit collects the names of className's static fields
// that have a PUTSTATIC or PUTFIELD anywhere in U outside of clinit itself, per
// §4.4.2's "never written outside the static initializer" condition.
func writtenOutsideClinit(u *universe.Universe, className string, clinit *ir.MethodNode) map[string]bool {
	written := map[string]bool{}
	for _, name := range u.Names() {
		c := u.Get(name)
		if c == nil || c.Node == nil {
			continue
		}
		for _, m := range c.Node.Methods {
			if m == clinit {
				continue
			}
			for _, ins := range m.Instrs {
				if fi, ok := ins.(*ir.FieldInsn); ok && fi.Owner == className && (fi.Op == ir.OpPutStatic || fi.Op == ir.OpPutField) {
					written[fi.Name] = true
				}
			}
		}
	}
	return written
}

// replaceStaticReads rewrites every GETSTATIC of owner.field across U
// with a clone of push, per §4.4.2's constant-push substitution.
func replaceStaticReads(u *universe.Universe, owner, field string, push ir.Instruction) bool {
	any := false
	for _, name := range u.Names() {
		c := u.Get(name)
		if c == nil || c.Node == nil {
			continue
		}
		for _, m := range c.Node.Methods {
			mod := ir.NewInstructionModifier(m)
			for _, ins := range m.Instrs {
				fi, ok := ins.(*ir.FieldInsn)
				if !ok || fi.Owner != owner || fi.Name != field || fi.Op != ir.OpGetStatic {
					continue
				}
				mod.Replace(ins, push.Clone(nil))
				any = true
			}
			if mod.Pending() {
				mod.Apply()
			}
		}
	}
	return any
}

// constantPushFor converts a sandbox-observed runtime value into the
// constant-push instruction matching fieldDesc's type, per §4.4.2's
// "constant-push instruction of matching type" requirement.
func constantPushFor(fieldDesc string, val interface{}) (ir.Instruction, bool) {
	if len(fieldDesc) == 0 {
		return nil, false
	}
	switch fieldDesc[0] {
	case 'I', 'S', 'B', 'C', 'Z':
		n, ok := asInt64(val)
		if !ok {
			return nil, false
		}
		return ir.EncodeIntPush(n), true
	case 'J':
		n, ok := asInt64(val)
		if !ok {
			return nil, false
		}
		return ir.EncodeLongPush(n), true
	case 'F':
		f, ok := val.(float32)
		if !ok {
			return nil, false
		}
		return &ir.LdcInsn{Kind: ir.LdcFloat, FltVal: float64(f)}, true
	case 'D':
		f, ok := val.(float64)
		if !ok {
			return nil, false
		}
		return &ir.LdcInsn{Kind: ir.LdcDouble, FltVal: f}, true
	case 'L':
		if fieldDesc == "Ljava/lang/String;" {
			s, ok := val.(string)
			if !ok {
				return nil, false
			}
			return &ir.LdcInsn{Kind: ir.LdcString, Str: s}, true
		}
		return nil, false
	default:
		return nil, false
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case int16:
		return int64(t), true
	case int8:
		return int64(t), true
	case int:
		return int64(t), true
	}
	return 0, false
}
