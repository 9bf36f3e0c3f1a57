/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package generic

import (
	"unicode/utf8"

	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/pass"
	"github.com/jacobin-tools/classdeobf/sandbox"
	"github.com/jacobin-tools/classdeobf/universe"
)

func init() {
	pass.Register("generic.dasho-string-decryptor", func() pass.Pass { return &dashoDecryptor{} })
}

// dashoDecryptor recognizes DashO's shape: a per-class static int seed
// computed in <clinit>, XORed byte-for-byte against each scrambled
// string literal at the call site. No dynamic dispatch, so no proxy
// class is needed; the seed is read straight back off the class after
// running its own <clinit>.
type dashoDecryptor struct{}

func (dashoDecryptor) Metadata() pass.Metadata {
	return pass.Metadata{
		ID:          "generic.dasho-string-decryptor",
		Description: "Folds DashO-shaped per-class XOR seeds into decrypted string literals.",
		Tags:        []string{"BETTER_DEOBFUSCATE"},
	}
}

func (dashoDecryptor) Execute(u *universe.Universe, verbose bool) (bool, error) {
	changed := false

	for _, name := range u.Names() {
		c := u.Get(name)
		if c == nil || c.Node == nil {
			continue
		}
		if c.Node.Method("<clinit>", "()V") == nil {
			continue
		}
		seedField := findDashoSeedField(c.Node)
		if seedField == "" {
			continue
		}

		vm := sandbox.ConstructVM(universe.FromUniverse{U: u})
		vm.ExplicitlyPreload(c.Node)
		if err := vm.RunClinit(c.Node.Name, "<clinit>"); err != nil {
			if sandbox.ClassifyOutcome(err) == sandbox.OutcomeOtherFailure {
				c.AddFailure("generic.dasho-string-decryptor", err)
				continue
			}
		}

		rawSeed, ok := vm.StaticField(c.Node.Name, seedField)
		if !ok {
			continue
		}
		seed, ok := toSeedInt(rawSeed)
		if !ok {
			continue
		}

		for _, m := range c.Node.Methods {
			if foldDashoLiterals(m, seed) {
				changed = true
			}
		}
	}

	return changed, nil
}

// findDashoSeedField requires the class to declare exactly one private
// static int field, which DashO uses to hold the per-class XOR seed.
func findDashoSeedField(c *ir.ClassNode) string {
	var found string
	count := 0
	for _, f := range c.Fields {
		if f.IsStatic() && f.Desc == "I" && f.Access&ir.AccPrivate != 0 {
			found = f.Name
			count++
		}
	}
	if count == 1 {
		return found
	}
	return ""
}

func toSeedInt(v interface{}) (int32, bool) {
	switch t := v.(type) {
	case int32:
		return t, true
	case int64:
		return int32(t), true
	}
	return 0, false
}

// foldDashoLiterals XORs every byte of every LDC string constant in m
// against the low byte of seed, the scheme §4.7 describes. Strings
// whose decoded bytes aren't valid UTF-8 after folding are left
// unmodified rather than risk corrupting an unrelated literal.
func foldDashoLiterals(m *ir.MethodNode, seed int32) bool {
	changed := false
	key := byte(seed)

	for _, ins := range m.Instrs {
		ldc, ok := ins.(*ir.LdcInsn)
		if !ok || ldc.Kind != ir.LdcString {
			continue
		}
		folded := xorFold(ldc.Str, key)
		if folded == ldc.Str || !utf8.ValidString(folded) {
			continue
		}
		ldc.Str = folded
		changed = true
	}
	return changed
}

func xorFold(s string, key byte) string {
	b := []byte(s)
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ key
	}
	return string(out)
}
