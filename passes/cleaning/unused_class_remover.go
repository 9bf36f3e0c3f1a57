/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package cleaning

import (
	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/pass"
	"github.com/jacobin-tools/classdeobf/universe"
)

func init() {
	pass.Register("cleaning.unused-class-remover", func() pass.Pass { return &unusedClassRemover{} })
}

// unusedClassRemover implements §4.4.3, with the reachability relation
// broadened past the source's method-reference-only approximation (per
// the Design Notes' explicit invitation): a class is reachable if it
// declares a root "public static main([Ljava/lang/String;)V" method, or
// any reachable class's method references it by method, field, type,
// or dynamic-invoke bootstrap handle, or it is a superclass/interface
// of a reachable class.
type unusedClassRemover struct{}

func (unusedClassRemover) Metadata() pass.Metadata {
	return pass.Metadata{
		ID:          "cleaning.unused-class-remover",
		Description: "Removes classes unreachable from any root main method.",
		Tags:        []string{"SHRINK"},
	}
}

func (unusedClassRemover) Execute(u *universe.Universe, verbose bool) (bool, error) {
	names := u.Names()
	reachable := map[string]bool{}
	var frontier []string

	for _, name := range names {
		c := u.Get(name)
		if c == nil || c.Node == nil {
			continue
		}
		if declaresMain(c.Node) {
			reachable[name] = true
			frontier = append(frontier, name)
		}
	}

	for len(frontier) > 0 {
		cur := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		c := u.Get(cur)
		if c == nil || c.Node == nil {
			continue
		}

		for _, ref := range referencedClasses(c.Node) {
			if !reachable[ref] {
				reachable[ref] = true
				frontier = append(frontier, ref)
			}
		}
		// A reachable class's superclass and interfaces must survive too,
		// per the broadened "super/interface edges" reachability clause.
		for _, sup := range append([]string{c.Node.Super}, c.Node.Interfaces...) {
			if sup == "" {
				continue
			}
			if !reachable[sup] {
				reachable[sup] = true
				frontier = append(frontier, sup)
			}
		}
	}

	changed := false
	for _, name := range names {
		if !reachable[name] {
			u.Delete(name)
			changed = true
		}
	}
	return changed, nil
}

func declaresMain(c *ir.ClassNode) bool {
	m := c.Method("main", "([Ljava/lang/String;)V")
	return m != nil && m.IsStatic() && m.Access&ir.AccPublic != 0
}

// referencedClasses collects every internal class name c's methods
// name directly, per the broadened 4.4.3 reachability edges: method
// owners, field owners, type operands, LDC class constants, and
// dynamic-invoke bootstrap handles (the handle's own owner plus any
// Handle/TypeConst among its static arguments).
func referencedClasses(c *ir.ClassNode) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		name = baseClassName(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, m := range c.Methods {
		for _, ins := range m.Instrs {
			switch v := ins.(type) {
			case *ir.MethodInsn:
				add(v.Owner)
			case *ir.FieldInsn:
				add(v.Owner)
			case *ir.TypeInsn:
				add(v.Type)
			case *ir.LdcInsn:
				if v.Kind == ir.LdcType {
					add(v.Type.Name)
				} else if v.Kind == ir.LdcMethodHandle {
					add(v.Hdl.Owner)
				}
			case *ir.InvokeDynamicInsn:
				add(v.Bootstrap.Owner)
				for _, arg := range v.BsmArgs {
					switch a := arg.(type) {
					case ir.Handle:
						add(a.Owner)
					case *ir.TypeConst:
						add(a.Name)
					}
				}
			case *ir.MultiANewArrayInsn:
				add(baseClassName(v.Desc))
			}
		}
	}
	return out
}

// baseClassName strips array/object descriptor wrapping (e.g.
// "[Lcom/foo/Bar;" or "Lcom/foo/Bar;") down to the internal class name,
// per classloader.go's normalizeClassReference handling of the same
// shapes. Non-reference descriptors (primitives, bare internal names)
// pass through unchanged or empty.
func baseClassName(desc string) string {
	for len(desc) > 0 && desc[0] == '[' {
		desc = desc[1:]
	}
	if len(desc) == 0 {
		return ""
	}
	if desc[0] == 'L' && desc[len(desc)-1] == ';' {
		return desc[1 : len(desc)-1]
	}
	if len(desc) == 1 && isPrimitiveTag(desc[0]) {
		return ""
	}
	return desc
}

func isPrimitiveTag(b byte) bool {
	switch b {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 'V':
		return true
	}
	return false
}
