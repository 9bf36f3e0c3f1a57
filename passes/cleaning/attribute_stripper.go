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
	pass.Register("cleaning.attribute-stripper", func() pass.Pass { return &attributeStripper{} })
}

// recognizedAttributes are the attributes a Java runtime or the rest of
// this pipeline actually consults; everything else is either debug
// metadata or a vendor marker that only matters to the obfuscator's own
// tooling and is safe to drop once deobfuscation is done, per the new
// §4.4.5 line item.
var recognizedAttributes = map[string]bool{
	"ConstantValue":                        true,
	"Code":                                 true,
	"Exceptions":                           true,
	"Signature":                            true,
	"Deprecated":                           true,
	"RuntimeVisibleAnnotations":            true,
	"RuntimeInvisibleAnnotations":          true,
	"RuntimeVisibleParameterAnnotations":   true,
	"RuntimeInvisibleParameterAnnotations": true,
	"BootstrapMethods":                     true,
	"InnerClasses":                         true,
	"EnclosingMethod":                      true,
	"NestHost":                             true,
	"NestMembers":                          true,
}

// attributeStripper implements [EXPANSION] §4.4.5: removes
// SourceDebugExtension and unrecognized vendor attributes surviving on
// classes and fields.
type attributeStripper struct{}

func (attributeStripper) Metadata() pass.Metadata {
	return pass.Metadata{
		ID:          "cleaning.attribute-stripper",
		Description: "Removes SourceDebugExtension and unrecognized vendor attributes.",
		Tags:        []string{"SHRINK"},
	}
}

func (attributeStripper) Execute(u *universe.Universe, verbose bool) (bool, error) {
	changed := false

	for _, name := range u.Names() {
		c := u.Get(name)
		if c == nil || c.Node == nil {
			continue
		}
		if kept, ok := stripAttributes(c.Node.Attributes); ok {
			c.Node.Attributes = kept
			changed = true
		}
		for _, f := range c.Node.Fields {
			if kept, ok := stripAttributes(f.Attributes); ok {
				f.Attributes = kept
				changed = true
			}
		}
	}

	return changed, nil
}

func stripAttributes(attrs []*ir.Attribute) ([]*ir.Attribute, bool) {
	kept := attrs[:0]
	removed := false
	for _, a := range attrs {
		if a.Name == "SourceDebugExtension" || !recognizedAttributes[a.Name] {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	if !removed {
		return attrs, false
	}
	return kept, true
}
