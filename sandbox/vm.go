/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

// Package sandbox is the restricted execution environment of §4.2: a
// class loader that only ever materializes classes from the universe,
// a caller-supplied reference handler, or a small allow-list of
// runtime classes — substituting an inert stub for everything else —
// plus a bytecode interpreter able to run the resulting static
// initializers and bootstrap methods far enough to harvest their
// results.
package sandbox

import (
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"strings"

	"github.com/jacobin-tools/classdeobf/ir"
	"github.com/jacobin-tools/classdeobf/trace"
)

// ReferenceHandler resolves names outside the loaded class set, per
// §4.2's constructVM contract.
type ReferenceHandler interface {
	TryClassLoad(name string) (*ir.ClassNode, bool)
}

// loadedClass is a class materialized by the loader, in one of three
// states per the loader policy.
type loadedClass struct {
	node      *ir.ClassNode // non-nil for "real" (U / reference-handler) classes
	allowList *nativeClass  // non-nil for an allow-listed runtime class
	stub      bool          // true when substituted with an inert stub
}

// VM is one sandbox instance, confined to a single pass invocation per
// §4.2's lifecycle note: "Each VM instance is short-lived... discarded
// so class identity caches reset."
type VM struct {
	ref     ReferenceHandler
	classes map[string]*loadedClass
	statics map[string]map[string]interface{} // owner -> field -> value
}

// ConstructVM builds a fresh sandbox. referenceHandler resolves names
// not already present via ExplicitlyPreload.
func ConstructVM(referenceHandler ReferenceHandler) *VM {
	return &VM{
		ref:     referenceHandler,
		classes: make(map[string]*loadedClass),
		statics: make(map[string]map[string]interface{}),
	}
}

// ExplicitlyPreload injects a class into the loader's cache without
// triggering initialization, per §4.2.
func (vm *VM) ExplicitlyPreload(node *ir.ClassNode) {
	vm.classes[node.Name] = &loadedClass{node: node}
	vm.statics[node.Name] = map[string]interface{}{}
	for _, f := range node.Fields {
		if f.IsStatic() {
			vm.statics[node.Name][f.Name] = zeroValueFor(f.Desc)
		}
	}
}

// LoadClass resolves name per the §4.2 loader policy: preloaded/U
// classes first, then the reference handler, then the allow-list, and
// finally a stub. It never throws to the caller — a hard failure still
// yields a usable (stub) class.
func (vm *VM) LoadClass(name string) *loadedClass {
	if lc, ok := vm.classes[name]; ok {
		return lc
	}
	if node, ok := vm.ref.TryClassLoad(name); ok {
		vm.ExplicitlyPreload(node)
		return vm.classes[name]
	}
	if nc, ok := allowList[name]; ok {
		lc := &loadedClass{allowList: nc}
		vm.classes[name] = lc
		return lc
	}
	trace.Tracef("sandbox: substituting stub class for %s", name)
	lc := &loadedClass{stub: true}
	vm.classes[name] = lc
	return lc
}

// RunClinit executes the named static initializer method (conventionally
// "<clinit>" or a renamed proxy like "clinitProxy") against className,
// per §4.5 step 4. Outcomes are classified by the caller, which matches
// exception messages against the sandbox's bad-padding/null-deref
// conventions (see ClassifyOutcome).
func (vm *VM) RunClinit(className, methodName string) error {
	lc := vm.LoadClass(className)
	if lc.node == nil {
		return nil // nothing to run on a stub/allow-listed class
	}
	m := lc.node.Method(methodName, "()V")
	if m == nil {
		return nil
	}
	interp := &interpreter{vm: vm, statics: vm.statics}
	_, err := interp.runStatic(lc.node, m, nil)
	return err
}

// InvokeStatic invokes a static method and returns its result, per
// §4.2. args are Go-native values (int32, int64, float32, float64,
// string, nil, or *ir.Handle for a MethodHandle constant).
func (vm *VM) InvokeStatic(className, methodName, desc string, args []interface{}) (interface{}, error) {
	lc := vm.LoadClass(className)
	if lc.allowList != nil {
		return lc.allowList.invoke(methodName, desc, args)
	}
	if lc.node == nil {
		return zeroValueFor(retType(desc)), nil
	}
	m := lc.node.Method(methodName, desc)
	if m == nil {
		return nil, fmt.Errorf("sandbox: no such static method %s.%s%s", className, methodName, desc)
	}
	interp := &interpreter{vm: vm, statics: vm.statics}
	return interp.runStatic(lc.node, m, args)
}

// StaticField reads back a class's static field value after RunClinit
// has executed, per §4.4.2's "read its post-initialization value via
// host reflection through the sandbox loader" step. The VM's own
// interpreter already holds these as plain Go-native values in
// vm.statics, so this is a map lookup and no reflection is involved.
func (vm *VM) StaticField(className, fieldName string) (interface{}, bool) {
	owner, ok := vm.statics[className]
	if !ok {
		return nil, false
	}
	v, ok := owner[fieldName]
	return v, ok
}

// RevealedHandle is what revealMethodHandle exposes, per §4.2: enough
// to reconstruct a direct reference instruction.
type RevealedHandle struct {
	DeclaringClass string
	Name           string
	Descriptor     string
	Kind           int // ir.Handle kind (REF_invokeStatic, REF_getField, ...)
}

// RevealMethodHandle inspects a MethodHandle value produced by a
// bootstrap invocation and extracts the concrete member it targets.
// The bridge is Go's own reflect package — the single acknowledged
// host-runtime coupling point called out in §4.2.
func (vm *VM) RevealMethodHandle(v interface{}) (RevealedHandle, error) {
	h, ok := v.(*ir.Handle)
	if !ok {
		rv := reflect.ValueOf(v)
		if rv.IsValid() && rv.Kind() == reflect.Ptr && rv.Elem().Kind() == reflect.Struct {
			if f := rv.Elem().FieldByName("Owner"); f.IsValid() {
				return RevealedHandle{
					DeclaringClass: rv.Elem().FieldByName("Owner").String(),
					Name:           rv.Elem().FieldByName("Name").String(),
					Descriptor:     rv.Elem().FieldByName("Desc").String(),
					Kind:           int(rv.Elem().FieldByName("Kind").Int()),
				}, nil
			}
		}
		return RevealedHandle{}, fmt.Errorf("sandbox: value is not a MethodHandle: %T", v)
	}
	return RevealedHandle{DeclaringClass: h.Owner, Name: h.Name, Descriptor: h.Desc, Kind: h.Kind}, nil
}

// TrustedLookup returns an opaque token standing in for
// java.lang.invoke.MethodHandles.Lookup's trusted/private-access form,
// per §4.2's trusted-lookup bridge. Obfuscator bootstrap methods take
// this as their first argument; our allow-listed bootstrap
// implementations accept it without further checking membership
// rules, since the sandbox's whole point is to run code we already
// decided to trust enough to execute.
func (vm *VM) TrustedLookup() interface{} {
	return &trustedLookupToken{vm: vm}
}

type trustedLookupToken struct{ vm *VM }

// hostClassfileCeiling derives the highest classfile major version this
// build can meaningfully reason about from the host Go toolchain's own
// version, per DESIGN.md's Open Question #1 (version-derived variant
// chosen over a hardcoded 49-70 range).
func hostClassfileCeiling() int {
	v := runtime.Version() // "go1.22.3"
	v = strings.TrimPrefix(v, "go")
	parts := strings.SplitN(v, ".", 3)
	minor := 22
	if len(parts) > 1 {
		if n, err := strconv.Atoi(parts[1]); err == nil {
			minor = n
		}
	}
	// Classfile major 52 == Java 8; one new major per Java release
	// since. Treat each two Go minor releases as "one more Java release
	// worth of headroom" — a deliberately loose heuristic since the
	// actual mapping is a deployment/runtime concern, not the core's.
	return 52 + minor/2
}

func retType(desc string) string {
	_, ret := ir.ParseMethodDescriptor(desc)
	return ret
}
