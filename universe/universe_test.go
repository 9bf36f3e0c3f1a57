/*
 * classdeobf - a static deobfuscation engine for compiled bytecode archives
 * Licensed under the Mozilla Public License 2.0 (MPL-2.0)
 */

package universe

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jacobin-tools/classdeobf/ir"
)

func TestPutGetDelete(t *testing.T) {
	u := New()
	assert.Nil(t, u.Get("com/example/Foo"))

	c := &Class{Node: &ir.ClassNode{Name: "com/example/Foo"}}
	u.Put("com/example/Foo", c)
	assert.Same(t, c, u.Get("com/example/Foo"))
	assert.Equal(t, 1, u.Len())

	u.Delete("com/example/Foo")
	assert.Nil(t, u.Get("com/example/Foo"))
	assert.Equal(t, 0, u.Len())
}

func TestNamesReturnsStableSnapshot(t *testing.T) {
	u := New()
	u.Put("A", &Class{Node: &ir.ClassNode{Name: "A"}})
	u.Put("B", &Class{Node: &ir.ClassNode{Name: "B"}})

	names := u.Names()
	sort.Strings(names)
	assert.Equal(t, []string{"A", "B"}, names)
}

func TestEachVisitsEveryClass(t *testing.T) {
	u := New()
	u.Put("A", &Class{Node: &ir.ClassNode{Name: "A"}})
	u.Put("B", &Class{Node: &ir.ClassNode{Name: "B"}})

	seen := map[string]bool{}
	u.Each(func(name string, c *Class) { seen[name] = true })
	assert.Equal(t, map[string]bool{"A": true, "B": true}, seen)
}

func TestAddFailureWrapsCauseWithoutChangingIdentity(t *testing.T) {
	sentinel := errors.New("bad padding")
	c := &Class{Node: &ir.ClassNode{Name: "A"}}
	c.AddFailure("zkm.des-decryptor", sentinel)

	assert.Len(t, c.Failures, 1)
	assert.Equal(t, "zkm.des-decryptor", c.Failures[0].Pass)
	assert.True(t, errors.Is(c.Failures[0].Cause, sentinel))
}

func TestFromUniverseResolvesPresentClasses(t *testing.T) {
	u := New()
	node := &ir.ClassNode{Name: "com/example/Foo"}
	u.Put("com/example/Foo", &Class{Node: node})

	h := FromUniverse{U: u}
	got, ok := h.TryClassLoad("com/example/Foo")
	assert.True(t, ok)
	assert.Same(t, node, got)

	_, ok = h.TryClassLoad("com/example/Missing")
	assert.False(t, ok)
}
