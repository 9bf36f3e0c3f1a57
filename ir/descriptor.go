package ir

import "strings"

// Descriptor parses a method descriptor into argument type descriptors
// and a return type descriptor, e.g. "(ILjava/lang/String;)J" → (["I",
// "Ljava/lang/String;"], "J").
func ParseMethodDescriptor(desc string) (args []string, ret string) {
	if len(desc) == 0 || desc[0] != '(' {
		return nil, desc
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		start := i
		i = skipOneType(desc, i)
		args = append(args, desc[start:i])
	}
	ret = desc[i+1:]
	return args, ret
}

// skipOneType advances past exactly one field-descriptor type starting
// at i, returning the index just past it.
func skipOneType(desc string, i int) int {
	for i < len(desc) && desc[i] == '[' {
		i++
	}
	if i >= len(desc) {
		return i
	}
	if desc[i] == 'L' {
		for i < len(desc) && desc[i] != ';' {
			i++
		}
		return i + 1
	}
	return i + 1
}

// SlotSize returns 2 for J/D (and arrays thereof never — arrays are
// always reference-sized 1), 1 for everything else.
func SlotSize(typeDesc string) int {
	if len(typeDesc) == 1 && (typeDesc[0] == 'J' || typeDesc[0] == 'D') {
		return 2
	}
	return 1
}

// ArgSlotCount returns the number of operand-stack/local slots the
// arguments of desc occupy, per JVM category-1/2 rules.
func ArgSlotCount(desc string) int {
	args, _ := ParseMethodDescriptor(desc)
	n := 0
	for _, a := range args {
		n += SlotSize(a)
	}
	return n
}

// ReturnSlotCount returns 0 for void, else SlotSize of the return type.
func ReturnSlotCount(desc string) int {
	_, ret := ParseMethodDescriptor(desc)
	if ret == "V" {
		return 0
	}
	return SlotSize(ret)
}

// IsReferenceType reports whether a field-descriptor type is a class
// or array reference ("L..." or "[...").
func IsReferenceType(typeDesc string) bool {
	return strings.HasPrefix(typeDesc, "L") || strings.HasPrefix(typeDesc, "[")
}

// InternalNameFromClassRef strips a "[L...;" or bare array marker down
// to a plain internal class name, or "" for a primitive array /
// unparseable input — mirrors the teacher's normalizeClassReference.
func InternalNameFromClassRef(ref string) string {
	name := ref
	if strings.HasPrefix(name, "[L") {
		name = strings.TrimPrefix(name, "[L")
		name = strings.TrimSuffix(name, ";")
		return name
	}
	if strings.HasPrefix(name, "[") {
		return ""
	}
	return name
}
