package sandbox

import "github.com/jacobin-tools/classdeobf/ir"

// zeroValueFor returns the default JVM value for a field/return type
// descriptor, mirroring the teacher's field-type switch in
// jvm/instantiate.go ("L","[" -> nil; "B","C","I","J","S","Z" -> 0;
// "D","F" -> 0.0).
func zeroValueFor(desc string) interface{} {
	if len(desc) == 0 {
		return nil
	}
	switch desc[0] {
	case 'L', '[':
		return nil
	case 'B', 'C', 'I', 'S', 'Z':
		return int32(0)
	case 'J':
		return int64(0)
	case 'D':
		return float64(0)
	case 'F':
		return float32(0)
	case 'V':
		return nil
	default:
		return nil
	}
}

// toInt64 best-effort coerces a sandbox value to int64, used by the
// interpreter's arithmetic and by key-recovery helpers that read a
// static field back out as a Java long.
func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case int16:
		return int64(t), true
	case int8:
		return int64(t), true
	case int:
		return int64(t), true
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	}
	return 0, false
}

func handleFromValue(v interface{}) (*ir.Handle, bool) {
	h, ok := v.(*ir.Handle)
	return h, ok
}
