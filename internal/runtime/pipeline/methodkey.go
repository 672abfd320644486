package pipeline

import "strings"

// MethodKey identifies one operation. Full is the stable join key used in
// policy, idempotency, and audit rows; Short is the low-cardinality metrics
// tag.
type MethodKey struct {
	Full  string
	Short string
}

// NewMethodKey renders "<qualified-type>#<op>(<arg-types>)" plus the
// "<simple-type>#<op>" short form.
func NewMethodKey(qualifiedType, op string, argTypes ...string) MethodKey {
	full := qualifiedType + "#" + op + "(" + strings.Join(argTypes, ",") + ")"
	return MethodKey{Full: full, Short: simpleType(qualifiedType) + "#" + op}
}

func simpleType(qualified string) string {
	if idx := strings.LastIndexAny(qualified, "./"); idx >= 0 {
		return qualified[idx+1:]
	}
	return qualified
}
