package callsite

import "fmt"

// Kind is the dispatch mode of a call site. It is fixed when the site is
// written and travels as its ordinal in the bootstrap arguments.
type Kind int32

const (
	Virtual Kind = iota
	Interface
	Static
	// Special is a non-virtual call to a declared member: super calls and
	// private calls.
	Special
	// Construct fuses allocation and initializer invocation.
	Construct
)

var kindNames = [...]string{"Virtual", "Interface", "Static", "Special", "Construct"}

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int32(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= Virtual && k <= Construct
}

// HasReceiver reports whether call sites of this kind take the receiver
// as an explicit leading argument.
func (k Kind) HasReceiver() bool {
	return k == Virtual || k == Interface || k == Special
}

// KindFromOrdinal converts a bootstrap argument back into a Kind.
func KindFromOrdinal(n int32) (Kind, error) {
	k := Kind(n)
	if !k.Valid() {
		return k, fmt.Errorf("%w: ordinal %d", ErrUnknownInvocationKind, n)
	}
	return k, nil
}

// ParseKind parses a kind by name, case-sensitively.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownInvocationKind, s)
}
