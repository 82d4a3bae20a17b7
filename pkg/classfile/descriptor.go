package classfile

import (
	"fmt"
	"strings"
)

// MethodType is a parsed method descriptor. Each parameter and the return
// type are kept as field descriptors ("I", "Ljava/lang/String;", "[J", "V").
type MethodType struct {
	Params []string
	Return string
}

// ParseMethodType parses a method descriptor such as "(ILjava/lang/String;)V".
func ParseMethodType(desc string) (MethodType, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return MethodType{}, fmt.Errorf("invalid method descriptor: %q", desc)
	}
	var mt MethodType
	i := 1
	for i < len(desc) && desc[i] != ')' {
		end, err := fieldTypeEnd(desc, i)
		if err != nil {
			return MethodType{}, err
		}
		mt.Params = append(mt.Params, desc[i:end])
		i = end
	}
	if i >= len(desc) {
		return MethodType{}, fmt.Errorf("invalid method descriptor: %q: missing ')'", desc)
	}
	i++
	if desc[i:] == "V" {
		mt.Return = "V"
		return mt, nil
	}
	end, err := fieldTypeEnd(desc, i)
	if err != nil {
		return MethodType{}, err
	}
	if end != len(desc) {
		return MethodType{}, fmt.Errorf("invalid method descriptor: %q: trailing data", desc)
	}
	mt.Return = desc[i:end]
	return mt, nil
}

// MustParseMethodType is like ParseMethodType but panics on error.
// Intended for descriptors that are compile-time constants.
func MustParseMethodType(desc string) MethodType {
	mt, err := ParseMethodType(desc)
	if err != nil {
		panic(err)
	}
	return mt
}

// fieldTypeEnd returns the index just past the field descriptor starting at i.
func fieldTypeEnd(desc string, i int) (int, error) {
	start := i
	for i < len(desc) && desc[i] == '[' {
		i++
	}
	if i-start > 255 {
		return 0, fmt.Errorf("invalid descriptor %q: too many array dimensions", desc)
	}
	if i >= len(desc) {
		return 0, fmt.Errorf("invalid descriptor %q: truncated at %d", desc, start)
	}
	switch desc[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return i + 1, nil
	case 'L':
		semi := strings.IndexByte(desc[i:], ';')
		if semi <= 1 {
			return 0, fmt.Errorf("invalid descriptor %q: unterminated class name at %d", desc, i)
		}
		return i + semi + 1, nil
	default:
		return 0, fmt.Errorf("invalid type descriptor char '%c' in %s", desc[i], desc)
	}
}

// String renders the descriptor form.
func (t MethodType) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, p := range t.Params {
		sb.WriteString(p)
	}
	sb.WriteByte(')')
	sb.WriteString(t.Return)
	return sb.String()
}

// Equal reports whether two method types describe the same signature.
func (t MethodType) Equal(o MethodType) bool {
	if t.Return != o.Return || len(t.Params) != len(o.Params) {
		return false
	}
	for i := range t.Params {
		if t.Params[i] != o.Params[i] {
			return false
		}
	}
	return true
}

// IsVoid reports whether the return type is void.
func (t MethodType) IsVoid() bool { return t.Return == "V" }

// Prepend returns a copy of t with p inserted as the first parameter.
func (t MethodType) Prepend(p string) MethodType {
	params := make([]string, 0, len(t.Params)+1)
	params = append(params, p)
	params = append(params, t.Params...)
	return MethodType{Params: params, Return: t.Return}
}

// WithReturn returns a copy of t with a different return type.
func (t MethodType) WithReturn(r string) MethodType {
	params := make([]string, len(t.Params))
	copy(params, t.Params)
	return MethodType{Params: params, Return: r}
}

// ArgSlots returns the number of local variable slots the parameters
// occupy (long and double take two).
func (t MethodType) ArgSlots() int {
	n := 0
	for _, p := range t.Params {
		if p == "J" || p == "D" {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// TypeDescriptor returns the field descriptor for a class given by its
// internal name. Array classes are already descriptors.
func TypeDescriptor(internalName string) string {
	if strings.HasPrefix(internalName, "[") {
		return internalName
	}
	return "L" + internalName + ";"
}

// ClassOfDescriptor returns the internal class name of an object or array
// field descriptor, and false for primitives.
func ClassOfDescriptor(desc string) (string, bool) {
	switch {
	case strings.HasPrefix(desc, "["):
		return desc, true
	case strings.HasPrefix(desc, "L") && strings.HasSuffix(desc, ";"):
		return desc[1 : len(desc)-1], true
	default:
		return "", false
	}
}

// BinaryName converts an internal name ("java/lang/String") to the binary
// name used by Class.forName ("java.lang.String").
func BinaryName(internalName string) string {
	return strings.ReplaceAll(internalName, "/", ".")
}

// InternalName converts a binary name back to its internal form.
func InternalName(binaryName string) string {
	return strings.ReplaceAll(binaryName, ".", "/")
}
