package callsite

import (
	"fmt"

	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

// Descriptor describes the shape of one call site. Owner is an internal
// class name and Type the member's own signature as it appeared in the
// original instruction. Treat it as immutable.
type Descriptor struct {
	Kind  Kind
	Owner string
	Name  string
	Type  classfile.MethodType
}

// InvokedType returns the signature of the dynamic call site: the
// receiver becomes an explicit leading parameter for Virtual, Interface
// and Special, and a construction returns the new instance.
func (d Descriptor) InvokedType() classfile.MethodType {
	switch {
	case d.Kind.HasReceiver():
		return d.Type.Prepend(classfile.TypeDescriptor(d.Owner))
	case d.Kind == Construct:
		return d.Type.WithReturn(classfile.TypeDescriptor(d.Owner))
	}
	return d.Type
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s.%s%s", d.Kind, d.Owner, d.Name, d.Type)
}
