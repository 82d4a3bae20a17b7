package rewrite

import (
	"fmt"

	"github.com/daimatz/jvmsandbox/pkg/bytecode"
	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

// Verifier checks a rewritten class before it is encoded. A failure
// fails the whole rewrite.
type Verifier interface {
	Verify(cf *classfile.ClassFile) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(cf *classfile.ClassFile) error

func (f VerifierFunc) Verify(cf *classfile.ClassFile) error { return f(cf) }

// StructuralCheck verifies that every method body decodes into whole
// instructions with in-range targets and exception ranges, that every
// invokedynamic is a call site of RuntimeClass whose static arguments
// imply its type, and that no direct invocation, construction or
// method-handle load remains that Policy would intercept. A constructor
// may still initialize its receiver through its own class or its direct
// superclass. Stack maps are not computed.
type StructuralCheck struct {
	Policy       Policy
	RuntimeClass string
}

func (s StructuralCheck) Verify(cf *classfile.ClassFile) error {
	if s.Policy == nil {
		s.Policy = InterceptAll
	}
	if s.RuntimeClass == "" {
		s.RuntimeClass = DefaultRuntimeClass
	}
	for i := range cf.Methods {
		m := &cf.Methods[i]
		if m.Code == nil {
			continue
		}
		insns, err := bytecode.Decode(m.Code.Code)
		if err != nil {
			return fmt.Errorf("%s%s: %w", m.Name, m.Descriptor, err)
		}
		for _, in := range insns {
			if err := s.check(cf, m, in); err != nil {
				return fmt.Errorf("%s%s at %d: %w", m.Name, m.Descriptor, in.Offset, err)
			}
		}
		for _, h := range m.Code.ExceptionHandlers {
			if h.StartPC >= h.EndPC || int(h.EndPC) > len(m.Code.Code) || int(h.HandlerPC) >= len(m.Code.Code) {
				return fmt.Errorf("%s%s: exception range %d-%d with handler %d out of bounds",
					m.Name, m.Descriptor, h.StartPC, h.EndPC, h.HandlerPC)
			}
		}
	}
	return nil
}

func (s StructuralCheck) check(cf *classfile.ClassFile, m *classfile.MethodInfo, in bytecode.Instruction) error {
	switch in.Opcode {
	case bytecode.OpInvokedynamic:
		req, err := DecodeSite(cf, in.Index(), s.RuntimeClass)
		if err != nil {
			return err
		}
		d := req.Descriptor()
		if !d.Kind.Valid() {
			return fmt.Errorf("call site %s has invalid kind %d", req.Name, req.KindOrdinal)
		}
		want := d.InvokedType()
		if req.Entry == callsite.EntryHandle {
			want = handleLoadType
		}
		if !req.InvokedType.Equal(want) {
			return fmt.Errorf("call site %s typed %s, static arguments imply %s", req.Name, req.InvokedType, want)
		}

	case bytecode.OpInvokevirtual, bytecode.OpInvokeinterface, bytecode.OpInvokestatic, bytecode.OpInvokespecial:
		ref, err := classfile.ResolveAnyMethodref(cf.ConstantPool, in.Index())
		if err != nil {
			return err
		}
		sig, err := classfile.ParseMethodType(ref.Descriptor)
		if err != nil {
			return err
		}
		if ref.MethodName == "<init>" {
			if m.IsConstructor() && isOwnInitializer(cf, ref.ClassName) {
				return nil
			}
			d := callsite.Descriptor{Kind: callsite.Construct, Owner: ref.ClassName, Name: ref.MethodName, Type: sig}
			if s.Policy.Intercept(d) {
				return fmt.Errorf("direct construction of %s remains", ref.ClassName)
			}
			return nil
		}
		kind, _ := kindOf(in.Opcode)
		d := callsite.Descriptor{Kind: kind, Owner: ref.ClassName, Name: ref.MethodName, Type: sig}
		if s.Policy.Intercept(d) {
			return fmt.Errorf("direct %s of %s remains", bytecode.Mnemonic(in.Opcode), d)
		}

	case bytecode.OpLdc, bytecode.OpLdcW:
		if _, ok := constantAt(cf, in.Index()).(*classfile.ConstantMethodHandle); !ok {
			return nil
		}
		h, err := classfile.ResolveMethodHandle(cf.ConstantPool, in.Index())
		if err != nil {
			return err
		}
		kind, ok := handleKind(h.Kind)
		if !ok {
			return nil
		}
		sig, err := classfile.ParseMethodType(h.Ref.Descriptor)
		if err != nil {
			return err
		}
		d := callsite.Descriptor{Kind: kind, Owner: h.Ref.ClassName, Name: h.Ref.MethodName, Type: sig}
		if s.Policy.Intercept(d) {
			return fmt.Errorf("direct method handle load of %s remains", d)
		}
	}
	return nil
}
