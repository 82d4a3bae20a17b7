package rewrite

import (
	"errors"
	"fmt"

	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

// ErrForeignSite reports an invokedynamic whose bootstrap is not one of
// the runtime class's resolver entry points.
var ErrForeignSite = errors.New("call site not bound to the runtime bootstraps")

// DecodeSite reads the invokedynamic constant at index as a call site
// emitted by the rewriter and returns the bootstrap request it encodes.
func DecodeSite(cf *classfile.ClassFile, index uint16, runtimeClass string) (callsite.Request, error) {
	var req callsite.Request
	indy, err := classfile.ResolveInvokeDynamic(cf.ConstantPool, index)
	if err != nil {
		return req, err
	}
	if int(indy.BootstrapIndex) >= len(cf.BootstrapMethods) {
		return req, fmt.Errorf("bootstrap method %d out of range", indy.BootstrapIndex)
	}
	bm := cf.BootstrapMethods[indy.BootstrapIndex]
	h, err := classfile.ResolveMethodHandle(cf.ConstantPool, bm.MethodRef)
	if err != nil {
		return req, fmt.Errorf("bootstrap method %d: %w", indy.BootstrapIndex, err)
	}
	if h.Kind != classfile.RefInvokeStatic || h.Ref.ClassName != runtimeClass ||
		h.Ref.Descriptor != callsite.BootstrapDescriptor ||
		(h.Ref.MethodName != callsite.EntryCallSite && h.Ref.MethodName != callsite.EntryHandle) {
		return req, fmt.Errorf("%w: %s.%s%s", ErrForeignSite, h.Ref.ClassName, h.Ref.MethodName, h.Ref.Descriptor)
	}
	if len(bm.BootstrapArguments) != 3 {
		return req, fmt.Errorf("%w: %d static arguments", ErrForeignSite, len(bm.BootstrapArguments))
	}
	args := bm.BootstrapArguments

	kind, ok := constantAt(cf, args[0]).(*classfile.ConstantInteger)
	if !ok {
		return req, fmt.Errorf("%w: kind argument is not an Integer", ErrForeignSite)
	}
	str, ok := constantAt(cf, args[1]).(*classfile.ConstantString)
	if !ok {
		return req, fmt.Errorf("%w: owner argument is not a String", ErrForeignSite)
	}
	owner, err := classfile.GetUtf8(cf.ConstantPool, str.StringIndex)
	if err != nil {
		return req, err
	}
	mt, ok := constantAt(cf, args[2]).(*classfile.ConstantMethodType)
	if !ok {
		return req, fmt.Errorf("%w: signature argument is not a MethodType", ErrForeignSite)
	}
	desc, err := classfile.GetUtf8(cf.ConstantPool, mt.DescriptorIndex)
	if err != nil {
		return req, err
	}
	sig, err := classfile.ParseMethodType(desc)
	if err != nil {
		return req, err
	}
	invoked, err := classfile.ParseMethodType(indy.Descriptor)
	if err != nil {
		return req, err
	}
	return callsite.Request{
		Entry:       h.Ref.MethodName,
		Name:        indy.Name,
		InvokedType: invoked,
		KindOrdinal: kind.Value,
		OwnerName:   owner,
		Signature:   sig,
	}, nil
}

func constantAt(cf *classfile.ClassFile, index uint16) classfile.ConstantPoolEntry {
	if int(index) >= len(cf.ConstantPool) {
		return nil
	}
	return cf.ConstantPool[index]
}
