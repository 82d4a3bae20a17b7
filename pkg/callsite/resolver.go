package callsite

import (
	"fmt"

	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

// Bootstrap method names on the runtime class.
const (
	EntryCallSite = "resolveCallSite"
	EntryHandle   = "resolveHandle"
)

// BootstrapDescriptor is the descriptor shared by both bootstrap methods:
// (Lookup, String name, MethodType invokedType, int kind, String owner,
// MethodType signature) -> CallSite.
const BootstrapDescriptor = "(Ljava/lang/invoke/MethodHandles$Lookup;Ljava/lang/String;" +
	"Ljava/lang/invoke/MethodType;ILjava/lang/String;Ljava/lang/invoke/MethodType;)" +
	"Ljava/lang/invoke/CallSite;"

// ConstructorName is the invokedynamic name given to Construct sites.
const ConstructorName = "init"

// Resolver links call sites through a policy chain.
type Resolver struct {
	policy Policy
}

// NewResolver returns a resolver running policy. A nil policy bakes
// every request unchanged.
func NewResolver(policy Policy) *Resolver {
	if policy == nil {
		policy = Baker{}
	}
	return &Resolver{policy: policy}
}

// Resolve runs the policy chain for d and checks the handle it returns.
// Every failure is a *ResolutionError.
func (r *Resolver) Resolve(caller Caller, d Descriptor) (Handle, error) {
	fail := func(err error) (Handle, error) {
		return nil, &ResolutionError{Caller: caller.Class, Descriptor: d, Err: err}
	}
	if !d.Kind.Valid() {
		return fail(fmt.Errorf("%w: ordinal %d", ErrUnknownInvocationKind, int32(d.Kind)))
	}
	h, err := r.policy.Intercept(caller, d)
	if err != nil {
		return fail(err)
	}
	if h == nil {
		return fail(ErrNoHandle)
	}
	if want := d.InvokedType(); !h.Type().Equal(want) {
		return fail(fmt.Errorf("%w: handle is %s, call site is %s", ErrSignatureMismatch, h.Type(), want))
	}
	return h, nil
}

// descriptorFor rebuilds a descriptor from bootstrap arguments. The
// descriptor keeps an out-of-range kind so the failure names it.
func descriptorFor(name string, kindOrdinal int32, ownerName string, signature classfile.MethodType) Descriptor {
	kind := Kind(kindOrdinal)
	if kind == Construct && name == ConstructorName {
		name = "<init>"
	}
	return Descriptor{Kind: kind, Owner: classfile.InternalName(ownerName), Name: name, Type: signature}
}

// ResolveCallSite is the resolveCallSite bootstrap: it links an
// invokedynamic call site whose static arguments are (kindOrdinal,
// ownerName, signature). ownerName is a binary class name.
func (r *Resolver) ResolveCallSite(caller Caller, name string, invokedType classfile.MethodType, kindOrdinal int32, ownerName string, signature classfile.MethodType) (Handle, error) {
	d := descriptorFor(name, kindOrdinal, ownerName, signature)
	if _, err := KindFromOrdinal(kindOrdinal); err != nil {
		return nil, &ResolutionError{Caller: caller.Class, Descriptor: d, Err: err}
	}
	if want := d.InvokedType(); !invokedType.Equal(want) {
		return nil, &ResolutionError{Caller: caller.Class, Descriptor: d,
			Err: fmt.Errorf("%w: call site is %s, descriptor implies %s", ErrSignatureMismatch, invokedType, want)}
	}
	return r.Resolve(caller, d)
}

// ResolveHandle is the resolveHandle bootstrap: it resolves the member
// described by the static arguments and returns a handle producing the
// resolved handle as a value.
func (r *Resolver) ResolveHandle(caller Caller, name string, invokedType classfile.MethodType, kindOrdinal int32, ownerName string, signature classfile.MethodType) (Handle, error) {
	d := descriptorFor(name, kindOrdinal, ownerName, signature)
	if _, err := KindFromOrdinal(kindOrdinal); err != nil {
		return nil, &ResolutionError{Caller: caller.Class, Descriptor: d, Err: err}
	}
	if len(invokedType.Params) != 0 || invokedType.Return != MethodHandleType {
		return nil, &ResolutionError{Caller: caller.Class, Descriptor: d,
			Err: fmt.Errorf("%w: handle load typed %s", ErrSignatureMismatch, invokedType)}
	}
	h, err := r.Resolve(caller, d)
	if err != nil {
		return nil, err
	}
	return Constant(h), nil
}

// Request is the decoded bootstrap call of one invokedynamic instruction.
type Request struct {
	Entry       string // EntryCallSite or EntryHandle
	Name        string
	InvokedType classfile.MethodType
	KindOrdinal int32
	OwnerName   string
	Signature   classfile.MethodType
}

// Descriptor rebuilds the call descriptor encoded by the request's static
// arguments. The kind is not validated.
func (q Request) Descriptor() Descriptor {
	return descriptorFor(q.Name, q.KindOrdinal, q.OwnerName, q.Signature)
}

// Link dispatches req to the bootstrap entry it names. Every failure is a
// *ResolutionError.
func (r *Resolver) Link(caller Caller, req Request) (Handle, error) {
	switch req.Entry {
	case EntryCallSite:
		return r.ResolveCallSite(caller, req.Name, req.InvokedType, req.KindOrdinal, req.OwnerName, req.Signature)
	case EntryHandle:
		return r.ResolveHandle(caller, req.Name, req.InvokedType, req.KindOrdinal, req.OwnerName, req.Signature)
	}
	return nil, &ResolutionError{Caller: caller.Class, Descriptor: req.Descriptor(),
		Err: fmt.Errorf("%w: %q", ErrUnknownEntry, req.Entry)}
}
