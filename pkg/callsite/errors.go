package callsite

import (
	"errors"
	"fmt"
)

var (
	ErrMemberNotFound        = errors.New("member not found")
	ErrOwnerTypeNotFound     = errors.New("owner type not found")
	ErrAccessDenied          = errors.New("access denied")
	ErrUnknownInvocationKind = errors.New("unknown invocation kind")

	// ErrSignatureMismatch reports a handle or call whose type differs from
	// the call site's.
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrNoHandle reports a policy chain that returned neither a handle
	// nor an error.
	ErrNoHandle = errors.New("policy chain produced no handle")
	// ErrNoTerminal reports a chain composed without a baking policy.
	ErrNoTerminal = errors.New("policy chain has no terminal policy")
	// ErrPolicyDenied matches every *PolicyError.
	ErrPolicyDenied = errors.New("denied by policy")
	// ErrUnknownEntry reports an invokedynamic bound to a bootstrap method
	// other than resolveCallSite and resolveHandle.
	ErrUnknownEntry = errors.New("unknown bootstrap entry")
	// ErrResolverPanic reports a policy or lookup that panicked.
	ErrResolverPanic = errors.New("resolver panicked")
)

// ResolutionError is the failure of one call site to link.
type ResolutionError struct {
	Caller     string
	Descriptor Descriptor
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %s from %s: %v", e.Descriptor, e.Caller, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// PolicyError is a denial by a policy. Callers see it wrapped in a
// ResolutionError like any other link failure.
type PolicyError struct {
	Policy string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrPolicyDenied, e.Policy, e.Reason)
}

func (e *PolicyError) Is(target error) bool { return target == ErrPolicyDenied }
