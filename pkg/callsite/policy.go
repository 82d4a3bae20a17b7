package callsite

import (
	"io"
	"log/slog"

	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

// Lookup finds linkable members on behalf of one caller class. Handles
// returned for Virtual and Special lookups take the receiver, typed as
// owner, as parameter 0; FindConstructor handles return the new instance.
type Lookup interface {
	FindVirtual(owner, name string, t classfile.MethodType) (Handle, error)
	FindStatic(owner, name string, t classfile.MethodType) (Handle, error)
	FindSpecial(owner, name string, t classfile.MethodType, specialCaller string) (Handle, error)
	FindConstructor(owner string, t classfile.MethodType) (Handle, error)
}

// Caller identifies the class a call site belongs to and carries the
// lookup that class is entitled to.
type Caller struct {
	Class  string
	Lookup Lookup
}

// Policy turns a descriptor into a handle. Implementations may inspect
// it, deny it, substitute a handle, or delegate to the next policy at
// most once. Policies are called concurrently for distinct call sites.
type Policy interface {
	Intercept(caller Caller, d Descriptor) (Handle, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(caller Caller, d Descriptor) (Handle, error)

func (f PolicyFunc) Intercept(caller Caller, d Descriptor) (Handle, error) { return f(caller, d) }

// Link wraps the next policy of a chain.
type Link func(next Policy) Policy

// Chain composes links around terminal. links[0] is outermost and sees
// every request first.
func Chain(terminal Policy, links ...Link) (Policy, error) {
	if terminal == nil {
		return nil, ErrNoTerminal
	}
	p := terminal
	for i := len(links) - 1; i >= 0; i-- {
		p = links[i](p)
	}
	return p, nil
}

// Baker is the terminal policy: it performs the lookup for the
// descriptor's kind.
type Baker struct{}

func (Baker) Intercept(caller Caller, d Descriptor) (Handle, error) { return Bake(caller, d) }

// Bake looks up the target of d through the caller's Lookup.
func Bake(caller Caller, d Descriptor) (Handle, error) {
	if !d.Kind.Valid() {
		return nil, ErrUnknownInvocationKind
	}
	if caller.Lookup == nil {
		return nil, ErrAccessDenied
	}
	switch d.Kind {
	case Virtual, Interface:
		return caller.Lookup.FindVirtual(d.Owner, d.Name, d.Type)
	case Static:
		return caller.Lookup.FindStatic(d.Owner, d.Name, d.Type)
	case Special:
		return caller.Lookup.FindSpecial(d.Owner, d.Name, d.Type, caller.Class)
	default:
		return caller.Lookup.FindConstructor(d.Owner, d.Type)
	}
}

// Logging records every interception and delegates unchanged.
type Logging struct {
	next   Policy
	logger *slog.Logger
}

// NewLogging returns a Logging policy in front of next. A nil logger
// discards.
func NewLogging(next Policy, logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Logging{next: next, logger: logger}
}

// WithLogging is the Link form of NewLogging.
func WithLogging(logger *slog.Logger) Link {
	return func(next Policy) Policy { return NewLogging(next, logger) }
}

func (l *Logging) Intercept(caller Caller, d Descriptor) (Handle, error) {
	l.logger.Info("call site requested",
		"caller", caller.Class,
		"kind", d.Kind.String(),
		"owner", d.Owner,
		"name", d.Name,
		"type", d.Type.String(),
	)
	return l.next.Intercept(caller, d)
}
