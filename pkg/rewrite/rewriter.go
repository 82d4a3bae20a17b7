// Package rewrite turns the direct invocations, constructions and
// method-handle loads of a class file into invokedynamic call sites bound
// to the resolver's bootstrap methods.
//
// Rewritten methods carry no StackMapTable. A verifying JVM rejects
// rewritten methods with branches until their frames are recomputed by a
// downstream tool; the interpreter in pkg/vm does not verify.
package rewrite

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

// DefaultRuntimeClass holds the resolveCallSite and resolveHandle
// bootstrap methods unless WithRuntimeClass names another class.
const DefaultRuntimeClass = "jvmsandbox/runtime/Bootstraps"

// minIndyMajor is the first class file version that allows invokedynamic.
const minIndyMajor = 51

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithPolicy selects which sites are intercepted. Nil keeps InterceptAll.
func WithPolicy(p Policy) Option {
	return func(r *Rewriter) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithRuntimeClass names the class (internal form) whose bootstrap
// methods the emitted call sites reference.
func WithRuntimeClass(name string) Option {
	return func(r *Rewriter) {
		if name != "" {
			r.runtime = name
		}
	}
}

// WithVerifier replaces the check run over every rewritten class.
func WithVerifier(v Verifier) Option {
	return func(r *Rewriter) { r.verifier = v }
}

// WithLogger sets the logger for per-class summaries.
func WithLogger(l *slog.Logger) Option {
	return func(r *Rewriter) {
		if l != nil {
			r.logger = l
		}
	}
}

// Rewriter rewrites class files. It holds no per-call state and may be
// shared between goroutines.
type Rewriter struct {
	policy   Policy
	runtime  string
	verifier Verifier
	logger   *slog.Logger
}

// New returns a Rewriter. Without options every site is intercepted,
// bootstraps live on DefaultRuntimeClass and output passes StructuralCheck.
func New(opts ...Option) *Rewriter {
	r := &Rewriter{
		policy:  InterceptAll,
		runtime: DefaultRuntimeClass,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.verifier == nil {
		r.verifier = StructuralCheck{Policy: r.policy, RuntimeClass: r.runtime}
	}
	return r
}

// RuntimeClass returns the bootstrap class emitted call sites reference.
func (r *Rewriter) RuntimeClass() string { return r.runtime }

// Rewrite rewrites one class file with the default options and the given
// policy. A nil policy intercepts everything.
func Rewrite(unit string, input []byte, policy Policy) ([]byte, error) {
	return New(WithPolicy(policy)).Rewrite(unit, input)
}

// Stats counts what a rewrite changed.
type Stats struct {
	Invocations   int
	Constructions int
	Handles       int
	Skipped       int // sites the policy left direct
}

// Sites returns the number of invokedynamic instructions emitted.
func (s Stats) Sites() int { return s.Invocations + s.Constructions + s.Handles }

// Rewrite rewrites the class file in input. unit names the input in
// errors and logs. The input is never modified and no output is returned
// alongside an error.
func (r *Rewriter) Rewrite(unit string, input []byte) ([]byte, error) {
	out, _, err := r.RewriteStats(unit, input)
	return out, err
}

// RewriteStats is Rewrite that also reports what changed.
func (r *Rewriter) RewriteStats(unit string, input []byte) ([]byte, Stats, error) {
	cf, err := classfile.ParseBytes(input)
	if err != nil {
		return nil, Stats{}, &RewriteError{Unit: unit, Offset: -1, Err: fmt.Errorf("%w: %w", ErrMalformed, err)}
	}
	stats, err := r.rewriteClass(unit, cf)
	if err != nil {
		return nil, Stats{}, err
	}
	out, err := cf.Bytes()
	if err != nil {
		return nil, Stats{}, &RewriteError{Unit: unit, Offset: -1, Err: fmt.Errorf("%w: %w", ErrUnsupported, err)}
	}
	r.logger.Debug("rewrote class",
		"unit", unit,
		"invocations", stats.Invocations,
		"constructions", stats.Constructions,
		"handles", stats.Handles,
		"skipped", stats.Skipped,
		"bytes_in", len(input),
		"bytes_out", len(out),
	)
	return out, stats, nil
}

// rewriteClass rewrites every method body of cf in place.
func (r *Rewriter) rewriteClass(unit string, cf *classfile.ClassFile) (Stats, error) {
	var stats Stats
	bs := &bootstraps{pool: classfile.NewPool(cf), runtime: r.runtime, handles: make(map[string]uint16)}
	for i := range cf.Methods {
		m := &cf.Methods[i]
		if m.Code == nil {
			continue
		}
		w := &methodRewriter{
			unit:   unit,
			cf:     cf,
			m:      m,
			policy: r.policy,
			bs:     bs,
			stats:  &stats,
			logger: r.logger,
		}
		if err := w.run(); err != nil {
			return stats, err
		}
	}
	if stats.Sites() > 0 && cf.MajorVersion < minIndyMajor {
		cf.MajorVersion, cf.MinorVersion = minIndyMajor, 0
	}
	if err := r.verifier.Verify(cf); err != nil {
		return stats, &RewriteError{Unit: unit, Offset: -1, Err: fmt.Errorf("verification failed: %w", err)}
	}
	return stats, nil
}

// bootstraps appends the bootstrap method handles and per-site
// BootstrapMethods entries to one class's pool.
type bootstraps struct {
	pool    *classfile.Pool
	runtime string
	handles map[string]uint16 // entry name -> CONSTANT_MethodHandle
}

// site returns the CONSTANT_InvokeDynamic index for a call site named name
// with type t, bound to entry with d's static arguments.
func (b *bootstraps) site(entry string, d callsite.Descriptor, name string, t classfile.MethodType) (uint16, error) {
	bsm, ok := b.handles[entry]
	if !ok {
		ref, err := b.pool.Methodref(b.runtime, entry, callsite.BootstrapDescriptor)
		if err != nil {
			return 0, err
		}
		if bsm, err = b.pool.MethodHandle(classfile.RefInvokeStatic, ref); err != nil {
			return 0, err
		}
		b.handles[entry] = bsm
	}
	kind, err := b.pool.Integer(int32(d.Kind))
	if err != nil {
		return 0, err
	}
	owner, err := b.pool.String(classfile.BinaryName(d.Owner))
	if err != nil {
		return 0, err
	}
	sig, err := b.pool.MethodType(d.Type.String())
	if err != nil {
		return 0, err
	}
	return b.pool.InvokeDynamic(b.pool.Bootstrap(bsm, kind, owner, sig), name, t.String())
}
