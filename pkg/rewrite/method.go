package rewrite

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/daimatz/jvmsandbox/pkg/bytecode"
	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

// emitted is one output instruction. Dead instructions were emitted
// provisionally (new and dup) and later fused into a construction.
type emitted struct {
	insn bytecode.Instruction
	dead bool
}

// allocation is a new whose initializer call has not been seen yet.
type allocation struct {
	owner string
	at    int // input index of the new
	newAt int // output index of the new
	dupAt int // output index of the dup, or -1
}

// methodRewriter rewrites one method body.
type methodRewriter struct {
	unit   string
	cf     *classfile.ClassFile
	m      *classfile.MethodInfo
	policy Policy
	bs     *bootstraps
	stats  *Stats
	logger *slog.Logger

	in  []bytecode.Instruction
	out []emitted
	// first maps an input index to the output index of the first
	// instruction emitted for it, with one trailing element for the end.
	first       []int
	pending     []allocation
	superCalled bool
	changed     bool
}

func (w *methodRewriter) method() string { return w.m.Name + w.m.Descriptor }

func (w *methodRewriter) fail(offset int, err error) error {
	return &RewriteError{Unit: w.unit, Method: w.method(), Offset: offset, Err: err}
}

func (w *methodRewriter) emit(in bytecode.Instruction) int {
	w.out = append(w.out, emitted{insn: in})
	return len(w.out) - 1
}

func (w *methodRewriter) run() error {
	insns, err := bytecode.Decode(w.m.Code.Code)
	if err != nil {
		return w.fail(-1, fmt.Errorf("%w: %w", ErrMalformed, err))
	}
	w.in = insns
	w.first = make([]int, len(insns)+1)
	for i := 0; i < len(insns); {
		w.first[i] = len(w.out)
		n, err := w.step(i)
		if err != nil {
			return w.fail(insns[i].Offset, err)
		}
		i += n
	}
	w.first[len(insns)] = len(w.out)

	if n := len(w.pending); n > 0 {
		a := w.pending[n-1]
		return w.fail(insns[a.at].Offset, fmt.Errorf("%w: allocation of %s is never initialized", ErrStackShape, a.owner))
	}
	if !w.changed {
		return nil
	}
	return w.finish()
}

// kindOf maps an invoke mnemonic to the invocation kind of its call site.
func kindOf(op byte) (callsite.Kind, bool) {
	switch op {
	case bytecode.OpInvokevirtual:
		return callsite.Virtual, true
	case bytecode.OpInvokeinterface:
		return callsite.Interface, true
	case bytecode.OpInvokestatic:
		return callsite.Static, true
	case bytecode.OpInvokespecial:
		return callsite.Special, true
	}
	return 0, false
}

// handleKind maps a method-handle reference kind to an invocation kind.
func handleKind(ref uint8) (callsite.Kind, bool) {
	switch ref {
	case classfile.RefInvokeVirtual:
		return callsite.Virtual, true
	case classfile.RefInvokeInterface:
		return callsite.Interface, true
	case classfile.RefInvokeStatic:
		return callsite.Static, true
	case classfile.RefInvokeSpecial:
		return callsite.Special, true
	case classfile.RefNewInvokeSpecial:
		return callsite.Construct, true
	}
	return 0, false
}

// step rewrites input instruction i and returns how many input
// instructions it consumed.
func (w *methodRewriter) step(i int) (int, error) {
	in := w.in[i]
	switch in.Opcode {
	case bytecode.OpNew:
		return w.allocate(i)

	case bytecode.OpInvokevirtual, bytecode.OpInvokeinterface, bytecode.OpInvokestatic, bytecode.OpInvokespecial:
		ref, err := classfile.ResolveAnyMethodref(w.cf.ConstantPool, in.Index())
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if ref.MethodName == "<init>" {
			if in.Opcode != bytecode.OpInvokespecial {
				return 0, fmt.Errorf("%w: %s of an initializer", ErrMalformed, bytecode.Mnemonic(in.Opcode))
			}
			return 1, w.initialize(in, ref)
		}
		kind, _ := kindOf(in.Opcode)
		return 1, w.invoke(in, kind, ref)

	case bytecode.OpInvokedynamic:
		return 0, fmt.Errorf("%w: invokedynamic already present", ErrUnsupported)

	case bytecode.OpLdc, bytecode.OpLdcW, bytecode.OpLdc2W:
		return 1, w.load(in)
	}
	w.emit(in)
	return 1, nil
}

// allocate records a new. The new and its dup are emitted provisionally
// and marked dead if the matching initializer is fused.
func (w *methodRewriter) allocate(i int) (int, error) {
	in := w.in[i]
	owner, err := classfile.GetClassName(w.cf.ConstantPool, in.Index())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	a := allocation{owner: owner, at: i, newAt: w.emit(in), dupAt: -1}
	if i+1 < len(w.in) {
		switch next := w.in[i+1].Opcode; next {
		case bytecode.OpDup:
			w.first[i+1] = len(w.out)
			a.dupAt = w.emit(w.in[i+1])
			w.pending = append(w.pending, a)
			return 2, nil
		case bytecode.OpDupX1, bytecode.OpDupX2, bytecode.OpDup2, bytecode.OpDup2X1, bytecode.OpDup2X2, bytecode.OpSwap:
			return 0, fmt.Errorf("%w: new %s followed by %s", ErrUnsupported, owner, bytecode.Mnemonic(next))
		}
	}
	w.pending = append(w.pending, a)
	return 1, nil
}

// initialize handles invokespecial <init>. The innermost pending
// allocation must be of the same class. In a constructor the first call
// with nothing pending is the super or this call and stays direct; its
// owner must be this class or its direct superclass.
func (w *methodRewriter) initialize(in bytecode.Instruction, ref *classfile.MethodRefInfo) error {
	sig, err := classfile.ParseMethodType(ref.Descriptor)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if !sig.IsVoid() {
		return fmt.Errorf("%w: initializer %s.<init>%s does not return void", ErrMalformed, ref.ClassName, sig)
	}
	if n := len(w.pending); n > 0 {
		a := w.pending[n-1]
		if a.owner != ref.ClassName {
			return fmt.Errorf("%w: %s.<init> called while %s is pending", ErrStackShape, ref.ClassName, a.owner)
		}
		w.pending = w.pending[:n-1]
		return w.construct(in, a, sig)
	}
	if w.m.IsConstructor() && !w.superCalled {
		if !isOwnInitializer(w.cf, ref.ClassName) {
			return fmt.Errorf("%w: constructor calls %s.<init> on its receiver", ErrStackShape, ref.ClassName)
		}
		w.superCalled = true
		w.emit(in)
		return nil
	}
	return fmt.Errorf("%w: %s.<init> without a matching new", ErrStackShape, ref.ClassName)
}

// isOwnInitializer reports whether owner may initialize the receiver of
// a constructor of cf.
func isOwnInitializer(cf *classfile.ClassFile, owner string) bool {
	if name, err := cf.ClassName(); err == nil && name == owner {
		return true
	}
	return owner != "" && owner == cf.SuperClassName()
}

func (w *methodRewriter) construct(in bytecode.Instruction, a allocation, sig classfile.MethodType) error {
	d := callsite.Descriptor{Kind: callsite.Construct, Owner: a.owner, Name: "<init>", Type: sig}
	if !w.policy.Intercept(d) {
		w.stats.Skipped++
		w.emit(in)
		return nil
	}
	idx, err := w.bs.site(callsite.EntryCallSite, d, callsite.ConstructorName, d.InvokedType())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	w.out[a.newAt].dead = true
	if a.dupAt >= 0 {
		w.out[a.dupAt].dead = true
	}
	w.emit(bytecode.InvokeDynamic(idx))
	if a.dupAt < 0 {
		w.emit(bytecode.Simple(bytecode.OpPop))
	}
	w.stats.Constructions++
	w.changed = true
	return nil
}

func (w *methodRewriter) invoke(in bytecode.Instruction, kind callsite.Kind, ref *classfile.MethodRefInfo) error {
	sig, err := classfile.ParseMethodType(ref.Descriptor)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	d := callsite.Descriptor{Kind: kind, Owner: ref.ClassName, Name: ref.MethodName, Type: sig}
	if !w.policy.Intercept(d) {
		w.stats.Skipped++
		w.emit(in)
		return nil
	}
	idx, err := w.bs.site(callsite.EntryCallSite, d, d.Name, d.InvokedType())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	w.emit(bytecode.InvokeDynamic(idx))
	w.stats.Invocations++
	w.changed = true
	return nil
}

// load handles ldc, ldc_w and ldc2_w. Method handles become resolveHandle
// call sites; dynamic constants are rejected.
func (w *methodRewriter) load(in bytecode.Instruction) error {
	idx := in.Index()
	if int(idx) >= len(w.cf.ConstantPool) || w.cf.ConstantPool[idx] == nil {
		return fmt.Errorf("%w: %s of invalid constant %d", ErrMalformed, bytecode.Mnemonic(in.Opcode), idx)
	}
	switch w.cf.ConstantPool[idx].(type) {
	case *classfile.ConstantDynamic:
		return fmt.Errorf("%w: %s of a dynamic constant", ErrUnsupported, bytecode.Mnemonic(in.Opcode))
	case *classfile.ConstantMethodHandle:
		return w.materialize(in, idx)
	}
	w.emit(in)
	return nil
}

var handleLoadType = classfile.MethodType{Return: callsite.MethodHandleType}

func (w *methodRewriter) materialize(in bytecode.Instruction, idx uint16) error {
	h, err := classfile.ResolveMethodHandle(w.cf.ConstantPool, idx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	kind, ok := handleKind(h.Kind)
	if !ok {
		return fmt.Errorf("%w: field handle for %s.%s", ErrUnsupported, h.Ref.ClassName, h.Ref.MethodName)
	}
	sig, err := classfile.ParseMethodType(h.Ref.Descriptor)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	d := callsite.Descriptor{Kind: kind, Owner: h.Ref.ClassName, Name: h.Ref.MethodName, Type: sig}
	if !w.policy.Intercept(d) {
		w.stats.Skipped++
		w.emit(in)
		return nil
	}
	name := d.Name
	if kind == callsite.Construct {
		name = callsite.ConstructorName
	}
	site, err := w.bs.site(callsite.EntryHandle, d, name, handleLoadType)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	w.emit(bytecode.InvokeDynamic(site))
	w.stats.Handles++
	w.changed = true
	return nil
}

// finish lays out the rewritten body and relocates everything that
// refers to code offsets.
func (w *methodRewriter) finish() error {
	// index maps an output index to its position once dead instructions
	// are removed; a dead instruction maps to the next live one.
	index := make([]int, len(w.out)+1)
	insns := make([]bytecode.Instruction, 0, len(w.out))
	for j, e := range w.out {
		index[j] = len(insns)
		if !e.dead {
			insns = append(insns, e.insn)
		}
	}
	index[len(w.out)] = len(insns)
	target := func(i int) int { return index[w.first[i]] }

	for k := range insns {
		in := &insns[k]
		switch {
		case bytecode.IsBranch(in.Opcode):
			in.Target = target(in.Target)
		case in.Switch != nil:
			sw := *in.Switch
			sw.Default = target(sw.Default)
			sw.Targets = make([]int, len(in.Switch.Targets))
			for j, t := range in.Switch.Targets {
				sw.Targets[j] = target(t)
			}
			in.Switch = &sw
		}
	}

	code, offsets, err := bytecode.Encode(insns)
	switch {
	case errors.Is(err, bytecode.ErrBranchRange):
		return w.fail(-1, err)
	case errors.Is(err, bytecode.ErrMalformed):
		return w.fail(-1, fmt.Errorf("%w: %w", ErrMalformed, err))
	case err != nil:
		return w.fail(-1, fmt.Errorf("%w: %w", ErrUnsupported, err))
	}

	byOffset := make(map[int]int, len(w.in))
	for i, in := range w.in {
		byOffset[in.Offset] = i
	}
	oldLen := len(w.m.Code.Code)
	pcOf := func(pc int) (int, bool) {
		if pc == oldLen {
			return offsets[len(insns)], true
		}
		i, ok := byOffset[pc]
		if !ok {
			return 0, false
		}
		return offsets[target(i)], true
	}

	handlers, err := relocateHandlers(w.m.Code.ExceptionHandlers, pcOf)
	if err != nil {
		return w.fail(-1, err)
	}
	var attrs []classfile.AttributeInfo
	for _, a := range w.m.Code.Attributes {
		var data []byte
		switch a.Name {
		case "LineNumberTable":
			data, err = relocateLineNumbers(a.Data, pcOf)
		case "LocalVariableTable", "LocalVariableTypeTable":
			data, err = relocateLocals(a.Data, pcOf)
		default:
			w.logger.Debug("dropped code attribute", "unit", w.unit, "method", w.method(), "attribute", a.Name)
			continue
		}
		if err != nil {
			return w.fail(-1, fmt.Errorf("%s: %w", a.Name, err))
		}
		attrs = append(attrs, classfile.AttributeInfo{Name: a.Name, Data: data})
	}

	w.m.Code.Code = code
	w.m.Code.ExceptionHandlers = handlers
	w.m.Code.Attributes = attrs
	return nil
}
