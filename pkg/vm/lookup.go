package vm

import (
	"context"
	"fmt"

	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/heap"
)

// lookup finds members on behalf of one loaded class. Private members
// are visible to their declaring class only.
type lookup struct {
	vm     *VM
	caller *Class
}

var _ callsite.Lookup = (*lookup)(nil)

func (l *lookup) owner(name string) (*Class, error) {
	c, err := l.vm.Class(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", callsite.ErrOwnerTypeNotFound, name, err)
	}
	return c, nil
}

func (l *lookup) check(m *Method, owner, name string, t classfile.MethodType) error {
	if m == nil {
		return fmt.Errorf("%w: %s.%s%s", callsite.ErrMemberNotFound, owner, name, t)
	}
	if m.IsPrivate() && m.Class.Name != l.caller.Name {
		return fmt.Errorf("%w: %s is private to %s", callsite.ErrAccessDenied, m, m.Class.Name)
	}
	return nil
}

// FindVirtual returns a handle dispatching name on its first argument.
// Private methods are not overridden and run directly.
func (l *lookup) FindVirtual(owner, name string, t classfile.MethodType) (callsite.Handle, error) {
	c, err := l.owner(owner)
	if err != nil {
		return nil, err
	}
	desc := t.String()
	m := l.vm.resolveMethod(c, name, desc)
	if m != nil && m.IsStatic() {
		m = nil
	}
	if err := l.check(m, owner, name, t); err != nil {
		return nil, err
	}
	return callsite.NewHandle(t.Prepend(classfile.TypeDescriptor(owner)), func(ctx context.Context, args []heap.Value) (heap.Value, error) {
		if args[0].IsNull() {
			return heap.Value{}, npe(name)
		}
		target := m
		if !m.IsPrivate() {
			var err error
			if target, err = l.vm.dispatch(args[0], name, desc); err != nil {
				return heap.Value{}, err
			}
		}
		return l.vm.invokeMethod(ctx, target, args)
	}), nil
}

// FindStatic returns a handle calling a static method. The declaring
// class is initialized on first invocation.
func (l *lookup) FindStatic(owner, name string, t classfile.MethodType) (callsite.Handle, error) {
	c, err := l.owner(owner)
	if err != nil {
		return nil, err
	}
	m := l.vm.resolveMethod(c, name, t.String())
	if m != nil && !m.IsStatic() {
		m = nil
	}
	if err := l.check(m, owner, name, t); err != nil {
		return nil, err
	}
	return callsite.NewHandle(t, func(ctx context.Context, args []heap.Value) (heap.Value, error) {
		if err := l.vm.initialize(ctx, m.Class); err != nil {
			return heap.Value{}, err
		}
		return l.vm.invokeMethod(ctx, m, args)
	}), nil
}

// FindSpecial returns a handle calling name without virtual dispatch.
// Only the caller class itself may ask, for itself or a supertype.
func (l *lookup) FindSpecial(owner, name string, t classfile.MethodType, specialCaller string) (callsite.Handle, error) {
	if specialCaller != l.caller.Name {
		return nil, fmt.Errorf("%w: special lookup for %s from %s", callsite.ErrAccessDenied, specialCaller, l.caller.Name)
	}
	c, err := l.owner(owner)
	if err != nil {
		return nil, err
	}
	if !l.caller.IsSubclassOf(c.Name) {
		return nil, fmt.Errorf("%w: %s is not a supertype of %s", callsite.ErrAccessDenied, owner, l.caller.Name)
	}
	desc := t.String()
	m := c.DeclaredMethod(name, desc)
	if m == nil || !m.IsPrivate() {
		m = c.findVirtual(name, desc)
	}
	if err := l.check(m, owner, name, t); err != nil {
		return nil, err
	}
	return callsite.NewHandle(t.Prepend(classfile.TypeDescriptor(owner)), func(ctx context.Context, args []heap.Value) (heap.Value, error) {
		if args[0].IsNull() {
			return heap.Value{}, npe(name)
		}
		return l.vm.invokeMethod(ctx, m, args)
	}), nil
}

// FindConstructor returns a handle that allocates an instance of owner,
// runs the initializer of type t on it and returns it.
func (l *lookup) FindConstructor(owner string, t classfile.MethodType) (callsite.Handle, error) {
	c, err := l.owner(owner)
	if err != nil {
		return nil, err
	}
	if c.IsAbstract() {
		return nil, fmt.Errorf("%w: %s is abstract", callsite.ErrMemberNotFound, owner)
	}
	m := c.DeclaredMethod("<init>", t.String())
	if err := l.check(m, owner, "<init>", t); err != nil {
		return nil, err
	}
	return callsite.NewHandle(t.WithReturn(classfile.TypeDescriptor(owner)), func(ctx context.Context, args []heap.Value) (heap.Value, error) {
		obj, err := l.vm.allocate(ctx, c)
		if err != nil {
			return heap.Value{}, err
		}
		self := heap.RefValue(obj)
		if _, err := l.vm.invokeMethod(ctx, m, append([]heap.Value{self}, args...)); err != nil {
			return heap.Value{}, err
		}
		return self, nil
	}), nil
}
