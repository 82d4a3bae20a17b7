package vm

import (
	"context"
	"fmt"

	"github.com/daimatz/jvmsandbox/pkg/bytecode"
	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/heap"
	"github.com/daimatz/jvmsandbox/pkg/native"
	"github.com/daimatz/jvmsandbox/pkg/rewrite"
)

// executeLdc handles ldc and ldc_w.
func (vm *VM) executeLdc(frame *Frame, index uint16) (heap.Value, bool, error) {
	c := frame.Class()
	pool := c.File.ConstantPool
	if int(index) >= len(pool) || pool[index] == nil {
		return heap.Value{}, false, fmt.Errorf("ldc: invalid constant pool index %d", index)
	}
	switch e := pool[index].(type) {
	case *classfile.ConstantInteger:
		frame.Push(heap.IntValue(e.Value))
	case *classfile.ConstantFloat:
		frame.Push(heap.FloatValue(e.Value))
	case *classfile.ConstantString:
		s, err := classfile.GetUtf8(pool, e.StringIndex)
		if err != nil {
			return heap.Value{}, false, fmt.Errorf("ldc: resolving string: %w", err)
		}
		frame.Push(heap.RefValue(s))
	case *classfile.ConstantClass:
		name, err := classfile.GetUtf8(pool, e.NameIndex)
		if err != nil {
			return heap.Value{}, false, fmt.Errorf("ldc: resolving class: %w", err)
		}
		frame.Push(heap.RefValue(vm.mirror(name)))
	case *classfile.ConstantMethodHandle:
		h, err := vm.loadHandle(c, index)
		if err != nil {
			return heap.Value{}, false, err
		}
		frame.Push(heap.RefValue(h))
	default:
		return heap.Value{}, false, fmt.Errorf("%w: ldc of constant tag %d", ErrUnsupported, e.Tag())
	}
	return heap.Value{}, false, nil
}

// mirror returns the java/lang/Class object of a class, one per name.
func (vm *VM) mirror(name string) *heap.Object {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if m, ok := vm.mirrors[name]; ok {
		return m
	}
	m := native.ClassObject(name)
	vm.mirrors[name] = m
	return m
}

// loadHandle resolves a method handle constant that was left in place,
// with the declaring class's own lookup and no policy.
func (vm *VM) loadHandle(c *Class, index uint16) (callsite.Handle, error) {
	info, err := classfile.ResolveMethodHandle(c.File.ConstantPool, index)
	if err != nil {
		return nil, fmt.Errorf("ldc: %w", err)
	}
	var kind callsite.Kind
	switch info.Kind {
	case classfile.RefInvokeVirtual:
		kind = callsite.Virtual
	case classfile.RefInvokeInterface:
		kind = callsite.Interface
	case classfile.RefInvokeStatic:
		kind = callsite.Static
	case classfile.RefInvokeSpecial:
		kind = callsite.Special
	case classfile.RefNewInvokeSpecial:
		kind = callsite.Construct
	default:
		return nil, fmt.Errorf("%w: field handle %s.%s", ErrUnsupported, info.Ref.ClassName, info.Ref.MethodName)
	}
	t, err := classfile.ParseMethodType(info.Ref.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("ldc: %w", err)
	}
	d := callsite.Descriptor{Kind: kind, Owner: info.Ref.ClassName, Name: info.Ref.MethodName, Type: t}
	return callsite.Bake(callsite.Caller{Class: c.Name, Lookup: &lookup{vm: vm, caller: c}}, d)
}

func (vm *VM) executeGetstatic(ctx context.Context, frame *Frame) (heap.Value, bool, error) {
	index := frame.ReadU16()
	owner, ref, err := vm.staticField(ctx, frame, index)
	if err != nil {
		return heap.Value{}, false, err
	}
	frame.Push(owner.GetStatic(ref.FieldName))
	return heap.Value{}, false, nil
}

func (vm *VM) executePutstatic(ctx context.Context, frame *Frame) (heap.Value, bool, error) {
	index := frame.ReadU16()
	owner, ref, err := vm.staticField(ctx, frame, index)
	if err != nil {
		return heap.Value{}, false, err
	}
	owner.PutStatic(ref.FieldName, frame.Pop())
	return heap.Value{}, false, nil
}

// staticField resolves a static field reference and initializes the
// class declaring it.
func (vm *VM) staticField(ctx context.Context, frame *Frame, index uint16) (*Class, *classfile.FieldRefInfo, error) {
	ref, err := classfile.ResolveFieldref(frame.Class().File.ConstantPool, index)
	if err != nil {
		return nil, nil, fmt.Errorf("static field: %w", err)
	}
	c, err := vm.Class(ref.ClassName)
	if err != nil {
		return nil, nil, err
	}
	owner := c.staticOwner(ref.FieldName)
	if owner == nil {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrNoSuchField, ref.ClassName, ref.FieldName)
	}
	if err := vm.initialize(ctx, owner); err != nil {
		return nil, nil, err
	}
	return owner, ref, nil
}

func (vm *VM) executeGetfield(frame *Frame) (heap.Value, bool, error) {
	index := frame.ReadU16()
	ref, err := classfile.ResolveFieldref(frame.Class().File.ConstantPool, index)
	if err != nil {
		return heap.Value{}, false, fmt.Errorf("getfield: %w", err)
	}
	obj, err := fieldHolder(frame.Pop(), ref)
	if err != nil {
		return heap.Value{}, false, err
	}
	v, ok := obj.Field(ref.FieldName)
	if !ok {
		v = heap.Zero(ref.Descriptor)
	}
	frame.Push(v)
	return heap.Value{}, false, nil
}

func (vm *VM) executePutfield(frame *Frame) (heap.Value, bool, error) {
	index := frame.ReadU16()
	ref, err := classfile.ResolveFieldref(frame.Class().File.ConstantPool, index)
	if err != nil {
		return heap.Value{}, false, fmt.Errorf("putfield: %w", err)
	}
	value := frame.Pop()
	obj, err := fieldHolder(frame.Pop(), ref)
	if err != nil {
		return heap.Value{}, false, err
	}
	obj.SetField(ref.FieldName, value)
	return heap.Value{}, false, nil
}

func fieldHolder(v heap.Value, ref *classfile.FieldRefInfo) (*heap.Object, error) {
	if v.IsNull() {
		return nil, npe("field " + ref.FieldName)
	}
	obj, ok := v.Ref.(*heap.Object)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s on %T", ErrNoSuchField, ref.ClassName, ref.FieldName, v.Ref)
	}
	return obj, nil
}

func (vm *VM) executeNew(ctx context.Context, frame *Frame) (heap.Value, bool, error) {
	index := frame.ReadU16()
	className, err := classfile.GetClassName(frame.Class().File.ConstantPool, index)
	if err != nil {
		return heap.Value{}, false, fmt.Errorf("new: %w", err)
	}
	c, err := vm.Class(className)
	if err != nil {
		return heap.Value{}, false, err
	}
	obj, err := vm.allocate(ctx, c)
	if err != nil {
		return heap.Value{}, false, err
	}
	frame.Push(heap.RefValue(obj))
	return heap.Value{}, false, nil
}

// executeInvoke handles the four direct invoke instructions.
func (vm *VM) executeInvoke(ctx context.Context, frame *Frame, opcode byte) (heap.Value, bool, error) {
	index := frame.ReadU16()
	if opcode == bytecode.OpInvokeinterface {
		frame.ReadU8() // count
		frame.ReadU8() // always 0
	}
	ref, err := classfile.ResolveAnyMethodref(frame.Class().File.ConstantPool, index)
	if err != nil {
		return heap.Value{}, false, fmt.Errorf("%s: %w", bytecode.Mnemonic(opcode), err)
	}
	t, err := classfile.ParseMethodType(ref.Descriptor)
	if err != nil {
		return heap.Value{}, false, fmt.Errorf("%s: %w", bytecode.Mnemonic(opcode), err)
	}

	var m *Method
	var args []heap.Value
	if opcode == bytecode.OpInvokestatic {
		c, err := vm.Class(ref.ClassName)
		if err != nil {
			return heap.Value{}, false, err
		}
		m = vm.resolveMethod(c, ref.MethodName, ref.Descriptor)
		if m == nil || !m.IsStatic() {
			return heap.Value{}, false, fmt.Errorf("%w: static %s.%s%s", ErrNoSuchMethod, ref.ClassName, ref.MethodName, ref.Descriptor)
		}
		if err := vm.initialize(ctx, m.Class); err != nil {
			return heap.Value{}, false, err
		}
		args = frame.PopN(len(t.Params))
	} else {
		args = frame.PopN(len(t.Params) + 1)
		receiver := args[0]
		if receiver.IsNull() {
			return heap.Value{}, false, npe(ref.MethodName)
		}
		if opcode == bytecode.OpInvokespecial {
			m, err = vm.special(ref)
		} else {
			m, err = vm.dispatch(receiver, ref.MethodName, ref.Descriptor)
		}
		if err != nil {
			return heap.Value{}, false, err
		}
	}

	result, err := vm.invokeMethod(ctx, m, args)
	if err != nil {
		return heap.Value{}, false, err
	}
	if !t.IsVoid() {
		frame.Push(result)
	}
	return heap.Value{}, false, nil
}

// special selects the target of invokespecial: the declared initializer
// or private method, or for a super call the nearest implementation
// starting at the referenced class.
func (vm *VM) special(ref *classfile.MethodRefInfo) (*Method, error) {
	c, err := vm.Class(ref.ClassName)
	if err != nil {
		return nil, err
	}
	m := c.DeclaredMethod(ref.MethodName, ref.Descriptor)
	if ref.MethodName != "<init>" && (m == nil || !m.IsPrivate()) {
		m = c.findVirtual(ref.MethodName, ref.Descriptor)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s.%s%s", ErrNoSuchMethod, ref.ClassName, ref.MethodName, ref.Descriptor)
	}
	return m, nil
}

// executeInvokedynamic links the call site at the current instruction on
// first execution and invokes its target. The site's outcome, success or
// failure, is fixed for the life of the class's table.
func (vm *VM) executeInvokedynamic(ctx context.Context, frame *Frame) (heap.Value, bool, error) {
	pc := frame.PC - 1
	index := frame.ReadU16()
	frame.ReadU16() // two zero bytes

	c := frame.Class()
	if c.Table == nil {
		return heap.Value{}, false, fmt.Errorf("%w: invokedynamic in %s", ErrUnsupported, c.Name)
	}
	loc := callsite.Location{Method: frame.Method.Name + frame.Method.Descriptor, PC: pc}
	site, ok := c.Table.Lookup(loc)
	if !ok {
		req, err := rewrite.DecodeSite(c.File, index, vm.runtimeClass)
		if err != nil {
			return heap.Value{}, false, fmt.Errorf("%s.%s at %d: %w", c.Name, loc.Method, pc, err)
		}
		site = c.Table.Site(loc, req)
		vm.logger.Debug("call site created",
			"class", c.Name,
			"method", loc.Method,
			"pc", pc,
			"entry", req.Entry,
			"owner", req.OwnerName,
			"name", req.Name,
		)
	}

	h, err := site.Target()
	if err != nil {
		return heap.Value{}, false, err
	}
	t := site.Request().InvokedType
	result, err := h.Invoke(ctx, frame.PopN(len(t.Params))...)
	if err != nil {
		return heap.Value{}, false, err
	}
	if !t.IsVoid() {
		frame.Push(result)
	}
	return heap.Value{}, false, nil
}
