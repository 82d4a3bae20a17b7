package vm

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/heap"
	"github.com/daimatz/jvmsandbox/pkg/native"
)

// Method is a method of a loaded class, backed either by bytecode or by
// a native body.
type Method struct {
	Class      *Class
	Name       string
	Descriptor string
	Flags      uint16
	Type       classfile.MethodType
	Info       *classfile.MethodInfo
	Native     native.Method
}

func (m *Method) IsStatic() bool  { return m.Flags&classfile.AccStatic != 0 }
func (m *Method) IsPrivate() bool { return m.Flags&classfile.AccPrivate != 0 }

// IsConcrete reports whether the method has a body to run.
func (m *Method) IsConcrete() bool {
	return m.Native != nil || (m.Info != nil && m.Info.Code != nil)
}

func (m *Method) String() string { return m.Class.Name + "." + m.Name + m.Descriptor }

type initState int

const (
	uninitialized initState = iota
	initializing
	initialized
)

type field struct {
	name, desc string
}

// Class is a loaded class: parsed from a class file, or native.
type Class struct {
	Name       string
	File       *classfile.ClassFile // nil for native and array classes
	Native     *native.Class
	Super      *Class
	Interfaces []*Class
	Flags      uint16

	// Table holds the class's invokedynamic call sites. Unloading the
	// class discards it.
	Table *callsite.Table

	methods map[string]*Method
	fields  []field // instance fields

	mu      sync.Mutex
	statics map[string]heap.Value
	state   initState
	poly    map[string]*Method
}

func (c *Class) IsInterface() bool { return c.Flags&classfile.AccInterface != 0 }
func (c *Class) IsAbstract() bool  { return c.Flags&(classfile.AccAbstract|classfile.AccInterface) != 0 }

// DeclaredMethod returns the method declared by c itself.
func (c *Class) DeclaredMethod(name, desc string) *Method {
	return c.methods[name+desc]
}

// IsSubclassOf reports whether c is name or extends or implements it.
func (c *Class) IsSubclassOf(name string) bool {
	if c == nil {
		return false
	}
	if c.Name == name || c.Super.IsSubclassOf(name) {
		return true
	}
	for _, i := range c.Interfaces {
		if i.IsSubclassOf(name) {
			return true
		}
	}
	return false
}

// resolveMethod finds name+desc in c, its superclasses, then its
// superinterfaces. The result may be abstract.
func (c *Class) resolveMethod(name, desc string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.DeclaredMethod(name, desc); m != nil {
			return m
		}
	}
	for k := c; k != nil; k = k.Super {
		for _, i := range k.Interfaces {
			if m := i.resolveMethod(name, desc); m != nil {
				return m
			}
		}
	}
	return nil
}

// findVirtual selects the implementation of name+desc for an instance of
// c: the nearest concrete instance method of the class chain, then a
// default method of an interface.
func (c *Class) findVirtual(name, desc string) *Method {
	for k := c; k != nil; k = k.Super {
		if m := k.DeclaredMethod(name, desc); m != nil && !m.IsStatic() && m.IsConcrete() {
			return m
		}
	}
	if m := c.resolveMethod(name, desc); m != nil && !m.IsStatic() && m.IsConcrete() {
		return m
	}
	return nil
}

// staticOwner returns the class in c's hierarchy declaring static field name.
func (c *Class) staticOwner(name string) *Class {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	_, ok := c.statics[name]
	c.mu.Unlock()
	if ok {
		return c
	}
	for _, i := range c.Interfaces {
		if o := i.staticOwner(name); o != nil {
			return o
		}
	}
	return c.Super.staticOwner(name)
}

// GetStatic reads a static field declared by c.
func (c *Class) GetStatic(name string) heap.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statics[name]
}

// PutStatic writes a static field declared by c.
func (c *Class) PutStatic(name string, v heap.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statics[name] = v
}

// newFileClass builds the declared members of a class file. Superclass and
// interfaces are linked by the caller.
func newFileClass(name string, cf *classfile.ClassFile) (*Class, error) {
	c := &Class{
		Name:    name,
		File:    cf,
		Flags:   cf.AccessFlags,
		methods: make(map[string]*Method),
		statics: make(map[string]heap.Value),
	}
	for i := range cf.Methods {
		info := &cf.Methods[i]
		t, err := classfile.ParseMethodType(info.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", name, info.Name, err)
		}
		c.methods[info.Name+info.Descriptor] = &Method{
			Class:      c,
			Name:       info.Name,
			Descriptor: info.Descriptor,
			Flags:      info.AccessFlags,
			Type:       t,
			Info:       info,
		}
	}
	for _, f := range cf.Fields {
		if f.AccessFlags&classfile.AccStatic == 0 {
			c.fields = append(c.fields, field{f.Name, f.Descriptor})
			continue
		}
		v, err := constantValue(cf, f)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", name, f.Name, err)
		}
		c.statics[f.Name] = v
	}
	return c, nil
}

// constantValue returns the initial value of a static field: its
// ConstantValue attribute if present, otherwise the type's zero.
func constantValue(cf *classfile.ClassFile, f classfile.FieldInfo) (heap.Value, error) {
	for _, a := range f.Attributes {
		if a.Name != "ConstantValue" || len(a.Data) != 2 {
			continue
		}
		idx := binary.BigEndian.Uint16(a.Data)
		if int(idx) >= len(cf.ConstantPool) {
			return heap.Value{}, fmt.Errorf("ConstantValue index %d out of range", idx)
		}
		switch c := cf.ConstantPool[idx].(type) {
		case *classfile.ConstantInteger:
			return heap.IntValue(c.Value), nil
		case *classfile.ConstantLong:
			return heap.LongValue(c.Value), nil
		case *classfile.ConstantFloat:
			return heap.FloatValue(c.Value), nil
		case *classfile.ConstantDouble:
			return heap.DoubleValue(c.Value), nil
		case *classfile.ConstantString:
			s, err := classfile.GetUtf8(cf.ConstantPool, c.StringIndex)
			if err != nil {
				return heap.Value{}, err
			}
			return heap.RefValue(s), nil
		}
	}
	return heap.Zero(f.Descriptor), nil
}

// newNativeClass wraps a registry class.
func newNativeClass(nc *native.Class) *Class {
	c := &Class{
		Name:    nc.Name,
		Native:  nc,
		Flags:   classfile.AccPublic,
		methods: make(map[string]*Method),
		statics: nc.Fields,
	}
	if nc.Interface {
		c.Flags |= classfile.AccInterface | classfile.AccAbstract
	} else if nc.Abstract {
		c.Flags |= classfile.AccAbstract
	}
	if c.statics == nil {
		c.statics = make(map[string]heap.Value)
	}
	add := func(key string, body native.Method, flags uint16) {
		i := 0
		for i < len(key) && key[i] != '(' {
			i++
		}
		t, err := classfile.ParseMethodType(key[i:])
		if err != nil {
			return
		}
		if body == nil {
			flags |= classfile.AccAbstract
		}
		c.methods[key] = &Method{
			Class:      c,
			Name:       key[:i],
			Descriptor: key[i:],
			Flags:      flags,
			Type:       t,
			Native:     body,
		}
	}
	for key, body := range nc.Methods {
		add(key, body, classfile.AccPublic)
	}
	for key, body := range nc.Statics {
		add(key, body, classfile.AccPublic|classfile.AccStatic)
	}
	return c
}
