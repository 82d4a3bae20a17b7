// Package vm interprets class files. Direct invocations are dispatched by
// the interpreter; invokedynamic call sites written by the rewriter are
// linked once through a callsite.Resolver and then invoked through the
// handle it returned.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/heap"
	"github.com/daimatz/jvmsandbox/pkg/native"
	"github.com/daimatz/jvmsandbox/pkg/rewrite"
)

// maxFrameDepth is the default maximum number of nested method calls.
const maxFrameDepth = 1024

const methodHandleClass = "java/lang/invoke/MethodHandle"

// VM is the virtual machine that executes Java bytecode.
type VM struct {
	Stdout io.Writer

	loader       ClassLoader
	natives      *native.Registry
	resolver     *callsite.Resolver
	runtimeClass string
	logger       *slog.Logger
	maxDepth     int

	mu      sync.Mutex
	classes map[string]*Class
	mirrors map[string]*heap.Object
}

// Option configures a VM.
type Option func(*VM)

// WithResolver links call sites through r. The default resolver bakes
// every request unchanged.
func WithResolver(r *callsite.Resolver) Option {
	return func(vm *VM) {
		if r != nil {
			vm.resolver = r
		}
	}
}

// WithRuntimeClass sets the class whose bootstrap methods call sites must
// name. It must match the rewriter's.
func WithRuntimeClass(name string) Option {
	return func(vm *VM) { vm.runtimeClass = name }
}

// WithLogger sets the logger for class loading and linking.
func WithLogger(l *slog.Logger) Option {
	return func(vm *VM) {
		if l != nil {
			vm.logger = l
		}
	}
}

// WithMaxFrameDepth bounds the nesting of method calls per thread.
func WithMaxFrameDepth(n int) Option {
	return func(vm *VM) { vm.maxDepth = n }
}

// NewVM creates a new VM loading user classes through loader.
func NewVM(loader ClassLoader, opts ...Option) *VM {
	vm := &VM{
		Stdout:       os.Stdout,
		loader:       loader,
		resolver:     callsite.NewResolver(nil),
		runtimeClass: rewrite.DefaultRuntimeClass,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxDepth:     maxFrameDepth,
		classes:      make(map[string]*Class),
		mirrors:      make(map[string]*heap.Object),
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.natives = native.NewRegistry(env{vm})
	vm.natives.Register(&native.Class{
		Name:     methodHandleClass,
		Super:    "java/lang/Object",
		Abstract: true,
	})
	return vm
}

// env exposes the VM to native methods.
type env struct{ vm *VM }

func (e env) Stdout() io.Writer { return e.vm.Stdout }

func (e env) InvokeVirtual(ctx context.Context, receiver heap.Value, name, desc string, args ...heap.Value) (heap.Value, error) {
	return e.vm.InvokeVirtual(ctx, receiver, name, desc, args...)
}

// Execute runs the main method of the class with no arguments.
func (vm *VM) Execute(className string) error {
	return vm.Run(context.Background(), className, nil)
}

// Run invokes className.main(String[]) with args.
func (vm *VM) Run(ctx context.Context, className string, args []string) error {
	c, err := vm.Class(className)
	if err != nil {
		return err
	}
	m := c.DeclaredMethod("main", "([Ljava/lang/String;)V")
	if m == nil || !m.IsStatic() {
		return fmt.Errorf("main method not found in %s", className)
	}
	if m.Info.Code == nil {
		return fmt.Errorf("main method has no Code attribute")
	}
	argv := heap.NewArray("[Ljava/lang/String;", len(args))
	for i, a := range args {
		argv.Elements[i] = heap.RefValue(a)
	}
	if err := vm.initialize(ctx, c); err != nil {
		return err
	}
	_, err = vm.invokeMethod(ctx, m, []heap.Value{heap.RefValue(argv)})
	return err
}

// InvokeStatic calls a static method of a loaded class.
func (vm *VM) InvokeStatic(ctx context.Context, className, name, desc string, args ...heap.Value) (heap.Value, error) {
	c, err := vm.Class(className)
	if err != nil {
		return heap.Value{}, err
	}
	m := vm.resolveMethod(c, name, desc)
	if m == nil || !m.IsStatic() {
		return heap.Value{}, fmt.Errorf("%w: static %s.%s%s", ErrNoSuchMethod, className, name, desc)
	}
	if err := vm.initialize(ctx, m.Class); err != nil {
		return heap.Value{}, err
	}
	return vm.invokeMethod(ctx, m, args)
}

// InvokeVirtual dispatches name+desc on the receiver's class.
func (vm *VM) InvokeVirtual(ctx context.Context, receiver heap.Value, name, desc string, args ...heap.Value) (heap.Value, error) {
	if receiver.IsNull() {
		return heap.Value{}, npe(name)
	}
	m, err := vm.dispatch(receiver, name, desc)
	if err != nil {
		return heap.Value{}, err
	}
	return vm.invokeMethod(ctx, m, append([]heap.Value{receiver}, args...))
}

// Class returns the loaded class with the given internal name, loading
// and linking it and its supertypes on first use.
func (vm *VM) Class(name string) (*Class, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.loadLocked(name, nil)
}

// Loaded reports whether a class is currently loaded.
func (vm *VM) Loaded(name string) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	_, ok := vm.classes[name]
	return ok
}

// Unload discards a loaded class with its call site table and static
// state. The next use loads and links it again.
func (vm *VM) Unload(name string) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.classes[name]; !ok {
		return false
	}
	delete(vm.classes, name)
	vm.logger.Debug("unloaded class", "class", name)
	return true
}

func (vm *VM) loadLocked(name string, loading []string) (*Class, error) {
	if c, ok := vm.classes[name]; ok {
		return c, nil
	}
	for _, n := range loading {
		if n == name {
			return nil, fmt.Errorf("class circularity: %s", strings.Join(append(loading, name), " -> "))
		}
	}
	loading = append(loading, name)

	var c *Class
	var superName string
	var ifaces []string
	switch nc, isNative := vm.natives.Class(name); {
	case strings.HasPrefix(name, "["):
		c = &Class{Name: name, Flags: classfile.AccPublic | classfile.AccFinal,
			methods: make(map[string]*Method), statics: make(map[string]heap.Value)}
		superName = "java/lang/Object"
	case isNative:
		c = newNativeClass(nc)
		superName, ifaces = nc.Super, nc.Interfaces
	default:
		if vm.loader == nil {
			return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
		}
		cf, err := vm.loader.LoadClass(name)
		if err != nil {
			return nil, err
		}
		c, err = newFileClass(name, cf)
		if err != nil {
			return nil, err
		}
		superName = cf.SuperClassName()
		if ifaces, err = cf.InterfaceNames(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		c.Table = callsite.NewTable(vm.resolver, callsite.Caller{Class: name, Lookup: &lookup{vm: vm, caller: c}})
	}

	if superName != "" {
		super, err := vm.loadLocked(superName, loading)
		if err != nil {
			return nil, fmt.Errorf("loading superclass of %s: %w", name, err)
		}
		c.Super = super
	}
	for _, iname := range ifaces {
		i, err := vm.loadLocked(iname, loading)
		if err != nil {
			return nil, fmt.Errorf("loading interface of %s: %w", name, err)
		}
		c.Interfaces = append(c.Interfaces, i)
	}
	vm.classes[name] = c
	vm.logger.Debug("loaded class", "class", name, "native", c.Native != nil)
	return c, nil
}

// initialize runs the class initializers of c and its superclasses once.
// A class being initialized by the current call chain counts as done.
func (vm *VM) initialize(ctx context.Context, c *Class) error {
	c.mu.Lock()
	if c.state != uninitialized {
		c.mu.Unlock()
		return nil
	}
	c.state = initializing
	c.mu.Unlock()

	if c.Super != nil {
		if err := vm.initialize(ctx, c.Super); err != nil {
			return err
		}
	}
	if m := c.DeclaredMethod("<clinit>", "()V"); m != nil {
		if _, err := vm.invokeMethod(ctx, m, nil); err != nil {
			return fmt.Errorf("initializing %s: %w", c.Name, err)
		}
	}
	c.mu.Lock()
	c.state = initialized
	c.mu.Unlock()
	return nil
}

// allocate creates an uninitialized instance of c with every instance
// field set to its zero value.
func (vm *VM) allocate(ctx context.Context, c *Class) (any, error) {
	if c.IsAbstract() {
		return nil, fmt.Errorf("%w: %s is abstract", ErrNotInstantiable, c.Name)
	}
	if err := vm.initialize(ctx, c); err != nil {
		return nil, err
	}
	if c.Native != nil {
		if c.Native.New == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotInstantiable, c.Name)
		}
		return c.Native.New(), nil
	}
	obj := heap.NewObject(c.Name)
	for k := c; k != nil; k = k.Super {
		for _, f := range k.fields {
			if _, ok := obj.Field(f.name); !ok {
				obj.SetField(f.name, heap.Zero(f.desc))
			}
		}
	}
	return obj, nil
}

// classNameOf returns the runtime class of a reference.
func classNameOf(ref any) string {
	if name := heap.ClassOf(ref); name != "" {
		return name
	}
	if _, ok := ref.(callsite.Handle); ok {
		return methodHandleClass
	}
	return "java/lang/Object"
}

// isInstanceOf reports whether an instance of class className is
// assignable to target.
func (vm *VM) isInstanceOf(className, target string) bool {
	if className == target || target == "java/lang/Object" {
		return true
	}
	if strings.HasPrefix(className, "[") {
		if target == "java/lang/Cloneable" || target == "java/io/Serializable" {
			return true
		}
		if !strings.HasPrefix(target, "[") {
			return false
		}
		from, okFrom := classfile.ClassOfDescriptor(className[1:])
		to, okTo := classfile.ClassOfDescriptor(target[1:])
		if okFrom && okTo {
			return vm.isInstanceOf(from, to)
		}
		return className[1:] == target[1:]
	}
	c, err := vm.Class(className)
	if err != nil {
		return false
	}
	return c.IsSubclassOf(target)
}

// resolveMethod resolves name+desc starting at c. The signature
// polymorphic methods of MethodHandle resolve for every descriptor.
func (vm *VM) resolveMethod(c *Class, name, desc string) *Method {
	if c.Name == methodHandleClass && (name == "invoke" || name == "invokeExact") {
		return vm.polymorphic(c, name, desc)
	}
	return c.resolveMethod(name, desc)
}

// dispatch selects the method a virtual call of name+desc on receiver runs.
func (vm *VM) dispatch(receiver heap.Value, name, desc string) (*Method, error) {
	c, err := vm.Class(classNameOf(receiver.Ref))
	if err != nil {
		return nil, err
	}
	if c.Name == methodHandleClass {
		if m := vm.resolveMethod(c, name, desc); m != nil {
			return m, nil
		}
	}
	m := c.findVirtual(name, desc)
	if m == nil {
		return nil, fmt.Errorf("%w: %s.%s%s", ErrNoSuchMethod, c.Name, name, desc)
	}
	return m, nil
}

// polymorphic returns MethodHandle.invoke or invokeExact for one call
// descriptor. invokeExact requires the handle's type to match exactly;
// invoke only its arity.
func (vm *VM) polymorphic(c *Class, name, desc string) *Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := name + desc
	if m, ok := c.poly[key]; ok {
		return m
	}
	t, err := classfile.ParseMethodType(desc)
	if err != nil {
		return nil
	}
	m := &Method{
		Class:      c,
		Name:       name,
		Descriptor: desc,
		Flags:      classfile.AccPublic | classfile.AccFinal,
		Type:       t,
	}
	m.Native = func(ctx context.Context, args []heap.Value) (heap.Value, error) {
		h, ok := args[0].Ref.(callsite.Handle)
		if !ok {
			return heap.Value{}, npe("MethodHandle." + name)
		}
		ht := h.Type()
		if (name == "invokeExact" && !ht.Equal(t)) || len(ht.Params) != len(t.Params) {
			return heap.Value{}, heap.Throwf("java/lang/invoke/WrongMethodTypeException",
				"expected %s but found %s", ht, t)
		}
		return h.Invoke(ctx, args[1:]...)
	}
	if c.poly == nil {
		c.poly = make(map[string]*Method)
	}
	c.poly[key] = m
	return m
}

type threadKey struct{}

// thread is the interpreter state of one goroutine running Java code.
type thread struct {
	depth int
}

func threadOf(ctx context.Context) (context.Context, *thread) {
	if th, ok := ctx.Value(threadKey{}).(*thread); ok {
		return ctx, th
	}
	th := &thread{}
	return context.WithValue(ctx, threadKey{}, th), th
}

// invokeMethod runs m with args; instance methods take the receiver as
// args[0].
func (vm *VM) invokeMethod(ctx context.Context, m *Method, args []heap.Value) (heap.Value, error) {
	if m.Native != nil {
		return m.Native(ctx, args)
	}
	if m.Info == nil || m.Info.Code == nil {
		return heap.Value{}, heap.Throwf("java/lang/AbstractMethodError", "%s", m)
	}
	return vm.executeMethod(ctx, m, args)
}

// executeMethod executes a method with the given arguments and returns its return value.
func (vm *VM) executeMethod(ctx context.Context, m *Method, args []heap.Value) (heap.Value, error) {
	ctx, th := threadOf(ctx)
	th.depth++
	defer func() { th.depth-- }()
	if th.depth > vm.maxDepth {
		return heap.Value{}, heap.Throwf("java/lang/StackOverflowError", "frame depth exceeded %d", vm.maxDepth)
	}

	code := m.Info.Code
	frame := NewFrame(code.MaxLocals, code.MaxStack, code.Code, m)

	slot := 0
	for _, arg := range args {
		frame.SetLocal(slot, arg)
		slot++
		if arg.Type == heap.TypeLong || arg.Type == heap.TypeDouble {
			slot++
		}
	}

	for frame.PC < len(frame.Code) {
		pc := frame.PC
		opcode := frame.Code[frame.PC]
		frame.PC++

		retVal, hasReturn, err := vm.executeInstruction(ctx, frame, opcode)
		if err != nil {
			var je *JavaException
			if errors.As(err, &je) {
				if handler, ok := vm.findHandler(frame, pc, je); ok {
					frame.ClearStack()
					frame.Push(heap.RefValue(je.Object))
					frame.PC = handler
					continue
				}
			}
			return heap.Value{}, err
		}
		if hasReturn {
			return retVal, nil
		}
	}

	// Fell off the end of the method (implicit return for void methods)
	return heap.Value{}, nil
}

// findHandler returns the handler covering pc that catches je.
func (vm *VM) findHandler(frame *Frame, pc int, je *JavaException) (int, bool) {
	m := frame.Method
	for _, h := range m.Info.Code.ExceptionHandlers {
		if pc < int(h.StartPC) || pc >= int(h.EndPC) {
			continue
		}
		if h.CatchType == 0 {
			return int(h.HandlerPC), true
		}
		name, err := classfile.GetClassName(m.Class.File.ConstantPool, h.CatchType)
		if err != nil {
			continue
		}
		if vm.isInstanceOf(je.Object.ClassName, name) {
			return int(h.HandlerPC), true
		}
	}
	return 0, false
}
