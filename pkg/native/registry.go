// Package native implements, in Go, the JDK classes the interpreter
// provides to sandboxed code.
package native

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/heap"
)

// Method is the body of a native method. Instance methods receive the
// receiver as args[0].
type Method func(ctx context.Context, args []heap.Value) (heap.Value, error)

// Env is what natives need from the host.
type Env interface {
	// Stdout is where System.out writes.
	Stdout() io.Writer
	// InvokeVirtual dispatches name+desc on the receiver's class.
	InvokeVirtual(ctx context.Context, receiver heap.Value, name, desc string, args ...heap.Value) (heap.Value, error)
}

// Class is a JDK class implemented in Go. Methods and Statics are keyed
// by name followed by descriptor, e.g. "println(I)V". A nil method is an
// abstract declaration.
type Class struct {
	Name       string
	Super      string
	Interfaces []string
	Interface  bool
	Abstract   bool

	// New allocates an uninitialized instance for new. Nil means the
	// class cannot be instantiated.
	New func() any

	Methods map[string]Method
	Statics map[string]Method
	Fields  map[string]heap.Value // static fields
}

func newClass(name, super string) *Class {
	return &Class{
		Name:    name,
		Super:   super,
		Methods: make(map[string]Method),
		Statics: make(map[string]Method),
		Fields:  make(map[string]heap.Value),
	}
}

func (c *Class) def(key string, m Method)    { c.Methods[key] = m }
func (c *Class) static(key string, m Method) { c.Statics[key] = m }

// Registry holds the native classes of one VM.
type Registry struct {
	env     Env
	classes map[string]*Class

	mu     sync.Mutex
	hashes map[any]int32
}

// NewRegistry returns a registry with every built-in class registered.
func NewRegistry(env Env) *Registry {
	r := &Registry{env: env, classes: make(map[string]*Class), hashes: make(map[any]int32)}
	r.registerLang()
	r.registerThrowables()
	r.registerSystem()
	r.registerNumbers()
	r.registerCollections()
	return r
}

// Register adds or replaces a class.
func (r *Registry) Register(c *Class) { r.classes[c.Name] = c }

// Class returns the native class with the given internal name.
func (r *Registry) Class(name string) (*Class, bool) {
	c, ok := r.classes[name]
	return c, ok
}

// Names returns the registered class names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.classes))
	for n := range r.classes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// identityHash returns a stable per-object hash code.
func (r *Registry) identityHash(ref any) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hashes[ref]
	if !ok {
		h = int32(len(r.hashes)+1) * 0x61c88647
		r.hashes[ref] = h
	}
	return h
}

// Stringify converts v as String.valueOf would for a value of type desc.
// Objects without a Go representation get toString dispatched on them.
func (r *Registry) Stringify(ctx context.Context, v heap.Value, desc string) (string, error) {
	switch desc {
	case "C":
		return string(rune(uint16(v.Int))), nil
	case "Z":
		return strconv.FormatBool(v.Int != 0), nil
	case "I", "B", "S":
		return strconv.Itoa(int(v.Int)), nil
	case "J":
		return strconv.FormatInt(v.Long, 10), nil
	case "F":
		return formatFloat(float64(v.Float), 32), nil
	case "D":
		return formatFloat(v.Double, 64), nil
	}
	if v.IsNull() {
		return "null", nil
	}
	switch ref := v.Ref.(type) {
	case string:
		return ref, nil
	case *Integer:
		return strconv.Itoa(int(ref.Value)), nil
	case *StringBuilder:
		return ref.String(), nil
	}
	s, err := r.env.InvokeVirtual(ctx, v, "toString", "()Ljava/lang/String;")
	if err != nil {
		return "", err
	}
	if str, ok := s.Ref.(string); ok {
		return str, nil
	}
	return "null", nil
}

// formatFloat renders a float the way Java's Float.toString and
// Double.toString do for common values.
func formatFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-3 || abs >= 1e7) {
		s := strconv.FormatFloat(f, 'E', -1, bits)
		mant, exp, _ := strings.Cut(s, "E")
		if !strings.Contains(mant, ".") {
			mant += ".0"
		}
		return mant + "E" + strings.TrimPrefix(exp, "+")
	}
	s := strconv.FormatFloat(f, 'f', -1, bits)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// recv extracts the receiver of an instance method.
func recv[T any](args []heap.Value, method string) (T, error) {
	var zero T
	if len(args) == 0 || args[0].IsNull() {
		return zero, heap.Throwf("java/lang/NullPointerException", "%s on null", method)
	}
	v, ok := args[0].Ref.(T)
	if !ok {
		return zero, fmt.Errorf("%s: receiver is %T, want %T", method, args[0].Ref, zero)
	}
	return v, nil
}

// str extracts a possibly null String argument.
func str(v heap.Value) (string, bool) {
	s, ok := v.Ref.(string)
	return s, ok && !v.IsNull()
}

func boolValue(b bool) heap.Value {
	if b {
		return heap.IntValue(1)
	}
	return heap.IntValue(0)
}

func void() (heap.Value, error) { return heap.Value{}, nil }

// binaryName renders an internal class name for messages and toString.
func binaryName(internal string) string { return classfile.BinaryName(internal) }
