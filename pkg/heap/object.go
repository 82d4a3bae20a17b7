package heap

import (
	"fmt"
	"sync"
)

// Instance is implemented by every heap reference that knows its class.
type Instance interface {
	JavaClass() string
}

// Object represents a JVM object instance of a user class. Its fields
// may be read and written from several threads.
type Object struct {
	ClassName string

	mu     sync.RWMutex
	fields map[string]Value
}

// NewObject allocates an object with no fields set.
func NewObject(className string) *Object {
	return &Object{ClassName: className, fields: make(map[string]Value)}
}

// Field returns the value of a field and whether it has been set.
func (o *Object) Field(name string) (Value, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.fields[name]
	return v, ok
}

// SetField stores a field value.
func (o *Object) SetField(name string, v Value) {
	o.mu.Lock()
	o.fields[name] = v
	o.mu.Unlock()
}

func (o *Object) JavaClass() string { return o.ClassName }

// Array represents a JVM array. Type is the array's descriptor, e.g. "[I".
type Array struct {
	Type     string
	Elements []Value
}

// NewArray allocates an array of n zero elements.
func NewArray(desc string, n int) *Array {
	elems := make([]Value, n)
	zero := Zero(desc[1:])
	for i := range elems {
		elems[i] = zero
	}
	return &Array{Type: desc, Elements: elems}
}

func (a *Array) JavaClass() string { return a.Type }

// ClassOf returns the internal class name of a reference, or "" when it
// has none. Go strings are java/lang/String instances.
func ClassOf(ref any) string {
	switch r := ref.(type) {
	case string:
		return "java/lang/String"
	case Instance:
		return r.JavaClass()
	}
	return ""
}

// JavaException is a thrown Java object travelling as a Go error.
type JavaException struct {
	Object *Object
}

func (e *JavaException) Error() string {
	if msg, ok := e.Object.Field("message"); ok && !msg.IsNull() {
		return fmt.Sprintf("JavaException: %s: %v", e.Object.ClassName, msg)
	}
	return fmt.Sprintf("JavaException: %s", e.Object.ClassName)
}

// NewJavaException creates an exception of the given class.
func NewJavaException(className string) *JavaException {
	return &JavaException{Object: NewObject(className)}
}

// Throwf creates an exception of the given class carrying a message.
func Throwf(className, format string, args ...any) *JavaException {
	e := NewJavaException(className)
	e.Object.SetField("message", RefValue(fmt.Sprintf(format, args...)))
	return e
}
