package vm

import (
	"errors"

	"github.com/daimatz/jvmsandbox/pkg/heap"
)

// JavaException represents a JVM exception being thrown.
type JavaException = heap.JavaException

// NewJavaException creates an exception of the given class.
func NewJavaException(className string) *JavaException {
	return heap.NewJavaException(className)
}

var (
	ErrClassNotFound   = errors.New("class not found")
	ErrNoSuchMethod    = errors.New("no such method")
	ErrNoSuchField     = errors.New("no such field")
	ErrNotInstantiable = errors.New("class cannot be instantiated")
	ErrUnsupported     = errors.New("unsupported instruction")
)

func npe(what string) *JavaException {
	return heap.Throwf("java/lang/NullPointerException", "%s on null", what)
}
