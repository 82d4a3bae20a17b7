package callsite

import (
	"context"
	"fmt"

	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/heap"
)

// MethodHandleType is the descriptor of java/lang/invoke/MethodHandle.
const MethodHandleType = "Ljava/lang/invoke/MethodHandle;"

// Handle is a callable bound to one target with a fixed signature.
// Invoke receives one Value per parameter of Type; receivers come first.
// The context carries host state such as the calling thread.
type Handle interface {
	Type() classfile.MethodType
	Invoke(ctx context.Context, args ...heap.Value) (heap.Value, error)
}

// HandleFunc is the body of a handle created by NewHandle.
type HandleFunc func(ctx context.Context, args []heap.Value) (heap.Value, error)

type funcHandle struct {
	typ classfile.MethodType
	fn  HandleFunc
}

// NewHandle returns a handle of type t running fn. Invoke checks the
// argument count before calling fn.
func NewHandle(t classfile.MethodType, fn HandleFunc) Handle {
	return &funcHandle{typ: t, fn: fn}
}

func (h *funcHandle) Type() classfile.MethodType { return h.typ }

func (h *funcHandle) Invoke(ctx context.Context, args ...heap.Value) (heap.Value, error) {
	if len(args) != len(h.typ.Params) {
		return heap.Value{}, fmt.Errorf("%w: %s called with %d arguments", ErrSignatureMismatch, h.typ, len(args))
	}
	return h.fn(ctx, args)
}

func (h *funcHandle) String() string { return "MethodHandle" + h.typ.String() }

// Constant returns a handle of type ()Ljava/lang/invoke/MethodHandle; that
// yields target as a value.
func Constant(target Handle) Handle {
	t := classfile.MethodType{Return: MethodHandleType}
	return NewHandle(t, func(context.Context, []heap.Value) (heap.Value, error) {
		return heap.RefValue(target), nil
	})
}
