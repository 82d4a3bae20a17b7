package rewrite

import (
	"errors"
	"fmt"

	"github.com/daimatz/jvmsandbox/pkg/bytecode"
)

var (
	// ErrMalformed reports input that does not parse or decode.
	ErrMalformed = errors.New("malformed input")
	// ErrUnsupported reports an instruction pattern the rewriter does not
	// handle, including invokedynamic already present in the input.
	ErrUnsupported = errors.New("unsupported construct")
	// ErrStackShape reports allocations and initializer calls that do not
	// pair up.
	ErrStackShape = errors.New("inconsistent stack shape")
	// ErrBranchRange reports a conditional branch pushed out of range by
	// the longer rewritten code.
	ErrBranchRange = bytecode.ErrBranchRange
)

// RewriteError is a failure to rewrite one unit. Method and Offset locate
// the failing instruction when there is one; Offset is -1 otherwise.
type RewriteError struct {
	Unit   string
	Method string
	Offset int
	Err    error
}

func (e *RewriteError) Error() string {
	switch {
	case e.Method == "":
		return fmt.Sprintf("rewrite %s: %v", e.Unit, e.Err)
	case e.Offset < 0:
		return fmt.Sprintf("rewrite %s.%s: %v", e.Unit, e.Method, e.Err)
	}
	return fmt.Sprintf("rewrite %s.%s at %d: %v", e.Unit, e.Method, e.Offset, e.Err)
}

func (e *RewriteError) Unwrap() error { return e.Err }
