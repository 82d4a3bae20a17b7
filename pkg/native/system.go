package native

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/daimatz/jvmsandbox/pkg/heap"
)

// PrintStream represents a java.io.PrintStream.
type PrintStream struct {
	Writer io.Writer
}

func (ps *PrintStream) JavaClass() string { return "java/io/PrintStream" }

// Println prints a value followed by a newline.
func (ps *PrintStream) Println(args ...any) {
	if len(args) == 0 {
		fmt.Fprintln(ps.Writer)
		return
	}
	fmt.Fprintln(ps.Writer, args[0])
}

// Print prints a value without a newline.
func (ps *PrintStream) Print(s string) {
	fmt.Fprint(ps.Writer, s)
}

// ExitError is returned by System.exit. It unwinds the interpreter like
// any other error and carries the requested status.
type ExitError struct {
	Code int32
}

func (e *ExitError) Error() string { return fmt.Sprintf("System.exit(%d)", e.Code) }

// ExitCode returns the status passed to System.exit.
func (e *ExitError) ExitCode() int { return int(e.Code) }

// envWriter resolves the host's stdout on every write so a VM's Stdout
// can be replaced after the registry is built.
type envWriter struct{ env Env }

func (w envWriter) Write(p []byte) (int, error) { return w.env.Stdout().Write(p) }

var printable = []string{"I", "J", "F", "D", "Z", "C", "Ljava/lang/String;", "Ljava/lang/Object;"}

func (r *Registry) registerSystem() {
	ps := newClass("java/io/PrintStream", "java/lang/Object")
	self := func(args []heap.Value, m string) (*PrintStream, error) {
		return recv[*PrintStream](args, "PrintStream."+m)
	}
	ps.def("println()V", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		p, err := self(a, "println")
		if err != nil {
			return heap.Value{}, err
		}
		p.Println()
		return void()
	})
	for _, desc := range printable {
		desc := desc
		ps.def("println("+desc+")V", func(ctx context.Context, a []heap.Value) (heap.Value, error) {
			p, err := self(a, "println")
			if err != nil {
				return heap.Value{}, err
			}
			s, err := r.Stringify(ctx, a[1], desc)
			if err != nil {
				return heap.Value{}, err
			}
			p.Println(s)
			return void()
		})
		ps.def("print("+desc+")V", func(ctx context.Context, a []heap.Value) (heap.Value, error) {
			p, err := self(a, "print")
			if err != nil {
				return heap.Value{}, err
			}
			s, err := r.Stringify(ctx, a[1], desc)
			if err != nil {
				return heap.Value{}, err
			}
			p.Print(s)
			return void()
		})
	}
	r.Register(ps)

	system := newClass("java/lang/System", "java/lang/Object")
	system.Fields["out"] = heap.RefValue(&PrintStream{Writer: envWriter{r.env}})
	system.static("exit(I)V", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		return heap.Value{}, &ExitError{Code: a[0].Int}
	})
	system.static("currentTimeMillis()J", func(context.Context, []heap.Value) (heap.Value, error) {
		return heap.LongValue(time.Now().UnixMilli()), nil
	})
	system.static("nanoTime()J", func(context.Context, []heap.Value) (heap.Value, error) {
		return heap.LongValue(time.Now().UnixNano()), nil
	})
	system.static("identityHashCode(Ljava/lang/Object;)I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		if a[0].IsNull() {
			return heap.IntValue(0), nil
		}
		return heap.IntValue(r.identityHash(a[0].Ref)), nil
	})
	r.Register(system)
}
