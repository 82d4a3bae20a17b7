package native

import (
	"context"
	"strconv"

	"github.com/daimatz/jvmsandbox/pkg/heap"
)

// Integer represents a java.lang.Integer.
type Integer struct {
	Value int32
}

func (i *Integer) JavaClass() string { return "java/lang/Integer" }

// IntegerValueOf creates an Integer (boxing).
func IntegerValueOf(v int32) *Integer {
	return &Integer{Value: v}
}

// IntegerIntValue returns the int32 value of an Integer (unboxing).
func IntegerIntValue(ni *Integer) int32 {
	return ni.Value
}

// ParseInt parses s as Integer.parseInt does.
func ParseInt(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, heap.Throwf("java/lang/NumberFormatException", "For input string: %q", s)
	}
	return int32(n), nil
}

func (r *Registry) registerNumbers() {
	number := newClass("java/lang/Number", "java/lang/Object")
	number.Abstract = true
	number.Methods["intValue()I"] = nil
	r.Register(number)

	c := newClass("java/lang/Integer", "java/lang/Number")
	c.Interfaces = []string{"java/lang/Comparable"}
	c.Fields["MAX_VALUE"] = heap.IntValue(2147483647)
	c.Fields["MIN_VALUE"] = heap.IntValue(-2147483648)
	self := func(args []heap.Value, m string) (*Integer, error) { return recv[*Integer](args, "Integer."+m) }

	c.static("valueOf(I)Ljava/lang/Integer;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		return heap.RefValue(IntegerValueOf(a[0].Int)), nil
	})
	c.static("parseInt(Ljava/lang/String;)I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		s, ok := str(a[0])
		if !ok {
			return heap.Value{}, heap.Throwf("java/lang/NumberFormatException", "Cannot parse null string")
		}
		n, err := ParseInt(s)
		return heap.IntValue(n), err
	})
	c.static("toString(I)Ljava/lang/String;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		return heap.RefValue(strconv.Itoa(int(a[0].Int))), nil
	})
	c.def("intValue()I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		i, err := self(a, "intValue")
		if err != nil {
			return heap.Value{}, err
		}
		return heap.IntValue(IntegerIntValue(i)), nil
	})
	c.def("hashCode()I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		i, err := self(a, "hashCode")
		if err != nil {
			return heap.Value{}, err
		}
		return heap.IntValue(i.Value), nil
	})
	c.def("equals(Ljava/lang/Object;)Z", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		i, err := self(a, "equals")
		if err != nil {
			return heap.Value{}, err
		}
		o, ok := a[1].Ref.(*Integer)
		return boolValue(ok && o.Value == i.Value), nil
	})
	c.def("compareTo(Ljava/lang/Object;)I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		i, err := self(a, "compareTo")
		if err != nil {
			return heap.Value{}, err
		}
		o, ok := a[1].Ref.(*Integer)
		if !ok {
			return heap.Value{}, heap.NewJavaException("java/lang/ClassCastException")
		}
		switch {
		case i.Value < o.Value:
			return heap.IntValue(-1), nil
		case i.Value > o.Value:
			return heap.IntValue(1), nil
		}
		return heap.IntValue(0), nil
	})
	c.def("toString()Ljava/lang/String;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		i, err := self(a, "toString")
		if err != nil {
			return heap.Value{}, err
		}
		return heap.RefValue(strconv.Itoa(int(i.Value))), nil
	})
	r.Register(c)
}
