package native

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/daimatz/jvmsandbox/pkg/heap"
)

// StringBuilder represents a java.lang.StringBuilder.
type StringBuilder struct {
	sb strings.Builder
}

func (b *StringBuilder) JavaClass() string { return "java/lang/StringBuilder" }
func (b *StringBuilder) String() string    { return b.sb.String() }

func (r *Registry) registerLang() {
	object := newClass("java/lang/Object", "")
	object.New = func() any { return heap.NewObject("java/lang/Object") }
	object.def("<init>()V", func(context.Context, []heap.Value) (heap.Value, error) { return void() })
	object.def("hashCode()I", func(_ context.Context, args []heap.Value) (heap.Value, error) {
		return heap.IntValue(r.identityHash(args[0].Ref)), nil
	})
	object.def("equals(Ljava/lang/Object;)Z", func(_ context.Context, args []heap.Value) (heap.Value, error) {
		return boolValue(!args[1].IsNull() && args[0].Ref == args[1].Ref), nil
	})
	object.def("toString()Ljava/lang/String;", func(_ context.Context, args []heap.Value) (heap.Value, error) {
		class := binaryName(heap.ClassOf(args[0].Ref))
		return heap.RefValue(fmt.Sprintf("%s@%x", class, uint32(r.identityHash(args[0].Ref)))), nil
	})
	r.Register(object)

	r.Register(&Class{Name: "java/lang/CharSequence", Super: "java/lang/Object", Interface: true, Abstract: true,
		Methods: map[string]Method{"length()I": nil, "charAt(I)C": nil}})
	r.Register(&Class{Name: "java/lang/Comparable", Super: "java/lang/Object", Interface: true, Abstract: true,
		Methods: map[string]Method{"compareTo(Ljava/lang/Object;)I": nil}})

	r.Register(r.stringClass())
	r.Register(r.stringBuilderClass())

	math := newClass("java/lang/Math", "java/lang/Object")
	math.static("max(II)I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		return heap.IntValue(max(a[0].Int, a[1].Int)), nil
	})
	math.static("min(II)I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		return heap.IntValue(min(a[0].Int, a[1].Int)), nil
	})
	math.static("abs(I)I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		if a[0].Int < 0 {
			return heap.IntValue(-a[0].Int), nil
		}
		return a[0], nil
	})
	r.Register(math)

	class := newClass("java/lang/Class", "java/lang/Object")
	class.def("getName()Ljava/lang/String;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		o, err := recv[*heap.Object](a, "Class.getName")
		if err != nil {
			return heap.Value{}, err
		}
		name, _ := o.Field("name")
		return name, nil
	})
	r.Register(class)
}

// ClassObject returns the java/lang/Class instance naming internalName.
func ClassObject(internalName string) *heap.Object {
	o := heap.NewObject("java/lang/Class")
	o.SetField("name", heap.RefValue(binaryName(internalName)))
	return o
}

func utf16Of(s string) []uint16 { return utf16.Encode([]rune(s)) }

// javaHash is String.hashCode.
func javaHash(s string) int32 {
	var h int32
	for _, c := range utf16Of(s) {
		h = 31*h + int32(c)
	}
	return h
}

func (r *Registry) stringClass() *Class {
	c := newClass("java/lang/String", "java/lang/Object")
	c.Interfaces = []string{"java/lang/CharSequence", "java/lang/Comparable"}
	self := func(args []heap.Value, m string) (string, error) { return recv[string](args, "String."+m) }

	c.def("length()I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		s, err := self(a, "length")
		return heap.IntValue(int32(len(utf16Of(s)))), err
	})
	c.def("isEmpty()Z", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		s, err := self(a, "isEmpty")
		return boolValue(s == ""), err
	})
	c.def("charAt(I)C", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		s, err := self(a, "charAt")
		if err != nil {
			return heap.Value{}, err
		}
		u := utf16Of(s)
		if a[1].Int < 0 || int(a[1].Int) >= len(u) {
			return heap.Value{}, heap.Throwf("java/lang/StringIndexOutOfBoundsException", "index %d, length %d", a[1].Int, len(u))
		}
		return heap.IntValue(int32(u[a[1].Int])), nil
	})
	c.def("substring(II)Ljava/lang/String;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		s, err := self(a, "substring")
		if err != nil {
			return heap.Value{}, err
		}
		u := utf16Of(s)
		begin, end := int(a[1].Int), int(a[2].Int)
		if begin < 0 || end > len(u) || begin > end {
			return heap.Value{}, heap.Throwf("java/lang/StringIndexOutOfBoundsException", "begin %d, end %d, length %d", begin, end, len(u))
		}
		return heap.RefValue(string(utf16.Decode(u[begin:end]))), nil
	})
	c.def("concat(Ljava/lang/String;)Ljava/lang/String;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		s, err := self(a, "concat")
		if err != nil {
			return heap.Value{}, err
		}
		o, ok := str(a[1])
		if !ok {
			return heap.Value{}, heap.NewJavaException("java/lang/NullPointerException")
		}
		return heap.RefValue(s + o), nil
	})
	c.def("equals(Ljava/lang/Object;)Z", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		s, err := self(a, "equals")
		o, ok := str(a[1])
		return boolValue(ok && s == o), err
	})
	c.def("hashCode()I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		s, err := self(a, "hashCode")
		return heap.IntValue(javaHash(s)), err
	})
	c.def("compareTo(Ljava/lang/Object;)I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		s, err := self(a, "compareTo")
		if err != nil {
			return heap.Value{}, err
		}
		o, ok := str(a[1])
		if !ok {
			return heap.Value{}, heap.NewJavaException("java/lang/NullPointerException")
		}
		return heap.IntValue(int32(strings.Compare(s, o))), nil
	})
	c.def("toString()Ljava/lang/String;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		return a[0], nil
	})
	for _, desc := range []string{"I", "J", "C", "Z", "Ljava/lang/Object;"} {
		desc := desc
		c.static("valueOf("+desc+")Ljava/lang/String;", func(ctx context.Context, a []heap.Value) (heap.Value, error) {
			s, err := r.Stringify(ctx, a[0], desc)
			return heap.RefValue(s), err
		})
	}
	return c
}

func (r *Registry) stringBuilderClass() *Class {
	c := newClass("java/lang/StringBuilder", "java/lang/Object")
	c.Interfaces = []string{"java/lang/CharSequence"}
	c.New = func() any { return &StringBuilder{} }
	self := func(args []heap.Value, m string) (*StringBuilder, error) {
		return recv[*StringBuilder](args, "StringBuilder."+m)
	}

	c.def("<init>()V", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		_, err := self(a, "<init>")
		return heap.Value{}, err
	})
	c.def("<init>(Ljava/lang/String;)V", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		b, err := self(a, "<init>")
		if err != nil {
			return heap.Value{}, err
		}
		s, ok := str(a[1])
		if !ok {
			return heap.Value{}, heap.NewJavaException("java/lang/NullPointerException")
		}
		b.sb.WriteString(s)
		return void()
	})
	for _, desc := range []string{"Ljava/lang/String;", "Ljava/lang/Object;", "I", "J", "C", "Z", "F", "D"} {
		desc := desc
		c.def("append("+desc+")Ljava/lang/StringBuilder;", func(ctx context.Context, a []heap.Value) (heap.Value, error) {
			b, err := self(a, "append")
			if err != nil {
				return heap.Value{}, err
			}
			s, err := r.Stringify(ctx, a[1], desc)
			if err != nil {
				return heap.Value{}, err
			}
			b.sb.WriteString(s)
			return a[0], nil
		})
	}
	c.def("length()I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		b, err := self(a, "length")
		if err != nil {
			return heap.Value{}, err
		}
		return heap.IntValue(int32(len(utf16Of(b.String())))), nil
	})
	c.def("toString()Ljava/lang/String;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		b, err := self(a, "toString")
		if err != nil {
			return heap.Value{}, err
		}
		return heap.RefValue(b.String()), nil
	})
	return c
}

// throwables lists the exception classes with their superclasses.
var throwables = [][2]string{
	{"java/lang/Throwable", "java/lang/Object"},
	{"java/lang/Exception", "java/lang/Throwable"},
	{"java/lang/Error", "java/lang/Throwable"},
	{"java/lang/StackOverflowError", "java/lang/Error"},
	{"java/lang/LinkageError", "java/lang/Error"},
	{"java/lang/IncompatibleClassChangeError", "java/lang/LinkageError"},
	{"java/lang/AbstractMethodError", "java/lang/IncompatibleClassChangeError"},
	{"java/lang/BootstrapMethodError", "java/lang/LinkageError"},
	{"java/lang/RuntimeException", "java/lang/Exception"},
	{"java/lang/ArithmeticException", "java/lang/RuntimeException"},
	{"java/lang/NullPointerException", "java/lang/RuntimeException"},
	{"java/lang/ClassCastException", "java/lang/RuntimeException"},
	{"java/lang/NegativeArraySizeException", "java/lang/RuntimeException"},
	{"java/lang/ArrayStoreException", "java/lang/RuntimeException"},
	{"java/lang/invoke/WrongMethodTypeException", "java/lang/RuntimeException"},
	{"java/lang/IllegalArgumentException", "java/lang/RuntimeException"},
	{"java/lang/NumberFormatException", "java/lang/IllegalArgumentException"},
	{"java/lang/IllegalStateException", "java/lang/RuntimeException"},
	{"java/lang/UnsupportedOperationException", "java/lang/RuntimeException"},
	{"java/lang/SecurityException", "java/lang/RuntimeException"},
	{"java/lang/IndexOutOfBoundsException", "java/lang/RuntimeException"},
	{"java/lang/ArrayIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException"},
	{"java/lang/StringIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException"},
}

// registerThrowables registers the exception classes. Instances are
// heap objects whose "message" field holds the detail message, which is
// also how heap.JavaException reports it.
func (r *Registry) registerThrowables() {
	self := func(args []heap.Value) (*heap.Object, error) { return recv[*heap.Object](args, "Throwable") }
	for _, t := range throwables {
		name := t[0]
		c := newClass(name, t[1])
		c.New = func() any { return heap.NewObject(name) }
		c.def("<init>()V", func(_ context.Context, a []heap.Value) (heap.Value, error) {
			_, err := self(a)
			return heap.Value{}, err
		})
		c.def("<init>(Ljava/lang/String;)V", func(_ context.Context, a []heap.Value) (heap.Value, error) {
			o, err := self(a)
			if err != nil {
				return heap.Value{}, err
			}
			o.SetField("message", a[1])
			return void()
		})
		if name == "java/lang/Throwable" {
			c.def("getMessage()Ljava/lang/String;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
				o, err := self(a)
				if err != nil {
					return heap.Value{}, err
				}
				if msg, ok := o.Field("message"); ok {
					return msg, nil
				}
				return heap.NullValue(), nil
			})
			c.def("toString()Ljava/lang/String;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
				o, err := self(a)
				if err != nil {
					return heap.Value{}, err
				}
				s := binaryName(o.ClassName)
				msg, _ := o.Field("message")
				if msg, ok := str(msg); ok {
					s += ": " + msg
				}
				return heap.RefValue(s), nil
			})
		}
		r.Register(c)
	}
}
