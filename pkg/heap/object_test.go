package heap

import (
	"sync"
	"testing"
)

func field(t *testing.T, obj *Object, name string) Value {
	t.Helper()
	v, ok := obj.Field(name)
	if !ok {
		t.Fatalf("field %s is not set", name)
	}
	return v
}

func TestObjectFields(t *testing.T) {
	t.Run("set and get field", func(t *testing.T) {
		obj := NewObject("TestClass")
		obj.SetField("x", IntValue(42))

		got := field(t, obj, "x")
		if got.Type != TypeInt || got.Int != 42 {
			t.Errorf("field x: got %+v, want IntValue(42)", got)
		}
	})

	t.Run("multiple fields", func(t *testing.T) {
		obj := NewObject("Point")
		obj.SetField("x", IntValue(10))
		obj.SetField("y", IntValue(20))

		if field(t, obj, "x").Int != 10 {
			t.Errorf("field x: got %d, want 10", field(t, obj, "x").Int)
		}
		if field(t, obj, "y").Int != 20 {
			t.Errorf("field y: got %d, want 20", field(t, obj, "y").Int)
		}
	})

	t.Run("overwrite field", func(t *testing.T) {
		obj := NewObject("TestClass")
		obj.SetField("x", IntValue(1))
		obj.SetField("x", IntValue(99))

		if field(t, obj, "x").Int != 99 {
			t.Errorf("overwritten field x: got %d, want 99", field(t, obj, "x").Int)
		}
	})

	t.Run("reference field", func(t *testing.T) {
		obj := NewObject("Container")
		inner := NewObject("Inner")
		obj.SetField("child", RefValue(inner))

		got := field(t, obj, "child")
		if got.Type != TypeRef {
			t.Errorf("field child: got type %v, want TypeRef", got.Type)
		}
		if got.Ref != inner {
			t.Errorf("field child: reference mismatch")
		}
	})

	t.Run("null field", func(t *testing.T) {
		obj := NewObject("TestClass")
		obj.SetField("ref", NullValue())

		got := field(t, obj, "ref")
		if got.Type != TypeNull {
			t.Errorf("null field: got type %v, want TypeNull", got.Type)
		}
	})

	t.Run("unset field", func(t *testing.T) {
		if _, ok := NewObject("TestClass").Field("x"); ok {
			t.Error("unset field reported as set")
		}
	})

	t.Run("class name preserved", func(t *testing.T) {
		obj := NewObject("java/util/HashMap")
		if got := ClassOf(obj); got != "java/util/HashMap" {
			t.Errorf("class name: got %q, want %q", got, "java/util/HashMap")
		}
	})
}

func TestObjectFieldsConcurrent(t *testing.T) {
	obj := NewObject("Shared")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				obj.SetField("x", IntValue(int32(i*100+j)))
				obj.Field("x")
			}
		}()
	}
	wg.Wait()
	if v := field(t, obj, "x"); v.Type != TypeInt {
		t.Errorf("field x: got %+v", v)
	}
}

func TestArrayZeroing(t *testing.T) {
	tests := []struct {
		desc string
		want ValueType
	}{
		{"[I", TypeInt},
		{"[J", TypeLong},
		{"[D", TypeDouble},
		{"[F", TypeFloat},
		{"[Ljava/lang/String;", TypeNull},
		{"[[I", TypeNull},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			arr := NewArray(tt.desc, 3)
			if len(arr.Elements) != 3 {
				t.Fatalf("length: got %d, want 3", len(arr.Elements))
			}
			for i, e := range arr.Elements {
				if e.Type != tt.want {
					t.Errorf("element %d: got %v, want %v", i, e.Type, tt.want)
				}
			}
			if ClassOf(arr) != tt.desc {
				t.Errorf("ClassOf: got %q, want %q", ClassOf(arr), tt.desc)
			}
		})
	}
}

func TestClassOf(t *testing.T) {
	if got := ClassOf("hello"); got != "java/lang/String" {
		t.Errorf("ClassOf(string): got %q", got)
	}
	if got := ClassOf(42); got != "" {
		t.Errorf("ClassOf(int): got %q, want empty", got)
	}
}

func TestRefValueNil(t *testing.T) {
	if v := RefValue(nil); !v.IsNull() || v.Type != TypeNull {
		t.Errorf("RefValue(nil): got %+v, want null", v)
	}
}

func TestJavaExceptionMessage(t *testing.T) {
	err := Throwf("java/lang/IllegalStateException", "bad %s", "state")
	want := "JavaException: java/lang/IllegalStateException: bad state"
	if err.Error() != want {
		t.Errorf("Error: got %q, want %q", err.Error(), want)
	}
	if plain := NewJavaException("java/lang/Error"); plain.Error() != "JavaException: java/lang/Error" {
		t.Errorf("Error: got %q", plain.Error())
	}
}
