package native

import (
	"context"

	"github.com/daimatz/jvmsandbox/pkg/heap"
)

// HashMap represents a java.util.HashMap.
type HashMap struct {
	Data map[any]any
}

// NewHashMap creates an empty HashMap.
func NewHashMap() *HashMap {
	return &HashMap{Data: make(map[any]any)}
}

func (m *HashMap) JavaClass() string { return "java/util/HashMap" }

// mapKey returns the Go map key for a Java key. Boxed integers compare by
// value; other references by identity, strings by content.
func mapKey(key any) any {
	if ni, ok := key.(*Integer); ok {
		return ni.Value
	}
	return key
}

// Get returns the value for the given key, or nil.
func (m *HashMap) Get(key any) any {
	return m.Data[mapKey(key)]
}

// Put stores a key-value pair and returns the previous value.
func (m *HashMap) Put(key, value any) any {
	k := mapKey(key)
	old := m.Data[k]
	m.Data[k] = value
	return old
}

// ContainsKey reports whether key has a mapping.
func (m *HashMap) ContainsKey(key any) bool {
	_, ok := m.Data[mapKey(key)]
	return ok
}

// Remove deletes the mapping for key and returns its value.
func (m *HashMap) Remove(key any) any {
	k := mapKey(key)
	old := m.Data[k]
	delete(m.Data, k)
	return old
}

// Size returns the number of mappings.
func (m *HashMap) Size() int { return len(m.Data) }

func (r *Registry) registerCollections() {
	r.Register(&Class{Name: "java/util/Map", Super: "java/lang/Object", Interface: true, Abstract: true,
		Methods: map[string]Method{
			"get(Ljava/lang/Object;)Ljava/lang/Object;":                   nil,
			"put(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;": nil,
			"containsKey(Ljava/lang/Object;)Z":                            nil,
			"remove(Ljava/lang/Object;)Ljava/lang/Object;":                nil,
			"size()I": nil,
		}})

	c := newClass("java/util/HashMap", "java/lang/Object")
	c.Interfaces = []string{"java/util/Map"}
	c.New = func() any { return NewHashMap() }
	self := func(args []heap.Value, m string) (*HashMap, error) { return recv[*HashMap](args, "HashMap."+m) }

	c.def("<init>()V", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		_, err := self(a, "<init>")
		return heap.Value{}, err
	})
	c.def("get(Ljava/lang/Object;)Ljava/lang/Object;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		m, err := self(a, "get")
		if err != nil {
			return heap.Value{}, err
		}
		return heap.RefValue(m.Get(a[1].Ref)), nil
	})
	c.def("put(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		m, err := self(a, "put")
		if err != nil {
			return heap.Value{}, err
		}
		return heap.RefValue(m.Put(a[1].Ref, a[2].Ref)), nil
	})
	c.def("containsKey(Ljava/lang/Object;)Z", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		m, err := self(a, "containsKey")
		if err != nil {
			return heap.Value{}, err
		}
		return boolValue(m.ContainsKey(a[1].Ref)), nil
	})
	c.def("remove(Ljava/lang/Object;)Ljava/lang/Object;", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		m, err := self(a, "remove")
		if err != nil {
			return heap.Value{}, err
		}
		return heap.RefValue(m.Remove(a[1].Ref)), nil
	})
	c.def("size()I", func(_ context.Context, a []heap.Value) (heap.Value, error) {
		m, err := self(a, "size")
		if err != nil {
			return heap.Value{}, err
		}
		return heap.IntValue(int32(m.Size())), nil
	})
	r.Register(c)
}
