package vm

import (
	"testing"

	"github.com/daimatz/jvmsandbox/pkg/heap"
)

func TestFramePushPop(t *testing.T) {
	t.Run("LIFO order", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)

		frame.Push(heap.IntValue(10))
		frame.Push(heap.IntValue(20))
		frame.Push(heap.IntValue(30))

		v := frame.Pop()
		if v.Int != 30 {
			t.Errorf("first Pop: got %d, want 30", v.Int)
		}

		v = frame.Pop()
		if v.Int != 20 {
			t.Errorf("second Pop: got %d, want 20", v.Int)
		}

		v = frame.Pop()
		if v.Int != 10 {
			t.Errorf("third Pop: got %d, want 10", v.Int)
		}
	})

	t.Run("push after pop reuses space", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)

		frame.Push(heap.IntValue(1))
		frame.Push(heap.IntValue(2))
		frame.Pop() // remove 2

		frame.Push(heap.IntValue(3))
		v := frame.Pop()
		if v.Int != 3 {
			t.Errorf("got %d, want 3", v.Int)
		}

		v = frame.Pop()
		if v.Int != 1 {
			t.Errorf("got %d, want 1", v.Int)
		}
	})

	t.Run("single push pop", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)

		frame.Push(heap.IntValue(42))
		v := frame.Pop()
		if v.Int != 42 {
			t.Errorf("got %d, want 42", v.Int)
		}
	})

	t.Run("negative values", func(t *testing.T) {
		frame := NewFrame(0, 10, nil, nil)

		frame.Push(heap.IntValue(-100))
		v := frame.Pop()
		if v.Int != -100 {
			t.Errorf("got %d, want -100", v.Int)
		}
	})
}

func TestFrameLocalVars(t *testing.T) {
	t.Run("basic set and get", func(t *testing.T) {
		frame := NewFrame(4, 10, nil, nil)

		frame.SetLocal(0, heap.IntValue(10))
		frame.SetLocal(1, heap.IntValue(20))
		frame.SetLocal(2, heap.IntValue(30))
		frame.SetLocal(3, heap.IntValue(40))

		if v := frame.GetLocal(0); v.Int != 10 {
			t.Errorf("GetLocal(0): got %d, want 10", v.Int)
		}
		if v := frame.GetLocal(1); v.Int != 20 {
			t.Errorf("GetLocal(1): got %d, want 20", v.Int)
		}
		if v := frame.GetLocal(2); v.Int != 30 {
			t.Errorf("GetLocal(2): got %d, want 30", v.Int)
		}
		if v := frame.GetLocal(3); v.Int != 40 {
			t.Errorf("GetLocal(3): got %d, want 40", v.Int)
		}
	})

	t.Run("overwrite local variable", func(t *testing.T) {
		frame := NewFrame(4, 10, nil, nil)

		frame.SetLocal(0, heap.IntValue(10))
		frame.SetLocal(0, heap.IntValue(99))

		if v := frame.GetLocal(0); v.Int != 99 {
			t.Errorf("GetLocal(0) after overwrite: got %d, want 99", v.Int)
		}
	})

	t.Run("non-contiguous set", func(t *testing.T) {
		frame := NewFrame(4, 10, nil, nil)

		frame.SetLocal(0, heap.IntValue(100))
		frame.SetLocal(3, heap.IntValue(300))

		if v := frame.GetLocal(0); v.Int != 100 {
			t.Errorf("GetLocal(0): got %d, want 100", v.Int)
		}
		if v := frame.GetLocal(3); v.Int != 300 {
			t.Errorf("GetLocal(3): got %d, want 300", v.Int)
		}
	})

	t.Run("local vars independent from stack", func(t *testing.T) {
		frame := NewFrame(4, 10, nil, nil)

		frame.SetLocal(0, heap.IntValue(10))
		frame.Push(heap.IntValue(99))

		if v := frame.GetLocal(0); v.Int != 10 {
			t.Errorf("GetLocal(0) after push: got %d, want 10", v.Int)
		}

		v := frame.Pop()
		if v.Int != 99 {
			t.Errorf("Pop after SetLocal: got %d, want 99", v.Int)
		}
	})
}

func TestFramePopN(t *testing.T) {
	frame := NewFrame(0, 10, nil, nil)
	frame.Push(heap.IntValue(1))
	frame.Push(heap.LongValue(2))
	frame.Push(heap.IntValue(3))

	if top := frame.Peek(); top.Int != 3 {
		t.Errorf("Peek: got %d, want 3", top.Int)
	}
	got := frame.PopN(2)
	if len(got) != 2 || got[0].Long != 2 || got[1].Int != 3 {
		t.Errorf("PopN(2): got %v, want [2 3]", got)
	}
	if frame.SP != 1 {
		t.Errorf("SP after PopN: got %d, want 1", frame.SP)
	}
	if got := frame.PopN(0); len(got) != 0 {
		t.Errorf("PopN(0): got %v, want empty", got)
	}
	frame.ClearStack()
	if frame.SP != 0 {
		t.Errorf("SP after ClearStack: got %d, want 0", frame.SP)
	}
}

func TestFrameOperandReads(t *testing.T) {
	frame := NewFrame(0, 0, []byte{0xFF, 0xFF, 0xFE, 0x80, 0x00, 0x00, 0x01}, nil)
	if got := frame.ReadI8(); got != -1 {
		t.Errorf("ReadI8: got %d, want -1", got)
	}
	if got := frame.ReadI16(); got != -2 {
		t.Errorf("ReadI16: got %d, want -2", got)
	}
	if got := frame.ReadI32(); got != -2147483647 {
		t.Errorf("ReadI32: got %d, want -2147483647", got)
	}
	if frame.PC != 7 {
		t.Errorf("PC: got %d, want 7", frame.PC)
	}
}
