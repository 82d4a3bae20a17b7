package vm

import (
	"fmt"

	"github.com/daimatz/jvmsandbox/pkg/heap"
)

// Frame represents a stack frame for method execution. Long and double
// values occupy one operand stack entry but two local variable slots.
type Frame struct {
	LocalVars    []heap.Value
	OperandStack []heap.Value
	SP           int
	Code         []byte
	PC           int
	Method       *Method
}

// NewFrame creates a new Frame with the given parameters. method may be
// nil for code that touches no constant pool.
func NewFrame(maxLocals, maxStack uint16, code []byte, method *Method) *Frame {
	return &Frame{
		LocalVars:    make([]heap.Value, maxLocals),
		OperandStack: make([]heap.Value, maxStack),
		SP:           0,
		Code:         code,
		PC:           0,
		Method:       method,
	}
}

// Class returns the class declaring the frame's method.
func (f *Frame) Class() *Class {
	if f.Method == nil {
		return nil
	}
	return f.Method.Class
}

// Push pushes a value onto the operand stack.
func (f *Frame) Push(v heap.Value) {
	if f.SP >= len(f.OperandStack) {
		panic(fmt.Sprintf("operand stack overflow: SP=%d, max=%d", f.SP, len(f.OperandStack)))
	}
	f.OperandStack[f.SP] = v
	f.SP++
}

// Pop pops a value from the operand stack.
func (f *Frame) Pop() heap.Value {
	if f.SP <= 0 {
		panic("operand stack underflow: SP=0")
	}
	f.SP--
	return f.OperandStack[f.SP]
}

// Peek returns the top of the operand stack without popping it.
func (f *Frame) Peek() heap.Value {
	if f.SP <= 0 {
		panic("operand stack underflow: SP=0")
	}
	return f.OperandStack[f.SP-1]
}

// PopN pops n values and returns them in push order.
func (f *Frame) PopN(n int) []heap.Value {
	if n > f.SP {
		panic(fmt.Sprintf("operand stack underflow: SP=%d, need %d", f.SP, n))
	}
	vals := make([]heap.Value, n)
	copy(vals, f.OperandStack[f.SP-n:f.SP])
	f.SP -= n
	return vals
}

// ClearStack empties the operand stack.
func (f *Frame) ClearStack() { f.SP = 0 }

// GetLocal returns the value at the given local variable index.
func (f *Frame) GetLocal(index int) heap.Value {
	if index < 0 || index >= len(f.LocalVars) {
		panic(fmt.Sprintf("local variable index out of range: index=%d, max=%d", index, len(f.LocalVars)))
	}
	return f.LocalVars[index]
}

// SetLocal sets the value at the given local variable index.
func (f *Frame) SetLocal(index int, v heap.Value) {
	if index < 0 || index >= len(f.LocalVars) {
		panic(fmt.Sprintf("local variable index out of range: index=%d, max=%d", index, len(f.LocalVars)))
	}
	f.LocalVars[index] = v
}

// ReadU8 reads a uint8 operand and advances PC.
func (f *Frame) ReadU8() uint8 {
	val := f.Code[f.PC]
	f.PC++
	return val
}

// ReadI8 reads an int8 operand and advances PC.
func (f *Frame) ReadI8() int8 {
	val := int8(f.Code[f.PC])
	f.PC++
	return val
}

// ReadU16 reads a uint16 operand (big-endian) and advances PC by 2.
func (f *Frame) ReadU16() uint16 {
	val := uint16(f.Code[f.PC])<<8 | uint16(f.Code[f.PC+1])
	f.PC += 2
	return val
}

// ReadI16 reads an int16 operand (big-endian) and advances PC by 2.
func (f *Frame) ReadI16() int16 {
	val := int16(f.Code[f.PC])<<8 | int16(f.Code[f.PC+1])
	f.PC += 2
	return val
}

// ReadI32 reads an int32 operand (big-endian) and advances PC by 4.
func (f *Frame) ReadI32() int32 {
	val := int32(f.Code[f.PC])<<24 | int32(f.Code[f.PC+1])<<16 | int32(f.Code[f.PC+2])<<8 | int32(f.Code[f.PC+3])
	f.PC += 4
	return val
}
