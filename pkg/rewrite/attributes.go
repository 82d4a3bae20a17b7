package rewrite

import (
	"encoding/binary"
	"fmt"

	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

// pcMap maps an input code offset to the rewritten offset. It reports
// false for offsets that are not instruction boundaries.
type pcMap func(pc int) (int, bool)

func relocateHandlers(handlers []classfile.ExceptionHandler, pcOf pcMap) ([]classfile.ExceptionHandler, error) {
	out := make([]classfile.ExceptionHandler, 0, len(handlers))
	for _, h := range handlers {
		start, ok1 := pcOf(int(h.StartPC))
		end, ok2 := pcOf(int(h.EndPC))
		handler, ok3 := pcOf(int(h.HandlerPC))
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("%w: exception range %d-%d with handler %d is not on instruction boundaries",
				ErrMalformed, h.StartPC, h.EndPC, h.HandlerPC)
		}
		// A range that covered only elided instructions is empty now.
		if start >= end {
			continue
		}
		out = append(out, classfile.ExceptionHandler{
			StartPC:   uint16(start),
			EndPC:     uint16(end),
			HandlerPC: uint16(handler),
			CatchType: h.CatchType,
		})
	}
	return out, nil
}

// relocateLineNumbers rewrites the start_pc of every LineNumberTable entry.
func relocateLineNumbers(data []byte, pcOf pcMap) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) != 2+4*n {
		return nil, fmt.Errorf("%w: %d bytes for %d entries", ErrMalformed, len(data), n)
	}
	out := make([]byte, 0, len(data))
	out = binary.BigEndian.AppendUint16(out, uint16(n))
	for i := 0; i < n; i++ {
		e := data[2+4*i : 6+4*i]
		old := int(binary.BigEndian.Uint16(e))
		pc, ok := pcOf(old)
		if !ok {
			return nil, fmt.Errorf("%w: entry at %d is not on an instruction boundary", ErrMalformed, old)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(pc))
		out = append(out, e[2:]...)
	}
	return out, nil
}

// relocateLocals rewrites the start_pc and length of every
// LocalVariableTable or LocalVariableTypeTable entry.
func relocateLocals(data []byte, pcOf pcMap) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) != 2+10*n {
		return nil, fmt.Errorf("%w: %d bytes for %d entries", ErrMalformed, len(data), n)
	}
	out := make([]byte, 0, len(data))
	out = binary.BigEndian.AppendUint16(out, uint16(n))
	for i := 0; i < n; i++ {
		e := data[2+10*i : 12+10*i]
		oldStart := int(binary.BigEndian.Uint16(e))
		oldEnd := oldStart + int(binary.BigEndian.Uint16(e[2:]))
		start, ok1 := pcOf(oldStart)
		end, ok2 := pcOf(oldEnd)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: range %d-%d is not on instruction boundaries", ErrMalformed, oldStart, oldEnd)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(start))
		out = binary.BigEndian.AppendUint16(out, uint16(end-start))
		out = append(out, e[4:]...)
	}
	return out, nil
}
