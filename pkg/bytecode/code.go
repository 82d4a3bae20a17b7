package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformed reports code that does not decode into whole instructions.
	ErrMalformed = errors.New("malformed code")
	// ErrBranchRange reports a conditional branch whose offset no longer
	// fits in 16 bits.
	ErrBranchRange = errors.New("branch offset out of range")
	// ErrCodeSize reports a method body of 64 KiB or more.
	ErrCodeSize = errors.New("code too large")
)

// maxCodeLength is the exclusive upper bound on a Code attribute's code length.
const maxCodeLength = 65536

// Switch holds the operands of a tableswitch or lookupswitch. Default and
// Targets are instruction indices.
type Switch struct {
	Low     int32   // tableswitch only
	Keys    []int32 // lookupswitch only, parallel to Targets
	Default int
	Targets []int
}

// Instruction is one decoded instruction. For branches Target is the index
// of the target instruction; Operand is unused. For switches the operands
// live in Switch. For wide, Operand starts with the modified opcode.
type Instruction struct {
	Opcode  byte
	Operand []byte
	Target  int
	Switch  *Switch

	// Offset is the byte offset the instruction was decoded from, or -1
	// for synthesized instructions.
	Offset int
}

// Simple returns an operand-less instruction.
func Simple(op byte) Instruction {
	return Instruction{Opcode: op, Offset: -1}
}

// Indexed returns an instruction with a two-byte constant-pool operand.
func Indexed(op byte, index uint16) Instruction {
	return Instruction{Opcode: op, Operand: binary.BigEndian.AppendUint16(nil, index), Offset: -1}
}

// InvokeDynamic returns an invokedynamic instruction for the given
// CONSTANT_InvokeDynamic index.
func InvokeDynamic(index uint16) Instruction {
	return Instruction{Opcode: OpInvokedynamic, Operand: []byte{byte(index >> 8), byte(index), 0, 0}, Offset: -1}
}

// Index returns the constant-pool index operand of ldc, ldc_w, ldc2_w,
// field, invoke, new and type-check instructions.
func (in Instruction) Index() uint16 {
	if in.Opcode == OpLdc {
		return uint16(in.Operand[0])
	}
	return binary.BigEndian.Uint16(in.Operand)
}

func (in Instruction) String() string {
	switch {
	case IsBranch(in.Opcode):
		return fmt.Sprintf("%s ->%d", Mnemonic(in.Opcode), in.Target)
	case in.Switch != nil:
		return fmt.Sprintf("%s [%d cases]", Mnemonic(in.Opcode), len(in.Switch.Targets))
	case len(in.Operand) > 0:
		return fmt.Sprintf("%s % x", Mnemonic(in.Opcode), in.Operand)
	}
	return Mnemonic(in.Opcode)
}

// pad returns the number of alignment bytes after a switch opcode at offset.
func pad(offset int) int {
	return (4 - (offset+1)%4) % 4
}

// Decode splits code into instructions and converts every branch and
// switch target into an instruction index. Targets that do not land on an
// instruction boundary are ErrMalformed.
func Decode(code []byte) ([]Instruction, error) {
	var insns []Instruction
	byOffset := make(map[int]int)
	for pc := 0; pc < len(code); {
		in, n, err := decodeAt(code, pc)
		if err != nil {
			return nil, err
		}
		byOffset[pc] = len(insns)
		insns = append(insns, in)
		pc += n
	}

	index := func(pc, target int) (int, error) {
		i, ok := byOffset[target]
		if !ok {
			return 0, fmt.Errorf("%w: branch at %d targets %d, not an instruction boundary", ErrMalformed, pc, target)
		}
		return i, nil
	}
	for i := range insns {
		in := &insns[i]
		var err error
		switch {
		case IsBranch(in.Opcode):
			in.Target, err = index(in.Offset, in.Target)
		case in.Switch != nil:
			if in.Switch.Default, err = index(in.Offset, in.Switch.Default); err != nil {
				break
			}
			for j, t := range in.Switch.Targets {
				if in.Switch.Targets[j], err = index(in.Offset, t); err != nil {
					break
				}
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return insns, nil
}

// decodeAt decodes the instruction at pc. Branch and switch targets are
// returned as absolute byte offsets.
func decodeAt(code []byte, pc int) (Instruction, int, error) {
	op := code[pc]
	in := Instruction{Opcode: op, Offset: pc}
	need := func(n int) error {
		if pc+n > len(code) {
			return fmt.Errorf("%w: %s at %d truncated", ErrMalformed, Mnemonic(op), pc)
		}
		return nil
	}
	i32 := func(at int) int32 { return int32(binary.BigEndian.Uint32(code[at:])) }

	switch size := operandSize[op]; {
	case size == -2:
		return in, 0, fmt.Errorf("%w: undefined opcode 0x%02X at %d", ErrMalformed, op, pc)

	case op == OpWide:
		if err := need(2); err != nil {
			return in, 0, err
		}
		n := 4
		switch code[pc+1] {
		case OpIinc:
			n = 6
		case OpIload, OpLload, OpFload, OpDload, OpAload,
			OpIstore, OpLstore, OpFstore, OpDstore, OpAstore, OpRet:
		default:
			return in, 0, fmt.Errorf("%w: wide cannot modify %s at %d", ErrMalformed, Mnemonic(code[pc+1]), pc)
		}
		if err := need(n); err != nil {
			return in, 0, err
		}
		in.Operand = append([]byte(nil), code[pc+1:pc+n]...)
		return in, n, nil

	case op == OpTableswitch:
		p := pc + 1 + pad(pc)
		if err := need(p - pc + 12); err != nil {
			return in, 0, err
		}
		low, high := i32(p+4), i32(p+8)
		if high < low {
			return in, 0, fmt.Errorf("%w: tableswitch at %d has low %d > high %d", ErrMalformed, pc, low, high)
		}
		count := int(int64(high) - int64(low) + 1)
		if err := need(p - pc + 12 + 4*count); err != nil {
			return in, 0, err
		}
		sw := &Switch{Low: low, Default: pc + int(i32(p)), Targets: make([]int, count)}
		for j := range sw.Targets {
			sw.Targets[j] = pc + int(i32(p+12+4*j))
		}
		in.Switch = sw
		return in, p - pc + 12 + 4*count, nil

	case op == OpLookupswitch:
		p := pc + 1 + pad(pc)
		if err := need(p - pc + 8); err != nil {
			return in, 0, err
		}
		npairs := i32(p + 4)
		if npairs < 0 {
			return in, 0, fmt.Errorf("%w: lookupswitch at %d has %d pairs", ErrMalformed, pc, npairs)
		}
		n := p - pc + 8 + 8*int(npairs)
		if err := need(n); err != nil {
			return in, 0, err
		}
		sw := &Switch{Default: pc + int(i32(p)), Keys: make([]int32, npairs), Targets: make([]int, npairs)}
		for j := range sw.Keys {
			sw.Keys[j] = i32(p + 8 + 8*j)
			sw.Targets[j] = pc + int(i32(p+12+8*j))
		}
		in.Switch = sw
		return in, n, nil

	case IsBranch(op):
		n := 1 + int(size)
		if err := need(n); err != nil {
			return in, 0, err
		}
		if size == 4 {
			in.Target = pc + int(i32(pc+1))
		} else {
			in.Target = pc + int(int16(binary.BigEndian.Uint16(code[pc+1:])))
		}
		return in, n, nil

	default:
		n := 1 + int(size)
		if err := need(n); err != nil {
			return in, 0, err
		}
		if size > 0 {
			in.Operand = append([]byte(nil), code[pc+1:pc+n]...)
		}
		return in, n, nil
	}
}

// Encode lays out insns, whose branch and switch targets are instruction
// indices, and returns the code together with the new byte offset of each
// instruction. offsets has one extra trailing element holding the code
// length. goto and jsr are widened to goto_w and jsr_w when their offset
// no longer fits; a conditional branch that does not fit is ErrBranchRange.
func Encode(insns []Instruction) (code []byte, offsets []int, err error) {
	for i, in := range insns {
		if err := checkTargets(in, i, len(insns)); err != nil {
			return nil, nil, err
		}
	}

	wide := make([]bool, len(insns))
	for i, in := range insns {
		wide[i] = isWideBranch(in.Opcode)
	}
	// Widening only ever grows instructions, so this settles.
	for {
		offsets = layout(insns, wide)
		changed := false
		for i, in := range insns {
			if !IsBranch(in.Opcode) || wide[i] {
				continue
			}
			d := offsets[in.Target] - offsets[i]
			if d >= math.MinInt16 && d <= math.MaxInt16 {
				continue
			}
			if widened(in.Opcode) == 0 {
				return nil, nil, fmt.Errorf("%w: %s at instruction %d jumps %d bytes", ErrBranchRange, Mnemonic(in.Opcode), i, d)
			}
			wide[i] = true
			changed = true
		}
		if !changed {
			break
		}
	}
	if total := offsets[len(insns)]; total == 0 || total >= maxCodeLength {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrCodeSize, total)
	}

	code = make([]byte, 0, offsets[len(insns)])
	for i, in := range insns {
		at := offsets[i]
		switch {
		case IsBranch(in.Opcode):
			op := in.Opcode
			if wide[i] && !isWideBranch(op) {
				op = widened(op)
			}
			d := offsets[in.Target] - at
			code = append(code, op)
			if wide[i] {
				code = binary.BigEndian.AppendUint32(code, uint32(int32(d)))
			} else {
				code = binary.BigEndian.AppendUint16(code, uint16(int16(d)))
			}
		case in.Switch != nil:
			sw := in.Switch
			code = append(code, in.Opcode)
			code = append(code, make([]byte, pad(at))...)
			code = binary.BigEndian.AppendUint32(code, uint32(int32(offsets[sw.Default]-at)))
			if in.Opcode == OpTableswitch {
				code = binary.BigEndian.AppendUint32(code, uint32(sw.Low))
				code = binary.BigEndian.AppendUint32(code, uint32(sw.Low+int32(len(sw.Targets))-1))
				for _, t := range sw.Targets {
					code = binary.BigEndian.AppendUint32(code, uint32(int32(offsets[t]-at)))
				}
			} else {
				code = binary.BigEndian.AppendUint32(code, uint32(len(sw.Keys)))
				for j, k := range sw.Keys {
					code = binary.BigEndian.AppendUint32(code, uint32(k))
					code = binary.BigEndian.AppendUint32(code, uint32(int32(offsets[sw.Targets[j]]-at)))
				}
			}
		default:
			code = append(code, in.Opcode)
			code = append(code, in.Operand...)
		}
	}
	return code, offsets, nil
}

func checkTargets(in Instruction, i, n int) error {
	bad := func(t int) error {
		return fmt.Errorf("%w: %s at instruction %d targets instruction %d of %d", ErrMalformed, Mnemonic(in.Opcode), i, t, n)
	}
	if IsBranch(in.Opcode) && (in.Target < 0 || in.Target >= n) {
		return bad(in.Target)
	}
	if in.Opcode == OpTableswitch || in.Opcode == OpLookupswitch {
		if in.Switch == nil {
			return fmt.Errorf("%w: %s at instruction %d has no operands", ErrMalformed, Mnemonic(in.Opcode), i)
		}
		if in.Opcode == OpLookupswitch && len(in.Switch.Keys) != len(in.Switch.Targets) {
			return fmt.Errorf("%w: lookupswitch at instruction %d has %d keys for %d targets", ErrMalformed, i, len(in.Switch.Keys), len(in.Switch.Targets))
		}
		if in.Opcode == OpTableswitch && len(in.Switch.Targets) == 0 {
			return fmt.Errorf("%w: empty tableswitch at instruction %d", ErrMalformed, i)
		}
		for _, t := range append([]int{in.Switch.Default}, in.Switch.Targets...) {
			if t < 0 || t >= n {
				return bad(t)
			}
		}
	}
	return nil
}

// layout computes instruction offsets; wide marks branches encoded with a
// 32-bit offset.
func layout(insns []Instruction, wide []bool) []int {
	offsets := make([]int, len(insns)+1)
	at := 0
	for i, in := range insns {
		offsets[i] = at
		switch {
		case IsBranch(in.Opcode):
			if wide[i] {
				at += 5
			} else {
				at += 3
			}
		case in.Opcode == OpTableswitch:
			at += 1 + pad(at) + 12 + 4*len(in.Switch.Targets)
		case in.Opcode == OpLookupswitch:
			at += 1 + pad(at) + 8 + 8*len(in.Switch.Keys)
		default:
			at += 1 + len(in.Operand)
		}
	}
	offsets[len(insns)] = at
	return offsets
}
