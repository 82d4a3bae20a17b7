package bytecode

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeEncodeIdentity(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"straight line", []byte{OpIconst1, OpIconst2, OpIadd, OpIreturn}},
		{"backward goto", []byte{
			OpIconst0, OpIstore0, // 0,1
			OpIinc, 0, 1, // 2
			OpIload0, OpBipush, 10, // 5,6
			OpIfIcmplt, 0xFF, 0xFA, // 8: -> 2
			OpReturn, // 11
		}},
		{"wide iinc", []byte{OpWide, OpIinc, 0x01, 0x00, 0x00, 0x05, OpReturn}},
		{"tableswitch", []byte{
			OpIload0,            // 0
			OpTableswitch, 0, 0, // 1, pad to 4
			0, 0, 0, 23, // default -> 24
			0, 0, 0, 0, // low 0
			0, 0, 0, 1, // high 1
			0, 0, 0, 23, // -> 24
			0, 0, 0, 23, // -> 24
			OpReturn, // 24
		}},
		{"lookupswitch", []byte{
			OpIload0,             // 0
			OpLookupswitch, 0, 0, // 1
			0, 0, 0, 19, // default -> 20
			0, 0, 0, 1, // 1 pair
			0, 0, 0, 7, 0, 0, 0, 19, // 7 -> 20
			OpReturn, // 20
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insns, err := Decode(tt.code)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			got, offsets, err := Encode(insns)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !bytes.Equal(got, tt.code) {
				t.Errorf("re-encoded code:\n got % X\nwant % X", got, tt.code)
			}
			for i, in := range insns {
				if offsets[i] != in.Offset {
					t.Errorf("instruction %d: offset %d, decoded from %d", i, offsets[i], in.Offset)
				}
			}
			if offsets[len(insns)] != len(tt.code) {
				t.Errorf("trailing offset: got %d, want %d", offsets[len(insns)], len(tt.code))
			}
		})
	}
}

func TestDecodeTargetsAreIndices(t *testing.T) {
	// Offsets 0, 1, 4, 5, 6 and 7 hold instructions 0 to 5. The ifeq at
	// offset 1 jumps to offset 6, which is instruction 4.
	code := []byte{
		OpIload0,
		OpIfeq, 0x00, 0x05,
		OpIconst1,
		OpIreturn,
		OpIconst0,
		OpIreturn,
	}
	insns, err := Decode(code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(insns) != 6 {
		t.Fatalf("instructions: got %d, want 6", len(insns))
	}
	if insns[1].Target != 4 {
		t.Errorf("ifeq target: got %d, want 4", insns[1].Target)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"truncated operand", []byte{OpSipush, 0x01}},
		{"undefined opcode", []byte{0xCA}},
		{"mid-instruction target", []byte{OpGoto, 0x00, 0x01, OpReturn}},
		{"target past end", []byte{OpGoto, 0x00, 0x10}},
		{"bad wide", []byte{OpWide, OpNop, 0, 0}},
		{"inverted tableswitch", []byte{OpTableswitch, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2, 0, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.code)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode: got %v, want ErrMalformed", err)
			}
		})
	}
}

// filler returns n bytes worth of nop instructions.
func filler(n int) []Instruction {
	insns := make([]Instruction, n)
	for i := range insns {
		insns[i] = Simple(OpNop)
	}
	return insns
}

func TestEncodeWidensGoto(t *testing.T) {
	// goto over 40000 bytes of nops
	insns := []Instruction{{Opcode: OpGoto, Target: 40001}}
	insns = append(insns, filler(40000)...)
	insns = append(insns, Simple(OpReturn))

	code, offsets, err := Encode(insns)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if code[0] != OpGotoW {
		t.Errorf("opcode: got %s, want goto_w", Mnemonic(code[0]))
	}
	if offsets[1] != 5 {
		t.Errorf("offset after goto_w: got %d, want 5", offsets[1])
	}
	back, err := Decode(code)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back[0].Target != 40001 || back[40001].Opcode != OpReturn {
		t.Errorf("goto_w target: got %d", back[0].Target)
	}
}

func TestEncodeConditionalOutOfRange(t *testing.T) {
	insns := []Instruction{Simple(OpIconst0), {Opcode: OpIfeq, Target: 40002}}
	insns = append(insns, filler(40000)...)
	insns = append(insns, Simple(OpReturn))

	if _, _, err := Encode(insns); !errors.Is(err, ErrBranchRange) {
		t.Errorf("Encode: got %v, want ErrBranchRange", err)
	}
}

func TestEncodeRealignsSwitch(t *testing.T) {
	insns := []Instruction{
		Simple(OpIload0),
		{Opcode: OpLookupswitch, Switch: &Switch{Default: 2, Keys: []int32{1}, Targets: []int{2}}},
		Simple(OpReturn),
	}
	first, _, err := Encode(insns)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// A three-byte instruction in front shifts the switch and changes
	// its padding.
	shifted := append([]Instruction{Indexed(OpInvokestatic, 7)}, insns...)
	shifted[2].Switch = &Switch{Default: 3, Keys: []int32{1}, Targets: []int{3}}
	second, offsets, err := Encode(shifted)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(second) == len(first)+3 {
		t.Errorf("padding was not recomputed: %d vs %d bytes", len(second), len(first))
	}
	back, err := Decode(second)
	if err != nil {
		t.Fatalf("Decode re-encoded switch: %v", err)
	}
	if back[2].Switch.Default != 3 || back[3].Offset != offsets[3] {
		t.Errorf("switch default: got %d", back[2].Switch.Default)
	}
}

func TestInvokeDynamicOperand(t *testing.T) {
	in := InvokeDynamic(0x1234)
	if in.Index() != 0x1234 {
		t.Errorf("Index: got %#x", in.Index())
	}
	code, _, err := Encode([]Instruction{in, Simple(OpReturn)})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{OpInvokedynamic, 0x12, 0x34, 0, 0, OpReturn}
	if !bytes.Equal(code, want) {
		t.Errorf("got % X, want % X", code, want)
	}
}
