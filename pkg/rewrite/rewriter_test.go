package rewrite

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/daimatz/jvmsandbox/pkg/bytecode"
	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

// asm concatenates opcodes and operands. uint16 and int16 values are
// written big-endian.
func asm(parts ...any) []byte {
	var b []byte
	for _, p := range parts {
		switch v := p.(type) {
		case int:
			b = append(b, byte(v))
		case uint16:
			b = binary.BigEndian.AppendUint16(b, v)
		case int16:
			b = binary.BigEndian.AppendUint16(b, uint16(v))
		default:
			panic(fmt.Sprintf("asm: unsupported operand %T", p))
		}
	}
	return b
}

func assemble(t *testing.T, b *classfile.Builder) []byte {
	t.Helper()
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("assembling class: %v", err)
	}
	return data
}

func rewriteOK(t *testing.T, data []byte, opts ...Option) *classfile.ClassFile {
	t.Helper()
	out, err := New(opts...).Rewrite("Test", data)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	cf, err := classfile.ParseBytes(out)
	if err != nil {
		t.Fatalf("parsing rewritten class: %v", err)
	}
	return cf
}

func method(t *testing.T, cf *classfile.ClassFile, name string) ([]bytecode.Instruction, *classfile.MethodInfo) {
	t.Helper()
	m := cf.FindMethodByName(name)
	if m == nil || m.Code == nil {
		t.Fatalf("method %s not found", name)
	}
	insns, err := bytecode.Decode(m.Code.Code)
	if err != nil {
		t.Fatalf("decoding %s: %v", name, err)
	}
	return insns, m
}

func mnemonics(insns []bytecode.Instruction) []string {
	var s []string
	for _, in := range insns {
		s = append(s, bytecode.Mnemonic(in.Opcode))
	}
	return s
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sites decodes every invokedynamic of insns in order.
func sites(t *testing.T, cf *classfile.ClassFile, insns []bytecode.Instruction) []callsite.Request {
	t.Helper()
	var reqs []callsite.Request
	for _, in := range insns {
		if in.Opcode != bytecode.OpInvokedynamic {
			continue
		}
		req, err := DecodeSite(cf, in.Index(), DefaultRuntimeClass)
		if err != nil {
			t.Fatalf("DecodeSite at %d: %v", in.Offset, err)
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		op   byte
		want callsite.Kind
	}{
		{bytecode.OpInvokevirtual, callsite.Virtual},
		{bytecode.OpInvokeinterface, callsite.Interface},
		{bytecode.OpInvokestatic, callsite.Static},
		{bytecode.OpInvokespecial, callsite.Special},
	}
	for _, tt := range tests {
		if got, ok := kindOf(tt.op); !ok || got != tt.want {
			t.Errorf("kindOf(%s): got %v, %v, want %v", bytecode.Mnemonic(tt.op), got, ok, tt.want)
		}
	}
	if _, ok := kindOf(bytecode.OpInvokedynamic); ok {
		t.Error("kindOf(invokedynamic) should not map to a kind")
	}
}

func TestInvocationArity(t *testing.T) {
	b := classfile.NewBuilder("App", "Base").Version(50, 0)
	foo := b.Methodref("Greeter", "foo", "(II)I")
	size := b.InterfaceMethodref("java/util/List", "size", "()I")
	add := b.Methodref("Util", "add", "(II)I")
	helper := b.Methodref("Base", "helper", "()V")
	b.Method(classfile.AccPublic|classfile.AccStatic, "run", "(LGreeter;Ljava/util/List;)V", 3, 2, asm(
		bytecode.OpAload0, bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpInvokevirtual, foo, bytecode.OpPop,
		bytecode.OpAload1, bytecode.OpInvokeinterface, size, 1, 0, bytecode.OpPop,
		bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpInvokestatic, add, bytecode.OpPop,
		bytecode.OpReturn,
	))
	b.Method(classfile.AccPublic, "callSuper", "()V", 1, 1, asm(
		bytecode.OpAload0, bytecode.OpInvokespecial, helper, bytecode.OpReturn,
	))

	cf := rewriteOK(t, assemble(t, b))
	if cf.MajorVersion < 51 {
		t.Errorf("major version: got %d, want >= 51", cf.MajorVersion)
	}

	insns, _ := method(t, cf, "run")
	want := []string{
		"aload_0", "iconst_1", "iconst_2", "invokedynamic", "pop",
		"aload_1", "invokedynamic", "pop",
		"iconst_1", "iconst_2", "invokedynamic", "pop",
		"return",
	}
	if got := mnemonics(insns); !sameStrings(got, want) {
		t.Fatalf("run: got %v, want %v", got, want)
	}
	callSuper, _ := method(t, cf, "callSuper")

	tests := []struct {
		name, owner, invoked, sig string
		kind                      callsite.Kind
	}{
		{"foo", "Greeter", "(LGreeter;II)I", "(II)I", callsite.Virtual},
		{"size", "java.util.List", "(Ljava/util/List;)I", "()I", callsite.Interface},
		{"add", "Util", "(II)I", "(II)I", callsite.Static},
		{"helper", "Base", "(LBase;)V", "()V", callsite.Special},
	}
	reqs := append(sites(t, cf, insns), sites(t, cf, callSuper)...)
	if len(reqs) != len(tests) {
		t.Fatalf("call sites: got %d, want %d", len(reqs), len(tests))
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := reqs[i]
			if req.Entry != callsite.EntryCallSite {
				t.Errorf("entry: got %q", req.Entry)
			}
			if req.Name != tt.name || req.OwnerName != tt.owner || callsite.Kind(req.KindOrdinal) != tt.kind {
				t.Errorf("got %s %s kind %d, want %s %s %v", req.Name, req.OwnerName, req.KindOrdinal, tt.name, tt.owner, tt.kind)
			}
			if got := req.InvokedType.String(); got != tt.invoked {
				t.Errorf("invoked type: got %s, want %s", got, tt.invoked)
			}
			if got := req.Signature.String(); got != tt.sig {
				t.Errorf("signature: got %s, want %s", got, tt.sig)
			}
			d := req.Descriptor()
			wantArity := len(d.Type.Params)
			if d.Kind != callsite.Static {
				wantArity++
			}
			if len(req.InvokedType.Params) != wantArity {
				t.Errorf("arity: got %d, want %d", len(req.InvokedType.Params), wantArity)
			}
		})
	}
}

func TestConstructionFusion(t *testing.T) {
	b := classfile.NewBuilder("Factory", "java/lang/Object")
	point := b.Class("Point")
	pointInit := b.Methodref("Point", "<init>", "(II)V")
	outer := b.Class("Outer")
	outerInit := b.Methodref("Outer", "<init>", "(LInner;)V")
	inner := b.Class("Inner")
	innerInit := b.Methodref("Inner", "<init>", "()V")
	b.Method(classfile.AccStatic, "make", "()LPoint;", 4, 0, asm(
		bytecode.OpNew, point, bytecode.OpDup, bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpInvokespecial, pointInit, bytecode.OpAreturn,
	))
	b.Method(classfile.AccStatic, "discard", "()V", 3, 0, asm(
		bytecode.OpNew, point, bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpInvokespecial, pointInit, bytecode.OpReturn,
	))
	b.Method(classfile.AccStatic, "nested", "()LOuter;", 4, 0, asm(
		bytecode.OpNew, outer, bytecode.OpDup, bytecode.OpNew, inner, bytecode.OpDup, bytecode.OpInvokespecial, innerInit, bytecode.OpInvokespecial, outerInit, bytecode.OpAreturn,
	))
	cf := rewriteOK(t, assemble(t, b))

	t.Run("with dup", func(t *testing.T) {
		insns, m := method(t, cf, "make")
		want := []string{"iconst_1", "iconst_2", "invokedynamic", "areturn"}
		if got := mnemonics(insns); !sameStrings(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		req := sites(t, cf, insns)[0]
		if req.Name != callsite.ConstructorName || callsite.Kind(req.KindOrdinal) != callsite.Construct {
			t.Errorf("got %s kind %d, want init Construct", req.Name, req.KindOrdinal)
		}
		if got := req.InvokedType.String(); got != "(II)LPoint;" {
			t.Errorf("invoked type: got %s, want (II)LPoint;", got)
		}
		if got := req.Descriptor().Name; got != "<init>" {
			t.Errorf("descriptor name: got %s, want <init>", got)
		}
		if m.Code.MaxStack > 4 {
			t.Errorf("max stack grew to %d", m.Code.MaxStack)
		}
	})

	t.Run("without dup", func(t *testing.T) {
		insns, _ := method(t, cf, "discard")
		want := []string{"iconst_1", "iconst_2", "invokedynamic", "pop", "return"}
		if got := mnemonics(insns); !sameStrings(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("nested", func(t *testing.T) {
		insns, _ := method(t, cf, "nested")
		want := []string{"invokedynamic", "invokedynamic", "areturn"}
		if got := mnemonics(insns); !sameStrings(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		reqs := sites(t, cf, insns)
		if reqs[0].OwnerName != "Inner" || reqs[1].OwnerName != "Outer" {
			t.Errorf("owners: got %s, %s, want Inner, Outer", reqs[0].OwnerName, reqs[1].OwnerName)
		}
		if got := reqs[1].InvokedType.String(); got != "(LInner;)LOuter;" {
			t.Errorf("outer invoked type: got %s", got)
		}
	})
}

func TestConstructorKeepsSuperCall(t *testing.T) {
	b := classfile.NewBuilder("Widget", "Base")
	baseInit := b.Methodref("Base", "<init>", "()V")
	part := b.Class("Part")
	partInit := b.Methodref("Part", "<init>", "()V")
	b.Method(classfile.AccPublic, "<init>", "()V", 2, 1, asm(
		bytecode.OpAload0, bytecode.OpInvokespecial, baseInit,
		bytecode.OpNew, part, bytecode.OpDup, bytecode.OpInvokespecial, partInit, bytecode.OpPop,
		bytecode.OpReturn,
	))
	cf := rewriteOK(t, assemble(t, b))
	insns, _ := method(t, cf, "<init>")
	want := []string{"aload_0", "invokespecial", "invokedynamic", "pop", "return"}
	if got := mnemonics(insns); !sameStrings(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got := insns[1].Index(); got != baseInit {
		t.Errorf("super call index: got %d, want %d", got, baseInit)
	}
}

func TestConstructorDelegatesToThis(t *testing.T) {
	b := classfile.NewBuilder("Widget", "Base")
	self := b.Methodref("Widget", "<init>", "(I)V")
	b.Method(classfile.AccPublic, "<init>", "()V", 2, 1, asm(
		bytecode.OpAload0, bytecode.OpIconst1, bytecode.OpInvokespecial, self, bytecode.OpReturn,
	))
	cf := rewriteOK(t, assemble(t, b))
	insns, _ := method(t, cf, "<init>")
	want := []string{"aload_0", "iconst_1", "invokespecial", "return"}
	if got := mnemonics(insns); !sameStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStructuralCheckConstructions(t *testing.T) {
	tests := []struct {
		name   string
		method string
		owner  string
		policy Policy
		ok     bool
	}{
		{"super call", "<init>", "Base", nil, true},
		{"this call", "<init>", "Widget", nil, true},
		{"foreign receiver initializer", "<init>", "Victim", nil, false},
		{"initializer outside a constructor", "m", "Base", nil, false},
		{"excluded owner", "<init>", "Victim", ExcludeOwners("Victim"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := classfile.NewBuilder("Widget", "Base")
			ctor := b.Methodref(tt.owner, "<init>", "()V")
			b.Method(classfile.AccPublic, tt.method, "()V", 1, 1, asm(bytecode.OpAload0, bytecode.OpInvokespecial, ctor, bytecode.OpReturn))
			cf, err := classfile.ParseBytes(assemble(t, b))
			if err != nil {
				t.Fatal(err)
			}
			err = StructuralCheck{Policy: tt.policy}.Verify(cf)
			if tt.ok && err != nil {
				t.Errorf("Verify: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("Verify accepted a direct initializer call")
			}
		})
	}
}

func TestStackShapeErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		build  func(b *classfile.Builder) []byte
		want   error
		offset int
	}{
		{"owner mismatch", "m", func(b *classfile.Builder) []byte {
			return asm(bytecode.OpNew, b.Class("A"), bytecode.OpDup, bytecode.OpInvokespecial, b.Methodref("B", "<init>", "()V"), bytecode.OpPop, bytecode.OpReturn)
		}, ErrStackShape, 4},
		{"initializer without new", "m", func(b *classfile.Builder) []byte {
			return asm(bytecode.OpAload0, bytecode.OpInvokespecial, b.Methodref("java/lang/Object", "<init>", "()V"), bytecode.OpReturn)
		}, ErrStackShape, 1},
		{"never initialized", "m", func(b *classfile.Builder) []byte {
			return asm(bytecode.OpNew, b.Class("A"), bytecode.OpDup, bytecode.OpPop, bytecode.OpPop, bytecode.OpReturn)
		}, ErrStackShape, 0},
		{"dup_x1 after new", "m", func(b *classfile.Builder) []byte {
			return asm(bytecode.OpAconstNull, bytecode.OpNew, b.Class("A"), bytecode.OpDupX1, bytecode.OpPop, bytecode.OpPop, bytecode.OpPop, bytecode.OpReturn)
		}, ErrUnsupported, 1},
		{"swap after new", "m", func(b *classfile.Builder) []byte {
			return asm(bytecode.OpAconstNull, bytecode.OpNew, b.Class("A"), bytecode.OpSwap, bytecode.OpPop, bytecode.OpPop, bytecode.OpReturn)
		}, ErrUnsupported, 1},
		{"foreign initializer on the receiver", "<init>", func(b *classfile.Builder) []byte {
			return asm(bytecode.OpAload0, bytecode.OpInvokespecial, b.Methodref("Victim", "<init>", "()V"), bytecode.OpReturn)
		}, ErrStackShape, 1},
		{"second super call", "<init>", func(b *classfile.Builder) []byte {
			objInit := b.Methodref("java/lang/Object", "<init>", "()V")
			return asm(bytecode.OpAload0, bytecode.OpInvokespecial, objInit, bytecode.OpAload0, bytecode.OpInvokespecial, objInit, bytecode.OpReturn)
		}, ErrStackShape, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := classfile.NewBuilder("Broken", "java/lang/Object")
			flags := uint16(classfile.AccPublic)
			desc := "()V"
			b.Method(flags, tt.method, desc, 4, 1, tt.build(b))
			out, err := Rewrite("Broken", assemble(t, b), nil)
			if out != nil {
				t.Errorf("got %d bytes of output alongside an error", len(out))
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var re *RewriteError
			if !errors.As(err, &re) {
				t.Fatalf("got %T, want *RewriteError", err)
			}
			if re.Unit != "Broken" || re.Method != tt.method+desc || re.Offset != tt.offset {
				t.Errorf("location: got %s %s at %d, want Broken %s at %d", re.Unit, re.Method, re.Offset, tt.method+desc, tt.offset)
			}
		})
	}
}

func TestExistingDynamicSitesRejected(t *testing.T) {
	t.Run("invokedynamic", func(t *testing.T) {
		b := classfile.NewBuilder("Lambda", "java/lang/Object")
		bsm := b.MethodHandle(classfile.RefInvokeStatic, b.Methodref("java/lang/invoke/LambdaMetafactory", "metafactory", "()V"))
		indy := b.InvokeDynamic(bsm, "run", "()Ljava/lang/Runnable;")
		b.Method(classfile.AccStatic, "m", "()V", 1, 0, asm(bytecode.OpInvokedynamic, indy, 0, 0, bytecode.OpPop, bytecode.OpReturn))
		out, err := Rewrite("Lambda", assemble(t, b), nil)
		if !errors.Is(err, ErrUnsupported) || out != nil {
			t.Errorf("got (%d bytes, %v), want ErrUnsupported and no output", len(out), err)
		}
	})
	t.Run("dynamic constant", func(t *testing.T) {
		b := classfile.NewBuilder("Condy", "java/lang/Object")
		bsm := b.MethodHandle(classfile.RefInvokeStatic, b.Methodref("Boot", "constant", "()V"))
		cf, err := b.ClassFile()
		if err != nil {
			t.Fatal(err)
		}
		pool := classfile.NewPool(cf)
		nat, err := pool.NameAndType("value", "I")
		if err != nil {
			t.Fatal(err)
		}
		cf.ConstantPool = append(cf.ConstantPool, &classfile.ConstantDynamic{
			Kind:                     classfile.TagDynamic,
			BootstrapMethodAttrIndex: pool.Bootstrap(bsm),
			NameAndTypeIndex:         nat,
		})
		condy := uint16(len(cf.ConstantPool) - 1)
		b.Method(classfile.AccStatic, "m", "()I", 1, 0, asm(bytecode.OpLdcW, condy, bytecode.OpIreturn))
		out, err := Rewrite("Condy", assemble(t, b), nil)
		if !errors.Is(err, ErrUnsupported) || out != nil {
			t.Errorf("got (%d bytes, %v), want ErrUnsupported and no output", len(out), err)
		}
	})
}

func TestMethodHandleLoads(t *testing.T) {
	b := classfile.NewBuilder("Handles", "java/lang/Object")
	static := b.MethodHandle(classfile.RefInvokeStatic, b.Methodref("Util", "add", "(II)I"))
	ctor := b.MethodHandle(classfile.RefNewInvokeSpecial, b.Methodref("Point", "<init>", "(II)V"))
	virtual := b.MethodHandle(classfile.RefInvokeVirtual, b.Methodref("java/lang/Object", "toString", "()Ljava/lang/String;"))
	b.Method(classfile.AccStatic, "handles", "()V", 1, 0, asm(
		bytecode.OpLdc, int(static), bytecode.OpPop,
		bytecode.OpLdcW, ctor, bytecode.OpPop,
		bytecode.OpLdcW, virtual, bytecode.OpPop,
		bytecode.OpReturn,
	))
	cf := rewriteOK(t, assemble(t, b))
	insns, _ := method(t, cf, "handles")
	reqs := sites(t, cf, insns)
	if len(reqs) != 3 {
		t.Fatalf("call sites: got %d, want 3", len(reqs))
	}
	tests := []struct {
		name, owner, sig string
		kind             callsite.Kind
	}{
		{"add", "Util", "(II)I", callsite.Static},
		{"init", "Point", "(II)V", callsite.Construct},
		{"toString", "java.lang.Object", "()Ljava/lang/String;", callsite.Virtual},
	}
	for i, tt := range tests {
		req := reqs[i]
		if req.Entry != callsite.EntryHandle {
			t.Errorf("%s: entry got %q, want %q", tt.name, req.Entry, callsite.EntryHandle)
		}
		if got := req.InvokedType.String(); got != "()Ljava/lang/invoke/MethodHandle;" {
			t.Errorf("%s: invoked type %s", tt.name, got)
		}
		if req.Name != tt.name || req.OwnerName != tt.owner || req.Signature.String() != tt.sig || callsite.Kind(req.KindOrdinal) != tt.kind {
			t.Errorf("%s: got %+v", tt.name, req)
		}
	}

	t.Run("field handle", func(t *testing.T) {
		b := classfile.NewBuilder("Fields", "java/lang/Object")
		getter := b.MethodHandle(classfile.RefGetStatic, b.Fieldref("java/lang/System", "out", "Ljava/io/PrintStream;"))
		b.Method(classfile.AccStatic, "m", "()V", 1, 0, asm(bytecode.OpLdcW, getter, bytecode.OpPop, bytecode.OpReturn))
		if _, err := Rewrite("Fields", assemble(t, b), nil); !errors.Is(err, ErrUnsupported) {
			t.Errorf("got %v, want ErrUnsupported", err)
		}
	})
}

func TestBranchRelocation(t *testing.T) {
	b := classfile.NewBuilder("Loop", "java/lang/Object")
	tick := b.Methodref("Util", "tick", "(I)V")
	b.Method(classfile.AccStatic, "loop", "()V", 2, 1, asm(
		bytecode.OpIconst0, bytecode.OpIstore0, // 0, 1
		bytecode.OpIload0, bytecode.OpBipush, 10, // 2, 3
		bytecode.OpIfIcmpge, int16(13), // 5 -> 18
		bytecode.OpIload0, bytecode.OpInvokestatic, tick, // 8, 9
		bytecode.OpIinc, 0, 1, // 12
		bytecode.OpGoto, int16(-13), // 15 -> 2
		bytecode.OpReturn, // 18
	))
	cf := rewriteOK(t, assemble(t, b))
	_, m := method(t, cf, "loop")
	code := m.Code.Code
	if len(code) != 21 {
		t.Fatalf("code length: got %d, want 21", len(code))
	}
	if got, want := code[5:8], []byte{bytecode.OpIfIcmpge, 0x00, 0x0F}; !bytes.Equal(got, want) {
		t.Errorf("if_icmpge: got % x, want % x", got, want)
	}
	if got, want := code[17:21], []byte{bytecode.OpGoto, 0xFF, 0xF1, bytecode.OpReturn}; !bytes.Equal(got, want) {
		t.Errorf("goto: got % x, want % x", got, want)
	}
}

func TestExceptionTableAndDebugAttributes(t *testing.T) {
	b := classfile.NewBuilder("Guarded", "java/lang/Object")
	check := b.Methodref("Util", "check", "(I)V")
	exc := b.Class("java/lang/Exception")
	name, desc := b.Utf8("x"), b.Utf8("I")
	// The invokestatic is at offset 1 and the handler at 5.
	b.Method(classfile.AccStatic, "guarded", "(I)V", 1, 2, asm(
		bytecode.OpIload0, bytecode.OpInvokestatic, check,
		bytecode.OpReturn,
		bytecode.OpAstore1,
		bytecode.OpReturn,
	), classfile.ExceptionHandler{StartPC: 0, EndPC: 4, HandlerPC: 5, CatchType: exc})
	cf, err := b.ClassFile()
	if err != nil {
		t.Fatal(err)
	}
	cf.Methods[0].Code.Attributes = []classfile.AttributeInfo{
		{Name: "LineNumberTable", Data: asm(uint16(2), uint16(0), uint16(10), uint16(5), uint16(12))},
		{Name: "LocalVariableTable", Data: asm(uint16(1), uint16(0), uint16(7), name, desc, uint16(0))},
		{Name: "StackMapTable", Data: []byte{0, 1, 0xFF}},
	}
	data, err := cf.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	out := rewriteOK(t, data)
	code := out.FindMethodByName("guarded").Code
	if len(code.Code) != 9 {
		t.Fatalf("code length: got %d, want 9", len(code.Code))
	}
	if len(code.ExceptionHandlers) != 1 {
		t.Fatalf("handlers: got %d, want 1", len(code.ExceptionHandlers))
	}
	want := classfile.ExceptionHandler{StartPC: 0, EndPC: 6, HandlerPC: 7, CatchType: exc}
	if got := code.ExceptionHandlers[0]; got != want {
		t.Errorf("handler: got %+v, want %+v", got, want)
	}

	attrs := map[string][]byte{}
	for _, a := range code.Attributes {
		attrs[a.Name] = a.Data
	}
	if _, ok := attrs["StackMapTable"]; ok {
		t.Error("StackMapTable survived the rewrite")
	}
	if got, want := attrs["LineNumberTable"], asm(uint16(2), uint16(0), uint16(10), uint16(7), uint16(12)); !bytes.Equal(got, want) {
		t.Errorf("LineNumberTable: got % x, want % x", got, want)
	}
	if got, want := attrs["LocalVariableTable"], asm(uint16(1), uint16(0), uint16(9), name, desc, uint16(0)); !bytes.Equal(got, want) {
		t.Errorf("LocalVariableTable: got % x, want % x", got, want)
	}
}

func TestBranchRange(t *testing.T) {
	const n = 10000 // 3-byte invokes that grow to 5 bytes each
	t.Run("conditional", func(t *testing.T) {
		b := classfile.NewBuilder("Far", "java/lang/Object")
		tick := b.Methodref("Util", "tick", "()V")
		code := asm(bytecode.OpIconst0, bytecode.OpIconst1, bytecode.OpIfIcmpge, int16(3+3*n))
		for i := 0; i < n; i++ {
			code = append(code, asm(bytecode.OpInvokestatic, tick)...)
		}
		code = append(code, bytecode.OpReturn)
		b.Method(classfile.AccStatic, "far", "()V", 2, 0, code)
		out, err := Rewrite("Far", assemble(t, b), nil)
		if !errors.Is(err, ErrBranchRange) || out != nil {
			t.Errorf("got (%d bytes, %v), want ErrBranchRange", len(out), err)
		}
	})
	t.Run("goto widens", func(t *testing.T) {
		b := classfile.NewBuilder("Far", "java/lang/Object")
		tick := b.Methodref("Util", "tick", "()V")
		code := asm(bytecode.OpGoto, int16(3+3*n))
		for i := 0; i < n; i++ {
			code = append(code, asm(bytecode.OpInvokestatic, tick)...)
		}
		code = append(code, bytecode.OpReturn)
		b.Method(classfile.AccStatic, "far", "()V", 0, 0, code)
		cf := rewriteOK(t, assemble(t, b))
		insns, _ := method(t, cf, "far")
		if insns[0].Opcode != bytecode.OpGotoW {
			t.Fatalf("first instruction: got %s, want goto_w", bytecode.Mnemonic(insns[0].Opcode))
		}
		if got := insns[insns[0].Target].Opcode; got != bytecode.OpReturn {
			t.Errorf("goto_w lands on %s, want return", bytecode.Mnemonic(got))
		}
	})
}

func TestExcludeOwners(t *testing.T) {
	b := classfile.NewBuilder("Mixed", "java/lang/Object")
	out := b.Fieldref("java/lang/System", "out", "Ljava/io/PrintStream;")
	println := b.Methodref("java/io/PrintStream", "println", "(I)V")
	add := b.Methodref("Util", "add", "(II)I")
	sb := b.Class("java/lang/StringBuilder")
	sbInit := b.Methodref("java/lang/StringBuilder", "<init>", "()V")
	b.Method(classfile.AccStatic, "m", "()V", 3, 0, asm(
		bytecode.OpGetstatic, out, bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpInvokestatic, add, bytecode.OpInvokevirtual, println,
		bytecode.OpNew, sb, bytecode.OpDup, bytecode.OpInvokespecial, sbInit, bytecode.OpPop,
		bytecode.OpReturn,
	))
	data, stats, err := New(WithPolicy(ExcludeOwners("java/"))).RewriteStats("Mixed", assemble(t, b))
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if stats.Invocations != 1 || stats.Skipped != 2 || stats.Constructions != 0 {
		t.Errorf("stats: got %+v, want 1 invocation and 2 skipped", stats)
	}
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	insns, _ := method(t, cf, "m")
	want := []string{
		"getstatic", "iconst_1", "iconst_2", "invokedynamic", "invokevirtual",
		"new", "dup", "invokespecial", "pop",
		"return",
	}
	if got := mnemonics(insns); !sameStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRewriteDoesNotTouchInput(t *testing.T) {
	b := classfile.NewBuilder("Pure", "java/lang/Object")
	add := b.Methodref("Util", "add", "(II)I")
	b.Method(classfile.AccStatic, "m", "()I", 2, 0, asm(bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpInvokestatic, add, bytecode.OpIreturn))
	data := assemble(t, b)
	orig := bytes.Clone(data)
	if _, err := Rewrite("Pure", data, nil); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, orig) {
		t.Error("input bytes were modified")
	}
}

func TestUntouchedClassKeepsVersion(t *testing.T) {
	b := classfile.NewBuilder("Plain", "java/lang/Object").Version(49, 0)
	b.Method(classfile.AccStatic, "m", "()I", 2, 0, asm(bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpIadd, bytecode.OpIreturn))
	cf := rewriteOK(t, assemble(t, b))
	if cf.MajorVersion != 49 {
		t.Errorf("major version: got %d, want 49", cf.MajorVersion)
	}
	if got := cf.FindMethodByName("m").Code.Code; !bytes.Equal(got, []byte{bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpIadd, bytecode.OpIreturn}) {
		t.Errorf("code changed: % x", got)
	}
}

func TestVerifierStage(t *testing.T) {
	b := classfile.NewBuilder("Checked", "java/lang/Object")
	add := b.Methodref("Util", "add", "(II)I")
	b.Method(classfile.AccStatic, "m", "()I", 2, 0, asm(bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpInvokestatic, add, bytecode.OpIreturn))
	data := assemble(t, b)

	reject := errors.New("rejected")
	out, err := New(WithVerifier(VerifierFunc(func(*classfile.ClassFile) error { return reject }))).Rewrite("Checked", data)
	if !errors.Is(err, reject) || out != nil {
		t.Errorf("got (%d bytes, %v), want the verifier's error", len(out), err)
	}

	// A check run with a stricter policy than the rewrite finds the
	// direct call the rewrite left behind.
	_, err = New(
		WithPolicy(ExcludeOwners("Util")),
		WithVerifier(StructuralCheck{Policy: InterceptAll}),
	).Rewrite("Checked", data)
	if err == nil {
		t.Error("expected the structural check to report the residual invokestatic")
	}
}

func TestMalformedInput(t *testing.T) {
	_, err := Rewrite("junk", []byte{0xCA, 0xFE}, nil)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("got %v, want ErrMalformed", err)
	}
}

func TestRuntimeClassOption(t *testing.T) {
	b := classfile.NewBuilder("Custom", "java/lang/Object")
	add := b.Methodref("Util", "add", "(II)I")
	b.Method(classfile.AccStatic, "m", "()I", 2, 0, asm(bytecode.OpIconst1, bytecode.OpIconst2, bytecode.OpInvokestatic, add, bytecode.OpIreturn))
	cf := rewriteOK(t, assemble(t, b), WithRuntimeClass("my/Boot"))
	insns, _ := method(t, cf, "m")
	idx := insns[2].Index()
	if _, err := DecodeSite(cf, idx, "my/Boot"); err != nil {
		t.Errorf("DecodeSite with the configured class: %v", err)
	}
	if _, err := DecodeSite(cf, idx, DefaultRuntimeClass); !errors.Is(err, ErrForeignSite) {
		t.Errorf("DecodeSite with another class: got %v, want ErrForeignSite", err)
	}
}
