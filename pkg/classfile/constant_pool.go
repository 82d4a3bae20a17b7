package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf16"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// parseConstantPool reads constant_pool_count-1 entries from the reader.
// The returned slice is 1-indexed: index 0 is nil, as is the slot after
// every Long and Double.
func parseConstantPool(r io.Reader, count uint16) ([]ConstantPoolEntry, error) {
	pool := make([]ConstantPoolEntry, count)

	for i := uint16(1); i < count; i++ {
		var tag uint8
		if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
			return nil, fmt.Errorf("reading constant pool tag at index %d: %w", i, err)
		}

		switch tag {
		case TagUtf8:
			var length uint16
			if err := binary.Read(r, binary.BigEndian, &length); err != nil {
				return nil, fmt.Errorf("reading Utf8 length at index %d: %w", i, err)
			}
			bytes := make([]byte, length)
			if _, err := io.ReadFull(r, bytes); err != nil {
				return nil, fmt.Errorf("reading Utf8 bytes at index %d: %w", i, err)
			}
			pool[i] = &ConstantUtf8{Value: decodeModifiedUTF8(bytes)}

		case TagInteger:
			var val int32
			if err := binary.Read(r, binary.BigEndian, &val); err != nil {
				return nil, fmt.Errorf("reading Integer at index %d: %w", i, err)
			}
			pool[i] = &ConstantInteger{Value: val}

		case TagFloat:
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, fmt.Errorf("reading Float at index %d: %w", i, err)
			}
			pool[i] = &ConstantFloat{Value: math.Float32frombits(bits)}

		case TagLong:
			var val int64
			if err := binary.Read(r, binary.BigEndian, &val); err != nil {
				return nil, fmt.Errorf("reading Long at index %d: %w", i, err)
			}
			pool[i] = &ConstantLong{Value: val}
			i++ // long takes 2 slots

		case TagDouble:
			var bits uint64
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, fmt.Errorf("reading Double at index %d: %w", i, err)
			}
			pool[i] = &ConstantDouble{Value: math.Float64frombits(bits)}
			i++ // double takes 2 slots

		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			var index uint16
			if err := binary.Read(r, binary.BigEndian, &index); err != nil {
				return nil, fmt.Errorf("reading tag %d at index %d: %w", tag, i, err)
			}
			switch tag {
			case TagClass:
				pool[i] = &ConstantClass{NameIndex: index}
			case TagString:
				pool[i] = &ConstantString{StringIndex: index}
			case TagMethodType:
				pool[i] = &ConstantMethodType{DescriptorIndex: index}
			default:
				pool[i] = &ConstantModule{Kind: tag, NameIndex: index}
			}

		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType, TagDynamic, TagInvokeDynamic:
			var first, second uint16
			if err := binary.Read(r, binary.BigEndian, &first); err != nil {
				return nil, fmt.Errorf("reading tag %d at index %d: %w", tag, i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &second); err != nil {
				return nil, fmt.Errorf("reading tag %d at index %d: %w", tag, i, err)
			}
			switch tag {
			case TagFieldref:
				pool[i] = &ConstantFieldref{ClassIndex: first, NameAndTypeIndex: second}
			case TagMethodref:
				pool[i] = &ConstantMethodref{ClassIndex: first, NameAndTypeIndex: second}
			case TagInterfaceMethodref:
				pool[i] = &ConstantInterfaceMethodref{ClassIndex: first, NameAndTypeIndex: second}
			case TagNameAndType:
				pool[i] = &ConstantNameAndType{NameIndex: first, DescriptorIndex: second}
			default:
				pool[i] = &ConstantDynamic{Kind: tag, BootstrapMethodAttrIndex: first, NameAndTypeIndex: second}
			}

		case TagMethodHandle:
			var kind uint8
			var refIndex uint16
			if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
				return nil, fmt.Errorf("reading MethodHandle kind at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &refIndex); err != nil {
				return nil, fmt.Errorf("reading MethodHandle reference at index %d: %w", i, err)
			}
			pool[i] = &ConstantMethodHandle{ReferenceKind: kind, ReferenceIndex: refIndex}

		default:
			return nil, fmt.Errorf("unknown constant pool tag %d at index %d", tag, i)
		}
	}

	return pool, nil
}

func entry(pool []ConstantPoolEntry, index uint16) (ConstantPoolEntry, error) {
	if int(index) >= len(pool) || pool[index] == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", index)
	}
	return pool[index], nil
}

// GetUtf8 returns the Utf8 string at the given constant pool index.
func GetUtf8(pool []ConstantPoolEntry, index uint16) (string, error) {
	e, err := entry(pool, index)
	if err != nil {
		return "", err
	}
	utf8, ok := e.(*ConstantUtf8)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Utf8 (tag=%d)", index, e.Tag())
	}
	return utf8.Value, nil
}

// GetClassName returns the class name referenced by a CONSTANT_Class entry.
func GetClassName(pool []ConstantPoolEntry, classIndex uint16) (string, error) {
	e, err := entry(pool, classIndex)
	if err != nil {
		return "", err
	}
	class, ok := e.(*ConstantClass)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Class", classIndex)
	}
	return GetUtf8(pool, class.NameIndex)
}

// GetNameAndType returns the name and descriptor of a CONSTANT_NameAndType entry.
func GetNameAndType(pool []ConstantPoolEntry, index uint16) (name, descriptor string, err error) {
	e, err := entry(pool, index)
	if err != nil {
		return "", "", fmt.Errorf("invalid NameAndType index %d", index)
	}
	nat, ok := e.(*ConstantNameAndType)
	if !ok {
		return "", "", fmt.Errorf("constant pool index %d is not NameAndType", index)
	}
	if name, err = GetUtf8(pool, nat.NameIndex); err != nil {
		return "", "", fmt.Errorf("resolving name: %w", err)
	}
	if descriptor, err = GetUtf8(pool, nat.DescriptorIndex); err != nil {
		return "", "", fmt.Errorf("resolving descriptor: %w", err)
	}
	return name, descriptor, nil
}

// MethodRefInfo holds resolved method reference info.
type MethodRefInfo struct {
	ClassName  string
	MethodName string
	Descriptor string
	Interface  bool
}

// ResolveMethodref resolves a CONSTANT_Methodref entry.
func ResolveMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	e, err := entry(pool, index)
	if err != nil {
		return nil, err
	}
	mref, ok := e.(*ConstantMethodref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not Methodref", index)
	}
	return resolveMember(pool, "Methodref", mref.ClassIndex, mref.NameAndTypeIndex, false)
}

// ResolveInterfaceMethodref resolves a CONSTANT_InterfaceMethodref entry.
func ResolveInterfaceMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	e, err := entry(pool, index)
	if err != nil {
		return nil, err
	}
	mref, ok := e.(*ConstantInterfaceMethodref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not InterfaceMethodref", index)
	}
	return resolveMember(pool, "InterfaceMethodref", mref.ClassIndex, mref.NameAndTypeIndex, true)
}

// ResolveAnyMethodref resolves either a Methodref or an InterfaceMethodref.
// invokestatic and invokespecial may reference both.
func ResolveAnyMethodref(pool []ConstantPoolEntry, index uint16) (*MethodRefInfo, error) {
	e, err := entry(pool, index)
	if err != nil {
		return nil, err
	}
	if _, ok := e.(*ConstantInterfaceMethodref); ok {
		return ResolveInterfaceMethodref(pool, index)
	}
	return ResolveMethodref(pool, index)
}

func resolveMember(pool []ConstantPoolEntry, what string, classIndex, natIndex uint16, itf bool) (*MethodRefInfo, error) {
	className, err := GetClassName(pool, classIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving %s class: %w", what, err)
	}
	name, descriptor, err := GetNameAndType(pool, natIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", what, err)
	}
	return &MethodRefInfo{
		ClassName:  className,
		MethodName: name,
		Descriptor: descriptor,
		Interface:  itf,
	}, nil
}

// FieldRefInfo holds resolved field reference info.
type FieldRefInfo struct {
	ClassName  string
	FieldName  string
	Descriptor string
}

// ResolveFieldref resolves a CONSTANT_Fieldref entry.
func ResolveFieldref(pool []ConstantPoolEntry, index uint16) (*FieldRefInfo, error) {
	e, err := entry(pool, index)
	if err != nil {
		return nil, err
	}
	fref, ok := e.(*ConstantFieldref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not Fieldref", index)
	}
	m, err := resolveMember(pool, "Fieldref", fref.ClassIndex, fref.NameAndTypeIndex, false)
	if err != nil {
		return nil, err
	}
	return &FieldRefInfo{ClassName: m.ClassName, FieldName: m.MethodName, Descriptor: m.Descriptor}, nil
}

// MethodHandleInfo holds a resolved CONSTANT_MethodHandle entry.
type MethodHandleInfo struct {
	Kind uint8
	Ref  *MethodRefInfo
}

// IsField reports whether the handle references a field accessor.
func (h *MethodHandleInfo) IsField() bool { return h.Kind <= RefPutStatic }

// ResolveMethodHandle resolves a CONSTANT_MethodHandle entry and the member it references.
func ResolveMethodHandle(pool []ConstantPoolEntry, index uint16) (*MethodHandleInfo, error) {
	e, err := entry(pool, index)
	if err != nil {
		return nil, err
	}
	mh, ok := e.(*ConstantMethodHandle)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not MethodHandle", index)
	}
	if mh.ReferenceKind < RefGetField || mh.ReferenceKind > RefInvokeInterface {
		return nil, fmt.Errorf("MethodHandle at index %d has invalid reference kind %d", index, mh.ReferenceKind)
	}

	target, err := entry(pool, mh.ReferenceIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving MethodHandle reference: %w", err)
	}
	var ref *MethodRefInfo
	switch t := target.(type) {
	case *ConstantFieldref:
		ref, err = resolveMember(pool, "Fieldref", t.ClassIndex, t.NameAndTypeIndex, false)
	case *ConstantMethodref:
		ref, err = resolveMember(pool, "Methodref", t.ClassIndex, t.NameAndTypeIndex, false)
	case *ConstantInterfaceMethodref:
		ref, err = resolveMember(pool, "InterfaceMethodref", t.ClassIndex, t.NameAndTypeIndex, true)
	default:
		return nil, fmt.Errorf("MethodHandle at index %d references tag %d", index, target.Tag())
	}
	if err != nil {
		return nil, err
	}
	return &MethodHandleInfo{Kind: mh.ReferenceKind, Ref: ref}, nil
}

// InvokeDynamicInfo holds a resolved CONSTANT_InvokeDynamic entry.
type InvokeDynamicInfo struct {
	BootstrapIndex uint16
	Name           string
	Descriptor     string
}

// ResolveInvokeDynamic resolves a CONSTANT_InvokeDynamic entry.
func ResolveInvokeDynamic(pool []ConstantPoolEntry, index uint16) (*InvokeDynamicInfo, error) {
	e, err := entry(pool, index)
	if err != nil {
		return nil, err
	}
	indy, ok := e.(*ConstantDynamic)
	if !ok || indy.Kind != TagInvokeDynamic {
		return nil, fmt.Errorf("constant pool index %d is not InvokeDynamic", index)
	}
	name, descriptor, err := GetNameAndType(pool, indy.NameAndTypeIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving InvokeDynamic: %w", err)
	}
	return &InvokeDynamicInfo{
		BootstrapIndex: indy.BootstrapMethodAttrIndex,
		Name:           name,
		Descriptor:     descriptor,
	}, nil
}

// decodeModifiedUTF8 converts the class file's modified UTF-8 into a Go
// string. Only the two-byte NUL form and surrogate pairs differ from UTF-8.
func decodeModifiedUTF8(b []byte) string {
	ascii := true
	for _, c := range b {
		if c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b)
	}

	units := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			units = append(units, uint16(c))
			i++
		case c&0xE0 == 0xC0 && i+1 < len(b):
			units = append(units, uint16(c&0x1F)<<6|uint16(b[i+1]&0x3F))
			i += 2
		case c&0xF0 == 0xE0 && i+2 < len(b):
			units = append(units, uint16(c&0x0F)<<12|uint16(b[i+1]&0x3F)<<6|uint16(b[i+2]&0x3F))
			i += 3
		default:
			units = append(units, 0xFFFD)
			i++
		}
	}
	return string(utf16.Decode(units))
}

// encodeModifiedUTF8 is the inverse of decodeModifiedUTF8.
func encodeModifiedUTF8(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		switch {
		case r != 0 && r < 0x80:
			out = append(out, byte(r))
		case r < 0x800:
			out = append(out, 0xC0|byte(r>>6), 0x80|byte(r&0x3F))
		case r < 0x10000:
			out = append(out, 0xE0|byte(r>>12), 0x80|byte((r>>6)&0x3F), 0x80|byte(r&0x3F))
		default:
			r -= 0x10000
			hi := 0xD800 + (r >> 10)
			lo := 0xDC00 + (r & 0x3FF)
			out = append(out, 0xE0|byte(hi>>12), 0x80|byte((hi>>6)&0x3F), 0x80|byte(hi&0x3F))
			out = append(out, 0xE0|byte(lo>>12), 0x80|byte((lo>>6)&0x3F), 0x80|byte(lo&0x3F))
		}
	}
	return out
}
