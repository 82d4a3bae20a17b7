package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// encoder accumulates big-endian class file data.
type encoder struct {
	buf []byte
}

func (e *encoder) u1(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u2(v uint16)  { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u4(v uint32)  { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) raw(b []byte) { e.buf = append(e.buf, b...) }

// Bytes serializes the class file. Missing Utf8 entries for member names
// and attribute names are appended to the constant pool first, so cf's
// pool may grow.
func (cf *ClassFile) Bytes() ([]byte, error) {
	p := NewPool(cf)
	body, err := cf.encodeBody(p)
	if err != nil {
		return nil, err
	}

	// The pool is written after the body is encoded because encoding the
	// body may add entries to it.
	e := &encoder{}
	e.u4(classMagic)
	e.u2(cf.MinorVersion)
	e.u2(cf.MajorVersion)
	if err := encodePool(e, cf.ConstantPool); err != nil {
		return nil, err
	}
	e.raw(body)
	return e.buf, nil
}

// Write serializes cf to w.
func Write(w io.Writer, cf *ClassFile) error {
	data, err := cf.Bytes()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func encodePool(e *encoder, pool []ConstantPoolEntry) error {
	if len(pool) > maxPoolCount {
		return fmt.Errorf("constant pool overflow: %d entries", len(pool))
	}
	e.u2(uint16(len(pool)))
	for i := 1; i < len(pool); i++ {
		c := pool[i]
		if c == nil {
			// second slot of a long or double
			continue
		}
		e.u1(c.Tag())
		switch c := c.(type) {
		case *ConstantUtf8:
			b := encodeModifiedUTF8(c.Value)
			if len(b) > math.MaxUint16 {
				return fmt.Errorf("Utf8 at index %d too long: %d bytes", i, len(b))
			}
			e.u2(uint16(len(b)))
			e.raw(b)
		case *ConstantInteger:
			e.u4(uint32(c.Value))
		case *ConstantFloat:
			e.u4(math.Float32bits(c.Value))
		case *ConstantLong:
			e.u4(uint32(uint64(c.Value) >> 32))
			e.u4(uint32(c.Value))
		case *ConstantDouble:
			bits := math.Float64bits(c.Value)
			e.u4(uint32(bits >> 32))
			e.u4(uint32(bits))
		case *ConstantClass:
			e.u2(c.NameIndex)
		case *ConstantString:
			e.u2(c.StringIndex)
		case *ConstantMethodType:
			e.u2(c.DescriptorIndex)
		case *ConstantModule:
			e.u2(c.NameIndex)
		case *ConstantFieldref:
			e.u2(c.ClassIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantMethodref:
			e.u2(c.ClassIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantInterfaceMethodref:
			e.u2(c.ClassIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantNameAndType:
			e.u2(c.NameIndex)
			e.u2(c.DescriptorIndex)
		case *ConstantDynamic:
			e.u2(c.BootstrapMethodAttrIndex)
			e.u2(c.NameAndTypeIndex)
		case *ConstantMethodHandle:
			e.u1(c.ReferenceKind)
			e.u2(c.ReferenceIndex)
		default:
			return fmt.Errorf("cannot encode constant pool entry at index %d (tag=%d)", i, c.Tag())
		}
	}
	return nil
}

func (cf *ClassFile) encodeBody(p *Pool) ([]byte, error) {
	e := &encoder{}
	e.u2(cf.AccessFlags)
	e.u2(cf.ThisClass)
	e.u2(cf.SuperClass)
	e.u2(uint16(len(cf.Interfaces)))
	for _, idx := range cf.Interfaces {
		e.u2(idx)
	}

	e.u2(uint16(len(cf.Fields)))
	for _, f := range cf.Fields {
		if err := encodeMember(e, p, f.AccessFlags, f.Name, f.Descriptor, f.Attributes); err != nil {
			return nil, fmt.Errorf("encoding field %s: %w", f.Name, err)
		}
	}

	e.u2(uint16(len(cf.Methods)))
	for i := range cf.Methods {
		m := &cf.Methods[i]
		attrs := m.Attributes
		if m.Code != nil {
			code, err := encodeCode(p, m.Code)
			if err != nil {
				return nil, fmt.Errorf("encoding method %s%s: %w", m.Name, m.Descriptor, err)
			}
			attrs = append([]AttributeInfo{{Name: "Code", Data: code}}, attrs...)
		}
		if err := encodeMember(e, p, m.AccessFlags, m.Name, m.Descriptor, attrs); err != nil {
			return nil, fmt.Errorf("encoding method %s%s: %w", m.Name, m.Descriptor, err)
		}
	}

	attrs := cf.Attributes
	if len(cf.BootstrapMethods) > 0 {
		attrs = append(append([]AttributeInfo(nil), attrs...), AttributeInfo{
			Name: "BootstrapMethods",
			Data: encodeBootstrapMethods(cf.BootstrapMethods),
		})
	}
	if err := encodeAttributes(e, p, attrs); err != nil {
		return nil, fmt.Errorf("encoding class attributes: %w", err)
	}
	return e.buf, nil
}

func encodeMember(e *encoder, p *Pool, flags uint16, name, desc string, attrs []AttributeInfo) error {
	nameIdx, err := p.Utf8(name)
	if err != nil {
		return err
	}
	descIdx, err := p.Utf8(desc)
	if err != nil {
		return err
	}
	e.u2(flags)
	e.u2(nameIdx)
	e.u2(descIdx)
	return encodeAttributes(e, p, attrs)
}

func encodeAttributes(e *encoder, p *Pool, attrs []AttributeInfo) error {
	if len(attrs) > math.MaxUint16 {
		return fmt.Errorf("too many attributes: %d", len(attrs))
	}
	e.u2(uint16(len(attrs)))
	for _, a := range attrs {
		idx, err := p.Utf8(a.Name)
		if err != nil {
			return err
		}
		e.u2(idx)
		e.u4(uint32(len(a.Data)))
		e.raw(a.Data)
	}
	return nil
}

func encodeCode(p *Pool, c *CodeAttribute) ([]byte, error) {
	if len(c.Code) == 0 || len(c.Code) >= 65536 {
		return nil, fmt.Errorf("invalid code length %d", len(c.Code))
	}
	e := &encoder{}
	e.u2(c.MaxStack)
	e.u2(c.MaxLocals)
	e.u4(uint32(len(c.Code)))
	e.raw(c.Code)
	e.u2(uint16(len(c.ExceptionHandlers)))
	for _, h := range c.ExceptionHandlers {
		e.u2(h.StartPC)
		e.u2(h.EndPC)
		e.u2(h.HandlerPC)
		e.u2(h.CatchType)
	}
	if err := encodeAttributes(e, p, c.Attributes); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func encodeBootstrapMethods(methods []BootstrapMethod) []byte {
	e := &encoder{}
	e.u2(uint16(len(methods)))
	for _, bm := range methods {
		e.u2(bm.MethodRef)
		e.u2(uint16(len(bm.BootstrapArguments)))
		for _, a := range bm.BootstrapArguments {
			e.u2(a)
		}
	}
	return e.buf
}
