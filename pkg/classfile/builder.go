package classfile

// Builder assembles a class file in memory. The first error is sticky and
// reported by ClassFile or Bytes; index-returning methods return 0 after
// an error.
type Builder struct {
	cf   *ClassFile
	pool *Pool
	err  error
}

// NewBuilder starts a public class with the given internal name and superclass.
func NewBuilder(name, super string) *Builder {
	cf := &ClassFile{
		MajorVersion: 52,
		AccessFlags:  AccPublic | AccSuper,
	}
	b := &Builder{cf: cf, pool: NewPool(cf)}
	cf.ThisClass = b.Class(name)
	if super != "" {
		cf.SuperClass = b.Class(super)
	}
	return b
}

func (b *Builder) index(idx uint16, err error) uint16 {
	if b.err != nil {
		return 0
	}
	if err != nil {
		b.err = err
		return 0
	}
	return idx
}

// Version sets the class file version.
func (b *Builder) Version(major, minor uint16) *Builder {
	b.cf.MajorVersion, b.cf.MinorVersion = major, minor
	return b
}

// Flags sets the class access flags.
func (b *Builder) Flags(flags uint16) *Builder {
	b.cf.AccessFlags = flags
	return b
}

// Implements adds a directly implemented interface.
func (b *Builder) Implements(name string) *Builder {
	b.cf.Interfaces = append(b.cf.Interfaces, b.Class(name))
	return b
}

func (b *Builder) Utf8(s string) uint16       { return b.index(b.pool.Utf8(s)) }
func (b *Builder) Class(name string) uint16   { return b.index(b.pool.Class(name)) }
func (b *Builder) String(s string) uint16     { return b.index(b.pool.String(s)) }
func (b *Builder) Integer(v int32) uint16     { return b.index(b.pool.Integer(v)) }
func (b *Builder) Long(v int64) uint16        { return b.index(b.pool.Long(v)) }
func (b *Builder) MethodType(d string) uint16 { return b.index(b.pool.MethodType(d)) }

func (b *Builder) Fieldref(owner, name, desc string) uint16 {
	return b.index(b.pool.Fieldref(owner, name, desc))
}

func (b *Builder) Methodref(owner, name, desc string) uint16 {
	return b.index(b.pool.Methodref(owner, name, desc))
}

func (b *Builder) InterfaceMethodref(owner, name, desc string) uint16 {
	return b.index(b.pool.InterfaceMethodref(owner, name, desc))
}

func (b *Builder) MethodHandle(kind uint8, ref uint16) uint16 {
	return b.index(b.pool.MethodHandle(kind, ref))
}

// InvokeDynamic adds a bootstrap entry and the InvokeDynamic constant using it.
func (b *Builder) InvokeDynamic(bootstrapRef uint16, name, desc string, args ...uint16) uint16 {
	bsm := b.pool.Bootstrap(bootstrapRef, args...)
	return b.index(b.pool.InvokeDynamic(bsm, name, desc))
}

// Field declares a field.
func (b *Builder) Field(flags uint16, name, desc string) *Builder {
	b.cf.Fields = append(b.cf.Fields, FieldInfo{AccessFlags: flags, Name: name, Descriptor: desc})
	return b
}

// Method declares a method with a body. A nil code slice declares an
// abstract or native method.
func (b *Builder) Method(flags uint16, name, desc string, maxStack, maxLocals uint16, code []byte, handlers ...ExceptionHandler) *Builder {
	m := MethodInfo{AccessFlags: flags, Name: name, Descriptor: desc}
	if code != nil {
		m.Code = &CodeAttribute{
			MaxStack:          maxStack,
			MaxLocals:         maxLocals,
			Code:              code,
			ExceptionHandlers: handlers,
		}
	}
	b.cf.Methods = append(b.cf.Methods, m)
	return b
}

// ClassFile returns the assembled class.
func (b *Builder) ClassFile() (*ClassFile, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.cf, nil
}

// Bytes serializes the assembled class.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.cf.Bytes()
}
