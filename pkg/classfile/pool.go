package classfile

import (
	"fmt"
	"math"
)

// maxPoolCount is the largest constant_pool_count a class file can carry.
const maxPoolCount = math.MaxUint16

// Pool appends entries to a class file's constant pool, reusing an
// identical existing entry when there is one. Existing indices are never
// renumbered.
type Pool struct {
	cf    *ClassFile
	index map[string]uint16
}

// NewPool indexes the constant pool of cf for deduplication.
func NewPool(cf *ClassFile) *Pool {
	if len(cf.ConstantPool) == 0 {
		cf.ConstantPool = make([]ConstantPoolEntry, 1)
	}
	p := &Pool{cf: cf, index: make(map[string]uint16)}
	for i := 1; i < len(cf.ConstantPool); i++ {
		if e := cf.ConstantPool[i]; e != nil {
			if key, ok := p.keyOf(e); ok {
				if _, dup := p.index[key]; !dup {
					p.index[key] = uint16(i)
				}
			}
		}
	}
	return p
}

// Len returns the current constant_pool_count.
func (p *Pool) Len() int { return len(p.cf.ConstantPool) }

func (p *Pool) keyOf(e ConstantPoolEntry) (string, bool) {
	switch c := e.(type) {
	case *ConstantUtf8:
		return "utf8:" + c.Value, true
	case *ConstantInteger:
		return fmt.Sprintf("int:%d", c.Value), true
	case *ConstantFloat:
		return fmt.Sprintf("float:%08x", math.Float32bits(c.Value)), true
	case *ConstantLong:
		return fmt.Sprintf("long:%d", c.Value), true
	case *ConstantDouble:
		return fmt.Sprintf("double:%016x", math.Float64bits(c.Value)), true
	case *ConstantClass:
		return fmt.Sprintf("class:%d", c.NameIndex), true
	case *ConstantString:
		return fmt.Sprintf("string:%d", c.StringIndex), true
	case *ConstantMethodType:
		return fmt.Sprintf("mtype:%d", c.DescriptorIndex), true
	case *ConstantNameAndType:
		return fmt.Sprintf("nat:%d:%d", c.NameIndex, c.DescriptorIndex), true
	case *ConstantFieldref:
		return fmt.Sprintf("field:%d:%d", c.ClassIndex, c.NameAndTypeIndex), true
	case *ConstantMethodref:
		return fmt.Sprintf("method:%d:%d", c.ClassIndex, c.NameAndTypeIndex), true
	case *ConstantInterfaceMethodref:
		return fmt.Sprintf("imethod:%d:%d", c.ClassIndex, c.NameAndTypeIndex), true
	case *ConstantMethodHandle:
		return fmt.Sprintf("mhandle:%d:%d", c.ReferenceKind, c.ReferenceIndex), true
	case *ConstantDynamic:
		return fmt.Sprintf("dyn%d:%d:%d", c.Kind, c.BootstrapMethodAttrIndex, c.NameAndTypeIndex), true
	default:
		return "", false
	}
}

func (p *Pool) add(e ConstantPoolEntry) (uint16, error) {
	key, keyed := p.keyOf(e)
	if idx, ok := p.index[key]; keyed && ok {
		return idx, nil
	}
	slots := 1
	if e.Tag() == TagLong || e.Tag() == TagDouble {
		slots = 2
	}
	if len(p.cf.ConstantPool)+slots > maxPoolCount {
		return 0, fmt.Errorf("constant pool overflow: %d entries", len(p.cf.ConstantPool))
	}
	idx := uint16(len(p.cf.ConstantPool))
	p.cf.ConstantPool = append(p.cf.ConstantPool, e)
	if slots == 2 {
		p.cf.ConstantPool = append(p.cf.ConstantPool, nil)
	}
	if keyed {
		p.index[key] = idx
	}
	return idx, nil
}

// Utf8 returns the index of a CONSTANT_Utf8 entry.
func (p *Pool) Utf8(s string) (uint16, error) {
	if len(encodeModifiedUTF8(s)) > math.MaxUint16 {
		return 0, fmt.Errorf("string constant too long: %d bytes", len(s))
	}
	return p.add(&ConstantUtf8{Value: s})
}

// Integer returns the index of a CONSTANT_Integer entry.
func (p *Pool) Integer(v int32) (uint16, error) {
	return p.add(&ConstantInteger{Value: v})
}

// Long returns the index of a CONSTANT_Long entry.
func (p *Pool) Long(v int64) (uint16, error) {
	return p.add(&ConstantLong{Value: v})
}

// Class returns the index of a CONSTANT_Class entry.
func (p *Pool) Class(internalName string) (uint16, error) {
	name, err := p.Utf8(internalName)
	if err != nil {
		return 0, err
	}
	return p.add(&ConstantClass{NameIndex: name})
}

// String returns the index of a CONSTANT_String entry.
func (p *Pool) String(s string) (uint16, error) {
	utf, err := p.Utf8(s)
	if err != nil {
		return 0, err
	}
	return p.add(&ConstantString{StringIndex: utf})
}

// MethodType returns the index of a CONSTANT_MethodType entry.
func (p *Pool) MethodType(desc string) (uint16, error) {
	utf, err := p.Utf8(desc)
	if err != nil {
		return 0, err
	}
	return p.add(&ConstantMethodType{DescriptorIndex: utf})
}

// NameAndType returns the index of a CONSTANT_NameAndType entry.
func (p *Pool) NameAndType(name, desc string) (uint16, error) {
	n, err := p.Utf8(name)
	if err != nil {
		return 0, err
	}
	d, err := p.Utf8(desc)
	if err != nil {
		return 0, err
	}
	return p.add(&ConstantNameAndType{NameIndex: n, DescriptorIndex: d})
}

func (p *Pool) memberParts(owner, name, desc string) (uint16, uint16, error) {
	c, err := p.Class(owner)
	if err != nil {
		return 0, 0, err
	}
	nat, err := p.NameAndType(name, desc)
	if err != nil {
		return 0, 0, err
	}
	return c, nat, nil
}

// Fieldref returns the index of a CONSTANT_Fieldref entry.
func (p *Pool) Fieldref(owner, name, desc string) (uint16, error) {
	c, nat, err := p.memberParts(owner, name, desc)
	if err != nil {
		return 0, err
	}
	return p.add(&ConstantFieldref{ClassIndex: c, NameAndTypeIndex: nat})
}

// Methodref returns the index of a CONSTANT_Methodref entry.
func (p *Pool) Methodref(owner, name, desc string) (uint16, error) {
	c, nat, err := p.memberParts(owner, name, desc)
	if err != nil {
		return 0, err
	}
	return p.add(&ConstantMethodref{ClassIndex: c, NameAndTypeIndex: nat})
}

// InterfaceMethodref returns the index of a CONSTANT_InterfaceMethodref entry.
func (p *Pool) InterfaceMethodref(owner, name, desc string) (uint16, error) {
	c, nat, err := p.memberParts(owner, name, desc)
	if err != nil {
		return 0, err
	}
	return p.add(&ConstantInterfaceMethodref{ClassIndex: c, NameAndTypeIndex: nat})
}

// MethodHandle returns the index of a CONSTANT_MethodHandle entry
// referencing the member at refIndex.
func (p *Pool) MethodHandle(kind uint8, refIndex uint16) (uint16, error) {
	return p.add(&ConstantMethodHandle{ReferenceKind: kind, ReferenceIndex: refIndex})
}

// InvokeDynamic returns the index of a CONSTANT_InvokeDynamic entry.
func (p *Pool) InvokeDynamic(bootstrap uint16, name, desc string) (uint16, error) {
	nat, err := p.NameAndType(name, desc)
	if err != nil {
		return 0, err
	}
	return p.add(&ConstantDynamic{Kind: TagInvokeDynamic, BootstrapMethodAttrIndex: bootstrap, NameAndTypeIndex: nat})
}

// Bootstrap returns the index of a BootstrapMethods entry, appending one
// when no identical entry exists.
func (p *Pool) Bootstrap(methodRef uint16, args ...uint16) uint16 {
next:
	for i, bm := range p.cf.BootstrapMethods {
		if bm.MethodRef != methodRef || len(bm.BootstrapArguments) != len(args) {
			continue
		}
		for j := range args {
			if bm.BootstrapArguments[j] != args[j] {
				continue next
			}
		}
		return uint16(i)
	}
	a := make([]uint16, len(args))
	copy(a, args)
	p.cf.BootstrapMethods = append(p.cf.BootstrapMethods, BootstrapMethod{MethodRef: methodRef, BootstrapArguments: a})
	return uint16(len(p.cf.BootstrapMethods) - 1)
}
