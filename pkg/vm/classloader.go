package vm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zip"

	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/rewrite"
)

// ClassLoader loads .class files by class name.
type ClassLoader interface {
	LoadClass(name string) (*classfile.ClassFile, error)
}

// ClassSource yields the raw bytes of a class file by internal name.
type ClassSource interface {
	ReadClass(name string) ([]byte, error)
}

// archive is a zip of class files indexed by entry name.
type archive struct {
	path   string
	prefix string // entry prefix of class files
	skip   int    // bytes before the zip data

	once  sync.Once
	err   error
	files map[string]*zip.File
}

func (a *archive) open() error {
	a.once.Do(func() {
		data, err := os.ReadFile(a.path)
		if err != nil {
			a.err = fmt.Errorf("opening %s: %w", a.path, err)
			return
		}
		if len(data) < a.skip {
			a.err = fmt.Errorf("%s: truncated", a.path)
			return
		}
		data = data[a.skip:]
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			a.err = fmt.Errorf("%s: opening zip: %w", a.path, err)
			return
		}
		a.files = make(map[string]*zip.File, len(zr.File))
		for _, f := range zr.File {
			a.files[f.Name] = f
		}
	})
	return a.err
}

func (a *archive) ReadClass(name string) ([]byte, error) {
	if err := a.open(); err != nil {
		return nil, err
	}
	f, ok := a.files[a.prefix+name+".class"]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrClassNotFound, name, a.path)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// cache memoizes parsed class files.
type cache struct {
	mu      sync.Mutex
	entries map[string]*classfile.ClassFile
}

func (c *cache) get(name string) (*classfile.ClassFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cf, ok := c.entries[name]
	return cf, ok
}

func (c *cache) put(name string, cf *classfile.ClassFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]*classfile.ClassFile)
	}
	c.entries[name] = cf
}

func parseFrom(src ClassSource, c *cache, name string) (*classfile.ClassFile, error) {
	if cf, ok := c.get(name); ok {
		return cf, nil
	}
	data, err := src.ReadClass(name)
	if err != nil {
		return nil, err
	}
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	c.put(name, cf)
	return cf, nil
}

// JmodClassLoader loads classes from a JDK jmod file.
type JmodClassLoader struct {
	archive
	cache cache
}

// NewJmodClassLoader creates a new JmodClassLoader.
func NewJmodClassLoader(jmodPath string) *JmodClassLoader {
	// Skip the "JM\x01\x00" header.
	return &JmodClassLoader{archive: archive{path: jmodPath, prefix: "classes/", skip: 4}}
}

func (cl *JmodClassLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	return parseFrom(&cl.archive, &cl.cache, name)
}

// JarClassLoader loads classes from a jar file.
type JarClassLoader struct {
	archive
	cache cache
}

// NewJarClassLoader creates a new JarClassLoader.
func NewJarClassLoader(jarPath string) *JarClassLoader {
	return &JarClassLoader{archive: archive{path: jarPath}}
}

func (cl *JarClassLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	return parseFrom(&cl.archive, &cl.cache, name)
}

// UserClassLoader loads user classes from a class directory, delegating
// to the parent first. Parent may be nil.
type UserClassLoader struct {
	ClassPath string
	Parent    ClassLoader
	cache     cache
}

// NewUserClassLoader creates a new UserClassLoader.
func NewUserClassLoader(classPath string, parent ClassLoader) *UserClassLoader {
	return &UserClassLoader{ClassPath: classPath, Parent: parent}
}

func (cl *UserClassLoader) ReadClass(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(cl.ClassPath, filepath.FromSlash(name)+".class"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s in %s", ErrClassNotFound, name, cl.ClassPath)
	}
	return data, err
}

func (cl *UserClassLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	if cl.Parent != nil {
		if cf, err := cl.Parent.LoadClass(name); err == nil {
			return cf, nil
		}
	}
	return parseFrom(cl, &cl.cache, name)
}

// MemoryClassLoader serves class files held in memory.
type MemoryClassLoader struct {
	mu      sync.Mutex
	classes map[string][]byte
	cache   cache
}

// NewMemoryClassLoader returns a loader serving classes, keyed by
// internal name.
func NewMemoryClassLoader(classes map[string][]byte) *MemoryClassLoader {
	m := &MemoryClassLoader{classes: make(map[string][]byte, len(classes))}
	for name, data := range classes {
		m.classes[name] = data
	}
	return m
}

// Define adds or replaces a class. Already parsed classes are not
// affected.
func (m *MemoryClassLoader) Define(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[name] = data
}

func (m *MemoryClassLoader) ReadClass(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClassNotFound, name)
	}
	return data, nil
}

func (m *MemoryClassLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	return parseFrom(m, &m.cache, name)
}

// RewritingClassLoader rewrites untrusted classes as they are loaded.
// Classes the trusted Parent provides are used unchanged.
type RewritingClassLoader struct {
	Source   ClassSource
	Parent   ClassLoader
	Rewriter *rewrite.Rewriter
	cache    cache
}

// NewRewritingClassLoader returns a loader rewriting classes read from
// src with r. parent may be nil.
func NewRewritingClassLoader(src ClassSource, parent ClassLoader, r *rewrite.Rewriter) *RewritingClassLoader {
	return &RewritingClassLoader{Source: src, Parent: parent, Rewriter: r}
}

func (cl *RewritingClassLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	if cl.Parent != nil {
		if cf, err := cl.Parent.LoadClass(name); err == nil {
			return cf, nil
		}
	}
	if cf, ok := cl.cache.get(name); ok {
		return cf, nil
	}
	data, err := cl.Source.ReadClass(name)
	if err != nil {
		return nil, err
	}
	out, err := cl.Rewriter.Rewrite(name, data)
	if err != nil {
		return nil, err
	}
	cf, err := classfile.ParseBytes(out)
	if err != nil {
		return nil, fmt.Errorf("parsing rewritten %s: %w", name, err)
	}
	cl.cache.put(name, cf)
	return cf, nil
}
