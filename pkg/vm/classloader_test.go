package vm

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/rewrite"
)

// writeArchive writes a zip holding classes under prefix, preceded by
// header, and returns its path.
func writeArchive(t *testing.T, file, header, prefix string, classes map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(header)
	zw := zip.NewWriter(&buf)
	for name, data := range classes {
		w, err := zw.Create(prefix + name + ".class")
		if err != nil {
			t.Fatalf("creating %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	path := filepath.Join(t.TempDir(), file)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func className(t *testing.T, cf *classfile.ClassFile) string {
	t.Helper()
	name, err := cf.ClassName()
	if err != nil {
		t.Fatalf("failed to get class name: %v", err)
	}
	return name
}

func TestJmodClassLoader(t *testing.T) {
	// jmod files carry a 4-byte header before the zip data.
	path := writeArchive(t, "java.base.jmod", "JM\x01\x00", "classes/", helloProgram(t))
	cl := NewJmodClassLoader(path)

	cf, err := cl.LoadClass("Hello")
	if err != nil {
		t.Fatalf("failed to load Hello: %v", err)
	}
	if got := className(t, cf); got != "Hello" {
		t.Errorf("class name: got %q, want %q", got, "Hello")
	}

	again, err := cl.LoadClass("Hello")
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if again != cf {
		t.Error("expected same ClassFile instance for cached load, got different pointers")
	}

	if _, err := cl.LoadClass("com/nonexistent/Foo"); !errors.Is(err, ErrClassNotFound) {
		t.Errorf("missing class error = %v, want ErrClassNotFound", err)
	}
}

func TestJarClassLoader(t *testing.T) {
	path := writeArchive(t, "app.jar", "", "", inheritanceProgram(t))
	cl := NewJarClassLoader(path)

	for _, name := range []string{"Animal", "Dog", "Zoo"} {
		cf, err := cl.LoadClass(name)
		if err != nil {
			t.Fatalf("failed to load %s: %v", name, err)
		}
		if got := className(t, cf); got != name {
			t.Errorf("class name: got %q, want %q", got, name)
		}
	}

	t.Run("runs from the jar", func(t *testing.T) {
		got, err := run(t, NewVM(cl), "Zoo")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if want := "woof\ngeneric\n4\n"; got != want {
			t.Errorf("output = %q, want %q", got, want)
		}
	})

	t.Run("missing archive", func(t *testing.T) {
		cl := NewJarClassLoader(filepath.Join(t.TempDir(), "none.jar"))
		if _, err := cl.LoadClass("Zoo"); err == nil {
			t.Error("expected error for missing jar, got nil")
		}
	})

	t.Run("not a zip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.jar")
		if err := os.WriteFile(path, []byte("not a zip"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := NewJarClassLoader(path).LoadClass("Zoo"); err == nil {
			t.Error("expected error for corrupt jar, got nil")
		}
	})
}

func TestUserClassLoader(t *testing.T) {
	dir := t.TempDir()
	for name, data := range helloProgram(t) {
		if err := os.WriteFile(filepath.Join(dir, name+".class"), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	parent := NewMemoryClassLoader(fibProgram(t))
	userCL := NewUserClassLoader(dir, parent)

	t.Run("load Hello class", func(t *testing.T) {
		cf, err := userCL.LoadClass("Hello")
		if err != nil {
			t.Fatalf("failed to load Hello: %v", err)
		}
		if got := className(t, cf); got != "Hello" {
			t.Errorf("class name: got %q, want %q", got, "Hello")
		}
	})

	t.Run("delegates to parent first", func(t *testing.T) {
		cf, err := userCL.LoadClass("Fib")
		if err != nil {
			t.Fatalf("failed to load Fib via user class loader: %v", err)
		}
		want, err := parent.LoadClass("Fib")
		if err != nil {
			t.Fatal(err)
		}
		if cf != want {
			t.Error("Fib was not served by the parent")
		}
	})

	t.Run("class not found", func(t *testing.T) {
		if _, err := userCL.LoadClass("NonExistentClass"); !errors.Is(err, ErrClassNotFound) {
			t.Errorf("error = %v, want ErrClassNotFound", err)
		}
	})

	t.Run("corrupt class", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "Bad.class"), []byte{0xCA, 0xFE}, 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := userCL.LoadClass("Bad")
		if err == nil || errors.Is(err, ErrClassNotFound) {
			t.Errorf("error = %v, want a parse error", err)
		}
	})
}

func TestMemoryClassLoader(t *testing.T) {
	classes := helloProgram(t)
	m := NewMemoryClassLoader(classes)
	delete(classes, "Hello")

	cf, err := m.LoadClass("Hello")
	if err != nil {
		t.Fatalf("LoadClass: %v", err)
	}
	if got := className(t, cf); got != "Hello" {
		t.Errorf("class name: got %q, want %q", got, "Hello")
	}

	if _, err := m.LoadClass("Fib"); !errors.Is(err, ErrClassNotFound) {
		t.Fatalf("error = %v, want ErrClassNotFound", err)
	}
	m.Define("Fib", fibProgram(t)["Fib"])
	if _, err := m.LoadClass("Fib"); err != nil {
		t.Errorf("LoadClass after Define: %v", err)
	}
}

func TestRewritingClassLoader(t *testing.T) {
	trusted := NewMemoryClassLoader(fibProgram(t))
	src := NewMemoryClassLoader(helloProgram(t))
	cl := NewRewritingClassLoader(src, trusted, rewrite.New())

	t.Run("rewrites untrusted classes", func(t *testing.T) {
		cf, err := cl.LoadClass("Hello")
		if err != nil {
			t.Fatalf("LoadClass: %v", err)
		}
		if len(cf.BootstrapMethods) == 0 {
			t.Error("rewritten Hello has no bootstrap methods")
		}
		again, err := cl.LoadClass("Hello")
		if err != nil {
			t.Fatal(err)
		}
		if again != cf {
			t.Error("expected cached ClassFile on second load")
		}
	})

	t.Run("trusted classes are not rewritten", func(t *testing.T) {
		cf, err := cl.LoadClass("Fib")
		if err != nil {
			t.Fatalf("LoadClass: %v", err)
		}
		if len(cf.BootstrapMethods) != 0 {
			t.Error("trusted Fib was rewritten")
		}
	})

	t.Run("class not found", func(t *testing.T) {
		if _, err := cl.LoadClass("Missing"); !errors.Is(err, ErrClassNotFound) {
			t.Errorf("error = %v, want ErrClassNotFound", err)
		}
	})

	t.Run("malformed input", func(t *testing.T) {
		src.Define("Bad", []byte("definitely not a class"))
		if _, err := cl.LoadClass("Bad"); err == nil {
			t.Error("expected error for malformed class, got nil")
		}
	})
}
