package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/daimatz/jvmsandbox/pkg/bytecode"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/rewrite"
	"github.com/daimatz/jvmsandbox/pkg/vm"
)

// helloClass assembles app/Hello, whose main prints a greeting.
func helloClass(t *testing.T, greeting string) []byte {
	t.Helper()
	b := classfile.NewBuilder("app/Hello", "java/lang/Object")
	out := b.Fieldref("java/lang/System", "out", "Ljava/io/PrintStream;")
	printS := b.Methodref("java/io/PrintStream", "println", "(Ljava/lang/String;)V")
	msg := b.String(greeting)

	var code []byte
	code = append(code, bytecode.OpGetstatic)
	code = binary.BigEndian.AppendUint16(code, out)
	code = append(code, bytecode.OpLdcW)
	code = binary.BigEndian.AppendUint16(code, msg)
	code = append(code, bytecode.OpInvokevirtual)
	code = binary.BigEndian.AppendUint16(code, printS)
	code = append(code, bytecode.OpReturn)
	b.Method(classfile.AccPublic|classfile.AccStatic, "main", "([Ljava/lang/String;)V", 2, 1, code)

	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("assembling class: %v", err)
	}
	return data
}

type entry struct {
	name string
	data []byte
}

func writeJar(t *testing.T, entries ...entry) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(e.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "in.jar")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readJar(t *testing.T, path string) []entry {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer zr.Close()
	var entries []entry
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, entry{f.Name, data})
	}
	return entries
}

func sampleJar(t *testing.T) string {
	return writeJar(t,
		entry{"META-INF/MANIFEST.MF", []byte("Manifest-Version: 1.0\nMain-Class: app.Hello\n")},
		entry{"META-INF/APP.SF", []byte("signature")},
		entry{"app/Hello.class", helloClass(t, "hello from the jar")},
		entry{"app/config.txt", []byte("key=value\n")},
		entry{"module-info.class", []byte("not rewritten")},
	)
}

func TestRewriteFile(t *testing.T) {
	in := sampleJar(t)
	out := filepath.Join(t.TempDir(), "out.jar")

	var progressed atomic.Int32
	j := New(rewrite.New(), WithJobs(2), WithProgress(func(string) { progressed.Add(1) }))
	stats, err := j.RewriteFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("RewriteFile: %v", err)
	}
	want := Stats{Classes: 1, Sites: 1, Copied: 3, Dropped: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if got := progressed.Load(); got != 1 {
		t.Errorf("progress called %d times, want 1", got)
	}

	entries := readJar(t, out)
	var names []string
	for _, e := range entries {
		names = append(names, e.name)
	}
	wantNames := []string{"META-INF/MANIFEST.MF", "app/Hello.class", "app/config.txt", "module-info.class"}
	if len(names) != len(wantNames) {
		t.Fatalf("entries = %v, want %v", names, wantNames)
	}
	for i := range names {
		if names[i] != wantNames[i] {
			t.Errorf("entry %d = %q, want %q", i, names[i], wantNames[i])
		}
	}
	if string(entries[2].data) != "key=value\n" {
		t.Errorf("resource changed: %q", entries[2].data)
	}
	cf, err := classfile.ParseBytes(entries[1].data)
	if err != nil {
		t.Fatalf("parsing rewritten class: %v", err)
	}
	if len(cf.BootstrapMethods) == 0 {
		t.Error("rewritten class has no bootstrap methods")
	}

	t.Run("runs on the VM", func(t *testing.T) {
		v := vm.NewVM(vm.NewJarClassLoader(out))
		var buf bytes.Buffer
		v.Stdout = &buf
		if err := v.Execute("app/Hello"); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got := buf.String(); got != "hello from the jar\n" {
			t.Errorf("output = %q", got)
		}
	})
}

func TestCountClasses(t *testing.T) {
	n, err := CountClasses(sampleJar(t))
	if err != nil {
		t.Fatalf("CountClasses: %v", err)
	}
	if n != 1 {
		t.Errorf("CountClasses = %d, want 1", n)
	}
}

func TestRewriteCache(t *testing.T) {
	in := sampleJar(t)
	dir := t.TempDir()
	cache, err := NewCache(filepath.Join(dir, "cache"), []byte("salt"))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	j := New(rewrite.New(), WithCache(cache))

	first, err := j.RewriteFile(context.Background(), in, filepath.Join(dir, "a.jar"))
	if err != nil {
		t.Fatalf("first RewriteFile: %v", err)
	}
	if first.CacheHits != 0 {
		t.Errorf("first run cache hits = %d, want 0", first.CacheHits)
	}
	second, err := j.RewriteFile(context.Background(), in, filepath.Join(dir, "b.jar"))
	if err != nil {
		t.Fatalf("second RewriteFile: %v", err)
	}
	if second.CacheHits != 1 {
		t.Errorf("second run cache hits = %d, want 1", second.CacheHits)
	}

	a, b := readJar(t, filepath.Join(dir, "a.jar")), readJar(t, filepath.Join(dir, "b.jar"))
	if !bytes.Equal(a[1].data, b[1].data) {
		t.Error("cached class differs from freshly rewritten class")
	}
}

func TestCacheKey(t *testing.T) {
	dir := t.TempDir()
	c1, err := NewCache(dir, []byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := NewCache(dir, []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	input := []byte{0xCA, 0xFE, 0xBA, 0xBE}

	if c1.Key(input) != c1.Key(input) {
		t.Error("key is not deterministic")
	}
	if c1.Key(input) == c2.Key(input) {
		t.Error("salt does not change the key")
	}
	if c1.Key(input) == c1.Key(append(input, 0)) {
		t.Error("input does not change the key")
	}

	k := c1.Key(input)
	if _, ok, err := c1.Get(k); ok || err != nil {
		t.Fatalf("Get on empty cache = %v, %v", ok, err)
	}
	if err := c1.Put(k, []byte("rewritten")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, ok, err := c1.Get(k)
	if err != nil || !ok {
		t.Fatalf("Get after Put = %v, %v", ok, err)
	}
	if string(data) != "rewritten" {
		t.Errorf("Get = %q", data)
	}
	if _, ok, _ := c2.Get(c2.Key(input)); ok {
		t.Error("entry visible under another salt")
	}
}

func TestRewriteFileErrors(t *testing.T) {
	t.Run("malformed class", func(t *testing.T) {
		in := writeJar(t,
			entry{"app/Hello.class", helloClass(t, "ok")},
			entry{"app/Bad.class", []byte("junk")},
		)
		out := filepath.Join(t.TempDir(), "out.jar")
		_, err := New(rewrite.New()).RewriteFile(context.Background(), in, out)
		if !errors.Is(err, rewrite.ErrMalformed) {
			t.Fatalf("error = %v, want ErrMalformed", err)
		}
		if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("output written despite failure: %v", err)
		}
	})

	t.Run("missing input", func(t *testing.T) {
		_, err := New(rewrite.New()).RewriteFile(context.Background(), filepath.Join(t.TempDir(), "none.jar"), "out.jar")
		if err == nil {
			t.Error("expected error for missing jar, got nil")
		}
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var buf bytes.Buffer
		data, err := os.ReadFile(sampleJar(t))
		if err != nil {
			t.Fatal(err)
		}
		_, err = New(rewrite.New()).Rewrite(ctx, bytes.NewReader(data), int64(len(data)), &buf)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}
