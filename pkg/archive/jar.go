// Package archive rewrites every class file of a jar.
//
// Class entries are rewritten in parallel and written back in their
// original order. Other entries are copied unchanged, except for
// signature files, which the rewrite invalidates.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/daimatz/jvmsandbox/pkg/rewrite"
)

// Stats summarizes one jar rewrite.
type Stats struct {
	Classes   int // class entries rewritten
	Sites     int // invokedynamic instructions emitted, cache hits excluded
	CacheHits int
	Copied    int // non-class entries copied
	Dropped   int // signature files removed
}

// JarRewriter rewrites jars with one class rewriter.
type JarRewriter struct {
	rw       *rewrite.Rewriter
	jobs     int
	cache    *Cache
	logger   *slog.Logger
	progress func(entry string)
}

// Option configures a JarRewriter.
type Option func(*JarRewriter)

// WithJobs bounds the number of classes rewritten at once. The default
// is GOMAXPROCS.
func WithJobs(n int) Option {
	return func(j *JarRewriter) {
		if n > 0 {
			j.jobs = n
		}
	}
}

// WithCache reuses rewritten classes across runs.
func WithCache(c *Cache) Option {
	return func(j *JarRewriter) { j.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *JarRewriter) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithProgress calls fn after each class entry is rewritten. fn may be
// called concurrently.
func WithProgress(fn func(entry string)) Option {
	return func(j *JarRewriter) { j.progress = fn }
}

// New returns a JarRewriter using rw for every class.
func New(rw *rewrite.Rewriter, opts ...Option) *JarRewriter {
	j := &JarRewriter{
		rw:     rw,
		jobs:   runtime.GOMAXPROCS(0),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func isClass(name string) bool {
	return strings.HasSuffix(name, ".class") && path.Base(name) != "module-info.class"
}

// isSignature reports whether name is part of a jar signature.
func isSignature(name string) bool {
	dir, base := path.Split(name)
	if dir != "META-INF/" {
		return false
	}
	switch strings.ToUpper(path.Ext(base)) {
	case ".SF", ".RSA", ".DSA", ".EC":
		return true
	}
	return strings.HasPrefix(strings.ToUpper(base), "SIG-")
}

// CountClasses returns the number of class entries RewriteFile would
// rewrite.
func CountClasses(in string) (int, error) {
	zr, err := zip.OpenReader(in)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", in, err)
	}
	defer zr.Close()
	n := 0
	for _, f := range zr.File {
		if isClass(f.Name) {
			n++
		}
	}
	return n, nil
}

// RewriteFile rewrites the jar at in into out. out is only created when
// every class was rewritten.
func (j *JarRewriter) RewriteFile(ctx context.Context, in, out string) (Stats, error) {
	zr, err := zip.OpenReader(in)
	if err != nil {
		return Stats{}, fmt.Errorf("opening %s: %w", in, err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	stats, err := j.rewrite(ctx, &zr.Reader, &buf)
	if err != nil {
		return stats, fmt.Errorf("%s: %w", in, err)
	}
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return stats, fmt.Errorf("writing %s: %w", out, err)
	}
	j.logger.Info("rewrote jar",
		"in", in,
		"out", out,
		"classes", stats.Classes,
		"sites", stats.Sites,
		"cache_hits", stats.CacheHits,
		"copied", stats.Copied,
		"dropped", stats.Dropped,
	)
	return stats, nil
}

// Rewrite reads a jar from r and writes the rewritten jar to w.
func (j *JarRewriter) Rewrite(ctx context.Context, r io.ReaderAt, size int64, w io.Writer) (Stats, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return Stats{}, fmt.Errorf("opening jar: %w", err)
	}
	return j.rewrite(ctx, zr, w)
}

type result struct {
	data  []byte
	sites int
	hit   bool
}

func (j *JarRewriter) rewrite(ctx context.Context, zr *zip.Reader, w io.Writer) (Stats, error) {
	results := make([]result, len(zr.File))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.jobs)
	for i, f := range zr.File {
		i, f := i, f
		if !isClass(f.Name) {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := j.rewriteEntry(f)
			if err != nil {
				return err
			}
			results[i] = res
			if j.progress != nil {
				j.progress(f.Name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	var stats Stats
	zw := zip.NewWriter(w)
	for i, f := range zr.File {
		switch {
		case isClass(f.Name):
			ew, err := zw.CreateHeader(&zip.FileHeader{
				Name:     f.Name,
				Comment:  f.Comment,
				Method:   zip.Deflate,
				Modified: f.Modified,
			})
			if err != nil {
				return stats, fmt.Errorf("writing %s: %w", f.Name, err)
			}
			if _, err := ew.Write(results[i].data); err != nil {
				return stats, fmt.Errorf("writing %s: %w", f.Name, err)
			}
			stats.Classes++
			stats.Sites += results[i].sites
			if results[i].hit {
				stats.CacheHits++
			}
		case isSignature(f.Name):
			j.logger.Debug("dropped signature file", "entry", f.Name)
			stats.Dropped++
		default:
			if err := zw.Copy(f); err != nil {
				return stats, fmt.Errorf("copying %s: %w", f.Name, err)
			}
			stats.Copied++
		}
	}
	if err := zw.Close(); err != nil {
		return stats, fmt.Errorf("finishing jar: %w", err)
	}
	return stats, nil
}

func (j *JarRewriter) rewriteEntry(f *zip.File) (result, error) {
	rc, err := f.Open()
	if err != nil {
		return result{}, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	input, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return result{}, fmt.Errorf("reading %s: %w", f.Name, err)
	}

	var key Key
	if j.cache != nil {
		key = j.cache.Key(input)
		data, ok, err := j.cache.Get(key)
		if err != nil {
			return result{}, err
		}
		if ok {
			return result{data: data, hit: true}, nil
		}
	}

	unit := strings.TrimSuffix(f.Name, ".class")
	out, stats, err := j.rw.RewriteStats(unit, input)
	if err != nil {
		return result{}, err
	}
	if j.cache != nil {
		if err := j.cache.Put(key, out); err != nil {
			return result{}, err
		}
	}
	return result{data: out, sites: stats.Sites()}, nil
}
