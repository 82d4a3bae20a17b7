package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"

	"github.com/daimatz/jvmsandbox/pkg/archive"
	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

func rewriteCommand(args []string, stderr io.Writer) error {
	var c common
	var out string
	fs := pflag.NewFlagSet("rewrite", pflag.ContinueOnError)
	c.addFlags(fs)
	fs.StringVarP(&out, "output", "o", "", "output class file (required)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: jsandbox rewrite <in.class> -o <out.class>\n\nFlags:\n%s", fs.FlagUsages())
	}
	if done, err := parse(fs, args, stderr); done || err != nil {
		return err
	}
	if fs.NArg() != 1 || out == "" {
		fs.Usage()
		return errors.New("rewrite: need one input and -o")
	}
	in := fs.Arg(0)

	logger := c.logger(stderr)
	sb, err := c.sandbox(logger)
	if err != nil {
		return err
	}
	defer sb.Close()

	input, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("reading %s: %w", in, err)
	}
	unit := strings.TrimSuffix(filepath.Base(in), ".class")
	if cf, err := classfile.ParseBytes(input); err == nil {
		if name, err := cf.ClassName(); err == nil {
			unit = name
		}
	}
	output, stats, err := sb.Rewriter.RewriteStats(unit, input)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, output, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	logger.Info("rewrote class",
		"class", unit,
		"out", out,
		"sites", stats.Sites(),
		"skipped", stats.Skipped,
	)
	return nil
}

func rewriteJarCommand(args []string, stderr io.Writer) error {
	var c common
	var out, cacheDir string
	var jobs int
	var quiet bool
	fs := pflag.NewFlagSet("rewrite-jar", pflag.ContinueOnError)
	c.addFlags(fs)
	fs.StringVarP(&out, "output", "o", "", "output jar (required)")
	fs.IntVarP(&jobs, "jobs", "j", 0, "classes rewritten in parallel (default GOMAXPROCS)")
	fs.StringVar(&cacheDir, "cache", "", "directory caching rewritten classes across runs")
	fs.BoolVarP(&quiet, "quiet", "q", false, "no progress bar")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: jsandbox rewrite-jar <in.jar> -o <out.jar> [flags]\n\nFlags:\n%s", fs.FlagUsages())
	}
	if done, err := parse(fs, args, stderr); done || err != nil {
		return err
	}
	if fs.NArg() != 1 || out == "" {
		fs.Usage()
		return errors.New("rewrite-jar: need one input and -o")
	}
	in := fs.Arg(0)

	logger := c.logger(stderr)
	sb, err := c.sandbox(logger)
	if err != nil {
		return err
	}
	defer sb.Close()

	opts := []archive.Option{archive.WithJobs(jobs), archive.WithLogger(logger)}
	if cacheDir != "" {
		// Rewritten output depends on the policy file as well as the class.
		salt := []byte(sb.RuntimeClass)
		if c.policy != "" {
			data, err := os.ReadFile(c.policy)
			if err != nil {
				return fmt.Errorf("reading %s: %w", c.policy, err)
			}
			salt = append(salt, data...)
		}
		cache, err := archive.NewCache(cacheDir, salt)
		if err != nil {
			return err
		}
		opts = append(opts, archive.WithCache(cache))
	}
	if !quiet {
		n, err := archive.CountClasses(in)
		if err != nil {
			return err
		}
		bar := progressbar.NewOptions(n,
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSetDescription("rewriting"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		opts = append(opts, archive.WithProgress(func(string) { bar.Add(1) }))
	}

	_, err = archive.New(sb.Rewriter, opts...).RewriteFile(context.Background(), in, out)
	return err
}
