package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/spf13/pflag"

	"github.com/daimatz/jvmsandbox/pkg/classfile"
	"github.com/daimatz/jvmsandbox/pkg/vm"
)

// findJmodPath locates java.base.jmod: JAVA_BASE_JMOD, then JAVA_HOME,
// then the usual Linux install locations. It returns "" when none exists.
func findJmodPath() string {
	if env := os.Getenv("JAVA_BASE_JMOD"); env != "" {
		return env
	}
	if javaHome := os.Getenv("JAVA_HOME"); javaHome != "" {
		p := filepath.Join(javaHome, "jmods", "java.base.jmod")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	matches, _ := filepath.Glob("/usr/lib/jvm/java-*-openjdk-*/jmods/java.base.jmod")
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}

func runCommand(args []string, stdout, stderr io.Writer) error {
	var c common
	var jar, jmod string
	var direct bool
	var maxDepth int
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	c.addFlags(fs)
	fs.StringVar(&jar, "jar", "", "load classes from this jar; the argument is then a class name")
	fs.StringVar(&jmod, "jmod", "", "java.base.jmod for JDK classes without a built-in implementation (default: search JAVA_BASE_JMOD, JAVA_HOME)")
	fs.BoolVar(&direct, "direct", false, "run the classes unrewritten")
	fs.IntVar(&maxDepth, "max-depth", 1024, "maximum call depth before StackOverflowError")
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: jsandbox run [flags] <Main.class | main.Class> [args...]\n\nFlags:\n%s", fs.FlagUsages())
	}
	if done, err := parse(fs, args, stderr); done || err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("run: no class given")
	}

	var src interface {
		vm.ClassSource
		vm.ClassLoader
	}
	var mainClass string
	if jar != "" {
		src = vm.NewJarClassLoader(jar)
		mainClass = classfile.InternalName(fs.Arg(0))
	} else {
		file := fs.Arg(0)
		src = vm.NewUserClassLoader(filepath.Dir(file), nil)
		mainClass = strings.TrimSuffix(filepath.Base(file), ".class")
	}

	logger := c.logger(stderr)
	sb, err := c.sandbox(logger)
	if err != nil {
		return err
	}
	defer sb.Close()

	if jmod == "" {
		jmod = findJmodPath()
	}
	var parent vm.ClassLoader
	if jmod != "" {
		parent = vm.NewJmodClassLoader(jmod)
		logger.Debug("using jmod", "path", jmod)
	}

	var loader vm.ClassLoader
	switch {
	case direct && parent != nil:
		loader = chain{parent, src}
	case direct:
		loader = src
	default:
		loader = vm.NewRewritingClassLoader(src, parent, sb.Rewriter)
	}

	v := vm.NewVM(loader,
		vm.WithResolver(sb.Resolver),
		vm.WithRuntimeClass(sb.RuntimeClass),
		vm.WithLogger(logger),
		vm.WithMaxFrameDepth(maxDepth),
	)
	v.Stdout = stdout
	return v.Run(context.Background(), mainClass, fs.Args()[1:])
}

// chain loads from the first loader that has the class.
type chain []vm.ClassLoader

func (c chain) LoadClass(name string) (*classfile.ClassFile, error) {
	var err error
	for _, l := range c {
		var cf *classfile.ClassFile
		if cf, err = l.LoadClass(name); err == nil {
			return cf, nil
		}
	}
	return nil, err
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}
