// jsandbox rewrites JVM class files so that method calls and object
// construction are linked through an interception policy at run time, and
// runs rewritten classes on the built-in interpreter.
//
// Usage:
//
//	jsandbox rewrite <in.class> -o <out.class>
//	jsandbox rewrite-jar <in.jar> -o <out.jar> [--jobs N] [--cache DIR]
//	jsandbox run [--jar app.jar] [--jmod path] <Main.class | main.Class> [args...]
//	jsandbox version
//
// The policy file is named by --policy or JSANDBOX_POLICY. Debug logging
// is enabled by --debug or a non-empty JSANDBOX_DEBUG.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/daimatz/jvmsandbox/pkg/policyconf"
)

const debugEnv = "JSANDBOX_DEBUG"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var coded interface{ ExitCode() int }
		if errors.As(err, &coded) {
			os.Exit(coded.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "jsandbox: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errors.New("no command given")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "rewrite":
		return rewriteCommand(rest, stderr)
	case "rewrite-jar":
		return rewriteJarCommand(rest, stderr)
	case "run":
		return runCommand(rest, stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "jsandbox %s\n", version())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command %q", cmd)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: jsandbox <command> [flags]

Commands:
  rewrite      rewrite one class file
  rewrite-jar  rewrite every class of a jar
  run          run a class with call sites linked through the policy
  version      print the version

Run "jsandbox <command> --help" for the flags of a command.
`)
}

// common holds the flags every command accepts.
type common struct {
	debug  bool
	policy string
}

func (c *common) addFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&c.debug, "debug", os.Getenv(debugEnv) != "", "enable debug logging (env "+debugEnv+")")
	fs.StringVar(&c.policy, "policy", os.Getenv(policyconf.EnvVar), "policy file, .yaml, .toml or .jsonc (env "+policyconf.EnvVar+")")
}

func (c *common) logger(stderr io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if c.debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// sandbox loads the policy file, or the default policy when none is
// named, and builds it.
func (c *common) sandbox(logger *slog.Logger) (*policyconf.Sandbox, error) {
	cfg := policyconf.Default()
	if c.policy != "" {
		var err error
		if cfg, err = policyconf.LoadFile(c.policy); err != nil {
			return nil, err
		}
		logger.Debug("loaded policy", "path", c.policy)
	}
	return cfg.Build(logger)
}

// parse parses a command's flags. It reports done when help was shown.
func parse(fs *pflag.FlagSet, args []string, stderr io.Writer) (done bool, err error) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}
