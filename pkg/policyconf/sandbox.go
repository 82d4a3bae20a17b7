package policyconf

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/rewrite"
)

// Sandbox is the resolver and rewriter a Config describes. Close it to
// flush the audit file.
type Sandbox struct {
	Policy       callsite.Policy
	Resolver     *callsite.Resolver
	Rewriter     *rewrite.Rewriter
	RuntimeClass string

	audit io.Closer
}

// Build composes the policy chain and the rewriter. logger receives the
// interception log when Log is set; nil discards it.
func (c *Config) Build(logger *slog.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rules, err := c.compileRules()
	if err != nil {
		return nil, err
	}
	def, err := callsite.ParseAction(c.Default)
	if err != nil {
		return nil, fmt.Errorf("%w: default: %v", ErrInvalid, err)
	}

	s := &Sandbox{RuntimeClass: c.RuntimeClass}
	var links []callsite.Link
	if c.Log {
		links = append(links, callsite.WithLogging(logger))
	}
	if c.Audit != "" {
		f, err := os.OpenFile(c.Audit, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening audit file: %w", err)
		}
		s.audit = f
		links = append(links, callsite.WithAudit(f))
	}
	if len(rules) > 0 || def == callsite.Deny {
		links = append(links, callsite.WithRules(def, rules...))
	}
	if s.Policy, err = callsite.Chain(callsite.Baker{}, links...); err != nil {
		s.Close()
		return nil, err
	}
	s.Resolver = callsite.NewResolver(s.Policy)

	opts := []rewrite.Option{
		rewrite.WithRuntimeClass(c.RuntimeClass),
		rewrite.WithLogger(logger),
	}
	if len(c.Trusted) > 0 {
		opts = append(opts, rewrite.WithPolicy(rewrite.ExcludeOwners(c.Trusted...)))
	}
	s.Rewriter = rewrite.New(opts...)

	logger.Debug("policy built",
		"log", c.Log,
		"audit", c.Audit,
		"rules", len(rules),
		"default", def.String(),
		"trusted", len(c.Trusted),
		"runtime_class", c.RuntimeClass,
	)
	return s, nil
}

// Close closes the audit file, if any.
func (s *Sandbox) Close() error {
	if s.audit == nil {
		return nil
	}
	err := s.audit.Close()
	s.audit = nil
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("closing audit file: %w", err)
	}
	return nil
}
