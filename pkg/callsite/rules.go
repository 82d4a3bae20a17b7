package callsite

import (
	"fmt"
	"path"
	"strings"
)

// Action is the verdict of a Rule.
type Action int

const (
	Allow Action = iota
	Deny
)

func (a Action) String() string {
	if a == Deny {
		return "deny"
	}
	return "allow"
}

// ParseAction parses "allow" or "deny".
func ParseAction(s string) (Action, error) {
	switch s {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Rule matches descriptors by owner and member name patterns and kinds.
// Owner patterns use internal names: "*" matches within one package
// segment, "**" any number of whole segments. An empty pattern or Kinds list matches
// everything.
type Rule struct {
	Action Action
	Owner  string
	Member string
	Kinds  []Kind
}

// Matches reports whether r applies to d.
func (r Rule) Matches(d Descriptor) bool {
	if r.Owner != "" && !matchPattern(r.Owner, d.Owner) {
		return false
	}
	if r.Member != "" && !matchPattern(r.Member, d.Name) {
		return false
	}
	if len(r.Kinds) == 0 {
		return true
	}
	for _, k := range r.Kinds {
		if k == d.Kind {
			return true
		}
	}
	return false
}

func (r Rule) String() string {
	var sb strings.Builder
	sb.WriteString(r.Action.String())
	fmt.Fprintf(&sb, " owner=%q member=%q", r.Owner, r.Member)
	if len(r.Kinds) > 0 {
		fmt.Fprintf(&sb, " kinds=%v", r.Kinds)
	}
	return sb.String()
}

// Rules is an ordered allow/deny list. The first matching rule decides;
// Default applies when none matches. A list holding a malformed pattern
// denies everything.
type Rules struct {
	next    Policy
	rules   []Rule
	invalid error
	Default Action
}

// NewRules returns a Rules policy in front of next.
func NewRules(next Policy, def Action, rules ...Rule) *Rules {
	p := &Rules{next: next, rules: append([]Rule(nil), rules...), Default: def}
	for i, r := range p.rules {
		if err := r.Validate(); err != nil {
			p.invalid = fmt.Errorf("rule %d: %w", i, err)
			break
		}
	}
	return p
}

// WithRules is the Link form of NewRules.
func WithRules(def Action, rules ...Rule) Link {
	return func(next Policy) Policy { return NewRules(next, def, rules...) }
}

func (p *Rules) Intercept(caller Caller, d Descriptor) (Handle, error) {
	if p.invalid != nil {
		return nil, &PolicyError{Policy: "rules", Reason: p.invalid.Error()}
	}
	for _, r := range p.rules {
		if !r.Matches(d) {
			continue
		}
		if r.Action == Deny {
			return nil, &PolicyError{Policy: "rules", Reason: "matched " + r.String()}
		}
		return p.next.Intercept(caller, d)
	}
	if p.Default == Deny {
		return nil, &PolicyError{Policy: "rules", Reason: "no rule allows " + d.Owner + "." + d.Name}
	}
	return p.next.Intercept(caller, d)
}

// ValidatePattern reports whether p is a usable Rule pattern. Segments
// are path.Match globs; "**" must be a whole segment.
func ValidatePattern(p string) error {
	for _, seg := range strings.Split(p, "/") {
		if seg == "**" {
			continue
		}
		if strings.Contains(seg, "**") {
			return fmt.Errorf("%w: %q: ** must be a whole segment", path.ErrBadPattern, p)
		}
		if _, err := path.Match(seg, ""); err != nil {
			return fmt.Errorf("%w: %q", err, p)
		}
	}
	return nil
}

// Validate checks the owner and member patterns of r.
func (r Rule) Validate() error {
	if err := ValidatePattern(r.Owner); err != nil {
		return fmt.Errorf("owner: %w", err)
	}
	if err := ValidatePattern(r.Member); err != nil {
		return fmt.Errorf("member: %w", err)
	}
	return nil
}

// matchPattern matches a slash-separated name against a pattern segment
// by segment. "**" matches zero or more whole segments. Malformed
// patterns never match.
func matchPattern(pattern, name string) bool {
	ok, err := matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
	return err == nil && ok
}

func matchSegments(pattern, segs []string) (bool, error) {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for i := 0; i <= len(segs); i++ {
				if ok, err := matchSegments(pattern[1:], segs[i:]); ok || err != nil {
					return ok, err
				}
			}
			return false, nil
		}
		if len(segs) == 0 {
			return false, nil
		}
		ok, err := path.Match(pattern[0], segs[0])
		if err != nil || !ok {
			return false, err
		}
		pattern, segs = pattern[1:], segs[1:]
	}
	return len(segs) == 0, nil
}
