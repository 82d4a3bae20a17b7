package callsite

import (
	"bytes"
	"errors"
	"path"
	"testing"
	"time"

	"github.com/daimatz/jvmsandbox/pkg/classfile"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"java/lang/String", "java/lang/String", true},
		{"java/lang/*", "java/lang/String", true},
		{"java/lang/*", "java/lang/reflect/Method", false},
		{"java/lang/**", "java/lang/reflect/Method", true},
		{"java/lang/**", "java/lang", true},
		{"java/lang/**", "java/langx/Foo", false},
		{"**/Runtime", "java/lang/Runtime", true},
		{"**/Runtime", "Runtime", true},
		{"**", "anything/at/all", true},
		{"get*", "getClass", true},
		{"get*", "toString", false},
		{"java/[", "java/[", false},
		{"a/**/b", "a/x/b", true},
		{"a/**/b", "a/b", true},
		{"a/**/b", "a/x/y/b", true},
		{"a/**/b", "a/x/c", false},
		{"java/**/Method", "java/lang/reflect/Method", true},
		{"java/**/reflect/*", "java/lang/reflect/Method", true},
		{"java/lang/[reflect/**", "java/lang/reflect/Method", false},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.name); got != tt.want {
			t.Errorf("matchPattern(%q, %q): got %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	for _, p := range []string{"", "**", "java/lang/*", "java/**/Method", "get*", "[a-z]*"} {
		if err := ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q): %v", p, err)
		}
	}
	for _, p := range []string{"java/lang/[reflect/**", "java/**x/Method", "a\\"} {
		if err := ValidatePattern(p); !errors.Is(err, path.ErrBadPattern) {
			t.Errorf("ValidatePattern(%q): got %v, want ErrBadPattern", p, err)
		}
	}
}

func TestRulesWithMalformedPatternDenyAll(t *testing.T) {
	caller := Caller{Class: "App", Lookup: &countingLookup{}}
	d := Descriptor{Kind: Virtual, Owner: "java/lang/reflect/Method", Name: "invoke", Type: classfile.MustParseMethodType("(Ljava/lang/Object;[Ljava/lang/Object;)Ljava/lang/Object;")}
	policy := NewRules(Baker{}, Allow, Rule{Action: Deny, Owner: "java/lang/[reflect/**"})
	if _, err := NewResolver(policy).Resolve(caller, d); !errors.Is(err, ErrPolicyDenied) {
		t.Errorf("got %v, want ErrPolicyDenied", err)
	}

	policy = NewRules(Baker{}, Allow, Rule{Action: Deny, Owner: "java/**/Method"})
	if _, err := NewResolver(policy).Resolve(caller, d); !errors.Is(err, ErrPolicyDenied) {
		t.Errorf("java/**/Method: got %v, want ErrPolicyDenied", err)
	}
}

func TestRules(t *testing.T) {
	lookup := &countingLookup{}
	caller := Caller{Class: "App", Lookup: lookup}
	exit := Descriptor{Kind: Static, Owner: "java/lang/System", Name: "exit", Type: classfile.MustParseMethodType("(I)V")}
	println := Descriptor{Kind: Virtual, Owner: "java/io/PrintStream", Name: "println", Type: classfile.MustParseMethodType("(I)V")}
	ctor := Descriptor{Kind: Construct, Owner: "java/lang/Thread", Name: "<init>", Type: classfile.MustParseMethodType("()V")}

	policy := NewRules(Baker{}, Allow,
		Rule{Action: Deny, Owner: "java/lang/System", Member: "exit"},
		Rule{Action: Deny, Owner: "java/lang/Thread", Kinds: []Kind{Construct}},
	)

	t.Run("denied member", func(t *testing.T) {
		_, err := NewResolver(policy).Resolve(caller, exit)
		if !errors.Is(err, ErrPolicyDenied) {
			t.Fatalf("got %v, want ErrPolicyDenied", err)
		}
		var pe *PolicyError
		if !errors.As(err, &pe) || pe.Policy != "rules" {
			t.Errorf("got %v, want a *PolicyError from rules", err)
		}
		var re *ResolutionError
		if !errors.As(err, &re) {
			t.Errorf("denial must surface as a *ResolutionError, got %T", err)
		}
	})

	t.Run("denied kind", func(t *testing.T) {
		if _, err := policy.Intercept(caller, ctor); !errors.Is(err, ErrPolicyDenied) {
			t.Errorf("got %v, want ErrPolicyDenied", err)
		}
	})

	t.Run("default allow", func(t *testing.T) {
		if _, err := policy.Intercept(caller, println); err != nil {
			t.Errorf("println: %v", err)
		}
	})

	t.Run("default deny", func(t *testing.T) {
		strict := NewRules(Baker{}, Deny, Rule{Action: Allow, Owner: "java/io/**"})
		if _, err := strict.Intercept(caller, println); err != nil {
			t.Errorf("allowed println: %v", err)
		}
		if _, err := strict.Intercept(caller, exit); !errors.Is(err, ErrPolicyDenied) {
			t.Errorf("exit under default deny: got %v", err)
		}
	})

	t.Run("first match wins", func(t *testing.T) {
		p := NewRules(Baker{}, Deny,
			Rule{Action: Allow, Owner: "java/lang/System", Member: "exit"},
			Rule{Action: Deny, Owner: "java/lang/**"},
		)
		if _, err := p.Intercept(caller, exit); err != nil {
			t.Errorf("got %v, want allow from the first rule", err)
		}
	})
}

func TestAuditRecords(t *testing.T) {
	var buf bytes.Buffer
	lookup := &countingLookup{}
	caller := Caller{Class: "App", Lookup: lookup}

	deny := NewRules(Baker{}, Allow, Rule{Action: Deny, Member: "exit"})
	audit := NewAudit(deny, &buf)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	audit.now = func() time.Time { return fixed }

	ok := Descriptor{Kind: Static, Owner: "Util", Name: "add", Type: classfile.MustParseMethodType("(II)I")}
	bad := Descriptor{Kind: Static, Owner: "java/lang/System", Name: "exit", Type: classfile.MustParseMethodType("(I)V")}
	if _, err := audit.Intercept(caller, ok); err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if _, err := audit.Intercept(caller, bad); !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("denied: got %v", err)
	}

	records, err := ReadAudit(&buf)
	if err != nil {
		t.Fatalf("ReadAudit: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records: got %d, want 2", len(records))
	}
	if r := records[0]; !r.Allowed || r.Owner != "Util" || r.Name != "add" || r.Type != "(II)I" || r.Kind != "Static" || r.Caller != "App" {
		t.Errorf("first record: got %+v", r)
	}
	if !records[0].Time.Equal(fixed) {
		t.Errorf("record time: got %v, want %v", records[0].Time, fixed)
	}
	if r := records[1]; r.Allowed || r.Error == "" {
		t.Errorf("second record: got %+v, want a denial with error text", r)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestAuditWriteFailureFailsResolution(t *testing.T) {
	audit := NewAudit(Baker{}, failingWriter{})
	d := Descriptor{Kind: Static, Owner: "Util", Name: "add", Type: classfile.MustParseMethodType("(II)I")}
	if h, err := audit.Intercept(Caller{Lookup: &countingLookup{}}, d); err == nil || h != nil {
		t.Errorf("got (%v, %v), want an error", h, err)
	}
}

func TestParseKindAndAction(t *testing.T) {
	for _, k := range []Kind{Virtual, Interface, Static, Special, Construct} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q): got %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("Dynamic"); !errors.Is(err, ErrUnknownInvocationKind) {
		t.Errorf("ParseKind(Dynamic): got %v", err)
	}
	if _, err := KindFromOrdinal(5); !errors.Is(err, ErrUnknownInvocationKind) {
		t.Errorf("KindFromOrdinal(5): got %v", err)
	}
	if a, err := ParseAction("deny"); err != nil || a != Deny {
		t.Errorf("ParseAction(deny): got %v, %v", a, err)
	}
	if _, err := ParseAction("maybe"); err == nil {
		t.Error("ParseAction(maybe): expected error")
	}
}
