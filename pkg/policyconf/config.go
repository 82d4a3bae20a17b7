// Package policyconf loads the interception policy of a sandbox from a
// single file.
//
// The file is named explicitly, by the --policy flag or the
// JSANDBOX_POLICY environment variable. There is no discovery. Its format
// follows the extension: .yaml or .yml, .toml, .json or .jsonc (JSON with
// comments and trailing commas).
//
// A loaded Config builds the resolver policy chain and the rewriter:
//
//	log → audit → rules → bake
//
// Logging sees every request first; the audit sink records denials too.
package policyconf

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/daimatz/jvmsandbox/pkg/callsite"
	"github.com/daimatz/jvmsandbox/pkg/rewrite"
)

// EnvVar names the environment variable Load reads the policy path from.
const EnvVar = "JSANDBOX_POLICY"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid policy")

// Format is the syntax of a policy file.
type Format int

const (
	YAML Format = iota
	TOML
	JSONC
)

func (f Format) String() string {
	switch f {
	case YAML:
		return "yaml"
	case TOML:
		return "toml"
	case JSONC:
		return "jsonc"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML, nil
	case ".toml":
		return TOML, nil
	case ".json", ".jsonc":
		return JSONC, nil
	}
	return 0, fmt.Errorf("%w: unknown extension %q", ErrInvalid, filepath.Ext(path))
}

// Config is the policy file.
type Config struct {
	// Log logs every call site request at info level.
	Log bool `yaml:"log" toml:"log" json:"log"`

	// Audit is a file that receives one CBOR record per request. The file
	// is appended to.
	Audit string `yaml:"audit" toml:"audit" json:"audit"`

	// Rules are evaluated in order; the first match decides.
	Rules []Rule `yaml:"rules" toml:"rules" json:"rules"`

	// Default applies when no rule matches: "allow" or "deny".
	// Default: allow
	Default string `yaml:"default" toml:"default" json:"default"`

	// Trusted lists owner prefixes whose call sites are left unrewritten.
	Trusted []string `yaml:"trusted" toml:"trusted" json:"trusted"`

	// RuntimeClass names the bootstrap class of rewritten call sites.
	// Default: jvmsandbox/runtime/Bootstraps
	RuntimeClass string `yaml:"runtime_class" toml:"runtime_class" json:"runtime_class"`
}

// Rule is one allow or deny entry. Owner and Member are glob patterns
// over internal names; Kinds names call site kinds, case-insensitively.
type Rule struct {
	Action string   `yaml:"action" toml:"action" json:"action"`
	Owner  string   `yaml:"owner" toml:"owner" json:"owner"`
	Member string   `yaml:"member" toml:"member" json:"member"`
	Kinds  []string `yaml:"kinds" toml:"kinds" json:"kinds"`
}

// Default returns the configuration used when no file is given: every
// call site is intercepted and allowed.
func Default() *Config {
	return &Config{
		Default:      callsite.Allow.String(),
		RuntimeClass: rewrite.DefaultRuntimeClass,
	}
}

// Load loads the file named by JSANDBOX_POLICY, or returns Default when
// the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads and validates a policy file.
func LoadFile(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	var err error
	switch format {
	case YAML:
		err = yaml.Unmarshal(data, cfg)
	case TOML:
		_, err = toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	case JSONC:
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		err = fmt.Errorf("unsupported format %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s policy: %w", format, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Default == "" {
		c.Default = callsite.Allow.String()
	}
	if c.RuntimeClass == "" {
		c.RuntimeClass = rewrite.DefaultRuntimeClass
	}
}

// Validate checks every action, kind name and rule pattern.
func (c *Config) Validate() error {
	if _, err := callsite.ParseAction(c.Default); err != nil {
		return fmt.Errorf("%w: default: %v", ErrInvalid, err)
	}
	if _, err := c.compileRules(); err != nil {
		return err
	}
	for i, p := range c.Trusted {
		if p == "" {
			return fmt.Errorf("%w: trusted[%d] is empty", ErrInvalid, i)
		}
	}
	if strings.Contains(c.RuntimeClass, ".") {
		return fmt.Errorf("%w: runtime_class %q must be an internal name", ErrInvalid, c.RuntimeClass)
	}
	return nil
}

func (c *Config) compileRules() ([]callsite.Rule, error) {
	rules := make([]callsite.Rule, 0, len(c.Rules))
	for i, r := range c.Rules {
		action, err := callsite.ParseAction(r.Action)
		if err != nil {
			return nil, fmt.Errorf("%w: rules[%d]: %v", ErrInvalid, i, err)
		}
		rule := callsite.Rule{Action: action, Owner: r.Owner, Member: r.Member}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("%w: rules[%d]: %v", ErrInvalid, i, err)
		}
		for _, name := range r.Kinds {
			k, err := parseKind(name)
			if err != nil {
				return nil, fmt.Errorf("%w: rules[%d]: %v", ErrInvalid, i, err)
			}
			rule.Kinds = append(rule.Kinds, k)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseKind(s string) (callsite.Kind, error) {
	for k := callsite.Virtual; k.Valid(); k++ {
		if strings.EqualFold(k.String(), s) {
			return k, nil
		}
	}
	return callsite.ParseKind(s)
}
