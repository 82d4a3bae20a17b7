package rewrite

import (
	"strings"

	"github.com/daimatz/jvmsandbox/pkg/callsite"
)

// Policy decides at rewrite time whether a call site is routed through
// the resolver. A site the policy declines stays a direct instruction.
type Policy interface {
	Intercept(d callsite.Descriptor) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(d callsite.Descriptor) bool

func (f PolicyFunc) Intercept(d callsite.Descriptor) bool { return f(d) }

// InterceptAll routes every site through the resolver.
var InterceptAll Policy = PolicyFunc(func(callsite.Descriptor) bool { return true })

// ExcludeOwners leaves direct every site whose owner starts with one of
// the given internal-name prefixes, e.g. "java/lang/".
func ExcludeOwners(prefixes ...string) Policy {
	ps := append([]string(nil), prefixes...)
	return PolicyFunc(func(d callsite.Descriptor) bool {
		for _, p := range ps {
			if strings.HasPrefix(d.Owner, p) {
				return false
			}
		}
		return true
	})
}
