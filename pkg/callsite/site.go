package callsite

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type outcome struct {
	handle Handle
	err    error
}

// Site is one linked invokedynamic instruction. It resolves at most once:
// the first caller of Target runs the resolver while concurrent callers
// block, and every caller afterwards sees the same handle or the same
// error. A failure is permanent for the life of the Site.
type Site struct {
	caller   Caller
	req      Request
	resolver *Resolver

	mu   sync.Mutex
	done atomic.Pointer[outcome]
}

// NewSite returns an unresolved site.
func NewSite(r *Resolver, caller Caller, req Request) *Site {
	return &Site{caller: caller, req: req, resolver: r}
}

// Target returns the site's handle, resolving it on first use.
func (s *Site) Target() (Handle, error) {
	if o := s.done.Load(); o != nil {
		return o.handle, o.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if o := s.done.Load(); o != nil {
		return o.handle, o.err
	}
	o := s.link()
	s.done.Store(o)
	return o.handle, o.err
}

// Resolved reports whether the site has an outcome, successful or not.
func (s *Site) Resolved() bool {
	return s.done.Load() != nil
}

// Request returns the bootstrap call the site links.
func (s *Site) Request() Request { return s.req }

func (s *Site) link() (o *outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = &outcome{err: fmt.Errorf("%w: linking %s.%s: %v", ErrResolverPanic, s.req.OwnerName, s.req.Name, r)}
		}
	}()
	h, err := s.resolver.Link(s.caller, s.req)
	return &outcome{handle: h, err: err}
}
