package callsite

import "sync"

// Location identifies an invokedynamic instruction within a class.
type Location struct {
	Method string // name + descriptor
	PC     int
}

// Table holds the sites of one loaded class. Discarding the table with
// its class is the only way a site is linked again.
type Table struct {
	resolver *Resolver
	caller   Caller

	mu    sync.Mutex
	sites map[Location]*Site
}

// NewTable returns an empty table for caller's class.
func NewTable(r *Resolver, caller Caller) *Table {
	return &Table{resolver: r, caller: caller, sites: make(map[Location]*Site)}
}

// Site returns the site at loc, creating it from req on first request.
// Later requests for the same location return the existing site and
// ignore req.
func (t *Table) Site(loc Location, req Request) *Site {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sites[loc]; ok {
		return s
	}
	s := NewSite(t.resolver, t.caller, req)
	t.sites[loc] = s
	return s
}

// Lookup returns the site at loc if it has been created.
func (t *Table) Lookup(loc Location) (*Site, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sites[loc]
	return s, ok
}

// Len returns the number of sites created so far.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sites)
}
