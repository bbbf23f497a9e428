// Package mapping holds the domain-to-address tables consulted before a
// query is forwarded upstream: an in-memory table and a SQLite-backed one
// with the same lookup semantics.
package mapping

import (
	"net/netip"
	"strings"
)

// Entry is a single domain mapping as returned by List.
type Entry struct {
	Domain string
	Addr   netip.Addr
}

// Table is an in-memory domain table with exact and wildcard-suffix lookup.
// It is not safe for concurrent use; callers are expected to guard it.
type Table struct {
	m map[string]netip.Addr
}

func NewTable() *Table {
	return &Table{
		m: make(map[string]netip.Addr),
	}
}

// Normalize lowercases a domain name and strips one trailing dot. Stored
// keys and query names are compared in this form.
func Normalize(domain string) string {
	domain = strings.ToLower(domain)
	return strings.TrimSuffix(domain, ".")
}

// wildcardKeys returns the wildcard table keys matching qname, most specific
// first: for "a.b.c.d" that is "*.b.c.d", "*.c.d", "*.d". A single-label
// name has no wildcard candidates.
func wildcardKeys(qname string) []string {
	labels := strings.Split(qname, ".")
	keys := make([]string, 0, len(labels)-1)
	for i := 1; i < len(labels); i++ {
		keys = append(keys, "*."+strings.Join(labels[i:], "."))
	}
	return keys
}

// Set stores or overwrites the mapping for domain. The name is normalized
// but not otherwise validated.
func (t *Table) Set(domain string, addr netip.Addr) {
	t.m[Normalize(domain)] = addr
}

// Remove deletes the mapping for domain. Removing an absent name is a no-op.
func (t *Table) Remove(domain string) {
	delete(t.m, Normalize(domain))
}

// Resolve looks qname up, trying the exact normalized name first and then
// each wildcard suffix. It reports whether a mapping was found.
func (t *Table) Resolve(qname string) (netip.Addr, bool) {
	qname = Normalize(qname)

	if addr, ok := t.m[qname]; ok {
		return addr, true
	}

	for _, key := range wildcardKeys(qname) {
		if addr, ok := t.m[key]; ok {
			return addr, true
		}
	}

	return netip.Addr{}, false
}

// List returns a snapshot of all entries in no particular order.
func (t *Table) List() []Entry {
	entries := make([]Entry, 0, len(t.m))
	for domain, addr := range t.m {
		entries = append(entries, Entry{Domain: domain, Addr: addr})
	}
	return entries
}

// Count returns the number of stored mappings.
func (t *Table) Count() int {
	return len(t.m)
}

// Clear removes every stored mapping.
func (t *Table) Clear() {
	t.m = make(map[string]netip.Addr)
}
