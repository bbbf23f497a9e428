package mapping

import (
	"net/netip"
	"testing"
)

func TestTableExactAndWildcard(t *testing.T) {
	tbl := NewTable()
	tbl.Set("foo.dev", netip.MustParseAddr("127.0.0.1"))
	tbl.Set("*.example.com", netip.MustParseAddr("10.0.0.42"))

	if addr, ok := tbl.Resolve("foo.dev"); !ok || addr != netip.MustParseAddr("127.0.0.1") {
		t.Fatalf("exact match failed: %v %v", addr, ok)
	}
	if addr, ok := tbl.Resolve("api.example.com"); !ok || addr != netip.MustParseAddr("10.0.0.42") {
		t.Fatalf("wildcard match failed: %v %v", addr, ok)
	}
	if addr, ok := tbl.Resolve("deep.sub.example.com"); !ok || addr != netip.MustParseAddr("10.0.0.42") {
		t.Fatalf("nested wildcard match failed: %v %v", addr, ok)
	}
	if _, ok := tbl.Resolve("example.com"); ok {
		t.Fatal("wildcard must not match the bare suffix")
	}
	if _, ok := tbl.Resolve("unknown.test"); ok {
		t.Fatal("unexpected match for unknown.test")
	}
}

func TestTableNormalization(t *testing.T) {
	tbl := NewTable()
	tbl.Set("Foo.DEV.", netip.MustParseAddr("127.0.0.1"))

	queries := []string{"foo.dev", "foo.dev.", "FOO.DEV", "Foo.Dev."}
	for _, q := range queries {
		if _, ok := tbl.Resolve(q); !ok {
			t.Fatalf("query %q did not resolve", q)
		}
	}
}

func TestTableWildcardTrailingDotAndCase(t *testing.T) {
	tbl := NewTable()
	tbl.Set("*.example.com", netip.MustParseAddr("10.0.0.42"))

	if _, ok := tbl.Resolve("API.Example.COM."); !ok {
		t.Fatal("wildcard lookup must be case- and dot-insensitive")
	}
}

func TestTableSingleLabelNeverMatchesWildcard(t *testing.T) {
	tbl := NewTable()
	tbl.Set("*.dev", netip.MustParseAddr("127.0.0.1"))

	if _, ok := tbl.Resolve("dev"); ok {
		t.Fatal("single-label query must not match any wildcard")
	}
	if _, ok := tbl.Resolve("foo.dev"); !ok {
		t.Fatal("two-label query should match *.dev")
	}
}

func TestTableOverwrite(t *testing.T) {
	tbl := NewTable()
	tbl.Set("foo.dev", netip.MustParseAddr("127.0.0.1"))
	tbl.Set("foo.dev", netip.MustParseAddr("10.1.2.3"))

	addr, ok := tbl.Resolve("foo.dev")
	if !ok || addr != netip.MustParseAddr("10.1.2.3") {
		t.Fatalf("overwrite failed: %v %v", addr, ok)
	}
	if tbl.Count() != 1 {
		t.Fatalf("expected a single entry, got %d", tbl.Count())
	}
}

func TestTableRemove(t *testing.T) {
	tbl := NewTable()
	tbl.Set("foo.dev", netip.MustParseAddr("127.0.0.1"))
	tbl.Remove("FOO.dev.")

	if _, ok := tbl.Resolve("foo.dev"); ok {
		t.Fatal("entry still resolvable after remove")
	}

	// removing an absent name is a no-op
	tbl.Remove("never.seen")
}

func TestTableList(t *testing.T) {
	entries := map[string]netip.Addr{
		"foo.dev":       netip.MustParseAddr("127.0.0.1"),
		"bar.dev":       netip.MustParseAddr("127.0.0.2"),
		"*.example.com": netip.MustParseAddr("10.0.0.42"),
	}

	tbl := NewTable()
	for domain, addr := range entries {
		tbl.Set(domain, addr)
	}

	listed := tbl.List()
	if len(listed) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(listed))
	}
	for _, e := range listed {
		if entries[e.Domain] != e.Addr {
			t.Fatalf("unexpected entry %s -> %s", e.Domain, e.Addr)
		}
	}
}

func TestTableClear(t *testing.T) {
	tbl := NewTable()
	tbl.Set("foo.dev", netip.MustParseAddr("127.0.0.1"))
	tbl.Set("bar.dev", netip.MustParseAddr("127.0.0.2"))

	tbl.Clear()
	if tbl.Count() != 0 {
		t.Fatalf("expected empty table, got %d entries", tbl.Count())
	}
}
