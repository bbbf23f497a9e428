// Package resolver holds the shared state consulted by every in-flight DNS
// query: the active domain table backend, the enabled flag and the upstream
// resolver address.
package resolver

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/devdns/devdns/mapping"
)

// ErrNotSynchronous is returned by the synchronous mutation variants when
// the state is backed by the database, whose operations may block on I/O.
var ErrNotSynchronous = errors.New("synchronous mutation requires the in-memory backend")

// backend is the closed set of domain table implementations. Both variants
// must implement every operation, so adding a third backend is a
// compile-enforced change everywhere it matters.
type backend interface {
	resolve(ctx context.Context, qname string) (netip.Addr, bool, error)
	set(ctx context.Context, domain string, addr netip.Addr) error
	remove(ctx context.Context, domain string) error
	list(ctx context.Context) ([]mapping.Entry, error)
	count(ctx context.Context) (int64, error)
	clear(ctx context.Context) error
}

// memoryBackend guards a mapping.Table for concurrent use.
type memoryBackend struct {
	mu    sync.RWMutex
	table *mapping.Table
}

func (b *memoryBackend) resolve(_ context.Context, qname string) (netip.Addr, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.table.Resolve(qname)
	return addr, ok, nil
}

func (b *memoryBackend) set(_ context.Context, domain string, addr netip.Addr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table.Set(domain, addr)
	return nil
}

func (b *memoryBackend) remove(_ context.Context, domain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table.Remove(domain)
	return nil
}

func (b *memoryBackend) list(_ context.Context) ([]mapping.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.table.List(), nil
}

func (b *memoryBackend) count(_ context.Context) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(b.table.Count()), nil
}

func (b *memoryBackend) clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.table.Clear()
	return nil
}

// dbBackend delegates to the SQLite table, which does its own locking.
type dbBackend struct {
	db *mapping.DB
}

func (b *dbBackend) resolve(ctx context.Context, qname string) (netip.Addr, bool, error) {
	return b.db.Resolve(ctx, qname)
}

func (b *dbBackend) set(ctx context.Context, domain string, addr netip.Addr) error {
	return b.db.Set(ctx, domain, addr)
}

func (b *dbBackend) remove(ctx context.Context, domain string) error {
	return b.db.Remove(ctx, domain)
}

func (b *dbBackend) list(ctx context.Context) ([]mapping.Entry, error) {
	return b.db.List(ctx)
}

func (b *dbBackend) count(ctx context.Context) (int64, error) {
	return b.db.Count(ctx)
}

func (b *dbBackend) clear(ctx context.Context) error {
	return b.db.Clear(ctx)
}

// State is the resolver state shared by all concurrent query handlers. The
// backend is chosen at construction and never swapped; the enabled flag and
// upstream address are independently guarded so a read never observes a
// torn value, but no cross-field atomicity is provided.
type State struct {
	backend backend

	enabledMu sync.RWMutex
	enabled   bool

	upstreamMu sync.RWMutex
	upstream   netip.AddrPort
}

// New creates a State with the in-memory domain table.
func New(upstream netip.AddrPort) *State {
	return &State{
		backend: &memoryBackend{
			table: mapping.NewTable(),
		},
		enabled:  true,
		upstream: upstream,
	}
}

// NewWithDB creates a State backed by an opened SQLite domain table.
func NewWithDB(upstream netip.AddrPort, db *mapping.DB) *State {
	return &State{
		backend:  &dbBackend{db: db},
		enabled:  true,
		upstream: upstream,
	}
}

// Resolve looks qname up in the active domain table. A miss is not an
// error; errors come only from the database backend.
func (s *State) Resolve(ctx context.Context, qname string) (netip.Addr, bool, error) {
	return s.backend.resolve(ctx, qname)
}

// AddDomain stores or overwrites a mapping.
func (s *State) AddDomain(ctx context.Context, domain string, addr netip.Addr) error {
	return s.backend.set(ctx, domain, addr)
}

// RemoveDomain deletes a mapping. Removing an absent name is a no-op.
func (s *State) RemoveDomain(ctx context.Context, domain string) error {
	return s.backend.remove(ctx, domain)
}

// AddDomainSync is AddDomain for callers that cannot block, such as
// startup-time seeding. It fails with ErrNotSynchronous on the database
// backend rather than silently dropping the mapping.
func (s *State) AddDomainSync(domain string, addr netip.Addr) error {
	b, ok := s.backend.(*memoryBackend)
	if !ok {
		return ErrNotSynchronous
	}
	return b.set(context.Background(), domain, addr)
}

// RemoveDomainSync is the synchronous counterpart of RemoveDomain, with the
// same backend restriction as AddDomainSync.
func (s *State) RemoveDomainSync(domain string) error {
	b, ok := s.backend.(*memoryBackend)
	if !ok {
		return ErrNotSynchronous
	}
	return b.remove(context.Background(), domain)
}

// ListDomains returns a snapshot of all mappings.
func (s *State) ListDomains(ctx context.Context) ([]mapping.Entry, error) {
	return s.backend.list(ctx)
}

// CountDomains returns the number of stored mappings.
func (s *State) CountDomains(ctx context.Context) (int64, error) {
	return s.backend.count(ctx)
}

// ClearDomains removes every stored mapping.
func (s *State) ClearDomains(ctx context.Context) error {
	return s.backend.clear(ctx)
}

// Enabled reports whether local resolution is active. A disabled resolver
// forwards every query upstream.
func (s *State) Enabled() bool {
	s.enabledMu.RLock()
	defer s.enabledMu.RUnlock()
	return s.enabled
}

func (s *State) SetEnabled(v bool) {
	s.enabledMu.Lock()
	defer s.enabledMu.Unlock()
	s.enabled = v
}

// Upstream returns the address unresolved queries are forwarded to.
func (s *State) Upstream() netip.AddrPort {
	s.upstreamMu.RLock()
	defer s.upstreamMu.RUnlock()
	return s.upstream
}

func (s *State) SetUpstream(addr netip.AddrPort) {
	s.upstreamMu.Lock()
	defer s.upstreamMu.Unlock()
	s.upstream = addr
}
