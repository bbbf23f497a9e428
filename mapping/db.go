package mapping

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"net/url"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a throwaway database that lives only as long as the
// process. Useful for tests and dry runs.
const MemoryPath = ":memory:"

var initQueries = []string{
	`PRAGMA journal_mode=WAL`,
	`PRAGMA synchronous=NORMAL`,
	`CREATE TABLE IF NOT EXISTS domain_mappings (
  domain TEXT NOT NULL PRIMARY KEY,
  ip_a INTEGER NOT NULL,
  ip_b INTEGER NOT NULL,
  ip_c INTEGER NOT NULL,
  ip_d INTEGER NOT NULL,
  created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
  updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
 ) STRICT`,
	`CREATE TRIGGER IF NOT EXISTS domain_mappings_touch
 AFTER UPDATE ON domain_mappings
 BEGIN
  UPDATE domain_mappings SET updated_at = strftime('%s', 'now') WHERE domain = NEW.domain;
 END`,
}

// DB is a domain table backed by a SQLite database. It has the same lookup
// semantics as Table but every operation may touch disk and fail.
type DB struct {
	db *sql.DB
}

// OpenDB opens (creating if needed) the database at dbPath and prepares the
// schema. Pass MemoryPath for a non-persistent database.
func OpenDB(dbPath string) (*DB, error) {
	dsn := dbPath
	if dbPath != MemoryPath {
		dbURL := url.URL{
			Scheme:   "file",
			Path:     dbPath,
			OmitHost: true,
		}
		dsn = dbURL.String()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("can't open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("DB ping failed: %w", err)
	}

	for _, query := range initQueries {
		if _, err := db.Exec(query); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup command (%q) error: %w", query, err)
		}
	}

	return &DB{db: db}, nil
}

// Set stores or overwrites the mapping for domain as a single upsert.
func (d *DB) Set(ctx context.Context, domain string, addr netip.Addr) error {
	octets := addr.As4()
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO domain_mappings (domain, ip_a, ip_b, ip_c, ip_d) VALUES (?, ?, ?, ?, ?)`,
		Normalize(domain), octets[0], octets[1], octets[2], octets[3],
	)
	if err != nil {
		return fmt.Errorf("upsert query error: %w", err)
	}
	return nil
}

// Remove deletes the mapping for domain. Removing an absent name is a no-op.
func (d *DB) Remove(ctx context.Context, domain string) error {
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM domain_mappings WHERE domain = ?`, Normalize(domain))
	if err != nil {
		return fmt.Errorf("delete query error: %w", err)
	}
	return nil
}

// Resolve looks qname up with the exact-then-wildcard-suffix search of
// Table.Resolve, one query per candidate key.
func (d *DB) Resolve(ctx context.Context, qname string) (netip.Addr, bool, error) {
	qname = Normalize(qname)

	if addr, ok, err := d.getExact(ctx, qname); err != nil || ok {
		return addr, ok, err
	}

	for _, key := range wildcardKeys(qname) {
		if addr, ok, err := d.getExact(ctx, key); err != nil || ok {
			return addr, ok, err
		}
	}

	return netip.Addr{}, false, nil
}

func (d *DB) getExact(ctx context.Context, domain string) (netip.Addr, bool, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT ip_a, ip_b, ip_c, ip_d FROM domain_mappings WHERE domain = ?`, domain)

	var o1, o2, o3, o4 byte
	if err := row.Scan(&o1, &o2, &o3, &o4); err != nil {
		if err == sql.ErrNoRows {
			return netip.Addr{}, false, nil
		}
		return netip.Addr{}, false, fmt.Errorf("lookup query error: %w", err)
	}

	return netip.AddrFrom4([4]byte{o1, o2, o3, o4}), true, nil
}

// List returns all entries ordered by domain name.
func (d *DB) List(ctx context.Context) ([]Entry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT domain, ip_a, ip_b, ip_c, ip_d FROM domain_mappings ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("list query error: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var domain string
		var o1, o2, o3, o4 byte
		if err := rows.Scan(&domain, &o1, &o2, &o3, &o4); err != nil {
			return nil, fmt.Errorf("list scan error: %w", err)
		}
		entries = append(entries, Entry{
			Domain: domain,
			Addr:   netip.AddrFrom4([4]byte{o1, o2, o3, o4}),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rows error: %w", err)
	}

	return entries, nil
}

// Count returns the number of stored mappings.
func (d *DB) Count(ctx context.Context) (int64, error) {
	row := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM domain_mappings`)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count query error: %w", err)
	}
	return n, nil
}

// Clear removes every stored mapping.
func (d *DB) Clear(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM domain_mappings`); err != nil {
		return fmt.Errorf("clear query error: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
