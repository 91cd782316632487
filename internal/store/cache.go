// Package store provides a SQLite-backed cache for minted leaf certificates.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

// Cache provides SQLite-backed leaf certificate caching, keyed by host and
// the fingerprint of the CA that signed the leaf.
type Cache struct {
	db *sql.DB
}

// LeafRecord is a cached PEM-encoded leaf certificate and key.
type LeafRecord struct {
	Host          string
	CAFingerprint string
	CertPEM       []byte
	KeyPEM        []byte
	NotAfter      time.Time
	IssuedAt      time.Time
}

// Open opens or creates the cache database at the given path.
func Open(dbPath string) (*Cache, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// GetLeaf returns the cached leaf for host signed by the given CA. The bool
// is false when no unexpired entry exists.
func (c *Cache) GetLeaf(host, caFingerprint string, now time.Time) (LeafRecord, bool, error) {
	rec := LeafRecord{Host: host, CAFingerprint: caFingerprint}
	var notAfter, issuedAt string

	err := c.db.QueryRow(`SELECT cert_pem, key_pem, not_after, issued_at
		FROM leaf_certs WHERE host = ? AND ca_fingerprint = ?`, host, caFingerprint,
	).Scan(&rec.CertPEM, &rec.KeyPEM, &notAfter, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return LeafRecord{}, false, nil
	}
	if err != nil {
		return LeafRecord{}, false, err
	}

	rec.NotAfter, err = time.Parse(time.RFC3339, notAfter)
	if err != nil {
		return LeafRecord{}, false, fmt.Errorf("parsing not_after for %s: %w", host, err)
	}
	rec.IssuedAt, _ = time.Parse(time.RFC3339, issuedAt)

	if !now.Before(rec.NotAfter) {
		return LeafRecord{}, false, nil
	}
	return rec, true, nil
}

// SaveLeaf stores or replaces the leaf for its host and CA.
func (c *Cache) SaveLeaf(rec LeafRecord) error {
	issued := rec.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	_, err := c.db.Exec(`INSERT OR REPLACE INTO leaf_certs
		(host, ca_fingerprint, cert_pem, key_pem, not_after, issued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Host, rec.CAFingerprint, rec.CertPEM, rec.KeyPEM,
		rec.NotAfter.UTC().Format(time.RFC3339), issued.UTC().Format(time.RFC3339),
	)
	return err
}

// PruneExpired deletes leaves that expired before now, returning how many went.
func (c *Cache) PruneExpired(now time.Time) (int64, error) {
	res, err := c.db.Exec("DELETE FROM leaf_certs WHERE not_after <= ?", now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteForOtherCAs removes every leaf not signed by the given CA.
func (c *Cache) DeleteForOtherCAs(caFingerprint string) error {
	_, err := c.db.Exec("DELETE FROM leaf_certs WHERE ca_fingerprint != ?", caFingerprint)
	return err
}

// LeafCount returns the number of cached leaves.
func (c *Cache) LeafCount() (int, error) {
	var count int
	err := c.db.QueryRow("SELECT COUNT(*) FROM leaf_certs").Scan(&count)
	return count, err
}
