// Package certs provisions the local certificate authority used to terminate
// TLS for intercepted hosts, and mints per-host leaf certificates from it.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/theirongolddev/tokmon/internal/config"
)

const (
	caCertFile   = "tokmon-ca.pem"
	caKeyFile    = "tokmon-ca-key.pem"
	bundleFile   = "tokmon-bundle.pem"
	leafDBFile   = "leaves.db"
	caValidity   = 10 * 365 * 24 * time.Hour
	renewalSlack = 24 * time.Hour
)

// ErrInvalidMaterial is returned when stored CA files cannot be used.
var ErrInvalidMaterial = errors.New("certs: invalid trust material")

// systemBundles lists where common platforms keep their root certificates.
var systemBundles = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/ca-trust/extracted/pem/tls-ca-bundle.pem",
	"/etc/ssl/cert.pem",
	"/usr/local/etc/openssl/cert.pem",
	"/opt/homebrew/etc/openssl@3/cert.pem",
}

// Material is the session CA and the files the child is pointed at.
type Material struct {
	Dir        string
	CertPath   string
	KeyPath    string
	BundlePath string

	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// Fingerprint returns the SHA-256 fingerprint of the CA certificate.
func (m *Material) Fingerprint() string {
	sum := sha256.Sum256(m.Cert.Raw)
	return hex.EncodeToString(sum[:])
}

// LeafDBPath returns where minted leaves are cached.
func (m *Material) LeafDBPath() string {
	return filepath.Join(m.Dir, leafDBFile)
}

// DefaultDir returns the CA directory under the config dir.
func DefaultDir() string {
	return filepath.Join(config.ConfigDir(), "ca")
}

func newMaterial(dir string) *Material {
	return &Material{
		Dir:        dir,
		CertPath:   filepath.Join(dir, caCertFile),
		KeyPath:    filepath.Join(dir, caKeyFile),
		BundlePath: filepath.Join(dir, bundleFile),
	}
}

// EnsureTrustMaterial reuses the CA in dir when it is valid, otherwise it
// generates a new one. The trust bundle is rewritten on every call.
func EnsureTrustMaterial(dir string) (*Material, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating ca dir: %w", err)
	}

	m := newMaterial(dir)
	if err := m.load(time.Now()); err != nil {
		if err := m.generate(time.Now()); err != nil {
			return nil, err
		}
	}

	if err := m.writeBundle(); err != nil {
		return nil, err
	}
	return m, nil
}

// Regenerate replaces any existing CA in dir with a fresh one.
func Regenerate(dir string) (*Material, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating ca dir: %w", err)
	}

	m := newMaterial(dir)
	if err := m.generate(time.Now()); err != nil {
		return nil, err
	}
	if err := m.writeBundle(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Material) load(now time.Time) error {
	certPEM, err := os.ReadFile(m.CertPath)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(m.KeyPath)
	if err != nil {
		return err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("%w: %s is not a PEM certificate", ErrInvalidMaterial, m.CertPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMaterial, err)
	}
	if !cert.IsCA {
		return fmt.Errorf("%w: certificate is not a CA", ErrInvalidMaterial)
	}
	if now.Add(renewalSlack).After(cert.NotAfter) {
		return fmt.Errorf("%w: CA expires %s", ErrInvalidMaterial, cert.NotAfter.Format(time.RFC3339))
	}

	kb, _ := pem.Decode(keyPEM)
	if kb == nil {
		return fmt.Errorf("%w: %s is not PEM", ErrInvalidMaterial, m.KeyPath)
	}
	key, err := x509.ParseECPrivateKey(kb.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMaterial, err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return fmt.Errorf("%w: key does not match certificate", ErrInvalidMaterial)
	}

	m.Cert, m.Key = cert, key
	return nil
}

func (m *Material) generate(now time.Time) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating ca key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "tokmon local CA",
			Organization: []string{"tokmon"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating ca certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing ca certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding ca key: %w", err)
	}

	if err := writeFileAtomic(m.KeyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return fmt.Errorf("writing ca key: %w", err)
	}
	if err := writeFileAtomic(m.CertPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return fmt.Errorf("writing ca certificate: %w", err)
	}

	m.Cert, m.Key = cert, key
	return nil
}

// writeBundle concatenates the system roots with the CA so the child keeps
// trusting real certificates on hosts that are tunneled uninspected.
func (m *Material) writeBundle() error {
	var buf bytes.Buffer
	if roots := m.systemRoots(); len(roots) > 0 {
		buf.Write(roots)
		if !bytes.HasSuffix(roots, []byte("\n")) {
			buf.WriteByte('\n')
		}
	}
	buf.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: m.Cert.Raw}))

	if err := writeFileAtomic(m.BundlePath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing trust bundle: %w", err)
	}
	return nil
}

func (m *Material) systemRoots() []byte {
	candidates := systemBundles
	if env := os.Getenv("SSL_CERT_FILE"); env != "" {
		candidates = append([]string{env}, candidates...)
	}
	for _, path := range candidates {
		// A nested session inherits our own bundle path; reading it back
		// would stack CAs on every run.
		if filepath.Clean(path) == filepath.Clean(m.BundlePath) {
			continue
		}
		data, err := os.ReadFile(path) //nolint:gosec // fixed list of well-known paths
		if err == nil && len(data) > 0 {
			return data
		}
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}
	return serial, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
