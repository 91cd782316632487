package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/theirongolddev/tokmon/internal/store"
)

const leafValidity = 90 * 24 * time.Hour

// LeafStore persists minted leaves between sessions.
type LeafStore interface {
	GetLeaf(host, caFingerprint string, now time.Time) (store.LeafRecord, bool, error)
	SaveLeaf(rec store.LeafRecord) error
}

// Authority mints and caches leaf certificates signed by the session CA.
// It is safe for concurrent use.
type Authority struct {
	mat   *Material
	fp    string
	store LeafStore
	log   *zap.Logger
	now   func() time.Time

	mu     sync.RWMutex
	leaves map[string]*tls.Certificate
	group  singleflight.Group
}

// NewAuthority returns an Authority for mat. st may be nil, in which case
// leaves live only in memory.
func NewAuthority(mat *Material, st LeafStore, log *zap.Logger) *Authority {
	if log == nil {
		log = zap.NewNop()
	}
	return &Authority{
		mat:    mat,
		fp:     mat.Fingerprint(),
		store:  st,
		log:    log,
		now:    time.Now,
		leaves: make(map[string]*tls.Certificate),
	}
}

// LeafFor returns a certificate for host signed by the session CA.
func (a *Authority) LeafFor(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)
	if host == "" {
		return nil, fmt.Errorf("certs: empty host")
	}

	now := a.now()
	a.mu.RLock()
	leaf, ok := a.leaves[host]
	a.mu.RUnlock()
	if ok && now.Add(renewalSlack).Before(leaf.Leaf.NotAfter) {
		return leaf, nil
	}

	v, err, _ := a.group.Do(host, func() (any, error) {
		a.mu.RLock()
		leaf, ok := a.leaves[host]
		a.mu.RUnlock()
		if ok && now.Add(renewalSlack).Before(leaf.Leaf.NotAfter) {
			return leaf, nil
		}

		leaf, err := a.loadOrMint(host, now)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.leaves[host] = leaf
		a.mu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (a *Authority) loadOrMint(host string, now time.Time) (*tls.Certificate, error) {
	if a.store != nil {
		rec, ok, err := a.store.GetLeaf(host, a.fp, now.Add(renewalSlack))
		if err != nil {
			a.log.Warn("leaf cache lookup failed", zap.String("host", host), zap.Error(err))
		} else if ok {
			leaf, err := a.parseLeaf(rec.CertPEM, rec.KeyPEM)
			if err == nil {
				a.log.Debug("reusing cached leaf", zap.String("host", host))
				return leaf, nil
			}
			a.log.Warn("discarding unusable cached leaf", zap.String("host", host), zap.Error(err))
		}
	}

	certPEM, keyPEM, err := a.mint(host, now)
	if err != nil {
		return nil, err
	}
	leaf, err := a.parseLeaf(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	if a.store != nil {
		err := a.store.SaveLeaf(store.LeafRecord{
			Host:          host,
			CAFingerprint: a.fp,
			CertPEM:       certPEM,
			KeyPEM:        keyPEM,
			NotAfter:      leaf.Leaf.NotAfter,
			IssuedAt:      now,
		})
		if err != nil {
			a.log.Warn("caching leaf failed", zap.String("host", host), zap.Error(err))
		}
	}
	a.log.Debug("minted leaf", zap.String("host", host), zap.Time("not_after", leaf.Leaf.NotAfter))
	return leaf, nil
}

func (a *Authority) mint(host string, now time.Time) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating leaf key for %s: %w", host, err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	notAfter := now.Add(leafValidity)
	if notAfter.After(a.mat.Cert.NotAfter) {
		notAfter = a.mat.Cert.NotAfter
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host, Organization: []string{"tokmon"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.mat.Cert, &key.PublicKey, a.mat.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("signing leaf for %s: %w", host, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding leaf key for %s: %w", host, err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

func (a *Authority) parseLeaf(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, err
	}
	if err := leaf.CheckSignatureFrom(a.mat.Cert); err != nil {
		return nil, fmt.Errorf("leaf not signed by session CA: %w", err)
	}
	pair.Leaf = leaf
	pair.Certificate = append(pair.Certificate, a.mat.Cert.Raw)
	return &pair, nil
}

// normalizeHost strips any port and lowercases the name.
func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(strings.TrimSpace(host))
}
