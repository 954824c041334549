package proxy

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/Vaidhanik/Firewall-sub000/internal/filesys"
	"github.com/Vaidhanik/Firewall-sub000/internal/log"
)

// leafLifetime is how long a minted leaf certificate stays valid. Short
// enough that a CA rotation propagates quickly, long enough that the cache
// does useful work across a browsing session.
const leafLifetime = 24 * time.Hour

// CertAuthority mints per-host leaf certificates signed by an
// operator-trusted local CA and caches them by host. CA management itself —
// generating, distributing, and installing the root in client trust stores —
// is the operator's problem; this type only consumes an
// existing CA keypair, or, if none is configured, mints an ephemeral one for
// the process lifetime so the proxy still has something to present.
type CertAuthority struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caDER  []byte

	mu    sync.Mutex
	cache map[string]*tls.Certificate
}

// LoadOrGenerateCA loads a CA keypair from certPath/keyPath if both are set
// and present on disk. Otherwise it mints an ephemeral, process-lifetime CA
// and — when paths were configured but missing — persists it so the next
// restart reuses the same root instead of invalidating every client that
// trusted the previous one.
func LoadOrGenerateCA(fs filesys.FileOps, certPath, keyPath string) (*CertAuthority, error) {
	if certPath != "" && keyPath != "" {
		if cert, key, err := loadCA(fs, certPath, keyPath); err == nil {
			return newCA(cert, key)
		}
	}

	cert, key, der, err := generateCA()
	if err != nil {
		return nil, fmt.Errorf("generating local CA: %w", err)
	}
	if certPath != "" && keyPath != "" {
		if err := persistCA(fs, certPath, keyPath, der, key); err != nil {
			log.Warnf("proxy: could not persist generated CA: %v", err)
		}
	}
	log.Warnf("proxy: using a freshly generated local CA; clients must trust it out-of-band")
	ca := &CertAuthority{caCert: cert, caKey: key, caDER: der, cache: map[string]*tls.Certificate{}}
	return ca, nil
}

func newCA(cert *x509.Certificate, key *rsa.PrivateKey) (*CertAuthority, error) {
	return &CertAuthority{caCert: cert, caKey: key, caDER: cert.Raw, cache: map[string]*tls.Certificate{}}, nil
}

func loadCA(fs filesys.FileOps, certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := fs.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := fs.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA keypair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	key, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("CA key is not RSA")
	}
	return leaf, key, nil
}

func generateCA() (*x509.Certificate, *rsa.PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "fwgatekeeper local CA", Organization: []string{"fwgatekeeper"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, err
	}
	return cert, key, der, nil
}

func persistCA(fs filesys.FileOps, certPath, keyPath string, der []byte, key *rsa.PrivateKey) error {
	if err := filesys.AtomicWrite(fs, certPath, pemEncode("CERTIFICATE", der), 0o644); err != nil {
		return err
	}
	return filesys.AtomicWrite(fs, keyPath, pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)), 0o600)
}

func pemEncode(blockType string, der []byte) []byte {
	var buf bytes.Buffer
	_ = pem.Encode(&buf, &pem.Block{Type: blockType, Bytes: der})
	return buf.Bytes()
}

// CertFor returns a leaf certificate for host, minting and caching a fresh
// one signed by the CA if none is cached or the cached one has expired.
func (ca *CertAuthority) CertFor(host string) (*tls.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if cert, ok := ca.cache[host]; ok {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil && time.Now().Before(leaf.NotAfter) {
			return cert, nil
		}
	}

	cert, err := ca.mintLeaf(host)
	if err != nil {
		return nil, err
	}
	ca.cache[host] = cert
	return cert, nil
}

func (ca *CertAuthority) mintLeaf(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
		tmpl.DNSNames = nil
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.caCert, &key.PublicKey, ca.caKey)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate for %s: %w", host, err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, ca.caDER},
		PrivateKey:  key,
	}, nil
}

