package realitycheck

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultCAOrganization names the generated interception CA.
const DefaultCAOrganization = "RealityCheck"

// CertManager holds the interception CA and mints per-host leaf certificates.
type CertManager struct {
	caCert    *x509.Certificate
	caKey     *rsa.PrivateKey
	caCertPEM []byte

	// Metrics records leaf cache hits and misses (optional)
	Metrics *Metrics

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// NewCertManager creates a CertManager from existing CA certificate and key files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// LoadOrCreateCA loads the CA from certPath and keyPath, generating and
// writing a new one when neither file exists. created reports whether a new
// CA was written; it must be installed before intercepted HTTPS is trusted.
func LoadOrCreateCA(certPath, keyPath, org string, validYears int) (cm *CertManager, created bool, err error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)

	switch {
	case certErr == nil && keyErr == nil:
		cm, err = NewCertManager(certPath, keyPath)
		return cm, false, err
	case errors.Is(certErr, fs.ErrNotExist) && errors.Is(keyErr, fs.ErrNotExist):
	case certErr != nil && !errors.Is(certErr, fs.ErrNotExist):
		return nil, false, fmt.Errorf("stat CA cert: %w", certErr)
	case keyErr != nil && !errors.Is(keyErr, fs.ErrNotExist):
		return nil, false, fmt.Errorf("stat CA key: %w", keyErr)
	default:
		return nil, false, fmt.Errorf("CA cert and key must both exist or both be absent (%s, %s)", certPath, keyPath)
	}

	if org == "" {
		org = DefaultCAOrganization
	}
	if validYears <= 0 {
		validYears = 10
	}

	certPEM, keyPEM, err := GenerateCA(org, validYears)
	if err != nil {
		return nil, false, err
	}

	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create CA directory: %w", err)
		}
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, false, fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, false, fmt.Errorf("write CA key: %w", err)
	}

	cm, err = NewCertManagerFromPEM(certPEM, keyPEM)
	return cm, true, err
}

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA cert and key.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}
	if !caCert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", caCert.Subject.CommonName)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	caKey, err := parseRSAKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}

	return &CertManager{
		caCert:    caCert,
		caKey:     caKey,
		caCertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBlock.Bytes}),
		cache:     make(map[string]*tls.Certificate),
	}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err == nil {
		return key, nil
	}
	parsed, err2 := x509.ParsePKCS8PrivateKey(der)
	if err2 != nil {
		return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is not RSA")
	}
	return rsaKey, nil
}

// CACertPEM returns the PEM-encoded CA certificate for installation in
// client trust stores.
func (cm *CertManager) CACertPEM() []byte {
	return cm.caCertPEM
}

// CACommonName returns the CA subject common name.
func (cm *CertManager) CACommonName() string {
	return cm.caCert.Subject.CommonName
}

// GetCertificate returns a TLS certificate for the given host, generating one if needed.
// This is suitable for use as tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI provided")
	}
	return cm.GetCertificateForHost(host)
}

// GetCertificateForHost returns a leaf certificate for host signed by the CA.
// Certificates are cached per host for the lifetime of the manager.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	cm.mu.RLock()
	cert, ok := cm.cache[host]
	cm.mu.RUnlock()
	if ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cert, ok := cm.cache[host]; ok {
		return cert, nil
	}

	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
	}

	cert, err := cm.generateCert(host)
	if err != nil {
		return nil, err
	}

	cm.cache[host] = cert
	if cm.Metrics != nil {
		cm.Metrics.SetCertCacheSize(len(cm.cache))
	}
	return cert, nil
}

// CacheSize returns the number of cached leaf certificates.
func (cm *CertManager) CacheSize() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cache)
}

func (cm *CertManager) generateCert(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	notAfter := time.Now().Add(24 * time.Hour * 365)
	if notAfter.After(cm.caCert.NotAfter) {
		notAfter = cm.caCert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: cm.caCert.Subject.Organization,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, cm.caCert.Raw},
		PrivateKey:  privKey,
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// GenerateCA generates a new CA certificate and private key.
// Returns PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Interception CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}
