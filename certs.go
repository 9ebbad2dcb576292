package ezproxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// DefaultOrganization is the subject organization of generated certificates.
const DefaultOrganization = "EZProxy"

// CertificateSource returns the certificate to present for a hostname.
type CertificateSource interface {
	GetCertificateForHost(host string) (*tls.Certificate, error)
}

// CertificateSourceFunc adapts a function to CertificateSource.
type CertificateSourceFunc func(host string) (*tls.Certificate, error)

// GetCertificateForHost calls f.
func (f CertificateSourceFunc) GetCertificateForHost(host string) (*tls.Certificate, error) {
	return f(host)
}

// CertManager signs per-host leaf certificates with a local root CA.
type CertManager struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	// Organization is written into generated leaf certificates.
	Organization string

	// Metrics records cache hits and misses (optional).
	Metrics *Metrics

	// Cache generated certs to avoid regenerating for same host
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

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA cert and key.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, errors.New("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, errors.New("failed to decode CA key PEM")
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("CA key is not RSA")
		}
	}

	return &CertManager{
		caCert:       caCert,
		caKey:        caKey,
		Organization: DefaultOrganization,
		cache:        make(map[string]*tls.Certificate),
	}, nil
}

// LoadOrCreateCA loads the root CA from certPath and keyPath, generating
// and saving a new one when either file is missing. created reports
// whether a new CA was written.
func LoadOrCreateCA(fs afero.Fs, certPath, keyPath, org string) (cm *CertManager, created bool, err error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if org == "" {
		org = DefaultOrganization
	}
	certOK, _ := afero.Exists(fs, certPath)
	keyOK, _ := afero.Exists(fs, keyPath)

	if !certOK || !keyOK {
		certPEM, keyPEM, err := GenerateCA(org, 10)
		if err != nil {
			return nil, false, err
		}
		if err := fs.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
			return nil, false, fmt.Errorf("create CA dir: %w", err)
		}
		if err := fs.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
			return nil, false, fmt.Errorf("create CA key dir: %w", err)
		}
		if err := afero.WriteFile(fs, certPath, certPEM, 0o644); err != nil {
			return nil, false, fmt.Errorf("write CA cert: %w", err)
		}
		if err := afero.WriteFile(fs, keyPath, keyPEM, 0o600); err != nil {
			return nil, false, fmt.Errorf("write CA key: %w", err)
		}
		created = true
	}

	certPEM, err := afero.ReadFile(fs, certPath)
	if err != nil {
		return nil, false, fmt.Errorf("read CA cert: %w", err)
	}
	keyPEM, err := afero.ReadFile(fs, keyPath)
	if err != nil {
		return nil, false, fmt.Errorf("read CA key: %w", err)
	}
	cm, err = NewCertManagerFromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, false, err
	}
	cm.Organization = org
	return cm, created, nil
}

// CACertificate returns the root CA certificate.
func (cm *CertManager) CACertificate() *x509.Certificate { return cm.caCert }

// GetCertificate returns a TLS certificate for the given host, generating one if needed.
// This is suitable for use as tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, errors.New("no SNI provided")
	}
	return cm.GetCertificateForHost(host)
}

// GetCertificateForHost returns a TLS certificate for the given hostname.
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

	// Double-check after acquiring write lock
	if cert, ok := cm.cache[host]; ok {
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return cert, nil
	}

	cert, err := cm.generateCert(host)
	if err != nil {
		return nil, err
	}

	cm.cache[host] = cert
	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
		cm.Metrics.SetCertCacheSize(len(cm.cache))
	}
	return cert, nil
}

// KeyPair returns PEM-encoded key and certificate material for host.
func (cm *CertManager) KeyPair(host string) (keyPEM, certPEM []byte, err error) {
	cert, err := cm.GetCertificateForHost(host)
	if err != nil {
		return nil, nil, err
	}
	key, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, errors.New("leaf key is not RSA")
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	return keyPEM, certPEM, nil
}

func (cm *CertManager) generateCert(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	org := cm.Organization
	if org == "" {
		org = DefaultOrganization
	}
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour * 365),
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

// GenerateCA generates a new CA certificate and private key.
// Returns PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}
