package ezproxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// CertRotator is a CertificateSource whose root CA can be swapped while
// the proxy runs. Leaf certificates minted by the previous CA are dropped
// with it; tunnels already intercepted keep their certificate.
type CertRotator struct {
	fs       afero.Fs
	certPath string
	keyPath  string

	mu sync.RWMutex
	cm *CertManager

	// OnRotate is called after a successful rotation with the new CA
	// subject.
	OnRotate func(subject string)
}

// NewCertRotator wraps cm, reloading from certPath and keyPath on fs.
// A nil fs uses the OS filesystem.
func NewCertRotator(fs afero.Fs, cm *CertManager, certPath, keyPath string) *CertRotator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &CertRotator{fs: fs, cm: cm, certPath: certPath, keyPath: keyPath}
}

// CertManager returns the current manager. Do not keep it across a
// rotation.
func (cr *CertRotator) CertManager() *CertManager {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.cm
}

// Rotate reloads the CA from its files. The organization and metrics of
// the current manager carry over. On error the current CA stays in use.
func (cr *CertRotator) Rotate() (*CertManager, error) {
	certPEM, err := afero.ReadFile(cr.fs, cr.certPath)
	if err != nil {
		return nil, fmt.Errorf("rotate CA: read cert: %w", err)
	}
	keyPEM, err := afero.ReadFile(cr.fs, cr.keyPath)
	if err != nil {
		return nil, fmt.Errorf("rotate CA: read key: %w", err)
	}
	return cr.RotateFromPEM(certPEM, keyPEM)
}

// RotateFromPEM swaps in a CA parsed from PEM bytes.
func (cr *CertRotator) RotateFromPEM(certPEM, keyPEM []byte) (*CertManager, error) {
	next, err := NewCertManagerFromPEM(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("rotate CA: %w", err)
	}

	cr.mu.Lock()
	if prev := cr.cm; prev != nil {
		next.Organization = prev.Organization
		next.Metrics = prev.Metrics
	}
	cr.cm = next
	cr.mu.Unlock()

	if next.Metrics != nil {
		next.Metrics.SetCertCacheSize(0)
	}
	if cr.OnRotate != nil {
		cr.OnRotate(next.caCert.Subject.CommonName)
	}
	return next, nil
}

// GetCertificateForHost mints or returns a cached leaf signed by the
// current CA.
func (cr *CertRotator) GetCertificateForHost(host string) (*tls.Certificate, error) {
	return cr.CertManager().GetCertificateForHost(host)
}

// CACertificate returns the current root CA certificate.
func (cr *CertRotator) CACertificate() *x509.Certificate {
	return cr.CertManager().CACertificate()
}

// CacheSize returns the number of leaf certificates minted by the
// current CA.
func (cr *CertRotator) CacheSize() int {
	cm := cr.CertManager()
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cache)
}

// caDebounce lets a cert and key written back to back rotate once.
const caDebounce = 200 * time.Millisecond

// CAWatcher rotates a CertRotator when its CA files change on disk.
type CAWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchCAFiles rotates cr whenever the cert or key file is written,
// created or renamed. It watches the OS filesystem regardless of the
// rotator's fs.
func (cr *CertRotator) WatchCAFiles(logger *slog.Logger) (*CAWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	paths := make(map[string]bool, 2)
	for _, p := range []string{cr.certPath, cr.keyPath} {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		paths[abs] = true
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for p := range paths {
		if err := w.Add(filepath.Dir(p)); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", filepath.Dir(p), err)
		}
	}

	cw := &CAWatcher{watcher: w, done: make(chan struct{})}
	go func() {
		defer close(cw.done)
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !paths[filepath.Clean(ev.Name)] {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					pending = time.After(caDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("CA watcher error", "error", err)
			case <-pending:
				pending = nil
				if _, err := cr.Rotate(); err != nil {
					logger.Error("CA rotation failed", "error", err)
					continue
				}
				logger.Info("CA certificate rotated", "cert", cr.certPath)
			}
		}
	}()
	return cw, nil
}

// Close stops watching.
func (cw *CAWatcher) Close() error {
	err := cw.watcher.Close()
	<-cw.done
	return err
}
