// Package tlsconfig builds TLS configs for the management endpoint. Key
// pairs are re-read from disk on handshake once the cached copy is older
// than Options.Reload, so certificates can be rotated in place.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// Options defines (m)TLS inputs. With CAFile set, the server requires and
// verifies client certificates.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    ServerName         string
    InsecureSkipVerify bool
    // Reload is the certificate cache lifetime; defaults to 10s.
    Reload time.Duration
}

// Server returns nil when TLS is disabled.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errors.New("tlsconfig: server cert and key are required") }
    kp := o.keyPair()
    if _, err := kp.get(); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }}
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns nil when TLS is disabled. A client certificate is offered
// only when both CertFile and KeyFile are set.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        kp := o.keyPair()
        if _, err := kp.get(); err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
    }
    return cfg, nil
}

func (o Options) keyPair() *keyPair {
    ttl := o.Reload
    if ttl <= 0 { ttl = 10 * time.Second }
    return &keyPair{cert: o.CertFile, key: o.KeyFile, ttl: ttl}
}

func loadPool(path string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("tlsconfig: read CA: %w", err) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("tlsconfig: no certificates in %s", path) }
    return pool, nil
}

type keyPair struct {
    cert, key string
    ttl       time.Duration

    mu     sync.Mutex
    cached *tls.Certificate
    at     time.Time
}

// get returns the cached pair, reloading it when stale. A failed reload
// keeps serving the previous pair.
func (k *keyPair) get() (*tls.Certificate, error) {
    k.mu.Lock()
    defer k.mu.Unlock()
    if k.cached != nil && time.Since(k.at) < k.ttl { return k.cached, nil }
    c, err := tls.LoadX509KeyPair(k.cert, k.key)
    if err != nil {
        if k.cached != nil { return k.cached, nil }
        return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
    }
    k.cached, k.at = &c, time.Now()
    return k.cached, nil
}
