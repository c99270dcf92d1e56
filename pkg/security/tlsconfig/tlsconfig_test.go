package tlsconfig

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

// selfSigned writes a CA-capable self-signed pair for localhost.
func selfSigned(t *testing.T, dir string) (certFile, keyFile string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "localhost"},
        DNSNames:              []string{"localhost"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        BasicConstraintsValid: true,
        KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    require.NoError(t, err)
    kder, err := x509.MarshalECPrivateKey(key)
    require.NoError(t, err)
    certFile, keyFile = filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
    require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
    require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kder}), 0o600))
    return certFile, keyFile
}

func TestDisabledIsNil(t *testing.T) {
    s, err := Options{}.Server()
    require.NoError(t, err)
    require.Nil(t, s)
    c, err := Options{}.Client()
    require.NoError(t, err)
    require.Nil(t, c)
}

func TestServerRequiresKeyPair(t *testing.T) {
    _, err := Options{Enable: true}.Server()
    require.Error(t, err)
    _, err = Options{Enable: true, CertFile: "nope.pem", KeyFile: "nope.key"}.Server()
    require.Error(t, err)
}

func TestMutualTLSHandshake(t *testing.T) {
    cert, key := selfSigned(t, t.TempDir())
    o := Options{Enable: true, CAFile: cert, CertFile: cert, KeyFile: key, ServerName: "localhost"}
    srvCfg, err := o.Server()
    require.NoError(t, err)
    require.Equal(t, tls.RequireAndVerifyClientCert, srvCfg.ClientAuth)
    cliCfg, err := o.Client()
    require.NoError(t, err)

    ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
    require.NoError(t, err)
    defer ln.Close()
    done := make(chan error, 1)
    go func() {
        c, err := ln.Accept()
        if err == nil {
            err = c.(*tls.Conn).Handshake()
            c.Close()
        }
        done <- err
    }()
    conn, err := tls.Dial("tcp", ln.Addr().String(), cliCfg)
    require.NoError(t, err)
    conn.Close()
    require.NoError(t, <-done)
}

func TestReloadKeepsLastGoodPair(t *testing.T) {
    dir := t.TempDir()
    cert, key := selfSigned(t, dir)
    kp := Options{CertFile: cert, KeyFile: key, Reload: time.Nanosecond}.keyPair()
    first, err := kp.get()
    require.NoError(t, err)
    require.NoError(t, os.Remove(cert))
    again, err := kp.get()
    require.NoError(t, err)
    require.Same(t, first, again)
}
