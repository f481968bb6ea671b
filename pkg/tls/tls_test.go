package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned writes a self-signed certificate and key and returns their paths.
// The certificate doubles as a CA.
func selfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "deforma-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestConfig_Validate(t *testing.T) {
	cert, key := selfSigned(t)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"server only", Config{Enabled: true, CertFile: cert, KeyFile: key}, false},
		{"with ca", Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: cert}, false},
		{"missing key", Config{Enabled: true, CertFile: cert}, true},
		{"missing ca file", Config{Enabled: true, CertFile: cert, KeyFile: key, CAFile: "/nope/ca.pem"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestNewServerTLSConfig(t *testing.T) {
	cert, key := selfSigned(t)

	cfg, err := NewServerTLSConfig(cert, key, "")
	require.NoError(t, err)
	assert.Equal(t, uint16(stdtls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, stdtls.NoClientCert, cfg.ClientAuth)
	assert.Len(t, cfg.Certificates, 1)

	cfg, err = NewServerTLSConfig(cert, key, cert)
	require.NoError(t, err)
	assert.Equal(t, stdtls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = NewServerTLSConfig("", key, "")
	assert.Error(t, err)

	_, err = NewServerTLSConfig(cert, key, key)
	assert.Error(t, err, "a key is not a CA bundle")
}

func TestNewClientTLSConfig(t *testing.T) {
	cert, key := selfSigned(t)

	cfg, err := NewClientTLSConfig("", "", "")
	require.NoError(t, err)
	assert.Empty(t, cfg.Certificates)
	assert.Nil(t, cfg.RootCAs)

	cfg, err = NewClientTLSConfig(cert, key, cert)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)

	_, err = NewClientTLSConfig(cert, "", "")
	assert.Error(t, err)

	_, err = NewClientTLSConfig("", "", filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}
