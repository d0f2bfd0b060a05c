package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedCert(t *testing.T, notAfter time.Time) *tls.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "system:node:test-node"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}

func TestSaveLoadCertKeyPair(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "krustlet.crt")
	keyPath := filepath.Join(dir, "krustlet.key")

	cert := selfSignedCert(t, time.Now().Add(90*24*time.Hour))

	require.NoError(t, SaveCertKeyPair(cert, certPath, keyPath))
	assert.True(t, CertKeyPairExists(certPath, keyPath))

	loaded, err := LoadCertKeyPair(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, "system:node:test-node", loaded.Leaf.Subject.CommonName)
}

func TestCertKeyPairExistsMissing(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, CertKeyPairExists(filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")))
}

func TestCertNeedsRotation(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(10*24*time.Hour))
	assert.True(t, CertNeedsRotation(cert.Leaf))

	fresh := selfSignedCert(t, time.Now().Add(90*24*time.Hour))
	parsed, err := x509.ParseCertificate(fresh.Certificate[0])
	require.NoError(t, err)
	assert.False(t, CertNeedsRotation(parsed))

	assert.True(t, CertNeedsRotation(nil))
}

func TestGetCertExpiryAndTimeRemaining(t *testing.T) {
	notAfter := time.Now().Add(48 * time.Hour)
	cert := selfSignedCert(t, notAfter)
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	assert.WithinDuration(t, notAfter, GetCertExpiry(parsed), time.Second)
	assert.Greater(t, GetCertTimeRemaining(parsed), 47*time.Hour)

	assert.Equal(t, time.Time{}, GetCertExpiry(nil))
	assert.Equal(t, time.Duration(0), GetCertTimeRemaining(nil))
}

func TestValidateCertChain(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(time.Hour))
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	// self-signed, so it is its own CA for this test
	assert.NoError(t, ValidateCertChain(parsed, parsed))
	assert.Error(t, ValidateCertChain(nil, parsed))
	assert.Error(t, ValidateCertChain(parsed, nil))
}

func TestGetCertInfo(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(time.Hour))
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	info := GetCertInfo(parsed)
	assert.Equal(t, "system:node:test-node", info.Subject)
	assert.Contains(t, info.KeyUsage, "DigitalSignature")
	assert.Contains(t, info.ExtKeyUsage, "ClientAuth")
	assert.Contains(t, info.ExtKeyUsage, "ServerAuth")

	empty := GetCertInfo(nil)
	assert.Equal(t, CertInfo{}, empty)
}
