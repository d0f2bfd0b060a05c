package k8sclient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeKubeconfig = `
apiVersion: v1
kind: Config
clusters:
- name: test-cluster
  cluster:
    server: https://127.0.0.1:6443
    insecure-skip-tls-verify: true
contexts:
- name: test-context
  context:
    cluster: test-cluster
    user: test-user
current-context: test-context
users:
- name: test-user
  user:
    token: bootstrap-token
`

func writeKubeconfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kubeconfig")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoadRESTConfig(t *testing.T) {
	path := writeKubeconfig(t, fakeKubeconfig)

	cfg, err := LoadRESTConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:6443", cfg.Host)
	assert.Equal(t, "bootstrap-token", cfg.BearerToken)
}

func TestHasClientCertificateMissingFile(t *testing.T) {
	dir := t.TempDir()
	ok, err := HasClientCertificate(filepath.Join(dir, "kubeconfig"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasClientCertificateNoClientCert(t *testing.T) {
	path := writeKubeconfig(t, fakeKubeconfig)
	ok, err := HasClientCertificate(path)
	require.NoError(t, err)
	assert.False(t, ok)
}
