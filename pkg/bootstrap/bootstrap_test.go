package bootstrap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteKubeconfigInheritsServerAndCA(t *testing.T) {
	dir := t.TempDir()
	kubeconfigPath := filepath.Join(dir, "kubeconfig")

	bootstrapConfig := &restclient.Config{
		Host:   "https://10.0.0.1:6443",
		CAData: []byte("fake-ca-data"),
	}

	err := writeKubeconfig(bootstrapConfig, kubeconfigPath, []byte("fake-cert"), []byte("fake-key"))
	require.NoError(t, err)

	loaded, err := clientcmd.LoadFromFile(kubeconfigPath)
	require.NoError(t, err)

	cluster := loaded.Clusters["default-cluster"]
	require.NotNil(t, cluster)
	assert.Equal(t, "https://10.0.0.1:6443", cluster.Server)
	assert.Equal(t, []byte("fake-ca-data"), cluster.CertificateAuthorityData)

	auth := loaded.AuthInfos["default-auth"]
	require.NotNil(t, auth)
	assert.Equal(t, []byte("fake-cert"), auth.ClientCertificateData)
	assert.Equal(t, []byte("fake-key"), auth.ClientKeyData)

	assert.Equal(t, "default-context", loaded.CurrentContext)

	info, err := os.Stat(kubeconfigPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode())
}

func TestIsRejected(t *testing.T) {
	assert.True(t, isRejected(errors.New("certificate signing request denied")))
	assert.True(t, isRejected(errors.New("approval failed")))
	assert.False(t, isRejected(errors.New("connection refused")))
}
