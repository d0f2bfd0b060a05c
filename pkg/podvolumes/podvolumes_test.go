package podvolumes

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMountEmptyDir(t *testing.T) {
	dir := t.TempDir()
	clientset := fake.NewSimpleClientset()
	mounter := New(clientset, dir)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default", UID: "uid-1"},
		Spec: corev1.PodSpec{Volumes: []corev1.Volume{
			{Name: "scratch", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
		}},
	}

	paths, err := mounter.Mount(context.Background(), pod)
	require.NoError(t, err)

	path, ok := paths["scratch"]
	require.True(t, ok)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMountSecretMaterializesKeysWithRestrictiveMode(t *testing.T) {
	dir := t.TempDir()
	clientset := fake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "creds", Namespace: "default"},
		Data:       map[string][]byte{"token": []byte("s3cr3t")},
	})
	mounter := New(clientset, dir)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default", UID: "uid-2"},
		Spec: corev1.PodSpec{Volumes: []corev1.Volume{
			{Name: "creds-vol", VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{SecretName: "creds"}}},
		}},
	}

	paths, err := mounter.Mount(context.Background(), pod)
	require.NoError(t, err)

	tokenPath := filepath.Join(paths["creds-vol"], "token")
	data, err := os.ReadFile(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(data))

	info, err := os.Stat(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o400), info.Mode().Perm())
}

func TestMountSkipsPVCForCSIDelegation(t *testing.T) {
	dir := t.TempDir()
	clientset := fake.NewSimpleClientset()
	mounter := New(clientset, dir)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default", UID: "uid-3"},
		Spec: corev1.PodSpec{Volumes: []corev1.Volume{
			{Name: "data", VolumeSource: corev1.VolumeSource{PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: "data-pvc"}}},
		}},
	}

	paths, err := mounter.Mount(context.Background(), pod)
	require.NoError(t, err)
	_, ok := paths["data"]
	assert.False(t, ok)
}

func TestUnmountRemovesPodDirectory(t *testing.T) {
	dir := t.TempDir()
	clientset := fake.NewSimpleClientset()
	mounter := New(clientset, dir)

	podDir, err := mounter.PodDir("uid-4")
	require.NoError(t, err)

	require.NoError(t, mounter.Unmount("uid-4"))
	_, err = os.Stat(podDir)
	assert.True(t, os.IsNotExist(err))
}
