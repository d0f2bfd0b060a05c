// Package podvolumes resolves a pod's declared volumes into on-disk
// mounts for the VolumeMount state (§4.4): EmptyDir directories,
// ConfigMap/Secret key-to-file materialization, and HostPath passthrough.
// PersistentVolumeClaim volumes are delegated to pkg/csi.
//
// Grounded on
// _examples/original_source/crates/kubelet/src/volume/{mod,secret,configmap,hostpath}.rs
// (one type per volume source, `mount`/`unmount` pair, mode 0644/0400 for
// configmap/secret keys) translated from one struct-per-source into one
// Mounter whose Mount switches on the source, with mountConfigMap and
// mountSecret helpers for the key-materializing sources, and on teacher's deleted
// pkg/worker/secrets.go and pkg/worker/volumes.go for the "materialize keys
// as files under a per-pod directory" shape.
package podvolumes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/krustlet/krustlet/pkg/errs"
	"github.com/krustlet/krustlet/pkg/log"
)

// Mounter resolves a pod's volumes into host directories under
// $DATA_DIR/pods/<uid>/volumes/<volume-name>.
type Mounter struct {
	clientset kubernetes.Interface
	podsDir   string
}

// New creates a Mounter rooted at podsDir (typically $DATA_DIR/pods).
func New(clientset kubernetes.Interface, podsDir string) *Mounter {
	return &Mounter{clientset: clientset, podsDir: podsDir}
}

// PodDir returns the per-pod root directory, creating it if necessary.
func (m *Mounter) PodDir(podUID string) (string, error) {
	dir := filepath.Join(m.podsDir, podUID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating pod directory %s: %v", errs.ErrMount, dir, err)
	}
	return dir, nil
}

// Mount resolves every non-PVC volume in pod.Spec.Volumes, returning a map
// from volume name to host path. PersistentVolumeClaim volumes are skipped
// here; the caller (pod state machine) delegates those to pkg/csi and
// merges the resulting paths in separately.
func (m *Mounter) Mount(ctx context.Context, pod *corev1.Pod) (map[string]string, error) {
	logger := log.WithPod(pod.Namespace, pod.Name, string(pod.UID))

	podDir, err := m.PodDir(string(pod.UID))
	if err != nil {
		return nil, err
	}
	volumesDir := filepath.Join(podDir, "volumes")

	paths := make(map[string]string, len(pod.Spec.Volumes))
	for _, vol := range pod.Spec.Volumes {
		path := filepath.Join(volumesDir, vol.Name)

		switch {
		case vol.EmptyDir != nil:
			if err := os.MkdirAll(path, 0o755); err != nil {
				return nil, fmt.Errorf("%w: creating emptyDir volume %s: %v", errs.ErrMount, vol.Name, err)
			}
		case vol.HostPath != nil:
			path = vol.HostPath.Path
		case vol.ConfigMap != nil:
			if err := m.mountConfigMap(ctx, pod.Namespace, vol, path); err != nil {
				return nil, err
			}
		case vol.Secret != nil:
			if err := m.mountSecret(ctx, pod.Namespace, vol, path); err != nil {
				return nil, err
			}
		case vol.PersistentVolumeClaim != nil:
			continue
		default:
			logger.Warn().Str("volume", vol.Name).Msg("unsupported volume source, skipping")
			continue
		}

		paths[vol.Name] = path
	}

	return paths, nil
}

func (m *Mounter) mountConfigMap(ctx context.Context, namespace string, vol corev1.Volume, path string) error {
	cm, err := m.clientset.CoreV1().ConfigMaps(namespace).Get(ctx, vol.ConfigMap.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("%w: fetching configmap %s: %v", errs.ErrMount, vol.ConfigMap.Name, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: creating configmap volume directory: %v", errs.ErrMount, err)
	}

	keys := selectKeys(vol.ConfigMap.Items, mapKeys(cm.Data))
	for _, key := range keys {
		data, ok := cm.Data[key.key]
		if !ok {
			if binData, ok2 := cm.BinaryData[key.key]; ok2 {
				if err := writeKeyFile(path, key.target, binData, 0o644); err != nil {
					return err
				}
				continue
			}
			continue
		}
		if err := writeKeyFile(path, key.target, []byte(data), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mounter) mountSecret(ctx context.Context, namespace string, vol corev1.Volume, path string) error {
	sec, err := m.clientset.CoreV1().Secrets(namespace).Get(ctx, vol.Secret.SecretName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("%w: fetching secret %s: %v", errs.ErrMount, vol.Secret.SecretName, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: creating secret volume directory: %v", errs.ErrMount, err)
	}

	keys := selectKeys(vol.Secret.Items, mapBytesKeys(sec.Data))
	for _, key := range keys {
		data, ok := sec.Data[key.key]
		if !ok {
			continue
		}
		if err := writeKeyFile(path, key.target, data, 0o400); err != nil {
			return err
		}
	}
	return nil
}

type keyTarget struct{ key, target string }

func selectKeys(items []corev1.KeyToPath, allKeys []string) []keyTarget {
	if len(items) == 0 {
		out := make([]keyTarget, len(allKeys))
		for i, k := range allKeys {
			out[i] = keyTarget{key: k, target: k}
		}
		return out
	}
	out := make([]keyTarget, len(items))
	for i, item := range items {
		target := item.Path
		if target == "" {
			target = item.Key
		}
		out[i] = keyTarget{key: item.Key, target: target}
	}
	return out
}

func mapKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func mapBytesKeys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func writeKeyFile(dir, relPath string, data []byte, mode os.FileMode) error {
	full := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", errs.ErrMount, relPath, err)
	}
	if err := os.WriteFile(full, data, mode); err != nil {
		return fmt.Errorf("%w: writing %s: %v", errs.ErrMount, relPath, err)
	}
	return nil
}

// Unmount removes the pod's entire directory, volumes included, called during
// Terminating after CSI Unpublish/Unstage has completed.
func (m *Mounter) Unmount(podUID string) error {
	podDir := filepath.Join(m.podsDir, podUID)
	if err := os.RemoveAll(podDir); err != nil {
		return fmt.Errorf("%w: removing pod directory %s: %v", errs.ErrMount, podDir, err)
	}
	return nil
}
