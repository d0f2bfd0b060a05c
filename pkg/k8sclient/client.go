// Package k8sclient builds the REST client configuration and typed
// clientset krustletd uses to talk to the API server, grounded on the real
// kubelet's certificate/bootstrap package (LoadClientConfig,
// loadRESTClientConfig) generalized from the v1beta1 CSR API to v1.
package k8sclient

import (
	"fmt"
	"os"

	"k8s.io/client-go/kubernetes"
	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// LoadRESTConfig flattens a kubeconfig file at path into a restclient.Config
// using its current context, the same loader the real kubelet uses for both
// the bootstrap and the node-identity kubeconfig.
func LoadRESTConfig(path string) (*restclient.Config, error) {
	loader := &clientcmd.ClientConfigLoadingRules{ExplicitPath: path}
	loaded, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig %s: %w", path, err)
	}

	cfg, err := clientcmd.NewNonInteractiveClientConfig(
		*loaded,
		loaded.CurrentContext,
		&clientcmd.ConfigOverrides{},
		loader,
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("building client config from %s: %w", path, err)
	}
	return cfg, nil
}

// NewClientset builds a typed Kubernetes clientset from a kubeconfig path.
func NewClientset(kubeconfigPath string) (*kubernetes.Clientset, error) {
	cfg, err := LoadRESTConfig(kubeconfigPath)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building clientset: %w", err)
	}
	return clientset, nil
}

// HasClientCertificate reports whether the kubeconfig at path exists and
// carries a non-empty client certificate, the idempotence check
// ensure_node_credentials performs before starting a fresh CSR flow.
func HasClientCertificate(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("statting kubeconfig %s: %w", path, err)
	}

	cfg, err := LoadRESTConfig(path)
	if err != nil {
		// An unreadable kubeconfig is treated as "no credentials yet"
		// rather than fatal; bootstrap will overwrite it.
		return false, nil
	}

	transportCfg, err := cfg.TransportConfig()
	if err != nil {
		return false, nil
	}
	return len(transportCfg.TLS.CertData) > 0 || transportCfg.TLS.CertFile != "", nil
}
