// Package bootstrap implements ensure_node_credentials and
// ensure_serving_cert, grounded on the real kubelet's
// pkg/kubelet/certificate/bootstrap package (LoadClientCert,
// requestNodeCertificate, writeKubeconfigFromBootstrapping) generalized
// from the retired v1beta1 CertificateSigningRequest API to v1, and on
// teacher's atomic PEM persistence in pkg/security.
package bootstrap

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	certificatesv1 "k8s.io/api/certificates/v1"
	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	certutil "k8s.io/client-go/util/cert"
	"k8s.io/client-go/util/certificate/csr"
	"k8s.io/client-go/util/keyutil"
	"k8s.io/client-go/kubernetes"

	"github.com/krustlet/krustlet/pkg/backoff"
	"github.com/krustlet/krustlet/pkg/errs"
	"github.com/krustlet/krustlet/pkg/k8sclient"
	"github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/security"
	"github.com/rs/zerolog"
)

// Credentials is the result of a successful client-auth bootstrap: the
// node-identity kubeconfig is on disk at KubeconfigPath and ready for
// every other subsystem to build a clientset from.
type Credentials struct {
	KubeconfigPath string
	RESTConfig     *restclient.Config
}

// EnsureNodeCredentials turns a one-shot bootstrap kubeconfig into a
// long-lived node-identity kubeconfig with a client-auth certificate. It
// fails with errs.ErrAlreadyHasCredentials if kubeconfigPath already
// carries a non-empty client certificate — callers should treat that as
// success, not failure, since it means bootstrap already ran on a prior
// boot.
func EnsureNodeCredentials(ctx context.Context, bootstrapPath, kubeconfigPath, nodeName string) (*Credentials, error) {
	logger := log.WithComponent("bootstrap")

	has, err := k8sclient.HasClientCertificate(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("checking existing kubeconfig: %w", err)
	}
	if has {
		return nil, errs.ErrAlreadyHasCredentials
	}

	bootstrapConfig, err := k8sclient.LoadRESTConfig(bootstrapPath)
	if err != nil {
		return nil, fmt.Errorf("%w: loading bootstrap kubeconfig: %v", errs.ErrCredential, err)
	}

	clientset, err := kubernetes.NewForConfig(bootstrapConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: building bootstrap clientset: %v", errs.ErrCredential, err)
	}

	subject := &pkix.Name{
		Organization: []string{"system:nodes"},
		CommonName:   "system:node:" + nodeName,
	}
	usages := []certificatesv1.KeyUsage{
		certificatesv1.UsageDigitalSignature,
		certificatesv1.UsageKeyEncipherment,
		certificatesv1.UsageClientAuth,
	}

	privateKey, certPEM, err := requestCertificate(ctx, clientset, subject, usages, nil, logger)
	if err != nil {
		return nil, err
	}
	keyPEM, err := keyutil.MarshalPrivateKeyToPEM(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding client private key: %v", errs.ErrCredential, err)
	}

	if err := writeKubeconfig(bootstrapConfig, kubeconfigPath, certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("%w: persisting kubeconfig: %v", errs.ErrCredential, err)
	}

	if err := os.Remove(bootstrapPath); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("failed to remove bootstrap kubeconfig after successful bootstrap")
	}

	restConfig, err := k8sclient.LoadRESTConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("%w: re-reading persisted kubeconfig: %v", errs.ErrCredential, err)
	}

	logger.Info().Str("node_name", nodeName).Msg("node client credentials issued")
	return &Credentials{KubeconfigPath: kubeconfigPath, RESTConfig: restConfig}, nil
}

// EnsureServingCert is idempotent like EnsureNodeCredentials: an
// already-present, non-expired cert at certPath/keyPath is left untouched.
// Otherwise it submits a server-auth CSR with SANs [nodeIP, nodeName] and
// polls status.certificate with the jittered backoff the spec names (1s
// initial, 30s cap, ±20%), waiting indefinitely for the operator to
// approve it — the serving CSR is not auto-approved.
func EnsureServingCert(ctx context.Context, kubeconfigPath, certPath, keyPath, nodeIP, nodeName string) error {
	logger := log.WithComponent("bootstrap")

	if security.CertKeyPairExists(certPath, keyPath) {
		cert, err := security.LoadCertKeyPair(certPath, keyPath)
		if err == nil && !security.CertNeedsRotation(cert.Leaf) {
			logger.Info().Msg("serving certificate already present, skipping CSR")
			return nil
		}
	}

	restConfig, err := k8sclient.LoadRESTConfig(kubeconfigPath)
	if err != nil {
		return fmt.Errorf("%w: loading node kubeconfig: %v", errs.ErrCredential, err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("%w: building node clientset: %v", errs.ErrCredential, err)
	}

	subject := &pkix.Name{CommonName: "system:node:" + nodeName}
	usages := []certificatesv1.KeyUsage{
		certificatesv1.UsageDigitalSignature,
		certificatesv1.UsageKeyEncipherment,
		certificatesv1.UsageServerAuth,
	}

	var ips []net.IP
	if ip := net.ParseIP(nodeIP); ip != nil {
		ips = []net.IP{ip}
	}
	sans := &sanRequest{ips: ips, dnsNames: []string{nodeName}}

	bo := backoff.NewJittered()
	var privateKey *rsa.PrivateKey
	var certPEM []byte
	for {
		privateKey, certPEM, err = requestCertificate(ctx, clientset, subject, usages, sans, logger)
		if err == nil {
			break
		}
		if isRejected(err) {
			return fmt.Errorf("%w: %v", errs.ErrCSRRejected, err)
		}

		wait := bo.Next()
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("serving certificate not yet available, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{firstDER(certPEM)},
		PrivateKey:  privateKey,
	}
	if err := security.SaveCertKeyPair(cert, certPath, keyPath); err != nil {
		return fmt.Errorf("%w: persisting serving certificate: %v", errs.ErrCredential, err)
	}

	logger.Info().Str("node_ip", nodeIP).Str("node_name", nodeName).Msg("serving certificate issued")
	return nil
}

// sanRequest carries the Subject Alternative Names a server-auth CSR needs;
// nil for a pure client-auth request.
type sanRequest struct {
	ips      []net.IP
	dnsNames []string
}

// requestCertificate generates a fresh RSA key and CSR, submits it, and
// waits for the API server to populate status.certificate. The wait has no
// timeout of its own: it ends only when the certificate arrives or ctx is
// done.
func requestCertificate(ctx context.Context, clientset kubernetes.Interface, subject *pkix.Name, usages []certificatesv1.KeyUsage, sans *sanRequest, logger zerolog.Logger) (*rsa.PrivateKey, []byte, error) {
	rsaKey, err := rsa.GenerateKey(cryptorand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generating private key: %v", errs.ErrCredential, err)
	}

	var dnsNames []string
	var ips []net.IP
	if sans != nil {
		dnsNames = sans.dnsNames
		ips = sans.ips
	}

	csrPEM, err := certutil.MakeCSR(rsaKey, subject, dnsNames, ips)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: building CSR: %v", errs.ErrCredential, err)
	}

	reqName := subject.CommonName + "-" + uuid.New().String()
	respName, reqUID, err := csr.RequestCertificate(clientset, csrPEM, reqName, certificatesv1.KubeAPIServerClientSignerName, nil, usages, rsaKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: submitting CSR: %v", errs.ErrCredential, err)
	}

	certPEM, err := csr.WaitForCertificate(ctx, clientset, respName, reqUID)
	if err != nil {
		return nil, nil, err
	}

	return rsaKey, certPEM, nil
}

// writeKubeconfig persists a node-identity kubeconfig that inherits the
// bootstrap kubeconfig's server URL and CA bundle, with client auth set to
// the freshly-issued certificate and key.
func writeKubeconfig(bootstrapConfig *restclient.Config, kubeconfigPath string, certPEM, keyPEM []byte) error {
	kubeconfig := clientcmdapi.Config{
		Clusters: map[string]*clientcmdapi.Cluster{"default-cluster": {
			Server:                   bootstrapConfig.Host,
			InsecureSkipTLSVerify:    bootstrapConfig.Insecure,
			CertificateAuthority:     bootstrapConfig.CAFile,
			CertificateAuthorityData: bootstrapConfig.CAData,
		}},
		AuthInfos: map[string]*clientcmdapi.AuthInfo{"default-auth": {
			ClientCertificateData: certPEM,
			ClientKeyData:         keyPEM,
		}},
		Contexts: map[string]*clientcmdapi.Context{"default-context": {
			Cluster:  "default-cluster",
			AuthInfo: "default-auth",
		}},
		CurrentContext: "default-context",
	}

	return clientcmd.WriteToFile(kubeconfig, kubeconfigPath)
}

func isRejected(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "denied") || strings.Contains(msg, "failed")
}

func firstDER(certPEM []byte) []byte {
	certs, err := certutil.ParseCertsPEM(certPEM)
	if err != nil || len(certs) == 0 {
		return nil
	}
	return certs[0].Raw
}
