// Package serving is krustletd's REST HTTP surface, §4.9: containerLogs,
// exec, portForward, stats/summary and healthz. Grounded on teacher's
// pkg/api/server.go (listen/serve/graceful-stop shape) and pkg/api/health.go
// (mux + typed handlers), but rebuilt on net/http's 1.22+ pattern-matching
// ServeMux instead of go-restful, since this surface is REST-ish
// ("GET /containerLogs/{namespace}/{pod}/{container}") rather than the
// teacher's gRPC-only cluster API, and the real kubelet's go-restful
// dependency is absent from this stack.
package serving

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/krustlet/krustlet/pkg/errs"
	"github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/metrics"
	"github.com/krustlet/krustlet/pkg/provider"
)

// Config wires a Server to its dependencies.
type Config struct {
	Addr          string
	CertFile      string
	KeyFile       string
	ClientCAFile  string
	Clientset     kubernetes.Interface
	Provider      provider.Provider
	NodeName      string
	AuthorizedCNs []string // client certificate common names to allow; empty means any CN the SubjectAccessReview itself approves
}

// Server is krustletd's HTTPS API surface, authenticated by TLS client
// certificate and authorized per-request through a SubjectAccessReview.
type Server struct {
	cfg   Config
	http  *http.Server
	authz *authorizer
}

// New builds a Server; it does not start listening until Start is called.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, authz: newAuthorizer(cfg.Clientset, cfg.AuthorizedCNs)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /containerLogs/{namespace}/{pod}/{container}", s.authz.wrap(s.handleContainerLogs))
	mux.HandleFunc("POST /exec/{namespace}/{pod}/{container}", s.authz.wrap(s.handleExec))
	mux.HandleFunc("POST /portForward/{namespace}/{pod}", s.authz.wrap(s.handlePortForward))
	mux.HandleFunc("GET /stats/summary", s.authz.wrap(s.handleStatsSummary))
	mux.HandleFunc("GET /healthz", metrics.HealthHandler())
	mux.HandleFunc("GET /readyz", metrics.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // containerLogs?follow=true holds the connection open indefinitely
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start loads the serving certificate and runs the HTTPS listener until ctx
// is canceled, then gracefully shuts down. With ClientCAFile set it
// requires a client certificate and verifies it against that bundle; without
// it, a client certificate is requested but neither required nor verified.
func (s *Server) Start(ctx context.Context) error {
	logger := log.WithComponent("serving")

	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("%w: loading serving certificate: %v", errs.ErrCredential, err)
	}

	clientAuth := tls.RequireAndVerifyClientCert
	clientCAs := x509.NewCertPool()
	if s.cfg.ClientCAFile != "" {
		pem, err := os.ReadFile(s.cfg.ClientCAFile)
		if err != nil {
			return fmt.Errorf("%w: reading client CA bundle: %v", errs.ErrCredential, err)
		}
		if !clientCAs.AppendCertsFromPEM(pem) {
			return fmt.Errorf("%w: no certificates parsed from client CA bundle", errs.ErrCredential)
		}
	} else {
		// No explicit bundle configured: fall back to accepting any client
		// certificate chain and relying entirely on the SubjectAccessReview
		// for authorization, the same posture the real kubelet takes when
		// --client-ca-file is unset.
		clientAuth = tls.RequestClientCert
	}

	s.http.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.cfg.Addr).Msg("serving HTTP surface")
		errCh <- s.http.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving HTTP surface: %w", err)
	}
}

// podUID resolves a namespace/name pair to the UID the Provider keys its
// running state by, 404ing if the pod is unknown to this node.
func (s *Server) podUID(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	pod, err := s.cfg.Clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("%w: looking up pod %s/%s: %v", errs.ErrAPIUnavailable, namespace, name, err)
	}
	return pod, nil
}

func hasContainer(pod *corev1.Pod, name string) bool {
	for _, c := range pod.Spec.Containers {
		if c.Name == name {
			return true
		}
	}
	return false
}

// handleContainerLogs implements GET /containerLogs/{namespace}/{pod}/{container}.
func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	namespace, podName, container := r.PathValue("namespace"), r.PathValue("pod"), r.PathValue("container")

	pod, err := s.podUID(r.Context(), namespace, podName)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	if !hasContainer(pod, container) {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}

	follow := r.URL.Query().Get("follow") == "true"
	tail := 0
	if v := r.URL.Query().Get("tailLines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			tail = n
		}
	}

	rc, err := s.cfg.Provider.Logs(r.Context(), string(pod.UID), container, tail, follow)
	if err != nil {
		if errors.Is(err, errs.ErrProvider) {
			http.Error(w, "no running instance for container", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok && follow {
		streamWithFlush(w, rc, flusher, r.Context())
		return
	}
	_, _ = io.Copy(w, rc)
}

// streamWithFlush copies rc to w, flushing after every chunk so a
// following client sees new log lines without buffering, until rc is
// exhausted or the request context is canceled.
func streamWithFlush(w http.ResponseWriter, rc io.Reader, flusher http.Flusher, ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := rc.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, errs.ErrNotFound) {
		http.Error(w, "pod not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusServiceUnavailable)
}
