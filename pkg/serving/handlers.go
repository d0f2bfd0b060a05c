package serving

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/krustlet/krustlet/pkg/provider"
)

// execRequest is the body POST /exec/{namespace}/{pod}/{container} expects:
// the command to run, decoded straight into provider.Provider.Exec's
// []string argument.
type execRequest struct {
	Command []string `json:"command"`
}

// handleExec implements POST /exec/{namespace}/{pod}/{container}. The one
// concrete Provider this repo ships, wasmprovider, always returns
// ErrUnsupported here — a WASI module has no shell to attach to — so this
// path exists for a future Provider binding that does support it; the
// contract itself (decode command, call Exec, translate ErrUnsupported to
// 501) is what §4.9 names, independent of which Provider is wired in.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
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

	var req execRequest
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, http.ErrBodyNotAllowed) {
			http.Error(w, "malformed exec request body", http.StatusBadRequest)
			return
		}
	}

	if err := s.cfg.Provider.Exec(r.Context(), string(pod.UID), container, req.Command); err != nil {
		if errors.Is(err, provider.ErrUnsupported) {
			http.Error(w, "provider does not support exec", http.StatusNotImplemented)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handlePortForward implements POST /portForward/{namespace}/{pod}.
// pkg/provider.Provider carries no port-forward capability at all — there
// is no per-container network namespace to forward into for a
// wazero-hosted WASI module — so this path is unconditionally
// unimplemented, matching "501 unless provider supports it" with a
// Provider set that never does.
func (s *Server) handlePortForward(w http.ResponseWriter, r *http.Request) {
	namespace, podName := r.PathValue("namespace"), r.PathValue("pod")

	if _, err := s.podUID(r.Context(), namespace, podName); err != nil {
		writeLookupError(w, err)
		return
	}

	http.Error(w, "provider does not support port forwarding", http.StatusNotImplemented)
}
