// Package errs defines the flat, closed set of error kinds from §7 of the
// spec. Each kind maps to exactly one propagation behavior; callers
// distinguish them with errors.Is against the sentinel values, then wrap
// with fmt.Errorf("...: %w", ...) the way the rest of this tree does.
package errs

import "errors"

var (
	// ErrConfig is fatal at startup.
	ErrConfig = errors.New("config error")

	// ErrCredential is fatal at startup (CSR denied, bootstrap expired).
	ErrCredential = errors.New("credential error")

	// ErrAPIUnavailable is retried with backoff forever; surfaces as
	// Ready=False after 3 missed heartbeats.
	ErrAPIUnavailable = errors.New("kubernetes api unavailable")

	// ErrImagePull is pod-local, retried with backoff; escalates to
	// ImagePullBackOff but never terminates the pod automatically.
	ErrImagePull = errors.New("image pull error")

	// ErrMount is pod-local, retried up to 5 times, then emits FailedMount.
	ErrMount = errors.New("mount error")

	// ErrProvider is pod-local, routed through the Error state.
	ErrProvider = errors.New("provider error")

	// ErrPlugin is plugin-local; de-registers the plugin and updates
	// capacity.
	ErrPlugin = errors.New("plugin error")

	// ErrNotFound is expected for Deleted pods; silent.
	ErrNotFound = errors.New("not found")

	// ErrCSRRejected indicates the control plane denied or failed a CSR.
	ErrCSRRejected = errors.New("certificate signing request rejected")

	// ErrAlreadyHasCredentials is returned by ensure_node_credentials when
	// the kubeconfig already carries a non-empty client certificate.
	ErrAlreadyHasCredentials = errors.New("node already has credentials")
)
