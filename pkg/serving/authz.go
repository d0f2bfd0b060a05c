package serving

import (
	"context"
	"net/http"

	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/krustlet/krustlet/pkg/log"
)

// authorizer enforces §4.9's "Authentication: TLS client certificate; the
// client's common name must be in the cluster's authorized list
// (authorization is delegated to the Kubernetes SubjectAccessReview API)".
// The TLS handshake itself (requiring and verifying the client cert) is
// configured on the http.Server in Start; this only reads the verified
// peer certificate's CommonName back out of the request.
type authorizer struct {
	clientset     kubernetes.Interface
	authorizedCNs map[string]struct{}
}

func newAuthorizer(clientset kubernetes.Interface, cns []string) *authorizer {
	set := make(map[string]struct{}, len(cns))
	for _, cn := range cns {
		set[cn] = struct{}{}
	}
	return &authorizer{clientset: clientset, authorizedCNs: set}
}

// wrap returns an http.HandlerFunc that 401s when no client certificate was
// presented, 403s when the SubjectAccessReview denies the request, and
// otherwise delegates to next.
func (a *authorizer) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
		cn := r.TLS.PeerCertificates[0].Subject.CommonName

		if len(a.authorizedCNs) > 0 {
			if _, ok := a.authorizedCNs[cn]; !ok {
				http.Error(w, "client certificate not in authorized list", http.StatusForbidden)
				return
			}
		}

		allowed, err := a.authorize(r.Context(), cn)
		if err != nil {
			servingLogger := log.WithComponent("serving")
			servingLogger.Warn().Err(err).Str("cn", cn).Msg("subject access review failed")
			http.Error(w, "authorization check failed", http.StatusServiceUnavailable)
			return
		}
		if !allowed {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		next(w, r)
	}
}

// authorize submits a SubjectAccessReview for the requesting common name
// against the kubelet API group the real kubelet uses for its own
// authorization delegation (nodes/proxy, verb "get"). The review carries no
// request path or node name, so every endpoint gets the same answer for a
// given common name.
func (a *authorizer) authorize(ctx context.Context, cn string) (bool, error) {
	review := &authorizationv1.SubjectAccessReview{
		Spec: authorizationv1.SubjectAccessReviewSpec{
			User: cn,
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Verb:     "get",
				Resource: "nodes",
				Subresource: "proxy",
			},
		},
	}

	result, err := a.clientset.AuthorizationV1().SubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return false, err
	}
	return result.Status.Allowed, nil
}
