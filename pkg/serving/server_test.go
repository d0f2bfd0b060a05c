package serving

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/krustlet/krustlet/pkg/provider"
)

// stubProvider implements pkg/provider.Provider with a scriptable Logs/Exec
// pair; the state-graph methods are never exercised by pkg/serving.
type stubProvider struct {
	logsOut io.ReadCloser
	logsErr error
	execErr error
}

func (s *stubProvider) NodeArchitecture() string                                   { return "test" }
func (s *stubProvider) InitialState() provider.StateID                             { return "Registered" }
func (s *stubProvider) FailureState() provider.StateID                             { return "Error" }
func (s *stubProvider) Transition(provider.StateID) (provider.TransitionFunc, bool) { return nil, false }
func (s *stubProvider) Logs(ctx context.Context, podUID, container string, tail int, follow bool) (io.ReadCloser, error) {
	return s.logsOut, s.logsErr
}
func (s *stubProvider) Exec(ctx context.Context, podUID, container string, command []string) error {
	return s.execErr
}

func allowAllSAR(clientset *fake.Clientset) {
	clientset.PrependReactor("create", "subjectaccessreviews", func(action clienttesting.Action) (bool, runtime.Object, error) {
		return true, &authorizationv1.SubjectAccessReview{
			Status: authorizationv1.SubjectAccessReviewStatus{Allowed: true},
		}, nil
	})
}

func newTestServer(t *testing.T, pod *corev1.Pod, prov provider.Provider) (*Server, *fake.Clientset) {
	t.Helper()
	clientset := fake.NewSimpleClientset()
	if pod != nil {
		_, err := clientset.CoreV1().Pods(pod.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	allowAllSAR(clientset)

	s := New(Config{
		Addr:      ":0",
		NodeName:  "test-node",
		Clientset: clientset,
		Provider:  prov,
	})
	return s, clientset
}

func authedRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.TLS = &tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{
			{Subject: pkix.Name{CommonName: "system:node:test-node"}},
		},
	}
	return req
}

func testPod(name, namespace string, containers ...string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, UID: "uid-1"},
		Spec:       corev1.PodSpec{NodeName: "test-node"},
	}
	for _, c := range containers {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{Name: c})
	}
	return pod
}

func TestContainerLogsReturns404ForUnknownPod(t *testing.T) {
	s, _ := newTestServer(t, nil, &stubProvider{})
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, authedRequest(http.MethodGet, "/containerLogs/default/ghost/app", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContainerLogsReturns404ForUnknownContainer(t *testing.T) {
	pod := testPod("widget", "default", "app")
	s, _ := newTestServer(t, pod, &stubProvider{})
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, authedRequest(http.MethodGet, "/containerLogs/default/widget/sidecar", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestContainerLogsStreamsProviderOutput(t *testing.T) {
	pod := testPod("widget", "default", "app")
	s, _ := newTestServer(t, pod, &stubProvider{logsOut: io.NopCloser(strings.NewReader("hello from wasm\n"))})
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, authedRequest(http.MethodGet, "/containerLogs/default/widget/app", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello from wasm\n", w.Body.String())
}

func TestExecReturns501WhenProviderUnsupported(t *testing.T) {
	pod := testPod("widget", "default", "app")
	s, _ := newTestServer(t, pod, &stubProvider{execErr: provider.ErrUnsupported})
	w := httptest.NewRecorder()
	body := strings.NewReader(`{"command":["echo","hi"]}`)
	s.http.Handler.ServeHTTP(w, authedRequest(http.MethodPost, "/exec/default/widget/app", body))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestPortForwardAlwaysUnimplemented(t *testing.T) {
	pod := testPod("widget", "default", "app")
	s, _ := newTestServer(t, pod, &stubProvider{})
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, authedRequest(http.MethodPost, "/portForward/default/widget", nil))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestStatsSummaryListsPodsOnThisNode(t *testing.T) {
	pod := testPod("widget", "default", "app", "sidecar")
	s, _ := newTestServer(t, pod, &stubProvider{})
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, authedRequest(http.MethodGet, "/stats/summary", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var summary Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, "test-node", summary.Node.NodeName)
	require.Len(t, summary.Pods, 1)
	assert.Equal(t, "widget", summary.Pods[0].PodRef.Name)
	assert.Len(t, summary.Pods[0].Containers, 2)
}

func TestRequestWithoutClientCertIsUnauthorized(t *testing.T) {
	s, _ := newTestServer(t, nil, &stubProvider{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats/summary", nil)
	s.http.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestWithUnauthorizedCommonNameIsForbidden(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	allowAllSAR(clientset)
	s := New(Config{
		Addr:          ":0",
		NodeName:      "test-node",
		Clientset:     clientset,
		Provider:      &stubProvider{},
		AuthorizedCNs: []string{"system:node:someone-else"},
	})
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, authedRequest(http.MethodGet, "/stats/summary", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestDeniedBySubjectAccessReviewIsForbidden(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("create", "subjectaccessreviews", func(action clienttesting.Action) (bool, runtime.Object, error) {
		return true, &authorizationv1.SubjectAccessReview{
			Status: authorizationv1.SubjectAccessReviewStatus{Allowed: false},
		}, nil
	})
	s := New(Config{
		Addr:      ":0",
		NodeName:  "test-node",
		Clientset: clientset,
		Provider:  &stubProvider{},
	})
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, authedRequest(http.MethodGet, "/stats/summary", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}
