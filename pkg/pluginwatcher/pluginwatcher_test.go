package pluginwatcher

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	registerapi "k8s.io/kubelet/pkg/apis/pluginregistration/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krustlet/krustlet/pkg/types"
)

func discardLogger() zerolog.Logger { return zerolog.Nop() }

type fakePluginServer struct {
	registerapi.UnimplementedRegistrationServer
	name     string
	pType    string
	versions []string
	status   chan *registerapi.RegistrationStatus
}

func (f *fakePluginServer) GetInfo(ctx context.Context, req *registerapi.InfoRequest) (*registerapi.PluginInfo, error) {
	return &registerapi.PluginInfo{
		Type:              f.pType,
		Name:              f.name,
		Endpoint:          "",
		SupportedVersions: f.versions,
	}, nil
}

func (f *fakePluginServer) NotifyRegistrationStatus(ctx context.Context, status *registerapi.RegistrationStatus) (*registerapi.RegistrationStatusResponse, error) {
	f.status <- status
	return &registerapi.RegistrationStatusResponse{}, nil
}

type recordingRegistrar struct {
	registered chan types.PluginInfo
	deregister chan string
	fail       bool
}

func newRecordingRegistrar() *recordingRegistrar {
	return &recordingRegistrar{registered: make(chan types.PluginInfo, 1), deregister: make(chan string, 1)}
}

func (r *recordingRegistrar) Register(ctx context.Context, info types.PluginInfo) error {
	if r.fail {
		return assertError{}
	}
	r.registered <- info
	return nil
}

func (r *recordingRegistrar) Deregister(name string, pluginType types.PluginType) {
	r.deregister <- name
}

type assertError struct{}

func (assertError) Error() string { return "registration refused" }

func serveFakePlugin(t *testing.T, socketPath string, srv *fakePluginServer) *grpc.Server {
	t.Helper()
	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	s := grpc.NewServer()
	registerapi.RegisterRegistrationServer(s, srv)
	go s.Serve(lis)
	return s
}

func TestHandshakeRegistersValidPlugin(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "host.sock")

	fake := &fakePluginServer{name: "host.csi.example.com", pType: "CSIPlugin", versions: []string{"v1beta2"}, status: make(chan *registerapi.RegistrationStatus, 1)}
	server := serveFakePlugin(t, socketPath, fake)
	defer server.Stop()

	registrar := newRecordingRegistrar()
	w := New(dir, map[types.PluginType]Registrar{types.PluginTypeCSI: registrar})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.handshake(ctx, socketPath, discardLogger())
	require.NoError(t, err)

	select {
	case info := <-registrar.registered:
		assert.Equal(t, "host.csi.example.com", info.Name)
		assert.Equal(t, types.PluginTypeCSI, info.Type)
	case <-time.After(time.Second):
		t.Fatal("registrar was never called")
	}

	select {
	case status := <-fake.status:
		assert.True(t, status.PluginRegistered)
	case <-time.After(time.Second):
		t.Fatal("plugin was never notified")
	}
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "bad.sock")

	fake := &fakePluginServer{name: "bad-plugin", pType: "CSIPlugin", versions: []string{"v0alpha1"}, status: make(chan *registerapi.RegistrationStatus, 1)}
	server := serveFakePlugin(t, socketPath, fake)
	defer server.Stop()

	registrar := newRecordingRegistrar()
	w := New(dir, map[types.PluginType]Registrar{types.PluginTypeCSI: registrar})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.handshake(ctx, socketPath, discardLogger())
	assert.Error(t, err)

	select {
	case status := <-fake.status:
		assert.False(t, status.PluginRegistered)
	case <-time.After(time.Second):
		t.Fatal("plugin was never notified")
	}
}
