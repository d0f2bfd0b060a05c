package deviceplugin

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"

	deviceplugin "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krustlet/krustlet/pkg/types"
)

type recordingNotifier struct {
	mu     sync.Mutex
	counts map[string]int64
	seen   chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{counts: make(map[string]int64), seen: make(chan struct{}, 16)}
}

func (n *recordingNotifier) UpdateExtendedResources(ctx context.Context, resourceName string, count int64) {
	n.mu.Lock()
	n.counts[resourceName] = count
	n.mu.Unlock()
	n.seen <- struct{}{}
}

type fakeDevicePlugin struct {
	deviceplugin.UnimplementedDevicePluginServer
	devices []*deviceplugin.Device
}

func (f *fakeDevicePlugin) ListAndWatch(_ *deviceplugin.Empty, stream deviceplugin.DevicePlugin_ListAndWatchServer) error {
	return stream.Send(&deviceplugin.ListAndWatchResponse{Devices: f.devices})
}

func (f *fakeDevicePlugin) Allocate(ctx context.Context, req *deviceplugin.AllocateRequest) (*deviceplugin.AllocateResponse, error) {
	return &deviceplugin.AllocateResponse{
		ContainerResponses: []*deviceplugin.ContainerAllocateResponse{{
			Envs: map[string]string{"DEVICE_ID": "gpu-0"},
		}},
	}, nil
}

func serveFakeDevicePlugin(t *testing.T, socketPath string, devices []*deviceplugin.Device) *grpc.Server {
	t.Helper()
	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	s := grpc.NewServer()
	deviceplugin.RegisterDevicePluginServer(s, &fakeDevicePlugin{devices: devices})
	go s.Serve(lis)
	return s
}

func TestRegisterWatchesAndReportsCapacity(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "gpu.sock")
	devices := []*deviceplugin.Device{
		{ID: "gpu-0", Health: deviceplugin.Healthy},
		{ID: "gpu-1", Health: deviceplugin.Unhealthy},
	}
	server := serveFakeDevicePlugin(t, socketPath, devices)
	defer server.Stop()

	notifier := newRecordingNotifier()
	mgr := New(notifier)

	err := mgr.Register(context.Background(), types.PluginInfo{
		Name: "gpu", Type: types.PluginTypeDevice, Endpoint: socketPath, SupportedVersion: []string{deviceplugin.Version},
	})
	require.NoError(t, err)

	select {
	case <-notifier.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was never called")
	}

	notifier.mu.Lock()
	assert.EqualValues(t, 1, notifier.counts["gpu"])
	notifier.mu.Unlock()
}

func TestAllocateReturnsEnvFromPlugin(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "gpu.sock")
	server := serveFakeDevicePlugin(t, socketPath, nil)
	defer server.Stop()

	notifier := newRecordingNotifier()
	mgr := New(notifier)
	require.NoError(t, mgr.Register(context.Background(), types.PluginInfo{
		Name: "gpu", Type: types.PluginTypeDevice, Endpoint: socketPath, SupportedVersion: []string{deviceplugin.Version},
	}))

	alloc, err := mgr.Allocate(context.Background(), "pod-a", "gpu", []string{"gpu-0"})
	require.NoError(t, err)
	assert.Equal(t, "gpu-0", alloc.Env["DEVICE_ID"])

	mgr.Free("pod-a")
}

func TestAllocateFailsForUnregisteredResource(t *testing.T) {
	mgr := New(newRecordingNotifier())
	_, err := mgr.Allocate(context.Background(), "pod-a", "missing", nil)
	assert.Error(t, err)
}

func TestRegisterRejectsUnsupportedVersion(t *testing.T) {
	mgr := New(newRecordingNotifier())
	err := mgr.Register(context.Background(), types.PluginInfo{Name: "gpu", SupportedVersion: []string{"v0"}})
	assert.Error(t, err)
}
