// Package deviceplugin implements the device manager (§4.8): hosts the
// device-plugin registration RPC (via pluginwatcher.Registrar), opens each
// registered plugin's ListAndWatch stream to track inventory, notifies the
// node manager of capacity changes, and serves Allocate calls during a
// pod's Resources state.
//
// Grounded on
// _examples/original_source/crates/kubelet/src/device_plugin_manager/manager.rs
// (DeviceManager: plugins keyed by resource name, devices map shared with
// a node patcher, allocated_device_ids keyed by pod) translated from
// broadcast-channel node-status signaling into a direct capacity-update
// callback into pkg/nodemanager, and on
// k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1 for the real
// ListAndWatch/Allocate/Register messages.
package deviceplugin

import (
	"context"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	deviceplugin "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"

	"github.com/krustlet/krustlet/pkg/errs"
	"github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/types"
)

// SupportedVersion is the device-plugin API version this kubelet accepts.
const SupportedVersion = deviceplugin.Version

// CapacityNotifier is satisfied by pkg/nodemanager.Manager; the device
// manager calls it whenever a resource's inventory changes so capacity can
// be patched onto the Node (debounced there, not here).
type CapacityNotifier interface {
	UpdateExtendedResources(ctx context.Context, resourceName string, count int64)
}

type plugin struct {
	conn     *grpc.ClientConn
	client   deviceplugin.DevicePluginClient
	cancel   context.CancelFunc
}

// Manager hosts the registration RPC and tracks device inventory and
// allocations.
type Manager struct {
	notifier CapacityNotifier

	mu          sync.Mutex
	plugins     map[string]*plugin                        // resource name -> plugin
	devices     map[string][]*deviceplugin.Device          // resource name -> known devices
	allocations map[string]map[string][]string             // pod UID -> resource name -> device IDs
}

// New creates a Manager that reports capacity changes to notifier.
func New(notifier CapacityNotifier) *Manager {
	return &Manager{
		notifier:    notifier,
		plugins:     make(map[string]*plugin),
		devices:     make(map[string][]*deviceplugin.Device),
		allocations: make(map[string]map[string][]string),
	}
}

// Register implements pluginwatcher.Registrar.
func (m *Manager) Register(ctx context.Context, info types.PluginInfo) error {
	if !supportsVersion(info.SupportedVersion) {
		return fmt.Errorf("%w: device plugin %s declares unsupported versions %v", errs.ErrPlugin, info.Name, info.SupportedVersion)
	}

	conn, err := grpc.DialContext(ctx, "unix://"+info.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return fmt.Errorf("%w: dialing device plugin %s: %v", errs.ErrPlugin, info.Name, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	p := &plugin{conn: conn, client: deviceplugin.NewDevicePluginClient(conn), cancel: cancel}

	m.mu.Lock()
	if old, ok := m.plugins[info.Name]; ok {
		old.cancel()
		old.conn.Close()
	}
	m.plugins[info.Name] = p
	m.mu.Unlock()

	go m.watch(watchCtx, info.Name, p)
	return nil
}

// Deregister implements pluginwatcher.Registrar: it stops the plugin's
// ListAndWatch stream and zeroes its advertised capacity.
func (m *Manager) Deregister(name string, _ types.PluginType) {
	m.mu.Lock()
	p, ok := m.plugins[name]
	if ok {
		delete(m.plugins, name)
		delete(m.devices, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	p.conn.Close()
	m.notifier.UpdateExtendedResources(context.Background(), name, 0)
}

// watch opens the plugin's ListAndWatch stream and, on every update,
// replaces the resource's inventory and notifies the node manager. On
// disconnect it zeroes capacity and lets the caller's reconnect-on-new-
// registration path (the plugin re-registering through the watcher) take
// over — this package does not itself retry dialing a gone socket.
func (m *Manager) watch(ctx context.Context, resourceName string, p *plugin) {
	logger := log.WithComponent("deviceplugin")

	stream, err := p.client.ListAndWatch(ctx, &deviceplugin.Empty{})
	if err != nil {
		logger.Warn().Err(err).Str("resource", resourceName).Msg("failed to open ListAndWatch stream")
		return
	}

	for {
		resp, err := stream.Recv()
		if err == io.EOF || ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn().Err(err).Str("resource", resourceName).Msg("ListAndWatch stream error, zeroing capacity")
			m.mu.Lock()
			delete(m.devices, resourceName)
			m.mu.Unlock()
			m.notifier.UpdateExtendedResources(ctx, resourceName, 0)
			return
		}

		healthy := countHealthy(resp.Devices)
		m.mu.Lock()
		m.devices[resourceName] = resp.Devices
		m.mu.Unlock()
		m.notifier.UpdateExtendedResources(ctx, resourceName, int64(healthy))
	}
}

// Allocate requests deviceIDs of resourceName for podUID during the pod's
// Resources state, returning the env, mounts, and annotations to merge
// into the container spec.
func (m *Manager) Allocate(ctx context.Context, podUID, resourceName string, deviceIDs []string) (*types.DeviceAllocation, error) {
	m.mu.Lock()
	p, ok := m.plugins[resourceName]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no device plugin registered for resource %q", errs.ErrPlugin, resourceName)
	}

	resp, err := p.client.Allocate(ctx, &deviceplugin.AllocateRequest{
		ContainerRequests: []*deviceplugin.ContainerAllocateRequest{{DevicesIDs: deviceIDs}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: Allocate for resource %q: %v", errs.ErrPlugin, resourceName, err)
	}
	if len(resp.ContainerResponses) == 0 {
		return nil, fmt.Errorf("%w: device plugin %q returned no container response", errs.ErrPlugin, resourceName)
	}
	cr := resp.ContainerResponses[0]

	mounts := make(map[string]string, len(cr.Mounts))
	for _, mnt := range cr.Mounts {
		mounts[mnt.ContainerPath] = mnt.HostPath
	}

	allocation := &types.DeviceAllocation{
		PodUID:       podUID,
		ResourceName: resourceName,
		DeviceIDs:    deviceIDs,
		Mounts:       mounts,
		Env:          cr.Envs,
		Annotations:  cr.Annotations,
	}

	m.mu.Lock()
	if m.allocations[podUID] == nil {
		m.allocations[podUID] = make(map[string][]string)
	}
	m.allocations[podUID][resourceName] = deviceIDs
	m.mu.Unlock()

	return allocation, nil
}

// Free scrubs a terminated pod's allocation table entries. Per §4.8 this
// never calls any plugin RPC; devices are implicitly freed by the
// scheduler seeing capacity.
func (m *Manager) Free(podUID string) {
	m.mu.Lock()
	delete(m.allocations, podUID)
	m.mu.Unlock()
}

func countHealthy(devices []*deviceplugin.Device) int {
	count := 0
	for _, d := range devices {
		if d.Health == deviceplugin.Healthy {
			count++
		}
	}
	return count
}

func supportsVersion(versions []string) bool {
	for _, v := range versions {
		if v == SupportedVersion {
			return true
		}
	}
	return false
}
