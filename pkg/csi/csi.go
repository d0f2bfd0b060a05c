// Package csi implements the CSI volume manager (§4.7): dials registered
// CSI node plugins over their Unix domain socket and issues
// NodeStageVolume/NodePublishVolume/NodeUnpublishVolume/NodeUnstageVolume,
// tracking per-volume reference counts across pods.
//
// Grounded on the CSI RPC surface in
// github.com/container-storage-interface/spec (a kubernetes-kubernetes
// dependency) and on teacher's pkg/worker/worker.go connectWithMTLS for the
// "dial once per driver, cache the connection, share across the manager's
// lifetime" shape, generalized from TCP+mTLS to Unix-domain-socket+
// insecure — CSI's documented transport — and on
// _examples/original_source/tests/csi/mod.rs's MockCsiPlugin for the exact
// stage/publish/unpublish/unstage call sequence and refcounting semantics
// this package's tests assert against.
package csi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/krustlet/krustlet/pkg/errs"
	"github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/types"
)

// rpcTimeout bounds every CSI call per §4.7/§5.
const rpcTimeout = 2 * time.Minute

// driver is one registered CSI plugin's live connection.
type driver struct {
	conn *grpc.ClientConn
	node csi.NodeClient
}

// Manager dials registered CSI node plugins and issues Node RPCs, tracking
// stage/publish state per volume-id.
type Manager struct {
	mu         sync.Mutex
	drivers    map[string]*driver // driver name -> connection
	volumes    map[string]*types.CSIVolumeAttachment
	pluginsDir string
}

// New creates a Manager. pluginsDir is $DATA_DIR/plugins, used to compute
// each volume's staging path.
func New(pluginsDir string) *Manager {
	return &Manager{
		drivers:    make(map[string]*driver),
		volumes:    make(map[string]*types.CSIVolumeAttachment),
		pluginsDir: pluginsDir,
	}
}

// Register implements pluginwatcher.Registrar: it dials the plugin's
// socket and keeps the connection for subsequent Node RPCs.
func (m *Manager) Register(ctx context.Context, info types.PluginInfo) error {
	conn, err := grpc.DialContext(ctx, "unix://"+info.SocketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return fmt.Errorf("%w: dialing CSI plugin %s: %v", errs.ErrPlugin, info.Name, err)
	}

	m.mu.Lock()
	m.drivers[info.Name] = &driver{conn: conn, node: csi.NewNodeClient(conn)}
	m.mu.Unlock()

	csiLogger := log.WithComponent("csi")
	csiLogger.Info().Str("driver", info.Name).Msg("CSI driver registered")
	return nil
}

// Deregister implements pluginwatcher.Registrar.
func (m *Manager) Deregister(name string, _ types.PluginType) {
	m.mu.Lock()
	d, ok := m.drivers[name]
	if ok {
		delete(m.drivers, name)
	}
	m.mu.Unlock()
	if ok {
		d.conn.Close()
		csiLogger := log.WithComponent("csi")
		csiLogger.Warn().Str("driver", name).Msg("CSI driver deregistered")
	}
}

// MountRequest describes one PVC-backed volume a pod needs mounted.
type MountRequest struct {
	VolumeID     string
	PodUID       string
	Driver       string
	TargetPath   string
	AccessMode   string
	VolumeContext map[string]string
}

// Mount stages (if not already staged on this node) and publishes a PVC
// volume for one pod, bumping its refcount. If no plugin is registered for
// Driver, returns errs.ErrPlugin (retryable per §4.7 step 2).
func (m *Manager) Mount(ctx context.Context, req MountRequest) error {
	m.mu.Lock()
	d, ok := m.drivers[req.Driver]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no CSI plugin registered for driver %q", errs.ErrPlugin, req.Driver)
	}

	stagingPath := fmt.Sprintf("%s/%s/staging/%s", m.pluginsDir, req.Driver, req.VolumeID)

	m.mu.Lock()
	attachment, exists := m.volumes[req.VolumeID]
	if !exists {
		attachment = &types.CSIVolumeAttachment{
			VolumeID:    req.VolumeID,
			Driver:      req.Driver,
			StagingPath: stagingPath,
			AccessMode:  req.AccessMode,
		}
		m.volumes[req.VolumeID] = attachment
	}
	m.mu.Unlock()

	if !attachment.Staged {
		stageCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		_, err := d.node.NodeStageVolume(stageCtx, &csi.NodeStageVolumeRequest{
			VolumeId:          req.VolumeID,
			StagingTargetPath: stagingPath,
			VolumeCapability:  volumeCapability(req.AccessMode),
			VolumeContext:     req.VolumeContext,
		})
		cancel()
		if err != nil {
			return fmt.Errorf("%w: NodeStageVolume for %s: %v", errs.ErrMount, req.VolumeID, err)
		}
		m.mu.Lock()
		attachment.Staged = true
		m.mu.Unlock()
	}

	publishCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	_, err := d.node.NodePublishVolume(publishCtx, &csi.NodePublishVolumeRequest{
		VolumeId:          req.VolumeID,
		StagingTargetPath: stagingPath,
		TargetPath:        req.TargetPath,
		VolumeCapability:  volumeCapability(req.AccessMode),
		VolumeContext:     req.VolumeContext,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: NodePublishVolume for %s: %v", errs.ErrMount, req.VolumeID, err)
	}

	m.mu.Lock()
	attachment.TargetPath = req.TargetPath
	attachment.PodUID = req.PodUID
	attachment.RefCount++
	m.mu.Unlock()
	return nil
}

// Unmount unpublishes a volume for one pod and, once its refcount reaches
// zero, unstages it — §4.7 step 5 and the Testable Properties in §8
// (unstage strictly after the final unpublish).
func (m *Manager) Unmount(ctx context.Context, volumeID, targetPath string) error {
	m.mu.Lock()
	attachment, ok := m.volumes[volumeID]
	var d *driver
	if ok {
		d, ok = m.drivers[attachment.Driver]
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	unpublishCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	_, err := d.node.NodeUnpublishVolume(unpublishCtx, &csi.NodeUnpublishVolumeRequest{
		VolumeId:   volumeID,
		TargetPath: targetPath,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: NodeUnpublishVolume for %s: %v", errs.ErrMount, volumeID, err)
	}

	m.mu.Lock()
	attachment.RefCount--
	remaining := attachment.RefCount
	m.mu.Unlock()

	if remaining > 0 {
		return nil
	}

	unstageCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	_, err = d.node.NodeUnstageVolume(unstageCtx, &csi.NodeUnstageVolumeRequest{
		VolumeId:          volumeID,
		StagingTargetPath: attachment.StagingPath,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: NodeUnstageVolume for %s: %v", errs.ErrMount, volumeID, err)
	}

	m.mu.Lock()
	delete(m.volumes, volumeID)
	m.mu.Unlock()
	return nil
}

func volumeCapability(accessMode string) *csi.VolumeCapability {
	mode := csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER
	if accessMode == "ReadOnlyMany" {
		mode = csi.VolumeCapability_AccessMode_MULTI_NODE_READER_ONLY
	}
	return &csi.VolumeCapability{
		AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{}},
		AccessMode: &csi.VolumeCapability_AccessMode{Mode: mode},
	}
}
