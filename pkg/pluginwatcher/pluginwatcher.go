// Package pluginwatcher implements the plugin registrar (§4.6): it watches
// a directory for newly-appearing plugin sockets, handshakes each via
// GetInfo/NotifyRegistrationStatus, and dispatches successful registrations
// to a type-specific sub-manager (CSI or device).
//
// Grounded on
// wangweihong-kubernetes/pkg/kubelet/pluginmanager/pluginwatcher/plugin_watcher.go
// (fsnotify.NewWatcher, directory traversal on start, Create/Remove event
// handling, ignore dotfiles) translated from that file's
// desiredStateOfWorld cache indirection into a direct call to a Registrar
// interface, and on
// k8s.io/kubelet/pkg/apis/pluginregistration/v1 for the real GetInfo/
// NotifyRegistrationStatus gRPC messages.
package pluginwatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	registerapi "k8s.io/kubelet/pkg/apis/pluginregistration/v1"

	"github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/types"
)

// SupportedVersions lists the plugin API versions this kubelet accepts
// during the GetInfo handshake.
var SupportedVersions = []string{"v1beta1", "v1beta2"}

// Registrar is implemented by the CSI and device-plugin sub-managers; a
// successful handshake dispatches here before NotifyRegistrationStatus is
// sent back to the plugin.
type Registrar interface {
	// Register validates and activates a plugin discovered at socketPath.
	// Returning an error causes NotifyRegistrationStatus{registered:false}.
	Register(ctx context.Context, info types.PluginInfo) error
	// Deregister is called when the plugin's socket disappears; a dropped
	// handshake connection does not trigger it.
	Deregister(name string, pluginType types.PluginType)
}

// Watcher discovers plugin sockets under dir and hands successful
// handshakes to the Registrars keyed by plugin type.
type Watcher struct {
	dir        string
	registrars map[types.PluginType]Registrar

	mu     sync.Mutex
	active map[string]types.PluginInfo // socket path -> info

	fsw *fsnotify.Watcher
}

// New creates a Watcher rooted at dir (typically $DATA_DIR/plugins).
func New(dir string, registrars map[types.PluginType]Registrar) *Watcher {
	return &Watcher{
		dir:        dir,
		registrars: registrars,
		active:     make(map[string]types.PluginInfo),
	}
}

// Start creates dir if needed, does an initial directory walk to discover
// already-present sockets, then watches for Create/Remove events until ctx
// is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	logger := log.WithComponent("pluginwatcher")

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating plugin directory %s: %w", w.dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting fsnotify watcher: %w", err)
	}
	w.fsw = fsw

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching plugin directory %s: %w", w.dir, err)
	}

	if err := w.traverse(ctx, w.dir, logger); err != nil {
		logger.Error().Err(err).Msg("failed to traverse plugin socket directory")
	}

	go w.run(ctx, logger)
	return nil
}

func (w *Watcher) run(ctx context.Context, logger zerolog.Logger) {
	defer w.fsw.Close()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				if err := w.handleCreate(ctx, event.Name, logger); err != nil {
					logger.Error().Err(err).Str("path", event.Name).Msg("error handling plugin socket creation")
				}
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				w.handleRemove(event.Name, logger)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("fsnotify watcher error")
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) traverse(ctx context.Context, dir string, logger zerolog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading plugin directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("failed to watch plugin subdirectory")
				continue
			}
			if err := w.traverse(ctx, path, logger); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("failed to traverse plugin subdirectory")
			}
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode()&os.ModeSocket == 0 {
			continue
		}
		if err := w.handleCreate(ctx, path, logger); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("error handling pre-existing plugin socket")
		}
	}
	return nil
}

func (w *Watcher) handleCreate(ctx context.Context, path string, logger zerolog.Logger) error {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		if err := w.fsw.Add(path); err != nil {
			return err
		}
		return w.traverse(ctx, path, logger)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return nil
	}
	return w.handshake(ctx, path, logger)
}

func (w *Watcher) handleRemove(path string, logger zerolog.Logger) {
	w.mu.Lock()
	info, ok := w.active[path]
	if ok {
		delete(w.active, path)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	logger.Info().Str("plugin", info.Name).Str("socket", path).Msg("plugin socket removed")
	if reg, ok := w.registrars[info.Type]; ok {
		reg.Deregister(info.Name, info.Type)
	}
}

// handshake dials the plugin's socket, calls GetInfo, validates its
// declared type and API versions, dispatches to the matching Registrar,
// and reports the outcome via NotifyRegistrationStatus. The connection is
// then closed — unlike the real kubelet, this handshake does not double as
// a long-lived liveness probe; socket removal (handleRemove) is this
// implementation's deregistration signal instead.
func (w *Watcher) handshake(ctx context.Context, socketPath string, logger zerolog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, "unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return fmt.Errorf("dialing plugin socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	client := registerapi.NewRegistrationClient(conn)
	pluginInfo, err := client.GetInfo(ctx, &registerapi.InfoRequest{})
	if err != nil {
		return fmt.Errorf("GetInfo on %s: %w", socketPath, err)
	}

	pluginType := types.PluginType(pluginInfo.Type)
	if pluginType != types.PluginTypeCSI && pluginType != types.PluginTypeDevice {
		return w.reject(ctx, client, fmt.Sprintf("unsupported plugin type %q", pluginInfo.Type))
	}
	if !supportsVersion(pluginInfo.SupportedVersions) {
		return w.reject(ctx, client, fmt.Sprintf("no supported API version in %v", pluginInfo.SupportedVersions))
	}

	info := types.PluginInfo{
		Name:             pluginInfo.Name,
		Type:             pluginType,
		Endpoint:         pluginInfo.Endpoint,
		SupportedVersion: pluginInfo.SupportedVersions,
		SocketPath:       socketPath,
	}

	registrar, ok := w.registrars[pluginType]
	if !ok {
		return w.reject(ctx, client, fmt.Sprintf("no sub-manager registered for plugin type %q", pluginType))
	}

	w.mu.Lock()
	for existingPath, existing := range w.active {
		if existing.Name == info.Name && existing.Type == info.Type && existingPath != socketPath {
			if _, err := os.Stat(existingPath); err == nil {
				w.mu.Unlock()
				return w.reject(ctx, client, fmt.Sprintf("plugin %q already registered at %s", info.Name, existingPath))
			}
			delete(w.active, existingPath)
		}
	}
	w.mu.Unlock()

	if err := registrar.Register(ctx, info); err != nil {
		_ = w.reject(ctx, client, err.Error())
		return fmt.Errorf("registering plugin %s: %w", info.Name, err)
	}

	w.mu.Lock()
	w.active[socketPath] = info
	w.mu.Unlock()

	if _, err := client.NotifyRegistrationStatus(ctx, &registerapi.RegistrationStatus{PluginRegistered: true}); err != nil {
		logger.Warn().Err(err).Str("plugin", info.Name).Msg("failed to notify plugin of successful registration")
	}

	logger.Info().Str("plugin", info.Name).Str("type", string(info.Type)).Msg("plugin registered")
	return nil
}

func (w *Watcher) reject(ctx context.Context, client registerapi.RegistrationClient, reason string) error {
	_, _ = client.NotifyRegistrationStatus(ctx, &registerapi.RegistrationStatus{
		PluginRegistered: false,
		Error:            reason,
	})
	return fmt.Errorf("plugin registration rejected: %s", reason)
}

func supportsVersion(versions []string) bool {
	for _, v := range versions {
		for _, supported := range SupportedVersions {
			if v == supported {
				return true
			}
		}
	}
	return false
}
