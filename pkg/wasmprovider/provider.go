package wasmprovider

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tetratelabs/wazero"
	"k8s.io/client-go/kubernetes"

	"github.com/krustlet/krustlet/pkg/csi"
	"github.com/krustlet/krustlet/pkg/deviceplugin"
	"github.com/krustlet/krustlet/pkg/errs"
	"github.com/krustlet/krustlet/pkg/events"
	"github.com/krustlet/krustlet/pkg/filestore"
	"github.com/krustlet/krustlet/pkg/podvolumes"
	"github.com/krustlet/krustlet/pkg/provider"
	"github.com/krustlet/krustlet/pkg/registry"
)

// Architecture is advertised in node labels and used as the default taint
// value, matching the real krustlet's wasm32-wasi node label.
const Architecture = "wasm32-wasi"

// State identifiers for this Provider's graph, per spec §4.4:
//
//	Registered → ImagePull → VolumeMount → Resources → Starting → Running
//	                                                        ↓
//	                                                    Terminated
//
// plus the out-of-band ImagePullBackOff/Terminating/Error states.
const (
	StateRegistered       provider.StateID = "Registered"
	StateImagePull        provider.StateID = "ImagePull"
	StateImagePullBackOff provider.StateID = "ImagePullBackOff"
	StateVolumeMount      provider.StateID = "VolumeMount"
	StateResources        provider.StateID = "Resources"
	StateStarting         provider.StateID = "Starting"
	StateRunning          provider.StateID = "Running"
	StateTerminating      provider.StateID = "Terminating"
	StateTerminated       provider.StateID = "Terminated"
	StateError            provider.StateID = "Error"
)

// maxImagePullFailures is the per-container consecutive-failure threshold
// after which a container enters ImagePullBackOff, per §4.4.
const maxImagePullFailures = 6

// maxMountFailures is the per-volume consecutive-failure threshold after
// which a CSI mount failure is surfaced as a FailedMount pod Event, per
// §4.7. Below the threshold, VolumeMount retries silently with backoff.
const maxMountFailures = 5

// Provider runs pod containers as WASI modules on wazero, implementing
// pkg/provider.Provider.
type Provider struct {
	runtime   wazero.Runtime
	registry  *registry.Client
	filestore *filestore.Store
	volumes   *podvolumes.Mounter
	csi       *csi.Manager
	devices   *deviceplugin.Manager
	events    *events.Recorder
	clientset kubernetes.Interface
	logDir    string

	mu   sync.Mutex
	pods map[string]*podRunContext

	transitions map[provider.StateID]provider.TransitionFunc
}

// Config bundles the collaborators a Provider needs.
type Config struct {
	Runtime    wazero.Runtime
	Registry   *registry.Client
	Filestore  *filestore.Store
	Volumes    *podvolumes.Mounter
	CSI        *csi.Manager
	Devices    *deviceplugin.Manager
	Events     *events.Recorder
	Clientset  kubernetes.Interface
	LogDir     string
}

// New creates a Provider and registers its state graph's transition
// functions.
func New(cfg Config) *Provider {
	p := &Provider{
		runtime:   cfg.Runtime,
		registry:  cfg.Registry,
		filestore: cfg.Filestore,
		volumes:   cfg.Volumes,
		csi:       cfg.CSI,
		devices:   cfg.Devices,
		events:    cfg.Events,
		clientset: cfg.Clientset,
		logDir:    cfg.LogDir,
		pods:      make(map[string]*podRunContext),
	}
	p.transitions = map[provider.StateID]provider.TransitionFunc{
		StateRegistered:       p.registered,
		StateImagePull:        p.imagePull,
		StateImagePullBackOff: p.imagePullBackOff,
		StateVolumeMount:      p.volumeMount,
		StateResources:        p.resources,
		StateStarting:         p.starting,
		StateRunning:          p.running,
		StateTerminating:      p.terminating,
		StateTerminated:       p.terminated,
		StateError:            p.errorState,
	}
	return p
}

// NodeArchitecture implements pkg/provider.Provider.
func (p *Provider) NodeArchitecture() string { return Architecture }

// InitialState implements pkg/provider.Provider.
func (p *Provider) InitialState() provider.StateID { return StateRegistered }

// FailureState implements pkg/provider.Provider.
func (p *Provider) FailureState() provider.StateID { return StateError }

// Transition implements pkg/provider.Provider.
func (p *Provider) Transition(state provider.StateID) (provider.TransitionFunc, bool) {
	fn, ok := p.transitions[state]
	return fn, ok
}

// Logs implements pkg/provider.Provider, streaming one container's combined
// stdout/stderr.
func (p *Provider) Logs(ctx context.Context, podUID, container string, tail int, follow bool) (io.ReadCloser, error) {
	rc := p.runContext(podUID)
	rc.mu.Lock()
	inst, ok := rc.instances[container]
	rc.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no running instance for container %s", errs.ErrProvider, container)
	}
	return inst.Logs(tail, follow)
}

// Exec implements pkg/provider.Provider. WASI modules have no shell to
// attach to; this Provider never supports it.
func (p *Provider) Exec(ctx context.Context, podUID, container string, command []string) error {
	return provider.ErrUnsupported
}
