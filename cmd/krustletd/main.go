// Command krustletd is the kubelet replacement that runs WebAssembly
// modules instead of OS containers. It wires together credential
// bootstrap, node registration, the pod watch/dispatch/state-machine
// pipeline, the plugin registrar and the serving HTTP surface, then waits
// for SIGINT/SIGTERM to shut everything down in order.
//
// Grounded on teacher's cmd/warren/main.go: a cobra root command whose
// RunE builds every subsystem, starts the long-running ones in
// goroutines behind an error channel, and races that channel against an
// os/signal channel before an ordered shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"

	"github.com/krustlet/krustlet/pkg/bootstrap"
	"github.com/krustlet/krustlet/pkg/config"
	"github.com/krustlet/krustlet/pkg/csi"
	"github.com/krustlet/krustlet/pkg/deviceplugin"
	"github.com/krustlet/krustlet/pkg/dispatcher"
	"github.com/krustlet/krustlet/pkg/errs"
	"github.com/krustlet/krustlet/pkg/events"
	"github.com/krustlet/krustlet/pkg/filestore"
	"github.com/krustlet/krustlet/pkg/k8sclient"
	"github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/metrics"
	"github.com/krustlet/krustlet/pkg/nodemanager"
	"github.com/krustlet/krustlet/pkg/pluginwatcher"
	"github.com/krustlet/krustlet/pkg/pod"
	"github.com/krustlet/krustlet/pkg/podvolumes"
	"github.com/krustlet/krustlet/pkg/registry"
	"github.com/krustlet/krustlet/pkg/serving"
	"github.com/krustlet/krustlet/pkg/types"
	"github.com/krustlet/krustlet/pkg/wasmprovider"
	"github.com/krustlet/krustlet/pkg/watch"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a returned error to the documented process exit code: 1
// for initialization failures, 2 for an irrecoverable runtime failure.
func exitCode(err error) int {
	var runtimeFailure *runtimeError
	if errors.As(err, &runtimeFailure) {
		return 2
	}
	return 1
}

// runtimeError marks an error surfaced after startup completed, so main
// can exit 2 instead of 1.
type runtimeError struct{ err error }

func (r *runtimeError) Error() string { return r.err.Error() }
func (r *runtimeError) Unwrap() error { return r.err }

var cli config.Config

var rootCmd = &cobra.Command{
	Use:     "krustletd",
	Short:   "krustletd - a kubelet that runs WebAssembly modules instead of containers",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"krustletd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	flags.StringVarP(&cli.Address, "addr", "a", "", "bind address (env KRUSTLET_ADDRESS, default 0.0.0.0)")
	flags.IntVarP(&cli.Port, "port", "p", 0, "bind port (env KRUSTLET_PORT, default 3000)")
	flags.StringVarP(&cli.NodeIP, "node-ip", "n", "", "address advertised in the Node object (env KRUSTLET_NODE_IP)")
	flags.StringVar(&cli.NodeName, "node-name", "", "Node name (env KRUSTLET_NODE_NAME, default hostname)")
	flags.StringVar(&cli.Hostname, "hostname", "", "used in cert CN/SANs (env KRUSTLET_HOSTNAME, default hostname)")
	flags.StringVar(&cli.DataDir, "data-dir", "", "root for caches, plugin sockets, per-pod dirs (env KRUSTLET_DATA_DIR, default $HOME/.krustlet)")
	flags.IntVar(&cli.MaxPods, "max-pods", 0, "advertised pod capacity (env MAX_PODS, default 110)")
	flags.StringVar(&nodeLabelsFlag, "node-labels", "", "comma-separated k=v pairs (env NODE_LABELS)")
	flags.StringVar(&cli.CertFile, "cert-file", "", "serving certificate path (env KRUSTLET_CERT_FILE, default $DATA_DIR/config/krustlet.crt)")
	flags.StringVar(&cli.PrivateKeyFile, "private-key-file", "", "serving key path (env KRUSTLET_PRIVATE_KEY_FILE, default $DATA_DIR/config/krustlet.key)")
	flags.StringVar(&cli.BootstrapFile, "bootstrap-file", "", "path to the bootstrap kubeconfig (env KRUSTLET_BOOTSTRAP_FILE)")
	flags.BoolVar(&cli.AllowLocalModules, "x-allow-local-modules", false, "accept fs:// image references")
}

// nodeLabelsFlag holds --node-labels' raw value; run parses it with
// parseNodeLabels after config.Load and, when non-empty, it replaces the
// labels Load produced.
var nodeLabelsFlag string

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cli)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConfig, err)
	}
	if nodeLabelsFlag != "" {
		cfg.NodeLabels = parseNodeLabels(nodeLabelsFlag)
	}

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: false})
	metrics.SetVersion(Version)
	logger := log.WithNode(cfg.NodeName)
	logger.Info().Str("data_dir", cfg.DataDir).Msg("starting krustletd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, dir := range []string{cfg.DataDir, cfg.ModulesDir(), cfg.PodsDir(), cfg.PluginsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: creating %s: %v", errs.ErrConfig, dir, err)
		}
	}

	if _, err := bootstrap.EnsureNodeCredentials(ctx, cfg.BootstrapFile, cfg.KubeconfigPath(), cfg.NodeName); err != nil {
		if !errors.Is(err, errs.ErrAlreadyHasCredentials) {
			return fmt.Errorf("%w: %v", errs.ErrCredential, err)
		}
		logger.Info().Msg("node credentials already present")
	}

	clientset, err := k8sclient.NewClientset(cfg.KubeconfigPath())
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCredential, err)
	}
	metrics.SetComponentHealth("k8sapi", true, "")

	if err := bootstrap.EnsureServingCert(ctx, cfg.KubeconfigPath(), cfg.CertFile, cfg.PrivateKeyFile, cfg.NodeIP, cfg.NodeName); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCredential, err)
	}

	recorder := events.NewRecorder()
	recorder.Start()

	nodeMgr := nodemanager.New(clientset, recorder, nodemanager.Options{
		NodeName: cfg.NodeName,
		NodeIP:   cfg.NodeIP,
		Hostname: cfg.Hostname,
		Labels:   cfg.NodeLabels,
		MaxPods:  int64(cfg.MaxPods),
	})
	if err := nodeMgr.EnsureNode(ctx); err != nil {
		return fmt.Errorf("%w: registering node: %v", errs.ErrAPIUnavailable, err)
	}
	go nodeMgr.StartHeartbeat(ctx)

	regClient := registry.New()
	store, err := filestore.New(cfg.ModulesDir(), cfg.AllowLocalModules)
	if err != nil {
		return fmt.Errorf("%w: opening module cache: %v", errs.ErrConfig, err)
	}
	volumes := podvolumes.New(clientset, cfg.PodsDir())
	csiMgr := csi.New(cfg.PluginsDir())
	deviceMgr := deviceplugin.New(nodeMgr)

	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	wasmProvider := wasmprovider.New(wasmprovider.Config{
		Runtime:   runtime,
		Registry:  regClient,
		Filestore: store,
		Volumes:   volumes,
		CSI:       csiMgr,
		Devices:   deviceMgr,
		Events:    recorder,
		Clientset: clientset,
		LogDir:    cfg.DataDir,
	})
	metrics.SetComponentHealth("provider", true, "")

	podEngine := pod.New(wasmProvider, clientset, recorder)
	disp := dispatcher.New(podEngine)

	pluginWatcher := pluginwatcher.New(cfg.PluginsDir(), map[types.PluginType]pluginwatcher.Registrar{
		types.PluginTypeCSI:    csiMgr,
		types.PluginTypeDevice: deviceMgr,
	})

	errCh := make(chan error, 1)

	if err := pluginWatcher.Start(ctx); err != nil {
		return fmt.Errorf("%w: starting plugin watcher: %v", errs.ErrPlugin, err)
	}
	metrics.SetComponentHealth("plugins", true, "")

	podWatch := watch.New(clientset, cfg.NodeName)
	go podWatch.Run(ctx)
	go consumeWatchEvents(ctx, podWatch, disp, logger)

	servingAddr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	httpServer := serving.New(serving.Config{
		Addr:      servingAddr,
		CertFile:  cfg.CertFile,
		KeyFile:   cfg.PrivateKeyFile,
		Clientset: clientset,
		Provider:  wasmProvider,
		NodeName:  cfg.NodeName,
	})
	go func() {
		if err := httpServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("serving http surface: %w", err)
		}
	}()

	if err := nodeMgr.MarkReady(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to mark node ready")
	}
	logger.Info().Str("addr", servingAddr).Msg("krustletd is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("irrecoverable runtime error")
		cancel()
		shutdown(cfg, nodeMgr, recorder)
		return &runtimeError{err: err}
	}

	cancel()
	shutdown(cfg, nodeMgr, recorder)
	logger.Info().Msg("shutdown complete")
	return nil
}

// shutdown runs the node manager's Shutdown (Ready=False with reason
// NodeShutdown, Lease deleted) and gives subsystems a bounded window to
// react to the canceled context before the process exits.
func shutdown(cfg config.Config, nodeMgr *nodemanager.Manager, recorder *events.Recorder) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := nodeMgr.Shutdown(shutdownCtx); err != nil {
		log.WithNode(cfg.NodeName).Warn().Err(err).Msg("failed to mark node not ready during shutdown")
	}
	recorder.Stop()
}

// consumeWatchEvents translates the normalized pod watch stream into
// dispatcher calls: Added/Modified dispatch the pod, Deleted tears its
// worker down, Error is logged only, and Bookmark is ignored.
func consumeWatchEvents(ctx context.Context, stream *watch.Stream, disp *dispatcher.Dispatcher, logger zerolog.Logger) {
	for {
		select {
		case evt, ok := <-stream.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case watch.EventAdded, watch.EventModified:
				if evt.Pod != nil {
					disp.Dispatch(ctx, evt.Pod)
				}
			case watch.EventDeleted:
				if evt.Pod != nil {
					disp.Remove(ctx, evt.Pod.Namespace, evt.Pod.Name, string(evt.Pod.UID))
				}
			case watch.EventError:
				logger.Warn().Err(evt.Err).Msg("pod watch error")
			}
		case <-ctx.Done():
			return
		}
	}
}

func parseNodeLabels(raw string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		labels[k] = v
	}
	return labels
}
