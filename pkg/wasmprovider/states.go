package wasmprovider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/krustlet/krustlet/pkg/csi"
	"github.com/krustlet/krustlet/pkg/errs"
	"github.com/krustlet/krustlet/pkg/events"
	"github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/provider"
)

// defaultTerminationGracePeriod matches corev1.Pod's own default when a pod
// spec leaves TerminationGracePeriodSeconds unset.
const defaultTerminationGracePeriod = 30 * time.Second

func involvedPod(shared *provider.SharedContext) string {
	return fmt.Sprintf("pod/%s/%s", shared.Namespace, shared.Name)
}

// registered validates the pod is runnable, grounded on
// states/pod/registered.rs's validate_pod_runnable (no kube-proxy images;
// generalized here to "every container declares a non-empty image").
func (p *Provider) registered(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	for _, c := range pod.Spec.Containers {
		if strings.TrimSpace(c.Image) == "" {
			return provider.Failed(fmt.Errorf("%w: container %s declares no image", errs.ErrProvider, c.Name))
		}
	}
	log.WithPod(shared.Namespace, shared.Name, shared.PodUID).Info().Msg("pod registered")
	return provider.Transition(StateImagePull)
}

// imagePull pulls every container's module blob via the registry+filestore,
// deduplicating concurrent pulls of the same digest at the filestore layer.
// Per-container consecutive failures accumulate in the run context; after
// maxImagePullFailures the pod moves to ImagePullBackOff instead of failing
// outright, per §4.4's "the pod remains in this state and keeps retrying".
func (p *Provider) imagePull(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	rc := p.runContext(shared.PodUID)
	logger := log.WithPod(shared.Namespace, shared.Name, shared.PodUID)

	for _, c := range pod.Spec.Containers {
		rc.mu.Lock()
		_, have := rc.modules[c.Name]
		rc.mu.Unlock()
		if have {
			continue
		}

		p.events.Event(involvedPod(shared), events.SeverityNormal, events.ReasonPulling, fmt.Sprintf("Pulling image %q", c.Image))

		digest := c.Image
		if !strings.HasPrefix(c.Image, "fs://") {
			d, err := p.registry.Digest(ctx, c.Image)
			if err != nil {
				return p.pullFailed(shared, rc, c.Name, err)
			}
			digest = d
		}

		blob, err := p.filestore.Get(ctx, c.Image, digest, p.registry.Pull)
		if err != nil {
			return p.pullFailed(shared, rc, c.Name, err)
		}

		data, err := os.ReadFile(blob.Path)
		if err != nil {
			return p.pullFailed(shared, rc, c.Name, fmt.Errorf("%w: reading cached module %s: %v", errs.ErrImagePull, blob.Path, err))
		}

		rc.mu.Lock()
		rc.modules[c.Name] = data
		rc.pullFailures[c.Name] = 0
		rc.mu.Unlock()
		p.events.Event(involvedPod(shared), events.SeverityNormal, events.ReasonPulled, fmt.Sprintf("Pulled image %q", c.Image))
	}

	rc.mu.Lock()
	rc.imageBackoff.Reset()
	rc.mu.Unlock()
	logger.Info().Msg("all container modules pulled")
	return provider.Transition(StateVolumeMount)
}

func (p *Provider) pullFailed(shared *provider.SharedContext, rc *podRunContext, container string, cause error) provider.StateResult {
	rc.mu.Lock()
	rc.pullFailures[container]++
	failures := rc.pullFailures[container]
	wait := rc.imageBackoff.Next()
	rc.mu.Unlock()

	p.events.Event(involvedPod(shared), events.SeverityWarning, events.ReasonFailedToPull, cause.Error())
	log.WithPod(shared.Namespace, shared.Name, shared.PodUID).Warn().Err(cause).Str("container", container).Int("failures", failures).Msg("image pull failed")

	if failures >= maxImagePullFailures {
		return provider.Transition(StateImagePullBackOff)
	}
	return provider.Next(StateImagePull, func(ctx context.Context) error {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return nil
	})
}

// imagePullBackOff waits out one backoff interval then retries ImagePull,
// grounded on states/image_pull_backoff.rs's fixed 60s wait — here driven by
// the pod's own exponential strategy instead of a flat constant.
func (p *Provider) imagePullBackOff(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	rc := p.runContext(shared.PodUID)
	rc.mu.Lock()
	wait := rc.imageBackoff.Next()
	rc.mu.Unlock()

	p.events.Event(involvedPod(shared), events.SeverityWarning, events.ReasonBackOff, "Back-off pulling image")
	return provider.Next(StateImagePull, func(ctx context.Context) error {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return nil
	})
}

// volumeMount resolves EmptyDir/HostPath/ConfigMap/Secret volumes directly
// and delegates PersistentVolumeClaim volumes to the CSI manager, per
// §4.4's VolumeMount description.
func (p *Provider) volumeMount(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	rc := p.runContext(shared.PodUID)

	paths, err := p.volumes.Mount(ctx, pod)
	if err != nil {
		return provider.Failed(fmt.Errorf("%w: %v", errs.ErrMount, err))
	}

	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim == nil {
			continue
		}
		claimName := vol.PersistentVolumeClaim.ClaimName
		pvc, err := p.clientset.CoreV1().PersistentVolumeClaims(pod.Namespace).Get(ctx, claimName, metav1.GetOptions{})
		if err != nil {
			return p.mountFailed(shared, rc, vol.Name, fmt.Errorf("claim %s not found: %w", claimName, err))
		}
		driver := pvc.Annotations["volume.krustlet.dev/driver"]
		targetPath, err := p.volumes.PodDir(shared.PodUID)
		if err != nil {
			return provider.Failed(fmt.Errorf("%w: %v", errs.ErrMount, err))
		}
		targetPath = targetPath + "/" + vol.Name
		if err := p.csi.Mount(ctx, csi.MountRequest{
			VolumeID:   pvc.Spec.VolumeName,
			PodUID:     shared.PodUID,
			Driver:     driver,
			TargetPath: targetPath,
			AccessMode: string(firstAccessMode(pvc.Spec.AccessModes)),
		}); err != nil {
			return p.mountFailed(shared, rc, vol.Name, err)
		}

		rc.mu.Lock()
		rc.mountFailures[vol.Name] = 0
		rc.mu.Unlock()
		paths[vol.Name] = targetPath
	}

	rc.mu.Lock()
	rc.mountBackoff.Reset()
	for name, path := range paths {
		rc.volumePaths[name] = path
	}
	rc.mu.Unlock()
	return provider.Transition(StateResources)
}

// mountFailed retries a volume mount failure with backoff, per §4.7. It
// surfaces a FailedMount pod Event once, on the maxMountFailures-th
// consecutive failure for that volume, rather than on every attempt;
// retries continue after that until the mount succeeds or the pod is
// canceled.
func (p *Provider) mountFailed(shared *provider.SharedContext, rc *podRunContext, volumeName string, cause error) provider.StateResult {
	rc.mu.Lock()
	rc.mountFailures[volumeName]++
	failures := rc.mountFailures[volumeName]
	wait := rc.mountBackoff.Next()
	rc.mu.Unlock()

	log.WithPod(shared.Namespace, shared.Name, shared.PodUID).Warn().Err(cause).Str("volume", volumeName).Int("failures", failures).Msg("volume mount failed")

	if failures == maxMountFailures {
		p.events.Event(involvedPod(shared), events.SeverityWarning, events.ReasonFailedMount, cause.Error())
	}
	return provider.Next(StateVolumeMount, func(ctx context.Context) error {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return nil
	})
}

// resources allocates extended-resource device requests via the device
// manager, per §4.4's Resources description. Failures are fatal.
func (p *Provider) resources(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	rc := p.runContext(shared.PodUID)

	for _, c := range pod.Spec.Containers {
		for name, qty := range c.Resources.Requests {
			if !isExtendedResource(name) {
				continue
			}
			count := qty.Value()
			deviceIDs := make([]string, count)
			for i := range deviceIDs {
				deviceIDs[i] = fmt.Sprintf("%s-%d", name, i)
			}
			alloc, err := p.devices.Allocate(ctx, shared.PodUID, string(name), deviceIDs)
			if err != nil {
				return provider.Failed(fmt.Errorf("%w: %v", errs.ErrProvider, err))
			}
			rc.mu.Lock()
			rc.devices[c.Name+"/"+string(name)] = alloc
			rc.mu.Unlock()
		}
	}
	return provider.Transition(StateStarting)
}

// starting instantiates every container's WASI module, grounded on
// states/pod/starting.rs's start_container loop (collapsed here into one
// flat state rather than a nested container state machine).
func (p *Provider) starting(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	rc := p.runContext(shared.PodUID)

	for _, c := range pod.Spec.Containers {
		if err := p.startContainer(ctx, shared, pod, &c, rc); err != nil {
			return provider.Failed(err)
		}
	}
	p.events.Event(involvedPod(shared), events.SeverityNormal, events.ReasonStarted, "Started pod containers")
	return provider.Transition(StateRunning)
}

func (p *Provider) startContainer(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod, c *corev1.Container, rc *podRunContext) error {
	rc.mu.Lock()
	module, ok := rc.modules[c.Name]
	rc.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: module data for container %s not populated", errs.ErrProvider, c.Name)
	}

	dirs := make(map[string]string)
	rc.mu.Lock()
	for _, vm := range c.VolumeMounts {
		if hostPath, ok := rc.volumePaths[vm.Name]; ok {
			dirs[hostPath] = vm.MountPath
		}
	}
	for key, alloc := range rc.devices {
		if !strings.HasPrefix(key, c.Name+"/") {
			continue
		}
		for containerPath, hostPath := range alloc.Mounts {
			dirs[hostPath] = containerPath
		}
	}
	rc.mu.Unlock()

	env := make(map[string]string, len(c.Env))
	for _, e := range c.Env {
		env[e.Name] = e.Value
	}
	rc.mu.Lock()
	for key, alloc := range rc.devices {
		if !strings.HasPrefix(key, c.Name+"/") {
			continue
		}
		for k, v := range alloc.Env {
			env[k] = v
		}
	}
	rc.mu.Unlock()

	args := append([]string{}, c.Command...)
	args = append(args, c.Args...)

	inst, err := StartInstance(ctx, p.runtime, ModuleSpec{
		Name:   c.Name,
		Binary: module,
		Env:    env,
		Args:   args,
		Dirs:   dirs,
	}, p.logDir)
	if err != nil {
		return err
	}

	rc.mu.Lock()
	rc.instances[c.Name] = inst
	rc.mu.Unlock()
	log.WithContainer(log.WithPod(shared.Namespace, shared.Name, shared.PodUID), c.Name).Info().Msg("container started")
	return nil
}

// running waits for any container to terminate or for cancellation,
// applying restartPolicy to each container exit per §4.4's Running
// description.
func (p *Provider) running(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	rc := p.runContext(shared.PodUID)
	logger := log.WithPod(shared.Namespace, shared.Name, shared.PodUID)

	for {
		rc.mu.Lock()
		var name string
		var inst *Instance
		for n, i := range rc.instances {
			if i.Exited() && !rc.settled[n] {
				name, inst = n, i
				break
			}
		}
		rc.mu.Unlock()

		if inst != nil {
			if result, done := p.handleExit(ctx, shared, pod, rc, name, inst); done {
				return result
			}
			continue
		}

		if allTerminated(rc) {
			return provider.Transition(StateTerminated)
		}

		p.checkLiveness(ctx, shared, pod, rc)

		select {
		case <-ctx.Done():
			logger.Info().Msg("pod canceled, transitioning to Terminating")
			return provider.Transition(StateTerminating)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// handleExit processes one container's exit. The returned bool reports
// whether running should return result to the engine immediately (a
// restart attempt, successful or not, changes container state enough to
// be worth a fresh status patch) or simply continue its loop (a settled,
// non-restarting exit, where the instance is left in place for
// allTerminated to observe once every container has finished).
func (p *Provider) handleExit(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod, rc *podRunContext, name string, inst *Instance) (provider.StateResult, bool) {
	logger := log.WithContainer(log.WithPod(shared.Namespace, shared.Name, shared.PodUID), name)
	exitCode := inst.ExitCode()
	failed := inst.Err() != nil

	if failed {
		p.events.Event(involvedPod(shared), events.SeverityWarning, events.ReasonUnhealthy, fmt.Sprintf("container %s exited with code %d", name, exitCode))
	}

	restart := shouldRestart(pod.Spec.RestartPolicy, failed)
	if !restart {
		logger.Info().Int32("exitCode", exitCode).Msg("container terminated, no restart")
		rc.mu.Lock()
		rc.settled[name] = true
		rc.mu.Unlock()
		return provider.StateResult{}, false
	}

	var c *corev1.Container
	for i := range pod.Spec.Containers {
		if pod.Spec.Containers[i].Name == name {
			c = &pod.Spec.Containers[i]
			break
		}
	}
	if c == nil {
		return provider.Failed(fmt.Errorf("%w: restart target container %s no longer in pod spec", errs.ErrProvider, name)), true
	}

	rc.mu.Lock()
	rc.restartCounts[name]++
	rc.mu.Unlock()

	logger.Info().Int32("exitCode", exitCode).Msg("restarting container per restartPolicy")
	if err := p.startContainer(ctx, shared, pod, c, rc); err != nil {
		return provider.Failed(err), true
	}
	return provider.Transition(StateRunning), true
}

func shouldRestart(policy corev1.RestartPolicy, failed bool) bool {
	switch policy {
	case corev1.RestartPolicyAlways:
		return true
	case corev1.RestartPolicyOnFailure:
		return failed
	default:
		return false
	}
}

func allTerminated(rc *podRunContext) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.instances) == 0 {
		return false
	}
	for _, inst := range rc.instances {
		if !inst.Exited() {
			return false
		}
	}
	return true
}

// terminating signals every running instance to stop, force-continuing
// after the pod's grace period, then tears down volumes and device
// allocations, per §4.4's Terminating description.
func (p *Provider) terminating(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	rc := p.runContext(shared.PodUID)
	logger := log.WithPod(shared.Namespace, shared.Name, shared.PodUID)

	p.events.Event(involvedPod(shared), events.SeverityNormal, events.ReasonKilling, "Stopping pod containers")

	rc.mu.Lock()
	var instances []*Instance
	for _, inst := range rc.instances {
		if !inst.Exited() {
			inst.Kill()
			instances = append(instances, inst)
		}
	}
	rc.mu.Unlock()

	grace := defaultTerminationGracePeriod
	if pod.Spec.TerminationGracePeriodSeconds != nil {
		grace = time.Duration(*pod.Spec.TerminationGracePeriodSeconds) * time.Second
	}
	deadline := time.After(grace)
	for _, inst := range instances {
		select {
		case <-inst.Done():
		case <-deadline:
			logger.Warn().Msg("termination grace period exceeded, force-killing remaining containers")
		}
	}

	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim == nil {
			continue
		}
		rc.mu.Lock()
		targetPath, ok := rc.volumePaths[vol.Name]
		rc.mu.Unlock()
		if !ok {
			continue
		}
		pvc, err := p.clientset.CoreV1().PersistentVolumeClaims(pod.Namespace).Get(ctx, vol.PersistentVolumeClaim.ClaimName, metav1.GetOptions{})
		if err != nil {
			continue
		}
		if err := p.csi.Unmount(ctx, pvc.Spec.VolumeName, targetPath); err != nil {
			logger.Warn().Err(err).Msg("unmounting CSI volume failed")
		}
	}

	p.devices.Free(shared.PodUID)
	if err := p.volumes.Unmount(shared.PodUID); err != nil {
		logger.Warn().Err(err).Msg("removing pod volume directory failed")
	}

	return provider.Transition(StateTerminated)
}

// terminated emits the final status and completes the machine, per §4.4's
// Terminated description.
func (p *Provider) terminated(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	log.WithPod(shared.Namespace, shared.Name, shared.PodUID).Info().Msg("pod terminated")
	p.dropRunContext(shared.PodUID)
	return provider.Complete()
}

// errorState records the failure and drains to Terminating so volumes and
// device allocations are always torn down, per §4.4's more detailed
// Error description (drains through Terminating rather than jumping
// straight to Terminated).
func (p *Provider) errorState(ctx context.Context, shared *provider.SharedContext, pod *corev1.Pod) provider.StateResult {
	rc := p.runContext(shared.PodUID)
	rc.mu.Lock()
	rc.errors++
	rc.mu.Unlock()

	log.WithPod(shared.Namespace, shared.Name, shared.PodUID).Error().Msg("pod entered error state")
	return provider.Transition(StateTerminating)
}

func isExtendedResource(name corev1.ResourceName) bool {
	switch name {
	case corev1.ResourceCPU, corev1.ResourceMemory, corev1.ResourceStorage, corev1.ResourceEphemeralStorage:
		return false
	default:
		return strings.Contains(string(name), "/")
	}
}

func firstAccessMode(modes []corev1.PersistentVolumeAccessMode) corev1.PersistentVolumeAccessMode {
	if len(modes) == 0 {
		return corev1.ReadWriteOnce
	}
	return modes[0]
}
