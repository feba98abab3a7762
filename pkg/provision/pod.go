// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package provision

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/imdario/mergo"
	"golang.org/x/xerrors"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/pointer"

	"github.com/devbench-io/devbench/pkg/bootstrap"
	"github.com/devbench-io/devbench/pkg/config"
	"github.com/devbench-io/devbench/pkg/workspace"
)

const (
	// devContainerName is the name of the container the developer works in
	devContainerName = "workspace"
	// dindContainerName is the name of the Docker daemon sidecar
	dindContainerName = "dind"

	// homeVolumeName is the name of the home directory volume
	homeVolumeName = "vol-devbench-home"
	// dindVolumeName is the name of the Docker storage volume
	dindVolumeName = "vol-devbench-dind"
	// homeMountPath is the path where the home volume is mounted in the dev container
	homeMountPath = "/home/devbench"
	// dindMountPath is the path where the Docker storage volume is mounted in the sidecar
	dindMountPath = "/var/lib/docker"

	// dockerDaemonPort is the pod-local TCP port the sidecar daemon listens on
	dockerDaemonPort = 2375

	// managedByLabel identifies the pods and claims this provisioner owns
	managedByLabel = "app.kubernetes.io/managed-by"
	// ownerLabel carries the workspace owner
	ownerLabel = "devbench.io/owner"
	// workspaceLabel carries the workspace name
	workspaceLabel = "devbench.io/workspace"
)

const (
	// EnvDockerHost points the dev container's Docker client at the sidecar daemon.
	EnvDockerHost = "DOCKER_HOST"

	envGitAuthorName     = "GIT_AUTHOR_NAME"
	envGitAuthorEmail    = "GIT_AUTHOR_EMAIL"
	envGitCommitterName  = "GIT_COMMITTER_NAME"
	envGitCommitterEmail = "GIT_COMMITTER_EMAIL"
)

// composeWorkspacePod creates the workspace pod based on the definite workspace pod and the
// operator-provided template. The result of this function is not expected to be modified
// prior to being passed to Kubernetes.
func composeWorkspacePod(cfg *config.Configuration, id workspace.Identity, session *AgentSession) (*corev1.Pod, error) {
	podTemplate, err := getPodTemplate(cfg.PodTemplatePath)
	if err != nil {
		return nil, xerrors.Errorf("cannot read pod template - this is a configuration problem: %w", err)
	}

	pod, err := composeDefiniteWorkspacePod(cfg, id, session)
	if err != nil {
		return nil, xerrors.Errorf("cannot compose definite workspace pod: %w", err)
	}
	err = combinePodWithTemplate(pod, podTemplate)
	if err != nil {
		return nil, xerrors.Errorf("cannot compose workspace pod: %w", err)
	}
	return pod, nil
}

// composeDefiniteWorkspacePod creates a workspace pod without regard for any template.
// The result of this function can be deployed and it would work.
func composeDefiniteWorkspacePod(cfg *config.Configuration, id workspace.Identity, session *AgentSession) (*corev1.Pod, error) {
	devContainer, err := composeDevContainer(cfg, id, session)
	if err != nil {
		return nil, xerrors.Errorf("cannot compose dev container: %w", err)
	}
	sidecar := composeDindSidecar(cfg)

	annotations := map[string]string{
		// prevent cluster-autoscaler from removing the node this workspace runs on
		"cluster-autoscaler.kubernetes.io/safe-to-evict": "false",
	}

	// Memory and disk pressure are no reason to stop a workspace. We'd rather
	// wait things out than throw away a developer's running environment.
	pod := corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        PodName(id),
			Namespace:   cfg.Namespace,
			Labels:      workspaceLabels(id),
			Annotations: annotations,
		},
		Spec: corev1.PodSpec{
			AutomountServiceAccountToken: pointer.Bool(false),
			EnableServiceLinks:           pointer.Bool(false),
			RestartPolicy:                corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				*devContainer,
				*sidecar,
			},
			Volumes: []corev1.Volume{
				{
					Name: homeVolumeName,
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: ClaimName(id, ClaimRoleHome),
						},
					},
				},
				{
					Name: dindVolumeName,
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: ClaimName(id, ClaimRoleDind),
						},
					},
				},
			},
			Tolerations: []corev1.Toleration{
				{
					Key:      "node.kubernetes.io/disk-pressure",
					Operator: "Exists",
					Effect:   "NoExecute",
				},
				{
					Key:      "node.kubernetes.io/memory-pressure",
					Operator: "Exists",
					Effect:   "NoExecute",
				},
			},
		},
	}

	return &pod, nil
}

// composeDevContainer builds the container the developer works in. Its main process is the
// bootstrap script, which replaces itself with the agent once that is downloaded.
func composeDevContainer(cfg *config.Configuration, id workspace.Identity, session *AgentSession) (*corev1.Container, error) {
	requests, err := resourceList(cfg.Resources)
	if err != nil {
		return nil, xerrors.Errorf("cannot parse dev container resources: %w", err)
	}
	env := composeWorkspaceEnvironment(cfg, id, session)

	return &corev1.Container{
		Name:            devContainerName,
		Image:           cfg.Image(),
		ImagePullPolicy: corev1.PullIfNotPresent,
		Command:         []string{"/bin/sh", "-c", session.InitScript},
		WorkingDir:      homeMountPath,
		Ports: []corev1.ContainerPort{
			{ContainerPort: bootstrap.EditorPort},
		},
		Resources: corev1.ResourceRequirements{
			Requests: requests,
		},
		VolumeMounts: []corev1.VolumeMount{
			{
				Name:      homeVolumeName,
				MountPath: homeMountPath,
			},
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{
					Port: intstr.FromInt(bootstrap.EditorPort),
				},
			},
			// The editor comes up while the bootstrap script is still fetching
			// the agent, so we give it plenty of room before failing.
			FailureThreshold:    600,
			PeriodSeconds:       1,
			SuccessThreshold:    1,
			TimeoutSeconds:      1,
			InitialDelaySeconds: 4,
		},
		SecurityContext: &corev1.SecurityContext{
			Privileged:               pointer.Bool(false),
			AllowPrivilegeEscalation: pointer.Bool(false),
		},
		Env:                      env,
		TerminationMessagePolicy: corev1.TerminationMessageReadFile,
	}, nil
}

// composeDindSidecar builds the Docker daemon sidecar. This is the only privileged
// container in the pod. The daemon binds to the pod-local interface only, so the
// dev container reaches it over localhost and nothing else can.
func composeDindSidecar(cfg *config.Configuration) *corev1.Container {
	return &corev1.Container{
		Name:            dindContainerName,
		Image:           cfg.SidecarImage(),
		ImagePullPolicy: corev1.PullIfNotPresent,
		Args: []string{
			"dockerd",
			fmt.Sprintf("--host=tcp://127.0.0.1:%d", dockerDaemonPort),
		},
		Env: []corev1.EnvVar{
			// the daemon serves plain TCP on the pod-local interface
			{Name: "DOCKER_TLS_CERTDIR", Value: ""},
		},
		VolumeMounts: []corev1.VolumeMount{
			{
				Name:      dindVolumeName,
				MountPath: dindMountPath,
			},
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{
					Port: intstr.FromInt(dockerDaemonPort),
				},
			},
			PeriodSeconds:    2,
			SuccessThreshold: 1,
			TimeoutSeconds:   1,
		},
		SecurityContext: &corev1.SecurityContext{
			Privileged: pointer.Bool(true),
		},
		TerminationMessagePolicy: corev1.TerminationMessageReadFile,
	}
}

func composeWorkspaceEnvironment(cfg *config.Configuration, id workspace.Identity, session *AgentSession) []corev1.EnvVar {
	result := []corev1.EnvVar{}
	result = append(result, corev1.EnvVar{Name: bootstrap.EnvAgentToken, Value: session.Token})
	result = append(result, corev1.EnvVar{Name: bootstrap.EnvControlPlaneURL, Value: cfg.ControlPlaneURL})
	result = append(result, corev1.EnvVar{Name: bootstrap.EnvBinaryURL, Value: agentBinaryURL(cfg)})
	result = append(result, corev1.EnvVar{Name: EnvDockerHost, Value: fmt.Sprintf("tcp://localhost:%d", dockerDaemonPort)})

	// identity propagation for version-control attribution
	result = append(result, corev1.EnvVar{Name: envGitAuthorName, Value: id.Owner})
	result = append(result, corev1.EnvVar{Name: envGitAuthorEmail, Value: id.OwnerEmail})
	result = append(result, corev1.EnvVar{Name: envGitCommitterName, Value: id.Owner})
	result = append(result, corev1.EnvVar{Name: envGitCommitterEmail, Value: id.OwnerEmail})

	// remove empty env vars
	cleanResult := make([]corev1.EnvVar, 0)
	for _, v := range result {
		if v.Name == "" || v.Value == "" {
			continue
		}

		cleanResult = append(cleanResult, v)
	}

	return cleanResult
}

// agentBinaryURL is where the bootstrap script downloads the agent binary from.
func agentBinaryURL(cfg *config.Configuration) string {
	return fmt.Sprintf("%s/bin/%s", strings.TrimSuffix(cfg.ControlPlaneURL, "/"), cfg.AgentBinary())
}

func workspaceLabels(id workspace.Identity) map[string]string {
	return map[string]string{
		managedByLabel: "devbench",
		ownerLabel:     sanitizeResourceName(id.Owner),
		workspaceLabel: sanitizeResourceName(id.WorkspaceName),
	}
}

func resourceList(res config.ResourceConfiguration) (corev1.ResourceList, error) {
	if res.CPU == "" && res.Memory == "" {
		return nil, nil
	}

	result := corev1.ResourceList{}
	if res.CPU != "" {
		q, err := resource.ParseQuantity(res.CPU)
		if err != nil {
			return nil, xerrors.Errorf("cannot parse CPU quantity %q: %w", res.CPU, err)
		}
		result[corev1.ResourceCPU] = q
	}
	if res.Memory != "" {
		q, err := resource.ParseQuantity(res.Memory)
		if err != nil {
			return nil, xerrors.Errorf("cannot parse memory quantity %q: %w", res.Memory, err)
		}
		result[corev1.ResourceMemory] = q
	}
	return result, nil
}

// combinePodWithTemplate merges a definite workspace pod with an operator-provided template.
// In essence this function just calls mergo, but we need to make sure we use the right flags
// (and that we can test the right flags).
func combinePodWithTemplate(pod *corev1.Pod, template *corev1.Pod) error {
	if template == nil {
		return nil
	}
	if pod == nil {
		return xerrors.Errorf("definite pod cannot be nil")
	}

	err := mergo.Merge(pod, template, mergo.WithAppendSlice, mergo.WithTransformers(&mergePodTransformer{}))
	if err != nil {
		return xerrors.Errorf("cannot merge workspace pod with template: %w", err)
	}

	return nil
}

// mergePodTransformer is a mergo transformer which facilitates merging of NodeAffinity and containers
type mergePodTransformer struct{}

func (*mergePodTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	switch typ {
	case reflect.TypeOf([]corev1.NodeSelectorTerm{}):
		return mergeNodeAffinityMatchExpressions
	case reflect.TypeOf([]corev1.Container{}):
		return mergeContainer
	case reflect.TypeOf(&corev1.Probe{}):
		return mergeProbe
	}

	return nil
}

// mergeContainer merges containers by name
func mergeContainer(dst, src reflect.Value) (err error) {
	// working with reflection is tricky business - add a safety net here and recover if things go sideways
	defer func() {
		r := recover()
		if er, ok := r.(error); r != nil && ok {
			err = er
		}
	}()

	if !dst.CanSet() || !src.CanSet() {
		return nil
	}

	srcs := src.Interface().([]corev1.Container)
	dsts := dst.Interface().([]corev1.Container)

	for _, s := range srcs {
		di := -1
		for i, d := range dsts {
			if d.Name == s.Name {
				di = i
				break
			}
		}
		if di < 0 {
			// We don't have a matching destination container to merge this src one into
			continue
		}

		err = mergo.Merge(&dsts[di], s, mergo.WithAppendSlice, mergo.WithOverride, mergo.WithTransformers(&mergePodTransformer{}))
		if err != nil {
			return err
		}
	}

	dst.Set(reflect.ValueOf(dsts))
	return nil
}

// mergeNodeAffinityMatchExpressions ensures that NodeAffinities are AND'ed
func mergeNodeAffinityMatchExpressions(dst, src reflect.Value) (err error) {
	// working with reflection is tricky business - add a safety net here and recover if things go sideways
	defer func() {
		r := recover()
		if er, ok := r.(error); r != nil && ok {
			err = er
		}
	}()

	if !dst.CanSet() || !src.CanSet() {
		return nil
	}

	srcs := src.Interface().([]corev1.NodeSelectorTerm)
	dsts := dst.Interface().([]corev1.NodeSelectorTerm)

	if len(dsts) > 1 {
		// we only run this mechanism if it's clear where we merge into
		return nil
	}
	if len(dsts) == 0 {
		dsts = srcs
	} else {
		for _, term := range srcs {
			dsts[0].MatchExpressions = append(dsts[0].MatchExpressions, term.MatchExpressions...)
		}
	}
	dst.Set(reflect.ValueOf(dsts))

	return nil
}

func mergeProbe(dst, src reflect.Value) (err error) {
	// working with reflection is tricky business - add a safety net here and recover if things go sideways
	defer func() {
		r := recover()
		if er, ok := r.(error); r != nil && ok {
			err = er
		}
	}()

	srcs := src.Interface().(*corev1.Probe)
	dsts := dst.Interface().(*corev1.Probe)

	if dsts != nil && srcs == nil {
		// don't overwrite with nil
	} else if dsts == nil && srcs != nil {
		// we don't have anything at dst yet - take the whole src
		if dst.CanSet() {
			dst.Set(src)
		}
	} else if dsts != nil && srcs != nil {
		dsts.HTTPGet = srcs.HTTPGet
		dsts.Exec = srcs.Exec
		dsts.TCPSocket = srcs.TCPSocket
	}

	return nil
}
