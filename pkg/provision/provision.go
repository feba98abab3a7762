// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package provision

import (
	"context"
	"time"

	"golang.org/x/xerrors"
	corev1 "k8s.io/api/core/v1"
	k8serr "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/devbench-io/devbench/pkg/bootstrap"
	"github.com/devbench-io/devbench/pkg/config"
	"github.com/devbench-io/devbench/pkg/log"
	"github.com/devbench-io/devbench/pkg/workspace"
)

// Provisioner is a Kubernetes backed implementation of the workspace
// lifecycle: it converges pods and volume claims on a workspace's desired
// state. All operations are idempotent; re-running them against an already
// converged workspace changes nothing.
type Provisioner struct {
	Config    config.Configuration
	Clientset kubernetes.Interface

	metrics *metrics
}

// Result describes the resources one reconciliation converged on.
type Result struct {
	Claims  []*corev1.PersistentVolumeClaim `json:"claims"`
	Pod     *corev1.Pod                     `json:"pod,omitempty"`
	Session *AgentSession                   `json:"session"`
	App     *ExposedApplication             `json:"app"`
}

// stopWorkspaceGracePeriod is the grace period we use when deleting a workspace pod.
// The agent gets this long to disconnect cleanly from the control plane.
const stopWorkspaceGracePeriod = 30 * time.Second

// New creates a new workspace provisioner
func New(cfg config.Configuration, clientset kubernetes.Interface) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid provisioner configuration: %w", err)
	}

	p := &Provisioner{
		Config:    cfg,
		Clientset: clientset,
	}
	p.metrics = newMetrics(p)
	return p, nil
}

// Reconcile converges the cluster on the workspace's desired state: both
// volume claims always exist, and the pod exists exactly if the workspace is
// marked running. Stopping a workspace deletes the pod but leaves the claims,
// so the developer's data survives until Teardown.
func (p *Provisioner) Reconcile(ctx context.Context, id workspace.Identity) (res *Result, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			p.metrics.totalReconcileErrsCount.Inc()
		}
	}()

	owi := log.OW(id.Owner, id.WorkspaceName)
	log := log.WithFields(owi)

	if err := id.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid workspace identity: %w", err)
	}
	if err := p.checkNamespace(ctx); err != nil {
		return nil, err
	}

	session, err := newAgentSession(p.Config.AgentBinary())
	if err != nil {
		return nil, err
	}

	// claims are never gated by the start state
	home, err := p.ensureClaim(ctx, id, ClaimRoleHome)
	if err != nil {
		return nil, err
	}
	dind, err := p.ensureClaim(ctx, id, ClaimRoleDind)
	if err != nil {
		return nil, err
	}

	res = &Result{
		Claims:  []*corev1.PersistentVolumeClaim{home, dind},
		Session: session,
		App:     composeEditorApplication(session),
	}

	if !id.Running() {
		deleted, err := p.deleteWorkspacePod(ctx, id, stopWorkspaceGracePeriod)
		if err != nil {
			return nil, err
		}
		if deleted {
			log.Info("stopped workspace")
			p.metrics.totalStopsCounter.Inc()
		}
		p.metrics.OnReconcile("stop", start)
		return res, nil
	}

	pod, created, err := p.createWorkspacePod(ctx, id, session)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info("started workspace")
		p.metrics.totalStartsCounter.Inc()
	}
	res.Pod = pod

	p.metrics.OnReconcile("start", start)
	return res, nil
}

// Teardown removes everything a workspace owns: the pod and both volume
// claims. This is the only code path which deletes claims. It is idempotent;
// tearing down an absent workspace is a no-op.
func (p *Provisioner) Teardown(ctx context.Context, id workspace.Identity) error {
	if err := id.Validate(); err != nil {
		return xerrors.Errorf("invalid workspace identity: %w", err)
	}

	log := log.WithFields(log.OW(id.Owner, id.WorkspaceName))

	if _, err := p.deleteWorkspacePod(ctx, id, stopWorkspaceGracePeriod); err != nil {
		return err
	}

	claims := p.Clientset.CoreV1().PersistentVolumeClaims(p.Config.Namespace)
	for _, role := range []ClaimRole{ClaimRoleHome, ClaimRoleDind} {
		err := claims.Delete(ctx, ClaimName(id, role), metav1.DeleteOptions{})
		if err != nil && !k8serr.IsNotFound(err) {
			return xerrors.Errorf("cannot delete %s claim: %w", role, err)
		}
	}

	log.Info("tore down workspace")
	p.metrics.totalTeardownsCounter.Inc()
	return nil
}

// Compose builds the resources a reconciliation would apply for the given
// identity without talking to the cluster. A fresh agent session is minted,
// so two calls never produce the same pod environment.
func Compose(cfg config.Configuration, id workspace.Identity) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid provisioner configuration: %w", err)
	}
	if err := id.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid workspace identity: %w", err)
	}

	session, err := newAgentSession(cfg.AgentBinary())
	if err != nil {
		return nil, err
	}

	res := &Result{
		Claims: []*corev1.PersistentVolumeClaim{
			composeClaim(&cfg, id, ClaimRoleHome),
			composeClaim(&cfg, id, ClaimRoleDind),
		},
		Session: session,
		App:     composeEditorApplication(session),
	}
	if id.Running() {
		pod, err := composeWorkspacePod(&cfg, id, session)
		if err != nil {
			return nil, err
		}
		res.Pod = pod
	}
	return res, nil
}

// checkNamespace ensures the target namespace exists. Namespace provisioning
// is not our job; a missing namespace is an operator error we surface early.
func (p *Provisioner) checkNamespace(ctx context.Context) error {
	_, err := p.Clientset.CoreV1().Namespaces().Get(ctx, p.Config.Namespace, metav1.GetOptions{})
	if k8serr.IsNotFound(err) {
		return xerrors.Errorf("namespace %q does not exist: create it before provisioning workspaces", p.Config.Namespace)
	}
	if err != nil {
		return xerrors.Errorf("cannot check namespace %q: %w", p.Config.Namespace, err)
	}
	return nil
}

// createWorkspacePod creates the workspace pod if it is absent. A pod left
// over from an earlier reconciliation is reused as is, it keeps the agent
// session it was started with.
func (p *Provisioner) createWorkspacePod(ctx context.Context, id workspace.Identity, session *AgentSession) (pod *corev1.Pod, created bool, err error) {
	pod, err = composeWorkspacePod(&p.Config, id, session)
	if err != nil {
		return nil, false, err
	}

	client := p.Clientset.CoreV1().Pods(p.Config.Namespace)
	res, err := client.Create(ctx, pod, metav1.CreateOptions{})
	if k8serr.IsAlreadyExists(err) {
		res, err = client.Get(ctx, pod.Name, metav1.GetOptions{})
		if err != nil {
			return nil, false, xerrors.Errorf("cannot get existing workspace pod: %w", err)
		}
		return res, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("cannot create workspace pod: %w", err)
	}

	return res, true, nil
}

// deleteWorkspacePod deletes the workspace pod if it exists. The claims are
// untouched.
func (p *Provisioner) deleteWorkspacePod(ctx context.Context, id workspace.Identity, gracePeriod time.Duration) (deleted bool, err error) {
	gracePeriodSeconds := int64(gracePeriod.Seconds())
	propagationPolicy := metav1.DeletePropagationForeground

	err = p.Clientset.CoreV1().Pods(p.Config.Namespace).Delete(ctx, PodName(id), metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriodSeconds,
		PropagationPolicy:  &propagationPolicy,
	})
	if k8serr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("cannot delete workspace pod: %w", err)
	}

	return true, nil
}

// Redacted returns a copy of the result that is safe to print or log: the
// agent token is removed from the pod's environment. The session's token and
// init script are never serialized in the first place.
func (r *Result) Redacted() *Result {
	res := *r
	if r.Pod != nil {
		pod := r.Pod.DeepCopy()
		for i := range pod.Spec.Containers {
			for j, env := range pod.Spec.Containers[i].Env {
				if env.Name == bootstrap.EnvAgentToken {
					pod.Spec.Containers[i].Env[j].Value = "(redacted)"
				}
			}
		}
		res.Pod = pod
	}
	return &res
}
