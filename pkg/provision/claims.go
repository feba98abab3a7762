// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package provision

import (
	"context"
	"fmt"

	"golang.org/x/xerrors"
	corev1 "k8s.io/api/core/v1"
	k8serr "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/devbench-io/devbench/pkg/config"
	"github.com/devbench-io/devbench/pkg/workspace"
)

// dindDiskSize is the fixed capacity of the Docker storage volume. Unlike the
// home volume it is not operator-configurable.
const dindDiskSize = "5Gi"

// composeClaim builds the claim description for one of a workspace's volumes.
// Claims are keyed by identity and role only, so the description is stable
// across reconciliations.
func composeClaim(cfg *config.Configuration, id workspace.Identity, role ClaimRole) *corev1.PersistentVolumeClaim {
	size := resource.MustParse(dindDiskSize)
	if role == ClaimRoleHome {
		size = resource.MustParse(fmt.Sprintf("%dGi", cfg.HomeDiskSizeGB))
	}

	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ClaimName(id, role),
			Namespace: cfg.Namespace,
			Labels:    workspaceLabels(id),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{
				corev1.ReadWriteOnce,
			},
			Resources: corev1.ResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: size,
				},
			},
		},
	}
	if cfg.StorageClass != "" {
		claim.Spec.StorageClassName = &cfg.StorageClass
	}

	return claim
}

// ensureClaim creates a workspace volume claim if it does not exist yet.
// Claims survive workspace stops and are reused on restart; only Teardown
// removes them.
func (p *Provisioner) ensureClaim(ctx context.Context, id workspace.Identity, role ClaimRole) (*corev1.PersistentVolumeClaim, error) {
	claim := composeClaim(&p.Config, id, role)
	client := p.Clientset.CoreV1().PersistentVolumeClaims(p.Config.Namespace)

	res, err := client.Create(ctx, claim, metav1.CreateOptions{})
	if k8serr.IsAlreadyExists(err) {
		return client.Get(ctx, claim.Name, metav1.GetOptions{})
	}
	if err != nil {
		return nil, xerrors.Errorf("cannot create %s claim: %w", role, err)
	}

	p.metrics.OnClaimCreated(role)
	return res, nil
}
