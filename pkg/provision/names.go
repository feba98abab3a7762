// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package provision

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/devbench-io/devbench/pkg/workspace"
)

// ClaimRole distinguishes the volumes a workspace owns.
type ClaimRole string

const (
	// ClaimRoleHome is the developer's home directory volume.
	ClaimRoleHome ClaimRole = "home"
	// ClaimRoleDind is the Docker daemon's storage volume.
	ClaimRoleDind ClaimRole = "dind"
)

// maxResourceNameLength is the DNS label limit. Pod names become hostnames,
// so we cap at the label limit rather than the 253 char subdomain limit.
const maxResourceNameLength = 63

// PodName computes the name of a workspace's pod. The same identity always
// yields the same name, which makes pod creation idempotent.
func PodName(id workspace.Identity) string {
	return workspaceResourceName(id, "")
}

// ClaimName computes the name of one of a workspace's volume claims.
// Claims outlive pods, so this name must be stable across restarts.
func ClaimName(id workspace.Identity, role ClaimRole) string {
	return workspaceResourceName(id, string(role))
}

// workspaceResourceName derives a DNS-1123 label from a workspace identity
// plus an optional role suffix. The readable owner/workspace prefix is not
// collision free on its own: sanitization folds arbitrary runes into the
// same '-' which separates the two parts, so owner "a-b" workspace "c" and
// owner "a" workspace "b-c" read identically. A hash of the raw identity is
// therefore always part of the name.
func workspaceResourceName(id workspace.Identity, role string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.Owner))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id.WorkspaceName))

	suffix := fmt.Sprintf("-%08x", h.Sum32())
	if role != "" {
		suffix += "-" + role
	}

	prefix := sanitizeResourceName(fmt.Sprintf("devbench-%s-%s", id.Owner, id.WorkspaceName))
	if len(prefix)+len(suffix) > maxResourceNameLength {
		prefix = strings.TrimRight(prefix[:maxResourceNameLength-len(suffix)], "-")
	}
	return prefix + suffix
}

// sanitizeResourceName turns an arbitrary string into a valid DNS-1123 label.
// Strings which exceed the length limit are truncated and suffixed with a
// hash of the full string so that distinct long inputs stay distinct.
func sanitizeResourceName(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	res := strings.Trim(b.String(), "-")

	if len(res) > maxResourceNameLength {
		h := fnv.New32a()
		_, _ = h.Write([]byte(res))
		suffix := fmt.Sprintf("-%08x", h.Sum32())
		res = res[:maxResourceNameLength-len(suffix)] + suffix
	}
	return res
}
