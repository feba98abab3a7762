// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package workspace

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

// Identity identifies a single developer workspace. It is supplied by the
// surrounding platform and immutable for the duration of one reconciliation.
type Identity struct {
	// Owner is the developer this workspace belongs to
	Owner string `json:"owner"`
	// WorkspaceName names the workspace within the owner's set of workspaces
	WorkspaceName string `json:"workspaceName"`
	// OwnerEmail is used for version control attribution inside the workspace
	OwnerEmail string `json:"ownerEmail,omitempty"`
	// StartCount signals whether the workspace pod should exist:
	// 0 means stopped (pod absent, volumes kept), 1 means running.
	StartCount int `json:"startCount"`
}

// Validate ensures the identity can name Kubernetes resources
func (i Identity) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.Owner, validation.Required),
		validation.Field(&i.WorkspaceName, validation.Required),
		validation.Field(&i.OwnerEmail, is.Email),
		validation.Field(&i.StartCount, validation.In(0, 1)),
	)
}

// Running reports whether the workspace pod is supposed to exist
func (i Identity) Running() bool {
	return i.StartCount > 0
}

// String renders the identity for log messages. It never contains credentials.
func (i Identity) String() string {
	return fmt.Sprintf("%s/%s", i.Owner, i.WorkspaceName)
}
