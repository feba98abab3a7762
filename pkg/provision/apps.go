// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package provision

import (
	"fmt"

	"github.com/devbench-io/devbench/pkg/bootstrap"
)

// ExposedApplication binds a human-facing name and icon to a service the
// agent proxies out of the workspace. It references the agent session by ID
// only. There is no lifecycle of its own: when the pod is gone, the
// application is unreachable.
type ExposedApplication struct {
	AgentID      string `json:"agentId"`
	Name         string `json:"name"`
	Icon         string `json:"icon"`
	URL          string `json:"url"`
	RelativePath string `json:"relativePath,omitempty"`
}

// composeEditorApplication declares the editor served from inside the
// workspace, opened on the developer's home directory.
func composeEditorApplication(session *AgentSession) *ExposedApplication {
	return &ExposedApplication{
		AgentID: session.ID,
		Name:    "code-server",
		Icon:    "/icon/code.svg",
		URL:     fmt.Sprintf("http://localhost:%d/?folder=%s", bootstrap.EditorPort, homeMountPath),
	}
}
