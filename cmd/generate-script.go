// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devbench-io/devbench/pkg/bootstrap"
	"github.com/devbench-io/devbench/pkg/config"
	"github.com/devbench-io/devbench/pkg/log"
)

var generateScriptBinaryName string

var generateScriptCmd = &cobra.Command{
	Use:   "script",
	Short: "Generates the bootstrap script a dev container starts with",

	Run: func(cmd *cobra.Command, args []string) {
		script, err := bootstrap.RenderScript(generateScriptBinaryName)
		if err != nil {
			log.WithError(err).Fatal("cannot render bootstrap script")
		}
		fmt.Print(script)
	},
}

func init() {
	generateScriptCmd.Flags().StringVar(&generateScriptBinaryName, "binary-name", config.DefaultAgentBinaryName, "name of the agent binary the script downloads")
	generateCmd.AddCommand(generateScriptCmd)
}
