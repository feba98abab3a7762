// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/devbench-io/devbench/pkg/log"
	"github.com/devbench-io/devbench/pkg/provision"
	"github.com/devbench-io/devbench/pkg/workspace"
)

// debugCmd represents the debug command
var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Helps debugging devbench by exposing some of its internal workings",
}

var debugComposeEmail string
var debugComposeStopped bool

var debugComposeCmd = &cobra.Command{
	Use:   "compose <owner> <workspace>",
	Short: "Prints the claims and pod a reconciliation would apply, without touching the cluster",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()

		startCount := 1
		if debugComposeStopped {
			startCount = 0
		}
		id := workspace.Identity{
			Owner:         args[0],
			WorkspaceName: args[1],
			OwnerEmail:    debugComposeEmail,
			StartCount:    startCount,
		}

		res, err := provision.Compose(cfg.Provisioner, id)
		if err != nil {
			log.WithError(err).WithFields(log.OW(id.Owner, id.WorkspaceName)).Fatal("cannot compose workspace resources")
		}

		out, err := yaml.Marshal(res.Redacted())
		if err != nil {
			log.WithError(err).Fatal("cannot marshal the result")
		}
		fmt.Print(string(out))
	},
}

func init() {
	debugComposeCmd.Flags().StringVar(&debugComposeEmail, "email", "", "email used for Git attribution inside the workspace")
	debugComposeCmd.Flags().BoolVar(&debugComposeStopped, "stopped", false, "compose the stopped state: no pod, claims only")

	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugComposeCmd)
}
