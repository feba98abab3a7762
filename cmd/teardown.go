// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/devbench-io/devbench/pkg/log"
	"github.com/devbench-io/devbench/pkg/provision"
	"github.com/devbench-io/devbench/pkg/workspace"
)

// teardownCmd represents the teardown command
var teardownCmd = &cobra.Command{
	Use:   "teardown <owner> <workspace>",
	Short: "Removes a workspace including its volumes",
	Long: `Removes the pod and both persistent volume claims of a workspace.
Unlike stopping a workspace this deletes the developer's home directory. There is no undo.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()

		clientset, err := newClientSet(&cfg.Provisioner)
		if err != nil {
			log.WithError(err).Fatal("cannot connect to Kubernetes")
		}
		log.Info("connected to Kubernetes")

		p, err := provision.New(cfg.Provisioner, clientset)
		if err != nil {
			log.WithError(err).Fatal("cannot create provisioner")
		}

		id := workspace.Identity{
			Owner:         args[0],
			WorkspaceName: args[1],
		}

		err = p.Teardown(context.Background(), id)
		if err != nil {
			log.WithError(err).WithFields(log.OW(id.Owner, id.WorkspaceName)).Fatal("cannot tear down workspace")
		}
	},
}

func init() {
	rootCmd.AddCommand(teardownCmd)
}
