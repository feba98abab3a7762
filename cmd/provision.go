// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/devbench-io/devbench/pkg/log"
	"github.com/devbench-io/devbench/pkg/provision"
	"github.com/devbench-io/devbench/pkg/workspace"
)

var provisionEmail string
var provisionStopped bool

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision <owner> <workspace>",
	Short: "Reconciles a single workspace and prints the outcome",
	Args:  cobra.ExactArgs(2),
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

		startCount := 1
		if provisionStopped {
			startCount = 0
		}
		id := workspace.Identity{
			Owner:         args[0],
			WorkspaceName: args[1],
			OwnerEmail:    provisionEmail,
			StartCount:    startCount,
		}

		res, err := p.Reconcile(context.Background(), id)
		if err != nil {
			log.WithError(err).WithFields(log.OW(id.Owner, id.WorkspaceName)).Fatal("cannot reconcile workspace")
		}

		out, err := yaml.Marshal(res.Redacted())
		if err != nil {
			log.WithError(err).Fatal("cannot marshal the result")
		}
		fmt.Print(string(out))
	},
}

func init() {
	provisionCmd.Flags().StringVar(&provisionEmail, "email", "", "email used for Git attribution inside the workspace")
	provisionCmd.Flags().BoolVar(&provisionStopped, "stopped", false, "converge towards a stopped workspace: no pod, volumes kept")
	rootCmd.AddCommand(provisionCmd)
}
