// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"

	// support clusters authenticating through an OIDC identity provider
	_ "k8s.io/client-go/plugin/pkg/client/auth/oidc"

	"github.com/devbench-io/devbench/pkg/config"
	"github.com/devbench-io/devbench/pkg/log"
)

var (
	// ServiceName is the name we use for logging
	ServiceName = "devbench"
	// Version of this service - set during build
	Version = ""
)

var jsonLog bool
var verbose bool
var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "devbench",
	Short: "devbench provisions per-developer workspaces in Kubernetes",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(ServiceName, Version, jsonLog, verbose)
	},
}

// Execute runs this main command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig() *config.ServiceConfiguration {
	cfg, err := config.Read(configFile)
	if err != nil {
		log.WithError(err).Error("cannot read configuration. Maybe missing --config?")
		os.Exit(1)
	}

	return cfg
}

func newClientSet(cfg *config.Configuration) (*kubernetes.Clientset, error) {
	res, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(res)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&jsonLog, "json-log", "j", true, "produce JSON log output on verbose level")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose JSON logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file")
}
