// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/devbench-io/devbench/pkg/bootstrap"
	"github.com/devbench-io/devbench/pkg/log"
)

var bootstrapHold time.Duration

// bootstrapCmd represents the bootstrap command
var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Downloads the workspace agent and hands the process over to it",
	Long: `bootstrap runs inside a dev container. It downloads the workspace agent
from the control plane, retrying until the download succeeds, and then replaces
itself with the agent. On failures no retry can fix it keeps the container
alive for a while so an operator can attach and inspect it.`,
	Run: func(cmd *cobra.Command, args []string) {
		url := os.Getenv(bootstrap.EnvBinaryURL)
		if url == "" {
			log.Fatal(bootstrap.EnvBinaryURL + " is not set - is this running inside a workspace container?")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigChan
			cancel()
		}()

		err := bootstrap.Run(ctx, bootstrap.Options{BinaryURL: url})
		if err == nil {
			// Run replaces the process on success
			return
		}

		var fatal *bootstrap.FatalError
		if xerrors.As(err, &fatal) {
			log.WithError(err).WithField("holdFor", bootstrapHold.String()).Error("bootstrap failed for good - keeping the container alive for inspection")
			time.Sleep(bootstrapHold)
			os.Exit(fatal.ExitStatus())
		}

		log.WithError(err).Fatal("cannot bootstrap the workspace agent")
	},
}

func init() {
	bootstrapCmd.Flags().DurationVar(&bootstrapHold, "hold", bootstrap.DefaultHoldDuration, "how long a fatally failed bootstrap keeps the container alive")
	rootCmd.AddCommand(bootstrapCmd)
}
