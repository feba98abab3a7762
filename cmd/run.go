// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/devbench-io/devbench/pkg/log"
	"github.com/devbench-io/devbench/pkg/pprof"
	"github.com/devbench-io/devbench/pkg/provision"
	"github.com/devbench-io/devbench/pkg/workspace"
)

// defaultResyncPeriod applies when the configuration does not set one
const defaultResyncPeriod = 5 * time.Minute

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Starts the workspace provisioner",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		if cfg.StateLocation == "" {
			log.Fatal("missing stateLocation in the configuration")
		}

		clientset, err := newClientSet(&cfg.Provisioner)
		if err != nil {
			log.WithError(err).Fatal("cannot connect to Kubernetes")
		}
		log.Info("connected to Kubernetes")

		p, err := provision.New(cfg.Provisioner, clientset)
		if err != nil {
			log.WithError(err).Fatal("cannot create provisioner")
		}

		if cfg.PProf.Addr != "" {
			go pprof.Serve(cfg.PProf.Addr)
		}
		if cfg.Prometheus.Addr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				prometheus.NewGoCollector(),
				prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			)

			err = p.RegisterMetrics(reg)
			if err != nil {
				log.WithError(err).Error("Prometheus metrics incomplete")
			}

			handler := http.NewServeMux()
			handler.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

			go func() {
				err := http.ListenAndServe(cfg.Prometheus.Addr, handler)
				if err != nil {
					log.WithError(err).Error("Prometheus metrics server failed")
				}
			}()
			log.WithField("addr", cfg.Prometheus.Addr).Info("started Prometheus metrics server")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		service := workspace.NewStateService(cfg.StateLocation, log.Log)
		states, errs := service.Observe(ctx)

		resyncPeriod := cfg.ResyncPeriod.Duration
		if resyncPeriod == 0 {
			resyncPeriod = defaultResyncPeriod
		}
		resync := time.NewTicker(resyncPeriod)
		defer resync.Stop()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		log.Info("🛠  devbench is up and running. Stop with SIGINT or CTRL+C")

		var state *workspace.DesiredState
		for {
			select {
			case newState, ok := <-states:
				if !ok {
					return
				}
				state = newState
				reconcileAll(ctx, p, state)
			case err, ok := <-errs:
				if !ok {
					return
				}
				log.WithError(err).Error("desired state is unreadable, keeping the last known state")
			case <-resync.C:
				reconcileAll(ctx, p, state)
			case <-sigChan:
				log.Info("Received SIGINT - shutting down")
				return
			}
		}
	},
}

// reconcileAll converges every workspace of the desired state. Workspaces are
// independent of each other, so one failing does not stop the others.
func reconcileAll(ctx context.Context, p *provision.Provisioner, state *workspace.DesiredState) {
	if state == nil {
		return
	}

	var eg errgroup.Group
	for _, id := range state.Workspaces {
		id := id
		eg.Go(func() error {
			_, err := p.Reconcile(ctx, id)
			if err != nil {
				return xerrors.Errorf("%s: %w", id.String(), err)
			}
			return nil
		})
	}
	err := eg.Wait()
	if err != nil {
		log.WithError(err).Error("reconciliation pass incomplete")
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
