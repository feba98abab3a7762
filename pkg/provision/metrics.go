// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package provision

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/devbench-io/devbench/pkg/log"
)

const (
	metricsNamespace          = "devbench"
	metricsWorkspaceSubsystem = "provisioner"
)

// RegisterMetrics registers the Prometheus metrics of this provisioner
func (p *Provisioner) RegisterMetrics(reg prometheus.Registerer) error {
	return p.metrics.Register(reg)
}

type metrics struct {
	// Histogram
	reconcileTimeHistVec *prometheus.HistogramVec

	// Counter
	totalStartsCounter      prometheus.Counter
	totalStopsCounter       prometheus.Counter
	totalTeardownsCounter   prometheus.Counter
	totalClaimCreationsVec  *prometheus.CounterVec
	totalReconcileErrsCount prometheus.Counter

	// Gauge
	runningWorkspacesGauge prometheus.GaugeFunc
}

func newMetrics(p *Provisioner) *metrics {
	return &metrics{
		reconcileTimeHistVec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsWorkspaceSubsystem,
			Name:      "reconcile_seconds",
			Help:      "time it took to reconcile one workspace",
			Buckets:   prometheus.ExponentialBuckets(0.025, 2, 10),
		}, []string{"action"}),
		totalStartsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsWorkspaceSubsystem,
			Name:      "workspace_starts_total",
			Help:      "total number of workspace pods created",
		}),
		totalStopsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsWorkspaceSubsystem,
			Name:      "workspace_stops_total",
			Help:      "total number of workspace pods deleted",
		}),
		totalTeardownsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsWorkspaceSubsystem,
			Name:      "workspace_teardowns_total",
			Help:      "total number of workspaces torn down including their storage",
		}),
		totalClaimCreationsVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsWorkspaceSubsystem,
			Name:      "claim_creations_total",
			Help:      "total number of volume claims created",
		}, []string{"role"}),
		totalReconcileErrsCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsWorkspaceSubsystem,
			Name:      "reconcile_errors_total",
			Help:      "total number of failed reconciliations",
		}),
		runningWorkspacesGauge: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsWorkspaceSubsystem,
			Name:      "running_workspaces",
			Help:      "number of workspace pods currently present",
		}, newRunningWorkspacesGaugeHandler(p)),
	}
}

func newRunningWorkspacesGaugeHandler(p *Provisioner) func() float64 {
	countWorkspacePods := func(ctx context.Context) (float64, error) {
		pods, err := p.Clientset.CoreV1().Pods(p.Config.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("%s=devbench", managedByLabel),
		})
		if err != nil {
			return 0, err
		}
		return float64(len(pods.Items)), nil
	}

	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		r, err := countWorkspacePods(ctx)
		if err != nil {
			log.WithError(err).Warn("cannot compute running_workspaces metric")
			return math.NaN()
		}

		return r
	}
}

// Register registers all metrics the provisioner can export
func (m *metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.reconcileTimeHistVec,
		m.totalStartsCounter,
		m.totalStopsCounter,
		m.totalTeardownsCounter,
		m.totalClaimCreationsVec,
		m.totalReconcileErrsCount,
		m.runningWorkspacesGauge,
	}
	for _, c := range collectors {
		err := reg.Register(c)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *metrics) OnReconcile(action string, start time.Time) {
	hist, err := m.reconcileTimeHistVec.GetMetricWithLabelValues(action)
	if err != nil {
		log.WithError(err).WithField("action", action).Warn("cannot get histogram for reconcile metric")
		return
	}

	hist.Observe(time.Since(start).Seconds())
}

func (m *metrics) OnClaimCreated(role ClaimRole) {
	counter, err := m.totalClaimCreationsVec.GetMetricWithLabelValues(string(role))
	if err != nil {
		log.WithError(err).WithField("role", role).Warn("cannot get counter for claim creation metric")
		return
	}

	counter.Inc()
}
