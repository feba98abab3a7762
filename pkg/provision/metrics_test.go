// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package provision

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsTrackWorkspaceLifecycle(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t, testNamespace())

	registry := prometheus.NewRegistry()
	err := p.RegisterMetrics(registry)
	assert.NoError(t, err)

	id := testIdentity()
	_, err = p.Reconcile(context.Background(), id)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.totalStartsCounter))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.runningWorkspacesGauge))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.totalClaimCreationsVec.WithLabelValues(string(ClaimRoleHome))))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.totalClaimCreationsVec.WithLabelValues(string(ClaimRoleDind))))

	// converged workspaces count nothing
	_, err = p.Reconcile(context.Background(), id)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.totalStartsCounter))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.totalClaimCreationsVec.WithLabelValues(string(ClaimRoleHome))))

	id.StartCount = 0
	_, err = p.Reconcile(context.Background(), id)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.totalStopsCounter))
	assert.Equal(t, float64(0), testutil.ToFloat64(p.metrics.runningWorkspacesGauge))

	err = p.Teardown(context.Background(), id)
	assert.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.totalTeardownsCounter))
}

func TestMetricsCountReconcileErrors(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t)

	_, err := p.Reconcile(context.Background(), testIdentity())
	assert.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.totalReconcileErrsCount))
}
