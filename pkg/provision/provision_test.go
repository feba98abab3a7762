// Copyright (c) 2022 Devbench GmbH. All rights reserved.
// Licensed under the GNU Affero General Public License (AGPL).
// See License.AGPL.txt in the project root for license information.

package provision

import (
	"context"
	"strings"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	fakek8s "k8s.io/client-go/kubernetes/fake"

	"github.com/devbench-io/devbench/pkg/config"
	"github.com/devbench-io/devbench/pkg/workspace"
)

func testConfig() config.Configuration {
	return config.Configuration{
		Namespace:       "devbench",
		HomeDiskSizeGB:  30,
		ControlPlaneURL: "https://devbench.example.com",
	}
}

func testNamespace() *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "devbench"}}
}

func forTestingOnlyGetProvisioner(t *testing.T, objs ...runtime.Object) *Provisioner {
	t.Helper()

	p, err := New(testConfig(), fakek8s.NewSimpleClientset(objs...))
	if err != nil {
		t.Fatalf("cannot create provisioner: %v", err)
	}
	return p
}

func listPods(t *testing.T, p *Provisioner) []corev1.Pod {
	t.Helper()

	pods, err := p.Clientset.CoreV1().Pods(p.Config.Namespace).List(context.Background(), metav1.ListOptions{})
	if err != nil {
		t.Fatalf("cannot list pods: %v", err)
	}
	return pods.Items
}

func listClaims(t *testing.T, p *Provisioner) []corev1.PersistentVolumeClaim {
	t.Helper()

	claims, err := p.Clientset.CoreV1().PersistentVolumeClaims(p.Config.Namespace).List(context.Background(), metav1.ListOptions{})
	if err != nil {
		t.Fatalf("cannot list claims: %v", err)
	}
	return claims.Items
}

func TestReconcileRunningWorkspace(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t, testNamespace())
	id := testIdentity()

	res, err := p.Reconcile(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}

	if res.Pod == nil {
		t.Fatal("reconciliation of a running workspace produced no pod")
	}
	if pods := listPods(t, p); len(pods) != 1 {
		t.Fatalf("expected 1 pod, got %d", len(pods))
	}
	if claims := listClaims(t, p); len(claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claims))
	}

	// the pod references both claims by their deterministic names
	referenced := make(map[string]struct{})
	for _, vol := range res.Pod.Spec.Volumes {
		if vol.PersistentVolumeClaim != nil {
			referenced[vol.PersistentVolumeClaim.ClaimName] = struct{}{}
		}
	}
	for _, role := range []ClaimRole{ClaimRoleHome, ClaimRoleDind} {
		if _, ok := referenced[ClaimName(id, role)]; !ok {
			t.Errorf("pod does not reference the %s claim", role)
		}
	}

	if res.App == nil || res.App.AgentID != res.Session.ID {
		t.Error("exposed application does not reference the agent session")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t, testNamespace())
	id := testIdentity()

	for i := 0; i < 3; i++ {
		if _, err := p.Reconcile(context.Background(), id); err != nil {
			t.Fatalf("reconciliation %d failed: %v", i, err)
		}
	}

	if pods := listPods(t, p); len(pods) != 1 {
		t.Errorf("expected 1 pod after repeated reconciliation, got %d", len(pods))
	}
	if claims := listClaims(t, p); len(claims) != 2 {
		t.Errorf("expected 2 claims after repeated reconciliation, got %d", len(claims))
	}
}

func TestReconcileStoppedWorkspace(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t, testNamespace())
	id := testIdentity()
	id.StartCount = 0

	res, err := p.Reconcile(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}

	if res.Pod != nil {
		t.Error("reconciliation of a stopped workspace produced a pod")
	}
	if pods := listPods(t, p); len(pods) != 0 {
		t.Errorf("expected no pods, got %d", len(pods))
	}

	// storage is provisioned regardless of the start state
	if claims := listClaims(t, p); len(claims) != 2 {
		t.Errorf("expected 2 claims, got %d", len(claims))
	}
}

func TestReconcileStopsRunningWorkspace(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t, testNamespace())
	id := testIdentity()

	if _, err := p.Reconcile(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if pods := listPods(t, p); len(pods) != 1 {
		t.Fatalf("expected 1 pod, got %d", len(pods))
	}

	id.StartCount = 0
	if _, err := p.Reconcile(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	if pods := listPods(t, p); len(pods) != 0 {
		t.Errorf("expected the pod to be deleted, got %d pods", len(pods))
	}
	if claims := listClaims(t, p); len(claims) != 2 {
		t.Errorf("stopping must not touch the claims, got %d", len(claims))
	}
}

func TestReconcileKeepsSimilarWorkspacesApart(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t, testNamespace())
	first := workspace.Identity{Owner: "a-b", WorkspaceName: "c", StartCount: 1}
	second := workspace.Identity{Owner: "a", WorkspaceName: "b-c", StartCount: 1}

	for _, id := range []workspace.Identity{first, second} {
		if _, err := p.Reconcile(context.Background(), id); err != nil {
			t.Fatalf("cannot reconcile %s: %v", id.String(), err)
		}
	}

	if pods := listPods(t, p); len(pods) != 2 {
		t.Fatalf("expected 2 pods, got %d", len(pods))
	}
	if claims := listClaims(t, p); len(claims) != 4 {
		t.Fatalf("expected 4 claims, got %d", len(claims))
	}

	// stopping one workspace must not touch the other owner's pod
	second.StartCount = 0
	if _, err := p.Reconcile(context.Background(), second); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Clientset.CoreV1().Pods(p.Config.Namespace).Get(context.Background(), PodName(first), metav1.GetOptions{}); err != nil {
		t.Errorf("stopping %s removed the pod of %s: %v", second.String(), first.String(), err)
	}
	if pods := listPods(t, p); len(pods) != 1 {
		t.Errorf("expected 1 pod after stopping %s, got %d", second.String(), len(pods))
	}
}

func TestWorkspaceRestartReusesClaims(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t, testNamespace())
	id := testIdentity()

	for _, startCount := range []int{1, 0, 1} {
		id.StartCount = startCount
		if _, err := p.Reconcile(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}

	if pods := listPods(t, p); len(pods) != 1 {
		t.Errorf("expected 1 pod after restart, got %d", len(pods))
	}
	if claims := listClaims(t, p); len(claims) != 2 {
		t.Errorf("expected the original 2 claims after restart, got %d", len(claims))
	}
}

func TestReconcileClaimCapacity(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t, testNamespace())
	id := testIdentity()

	if _, err := p.Reconcile(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		Role     ClaimRole
		Expected resource.Quantity
	}{
		{ClaimRoleHome, resource.MustParse("30Gi")},
		{ClaimRoleDind, resource.MustParse("5Gi")},
	}
	for _, test := range tests {
		claim, err := p.Clientset.CoreV1().PersistentVolumeClaims(p.Config.Namespace).Get(context.Background(), ClaimName(id, test.Role), metav1.GetOptions{})
		if err != nil {
			t.Errorf("cannot get %s claim: %v", test.Role, err)
			continue
		}

		act := claim.Spec.Resources.Requests[corev1.ResourceStorage]
		if act.Cmp(test.Expected) != 0 {
			t.Errorf("unexpected %s claim capacity: expected %s, got %s", test.Role, test.Expected.String(), act.String())
		}
		if len(claim.Spec.AccessModes) != 1 || claim.Spec.AccessModes[0] != corev1.ReadWriteOnce {
			t.Errorf("%s claim is not ReadWriteOnce", test.Role)
		}
	}
}

func TestReconcileMissingNamespace(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t)

	_, err := p.Reconcile(context.Background(), testIdentity())
	if err == nil {
		t.Fatal("expected reconciliation to fail without the target namespace")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("error does not name the missing namespace: %v", err)
	}
	if claims := listClaims(t, p); len(claims) != 0 {
		t.Errorf("no claims must be created when the namespace is missing, got %d", len(claims))
	}
}

func TestReconcileInvalidIdentity(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t, testNamespace())
	id := testIdentity()
	id.StartCount = 2

	if _, err := p.Reconcile(context.Background(), id); err == nil {
		t.Fatal("expected reconciliation to reject an invalid identity")
	}
	if pods := listPods(t, p); len(pods) != 0 {
		t.Errorf("no pods must be created for an invalid identity, got %d", len(pods))
	}
	if claims := listClaims(t, p); len(claims) != 0 {
		t.Errorf("no claims must be created for an invalid identity, got %d", len(claims))
	}
}

func TestTeardown(t *testing.T) {
	p := forTestingOnlyGetProvisioner(t, testNamespace())
	id := testIdentity()

	if _, err := p.Reconcile(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	if err := p.Teardown(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if pods := listPods(t, p); len(pods) != 0 {
		t.Errorf("teardown left %d pods behind", len(pods))
	}
	if claims := listClaims(t, p); len(claims) != 0 {
		t.Errorf("teardown left %d claims behind", len(claims))
	}

	// tearing down an absent workspace is a no-op
	if err := p.Teardown(context.Background(), id); err != nil {
		t.Errorf("repeated teardown failed: %v", err)
	}
}

func TestCompose(t *testing.T) {
	id := testIdentity()

	res, err := Compose(testConfig(), id)
	if err != nil {
		t.Fatal(err)
	}

	if res.Pod == nil {
		t.Fatal("composing a running workspace produced no pod")
	}
	if res.Pod.Name != PodName(id) {
		t.Errorf("unexpected pod name: %s", res.Pod.Name)
	}
	if len(res.Claims) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(res.Claims))
	}
	if res.App == nil || res.App.AgentID != res.Session.ID {
		t.Error("exposed application does not reference the agent session")
	}

	id.StartCount = 0
	res, err = Compose(testConfig(), id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pod != nil {
		t.Error("composing a stopped workspace produced a pod")
	}
	if len(res.Claims) != 2 {
		t.Errorf("expected 2 claims for a stopped workspace, got %d", len(res.Claims))
	}
}

func TestComposeMintsFreshSessions(t *testing.T) {
	a, err := Compose(testConfig(), testIdentity())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Compose(testConfig(), testIdentity())
	if err != nil {
		t.Fatal(err)
	}

	if a.Session.ID == b.Session.ID {
		t.Error("two compositions share a session ID")
	}
	if a.Session.Token == b.Session.Token {
		t.Error("two compositions share an agent token")
	}
}
