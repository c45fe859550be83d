package cluster

import (
	"context"
	"testing"

	"github.com/hexabase/pgconductor/internal/errs"
	"github.com/hexabase/pgconductor/internal/eventtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestAdapter() (*Adapter, *fake.Clientset, *dynamicfake.FakeDynamicClient) {
	scheme := runtime.NewScheme()
	clientset := fake.NewSimpleClientset()
	dyn := dynamicfake.NewSimpleDynamicClient(scheme)
	return New(clientset, dyn, "example.com"), clientset, dyn
}

func TestCreateNamespaceIdempotent(t *testing.T) {
	a, _, _ := newTestAdapter()
	ctx := context.Background()

	require.NoError(t, a.CreateNamespace(ctx, "org-a-inst-1"))
	require.NoError(t, a.CreateNamespace(ctx, "org-a-inst-1"))

	ns, err := a.clientset.CoreV1().Namespaces().Get(ctx, "org-a-inst-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "org-a-inst-1", ns.Name)
}

func TestCreateOrUpdateCreatesThenUpdates(t *testing.T) {
	a, _, _ := newTestAdapter()
	ctx := context.Background()

	spec := &eventtypes.PostgresInstanceSpec{StorageClassName: "gp3"}
	require.NoError(t, a.CreateOrUpdate(ctx, "org-a-inst-1", spec))

	view, err := a.GetOne(ctx, "org-a-inst-1")
	require.NoError(t, err)
	require.NotNil(t, view.Spec)
	assert.Equal(t, "gp3", view.Spec.StorageClassName)

	spec2 := &eventtypes.PostgresInstanceSpec{StorageClassName: "gp2"}
	require.NoError(t, a.CreateOrUpdate(ctx, "org-a-inst-1", spec2))

	view2, err := a.GetOne(ctx, "org-a-inst-1")
	require.NoError(t, err)
	assert.Equal(t, "gp2", view2.Spec.StorageClassName)
}

func TestGetOneNotFound(t *testing.T) {
	a, _, _ := newTestAdapter()
	_, err := a.GetOne(context.Background(), "missing-namespace")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpsertSecretCreatesThenReplaces(t *testing.T) {
	a, _, _ := newTestAdapter()
	ctx := context.Background()

	require.NoError(t, a.CreateNamespace(ctx, "org-a-inst-1"))
	require.NoError(t, a.UpsertSecret(ctx, "org-a-inst-1", "pg-connection", map[string][]byte{"password": []byte("old")}))
	require.NoError(t, a.UpsertSecret(ctx, "org-a-inst-1", "pg-connection", map[string][]byte{"password": []byte("new")}))

	secret, err := a.clientset.CoreV1().Secrets("org-a-inst-1").Get(ctx, "pg-connection", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), secret.Data["password"])
}

func TestDeleteCoreDBAndNamespaceWhenNamespaceAlreadyGone(t *testing.T) {
	a, _, _ := newTestAdapter()
	err := a.DeleteCoreDBAndNamespace(context.Background(), "never-existed")
	require.NoError(t, err)
}

func TestDeleteCoreDBAndNamespaceReturnsNotCompleteWhileActive(t *testing.T) {
	a, _, _ := newTestAdapter()
	ctx := context.Background()
	require.NoError(t, a.CreateNamespace(ctx, "org-a-inst-1"))

	err := a.DeleteCoreDBAndNamespace(ctx, "org-a-inst-1")
	require.ErrorIs(t, err, errs.ErrDeleteNotComplete)
}

func TestGetConnectionInfoSynthesizesHostFromBaseDomain(t *testing.T) {
	a, _, _ := newTestAdapter()
	ctx := context.Background()

	require.NoError(t, a.CreateNamespace(ctx, "org-a-inst-1"))
	require.NoError(t, a.UpsertSecret(ctx, "org-a-inst-1", ConnectionSecretName, map[string][]byte{
		"host":     []byte("pg.org-a-inst-1.svc.cluster.local"),
		"username": []byte("postgres"),
		"port":     []byte("5432"),
	}))

	conn, err := a.GetConnectionInfo(ctx, "org-a-inst-1")
	require.NoError(t, err)
	assert.Equal(t, "org-a-inst-1.example.com", conn.Host)
	assert.Equal(t, "postgres", conn.Username)
	assert.Equal(t, 5432, conn.Port)
}

func TestGetConnectionInfoNotFound(t *testing.T) {
	a, _, _ := newTestAdapter()
	_, err := a.GetConnectionInfo(context.Background(), "org-a-inst-1")
	require.ErrorIs(t, err, errs.ErrPostgresConnectionInfoNotFound)
}

func TestGetCoreDBErrorWithoutStatusToleratesMissingStatus(t *testing.T) {
	a, _, _ := newTestAdapter()
	ctx := context.Background()

	spec := &eventtypes.PostgresInstanceSpec{StorageClassName: "gp3"}
	require.NoError(t, a.CreateOrUpdate(ctx, "org-a-inst-1", spec))

	view, err := a.GetCoreDBErrorWithoutStatus(ctx, "org-a-inst-1")
	require.NoError(t, err)
	require.NotNil(t, view.Spec)
	assert.Equal(t, "gp3", view.Spec.StorageClassName)
	require.NotNil(t, view.Status)
	assert.False(t, view.Status.Running)
}

func TestGetCoreDBErrorWithoutStatusNotFound(t *testing.T) {
	a, _, _ := newTestAdapter()
	_, err := a.GetCoreDBErrorWithoutStatus(context.Background(), "missing-namespace")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
