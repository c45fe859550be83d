// Package cluster is the Kubernetes adapter (C2): it applies the desired
// PostgresInstanceSpec as the cluster's custom resource, observes its
// status, and manages the namespace and connection secret around it
// (spec.md §4.2). There is no generated clientset for the custom resource,
// so the apply path goes through the dynamic client against unstructured
// objects, the same pattern the teacher uses for its vCluster custom
// resource.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hexabase/pgconductor/internal/errs"
	"github.com/hexabase/pgconductor/internal/eventtypes"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// instanceGVR is the custom resource the data-plane operator reconciles.
var instanceGVR = schema.GroupVersionResource{
	Group:    "postgresql.tembo.io",
	Version:  "v1alpha1",
	Resource: "postgresinstances",
}

const managedByLabel = "pgconductor.io/managed-by"

// ConnectionSecretName is the well-known secret the operator publishes
// connection details to once the instance is reachable.
const ConnectionSecretName = "pg-connection"

// Adapter is the cluster client adapter (C2).
type Adapter struct {
	clientset     kubernetes.Interface
	dynamicClient dynamic.Interface
	baseDomain    string
}

// New builds an Adapter over an already-authenticated clientset and dynamic
// client (built from in-cluster or kubeconfig rest.Config at startup).
func New(clientset kubernetes.Interface, dynamicClient dynamic.Interface, baseDomain string) *Adapter {
	return &Adapter{clientset: clientset, dynamicClient: dynamicClient, baseDomain: baseDomain}
}

// CreateNamespace creates namespace if it does not already exist.
// Idempotent: AlreadyExists is treated as success.
func (a *Adapter) CreateNamespace(ctx context.Context, namespace string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   namespace,
			Labels: map[string]string{managedByLabel: "pgconductor"},
		},
	}

	_, err := a.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("failed to create namespace %q: %w", namespace, err)
	}
	return nil
}

// CreateOrUpdate applies the desired spec as the namespace's custom
// resource, creating it if absent and replacing its spec if present.
func (a *Adapter) CreateOrUpdate(ctx context.Context, namespace string, spec *eventtypes.PostgresInstanceSpec) error {
	specMap, err := toUnstructuredMap(spec)
	if err != nil {
		return fmt.Errorf("failed to convert spec to unstructured: %w", err)
	}

	resourceClient := a.dynamicClient.Resource(instanceGVR).Namespace(namespace)

	existing, err := resourceClient.Get(ctx, namespace, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to get custom resource in namespace %q: %w", namespace, err)
		}

		obj := &unstructured.Unstructured{
			Object: map[string]interface{}{
				"apiVersion": instanceGVR.GroupVersion().String(),
				"kind":       "PostgresInstance",
				"metadata": map[string]interface{}{
					"name":      namespace,
					"namespace": namespace,
					"labels":    map[string]interface{}{managedByLabel: "pgconductor"},
				},
				"spec": specMap,
			},
		}

		if _, err := resourceClient.Create(ctx, obj, metav1.CreateOptions{}); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return nil
			}
			return fmt.Errorf("failed to create custom resource in namespace %q: %w", namespace, err)
		}
		return nil
	}

	existing.Object["spec"] = specMap
	if _, err := resourceClient.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update custom resource in namespace %q: %w", namespace, err)
	}
	return nil
}

// GetOne returns the current spec and status view of namespace's custom
// resource, or errs.ErrNotFound if it does not exist.
func (a *Adapter) GetOne(ctx context.Context, namespace string) (*eventtypes.PostgresInstanceView, error) {
	obj, err := a.dynamicClient.Resource(instanceGVR).Namespace(namespace).Get(ctx, namespace, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get custom resource in namespace %q: %w", namespace, err)
	}

	view := &eventtypes.PostgresInstanceView{}

	if specRaw, ok := obj.Object["spec"]; ok {
		spec, err := fromUnstructuredMap[eventtypes.PostgresInstanceSpec](specRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode spec from namespace %q: %w", namespace, err)
		}
		view.Spec = spec
	}

	if statusRaw, ok := obj.Object["status"]; ok {
		status, err := fromUnstructuredMap[eventtypes.PostgresInstanceStatus](statusRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode status from namespace %q: %w", namespace, err)
		}
		view.Status = status
	}

	return view, nil
}

// GetCoreDBErrorWithoutStatus is GetOne but tolerates an absent or
// malformed status stanza, returning a zero-value status instead of
// erroring — the transient state between CreateOrUpdate and the
// operator's first reconcile, used by the restart path.
func (a *Adapter) GetCoreDBErrorWithoutStatus(ctx context.Context, namespace string) (*eventtypes.PostgresInstanceView, error) {
	obj, err := a.dynamicClient.Resource(instanceGVR).Namespace(namespace).Get(ctx, namespace, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get custom resource in namespace %q: %w", namespace, err)
	}

	view := &eventtypes.PostgresInstanceView{Status: &eventtypes.PostgresInstanceStatus{}}

	if specRaw, ok := obj.Object["spec"]; ok {
		spec, err := fromUnstructuredMap[eventtypes.PostgresInstanceSpec](specRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode spec from namespace %q: %w", namespace, err)
		}
		view.Spec = spec
	}

	if statusRaw, ok := obj.Object["status"]; ok {
		if status, err := fromUnstructuredMap[eventtypes.PostgresInstanceStatus](statusRaw); err == nil {
			view.Status = status
		}
	}

	return view, nil
}

// DeleteCoreDBAndNamespace deletes the custom resource and then the
// namespace itself. Returns errs.ErrDeleteNotComplete while the namespace
// is still terminating so the caller requeues and re-checks later.
func (a *Adapter) DeleteCoreDBAndNamespace(ctx context.Context, namespace string) error {
	err := a.dynamicClient.Resource(instanceGVR).Namespace(namespace).Delete(ctx, namespace, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete custom resource in namespace %q: %w", namespace, err)
	}

	ns, err := a.clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to get namespace %q: %w", namespace, err)
	}

	if ns.Status.Phase == corev1.NamespaceTerminating {
		return errs.ErrDeleteNotComplete
	}

	if err := a.clientset.CoreV1().Namespaces().Delete(ctx, namespace, metav1.DeleteOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete namespace %q: %w", namespace, err)
	}
	return errs.ErrDeleteNotComplete
}

// RestartCoreDB annotates the custom resource to signal a restart to the
// operator, following the same annotate-then-reconcile convention the
// custom resource's own controller uses for other imperative actions.
func (a *Adapter) RestartCoreDB(ctx context.Context, namespace string, restartedAt string) error {
	resourceClient := a.dynamicClient.Resource(instanceGVR).Namespace(namespace)

	existing, err := resourceClient.Get(ctx, namespace, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return errs.ErrNotFound
		}
		return fmt.Errorf("failed to get custom resource in namespace %q: %w", namespace, err)
	}

	annotations := existing.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations["pgconductor.io/restarted-at"] = restartedAt
	existing.SetAnnotations(annotations)

	if _, err := resourceClient.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to annotate custom resource for restart in namespace %q: %w", namespace, err)
	}
	return nil
}

// UpsertSecret creates the named secret, or replaces its data if it
// already exists, following the teacher's credential-manager pattern of
// storing connection material as an opaque Kubernetes secret.
func (a *Adapter) UpsertSecret(ctx context.Context, namespace, name string, data map[string][]byte) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{managedByLabel: "pgconductor"},
		},
		Type: corev1.SecretTypeOpaque,
		Data: data,
	}

	_, err := a.clientset.CoreV1().Secrets(namespace).Create(ctx, secret, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create secret %q in namespace %q: %w", name, namespace, err)
	}

	existing, err := a.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get existing secret %q in namespace %q: %w", name, namespace, err)
	}
	existing.Data = data
	if _, err := a.clientset.CoreV1().Secrets(namespace).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update secret %q in namespace %q: %w", name, namespace, err)
	}
	return nil
}

// GetConnectionInfo extracts host/port/username from the instance's
// connection secret. Returns errs.ErrPostgresConnectionInfoNotFound if the
// secret or any required field is missing — the operator has not yet
// published connection details. When baseDomain is configured, the
// reported host is the externally-reachable `<namespace>.<baseDomain>`
// hostname rather than the secret's in-cluster service name.
func (a *Adapter) GetConnectionInfo(ctx context.Context, namespace string) (*eventtypes.ConnectionInfo, error) {
	secret, err := a.clientset.CoreV1().Secrets(namespace).Get(ctx, ConnectionSecretName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errs.ErrPostgresConnectionInfoNotFound
		}
		return nil, fmt.Errorf("failed to get connection secret in namespace %q: %w", namespace, err)
	}

	host, username := string(secret.Data["host"]), string(secret.Data["username"])
	if host == "" || username == "" {
		return nil, errs.ErrPostgresConnectionInfoNotFound
	}

	if a.baseDomain != "" {
		host = fmt.Sprintf("%s.%s", namespace, a.baseDomain)
	}

	port := 5432
	if portRaw := string(secret.Data["port"]); portRaw != "" {
		if parsed, err := fmt.Sscanf(portRaw, "%d", &port); err != nil || parsed != 1 {
			return nil, errs.ErrPostgresConnectionInfoNotFound
		}
	}

	return &eventtypes.ConnectionInfo{
		Host:          host,
		Port:          port,
		Username:      username,
		CredentialRef: ConnectionSecretName,
	}, nil
}

func toUnstructuredMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return runtime.DeepCopyJSON(out), nil
}

func fromUnstructuredMap[T any](v interface{}) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
