/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package clustersecret implements the controller that fans a ClusterSecret
// out into ordinary namespaced secrets across the cluster.
package clustersecret

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	csv1 "github.com/clustersecret/clustersecret/apis/clustersecret/v1"
	"github.com/clustersecret/clustersecret/pkg/cache"
	"github.com/clustersecret/clustersecret/pkg/constants"
	"github.com/clustersecret/clustersecret/pkg/controllers/clustersecret/csmetrics"
	ctrlmetrics "github.com/clustersecret/clustersecret/pkg/controllers/metrics"
	"github.com/clustersecret/clustersecret/pkg/utils"
)

// Reconciler reconciles a ClusterSecret object.
type Reconciler struct {
	client.Client
	Log             logr.Logger
	Scheme          *runtime.Scheme
	RequeueInterval time.Duration
	Cache           cache.Cache
}

const (
	errGetClusterSecret = "could not get ClusterSecret"
	errPatchStatus      = "unable to patch status"
	errListNamespaces   = "could not list namespaces"
	errNamespacesFailed = "one or more namespaces failed"
)

var errSecretNotOwned = errors.New("secret already exists in namespace and is not managed by this controller")

// Reconcile converges the fan-out of one ClusterSecret. It recomputes the
// target namespace set from authoritative state on every call, so it is safe
// to invoke for any event that might concern the object.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := r.Log.WithValues("ClusterSecret", req.Name)

	resourceLabels := ctrlmetrics.RefineNonConditionMetricLabels(map[string]string{"name": req.Name})
	start := time.Now()

	reconcileDuration := csmetrics.GetGaugeVec(csmetrics.ClusterSecretReconcileDurationKey)
	defer func() { reconcileDuration.With(resourceLabels).Set(float64(time.Since(start))) }()

	var clusterSecret csv1.ClusterSecret
	err := r.Get(ctx, req.NamespacedName, &clusterSecret)
	if err != nil {
		if apierrors.IsNotFound(err) {
			r.handleDeleted(ctx, log, req.Name)
			csmetrics.RemoveMetrics(req.Name)
			return ctrl.Result{}, nil
		}
		log.Error(err, errGetClusterSecret)
		return ctrl.Result{}, err
	}

	if clusterSecret.DeletionTimestamp != nil {
		// The fan-in runs once the object is actually gone.
		return ctrl.Result{}, nil
	}

	return r.reconcile(ctx, log, &clusterSecret)
}

// handleDeleted tears down the fan-out of a deleted ClusterSecret. The cache
// entry is removed before the first API delete: by the time the resulting
// secret delete events arrive, no cached entry claims the secrets and
// self-healing cannot recreate them.
func (r *Reconciler) handleDeleted(ctx context.Context, log logr.Logger, name string) {
	for _, entry := range r.Cache.All() {
		if entry.Name != name {
			continue
		}
		r.Cache.Remove(entry.UID)

		for _, ns := range entry.SyncedNamespaces {
			if err := r.removeFromNamespace(ctx, log, ns, name); err != nil {
				log.Error(err, "could not delete managed secret", "namespace", ns)
			}
		}
		log.Info("cleaned up deleted ClusterSecret", "namespaces", len(entry.SyncedNamespaces))
	}
}

func (r *Reconciler) reconcile(ctx context.Context, log logr.Logger, clusterSecret *csv1.ClusterSecret) (ctrl.Result, error) {
	cached, _ := r.Cache.Get(clusterSecret.UID)

	payload, err := r.resolvePayload(ctx, log, clusterSecret, cached)
	if err != nil {
		// A payload that cannot be decoded is a configuration problem, not
		// a transient one. Surface it on the status and wait for an edit.
		log.Error(err, "could not resolve payload")
		r.patchFailureStatus(ctx, log, clusterSecret, err)
		return ctrl.Result{}, nil
	}

	var namespaceList corev1.NamespaceList
	if err := r.List(ctx, &namespaceList); err != nil {
		log.Error(err, errListNamespaces)
		return ctrl.Result{}, err
	}
	target := utils.TargetNamespaces(log, namespaceList.Items, clusterSecret.MatchNamespace, clusterSecret.AvoidNamespaces)

	synced := clusterSecret.Status.CreateFn.SyncedNS
	if cached != nil {
		synced = cached.SyncedNamespaces
	}

	failedNamespaces := map[string]error{}
	var retryErr error

	// Namespaces that fell out of the target set lose their copy. A failed
	// delete keeps the namespace in the synced list so it is retried.
	var stillSynced []string
	for _, ns := range synced {
		if slices.Contains(target, ns) {
			continue
		}
		if err := r.removeFromNamespace(ctx, log, ns, clusterSecret.Name); err != nil {
			log.Error(err, "could not remove managed secret", "namespace", ns)
			failedNamespaces[ns] = err
			retryErr = errors.Join(retryErr, err)
			stillSynced = append(stillSynced, ns)
		}
	}

	newSynced := r.applyTargets(ctx, log, clusterSecret, payload, target, synced, failedNamespaces, &retryErr)
	newSynced = append(newSynced, stillSynced...)
	slices.Sort(newSynced)

	if err := r.patchStatus(ctx, log, clusterSecret, newSynced, failedNamespaces); err != nil {
		if apierrors.IsConflict(err) {
			// Somebody moved the object underneath us. Drop the patch; the
			// next event or the periodic resync retries with fresh state.
			log.V(1).Info("conflict while patching status, dropping")
			return ctrl.Result{RequeueAfter: r.RequeueInterval}, nil
		}
		log.Error(err, errPatchStatus)
		return ctrl.Result{}, err
	}

	// The cache advances only after the status patch succeeded, keeping the
	// external record and the index aligned.
	entry := &cache.CachedClusterSecret{
		UID:              clusterSecret.UID,
		Name:             clusterSecret.Name,
		Type:             clusterSecret.SecretType(),
		Data:             clusterSecret.Data,
		MatchNamespace:   clusterSecret.MatchNamespace,
		AvoidNamespaces:  clusterSecret.AvoidNamespaces,
		SyncedNamespaces: newSynced,
		Payload:          payload,
	}
	if payload == nil && cached != nil {
		entry.Payload = cached.Payload
	}
	r.Cache.Set(entry)

	csmetrics.GetGaugeVec(csmetrics.ClusterSecretSyncedNamespacesKey).With(
		ctrlmetrics.RefineNonConditionMetricLabels(map[string]string{"name": clusterSecret.Name})).Set(float64(len(newSynced)))

	if retryErr != nil {
		return ctrl.Result{}, fmt.Errorf(errNamespacesFailed+": %w", retryErr)
	}
	return ctrl.Result{RequeueAfter: r.RequeueInterval}, nil
}

// applyTargets writes the secret into every target namespace and returns the
// namespaces that now hold a copy.
func (r *Reconciler) applyTargets(
	ctx context.Context,
	log logr.Logger,
	clusterSecret *csv1.ClusterSecret,
	payload map[string][]byte,
	target, synced []string,
	failedNamespaces map[string]error,
	retryErr *error,
) []string {
	var newSynced []string
	for _, ns := range target {
		if payload == nil {
			// Stale source secret with nothing cached: leave existing
			// copies alone and place nothing new.
			if slices.Contains(synced, ns) {
				newSynced = append(newSynced, ns)
			}
			continue
		}

		err := r.applySecret(ctx, clusterSecret, ns, payload)
		switch {
		case err == nil:
			newSynced = append(newSynced, ns)
		case apierrors.IsNotFound(err):
			// The namespace vanished between listing and writing.
			log.V(1).Info("namespace disappeared while syncing, skipping", "namespace", ns)
		case apierrors.IsForbidden(err):
			log.Info("not allowed to write secret, skipping namespace", "namespace", ns, "reason", err.Error())
			failedNamespaces[ns] = err
		case errors.Is(err, errSecretNotOwned):
			log.Info("unmanaged secret with the same name exists, skipping namespace", "namespace", ns)
			failedNamespaces[ns] = err
		default:
			log.Error(err, "could not sync secret", "namespace", ns)
			failedNamespaces[ns] = err
			*retryErr = errors.Join(*retryErr, err)
		}
	}
	return newSynced
}

// resolvePayload determines the secret data to fan out. A valueFrom payload
// is read from the source secret; when the source is missing the last
// successfully resolved payload is used so existing copies stay intact.
func (r *Reconciler) resolvePayload(ctx context.Context, log logr.Logger, clusterSecret *csv1.ClusterSecret, cached *cache.CachedClusterSecret) (map[string][]byte, error) {
	ref, err := clusterSecret.SourceRef()
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return clusterSecret.InlineData()
	}

	var source corev1.Secret
	err = r.Get(ctx, types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name}, &source)
	if err != nil {
		if apierrors.IsNotFound(err) {
			log.Info("warning: source secret is missing, managed copies are stale",
				"sourceSecret", ref.Name, "sourceNamespace", ref.Namespace)
			if cached != nil {
				return cached.Payload, nil
			}
			return nil, nil
		}
		return nil, err
	}

	payload := make(map[string][]byte, len(source.Data))
	for k, v := range source.Data {
		payload[k] = append([]byte(nil), v...)
	}
	return payload, nil
}

// applySecret creates or updates the managed secret in one namespace. A
// pre-existing secret without the management annotation is never touched.
func (r *Reconciler) applySecret(ctx context.Context, clusterSecret *csv1.ClusterSecret, namespace string, payload map[string][]byte) error {
	desired := r.buildSecret(clusterSecret, namespace, payload)

	var existing corev1.Secret
	err := r.Get(ctx, types.NamespacedName{Namespace: namespace, Name: clusterSecret.Name}, &existing)
	if apierrors.IsNotFound(err) {
		if createErr := r.Create(ctx, desired); createErr != nil {
			if apierrors.IsAlreadyExists(createErr) {
				// Lost the race against a concurrent writer; replace.
				return r.replaceSecret(ctx, desired)
			}
			return createErr
		}
		return nil
	}
	if err != nil {
		return err
	}

	return r.updateSecret(ctx, &existing, desired)
}

func (r *Reconciler) replaceSecret(ctx context.Context, desired *corev1.Secret) error {
	var existing corev1.Secret
	if err := r.Get(ctx, types.NamespacedName{Namespace: desired.Namespace, Name: desired.Name}, &existing); err != nil {
		return err
	}
	return r.updateSecret(ctx, &existing, desired)
}

func (r *Reconciler) updateSecret(ctx context.Context, existing, desired *corev1.Secret) error {
	if !utils.IsManagedSecret(existing) {
		return fmt.Errorf("%s/%s: %w", desired.Namespace, desired.Name, errSecretNotOwned)
	}

	// Secret type is immutable; a type change needs a delete and recreate.
	if existing.Type != desired.Type {
		if err := r.Delete(ctx, existing); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
		return r.Create(ctx, desired)
	}

	if secretUpToDate(existing, desired) {
		return nil
	}

	existing.Data = desired.Data
	existing.Labels = desired.Labels
	if existing.Annotations == nil {
		existing.Annotations = map[string]string{}
	}
	for k, v := range desired.Annotations {
		existing.Annotations[k] = v
	}
	return r.Update(ctx, existing)
}

// secretUpToDate reports whether existing already carries the desired data,
// labels and annotations. Annotations added by other tooling are tolerated.
func secretUpToDate(existing, desired *corev1.Secret) bool {
	if !apiequality.Semantic.DeepEqual(existing.Data, desired.Data) {
		return false
	}
	if !apiequality.Semantic.DeepEqual(existing.Labels, desired.Labels) {
		return false
	}
	for k, v := range desired.Annotations {
		if existing.Annotations[k] != v {
			return false
		}
	}
	return true
}

func (r *Reconciler) buildSecret(clusterSecret *csv1.ClusterSecret, namespace string, payload map[string][]byte) *corev1.Secret {
	annotations := make(map[string]string, len(clusterSecret.Annotations)+1)
	for k, v := range clusterSecret.Annotations {
		if k == corev1.LastAppliedConfigAnnotation {
			continue
		}
		annotations[k] = v
	}
	annotations[constants.ManagedByAnnotation] = constants.ManagedByAuthor

	var labels map[string]string
	if len(clusterSecret.Labels) > 0 {
		labels = make(map[string]string, len(clusterSecret.Labels))
		for k, v := range clusterSecret.Labels {
			labels[k] = v
		}
	}

	data := make(map[string][]byte, len(payload))
	for k, v := range payload {
		data[k] = append([]byte(nil), v...)
	}

	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        clusterSecret.Name,
			Namespace:   namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Type: clusterSecret.SecretType(),
		Data: data,
	}
}

// removeFromNamespace deletes the managed secret from one namespace. A
// namespace that is gone or on its way out is left alone; its contents die
// with it.
func (r *Reconciler) removeFromNamespace(ctx context.Context, log logr.Logger, namespace, name string) error {
	var ns corev1.Namespace
	err := r.Get(ctx, types.NamespacedName{Name: namespace}, &ns)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if ns.Status.Phase == corev1.NamespaceTerminating || ns.DeletionTimestamp != nil {
		return nil
	}

	var secret corev1.Secret
	err = r.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &secret)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !utils.IsManagedSecret(&secret) {
		log.V(1).Info("leaving unmanaged secret in place", "namespace", namespace)
		return nil
	}
	if err := r.Delete(ctx, &secret); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

// patchStatus writes syncedns, failed namespaces and the Ready condition.
// The patch is skipped when nothing changed.
func (r *Reconciler) patchStatus(ctx context.Context, log logr.Logger, clusterSecret *csv1.ClusterSecret, newSynced []string, failedNamespaces map[string]error) error {
	patch := client.MergeFrom(clusterSecret.DeepCopy())
	oldStatus := clusterSecret.Status.DeepCopy()

	clusterSecret.Status.CreateFn.SyncedNS = newSynced
	clusterSecret.Status.FailedNamespaces = toNamespaceFailures(failedNamespaces)
	condition := NewClusterSecretCondition(failedNamespaces)
	SetClusterSecretCondition(clusterSecret, *condition)

	if apiequality.Semantic.DeepEqual(*oldStatus, clusterSecret.Status) {
		return nil
	}
	log.V(1).Info("patching status", "syncedns", newSynced)
	return r.Status().Patch(ctx, clusterSecret, patch)
}

// patchFailureStatus records a non-retryable failure on the Ready condition.
func (r *Reconciler) patchFailureStatus(ctx context.Context, log logr.Logger, clusterSecret *csv1.ClusterSecret, cause error) {
	patch := client.MergeFrom(clusterSecret.DeepCopy())
	SetClusterSecretCondition(clusterSecret, csv1.ClusterSecretStatusCondition{
		Type:    csv1.ClusterSecretReady,
		Status:  corev1.ConditionFalse,
		Message: cause.Error(),
	})
	if err := r.Status().Patch(ctx, clusterSecret, patch); err != nil {
		log.Error(err, errPatchStatus)
	}
}

// SetupWithManager sets up the controller with the Manager.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager, opts controller.Options) error {
	return ctrl.NewControllerManagedBy(mgr).
		WithOptions(opts).
		For(&csv1.ClusterSecret{}, builder.WithPredicates(clusterSecretPredicate())).
		Watches(
			&corev1.Namespace{},
			handler.EnqueueRequestsFromMapFunc(r.findObjectsForNamespace),
			builder.WithPredicates(utils.NamespacePredicate()),
		).
		Watches(
			&corev1.Secret{},
			handler.EnqueueRequestsFromMapFunc(r.findObjectsForSecret),
			builder.WithPredicates(utils.SecretPredicate()),
			builder.OnlyMetadata,
		).
		Complete(r)
}

// clusterSecretPredicate admits updates that change what the fan-out looks
// like. Pure status updates (including this controller's own patches) do not
// enqueue.
func clusterSecretPredicate() predicate.Predicate {
	return predicate.Funcs{
		UpdateFunc: func(e event.UpdateEvent) bool {
			oldCS, okOld := e.ObjectOld.(*csv1.ClusterSecret)
			newCS, okNew := e.ObjectNew.(*csv1.ClusterSecret)
			if !okOld || !okNew {
				return false
			}
			return !apiequality.Semantic.DeepEqual(oldCS.Data, newCS.Data) ||
				!apiequality.Semantic.DeepEqual(oldCS.MatchNamespace, newCS.MatchNamespace) ||
				!apiequality.Semantic.DeepEqual(oldCS.AvoidNamespaces, newCS.AvoidNamespaces) ||
				oldCS.Type != newCS.Type ||
				!apiequality.Semantic.DeepEqual(oldCS.Labels, newCS.Labels) ||
				!apiequality.Semantic.DeepEqual(oldCS.Annotations, newCS.Annotations)
		},
	}
}

// findObjectsForNamespace maps a namespace event to every ClusterSecret the
// namespace concerns: those whose selector admits it and those that already
// hold a copy in it.
func (r *Reconciler) findObjectsForNamespace(ctx context.Context, namespace client.Object) []reconcile.Request {
	name := namespace.GetName()

	var requests []reconcile.Request
	for _, entry := range r.Cache.All() {
		if utils.MatchesSelector(r.Log, name, entry.MatchNamespace, entry.AvoidNamespaces) ||
			slices.Contains(entry.SyncedNamespaces, name) {
			requests = append(requests, reconcile.Request{
				NamespacedName: types.NamespacedName{Name: entry.Name},
			})
		}
	}
	return requests
}

// findObjectsForSecret classifies a secret event through the cache. A source
// secret re-fans-out every ClusterSecret referencing it; a managed secret
// event reconciles its owner (self-healing on deletion). Anything else is
// dropped.
func (r *Reconciler) findObjectsForSecret(ctx context.Context, secret client.Object) []reconcile.Request {
	name := secret.GetName()
	namespace := secret.GetNamespace()
	managed := utils.IsManagedSecret(secret)

	seen := map[string]struct{}{}
	var requests []reconcile.Request
	for _, entry := range r.Cache.All() {
		owner := ""
		if ref := entry.SourceRef(); ref != nil && ref.Name == name && ref.Namespace == namespace {
			owner = entry.Name
		} else if managed && entry.Name == name && slices.Contains(entry.SyncedNamespaces, namespace) {
			owner = entry.Name
		}
		if owner == "" {
			continue
		}
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		requests = append(requests, reconcile.Request{
			NamespacedName: types.NamespacedName{Name: owner},
		})
	}
	return requests
}
