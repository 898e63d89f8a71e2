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

package clustersecret

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	csv1 "github.com/clustersecret/clustersecret/apis/clustersecret/v1"
	"github.com/clustersecret/clustersecret/pkg/cache"
)

// BootstrapCache seeds the state index from the ClusterSecrets already in
// the cluster, taking each synced namespace list from the observed status.
// It runs before the manager starts so the event mappers can classify
// secrets and namespaces from the first event on. It does not force a
// reconcile: the watch replay drives convergence, and reconciliation is
// idempotent.
func BootstrapCache(ctx context.Context, reader client.Reader, store cache.Cache, log logr.Logger) error {
	var list csv1.ClusterSecretList
	if err := reader.List(ctx, &list); err != nil {
		return fmt.Errorf("could not list ClusterSecrets: %w", err)
	}

	for i := range list.Items {
		cs := &list.Items[i]
		entry := &cache.CachedClusterSecret{
			UID:              cs.UID,
			Name:             cs.Name,
			Type:             cs.SecretType(),
			Data:             cs.Data,
			MatchNamespace:   cs.MatchNamespace,
			AvoidNamespaces:  cs.AvoidNamespaces,
			SyncedNamespaces: cs.Status.CreateFn.SyncedNS,
		}
		// Inline payloads are available without touching the API; seeding
		// them lets self-healing work before the first reconcile.
		if ref, err := cs.SourceRef(); err == nil && ref == nil {
			if payload, err := cs.InlineData(); err == nil {
				entry.Payload = payload
			}
		}
		store.Set(entry)
	}

	log.Info("seeded ClusterSecret cache", "count", len(list.Items))
	return nil
}
