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

// Package cache holds the in-memory index of every ClusterSecret the
// controller knows about, keyed by uid. It is the only shared mutable state
// in the process.
package cache

import (
	"encoding/json"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/types"

	csv1 "github.com/clustersecret/clustersecret/apis/clustersecret/v1"
)

// CachedClusterSecret mirrors the ClusterSecret fields relevant to
// reconciliation plus the namespaces the controller believes it has
// successfully placed the secret into. SyncedNamespaces tracks the last
// successful status patch, never a computation in progress.
type CachedClusterSecret struct {
	UID             types.UID
	Name            string
	Type            corev1.SecretType
	Data            map[string]apiextensionsv1.JSON
	MatchNamespace  []string
	AvoidNamespaces []string

	SyncedNamespaces []string

	// Payload is the last successfully resolved secret payload. It backs
	// self-healing and keeps managed copies alive when a referenced source
	// secret goes missing.
	Payload map[string][]byte
}

// DeepCopy returns an independent copy of the entry.
func (c *CachedClusterSecret) DeepCopy() *CachedClusterSecret {
	if c == nil {
		return nil
	}
	out := &CachedClusterSecret{
		UID:  c.UID,
		Name: c.Name,
		Type: c.Type,
	}
	if c.Data != nil {
		out.Data = make(map[string]apiextensionsv1.JSON, len(c.Data))
		for k, v := range c.Data {
			out.Data[k] = *v.DeepCopy()
		}
	}
	if c.MatchNamespace != nil {
		out.MatchNamespace = append([]string(nil), c.MatchNamespace...)
	}
	if c.AvoidNamespaces != nil {
		out.AvoidNamespaces = append([]string(nil), c.AvoidNamespaces...)
	}
	if c.SyncedNamespaces != nil {
		out.SyncedNamespaces = append([]string(nil), c.SyncedNamespaces...)
	}
	if c.Payload != nil {
		out.Payload = make(map[string][]byte, len(c.Payload))
		for k, v := range c.Payload {
			out.Payload[k] = append([]byte(nil), v...)
		}
	}
	return out
}

// SourceRef returns the source secret reference carried in Data, or nil when
// the payload is inline. Malformed references read as inline; the reconciler
// surfaces decoding problems against the live object.
func (c *CachedClusterSecret) SourceRef() *csv1.SecretKeyRef {
	raw, ok := c.Data[csv1.ValueFromKey]
	if !ok {
		return nil
	}
	var vf csv1.ValueFrom
	if err := json.Unmarshal(raw.Raw, &vf); err != nil {
		return nil
	}
	if vf.SecretKeyRef == nil || vf.SecretKeyRef.Name == "" || vf.SecretKeyRef.Namespace == "" {
		return nil
	}
	return vf.SecretKeyRef
}

// Cache is the state index. All operations are atomic with respect to each
// other; All returns a point-in-time snapshot.
type Cache interface {
	Get(uid types.UID) (*CachedClusterSecret, bool)
	Set(entry *CachedClusterSecret)
	Remove(uid types.UID)
	All() []*CachedClusterSecret
}

// MemoryCache is a mutex-guarded map implementation of Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[types.UID]*CachedClusterSecret
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[types.UID]*CachedClusterSecret)}
}

// Get returns a copy of the entry for uid.
func (m *MemoryCache) Get(uid types.UID) (*CachedClusterSecret, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[uid]
	if !ok {
		return nil, false
	}
	return entry.DeepCopy(), true
}

// Set stores a copy of entry, replacing any previous entry for its uid.
func (m *MemoryCache) Set(entry *CachedClusterSecret) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.UID] = entry.DeepCopy()
}

// Remove drops the entry for uid. Removing an absent uid is a no-op.
func (m *MemoryCache) Remove(uid types.UID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, uid)
}

// All returns a defensive snapshot of every entry. Later mutations of the
// cache do not affect the returned slice.
func (m *MemoryCache) All() []*CachedClusterSecret {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CachedClusterSecret, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, entry.DeepCopy())
	}
	return out
}
