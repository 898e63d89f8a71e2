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

package v1

import (
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ValueFromKey is the reserved data key that turns the payload into a
// reference to a source secret instead of inline key/value pairs.
const ValueFromKey = "valueFrom"

// SecretKeyRef names the namespaced secret that supplies the payload.
type SecretKeyRef struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
}

// ValueFrom wraps the supported payload reference kinds.
type ValueFrom struct {
	// +optional
	SecretKeyRef *SecretKeyRef `json:"secretKeyRef,omitempty"`
}

type ClusterSecretConditionType string

const (
	ClusterSecretReady ClusterSecretConditionType = "Ready"
)

type ClusterSecretStatusCondition struct {
	Type   ClusterSecretConditionType `json:"type"`
	Status corev1.ConditionStatus     `json:"status"`

	// +optional
	Message string `json:"message,omitempty"`
}

// ClusterSecretNamespaceFailure represents a namespace the secret could not
// be applied to and the reason why.
type ClusterSecretNamespaceFailure struct {
	// Namespace is the namespace that failed when applying the secret
	Namespace string `json:"namespace"`

	// Reason is why the secret failed to apply to the namespace
	// +optional
	Reason string `json:"reason,omitempty"`
}

// CreateFnStatus holds the synced namespace list under the status path
// existing CRD consumers read it from.
type CreateFnStatus struct {
	// +optional
	SyncedNS []string `json:"syncedns,omitempty"`
}

// ClusterSecretStatus defines the observed state of ClusterSecret.
type ClusterSecretStatus struct {
	// +optional
	CreateFn CreateFnStatus `json:"create_fn,omitempty"`

	// FailedNamespaces are the namespaces that failed to apply the secret
	// +optional
	FailedNamespaces []ClusterSecretNamespaceFailure `json:"failedNamespaces,omitempty"`

	// +optional
	Conditions []ClusterSecretStatusCondition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
// +kubebuilder:resource:scope=Cluster,categories={clustersecret},shortName=csec
//+kubebuilder:subresource:status

// ClusterSecret replicates a secret payload into every namespace admitted by
// its namespace globs. Fields live at the top level of the object, matching
// the wire format the CRD has always had; there is no spec envelope.
type ClusterSecret struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Type of the namespaced secrets to create. Defaults to Opaque.
	// +optional
	Type corev1.SecretType `json:"type,omitempty"`

	// Data is the secret payload. String values are copied verbatim into
	// every managed secret. The reserved key "valueFrom" instead references
	// a source secret whose data becomes the payload.
	// +optional
	Data map[string]apiextensionsv1.JSON `json:"data,omitempty"`

	// MatchNamespace lists shell-style globs selecting target namespaces.
	// Absent means all namespaces.
	// +optional
	MatchNamespace []string `json:"matchNamespace,omitempty"`

	// AvoidNamespaces lists globs excluding namespaces from the target set.
	// An exclusion always wins over a match.
	// +optional
	AvoidNamespaces []string `json:"avoidNamespaces,omitempty"`

	// +optional
	Status ClusterSecretStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// ClusterSecretList contains a list of ClusterSecret.
type ClusterSecretList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ClusterSecret `json:"items"`
}

// SecretType returns the secret type to stamp on managed secrets.
func (cs *ClusterSecret) SecretType() corev1.SecretType {
	if cs.Type == "" {
		return corev1.SecretTypeOpaque
	}
	return cs.Type
}

// SourceRef returns the source secret reference when the payload is a
// valueFrom reference, or nil for an inline payload.
func (cs *ClusterSecret) SourceRef() (*SecretKeyRef, error) {
	raw, ok := cs.Data[ValueFromKey]
	if !ok {
		return nil, nil
	}
	var vf ValueFrom
	if err := json.Unmarshal(raw.Raw, &vf); err != nil {
		return nil, fmt.Errorf("could not decode valueFrom: %w", err)
	}
	if vf.SecretKeyRef == nil || vf.SecretKeyRef.Name == "" || vf.SecretKeyRef.Namespace == "" {
		return nil, fmt.Errorf("valueFrom must carry a secretKeyRef with name and namespace")
	}
	return vf.SecretKeyRef, nil
}

// InlineData decodes the plain payload entries, skipping the valueFrom key.
func (cs *ClusterSecret) InlineData() (map[string][]byte, error) {
	out := make(map[string][]byte, len(cs.Data))
	for k, v := range cs.Data {
		if k == ValueFromKey {
			continue
		}
		var s string
		if err := json.Unmarshal(v.Raw, &s); err != nil {
			return nil, fmt.Errorf("data key %q is not a string: %w", k, err)
		}
		out[k] = []byte(s)
	}
	return out, nil
}
