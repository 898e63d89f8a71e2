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
	"sort"

	v1 "k8s.io/api/core/v1"

	csv1 "github.com/clustersecret/clustersecret/apis/clustersecret/v1"
	"github.com/clustersecret/clustersecret/pkg/controllers/clustersecret/csmetrics"
)

// NewClusterSecretCondition creates a new ClusterSecret condition based on failed namespaces.
// If there are no failed namespaces, it returns a Ready condition with True status.
// Otherwise, it returns a Ready condition with False status and an error message.
func NewClusterSecretCondition(failedNamespaces map[string]error) *csv1.ClusterSecretStatusCondition {
	if len(failedNamespaces) == 0 {
		return &csv1.ClusterSecretStatusCondition{
			Type:   csv1.ClusterSecretReady,
			Status: v1.ConditionTrue,
		}
	}

	return &csv1.ClusterSecretStatusCondition{
		Type:    csv1.ClusterSecretReady,
		Status:  v1.ConditionFalse,
		Message: errNamespacesFailed,
	}
}

// SetClusterSecretCondition updates the conditions on the ClusterSecret
// status and the corresponding metrics.
func SetClusterSecretCondition(cs *csv1.ClusterSecret, condition csv1.ClusterSecretStatusCondition) {
	cs.Status.Conditions = append(filterOutCondition(cs.Status.Conditions, condition.Type), condition)
	csmetrics.UpdateClusterSecretCondition(cs, &condition)
}

// filterOutCondition returns the conditions without the provided type.
func filterOutCondition(conditions []csv1.ClusterSecretStatusCondition, condType csv1.ClusterSecretConditionType) []csv1.ClusterSecretStatusCondition {
	newConditions := make([]csv1.ClusterSecretStatusCondition, 0, len(conditions))
	for _, c := range conditions {
		if c.Type == condType {
			continue
		}
		newConditions = append(newConditions, c)
	}
	return newConditions
}

func toNamespaceFailures(failedNamespaces map[string]error) []csv1.ClusterSecretNamespaceFailure {
	if len(failedNamespaces) == 0 {
		return nil
	}
	namespaceFailures := make([]csv1.ClusterSecretNamespaceFailure, 0, len(failedNamespaces))
	for namespace, err := range failedNamespaces {
		namespaceFailures = append(namespaceFailures, csv1.ClusterSecretNamespaceFailure{
			Namespace: namespace,
			Reason:    err.Error(),
		})
	}
	sort.Slice(namespaceFailures, func(i, j int) bool { return namespaceFailures[i].Namespace < namespaceFailures[j].Namespace })
	return namespaceFailures
}
