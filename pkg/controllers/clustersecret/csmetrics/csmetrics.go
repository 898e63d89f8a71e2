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

// Package csmetrics tracks and exposes metrics for ClusterSecret resources.
package csmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	v1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	csv1 "github.com/clustersecret/clustersecret/apis/clustersecret/v1"
	ctrlmetrics "github.com/clustersecret/clustersecret/pkg/controllers/metrics"
)

// Constants for metrics subsystem and keys.
const (
	// ClusterSecretSubsystem is the subsystem name used for ClusterSecret metrics.
	ClusterSecretSubsystem            = "clustersecret"
	ClusterSecretReconcileDurationKey = "reconcile_duration"
	ClusterSecretStatusConditionKey   = "status_condition"
	ClusterSecretSyncedNamespacesKey  = "synced_namespaces"
)

var gaugeVecMetrics = map[string]*prometheus.GaugeVec{}

// SetUpMetrics is called at the root to set-up the metric logic using the
// config flags provided.
func SetUpMetrics() {
	clusterSecretReconcileDuration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: ClusterSecretSubsystem,
		Name:      ClusterSecretReconcileDurationKey,
		Help:      "The duration time to reconcile the ClusterSecret",
	}, ctrlmetrics.NonConditionMetricLabelNames)

	clusterSecretCondition := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: ClusterSecretSubsystem,
		Name:      ClusterSecretStatusConditionKey,
		Help:      "The status condition of a specific ClusterSecret",
	}, ctrlmetrics.ConditionMetricLabelNames)

	clusterSecretSyncedNamespaces := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: ClusterSecretSubsystem,
		Name:      ClusterSecretSyncedNamespacesKey,
		Help:      "The number of namespaces a ClusterSecret is synced into",
	}, ctrlmetrics.NonConditionMetricLabelNames)

	metrics.Registry.MustRegister(clusterSecretReconcileDuration, clusterSecretCondition, clusterSecretSyncedNamespaces)

	gaugeVecMetrics = map[string]*prometheus.GaugeVec{
		ClusterSecretStatusConditionKey:   clusterSecretCondition,
		ClusterSecretReconcileDurationKey: clusterSecretReconcileDuration,
		ClusterSecretSyncedNamespacesKey:  clusterSecretSyncedNamespaces,
	}
}

// GetGaugeVec returns a GaugeVec for the given metric key.
func GetGaugeVec(key string) *prometheus.GaugeVec {
	return gaugeVecMetrics[key]
}

// UpdateClusterSecretCondition updates the metrics for a ClusterSecret based on its condition.
func UpdateClusterSecretCondition(cs *csv1.ClusterSecret, condition *csv1.ClusterSecretStatusCondition) {
	csInfo := make(map[string]string)
	csInfo["name"] = cs.Name
	for k, v := range cs.Labels {
		csInfo[k] = v
	}
	conditionLabels := ctrlmetrics.RefineConditionMetricLabels(csInfo)
	clusterSecretCondition := GetGaugeVec(ClusterSecretStatusConditionKey)

	// This handles cases where labels may have changed
	baseLabels := prometheus.Labels{
		"name":      cs.Name,
		"condition": string(condition.Type),
		"status":    string(v1.ConditionFalse),
	}
	clusterSecretCondition.DeletePartialMatch(baseLabels)

	clusterSecretCondition.With(ctrlmetrics.RefineLabels(conditionLabels,
		map[string]string{
			"condition": string(condition.Type),
			"status":    string(condition.Status),
		})).Set(1)
	clusterSecretCondition.With(ctrlmetrics.RefineLabels(conditionLabels,
		map[string]string{
			"condition": string(condition.Type),
			"status":    string(oppositeStatus(condition.Status)),
		})).Set(0)
}

func oppositeStatus(status v1.ConditionStatus) v1.ConditionStatus {
	if status == v1.ConditionTrue {
		return v1.ConditionFalse
	}
	return v1.ConditionTrue
}

// RemoveMetrics deletes all metrics published by the resource.
func RemoveMetrics(name string) {
	for _, gaugeVecMetric := range gaugeVecMetrics {
		gaugeVecMetric.DeletePartialMatch(
			map[string]string{
				"name": name,
			},
		)
	}
}
