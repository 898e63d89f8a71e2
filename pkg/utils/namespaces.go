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

// Package utils provides the namespace targeting and event filtering helpers
// shared by the controllers.
package utils

import (
	"sort"

	"github.com/go-logr/logr"
	"github.com/gobwas/glob"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
)

// TargetNamespaces computes the namespaces a ClusterSecret fans out to.
// Shell-style globs, anchored to the full name. An empty match list admits
// every namespace; an avoid pattern always wins over a match. Terminating
// namespaces are treated as absent. The result is sorted.
func TargetNamespaces(log logr.Logger, namespaces []corev1.Namespace, match, avoid []string) []string {
	matchGlobs := compileGlobs(log, match)
	avoidGlobs := compileGlobs(log, avoid)

	var targets []string
	for i := range namespaces {
		ns := &namespaces[i]
		if ns.Status.Phase == corev1.NamespaceTerminating || ns.DeletionTimestamp != nil {
			continue
		}
		if len(match) > 0 && !matchAny(matchGlobs, ns.Name) {
			continue
		}
		if matchAny(avoidGlobs, ns.Name) {
			continue
		}
		targets = append(targets, ns.Name)
	}
	sort.Strings(targets)
	return targets
}

// MatchesSelector reports whether a single namespace name is admitted by the
// match/avoid glob lists. Used by the event mappers, which only have a name.
func MatchesSelector(log logr.Logger, name string, match, avoid []string) bool {
	matchGlobs := compileGlobs(log, match)
	if len(match) > 0 && !matchAny(matchGlobs, name) {
		return false
	}
	return !matchAny(compileGlobs(log, avoid), name)
}

// compileGlobs compiles the patterns. A malformed pattern is logged and
// matches nothing.
func compileGlobs(log logr.Logger, patterns []string) []glob.Glob {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			log.Error(err, "ignoring malformed namespace pattern", "pattern", p)
			continue
		}
		globs = append(globs, g)
	}
	return globs
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// NamespacePredicate admits namespace creations and deletions, and the
// updates that flip a namespace in or out of the Terminating phase. Label
// churn and other metadata updates never retarget a ClusterSecret.
func NamespacePredicate() predicate.Predicate {
	return predicate.Funcs{
		CreateFunc: func(e event.CreateEvent) bool {
			return true
		},
		UpdateFunc: func(e event.UpdateEvent) bool {
			oldNs, okOld := e.ObjectOld.(*corev1.Namespace)
			newNs, okNew := e.ObjectNew.(*corev1.Namespace)
			if !okOld || !okNew {
				return false
			}
			return oldNs.Status.Phase != newNs.Status.Phase
		},
		DeleteFunc: func(e event.DeleteEvent) bool {
			return true
		},
	}
}
