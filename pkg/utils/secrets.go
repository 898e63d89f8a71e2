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

package utils

import (
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"github.com/gobwas/glob"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/clustersecret/clustersecret/pkg/constants"
)

const helmReleasePrefix = "sh.helm.release.v1."

var gitlabRunnerPattern = regexp.MustCompile(`^runner-.*-project-.*-concurrent-.*$`)

// extraNoiseGlobs holds operator-configured additions to the noise filter.
// Installed once at startup, before any watch delivers events.
var extraNoiseGlobs []glob.Glob

// SetExtraNoisePatterns installs additional secret-name globs to ignore on
// the secret watch.
func SetExtraNoisePatterns(log logr.Logger, patterns []string) {
	extraNoiseGlobs = compileGlobs(log, patterns)
}

// IsNoiseSecret reports whether a secret is produced by unrelated tooling
// (Helm release storage, GitLab runners) and must be ignored before any
// per-event work happens.
func IsNoiseSecret(name string, labels map[string]string) bool {
	if strings.HasPrefix(name, helmReleasePrefix) {
		return true
	}
	if labels["owner"] == "helm" {
		return true
	}
	if gitlabRunnerPattern.MatchString(name) {
		return true
	}
	return matchAny(extraNoiseGlobs, name)
}

// IsManagedSecret reports whether obj carries the management annotation set
// to ManagedByAuthor.
func IsManagedSecret(obj client.Object) bool {
	return obj.GetAnnotations()[constants.ManagedByAnnotation] == constants.ManagedByAuthor
}

// SecretPredicate drops noise secret events before they reach the mappers.
func SecretPredicate() predicate.Predicate {
	return predicate.NewPredicateFuncs(func(obj client.Object) bool {
		return !IsNoiseSecret(obj.GetName(), obj.GetLabels())
	})
}
