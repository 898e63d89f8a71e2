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
	"github.com/spf13/pflag"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/clustersecret/clustersecret/pkg/feature"
	"github.com/clustersecret/clustersecret/pkg/utils"
)

var extraNoisePatterns []string

func init() {
	fs := pflag.NewFlagSet("clustersecret", pflag.ExitOnError)
	fs.StringSliceVar(&extraNoisePatterns, "extra-noise-secret-patterns", nil,
		"additional glob patterns for secret names to ignore on the secret watch")
	feature.Register(feature.Feature{
		Flags: fs,
		Initialize: func() {
			utils.SetExtraNoisePatterns(ctrl.Log.WithName("noise-filter"), extraNoisePatterns)
		},
	})
}
