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

package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics/server"

	csv1 "github.com/clustersecret/clustersecret/apis/clustersecret/v1"
	"github.com/clustersecret/clustersecret/pkg/cache"
	"github.com/clustersecret/clustersecret/pkg/controllers/clustersecret"
	"github.com/clustersecret/clustersecret/pkg/controllers/clustersecret/csmetrics"
	ctrlmetrics "github.com/clustersecret/clustersecret/pkg/controllers/metrics"
	"github.com/clustersecret/clustersecret/pkg/feature"

	// To allow using cloud provider auth.
	_ "k8s.io/client-go/plugin/pkg/client/auth"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")

	metricsAddr                string
	enableLeaderElection       bool
	concurrent                 int
	clientQPS                  float32
	clientBurst                int
	loglevel                   string
	zapTimeEncoding            string
	resyncInterval             time.Duration
	apiTimeout                 time.Duration
	enableExtendedMetricLabels bool
)

const (
	errCreateController = "unable to create controller"
)

func init() {
	_ = clientgoscheme.AddToScheme(scheme)
	_ = csv1.AddToScheme(scheme)
}

var rootCmd = &cobra.Command{
	Use:   "clustersecret",
	Short: "operator that fans ClusterSecrets out into namespaced secrets",
	Long:  `For more information visit https://clustersecret.io`,
	Run: func(cmd *cobra.Command, args []string) {
		var lvl zapcore.Level
		var enc zapcore.TimeEncoder
		lvlErr := lvl.UnmarshalText([]byte(loglevel))
		if lvlErr != nil {
			setupLog.Error(lvlErr, "error unmarshalling loglevel")
			os.Exit(1)
		}
		encErr := enc.UnmarshalText([]byte(zapTimeEncoding))
		if encErr != nil {
			setupLog.Error(encErr, "error unmarshalling timeEncoding")
			os.Exit(1)
		}
		opts := zap.Options{
			Level:       lvl,
			TimeEncoder: enc,
		}
		logger := zap.New(zap.UseFlagOptions(&opts))
		ctrl.SetLogger(logger)

		ctrlmetrics.SetUpLabelNames(enableExtendedMetricLabels)
		csmetrics.SetUpMetrics()

		// GetConfigOrDie prefers the in-cluster service account and falls
		// back to the ambient kubeconfig.
		config := ctrl.GetConfigOrDie()
		config.QPS = clientQPS
		config.Burst = clientBurst
		config.Timeout = apiTimeout

		ctrlOpts := ctrl.Options{
			Scheme: scheme,
			Metrics: server.Options{
				BindAddress: metricsAddr,
			},
			Client: client.Options{
				Cache: &client.CacheOptions{
					// Keep full secrets out of memory; the watch uses
					// metadata-only objects and reads go to the API.
					DisableFor: []client.Object{&v1.Secret{}},
				},
			},
			LeaderElection:   enableLeaderElection,
			LeaderElectionID: "clustersecret-controller",
		}
		mgr, err := ctrl.NewManager(config, ctrlOpts)
		if err != nil {
			setupLog.Error(err, "unable to start manager")
			os.Exit(1)
		}

		fs := feature.Features()
		for _, f := range fs {
			if f.Initialize == nil {
				continue
			}
			f.Initialize()
		}

		// Seed the state index before any watch event is processed.
		bootstrapClient, err := client.New(config, client.Options{Scheme: scheme})
		if err != nil {
			setupLog.Error(err, "unable to create bootstrap client")
			os.Exit(1)
		}
		store := cache.NewMemoryCache()
		if err := clustersecret.BootstrapCache(cmd.Context(), bootstrapClient, store, setupLog); err != nil {
			setupLog.Error(err, "unable to seed ClusterSecret cache")
			os.Exit(1)
		}

		if err = (&clustersecret.Reconciler{
			Client:          mgr.GetClient(),
			Log:             ctrl.Log.WithName("controllers").WithName("ClusterSecret"),
			Scheme:          mgr.GetScheme(),
			RequeueInterval: resyncInterval,
			Cache:           store,
		}).SetupWithManager(mgr, controller.Options{
			MaxConcurrentReconciles: concurrent,
		}); err != nil {
			setupLog.Error(err, errCreateController, "controller", "ClusterSecret")
			os.Exit(1)
		}

		setupLog.Info("starting manager")
		if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
			setupLog.Error(err, "problem running manager")
			os.Exit(1)
		}
	},
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":8080", "The address the metric endpoint binds to.")
	rootCmd.Flags().BoolVar(&enableLeaderElection, "enable-leader-election", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	rootCmd.Flags().IntVar(&concurrent, "concurrent", 1, "The number of concurrent ClusterSecret reconciles.")
	rootCmd.Flags().Float32Var(&clientQPS, "client-qps", 0, "QPS configuration to be passed to rest.Client")
	rootCmd.Flags().IntVar(&clientBurst, "client-burst", 0, "Maximum Burst allowed to be passed to rest.Client")
	rootCmd.Flags().StringVar(&loglevel, "loglevel", "info", "loglevel to use, one of: debug, info, warn, error, dpanic, panic, fatal")
	rootCmd.Flags().StringVar(&zapTimeEncoding, "zap-time-encoding", "epoch", "Zap time encoding (one of 'epoch', 'millis', 'nano', 'iso8601', 'rfc3339' or 'rfc3339nano')")
	rootCmd.Flags().DurationVar(&resyncInterval, "resync-interval", 10*time.Minute, "Time duration between periodic reconciles of every ClusterSecret")
	rootCmd.Flags().DurationVar(&apiTimeout, "api-timeout", 30*time.Second, "Timeout applied to every request against the cluster API")
	rootCmd.Flags().BoolVar(&enableExtendedMetricLabels, "enable-extended-metric-labels", false, "Enable recommended kubernetes annotations as labels in metrics.")
	fs := feature.Features()
	for _, f := range fs {
		rootCmd.Flags().AddFlagSet(f.Flags)
	}
}
