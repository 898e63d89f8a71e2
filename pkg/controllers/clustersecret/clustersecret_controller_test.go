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
	"math/rand"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	csv1 "github.com/clustersecret/clustersecret/apis/clustersecret/v1"
	"github.com/clustersecret/clustersecret/pkg/cache"
	"github.com/clustersecret/clustersecret/pkg/constants"
	"github.com/clustersecret/clustersecret/pkg/controllers/clustersecret/csmetrics"
	ctrlmetrics "github.com/clustersecret/clustersecret/pkg/controllers/metrics"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func init() {
	ctrlmetrics.SetUpLabelNames(false)
	csmetrics.SetUpMetrics()
}

var (
	timeout  = time.Second * 10
	interval = time.Millisecond * 250
)

func inlineData(kv map[string]string) map[string]apiextensionsv1.JSON {
	out := make(map[string]apiextensionsv1.JSON, len(kv))
	for k, v := range kv {
		out[k] = apiextensionsv1.JSON{Raw: []byte(strconv.Quote(v))}
	}
	return out
}

func sourceRefData(name, namespace string) map[string]apiextensionsv1.JSON {
	raw := fmt.Sprintf(`{"secretKeyRef":{"name":%s,"namespace":%s}}`, strconv.Quote(name), strconv.Quote(namespace))
	return map[string]apiextensionsv1.JSON{
		csv1.ValueFromKey: {Raw: []byte(raw)},
	}
}

var _ = Describe("ClusterSecret controller", func() {
	ctx := context.Background()

	createNamespace := func(name string) {
		ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
		Expect(k8sClient.Create(ctx, ns)).To(Succeed())
	}

	createClusterSecret := func(cs *csv1.ClusterSecret) *csv1.ClusterSecret {
		Expect(k8sClient.Create(ctx, cs)).To(Succeed())
		DeferCleanup(func() {
			_ = k8sClient.Delete(ctx, cs)
		})
		return cs
	}

	cachedByName := func(name string) *cache.CachedClusterSecret {
		for _, entry := range store.All() {
			if entry.Name == name {
				return entry
			}
		}
		return nil
	}

	expectManagedSecret := func(namespace, name string, data map[string][]byte) {
		EventuallyWithOffset(1, func(g Gomega) {
			var secret corev1.Secret
			err := k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, &secret)
			g.Expect(err).ShouldNot(HaveOccurred())
			g.Expect(secret.Annotations).To(HaveKeyWithValue(constants.ManagedByAnnotation, constants.ManagedByAuthor))
			g.Expect(secret.Data).To(Equal(data))
		}).WithTimeout(timeout).WithPolling(interval).Should(Succeed())
	}

	expectSyncedNamespaces := func(name string, namespaces []string) {
		EventuallyWithOffset(1, func(g Gomega) {
			var cs csv1.ClusterSecret
			err := k8sClient.Get(ctx, types.NamespacedName{Name: name}, &cs)
			g.Expect(err).ShouldNot(HaveOccurred())
			g.Expect(cs.Status.CreateFn.SyncedNS).To(ConsistOf(namespaces))

			entry := cachedByName(name)
			g.Expect(entry).ToNot(BeNil())
			g.Expect(entry.SyncedNamespaces).To(ConsistOf(namespaces))
		}).WithTimeout(timeout).WithPolling(interval).Should(Succeed())
	}

	It("fans out to every matching namespace", func() {
		base := fmt.Sprintf("fanout-%s", randString(6))
		ns1, ns2 := base+"-a", base+"-b"
		createNamespace(ns1)
		createNamespace(ns2)

		cs := createClusterSecret(&csv1.ClusterSecret{
			ObjectMeta:     metav1.ObjectMeta{Name: base},
			Data:           inlineData(map[string]string{"key": "value"}),
			MatchNamespace: []string{base + "-*"},
		})

		expectManagedSecret(ns1, cs.Name, map[string][]byte{"key": []byte("value")})
		expectManagedSecret(ns2, cs.Name, map[string][]byte{"key": []byte("value")})
		expectSyncedNamespaces(cs.Name, []string{ns1, ns2})

		var got csv1.ClusterSecret
		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: cs.Name}, &got)).To(Succeed())
		Expect(got.Status.Conditions).To(HaveLen(1))
		Expect(got.Status.Conditions[0].Type).To(Equal(csv1.ClusterSecretReady))
		Expect(got.Status.Conditions[0].Status).To(Equal(corev1.ConditionTrue))

		var secret corev1.Secret
		Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: ns1, Name: cs.Name}, &secret)).To(Succeed())
		Expect(secret.Type).To(Equal(corev1.SecretTypeOpaque))
	})

	It("respects avoidNamespaces over matchNamespace", func() {
		base := fmt.Sprintf("avoid-%s", randString(6))
		ns1, ns2 := base+"-keep", base+"-skip"
		createNamespace(ns1)
		createNamespace(ns2)

		cs := createClusterSecret(&csv1.ClusterSecret{
			ObjectMeta:      metav1.ObjectMeta{Name: base},
			Data:            inlineData(map[string]string{"key": "value"}),
			MatchNamespace:  []string{base + "-*"},
			AvoidNamespaces: []string{"*-skip"},
		})

		expectManagedSecret(ns1, cs.Name, map[string][]byte{"key": []byte("value")})
		expectSyncedNamespaces(cs.Name, []string{ns1})

		var secret corev1.Secret
		err := k8sClient.Get(ctx, types.NamespacedName{Namespace: ns2, Name: cs.Name}, &secret)
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("propagates data updates to every synced namespace", func() {
		base := fmt.Sprintf("update-%s", randString(6))
		ns1, ns2 := base+"-a", base+"-b"
		createNamespace(ns1)
		createNamespace(ns2)

		cs := createClusterSecret(&csv1.ClusterSecret{
			ObjectMeta:     metav1.ObjectMeta{Name: base},
			Data:           inlineData(map[string]string{"key": "value"}),
			MatchNamespace: []string{base + "-*"},
		})
		expectSyncedNamespaces(cs.Name, []string{ns1, ns2})

		var fresh csv1.ClusterSecret
		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: cs.Name}, &fresh)).To(Succeed())
		fresh.Data = inlineData(map[string]string{"key": "newvalue"})
		Expect(k8sClient.Update(ctx, &fresh)).To(Succeed())

		expectManagedSecret(ns1, cs.Name, map[string][]byte{"key": []byte("newvalue")})
		expectManagedSecret(ns2, cs.Name, map[string][]byte{"key": []byte("newvalue")})
		expectSyncedNamespaces(cs.Name, []string{ns1, ns2})
	})

	It("syncs into namespaces created after the fact", func() {
		base := fmt.Sprintf("grow-%s", randString(6))
		ns1 := base + "-a"
		createNamespace(ns1)

		cs := createClusterSecret(&csv1.ClusterSecret{
			ObjectMeta:     metav1.ObjectMeta{Name: base},
			Data:           inlineData(map[string]string{"key": "value"}),
			MatchNamespace: []string{base + "-*"},
		})
		expectSyncedNamespaces(cs.Name, []string{ns1})

		extra := base + "-extra"
		createNamespace(extra)

		expectManagedSecret(extra, cs.Name, map[string][]byte{"key": []byte("value")})
		expectSyncedNamespaces(cs.Name, []string{ns1, extra})
	})

	It("drops deleted namespaces from the synced set", func() {
		base := fmt.Sprintf("shrink-%s", randString(6))
		ns1, ns2 := base+"-a", base+"-b"
		createNamespace(ns1)
		createNamespace(ns2)

		cs := createClusterSecret(&csv1.ClusterSecret{
			ObjectMeta:     metav1.ObjectMeta{Name: base},
			Data:           inlineData(map[string]string{"key": "value"}),
			MatchNamespace: []string{base + "-*"},
		})
		expectSyncedNamespaces(cs.Name, []string{ns1, ns2})

		// envtest has no namespace controller, so deletion parks the
		// namespace in Terminating, which the selector treats as absent.
		var ns corev1.Namespace
		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: ns2}, &ns)).To(Succeed())
		Expect(k8sClient.Delete(ctx, &ns)).To(Succeed())

		expectSyncedNamespaces(cs.Name, []string{ns1})
	})

	It("restores an externally deleted managed secret", func() {
		base := fmt.Sprintf("heal-%s", randString(6))
		ns1 := base + "-a"
		createNamespace(ns1)

		cs := createClusterSecret(&csv1.ClusterSecret{
			ObjectMeta:     metav1.ObjectMeta{Name: base},
			Data:           inlineData(map[string]string{"key": "value"}),
			MatchNamespace: []string{base + "-*"},
		})
		expectManagedSecret(ns1, cs.Name, map[string][]byte{"key": []byte("value")})

		var secret corev1.Secret
		Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: ns1, Name: cs.Name}, &secret)).To(Succeed())
		Expect(k8sClient.Delete(ctx, &secret)).To(Succeed())

		expectManagedSecret(ns1, cs.Name, map[string][]byte{"key": []byte("value")})
	})

	It("does not restore a managed secret into a terminating namespace", func() {
		base := fmt.Sprintf("noheal-%s", randString(6))
		ns1 := base + "-a"
		createNamespace(ns1)

		cs := createClusterSecret(&csv1.ClusterSecret{
			ObjectMeta:     metav1.ObjectMeta{Name: base},
			Data:           inlineData(map[string]string{"key": "value"}),
			MatchNamespace: []string{base + "-*"},
		})
		expectManagedSecret(ns1, cs.Name, map[string][]byte{"key": []byte("value")})

		var ns corev1.Namespace
		Expect(k8sClient.Get(ctx, types.NamespacedName{Name: ns1}, &ns)).To(Succeed())
		Expect(k8sClient.Delete(ctx, &ns)).To(Succeed())
		expectSyncedNamespaces(cs.Name, []string{})

		var secret corev1.Secret
		Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: ns1, Name: cs.Name}, &secret)).To(Succeed())
		Expect(k8sClient.Delete(ctx, &secret)).To(Succeed())

		Consistently(func(g Gomega) {
			var gone corev1.Secret
			err := k8sClient.Get(ctx, types.NamespacedName{Namespace: ns1, Name: cs.Name}, &gone)
			g.Expect(apierrors.IsNotFound(err)).To(BeTrue())
		}).WithTimeout(time.Second * 2).WithPolling(interval).Should(Succeed())
	})

	It("follows a source secret reference", func() {
		base := fmt.Sprintf("source-%s", randString(6))
		srcNS := base + "-src"
		ns1, ns2 := base+"-a", base+"-b"
		createNamespace(srcNS)
		createNamespace(ns1)
		createNamespace(ns2)

		source := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: "origin", Namespace: srcNS},
			Data:       map[string][]byte{"k": []byte("v1")},
		}
		Expect(k8sClient.Create(ctx, source)).To(Succeed())

		cs := createClusterSecret(&csv1.ClusterSecret{
			ObjectMeta:     metav1.ObjectMeta{Name: base},
			Data:           sourceRefData("origin", srcNS),
			MatchNamespace: []string{ns1, ns2},
		})

		expectManagedSecret(ns1, cs.Name, map[string][]byte{"k": []byte("v1")})
		expectManagedSecret(ns2, cs.Name, map[string][]byte{"k": []byte("v1")})
		expectSyncedNamespaces(cs.Name, []string{ns1, ns2})

		By("propagating a source update")
		var fresh corev1.Secret
		Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: srcNS, Name: "origin"}, &fresh)).To(Succeed())
		fresh.Data = map[string][]byte{"k": []byte("v2")}
		Expect(k8sClient.Update(ctx, &fresh)).To(Succeed())

		expectManagedSecret(ns1, cs.Name, map[string][]byte{"k": []byte("v2")})
		expectManagedSecret(ns2, cs.Name, map[string][]byte{"k": []byte("v2")})

		By("keeping managed copies when the source disappears")
		Expect(k8sClient.Delete(ctx, &fresh)).To(Succeed())

		Consistently(func(g Gomega) {
			var secret corev1.Secret
			g.Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: ns1, Name: cs.Name}, &secret)).To(Succeed())
			g.Expect(secret.Data).To(Equal(map[string][]byte{"k": []byte("v2")}))
		}).WithTimeout(time.Second * 2).WithPolling(interval).Should(Succeed())
	})

	It("tears down the fan-out without self-healing it back", func() {
		base := fmt.Sprintf("teardown-%s", randString(6))
		ns1, ns2 := base+"-a", base+"-b"
		createNamespace(ns1)
		createNamespace(ns2)

		cs := createClusterSecret(&csv1.ClusterSecret{
			ObjectMeta:     metav1.ObjectMeta{Name: base},
			Data:           inlineData(map[string]string{"key": "value"}),
			MatchNamespace: []string{base + "-*"},
		})
		expectSyncedNamespaces(cs.Name, []string{ns1, ns2})

		Expect(k8sClient.Delete(ctx, cs)).To(Succeed())

		Eventually(func(g Gomega) {
			for _, ns := range []string{ns1, ns2} {
				var secret corev1.Secret
				err := k8sClient.Get(ctx, types.NamespacedName{Namespace: ns, Name: cs.Name}, &secret)
				g.Expect(apierrors.IsNotFound(err)).To(BeTrue())
			}
			g.Expect(cachedByName(cs.Name)).To(BeNil())
		}).WithTimeout(timeout).WithPolling(interval).Should(Succeed())

		// the delete events must not resurrect anything
		Consistently(func(g Gomega) {
			for _, ns := range []string{ns1, ns2} {
				var secret corev1.Secret
				err := k8sClient.Get(ctx, types.NamespacedName{Namespace: ns, Name: cs.Name}, &secret)
				g.Expect(apierrors.IsNotFound(err)).To(BeTrue())
			}
		}).WithTimeout(time.Second * 2).WithPolling(interval).Should(Succeed())
	})

	It("never overwrites an unmanaged secret with the same name", func() {
		base := fmt.Sprintf("collision-%s", randString(6))
		ns1 := base + "-a"
		createNamespace(ns1)

		foreign := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: base, Namespace: ns1},
			Data:       map[string][]byte{"theirs": []byte("untouched")},
		}
		Expect(k8sClient.Create(ctx, foreign)).To(Succeed())

		cs := createClusterSecret(&csv1.ClusterSecret{
			ObjectMeta:     metav1.ObjectMeta{Name: base},
			Data:           inlineData(map[string]string{"key": "value"}),
			MatchNamespace: []string{base + "-*"},
		})

		Eventually(func(g Gomega) {
			var got csv1.ClusterSecret
			g.Expect(k8sClient.Get(ctx, types.NamespacedName{Name: cs.Name}, &got)).To(Succeed())
			g.Expect(got.Status.FailedNamespaces).To(HaveLen(1))
			g.Expect(got.Status.FailedNamespaces[0].Namespace).To(Equal(ns1))
			g.Expect(got.Status.Conditions).To(HaveLen(1))
			g.Expect(got.Status.Conditions[0].Status).To(Equal(corev1.ConditionFalse))
		}).WithTimeout(timeout).WithPolling(interval).Should(Succeed())

		var secret corev1.Secret
		Expect(k8sClient.Get(ctx, types.NamespacedName{Namespace: ns1, Name: base}, &secret)).To(Succeed())
		Expect(secret.Data).To(Equal(map[string][]byte{"theirs": []byte("untouched")}))
	})
})

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyz")

func randString(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}
