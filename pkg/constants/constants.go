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

package constants

const (
	// ManagedByAnnotation marks a namespaced secret as owned by this
	// controller when it carries ManagedByAuthor as its value. That
	// annotation value is the sole ownership signal.
	ManagedByAnnotation = "clustersecret.io/managed-by"

	// ManagedByAuthor is the value stamped into ManagedByAnnotation.
	ManagedByAuthor = "clustersecret-controller"
)
