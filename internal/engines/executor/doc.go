/*
Copyright 2025 The llm-d Authors

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

/*
Package executor runs periodic checks alongside a pipeline run.

A [PollingExecutor] calls its task once per interval until the context is
cancelled. A failing call is retried with exponential backoff, bounded by a
retry count and a delay cap; once the retries are spent the task waits for
the next tick. The frame classifier uses it as a progress watchdog that fails
while the driver completes no frames.
*/
package executor
