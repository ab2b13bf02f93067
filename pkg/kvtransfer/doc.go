// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package kvtransfer moves KV-cache blocks from prefill (producer) nodes to
decode (consumer) nodes in a disaggregated serving deployment.

A Connector is created once per process half. The kv role in Config selects
the producer or consumer implementation; the Role argument of New selects
the scheduler-side or worker-side half:

	                 scheduler side              worker side
	producer   ProducerScheduler           ProducerWorker (ack listener, export)
	consumer   ConsumerScheduler           ConsumerWorker (transfer engine, acks)

Per scheduling step on a consumer:
 1. the scheduler asks GetNumNewMatchedTokens for every waiting request and
    reports the blocks it allocated through UpdateStateAfterAlloc,
 2. BuildConnectorMetadata turns the pending fetches into a Metadata batch,
 3. the worker's StartLoad reconciles and dispatches the batch,
 4. GetFinished drains the requests whose blocks arrived.

When a request's blocks are pulled, the consumer pushes an ack to the
producer's ack address; the producer reports the request through
GetFinished so its scheduler can free the held blocks.
*/
package kvtransfer
