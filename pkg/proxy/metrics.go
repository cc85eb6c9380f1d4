// Copyright 2026 The gVisor Authors.
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

package proxy

import (
	"time"

	"gvisor.dev/keep/pkg/errors"
	"gvisor.dev/keep/pkg/metric"
)

// Field values.
const (
	dispositionProxied  = "proxied"
	dispositionEmulated = "emulated"
	dispositionRejected = "rejected"

	directionIn  = "in"
	directionOut = "out"

	outcomeOK        = "ok"
	outcomeHostError = "host_error"
	outcomePolicy    = "policy"
	outcomeProtocol  = "protocol"
)

var (
	callsMetric = metric.MustCreateNewUint64Metric(
		"/proxy/calls",
		"Number of syscalls issued by guests, by disposition.",
		metric.NewField("disposition", dispositionProxied, dispositionEmulated, dispositionRejected))

	errorsMetric = metric.MustCreateNewUint64Metric(
		"/proxy/errors",
		"Number of failed syscalls, by error kind.",
		metric.NewField("kind",
			errors.KindHost.String(),
			errors.KindProtocol.String(),
			errors.KindPolicy.String(),
			errors.KindValidation.String()))

	crossingRetriesMetric = metric.MustCreateNewUint64Metric(
		"/proxy/crossing_retries",
		"Number of boundary crossings retried after an interrupted exit.")

	bytesMetric = metric.MustCreateNewUint64Metric(
		"/proxy/bytes",
		"Number of bytes copied between trusted memory and blocks.",
		metric.NewField("direction", directionIn, directionOut))

	latencyMetric = metric.MustCreateNewTimerMetric(
		"/proxy/latency",
		metric.NewDurationBucketer(12, time.Microsecond, time.Second),
		"Duration of proxied syscalls, from marshalling to copy-back.")

	executorRequestsMetric = metric.MustCreateNewUint64Metric(
		"/proxy/executor/requests",
		"Number of requests served by executors, by outcome.",
		metric.NewField("outcome", outcomeOK, outcomeHostError, outcomePolicy, outcomeProtocol))
)

// countError records err in errorsMetric. Errors that are not *errors.Error,
// such as a shut down channel, are not counted.
func countError(err error) {
	if err == nil {
		return
	}
	if k, ok := errors.KindOf(err); ok {
		errorsMetric.Increment(k.String())
	}
}
