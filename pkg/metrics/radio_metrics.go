// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	radioMetricSubsystem = "radio"
)

var (
	radioMetricsRegisterOnce sync.Once

	SessionStatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: meshlinkNamespace,
			Subsystem: radioMetricSubsystem,
			Name:      "session_status_transitions_total",
			Help:      "会话状态迁移次数",
		}, []string{kindLabelName, statusLabelName})

	DrainPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: meshlinkNamespace,
			Subsystem: radioMetricSubsystem,
			Name:      "drain_passes_total",
			Help:      "读取排空的执行次数，按触发来源区分",
		}, []string{triggerLabelName})

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: meshlinkNamespace,
			Subsystem: radioMetricSubsystem,
			Name:      "bytes_received_total",
			Help:      "从设备读取并交付给上层的字节数",
		}, []string{kindLabelName})

	BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: meshlinkNamespace,
			Subsystem: radioMetricSubsystem,
			Name:      "bytes_sent_total",
			Help:      "成功写入设备的字节数",
		}, []string{kindLabelName})

	ReadChunkSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: meshlinkNamespace,
			Subsystem: radioMetricSubsystem,
			Name:      "read_chunk_bytes",
			Help:      "单次非空读取的字节数",
			Buckets:   sizeBuckets,
		}, []string{kindLabelName})

	TransportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: meshlinkNamespace,
			Subsystem: radioMetricSubsystem,
			Name:      "transport_errors_total",
			Help:      "传输层错误次数，按发生阶段与错误码区分",
		}, []string{stageLabelName, codeLabelName})

	Handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: meshlinkNamespace,
			Subsystem: radioMetricSubsystem,
			Name:      "handshake_total",
			Help:      "握手完成次数，按结果区分",
		}, []string{resultLabelName})

	RegistrySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: meshlinkNamespace,
			Subsystem: radioMetricSubsystem,
			Name:      "registry_sessions",
			Help:      "注册表中当前登记的会话数",
		})
)

// RegisterRadioMetrics 将 radio 相关指标注册到 Registerer，重复调用只生效一次。
func RegisterRadioMetrics(registerer prometheus.Registerer) {
	radioMetricsRegisterOnce.Do(func() {
		registerer.MustRegister(SessionStatusTransitions)
		registerer.MustRegister(DrainPasses)
		registerer.MustRegister(BytesReceived)
		registerer.MustRegister(BytesSent)
		registerer.MustRegister(ReadChunkSize)
		registerer.MustRegister(TransportErrors)
		registerer.MustRegister(Handshakes)
		registerer.MustRegister(RegistrySessions)
	})
}
