// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package metrics instruments the telemetry pipeline itself. Counters are
// registered on an injected registry so tests stay isolated; no package
// registers anything globally.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline holds the pipeline's self-instrumentation. A nil *Pipeline is a
// valid no-op so components can run uninstrumented in tests.
type Pipeline struct {
	samplesIngested    *prometheus.CounterVec
	snapshotsProcessed *prometheus.CounterVec
	parseErrors        *prometheus.CounterVec
	sourceDrops        *prometheus.CounterVec
	reconnects         prometheus.Counter
	fanOuts            *prometheus.CounterVec
	subscribers        prometheus.Gauge
	pooledConns        prometheus.Gauge
}

func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		samplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hm_samples_ingested_total",
			Help: "Raw samples accepted from sources.",
		}, []string{"source"}),
		snapshotsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hm_snapshots_processed_total",
			Help: "Rate snapshots computed and queued for persistence.",
		}, []string{"source"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hm_parse_errors_total",
			Help: "Lines or records dropped because they could not be parsed.",
		}, []string{"source"}),
		sourceDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hm_source_drops_total",
			Help: "Sources dropped from the merge after start or stream failure.",
		}, []string{"source"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hm_notify_reconnects_total",
			Help: "Reconnect attempts made by the notification listener.",
		}),
		fanOuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hm_fanouts_total",
			Help: "Updates delivered to subscribers, per source key.",
		}, []string{"key"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hm_subscribers",
			Help: "Currently registered subscribers across services.",
		}),
		pooledConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hm_pooled_connections",
			Help: "Connections currently held by the connection pool.",
		}),
	}

	reg.MustRegister(p.samplesIngested, p.snapshotsProcessed, p.parseErrors,
		p.sourceDrops, p.reconnects, p.fanOuts, p.subscribers, p.pooledConns)
	return p
}

func (p *Pipeline) IncIngested(source string) {
	if p == nil {
		return
	}
	p.samplesIngested.WithLabelValues(source).Inc()
}

func (p *Pipeline) IncProcessed(source string) {
	if p == nil {
		return
	}
	p.snapshotsProcessed.WithLabelValues(source).Inc()
}

func (p *Pipeline) IncParseErrors(source string) {
	if p == nil {
		return
	}
	p.parseErrors.WithLabelValues(source).Inc()
}

func (p *Pipeline) IncSourceDrops(source string) {
	if p == nil {
		return
	}
	p.sourceDrops.WithLabelValues(source).Inc()
}

func (p *Pipeline) IncReconnects() {
	if p == nil {
		return
	}
	p.reconnects.Inc()
}

func (p *Pipeline) IncFanOuts(key string) {
	if p == nil {
		return
	}
	p.fanOuts.WithLabelValues(key).Inc()
}

func (p *Pipeline) AddSubscribers(delta float64) {
	if p == nil {
		return
	}
	p.subscribers.Add(delta)
}

func (p *Pipeline) SetPooledConns(n float64) {
	if p == nil {
		return
	}
	p.pooledConns.Set(n)
}
