package observability

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	stages     *stageWindow
	indicators string

	ActiveCalls     prometheus.Gauge
	CallEvents      *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	AudioFrames     *prometheus.CounterVec
	ToolCalls       *prometheus.CounterVec
	ToolCallLatency prometheus.Histogram
	ConnectLatency  prometheus.Histogram
	Indicators      *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry:   reg,
		stages:     newStageWindow(defaultStageSamples),
		indicators: prometheus.BuildFQName(namespace, "", "degradation_indicators_total"),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of calls with a live session.",
		}),
		CallEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Audio bridge WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		AudioFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames by direction (in=microphone, out=model) and outcome.",
		}, []string{"direction", "outcome"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolCallLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_latency_ms",
			Help:      "Tool call execution latency in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Time from call start to live session streaming in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		Indicators: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradation_indicators_total",
			Help:      "Dropped audio and failed tool calls by indicator.",
		}, []string{"indicator"}),
	}
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
	m.CallEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) CallEnded(event string) {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WSMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) ObserveAudioFrame(direction, outcome string) {
	if m == nil {
		return
	}
	m.AudioFrames.WithLabelValues(direction, outcome).Inc()
	if outcome != "sent" && outcome != "played" {
		m.Indicators.WithLabelValues("audio_" + direction + "_" + outcome).Inc()
	}
}

func (m *Metrics) ObserveToolCall(tool, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	ms := float64(latency.Microseconds()) / 1000
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolCallLatency.Observe(ms)
	m.stages.Observe("tool_"+tool, ms)
	if outcome != "ok" {
		m.Indicators.WithLabelValues("tool_" + outcome).Inc()
	}
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.ConnectLatency.Observe(ms)
	m.stages.Observe("call_connect", ms)
}

// LatencySnapshot summarises the recent latency window.
func (m *Metrics) LatencySnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  m.stages.capacity,
		Stages:      m.stages.Stages(),
		Indicators:  m.indicatorCounts(),
	}
}

// indicatorCounts reads the indicator counter back out of the registry.
func (m *Metrics) indicatorCounts() []Indicator {
	families, err := m.registry.Gather()
	if err != nil {
		return nil
	}
	var out []Indicator
	for _, family := range families {
		if family.GetName() != m.indicators {
			continue
		}
		for _, metric := range family.GetMetric() {
			count := int(metric.GetCounter().GetValue())
			if count <= 0 {
				continue
			}
			for _, label := range metric.GetLabel() {
				if label.GetName() == "indicator" && strings.TrimSpace(label.GetValue()) != "" {
					out = append(out, Indicator{Name: label.GetValue(), Count: count})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handler serves this instance's registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
