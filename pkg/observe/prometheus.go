package observe

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/petrijr/reelflow/pkg/api"
)

// PrometheusObserver exports engine and worker metrics.
type PrometheusObserver struct {
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	continuedAsNew    *prometheus.CounterVec
	replayPasses      *prometheus.CounterVec
	replayDuration    *prometheus.HistogramVec
	activityAttempts  *prometheus.CounterVec
	activityDuration  *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the reelflow metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	f := promauto.With(reg)
	return &PrometheusObserver{
		instancesStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelflow_instances_started_total",
				Help: "Total number of started instances by orchestrator",
			},
			[]string{"orchestrator"},
		),
		instancesFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelflow_instances_finished_total",
				Help: "Total number of instances that reached a terminal status",
			},
			[]string{"orchestrator", "status"},
		),
		continuedAsNew: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelflow_instances_continued_as_new_total",
				Help: "Total number of generations started with continue-as-new",
			},
			[]string{"orchestrator"},
		),
		replayPasses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelflow_replay_passes_total",
				Help: "Total number of committed replay passes by outcome",
			},
			[]string{"orchestrator", "outcome"},
		),
		replayDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reelflow_replay_pass_duration_seconds",
				Help:    "Duration of replay passes in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"orchestrator"},
		),
		activityAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reelflow_activity_attempts_total",
				Help: "Total number of activity attempts by result",
			},
			[]string{"activity", "result"},
		),
		activityDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reelflow_activity_duration_seconds",
				Help:    "Duration of activity attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"activity"},
		),
	}
}

func (o *PrometheusObserver) OnInstanceStarted(ctx context.Context, inst *api.Instance) {
	o.instancesStarted.WithLabelValues(inst.Name).Inc()
}

func (o *PrometheusObserver) OnInstanceCompleted(ctx context.Context, inst *api.Instance) {
	o.instancesFinished.WithLabelValues(inst.Name, string(api.StatusCompleted)).Inc()
}

func (o *PrometheusObserver) OnInstanceFailed(ctx context.Context, inst *api.Instance, failure *api.FailureDetails) {
	o.instancesFinished.WithLabelValues(inst.Name, string(inst.Status)).Inc()
}

func (o *PrometheusObserver) OnContinuedAsNew(ctx context.Context, inst *api.Instance) {
	o.continuedAsNew.WithLabelValues(inst.Name).Inc()
}

func (o *PrometheusObserver) OnReplayPass(ctx context.Context, inst *api.Instance, pass api.PassInfo) {
	o.replayPasses.WithLabelValues(inst.Name, string(pass.Outcome)).Inc()
	o.replayDuration.WithLabelValues(inst.Name).Observe(pass.Duration.Seconds())
}

func (o *PrometheusObserver) OnActivityStart(ctx context.Context, info api.ActivityInfo) {}

func (o *PrometheusObserver) OnActivityCompleted(ctx context.Context, info api.ActivityInfo, err error, d time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	o.activityAttempts.WithLabelValues(info.Name, result).Inc()
	o.activityDuration.WithLabelValues(info.Name).Observe(d.Seconds())
}
