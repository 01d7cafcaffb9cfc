// Package metrics exposes scheduler activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/shardsched/pkg/model"
)

const namespace = "shardsched"

// Collector holds the scheduler's Prometheus metrics.
type Collector struct {
	offers          *prometheus.CounterVec
	tasksLaunched   *prometheus.CounterVec
	statusUpdates   *prometheus.CounterVec
	failoverRecords prometheus.Counter
	agentsLost      prometheus.Counter
	passDuration    prometheus.Histogram
	queueDepth      *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_total",
			Help:      "Resource offers handled, by result (accepted, declined).",
		}, []string{"result"}),
		tasksLaunched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_launched_total",
			Help:      "Tasks launched, by execution reason.",
		}, []string{"reason"}),
		statusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_updates_total",
			Help:      "Task status updates received, by state.",
		}, []string{"state"}),
		failoverRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_recorded_total",
			Help:      "Failed shards handed to the failover queue.",
		}),
		agentsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_lost_total",
			Help:      "Agents reported lost by the resource manager.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "offer_pass_duration_seconds",
			Help:      "Time spent matching one batch of offers.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Entries per scheduling queue (ready, misfired, failover, running).",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		c.offers,
		c.tasksLaunched,
		c.statusUpdates,
		c.failoverRecords,
		c.agentsLost,
		c.passDuration,
		c.queueDepth,
	)
	return c
}

func (c *Collector) OfferAccepted()    { c.offers.WithLabelValues("accepted").Inc() }
func (c *Collector) OfferDeclined()    { c.offers.WithLabelValues("declined").Inc() }
func (c *Collector) AgentLost()        { c.agentsLost.Inc() }
func (c *Collector) FailoverRecorded() { c.failoverRecords.Inc() }

func (c *Collector) TaskLaunched(reason model.ExecutionReason) {
	c.tasksLaunched.WithLabelValues(reason.String()).Inc()
}

func (c *Collector) StatusUpdate(state model.TaskState) {
	c.statusUpdates.WithLabelValues(state.String()).Inc()
}

func (c *Collector) ObservePass(d time.Duration) {
	c.passDuration.Observe(d.Seconds())
}

// SetQueueDepths records the size of each queue in snap.
func (c *Collector) SetQueueDepths(snap model.QueueSnapshot) {
	c.queueDepth.WithLabelValues("ready").Set(float64(len(snap.Ready)))
	c.queueDepth.WithLabelValues("misfired").Set(float64(len(snap.Misfired)))
	shards := 0
	for _, s := range snap.Failover {
		shards += len(s)
	}
	c.queueDepth.WithLabelValues("failover").Set(float64(shards))
	running := 0
	for _, tasks := range snap.Running {
		running += len(tasks)
	}
	c.queueDepth.WithLabelValues("running").Set(float64(running))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
