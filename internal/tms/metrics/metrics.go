package metrics

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/domain"
)

const MetricPrefix = "tms_"

var submissionsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "job_submissions_total",
		Help: "Number of job submissions by batch type and result code",
	},
	[]string{"batchType", "result"},
)

var stepsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "job_steps_total",
		Help: "Number of job steps persisted after a successful submission",
	},
	[]string{"batchType"},
)

var cancellationsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricPrefix + "job_cancellations_total",
		Help: "Number of cancel requests by result code",
	},
	[]string{"result"},
)

var cancelledJobsCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricPrefix + "cancelled_jobs_total",
		Help: "Number of jobs cancelled",
	},
)

var dispatchDurationHist = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    MetricPrefix + "dispatch_duration_seconds",
		Help:    "Time taken to run a request in a job worker",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	},
	[]string{"mode", "action"},
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordSubmission(batchType domain.BatchType, err error) {
	submissionsCounter.
		With(map[string]string{"batchType": batchType.String(), "result": tmserrors.CodeFromError(err).String()}).
		Inc()
}

func (m *Metrics) RecordSteps(batchType domain.BatchType, numSteps int) {
	stepsCounter.With(map[string]string{"batchType": batchType.String()}).Add(float64(numSteps))
}

func (m *Metrics) RecordCancellation(numJobs int, err error) {
	cancellationsCounter.With(map[string]string{"result": tmserrors.CodeFromError(err).String()}).Inc()
	cancelledJobsCounter.Add(float64(numJobs))
}

func (m *Metrics) RecordDispatch(mode string, action string, duration time.Duration) {
	dispatchDurationHist.
		With(map[string]string{"mode": mode, "action": action}).
		Observe(duration.Seconds())
}

var logHookOnce sync.Once

// CountLogMessages adds a hook to the standard logger that counts messages by level.
func CountLogMessages() error {
	var err error
	logHookOnce.Do(func() {
		var hook *promrus.PrometheusHook
		hook, err = promrus.NewPrometheusHook()
		if err == nil {
			log.AddHook(hook)
		}
	})
	return errors.WithStack(err)
}

// WriteToTextfile dumps every registered metric in the node-exporter textfile format. The CLI
// is short lived, so this is how its metrics get collected.
func WriteToTextfile(path string) error {
	if path == "" {
		return nil
	}
	return errors.WithStack(prometheus.WriteToTextfile(path, prometheus.DefaultGatherer))
}
