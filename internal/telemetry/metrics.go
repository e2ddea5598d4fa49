package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Recorder tracks deploy pipeline outcomes and stage latencies. Registration
// against the default registry tolerates an existing collector so repeated
// construction inside one process reuses the same series.
type Recorder struct {
	once        sync.Once
	initialized bool

	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	imageResults  *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	r := &Recorder{}
	r.initMetrics()
	return r
}

func (r *Recorder) initMetrics() {
	r.once.Do(func() {
		r.stageTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skiff",
			Subsystem: "deploy",
			Name:      "stage_total",
			Help:      "Count of pipeline stage outcomes",
		}, []string{"stage", "outcome"})

		r.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skiff",
			Subsystem: "deploy",
			Name:      "stage_duration_seconds",
			Help:      "Latency distribution of pipeline stages",
			Buckets:   histogramBuckets,
		}, []string{"stage"})

		r.imageResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skiff",
			Subsystem: "build",
			Name:      "image_results_total",
			Help:      "Number of image build outcomes",
		}, []string{"outcome"})

		collectors := []prometheus.Collector{r.stageTotal, r.stageDuration, r.imageResults}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := already.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == r.stageTotal {
							r.stageTotal = existing
						} else {
							r.imageResults = existing
						}
					case *prometheus.HistogramVec:
						r.stageDuration = existing
					}
				}
			}
		}
		r.initialized = true
	})
}

// RecordStage records one pipeline stage outcome and its duration.
func (r *Recorder) RecordStage(stage, outcome string, duration time.Duration) {
	if !r.initialized {
		return
	}
	r.stageTotal.With(prometheus.Labels{"stage": stage, "outcome": outcome}).Inc()
	r.stageDuration.With(prometheus.Labels{"stage": stage}).Observe(duration.Seconds())
}

// RecordImageResult records whether a build produced a fresh image or reused a
// cached one.
func (r *Recorder) RecordImageResult(reused bool) {
	if !r.initialized {
		return
	}
	outcome := "built"
	if reused {
		outcome = "reused"
	}
	r.imageResults.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled. A single CLI run is
// short-lived, so the listener is opt-in and shut down with the invocation.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
