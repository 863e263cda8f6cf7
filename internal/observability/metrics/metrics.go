package metrics

import (
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "ingest_"

	resultSuccess = "success"
	resultError   = "error"

	messageResultAccepted  = "accepted"
	messageResultMalformed = "malformed"

	dropReasonPersistence = "persistence"
)

var (
	registerOnce sync.Once

	messagesTotal   *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	transportErrors prometheus.Counter
	flushesTotal    *prometheus.CounterVec
	flushRows       prometheus.Histogram
	flushLatency    *prometheus.HistogramVec
	droppedRows     *prometheus.CounterVec
	pendingRows     prometheus.Gauge
	deadLetterTotal prometheus.Counter
)

// Init registers pipeline metrics and, when pool is non-nil, pool gauges.
func Init(pool *pgxpool.Pool, logger *log.Logger) {
	InitWith(prometheus.DefaultRegisterer, pool, logger)
}

// InitWith registers metrics on reg. Only the first call has an effect.
func InitWith(reg prometheus.Registerer, pool *pgxpool.Pool, logger *log.Logger) {
	registerOnce.Do(func() {
		messagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_total",
				Help: "Total received messages by decode result",
			},
			[]string{"result"},
		)
		decodeErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "decode_errors_total",
				Help: "Total payloads dropped as malformed",
			},
		)
		transportErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "transport_errors_total",
				Help: "Total broker connection failures",
			},
		)
		flushesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "flushes_total",
				Help: "Total batch flushes by trigger and result",
			},
			[]string{"trigger", "result"},
		)
		flushRows = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "flush_rows",
				Help:    "Rows per flushed batch",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		)
		flushLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "flush_latency_seconds",
				Help:    "Batch write latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		droppedRows = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dropped_rows_total",
				Help: "Rows discarded without being stored, by reason",
			},
			[]string{"reason"},
		)
		pendingRows = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "pending_rows",
				Help: "Rows in the open batch",
			},
		)
		deadLetterTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "dead_letter_batches_total",
				Help: "Total batches handed to the dead-letter store",
			},
		)

		reg.MustRegister(
			messagesTotal,
			decodeErrors,
			transportErrors,
			flushesTotal,
			flushRows,
			flushLatency,
			droppedRows,
			pendingRows,
			deadLetterTotal,
		)

		if pool != nil {
			registerPoolMetrics(reg, pool, logger)
		}
	})
}

// IncMessage counts a received message.
func IncMessage(result string) {
	if result == "" {
		result = "unknown"
	}
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(result).Inc()
	}
}

// IncDecodeError counts a malformed payload.
func IncDecodeError() {
	if decodeErrors != nil {
		decodeErrors.Inc()
	}
}

// IncTransportError counts a connection failure.
func IncTransportError() {
	if transportErrors != nil {
		transportErrors.Inc()
	}
}

// ObserveFlush records one batch write.
func ObserveFlush(trigger, result string, rows int, duration time.Duration) {
	if trigger == "" {
		trigger = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if flushesTotal != nil {
		flushesTotal.WithLabelValues(trigger, result).Inc()
	}
	if flushRows != nil {
		flushRows.Observe(float64(rows))
	}
	if flushLatency != nil {
		flushLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddDroppedRows counts rows lost for reason.
func AddDroppedRows(reason string, rows int) {
	if rows <= 0 {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	if droppedRows != nil {
		droppedRows.WithLabelValues(reason).Add(float64(rows))
	}
}

// SetPendingRows sets the size of the open batch.
func SetPendingRows(rows int) {
	if pendingRows != nil {
		pendingRows.Set(float64(rows))
	}
}

// IncDeadLetter counts a dead-lettered batch.
func IncDeadLetter() {
	if deadLetterTotal != nil {
		deadLetterTotal.Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	MessageResultAccepted  = messageResultAccepted
	MessageResultMalformed = messageResultMalformed

	DropReasonPersistence = dropReasonPersistence
)
