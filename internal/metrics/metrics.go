package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_messages_received_total",
			Help: "Total number of raw messages received from the transport",
		},
		[]string{"exchange"},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_reconnects_total",
			Help: "Total number of reconnect attempts per feed",
		},
		[]string{"exchange"},
	)

	QueueOverflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_queue_overflows_total",
			Help: "Total number of receive queue overflows (epoch-fatal)",
		},
		[]string{"exchange"},
	)

	ReceiveQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickstream_receive_queue_size",
			Help: "Current depth of the receive queue",
		},
		[]string{"exchange"},
	)

	ReceiveQueueCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tickstream_receive_queue_capacity",
			Help: "Capacity of the receive queue",
		},
		[]string{"exchange"},
	)

	// Decode metrics
	EventsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_events_decoded_total",
			Help: "Total number of events decoded",
		},
		[]string{"exchange", "kind"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_decode_errors_total",
			Help: "Total number of malformed payloads skipped at decode",
		},
		[]string{"exchange"},
	)

	DecodeSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_decode_skipped_total",
			Help: "Total number of non-data frames skipped (acks, pongs, welcomes)",
		},
		[]string{"exchange"},
	)

	// Pipeline metrics
	EventsFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_events_filtered_total",
			Help: "Total number of events dropped by the filter stage",
		},
		[]string{"exchange", "reason"},
	)

	BatchesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_batches_emitted_total",
			Help: "Total number of batches emitted by the batcher",
		},
		[]string{"exchange", "trigger"}, // trigger: size, window, drain
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tickstream_batch_size",
			Help:    "Number of events per emitted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	StaleBatchesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_stale_batches_discarded_total",
			Help: "Total number of partial batches discarded on reconnect",
		},
		[]string{"exchange"},
	)

	// Storage metrics
	BatchesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_batches_committed_total",
			Help: "Total number of batches committed to storage",
		},
		[]string{"exchange"},
	)

	BatchesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_batches_dropped_total",
			Help: "Total number of batches dropped after exhausting commit retries",
		},
		[]string{"exchange"},
	)

	RowsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickstream_rows_inserted_total",
			Help: "Total number of tick rows inserted",
		},
	)

	DuplicatesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickstream_duplicates_skipped_total",
			Help: "Total number of re-delivered rows skipped by the uniqueness key",
		},
	)

	CommitRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tickstream_commit_retries_total",
			Help: "Total number of storage commit retries",
		},
	)

	CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tickstream_commit_duration_seconds",
			Help:    "Time taken to commit a batch to storage",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Relay metrics
	RelayPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_relay_published_total",
			Help: "Total number of events forwarded to the relay topic",
		},
		[]string{"status"}, // status: success, failed
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickstream_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
