package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bot_messages_received_total",
		Help: "Total number of messages received, by dispatch mode",
	}, []string{"mode"})

	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bot_messages_processed_total",
		Help: "Total number of messages processed",
	}, []string{"status"})

	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	aiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_bot_ai_request_duration_seconds",
		Help:    "Duration of AI requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "status"})

	aiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bot_ai_requests_total",
		Help: "Total number of AI requests",
	}, []string{"backend", "status"})

	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bot_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events, by dispatch mode",
	}, []string{"mode"})

	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_bot_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	setChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_bot_set_channels",
		Help: "Number of channels configured for continuous conversation",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageReceived records a classified message
func (m *Metrics) RecordMessageReceived(mode string) {
	messagesReceived.WithLabelValues(mode).Inc()
}

// RecordMessageProcessed records a processed message
func (m *Metrics) RecordMessageProcessed(status string) {
	messagesProcessed.WithLabelValues(status).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordAIRequest records an AI request
func (m *Metrics) RecordAIRequest(backend, status string, duration time.Duration) {
	aiRequestDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
	aiRequestsTotal.WithLabelValues(backend, status).Inc()
}

// RecordRateLimitExceeded records a denied admission
func (m *Metrics) RecordRateLimitExceeded(mode string) {
	rateLimitExceeded.WithLabelValues(mode).Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetSetChannels sets the number of set channels
func (m *Metrics) SetSetChannels(count int) {
	setChannels.Set(float64(count))
}

// NewMetricsRouter serves the prometheus handler and a health check
func NewMetricsRouter(path string) *mux.Router {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return router
}

// StartMetricsServer serves metrics until ctx is cancelled
func StartMetricsServer(ctx context.Context, port int, path string) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewMetricsRouter(path),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
