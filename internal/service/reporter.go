package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/citylord/trajectory-engine/internal/filter"
	"github.com/citylord/trajectory-engine/internal/metrics"
	"github.com/citylord/trajectory-engine/internal/models"
	"github.com/citylord/trajectory-engine/pkg/utils"
)

// ReportSink получатель отчетов античита
type ReportSink interface {
	RecordSuspiciousActivity(ctx context.Context, report *models.SuspiciousActivityReport) error
}

// ActivityReporter принимает отчеты без ожидания доставки
type ActivityReporter interface {
	Report(report *models.SuspiciousActivityReport)
}

// ReporterConfig параметры доставки отчетов
type ReporterConfig struct {
	MaxInFlight        int
	Timeout            time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// DefaultReporterConfig возвращает конфигурацию по умолчанию
func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{
		MaxInFlight:        64,
		Timeout:            3 * time.Second,
		BreakerFailures:    5,
		BreakerOpenTimeout: 30 * time.Second,
	}
}

// Reporter асинхронно доставляет отчеты в sink.
// Report никогда не блокирует запрос и не возвращает ошибку: при переполнении
// отчет отбрасывается, ошибки sink только логируются и считаются.
type Reporter struct {
	sink    ReportSink
	config  ReporterConfig
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *utils.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

const reportBreakerName = "report-sink"

// NewReporter создает reporter поверх sink
func NewReporter(sink ReportSink, cfg ReporterConfig, logger *utils.Logger) *Reporter {
	defaults := DefaultReporterConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaults.MaxInFlight
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = defaults.BreakerOpenTimeout
	}

	metrics.BreakerStateChanged(reportBreakerName, gobreaker.StateClosed)

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        reportBreakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithField("breaker", name).
				WithField("from", from.String()).
				WithField("to", to.String()).
				Warn("Report sink circuit breaker state changed")
			metrics.BreakerStateChanged(name, to)
		},
	})

	return &Reporter{
		sink:    sink,
		config:  cfg,
		breaker: breaker,
		logger:  logger,
		sem:     make(chan struct{}, cfg.MaxInFlight),
	}
}

// Report ставит отчет в доставку
func (r *Reporter) Report(report *models.SuspiciousActivityReport) {
	if report == nil {
		return
	}

	select {
	case r.sem <- struct{}{}:
	default:
		metrics.ReportsTotal.WithLabelValues(string(report.Kind), "dropped").Inc()
		r.logger.WithField("user_id", report.UserID).
			WithField("kind", report.Kind).
			WithField("max_in_flight", r.config.MaxInFlight).
			Warn("Report queue saturated, dropping report")
		return
	}

	r.wg.Add(1)
	metrics.ReportsInFlight.Inc()
	go r.deliver(report)
}

func (r *Reporter) deliver(report *models.SuspiciousActivityReport) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ReportsTotal.WithLabelValues(string(report.Kind), "failed").Inc()
			r.logger.WithField("panic", rec).
				WithField("report_id", report.ID).
				Error("Report sink panicked")
		}
		<-r.sem
		metrics.ReportsInFlight.Dec()
		r.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	_, err := r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.sink.RecordSuspiciousActivity(ctx, report)
	})
	if err != nil {
		metrics.ReportsTotal.WithLabelValues(string(report.Kind), "failed").Inc()
		entry := r.logger.WithError(err).
			WithField("report_id", report.ID).
			WithField("user_id", report.UserID).
			WithField("kind", report.Kind)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			entry.Debug("Report rejected by open circuit breaker")
			return
		}
		entry.Error("Failed to deliver suspicious activity report")
		return
	}

	metrics.ReportsTotal.WithLabelValues(string(report.Kind), "delivered").Inc()
}

// Wait ждет завершения всех доставок
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// newReport собирает запись аудита по находке фильтра
func newReport(userID, sessionID string, source models.ReportSource, f *filter.Finding, now time.Time) *models.SuspiciousActivityReport {
	return &models.SuspiciousActivityReport{
		ID:               uuid.NewString(),
		UserID:           userID,
		SessionID:        sessionID,
		Kind:             f.Kind,
		Severity:         f.Severity,
		Source:           source,
		Location:         f.Location,
		ReportedSpeedKmh: f.SpeedKmh,
		CreatedAt:        now,
	}
}

// LogSink пишет отчеты в лог, используется когда других sink нет
type LogSink struct {
	logger *utils.Logger
}

// NewLogSink создает sink в лог
func NewLogSink(logger *utils.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// RecordSuspiciousActivity логирует отчет
func (s *LogSink) RecordSuspiciousActivity(ctx context.Context, report *models.SuspiciousActivityReport) error {
	s.logger.WithFields(map[string]interface{}{
		"report_id":  report.ID,
		"user_id":    report.UserID,
		"session_id": report.SessionID,
		"kind":       report.Kind,
		"severity":   report.Severity,
		"source":     report.Source,
		"lat":        report.Location.Latitude,
		"lng":        report.Location.Longitude,
		"speed_kmh":  report.ReportedSpeedKmh,
	}).Warn("Suspicious activity")
	return nil
}

// MultiSink рассылает отчет во все sink и собирает ошибки
type MultiSink []ReportSink

// RecordSuspiciousActivity вызывает каждый sink, один отказ не останавливает остальные
func (m MultiSink) RecordSuspiciousActivity(ctx context.Context, report *models.SuspiciousActivityReport) error {
	var errs []error
	for i, sink := range m {
		if err := sink.RecordSuspiciousActivity(ctx, report); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
