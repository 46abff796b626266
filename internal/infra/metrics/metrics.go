package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	JoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "captcha_joins_total",
		Help: "Вступления в группы по результату первичной проверки",
	}, []string{"result"})

	OutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "captcha_outcomes_total",
		Help: "Итоги проверок по типу и результату",
	}, []string{"kind", "outcome"})

	FloodEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "captcha_flood_entries_total",
		Help: "Количество переходов групп в режим флуда",
	})

	WaitingUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "captcha_waiting_users",
		Help: "Пользователи, ожидающие проверки",
	})

	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	StateFlushSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "captcha_state_flush_seconds",
		Help:    "Время сохранения состояния",
		Buckets: prometheus.DefBuckets,
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		JoinsTotal,
		OutcomesTotal,
		FloodEntries,
		WaitingUsers,
		BotSendErrors,
		StateFlushSeconds,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(time.Since(start).Seconds())
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveOutcome учитывает итог проверки.
func ObserveOutcome(kind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	OutcomesTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveJoin учитывает результат обработки вступления.
func ObserveJoin(result string) {
	JoinsTotal.WithLabelValues(result).Inc()
}
