package main

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-captcha-bot/internal/adapters/telegram"
	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/infra/config"
	applog "tg-captcha-bot/internal/infra/log"
	"tg-captcha-bot/internal/infra/metrics"
	"tg-captcha-bot/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv).With().Str("component", "monitor").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("monitor: не указан адрес Redis (REDIS_ADDR)")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	events := queue.NewRedisEventQueue(rdb, cfg.Queues.Events)

	var platform domain.Platform
	if cfg.Monitor.ChatID != 0 {
		botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Fatal().Err(err).Msg("monitor: не удалось создать бота")
		}
		platform = telegram.NewPlatform(botAPI, logger)
	}

	logger.Info().Str("queue", cfg.Queues.Events).Msg("monitor: чтение событий")
	for {
		ev, err := events.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Info().Msg("monitor: остановка")
				return
			}
			logger.Error().Err(err).Msg("monitor: не удалось прочитать событие")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		logger.Info().
			Str("id", ev.ID).
			Str("kind", string(ev.Kind)).
			Int64("group", ev.GroupID).
			Int64("user", ev.UserID).
			Str("status", ev.Status).
			Time("at", ev.At).
			Msg("событие")
		if platform == nil {
			continue
		}
		if _, err := platform.SendMessage(ctx, cfg.Monitor.ChatID, formatEvent(ev), 0, nil); err != nil {
			metrics.BotSendErrors.Inc()
			logger.Warn().Err(err).Str("id", ev.ID).Msg("monitor: не удалось переслать событие")
		}
	}
}

func formatEvent(ev domain.Event) string {
	text := fmt.Sprintf("<b>%s</b> группа <code>%d</code>", html.EscapeString(string(ev.Kind)), ev.GroupID)
	if ev.UserID != 0 {
		text += fmt.Sprintf(", пользователь <code>%d</code>", ev.UserID)
	}
	if ev.AdminID != 0 {
		text += fmt.Sprintf(", администратор <code>%d</code>", ev.AdminID)
	}
	if ev.Status != "" {
		text += "\n" + html.EscapeString(ev.Status)
	}
	if ev.Detail != "" {
		text += "\n" + html.EscapeString(ev.Detail)
	}
	return text
}
