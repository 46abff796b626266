package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/adapters/bot"
	"tg-captcha-bot/internal/adapters/render"
	"tg-captcha-bot/internal/adapters/repo"
	"tg-captcha-bot/internal/adapters/telegram"
	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/infra/cache"
	"tg-captcha-bot/internal/infra/config"
	"tg-captcha-bot/internal/infra/db"
	apphttp "tg-captcha-bot/internal/infra/http"
	"tg-captcha-bot/internal/infra/log"
	"tg-captcha-bot/internal/infra/metrics"
	"tg-captcha-bot/internal/infra/queue"
	"tg-captcha-bot/internal/infra/tasks"
	"tg-captcha-bot/internal/usecase/captcha"
	"tg-captcha-bot/internal/usecase/challenge"
	"tg-captcha-bot/internal/usecase/flood"
	"tg-captcha-bot/internal/usecase/hint"
	"tg-captcha-bot/internal/usecase/questions"
	"tg-captcha-bot/internal/usecase/state"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.StartServer(ctx, logger, cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к БД")
	}
	defer pool.Close()
	stateRepo := repo.NewPostgres(pool)
	if err := stateRepo.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("не удалось подготовить схему")
	}

	store := state.NewStore(logger)
	if err := store.Load(ctx, stateRepo); err != nil {
		logger.Fatal().Err(err).Msg("не удалось загрузить состояние")
	}

	var (
		linkCache domain.Cache
		events    domain.EventPublisher
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		linkCache = cache.NewRedis(rdb, "captcha:")
		events = queue.NewRedisEventQueue(rdb, cfg.Queues.Events)
	} else {
		logger.Warn().Msg("REDIS_ADDR не задан: ссылки не кэшируются, события не публикуются")
	}

	renderer, err := render.New(cfg.Render.FontPath, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать рендерер")
	}
	pictures, err := render.LoadPictures(cfg.Render.PicsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось загрузить картинки")
	}
	gen := challenge.NewGenerator(renderer, challenge.Options{
		BaseLimit: cfg.Limits.Try,
		Kinds:     challenge.KindsFor(cfg.Captcha.Lang),
		Pictures:  pictures,
	})
	logger.Info().Interface("kinds", gen.Kinds()).Msg("типы проверок")

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось создать бота")
	}

	dispatcher := tasks.New(logger, cfg.Limits.Workers)
	locks := state.NewLocks()
	platform := telegram.NewPlatform(botAPI, logger)
	links, err := hint.NewLinks(platform, linkCache, locks, cfg.Captcha.ChatID, cfg.Captcha.Link, cfg.Times.Invite, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("CAPTCHA_LINK обязателен")
	}
	hints := hint.NewManager(platform, store, locks, dispatcher, links, hint.Config{
		MentionLimit: cfg.Limits.Mention,
		TimeCaptcha:  cfg.Times.Captcha,
	}, logger)

	svc := captcha.New(captcha.Config{
		ChatID:      cfg.Captcha.ChatID,
		NoSpamID:    cfg.Captcha.NoSpamID,
		WhiteIDs:    cfg.Captcha.WhiteIDs,
		TimeCaptcha: cfg.Times.Captcha,
		TimePunish:  cfg.Times.Punish,
		TimeRecheck: cfg.Times.Recheck,
		TimeRemove:  cfg.Times.Remove,
	}, captcha.Deps{
		Platform:  platform,
		Store:     store,
		Locks:     locks,
		Generator: gen,
		Detector:  flood.NewDetector(cfg.Limits.Flood),
		Hints:     hints,
		Questions: questions.NewRegistry(store, time.Now, nil),
		Events:    events,
		Tasks:     dispatcher,
		Logger:    logger,
	})

	h := bot.NewHandler(svc, platform, botAPI, dispatcher, bot.Config{
		ChatID:   cfg.Captcha.ChatID,
		NoSpamID: cfg.Captcha.NoSpamID,
		BotID:    botAPI.Self.ID,
	}, logger)

	go flushLoop(ctx, store, stateRepo, cfg.Times.Save, logger)

	srv := apphttp.NewServer(fmt.Sprintf(":%d", cfg.Port), logger)
	srv.Router.With(apphttp.WebhookSecretMiddleware(cfg.Telegram.WebhookSecret)).
		Post("/bot/webhook", apphttp.WebhookHandler(h.HandleUpdate))
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
			stop()
		}
	}()

	if cfg.Telegram.WebhookURL != "" {
		wh, err := tgbotapi.NewWebhook(cfg.Telegram.WebhookURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("некорректный адрес вебхука")
		}
		if _, err := botAPI.Request(wh); err != nil {
			logger.Fatal().Err(err).Msg("не удалось установить вебхук")
		}
		logger.Info().Str("url", cfg.Telegram.WebhookURL).Msg("бот запущен на вебхуке")
	} else {
		// без вебхука читаем апдейты long polling, удобно для локального запуска
		if _, err := botAPI.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			logger.Warn().Err(err).Msg("не удалось снять вебхук")
		}
		go poll(ctx, botAPI, h, logger)
	}

	<-ctx.Done()
	logger.Info().Msg("остановка бота")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP сервер завершился с ошибкой")
	}
	botAPI.StopReceivingUpdates()
	dispatcher.Stop(shutdownCtx)
	if err := finalFlush(store, stateRepo, 10*time.Second); err != nil {
		logger.Error().Err(err).Msg("не удалось сохранить состояние при остановке")
	}
}

// finalFlush сохраняет состояние со своим таймаутом, независимо от остановки остальных частей.
func finalFlush(store *state.Store, stateRepo domain.StateRepo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return store.Flush(ctx, stateRepo)
}

// flushLoop периодически сохраняет изменённое состояние.
func flushLoop(ctx context.Context, store *state.Store, stateRepo domain.StateRepo, every time.Duration, logger zerolog.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := store.Flush(ctx, stateRepo)
			metrics.StateFlushSeconds.Observe(time.Since(start).Seconds())
			if err != nil {
				logger.Error().Err(err).Msg("не удалось сохранить состояние")
			}
		}
	}
}

func poll(ctx context.Context, api *tgbotapi.BotAPI, h *bot.Handler, logger zerolog.Logger) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := api.GetUpdatesChan(u)
	logger.Info().Msg("бот запущен в режиме long polling")
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			h.HandleUpdate(ctx, upd)
		}
	}
}
