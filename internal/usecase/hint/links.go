package hint

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/usecase/state"
)

// Links выдаёт ссылку на чат проверки: приглашение из кэша или ссылку по умолчанию.
type Links struct {
	platform domain.Platform
	cache    domain.Cache
	locks    *state.Locks
	chatID   int64
	fallback string
	ttl      time.Duration
	log      zerolog.Logger
}

// ErrNoLink возвращается, если не задана ссылка на чат проверки по умолчанию.
var ErrNoLink = errors.New("не задана ссылка на чат проверки")

// NewLinks создаёт источник ссылок. cache может быть nil, fallback обязателен:
// кнопка перехода к проверке есть в каждой подсказке.
func NewLinks(platform domain.Platform, cache domain.Cache, locks *state.Locks, chatID int64, fallback string, ttl time.Duration, logger zerolog.Logger) (*Links, error) {
	if fallback == "" {
		return nil, ErrNoLink
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Links{
		platform: platform,
		cache:    cache,
		locks:    locks,
		chatID:   chatID,
		fallback: fallback,
		ttl:      ttl,
		log:      logger.With().Str("component", "links").Logger(),
	}, nil
}

// Get возвращает ссылку. Если квота приглашений занята, сразу отдаётся ссылка по умолчанию.
func (l *Links) Get(ctx context.Context) string {
	if l.cache == nil || l.chatID == 0 {
		return l.fallback
	}
	release, ok := l.locks.TryInvite()
	if !ok {
		return l.fallback
	}
	defer release()

	key := l.key()
	if b, err := l.cache.Get(ctx, key); err == nil && len(b) > 0 {
		return string(b)
	}
	err := l.cache.Once(ctx, key, l.ttl/2, func() error {
		link, err := l.platform.CreateInviteLink(ctx, l.chatID)
		if err != nil {
			return err
		}
		return l.cache.Set(ctx, key, []byte(link), l.ttl)
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("не удалось обновить ссылку-приглашение")
		return l.fallback
	}
	if b, err := l.cache.Get(ctx, key); err == nil && len(b) > 0 {
		return string(b)
	}
	return l.fallback
}

func (l *Links) key() string {
	return "invite:" + strconv.FormatInt(l.chatID, 10)
}
