package hint

import (
	"context"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/usecase/flood"
	"tg-captcha-bot/internal/usecase/state"
)

// Triggered-подсказки: вызов администратором и по сигналу антиспама.
const (
	TriggerManual = customManual
	TriggerNoSpam = customNoSpam
)

// Config задаёт параметры подсказок.
type Config struct {
	MentionLimit int
	TimeCaptcha  time.Duration
}

// Manager отправляет и заменяет служебные сообщения в группах.
type Manager struct {
	platform domain.Platform
	store    *state.Store
	locks    *state.Locks
	tasks    domain.Tasks
	links    *Links
	cfg      Config
	log      zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewManager создаёт менеджер подсказок.
func NewManager(platform domain.Platform, store *state.Store, locks *state.Locks, tasks domain.Tasks, links *Links, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.MentionLimit <= 0 {
		cfg.MentionLimit = 5
	}
	if cfg.TimeCaptcha <= 0 {
		cfg.TimeCaptcha = 5 * time.Minute
	}
	return &Manager{
		platform: platform,
		store:    store,
		locks:    locks,
		tasks:    tasks,
		links:    links,
		cfg:      cfg,
		log:      logger.With().Str("component", "hint").Logger(),
		rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// SendRegular публикует подсказку для ожидающих и заменяет предыдущую.
// Для одного участника кнопка проверки статуса не добавляется.
func (m *Manager) SendRegular(ctx context.Context, gid int64, waiting []Mention) (int, error) {
	g := m.store.Group(gid)
	var text string
	single := len(waiting) == 1
	if single {
		text = singleText(g.CustomTexts, waiting[0], m.cfg.TimeCaptcha)
	} else {
		text = multiText(g.CustomTexts, m.sample(waiting), len(waiting), m.cfg.TimeCaptcha)
	}
	return m.replaceHint(ctx, gid, text, m.markup(ctx, g, !single), true)
}

// SendQuestion публикует вопрос группы с кнопками ответов.
func (m *Manager) SendQuestion(ctx context.Context, gid int64, waiting []Mention, question string, answers []string, timeout time.Duration) (int, error) {
	g := m.store.Group(gid)
	mk := &domain.Markup{}
	for i, a := range answers {
		mk.AddRow(domain.Button{Text: a, Data: DataQnsPref + strconv.Itoa(i)})
	}
	if len(waiting) > 1 {
		mk.AddRow(domain.Button{Text: "Проверить статус", Data: DataCheck})
	}
	if g.Pinned.OldID != 0 {
		mk.AddRow(domain.Button{Text: "Закреплённое сообщение", URL: MessageLink(gid, g.Pinned.OldID)})
	}
	text := questionText(g.CustomTexts, m.sample(waiting), question, timeout)
	return m.replaceHint(ctx, gid, text, mk, false)
}

// SendTriggered отправляет персональную подсказку в ответ на сообщение пользователя.
// Подсказка удаляется по истечении времени проверки.
func (m *Manager) SendTriggered(ctx context.Context, gid int64, kind string, who Mention, replyTo int) (int, error) {
	g := m.store.Group(gid)
	text := triggeredText(g.CustomTexts, kind, who, m.cfg.TimeCaptcha)
	mid, err := m.platform.SendMessage(ctx, gid, text, replyTo, m.markup(ctx, g, false))
	if err != nil {
		return 0, &domain.SendError{Op: "triggered hint", Err: err}
	}
	now := time.Now()
	_ = m.store.UpdateGroup(gid, func(g *domain.GroupState) error {
		if kind == TriggerNoSpam {
			g.Messages.NoSpam[mid] = now
		} else {
			g.Messages.Manual[mid] = now
		}
		return nil
	})
	m.tasks.After("expire triggered hint", m.cfg.TimeCaptcha, func(ctx context.Context) {
		_ = m.store.UpdateGroup(gid, func(g *domain.GroupState) error {
			delete(g.Messages.Manual, mid)
			delete(g.Messages.NoSpam, mid)
			return nil
		})
		m.deleteNow(ctx, gid, mid)
	})
	return mid, nil
}

// EnterFlood публикует уведомление о флуде и убирает прежние подсказки.
// При pin уведомление закрепляется; повторный вызов в том же окне ничего не делает.
func (m *Manager) EnterFlood(ctx context.Context, gid int64, count int, pin bool) error {
	if pin {
		return state.Critical(&m.locks.Pin, func() error {
			return m.pinFlood(ctx, gid, count)
		})
	}
	g := m.store.Group(gid)
	mid, err := m.platform.SendMessage(ctx, gid, floodText(g.CustomTexts, count), 0, m.markup(ctx, g, true))
	if err != nil {
		return &domain.SendError{Op: "flood notice", Err: err}
	}
	m.recordFlood(gid, mid)
	return nil
}

func (m *Manager) pinFlood(ctx context.Context, gid int64, count int) error {
	g := m.store.Group(gid)
	if g.Pinned.NewID != 0 {
		return nil
	}
	old, err := m.platform.PinnedMessage(ctx, gid)
	if err != nil {
		m.log.Warn().Err(err).Int64("group", gid).Msg("не удалось получить закреплённое сообщение")
		old = 0
	}
	mid, err := m.platform.SendMessage(ctx, gid, floodText(g.CustomTexts, count), 0, m.markup(ctx, g, true))
	if err != nil {
		return &domain.SendError{Op: "flood notice", Err: err}
	}
	m.recordFlood(gid, mid)
	if err := m.platform.PinMessage(ctx, gid, mid); err != nil {
		m.log.Warn().Err(err).Int64("group", gid).Msg("не удалось закрепить уведомление о флуде")
		return nil
	}
	return m.store.UpdateGroup(gid, func(g *domain.GroupState) error {
		g.Pinned.OldID = old
		g.Pinned.NewID = mid
		return nil
	})
}

// ExitFlood возвращает закрепление, которое было до флуда.
func (m *Manager) ExitFlood(gid int64, v flood.Verdict) {
	if !v.Exited || v.RestoreID == 0 || v.RestoreID == v.NoticeID {
		return
	}
	restore := v.RestoreID
	m.tasks.Go("restore pin", func(ctx context.Context) {
		if err := m.platform.PinMessage(ctx, gid, restore); err != nil {
			m.log.Warn().Err(err).Int64("group", gid).Msg("не удалось вернуть закрепление")
		}
	})
}

// SendStatic публикует постоянную подсказку и удаляет предыдущую.
func (m *Manager) SendStatic(ctx context.Context, gid int64) (int, error) {
	g := m.store.Group(gid)
	mid, err := m.platform.SendMessage(ctx, gid, staticText(g.CustomTexts), 0, m.markup(ctx, g, true))
	if err != nil {
		return 0, &domain.SendError{Op: "static hint", Err: err}
	}
	var old int
	_ = m.store.UpdateGroup(gid, func(g *domain.GroupState) error {
		old = g.Messages.Static
		g.Messages.Static = mid
		return nil
	})
	m.DeleteLater(gid, old)
	return mid, nil
}

// ClearHint удаляет текущую подсказку группы, если ожидающих не осталось.
func (m *Manager) ClearHint(gid int64) {
	var stale []int
	_ = state.Critical(&m.locks.Message, func() error {
		if m.store.WaitingCount(gid) > 0 {
			return nil
		}
		return m.store.UpdateGroup(gid, func(g *domain.GroupState) error {
			if g.Messages.Hint != 0 {
				stale = append(stale, g.Messages.Hint)
				g.Messages.Hint = 0
			}
			return nil
		})
	})
	m.DeleteLater(gid, stale...)
}

// Notice отправляет короткое уведомление и удаляет его через ttl.
func (m *Manager) Notice(ctx context.Context, cid int64, text string, replyTo int, ttl time.Duration) (int, error) {
	mid, err := m.platform.SendMessage(ctx, cid, text, replyTo, nil)
	if err != nil {
		return 0, &domain.SendError{Op: "notice", Err: err}
	}
	if ttl > 0 {
		m.tasks.After("expire notice", ttl, func(ctx context.Context) {
			m.deleteNow(ctx, cid, mid)
		})
	}
	return mid, nil
}

// DeleteLater удаляет сообщения в фоне. Нулевые id пропускаются.
func (m *Manager) DeleteLater(cid int64, mids ...int) {
	ids := make([]int, 0, len(mids))
	for _, id := range mids {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	m.tasks.Go("delete messages", func(ctx context.Context) {
		m.deleteNow(ctx, cid, ids...)
	})
}

// Link возвращает ссылку на чат проверки.
func (m *Manager) Link(ctx context.Context) string {
	return m.links.Get(ctx)
}

func (m *Manager) deleteNow(ctx context.Context, cid int64, mids ...int) {
	if err := m.platform.DeleteMessages(ctx, cid, mids...); err != nil {
		m.log.Debug().Err(err).Int64("chat", cid).Ints("messages", mids).Msg("не удалось удалить сообщения")
	}
}

// replaceHint отправляет новую подсказку и атомарно заменяет ею текущую.
// С quietInFlood во время флуда подсказка не отправляется, mid равен 0.
func (m *Manager) replaceHint(ctx context.Context, gid int64, text string, mk *domain.Markup, quietInFlood bool) (int, error) {
	var (
		mid   int
		stale []int
	)
	err := state.Critical(&m.locks.Message, func() error {
		if quietInFlood && flood.Active(m.store.Group(gid).Pinned) {
			// уведомление о флуде уже заменило подсказки
			return nil
		}
		var err error
		mid, err = m.platform.SendMessage(ctx, gid, text, 0, mk)
		if err != nil {
			return &domain.SendError{Op: "hint", Err: err}
		}
		return m.store.UpdateGroup(gid, func(g *domain.GroupState) error {
			if g.Messages.Hint != 0 {
				stale = append(stale, g.Messages.Hint)
			}
			g.Messages.Hint = mid
			stale = append(stale, g.Messages.TakeFlood()...)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	m.DeleteLater(gid, stale...)
	return mid, nil
}

func (m *Manager) recordFlood(gid int64, mid int) {
	var stale []int
	_ = state.Critical(&m.locks.Message, func() error {
		return m.store.UpdateGroup(gid, func(g *domain.GroupState) error {
			if g.Messages.Hint != 0 {
				stale = append(stale, g.Messages.Hint)
				g.Messages.Hint = 0
			}
			stale = append(stale, g.Messages.TakeFlood()...)
			g.Messages.AddFlood(mid)
			return nil
		})
	})
	m.DeleteLater(gid, stale...)
}

func (m *Manager) markup(ctx context.Context, g domain.GroupState, check bool) *domain.Markup {
	mk := &domain.Markup{}
	var row []domain.Button
	if check {
		row = append(row, domain.Button{Text: "Проверить статус", Data: DataCheck})
	}
	row = append(row, domain.Button{Text: "Пройти проверку", URL: m.links.Get(ctx)})
	mk.AddRow(row...)
	if g.Pinned.OldID != 0 {
		mk.AddRow(domain.Button{Text: "Закреплённое сообщение", URL: MessageLink(g.ID, g.Pinned.OldID)})
	}
	return mk
}

// sample оставляет не больше MentionLimit упоминаний, сохраняя порядок.
func (m *Manager) sample(ms []Mention) []Mention {
	if len(ms) <= m.cfg.MentionLimit {
		return ms
	}
	m.mu.Lock()
	idx := m.rnd.Perm(len(ms))[:m.cfg.MentionLimit]
	m.mu.Unlock()
	sort.Ints(idx)
	out := make([]Mention, 0, len(idx))
	for _, i := range idx {
		out = append(out, ms[i])
	}
	return out
}
