package captcha

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/infra/metrics"
	"tg-captcha-bot/internal/usecase/challenge"
	"tg-captcha-bot/internal/usecase/flood"
	"tg-captcha-bot/internal/usecase/hint"
	"tg-captcha-bot/internal/usecase/questions"
	"tg-captcha-bot/internal/usecase/state"
)

// Длительность служебных уведомлений о результате.
const (
	noticeRetry   = 10 * time.Second
	noticeSuccess = 20 * time.Second
	noticeFailure = 15 * time.Second
	noticeOther   = 5 * time.Second

	// MaxPassCount ограничивает число ручных пропусков в группе.
	MaxPassCount = 100
	// ConfigCooldown задаёт минимальный интервал между изменениями настроек.
	ConfigCooldown = 310 * time.Second
	// stillInChat добавляется к TimeRemove, пока прошедший проверку ещё в чате проверки.
	stillInChat = 30 * time.Second
	minQnsTime  = 30 * time.Second
)

// Config задаёт параметры движка проверок.
type Config struct {
	// ChatID указывает чат, где выдаются проверки.
	ChatID int64
	// NoSpamID указывает бота антиспама, чьи ответы запускают проверку.
	NoSpamID int64
	// WhiteIDs пропускаются без проверки, если в группе включён pass.
	WhiteIDs []int64

	TimeCaptcha time.Duration
	TimePunish  time.Duration
	TimeRecheck time.Duration
	TimeRemove  time.Duration
}

// Deps собирает зависимости движка.
type Deps struct {
	Platform  domain.Platform
	Store     *state.Store
	Locks     *state.Locks
	Generator *challenge.Generator
	Detector  *flood.Detector
	Hints     *hint.Manager
	Questions *questions.Registry
	Events    domain.EventPublisher
	Tasks     domain.Tasks
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Service проверяет новых участников групп.
type Service struct {
	cfg       Config
	platform  domain.Platform
	store     *state.Store
	locks     *state.Locks
	gen       *challenge.Generator
	detector  *flood.Detector
	hints     *hint.Manager
	questions *questions.Registry
	events    domain.EventPublisher
	tasks     domain.Tasks
	now       func() time.Time
	log       zerolog.Logger
	white     map[int64]struct{}
}

// New создаёт движок.
func New(cfg Config, d Deps) *Service {
	if cfg.TimeCaptcha <= 0 {
		cfg.TimeCaptcha = 5 * time.Minute
	}
	if cfg.TimePunish <= 0 {
		cfg.TimePunish = 10 * time.Minute
	}
	if cfg.TimeRecheck <= 0 {
		cfg.TimeRecheck = 30 * time.Minute
	}
	if cfg.TimeRemove <= 0 {
		cfg.TimeRemove = 5 * time.Minute
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	white := make(map[int64]struct{}, len(cfg.WhiteIDs))
	for _, id := range cfg.WhiteIDs {
		white[id] = struct{}{}
	}
	return &Service{
		cfg:       cfg,
		platform:  d.Platform,
		store:     d.Store,
		locks:     d.Locks,
		gen:       d.Generator,
		detector:  d.Detector,
		hints:     d.Hints,
		questions: d.Questions,
		events:    d.Events,
		tasks:     d.Tasks,
		now:       d.Now,
		log:       d.Logger.With().Str("component", "captcha").Logger(),
		white:     white,
	}
}

// QnsTimeout возвращает время на ответ на вопрос группы.
func (s *Service) QnsTimeout() time.Duration {
	if half := s.cfg.TimeCaptcha / 2; half > minQnsTime {
		return half
	}
	return minQnsTime
}

// guard перехватывает панику на границе операции.
func (s *Service) guard(op string, gid, uid int64, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	s.log.Error().
		Str("op", op).
		Int64("group", gid).
		Int64("user", uid).
		Interface("panic", r).
		Bytes("stack", debug.Stack()).
		Msg("паника при обработке")
	if errp != nil {
		*errp = fmt.Errorf("%s: внутренняя ошибка", op)
	}
}

// guardIssue дополнительно снимает ограничения, чтобы никто не остался заблокированным.
func (s *Service) guardIssue(ctx context.Context, op string, gid, uid int64, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	s.log.Error().
		Str("op", op).
		Int64("group", gid).
		Int64("user", uid).
		Interface("panic", r).
		Bytes("stack", debug.Stack()).
		Msg("паника при выдаче проверки")
	if uid != 0 {
		func() {
			defer func() { _ = recover() }()
			if gid != 0 && gid != s.cfg.ChatID {
				s.rollback(ctx, uid, gid)
				return
			}
			s.rollbackAll(ctx, uid)
		}()
	}
	if errp != nil {
		*errp = fmt.Errorf("%s: внутренняя ошибка", op)
	}
}

// rollbackAll снимает ожидание и ограничения во всех группах пользователя.
// Нужен только при сбое выдачи проверки в чате проверки.
func (s *Service) rollbackAll(ctx context.Context, uid int64) {
	u, ok := s.store.User(uid)
	if !ok {
		return
	}
	for _, gid := range u.WaitGroups() {
		s.rollback(ctx, uid, gid)
	}
}

// rollback снимает ожидание и ограничения только в группе gid. Сообщение
// проверки удаляется, когда других ожиданий не осталось.
func (s *Service) rollback(ctx context.Context, uid, gid int64) {
	before, _ := s.store.User(uid)
	if !s.store.Rollback(uid, gid) {
		return
	}
	if err := s.platform.UnrestrictMember(ctx, gid, uid); err != nil {
		s.log.Warn().Err(err).Int64("group", gid).Int64("user", uid).Msg("не удалось снять ограничения при откате")
	}
	s.hints.ClearHint(gid)
	s.syncGauge()
	if after, _ := s.store.User(uid); len(after.Wait) == 0 && before.MessageID != 0 && s.cfg.ChatID != 0 {
		s.hints.DeleteLater(s.cfg.ChatID, before.MessageID)
	}
}

// succeed завершает ожидание успехом в указанных группах.
func (s *Service) succeed(ctx context.Context, uid int64, gids []int64, kind domain.ChallengeKind, eventKind domain.EventKind, aid int64) {
	now := s.now()
	before, _ := s.store.User(uid)
	returnLink := s.returnLink(before)
	var done []int64
	for _, gid := range gids {
		if !s.store.MarkSucceeded(uid, gid, now) {
			continue
		}
		done = append(done, gid)
		if err := s.platform.UnrestrictMember(ctx, gid, uid); err != nil {
			s.log.Warn().Err(err).Int64("group", gid).Int64("user", uid).Msg("не удалось снять ограничения")
		}
		s.hints.ClearHint(gid)
		ev := domain.NewEvent(eventKind, gid, uid, now)
		ev.AdminID = aid
		ev.Detail = string(kind)
		s.publish(ev)
		metrics.ObserveOutcome(string(kind), string(domain.OutcomeSucceeded))
	}
	s.syncGauge()
	if len(done) == 0 {
		return
	}
	s.finishChallenge(ctx, uid, done, before, kind, func(who string) string {
		text := who + ", проверка пройдена. Теперь вы можете писать в группе."
		if returnLink != "" {
			text += fmt.Sprintf("\n<a href=\"%s\">Вернуться в группу</a>", returnLink)
		}
		return text
	}, noticeSuccess)
}

// fail завершает ожидание неудачей и наказывает пользователя.
func (s *Service) fail(ctx context.Context, uid int64, gids []int64, kind domain.ChallengeKind, outcome domain.Outcome) {
	now := s.now()
	before, _ := s.store.User(uid)
	var done []int64
	for _, gid := range gids {
		if !s.store.MarkFailed(uid, gid, now) {
			continue
		}
		done = append(done, gid)
		g := s.store.Group(gid)
		s.punish(ctx, gid, uid, g.Config, before.JoinMID[gid], now)
		s.hints.ClearHint(gid)
		ev := domain.NewEvent(domain.EventFailed, gid, uid, now)
		ev.Status = string(outcome)
		ev.Detail = string(kind)
		s.publish(ev)
		metrics.ObserveOutcome(string(kind), string(outcome))
	}
	s.syncGauge()
	if len(done) == 0 {
		return
	}
	ttl := noticeFailure
	reason := "проверка не пройдена."
	if outcome == domain.OutcomeExpired {
		ttl = noticeOther
		reason = "время на проверку истекло."
	}
	s.finishChallenge(ctx, uid, done, before, kind, func(who string) string {
		return who + ", " + reason
	}, ttl)
}

// finishChallenge убирает сообщение проверки и уведомляет пользователя, когда ожиданий не осталось.
func (s *Service) finishChallenge(ctx context.Context, uid int64, gids []int64, before domain.UserRecord, kind domain.ChallengeKind, text func(who string) string, ttl time.Duration) {
	who := hint.MentionHTML(hint.Mention{ID: uid, Name: before.Name})
	if kind == domain.KindQns {
		for _, gid := range gids {
			s.notice(ctx, gid, text(who), 0, ttl)
		}
		return
	}
	after, _ := s.store.User(uid)
	if len(after.Wait) > 0 {
		return
	}
	if before.MessageID == 0 || s.cfg.ChatID == 0 {
		return
	}
	s.hints.DeleteLater(s.cfg.ChatID, before.MessageID)
	s.notice(ctx, s.cfg.ChatID, text(who), 0, ttl)
}

// punish применяет наказание по настройкам группы.
func (s *Service) punish(ctx context.Context, gid, uid int64, cfg domain.GroupConfig, joinMID int, now time.Time) {
	var err error
	action := "kick"
	switch {
	case cfg.Ban:
		action = "ban"
		until := time.Time{}
		if cfg.Forgive {
			until = now.Add(s.cfg.TimePunish)
		}
		err = s.platform.BanMember(ctx, gid, uid, until)
	case cfg.Restrict:
		action = "restrict"
	default:
		err = s.platform.KickMember(ctx, gid, uid)
	}
	if err != nil {
		s.log.Warn().Err(err).Int64("group", gid).Int64("user", uid).Str("action", action).Msg("не удалось наказать пользователя")
	}
	if cfg.Delete && joinMID != 0 {
		s.hints.DeleteLater(gid, joinMID)
	}
	ev := domain.NewEvent(domain.EventPunished, gid, uid, now)
	ev.Status = action
	s.publish(ev)
}

func (s *Service) returnLink(u domain.UserRecord) string {
	gids := u.WaitGroups()
	if len(gids) == 0 {
		return ""
	}
	g := s.store.Group(gids[0])
	if g.Messages.Hint <= 1 {
		return ""
	}
	// сообщение перед подсказкой и есть вступление пользователя
	return hint.MessageLink(gids[0], g.Messages.Hint-1)
}

func (s *Service) notice(ctx context.Context, cid int64, text string, replyTo int, ttl time.Duration) {
	if _, err := s.hints.Notice(ctx, cid, text, replyTo, ttl); err != nil {
		metrics.BotSendErrors.Inc()
		s.log.Warn().Err(err).Int64("chat", cid).Msg("не удалось отправить уведомление")
	}
}

func (s *Service) publish(ev domain.Event) {
	if s.events == nil {
		return
	}
	s.tasks.Go("publish event", func(ctx context.Context) {
		if err := s.events.Publish(ctx, ev); err != nil {
			s.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("не удалось опубликовать событие")
		}
	})
}

func (s *Service) syncGauge() {
	metrics.WaitingUsers.Set(float64(s.store.TotalWaiting()))
}

func (s *Service) mentions(gid int64) []hint.Mention {
	uids := s.store.WaitingUsers(gid)
	out := make([]hint.Mention, 0, len(uids))
	for _, uid := range uids {
		u, _ := s.store.User(uid)
		out = append(out, hint.Mention{ID: uid, Name: u.Name})
	}
	return out
}

// expired сообщает, истекло ли время ожидания пользователя в группе.
func (s *Service) expired(u domain.UserRecord, gid int64, now time.Time) bool {
	at, ok := u.Wait[gid]
	if !ok {
		return false
	}
	limit := s.cfg.TimeCaptcha
	if _, qns := u.QnsTag[gid]; qns {
		limit = s.QnsTimeout()
	}
	return now.Sub(at) > limit
}

// expireGroup завершает просроченные ожидания группы.
func (s *Service) expireGroup(ctx context.Context, gid int64, now time.Time) {
	for _, uid := range s.store.WaitingUsers(gid) {
		u, ok := s.store.User(uid)
		if !ok || !s.expired(u, gid, now) {
			continue
		}
		kind := u.Kind
		if _, qns := u.QnsTag[gid]; qns {
			kind = domain.KindQns
		}
		s.fail(ctx, uid, []int64{gid}, kind, domain.OutcomeExpired)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
