package captcha

import (
	"context"
	"errors"
	"time"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/infra/metrics"
	"tg-captcha-bot/internal/usecase/flood"
	"tg-captcha-bot/internal/usecase/hint"
)

// Результаты первичной проверки вступления.
const (
	joinBot        = "bot"
	joinRestricted = "restricted"
	joinPassed     = "pass"
	joinWaiting    = "waiting"
	joinRecheck    = "recheck"
	joinInChat     = "in_chat"
	joinWhite      = "white"
	joinPunished   = "punished"
	joinQueued     = "queued"
	joinChallenged = "challenged"
)

// Join обрабатывает вступление участника в группу.
func (s *Service) Join(ctx context.Context, gid int64, m domain.Member, joinMID int) error {
	if s.cfg.ChatID != 0 && gid == s.cfg.ChatID {
		return s.EnterChallengeChat(ctx, m)
	}
	g := s.store.Group(gid)
	if g.Config.Qns && len(g.Bank.Questions) > 0 {
		return s.EnqueueWaitQns(ctx, gid, m, joinMID)
	}
	return s.EnqueueWait(ctx, gid, m, joinMID)
}

// EnqueueWait ставит нового участника в очередь проверки: ограничивает его,
// публикует подсказку и выдаёт проверку в чате проверки.
func (s *Service) EnqueueWait(ctx context.Context, gid int64, m domain.Member, joinMID int) (err error) {
	defer s.guardIssue(ctx, "enqueue wait", gid, m.ID, &err)
	now := s.now()
	s.expireGroup(ctx, gid, now)

	if result, handled := s.screen(ctx, gid, m, joinMID, now); handled {
		metrics.ObserveJoin(result)
		return nil
	}
	queued, err := s.beginWait(ctx, gid, m, joinMID, now)
	if err != nil || queued {
		return err
	}
	return s.hintAndIssue(ctx, gid, m.ID)
}

// EnqueueWaitQns ставит участника в очередь с вопросом группы. Во время флуда
// участник получает обычную проверку.
func (s *Service) EnqueueWaitQns(ctx context.Context, gid int64, m domain.Member, joinMID int) (err error) {
	defer s.guardIssue(ctx, "enqueue wait qns", gid, m.ID, &err)
	now := s.now()
	s.expireGroup(ctx, gid, now)

	if result, handled := s.screen(ctx, gid, m, joinMID, now); handled {
		metrics.ObserveJoin(result)
		return nil
	}
	queued, err := s.beginWait(ctx, gid, m, joinMID, now)
	if err != nil || queued {
		return err
	}

	reuse := s.store.WaitingCount(gid) > 1
	tag, q, err := s.questions.Pick(gid, reuse)
	if errors.Is(err, domain.ErrNoQuestions) {
		return s.hintAndIssue(ctx, gid, m.ID)
	}
	if err != nil {
		s.rollback(ctx, m.ID, gid)
		return err
	}
	if err := s.store.SetQnsTag(m.ID, gid, tag); err != nil {
		s.rollback(ctx, m.ID, gid)
		return err
	}
	answers := s.gen.OrderAnswers(q.Answers())
	if _, err := s.hints.SendQuestion(ctx, gid, s.qnsMentions(gid, tag), q.Question, answers, s.QnsTimeout()); err != nil {
		metrics.BotSendErrors.Inc()
		s.rollback(ctx, m.ID, gid)
		return err
	}
	metrics.ObserveJoin(joinChallenged)
	return nil
}

// TriggerManual запускает проверку по команде администратора или сигналу антиспама.
func (s *Service) TriggerManual(ctx context.Context, gid int64, target domain.Member, replyTo int, kind string) (err error) {
	defer s.guardIssue(ctx, "trigger manual", gid, target.ID, &err)
	if target.IsBot {
		return nil
	}
	now := s.now()
	if !s.store.BeginWait(target.ID, gid, target.FullName(), now) {
		return domain.ErrNotWaiting
	}
	_ = s.store.UpdateUser(target.ID, func(u *domain.UserRecord) error {
		u.Manual[gid] = struct{}{}
		return nil
	})
	if err := s.platform.RestrictMember(ctx, gid, target.ID); err != nil {
		s.store.Rollback(target.ID, gid)
		return err
	}
	ev := domain.NewEvent(domain.EventWait, gid, target.ID, now)
	ev.Status = kind
	s.publish(ev)
	s.syncGauge()

	who := hint.Mention{ID: target.ID, Name: target.FullName()}
	if _, err := s.hints.SendTriggered(ctx, gid, kind, who, replyTo); err != nil {
		metrics.BotSendErrors.Inc()
		s.rollback(ctx, target.ID, gid)
		return err
	}
	return s.issue(ctx, target.ID)
}

// EnterChallengeChat выдаёт проверку, когда ожидающий заходит в чат проверки.
func (s *Service) EnterChallengeChat(ctx context.Context, m domain.Member) error {
	if m.IsBot {
		return nil
	}
	err := s.Ask(ctx, m.ID)
	if errors.Is(err, domain.ErrNotWaiting) {
		return nil
	}
	return err
}

// screen проверяет, нужна ли участнику проверка. handled = true, если вступление
// обработано без постановки в очередь.
func (s *Service) screen(ctx context.Context, gid int64, m domain.Member, joinMID int, now time.Time) (string, bool) {
	if m.IsBot {
		return joinBot, true
	}
	_ = s.store.UpdateUser(m.ID, func(u *domain.UserRecord) error {
		if name := m.FullName(); name != "" {
			u.Name = name
		}
		return nil
	})
	u, _ := s.store.User(m.ID)

	if !u.Waiting(gid) {
		if st, err := s.platform.GetMember(ctx, gid, m.ID); err == nil && st.Restricted {
			return joinRestricted, true
		}
	}
	if _, ok := u.Pass[gid]; ok {
		return joinPassed, true
	}
	if u.Waiting(gid) {
		return joinWaiting, true
	}
	if at, ok := u.Succeeded[gid]; ok && now.Sub(at) < s.cfg.TimeRecheck {
		return joinRecheck, true
	}
	last := u.LastSucceeded()
	if !last.IsZero() && now.Sub(last) < s.cfg.TimeRemove+stillInChat {
		return joinInChat, true
	}
	g := s.store.Group(gid)
	if g.Config.Pass && !last.IsZero() && now.Sub(last) < s.cfg.TimeRecheck {
		return joinRecheck, true
	}
	if _, ok := s.white[m.ID]; ok && g.Config.Pass {
		return joinWhite, true
	}
	if at, ok := u.Failed[gid]; ok && now.Sub(at) < s.cfg.TimePunish {
		if joinMID != 0 {
			s.hints.DeleteLater(gid, joinMID)
		}
		s.punish(ctx, gid, m.ID, g.Config, 0, now)
		return joinPunished, true
	}
	return "", false
}

// beginWait ограничивает участника и классифицирует очередь. queued = true,
// если группа во флуде и подсказка не нужна.
func (s *Service) beginWait(ctx context.Context, gid int64, m domain.Member, joinMID int, now time.Time) (bool, error) {
	if !s.store.BeginWait(m.ID, gid, m.FullName(), now) {
		return true, nil
	}
	_ = s.store.UpdateUser(m.ID, func(u *domain.UserRecord) error {
		u.JoinMID[gid] = joinMID
		return nil
	})
	if err := s.platform.RestrictMember(ctx, gid, m.ID); err != nil {
		s.store.Rollback(m.ID, gid)
		return false, &domain.SendError{Op: "restrict", Err: err}
	}
	s.publish(domain.NewEvent(domain.EventWait, gid, m.ID, now))
	s.syncGauge()

	var (
		cfg     domain.GroupConfig
		verdict flood.Verdict
	)
	_ = s.store.ObserveGroup(gid, func(g *domain.GroupState, waiting int) error {
		cfg = g.Config
		verdict = s.detector.Observe(&g.Pinned, waiting, now)
		return nil
	})
	count := verdict.Count
	if verdict.Exited {
		s.hints.ExitFlood(gid, verdict)
	}
	if !verdict.Flooded {
		return false, nil
	}

	if joinMID != 0 {
		s.hints.DeleteLater(gid, joinMID)
	}
	if verdict.Entered {
		metrics.FloodEntries.Inc()
		s.hints.DeleteLater(gid, s.takeJoinMessages(gid, m.ID)...)
		ev := domain.NewEvent(domain.EventFlood, gid, 0, now)
		ev.Status = "begin"
		ev.Detail = "waiting"
		s.publish(ev)
		s.log.Info().Int64("group", gid).Int("waiting", count).Msg("группа перешла в режим флуда")
		if err := s.hints.EnterFlood(ctx, gid, count, cfg.Pin); err != nil {
			metrics.BotSendErrors.Inc()
			s.log.Warn().Err(err).Int64("group", gid).Msg("не удалось отправить уведомление о флуде")
		}
	}
	metrics.ObserveJoin(joinQueued)
	return true, nil
}

// hintAndIssue публикует обычную подсказку и выдаёт проверку.
func (s *Service) hintAndIssue(ctx context.Context, gid, uid int64) error {
	g := s.store.Group(gid)
	if g.Config.Hint {
		if _, err := s.hints.SendRegular(ctx, gid, s.mentions(gid)); err != nil {
			metrics.BotSendErrors.Inc()
			s.rollback(ctx, uid, gid)
			return err
		}
	}
	metrics.ObserveJoin(joinChallenged)
	return s.issue(ctx, uid)
}

// takeJoinMessages забирает id сообщений о вступлении остальных ожидающих группы.
func (s *Service) takeJoinMessages(gid, except int64) []int {
	var mids []int
	for _, uid := range s.store.WaitingUsers(gid) {
		if uid == except {
			continue
		}
		_ = s.store.UpdateUser(uid, func(u *domain.UserRecord) error {
			if mid := u.JoinMID[gid]; mid != 0 {
				mids = append(mids, mid)
				delete(u.JoinMID, gid)
			}
			return nil
		})
	}
	return mids
}

func (s *Service) qnsMentions(gid int64, tag string) []hint.Mention {
	all := s.mentions(gid)
	out := make([]hint.Mention, 0, len(all))
	for _, m := range all {
		u, _ := s.store.User(m.ID)
		if u.QnsTag[gid] == tag {
			out = append(out, m)
		}
	}
	return out
}
