package captcha

import (
	"context"
	"fmt"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/usecase/challenge"
	"tg-captcha-bot/internal/usecase/hint"
)

// EvaluateAnswer проверяет свободный ответ на выданную проверку.
// Правильный ответ завершает ожидание во всех группах с этой проверкой.
func (s *Service) EvaluateAnswer(ctx context.Context, uid int64, text string, replyTo int) (out domain.Outcome, err error) {
	defer s.guard("evaluate answer", 0, uid, &err)
	now := s.now()
	u, ok := s.store.User(uid)
	if !ok || len(u.Wait) == 0 {
		return domain.OutcomeNone, domain.ErrNotWaiting
	}
	if u.Kind == "" || u.Kind == domain.KindQns {
		return domain.OutcomeNone, s.issue(ctx, uid)
	}

	var live, stale []int64
	for _, gid := range u.WaitGroups() {
		if _, qns := u.QnsTag[gid]; qns {
			continue
		}
		if s.expired(u, gid, now) {
			stale = append(stale, gid)
			continue
		}
		live = append(live, gid)
	}
	if len(stale) > 0 {
		s.fail(ctx, uid, stale, u.Kind, domain.OutcomeExpired)
	}
	if len(live) == 0 {
		return domain.OutcomeExpired, nil
	}

	if challenge.Match(text, u.Answer) {
		s.succeed(ctx, uid, live, u.Kind, domain.EventSucceeded, 0)
		return domain.OutcomeSucceeded, nil
	}
	tries, limit, err := s.store.IncrementTries(uid)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if tries < limit {
		who := hint.MentionHTML(hint.Mention{ID: uid, Name: u.Name})
		s.notice(ctx, s.cfg.ChatID, fmt.Sprintf("%s, неверно. Осталось попыток: %d.", who, limit-tries), replyTo, noticeRetry)
		return domain.OutcomeRetry, nil
	}
	s.fail(ctx, uid, live, u.Kind, domain.OutcomeFailed)
	return domain.OutcomeFailed, nil
}

// EvaluateAnswerQns проверяет ответ кнопкой на вопрос группы. Одна попытка.
// Нажатия тех, кто не ждёт этого вопроса, игнорируются.
func (s *Service) EvaluateAnswerQns(ctx context.Context, gid, uid int64, answer string) (out domain.Outcome, err error) {
	defer s.guard("evaluate answer qns", gid, uid, &err)
	now := s.now()
	u, ok := s.store.User(uid)
	if !ok || !u.Waiting(gid) {
		return domain.OutcomeNone, nil
	}
	tag, ok := u.QnsTag[gid]
	if !ok {
		return domain.OutcomeNone, nil
	}
	if s.expired(u, gid, now) {
		s.fail(ctx, uid, []int64{gid}, domain.KindQns, domain.OutcomeExpired)
		return domain.OutcomeExpired, nil
	}

	g := s.store.Group(gid)
	q, exists := g.Bank.Questions[tag]
	if !g.Config.Qns || !exists || q.CreatedAt.After(u.Wait[gid]) || len(q.Correct) == 0 {
		// вопрос изменился после выдачи: пропускаем участника
		s.log.Info().Int64("group", gid).Int64("user", uid).Str("tag", tag).Msg("вопрос устарел, участник пропущен")
		s.succeed(ctx, uid, []int64{gid}, domain.KindQns, domain.EventSucceeded, 0)
		return domain.OutcomeSucceeded, nil
	}
	passed := q.IsCorrect(answer)
	s.questions.Record(gid, tag, passed)
	if passed {
		s.succeed(ctx, uid, []int64{gid}, domain.KindQns, domain.EventSucceeded, 0)
		return domain.OutcomeSucceeded, nil
	}
	s.fail(ctx, uid, []int64{gid}, domain.KindQns, domain.OutcomeFailed)
	return domain.OutcomeFailed, nil
}

// ChangeQuestion заменяет выданную проверку новой случайного сменяемого типа. Доступно один раз;
// новый лимит равен оставшимся попыткам минус одна, но не меньше одной.
func (s *Service) ChangeQuestion(ctx context.Context, uid int64) (err error) {
	defer s.guard("change question", 0, uid, &err)
	u, ok := s.store.User(uid)
	if !ok || len(u.Wait) == 0 || u.Kind == "" || u.MessageID == 0 {
		return domain.ErrNotWaiting
	}
	if !u.Kind.Changeable() {
		return domain.ErrNotChangeable
	}
	if u.Changed {
		return domain.ErrChangeUsed
	}
	if u.Tries >= u.Limit {
		return domain.ErrBudgetExhausted
	}
	spec, err := s.gen.GenerateChangeable(u.Kind)
	if err != nil {
		return err
	}
	if spec.Image == nil {
		return fmt.Errorf("%w: нет картинки для замены", domain.ErrNoChallenge)
	}

	var limit int
	err = s.store.UpdateUser(uid, func(r *domain.UserRecord) error {
		if r.MessageID != u.MessageID || r.Kind != u.Kind {
			return domain.ErrNotWaiting
		}
		if r.Changed {
			return domain.ErrChangeUsed
		}
		if r.Tries >= r.Limit {
			return domain.ErrBudgetExhausted
		}
		limit = max(1, r.Limit-r.Tries-1)
		r.Kind = spec.Kind
		r.Answer = spec.Answer
		r.Limit = limit
		r.Tries = 0
		r.Changed = true
		return nil
	})
	if err != nil {
		return err
	}
	spec.Limit = limit
	mk := challengeMarkup(spec)
	if mk != nil {
		// замена доступна один раз
		mk.Rows = withoutData(mk.Rows, DataChange)
	}
	if err := s.platform.EditMessageMedia(ctx, s.cfg.ChatID, u.MessageID, *spec.Image, challengeCaption(uid, u.Name, spec), mk); err != nil {
		s.log.Warn().Err(err).Int64("user", uid).Msg("не удалось заменить картинку проверки")
		_ = s.store.UpdateUser(uid, func(r *domain.UserRecord) error {
			if r.MessageID == u.MessageID {
				r.Kind, r.Answer, r.Limit, r.Tries, r.Changed = u.Kind, u.Answer, u.Limit, u.Tries, false
			}
			return nil
		})
		return &domain.SendError{Op: "change question", Err: err}
	}
	return nil
}

func withoutData(rows [][]domain.Button, data string) [][]domain.Button {
	out := make([][]domain.Button, 0, len(rows))
	for _, row := range rows {
		kept := make([]domain.Button, 0, len(row))
		for _, b := range row {
			if b.Data != data {
				kept = append(kept, b)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}
