package captcha

import (
	"context"
	"fmt"
	"strconv"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/infra/metrics"
	"tg-captcha-bot/internal/usecase/hint"
)

// Callback data кнопок проверки.
const (
	DataAnswerPrefix = "q:a:"
	DataChange       = "q:c"
)

// Ask выдаёт проверку ожидающему пользователю в чате проверки. Если проверка
// уже выдана, ничего не делает.
func (s *Service) Ask(ctx context.Context, uid int64) (err error) {
	defer s.guardIssue(ctx, "ask", 0, uid, &err)
	return s.issue(ctx, uid)
}

func (s *Service) issue(ctx context.Context, uid int64) error {
	u, ok := s.store.User(uid)
	if !ok || len(u.Wait) == 0 {
		return domain.ErrNotWaiting
	}
	if u.Kind != "" && u.MessageID != 0 {
		return nil
	}
	if s.onlyQns(u) {
		return nil
	}
	if s.cfg.ChatID == 0 {
		return fmt.Errorf("%w: чат проверки не настроен", domain.ErrNoChallenge)
	}
	spec, err := s.gen.GenerateAny()
	if err != nil {
		s.log.Error().Err(err).Int64("user", uid).Msg("не удалось создать проверку")
		s.rollbackAll(ctx, uid)
		return err
	}
	caption := challengeCaption(uid, u.Name, spec)
	mk := challengeMarkup(spec)
	var mid int
	if spec.Image != nil {
		mid, err = s.platform.SendPhoto(ctx, s.cfg.ChatID, *spec.Image, caption, 0, mk)
	} else {
		mid, err = s.platform.SendMessage(ctx, s.cfg.ChatID, caption, 0, mk)
	}
	if err != nil {
		metrics.BotSendErrors.Inc()
		s.log.Warn().Err(err).Int64("user", uid).Msg("не удалось отправить проверку")
		s.rollbackAll(ctx, uid)
		return &domain.SendError{Op: "challenge", Err: err}
	}
	if err := s.store.SetChallenge(uid, spec, mid, s.now()); err != nil {
		s.hints.DeleteLater(s.cfg.ChatID, mid)
		return err
	}
	s.log.Debug().Int64("user", uid).Str("kind", string(spec.Kind)).Msg("проверка выдана")
	return nil
}

// OwnsChallenge сообщает, что сообщение mid содержит активную проверку пользователя.
func (s *Service) OwnsChallenge(uid int64, mid int) bool {
	u, ok := s.store.User(uid)
	return ok && mid != 0 && u.MessageID == mid
}

// onlyQns сообщает, что пользователь ждёт только вопросов групп.
func (s *Service) onlyQns(u domain.UserRecord) bool {
	for gid := range u.Wait {
		if _, ok := u.QnsTag[gid]; !ok {
			return false
		}
	}
	return true
}

func challengeCaption(uid int64, name string, spec domain.ChallengeSpec) string {
	return fmt.Sprintf("%s\n%s\nПопыток: %d.",
		hint.MentionHTML(hint.Mention{ID: uid, Name: name}), spec.Question, spec.Limit)
}

func challengeMarkup(spec domain.ChallengeSpec) *domain.Markup {
	mk := &domain.Markup{}
	if len(spec.Candidates) > 0 {
		row := make([]domain.Button, 0, len(spec.Candidates))
		for i, c := range spec.Candidates {
			row = append(row, domain.Button{Text: c, Data: DataAnswerPrefix + strconv.Itoa(i)})
		}
		mk.AddRow(row...)
	}
	if spec.Kind.Changeable() {
		mk.AddRow(domain.Button{Text: "Сменить вопрос", Data: DataChange})
	}
	if len(mk.Rows) == 0 {
		return nil
	}
	return mk
}
