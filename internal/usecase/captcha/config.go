package captcha

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/usecase/hint"
	"tg-captcha-bot/internal/usecase/state"
)

var configNames = map[string]string{
	"delete":   "Удалять сообщение о вступлении",
	"restrict": "Оставлять ограниченным при провале",
	"ban":      "Банить при провале",
	"forgive":  "Снимать бан через время",
	"hint":     "Подсказки в группе",
	"pass":     "Учитывать проверку в других группах",
	"pin":      "Закреплять уведомление о флуде",
	"qns":      "Вопросы группы",
	"manual":   "Ручной вызов проверки",
}

// GroupConfig возвращает текущие настройки группы.
func (s *Service) GroupConfig(gid int64) domain.GroupConfig {
	return s.store.Group(gid).Config
}

// ConfigSummary возвращает текстовое описание настроек группы.
func (s *Service) ConfigSummary(gid int64) string {
	g := s.store.Group(gid)
	var b strings.Builder
	if g.Config.Default {
		b.WriteString("Настройки по умолчанию\n")
	}
	for _, key := range domain.ConfigKeys {
		v, _ := g.Config.Get(key)
		mark := "выкл"
		if v {
			mark = "вкл"
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", configNames[key], key, mark)
	}
	fmt.Fprintf(&b, "Ручных пропусков: %d/%d\n", g.PassCount, MaxPassCount)
	if n := len(g.Bank.Questions); n > 0 {
		fmt.Fprintf(&b, "Вопросов группы: %d\n", n)
	}
	return b.String()
}

// UpdateConfig меняет параметр группы. Между изменениями должно пройти ConfigCooldown.
// Ключ default со значением true возвращает настройки по умолчанию.
func (s *Service) UpdateConfig(ctx context.Context, gid, aid int64, key string, value bool) (cfg domain.GroupConfig, err error) {
	defer s.guard("update config", gid, aid, &err)
	now := s.now()
	key = strings.ToLower(strings.TrimSpace(key))
	err = state.Critical(&s.locks.Config, func() error {
		return s.store.UpdateGroup(gid, func(g *domain.GroupState) error {
			if !g.Config.Lock.IsZero() && now.Sub(g.Config.Lock) < ConfigCooldown {
				return fmt.Errorf("%w: повторите через %s", domain.ErrConfigLocked,
					(ConfigCooldown - now.Sub(g.Config.Lock)).Round(time.Second))
			}
			next := g.Config
			switch {
			case key == "default":
				if !value {
					return domain.ErrUnknownConfigKey
				}
				next = domain.DefaultGroupConfig()
			case !next.Set(key, value):
				return domain.ErrUnknownConfigKey
			default:
				next.Default = false
				if value && key == "ban" {
					next.Restrict = false
				}
				if value && key == "restrict" {
					next.Ban = false
				}
				if !next.Ban {
					next.Forgive = false
				}
			}
			next.Lock = now
			g.Config = next
			cfg = next
			return nil
		})
	})
	if err != nil {
		return domain.GroupConfig{}, err
	}
	ev := domain.NewEvent(domain.EventConfig, gid, 0, now)
	ev.AdminID = aid
	ev.Detail = fmt.Sprintf("%s=%t", key, value)
	s.publish(ev)
	return cfg, nil
}

// SetCustomText переопределяет текст подсказки группы. Пустой текст возвращает стандартный.
func (s *Service) SetCustomText(gid, aid int64, key, text string) error {
	valid := false
	for _, k := range hint.CustomTextKeys {
		if k == key {
			valid = true
			break
		}
	}
	if !valid {
		return domain.ErrUnknownConfigKey
	}
	if len([]rune(text)) > 500 {
		return domain.NewValidationError("текст длиннее 500 символов")
	}
	return s.store.UpdateGroup(gid, func(g *domain.GroupState) error {
		if strings.TrimSpace(text) == "" {
			delete(g.CustomTexts, key)
		} else {
			g.CustomTexts[key] = text
		}
		return nil
	})
}

// SendStatic публикует постоянную подсказку группы.
func (s *Service) SendStatic(ctx context.Context, gid int64) (err error) {
	defer s.guard("send static", gid, 0, &err)
	_, err = s.hints.SendStatic(ctx, gid)
	return err
}

// CheckStatus сообщает пользователю состояние его проверки в группе.
// Во время флуда проверка выдаётся при первом запросе статуса.
func (s *Service) CheckStatus(ctx context.Context, gid, uid int64) (text string, err error) {
	defer s.guard("check status", gid, uid, &err)
	now := s.now()
	u, ok := s.store.User(uid)
	if !ok || !u.Waiting(gid) {
		if at, done := u.Succeeded[gid]; ok && done && now.Sub(at) < s.cfg.TimeRecheck {
			return "Проверка уже пройдена.", nil
		}
		return "Вы не проходите проверку в этой группе.", nil
	}
	if s.expired(u, gid, now) {
		kind := u.Kind
		if _, qns := u.QnsTag[gid]; qns {
			kind = domain.KindQns
		}
		s.fail(ctx, uid, []int64{gid}, kind, domain.OutcomeExpired)
		return "Время на проверку истекло.", nil
	}
	limit := s.cfg.TimeCaptcha
	if _, qns := u.QnsTag[gid]; qns {
		limit = s.QnsTimeout()
		left := (limit - now.Sub(u.Wait[gid])).Round(time.Second)
		return fmt.Sprintf("Ответьте на вопрос группы. Осталось %s.", left), nil
	}
	if u.Kind == "" {
		if err := s.issue(ctx, uid); err != nil {
			return "", err
		}
	}
	left := (limit - now.Sub(u.Wait[gid])).Round(time.Second)
	return fmt.Sprintf("Пройдите проверку в чате проверки. Осталось %s.", left), nil
}

// AcquireQuestionSession открывает сессию редактирования вопросов группы.
func (s *Service) AcquireQuestionSession(ctx context.Context, gid, aid int64) (until time.Time, err error) {
	err = state.Critical(&s.locks.Config, func() error {
		until, err = s.questions.Acquire(gid, aid)
		return err
	})
	return until, err
}

// QuestionSession возвращает группу, вопросы которой редактирует администратор.
func (s *Service) QuestionSession(aid int64) (int64, bool) {
	return s.questions.Session(aid)
}

// AddCustomQuestion добавляет вопрос группы.
func (s *Service) AddCustomQuestion(ctx context.Context, gid, aid int64, text string) (string, error) {
	var tag string
	err := state.Critical(&s.locks.Config, func() error {
		var err error
		tag, err = s.questions.Add(gid, aid, text)
		return err
	})
	if err != nil {
		return "", err
	}
	s.publishQns(gid, aid, "add", tag)
	return tag, nil
}

// EditCustomQuestion заменяет вопрос группы.
func (s *Service) EditCustomQuestion(ctx context.Context, gid, aid int64, tag, text string) error {
	err := state.Critical(&s.locks.Config, func() error {
		return s.questions.Edit(gid, aid, tag, text)
	})
	if err != nil {
		return err
	}
	s.publishQns(gid, aid, "edit", tag)
	return nil
}

// RemoveCustomQuestion удаляет вопрос группы.
func (s *Service) RemoveCustomQuestion(ctx context.Context, gid, aid int64, tag string) error {
	err := state.Critical(&s.locks.Config, func() error {
		return s.questions.Remove(gid, aid, tag)
	})
	if err != nil {
		return err
	}
	s.publishQns(gid, aid, "remove", tag)
	return nil
}

// ListCustomQuestions возвращает описание вопросов группы.
func (s *Service) ListCustomQuestions(gid int64) string {
	list := s.questions.List(gid)
	if len(list) == 0 {
		return "У группы нет вопросов."
	}
	var b strings.Builder
	for _, item := range list {
		q := item.Entry
		fmt.Fprintf(&b, "%s: %s\n", item.Tag, q.Question)
		for _, a := range sortedKeys(q.Correct) {
			fmt.Fprintf(&b, "  ■ %s\n", a)
		}
		for _, a := range sortedKeys(q.Wrong) {
			fmt.Fprintf(&b, "  □ %s\n", a)
		}
		fmt.Fprintf(&b, "  выдан %d, ответов %d, верных %d\n", q.Issued, q.Answered, q.Passed)
	}
	return b.String()
}

func (s *Service) publishQns(gid, aid int64, action, tag string) {
	ev := domain.NewEvent(domain.EventQns, gid, 0, s.now())
	ev.AdminID = aid
	ev.Status = action
	ev.Detail = tag
	s.publish(ev)
}
