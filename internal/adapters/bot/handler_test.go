package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/usecase/captcha"
	"tg-captcha-bot/internal/usecase/hint"
)

const (
	challengeChat int64 = -1009999
	group         int64 = -1001000
	adminID       int64 = 900
)

type call struct {
	op   string
	gid  int64
	uid  int64
	text string
}

type stubEngine struct {
	Engine

	calls   []call
	owner   int64
	session int64
	outcome domain.Outcome
	err     error
	cfg     domain.GroupConfig
}

func (e *stubEngine) record(op string, gid, uid int64, text string) {
	e.calls = append(e.calls, call{op: op, gid: gid, uid: uid, text: text})
}

func (e *stubEngine) Join(_ context.Context, gid int64, m domain.Member, joinMID int) error {
	e.record("join", gid, m.ID, m.FullName())
	return nil
}

func (e *stubEngine) EvaluateAnswer(_ context.Context, uid int64, text string, _ int) (domain.Outcome, error) {
	e.record("answer", 0, uid, text)
	return e.outcome, e.err
}

func (e *stubEngine) EvaluateAnswerQns(_ context.Context, gid, uid int64, answer string) (domain.Outcome, error) {
	e.record("answer_qns", gid, uid, answer)
	return e.outcome, e.err
}

func (e *stubEngine) OwnsChallenge(uid int64, _ int) bool { return uid == e.owner }

func (e *stubEngine) TogglePass(_ context.Context, gid, _, uid int64) (bool, error) {
	e.record("toggle_pass", gid, uid, "")
	return true, nil
}

func (e *stubEngine) PassWaiting(_ context.Context, _, uid int64) error {
	e.record("pass_waiting", 0, uid, "")
	return nil
}

func (e *stubEngine) TriggerManual(_ context.Context, gid int64, target domain.Member, _ int, kind string) error {
	e.record("trigger", gid, target.ID, kind)
	return nil
}

func (e *stubEngine) GroupConfig(int64) domain.GroupConfig { return e.cfg }

func (e *stubEngine) ConfigSummary(int64) string { return "summary" }

func (e *stubEngine) UpdateConfig(_ context.Context, gid, _ int64, key string, value bool) (domain.GroupConfig, error) {
	e.record("config", gid, 0, key+"="+map[bool]string{true: "on", false: "off"}[value])
	return e.cfg, e.err
}

func (e *stubEngine) CheckStatus(_ context.Context, gid, uid int64) (string, error) {
	e.record("status", gid, uid, "")
	return "Осталось 4m0s.", nil
}

func (e *stubEngine) QuestionSession(int64) (int64, bool) { return e.session, e.session != 0 }

func (e *stubEngine) AddCustomQuestion(_ context.Context, gid, _ int64, text string) (string, error) {
	e.record("add", gid, 0, text)
	return "abcd1234", e.err
}

type stubPlatform struct {
	domain.Platform

	admins  map[int64]bool
	sent    []string
	deleted []int
}

func (p *stubPlatform) GetMember(_ context.Context, _, uid int64) (domain.MemberStatus, error) {
	return domain.MemberStatus{Admin: p.admins[uid]}, nil
}

func (p *stubPlatform) SendMessage(_ context.Context, _ int64, text string, _ int, _ *domain.Markup) (int, error) {
	p.sent = append(p.sent, text)
	return len(p.sent), nil
}

func (p *stubPlatform) DeleteMessages(_ context.Context, _ int64, mids ...int) error {
	p.deleted = append(p.deleted, mids...)
	return nil
}

type stubRequester struct {
	answers []tgbotapi.CallbackConfig
}

func (r *stubRequester) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		r.answers = append(r.answers, cb)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type inlineTasks struct{}

func (inlineTasks) Go(_ string, fn func(ctx context.Context)) { fn(context.Background()) }

func (inlineTasks) After(_ string, _ time.Duration, fn func(ctx context.Context)) {
	fn(context.Background())
}

func newTestHandler() (*Handler, *stubEngine, *stubPlatform, *stubRequester) {
	e := &stubEngine{}
	p := &stubPlatform{admins: map[int64]bool{adminID: true}}
	r := &stubRequester{}
	h := NewHandler(e, p, r, inlineTasks{}, Config{ChatID: challengeChat, NoSpamID: 555, BotID: 1}, zerolog.Nop())
	return h, e, p, r
}

func command(chatID, from int64, text string) *tgbotapi.Message {
	name, _, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "\n")
	chatType := "supergroup"
	if chatID > 0 {
		chatType = "private"
	}
	return &tgbotapi.Message{
		MessageID: 10,
		From:      &tgbotapi.User{ID: from, FirstName: "Admin"},
		Chat:      &tgbotapi.Chat{ID: chatID, Type: chatType},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func TestJoinSkipsBotItself(t *testing.T) {
	h, e, _, _ := newTestHandler()
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID:      5,
		Chat:           &tgbotapi.Chat{ID: group, Type: "supergroup"},
		NewChatMembers: []tgbotapi.User{{ID: 1, IsBot: true}, {ID: 42, FirstName: "Ann"}, {ID: 43, FirstName: "Bob"}},
	}})
	if len(e.calls) != 2 || e.calls[0].uid != 42 || e.calls[1].uid != 43 {
		t.Fatalf("ожидали вступление двух участников, получили %+v", e.calls)
	}
}

func TestAnswerInChallengeChatIsDeleted(t *testing.T) {
	h, e, p, _ := newTestHandler()
	e.outcome = domain.OutcomeRetry
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 77,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: challengeChat, Type: "supergroup"},
		Text:      " 12 ",
	}})
	if len(e.calls) != 1 || e.calls[0].op != "answer" || e.calls[0].text != "12" {
		t.Fatalf("ожидали проверку ответа, получили %+v", e.calls)
	}
	if len(p.deleted) != 1 || p.deleted[0] != 77 {
		t.Fatalf("ответ в чате проверки должен удаляться: %v", p.deleted)
	}
}

func TestGroupChatterIsNotAnAnswer(t *testing.T) {
	h, e, _, _ := newTestHandler()
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 42},
		Chat: &tgbotapi.Chat{ID: group, Type: "supergroup"},
		Text: "всем привет",
	}})
	if len(e.calls) != 0 {
		t.Fatalf("сообщения в группе не считаются ответами: %+v", e.calls)
	}
}

func TestCallbackAnswerResolvesButtonText(t *testing.T) {
	h, e, _, r := newTestHandler()
	e.owner = 42
	e.outcome = domain.OutcomeSucceeded
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("17", captcha.DataAnswerPrefix+"0"),
		tgbotapi.NewInlineKeyboardButtonData("23", captcha.DataAnswerPrefix+"1"),
	))
	cb := &tgbotapi.CallbackQuery{
		ID:   "cb1",
		From: &tgbotapi.User{ID: 42},
		Data: captcha.DataAnswerPrefix + "1",
		Message: &tgbotapi.Message{
			MessageID:   3,
			Chat:        &tgbotapi.Chat{ID: challengeChat},
			ReplyMarkup: &kb,
		},
	}
	h.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: cb})
	if len(e.calls) != 1 || e.calls[0].text != "23" {
		t.Fatalf("ожидали ответ 23, получили %+v", e.calls)
	}
	if len(r.answers) != 1 || r.answers[0].Text != "Проверка пройдена." {
		t.Fatalf("неверный ответ на callback: %+v", r.answers)
	}

	cb.From = &tgbotapi.User{ID: 43}
	h.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: cb})
	if len(e.calls) != 1 {
		t.Fatalf("чужая проверка не должна обрабатываться")
	}
	if last := r.answers[len(r.answers)-1]; !last.ShowAlert {
		t.Fatalf("ожидали всплывающее предупреждение")
	}
}

func TestQnsCallbackForStranger(t *testing.T) {
	h, e, _, r := newTestHandler()
	e.outcome = domain.OutcomeNone
	kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Париж", hint.DataQnsPref+"0"),
	))
	h.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb2",
		From:    &tgbotapi.User{ID: 42},
		Data:    hint.DataQnsPref + "0",
		Message: &tgbotapi.Message{MessageID: 4, Chat: &tgbotapi.Chat{ID: group}, ReplyMarkup: &kb},
	}})
	if len(e.calls) != 1 || e.calls[0].gid != group || e.calls[0].text != "Париж" {
		t.Fatalf("ожидали ответ на вопрос группы, получили %+v", e.calls)
	}
	if len(r.answers) != 1 || !r.answers[0].ShowAlert {
		t.Fatalf("постороннему показывается предупреждение: %+v", r.answers)
	}
}

func TestCheckStatusCallback(t *testing.T) {
	h, e, _, r := newTestHandler()
	h.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb3",
		From:    &tgbotapi.User{ID: 42},
		Data:    hint.DataCheck,
		Message: &tgbotapi.Message{MessageID: 4, Chat: &tgbotapi.Chat{ID: group}},
	}})
	if len(e.calls) != 1 || e.calls[0].op != "status" {
		t.Fatalf("ожидали запрос статуса: %+v", e.calls)
	}
	if r.answers[0].Text != "Осталось 4m0s." {
		t.Fatalf("неверный текст статуса: %q", r.answers[0].Text)
	}
}

func TestPassRequiresAdmin(t *testing.T) {
	h, e, _, _ := newTestHandler()
	target := &tgbotapi.Message{MessageID: 9, From: &tgbotapi.User{ID: 42}}

	msg := command(group, 43, "/pass")
	msg.ReplyToMessage = target
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: msg})
	if len(e.calls) != 0 {
		t.Fatalf("команды не-администраторов игнорируются")
	}

	msg = command(group, adminID, "/pass")
	msg.ReplyToMessage = target
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: msg})
	if len(e.calls) != 1 || e.calls[0].op != "toggle_pass" || e.calls[0].uid != 42 {
		t.Fatalf("ожидали переключение пропуска: %+v", e.calls)
	}

	msg = command(challengeChat, adminID, "/pass")
	msg.ReplyToMessage = target
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: msg})
	if e.calls[1].op != "pass_waiting" {
		t.Fatalf("в чате проверки /pass засчитывает проверку: %+v", e.calls)
	}
}

func TestConfigCommand(t *testing.T) {
	h, e, p, _ := newTestHandler()
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: command(group, adminID, "/config ban on")})
	if len(e.calls) != 1 || e.calls[0].text != "ban=on" {
		t.Fatalf("ожидали изменение настройки: %+v", e.calls)
	}

	e.err = domain.ErrUnknownConfigKey
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: command(group, adminID, "/config colour on")})
	if last := p.sent[len(p.sent)-1]; !strings.Contains(last, "Неизвестный параметр") {
		t.Fatalf("ожидали сообщение об ошибке: %q", last)
	}

	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: command(group, adminID, "/config ban maybe")})
	if len(e.calls) != 2 {
		t.Fatalf("неверное значение не доходит до движка")
	}
}

func TestManualCommandNeedsConfig(t *testing.T) {
	h, e, p, _ := newTestHandler()
	msg := command(group, adminID, "/captcha")
	msg.ReplyToMessage = &tgbotapi.Message{MessageID: 9, From: &tgbotapi.User{ID: 42}}
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: msg})
	if len(e.calls) != 0 || len(p.sent) != 1 {
		t.Fatalf("при выключенном manual проверка не запускается")
	}

	e.cfg.Manual = true
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: msg})
	if len(e.calls) != 1 || e.calls[0].text != hint.TriggerManual {
		t.Fatalf("ожидали ручной вызов: %+v", e.calls)
	}
}

func TestNoSpamReplyTriggersChallenge(t *testing.T) {
	h, e, _, _ := newTestHandler()
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		From:           &tgbotapi.User{ID: 555, IsBot: true},
		Chat:           &tgbotapi.Chat{ID: group, Type: "supergroup"},
		Text:           "spam detected",
		ReplyToMessage: &tgbotapi.Message{MessageID: 8, From: &tgbotapi.User{ID: 42}},
	}})
	if len(e.calls) != 1 || e.calls[0].op != "trigger" || e.calls[0].text != hint.TriggerNoSpam {
		t.Fatalf("ожидали вызов по сигналу антиспама: %+v", e.calls)
	}
}

func TestPrivateQuestionCommands(t *testing.T) {
	h, e, p, _ := newTestHandler()
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: command(adminID, adminID, "/add Вопрос?\n+++\nда")})
	if len(e.calls) != 0 || !strings.Contains(p.sent[0], "/qns") {
		t.Fatalf("без сессии вопросы не добавляются: %+v %q", e.calls, p.sent)
	}

	e.session = group
	h.HandleUpdate(context.Background(), tgbotapi.Update{Message: command(adminID, adminID, "/add Вопрос?\n+++\nда")})
	if len(e.calls) != 1 || e.calls[0].gid != group || e.calls[0].text != "Вопрос?\n+++\nда" {
		t.Fatalf("ожидали добавление в группу сессии: %+v", e.calls)
	}
}

func TestErrorText(t *testing.T) {
	until := time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC)
	if got := errorText(&domain.RaceRejectedError{Owner: 7, Until: until}); !strings.Contains(got, "7") || !strings.Contains(got, "12:30:00") {
		t.Fatalf("неверный текст гонки: %q", got)
	}
	if got := errorText(domain.NewValidationError("пустой вопрос")); got != "Некорректный вопрос: пустой вопрос." {
		t.Fatalf("неверный текст валидации: %q", got)
	}
	if got := errorText(domain.ErrPassLimit); !strings.Contains(got, "100") {
		t.Fatalf("ожидали предел пропусков: %q", got)
	}
}
