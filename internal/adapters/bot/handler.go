package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/adapters/telegram"
	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/infra/metrics"
	"tg-captcha-bot/internal/usecase/captcha"
	"tg-captcha-bot/internal/usecase/hint"
)

// Engine описывает операции движка проверок, которые вызывает обработчик.
type Engine interface {
	Join(ctx context.Context, gid int64, m domain.Member, joinMID int) error
	EvaluateAnswer(ctx context.Context, uid int64, text string, replyTo int) (domain.Outcome, error)
	EvaluateAnswerQns(ctx context.Context, gid, uid int64, answer string) (domain.Outcome, error)
	ChangeQuestion(ctx context.Context, uid int64) error
	OwnsChallenge(uid int64, mid int) bool
	CheckStatus(ctx context.Context, gid, uid int64) (string, error)
	TogglePass(ctx context.Context, gid, aid, uid int64) (bool, error)
	PassWaiting(ctx context.Context, aid, uid int64) error
	TriggerManual(ctx context.Context, gid int64, target domain.Member, replyTo int, kind string) error
	GroupConfig(gid int64) domain.GroupConfig
	ConfigSummary(gid int64) string
	UpdateConfig(ctx context.Context, gid, aid int64, key string, value bool) (domain.GroupConfig, error)
	SetCustomText(gid, aid int64, key, text string) error
	SendStatic(ctx context.Context, gid int64) error
	AcquireQuestionSession(ctx context.Context, gid, aid int64) (time.Time, error)
	QuestionSession(aid int64) (int64, bool)
	AddCustomQuestion(ctx context.Context, gid, aid int64, text string) (string, error)
	EditCustomQuestion(ctx context.Context, gid, aid int64, tag, text string) error
	RemoveCustomQuestion(ctx context.Context, gid, aid int64, tag string) error
	ListCustomQuestions(gid int64) string
}

// Requester отвечает на callback-запросы.
type Requester interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Config задаёт параметры обработчика.
type Config struct {
	ChatID   int64
	NoSpamID int64
	BotID    int64
	// AnswerTTL задаёт, через сколько удалять ответы в чате проверки.
	AnswerTTL time.Duration
}

// Handler обслуживает вебхук бота.
type Handler struct {
	engine   Engine
	platform domain.Platform
	api      Requester
	tasks    domain.Tasks
	cfg      Config
	log      zerolog.Logger
}

// NewHandler создаёт обработчик.
func NewHandler(engine Engine, platform domain.Platform, api Requester, tasks domain.Tasks, cfg Config, log zerolog.Logger) *Handler {
	if cfg.AnswerTTL <= 0 {
		cfg.AnswerTTL = 10 * time.Second
	}
	return &Handler{
		engine:   engine,
		platform: platform,
		api:      api,
		tasks:    tasks,
		cfg:      cfg,
		log:      log.With().Str("component", "bot").Logger(),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	if len(msg.NewChatMembers) > 0 {
		h.handleJoin(ctx, msg)
		return
	}
	if msg.From == nil {
		return
	}
	if msg.From.ID == h.cfg.NoSpamID && h.cfg.NoSpamID != 0 {
		h.handleNoSpam(ctx, msg)
		return
	}
	if msg.IsCommand() {
		h.handleCommand(ctx, msg)
		return
	}
	if msg.Chat.ID == h.cfg.ChatID || msg.Chat.IsPrivate() {
		h.handleAnswer(ctx, msg)
	}
}

func (h *Handler) handleJoin(ctx context.Context, msg *tgbotapi.Message) {
	for _, u := range msg.NewChatMembers {
		if u.ID == h.cfg.BotID {
			continue
		}
		if err := h.engine.Join(ctx, msg.Chat.ID, member(&u), msg.MessageID); err != nil {
			h.log.Error().Err(err).Int64("group", msg.Chat.ID).Int64("user", u.ID).Msg("не удалось обработать вступление")
		}
	}
}

func (h *Handler) handleAnswer(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	out, err := h.engine.EvaluateAnswer(ctx, msg.From.ID, text, msg.MessageID)
	if errors.Is(err, domain.ErrNotWaiting) {
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("user", msg.From.ID).Msg("не удалось проверить ответ")
		return
	}
	h.log.Debug().Int64("user", msg.From.ID).Str("outcome", string(out)).Msg("ответ обработан")
	if msg.Chat.ID == h.cfg.ChatID {
		h.deleteLater(msg.Chat.ID, msg.MessageID)
	}
}

// handleNoSpam запускает проверку, когда антиспам-бот отвечает на сообщение участника.
func (h *Handler) handleNoSpam(ctx context.Context, msg *tgbotapi.Message) {
	reply := msg.ReplyToMessage
	if reply == nil || reply.From == nil || reply.From.IsBot || msg.Chat.IsPrivate() {
		return
	}
	err := h.engine.TriggerManual(ctx, msg.Chat.ID, member(reply.From), reply.MessageID, hint.TriggerNoSpam)
	if err != nil && !errors.Is(err, domain.ErrNotWaiting) {
		h.log.Error().Err(err).Int64("group", msg.Chat.ID).Int64("user", reply.From.ID).Msg("не удалось запустить проверку по сигналу антиспама")
	}
}

func (h *Handler) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())
	if msg.Chat.IsPrivate() {
		h.handlePrivateCommand(ctx, msg, args)
		return
	}
	if !h.isAdmin(ctx, cid, msg.From.ID) {
		return
	}
	switch msg.Command() {
	case "pass":
		h.handlePass(ctx, msg)
	case "captcha":
		h.handleManual(ctx, msg)
	case "config":
		h.handleConfig(ctx, msg, args)
	case "qns":
		until, err := h.engine.AcquireQuestionSession(ctx, cid, msg.From.ID)
		if err != nil {
			h.reply(ctx, cid, errorText(err), msg.MessageID)
			return
		}
		h.reply(ctx, cid, fmt.Sprintf("Редактирование вопросов открыто до %s. Пишите боту в личные сообщения: /add, /edit, /rm, /show.", until.Format("15:04:05")), msg.MessageID)
	case "static":
		if err := h.engine.SendStatic(ctx, cid); err != nil {
			h.reply(ctx, cid, errorText(err), msg.MessageID)
		}
	case "text":
		key, text, _ := strings.Cut(args, " ")
		if err := h.engine.SetCustomText(cid, msg.From.ID, strings.TrimSpace(key), strings.TrimSpace(text)); err != nil {
			h.reply(ctx, cid, errorText(err), msg.MessageID)
			return
		}
		h.reply(ctx, cid, "Текст сохранён.", msg.MessageID)
	}
}

func (h *Handler) handlePass(ctx context.Context, msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	target := msg.ReplyToMessage
	if target == nil || target.From == nil {
		h.reply(ctx, cid, "Ответьте командой на сообщение пользователя.", msg.MessageID)
		return
	}
	if cid == h.cfg.ChatID {
		if err := h.engine.PassWaiting(ctx, msg.From.ID, target.From.ID); err != nil {
			h.reply(ctx, cid, errorText(err), msg.MessageID)
		}
		return
	}
	granted, err := h.engine.TogglePass(ctx, cid, msg.From.ID, target.From.ID)
	if err != nil {
		h.reply(ctx, cid, errorText(err), msg.MessageID)
		return
	}
	text := "Пропуск отменён."
	if granted {
		text = "Пользователь пропущен без проверки."
	}
	h.reply(ctx, cid, text, msg.MessageID)
}

func (h *Handler) handleManual(ctx context.Context, msg *tgbotapi.Message) {
	cid := msg.Chat.ID
	if !h.engine.GroupConfig(cid).Manual {
		h.reply(ctx, cid, "Ручной вызов проверки выключен: /config manual on.", msg.MessageID)
		return
	}
	target := msg.ReplyToMessage
	if target == nil || target.From == nil || target.From.IsBot {
		h.reply(ctx, cid, "Ответьте командой на сообщение пользователя.", msg.MessageID)
		return
	}
	err := h.engine.TriggerManual(ctx, cid, member(target.From), target.MessageID, hint.TriggerManual)
	if err != nil {
		h.reply(ctx, cid, errorText(err), msg.MessageID)
		return
	}
	h.deleteLater(cid, msg.MessageID)
}

func (h *Handler) handleConfig(ctx context.Context, msg *tgbotapi.Message, args string) {
	cid := msg.Chat.ID
	if args == "" {
		h.reply(ctx, cid, h.engine.ConfigSummary(cid), msg.MessageID)
		return
	}
	fields := strings.Fields(args)
	if len(fields) != 2 {
		h.reply(ctx, cid, "Формат: /config параметр on|off", msg.MessageID)
		return
	}
	value, ok := parseSwitch(fields[1])
	if !ok {
		h.reply(ctx, cid, "Значение должно быть on или off.", msg.MessageID)
		return
	}
	if _, err := h.engine.UpdateConfig(ctx, cid, msg.From.ID, fields[0], value); err != nil {
		h.reply(ctx, cid, errorText(err), msg.MessageID)
		return
	}
	h.reply(ctx, cid, h.engine.ConfigSummary(cid), msg.MessageID)
}

// handlePrivateCommand редактирует вопросы группы, выбранной через /qns.
func (h *Handler) handlePrivateCommand(ctx context.Context, msg *tgbotapi.Message, args string) {
	cid := msg.Chat.ID
	aid := msg.From.ID
	switch msg.Command() {
	case "start", "help":
		h.reply(ctx, cid, helpText, 0)
		return
	}
	gid, ok := h.engine.QuestionSession(aid)
	if !ok {
		h.reply(ctx, cid, errorText(domain.ErrNoSession), 0)
		return
	}
	switch msg.Command() {
	case "add":
		tag, err := h.engine.AddCustomQuestion(ctx, gid, aid, args)
		if err != nil {
			h.reply(ctx, cid, errorText(err), msg.MessageID)
			return
		}
		h.reply(ctx, cid, "Вопрос добавлен: "+tag, msg.MessageID)
	case "edit":
		tag, text, _ := strings.Cut(args, "\n")
		if err := h.engine.EditCustomQuestion(ctx, gid, aid, strings.TrimSpace(tag), text); err != nil {
			h.reply(ctx, cid, errorText(err), msg.MessageID)
			return
		}
		h.reply(ctx, cid, "Вопрос изменён.", msg.MessageID)
	case "rm":
		if err := h.engine.RemoveCustomQuestion(ctx, gid, aid, args); err != nil {
			h.reply(ctx, cid, errorText(err), msg.MessageID)
			return
		}
		h.reply(ctx, cid, "Вопрос удалён.", msg.MessageID)
	case "show":
		h.reply(ctx, cid, h.engine.ListCustomQuestions(gid), msg.MessageID)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		h.answer(cb, "", false)
		return
	}
	data := cb.Data
	uid := cb.From.ID
	cid := cb.Message.Chat.ID
	text, alert := "", false
	switch {
	case strings.HasPrefix(data, captcha.DataAnswerPrefix):
		if !h.engine.OwnsChallenge(uid, cb.Message.MessageID) {
			text, alert = "Это не ваша проверка.", true
			break
		}
		answer := telegram.Markup(cb.Message.ReplyMarkup).TextForData(data)
		out, err := h.engine.EvaluateAnswer(ctx, uid, answer, 0)
		text = outcomeText(out, err)
	case data == captcha.DataChange:
		if !h.engine.OwnsChallenge(uid, cb.Message.MessageID) {
			text, alert = "Это не ваша проверка.", true
			break
		}
		if err := h.engine.ChangeQuestion(ctx, uid); err != nil {
			text, alert = errorText(err), true
		}
	case strings.HasPrefix(data, hint.DataQnsPref):
		answer := telegram.Markup(cb.Message.ReplyMarkup).TextForData(data)
		out, err := h.engine.EvaluateAnswerQns(ctx, cid, uid, answer)
		if out == domain.OutcomeNone && err == nil {
			text, alert = "Этот вопрос не для вас.", true
			break
		}
		text = outcomeText(out, err)
	case data == hint.DataCheck:
		status, err := h.engine.CheckStatus(ctx, cid, uid)
		if err != nil {
			status = errorText(err)
		}
		text, alert = status, true
	}
	h.answer(cb, text, alert)
}

func (h *Handler) answer(cb *tgbotapi.CallbackQuery, text string, alert bool) {
	cfg := tgbotapi.NewCallback(cb.ID, text)
	if alert {
		cfg = tgbotapi.NewCallbackWithAlert(cb.ID, text)
	}
	start := time.Now()
	_, err := h.api.Request(cfg)
	var uid int64
	if cb.From != nil {
		uid = cb.From.ID
	}
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", strconv.FormatInt(uid, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось ответить на callback")
	}
}

func (h *Handler) isAdmin(ctx context.Context, gid, uid int64) bool {
	st, err := h.platform.GetMember(ctx, gid, uid)
	if err != nil {
		h.log.Warn().Err(err).Int64("group", gid).Int64("user", uid).Msg("не удалось получить статус участника")
		return false
	}
	return st.Admin
}

// reply отправляет обычный текст, экранируя его для HTML.
func (h *Handler) reply(ctx context.Context, cid int64, text string, replyTo int) {
	for i, part := range telegram.SplitMessage(text) {
		if i > 0 {
			replyTo = 0
		}
		if _, err := h.platform.SendMessage(ctx, cid, html.EscapeString(part), replyTo, nil); err != nil {
			metrics.BotSendErrors.Inc()
			h.log.Error().Err(err).Int64("chat", cid).Msg("не удалось отправить сообщение")
			return
		}
	}
}

func (h *Handler) deleteLater(cid int64, mid int) {
	h.tasks.After("delete answer", h.cfg.AnswerTTL, func(ctx context.Context) {
		if err := h.platform.DeleteMessages(ctx, cid, mid); err != nil {
			h.log.Debug().Err(err).Int64("chat", cid).Msg("не удалось удалить сообщение")
		}
	})
}

func member(u *tgbotapi.User) domain.Member {
	return domain.Member{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.UserName,
		IsBot:     u.IsBot,
	}
}

func parseSwitch(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "on", "1", "true", "вкл":
		return true, true
	case "off", "0", "false", "выкл":
		return false, true
	}
	return false, false
}

func outcomeText(out domain.Outcome, err error) string {
	if err != nil {
		return errorText(err)
	}
	switch out {
	case domain.OutcomeSucceeded:
		return "Проверка пройдена."
	case domain.OutcomeRetry:
		return "Неверно, попробуйте ещё раз."
	case domain.OutcomeFailed:
		return "Проверка не пройдена."
	case domain.OutcomeExpired:
		return "Время на проверку истекло."
	}
	return ""
}

// errorText переводит ошибку движка в ответ пользователю.
func errorText(err error) string {
	var race *domain.RaceRejectedError
	var invalid *domain.ValidationError
	var send *domain.SendError
	switch {
	case errors.As(err, &race):
		return fmt.Sprintf("Вопросы сейчас редактирует администратор %d до %s.", race.Owner, race.Until.Format("15:04:05"))
	case errors.As(err, &invalid):
		return "Некорректный вопрос: " + invalid.Reason + "."
	case errors.As(err, &send):
		return "Не удалось отправить сообщение, попробуйте позже."
	case errors.Is(err, domain.ErrNotWaiting):
		return "Пользователь не проходит проверку."
	case errors.Is(err, domain.ErrChangeUsed):
		return "Вопрос уже меняли."
	case errors.Is(err, domain.ErrNotChangeable):
		return "Этот вопрос нельзя заменить."
	case errors.Is(err, domain.ErrBudgetExhausted):
		return "Попытки закончились."
	case errors.Is(err, domain.ErrNoSession):
		return "Сначала отправьте /qns в группе."
	case errors.Is(err, domain.ErrQuestionNotFound):
		return "Вопрос не найден."
	case errors.Is(err, domain.ErrBankFull):
		return "В группе уже максимум вопросов."
	case errors.Is(err, domain.ErrConfigLocked):
		return err.Error()
	case errors.Is(err, domain.ErrPassLimit):
		return fmt.Sprintf("Достигнут предел ручных пропусков (%d).", captcha.MaxPassCount)
	case errors.Is(err, domain.ErrUnknownConfigKey):
		return "Неизвестный параметр. Доступны: " + strings.Join(append([]string{"default"}, domain.ConfigKeys...), ", ") + "."
	case errors.Is(err, domain.ErrNotPassed):
		return "У пользователя нет пропуска."
	}
	return "Что-то пошло не так."
}

const helpText = `Бот проверяет новых участников групп.

В группе (для администраторов):
/config — настройки, /config параметр on|off — изменить
/pass — ответом на сообщение: пропустить или отменить пропуск
/captcha — ответом на сообщение: отправить на проверку
/static — постоянная подсказка
/text ключ текст — свой текст подсказки
/qns — начать редактирование вопросов группы

В личных сообщениях после /qns:
/add вопрос, затем +++ и верные ответы, затем +++ и неверные
/edit тег, с новой строки текст вопроса
/rm тег
/show — список вопросов`
