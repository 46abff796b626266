package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/infra/metrics"
)

// API описывает методы BotAPI, которыми пользуется адаптер.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	UploadFiles(endpoint string, params tgbotapi.Params, files []tgbotapi.RequestFile) (*tgbotapi.APIResponse, error)
}

// Platform реализует domain.Platform поверх Bot API.
type Platform struct {
	api API
	log zerolog.Logger
}

var _ domain.Platform = (*Platform)(nil)

// NewPlatform создаёт адаптер.
func NewPlatform(api API, logger zerolog.Logger) *Platform {
	return &Platform{api: api, log: logger.With().Str("component", "telegram").Logger()}
}

func target(cid int64) string {
	return strconv.FormatInt(cid, 10)
}

// RestrictMember запрещает участнику писать в группе.
func (p *Platform) RestrictMember(_ context.Context, gid, uid int64) error {
	cfg := tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: gid, UserID: uid},
		Permissions:      &tgbotapi.ChatPermissions{},
	}
	return p.request("restrict_member", gid, cfg)
}

// UnrestrictMember возвращает участнику обычные права.
func (p *Platform) UnrestrictMember(_ context.Context, gid, uid int64) error {
	cfg := tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: gid, UserID: uid},
		Permissions: &tgbotapi.ChatPermissions{
			CanSendMessages:       true,
			CanSendMediaMessages:  true,
			CanSendPolls:          true,
			CanSendOtherMessages:  true,
			CanAddWebPagePreviews: true,
			CanInviteUsers:        true,
		},
	}
	return p.request("unrestrict_member", gid, cfg)
}

// BanMember банит участника до until. Нулевое время означает бессрочный бан.
func (p *Platform) BanMember(_ context.Context, gid, uid int64, until time.Time) error {
	cfg := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: gid, UserID: uid},
	}
	if !until.IsZero() {
		cfg.UntilDate = until.Unix()
	}
	return p.request("ban_member", gid, cfg)
}

// KickMember удаляет участника без бана: бан и сразу снятие.
func (p *Platform) KickMember(ctx context.Context, gid, uid int64) error {
	if err := p.BanMember(ctx, gid, uid, time.Time{}); err != nil {
		return err
	}
	cfg := tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: gid, UserID: uid},
		OnlyIfBanned:     true,
	}
	return p.request("unban_member", gid, cfg)
}

// SendMessage отправляет HTML-сообщение.
func (p *Platform) SendMessage(_ context.Context, cid int64, text string, replyTo int, mk *domain.Markup) (int, error) {
	msg := tgbotapi.NewMessage(cid, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyToMessageID = replyTo
	msg.AllowSendingWithoutReply = true
	if kb := keyboard(mk); kb != nil {
		msg.ReplyMarkup = *kb
	}
	return p.send("send_message", cid, msg)
}

// SendPhoto отправляет картинку с подписью.
func (p *Platform) SendPhoto(_ context.Context, cid int64, img domain.Image, caption string, replyTo int, mk *domain.Markup) (int, error) {
	photo := tgbotapi.NewPhoto(cid, tgbotapi.FileBytes{Name: img.Name, Bytes: img.Data})
	photo.Caption = Truncate(caption, captionLimit)
	photo.ParseMode = tgbotapi.ModeHTML
	photo.ReplyToMessageID = replyTo
	photo.AllowSendingWithoutReply = true
	if kb := keyboard(mk); kb != nil {
		photo.ReplyMarkup = *kb
	}
	return p.send("send_photo", cid, photo)
}

type inputMedia struct {
	Type      string `json:"type"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// EditMessageMedia заменяет картинку и подпись сообщения.
func (p *Platform) EditMessageMedia(_ context.Context, cid int64, mid int, img domain.Image, caption string, mk *domain.Markup) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", cid)
	params.AddNonZero("message_id", mid)
	media := inputMedia{Type: "photo", Media: "attach://file-0", Caption: Truncate(caption, captionLimit), ParseMode: tgbotapi.ModeHTML}
	if err := params.AddInterface("media", media); err != nil {
		return err
	}
	if kb := keyboard(mk); kb != nil {
		if err := params.AddInterface("reply_markup", kb); err != nil {
			return err
		}
	}
	files := []tgbotapi.RequestFile{{Name: "file-0", Data: tgbotapi.FileBytes{Name: img.Name, Bytes: img.Data}}}
	start := time.Now()
	_, err := p.api.UploadFiles("editMessageMedia", params, files)
	metrics.ObserveNetworkRequest("telegram_bot", "edit_media", target(cid), start, err)
	return err
}

// DeleteMessages удаляет сообщения. Уже удалённые не считаются ошибкой.
func (p *Platform) DeleteMessages(_ context.Context, cid int64, mids ...int) error {
	var errs []error
	for _, mid := range mids {
		if mid == 0 {
			continue
		}
		err := p.request("delete_message", cid, tgbotapi.NewDeleteMessage(cid, mid))
		if err != nil && !isGone(err) {
			errs = append(errs, fmt.Errorf("сообщение %d: %w", mid, err))
		}
	}
	return errors.Join(errs...)
}

// PinMessage закрепляет сообщение без уведомления.
func (p *Platform) PinMessage(_ context.Context, cid int64, mid int) error {
	cfg := tgbotapi.PinChatMessageConfig{ChatID: cid, MessageID: mid, DisableNotification: true}
	return p.request("pin_message", cid, cfg)
}

// PinnedMessage возвращает id закреплённого сообщения или 0.
func (p *Platform) PinnedMessage(_ context.Context, cid int64) (int, error) {
	start := time.Now()
	chat, err := p.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: cid}})
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat", target(cid), start, err)
	if err != nil {
		return 0, err
	}
	if chat.PinnedMessage == nil {
		return 0, nil
	}
	return chat.PinnedMessage.MessageID, nil
}

// GetMember возвращает статус участника.
func (p *Platform) GetMember(_ context.Context, gid, uid int64) (domain.MemberStatus, error) {
	start := time.Now()
	m, err := p.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: gid, UserID: uid},
	})
	metrics.ObserveNetworkRequest("telegram_bot", "get_member", target(gid), start, err)
	if err != nil {
		return domain.MemberStatus{}, err
	}
	return domain.MemberStatus{
		Status:     m.Status,
		Restricted: m.Status == "restricted" && !m.CanSendMessages,
		Admin:      m.IsAdministrator() || m.IsCreator(),
	}, nil
}

// CreateInviteLink выпускает новую ссылку-приглашение.
func (p *Platform) CreateInviteLink(_ context.Context, cid int64) (string, error) {
	start := time.Now()
	resp, err := p.api.Request(tgbotapi.CreateChatInviteLinkConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: cid}})
	metrics.ObserveNetworkRequest("telegram_bot", "create_invite", target(cid), start, err)
	if err != nil {
		return "", err
	}
	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", fmt.Errorf("разбор ссылки: %w", err)
	}
	return link.InviteLink, nil
}

func (p *Platform) send(op string, cid int64, c tgbotapi.Chattable) (int, error) {
	start := time.Now()
	msg, err := p.api.Send(c)
	metrics.ObserveNetworkRequest("telegram_bot", op, target(cid), start, err)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (p *Platform) request(op string, cid int64, c tgbotapi.Chattable) error {
	start := time.Now()
	_, err := p.api.Request(c)
	metrics.ObserveNetworkRequest("telegram_bot", op, target(cid), start, err)
	if err != nil {
		p.log.Debug().Err(err).Str("op", op).Int64("chat", cid).Msg("запрос к Bot API не выполнен")
	}
	return err
}

// isGone сообщает, что сообщение уже удалено или недоступно.
func isGone(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "message to delete not found") || strings.Contains(msg, "message can't be deleted")
}

// keyboard переводит доменную клавиатуру в формат Bot API.
func keyboard(mk *domain.Markup) *tgbotapi.InlineKeyboardMarkup {
	if mk == nil || len(mk.Rows) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(mk.Rows))
	for _, row := range mk.Rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, buttons)
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

// Markup переводит клавиатуру входящего сообщения в доменную.
func Markup(kb *tgbotapi.InlineKeyboardMarkup) *domain.Markup {
	if kb == nil {
		return nil
	}
	mk := &domain.Markup{}
	for _, row := range kb.InlineKeyboard {
		buttons := make([]domain.Button, 0, len(row))
		for _, b := range row {
			btn := domain.Button{Text: b.Text}
			if b.CallbackData != nil {
				btn.Data = *b.CallbackData
			}
			if b.URL != nil {
				btn.URL = *b.URL
			}
			buttons = append(buttons, btn)
		}
		mk.AddRow(buttons...)
	}
	return mk
}
