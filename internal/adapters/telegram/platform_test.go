package telegram

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/domain"
)

type fakeAPI struct {
	sent      []tgbotapi.Chattable
	requests  []tgbotapi.Chattable
	uploads   []string
	requestErr error
	member    tgbotapi.ChatMember
	chat      tgbotapi.Chat
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	if _, ok := c.(tgbotapi.CreateChatInviteLinkConfig); ok {
		raw, _ := json.Marshal(tgbotapi.ChatInviteLink{InviteLink: "https://t.me/+abc"})
		return &tgbotapi.APIResponse{Ok: true, Result: raw}, nil
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetChat(tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	return f.chat, nil
}

func (f *fakeAPI) GetChatMember(tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	return f.member, nil
}

func (f *fakeAPI) UploadFiles(endpoint string, _ tgbotapi.Params, _ []tgbotapi.RequestFile) (*tgbotapi.APIResponse, error) {
	f.uploads = append(f.uploads, endpoint)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func TestSendMessageUsesHTMLAndKeyboard(t *testing.T) {
	api := &fakeAPI{}
	p := NewPlatform(api, zerolog.Nop())
	mk := &domain.Markup{}
	mk.AddRow(domain.Button{Text: "Проверить", Data: "hint:check"}, domain.Button{Text: "Чат", URL: "https://t.me/c"})

	mid, err := p.SendMessage(context.Background(), -100, "<b>текст</b>", 7, mk)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if mid != 1 {
		t.Fatalf("ожидали id 1, получили %d", mid)
	}
	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("ожидали MessageConfig, получили %T", api.sent[0])
	}
	if msg.ParseMode != tgbotapi.ModeHTML || msg.ReplyToMessageID != 7 {
		t.Fatalf("неверные параметры сообщения: %+v", msg)
	}
	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(kb.InlineKeyboard) != 1 || len(kb.InlineKeyboard[0]) != 2 {
		t.Fatalf("клавиатура не передана: %#v", msg.ReplyMarkup)
	}
	back := Markup(&kb)
	if back.TextForData("hint:check") != "Проверить" || back.Rows[0][1].URL != "https://t.me/c" {
		t.Fatalf("обратное преобразование потеряло кнопки: %+v", back)
	}
}

func TestKickIsBanAndUnban(t *testing.T) {
	api := &fakeAPI{}
	p := NewPlatform(api, zerolog.Nop())
	if err := p.KickMember(context.Background(), -100, 5); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(api.requests) != 2 {
		t.Fatalf("ожидали 2 запроса, получили %d", len(api.requests))
	}
	ban, ok := api.requests[0].(tgbotapi.BanChatMemberConfig)
	if !ok || ban.UntilDate != 0 {
		t.Fatalf("первым должен быть бессрочный бан: %#v", api.requests[0])
	}
	if _, ok := api.requests[1].(tgbotapi.UnbanChatMemberConfig); !ok {
		t.Fatalf("вторым должно быть снятие бана: %#v", api.requests[1])
	}
}

func TestBanUntil(t *testing.T) {
	api := &fakeAPI{}
	p := NewPlatform(api, zerolog.Nop())
	until := time.Unix(1_700_000_000, 0)
	if err := p.BanMember(context.Background(), -100, 5, until); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if ban := api.requests[0].(tgbotapi.BanChatMemberConfig); ban.UntilDate != until.Unix() {
		t.Fatalf("неверный срок бана: %d", ban.UntilDate)
	}
}

func TestDeleteIgnoresMissingMessages(t *testing.T) {
	api := &fakeAPI{requestErr: &tgbotapi.Error{Code: 400, Message: "Bad Request: message to delete not found"}}
	p := NewPlatform(api, zerolog.Nop())
	if err := p.DeleteMessages(context.Background(), -100, 1, 0, 2); err != nil {
		t.Fatalf("удалённые сообщения не должны давать ошибку: %v", err)
	}
	if len(api.requests) != 2 {
		t.Fatalf("нулевой id не должен отправляться, запросов %d", len(api.requests))
	}

	api.requestErr = &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was kicked"}
	if err := p.DeleteMessages(context.Background(), -100, 3); err == nil {
		t.Fatalf("ожидали ошибку доступа")
	}
}

func TestGetMemberMapsRestriction(t *testing.T) {
	api := &fakeAPI{member: tgbotapi.ChatMember{Status: "restricted"}}
	p := NewPlatform(api, zerolog.Nop())
	st, err := p.GetMember(context.Background(), -100, 5)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !st.Restricted || st.Admin {
		t.Fatalf("неверный статус: %+v", st)
	}

	api.member = tgbotapi.ChatMember{Status: "administrator"}
	st, _ = p.GetMember(context.Background(), -100, 5)
	if st.Restricted || !st.Admin {
		t.Fatalf("ожидали администратора: %+v", st)
	}
}

func TestInviteLinkAndPinned(t *testing.T) {
	api := &fakeAPI{chat: tgbotapi.Chat{PinnedMessage: &tgbotapi.Message{MessageID: 42}}}
	p := NewPlatform(api, zerolog.Nop())
	link, err := p.CreateInviteLink(context.Background(), -100)
	if err != nil || link != "https://t.me/+abc" {
		t.Fatalf("неверная ссылка %q: %v", link, err)
	}
	mid, err := p.PinnedMessage(context.Background(), -100)
	if err != nil || mid != 42 {
		t.Fatalf("ожидали закреп 42, получили %d: %v", mid, err)
	}
}

func TestEditMessageMediaUploads(t *testing.T) {
	api := &fakeAPI{}
	p := NewPlatform(api, zerolog.Nop())
	err := p.EditMessageMedia(context.Background(), -100, 3, domain.Image{Name: "c.png", Data: []byte{1}}, "подпись", nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(api.uploads) != 1 || api.uploads[0] != "editMessageMedia" {
		t.Fatalf("ожидали вызов editMessageMedia: %v", api.uploads)
	}
}
