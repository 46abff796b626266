package hint

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/usecase/flood"
	"tg-captcha-bot/internal/usecase/state"
)

type sent struct {
	cid    int64
	mid    int
	text   string
	markup *domain.Markup
}

type stubPlatform struct {
	domain.Platform

	mu       sync.Mutex
	next     int
	sent     []sent
	deleted  []int
	pinned   []int
	current  int
	failSend bool
}

func (p *stubPlatform) SendMessage(_ context.Context, cid int64, text string, _ int, mk *domain.Markup) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSend {
		return 0, errors.New("send failed")
	}
	p.next++
	p.sent = append(p.sent, sent{cid: cid, mid: p.next, text: text, markup: mk})
	return p.next, nil
}

func (p *stubPlatform) DeleteMessages(_ context.Context, _ int64, mids ...int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, mids...)
	return nil
}

func (p *stubPlatform) PinMessage(_ context.Context, _ int64, mid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned = append(p.pinned, mid)
	p.current = mid
	return nil
}

func (p *stubPlatform) PinnedMessage(context.Context, int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

type inlineTasks struct{ delayed int }

func (inlineTasks) Go(_ string, fn func(ctx context.Context)) { fn(context.Background()) }

func (t *inlineTasks) After(string, time.Duration, func(ctx context.Context)) { t.delayed++ }

func newManager(p *stubPlatform) (*Manager, *state.Store) {
	store := state.NewStore(zerolog.Nop())
	locks := state.NewLocks()
	links, err := NewLinks(p, nil, locks, 0, "https://t.me/captcha_chat", time.Hour, zerolog.Nop())
	if err != nil {
		panic(err)
	}
	return NewManager(p, store, locks, &inlineTasks{}, links, Config{MentionLimit: 2, TimeCaptcha: time.Minute}, zerolog.Nop()), store
}

func hasData(mk *domain.Markup, data string) bool {
	return mk.TextForData(data) != ""
}

func TestSendRegularSingleHasNoCheckButton(t *testing.T) {
	p := &stubPlatform{}
	m, store := newManager(p)
	mid, err := m.SendRegular(context.Background(), -100, []Mention{{ID: 1, Name: "Анна"}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if hasData(p.sent[0].markup, DataCheck) {
		t.Fatalf("в подсказке для одного участника не должно быть кнопки проверки")
	}
	if p.sent[0].markup.Rows[0][0].URL != "https://t.me/captcha_chat" {
		t.Fatalf("ожидали ссылку по умолчанию, получили %+v", p.sent[0].markup.Rows)
	}
	if store.Group(-100).Messages.Hint != mid {
		t.Fatalf("подсказка не сохранена")
	}
}

func TestSendRegularReplacesPreviousHint(t *testing.T) {
	p := &stubPlatform{}
	m, store := newManager(p)
	first, _ := m.SendRegular(context.Background(), -100, []Mention{{ID: 1}})
	second, err := m.SendRegular(context.Background(), -100, []Mention{{ID: 1}, {ID: 2}, {ID: 3}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !hasData(p.sent[1].markup, DataCheck) {
		t.Fatalf("в общей подсказке нужна кнопка проверки")
	}
	if strings.Count(p.sent[1].text, "tg://user") != 2 || !strings.Contains(p.sent[1].text, "и ещё 1") {
		t.Fatalf("упоминания должны ограничиваться лимитом: %s", p.sent[1].text)
	}
	if len(p.deleted) != 1 || p.deleted[0] != first {
		t.Fatalf("ожидали удаление старой подсказки %d, удалены %v", first, p.deleted)
	}
	if store.Group(-100).Messages.Hint != second {
		t.Fatalf("текущая подсказка должна быть %d", second)
	}
}

func TestEnterFloodPinsOnce(t *testing.T) {
	p := &stubPlatform{current: 77}
	m, store := newManager(p)
	hint, _ := m.SendRegular(context.Background(), -100, []Mention{{ID: 1}})

	if err := m.EnterFlood(context.Background(), -100, 11, true); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := m.EnterFlood(context.Background(), -100, 12, true); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(p.pinned) != 1 {
		t.Fatalf("ожидали одно закрепление, получили %v", p.pinned)
	}
	g := store.Group(-100)
	if g.Pinned.OldID != 77 || g.Pinned.NewID != p.pinned[0] {
		t.Fatalf("некорректное состояние закрепления: %+v", g.Pinned)
	}
	if g.Messages.Hint != 0 || len(p.deleted) != 1 || p.deleted[0] != hint {
		t.Fatalf("обычная подсказка должна быть удалена при флуде")
	}
	if len(g.Messages.Flood) != 1 {
		t.Fatalf("ожидали одно флуд-уведомление, получили %v", g.Messages.Flood)
	}
}

func TestExitFloodRestoresPin(t *testing.T) {
	p := &stubPlatform{}
	m, _ := newManager(p)
	m.ExitFlood(-100, flood.Verdict{Exited: true, NoticeID: 9, RestoreID: 5})
	if len(p.pinned) != 1 || p.pinned[0] != 5 {
		t.Fatalf("ожидали возврат закрепления 5, получили %v", p.pinned)
	}
	m.ExitFlood(-100, flood.Verdict{Exited: true, NoticeID: 9})
	if len(p.pinned) != 1 {
		t.Fatalf("без прежнего закрепления ничего не закрепляем")
	}
}

func TestSendFailureReturnsSendError(t *testing.T) {
	p := &stubPlatform{failSend: true}
	m, store := newManager(p)
	_, err := m.SendRegular(context.Background(), -100, []Mention{{ID: 1}})
	var sendErr *domain.SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("ожидали SendError, получили %v", err)
	}
	if store.Group(-100).Messages.Hint != 0 {
		t.Fatalf("неотправленная подсказка не должна сохраняться")
	}
}

func TestQuestionMarkup(t *testing.T) {
	p := &stubPlatform{}
	m, _ := newManager(p)
	_, err := m.SendQuestion(context.Background(), -100, []Mention{{ID: 1}}, "2+2?", []string{"3", "4"}, 30*time.Second)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	mk := p.sent[0].markup
	if mk.TextForData(DataQnsPref+"1") != "4" {
		t.Fatalf("ожидали кнопку ответа 4, получили %+v", mk.Rows)
	}
	if hasData(mk, DataCheck) {
		t.Fatalf("для одного участника кнопка проверки не нужна")
	}
}

func TestMessageLink(t *testing.T) {
	if got := MessageLink(-1001234567890, 15); got != "https://t.me/c/1234567890/15" {
		t.Fatalf("неожиданная ссылка: %s", got)
	}
}

func TestSendRegularQuietDuringFlood(t *testing.T) {
	p := &stubPlatform{}
	m, store := newManager(p)
	_ = store.UpdateGroup(-100, func(g *domain.GroupState) error {
		g.Pinned.FloodStart = time.Now()
		return nil
	})
	mid, err := m.SendRegular(context.Background(), -100, []Mention{{ID: 1}})
	if err != nil || mid != 0 {
		t.Fatalf("во время флуда подсказка не отправляется: %d, %v", mid, err)
	}
	if len(p.sent) != 0 {
		t.Fatalf("ожидали ни одного сообщения, получили %d", len(p.sent))
	}

	if _, err := m.SendQuestion(context.Background(), -100, []Mention{{ID: 1}}, "2+2?", []string{"4"}, time.Minute); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(p.sent) != 1 {
		t.Fatalf("вопрос группы отправляется и во время флуда")
	}
}

func TestLinksRequireFallback(t *testing.T) {
	_, err := NewLinks(&stubPlatform{}, nil, state.NewLocks(), -100, "", time.Hour, zerolog.Nop())
	if !errors.Is(err, ErrNoLink) {
		t.Fatalf("ожидали ErrNoLink, получили %v", err)
	}
}
