package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Button описывает кнопку встроенной клавиатуры. Заполняется либо Data, либо URL.
type Button struct {
	Text string
	Data string
	URL  string
}

// Markup хранит встроенную клавиатуру построчно.
type Markup struct {
	Rows [][]Button
}

// AddRow добавляет строку кнопок.
func (m *Markup) AddRow(buttons ...Button) {
	if len(buttons) == 0 {
		return
	}
	m.Rows = append(m.Rows, buttons)
}

// TextForData ищет текст кнопки по callback data.
func (m *Markup) TextForData(data string) string {
	if m == nil {
		return ""
	}
	for _, row := range m.Rows {
		for _, b := range row {
			if b.Data != "" && b.Data == data {
				return b.Text
			}
		}
	}
	return ""
}

// Platform описывает операции чат-платформы, нужные движку.
type Platform interface {
	RestrictMember(ctx context.Context, gid, uid int64) error
	UnrestrictMember(ctx context.Context, gid, uid int64) error
	BanMember(ctx context.Context, gid, uid int64, until time.Time) error
	KickMember(ctx context.Context, gid, uid int64) error
	SendMessage(ctx context.Context, cid int64, text string, replyTo int, markup *Markup) (int, error)
	SendPhoto(ctx context.Context, cid int64, img Image, caption string, replyTo int, markup *Markup) (int, error)
	EditMessageMedia(ctx context.Context, cid int64, mid int, img Image, caption string, markup *Markup) error
	DeleteMessages(ctx context.Context, cid int64, mids ...int) error
	PinMessage(ctx context.Context, cid int64, mid int) error
	PinnedMessage(ctx context.Context, cid int64) (int, error)
	GetMember(ctx context.Context, gid, uid int64) (MemberStatus, error)
	CreateInviteLink(ctx context.Context, cid int64) (string, error)
}

// StateRepo сохраняет именованные снимки состояния.
type StateRepo interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, blob []byte) error
}

// RenderStyle задаёт вид картинки.
type RenderStyle string

const (
	// StyleClean рисует текст на ровном фоне.
	StyleClean RenderStyle = "clean"
	// StyleNoisy искажает символы и добавляет шум.
	StyleNoisy RenderStyle = "noisy"
)

// Renderer превращает текст в картинку.
type Renderer interface {
	Render(text string, style RenderStyle) (Image, error)
}

// Tasks выполняет фоновую работу без гарантий порядка.
type Tasks interface {
	Go(name string, fn func(ctx context.Context))
	After(name string, delay time.Duration, fn func(ctx context.Context))
}

// EventKind определяет тип события для мониторинга.
type EventKind string

const (
	EventWait      EventKind = "wait"
	EventFlood     EventKind = "flood"
	EventSucceeded EventKind = "succeeded"
	EventFailed    EventKind = "failed"
	EventPunished  EventKind = "punished"
	EventPass      EventKind = "pass"
	EventUndoPass  EventKind = "undo_pass"
	EventConfig    EventKind = "config"
	EventQns       EventKind = "qns"
)

// Event отправляется внешним мониторам.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	GroupID int64     `json:"group_id,omitempty"`
	UserID  int64     `json:"user_id,omitempty"`
	AdminID int64     `json:"admin_id,omitempty"`
	Status  string    `json:"status,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// NewEvent создаёт событие с уникальным id.
func NewEvent(kind EventKind, gid, uid int64, at time.Time) Event {
	return Event{ID: uuid.NewString(), Kind: kind, GroupID: gid, UserID: uid, At: at}
}

// EventPublisher доставляет события мониторам.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Cache используется для короткоживущих значений, общих для реплик.
type Cache interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}
