package flood

import (
	"time"

	"tg-captcha-bot/internal/domain"
)

// Verdict описывает результат наблюдения за очередью группы.
type Verdict struct {
	// Flooded: группа сейчас в режиме флуда.
	Flooded bool
	// Entered: это наблюдение открыло окно флуда.
	Entered bool
	// Exited: это наблюдение закрыло окно флуда.
	Exited bool
	// Count хранит число ожидающих на момент наблюдения.
	Count int
	// NoticeID указывает закреплённое флуд-уведомление закрытого окна.
	NoticeID int
	// RestoreID указывает закрепление, которое было до начала флуда.
	RestoreID int
}

// Detector определяет вход и выход из режима флуда по числу ожидающих.
type Detector struct {
	limit int
}

// NewDetector создаёт детектор с порогом limit ожидающих.
func NewDetector(limit int) *Detector {
	if limit <= 0 {
		limit = 10
	}
	return &Detector{limit: limit}
}

// Limit возвращает порог.
func (d *Detector) Limit() int {
	return d.limit
}

// Observe классифицирует очередное вступление и обновляет состояние закрепления.
// Вызывается в критической секции группы.
func (d *Detector) Observe(p *domain.PinnedState, waiting int, now time.Time) Verdict {
	v := Verdict{Count: waiting}
	if waiting > d.limit {
		v.Flooded = true
		if p.FloodStart.IsZero() {
			p.FloodStart = now
			v.Entered = true
		}
		p.LastFlood = now
		return v
	}
	if !p.FloodStart.IsZero() {
		v.Exited = true
		v.NoticeID = p.NewID
		v.RestoreID = p.OldID
		p.FloodStart = time.Time{}
		p.NewID = 0
		p.OldID = 0
	}
	return v
}

// Active сообщает, открыто ли окно флуда.
func Active(p domain.PinnedState) bool {
	return !p.FloodStart.IsZero()
}
