package state

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locks объединяет именованные блокировки движка.
type Locks struct {
	// Config сериализует изменение настроек, пропусков и вопросов групп.
	Config sync.Mutex
	// Message сериализует отправку и замену подсказок.
	Message sync.Mutex
	// Pin сериализует закрепление флуд-уведомления.
	Pin sync.Mutex
	// Invite ограничивает обновление ссылки-приглашения одним вызовом.
	Invite *semaphore.Weighted
}

// NewLocks создаёт набор блокировок.
func NewLocks() *Locks {
	return &Locks{Invite: semaphore.NewWeighted(1)}
}

// Critical выполняет fn под блокировкой и снимает её на любом выходе.
func Critical(mu sync.Locker, fn func() error) error {
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// TryInvite пытается занять квоту приглашений без ожидания.
func (l *Locks) TryInvite() (release func(), ok bool) {
	if !l.Invite.TryAcquire(1) {
		return nil, false
	}
	return func() { l.Invite.Release(1) }, true
}
