package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"tg-captcha-bot/internal/domain"
)

// Ключи снимков состояния в хранилище.
const (
	KeyUsers       = "user_ids"
	KeyMessages    = "message_ids"
	KeyPinned      = "pinned_ids"
	KeyQuestions   = "questions"
	KeyConfigs     = "configs"
	KeyCustomTexts = "custom_texts"
)

// GroupKeys перечисляет ключи, из которых собирается состояние группы.
var GroupKeys = []string{KeyMessages, KeyPinned, KeyQuestions, KeyConfigs, KeyCustomTexts}

// Store хранит состояние пользователей и групп. Все изменения записи пользователя
// в рамках одной группы выполняются под одной блокировкой.
type Store struct {
	mu      sync.RWMutex
	users   map[int64]*domain.UserRecord
	groups  map[int64]*domain.GroupState
	waiting map[int64]map[int64]struct{}
	dirty   map[string]struct{}
	log     zerolog.Logger
}

// NewStore создаёт пустое хранилище.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		users:   make(map[int64]*domain.UserRecord),
		groups:  make(map[int64]*domain.GroupState),
		waiting: make(map[int64]map[int64]struct{}),
		dirty:   make(map[string]struct{}),
		log:     logger.With().Str("component", "state").Logger(),
	}
}

// User возвращает копию записи пользователя.
func (s *Store) User(uid int64) (domain.UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[uid]
	if !ok {
		return domain.UserRecord{}, false
	}
	return u.Clone(), true
}

// Group возвращает копию состояния группы, создавая его при первом обращении.
func (s *Store) Group(gid int64) domain.GroupState {
	s.mu.RLock()
	g, ok := s.groups[gid]
	if ok {
		cp := g.Clone()
		s.mu.RUnlock()
		return cp
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group(gid).Clone()
}

// UpdateUser изменяет запись пользователя под блокировкой. Запись создаётся при необходимости.
func (s *Store) UpdateUser(uid int64, fn func(u *domain.UserRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateUser(uid, fn)
}

// UpdateGroup изменяет состояние группы под блокировкой.
func (s *Store) UpdateGroup(gid int64, fn func(g *domain.GroupState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(gid)
	if err := fn(g); err != nil {
		return err
	}
	s.markGroup()
	return nil
}

// ObserveGroup изменяет группу, передавая текущее число ожидающих в ней.
// Число и изменение согласованы между собой.
func (s *Store) ObserveGroup(gid int64, fn func(g *domain.GroupState, waiting int) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(gid)
	if err := fn(g, len(s.waiting[gid])); err != nil {
		return err
	}
	s.markGroup()
	return nil
}

// UpdateGroups изменяет несколько групп в одной критической секции.
func (s *Store) UpdateGroups(fn func(groups map[int64]*domain.GroupState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.groups); err != nil {
		return err
	}
	s.markGroup()
	return nil
}

// ViewGroups даёт доступ на чтение ко всем группам. fn не должна менять состояние.
func (s *Store) ViewGroups(fn func(groups map[int64]*domain.GroupState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.groups)
}

// Update изменяет пользователя и группу в одной критической секции.
func (s *Store) Update(uid, gid int64, fn func(u *domain.UserRecord, g *domain.GroupState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(gid)
	err := s.mutateUser(uid, func(u *domain.UserRecord) error {
		return fn(u, g)
	})
	if err != nil {
		return err
	}
	s.markGroup()
	return nil
}

// BeginWait ставит пользователя в ожидание проверки в группе. Возвращает false,
// если пользователь уже ждёт или пропущен вручную.
func (s *Store) BeginWait(uid, gid int64, name string, now time.Time) bool {
	started := false
	_ = s.UpdateUser(uid, func(u *domain.UserRecord) error {
		if name != "" {
			u.Name = name
		}
		if u.Waiting(gid) {
			return nil
		}
		if _, ok := u.Pass[gid]; ok {
			return nil
		}
		u.Wait[gid] = now
		started = true
		return nil
	})
	return started
}

// MarkSucceeded завершает ожидание успехом. Возвращает false, если пользователь не ждал.
func (s *Store) MarkSucceeded(uid, gid int64, now time.Time) bool {
	return s.finish(uid, gid, func(u *domain.UserRecord) { u.Succeeded[gid] = now })
}

// MarkFailed завершает ожидание неудачей. Возвращает false, если пользователь не ждал.
func (s *Store) MarkFailed(uid, gid int64, now time.Time) bool {
	return s.finish(uid, gid, func(u *domain.UserRecord) { u.Failed[gid] = now })
}

// Rollback отменяет ожидание без итога. Повторный вызов ничего не меняет.
func (s *Store) Rollback(uid, gid int64) bool {
	return s.finish(uid, gid, func(*domain.UserRecord) {})
}

func (s *Store) finish(uid, gid int64, mark func(u *domain.UserRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[uid]; !ok {
		return false
	}
	done := false
	_ = s.mutateUser(uid, func(u *domain.UserRecord) error {
		if !u.Waiting(gid) {
			return nil
		}
		clearWait(u, gid)
		mark(u)
		done = true
		return nil
	})
	return done
}

// GrantPass пропускает пользователя в группе вручную. Возвращает, ждал ли он проверки.
func (s *Store) GrantPass(uid, gid int64, now time.Time) bool {
	wasWaiting := false
	_ = s.UpdateUser(uid, func(u *domain.UserRecord) error {
		wasWaiting = u.Waiting(gid)
		clearWait(u, gid)
		u.Pass[gid] = now
		return nil
	})
	return wasWaiting
}

// RevokePass снимает ручной пропуск. Возвращает false, если пропуска не было.
func (s *Store) RevokePass(uid, gid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return false
	}
	if _, ok := u.Pass[gid]; !ok {
		return false
	}
	delete(u.Pass, gid)
	s.dirty[KeyUsers] = struct{}{}
	return true
}

// IncrementTries увеличивает счётчик попыток активной проверки.
func (s *Store) IncrementTries(uid int64) (tries, limit int, err error) {
	err = s.UpdateUser(uid, func(u *domain.UserRecord) error {
		if len(u.Wait) == 0 {
			return domain.ErrNotWaiting
		}
		u.Tries++
		tries, limit = u.Tries, u.Limit
		return nil
	})
	return tries, limit, err
}

// SetChallenge сохраняет выданную проверку.
func (s *Store) SetChallenge(uid int64, spec domain.ChallengeSpec, mid int, now time.Time) error {
	return s.UpdateUser(uid, func(u *domain.UserRecord) error {
		if len(u.Wait) == 0 {
			return domain.ErrNotWaiting
		}
		u.Kind = spec.Kind
		u.Answer = spec.Answer
		u.Limit = spec.Limit
		u.Tries = 0
		u.MessageID = mid
		u.IssuedAt = now
		u.Changed = false
		return nil
	})
}

// SetQnsTag запоминает вопрос группы, выданный пользователю.
func (s *Store) SetQnsTag(uid, gid int64, tag string) error {
	return s.UpdateUser(uid, func(u *domain.UserRecord) error {
		if !u.Waiting(gid) {
			return domain.ErrNotWaiting
		}
		u.QnsTag[gid] = tag
		return nil
	})
}

// WaitingUsers возвращает ожидающих в группе в порядке вступления.
func (s *Store) WaitingUsers(gid int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.waiting[gid]
	out := make([]int64, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := s.users[out[i]].Wait[gid], s.users[out[j]].Wait[gid]
		if ti.Equal(tj) {
			return out[i] < out[j]
		}
		return ti.Before(tj)
	})
	return out
}

// WaitingCount возвращает число ожидающих в группе.
func (s *Store) WaitingCount(gid int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.waiting[gid])
}

// TotalWaiting возвращает число пар пользователь-группа в ожидании.
func (s *Store) TotalWaiting() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, set := range s.waiting {
		n += len(set)
	}
	return n
}

func (s *Store) group(gid int64) *domain.GroupState {
	g, ok := s.groups[gid]
	if !ok {
		g = domain.NewGroupState(gid)
		s.groups[gid] = g
		s.markGroup()
	}
	return g
}

func (s *Store) markGroup() {
	for _, k := range GroupKeys {
		s.dirty[k] = struct{}{}
	}
}

// mutateUser вызывается под s.mu и поддерживает индекс ожидающих.
func (s *Store) mutateUser(uid int64, fn func(u *domain.UserRecord) error) error {
	u, ok := s.users[uid]
	if !ok {
		u = domain.NewUserRecord(uid)
	}
	before := make([]int64, 0, len(u.Wait))
	for gid := range u.Wait {
		before = append(before, gid)
	}
	if err := fn(u); err != nil {
		return err
	}
	s.users[uid] = u
	for _, gid := range before {
		if !u.Waiting(gid) {
			delete(s.waiting[gid], uid)
		}
	}
	for gid := range u.Wait {
		set, ok := s.waiting[gid]
		if !ok {
			set = make(map[int64]struct{})
			s.waiting[gid] = set
		}
		set[uid] = struct{}{}
	}
	s.dirty[KeyUsers] = struct{}{}
	return nil
}

func clearWait(u *domain.UserRecord, gid int64) {
	delete(u.Wait, gid)
	delete(u.QnsTag, gid)
	delete(u.Manual, gid)
	if len(u.Wait) == 0 {
		u.ResetChallenge()
	}
}

// Flush сохраняет изменённые снимки. Неудачные ключи остаются помеченными.
func (s *Store) Flush(ctx context.Context, repo domain.StateRepo) error {
	blobs, err := s.snapshot()
	if err != nil {
		return err
	}
	var firstErr error
	for key, blob := range blobs {
		if err := repo.Save(ctx, key, blob); err != nil {
			s.mu.Lock()
			s.dirty[key] = struct{}{}
			s.mu.Unlock()
			if firstErr == nil {
				firstErr = fmt.Errorf("сохранение %s: %w", key, err)
			}
			continue
		}
		s.log.Debug().Str("key", key).Int("bytes", len(blob)).Msg("снимок сохранён")
	}
	return firstErr
}

func (s *Store) snapshot() (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.dirty))
	for key := range s.dirty {
		var v any
		switch key {
		case KeyUsers:
			v = s.users
		case KeyMessages:
			m := make(map[int64]domain.GroupMessages, len(s.groups))
			for gid, g := range s.groups {
				m[gid] = g.Messages
			}
			v = m
		case KeyPinned:
			m := make(map[int64]domain.PinnedState, len(s.groups))
			for gid, g := range s.groups {
				m[gid] = g.Pinned
			}
			v = m
		case KeyQuestions:
			m := make(map[int64]domain.QuestionBank, len(s.groups))
			for gid, g := range s.groups {
				m[gid] = g.Bank
			}
			v = m
		case KeyConfigs:
			m := make(map[int64]groupConfig, len(s.groups))
			for gid, g := range s.groups {
				m[gid] = groupConfig{Config: g.Config, PassCount: g.PassCount}
			}
			v = m
		case KeyCustomTexts:
			m := make(map[int64]map[string]string, len(s.groups))
			for gid, g := range s.groups {
				m[gid] = g.CustomTexts
			}
			v = m
		default:
			continue
		}
		blob, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("кодирование %s: %w", key, err)
		}
		out[key] = blob
	}
	s.dirty = make(map[string]struct{})
	return out, nil
}

type groupConfig struct {
	Config    domain.GroupConfig `msgpack:"config"`
	PassCount int                `msgpack:"pass_count"`
}

// Load восстанавливает состояние из хранилища. Отсутствующие ключи пропускаются.
func (s *Store) Load(ctx context.Context, repo domain.StateRepo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range append([]string{KeyUsers}, GroupKeys...) {
		blob, err := repo.Load(ctx, key)
		if err != nil {
			return fmt.Errorf("загрузка %s: %w", key, err)
		}
		if len(blob) == 0 {
			continue
		}
		if err := s.decode(key, blob); err != nil {
			return fmt.Errorf("разбор %s: %w", key, err)
		}
	}
	s.waiting = make(map[int64]map[int64]struct{})
	for uid, u := range s.users {
		for gid := range u.Wait {
			if s.waiting[gid] == nil {
				s.waiting[gid] = make(map[int64]struct{})
			}
			s.waiting[gid][uid] = struct{}{}
		}
	}
	s.log.Info().Int("users", len(s.users)).Int("groups", len(s.groups)).Msg("состояние загружено")
	return nil
}

func (s *Store) decode(key string, blob []byte) error {
	switch key {
	case KeyUsers:
		users := make(map[int64]*domain.UserRecord)
		if err := msgpack.Unmarshal(blob, &users); err != nil {
			return err
		}
		for uid, u := range users {
			s.users[uid] = normalizeUser(uid, u)
		}
	case KeyMessages:
		m := make(map[int64]domain.GroupMessages)
		if err := msgpack.Unmarshal(blob, &m); err != nil {
			return err
		}
		for gid, v := range m {
			g := s.loadedGroup(gid)
			g.Messages = v
			if g.Messages.Manual == nil {
				g.Messages.Manual = make(map[int]time.Time)
			}
			if g.Messages.NoSpam == nil {
				g.Messages.NoSpam = make(map[int]time.Time)
			}
		}
	case KeyPinned:
		m := make(map[int64]domain.PinnedState)
		if err := msgpack.Unmarshal(blob, &m); err != nil {
			return err
		}
		for gid, v := range m {
			s.loadedGroup(gid).Pinned = v
		}
	case KeyQuestions:
		m := make(map[int64]domain.QuestionBank)
		if err := msgpack.Unmarshal(blob, &m); err != nil {
			return err
		}
		for gid, v := range m {
			if v.Questions == nil {
				v.Questions = make(map[string]*domain.QuestionEntry)
			}
			s.loadedGroup(gid).Bank = v
		}
	case KeyConfigs:
		m := make(map[int64]groupConfig)
		if err := msgpack.Unmarshal(blob, &m); err != nil {
			return err
		}
		for gid, v := range m {
			g := s.loadedGroup(gid)
			g.Config = v.Config
			g.PassCount = v.PassCount
		}
	case KeyCustomTexts:
		m := make(map[int64]map[string]string)
		if err := msgpack.Unmarshal(blob, &m); err != nil {
			return err
		}
		for gid, v := range m {
			if v == nil {
				v = make(map[string]string)
			}
			s.loadedGroup(gid).CustomTexts = v
		}
	}
	return nil
}

func (s *Store) loadedGroup(gid int64) *domain.GroupState {
	g, ok := s.groups[gid]
	if !ok {
		g = domain.NewGroupState(gid)
		s.groups[gid] = g
	}
	return g
}

func normalizeUser(uid int64, u *domain.UserRecord) *domain.UserRecord {
	fresh := domain.NewUserRecord(uid)
	if u == nil {
		return fresh
	}
	u.ID = uid
	if u.Wait == nil {
		u.Wait = fresh.Wait
	}
	if u.QnsTag == nil {
		u.QnsTag = fresh.QnsTag
	}
	if u.Pass == nil {
		u.Pass = fresh.Pass
	}
	if u.Succeeded == nil {
		u.Succeeded = fresh.Succeeded
	}
	if u.Failed == nil {
		u.Failed = fresh.Failed
	}
	if u.Manual == nil {
		u.Manual = fresh.Manual
	}
	if u.JoinMID == nil {
		u.JoinMID = fresh.JoinMID
	}
	return u
}
