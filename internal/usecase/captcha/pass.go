package captcha

import (
	"context"
	"errors"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/usecase/state"
)

// GrantPass пропускает пользователя в группе по решению администратора.
func (s *Service) GrantPass(ctx context.Context, gid, aid, uid int64) (err error) {
	defer s.guard("grant pass", gid, uid, &err)
	now := s.now()
	before, _ := s.store.User(uid)
	var wasWaiting bool
	err = state.Critical(&s.locks.Config, func() error {
		if s.store.Group(gid).PassCount >= MaxPassCount {
			return domain.ErrPassLimit
		}
		wasWaiting = s.store.GrantPass(uid, gid, now)
		return s.store.UpdateGroup(gid, func(g *domain.GroupState) error {
			g.PassCount++
			return nil
		})
	})
	if err != nil {
		return err
	}
	if wasWaiting {
		if err := s.platform.UnrestrictMember(ctx, gid, uid); err != nil {
			s.log.Warn().Err(err).Int64("group", gid).Int64("user", uid).Msg("не удалось снять ограничения")
		}
		s.hints.ClearHint(gid)
		s.dropOrphanChallenge(uid, before.MessageID)
		s.syncGauge()
	}
	ev := domain.NewEvent(domain.EventPass, gid, uid, now)
	ev.AdminID = aid
	s.publish(ev)
	return nil
}

// RevokePass отменяет ручной пропуск.
func (s *Service) RevokePass(ctx context.Context, gid, aid, uid int64) (err error) {
	defer s.guard("revoke pass", gid, uid, &err)
	err = state.Critical(&s.locks.Config, func() error {
		if !s.store.RevokePass(uid, gid) {
			return domain.ErrNotPassed
		}
		return s.store.UpdateGroup(gid, func(g *domain.GroupState) error {
			if g.PassCount > 0 {
				g.PassCount--
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	ev := domain.NewEvent(domain.EventUndoPass, gid, uid, s.now())
	ev.AdminID = aid
	s.publish(ev)
	return nil
}

// TogglePass выдаёт пропуск или отменяет уже выданный. Возвращает true, если пропуск выдан.
func (s *Service) TogglePass(ctx context.Context, gid, aid, uid int64) (bool, error) {
	err := s.RevokePass(ctx, gid, aid, uid)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, domain.ErrNotPassed) {
		return false, err
	}
	if err := s.GrantPass(ctx, gid, aid, uid); err != nil {
		return false, err
	}
	return true, nil
}

// PassWaiting засчитывает проверку ожидающему во всех группах. Вызывается
// администратором в чате проверки.
func (s *Service) PassWaiting(ctx context.Context, aid, uid int64) (err error) {
	defer s.guard("pass waiting", 0, uid, &err)
	u, ok := s.store.User(uid)
	if !ok || len(u.Wait) == 0 {
		return domain.ErrNotWaiting
	}
	kind := u.Kind
	if kind == "" {
		kind = "manual"
	}
	s.succeed(ctx, uid, u.WaitGroups(), kind, domain.EventPass, aid)
	return nil
}

// dropOrphanChallenge убирает сообщение проверки, если ожиданий не осталось.
func (s *Service) dropOrphanChallenge(uid int64, mid int) {
	u, ok := s.store.User(uid)
	if !ok || len(u.Wait) > 0 || mid == 0 {
		return
	}
	s.hints.DeleteLater(s.cfg.ChatID, mid)
}
