package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/usecase/state"
)

type recordingRepo struct {
	saved   map[string][]byte
	expired bool
}

func (r *recordingRepo) Load(context.Context, string) ([]byte, error) {
	return nil, nil
}

func (r *recordingRepo) Save(ctx context.Context, key string, blob []byte) error {
	if ctx.Err() != nil {
		r.expired = true
		return ctx.Err()
	}
	r.saved[key] = blob
	return nil
}

func TestFinalFlushOutlivesShutdownContext(t *testing.T) {
	store := state.NewStore(zerolog.Nop())
	if err := store.UpdateGroup(-100, func(g *domain.GroupState) error {
		g.PassCount = 1
		return nil
	}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-shutdownCtx.Done()

	repo := &recordingRepo{saved: map[string][]byte{}}
	if err := finalFlush(store, repo, time.Second); err != nil {
		t.Fatalf("сохранение не должно зависеть от истёкшего контекста остановки: %v", err)
	}
	if repo.expired || len(repo.saved) == 0 {
		t.Fatalf("ожидали сохранённые снимки, получили %d", len(repo.saved))
	}
}
