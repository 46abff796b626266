package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/infra/metrics"
)

// Postgres хранит снимки состояния в таблице captcha_state.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.StateRepo = (*Postgres)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS captcha_state (
	key        TEXT PRIMARY KEY,
	blob       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// EnsureSchema создаёт таблицу снимков, если её нет.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("создание схемы: %w", err)
	}
	return nil
}

// Load возвращает снимок по ключу. Для отсутствующего ключа возвращает nil без ошибки.
func (p *Postgres) Load(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	var blob []byte
	err := p.pool.QueryRow(ctx, `SELECT blob FROM captcha_state WHERE key=$1`, key).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		err = nil
		blob = nil
	}
	metrics.ObserveNetworkRequest("postgres", "load_state", key, start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение %s: %w", key, err)
	}
	return blob, nil
}

// Save записывает снимок, заменяя предыдущий.
func (p *Postgres) Save(ctx context.Context, key string, blob []byte) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO captcha_state (key, blob, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()`, key, blob)
	metrics.ObserveNetworkRequest("postgres", "save_state", key, start, err)
	if err != nil {
		return fmt.Errorf("запись %s: %w", key, err)
	}
	return nil
}
