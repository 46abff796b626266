package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher выполняет фоновые задачи: удаление сообщений, отложенные уведомления.
// Порядок выполнения не гарантируется.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
	wg     sync.WaitGroup
	sem    chan struct{}

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// New создаёт диспетчер с ограничением одновременных задач.
func New(logger zerolog.Logger, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		ctx:    ctx,
		cancel: cancel,
		log:    logger.With().Str("component", "tasks").Logger(),
		sem:    make(chan struct{}, workers),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Go запускает задачу в фоне.
func (d *Dispatcher) Go(name string, fn func(ctx context.Context)) {
	if d.ctx.Err() != nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.sem }()
		d.run(name, fn)
	}()
}

// After запускает задачу через delay. Отложенные задачи отменяются при Stop.
func (d *Dispatcher) After(name string, delay time.Duration, fn func(ctx context.Context)) {
	if d.ctx.Err() != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, t)
		d.mu.Unlock()
		d.Go(name, fn)
	})
	d.timers[t] = struct{}{}
}

// Stop отменяет отложенные задачи и ждёт завершения запущенных.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	for t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[*time.Timer]struct{})
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn().Msg("не дождались фоновых задач")
	}
	d.cancel()
}

func (d *Dispatcher) run(name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("task", name).Interface("panic", r).Msg("паника в фоновой задаче")
		}
	}()
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()
	fn(ctx)
}
