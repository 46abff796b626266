package captcha

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/usecase/challenge"
	"tg-captcha-bot/internal/usecase/flood"
	"tg-captcha-bot/internal/usecase/hint"
	"tg-captcha-bot/internal/usecase/questions"
	"tg-captcha-bot/internal/usecase/state"
)

const (
	testChat  int64 = -1009999
	testGroup int64 = -1001000
)

type message struct {
	cid    int64
	mid    int
	text   string
	photo  bool
	markup *domain.Markup
}

type memberKey struct{ gid, uid int64 }

type fakePlatform struct {
	mu         sync.Mutex
	next       int
	messages   []message
	deleted    []int
	pinned     []int
	restricted map[memberKey]int
	lifted     map[memberKey]int
	banned     map[memberKey]time.Time
	kicked     map[memberKey]int
	edited     int
	failChat   map[int64]bool
	panicChat  map[int64]bool
	statuses   map[memberKey]domain.MemberStatus
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		restricted: make(map[memberKey]int),
		lifted:     make(map[memberKey]int),
		banned:     make(map[memberKey]time.Time),
		kicked:     make(map[memberKey]int),
		failChat:   make(map[int64]bool),
		panicChat:  make(map[int64]bool),
		statuses:   make(map[memberKey]domain.MemberStatus),
	}
}

func (p *fakePlatform) RestrictMember(_ context.Context, gid, uid int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restricted[memberKey{gid, uid}]++
	return nil
}

func (p *fakePlatform) UnrestrictMember(_ context.Context, gid, uid int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lifted[memberKey{gid, uid}]++
	return nil
}

func (p *fakePlatform) BanMember(_ context.Context, gid, uid int64, until time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banned[memberKey{gid, uid}] = until
	return nil
}

func (p *fakePlatform) KickMember(_ context.Context, gid, uid int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kicked[memberKey{gid, uid}]++
	return nil
}

func (p *fakePlatform) send(cid int64, text string, photo bool, mk *domain.Markup) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicChat[cid] {
		panic("platform exploded")
	}
	if p.failChat[cid] {
		return 0, errors.New("chat unavailable")
	}
	p.next++
	p.messages = append(p.messages, message{cid: cid, mid: p.next, text: text, photo: photo, markup: mk})
	return p.next, nil
}

func (p *fakePlatform) SendMessage(_ context.Context, cid int64, text string, _ int, mk *domain.Markup) (int, error) {
	return p.send(cid, text, false, mk)
}

func (p *fakePlatform) SendPhoto(_ context.Context, cid int64, _ domain.Image, caption string, _ int, mk *domain.Markup) (int, error) {
	return p.send(cid, caption, true, mk)
}

func (p *fakePlatform) EditMessageMedia(context.Context, int64, int, domain.Image, string, *domain.Markup) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edited++
	return nil
}

func (p *fakePlatform) DeleteMessages(_ context.Context, _ int64, mids ...int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, mids...)
	return nil
}

func (p *fakePlatform) PinMessage(_ context.Context, _ int64, mid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned = append(p.pinned, mid)
	return nil
}

func (p *fakePlatform) PinnedMessage(context.Context, int64) (int, error) {
	return 0, nil
}

func (p *fakePlatform) GetMember(_ context.Context, gid, uid int64) (domain.MemberStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.statuses[memberKey{gid, uid}]; ok {
		return st, nil
	}
	return domain.MemberStatus{Status: "member"}, nil
}

func (p *fakePlatform) CreateInviteLink(context.Context, int64) (string, error) {
	return "https://t.me/+invite", nil
}

func (p *fakePlatform) in(cid int64) []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []message
	for _, m := range p.messages {
		if m.cid == cid {
			out = append(out, m)
		}
	}
	return out
}

type inlineTasks struct{}

func (inlineTasks) Go(_ string, fn func(ctx context.Context)) { fn(context.Background()) }

func (inlineTasks) After(string, time.Duration, func(ctx context.Context)) {}

type recordedEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordedEvents) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordedEvents) count(kind domain.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type stubRenderer struct{}

func (stubRenderer) Render(text string, _ domain.RenderStyle) (domain.Image, error) {
	return domain.Image{Name: "captcha.png", Data: []byte(text)}, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	svc      *Service
	platform *fakePlatform
	store    *state.Store
	events   *recordedEvents
	clock    *testClock
}

func newEnv(kinds ...domain.ChallengeKind) *env {
	if len(kinds) == 0 {
		kinds = []domain.ChallengeKind{domain.KindMath}
	}
	logger := zerolog.Nop()
	p := newFakePlatform()
	store := state.NewStore(logger)
	locks := state.NewLocks()
	clock := &testClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	events := &recordedEvents{}
	gen := challenge.NewGenerator(stubRenderer{}, challenge.Options{
		BaseLimit: 3,
		Kinds:     kinds,
		Rand:      rand.New(rand.NewPCG(5, 6)),
	})
	links, err := hint.NewLinks(p, nil, locks, testChat, "https://t.me/captcha_chat", time.Hour, logger)
	if err != nil {
		panic(err)
	}
	hints := hint.NewManager(p, store, locks, inlineTasks{}, links, hint.Config{MentionLimit: 5, TimeCaptcha: 5 * time.Minute}, logger)
	svc := New(Config{
		ChatID:      testChat,
		TimeCaptcha: 5 * time.Minute,
		TimePunish:  10 * time.Minute,
		TimeRecheck: 30 * time.Minute,
		TimeRemove:  5 * time.Minute,
		WhiteIDs:    []int64{777},
	}, Deps{
		Platform:  p,
		Store:     store,
		Locks:     locks,
		Generator: gen,
		Detector:  flood.NewDetector(10),
		Hints:     hints,
		Questions: questions.NewRegistry(store, clock.now, rand.New(rand.NewPCG(7, 8))),
		Events:    events,
		Tasks:     inlineTasks{},
		Now:       clock.now,
		Logger:    logger,
	})
	return &env{svc: svc, platform: p, store: store, events: events, clock: clock}
}

func member(id int64) domain.Member {
	return domain.Member{ID: id, FirstName: "User"}
}
