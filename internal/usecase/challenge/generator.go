package challenge

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"tg-captcha-bot/internal/domain"
)

// ErrUnsupportedKind возвращается для типа, который генератор не умеет выдавать.
var ErrUnsupportedKind = errors.New("неподдерживаемый тип проверки")

// Challenge описывает один тип проверки.
type Challenge interface {
	Kind() domain.ChallengeKind
	Generate(g *Generator) (domain.ChallengeSpec, error)
}

// Options настраивает генератор.
type Options struct {
	BaseLimit int
	Kinds     []domain.ChallengeKind
	Idioms    []string
	Foods     []string
	Pictures  map[string][]domain.Image
	Rand      *rand.Rand
}

// Generator выдаёт проверки разных типов.
type Generator struct {
	mu       sync.Mutex
	rnd      *rand.Rand
	renderer domain.Renderer
	base     int
	idioms   []string
	foods    []string
	pictures map[string][]domain.Image
	kinds    []Challenge
}

// NewGenerator создаёт генератор. Renderer может быть nil, тогда остаются только текстовые типы.
func NewGenerator(renderer domain.Renderer, opts Options) *Generator {
	g := &Generator{
		rnd:      opts.Rand,
		renderer: renderer,
		base:     opts.BaseLimit,
		idioms:   opts.Idioms,
		foods:    opts.Foods,
		pictures: opts.Pictures,
	}
	if g.rnd == nil {
		g.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if g.base <= 0 {
		g.base = 3
	}
	if len(g.idioms) == 0 {
		g.idioms = Idioms
	}
	if len(g.foods) == 0 {
		g.foods = Foods
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = KindsFor("")
	}
	for _, k := range kinds {
		c, err := challengeFor(k)
		if err != nil {
			continue
		}
		if k == domain.KindPic && len(g.pictures) < 3 {
			continue
		}
		g.kinds = append(g.kinds, c)
	}
	return g
}

// KindsFor возвращает набор типов для языка интерфейса.
func KindsFor(lang string) []domain.ChallengeKind {
	if lang == "zh" {
		return []domain.ChallengeKind{domain.KindIdiom, domain.KindFood, domain.KindMathPic, domain.KindPic, domain.KindNumber}
	}
	return []domain.ChallengeKind{domain.KindLetter, domain.KindNumber, domain.KindMath, domain.KindMathPic, domain.KindPic}
}

func challengeFor(kind domain.ChallengeKind) (Challenge, error) {
	switch kind {
	case domain.KindIdiom:
		return idiomChallenge{}, nil
	case domain.KindFood:
		return foodChallenge{}, nil
	case domain.KindLetter:
		return textChallenge{kind: domain.KindLetter, alphabet: "abcdefghijklmnopqrstuvwxyz"}, nil
	case domain.KindNumber:
		return textChallenge{kind: domain.KindNumber, alphabet: "0123456789"}, nil
	case domain.KindMath:
		return mathChallenge{}, nil
	case domain.KindMathPic:
		return mathChallenge{image: true}, nil
	case domain.KindPic:
		return picChallenge{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
}

// Kinds возвращает включённые типы.
func (g *Generator) Kinds() []domain.ChallengeKind {
	out := make([]domain.ChallengeKind, 0, len(g.kinds))
	for _, c := range g.kinds {
		out = append(out, c.Kind())
	}
	return out
}

// Generate выдаёт проверку указанного типа.
func (g *Generator) Generate(kind domain.ChallengeKind) (domain.ChallengeSpec, error) {
	c, err := challengeFor(kind)
	if err != nil {
		return domain.ChallengeSpec{}, err
	}
	spec, err := c.Generate(g)
	if err != nil {
		return domain.ChallengeSpec{}, fmt.Errorf("генерация %s: %w", kind, err)
	}
	if spec.Limit <= 0 {
		spec.Limit = 1
	}
	return spec, nil
}

// GenerateAny выбирает случайный тип; при ошибке отрисовки пробует остальные.
func (g *Generator) GenerateAny() (domain.ChallengeSpec, error) {
	return g.generateFrom(g.kinds)
}

// GenerateChangeable выбирает случайный тип среди тех, что можно сменить.
// Если таких не включено, выдаётся проверка типа fallback.
func (g *Generator) GenerateChangeable(fallback domain.ChallengeKind) (domain.ChallengeSpec, error) {
	var changeable []Challenge
	for _, c := range g.kinds {
		if c.Kind().Changeable() {
			changeable = append(changeable, c)
		}
	}
	if len(changeable) == 0 {
		return g.Generate(fallback)
	}
	return g.generateFrom(changeable)
}

func (g *Generator) generateFrom(kinds []Challenge) (domain.ChallengeSpec, error) {
	order := make([]Challenge, len(kinds))
	copy(order, kinds)
	g.mu.Lock()
	g.rnd.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	g.mu.Unlock()
	var errs []error
	for _, c := range order {
		spec, err := g.Generate(c.Kind())
		if err == nil {
			return spec, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return domain.ChallengeSpec{}, domain.ErrNoChallenge
	}
	return domain.ChallengeSpec{}, fmt.Errorf("%w: %w", domain.ErrNoChallenge, errors.Join(errs...))
}

// FromQuestion собирает проверку из пользовательского вопроса группы.
func (g *Generator) FromQuestion(q domain.QuestionEntry) domain.ChallengeSpec {
	return domain.ChallengeSpec{
		Kind:       domain.KindQns,
		Question:   q.Question,
		Candidates: g.OrderAnswers(q.Answers()),
		Limit:      1,
	}
}

// OrderAnswers сортирует варианты, если все они буквы A–F, иначе перемешивает.
func (g *Generator) OrderAnswers(answers []string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return orderAnswers(answers, g.rnd.Shuffle)
}

func (g *Generator) intN(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.IntN(n)
}

func (g *Generator) shuffle(list []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rnd.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
}

func (g *Generator) pick(list []string) string {
	return list[g.intN(len(list))]
}

// distinct добирает варианты из source, пока их не станет total, без повторов.
func (g *Generator) distinct(first string, total int, source func() string) []string {
	out := []string{first}
	seen := map[string]struct{}{first: {}}
	for len(out) < total {
		c := source()
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (g *Generator) render(text string, style domain.RenderStyle) (*domain.Image, error) {
	if g.renderer == nil {
		return nil, errors.New("отрисовка недоступна")
	}
	img, err := g.renderer.Render(text, style)
	if err != nil {
		return nil, err
	}
	return &img, nil
}
