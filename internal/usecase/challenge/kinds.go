package challenge

import (
	"errors"
	"fmt"
	"strconv"

	"tg-captcha-bot/internal/domain"
)

type idiomChallenge struct{}

func (idiomChallenge) Kind() domain.ChallengeKind { return domain.KindIdiom }

func (idiomChallenge) Generate(g *Generator) (domain.ChallengeSpec, error) {
	phrase := g.pick(g.idioms)
	img, err := g.render(phrase, domain.StyleClean)
	if err != nil {
		return domain.ChallengeSpec{}, err
	}
	return domain.ChallengeSpec{
		Kind:     domain.KindIdiom,
		Question: "Введите фразу с картинки",
		Answer:   phrase,
		Limit:    g.base,
		Image:    img,
	}, nil
}

type foodChallenge struct{}

func (foodChallenge) Kind() domain.ChallengeKind { return domain.KindFood }

func (foodChallenge) Generate(g *Generator) (domain.ChallengeSpec, error) {
	if len(g.foods) < 3 {
		return domain.ChallengeSpec{}, errors.New("словарь слишком мал")
	}
	answer := g.pick(g.foods)
	candidates := g.distinct(answer, 3, func() string { return g.pick(g.foods) })
	g.shuffle(candidates)
	img, err := g.render(answer, domain.StyleClean)
	if err != nil {
		return domain.ChallengeSpec{}, err
	}
	return domain.ChallengeSpec{
		Kind:       domain.KindFood,
		Question:   "Выберите слово с картинки",
		Answer:     answer,
		Candidates: candidates,
		Limit:      g.base,
		Image:      img,
	}, nil
}

// textChallenge просит перепечатать случайную строку. Даёт одну попытку сверху.
type textChallenge struct {
	kind     domain.ChallengeKind
	alphabet string
}

func (c textChallenge) Kind() domain.ChallengeKind { return c.kind }

func (c textChallenge) Generate(g *Generator) (domain.ChallengeSpec, error) {
	n := 3 + g.intN(4)
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = c.alphabet[g.intN(len(c.alphabet))]
	}
	text := string(buf)
	img, err := g.render(text, domain.StyleNoisy)
	if err != nil {
		return domain.ChallengeSpec{}, err
	}
	question := "Введите буквы с картинки"
	if c.kind == domain.KindNumber {
		question = "Введите цифры с картинки"
	}
	return domain.ChallengeSpec{
		Kind:     c.kind,
		Question: question,
		Answer:   text,
		Limit:    g.base + 1,
		Image:    img,
	}, nil
}

type mathChallenge struct {
	image bool
}

func (c mathChallenge) Kind() domain.ChallengeKind {
	if c.image {
		return domain.KindMathPic
	}
	return domain.KindMath
}

func (c mathChallenge) Generate(g *Generator) (domain.ChallengeSpec, error) {
	a := 1 + g.intN(100)
	b := 1 + g.intN(100)
	op := "+"
	result := a + b
	if g.intN(2) == 1 {
		op = "-"
		result = a - b
	}
	expr := fmt.Sprintf("%d %s %d = ?", a, op, b)
	answer := strconv.Itoa(result)
	candidates := g.distinct(answer, 3, func() string { return strconv.Itoa(g.intN(300) - 99) })
	g.shuffle(candidates)
	spec := domain.ChallengeSpec{
		Kind:       c.Kind(),
		Question:   expr,
		Answer:     answer,
		Candidates: candidates,
		Limit:      g.base,
	}
	if !c.image {
		return spec, nil
	}
	img, err := g.render(expr, domain.StyleClean)
	if err != nil {
		return domain.ChallengeSpec{}, err
	}
	spec.Question = "Решите пример с картинки"
	spec.Image = img
	return spec, nil
}

type picChallenge struct{}

func (picChallenge) Kind() domain.ChallengeKind { return domain.KindPic }

func (picChallenge) Generate(g *Generator) (domain.ChallengeSpec, error) {
	labels := make([]string, 0, len(g.pictures))
	for label, imgs := range g.pictures {
		if len(imgs) > 0 {
			labels = append(labels, label)
		}
	}
	if len(labels) < 3 {
		return domain.ChallengeSpec{}, errors.New("недостаточно наборов картинок")
	}
	// порядок обхода map случаен, фиксируем его перед выбором
	sortStrings(labels)
	answer := g.pick(labels)
	imgs := g.pictures[answer]
	img := imgs[g.intN(len(imgs))]
	candidates := g.distinct(answer, 3, func() string { return g.pick(labels) })
	g.shuffle(candidates)
	return domain.ChallengeSpec{
		Kind:       domain.KindPic,
		Question:   "Что изображено на картинке?",
		Answer:     answer,
		Candidates: candidates,
		Limit:      g.base,
		Image:      &img,
	}, nil
}
