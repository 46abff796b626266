package challenge

import (
	"errors"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"testing"

	"tg-captcha-bot/internal/domain"
)

type stubRenderer struct {
	fail map[domain.RenderStyle]bool
	last string
}

func (r *stubRenderer) Render(text string, style domain.RenderStyle) (domain.Image, error) {
	if r.fail[style] {
		return domain.Image{}, errors.New("render failed")
	}
	r.last = text
	return domain.Image{Name: "c.png", Data: []byte(text), Width: 300, Height: 150}, nil
}

func newTestGenerator(r domain.Renderer, kinds ...domain.ChallengeKind) *Generator {
	return NewGenerator(r, Options{
		BaseLimit: 3,
		Kinds:     kinds,
		Pictures: map[string][]domain.Image{
			"cat":  {{Name: "cat1.png"}, {Name: "cat2.png"}},
			"dog":  {{Name: "dog.png"}},
			"fish": {{Name: "fish.png"}},
			"bird": {{Name: "bird.png"}},
		},
		Rand: rand.New(rand.NewPCG(1, 2)),
	})
}

func TestGenerateTextKindsGetExtraTry(t *testing.T) {
	g := newTestGenerator(&stubRenderer{})
	for _, kind := range []domain.ChallengeKind{domain.KindLetter, domain.KindNumber} {
		for i := 0; i < 50; i++ {
			spec, err := g.Generate(kind)
			if err != nil {
				t.Fatalf("не ожидали ошибку: %v", err)
			}
			if spec.Limit != 4 {
				t.Fatalf("ожидали лимит 4 для %s, получили %d", kind, spec.Limit)
			}
			if len(spec.Answer) < 3 || len(spec.Answer) > 6 {
				t.Fatalf("длина ответа вне диапазона: %q", spec.Answer)
			}
			if spec.Image == nil {
				t.Fatalf("ожидали картинку для %s", kind)
			}
			if kind == domain.KindNumber && strings.Trim(spec.Answer, "0123456789") != "" {
				t.Fatalf("ожидали только цифры: %q", spec.Answer)
			}
			if kind == domain.KindLetter && strings.Trim(spec.Answer, "abcdefghijklmnopqrstuvwxyz") != "" {
				t.Fatalf("ожидали только строчные буквы: %q", spec.Answer)
			}
		}
	}
}

func TestGenerateMath(t *testing.T) {
	g := newTestGenerator(nil)
	for i := 0; i < 200; i++ {
		spec, err := g.Generate(domain.KindMath)
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		var a, b int
		var op string
		if _, err := fmtSscan(spec.Question, &a, &op, &b); err != nil {
			t.Fatalf("не удалось разобрать вопрос %q: %v", spec.Question, err)
		}
		if a < 1 || a > 100 || b < 1 || b > 100 {
			t.Fatalf("операнды вне диапазона: %q", spec.Question)
		}
		want := a + b
		if op == "-" {
			want = a - b
		}
		if spec.Answer != strconv.Itoa(want) {
			t.Fatalf("ожидали ответ %d, получили %s", want, spec.Answer)
		}
		if len(spec.Candidates) != 3 || !containsAll(spec.Candidates, spec.Answer) || hasDuplicates(spec.Candidates) {
			t.Fatalf("некорректные варианты: %v", spec.Candidates)
		}
		for _, c := range spec.Candidates {
			if c == spec.Answer {
				continue
			}
			n, _ := strconv.Atoi(c)
			if n < -99 || n > 200 {
				t.Fatalf("вариант вне диапазона: %d", n)
			}
		}
		if spec.Limit != 3 || spec.Image != nil {
			t.Fatalf("ожидали текстовый пример с базовым лимитом")
		}
	}
}

func TestGenerateChoiceKinds(t *testing.T) {
	g := newTestGenerator(&stubRenderer{})
	for _, kind := range []domain.ChallengeKind{domain.KindFood, domain.KindPic} {
		for i := 0; i < 50; i++ {
			spec, err := g.Generate(kind)
			if err != nil {
				t.Fatalf("не ожидали ошибку: %v", err)
			}
			if len(spec.Candidates) != 3 || hasDuplicates(spec.Candidates) || !containsAll(spec.Candidates, spec.Answer) {
				t.Fatalf("некорректные варианты %s: %v", kind, spec.Candidates)
			}
			if spec.Limit != 3 || spec.Image == nil {
				t.Fatalf("ожидали картинку и базовый лимит для %s", kind)
			}
		}
	}
}

func TestGenerateAnySkipsFailingRenderer(t *testing.T) {
	r := &stubRenderer{fail: map[domain.RenderStyle]bool{domain.StyleNoisy: true, domain.StyleClean: true}}
	g := newTestGenerator(r, domain.KindLetter, domain.KindMath)
	for i := 0; i < 20; i++ {
		spec, err := g.GenerateAny()
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if spec.Kind != domain.KindMath {
			t.Fatalf("ожидали откат на текстовый пример, получили %s", spec.Kind)
		}
	}
}

func TestGenerateAnyAllFail(t *testing.T) {
	g := newTestGenerator(nil, domain.KindLetter, domain.KindIdiom)
	if _, err := g.GenerateAny(); !errors.Is(err, domain.ErrNoChallenge) {
		t.Fatalf("ожидали ErrNoChallenge, получили %v", err)
	}
}

func TestGenerateChangeablePicksChangeableKinds(t *testing.T) {
	g := newTestGenerator(&stubRenderer{}, domain.KindLetter, domain.KindNumber, domain.KindMath, domain.KindFood)
	seen := map[domain.ChallengeKind]bool{}
	for i := 0; i < 100; i++ {
		spec, err := g.GenerateChangeable(domain.KindLetter)
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if !spec.Kind.Changeable() {
			t.Fatalf("выдан несменяемый тип %s", spec.Kind)
		}
		seen[spec.Kind] = true
	}
	if !seen[domain.KindLetter] || !seen[domain.KindNumber] {
		t.Fatalf("ожидали оба сменяемых типа, получили %v", seen)
	}

	only := newTestGenerator(&stubRenderer{}, domain.KindMath)
	spec, err := only.GenerateChangeable(domain.KindNumber)
	if err != nil || spec.Kind != domain.KindNumber {
		t.Fatalf("без сменяемых типов ожидали запасной тип, получили %s, %v", spec.Kind, err)
	}
}

func TestPicDisabledWithoutPictures(t *testing.T) {
	g := NewGenerator(nil, Options{Kinds: []domain.ChallengeKind{domain.KindPic, domain.KindMath}})
	kinds := g.Kinds()
	if len(kinds) != 1 || kinds[0] != domain.KindMath {
		t.Fatalf("ожидали только math, получили %v", kinds)
	}
}

func TestOrderAnswers(t *testing.T) {
	g := newTestGenerator(nil)
	got := g.OrderAnswers([]string{"C", "A", "B"})
	if strings.Join(got, ",") != "A,B,C" {
		t.Fatalf("ожидали сортировку меток, получили %v", got)
	}
	in := []string{"3", "7", "12"}
	for i := 0; i < 20; i++ {
		out := g.OrderAnswers(in)
		if !isPermutation(in, out) {
			t.Fatalf("ожидали перестановку %v, получили %v", in, out)
		}
	}
	if strings.Join(in, ",") != "3,7,12" {
		t.Fatalf("исходный срез не должен меняться")
	}
}

func TestFromQuestion(t *testing.T) {
	g := newTestGenerator(nil)
	q := domain.QuestionEntry{
		Question: "Столица?",
		Correct:  map[string]struct{}{"B": {}},
		Wrong:    map[string]struct{}{"A": {}, "C": {}},
	}
	spec := g.FromQuestion(q)
	if spec.Kind != domain.KindQns || spec.Limit != 1 {
		t.Fatalf("ожидали одноразовую проверку qns")
	}
	if strings.Join(spec.Candidates, "") != "ABC" {
		t.Fatalf("ожидали отсортированные варианты, получили %v", spec.Candidates)
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  AbC ":  "abc",
		"ＡＢＣ１２３": "abc123",
		"馬到成功":    "马到成功",
		"":        "",
	}
	for input, expected := range cases {
		if got := Normalize(input); got != expected {
			t.Fatalf("Normalize(%q) = %q, ожидали %q", input, got, expected)
		}
	}
	if !Match("ＸＹＺ", "xyz") {
		t.Fatalf("ожидали совпадение полноширинного ввода")
	}
	if Match("", "") {
		t.Fatalf("пустые ответы не должны совпадать")
	}
}

func fmtSscan(q string, a *int, op *string, b *int) (int, error) {
	parts := strings.Fields(q)
	if len(parts) < 3 {
		return 0, errors.New("short question")
	}
	var err error
	if *a, err = strconv.Atoi(parts[0]); err != nil {
		return 0, err
	}
	*op = parts[1]
	if *b, err = strconv.Atoi(parts[2]); err != nil {
		return 0, err
	}
	return 3, nil
}

func containsAll(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func hasDuplicates(list []string) bool {
	seen := make(map[string]struct{}, len(list))
	for _, s := range list {
		if _, ok := seen[s]; ok {
			return true
		}
		seen[s] = struct{}{}
	}
	return false
}

func isPermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	return strings.Join(x, "\x00") == strings.Join(y, "\x00")
}
