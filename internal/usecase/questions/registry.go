package questions

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"tg-captcha-bot/internal/domain"
	"tg-captcha-bot/internal/usecase/state"
)

const (
	// MaxQuestions ограничивает число вопросов в группе.
	MaxQuestions = 6
	// MaxQuestionLen ограничивает длину вопроса в символах.
	MaxQuestionLen = 140
	// MaxAnswerBytes ограничивает длину одного ответа в байтах.
	MaxAnswerBytes = 15
	// SessionTTL задаёт время жизни сессии редактирования.
	SessionTTL = 600 * time.Second

	sectionSep = "\n+++"
	tagLen     = 8
	tagChars   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Parsed хранит разобранный текст вопроса.
type Parsed struct {
	Question string
	Correct  map[string]struct{}
	Wrong    map[string]struct{}
}

// Listed связывает вопрос с его тегом.
type Listed struct {
	Tag   string
	Entry domain.QuestionEntry
}

// Registry управляет пользовательскими вопросами групп.
type Registry struct {
	store *state.Store
	now   func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRegistry создаёт реестр поверх хранилища.
func NewRegistry(store *state.Store, now func() time.Time, rnd *rand.Rand) *Registry {
	if now == nil {
		now = time.Now
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Registry{store: store, now: now, rnd: rnd}
}

// Acquire открывает сессию редактирования группы для администратора.
// Другие сессии этого администратора закрываются.
func (r *Registry) Acquire(gid, aid int64) (time.Time, error) {
	now := r.now()
	until := now.Add(SessionTTL)
	err := r.store.UpdateGroups(func(groups map[int64]*domain.GroupState) error {
		g, ok := groups[gid]
		if !ok {
			g = domain.NewGroupState(gid)
			groups[gid] = g
		}
		b := &g.Bank
		if b.Owner != 0 && b.Owner != aid && now.Before(b.LockUntil) {
			return &domain.RaceRejectedError{Owner: b.Owner, Until: b.LockUntil}
		}
		for id, other := range groups {
			if id != gid && other.Bank.Owner == aid {
				other.Bank.Owner = 0
				other.Bank.LockUntil = time.Time{}
			}
		}
		b.Owner = aid
		b.LockUntil = until
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return until, nil
}

// Session возвращает группу, которую сейчас редактирует администратор.
func (r *Registry) Session(aid int64) (int64, bool) {
	now := r.now()
	var found int64
	r.store.ViewGroups(func(groups map[int64]*domain.GroupState) {
		for id, g := range groups {
			if g.Bank.Owner == aid && now.Before(g.Bank.LockUntil) {
				found = id
				return
			}
		}
	})
	return found, found != 0
}

// Add добавляет вопрос в группу. Требует активной сессии администратора.
func (r *Registry) Add(gid, aid int64, text string) (string, error) {
	p, err := Parse(text)
	if err != nil {
		return "", err
	}
	now := r.now()
	var tag string
	err = r.store.UpdateGroup(gid, func(g *domain.GroupState) error {
		if err := checkSession(g.Bank, aid, now); err != nil {
			return err
		}
		if len(g.Bank.Questions) >= MaxQuestions {
			return domain.ErrBankFull
		}
		tag = r.newTag(g.Bank.Questions)
		g.Bank.Questions[tag] = &domain.QuestionEntry{
			CreatedAt: now,
			AuthorID:  aid,
			Question:  p.Question,
			Correct:   p.Correct,
			Wrong:     p.Wrong,
		}
		return nil
	})
	return tag, err
}

// Edit заменяет текст и ответы вопроса. Счётчики сохраняются.
func (r *Registry) Edit(gid, aid int64, tag, text string) error {
	p, err := Parse(text)
	if err != nil {
		return err
	}
	now := r.now()
	return r.store.UpdateGroup(gid, func(g *domain.GroupState) error {
		if err := checkSession(g.Bank, aid, now); err != nil {
			return err
		}
		q, ok := g.Bank.Questions[tag]
		if !ok {
			return domain.ErrQuestionNotFound
		}
		q.CreatedAt = now
		q.AuthorID = aid
		q.Question = p.Question
		q.Correct = p.Correct
		q.Wrong = p.Wrong
		return nil
	})
}

// Remove удаляет вопрос.
func (r *Registry) Remove(gid, aid int64, tag string) error {
	now := r.now()
	return r.store.UpdateGroup(gid, func(g *domain.GroupState) error {
		if err := checkSession(g.Bank, aid, now); err != nil {
			return err
		}
		if _, ok := g.Bank.Questions[tag]; !ok {
			return domain.ErrQuestionNotFound
		}
		delete(g.Bank.Questions, tag)
		if g.Bank.Last == tag {
			g.Bank.Last = ""
		}
		return nil
	})
}

// List возвращает вопросы группы по времени создания.
func (r *Registry) List(gid int64) []Listed {
	g := r.store.Group(gid)
	out := make([]Listed, 0, len(g.Bank.Questions))
	for tag, q := range g.Bank.Questions {
		out = append(out, Listed{Tag: tag, Entry: *q})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entry.CreatedAt.Equal(out[j].Entry.CreatedAt) {
			return out[i].Tag < out[j].Tag
		}
		return out[i].Entry.CreatedAt.Before(out[j].Entry.CreatedAt)
	})
	return out
}

// Pick выбирает вопрос для выдачи. При reuse повторно выдаётся последний вопрос группы.
func (r *Registry) Pick(gid int64, reuse bool) (string, domain.QuestionEntry, error) {
	var (
		tag   string
		entry domain.QuestionEntry
	)
	err := r.store.UpdateGroup(gid, func(g *domain.GroupState) error {
		if len(g.Bank.Questions) == 0 {
			return domain.ErrNoQuestions
		}
		if _, ok := g.Bank.Questions[g.Bank.Last]; reuse && ok {
			tag = g.Bank.Last
		} else {
			tags := make([]string, 0, len(g.Bank.Questions))
			for t := range g.Bank.Questions {
				tags = append(tags, t)
			}
			sort.Strings(tags)
			r.mu.Lock()
			tag = tags[r.rnd.IntN(len(tags))]
			r.mu.Unlock()
		}
		g.Bank.Last = tag
		q := g.Bank.Questions[tag]
		q.Issued++
		entry = q.Clone()
		return nil
	})
	return tag, entry, err
}

// Record учитывает ответ на вопрос.
func (r *Registry) Record(gid int64, tag string, passed bool) {
	_ = r.store.UpdateGroup(gid, func(g *domain.GroupState) error {
		q, ok := g.Bank.Questions[tag]
		if !ok {
			return nil
		}
		q.Answered++
		if passed {
			q.Passed++
		}
		return nil
	})
}

// Parse разбирает текст вида «вопрос\n+++\nверные\n+++\nневерные».
func Parse(text string) (Parsed, error) {
	var sections []string
	for _, s := range strings.Split(text, sectionSep) {
		if s != "" {
			sections = append(sections, s)
		}
	}
	if len(sections) < 2 {
		return Parsed{}, domain.NewValidationError("нужны вопрос и хотя бы один ответ")
	}
	question := strings.TrimSpace(sections[0])
	if question == "" {
		return Parsed{}, domain.NewValidationError("пустой вопрос")
	}
	if utf8.RuneCountInString(question) > MaxQuestionLen {
		return Parsed{}, domain.NewValidationError("вопрос длиннее 140 символов")
	}
	correct := answerSet(sections[1])
	wrong := map[string]struct{}{}
	if len(sections) > 2 {
		wrong = answerSet(sections[len(sections)-1])
	}
	if len(correct) == 0 {
		return Parsed{}, domain.NewValidationError("нет верных ответов")
	}
	for a := range wrong {
		if _, ok := correct[a]; ok {
			return Parsed{}, domain.NewValidationError("ответы пересекаются")
		}
	}
	for _, set := range []map[string]struct{}{correct, wrong} {
		for a := range set {
			if len(a) > MaxAnswerBytes {
				return Parsed{}, domain.NewValidationError("ответ длиннее 15 байт")
			}
		}
	}
	return Parsed{Question: question, Correct: correct, Wrong: wrong}, nil
}

func answerSet(section string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, line := range strings.Split(section, "\n") {
		if a := strings.TrimSpace(line); a != "" {
			out[a] = struct{}{}
		}
	}
	return out
}

func checkSession(b domain.QuestionBank, aid int64, now time.Time) error {
	if b.Owner != aid || !now.Before(b.LockUntil) {
		return domain.ErrNoSession
	}
	return nil
}

func (r *Registry) newTag(existing map[string]*domain.QuestionEntry) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := make([]byte, tagLen)
	for {
		for i := range buf {
			buf[i] = tagChars[r.rnd.IntN(len(tagChars))]
		}
		if _, ok := existing[string(buf)]; !ok {
			return string(buf)
		}
	}
}
