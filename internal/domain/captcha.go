package domain

import (
	"sort"
	"time"
)

// ChallengeKind определяет тип проверки.
type ChallengeKind string

const (
	KindIdiom   ChallengeKind = "idiom"
	KindFood    ChallengeKind = "food"
	KindLetter  ChallengeKind = "letter"
	KindNumber  ChallengeKind = "number"
	KindMath    ChallengeKind = "math"
	KindMathPic ChallengeKind = "math_pic"
	KindPic     ChallengeKind = "pic"
	KindQns     ChallengeKind = "qns"
)

// Changeable сообщает, можно ли заменить вопрос этого типа.
func (k ChallengeKind) Changeable() bool {
	switch k {
	case KindIdiom, KindLetter, KindNumber, KindMathPic:
		return true
	default:
		return false
	}
}

// Image хранит готовое изображение для отправки.
type Image struct {
	Name   string
	Data   []byte
	Width  int
	Height int
}

// ChallengeSpec описывает выданную проверку. Не сохраняется.
type ChallengeSpec struct {
	Kind       ChallengeKind
	Question   string
	Answer     string
	Candidates []string
	Limit      int
	Image      *Image
}

// UserRecord хранит состояние пользователя во всех группах, где он проходит проверку.
type UserRecord struct {
	ID        int64               `msgpack:"id"`
	Name      string              `msgpack:"name"`
	Wait      map[int64]time.Time `msgpack:"wait"`
	QnsTag    map[int64]string    `msgpack:"qns"`
	Pass      map[int64]time.Time `msgpack:"pass"`
	Succeeded map[int64]time.Time `msgpack:"succeeded"`
	Failed    map[int64]time.Time `msgpack:"failed"`
	Manual    map[int64]struct{}  `msgpack:"manual"`
	JoinMID   map[int64]int       `msgpack:"join"`
	Kind      ChallengeKind       `msgpack:"type"`
	Answer    string              `msgpack:"answer"`
	Limit     int                 `msgpack:"limit"`
	Tries     int                 `msgpack:"try"`
	MessageID int                 `msgpack:"mid"`
	IssuedAt  time.Time           `msgpack:"time"`
	Changed   bool                `msgpack:"changed"`
}

// NewUserRecord создаёт пустую запись.
func NewUserRecord(id int64) *UserRecord {
	return &UserRecord{
		ID:        id,
		Wait:      make(map[int64]time.Time),
		QnsTag:    make(map[int64]string),
		Pass:      make(map[int64]time.Time),
		Succeeded: make(map[int64]time.Time),
		Failed:    make(map[int64]time.Time),
		Manual:    make(map[int64]struct{}),
		JoinMID:   make(map[int64]int),
	}
}

// Clone возвращает глубокую копию записи.
func (u *UserRecord) Clone() UserRecord {
	cp := *u
	cp.Wait = cloneTimes(u.Wait)
	cp.Pass = cloneTimes(u.Pass)
	cp.Succeeded = cloneTimes(u.Succeeded)
	cp.Failed = cloneTimes(u.Failed)
	cp.QnsTag = make(map[int64]string, len(u.QnsTag))
	for k, v := range u.QnsTag {
		cp.QnsTag[k] = v
	}
	cp.JoinMID = make(map[int64]int, len(u.JoinMID))
	for k, v := range u.JoinMID {
		cp.JoinMID[k] = v
	}
	cp.Manual = make(map[int64]struct{}, len(u.Manual))
	for k := range u.Manual {
		cp.Manual[k] = struct{}{}
	}
	return cp
}

// Waiting сообщает, ждёт ли пользователь проверки в группе.
func (u *UserRecord) Waiting(gid int64) bool {
	_, ok := u.Wait[gid]
	return ok
}

// WaitGroups возвращает группы ожидания в порядке вступления.
func (u *UserRecord) WaitGroups() []int64 {
	gids := make([]int64, 0, len(u.Wait))
	for gid := range u.Wait {
		gids = append(gids, gid)
	}
	sort.Slice(gids, func(i, j int) bool {
		if u.Wait[gids[i]].Equal(u.Wait[gids[j]]) {
			return gids[i] < gids[j]
		}
		return u.Wait[gids[i]].Before(u.Wait[gids[j]])
	})
	return gids
}

// LastSucceeded возвращает время последнего успешного прохождения в любой группе.
func (u *UserRecord) LastSucceeded() time.Time {
	var last time.Time
	for _, t := range u.Succeeded {
		if t.After(last) {
			last = t
		}
	}
	return last
}

// ResetChallenge сбрасывает активную проверку.
func (u *UserRecord) ResetChallenge() {
	u.Kind = ""
	u.Answer = ""
	u.Limit = 0
	u.Tries = 0
	u.MessageID = 0
	u.IssuedAt = time.Time{}
	u.Changed = false
}

func cloneTimes(src map[int64]time.Time) map[int64]time.Time {
	dst := make(map[int64]time.Time, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// GroupConfig описывает настройки группы.
type GroupConfig struct {
	Default  bool      `msgpack:"default"`
	Lock     time.Time `msgpack:"lock"`
	Delete   bool      `msgpack:"delete"`
	Restrict bool      `msgpack:"restrict"`
	Ban      bool      `msgpack:"ban"`
	Forgive  bool      `msgpack:"forgive"`
	Hint     bool      `msgpack:"hint"`
	Pass     bool      `msgpack:"pass"`
	Pin      bool      `msgpack:"pin"`
	Qns      bool      `msgpack:"qns"`
	Manual   bool      `msgpack:"manual"`
}

// DefaultGroupConfig возвращает конфигурацию по умолчанию.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		Default: true,
		Delete:  true,
		Hint:    true,
		Pass:    true,
		Pin:     true,
	}
}

// ConfigKeys перечисляет переключаемые параметры в порядке отображения.
var ConfigKeys = []string{"delete", "restrict", "ban", "forgive", "hint", "pass", "pin", "qns", "manual"}

// Get возвращает значение параметра по имени.
func (c GroupConfig) Get(key string) (bool, bool) {
	switch key {
	case "default":
		return c.Default, true
	case "delete":
		return c.Delete, true
	case "restrict":
		return c.Restrict, true
	case "ban":
		return c.Ban, true
	case "forgive":
		return c.Forgive, true
	case "hint":
		return c.Hint, true
	case "pass":
		return c.Pass, true
	case "pin":
		return c.Pin, true
	case "qns":
		return c.Qns, true
	case "manual":
		return c.Manual, true
	}
	return false, false
}

// Set меняет параметр по имени. Возвращает false для неизвестного ключа.
func (c *GroupConfig) Set(key string, value bool) bool {
	switch key {
	case "delete":
		c.Delete = value
	case "restrict":
		c.Restrict = value
	case "ban":
		c.Ban = value
	case "forgive":
		c.Forgive = value
	case "hint":
		c.Hint = value
	case "pass":
		c.Pass = value
	case "pin":
		c.Pin = value
	case "qns":
		c.Qns = value
	case "manual":
		c.Manual = value
	default:
		return false
	}
	return true
}

// FloodLimit ограничивает число хранимых id флуд-уведомлений.
const FloodLimit = 20

// GroupMessages хранит id живых служебных сообщений группы.
type GroupMessages struct {
	Hint   int               `msgpack:"hint"`
	Static int               `msgpack:"static"`
	Flood  []int             `msgpack:"flood"`
	Manual map[int]time.Time `msgpack:"manual"`
	NoSpam map[int]time.Time `msgpack:"nospam"`
}

// AddFlood добавляет id в ограниченный набор флуд-уведомлений.
func (m *GroupMessages) AddFlood(mid int) {
	for _, id := range m.Flood {
		if id == mid {
			return
		}
	}
	m.Flood = append(m.Flood, mid)
	if len(m.Flood) > FloodLimit {
		m.Flood = m.Flood[len(m.Flood)-FloodLimit:]
	}
}

// TakeFlood забирает накопленные id флуд-уведомлений.
func (m *GroupMessages) TakeFlood() []int {
	ids := m.Flood
	m.Flood = nil
	return ids
}

// PinnedState описывает закрепление на время флуда.
type PinnedState struct {
	OldID      int       `msgpack:"old_id"`
	NewID      int       `msgpack:"new_id"`
	FloodStart time.Time `msgpack:"start"`
	LastFlood  time.Time `msgpack:"last"`
}

// QuestionEntry описывает пользовательский вопрос группы.
type QuestionEntry struct {
	CreatedAt time.Time           `msgpack:"time"`
	AuthorID  int64               `msgpack:"aid"`
	Question  string              `msgpack:"question"`
	Correct   map[string]struct{} `msgpack:"correct"`
	Wrong     map[string]struct{} `msgpack:"wrong"`
	Issued    int                 `msgpack:"issued"`
	Answered  int                 `msgpack:"answer"`
	Passed    int                 `msgpack:"pass"`
}

// IsCorrect проверяет, входит ли ответ в набор правильных.
func (q *QuestionEntry) IsCorrect(answer string) bool {
	_, ok := q.Correct[answer]
	return ok
}

// Answers возвращает объединение правильных и неправильных ответов.
func (q *QuestionEntry) Answers() []string {
	out := make([]string, 0, len(q.Correct)+len(q.Wrong))
	for a := range q.Correct {
		out = append(out, a)
	}
	for a := range q.Wrong {
		out = append(out, a)
	}
	return out
}

// Clone возвращает копию вопроса.
func (q *QuestionEntry) Clone() QuestionEntry {
	cp := *q
	cp.Correct = make(map[string]struct{}, len(q.Correct))
	for k := range q.Correct {
		cp.Correct[k] = struct{}{}
	}
	cp.Wrong = make(map[string]struct{}, len(q.Wrong))
	for k := range q.Wrong {
		cp.Wrong[k] = struct{}{}
	}
	return cp
}

// QuestionBank хранит вопросы группы и сессию редактирования.
type QuestionBank struct {
	Questions map[string]*QuestionEntry `msgpack:"qns"`
	Last      string                    `msgpack:"last"`
	LockUntil time.Time                 `msgpack:"lock"`
	Owner     int64                     `msgpack:"aid"`
}

// GroupState хранит состояние одной группы.
type GroupState struct {
	ID          int64             `msgpack:"id"`
	Config      GroupConfig       `msgpack:"config"`
	Messages    GroupMessages     `msgpack:"messages"`
	Pinned      PinnedState       `msgpack:"pinned"`
	PassCount   int               `msgpack:"pass_count"`
	Bank        QuestionBank      `msgpack:"questions"`
	CustomTexts map[string]string `msgpack:"custom_texts"`
}

// NewGroupState создаёт состояние группы с настройками по умолчанию.
func NewGroupState(id int64) *GroupState {
	return &GroupState{
		ID:     id,
		Config: DefaultGroupConfig(),
		Messages: GroupMessages{
			Manual: make(map[int]time.Time),
			NoSpam: make(map[int]time.Time),
		},
		Bank:        QuestionBank{Questions: make(map[string]*QuestionEntry)},
		CustomTexts: make(map[string]string),
	}
}

// Clone возвращает глубокую копию состояния группы.
func (g *GroupState) Clone() GroupState {
	cp := *g
	cp.Messages.Flood = append([]int(nil), g.Messages.Flood...)
	cp.Messages.Manual = make(map[int]time.Time, len(g.Messages.Manual))
	for k, v := range g.Messages.Manual {
		cp.Messages.Manual[k] = v
	}
	cp.Messages.NoSpam = make(map[int]time.Time, len(g.Messages.NoSpam))
	for k, v := range g.Messages.NoSpam {
		cp.Messages.NoSpam[k] = v
	}
	cp.Bank.Questions = make(map[string]*QuestionEntry, len(g.Bank.Questions))
	for tag, q := range g.Bank.Questions {
		qc := q.Clone()
		cp.Bank.Questions[tag] = &qc
	}
	cp.CustomTexts = make(map[string]string, len(g.CustomTexts))
	for k, v := range g.CustomTexts {
		cp.CustomTexts[k] = v
	}
	return cp
}

// Outcome описывает результат обработки ответа.
type Outcome string

const (
	OutcomeNone      Outcome = "none"
	OutcomeRetry     Outcome = "retry"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeExpired   Outcome = "expired"
)

// Member описывает участника из события платформы.
type Member struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	IsBot     bool
}

// FullName возвращает отображаемое имя.
func (m Member) FullName() string {
	name := m.FirstName
	if m.LastName != "" {
		name += " " + m.LastName
	}
	if name == "" {
		name = m.Username
	}
	return name
}

// MemberStatus описывает статус участника в чате.
type MemberStatus struct {
	Status     string
	Restricted bool
	Admin      bool
}
