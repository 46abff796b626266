package hint

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
)

// Mention описывает пользователя, которого нужно упомянуть в подсказке.
type Mention struct {
	ID   int64
	Name string
}

// Callback data кнопок подсказок.
const (
	DataCheck    = "hint:check"
	DataQnsPref  = "qns:"
	DataNone     = "none"
	customSingle = "single"
	customMulti  = "multi"
	customFlood  = "flood"
	customStatic = "static"
	customManual = "manual"
	customNoSpam = "nospam"
	customQns    = "qns"
)

// CustomTextKeys перечисляет тексты, которые группа может переопределить.
var CustomTextKeys = []string{customSingle, customMulti, customFlood, customStatic, customManual, customNoSpam, customQns}

// MentionHTML возвращает ссылку на пользователя в HTML-разметке.
func MentionHTML(m Mention) string {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		name = strconv.FormatInt(m.ID, 10)
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, m.ID, html.EscapeString(name))
}

// MessageLink строит ссылку на сообщение супергруппы.
func MessageLink(cid int64, mid int) string {
	id := strings.TrimPrefix(strconv.FormatInt(cid, 10), "-100")
	id = strings.TrimPrefix(id, "-")
	return "https://t.me/c/" + id + "/" + strconv.Itoa(mid)
}

func custom(texts map[string]string, key, fallback string) string {
	if t := strings.TrimSpace(texts[key]); t != "" {
		return html.EscapeString(t)
	}
	return fallback
}

func singleText(texts map[string]string, m Mention, timeout time.Duration) string {
	body := custom(texts, customSingle, "Чтобы писать в группе, пройдите проверку по кнопке ниже.")
	return fmt.Sprintf("%s\n%s\nВремя на проверку: %s.", MentionHTML(m), body, humanDuration(timeout))
}

func multiText(texts map[string]string, ms []Mention, total int, timeout time.Duration) string {
	var b strings.Builder
	for i, m := range ms {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(MentionHTML(m))
	}
	if rest := total - len(ms); rest > 0 {
		fmt.Fprintf(&b, " и ещё %d", rest)
	}
	body := custom(texts, customMulti, "Новые участники должны пройти проверку по кнопке ниже.")
	return fmt.Sprintf("%s\n%s\nВремя на проверку: %s.", b.String(), body, humanDuration(timeout))
}

func floodText(texts map[string]string, count int) string {
	body := custom(texts, customFlood, "В группу вступает слишком много участников. Все новые участники ограничены до прохождения проверки.")
	return fmt.Sprintf("%s\nОжидают проверки: %d.", body, count)
}

func staticText(texts map[string]string) string {
	return custom(texts, customStatic, "Новые участники могут писать только после прохождения проверки по кнопке ниже.")
}

func triggeredText(texts map[string]string, key string, m Mention, timeout time.Duration) string {
	fallback := "Администратор попросил вас пройти проверку."
	if key == customNoSpam {
		fallback = "Ваше сообщение похоже на спам. Пройдите проверку, чтобы продолжить общение."
	}
	body := custom(texts, key, fallback)
	return fmt.Sprintf("%s\n%s\nВремя на проверку: %s.", MentionHTML(m), body, humanDuration(timeout))
}

func questionText(texts map[string]string, ms []Mention, question string, timeout time.Duration) string {
	names := make([]string, 0, len(ms))
	for _, m := range ms {
		names = append(names, MentionHTML(m))
	}
	body := custom(texts, customQns, "Ответьте на вопрос группы, нажав на кнопку с ответом.")
	return fmt.Sprintf("%s\n%s\n\n<b>%s</b>\n\nВремя на ответ: %s.",
		strings.Join(names, ", "), body, html.EscapeString(question), humanDuration(timeout))
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "0 сек."
	}
	if d < time.Minute {
		return fmt.Sprintf("%d сек.", int(d.Seconds()))
	}
	mins := int(d.Minutes())
	if sec := int(d.Seconds()) % 60; sec > 0 {
		return fmt.Sprintf("%d мин. %d сек.", mins, sec)
	}
	return fmt.Sprintf("%d мин.", mins)
}
