package telegram

import "strings"

const (
	messageLimit = 4096
	captionLimit = 1024
)

// Split режет текст на части не длиннее limit символов, по возможности по строкам.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = messageLimit
	}
	var (
		parts []string
		cur   []string
		size  int
	)
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, strings.Join(cur, "\n"))
			cur, size = nil, 0
		}
	}
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		for len(runes) > limit {
			flush()
			parts = append(parts, string(runes[:limit]))
			runes = runes[limit:]
		}
		n := len(runes)
		if size > 0 && size+1+n > limit {
			flush()
		}
		if size > 0 {
			size++
		}
		cur = append(cur, string(runes))
		size += n
	}
	flush()
	return parts
}

// SplitMessage режет текст по лимиту сообщения Telegram.
func SplitMessage(text string) []string {
	return Split(text, messageLimit)
}

// Truncate обрезает текст до limit символов.
func Truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
