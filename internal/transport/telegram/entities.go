package telegram

import (
	"html"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"

	tele "gopkg.in/telebot.v4"
)

type entitySpan struct {
	start, end  int // UTF-16 units
	open, close string
}

// entityTags maps a formatting entity to HTML tags. Auto-detected entities
// (mentions, URLs, hashtags, commands) carry no markup and are skipped.
func entityTags(e tele.MessageEntity) (open, close string, ok bool) {
	switch e.Type {
	case tele.EntityBold:
		return "<b>", "</b>", true
	case tele.EntityItalic:
		return "<i>", "</i>", true
	case tele.EntityUnderline:
		return "<u>", "</u>", true
	case tele.EntityStrikethrough:
		return "<s>", "</s>", true
	case tele.EntitySpoiler:
		return "<tg-spoiler>", "</tg-spoiler>", true
	case tele.EntityCode:
		return "<code>", "</code>", true
	case tele.EntityCodeBlock:
		if e.Language != "" {
			return `<pre><code class="language-` + html.EscapeString(e.Language) + `">`, "</code></pre>", true
		}
		return "<pre>", "</pre>", true
	case tele.EntityTextLink:
		return `<a href="` + html.EscapeString(e.URL) + `">`, "</a>", true
	case tele.EntityTMention:
		if e.User == nil {
			return "", "", false
		}
		return `<a href="tg://user?id=` + strconv.FormatInt(e.User.ID, 10) + `">`, "</a>", true
	case tele.EntityCustomEmoji:
		return `<tg-emoji emoji-id="` + html.EscapeString(e.CustomEmojiID) + `">`, "</tg-emoji>", true
	case tele.EntityBlockquote:
		return "<blockquote>", "</blockquote>", true
	case tele.EntityEBlockquote:
		return "<blockquote expandable>", "</blockquote>", true
	}
	return "", "", false
}

// entitiesHTML renders text with its formatting entities as Bot API HTML.
// It reports false, and returns text unchanged, when nothing needs markup.
// Partially overlapping entities are closed and reopened so tags always nest.
func entitiesHTML(text string, ents tele.Entities) (string, bool) {
	units := utf16.Encode([]rune(text))
	n := len(units)

	spans := make([]entitySpan, 0, len(ents))
	for _, e := range ents {
		open, closeTag, ok := entityTags(e)
		start, end := min(max(e.Offset, 0), n), min(max(e.Offset+e.Length, 0), n)
		if !ok || end <= start {
			continue
		}
		spans = append(spans, entitySpan{start: start, end: end, open: open, close: closeTag})
	}
	if len(spans) == 0 {
		return text, false
	}
	// outer entities first when they start together
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].start != spans[j].start {
			return spans[i].start < spans[j].start
		}
		return spans[i].end > spans[j].end
	})

	var b strings.Builder
	var stack []entitySpan
	next, last := 0, 0
	for i := 0; i <= n; i++ {
		closing := -1
		for k, s := range stack {
			if s.end <= i {
				closing = k
				break
			}
		}
		opening := next < len(spans) && spans[next].start <= i
		if closing < 0 && !opening {
			continue
		}
		b.WriteString(html.EscapeString(string(utf16.Decode(units[last:i]))))
		last = i

		if closing >= 0 {
			for k := len(stack) - 1; k >= closing; k-- {
				b.WriteString(stack[k].close)
			}
			tail := stack[closing:]
			kept := stack[:closing:closing]
			for _, s := range tail {
				if s.end > i {
					b.WriteString(s.open)
					kept = append(kept, s)
				}
			}
			stack = kept
		}
		for next < len(spans) && spans[next].start <= i {
			b.WriteString(spans[next].open)
			stack = append(stack, spans[next])
			next++
		}
	}
	b.WriteString(html.EscapeString(string(utf16.Decode(units[last:]))))
	return b.String(), true
}
