package telegram

import "strings"

const telegramTextLimit = 4000

// splitTelegramText cuts s into chunks of at most limit runes. It cuts after
// the last newline in the window, else after the last space, else hard at the
// limit, ignoring boundaries that would leave a chunk under a third of the
// limit. In HTML mode a cut never lands inside a tag. The result always has
// at least one element.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")
	minChunk := limit / 3

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = cutPoint(rs, start, end, minChunk)
			if html {
				end = outsideTag(rs, start, end)
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n "); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && (rs[start] == '\n' || rs[start] == ' ') {
			start++
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

func cutPoint(rs []rune, start, end, minChunk int) int {
	for _, sep := range []rune{'\n', ' '} {
		for i := end - 1; i-start >= minChunk; i-- {
			if rs[i] == sep {
				return i + 1
			}
		}
	}
	return end
}

// outsideTag moves end back to the '<' of a tag left open in rs[start:end].
func outsideTag(rs []rune, start, end int) int {
	open := -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			open = -1
		}
	}
	if open > start {
		return open
	}
	return end
}
