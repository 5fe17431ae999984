// Package news ingests articles, splits them into overlapping chunks, embeds
// the chunks and correlates them with markets by lexical overlap.
package news

import (
	"strings"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

// ArticleText returns the text that gets chunked: the title, a blank line,
// then the body or, failing that, the description.
func ArticleText(a domain.Article) (string, error) {
	body := strings.TrimSpace(a.Content)
	if body == "" {
		body = strings.TrimSpace(a.Description)
	}
	if body == "" {
		return "", &domain.ValidationError{Field: "content", Reason: "article has no content or description"}
	}
	return strings.TrimSpace(a.Title) + "\n\n" + body, nil
}

// Chunk splits text into windows of size runes where consecutive windows
// share overlap runes. The final window may be shorter. Chunk panics if
// overlap is not smaller than size.
func Chunk(text string, size, overlap int) []string {
	if size < 1 || overlap < 0 || overlap >= size {
		panic("news: chunk overlap must be in [0, size)")
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := size - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
