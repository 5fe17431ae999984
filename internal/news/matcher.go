package news

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/alanyoungcy/miscalibrated/internal/domain"
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "will": {}, "with": {}, "that": {},
	"this": {}, "from": {}, "are": {}, "was": {}, "were": {}, "has": {},
	"have": {}, "had": {}, "not": {}, "but": {}, "its": {}, "into": {},
	"than": {}, "then": {}, "there": {}, "their": {}, "what": {}, "when": {},
	"which": {}, "who": {}, "whom": {}, "before": {}, "after": {}, "above": {},
	"below": {}, "over": {}, "under": {}, "more": {}, "less": {}, "any": {},
	"all": {}, "each": {}, "been": {}, "being": {}, "does": {}, "did": {},
	"doing": {}, "would": {}, "could": {}, "should": {}, "said": {}, "says": {},
	"about": {}, "between": {}, "end": {}, "yes": {},
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit. Stopwords and words shorter than three letters are dropped;
// numbers of any length are kept.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		if len([]rune(f)) < 3 && !isNumber(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

type indexedMarket struct {
	id     int64
	tokens int
}

// Matcher correlates text with open markets by lexical overlap. A market's
// score is the fraction of its title and category tokens that appear in the
// text; markets scoring below the floor are not linked.
type Matcher struct {
	markets  domain.MarketStore
	floor    float64
	pageSize int

	mu        sync.RWMutex
	entries   []indexedMarket
	postings  map[string][]int
	refreshed time.Time
}

// NewMatcher creates a Matcher with an empty index. Call Refresh before the
// first Match.
func NewMatcher(markets domain.MarketStore, floor float64) *Matcher {
	return &Matcher{
		markets:  markets,
		floor:    floor,
		pageSize: 500,
		postings: make(map[string][]int),
	}
}

// Refresh rebuilds the index from every open market.
func (m *Matcher) Refresh(ctx context.Context) error {
	var entries []indexedMarket
	postings := make(map[string][]int)

	for offset := 0; ; offset += m.pageSize {
		page, err := m.markets.ListOpen(ctx, domain.MarketFilter{
			ListOpts: domain.ListOpts{Limit: m.pageSize, Offset: offset},
		})
		if err != nil {
			return fmt.Errorf("news: list open markets: %w", err)
		}
		for _, mk := range page {
			uniq := uniqueTokens(mk.Title + " " + mk.Category)
			if len(uniq) == 0 {
				continue
			}
			idx := len(entries)
			entries = append(entries, indexedMarket{id: mk.ID, tokens: len(uniq)})
			for tok := range uniq {
				postings[tok] = append(postings[tok], idx)
			}
		}
		if len(page) < m.pageSize {
			break
		}
	}

	m.mu.Lock()
	m.entries = entries
	m.postings = postings
	m.refreshed = time.Now()
	m.mu.Unlock()
	return nil
}

// RefreshIfOlder rebuilds the index when it is older than maxAge.
func (m *Matcher) RefreshIfOlder(ctx context.Context, maxAge time.Duration) error {
	m.mu.RLock()
	fresh := !m.refreshed.IsZero() && time.Since(m.refreshed) < maxAge
	m.mu.RUnlock()
	if fresh {
		return nil
	}
	return m.Refresh(ctx)
}

// Size returns the number of indexed markets.
func (m *Matcher) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Match returns a link from chunkID to every market whose score reaches the
// floor.
func (m *Matcher) Match(chunkID int64, text string) []domain.ChunkLink {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make(map[int]int)
	for tok := range uniqueTokens(text) {
		for _, idx := range m.postings[tok] {
			hits[idx]++
		}
	}

	var links []domain.ChunkLink
	for idx, n := range hits {
		e := m.entries[idx]
		score := float64(n) / float64(e.tokens)
		if score < m.floor {
			continue
		}
		links = append(links, domain.ChunkLink{ChunkID: chunkID, MarketID: e.id, Score: score})
	}
	return links
}

func uniqueTokens(text string) map[string]struct{} {
	toks := Tokenize(text)
	out := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		out[t] = struct{}{}
	}
	return out
}
