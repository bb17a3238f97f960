package dialogue

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Category is one entry of a keyword table: a name and the trigger keywords
// that select it. Tables are ordered by priority.
type Category struct {
	Name     string
	Keywords []string
}

// Resolution is the transient result of classifying one utterance. Empty
// fields mean no match.
type Resolution struct {
	Personality string
	Function    string
}

// Resolver maps utterances to an optional personality switch and an optional
// special function. It holds no mutable state: the same utterance always
// yields the same Resolution.
type Resolver struct {
	personalities []Category
	functions     []Category
	fuzzy         float64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithFuzzyThreshold enables a Jaro-Winkler fallback for single-word keywords
// when no keyword occurs verbatim. It absorbs small transcription errors such
// as "profesor" for "professor". Zero disables the fallback.
func WithFuzzyThreshold(th float64) ResolverOption {
	return func(r *Resolver) { r.fuzzy = th }
}

// NewResolver builds a Resolver over the given priority-ordered tables.
// Keywords are normalised to lower case; the tables are copied.
func NewResolver(personalities, functions []Category, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		personalities: normalise(personalities),
		functions:     normalise(functions),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve classifies utterance. The personality and function lookups are
// independent and both may match.
func (r *Resolver) Resolve(utterance string) Resolution {
	lower := strings.ToLower(utterance)
	var words []string
	if r.fuzzy > 0 {
		words = strings.FieldsFunc(lower, func(c rune) bool {
			return !unicode.IsLetter(c) && !unicode.IsDigit(c)
		})
	}
	return Resolution{
		Personality: r.match(r.personalities, lower, words),
		Function:    r.match(r.functions, lower, words),
	}
}

func (r *Resolver) match(table []Category, lower string, words []string) string {
	for _, c := range table {
		for _, kw := range c.Keywords {
			if strings.Contains(lower, kw) {
				return c.Name
			}
		}
	}
	if r.fuzzy <= 0 {
		return ""
	}
	for _, c := range table {
		for _, kw := range c.Keywords {
			// Short or multi-word keywords produce too many false positives.
			if strings.ContainsRune(kw, ' ') || len([]rune(kw)) < 5 {
				continue
			}
			for _, w := range words {
				if matchr.JaroWinkler(w, kw, false) >= r.fuzzy {
					return c.Name
				}
			}
		}
	}
	return ""
}

func normalise(table []Category) []Category {
	out := make([]Category, 0, len(table))
	for _, c := range table {
		kws := make([]string, 0, len(c.Keywords))
		for _, kw := range c.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		out = append(out, Category{Name: c.Name, Keywords: kws})
	}
	return out
}

// MatchesAny reports whether the lower-cased utterance contains any of the
// patterns. Used for farewell detection.
func MatchesAny(utterance string, patterns []string) bool {
	lower := strings.ToLower(utterance)
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" && strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
