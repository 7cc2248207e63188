// Package similarity holds the pure text-distance helpers shared by the dedup
// engine and the scorer. Every function is symmetric in its two text inputs.
package similarity

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/mohammad-safakhou/corpus/internal/helpers"
)

// lengthBlendRatio is how close two strings must be in length before the
// edit-distance similarity is blended into the token similarity.
const lengthBlendRatio = 0.2

// Tokens lowercases s and splits it on anything that is not a letter or digit.
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenSet returns the distinct tokens of s.
func TokenSet(s string) map[string]struct{} {
	toks := Tokens(s)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

// Jaccard returns |A∩B| / |A∪B| over the token sets of a and b.
func Jaccard(a, b string) float64 {
	sa, sb := TokenSet(a), TokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Levenshtein returns the rune-level edit distance between a and b.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// EditSimilarity maps the edit distance onto [0,1], 1 meaning identical.
func EditSimilarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 0
	}
	return 1 - float64(Levenshtein(a, b))/float64(longest)
}

// Text compares two free-text fields. Token overlap is the base signal; when
// the normalised strings have lengths within 20% of each other the edit
// similarity is averaged in.
func Text(a, b string) float64 {
	na := normalize(a)
	nb := normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	j := Jaccard(na, nb)
	la, lb := len([]rune(na)), len([]rune(nb))
	longest := max(la, lb)
	if float64(abs(la-lb)) <= lengthBlendRatio*float64(longest) {
		return (j + EditSimilarity(na, nb)) / 2
	}
	return j
}

// URL scores two links: 1 when their canonical forms match, 0.5 when only the
// host matches, 0 otherwise.
func URL(a, b string) float64 {
	ca, errA := helpers.CanonicalURL(a)
	cb, errB := helpers.CanonicalURL(b)
	if errA != nil || errB != nil {
		return 0
	}
	if ca == cb {
		return 1
	}
	ua, errA := url.Parse(ca)
	ub, errB := url.Parse(cb)
	if errA != nil || errB != nil {
		return 0
	}
	if hostKey(ua.Host) == hostKey(ub.Host) {
		return 0.5
	}
	return 0
}

// TermOverlap returns the fraction of the distinct terms of query that occur
// in text.
func TermOverlap(query, text string) float64 {
	terms := TokenSet(query)
	if len(terms) == 0 {
		return 0
	}
	have := TokenSet(text)
	hit := 0
	for t := range terms {
		if _, ok := have[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

func normalize(s string) string {
	return strings.Join(Tokens(s), " ")
}

func hostKey(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
