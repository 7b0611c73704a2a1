package predict

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Similarity returns the Jaccard index of the word sets of a and b, in [0, 1].
// Words are compared case-folded with surrounding punctuation removed.
// Two inputs without any words score 0.
func Similarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)

	union := len(ta)
	inter := 0
	for tok := range tb {
		if _, ok := ta[tok]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	// a Caser carries state, so each call gets its own
	folded := cases.Fold().String(norm.NFKC.String(s))

	set := make(map[string]struct{})
	for _, field := range strings.Fields(folded) {
		tok := strings.TrimFunc(field, unicode.IsPunct)
		if tok == "" {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}
