package policy

import (
	"strings"
	"unicode"
)

// Novelty returns the share of distinct word tokens in recent that do not
// appear in previous, in [0,1]. It is the default semantic delta signal.
func Novelty(previous, recent string) float64 {
	fresh := tokens(recent)
	if len(fresh) == 0 {
		return 0
	}
	seen := tokens(previous)
	unseen := 0
	for tok := range fresh {
		if _, ok := seen[tok]; !ok {
			unseen++
		}
	}
	return float64(unseen) / float64(len(fresh))
}

func tokens(s string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
