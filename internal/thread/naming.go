package thread

import (
	"strings"
	"time"
	"unicode"
)

const (
	maxNameWords  = 4
	minWordLength = 3
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a an the and or but if then else when where what which who whom whose why how
		is are was were be been being am do does did done doing have has had having
		i me my mine we us our ours you your yours he him his she her hers it its they them their theirs
		this that these those there here
		to of in on at by for with about against between into through during before after above below
		from up down out off over under again further once
		can could should would will shall may might must
		not no nor only own same so than too very just also
		all any both each few more most other some such
		please tell explain give show know want need like get make let
		hi hello hey thanks thank
	`) {
		stopWords[w] = struct{}{}
	}
}

// GenerateName derives a short label from the first user message:
// up to four significant words, capitalized. Falls back to
// "New Conversation" plus a timestamp when nothing survives filtering.
func GenerateName(message string, now time.Time) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, message)

	words := make([]string, 0, maxNameWords)
	for _, w := range strings.Fields(cleaned) {
		if len([]rune(w)) < minWordLength {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		words = append(words, capitalize(w))
		if len(words) == maxNameWords {
			break
		}
	}

	if len(words) == 0 {
		return "New Conversation " + now.Format("2006-01-02 15:04")
	}
	return strings.Join(words, " ")
}

func capitalize(w string) string {
	r := []rune(w)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
