package parser

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// NormalizeTitle is the key under which titles are compared: NFKC, case
// folded, whitespace collapsed.
func NormalizeTitle(title string) string {
	return folder.String(NormalizeText(norm.NFKC.String(title)))
}

// TitleRegistry counts title occurrences during one assembly walk. It is not
// safe for concurrent use.
type TitleRegistry struct {
	counts map[string]int
}

// NewTitleRegistry returns an empty registry.
func NewTitleRegistry() *TitleRegistry {
	return &TitleRegistry{counts: make(map[string]int)}
}

// Disambiguate returns title unchanged on its first occurrence and
// "title (n)" on the nth. Generated titles are registered too, so a later
// literal "Intro (2)" cannot collide with a generated one.
func (r *TitleRegistry) Disambiguate(title string) string {
	title = NormalizeText(title)
	key := NormalizeTitle(title)
	r.counts[key]++
	n := r.counts[key]
	if n == 1 {
		return title
	}

	for {
		candidate := fmt.Sprintf("%s (%d)", title, n)
		ckey := NormalizeTitle(candidate)
		if r.counts[ckey] == 0 {
			r.counts[ckey] = 1
			return candidate
		}
		n++
		r.counts[key] = n
	}
}

var chineseDigits = strings.NewReplacer(
	"零", "0", "一", "1", "二", "2", "三", "3", "四", "4",
	"五", "5", "六", "6", "七", "7", "八", "8", "九", "9",
	"十", "10", "百", "100", "千", "1000", "万", "10000",
)

var titleAffixes = strings.NewReplacer(
	"第", "", "章", "", "chapter", "", "section", "", "part", "",
)

func similarityKey(text string) string {
	text = strings.ToLower(strings.Join(strings.Fields(text), ""))
	text = chineseDigits.Replace(text)
	return strings.TrimSpace(titleAffixes.Replace(text))
}

// SimilarTitle reports whether a body heading repeats a section title,
// ignoring whitespace, case, Chinese numerals and chapter/section markers.
func SimilarTitle(a, b string) bool {
	ka, kb := similarityKey(a), similarityKey(b)
	if ka == "" || kb == "" {
		return false
	}
	return ka == kb
}
