// Package textprep normalizes text before it is sent for synthesis, so the
// cloned voice reads prose rather than markup, citation marks and digits.
package textprep

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxSpelledNumber is the largest integer spelled out in words.
const MaxSpelledNumber = 999999

var (
	urlPattern       = regexp.MustCompile(`https?://\S+`)
	emailPattern     = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	numberPattern    = regexp.MustCompile(`\d+`)
	referencePattern = regexp.MustCompile(`\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`)
	citationPattern  = regexp.MustCompile(`\([^)]*\d{4}[^)]*\)|\b\w+\s+et\s+al\.`)
	spacePattern     = regexp.MustCompile(`\s+`)
	spaceBeforePunct = regexp.MustCompile(`\s+([.,;:!?])`)
)

var abbreviations = strings.NewReplacer(
	"Mr.", "Mister",
	"Mrs.", "Misses",
	"Ms.", "Miss",
	"Dr.", "Doctor",
	"St.", "Saint",
	"Ltd.", "Limited",
	"Corp.", "Corporation",
	"Inc.", "Incorporated",
)

var typography = strings.NewReplacer(
	"—", " - ",
	"–", "-",
	"‒", "-",
	"…", "...",
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// Normalizer rewrites text for speech. The zero value is not usable; use New.
type Normalizer struct {
	spellNumbers bool
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithoutNumberSpelling keeps digits as they are.
func WithoutNumberSpelling() Option {
	return func(n *Normalizer) {
		n.spellNumbers = false
	}
}

// New returns a Normalizer that spells out numbers unless told otherwise.
func New(opts ...Option) *Normalizer {
	normalizer := &Normalizer{spellNumbers: true}

	for _, opt := range opts {
		opt(normalizer)
	}

	return normalizer
}

// Normalize cleans text for synthesis. URLs and email addresses pass
// through untouched; the result ends with sentence punctuation.
func (n *Normalizer) Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	protected, tokens := protect(text)

	protected = abbreviations.Replace(protected)
	protected = citationPattern.ReplaceAllString(protected, "")
	protected = referencePattern.ReplaceAllString(protected, "")

	if n.spellNumbers {
		protected = numberPattern.ReplaceAllStringFunc(protected, spellNumber)
	}

	protected = typography.Replace(protected)
	protected = collapsePunctuation(protected)
	protected = spacePattern.ReplaceAllString(protected, " ")
	protected = spaceBeforePunct.ReplaceAllString(protected, "$1")

	return endSentence(restore(strings.TrimSpace(protected), tokens))
}

func protect(text string) (string, []string) {
	var tokens []string

	replace := func(match string) string {
		tokens = append(tokens, match)

		return tokenKey(len(tokens) - 1)
	}

	text = urlPattern.ReplaceAllStringFunc(text, replace)
	text = emailPattern.ReplaceAllStringFunc(text, replace)

	return text, tokens
}

func restore(text string, tokens []string) string {
	for index := len(tokens) - 1; index >= 0; index-- {
		text = strings.ReplaceAll(text, tokenKey(index), tokens[index])
	}

	return text
}

// tokenKey encodes index in letters so number spelling leaves it alone.
func tokenKey(index int) string {
	key := []byte{0}

	for {
		key = append(key, byte('a'+index%26))
		index /= 26

		if index == 0 {
			break
		}
	}

	return string(append(key, 0))
}

// collapsePunctuation keeps the first of a run of identical punctuation
// marks, except periods, which may form an ellipsis.
func collapsePunctuation(text string) string {
	var builder strings.Builder

	builder.Grow(len(text))

	var previous rune

	for _, char := range text {
		if char == previous && char != '.' && unicode.IsPunct(char) {
			continue
		}

		builder.WriteRune(char)
		previous = char
	}

	return builder.String()
}

func endSentence(text string) string {
	if text == "" {
		return ""
	}

	last, _ := utf8.DecodeLastRuneInString(text)

	switch last {
	case '.', '!', '?':
		return text
	case ',', ';', ':', '-':
		return strings.TrimRightFunc(text[:len(text)-utf8.RuneLen(last)], unicode.IsSpace) + "."
	default:
		return text + "."
	}
}

var (
	smallNumbers = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
)

func spellNumber(digits string) string {
	number, err := strconv.Atoi(digits)
	if err != nil || number > MaxSpelledNumber {
		return digits
	}

	return SpellInt(number)
}

// SpellInt spells a non-negative integer up to MaxSpelledNumber in English
// words; other values are returned as digits.
func SpellInt(number int) string {
	if number < 0 || number > MaxSpelledNumber {
		return strconv.Itoa(number)
	}

	if number < len(smallNumbers) {
		return smallNumbers[number]
	}

	var parts []string

	if thousands := number / 1000; thousands > 0 {
		parts = append(parts, spellBelowThousand(thousands)+" thousand")
	}

	if rest := number % 1000; rest > 0 {
		parts = append(parts, spellBelowThousand(rest))
	}

	return strings.Join(parts, " ")
}

func spellBelowThousand(number int) string {
	var parts []string

	if hundreds := number / 100; hundreds > 0 {
		parts = append(parts, smallNumbers[hundreds]+" hundred")
	}

	rest := number % 100

	switch {
	case rest == 0:
	case rest < len(smallNumbers):
		parts = append(parts, smallNumbers[rest])
	case rest%10 == 0:
		parts = append(parts, tensWords[rest/10])
	default:
		parts = append(parts, tensWords[rest/10]+"-"+smallNumbers[rest%10])
	}

	return strings.Join(parts, " ")
}
