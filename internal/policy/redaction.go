package policy

import (
	"regexp"
	"unicode"
)

const (
	PlaceholderEmail = "[REDACTED_EMAIL]"
	PlaceholderCard  = "[REDACTED_CARD]"
	PlaceholderPhone = "[REDACTED_PHONE]"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// phonePattern finds digit runs joined by common separators. phoneLike
	// decides whether a run has enough digits to be a number.
	phonePattern = regexp.MustCompile(`\+?\(?[0-9][0-9\-(). ]{5,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

const minPhoneDigits = 7

// redactor is one lexical pass of the PII scrubber. A nil accept replaces
// every match.
type redactor struct {
	pattern     *regexp.Regexp
	placeholder string
	accept      func(match string) bool
}

// Cards run before phones so long digit runs are not classified as phone numbers.
var redactors = []redactor{
	{pattern: emailPattern, placeholder: PlaceholderEmail},
	{pattern: cardPattern, placeholder: PlaceholderCard},
	{pattern: phonePattern, placeholder: PlaceholderPhone, accept: phoneLike},
}

// RedactPII masks email-like, card-like and phone-like substrings. It is a
// best-effort lexical pass.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range redactors {
		next := r.apply(out)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

func (r redactor) apply(in string) string {
	if r.accept == nil {
		return r.pattern.ReplaceAllString(in, r.placeholder)
	}
	return r.pattern.ReplaceAllStringFunc(in, func(m string) string {
		if r.accept(m) {
			return r.placeholder
		}
		return m
	})
}

// phoneLike accepts runs with at least a local seven-digit number's worth of digits.
func phoneLike(match string) bool {
	digits := 0
	for _, c := range match {
		if unicode.IsDigit(c) {
			digits++
		}
	}
	return digits >= minPhoneDigits
}
